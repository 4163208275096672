package timeparse

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var durationPartRe = regexp.MustCompile(`^\s*([0-9]+|[零一二兩两三四五六七八九十]+)\s*(個小時|个小时|小時|小时|鐘頭|钟头|分鐘|分钟|分|秒鐘|秒钟|秒)`)

// ParseDuration reads countdown lengths: "5分鐘", "三分鐘", "1小時30分",
// "90秒", or a Go duration such as "90s" or "1h30m".
func ParseDuration(text string) (time.Duration, error) {
	s := strings.TrimSpace(string(narrow([]rune(text))))
	if s == "" {
		return 0, &ParseError{Input: text, Reason: "empty duration"}
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return 0, &ParseError{Input: text, Reason: "duration must be positive"}
		}
		return d, nil
	}

	var total time.Duration
	rest := s
	for rest != "" {
		m := durationPartRe.FindStringSubmatch(rest)
		if m == nil {
			return 0, &ParseError{Input: text, Reason: "unrecognized duration"}
		}
		n, ok := parseNumber(m[1])
		if !ok {
			return 0, &ParseError{Input: text, Reason: "bad number in duration"}
		}
		switch {
		case strings.Contains(m[2], "時") || strings.Contains(m[2], "时") || strings.Contains(m[2], "頭") || strings.Contains(m[2], "头"):
			total += time.Duration(n) * time.Hour
		case strings.HasPrefix(m[2], "分"):
			total += time.Duration(n) * time.Minute
		default:
			total += time.Duration(n) * time.Second
		}
		rest = strings.TrimSpace(rest[len(m[0]):])
	}
	if total <= 0 {
		return 0, &ParseError{Input: text, Reason: "duration must be positive"}
	}
	return total, nil
}

// FormatDuration renders d the way replies spell durations: "三分鐘",
// "一小時三十分鐘", "四十五秒".
func FormatDuration(d time.Duration) string {
	if d <= 0 {
		return "零秒"
	}
	d = d.Round(time.Second)
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	sec := int(d % time.Minute / time.Second)

	var b strings.Builder
	if h > 0 {
		b.WriteString(chineseNumber(h))
		b.WriteString("小時")
	}
	if m > 0 {
		b.WriteString(chineseNumber(m))
		b.WriteString("分鐘")
	}
	if sec > 0 {
		b.WriteString(chineseNumber(sec))
		b.WriteString("秒")
	}
	return b.String()
}

var cnDigits = map[rune]int{
	'零': 0, '一': 1, '二': 2, '兩': 2, '两': 2, '三': 3, '四': 4,
	'五': 5, '六': 6, '七': 7, '八': 8, '九': 9,
}

// parseNumber accepts ASCII digits or Chinese numerals up to 99.
func parseNumber(s string) (int, bool) {
	if n, err := strconv.Atoi(s); err == nil {
		return n, true
	}
	rs := []rune(s)
	switch len(rs) {
	case 1:
		if rs[0] == '十' {
			return 10, true
		}
		n, ok := cnDigits[rs[0]]
		return n, ok
	case 2:
		if rs[0] == '十' { // 十五
			n, ok := cnDigits[rs[1]]
			return 10 + n, ok
		}
		if rs[1] == '十' { // 二十
			n, ok := cnDigits[rs[0]]
			return n * 10, ok
		}
	case 3:
		if rs[1] == '十' { // 二十五
			tens, ok1 := cnDigits[rs[0]]
			ones, ok2 := cnDigits[rs[2]]
			return tens*10 + ones, ok1 && ok2
		}
	}
	return 0, false
}

var cnNames = []string{"零", "一", "二", "三", "四", "五", "六", "七", "八", "九"}

func chineseNumber(n int) string {
	switch {
	case n < 10:
		return cnNames[n]
	case n < 20:
		if n == 10 {
			return "十"
		}
		return "十" + cnNames[n-10]
	case n < 100:
		s := cnNames[n/10] + "十"
		if n%10 != 0 {
			s += cnNames[n%10]
		}
		return s
	default:
		return strconv.Itoa(n)
	}
}
