// Package timeparse turns short scheduling messages such as "7/1 14:00 開會"
// or "2025/12/25 晚上7點半 聚餐" into an absolute time and the remaining text.
//
// Grammar, in order:
//
//	[YYYY/]M/D  [period]  (H:MM | H點[M分|半])  [am|pm]  content
//
// period is one of 早上 上午 凌晨 清晨 morning am (hour unchanged),
// 中午 noon (hour+12 when hour < 11), or 下午 傍晚 晚上 afternoon evening pm
// (hour+12 when hour < 12). Full-width digits and punctuation are accepted.
package timeparse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/width"
)

// ParseError reports input outside the grammar. Reason is a short English
// description meant for logs, not for end users.
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("timeparse: %s: %q", e.Reason, e.Input)
}

// Result is a successfully parsed request.
type Result struct {
	At      time.Time
	Content string
}

type period int

const (
	periodNone period = iota
	periodMorning
	periodNoon
	periodAfternoon
)

// Longest markers first so "afternoon" is not read as "a" + "fternoon".
var periodMarkers = []struct {
	text string
	p    period
}{
	{"afternoon", periodAfternoon},
	{"evening", periodAfternoon},
	{"morning", periodMorning},
	{"night", periodAfternoon},
	{"noon", periodNoon},
	{"早上", periodMorning},
	{"上午", periodMorning},
	{"凌晨", periodMorning},
	{"清晨", periodMorning},
	{"中午", periodNoon},
	{"下午", periodAfternoon},
	{"傍晚", periodAfternoon},
	{"晚上", periodAfternoon},
	{"am", periodMorning},
	{"pm", periodAfternoon},
}

var (
	dateRe    = regexp.MustCompile(`^(?:(\d{4})/)?(\d{1,2})/(\d{1,2})`)
	colonRe   = regexp.MustCompile(`^(\d{1,2}):(\d{2})`)
	// Minutes need 分 unless they touch the hour mark: "3點 5個人" is 03:00.
	cjkTimeRe = regexp.MustCompile(`^(\d{1,2})\s*[點点時时](?:\s*(半)|\s*(\d{1,2})\s*分|(\d{1,2}))?`)
	suffixRe  = regexp.MustCompile(`^(?i)\s*(a\.m\.|p\.m\.|am|pm)`)
)

// Parse extracts the scheduled time and content from text. The result is in
// now's location; a missing year means now's year. Past results are returned
// as-is: rejecting them is the caller's decision.
func Parse(text string, now time.Time) (Result, error) {
	orig := []rune(strings.TrimSpace(text))
	norm := narrow(orig)
	s := string(norm)
	fail := func(reason string) (Result, error) {
		return Result{}, &ParseError{Input: text, Reason: reason}
	}
	if s == "" {
		return fail("empty input")
	}

	pos := 0
	m := dateRe.FindStringSubmatch(s)
	if m == nil {
		return fail("missing date (expected M/D or YYYY/M/D)")
	}
	pos += len(m[0])
	if pos < len(s) && isDigit(s[pos]) {
		return fail("malformed date")
	}
	year := now.Year()
	if m[1] != "" {
		year, _ = strconv.Atoi(m[1])
	}
	month, _ := strconv.Atoi(m[2])
	day, _ := strconv.Atoi(m[3])
	if !validDate(year, month, day) {
		return fail("date out of range")
	}

	pos = skipSpace(s, pos)
	p, n := matchPeriod(s[pos:])
	pos = skipSpace(s, pos+n)

	var hour, minute int
	if tm := colonRe.FindStringSubmatch(s[pos:]); tm != nil {
		hour, _ = strconv.Atoi(tm[1])
		minute, _ = strconv.Atoi(tm[2])
		pos += len(tm[0])
	} else if tm := cjkTimeRe.FindStringSubmatch(s[pos:]); tm != nil {
		hour, _ = strconv.Atoi(tm[1])
		switch {
		case tm[2] != "":
			minute = 30
		case tm[3] != "":
			minute, _ = strconv.Atoi(tm[3])
		case tm[4] != "":
			end := pos + len(tm[0])
			if end < len(s) && s[end] != ' ' && s[end] != '\t' {
				return fail("ambiguous minutes (use H點M分)")
			}
			minute, _ = strconv.Atoi(tm[4])
		}
		pos += len(tm[0])
	} else {
		return fail("missing time (expected H:MM or H點M分)")
	}
	if pos < len(s) && isDigit(s[pos]) {
		return fail("malformed time")
	}

	if p == periodNone {
		if sm := suffixRe.FindStringSubmatch(s[pos:]); sm != nil && !letterAt(s, pos+len(sm[0])) {
			if strings.HasPrefix(strings.ToLower(sm[1]), "p") {
				p = periodAfternoon
			} else {
				p = periodMorning
			}
			pos += len(sm[0])
		}
	}

	switch p {
	case periodAfternoon:
		if hour < 12 {
			hour += 12
		}
	case periodNoon:
		if hour < 11 {
			hour += 12
		}
	}
	if hour > 23 {
		return fail("hour out of range")
	}
	if minute > 59 {
		return fail("minute out of range")
	}

	// Content is cut from the original runes so full-width text survives.
	contentStart := utf8.RuneCountInString(s[:pos])
	content := strings.TrimSpace(string(orig[contentStart:]))
	if content == "" {
		return fail("missing content")
	}

	at := time.Date(year, time.Month(month), day, hour, minute, 0, 0, now.Location())
	return Result{At: at, Content: content}, nil
}

// narrow maps each full-width rune to its ASCII form, keeping one rune per
// input rune so offsets line up with the original text.
func narrow(in []rune) []rune {
	out := make([]rune, len(in))
	for i, r := range in {
		out[i] = r
		if r < utf8.RuneSelf {
			continue
		}
		n := width.Narrow.String(string(r))
		if nr, size := utf8.DecodeRuneInString(n); size == len(n) && nr != utf8.RuneError {
			out[i] = nr
		}
	}
	return out
}

func matchPeriod(s string) (period, int) {
	lower := strings.ToLower(s)
	for _, pm := range periodMarkers {
		if !strings.HasPrefix(lower, pm.text) {
			continue
		}
		// Latin markers must stand alone: "amy 9:00" is not "am".
		if pm.text[0] < utf8.RuneSelf && letterAt(s, len(pm.text)) {
			continue
		}
		return pm.p, len(pm.text)
	}
	return periodNone, 0
}

func validDate(year, month, day int) bool {
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return false
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	return t.Year() == year && int(t.Month()) == month && t.Day() == day
}

func skipSpace(s string, i int) int {
	for i < len(s) {
		r, size := utf8.DecodeRuneInString(s[i:])
		if !unicode.IsSpace(r) {
			break
		}
		i += size
	}
	return i
}

func letterAt(s string, i int) bool {
	if i >= len(s) {
		return false
	}
	r, _ := utf8.DecodeRuneInString(s[i:])
	return r < utf8.RuneSelf && unicode.IsLetter(r)
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }
