package reminder

import "time"

// Period is an inclusive time range.
type Period struct {
	Start time.Time
	End   time.Time
}

func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && !t.After(p.End)
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// span returns [start, next) closed to [start, next-1ns].
func span(start, next time.Time) Period {
	return Period{Start: start, End: next.Add(-time.Nanosecond)}
}

func Today(now time.Time) Period {
	s := startOfDay(now)
	return span(s, s.AddDate(0, 0, 1))
}

func Tomorrow(now time.Time) Period {
	s := startOfDay(now).AddDate(0, 0, 1)
	return span(s, s.AddDate(0, 0, 1))
}

// ThisWeek is the ISO week containing now: Monday 00:00 to Sunday 23:59:59.999999999.
func ThisWeek(now time.Time) Period {
	s := startOfWeek(now)
	return span(s, s.AddDate(0, 0, 7))
}

func NextWeek(now time.Time) Period {
	s := startOfWeek(now).AddDate(0, 0, 7)
	return span(s, s.AddDate(0, 0, 7))
}

func startOfWeek(t time.Time) time.Time {
	offset := (int(t.Weekday()) + 6) % 7 // Monday = 0
	return startOfDay(t).AddDate(0, 0, -offset)
}
