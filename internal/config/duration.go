package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration fields are Go duration strings ("90s", "1h30m"). Empty means
// "use the default" and errors carry the field path, e.g.
// "dispatch.tolerance: invalid duration".

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0, got %s", path, d)
	}
	return d, nil
}

// ParseDurationOrDefault returns def for an empty or zero value.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// ParseDurationAtLeast is ParseDurationOrDefault with a floor. Interval
// triggers cannot run faster than once a second, so sweep intervals use it.
func ParseDurationAtLeast(path, raw string, def, floor time.Duration) (time.Duration, error) {
	d, err := ParseDurationOrDefault(path, raw, def)
	if err != nil {
		return 0, err
	}
	if d < floor {
		return 0, fmt.Errorf("%s: %s is below the minimum %s", path, d, floor)
	}
	return d, nil
}
