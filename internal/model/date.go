package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// DateKeyLayout is the calendar-day key used for directories and state.
const DateKeyLayout = "20060102"

// ParseDateKey parses a YYYYMMDD key.
func ParseDateKey(key string) (time.Time, error) {
	t, err := time.ParseInLocation(DateKeyLayout, key, time.UTC)
	if err != nil {
		return time.Time{}, eris.Errorf("model: invalid date key %q (want YYYYMMDD)", key)
	}
	return t, nil
}

// DateKey formats t as a YYYYMMDD key in UTC.
func DateKey(t time.Time) string {
	return t.UTC().Format(DateKeyLayout)
}

// Yesterday returns the key for the UTC day before now.
func Yesterday(now time.Time) string {
	return DateKey(now.UTC().AddDate(0, 0, -1))
}

// ResolveDate returns args[0] when present and valid, yesterday otherwise.
func ResolveDate(args []string, now time.Time) (string, error) {
	if len(args) == 0 || args[0] == "" {
		return Yesterday(now), nil
	}
	if _, err := ParseDateKey(args[0]); err != nil {
		return "", err
	}
	return args[0], nil
}
