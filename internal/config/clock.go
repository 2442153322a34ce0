package config

import (
	"fmt"
	"time"
)

// Clock is a time of day in minutes since midnight.
type Clock int

// ParseClock accepts "HH:MM".
func ParseClock(value string) (Clock, error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q, expected HH:MM", value)
	}
	return Clock(t.Hour()*60 + t.Minute()), nil
}

func ClockOf(t time.Time) Clock {
	return Clock(t.Hour()*60 + t.Minute())
}

// Within reports whether now falls inside [from, until). The window wraps past midnight
// when from is later than until.
func Within(now, from, until Clock) bool {
	if from == until {
		return true
	}
	if from < until {
		return now >= from && now < until
	}
	return now >= from || now < until
}
