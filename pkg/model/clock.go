package model

import (
	"fmt"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

var ErrInvalidClockTime = goerr.New("invalid clock time, expected HH:MM")

// ClockTime is a wall-clock time of day in "HH:MM" form. It carries no date
// or location; On projects it onto a concrete day.
type ClockTime string

// ParseClockTime validates s and returns it as a ClockTime
func ParseClockTime(s string) (ClockTime, error) {
	if len(s) != len("15:04") {
		return "", goerr.Wrap(ErrInvalidClockTime, "unexpected length", goerr.V("value", s))
	}
	if _, err := time.Parse("15:04", s); err != nil {
		return "", goerr.Wrap(ErrInvalidClockTime, err.Error(), goerr.V("value", s))
	}
	return ClockTime(s), nil
}

// IsZero reports whether no time was set
func (x ClockTime) IsZero() bool { return x == "" }

func (x ClockTime) String() string { return string(x) }

// On returns the clock time on the same calendar day as day, in day's
// location, with zero seconds.
func (x ClockTime) On(day time.Time) (time.Time, error) {
	t, err := time.Parse("15:04", string(x))
	if err != nil {
		return time.Time{}, goerr.Wrap(ErrInvalidClockTime, err.Error(), goerr.V("value", string(x)))
	}
	y, m, d := day.Date()
	return time.Date(y, m, d, t.Hour(), t.Minute(), 0, 0, day.Location()), nil
}

// ClockTimeOf formats t as a ClockTime in t's location
func ClockTimeOf(t time.Time) ClockTime {
	return ClockTime(fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute()))
}
