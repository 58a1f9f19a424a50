// SPDX-License-Identifier: MIT

// Package timetable models weekly meeting times as minutes-of-day intervals
// and provides the overlap predicate used by enrollment decisions.
//
// All times are wall-clock minutes in the single configured semester
// timezone. The package performs no DST arithmetic.
package timetable

import (
	"errors"
	"fmt"
)

// Day is a day of the week.
type Day int

const (
	Monday Day = iota
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
	Sunday
)

var dayNames = [...]string{"Mon", "Tue", "Wed", "Thu", "Fri", "Sat", "Sun"}

func (d Day) String() string {
	if d < Monday || d > Sunday {
		return fmt.Sprintf("Day(%d)", int(d))
	}
	return dayNames[d]
}

// ErrInvalidSlot reports a slot whose bounds are not a valid half-open
// interval within one day.
var ErrInvalidSlot = errors.New("timetable: invalid slot")

// Slot is a single weekly meeting interval. Start and End are minutes of
// day; the interval is half-open, [Start, End). Slots compare by value and
// are never mutated.
type Slot struct {
	Day   Day `json:"day"`
	Start int `json:"start"`
	End   int `json:"end"`
}

// Validate reports whether the slot is a well-formed interval.
func (s Slot) Validate() error {
	if s.Day < Monday || s.Day > Sunday {
		return fmt.Errorf("%w: day %d out of range", ErrInvalidSlot, int(s.Day))
	}
	if s.Start < 0 || s.End > 24*60 || s.Start >= s.End {
		return fmt.Errorf("%w: %s %d-%d", ErrInvalidSlot, s.Day, s.Start, s.End)
	}
	return nil
}

func (s Slot) String() string {
	return fmt.Sprintf("%s %02d:%02d-%02d:%02d", s.Day, s.Start/60, s.Start%60, s.End/60, s.End%60)
}

// Overlaps reports whether a and b share any minute. Adjacent slots
// (a.End == b.Start) do not overlap. Malformed inputs fail with
// ErrInvalidSlot.
func Overlaps(a, b Slot) (bool, error) {
	if err := a.Validate(); err != nil {
		return false, err
	}
	if err := b.Validate(); err != nil {
		return false, err
	}
	if a.Day != b.Day {
		return false, nil
	}
	return a.Start < b.End && b.Start < a.End, nil
}

// AnyOverlap reports whether any slot of a overlaps any slot of b.
func AnyOverlap(a, b []Slot) (bool, error) {
	for _, sa := range a {
		for _, sb := range b {
			hit, err := Overlaps(sa, sb)
			if err != nil {
				return false, err
			}
			if hit {
				return true, nil
			}
		}
	}
	return false, nil
}
