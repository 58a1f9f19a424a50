// SPDX-License-Identifier: MIT

// Package catalog is the read-only collaborator interface for section and
// student metadata. The enrollment engine consumes this data but does not
// own it; the sqlite store here is a local read model.
package catalog

import (
	"fmt"
	"time"

	"github.com/campuskit/enrolld/internal/timetable"
)

// Standing is an ordered academic standing. Higher values satisfy lower
// section requirements.
type Standing int

const (
	StandingFreshman Standing = iota + 1
	StandingSophomore
	StandingJunior
	StandingSenior
	StandingGraduate
)

var standingNames = map[Standing]string{
	StandingFreshman:  "freshman",
	StandingSophomore: "sophomore",
	StandingJunior:    "junior",
	StandingSenior:    "senior",
	StandingGraduate:  "graduate",
}

func (s Standing) String() string {
	if name, ok := standingNames[s]; ok {
		return name
	}
	return fmt.Sprintf("standing(%d)", int(s))
}

// ParseStanding converts a stored standing name to its ordered value.
func ParseStanding(name string) (Standing, error) {
	for s, n := range standingNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("catalog: unknown standing %q", name)
}

// Section is a course section as published by the academic calendar.
type Section struct {
	ID              string
	CourseID        string
	Schedule        []timetable.Slot
	MaxCapacity     int
	MaxWaitlist     int
	InstructorID    string
	AddDropDeadline time.Time
	Semester        string
	Prerequisites   []string
	MinStanding     Standing
	Credits         int
}

// StudentProfile is the slice of the student record the engine needs for
// policy evaluation.
type StudentProfile struct {
	ID                   string
	CompletedCourses     []string
	GPA                  float64
	Standing             Standing
	PriorityWindowOpenAt time.Time
	CreditCap            int // 0 means the configured default applies
}
