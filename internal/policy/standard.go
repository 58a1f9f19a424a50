// SPDX-License-Identifier: MIT

package policy

import (
	"fmt"

	"github.com/campuskit/enrolld/internal/timetable"
)

// Standard returns the six standard enrollment policies. Priorities and
// short-circuit flags are stable so ordering is deterministic.
func Standard() []Policy {
	return []Policy{
		PriorityEnrollment(),
		Prerequisite(),
		AcademicStanding(),
		TimeConflict(),
		Capacity(),
		CreditLimit(),
	}
}

// PriorityEnrollment denies requests submitted before the student's
// enrollment window opens.
func PriorityEnrollment() Policy {
	return Policy{
		Name:               "priority_enrollment",
		Priority:           5,
		ShortCircuitOnDeny: true,
		Evaluate: func(in Input) Result {
			if in.Now.Before(in.Student.PriorityWindowOpenAt) {
				return Deny(ReasonWindowClosed, fmt.Sprintf(
					"enrollment window opens at %s", in.Student.PriorityWindowOpenAt.Format("2006-01-02 15:04")))
			}
			return Allow()
		},
	}
}

// Prerequisite denies requests missing any prerequisite course.
func Prerequisite() Policy {
	return Policy{
		Name:               "prerequisite",
		Priority:           10,
		ShortCircuitOnDeny: true,
		Evaluate: func(in Input) Result {
			for _, course := range in.Section.Prerequisites {
				if !in.Student.CompletedCourses[course] {
					return Deny(ReasonMissingPrereq, fmt.Sprintf("missing prerequisite %s", course))
				}
			}
			return Allow()
		},
	}
}

// AcademicStanding denies students below the section's minimum standing.
func AcademicStanding() Policy {
	return Policy{
		Name:               "academic_standing",
		Priority:           20,
		ShortCircuitOnDeny: true,
		Evaluate: func(in Input) Result {
			if in.Student.Standing < in.Section.MinStanding {
				return Deny(ReasonPoorStanding, fmt.Sprintf(
					"requires %s standing, student is %s", in.Section.MinStanding, in.Student.Standing))
			}
			return Allow()
		},
	}
}

// TimeConflict denies sections whose schedule overlaps any currently
// enrolled section. This is the runtime witness of the no-overlap invariant.
func TimeConflict() Policy {
	return Policy{
		Name:               "time_conflict",
		Priority:           30,
		ShortCircuitOnDeny: true,
		Evaluate: func(in Input) Result {
			for _, active := range in.Student.Active {
				hit, err := timetable.AnyOverlap(in.Section.Schedule, active.Schedule)
				if err != nil {
					return Deny(ReasonTimeConflict, fmt.Sprintf("schedule for %s is invalid: %v", active.SectionID, err))
				}
				if hit {
					return Deny(ReasonTimeConflict, fmt.Sprintf("conflicts with %s", active.SectionID))
				}
			}
			return Allow()
		},
	}
}

// Capacity admits to a seat while space remains, to the waitlist while the
// waitlist has room, and denies otherwise. It never short-circuits so the
// trace still records lower-priority results.
func Capacity() Policy {
	return Policy{
		Name:     "capacity",
		Priority: 40,
		Evaluate: func(in Input) Result {
			if in.EnrolledCount < in.Section.MaxCapacity {
				return Allow()
			}
			if in.WaitlistLen < in.Section.MaxWaitlist {
				return AllowWithCaveat(CaveatWaitlist)
			}
			return Deny(ReasonFull, "section and waitlist are full")
		},
	}
}

// CreditLimit denies requests that would push the student past their term
// credit cap.
func CreditLimit() Policy {
	return Policy{
		Name:               "credit_limit",
		Priority:           50,
		ShortCircuitOnDeny: true,
		Evaluate: func(in Input) Result {
			if in.Student.CreditsThisTerm+in.Section.Credits > in.Student.CreditCap {
				return Deny(ReasonCreditLimit, fmt.Sprintf(
					"%d enrolled + %d requested exceeds cap of %d",
					in.Student.CreditsThisTerm, in.Section.Credits, in.Student.CreditCap))
			}
			return Allow()
		},
	}
}
