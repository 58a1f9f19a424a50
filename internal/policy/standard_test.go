// SPDX-License-Identifier: MIT

package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/campuskit/enrolld/internal/catalog"
	"github.com/campuskit/enrolld/internal/timetable"
)

func TestPriorityEnrollmentWindow(t *testing.T) {
	t.Parallel()

	in := baseInput()
	in.Student.PriorityWindowOpenAt = in.Now.Add(time.Minute)
	res := PriorityEnrollment().Evaluate(in)
	require.Equal(t, DecisionDeny, res.Decision)
	require.Equal(t, ReasonWindowClosed, res.Reason)

	// Exactly at the window open instant is allowed.
	in.Student.PriorityWindowOpenAt = in.Now
	res = PriorityEnrollment().Evaluate(in)
	require.Equal(t, DecisionAllow, res.Decision)
}

func TestPrerequisite(t *testing.T) {
	t.Parallel()

	in := baseInput()
	in.Section.Prerequisites = []string{"CS100", "MATH200"}
	res := Prerequisite().Evaluate(in)
	require.Equal(t, DecisionDeny, res.Decision)
	require.Equal(t, ReasonMissingPrereq, res.Reason)
	require.Contains(t, res.Message, "MATH200")

	in.Student.CompletedCourses["MATH200"] = true
	require.Equal(t, DecisionAllow, Prerequisite().Evaluate(in).Decision)
}

func TestAcademicStanding(t *testing.T) {
	t.Parallel()

	in := baseInput()
	in.Section.MinStanding = catalog.StandingSenior
	in.Student.Standing = catalog.StandingJunior
	res := AcademicStanding().Evaluate(in)
	require.Equal(t, DecisionDeny, res.Decision)
	require.Equal(t, ReasonPoorStanding, res.Reason)

	in.Student.Standing = catalog.StandingSenior
	require.Equal(t, DecisionAllow, AcademicStanding().Evaluate(in).Decision)
}

func TestTimeConflict(t *testing.T) {
	t.Parallel()

	in := baseInput()
	in.Student.Active = []ActiveSection{{
		SectionID: "HIST101-B",
		Schedule:  []timetable.Slot{{Day: timetable.Monday, Start: 660, End: 720}}, // 11:00-12:00
	}}

	// Section meets Mon 10:00-11:30: overlap.
	res := TimeConflict().Evaluate(in)
	require.Equal(t, DecisionDeny, res.Decision)
	require.Equal(t, ReasonTimeConflict, res.Reason)
	require.Contains(t, res.Message, "HIST101-B")

	// Adjacent slots (10:00-11:00 vs 11:00-12:00) are allowed.
	in.Section.Schedule = []timetable.Slot{{Day: timetable.Monday, Start: 600, End: 660}}
	require.Equal(t, DecisionAllow, TimeConflict().Evaluate(in).Decision)
}

func TestCapacityBoundaries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		enrolled int
		waitlist int
		want     Decision
		caveat   Caveat
	}{
		{"space left", 1, 0, DecisionAllow, ""},
		{"last seat", 1, 1, DecisionAllow, ""},
		{"full goes to waitlist", 2, 0, DecisionAllowWithCaveat, CaveatWaitlist},
		{"full waitlist denies", 2, 1, DecisionDeny, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			in := baseInput() // MaxCapacity 2, MaxWaitlist 1
			in.EnrolledCount = tt.enrolled
			in.WaitlistLen = tt.waitlist
			res := Capacity().Evaluate(in)
			require.Equal(t, tt.want, res.Decision)
			require.Equal(t, tt.caveat, res.Caveat)
		})
	}
}

func TestCreditLimit(t *testing.T) {
	t.Parallel()

	in := baseInput()
	in.Student.CreditsThisTerm = 16
	in.Section.Credits = 3 // 19 > 18
	res := CreditLimit().Evaluate(in)
	require.Equal(t, DecisionDeny, res.Decision)
	require.Equal(t, ReasonCreditLimit, res.Reason)

	// Landing exactly on the cap is fine.
	in.Student.CreditsThisTerm = 15
	require.Equal(t, DecisionAllow, CreditLimit().Evaluate(in).Decision)
}
