// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/campuskit/enrolld/internal/catalog"
	"github.com/campuskit/enrolld/internal/timetable"
)

func TestSeedFileDecodes(t *testing.T) {
	t.Parallel()

	raw := []byte(`
sections:
  - id: sec-cs101-a
    course_id: CS101
    schedule:
      - {day: 0, start: 540, end: 600}
      - {day: 2, start: 540, end: 600}
    max_capacity: 30
    max_waitlist: 10
    min_standing: freshman
    credits: 3
students:
  - id: stu-1
    gpa: 3.4
    standing: junior
    completed_courses: [CS100]
    priority_window_open_at: 2026-03-01T08:00:00Z
    credit_cap: 18
`)
	var seed seedFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	require.NoError(t, dec.Decode(&seed))

	require.Len(t, seed.Sections, 1)
	require.Len(t, seed.Students, 1)
	require.Equal(t, []timetable.Slot{
		{Day: timetable.Monday, Start: 540, End: 600},
		{Day: timetable.Wednesday, Start: 540, End: 600},
	}, seed.Sections[0].Schedule)
}

func TestSeedSectionDefaultsDeadline(t *testing.T) {
	t.Parallel()

	fallback := time.Date(2026, 9, 14, 0, 0, 0, 0, time.UTC)
	sec, err := seedSection{ID: "s", CourseID: "c", Credits: 3}.toSection(fallback)
	require.NoError(t, err)
	require.Equal(t, fallback, sec.AddDropDeadline)
	require.Equal(t, catalog.StandingFreshman, sec.MinStanding)

	explicit := fallback.Add(24 * time.Hour)
	sec, err = seedSection{ID: "s", CourseID: "c", AddDropDeadline: explicit, MinStanding: "senior"}.toSection(fallback)
	require.NoError(t, err)
	require.Equal(t, explicit, sec.AddDropDeadline)
	require.Equal(t, catalog.StandingSenior, sec.MinStanding)
}

func TestSeedRejectsBadInput(t *testing.T) {
	t.Parallel()

	_, err := seedSection{CourseID: "c"}.toSection(time.Now())
	require.Error(t, err)

	_, err = seedSection{ID: "s", CourseID: "c", MinStanding: "wizard"}.toSection(time.Now())
	require.Error(t, err)

	_, err = seedSection{ID: "s", CourseID: "c",
		Schedule: []timetable.Slot{{Day: timetable.Monday, Start: 600, End: 540}}}.toSection(time.Now())
	require.Error(t, err)

	_, err = seedStudent{Standing: "junior"}.toProfile()
	require.Error(t, err)
}
