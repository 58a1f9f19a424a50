// SPDX-License-Identifier: MIT

package enrollment

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/campuskit/enrolld/internal/eventstore"
	"github.com/campuskit/enrolld/internal/timetable"
)

func testSchedule() []timetable.Slot {
	return []timetable.Slot{{Day: timetable.Monday, Start: 9 * 60, End: 10 * 60}}
}

func TestStudentAggregateLifecycle(t *testing.T) {
	t.Parallel()

	s, err := eventstore.Open(eventstore.Options{InMemory: true})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	ctx := context.Background()
	stream := StudentStream("stu-1")

	_, err = s.Append(ctx, stream, 0, eventstore.Event{
		Type: TypeEnrolled,
		Payload: EnrolledPayload{
			EnrollmentID: "e-1", SectionID: "sec-a", CourseID: "CS101",
			Credits: 3, Schedule: testSchedule(),
		},
	})
	require.NoError(t, err)
	_, err = s.Append(ctx, stream, 1, eventstore.Event{
		Type:    TypeWaitlisted,
		Payload: WaitlistedPayload{SectionID: "sec-b", Position: 2},
	})
	require.NoError(t, err)
	_, err = s.Append(ctx, stream, 2, eventstore.Event{
		Type: TypePromoted,
		Payload: EnrolledPayload{
			EnrollmentID: "e-2", SectionID: "sec-b", CourseID: "CS102",
			Credits: 4, Promoted: true,
		},
	})
	require.NoError(t, err)
	_, err = s.Append(ctx, stream, 3, eventstore.Event{
		Type:    TypeDropped,
		Payload: DroppedPayload{EnrollmentID: "e-1", SectionID: "sec-a"},
	})
	require.NoError(t, err)

	agg, err := LoadStudent(ctx, s, "stu-1")
	require.NoError(t, err)

	require.Equal(t, uint64(4), agg.Version)
	require.Equal(t, 4, agg.CreditsThisTerm) // 3 enrolled + 4 promoted - 3 dropped
	require.Len(t, agg.Active(), 1)
	require.Equal(t, "e-2", agg.Active()[0].EnrollmentID)
	require.Empty(t, agg.Waitlists) // cleared by the promotion
	require.Equal(t, StatusDropped, agg.ByID("e-1").Status)
	require.Nil(t, agg.ActiveInSection("sec-a"))
	require.NotNil(t, agg.ActiveInSection("sec-b"))
}

func TestStudentAggregateRejectsVersionGap(t *testing.T) {
	t.Parallel()

	agg := NewStudentAggregate("stu-1")
	err := agg.Apply(eventstore.Envelope{StreamVersion: 3, Type: TypeRequestRejected})
	require.Error(t, err)
	require.Equal(t, uint64(0), agg.Version)
}

func TestSectionAggregateLifecycle(t *testing.T) {
	t.Parallel()

	s, err := eventstore.Open(eventstore.Options{InMemory: true})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	ctx := context.Background()
	stream := SectionStream("sec-a")

	emit := func(expected uint64, ev eventstore.Event) {
		t.Helper()
		_, err := s.Append(ctx, stream, expected, ev)
		require.NoError(t, err)
	}

	emit(0, eventstore.Event{Type: TypeCapacityConsumed, Payload: SeatPayload{StudentID: "stu-1", EnrollmentID: "e-1"}})
	emit(1, eventstore.Event{Type: TypeSectionWaitlisted, Payload: SectionWaitlistedPayload{StudentID: "stu-2", Position: 1}})
	emit(2, eventstore.Event{Type: TypeSectionWaitlisted, Payload: SectionWaitlistedPayload{StudentID: "stu-3", Position: 2}})
	emit(3, eventstore.Event{Type: TypeCapacityReleased, Payload: SeatPayload{StudentID: "stu-1", EnrollmentID: "e-1"}})
	// Promotion consumes the seat and leaves the waitlist in one event.
	emit(4, eventstore.Event{Type: TypeCapacityConsumed, Payload: SeatPayload{StudentID: "stu-2", EnrollmentID: "e-2", Promotion: true}})
	emit(5, eventstore.Event{Type: TypePromotionDeferred, Payload: PromotionDeferredPayload{StudentID: "stu-3", Reason: "catalog unavailable"}})

	agg, err := LoadSection(ctx, s, "sec-a")
	require.NoError(t, err)

	require.Equal(t, uint64(6), agg.Version)
	require.Equal(t, 1, agg.EnrolledCount)
	require.Equal(t, []string{"stu-3"}, agg.Waitlist)
	require.True(t, agg.OnWaitlist("stu-3"))
	require.False(t, agg.OnWaitlist("stu-2"))
	require.Equal(t, []string{"stu-3"}, agg.PendingPromotions)
}

func TestSectionAggregateWaitlistRemoval(t *testing.T) {
	t.Parallel()

	agg := NewSectionAggregate("sec-a")
	events := []eventstore.Envelope{
		mustEnvelope(t, 1, TypeSectionWaitlisted, SectionWaitlistedPayload{StudentID: "stu-1", Position: 1}),
		mustEnvelope(t, 2, TypeSectionWaitlisted, SectionWaitlistedPayload{StudentID: "stu-2", Position: 2}),
		mustEnvelope(t, 3, TypeWaitlistRemoved, WaitlistRemovedPayload{StudentID: "stu-1", Cause: "denied"}),
	}
	for _, env := range events {
		require.NoError(t, agg.Apply(env))
	}
	require.Equal(t, []string{"stu-2"}, agg.Waitlist)
}

// Rebuilding from a snapshot plus the tail must land on exactly the state a
// full replay produces.
func TestReplayFromSnapshotMatchesFullReplay(t *testing.T) {
	t.Parallel()

	s, err := eventstore.Open(eventstore.Options{InMemory: true})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	ctx := context.Background()
	stream := StudentStream("stu-1")

	live := NewStudentAggregate("stu-1")
	for i := 0; i < 12; i++ {
		var ev eventstore.Event
		switch i % 3 {
		case 0:
			ev = eventstore.Event{Type: TypeEnrolled, Payload: EnrolledPayload{
				EnrollmentID: "e-" + string(rune('a'+i)), SectionID: "sec-" + string(rune('a'+i)),
				CourseID: "CS10" + string(rune('0'+i%10)), Credits: 3, Schedule: testSchedule(),
			}}
		case 1:
			ev = eventstore.Event{Type: TypeWaitlisted, Payload: WaitlistedPayload{
				SectionID: "w-" + string(rune('a'+i)), Position: i,
			}}
		case 2:
			ev = eventstore.Event{Type: TypeDropped, Payload: DroppedPayload{
				EnrollmentID: "e-" + string(rune('a'+i-2)), SectionID: "sec-" + string(rune('a'+i-2)),
			}}
		}
		env, err := s.Append(ctx, stream, uint64(i), ev)
		require.NoError(t, err)
		require.NoError(t, live.Apply(*env))

		if i == 6 {
			require.NoError(t, s.SaveSnapshot(ctx, stream, live.Version, live))
		}
	}

	replayed, err := LoadStudent(ctx, s, "stu-1")
	require.NoError(t, err)
	if diff := cmp.Diff(live, replayed); diff != "" {
		t.Fatalf("replayed state diverged (-live +replayed):\n%s", diff)
	}

	// And a replay that ignores the snapshot agrees too.
	full := NewStudentAggregate("stu-1")
	events, err := s.Load(ctx, stream, 0)
	require.NoError(t, err)
	for _, env := range events {
		require.NoError(t, full.Apply(env))
	}
	if diff := cmp.Diff(full, replayed); diff != "" {
		t.Fatalf("snapshot path diverged from event-only path:\n%s", diff)
	}
}

func mustEnvelope(t *testing.T, version uint64, eventType string, payload any) eventstore.Envelope {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return eventstore.Envelope{StreamVersion: version, Type: eventType, Payload: raw}
}
