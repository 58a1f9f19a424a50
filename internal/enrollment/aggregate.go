// SPDX-License-Identifier: MIT

package enrollment

import (
	"context"
	"fmt"

	"github.com/campuskit/enrolld/internal/eventstore"
)

// StudentAggregate is the event-sourced state of one student's enrollments.
// It is rebuilt by replay and is JSON-serializable for snapshots.
type StudentAggregate struct {
	StudentID       string         `json:"student_id"`
	Version         uint64         `json:"version"`
	Enrollments     []*Enrollment  `json:"enrollments"`
	Waitlists       map[string]int `json:"waitlists"` // section ID -> position
	CreditsThisTerm int            `json:"credits_this_term"`
}

// NewStudentAggregate returns the empty state for a student.
func NewStudentAggregate(studentID string) *StudentAggregate {
	return &StudentAggregate{
		StudentID: studentID,
		Waitlists: make(map[string]int),
	}
}

// Active returns enrollments with status enrolled.
func (a *StudentAggregate) Active() []*Enrollment {
	var out []*Enrollment
	for _, e := range a.Enrollments {
		if e.Status == StatusEnrolled {
			out = append(out, e)
		}
	}
	return out
}

// ActiveInSection reports the enrolled enrollment for a section, if any.
func (a *StudentAggregate) ActiveInSection(sectionID string) *Enrollment {
	for _, e := range a.Enrollments {
		if e.SectionID == sectionID && e.Status == StatusEnrolled {
			return e
		}
	}
	return nil
}

// ByID finds the newest enrollment record with the given ID. Compensation
// can re-append a record under the same ID, so the latest one is the truth.
func (a *StudentAggregate) ByID(enrollmentID string) *Enrollment {
	for i := len(a.Enrollments) - 1; i >= 0; i-- {
		if a.Enrollments[i].EnrollmentID == enrollmentID {
			return a.Enrollments[i]
		}
	}
	return nil
}

// Apply folds one event into the state. Events must arrive in stream order;
// gaps are a corruption signal and rejected.
func (a *StudentAggregate) Apply(env eventstore.Envelope) error {
	if env.StreamVersion != a.Version+1 {
		return fmt.Errorf("enrollment: student %s: event version %d after %d", a.StudentID, env.StreamVersion, a.Version)
	}

	switch env.Type {
	case TypeEnrolled, TypePromoted:
		var p EnrolledPayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		a.Enrollments = append(a.Enrollments, &Enrollment{
			EnrollmentID: p.EnrollmentID,
			SectionID:    p.SectionID,
			CourseID:     p.CourseID,
			Credits:      p.Credits,
			Schedule:     p.Schedule,
			Status:       StatusEnrolled,
			EnrolledAt:   env.OccurredAt,
		})
		a.CreditsThisTerm += p.Credits
		if env.Type == TypePromoted {
			delete(a.Waitlists, p.SectionID)
		}

	case TypeDropped:
		var p DroppedPayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		if e := a.ByID(p.EnrollmentID); e != nil && e.Status == StatusEnrolled {
			e.Status = StatusDropped
			at := env.OccurredAt
			e.DroppedAt = &at
			a.CreditsThisTerm -= e.Credits
		}

	case TypeWaitlisted:
		var p WaitlistedPayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		if a.Waitlists == nil {
			a.Waitlists = make(map[string]int)
		}
		a.Waitlists[p.SectionID] = p.Position

	case TypeWaitlistCancelled:
		var p WaitlistCancelledPayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		delete(a.Waitlists, p.SectionID)

	case TypeRequestRejected:
		// Audit-only; no state change.

	default:
		return fmt.Errorf("enrollment: student %s: unknown event type %s", a.StudentID, env.Type)
	}

	a.Version = env.StreamVersion
	return nil
}

// SectionAggregate is the event-sourced seat and waitlist state of one
// section.
type SectionAggregate struct {
	SectionID     string   `json:"section_id"`
	Version       uint64   `json:"version"`
	EnrolledCount int      `json:"enrolled_count"`
	Waitlist      []string `json:"waitlist"` // ordered student IDs
	// PendingPromotions lists students whose promotion was deferred and
	// awaits the reconciler.
	PendingPromotions []string `json:"pending_promotions,omitempty"`
}

// NewSectionAggregate returns the empty state for a section.
func NewSectionAggregate(sectionID string) *SectionAggregate {
	return &SectionAggregate{SectionID: sectionID}
}

// OnWaitlist reports whether the student is queued.
func (a *SectionAggregate) OnWaitlist(studentID string) bool {
	for _, id := range a.Waitlist {
		if id == studentID {
			return true
		}
	}
	return false
}

func removeFirst(list []string, v string) []string {
	for i, item := range list {
		if item == v {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// Apply folds one event into the state.
func (a *SectionAggregate) Apply(env eventstore.Envelope) error {
	if env.StreamVersion != a.Version+1 {
		return fmt.Errorf("enrollment: section %s: event version %d after %d", a.SectionID, env.StreamVersion, a.Version)
	}

	switch env.Type {
	case TypeCapacityConsumed:
		var p SeatPayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		a.EnrolledCount++
		if p.Promotion {
			a.Waitlist = removeFirst(a.Waitlist, p.StudentID)
		}
		a.PendingPromotions = removeFirst(a.PendingPromotions, p.StudentID)

	case TypeCapacityReleased:
		var p SeatPayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		a.EnrolledCount--

	case TypeSectionWaitlisted:
		var p SectionWaitlistedPayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		a.Waitlist = append(a.Waitlist, p.StudentID)

	case TypeWaitlistRemoved:
		var p WaitlistRemovedPayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		a.Waitlist = removeFirst(a.Waitlist, p.StudentID)
		a.PendingPromotions = removeFirst(a.PendingPromotions, p.StudentID)

	case TypePromotionDeferred:
		var p PromotionDeferredPayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		a.PendingPromotions = append(a.PendingPromotions, p.StudentID)

	default:
		return fmt.Errorf("enrollment: section %s: unknown event type %s", a.SectionID, env.Type)
	}

	a.Version = env.StreamVersion
	return nil
}

// LoadStudent rebuilds a student aggregate from the latest snapshot plus
// the event tail.
func LoadStudent(ctx context.Context, store *eventstore.Store, studentID string) (*StudentAggregate, error) {
	snap, tail, err := store.Replay(ctx, StudentStream(studentID))
	if err != nil {
		return nil, err
	}
	agg := NewStudentAggregate(studentID)
	if snap != nil {
		if err := snap.DecodeState(agg); err != nil {
			return nil, err
		}
	}
	for _, env := range tail {
		if err := agg.Apply(env); err != nil {
			return nil, err
		}
	}
	return agg, nil
}

// LoadSection rebuilds a section aggregate from the latest snapshot plus
// the event tail.
func LoadSection(ctx context.Context, store *eventstore.Store, sectionID string) (*SectionAggregate, error) {
	snap, tail, err := store.Replay(ctx, SectionStream(sectionID))
	if err != nil {
		return nil, err
	}
	agg := NewSectionAggregate(sectionID)
	if snap != nil {
		if err := snap.DecodeState(agg); err != nil {
			return nil, err
		}
	}
	for _, env := range tail {
		if err := agg.Apply(env); err != nil {
			return nil, err
		}
	}
	return agg, nil
}
