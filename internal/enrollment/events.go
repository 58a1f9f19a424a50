// SPDX-License-Identifier: MIT

// Package enrollment owns the enrollment lifecycle: the event-sourced
// student and section aggregates, the request coordinator and the waitlist
// promotion reconciler.
package enrollment

import (
	"time"

	"github.com/campuskit/enrolld/internal/timetable"
)

// Stream naming. One stream per student and per section.
const (
	studentStreamPrefix = "student-"
	sectionStreamPrefix = "section-"
)

// StudentStream returns the stream ID for a student.
func StudentStream(studentID string) string { return studentStreamPrefix + studentID }

// SectionStream returns the stream ID for a section.
func SectionStream(sectionID string) string { return sectionStreamPrefix + sectionID }

// Student stream event types.
const (
	TypeEnrolled          = "enrollment.enrolled"
	TypeDropped           = "enrollment.dropped"
	TypeWaitlisted        = "enrollment.waitlisted"
	TypeWaitlistCancelled = "enrollment.waitlist_cancelled"
	TypePromoted          = "enrollment.promoted"
	TypeRequestRejected   = "enrollment.request_rejected"
)

// Section stream event types.
const (
	TypeCapacityConsumed  = "section.capacity_consumed"
	TypeCapacityReleased  = "section.capacity_released"
	TypeSectionWaitlisted = "section.waitlisted"
	TypeWaitlistRemoved   = "section.waitlist_removed"
	TypePromotionDeferred = "section.promotion_deferred"
)

// EnrolledPayload records a seat taken by the student. The schedule and
// credits are captured at decision time so replay never needs the catalog.
type EnrolledPayload struct {
	EnrollmentID string           `json:"enrollment_id"`
	SectionID    string           `json:"section_id"`
	CourseID     string           `json:"course_id"`
	Credits      int              `json:"credits"`
	Schedule     []timetable.Slot `json:"schedule"`
	// Promoted marks enrollments that came off the waitlist.
	Promoted bool `json:"promoted,omitempty"`
}

// DroppedPayload records a seat given up.
type DroppedPayload struct {
	EnrollmentID string `json:"enrollment_id"`
	SectionID    string `json:"section_id"`
	// Compensation marks internal rollbacks, not user-initiated drops.
	Compensation bool `json:"compensation,omitempty"`
}

// WaitlistedPayload records a waitlist admission on the student stream.
type WaitlistedPayload struct {
	SectionID string `json:"section_id"`
	Position  int    `json:"position"`
}

// WaitlistCancelledPayload removes the student's waitlist claim.
type WaitlistCancelledPayload struct {
	SectionID string `json:"section_id"`
	Reason    string `json:"reason,omitempty"`
}

// RequestRejectedPayload records a denied request for audit.
type RequestRejectedPayload struct {
	SectionID string `json:"section_id"`
	Reason    string `json:"reason"`
}

// SeatPayload is the section-stream record of a seat consumed or released.
type SeatPayload struct {
	StudentID    string `json:"student_id"`
	EnrollmentID string `json:"enrollment_id"`
	// Promotion marks capacity consumed by a waitlist promotion.
	Promotion bool `json:"promotion,omitempty"`
}

// SectionWaitlistedPayload is the section-stream record of a waitlist join.
type SectionWaitlistedPayload struct {
	StudentID string `json:"student_id"`
	Position  int    `json:"position"`
}

// WaitlistRemovedPayload takes a student off the section waitlist.
type WaitlistRemovedPayload struct {
	StudentID string `json:"student_id"`
	// Cause is "promoted", "cancelled" or "denied".
	Cause string `json:"cause"`
}

// PromotionDeferredPayload marks a vacancy whose promotion could not be
// completed; the reconciler retries it.
type PromotionDeferredPayload struct {
	StudentID string `json:"student_id"`
	Reason    string `json:"reason,omitempty"`
}

// Status is the lifecycle state of one enrollment.
type Status string

const (
	StatusEnrolled   Status = "enrolled"
	StatusWaitlisted Status = "waitlisted"
	StatusDropped    Status = "dropped"
	StatusCancelled  Status = "cancelled"
)

// Enrollment is the derived record of one student-section relationship.
type Enrollment struct {
	EnrollmentID string           `json:"enrollment_id"`
	SectionID    string           `json:"section_id"`
	CourseID     string           `json:"course_id"`
	Credits      int              `json:"credits"`
	Schedule     []timetable.Slot `json:"schedule"`
	Status       Status           `json:"status"`
	EnrolledAt   time.Time        `json:"enrolled_at"`
	DroppedAt    *time.Time       `json:"dropped_at,omitempty"`
}
