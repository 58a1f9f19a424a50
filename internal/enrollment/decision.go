// SPDX-License-Identifier: MIT

package enrollment

import (
	"errors"
	"time"

	"github.com/campuskit/enrolld/internal/policy"
)

// Reason codes produced by the coordinator itself, outside policy
// evaluation. They share the policy code space.
const (
	ReasonBusy           policy.ReasonCode = "BUSY"
	ReasonTimeout        policy.ReasonCode = "TIMEOUT"
	ReasonTransient      policy.ReasonCode = "TRANSIENT"
	ReasonDeadlinePassed policy.ReasonCode = "DEADLINE_PASSED"
	ReasonDuplicate      policy.ReasonCode = "DUPLICATE"
	ReasonUnknownSection policy.ReasonCode = "UNKNOWN_SECTION"
	ReasonUnknownStudent policy.ReasonCode = "UNKNOWN_STUDENT"
)

// Verdict is the final answer to an enrollment or drop request.
type Verdict string

const (
	VerdictEnrolled   Verdict = "enrolled"
	VerdictWaitlisted Verdict = "waitlisted"
	VerdictDenied     Verdict = "denied"
	VerdictDropped    Verdict = "dropped"
)

// Decision is the durable outcome of one request. Decisions for committed
// verdicts are stored under the request ID, making resubmission idempotent.
type Decision struct {
	RequestID        string            `json:"request_id,omitempty"`
	Verdict          Verdict           `json:"verdict"`
	Reason           policy.ReasonCode `json:"reason,omitempty"`
	Message          string            `json:"message,omitempty"`
	EnrollmentID     string            `json:"enrollment_id,omitempty"`
	WaitlistPosition int               `json:"waitlist_position,omitempty"`
	Trace            []policy.Result   `json:"policy_trace,omitempty"`
	EventIDs         []string          `json:"event_ids,omitempty"`
	DecidedAt        time.Time         `json:"decided_at"`
}

// Request is one enrollment request. RequestID carries exactly-once
// semantics.
type Request struct {
	RequestID   string    `json:"request_id"`
	StudentID   string    `json:"student_id"`
	SectionID   string    `json:"section_id"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Actor is the authenticated caller as resolved from the bearer token.
type Actor struct {
	ID   string
	Role string // student, lecturer, staff, admin
}

// IsAdmin reports whether the actor holds the administrative role.
func (a Actor) IsAdmin() bool { return a.Role == "admin" }

// ErrForbidden reports an actor operating on someone else's enrollment
// without the administrative role. It never carries a policy trace.
var ErrForbidden = errors.New("enrollment: forbidden")

// ErrNotFound reports an unknown enrollment ID.
var ErrNotFound = errors.New("enrollment: not found")

// enrollmentRef is the lookup record from enrollment ID to its streams.
type enrollmentRef struct {
	StudentID string `json:"student_id"`
	SectionID string `json:"section_id"`
}

// EnrollmentRefKey is the store ref key for an enrollment ID.
func enrollmentRefKey(enrollmentID string) string { return "enrollment:" + enrollmentID }
