// SPDX-License-Identifier: MIT

// Package policy contains the enrollment decision rules and the engine that
// orders, evaluates and aggregates them into a verdict.
//
// Policies are pure values: a priority, a short-circuit flag and an
// evaluation function over the request context. No registry mutation happens
// after engine construction, so evaluation is deterministic.
package policy

import (
	"time"

	"github.com/campuskit/enrolld/internal/catalog"
	"github.com/campuskit/enrolld/internal/timetable"
)

// ReasonCode identifies why a request was denied. Codes are part of the API
// surface and stable.
type ReasonCode string

const (
	ReasonMissingPrereq ReasonCode = "MISSING_PREREQ"
	ReasonPoorStanding  ReasonCode = "POOR_STANDING"
	ReasonTimeConflict  ReasonCode = "TIME_CONFLICT"
	ReasonFull          ReasonCode = "FULL"
	ReasonCreditLimit   ReasonCode = "CREDIT_LIMIT"
	ReasonWindowClosed  ReasonCode = "WINDOW_CLOSED"
)

// Caveat qualifies an Allow result.
type Caveat string

// CaveatWaitlist marks an admission that lands on the waitlist instead of a
// seat.
const CaveatWaitlist Caveat = "WAITLIST"

// Decision is the kind of a single policy result.
type Decision string

const (
	DecisionAllow           Decision = "allow"
	DecisionDeny            Decision = "deny"
	DecisionAllowWithCaveat Decision = "allow_with_caveat"
)

// Result is the outcome of one policy evaluation. The ordered list of
// results forms the policy trace attached to every decision.
type Result struct {
	Policy   string     `json:"policy"`
	Decision Decision   `json:"decision"`
	Reason   ReasonCode `json:"reason,omitempty"`
	Caveat   Caveat     `json:"caveat,omitempty"`
	Message  string     `json:"message,omitempty"`
}

// Allow is the unconditional pass result.
func Allow() Result {
	return Result{Decision: DecisionAllow}
}

// Deny rejects the request with a stable reason code.
func Deny(reason ReasonCode, message string) Result {
	return Result{Decision: DecisionDeny, Reason: reason, Message: message}
}

// AllowWithCaveat passes the request with a qualifier.
func AllowWithCaveat(c Caveat) Result {
	return Result{Decision: DecisionAllowWithCaveat, Caveat: c}
}

// ActiveSection is one currently enrolled section in the student snapshot.
type ActiveSection struct {
	SectionID string
	CourseID  string
	Schedule  []timetable.Slot
	Credits   int
}

// StudentSnapshot is the student state a request is evaluated against. It is
// assembled by the coordinator from the catalog profile and the replayed
// student aggregate, and is immutable during evaluation.
type StudentSnapshot struct {
	StudentID            string
	CompletedCourses     map[string]bool
	GPA                  float64
	Standing             catalog.Standing
	PriorityWindowOpenAt time.Time
	CreditsThisTerm      int
	CreditCap            int
	Active               []ActiveSection
}

// Input is everything a policy may look at for one request.
type Input struct {
	RequestID     string
	StudentID     string
	Section       *catalog.Section
	EnrolledCount int // live count from the section stream
	WaitlistLen   int // live waitlist length from the section stream
	Student       StudentSnapshot
	Now           time.Time
}

// Policy is a single decision rule. Priority orders evaluation (lower runs
// first); ShortCircuitOnDeny stops the engine at the first Deny.
type Policy struct {
	Name               string
	Priority           int
	ShortCircuitOnDeny bool
	Evaluate           func(in Input) Result
}
