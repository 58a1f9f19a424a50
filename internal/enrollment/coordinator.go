// SPDX-License-Identifier: MIT

package enrollment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/campuskit/enrolld/internal/audit"
	"github.com/campuskit/enrolld/internal/catalog"
	"github.com/campuskit/enrolld/internal/eventstore"
	"github.com/campuskit/enrolld/internal/locks"
	"github.com/campuskit/enrolld/internal/log"
	"github.com/campuskit/enrolld/internal/metrics"
	"github.com/campuskit/enrolld/internal/policy"
)

// Config tunes the coordinator's concurrency behavior.
type Config struct {
	// LockWaitTimeout bounds how long a request queues for its section lock.
	LockWaitTimeout time.Duration
	// LockHoldTTL is how long a grant survives a holder that never releases.
	LockHoldTTL time.Duration
	// MaxRetries bounds retry rounds after an optimistic append conflict.
	MaxRetries int
	// CreditCapDefault applies to students whose profile has no cap.
	CreditCapDefault int
	// MaxWaitlistDefault applies to sections that set no waitlist limit.
	MaxWaitlistDefault int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		LockWaitTimeout:    5 * time.Second,
		LockHoldTTL:        30 * time.Second,
		MaxRetries:         3,
		CreditCapDefault:   18,
		MaxWaitlistDefault: 10,
	}
}

const (
	backoffBase = 10 * time.Millisecond
	backoffCap  = 500 * time.Millisecond
)

// backoffDelay returns the sleep before retry round attempt (0-based):
// exponential from the base, capped, with ±25% jitter.
func backoffDelay(attempt int) time.Duration {
	d := backoffBase << attempt
	if d > backoffCap || d <= 0 {
		d = backoffCap
	}
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(d) * jitter)
}

// sectionLock names the lock guarding one section's seat accounting.
func sectionLock(sectionID string) string { return "section:" + sectionID }

// Coordinator drives the enrollment request protocol: authorization,
// idempotency, locking, aggregate replay, policy evaluation, event appends
// with compensation, and audit.
type Coordinator struct {
	store   *eventstore.Store
	locks   *locks.Manager
	catalog catalog.Provider
	engine  *policy.Engine
	chain   *audit.Chain
	cfg     Config
	logger  zerolog.Logger

	// now is swapped by tests.
	now func() time.Time
}

// NewCoordinator wires the coordinator. chain may be nil in tests that do not
// assert on the audit log.
func NewCoordinator(store *eventstore.Store, lm *locks.Manager, cat catalog.Provider, engine *policy.Engine, chain *audit.Chain, cfg Config) *Coordinator {
	return &Coordinator{
		store:   store,
		locks:   lm,
		catalog: cat,
		engine:  engine,
		chain:   chain,
		cfg:     cfg,
		logger:  log.WithComponent("coordinator"),
		now:     time.Now,
	}
}

// deniedDecision builds a transient (unrecorded) denial.
func deniedDecision(req Request, reason policy.ReasonCode, message string, decidedAt time.Time) *Decision {
	return &Decision{
		RequestID: req.RequestID,
		Verdict:   VerdictDenied,
		Reason:    reason,
		Message:   message,
		DecidedAt: decidedAt,
	}
}

// Submit processes one enrollment request and returns its decision.
// Resubmitting the same request ID returns the recorded decision without
// re-evaluating. Denials with reason BUSY or TRANSIENT are not recorded and
// may be retried by the caller.
func (c *Coordinator) Submit(ctx context.Context, actor Actor, req Request) (*Decision, error) {
	if actor.ID != req.StudentID && !actor.IsAdmin() {
		return nil, ErrForbidden
	}
	if req.RequestID == "" || req.StudentID == "" || req.SectionID == "" {
		return nil, fmt.Errorf("enrollment: request is missing required fields")
	}

	var prior Decision
	found, err := c.store.Decision(ctx, req.RequestID, &prior)
	if err != nil {
		return nil, err
	}
	if found {
		return &prior, nil
	}

	for attempt := 0; ; attempt++ {
		decision, err := c.submitOnce(ctx, actor, req)
		if err == nil {
			metrics.RecordDecision(string(decision.Verdict), string(decision.Reason))
			return decision, nil
		}
		if !eventstore.IsConflict(err) {
			return nil, err
		}
		if attempt >= c.cfg.MaxRetries {
			d := deniedDecision(req, ReasonBusy, "could not commit after retries", c.now())
			metrics.RecordDecision(string(d.Verdict), string(d.Reason))
			return d, nil
		}
		metrics.RetryTotal.Inc()
		select {
		case <-time.After(backoffDelay(attempt)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// submitOnce runs one lock/evaluate/append round. The section lock is held
// only for the round itself, so FIFO waiters advance while a conflicting
// request backs off. Conflicts bubble up to the retry loop in Submit.
func (c *Coordinator) submitOnce(ctx context.Context, actor Actor, req Request) (*Decision, error) {
	lockStart := c.now()
	grant, err := c.locks.Acquire(ctx, sectionLock(req.SectionID), req.RequestID, c.cfg.LockHoldTTL, c.cfg.LockWaitTimeout)
	if err != nil {
		if errors.Is(err, locks.ErrWaitTimeout) {
			metrics.LockTimeoutTotal.Inc()
			return deniedDecision(req, ReasonBusy, "section is busy, retry later", c.now()), nil
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return deniedDecision(req, ReasonTimeout, "request deadline expired before lock acquisition", c.now()), nil
		}
		return nil, err
	}
	metrics.ObserveLockWait(c.now().Sub(lockStart))
	defer func() {
		if rerr := c.locks.Release(grant.Name, grant.Owner); rerr != nil {
			c.logger.Warn().Err(rerr).Str("lock", grant.Name).Msg("lock release failed")
		}
	}()

	section, err := c.catalog.Section(ctx, req.SectionID)
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		return deniedDecision(req, ReasonUnknownSection, "section does not exist", c.now()), nil
	case err != nil:
		return deniedDecision(req, ReasonTransient, "catalog unavailable", c.now()), nil
	}

	profile, err := c.catalog.StudentProfile(ctx, req.StudentID)
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		return deniedDecision(req, ReasonUnknownStudent, "student does not exist", c.now()), nil
	case err != nil:
		return deniedDecision(req, ReasonTransient, "catalog unavailable", c.now()), nil
	}
	c.applyDefaults(section, profile)

	return c.attempt(ctx, actor, req, section, profile)
}

// applyDefaults fills the configured fallbacks for unset catalog limits.
func (c *Coordinator) applyDefaults(section *catalog.Section, profile *catalog.StudentProfile) {
	if section != nil && section.MaxWaitlist == 0 {
		section.MaxWaitlist = c.cfg.MaxWaitlistDefault
	}
	if profile != nil && profile.CreditCap == 0 {
		profile.CreditCap = c.cfg.CreditCapDefault
	}
}

// attempt runs one evaluate-append round. Conflicts bubble up for the retry
// loop; every other path produces a final decision.
func (c *Coordinator) attempt(ctx context.Context, actor Actor, req Request, section *catalog.Section, profile *catalog.StudentProfile) (*Decision, error) {
	student, err := LoadStudent(ctx, c.store, req.StudentID)
	if err != nil {
		return nil, err
	}
	sec, err := LoadSection(ctx, c.store, req.SectionID)
	if err != nil {
		return nil, err
	}

	now := c.now()

	// Requests past the add/drop deadline never reach the policy set.
	if now.After(section.AddDropDeadline) {
		return c.commitRejection(ctx, actor, req, student, nil,
			ReasonDeadlinePassed, "add/drop deadline has passed")
	}
	if student.ActiveInSection(req.SectionID) != nil || sec.OnWaitlist(req.StudentID) {
		return c.commitRejection(ctx, actor, req, student, nil,
			ReasonDuplicate, "already enrolled or waitlisted in this section")
	}

	verdict := c.engine.Evaluate(policy.Input{
		RequestID:     req.RequestID,
		StudentID:     req.StudentID,
		Section:       section,
		EnrolledCount: sec.EnrolledCount,
		WaitlistLen:   len(sec.Waitlist),
		Student:       snapshotOf(student, profile),
		Now:           now,
	})

	switch verdict.Outcome {
	case policy.OutcomeDeny:
		return c.commitRejection(ctx, actor, req, student, verdict.Trace, verdict.Reason, verdict.Message)
	case policy.OutcomeWaitlist:
		return c.commitWaitlist(ctx, actor, req, section, student, sec, verdict.Trace)
	default:
		return c.commitEnrollment(ctx, actor, req, section, student, sec, verdict.Trace)
	}
}

// snapshotOf assembles the immutable student view policies evaluate against.
func snapshotOf(student *StudentAggregate, profile *catalog.StudentProfile) policy.StudentSnapshot {
	active := make([]policy.ActiveSection, 0, len(student.Enrollments))
	for _, e := range student.Active() {
		active = append(active, policy.ActiveSection{
			SectionID: e.SectionID,
			CourseID:  e.CourseID,
			Schedule:  e.Schedule,
			Credits:   e.Credits,
		})
	}
	completed := make(map[string]bool, len(profile.CompletedCourses))
	for _, course := range profile.CompletedCourses {
		completed[course] = true
	}
	return policy.StudentSnapshot{
		StudentID:            profile.ID,
		CompletedCourses:     completed,
		GPA:                  profile.GPA,
		Standing:             profile.Standing,
		PriorityWindowOpenAt: profile.PriorityWindowOpenAt,
		CreditsThisTerm:      student.CreditsThisTerm,
		CreditCap:            profile.CreditCap,
		Active:               active,
	}
}

// commitRejection appends the rejection to the student stream with the
// decision record riding the same transaction.
func (c *Coordinator) commitRejection(ctx context.Context, actor Actor, req Request, student *StudentAggregate, trace []policy.Result, reason policy.ReasonCode, message string) (*Decision, error) {
	decision := &Decision{
		RequestID: req.RequestID,
		Verdict:   VerdictDenied,
		Reason:    reason,
		Message:   message,
		Trace:     trace,
		DecidedAt: c.now(),
	}
	env, err := c.store.Append(ctx, StudentStream(req.StudentID), student.Version,
		eventstore.Event{
			Type:        TypeRequestRejected,
			CausationID: req.RequestID,
			Payload:     RequestRejectedPayload{SectionID: req.SectionID, Reason: string(reason)},
		},
		eventstore.WithDecision(req.RequestID, decision))
	if err != nil {
		return nil, err
	}
	decision.EventIDs = []string{env.EventID}
	c.auditDecision(ctx, actor, req, student, decision)
	return decision, nil
}

// commitEnrollment appends to the student stream first, then the section
// stream. The decision record rides the section append; a section-side
// conflict is compensated on the student stream before the retry round.
func (c *Coordinator) commitEnrollment(ctx context.Context, actor Actor, req Request, section *catalog.Section, student *StudentAggregate, sec *SectionAggregate, trace []policy.Result) (*Decision, error) {
	enrollmentID := uuid.NewString()
	decision := &Decision{
		RequestID:    req.RequestID,
		Verdict:      VerdictEnrolled,
		EnrollmentID: enrollmentID,
		Trace:        trace,
		DecidedAt:    c.now(),
	}

	studentEnv, err := c.store.Append(ctx, StudentStream(req.StudentID), student.Version,
		eventstore.Event{
			Type:        TypeEnrolled,
			CausationID: req.RequestID,
			Payload: EnrolledPayload{
				EnrollmentID: enrollmentID,
				SectionID:    section.ID,
				CourseID:     section.CourseID,
				Credits:      section.Credits,
				Schedule:     section.Schedule,
			},
		})
	if err != nil {
		return nil, err
	}

	sectionEnv, err := c.store.Append(ctx, SectionStream(req.SectionID), sec.Version,
		eventstore.Event{
			Type:        TypeCapacityConsumed,
			CausationID: req.RequestID,
			Payload:     SeatPayload{StudentID: req.StudentID, EnrollmentID: enrollmentID},
		},
		eventstore.WithDecision(req.RequestID, decision),
		eventstore.WithRef(enrollmentRefKey(enrollmentID), enrollmentRef{StudentID: req.StudentID, SectionID: req.SectionID}))
	if err != nil {
		c.compensateStudent(ctx, req, studentEnv.StreamVersion, eventstore.Event{
			Type:        TypeDropped,
			CausationID: req.RequestID,
			Payload:     DroppedPayload{EnrollmentID: enrollmentID, SectionID: req.SectionID, Compensation: true},
		})
		return nil, err
	}

	decision.EventIDs = []string{studentEnv.EventID, sectionEnv.EventID}
	// Audit first: maybeSnapshot advances the aggregate in memory, and the
	// entry must carry the pre-decision state.
	c.auditDecision(ctx, actor, req, student, decision)
	c.maybeSnapshot(student, studentEnv, sec, sectionEnv)
	return decision, nil
}

// commitWaitlist queues the student: student stream first, then the section
// stream carrying the decision record.
func (c *Coordinator) commitWaitlist(ctx context.Context, actor Actor, req Request, section *catalog.Section, student *StudentAggregate, sec *SectionAggregate, trace []policy.Result) (*Decision, error) {
	if len(sec.Waitlist) >= section.MaxWaitlist {
		return c.commitRejection(ctx, actor, req, student, trace,
			policy.ReasonFull, "section and waitlist are both full")
	}
	position := len(sec.Waitlist) + 1

	decision := &Decision{
		RequestID:        req.RequestID,
		Verdict:          VerdictWaitlisted,
		WaitlistPosition: position,
		Trace:            trace,
		DecidedAt:        c.now(),
	}

	studentEnv, err := c.store.Append(ctx, StudentStream(req.StudentID), student.Version,
		eventstore.Event{
			Type:        TypeWaitlisted,
			CausationID: req.RequestID,
			Payload:     WaitlistedPayload{SectionID: req.SectionID, Position: position},
		})
	if err != nil {
		return nil, err
	}

	sectionEnv, err := c.store.Append(ctx, SectionStream(req.SectionID), sec.Version,
		eventstore.Event{
			Type:        TypeSectionWaitlisted,
			CausationID: req.RequestID,
			Payload:     SectionWaitlistedPayload{StudentID: req.StudentID, Position: position},
		},
		eventstore.WithDecision(req.RequestID, decision))
	if err != nil {
		c.compensateStudent(ctx, req, studentEnv.StreamVersion, eventstore.Event{
			Type:        TypeWaitlistCancelled,
			CausationID: req.RequestID,
			Payload:     WaitlistCancelledPayload{SectionID: req.SectionID, Reason: "compensation"},
		})
		return nil, err
	}

	decision.EventIDs = []string{studentEnv.EventID, sectionEnv.EventID}
	c.auditDecision(ctx, actor, req, student, decision)
	return decision, nil
}

// compensateStudent undoes a student-stream append whose section-side pair
// failed. The retry round must replay from a clean state, so this uses the
// fresh head and survives request cancellation.
func (c *Coordinator) compensateStudent(ctx context.Context, req Request, expected uint64, ev eventstore.Event) {
	ctx = context.WithoutCancel(ctx)
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		_, err := c.store.Append(ctx, StudentStream(req.StudentID), expected, ev)
		if err == nil {
			return
		}
		var conflict *eventstore.ConflictError
		if errors.As(err, &conflict) {
			expected = conflict.Current
			continue
		}
		c.logger.Error().Err(err).
			Str("request_id", req.RequestID).
			Str("student_id", req.StudentID).
			Msg("compensation append failed")
		return
	}
	c.logger.Error().
		Str("request_id", req.RequestID).
		Str("student_id", req.StudentID).
		Msg("compensation append exhausted retries")
}

// maybeSnapshot schedules background snapshots for streams that crossed the
// interval. The envelopes carry the post-append versions; the aggregates are
// advanced in memory to match before serialization.
func (c *Coordinator) maybeSnapshot(student *StudentAggregate, studentEnv *eventstore.Envelope, sec *SectionAggregate, sectionEnv *eventstore.Envelope) {
	if c.store.SnapshotDue(studentEnv.StreamVersion) {
		if err := student.Apply(*studentEnv); err == nil {
			c.store.SnapshotAsync(studentEnv.StreamID, studentEnv.StreamVersion, student)
		}
	}
	if c.store.SnapshotDue(sectionEnv.StreamVersion) {
		if err := sec.Apply(*sectionEnv); err == nil {
			c.store.SnapshotAsync(sectionEnv.StreamID, sectionEnv.StreamVersion, sec)
		}
	}
}

// studentSummary is the compact student state recorded in audit entries.
type studentSummary struct {
	StudentID       string         `json:"student_id"`
	StreamVersion   uint64         `json:"stream_version"`
	CreditsThisTerm int            `json:"credits_this_term"`
	ActiveSections  []string       `json:"active_sections,omitempty"`
	Waitlists       map[string]int `json:"waitlists,omitempty"`
}

func summarizeStudent(a *StudentAggregate) studentSummary {
	s := studentSummary{
		StudentID:       a.StudentID,
		StreamVersion:   a.Version,
		CreditsThisTerm: a.CreditsThisTerm,
		Waitlists:       a.Waitlists,
	}
	for _, e := range a.Active() {
		s.ActiveSections = append(s.ActiveSections, e.SectionID)
	}
	return s
}

// auditDecision appends the audit entry for a recorded decision, carrying
// the pre-decision student state alongside the decision itself. Audit
// failures are logged, never surfaced: the decision is already durable.
func (c *Coordinator) auditDecision(ctx context.Context, actor Actor, req Request, student *StudentAggregate, d *Decision) {
	if c.chain == nil {
		return
	}
	action := audit.ActionReject
	switch d.Verdict {
	case VerdictEnrolled:
		action = audit.ActionEnroll
	case VerdictWaitlisted:
		action = audit.ActionWaitlist
	case VerdictDropped:
		action = audit.ActionDrop
	}
	before, err := json.Marshal(summarizeStudent(student))
	if err != nil {
		c.logger.Error().Err(err).Str("request_id", req.RequestID).Msg("audit serialization failed")
		return
	}
	after, err := json.Marshal(d)
	if err != nil {
		c.logger.Error().Err(err).Str("request_id", req.RequestID).Msg("audit serialization failed")
		return
	}
	_, err = c.chain.Append(context.WithoutCancel(ctx), audit.Entry{
		ActorID:  actor.ID,
		Action:   action,
		Resource: "section:" + req.SectionID,
		Before:   before,
		After:    after,
		EventIDs: d.EventIDs,
	})
	if err != nil {
		c.logger.Error().Err(err).Str("request_id", req.RequestID).Msg("audit append failed")
	}
}

// DropRequest asks to give up one enrollment.
type DropRequest struct {
	RequestID    string `json:"request_id"`
	EnrollmentID string `json:"enrollment_id"`
}

// Drop gives up an enrollment and promotes the head waiter into the vacated
// seat. The drop itself always stands; promotion runs as a fresh
// policy-evaluated enrollment and, if it cannot complete, is deferred for the
// reconciler rather than blocking the drop.
func (c *Coordinator) Drop(ctx context.Context, actor Actor, req DropRequest) (*Decision, error) {
	if req.RequestID == "" || req.EnrollmentID == "" {
		return nil, fmt.Errorf("enrollment: drop request is missing required fields")
	}

	var ref enrollmentRef
	found, err := c.store.Ref(ctx, enrollmentRefKey(req.EnrollmentID), &ref)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	if actor.ID != ref.StudentID && !actor.IsAdmin() {
		return nil, ErrForbidden
	}

	var prior Decision
	if found, err := c.store.Decision(ctx, req.RequestID, &prior); err != nil {
		return nil, err
	} else if found {
		return &prior, nil
	}

	for attempt := 0; ; attempt++ {
		decision, err := c.dropOnce(ctx, actor, req, ref)
		if err == nil {
			metrics.RecordDecision(string(decision.Verdict), string(decision.Reason))
			return decision, nil
		}
		if !eventstore.IsConflict(err) {
			return nil, err
		}
		if attempt >= c.cfg.MaxRetries {
			d := &Decision{
				RequestID: req.RequestID,
				Verdict:   VerdictDenied,
				Reason:    ReasonBusy,
				Message:   "could not commit after retries",
				DecidedAt: c.now(),
			}
			metrics.RecordDecision(string(d.Verdict), string(d.Reason))
			return d, nil
		}
		metrics.RetryTotal.Inc()
		select {
		case <-time.After(backoffDelay(attempt)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// dropOnce runs one locked drop round: catalog fetch, deadline check, the
// drop append pair, and promotion into the vacated seat. The lock is released
// before any retry backoff so waiters on the section advance.
func (c *Coordinator) dropOnce(ctx context.Context, actor Actor, req DropRequest, ref enrollmentRef) (*Decision, error) {
	grant, err := c.locks.Acquire(ctx, sectionLock(ref.SectionID), req.RequestID, c.cfg.LockHoldTTL, c.cfg.LockWaitTimeout)
	if err != nil {
		if errors.Is(err, locks.ErrWaitTimeout) {
			metrics.LockTimeoutTotal.Inc()
			return &Decision{
				RequestID: req.RequestID,
				Verdict:   VerdictDenied,
				Reason:    ReasonBusy,
				Message:   "section is busy, retry later",
				DecidedAt: c.now(),
			}, nil
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return &Decision{
				RequestID: req.RequestID,
				Verdict:   VerdictDenied,
				Reason:    ReasonTimeout,
				Message:   "request deadline expired before lock acquisition",
				DecidedAt: c.now(),
			}, nil
		}
		return nil, err
	}
	defer func() {
		if rerr := c.locks.Release(grant.Name, grant.Owner); rerr != nil {
			c.logger.Warn().Err(rerr).Str("lock", grant.Name).Msg("lock release failed")
		}
	}()

	section, err := c.catalog.Section(ctx, ref.SectionID)
	if err != nil {
		return &Decision{
			RequestID: req.RequestID,
			Verdict:   VerdictDenied,
			Reason:    ReasonTransient,
			Message:   "catalog unavailable",
			DecidedAt: c.now(),
		}, nil
	}
	if c.now().After(section.AddDropDeadline) {
		return &Decision{
			RequestID: req.RequestID,
			Verdict:   VerdictDenied,
			Reason:    ReasonDeadlinePassed,
			Message:   "add/drop deadline has passed",
			DecidedAt: c.now(),
		}, nil
	}

	decision, err := c.dropAttempt(ctx, actor, req, ref, section)
	if err != nil {
		return nil, err
	}
	if decision.Verdict == VerdictDropped {
		c.fillVacancies(ctx, section)
	}
	return decision, nil
}

// dropAttempt runs one drop append round.
func (c *Coordinator) dropAttempt(ctx context.Context, actor Actor, req DropRequest, ref enrollmentRef, section *catalog.Section) (*Decision, error) {
	student, err := LoadStudent(ctx, c.store, ref.StudentID)
	if err != nil {
		return nil, err
	}
	target := student.ByID(req.EnrollmentID)
	if target == nil {
		return nil, ErrNotFound
	}
	if target.Status != StatusEnrolled {
		// Dropping a non-active enrollment is a no-op, answered as done.
		return &Decision{
			RequestID:    req.RequestID,
			Verdict:      VerdictDropped,
			EnrollmentID: req.EnrollmentID,
			Message:      "enrollment was not active",
			DecidedAt:    c.now(),
		}, nil
	}

	sec, err := LoadSection(ctx, c.store, ref.SectionID)
	if err != nil {
		return nil, err
	}

	decision := &Decision{
		RequestID:    req.RequestID,
		Verdict:      VerdictDropped,
		EnrollmentID: req.EnrollmentID,
		DecidedAt:    c.now(),
	}

	studentEnv, err := c.store.Append(ctx, StudentStream(ref.StudentID), student.Version,
		eventstore.Event{
			Type:        TypeDropped,
			CausationID: req.RequestID,
			Payload:     DroppedPayload{EnrollmentID: req.EnrollmentID, SectionID: ref.SectionID},
		})
	if err != nil {
		return nil, err
	}

	sectionEnv, err := c.store.Append(ctx, SectionStream(ref.SectionID), sec.Version,
		eventstore.Event{
			Type:        TypeCapacityReleased,
			CausationID: req.RequestID,
			Payload:     SeatPayload{StudentID: ref.StudentID, EnrollmentID: req.EnrollmentID},
		},
		eventstore.WithDecision(req.RequestID, decision))
	if err != nil {
		// The seat release raced. Put the student record back to enrolled so
		// the retry round replays from a clean state and drops again.
		c.compensateStudent(ctx, Request{RequestID: req.RequestID, StudentID: ref.StudentID, SectionID: ref.SectionID},
			studentEnv.StreamVersion, eventstore.Event{
				Type:        TypeEnrolled,
				CausationID: req.RequestID,
				Payload: EnrolledPayload{
					EnrollmentID: req.EnrollmentID,
					SectionID:    target.SectionID,
					CourseID:     target.CourseID,
					Credits:      target.Credits,
					Schedule:     target.Schedule,
				},
			})
		return nil, err
	}

	decision.EventIDs = []string{studentEnv.EventID, sectionEnv.EventID}
	c.maybeSnapshot(student, studentEnv, sec, sectionEnv)
	if c.chain != nil {
		before, _ := json.Marshal(target)
		after, _ := json.Marshal(decision)
		if _, err := c.chain.Append(context.WithoutCancel(ctx), audit.Entry{
			ActorID:  actor.ID,
			Action:   audit.ActionDrop,
			Resource: "section:" + ref.SectionID,
			Before:   before,
			After:    after,
			EventIDs: decision.EventIDs,
		}); err != nil {
			c.logger.Error().Err(err).Str("request_id", req.RequestID).Msg("audit append failed")
		}
	}
	return decision, nil
}

// fillVacancies promotes head waiters into free seats until the section is
// full, the waitlist is drained, or a promotion has to be deferred. The
// caller holds the section lock.
func (c *Coordinator) fillVacancies(ctx context.Context, section *catalog.Section) {
	ctx = context.WithoutCancel(ctx)
	for {
		sec, err := LoadSection(ctx, c.store, section.ID)
		if err != nil {
			c.logger.Error().Err(err).Str("section_id", section.ID).Msg("promotion replay failed")
			return
		}
		if sec.EnrolledCount >= section.MaxCapacity || len(sec.Waitlist) == 0 {
			return
		}
		candidate := sec.Waitlist[0]
		if done := c.promoteOne(ctx, section, sec, candidate); done {
			return
		}
	}
}

// promoteOne attempts one promotion. It returns true when the vacancy loop
// should stop (seat filled deferred, or hard failure); false means the
// candidate was removed and the next waiter should be considered.
func (c *Coordinator) promoteOne(ctx context.Context, section *catalog.Section, sec *SectionAggregate, studentID string) bool {
	deferPromotion := func(reason string) bool {
		if _, err := c.store.Append(ctx, SectionStream(section.ID), sec.Version, eventstore.Event{
			Type:    TypePromotionDeferred,
			Payload: PromotionDeferredPayload{StudentID: studentID, Reason: reason},
		}); err != nil {
			c.logger.Error().Err(err).Str("section_id", section.ID).Msg("promotion deferral append failed")
		}
		metrics.PromotionTotal.WithLabelValues("deferred").Inc()
		return true
	}

	profile, err := c.catalog.StudentProfile(ctx, studentID)
	if err != nil {
		return deferPromotion("catalog unavailable")
	}
	c.applyDefaults(section, profile)
	student, err := LoadStudent(ctx, c.store, studentID)
	if err != nil {
		return deferPromotion("student replay failed")
	}

	// A promotion is a fresh enrollment: the waiter's circumstances may have
	// changed since they queued, so the full policy set runs again.
	verdict := c.engine.Evaluate(policy.Input{
		StudentID:     studentID,
		Section:       section,
		EnrolledCount: sec.EnrolledCount,
		WaitlistLen:   0, // a seat is free; the caveat path must not fire
		Student:       snapshotOf(student, profile),
		Now:           c.now(),
	})

	if verdict.Outcome == policy.OutcomeDeny {
		return !c.removeDeniedWaiter(ctx, section, sec, student, studentID, verdict)
	}

	enrollmentID := uuid.NewString()
	studentEnv, err := c.store.Append(ctx, StudentStream(studentID), student.Version,
		eventstore.Event{
			Type: TypePromoted,
			Payload: EnrolledPayload{
				EnrollmentID: enrollmentID,
				SectionID:    section.ID,
				CourseID:     section.CourseID,
				Credits:      section.Credits,
				Schedule:     section.Schedule,
				Promoted:     true,
			},
		})
	if err != nil {
		return deferPromotion("student stream busy")
	}

	sectionEnv, err := c.store.Append(ctx, SectionStream(section.ID), sec.Version,
		eventstore.Event{
			Type:    TypeCapacityConsumed,
			Payload: SeatPayload{StudentID: studentID, EnrollmentID: enrollmentID, Promotion: true},
		},
		eventstore.WithRef(enrollmentRefKey(enrollmentID), enrollmentRef{StudentID: studentID, SectionID: section.ID}))
	if err != nil {
		c.compensateStudent(ctx, Request{RequestID: "promotion-" + enrollmentID, StudentID: studentID, SectionID: section.ID},
			studentEnv.StreamVersion, eventstore.Event{
				Type:    TypeDropped,
				Payload: DroppedPayload{EnrollmentID: enrollmentID, SectionID: section.ID, Compensation: true},
			})
		return deferPromotion("section stream busy")
	}

	metrics.PromotionTotal.WithLabelValues("promoted").Inc()
	if c.chain != nil {
		after, _ := json.Marshal(map[string]any{
			"student_id":    studentID,
			"enrollment_id": enrollmentID,
			"policy_trace":  verdict.Trace,
		})
		if _, err := c.chain.Append(ctx, audit.Entry{
			ActorID:  "system",
			Action:   audit.ActionPromote,
			Resource: "section:" + section.ID,
			After:    after,
			EventIDs: []string{studentEnv.EventID, sectionEnv.EventID},
		}); err != nil {
			c.logger.Error().Err(err).Str("section_id", section.ID).Msg("audit append failed")
		}
	}
	c.logger.Info().
		Str("section_id", section.ID).
		Str("student_id", studentID).
		Msg("waitlist promotion completed")
	return false // there may be more free seats
}

// removeDeniedWaiter drops a waiter whose promotion was denied. Returns true
// when the removal committed and the next waiter may be tried.
func (c *Coordinator) removeDeniedWaiter(ctx context.Context, section *catalog.Section, sec *SectionAggregate, student *StudentAggregate, studentID string, verdict policy.Verdict) bool {
	if _, err := c.store.Append(ctx, SectionStream(section.ID), sec.Version, eventstore.Event{
		Type:    TypeWaitlistRemoved,
		Payload: WaitlistRemovedPayload{StudentID: studentID, Cause: "denied"},
	}); err != nil {
		c.logger.Error().Err(err).Str("section_id", section.ID).Msg("waitlist removal append failed")
		return false
	}
	if _, err := c.store.Append(ctx, StudentStream(studentID), student.Version, eventstore.Event{
		Type:    TypeWaitlistCancelled,
		Payload: WaitlistCancelledPayload{SectionID: section.ID, Reason: string(verdict.Reason)},
	}); err != nil {
		c.logger.Warn().Err(err).Str("student_id", studentID).Msg("waitlist cancellation append failed")
	}
	metrics.PromotionTotal.WithLabelValues("denied").Inc()
	c.logger.Info().
		Str("section_id", section.ID).
		Str("student_id", studentID).
		Str("reason", string(verdict.Reason)).
		Msg("waitlist promotion denied")
	return true
}

// Roster is a student's current enrollment view.
type Roster struct {
	StudentID   string         `json:"student_id"`
	Enrollments []*Enrollment  `json:"enrollments"`
	Waitlists   map[string]int `json:"waitlists,omitempty"`
}

// Enrollments returns the full enrollment history for a student, including
// dropped records and current waitlist positions.
func (c *Coordinator) Enrollments(ctx context.Context, actor Actor, studentID string) (*Roster, error) {
	if actor.ID != studentID && !actor.IsAdmin() {
		return nil, ErrForbidden
	}
	student, err := LoadStudent(ctx, c.store, studentID)
	if err != nil {
		return nil, err
	}
	return &Roster{
		StudentID:   studentID,
		Enrollments: student.Enrollments,
		Waitlists:   student.Waitlists,
	}, nil
}
