// SPDX-License-Identifier: MIT

// Package invariant cross-checks the live system against the properties the
// engine is supposed to preserve: seat accounting, schedule exclusivity,
// waitlist consistency, stream integrity and audit chain integrity. Any
// violation it finds is an implementation bug, not a user error.
package invariant

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/campuskit/enrolld/internal/audit"
	"github.com/campuskit/enrolld/internal/catalog"
	"github.com/campuskit/enrolld/internal/enrollment"
	"github.com/campuskit/enrolld/internal/eventstore"
	"github.com/campuskit/enrolld/internal/log"
	"github.com/campuskit/enrolld/internal/metrics"
	"github.com/campuskit/enrolld/internal/timetable"
)

// Rule identifies which property a violation breaks.
type Rule string

const (
	// RuleCapacity: a section's enrolled count must stay within
	// [0, MaxCapacity].
	RuleCapacity Rule = "capacity"
	// RuleEnrollmentUnique: a student holds at most one active enrollment
	// per section.
	RuleEnrollmentUnique Rule = "enrollment_unique"
	// RuleScheduleExclusive: a student's active enrollments must not
	// overlap in time.
	RuleScheduleExclusive Rule = "schedule_exclusive"
	// RuleWaitlistConsistent: waitlist length within bounds, no duplicate
	// membership, no student both seated and queued in one section, and
	// the student and section views of the waitlist must agree.
	RuleWaitlistConsistent Rule = "waitlist_consistent"
	// RuleStreamIntegrity: every stream must replay cleanly, with the seat
	// accounting on the section stream matching the student streams.
	RuleStreamIntegrity Rule = "stream_integrity"
	// RuleAuditIntact: the audit hash chain must verify end to end.
	RuleAuditIntact Rule = "audit_intact"
)

// Violation is one broken property with enough context to investigate.
type Violation struct {
	Rule     Rule   `json:"rule"`
	StreamID string `json:"stream_id,omitempty"`
	Detail   string `json:"detail"`
}

// Report is the outcome of one full sweep.
type Report struct {
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	Streams    int         `json:"streams_checked"`
	Violations []Violation `json:"violations,omitempty"`
}

// Clean reports whether the sweep found nothing.
func (r *Report) Clean() bool { return len(r.Violations) == 0 }

// Monitor runs invariant sweeps over the event store and audit chain.
type Monitor struct {
	store   *eventstore.Store
	chain   *audit.Chain
	catalog catalog.Provider
	logger  zerolog.Logger
}

// NewMonitor wires a monitor. chain may be nil when no audit log exists.
func NewMonitor(store *eventstore.Store, chain *audit.Chain, cat catalog.Provider) *Monitor {
	return &Monitor{
		store:   store,
		chain:   chain,
		catalog: cat,
		logger:  log.WithComponent("invariant"),
	}
}

// Run sweeps at the given interval until ctx is cancelled. Violations are
// logged at error level and counted; the monitor observes, it never mutates.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := m.Check(ctx)
			if err != nil {
				m.logger.Error().Err(err).Msg("invariant sweep failed")
				continue
			}
			for _, v := range report.Violations {
				metrics.RecordInvariantViolation(string(v.Rule))
				m.logger.Error().
					Str("rule", string(v.Rule)).
					Str("stream_id", v.StreamID).
					Str("detail", v.Detail).
					Msg("invariant violation")
			}
			if report.Clean() {
				m.logger.Debug().Int("streams", report.Streams).Msg("invariant sweep clean")
			}
		}
	}
}

// Check runs one full sweep and returns the report. Student and section
// streams are replayed concurrently; the cross-stream checks run on the
// collected states.
func (m *Monitor) Check(ctx context.Context) (*Report, error) {
	report := &Report{StartedAt: time.Now().UTC()}

	studentStreams, err := m.store.ListStreams(ctx, "student-")
	if err != nil {
		return nil, err
	}
	sectionStreams, err := m.store.ListStreams(ctx, "section-")
	if err != nil {
		return nil, err
	}
	report.Streams = len(studentStreams) + len(sectionStreams)

	var (
		mu         sync.Mutex
		students   = make(map[string]*enrollment.StudentAggregate)
		sections   = make(map[string]*enrollment.SectionAggregate)
		violations []Violation
	)
	addViolation := func(v Violation) {
		mu.Lock()
		violations = append(violations, v)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)

	for _, stream := range studentStreams {
		g.Go(func() error {
			id := strings.TrimPrefix(stream, "student-")
			agg, err := enrollment.LoadStudent(gctx, m.store, id)
			if err != nil {
				addViolation(Violation{Rule: RuleStreamIntegrity, StreamID: stream, Detail: err.Error()})
				return nil
			}
			mu.Lock()
			students[id] = agg
			mu.Unlock()
			return nil
		})
	}
	for _, stream := range sectionStreams {
		g.Go(func() error {
			id := strings.TrimPrefix(stream, "section-")
			agg, err := enrollment.LoadSection(gctx, m.store, id)
			if err != nil {
				addViolation(Violation{Rule: RuleStreamIntegrity, StreamID: stream, Detail: err.Error()})
				return nil
			}
			mu.Lock()
			sections[id] = agg
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	violations = append(violations, m.checkStudents(students)...)
	violations = append(violations, m.checkSections(ctx, sections, students)...)
	if m.chain != nil {
		violations = append(violations, m.checkAudit(ctx)...)
	}

	sort.Slice(violations, func(i, j int) bool {
		if violations[i].Rule != violations[j].Rule {
			return violations[i].Rule < violations[j].Rule
		}
		return violations[i].StreamID < violations[j].StreamID
	})
	report.Violations = violations
	report.FinishedAt = time.Now().UTC()
	return report, nil
}

// checkStudents verifies per-student properties: enrollment uniqueness per
// section, schedule exclusivity, and enrolled-vs-waitlisted exclusivity.
func (m *Monitor) checkStudents(students map[string]*enrollment.StudentAggregate) []Violation {
	var out []Violation
	for id, agg := range students {
		stream := enrollment.StudentStream(id)
		active := agg.Active()
		// Uniqueness is checked on its own: the overlap scan below cannot
		// stand in for it when a section's stored schedule is empty.
		bySection := make(map[string]string, len(active))
		for _, e := range active {
			if firstID, dup := bySection[e.SectionID]; dup {
				out = append(out, Violation{Rule: RuleEnrollmentUnique, StreamID: stream,
					Detail: fmt.Sprintf("enrollments %s and %s are both active in section %s",
						firstID, e.EnrollmentID, e.SectionID)})
				continue
			}
			bySection[e.SectionID] = e.EnrollmentID
		}
		for i := 0; i < len(active); i++ {
			for j := i + 1; j < len(active); j++ {
				hit, err := timetable.AnyOverlap(active[i].Schedule, active[j].Schedule)
				if err != nil {
					out = append(out, Violation{Rule: RuleStreamIntegrity, StreamID: stream,
						Detail: fmt.Sprintf("invalid stored schedule: %v", err)})
					continue
				}
				if hit {
					out = append(out, Violation{Rule: RuleScheduleExclusive, StreamID: stream,
						Detail: fmt.Sprintf("enrollments %s and %s overlap in time",
							active[i].EnrollmentID, active[j].EnrollmentID)})
				}
			}
		}
		for sectionID := range agg.Waitlists {
			if agg.ActiveInSection(sectionID) != nil {
				out = append(out, Violation{Rule: RuleWaitlistConsistent, StreamID: stream,
					Detail: fmt.Sprintf("student %s is both enrolled and waitlisted in section %s", id, sectionID)})
			}
		}
	}
	return out
}

// checkSections verifies seat accounting and the two views of each waitlist.
func (m *Monitor) checkSections(ctx context.Context, sections map[string]*enrollment.SectionAggregate, students map[string]*enrollment.StudentAggregate) []Violation {
	// Count active seats per section from the student side.
	seated := make(map[string]int)
	queued := make(map[string]map[string]bool)
	for id, agg := range students {
		for _, e := range agg.Active() {
			seated[e.SectionID]++
		}
		for sectionID := range agg.Waitlists {
			if queued[sectionID] == nil {
				queued[sectionID] = make(map[string]bool)
			}
			queued[sectionID][id] = true
		}
	}

	var out []Violation
	for id, agg := range sections {
		stream := enrollment.SectionStream(id)

		if agg.EnrolledCount < 0 {
			out = append(out, Violation{Rule: RuleCapacity, StreamID: stream,
				Detail: fmt.Sprintf("enrolled count is negative: %d", agg.EnrolledCount)})
		}
		if section, err := m.catalog.Section(ctx, id); err == nil {
			if agg.EnrolledCount > section.MaxCapacity {
				out = append(out, Violation{Rule: RuleCapacity, StreamID: stream,
					Detail: fmt.Sprintf("enrolled count %d exceeds capacity %d", agg.EnrolledCount, section.MaxCapacity)})
			}
			if len(agg.Waitlist) > section.MaxWaitlist {
				out = append(out, Violation{Rule: RuleWaitlistConsistent, StreamID: stream,
					Detail: fmt.Sprintf("waitlist length %d exceeds limit %d", len(agg.Waitlist), section.MaxWaitlist)})
			}
		} else if !errors.Is(err, catalog.ErrNotFound) {
			m.logger.Warn().Err(err).Str("section_id", id).Msg("capacity bound skipped, catalog unreachable")
		}

		if agg.EnrolledCount != seated[id] {
			out = append(out, Violation{Rule: RuleStreamIntegrity, StreamID: stream,
				Detail: fmt.Sprintf("section counts %d seats, student streams show %d", agg.EnrolledCount, seated[id])})
		}

		seen := make(map[string]bool, len(agg.Waitlist))
		for _, studentID := range agg.Waitlist {
			if seen[studentID] {
				out = append(out, Violation{Rule: RuleWaitlistConsistent, StreamID: stream,
					Detail: fmt.Sprintf("student %s queued twice", studentID)})
			}
			seen[studentID] = true
			if _, tracked := students[studentID]; tracked && !queued[id][studentID] {
				out = append(out, Violation{Rule: RuleWaitlistConsistent, StreamID: stream,
					Detail: fmt.Sprintf("student %s queued on section but not on their own stream", studentID)})
			}
		}
		for studentID := range queued[id] {
			if !seen[studentID] {
				out = append(out, Violation{Rule: RuleWaitlistConsistent, StreamID: stream,
					Detail: fmt.Sprintf("student %s queued on their stream but missing from section waitlist", studentID)})
			}
		}
	}
	return out
}

// checkAudit verifies the hash chain end to end.
func (m *Monitor) checkAudit(ctx context.Context) []Violation {
	bad, err := m.chain.Verify(ctx)
	if err != nil {
		return []Violation{{Rule: RuleAuditIntact, Detail: fmt.Sprintf("verification failed: %v", err)}}
	}
	out := make([]Violation, 0, len(bad))
	for _, seq := range bad {
		out = append(out, Violation{Rule: RuleAuditIntact,
			Detail: fmt.Sprintf("audit entry %d fails hash or link verification", seq)})
	}
	return out
}
