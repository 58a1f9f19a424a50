// SPDX-License-Identifier: MIT

// Package metrics provides Prometheus metrics for the enrollment engine.
// Labels stay low-cardinality: stream kinds and reason codes, never raw
// student, section or request IDs.
package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DecisionTotal counts final enrollment decisions by verdict and reason.
	DecisionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enrolld_decisions_total",
		Help: "Total number of enrollment decisions, by verdict and reason code.",
	}, []string{"verdict", "reason"})

	// AppendTotal counts committed event appends by stream kind.
	AppendTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enrolld_event_appends_total",
		Help: "Total number of committed event appends, by stream kind.",
	}, []string{"stream_kind"})

	// AppendConflictTotal counts optimistic concurrency conflicts.
	AppendConflictTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enrolld_append_conflicts_total",
		Help: "Total number of expected-version conflicts on append, by stream kind.",
	}, []string{"stream_kind"})

	// RetryTotal counts coordinator retries after a conflict.
	RetryTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "enrolld_coordinator_retries_total",
		Help: "Total number of coordinator retry rounds after concurrency conflicts.",
	})

	// LockWaitSeconds observes how long requests wait for their section lock.
	LockWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "enrolld_lock_wait_seconds",
		Help:    "Time spent waiting to acquire a section lock.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	})

	// LockTimeoutTotal counts acquisitions abandoned after the wait window.
	LockTimeoutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "enrolld_lock_timeouts_total",
		Help: "Total number of section lock acquisitions that timed out.",
	})

	// PromotionTotal counts waitlist promotions by result.
	PromotionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enrolld_waitlist_promotions_total",
		Help: "Total number of waitlist promotion attempts, by result.",
	}, []string{"result"})

	// InvariantViolationTotal counts invariant monitor findings by rule.
	// Any increment is an implementation bug.
	InvariantViolationTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enrolld_invariant_violations_total",
		Help: "Total number of invariant violations found by the monitor, by rule.",
	}, []string{"rule"})

	// AuditEntryTotal counts appended audit entries by action.
	AuditEntryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enrolld_audit_entries_total",
		Help: "Total number of audit chain entries, by action.",
	}, []string{"action"})
)

// streamKind collapses a stream ID to its kind prefix for labelling.
func streamKind(streamID string) string {
	if i := strings.IndexByte(streamID, '-'); i > 0 {
		return streamID[:i]
	}
	return "other"
}

// RecordAppend increments the append counter for streamID's kind.
func RecordAppend(streamID string) {
	AppendTotal.WithLabelValues(streamKind(streamID)).Inc()
}

// RecordAppendConflict increments the conflict counter for streamID's kind.
func RecordAppendConflict(streamID string) {
	AppendConflictTotal.WithLabelValues(streamKind(streamID)).Inc()
}

// RecordDecision increments the decision counter.
func RecordDecision(verdict, reason string) {
	if reason == "" {
		reason = "none"
	}
	DecisionTotal.WithLabelValues(verdict, reason).Inc()
}

// ObserveLockWait records a lock acquisition wait.
func ObserveLockWait(d time.Duration) {
	LockWaitSeconds.Observe(d.Seconds())
}

// RecordInvariantViolation increments the violation counter for a rule.
func RecordInvariantViolation(rule string) {
	InvariantViolationTotal.WithLabelValues(rule).Inc()
}
