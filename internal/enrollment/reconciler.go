// SPDX-License-Identifier: MIT

package enrollment

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/campuskit/enrolld/internal/locks"
	"github.com/campuskit/enrolld/internal/log"
	"github.com/campuskit/enrolld/internal/metrics"
)

// Reconciler retries deferred waitlist promotions in the background. A
// promotion is deferred when the catalog was unreachable or a stream append
// kept conflicting; the vacancy stays open until this sweep fills it.
type Reconciler struct {
	coord    *Coordinator
	interval time.Duration
	logger   zerolog.Logger
}

// NewReconciler builds a reconciler sweeping at the given interval.
func NewReconciler(coord *Coordinator, interval time.Duration) *Reconciler {
	return &Reconciler{
		coord:    coord,
		interval: interval,
		logger:   log.WithComponent("reconciler"),
	}
}

// Run sweeps until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.Sweep(ctx); err != nil {
				r.logger.Error().Err(err).Msg("promotion sweep failed")
			} else if n > 0 {
				r.logger.Info().Int("sections", n).Msg("promotion sweep filled vacancies")
			}
		}
	}
}

// Sweep scans every section stream and re-runs the vacancy fill for sections
// with deferred promotions or an open seat behind a non-empty waitlist. It
// returns the number of sections it worked on.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	streams, err := r.coord.store.ListStreams(ctx, sectionStreamPrefix)
	if err != nil {
		return 0, err
	}

	worked := 0
	for _, stream := range streams {
		if err := ctx.Err(); err != nil {
			return worked, err
		}
		sectionID := strings.TrimPrefix(stream, sectionStreamPrefix)
		did, err := r.sweepSection(ctx, sectionID)
		if err != nil {
			r.logger.Warn().Err(err).Str("section_id", sectionID).Msg("section sweep failed")
			continue
		}
		if did {
			worked++
		}
	}
	return worked, nil
}

// sweepSection fills vacancies for one section under its lock. Sections with
// nothing to do are skipped without locking.
func (r *Reconciler) sweepSection(ctx context.Context, sectionID string) (bool, error) {
	sec, err := LoadSection(ctx, r.coord.store, sectionID)
	if err != nil {
		return false, err
	}

	section, err := r.coord.catalog.Section(ctx, sectionID)
	if err != nil {
		return false, err
	}
	if len(sec.PendingPromotions) == 0 &&
		(sec.EnrolledCount >= section.MaxCapacity || len(sec.Waitlist) == 0) {
		return false, nil
	}

	owner := "reconciler:" + sectionID
	grant, err := r.coord.locks.Acquire(ctx, sectionLock(sectionID), owner,
		r.coord.cfg.LockHoldTTL, r.coord.cfg.LockWaitTimeout)
	if err != nil {
		if errors.Is(err, locks.ErrWaitTimeout) {
			metrics.LockTimeoutTotal.Inc()
			return false, nil // the section is live; the foreground path will fill it
		}
		return false, err
	}
	defer func() {
		if rerr := r.coord.locks.Release(grant.Name, grant.Owner); rerr != nil {
			r.logger.Warn().Err(rerr).Str("lock", grant.Name).Msg("lock release failed")
		}
	}()

	r.coord.fillVacancies(ctx, section)
	return true, nil
}
