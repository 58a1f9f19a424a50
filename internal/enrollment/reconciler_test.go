// SPDX-License-Identifier: MIT

package enrollment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/campuskit/enrolld/internal/catalog"
)

// flakyCatalog fails StudentProfile lookups for selected students, leaving
// Section lookups intact. It drives the promotion deferral path.
type flakyCatalog struct {
	*catalog.Memory

	mu   sync.Mutex
	down map[string]bool
}

func newFlakyCatalog(inner *catalog.Memory) *flakyCatalog {
	return &flakyCatalog{Memory: inner, down: make(map[string]bool)}
}

func (f *flakyCatalog) setDown(studentID string, down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down[studentID] = down
}

func (f *flakyCatalog) StudentProfile(ctx context.Context, studentID string) (*catalog.StudentProfile, error) {
	f.mu.Lock()
	down := f.down[studentID]
	f.mu.Unlock()
	if down {
		return nil, catalog.ErrUnavailable
	}
	return f.Memory.StudentProfile(ctx, studentID)
}

func TestReconcilerCompletesDeferredPromotion(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	flaky := newFlakyCatalog(f.cat)
	f.coord.catalog = flaky

	f.addSection("sec-a", 1, 2)
	f.addStudent("stu-1")
	f.addStudent("stu-2")

	first := submit(t, f, "req-1", "stu-1", "sec-a")
	require.Equal(t, VerdictWaitlisted, submit(t, f, "req-2", "stu-2", "sec-a").Verdict)

	// stu-2's profile is unreachable when the seat frees up, so the
	// promotion is deferred instead of blocking the drop.
	flaky.setDown("stu-2", true)
	d, err := f.coord.Drop(context.Background(), asStudent("stu-1"), DropRequest{
		RequestID: "drop-1", EnrollmentID: first.EnrollmentID,
	})
	require.NoError(t, err)
	require.Equal(t, VerdictDropped, d.Verdict)

	ctx := context.Background()
	sec, err := LoadSection(ctx, f.store, "sec-a")
	require.NoError(t, err)
	require.Equal(t, 0, sec.EnrolledCount)
	require.Equal(t, []string{"stu-2"}, sec.Waitlist)
	require.Contains(t, sec.PendingPromotions, "stu-2")

	// The sweep picks the vacancy up once the profile is reachable again.
	flaky.setDown("stu-2", false)
	r := NewReconciler(f.coord, time.Minute)
	worked, err := r.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, worked)

	sec, err = LoadSection(ctx, f.store, "sec-a")
	require.NoError(t, err)
	require.Equal(t, 1, sec.EnrolledCount)
	require.Empty(t, sec.Waitlist)
	require.Empty(t, sec.PendingPromotions)

	roster, err := f.coord.Enrollments(ctx, asStudent("stu-2"), "stu-2")
	require.NoError(t, err)
	require.Len(t, roster.Enrollments, 1)
	require.Equal(t, StatusEnrolled, roster.Enrollments[0].Status)
}

func TestReconcilerSweepSkipsSettledSections(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.addSection("sec-a", 2, 2)
	f.addStudent("stu-1")
	submit(t, f, "req-1", "stu-1", "sec-a")

	r := NewReconciler(f.coord, time.Minute)
	worked, err := r.Sweep(context.Background())
	require.NoError(t, err)
	require.Zero(t, worked)
}
