// SPDX-License-Identifier: MIT

package audit

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestChain(t *testing.T) *Chain {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestAppendChainsFromGenesis(t *testing.T) {
	t.Parallel()

	c := openTestChain(t)
	ctx := context.Background()

	first, err := c.Append(ctx, Entry{
		ActorID:  "stu-1",
		Action:   ActionEnroll,
		Resource: "section:CS101-A",
		After:    json.RawMessage(`{"status":"enrolled"}`),
		EventIDs: []string{"ev-1", "ev-2"},
	})
	require.NoError(t, err)
	require.Equal(t, uint64(0), first.Seq)
	require.Equal(t, strings.Repeat("0", 64), first.PreviousHash)
	require.Len(t, first.EntryHash, 64)

	second, err := c.Append(ctx, Entry{
		ActorID:  "stu-1",
		Action:   ActionDrop,
		Resource: "section:CS101-A",
		Before:   json.RawMessage(`{"status":"enrolled"}`),
		After:    json.RawMessage(`{"status":"dropped"}`),
	})
	require.NoError(t, err)
	require.Equal(t, uint64(1), second.Seq)
	require.Equal(t, first.EntryHash, second.PreviousHash)

	n, err := c.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), n)
}

func TestEntriesRoundTrip(t *testing.T) {
	t.Parallel()

	c := openTestChain(t)
	ctx := context.Background()

	want, err := c.Append(ctx, Entry{
		Timestamp: time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
		ActorID:   "admin-1",
		Action:    ActionPromote,
		Resource:  "section:MATH200-B",
		After:     json.RawMessage(`{"student_id":"stu-7"}`),
		EventIDs:  []string{"ev-9"},
	})
	require.NoError(t, err)

	got, err := c.Entries(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, want.Seq, got[0].Seq)
	require.True(t, want.Timestamp.Equal(got[0].Timestamp))
	require.Equal(t, want.EntryHash, got[0].EntryHash)
	require.Equal(t, []string{"ev-9"}, got[0].EventIDs)
	require.JSONEq(t, `{"student_id":"stu-7"}`, string(got[0].After))
}

func TestVerifyCleanChain(t *testing.T) {
	t.Parallel()

	c := openTestChain(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := c.Append(ctx, Entry{
			ActorID:  "stu-1",
			Action:   ActionWaitlist,
			Resource: "section:PHY101-A",
		})
		require.NoError(t, err)
	}

	bad, err := c.Verify(ctx)
	require.NoError(t, err)
	require.Empty(t, bad)
}

func TestVerifyDetectsTampering(t *testing.T) {
	t.Parallel()

	c := openTestChain(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := c.Append(ctx, Entry{
			ActorID:  "stu-1",
			Action:   ActionEnroll,
			Resource: "section:CS101-A",
			After:    json.RawMessage(`{"i":` + string(rune('0'+i)) + `}`),
		})
		require.NoError(t, err)
	}

	// Rewrite history behind the chain's back.
	_, err := c.db.ExecContext(ctx, `UPDATE audit_entries SET actor_id = 'intruder' WHERE seq = 2`)
	require.NoError(t, err)

	bad, err := c.Verify(ctx)
	require.NoError(t, err)
	require.Equal(t, []uint64{2}, bad)
}

func TestVerifyDetectsBrokenLink(t *testing.T) {
	t.Parallel()

	c := openTestChain(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := c.Append(ctx, Entry{ActorID: "stu-1", Action: ActionReject, Resource: "section:CS101-A"})
		require.NoError(t, err)
	}

	// Re-hash an entry consistently with its own fields but not its link.
	entries, err := c.Entries(ctx, 1, 1)
	require.NoError(t, err)
	e := entries[0]
	e.PreviousHash = strings.Repeat("f", 64)
	e.EntryHash = hashEntry(&e)
	_, err = c.db.ExecContext(ctx, `UPDATE audit_entries SET previous_hash = ?, entry_hash = ? WHERE seq = 1`, e.PreviousHash, e.EntryHash)
	require.NoError(t, err)

	bad, err := c.Verify(ctx)
	require.NoError(t, err)
	require.Equal(t, []uint64{1}, bad)
}

func TestReopenResumesChain(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "audit.db")

	c, err := Open(path)
	require.NoError(t, err)
	first, err := c.Append(context.Background(), Entry{ActorID: "stu-1", Action: ActionEnroll, Resource: "section:CS101-A"})
	require.NoError(t, err)
	require.NoError(t, c.Close())

	c2, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = c2.Close() }()

	second, err := c2.Append(context.Background(), Entry{ActorID: "stu-2", Action: ActionEnroll, Resource: "section:CS101-A"})
	require.NoError(t, err)
	require.Equal(t, uint64(1), second.Seq)
	require.Equal(t, first.EntryHash, second.PreviousHash)

	bad, err := c2.Verify(context.Background())
	require.NoError(t, err)
	require.Empty(t, bad)
}
