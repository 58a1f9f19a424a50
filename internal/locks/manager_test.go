// SPDX-License-Identifier: MIT

package locks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestAcquireFreeLock(t *testing.T) {
	m := NewManager()
	grant, err := m.Acquire(context.Background(), "section:S1", "w1", time.Second, 100*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, "w1", grant.Owner)
	require.False(t, grant.Reentrant)
	require.NoError(t, m.Release("section:S1", "w1"))
}

func TestReentrantAcquire(t *testing.T) {
	m := NewManager()
	first, err := m.Acquire(context.Background(), "section:S1", "w1", time.Second, 0)
	require.NoError(t, err)

	second, err := m.Acquire(context.Background(), "section:S1", "w1", time.Second, 0)
	require.NoError(t, err)
	require.True(t, second.Reentrant)
	require.False(t, second.ExpiresAt.Before(first.ExpiresAt))

	require.NoError(t, m.Release("section:S1", "w1"))
}

func TestAcquireWaitTimeout(t *testing.T) {
	m := NewManager()
	_, err := m.Acquire(context.Background(), "section:S1", "w1", time.Minute, 0)
	require.NoError(t, err)

	_, err = m.Acquire(context.Background(), "section:S1", "w2", time.Second, 50*time.Millisecond)
	require.True(t, errors.Is(err, ErrWaitTimeout))

	require.NoError(t, m.Release("section:S1", "w1"))
}

func TestReleaseNotHolder(t *testing.T) {
	m := NewManager()
	_, err := m.Acquire(context.Background(), "section:S1", "w1", time.Minute, 0)
	require.NoError(t, err)

	require.True(t, errors.Is(m.Release("section:S1", "w2"), ErrNotHolder))
	require.True(t, errors.Is(m.Release("section:S2", "w1"), ErrNotHolder))
	require.NoError(t, m.Release("section:S1", "w1"))
}

func TestFIFOOrderAmongWaiters(t *testing.T) {
	m := NewManager()
	_, err := m.Acquire(context.Background(), "l", "holder", time.Minute, 0)
	require.NoError(t, err)

	const n = 5
	order := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		owner := string(rune('a' + i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			grant, err := m.Acquire(context.Background(), "l", owner, time.Minute, 5*time.Second)
			require.NoError(t, err)
			order <- grant.Owner
			require.NoError(t, m.Release("l", owner))
		}()
		// Stagger so queue order is deterministic.
		time.Sleep(20 * time.Millisecond)
	}

	require.NoError(t, m.Release("l", "holder"))
	wg.Wait()
	close(order)

	var got []string
	for owner := range order {
		got = append(got, owner)
	}
	require.Equal(t, []string{"a", "b", "c", "d", "e"}, got)
}

func TestStaleHolderReaped(t *testing.T) {
	m := NewManager()
	_, err := m.Acquire(context.Background(), "l", "crashed", 30*time.Millisecond, 0)
	require.NoError(t, err)

	// Waiter outlives the holder's TTL and gets the lock.
	grant, err := m.Acquire(context.Background(), "l", "successor", time.Minute, time.Second)
	require.NoError(t, err)
	require.Equal(t, "successor", grant.Owner)
	require.NoError(t, m.Release("l", "successor"))
}

func TestStaleHolderReapedWithoutWaiters(t *testing.T) {
	m := NewManager()
	_, err := m.Acquire(context.Background(), "l", "crashed", 20*time.Millisecond, 0)
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)

	grant, err := m.Acquire(context.Background(), "l", "fresh", time.Minute, 0)
	require.NoError(t, err)
	require.Equal(t, "fresh", grant.Owner)
	require.NoError(t, m.Release("l", "fresh"))
}

func TestExtendKeepsLockAlive(t *testing.T) {
	m := NewManager()
	grant, err := m.Acquire(context.Background(), "l", "w1", 50*time.Millisecond, 0)
	require.NoError(t, err)

	newExpiry, err := m.Extend("l", "w1", time.Minute)
	require.NoError(t, err)
	require.True(t, newExpiry.After(grant.ExpiresAt))

	_, err = m.Extend("l", "w2", time.Minute)
	require.True(t, errors.Is(err, ErrNotHolder))

	// Past the original TTL the lock must still be held.
	time.Sleep(80 * time.Millisecond)
	owner, held := m.Holder("l")
	require.True(t, held)
	require.Equal(t, "w1", owner)
	require.NoError(t, m.Release("l", "w1"))
}

func TestAcquireContextCancelled(t *testing.T) {
	m := NewManager()
	_, err := m.Acquire(context.Background(), "l", "w1", time.Minute, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.Acquire(ctx, "l", "w2", time.Second, time.Minute)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	err = <-done
	require.True(t, errors.Is(err, context.Canceled))
	require.NoError(t, m.Release("l", "w1"))
}

func TestConcurrentAcquireRelease(t *testing.T) {
	m := NewManager()

	var wg sync.WaitGroup
	var mu sync.Mutex
	inCritical := 0
	maxInCritical := 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(owner int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				grant, err := m.Acquire(context.Background(), "hot", string(rune('A'+owner)), time.Second, 10*time.Second)
				if err != nil {
					t.Errorf("acquire: %v", err)
					return
				}
				mu.Lock()
				inCritical++
				if inCritical > maxInCritical {
					maxInCritical = inCritical
				}
				mu.Unlock()

				mu.Lock()
				inCritical--
				mu.Unlock()
				if err := m.Release("hot", grant.Owner); err != nil {
					t.Errorf("release: %v", err)
					return
				}
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 1, maxInCritical, "mutual exclusion violated")
}
