// SPDX-License-Identifier: MIT

// Package locks provides process-wide named exclusive locks with hold TTLs,
// FIFO waiter fairness and stale-holder reaping.
//
// A lock holder that never releases (crashed worker, mis-sized TTL) is
// reaped when its expiry passes; correctness then rests on the event store's
// version checks, which is why the engine always pairs these locks with
// optimistic appends.
package locks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrWaitTimeout reports that the lock stayed busy for the whole wait
	// window.
	ErrWaitTimeout = errors.New("locks: wait timeout")

	// ErrNotHolder reports a release or extend by a non-holder.
	ErrNotHolder = errors.New("locks: not holder")
)

// Grant describes a held lock.
type Grant struct {
	Name       string
	Owner      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
	// Reentrant is set when the owner already held the lock; the hold TTL
	// was refreshed instead of queueing.
	Reentrant bool
}

type waiter struct {
	owner   string
	holdTTL time.Duration
	granted chan Grant // buffered, capacity 1
}

type lockState struct {
	owner      string
	acquiredAt time.Time
	expiresAt  time.Time
	waiters    []*waiter
	reap       *time.Timer
}

// Manager is a registry of named locks. The zero value is not usable; use
// NewManager.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*lockState
}

// NewManager returns an empty lock registry.
func NewManager() *Manager {
	return &Manager{locks: make(map[string]*lockState)}
}

// Acquire obtains the named lock for owner, waiting up to waitTimeout (and
// no longer than ctx allows) while it is held by someone else. Waiters are
// served strictly FIFO. A holder whose TTL passed is reaped and the lock
// handed on.
func (m *Manager) Acquire(ctx context.Context, name, owner string, holdTTL, waitTimeout time.Duration) (Grant, error) {
	m.mu.Lock()

	now := time.Now()
	st, held := m.locks[name]

	if held && now.After(st.expiresAt) && len(st.waiters) == 0 {
		// Stale holder with nobody queued: reap in place.
		m.dropLocked(name, st)
		held = false
	}

	if !held {
		grant := Grant{Name: name, Owner: owner, AcquiredAt: now, ExpiresAt: now.Add(holdTTL)}
		st = &lockState{owner: owner, acquiredAt: now, expiresAt: grant.ExpiresAt}
		m.locks[name] = st
		m.scheduleReapLocked(name, st)
		m.mu.Unlock()
		return grant, nil
	}

	if st.owner == owner {
		st.expiresAt = now.Add(holdTTL)
		m.scheduleReapLocked(name, st)
		grant := Grant{Name: name, Owner: owner, AcquiredAt: st.acquiredAt, ExpiresAt: st.expiresAt, Reentrant: true}
		m.mu.Unlock()
		return grant, nil
	}

	w := &waiter{owner: owner, holdTTL: holdTTL, granted: make(chan Grant, 1)}
	st.waiters = append(st.waiters, w)
	m.mu.Unlock()

	timer := time.NewTimer(waitTimeout)
	defer timer.Stop()

	select {
	case grant := <-w.granted:
		return grant, nil
	case <-ctx.Done():
		if grant, ok := m.abandon(name, w); ok {
			return grant, nil
		}
		return Grant{}, fmt.Errorf("locks: acquire %s: %w", name, ctx.Err())
	case <-timer.C:
		if grant, ok := m.abandon(name, w); ok {
			// Granted in the same instant the timer fired; keep it.
			return grant, nil
		}
		return Grant{}, fmt.Errorf("%w: %s after %s", ErrWaitTimeout, name, waitTimeout)
	}
}

// abandon removes w from the wait queue. If w was already granted, the grant
// is returned instead.
func (m *Manager) abandon(name string, w *waiter) (Grant, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.locks[name]; ok {
		for i, queued := range st.waiters {
			if queued == w {
				st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
				return Grant{}, false
			}
		}
	}
	select {
	case grant := <-w.granted:
		return grant, true
	default:
		return Grant{}, false
	}
}

// Release gives up the named lock. The head waiter, if any, is granted
// immediately.
func (m *Manager) Release(name, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.locks[name]
	if !ok || st.owner != owner {
		return fmt.Errorf("%w: %s", ErrNotHolder, name)
	}
	m.handoffLocked(name, st)
	return nil
}

// Extend pushes the holder's expiry out by additional and returns the new
// expiry.
func (m *Manager) Extend(name, owner string, additional time.Duration) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.locks[name]
	if !ok || st.owner != owner {
		return time.Time{}, fmt.Errorf("%w: %s", ErrNotHolder, name)
	}
	st.expiresAt = st.expiresAt.Add(additional)
	m.scheduleReapLocked(name, st)
	return st.expiresAt, nil
}

// Holder reports the current owner of name, if any.
func (m *Manager) Holder(name string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.locks[name]
	if !ok {
		return "", false
	}
	return st.owner, true
}

// handoffLocked passes the lock to the head waiter or removes it.
func (m *Manager) handoffLocked(name string, st *lockState) {
	if len(st.waiters) == 0 {
		m.dropLocked(name, st)
		return
	}
	next := st.waiters[0]
	st.waiters = st.waiters[1:]

	now := time.Now()
	st.owner = next.owner
	st.acquiredAt = now
	st.expiresAt = now.Add(next.holdTTL)
	m.scheduleReapLocked(name, st)

	next.granted <- Grant{Name: name, Owner: next.owner, AcquiredAt: now, ExpiresAt: st.expiresAt}
}

func (m *Manager) dropLocked(name string, st *lockState) {
	if st.reap != nil {
		st.reap.Stop()
		st.reap = nil
	}
	delete(m.locks, name)
}

// scheduleReapLocked arms the expiry timer for st's current term.
func (m *Manager) scheduleReapLocked(name string, st *lockState) {
	if st.reap != nil {
		st.reap.Stop()
	}
	expiry := st.expiresAt
	st.reap = time.AfterFunc(time.Until(expiry)+time.Millisecond, func() {
		m.reapExpired(name, expiry)
	})
}

// reapExpired evicts a holder whose term matches expiry and has passed.
func (m *Manager) reapExpired(name string, expiry time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.locks[name]
	if !ok || !st.expiresAt.Equal(expiry) {
		return // released or extended in the meantime
	}
	if time.Now().Before(st.expiresAt) {
		return
	}
	m.handoffLocked(name, st)
}
