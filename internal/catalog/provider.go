// SPDX-License-Identifier: MIT

package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound reports an unknown section or student ID.
var ErrNotFound = errors.New("catalog: not found")

// ErrUnavailable reports a transient collaborator failure. Callers must not
// append any event when they see it.
var ErrUnavailable = errors.New("catalog: unavailable")

// Provider supplies section and student metadata to the coordinator.
type Provider interface {
	Section(ctx context.Context, sectionID string) (*Section, error)
	StudentProfile(ctx context.Context, studentID string) (*StudentProfile, error)
}

// Memory is an in-process Provider, used by tests and by deployments that
// seed the catalog at startup.
type Memory struct {
	mu       sync.RWMutex
	sections map[string]*Section
	students map[string]*StudentProfile

	// Fail forces every lookup to report ErrUnavailable. Tests use it to
	// exercise the transient failure path.
	Fail bool
}

// NewMemory returns an empty in-memory catalog.
func NewMemory() *Memory {
	return &Memory{
		sections: make(map[string]*Section),
		students: make(map[string]*StudentProfile),
	}
}

// PutSection inserts or replaces a section.
func (m *Memory) PutSection(s *Section) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sections[s.ID] = &cp
}

// PutStudent inserts or replaces a student profile.
func (m *Memory) PutStudent(p *StudentProfile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.students[p.ID] = &cp
}

// Section implements Provider.
func (m *Memory) Section(_ context.Context, sectionID string) (*Section, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Fail {
		return nil, ErrUnavailable
	}
	s, ok := m.sections[sectionID]
	if !ok {
		return nil, fmt.Errorf("%w: section %s", ErrNotFound, sectionID)
	}
	cp := *s
	return &cp, nil
}

// StudentProfile implements Provider.
func (m *Memory) StudentProfile(_ context.Context, studentID string) (*StudentProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Fail {
		return nil, ErrUnavailable
	}
	p, ok := m.students[studentID]
	if !ok {
		return nil, fmt.Errorf("%w: student %s", ErrNotFound, studentID)
	}
	cp := *p
	return &cp, nil
}

var _ Provider = (*Memory)(nil)
