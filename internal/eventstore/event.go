// SPDX-License-Identifier: MIT

// Package eventstore is an append-only event log partitioned by stream,
// with optimistic version checks, snapshots and replay.
package eventstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Envelope is the persisted, frozen form of one event. Field names are the
// cross-process wire format and must not change.
type Envelope struct {
	EventID       string          `json:"event_id"`
	StreamID      string          `json:"stream_id"`
	StreamVersion uint64          `json:"stream_version"`
	OccurredAt    time.Time       `json:"occurred_at"` // RFC3339 UTC
	CausationID   string          `json:"causation_id"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload"`
}

// DecodePayload unmarshals the payload into v.
func (e *Envelope) DecodePayload(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("eventstore: decode %s payload of %s@%d: %w", e.Type, e.StreamID, e.StreamVersion, err)
	}
	return nil
}

// Event is the caller-supplied part of an append. The store assigns the
// event ID, version and timestamp.
type Event struct {
	Type        string
	CausationID string
	Payload     any
}

// Snapshot is a persisted aggregate state at a specific stream version.
type Snapshot struct {
	StreamID string          `json:"stream_id"`
	Version  uint64          `json:"version"`
	TakenAt  time.Time       `json:"taken_at"`
	State    json.RawMessage `json:"state"`
}

// DecodeState unmarshals the snapshot state into v.
func (s *Snapshot) DecodeState(v any) error {
	if err := json.Unmarshal(s.State, v); err != nil {
		return fmt.Errorf("eventstore: decode snapshot %s@%d: %w", s.StreamID, s.Version, err)
	}
	return nil
}

// ConflictError reports an append whose expected version no longer matches
// the stream head. The caller may reload and retry.
type ConflictError struct {
	StreamID string
	Expected uint64
	Current  uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("eventstore: version conflict on %s: expected %d, stream at %d", e.StreamID, e.Expected, e.Current)
}

// IsConflict reports whether err is a concurrency conflict.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
