// SPDX-License-Identifier: MIT

package eventstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/campuskit/enrolld/internal/log"
	"github.com/campuskit/enrolld/internal/metrics"
)

// Keyspace:
//   ev:<stream>:<version %020d>  event envelope (JSON)
//   hd:<stream>                  stream head version (uint64 BE)
//   sn:<stream>:<version %020d>  snapshot (JSON)
//   snl:<stream>                 latest snapshot version (uint64 BE)
//   dc:<request_id>              decision record (JSON), causation index

// Options configures a Store.
type Options struct {
	// Path is the badger directory. Ignored when InMemory is set.
	Path string
	// InMemory runs badger without files; used by tests.
	InMemory bool
	// SnapshotInterval is the number of events between automatic
	// snapshots. Zero disables SnapshotDue.
	SnapshotInterval int
}

// Store is a badger-backed event store. All methods are safe for concurrent
// use; per-stream mutation is serialized by badger's transactions plus the
// head-version check.
type Store struct {
	db       *badger.DB
	interval int
	logger   zerolog.Logger

	snapshots sync.WaitGroup
	closed    chan struct{}
}

// Open opens (or creates) the store. Appends are durable before they are
// acknowledged: badger runs with synchronous writes.
func Open(opts Options) (*Store, error) {
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		bopts = badger.DefaultOptions(opts.Path).WithSyncWrites(true)
	}
	bopts = bopts.WithLogger(nil)

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("eventstore: open: %w", err)
	}
	return &Store{
		db:       db,
		interval: opts.SnapshotInterval,
		logger:   log.WithComponent("eventstore"),
		closed:   make(chan struct{}),
	}, nil
}

// Close drains pending snapshot writes and closes the database.
func (s *Store) Close() error {
	close(s.closed)
	s.snapshots.Wait()
	return s.db.Close()
}

func evKey(streamID string, version uint64) []byte {
	return []byte(fmt.Sprintf("ev:%s:%020d", streamID, version))
}

func headKey(streamID string) []byte { return []byte("hd:" + streamID) }

func snKey(streamID string, version uint64) []byte {
	return []byte(fmt.Sprintf("sn:%s:%020d", streamID, version))
}

func snLatestKey(streamID string) []byte { return []byte("snl:" + streamID) }

func decisionKey(requestID string) []byte { return []byte("dc:" + requestID) }

func refKey(key string) []byte { return []byte("rf:" + key) }

func putUint64(txn *badger.Txn, key []byte, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return txn.Set(key, buf[:])
}

func getUint64(txn *badger.Txn, key []byte) (uint64, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var v uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("eventstore: malformed counter at %s", key)
		}
		v = binary.BigEndian.Uint64(val)
		return nil
	})
	return v, err
}

// AppendOption attaches extra writes to an append's transaction.
type AppendOption func(*appendExtras)

type appendExtras struct {
	decisionKey string
	decision    any
	refs        map[string]any
}

// WithDecision records the decision for requestID in the same transaction
// as the append. The pair commits atomically, which is what makes request
// idempotency exact.
func WithDecision(requestID string, decision any) AppendOption {
	return func(e *appendExtras) {
		e.decisionKey = requestID
		e.decision = decision
	}
}

// WithRef writes a lookup record (e.g. enrollment ID to stream) in the same
// transaction as the append.
func WithRef(key string, value any) AppendOption {
	return func(e *appendExtras) {
		if e.refs == nil {
			e.refs = make(map[string]any)
		}
		e.refs[key] = value
	}
}

// Append commits one event iff the stream head equals expected. The new
// version is expected+1. On mismatch (or a transaction-level race) it fails
// with *ConflictError carrying the observed head.
func (s *Store) Append(ctx context.Context, streamID string, expected uint64, ev Event, opts ...AppendOption) (*Envelope, error) {
	var extras appendExtras
	for _, opt := range opts {
		opt(&extras)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// ':' delimits the keyspace; a stream ID containing it would alias into
	// a neighboring stream's prefix.
	if streamID == "" || strings.ContainsRune(streamID, ':') {
		return nil, fmt.Errorf("eventstore: invalid stream ID %q", streamID)
	}

	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("eventstore: marshal payload: %w", err)
	}
	env := &Envelope{
		EventID:       uuid.NewString(),
		StreamID:      streamID,
		StreamVersion: expected + 1,
		OccurredAt:    time.Now().UTC(),
		CausationID:   ev.CausationID,
		Type:          ev.Type,
		Payload:       payload,
	}
	buf, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("eventstore: marshal envelope: %w", err)
	}

	var conflict *ConflictError
	err = s.db.Update(func(txn *badger.Txn) error {
		current, err := getUint64(txn, headKey(streamID))
		if err != nil {
			return err
		}
		if current != expected {
			conflict = &ConflictError{StreamID: streamID, Expected: expected, Current: current}
			return conflict
		}
		if err := txn.Set(evKey(streamID, env.StreamVersion), buf); err != nil {
			return err
		}
		if err := putUint64(txn, headKey(streamID), env.StreamVersion); err != nil {
			return err
		}
		if extras.decisionKey != "" {
			rec, err := json.Marshal(extras.decision)
			if err != nil {
				return fmt.Errorf("eventstore: marshal decision: %w", err)
			}
			if err := txn.Set(decisionKey(extras.decisionKey), rec); err != nil {
				return err
			}
		}
		for key, value := range extras.refs {
			rec, err := json.Marshal(value)
			if err != nil {
				return fmt.Errorf("eventstore: marshal ref %s: %w", key, err)
			}
			if err := txn.Set(refKey(key), rec); err != nil {
				return err
			}
		}
		return nil
	})
	if conflict != nil {
		metrics.RecordAppendConflict(streamID)
		return nil, conflict
	}
	if errors.Is(err, badger.ErrConflict) {
		// Two appends raced past the head read; the loser lands here.
		head, herr := s.Head(ctx, streamID)
		if herr != nil {
			head = expected
		}
		metrics.RecordAppendConflict(streamID)
		return nil, &ConflictError{StreamID: streamID, Expected: expected, Current: head}
	}
	if err != nil {
		return nil, fmt.Errorf("eventstore: append %s: %w", streamID, err)
	}
	metrics.RecordAppend(streamID)
	return env, nil
}

// Head returns the stream's current version (0 for an empty stream).
func (s *Store) Head(_ context.Context, streamID string) (uint64, error) {
	var head uint64
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		head, err = getUint64(txn, headKey(streamID))
		return err
	})
	return head, err
}

// Load returns, in stream order, all events with version > afterVersion.
// The read is snapshot-at-start: appends racing the load may or may not be
// seen, but never out of order.
func (s *Store) Load(ctx context.Context, streamID string, afterVersion uint64) ([]Envelope, error) {
	prefix := []byte("ev:" + streamID + ":")
	var out []Envelope
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(evKey(streamID, afterVersion+1)); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var env Envelope
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &env)
			}); err != nil {
				return fmt.Errorf("eventstore: decode event: %w", err)
			}
			out = append(out, env)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SaveSnapshot persists state at the given version and advances the latest
// pointer if this snapshot is newer.
func (s *Store) SaveSnapshot(_ context.Context, streamID string, version uint64, state any) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("eventstore: marshal snapshot state: %w", err)
	}
	snap := Snapshot{StreamID: streamID, Version: version, TakenAt: time.Now().UTC(), State: raw}
	buf, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("eventstore: marshal snapshot: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(snKey(streamID, version), buf); err != nil {
			return err
		}
		latest, err := getUint64(txn, snLatestKey(streamID))
		if err != nil {
			return err
		}
		if version > latest {
			return putUint64(txn, snLatestKey(streamID), version)
		}
		return nil
	})
}

// LatestSnapshot returns the newest snapshot for the stream, or nil.
func (s *Store) LatestSnapshot(_ context.Context, streamID string) (*Snapshot, error) {
	var snap *Snapshot
	err := s.db.View(func(txn *badger.Txn) error {
		version, err := getUint64(txn, snLatestKey(streamID))
		if err != nil || version == 0 {
			return err
		}
		item, err := txn.Get(snKey(streamID, version))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var decoded Snapshot
			if err := json.Unmarshal(val, &decoded); err != nil {
				return fmt.Errorf("eventstore: decode snapshot: %w", err)
			}
			snap = &decoded
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Replay returns the latest snapshot (possibly nil) and every event after
// it, ready to be applied in order.
func (s *Store) Replay(ctx context.Context, streamID string) (*Snapshot, []Envelope, error) {
	snap, err := s.LatestSnapshot(ctx, streamID)
	if err != nil {
		return nil, nil, err
	}
	var after uint64
	if snap != nil {
		after = snap.Version
	}
	events, err := s.Load(ctx, streamID, after)
	if err != nil {
		return nil, nil, err
	}
	return snap, events, nil
}

// SnapshotDue reports whether the automatic snapshot interval has been hit.
func (s *Store) SnapshotDue(version uint64) bool {
	return s.interval > 0 && version%uint64(s.interval) == 0
}

// SnapshotAsync persists a snapshot in the background. Failures are logged
// and never surface: snapshots are an optimization, not part of the commit.
func (s *Store) SnapshotAsync(streamID string, version uint64, state any) {
	select {
	case <-s.closed:
		return
	default:
	}
	s.snapshots.Add(1)
	go func() {
		defer s.snapshots.Done()
		if err := s.SaveSnapshot(context.Background(), streamID, version, state); err != nil {
			s.logger.Warn().
				Err(err).
				Str("stream_id", streamID).
				Uint64("version", version).
				Msg("snapshot write failed")
		}
	}()
}

// PutDecision stores a decision record outside any append. Used when a
// request reaches a terminal decision that appended in an earlier attempt.
func (s *Store) PutDecision(_ context.Context, requestID string, decision any) error {
	rec, err := json.Marshal(decision)
	if err != nil {
		return fmt.Errorf("eventstore: marshal decision: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(decisionKey(requestID), rec)
	})
}

// Decision loads a previously recorded decision into v. The second return
// reports whether a record existed.
func (s *Store) Decision(_ context.Context, requestID string, v any) (bool, error) {
	return s.getJSON(decisionKey(requestID), v)
}

// Ref loads a lookup record written via WithRef.
func (s *Store) Ref(_ context.Context, key string, v any) (bool, error) {
	return s.getJSON(refKey(key), v)
}

func (s *Store) getJSON(key []byte, v any) (bool, error) {
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
	return found, err
}

// ListStreams returns the IDs of all streams whose ID starts with prefix.
func (s *Store) ListStreams(ctx context.Context, prefix string) ([]string, error) {
	keyPrefix := []byte("hd:" + prefix)
	var out []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(keyPrefix); it.ValidForPrefix(keyPrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			out = append(out, strings.TrimPrefix(string(it.Item().Key()), "hd:"))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
