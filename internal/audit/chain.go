// SPDX-License-Identifier: MIT

// Package audit maintains the append-only, hash-chained decision log.
// Every enrollment decision produces exactly one entry; the chain makes
// after-the-fact tampering detectable (WHO/WHAT/WHEN plus integrity).
package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure Go driver

	"github.com/campuskit/enrolld/internal/metrics"
)

// Action is the kind of decision recorded.
type Action string

const (
	ActionEnroll   Action = "ENROLL"
	ActionDrop     Action = "DROP"
	ActionWaitlist Action = "WAITLIST"
	ActionPromote  Action = "PROMOTE"
	ActionReject   Action = "REJECT"
)

// Entry is one link of the chain. EntryHash covers
// seq, timestamp, actor, action, resource, before, after and PreviousHash;
// entry 0 chains from 32 zero bytes.
type Entry struct {
	Seq          uint64          `json:"seq"`
	Timestamp    time.Time       `json:"timestamp"`
	ActorID      string          `json:"actor_id"`
	Action       Action          `json:"action"`
	Resource     string          `json:"resource"`
	Before       json.RawMessage `json:"before,omitempty"`
	After        json.RawMessage `json:"after,omitempty"`
	EventIDs     []string        `json:"event_ids,omitempty"`
	PreviousHash string          `json:"previous_hash"` // hex
	EntryHash    string          `json:"entry_hash"`    // hex
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_entries (
	seq           INTEGER PRIMARY KEY,
	timestamp     TEXT NOT NULL,
	actor_id      TEXT NOT NULL,
	action        TEXT NOT NULL,
	resource      TEXT NOT NULL,
	before_state  TEXT,
	after_state   TEXT,
	event_ids     TEXT NOT NULL DEFAULT '',
	previous_hash TEXT NOT NULL,
	entry_hash    TEXT NOT NULL
);
`

var genesisHash = strings.Repeat("0", 64)

// Chain is the sqlite-backed audit log. Appends are serialized internally
// so the sequence stays gapless under concurrent use.
type Chain struct {
	db *sql.DB

	mu       sync.Mutex
	nextSeq  uint64
	lastHash string
}

// Open initializes the chain at dbPath and loads the current tail.
func Open(dbPath string) (*Chain, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
		dbPath, (5 * time.Second).Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open failed: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: ping failed: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: migrate failed: %w", err)
	}

	c := &Chain{db: db, lastHash: genesisHash}

	row := db.QueryRow(`SELECT seq, entry_hash FROM audit_entries ORDER BY seq DESC LIMIT 1`)
	var seq uint64
	var hash string
	switch err := row.Scan(&seq, &hash); err {
	case nil:
		c.nextSeq = seq + 1
		c.lastHash = hash
	case sql.ErrNoRows:
		// empty chain
	default:
		_ = db.Close()
		return nil, fmt.Errorf("audit: load tail: %w", err)
	}
	return c, nil
}

// Close releases the underlying pool.
func (c *Chain) Close() error { return c.db.Close() }

// Ping reports readiness of the underlying database.
func (c *Chain) Ping(ctx context.Context) error { return c.db.PingContext(ctx) }

func hashEntry(e *Entry) string {
	h := sha256.New()
	write := func(parts ...string) {
		for _, p := range parts {
			h.Write([]byte(p))
			h.Write([]byte{0x1f}) // field separator
		}
	}
	write(
		fmt.Sprintf("%d", e.Seq),
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.ActorID,
		string(e.Action),
		e.Resource,
		string(e.Before),
		string(e.After),
		e.PreviousHash,
	)
	return hex.EncodeToString(h.Sum(nil))
}

// Append assigns the next sequence number, links and hashes the entry, and
// persists it. The filled entry is returned.
func (c *Chain) Append(ctx context.Context, e Entry) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e.Seq = c.nextSeq
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	e.PreviousHash = c.lastHash
	e.EntryHash = hashEntry(&e)

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO audit_entries (seq, timestamp, actor_id, action, resource, before_state, after_state, event_ids, previous_hash, entry_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Seq, e.Timestamp.UTC().Format(time.RFC3339Nano), e.ActorID, string(e.Action), e.Resource,
		nullable(e.Before), nullable(e.After), strings.Join(e.EventIDs, ","), e.PreviousHash, e.EntryHash)
	if err != nil {
		return nil, fmt.Errorf("audit: append: %w", err)
	}

	c.nextSeq = e.Seq + 1
	c.lastHash = e.EntryHash
	metrics.AuditEntryTotal.WithLabelValues(string(e.Action)).Inc()
	return &e, nil
}

func nullable(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// Count returns the number of entries.
func (c *Chain) Count(ctx context.Context) (uint64, error) {
	var n uint64
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("audit: count: %w", err)
	}
	return n, nil
}

// Entries returns up to limit entries starting at fromSeq, in order.
// limit <= 0 means no limit.
func (c *Chain) Entries(ctx context.Context, fromSeq uint64, limit int) ([]Entry, error) {
	q := `SELECT seq, timestamp, actor_id, action, resource, before_state, after_state, event_ids, previous_hash, entry_hash
		FROM audit_entries WHERE seq >= ? ORDER BY seq`
	args := []any{fromSeq}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ts string
		var before, after sql.NullString
		var eventIDs string
		if err := rows.Scan(&e.Seq, &ts, &e.ActorID, &e.Action, &e.Resource, &before, &after, &eventIDs, &e.PreviousHash, &e.EntryHash); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("audit: bad timestamp at seq %d: %w", e.Seq, err)
		}
		if before.Valid {
			e.Before = json.RawMessage(before.String)
		}
		if after.Valid {
			e.After = json.RawMessage(after.String)
		}
		if eventIDs != "" {
			e.EventIDs = strings.Split(eventIDs, ",")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Verify walks the whole chain and returns the sequence numbers of entries
// whose hash or link does not check out.
func (c *Chain) Verify(ctx context.Context) ([]uint64, error) {
	entries, err := c.Entries(ctx, 0, 0)
	if err != nil {
		return nil, err
	}

	var bad []uint64
	prev := genesisHash
	for i := range entries {
		e := &entries[i]
		if e.Seq != uint64(i) || e.PreviousHash != prev || hashEntry(e) != e.EntryHash {
			bad = append(bad, e.Seq)
		}
		prev = e.EntryHash
	}
	return bad, nil
}
