// Package postgres is the durable archive behind the hot cache: a JSON
// key-value table mirroring the cache keyspace, plus an append-only event
// archive for audit queries the ledger nodes are too slow to serve.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/groupledger/groupsync/internal/cache"
	"github.com/groupledger/groupsync/internal/ledger"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv_store (
	key        TEXT PRIMARY KEY,
	value      JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS ledger_events (
	tx_id    TEXT NOT NULL,
	account  TEXT NOT NULL,
	seq      BIGINT NOT NULL,
	block    BIGINT NOT NULL,
	action   TEXT NOT NULL,
	group_id TEXT,
	ts       TIMESTAMPTZ,
	payload  JSONB NOT NULL,
	PRIMARY KEY (account, seq)
);

CREATE INDEX IF NOT EXISTS idx_ledger_events_group ON ledger_events (group_id, block);
`

// Store implements cache.Store on PostgreSQL and adds the event archive.
type Store struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewStore wraps an open connection.
func NewStore(db *sqlx.DB, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Store{db: db, timeout: timeout}
}

// Connect opens and pings a PostgreSQL DSN.
func Connect(ctx context.Context, dsn string, timeout time.Duration) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return NewStore(db, timeout), nil
}

// EnsureSchema creates the tables if missing. Idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Put(ctx context.Context, key string, v interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	buf, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	query := `
		INSERT INTO kv_store (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = now()`
	if _, err := s.db.ExecContext(ctx, query, key, buf); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var buf []byte
	err := s.db.QueryRowxContext(ctx, `SELECT value FROM kv_store WHERE key = $1`, key).Scan(&buf)
	if err == sql.ErrNoRows {
		return cache.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(buf, out); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_store WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var keys []string
	err := s.db.SelectContext(ctx, &keys,
		`SELECT key FROM kv_store WHERE key LIKE $1 ORDER BY key`, prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("keys %s: %w", prefix, err)
	}
	return keys, nil
}

func (s *Store) Close() error { return s.db.Close() }

// ArchiveEvents appends a batch to the event archive. Replayed events hit
// the primary key and are skipped, so re-syncing from an earlier checkpoint
// is safe.
func (s *Store) ArchiveEvents(ctx context.Context, events []ledger.Event) error {
	if len(events) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("archive begin: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO ledger_events (tx_id, account, seq, block, action, group_id, ts, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (account, seq) DO NOTHING`
	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event %s/%d: %w", ev.Account, ev.Sequence, err)
		}
		groupID := sql.NullString{}
		if ev.Group != nil {
			groupID = sql.NullString{String: ev.Group.GroupID, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, query,
			ev.TxID, ev.Account, ev.Sequence, ev.Block,
			string(ev.Action), groupID, ev.Timestamp, payload); err != nil {
			return fmt.Errorf("archive event %s/%d: %w", ev.Account, ev.Sequence, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("archive commit: %w", err)
	}
	return nil
}

// GroupHistory returns a group's archived events in ledger order.
func (s *Store) GroupHistory(ctx context.Context, groupID string, limit int) ([]ledger.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryxContext(ctx, `
		SELECT payload FROM ledger_events
		WHERE group_id = $1
		ORDER BY block ASC, seq ASC
		LIMIT $2`, groupID, limit)
	if err != nil {
		return nil, fmt.Errorf("group history %s: %w", groupID, err)
	}
	defer rows.Close()

	var out []ledger.Event
	for rows.Next() {
		var buf []byte
		if err := rows.Scan(&buf); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var ev ledger.Event
		if err := json.Unmarshal(buf, &ev); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}
