// Package syncq is the durable offline sync queue: ghost rides and chat
// messages created over the mesh are parked here and reconciled with the
// server once connectivity returns.
package syncq

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/HorseChain/travony-sub002/internal/observability"
	"github.com/HorseChain/travony-sub002/internal/resilience"
)

// Entry sync statuses. A failed submission returns to pending for the next
// drain, so only these three ever appear in the table.
const (
	StatusPending = "pending"
	StatusSyncing = "syncing"
	StatusSynced  = "synced"
)

const schema = `
CREATE TABLE IF NOT EXISTS offline_sync_queue (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_type TEXT NOT NULL,
	local_id    TEXT NOT NULL,
	payload     BLOB NOT NULL,
	sync_status TEXT NOT NULL DEFAULT 'pending',
	retry_count INTEGER NOT NULL DEFAULT 0,
	last_error  TEXT NOT NULL DEFAULT '',
	server_id   TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL,
	UNIQUE(entity_type, local_id)
);`

// Entry is one pending reconciliation unit.
type Entry struct {
	ID         int64
	EntityType string
	LocalID    string
	Payload    []byte
	SyncStatus string
	RetryCount int
	LastError  string
	ServerID   string
}

// DrainStats summarizes one drain cycle.
type DrainStats struct {
	Attempted int
	Synced    int
	Failed    int
}

// Queue is the sqlite-backed sync queue. Draining is triggered externally
// (on reconnect, optionally periodically); the queue itself never schedules
// retries. Each drain re-attempts every non-synced entry once through the
// resilience layer.
type Queue struct {
	db      *sql.DB
	client  Client
	breaker *resilience.Breaker
	retry   resilience.RetryOptions
	log     *slog.Logger
	now     func() time.Time

	// OnSynced, when set, is invoked after an entry is durably acked by the
	// server. OnFailed is invoked when a submission exhausts its retries and
	// the entry returns to pending.
	OnSynced func(entityType, localID, serverID string)
	OnFailed func(entityType, localID string, err error)
}

// Open opens (creating if needed) the queue database at path. Use
// ":memory:" for tests.
func Open(path string, client Client, breaker *resilience.Breaker, log *slog.Logger) (*Queue, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("syncq: open %s: %w", path, err)
	}
	// single writer; also keeps an in-memory database on one connection
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("syncq: create schema: %w", err)
	}
	return &Queue{
		db:      db,
		client:  client,
		breaker: breaker,
		retry: resilience.RetryOptions{
			MaxAttempts:   3,
			InitialDelay:  500 * time.Millisecond,
			MaxDelay:      5 * time.Second,
			BackoffFactor: 2,
		},
		log: log,
		now: time.Now,
	}, nil
}

func (q *Queue) Close() error { return q.db.Close() }

// SetRetryOptions overrides the per-entry retry policy used during drains.
func (q *Queue) SetRetryOptions(opts resilience.RetryOptions) { q.retry = opts }

// Enqueue registers an entity for reconciliation. Re-enqueuing an entry
// that already synced is a no-op; anything else resets it to pending with a
// fresh payload and a cleared retry counter.
func (q *Queue) Enqueue(entityType, localID string, payload []byte) error {
	now := q.now()
	_, err := q.db.Exec(`
		INSERT INTO offline_sync_queue (entity_type, local_id, payload, sync_status, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', ?, ?)
		ON CONFLICT(entity_type, local_id) DO UPDATE SET
			payload = excluded.payload,
			sync_status = 'pending',
			retry_count = 0,
			last_error = '',
			updated_at = excluded.updated_at
		WHERE offline_sync_queue.sync_status != 'synced'`,
		entityType, localID, payload, now, now)
	if err != nil {
		return fmt.Errorf("syncq: enqueue %s/%s: %w", entityType, localID, err)
	}
	return nil
}

// Drain submits every non-synced entry sequentially through the resilience
// layer. A failed entry keeps its pending status for the next drain cycle.
func (q *Queue) Drain(ctx context.Context) (DrainStats, error) {
	observability.SyncDrains.Inc()

	rows, err := q.db.QueryContext(ctx, `
		SELECT id, entity_type, local_id, payload, retry_count
		FROM offline_sync_queue
		WHERE sync_status != 'synced'
		ORDER BY created_at, id`)
	if err != nil {
		return DrainStats{}, fmt.Errorf("syncq: select pending: %w", err)
	}
	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.EntityType, &e.LocalID, &e.Payload, &e.RetryCount); err != nil {
			rows.Close()
			return DrainStats{}, fmt.Errorf("syncq: scan: %w", err)
		}
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return DrainStats{}, err
	}

	var stats DrainStats
	for _, e := range entries {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		stats.Attempted++
		if err := q.submit(ctx, e); err != nil {
			stats.Failed++
			observability.SyncEntries.WithLabelValues("failed").Inc()
			q.log.Warn("sync entry failed, staying pending", "entity", e.EntityType, "local_id", e.LocalID, "err", err)
			continue
		}
		stats.Synced++
		observability.SyncEntries.WithLabelValues("synced").Inc()
	}
	q.log.Info("drain finished", "attempted", stats.Attempted, "synced", stats.Synced, "failed", stats.Failed)
	return stats, nil
}

func (q *Queue) submit(ctx context.Context, e Entry) error {
	if _, err := q.db.ExecContext(ctx,
		`UPDATE offline_sync_queue SET sync_status = 'syncing', updated_at = ? WHERE id = ?`,
		q.now(), e.ID); err != nil {
		return err
	}

	var ack Ack
	err := resilience.WithResilience(ctx, q.breaker, func(ctx context.Context) error {
		var callErr error
		ack, callErr = q.client.Submit(ctx, e.EntityType, e.LocalID, e.Payload)
		return callErr
	}, q.retry)

	if err != nil {
		_, uerr := q.db.ExecContext(ctx, `
			UPDATE offline_sync_queue
			SET sync_status = 'pending', retry_count = retry_count + 1, last_error = ?, updated_at = ?
			WHERE id = ?`,
			err.Error(), q.now(), e.ID)
		if uerr != nil {
			q.log.Error("record sync failure", "id", e.ID, "err", uerr)
		}
		if q.OnFailed != nil {
			q.OnFailed(e.EntityType, e.LocalID, err)
		}
		return err
	}

	if _, err := q.db.ExecContext(ctx, `
		UPDATE offline_sync_queue
		SET sync_status = 'synced', server_id = ?, last_error = '', updated_at = ?
		WHERE id = ?`,
		ack.ServerID, q.now(), e.ID); err != nil {
		return err
	}
	if q.OnSynced != nil {
		q.OnSynced(e.EntityType, e.LocalID, ack.ServerID)
	}
	return nil
}

// Entry fetches a queue row, mainly for callers showing sync progress.
func (q *Queue) Entry(entityType, localID string) (Entry, bool, error) {
	var e Entry
	err := q.db.QueryRow(`
		SELECT id, entity_type, local_id, payload, sync_status, retry_count, last_error, server_id
		FROM offline_sync_queue WHERE entity_type = ? AND local_id = ?`,
		entityType, localID).
		Scan(&e.ID, &e.EntityType, &e.LocalID, &e.Payload, &e.SyncStatus, &e.RetryCount, &e.LastError, &e.ServerID)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}
