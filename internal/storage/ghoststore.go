package storage

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"
)

// GhostStore is the server side of the sync boundary: an idempotent upsert
// keyed on the device-minted local id. The first successful submission per
// local id is authoritative; later ones get the same server id back with
// created=false, no matter which participant they came from.
type GhostStore interface {
	UpsertRide(ctx context.Context, localID string, payload []byte) (serverID string, created bool, err error)
	UpsertMessage(ctx context.Context, localID string, payload []byte) (serverID string, created bool, err error)
}

type MemoryGhostStore struct {
	mu       sync.Mutex
	rides    map[string]string // localID -> serverID
	messages map[string]string
}

func NewMemoryGhostStore() *MemoryGhostStore {
	return &MemoryGhostStore{rides: make(map[string]string), messages: make(map[string]string)}
}

func (s *MemoryGhostStore) UpsertRide(ctx context.Context, localID string, payload []byte) (string, bool, error) {
	return s.upsert(s.rides, localID)
}

func (s *MemoryGhostStore) UpsertMessage(ctx context.Context, localID string, payload []byte) (string, bool, error) {
	return s.upsert(s.messages, localID)
}

func (s *MemoryGhostStore) upsert(table map[string]string, localID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := table[localID]; ok {
		return id, false, nil
	}
	id := uuid.NewString()
	table[localID] = id
	return id, true, nil
}

// PostgresGhostStore persists reconciled ghost entities. The unique
// constraint on local_id makes concurrent first submissions race safely:
// the insert that loses falls back to reading the winner's server id.
type PostgresGhostStore struct {
	db *sql.DB
}

func NewPostgresGhostStore(db *sql.DB) *PostgresGhostStore {
	return &PostgresGhostStore{db: db}
}

func (s *PostgresGhostStore) UpsertRide(ctx context.Context, localID string, payload []byte) (string, bool, error) {
	return s.upsert(ctx, "ghost_rides", localID, payload)
}

func (s *PostgresGhostStore) UpsertMessage(ctx context.Context, localID string, payload []byte) (string, bool, error) {
	return s.upsert(ctx, "ghost_messages", localID, payload)
}

func (s *PostgresGhostStore) upsert(ctx context.Context, table, localID string, payload []byte) (string, bool, error) {
	serverID := uuid.NewString()
	var id string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO `+table+` (id, local_id, payload, received_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (local_id) DO NOTHING
		RETURNING id`,
		serverID, localID, payload, time.Now()).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if err != sql.ErrNoRows {
		return "", false, err
	}
	// conflict: echo the first submission's id
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM `+table+` WHERE local_id = $1`, localID).Scan(&id); err != nil {
		return "", false, err
	}
	return id, false, nil
}
