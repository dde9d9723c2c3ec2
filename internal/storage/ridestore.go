package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/HorseChain/travony-sub002/internal/models"
)

var ErrNotFound = errors.New("storage: not found")

// RideStore defines persistence operations for online rides. TryMarkRematch
// is the concurrency guard: two cancellations of the same ride must not
// both spawn a rematch, so claiming the ride is a check-and-set on
// is_rematch_in_progress plus the status and attempt-count preconditions.
type RideStore interface {
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	CreateRide(ctx context.Context, r *models.Ride) error
	TryMarkRematch(ctx context.Context, id string, maxAttempts int) (bool, error)
	CancelRide(ctx context.Context, id, reason string) error
}

type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]*models.Ride
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]*models.Ride)}
}

func (m *MemoryStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) CreateRide(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	m.rides[r.ID] = &cp
	return nil
}

func (m *MemoryStore) TryMarkRematch(ctx context.Context, id string, maxAttempts int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return false, ErrNotFound
	}
	cancellable := r.Status == models.RideStatusAccepted || r.Status == models.RideStatusOngoing
	if !cancellable || r.IsRematchInProgress || r.RematchCount >= maxAttempts {
		return false, nil
	}
	r.IsRematchInProgress = true
	r.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) CancelRide(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = models.RideStatusCancelled
	r.CancellationReason = reason
	r.IsRematchInProgress = false
	r.UpdatedAt = time.Now()
	return nil
}
