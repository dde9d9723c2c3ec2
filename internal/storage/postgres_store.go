package storage

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"

	"github.com/HorseChain/travony-sub002/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// DB exposes the underlying handle so the ghost store can share one pool.
func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	var r models.Ride
	err := p.db.QueryRowContext(ctx, `
		SELECT id, rider_id, driver_id, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
		       status, guaranteed_fare, currency, rematch_count, rematch_from_ride_id,
		       is_rematch_in_progress, cancellation_reason, created_at, updated_at
		FROM rides WHERE id = $1`, id).
		Scan(&r.ID, &r.RiderID, &r.DriverID, &r.Pickup.Lat, &r.Pickup.Lon, &r.Dropoff.Lat, &r.Dropoff.Lon,
			&r.Status, &r.GuaranteedFare, &r.Currency, &r.RematchCount, &r.RematchFromRideID,
			&r.IsRematchInProgress, &r.CancellationReason, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	now := time.Now()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rides (id, rider_id, driver_id, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
		                   status, guaranteed_fare, currency, rematch_count, rematch_from_ride_id,
		                   is_rematch_in_progress, cancellation_reason, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		r.ID, r.RiderID, r.DriverID, r.Pickup.Lat, r.Pickup.Lon, r.Dropoff.Lat, r.Dropoff.Lon,
		r.Status, r.GuaranteedFare, r.Currency, r.RematchCount, r.RematchFromRideID,
		r.IsRematchInProgress, r.CancellationReason, now, now)
	return err
}

// TryMarkRematch claims the ride for a rematch with a single conditional
// UPDATE; RowsAffected == 0 means someone else got there first, the ride is
// no longer cancellable, or the chain is exhausted.
func (p *PostgresStore) TryMarkRematch(ctx context.Context, id string, maxAttempts int) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE rides
		SET is_rematch_in_progress = true, updated_at = $1
		WHERE id = $2
		  AND status IN ($3, $4)
		  AND is_rematch_in_progress = false
		  AND rematch_count < $5`,
		time.Now(), id, models.RideStatusAccepted, models.RideStatusOngoing, maxAttempts)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *PostgresStore) CancelRide(ctx context.Context, id, reason string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE rides
		SET status = $1, cancellation_reason = $2, is_rematch_in_progress = false, updated_at = $3
		WHERE id = $4`,
		models.RideStatusCancelled, reason, time.Now(), id)
	return err
}
