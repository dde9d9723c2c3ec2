// Package rematch reacts to an online driver cancelling mid-trip: it
// searches for a replacement under a bounded-attempt policy and, when the
// chain is exhausted or empty, defers to the accountability-credit path.
package rematch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/HorseChain/travony-sub002/internal/dispatch"
	"github.com/HorseChain/travony-sub002/internal/eta"
	"github.com/HorseChain/travony-sub002/internal/geo"
	"github.com/HorseChain/travony-sub002/internal/models"
	"github.com/HorseChain/travony-sub002/internal/observability"
	"github.com/HorseChain/travony-sub002/internal/payments"
	"github.com/HorseChain/travony-sub002/internal/resilience"
	"github.com/HorseChain/travony-sub002/internal/storage"
)

// Protocol constants. The timeout budget is advisory: it is enforced by the
// caller wrapping the context, not by a timer inside the search.
const (
	MaxRematchAttempts   = 3
	SearchRadiusM        = 10000
	RematchTimeoutBudget = 120 * time.Second

	candidateLimit = 8
)

// Outcome classifies the result of a rematch attempt.
type Outcome string

const (
	OutcomeRematched = "rematched"
	OutcomeExhausted = "exhausted"
	OutcomeNoDrivers = "no_drivers"
	// OutcomeAborted means the CAS guard failed: a concurrent cancellation,
	// an in-flight rematch, or a rider cancel got there first.
	OutcomeAborted = "aborted"
)

// Result reports what the coordinator did.
type Result struct {
	Outcome   Outcome
	NewRideID string
	Reason    string
}

type Coordinator struct {
	Rides    storage.RideStore
	Geo      geo.Geo
	ETA      eta.Client // optional; falls back to the naive estimator
	ETACache *eta.Cache // optional cache in front of ETA
	Credits  payments.CreditIssuer
	Dispatch dispatch.Dispatcher
	Breakers *resilience.Registry
	Log      *slog.Logger

	MaxAttempts   int
	SearchRadiusM float64
	SpeedMps      float64
}

// InitiateRematch handles a driver cancellation minutesSinceAccept minutes
// into an accepted ride. The guaranteed fare never increases across the
// chain, and at most MaxAttempts rides are ever spawned from one original.
func (c *Coordinator) InitiateRematch(ctx context.Context, cancelledRideID, cancelledDriverID string, minutesSinceAccept float64) (Result, error) {
	log := c.logger().With("ride", cancelledRideID, "driver", cancelledDriverID)
	maxAttempts := c.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = MaxRematchAttempts
	}
	radius := c.SearchRadiusM
	if radius <= 0 {
		radius = SearchRadiusM
	}

	ride, err := c.Rides.GetRide(ctx, cancelledRideID)
	if err != nil {
		return Result{}, fmt.Errorf("rematch: load ride: %w", err)
	}

	if ride.RematchCount >= maxAttempts {
		log.Warn("rematch chain exhausted", "attempts", ride.RematchCount)
		observability.Rematches.WithLabelValues(OutcomeExhausted).Inc()
		c.issueCredit(ctx, ride, "rematch attempts exhausted")
		return Result{Outcome: OutcomeExhausted, Reason: "rematch attempts exhausted"}, nil
	}

	claimed, err := c.Rides.TryMarkRematch(ctx, cancelledRideID, maxAttempts)
	if err != nil {
		return Result{}, fmt.Errorf("rematch: claim ride: %w", err)
	}
	if !claimed {
		// Rider cancelled, or a concurrent rematch holds the ride. Nothing
		// to spawn and no credit owed from this path.
		log.Info("rematch aborted, ride not claimable")
		observability.Rematches.WithLabelValues(OutcomeAborted).Inc()
		return Result{Outcome: OutcomeAborted, Reason: "ride no longer claimable"}, nil
	}

	candidates := c.Geo.Nearby(ride.Pickup.Lat, ride.Pickup.Lon, radius, candidateLimit, cancelledDriverID)
	if len(candidates) == 0 {
		reason := fmt.Sprintf("no drivers within %.0fm after driver cancel (%.0f min after accept)", radius, minutesSinceAccept)
		if err := c.Rides.CancelRide(ctx, cancelledRideID, reason); err != nil {
			return Result{}, fmt.Errorf("rematch: cancel ride: %w", err)
		}
		log.Warn("no replacement drivers found")
		observability.Rematches.WithLabelValues(OutcomeNoDrivers).Inc()
		c.issueCredit(ctx, ride, reason)
		return Result{Outcome: OutcomeNoDrivers, Reason: reason}, nil
	}

	attempt := ride.RematchCount + 1
	newRide := &models.Ride{
		ID:                uuid.NewString(),
		RiderID:           ride.RiderID,
		Pickup:            ride.Pickup,
		Dropoff:           ride.Dropoff,
		Status:            models.RideStatusRequested,
		GuaranteedFare:    ride.GuaranteedFare, // carried forward unchanged
		Currency:          ride.Currency,
		RematchCount:      attempt,
		RematchFromRideID: ride.ID,
	}
	if err := c.Rides.CreateRide(ctx, newRide); err != nil {
		return Result{}, fmt.Errorf("rematch: create replacement ride: %w", err)
	}
	reason := fmt.Sprintf("driver cancelled, rematch attempt %d of %d", attempt, maxAttempts)
	if err := c.Rides.CancelRide(ctx, cancelledRideID, reason); err != nil {
		return Result{}, fmt.Errorf("rematch: cancel original: %w", err)
	}

	c.offerBest(newRide, candidates[0], attempt)

	log.Info("rematch spawned", "new_ride", newRide.ID, "attempt", attempt, "candidates", len(candidates))
	observability.Rematches.WithLabelValues(OutcomeRematched).Inc()
	return Result{Outcome: OutcomeRematched, NewRideID: newRide.ID}, nil
}

// offerBest pushes the new ride to the nearest candidate. The ride also
// re-enters the normal matching flow, so a lost push only costs latency.
func (c *Coordinator) offerBest(r *models.Ride, best models.Driver, attempt int) {
	if c.Dispatch == nil {
		return
	}
	etaSec := c.estimate(best.Loc, r.Pickup)
	err := c.Dispatch.Offer(best.ID, models.RematchOffer{
		RideID:     r.ID,
		PickupLat:  r.Pickup.Lat,
		PickupLon:  r.Pickup.Lon,
		Fare:       r.GuaranteedFare,
		Currency:   r.Currency,
		ETASeconds: etaSec,
		Attempt:    attempt,
	})
	if err != nil {
		c.logger().Info("rematch offer not delivered", "driver", best.ID, "err", err)
	}
}

func (c *Coordinator) estimate(from, to models.Coord) float64 {
	if c.ETACache != nil {
		if v, ok := c.ETACache.Get(from, to); ok {
			return v
		}
	}
	if c.ETA != nil {
		if v, err := c.ETA.EstimateSeconds(from, to); err == nil {
			if c.ETACache != nil {
				c.ETACache.Set(from, to, v)
			}
			return v
		}
	}
	return eta.EstimateSeconds(from, to, c.SpeedMps)
}

// issueCredit runs the accountability-credit side effect behind the payment
// breaker. Credit failure is logged and swallowed: the terminal outcome has
// already been decided and must stay reportable.
func (c *Coordinator) issueCredit(ctx context.Context, ride *models.Ride, reason string) {
	if c.Credits == nil {
		return
	}
	amount := int64(ride.GuaranteedFare * 100)
	fn := func(ctx context.Context) error {
		return c.Credits.IssueRematchCredit(ctx, ride.RiderID, amount, ride.Currency, reason)
	}
	var err error
	if c.Breakers != nil {
		err = resilience.WithResilience(ctx, c.Breakers.Get(resilience.BreakerCryptoPayments), fn, resilience.RetryOptions{MaxAttempts: 3})
	} else {
		err = fn(ctx)
	}
	if err != nil {
		c.logger().Error("accountability credit failed", "ride", ride.ID, "err", err)
		return
	}
	observability.CreditsIssued.Inc()
}

func (c *Coordinator) logger() *slog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return slog.Default()
}
