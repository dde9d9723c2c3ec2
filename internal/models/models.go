package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Driver is the online-side view of a driver used by the rematch search.
// Offline peers are identified by ephemeral mesh peer ids, not by this record.
type Driver struct {
	ID       string    `json:"id"`
	Loc      Coord     `json:"loc"`
	Rating   float64   `json:"rating"` // 0..5
	Online   bool      `json:"online"`
	Approved bool      `json:"approved"`
	Updated  time.Time `json:"updated"`
}

// Ride is the server-side ride row. Rematch bookkeeping lives here:
// every rematch spawns a fresh row linked back through RematchFromRideID,
// and GuaranteedFare is carried forward unchanged along the chain.
type Ride struct {
	ID                  string
	RiderID             string
	DriverID            string
	Pickup              Coord
	Dropoff             Coord
	Status              string // requested, accepted, ongoing, completed, cancelled
	GuaranteedFare      float64
	Currency            string
	RematchCount        int
	RematchFromRideID   string
	IsRematchInProgress bool
	CancellationReason  string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// RematchOffer is pushed to a replacement driver over the WS registry.
type RematchOffer struct {
	RideID     string  `json:"ride_id"`
	PickupLat  float64 `json:"pickup_lat"`
	PickupLon  float64 `json:"pickup_lon"`
	Fare       float64 `json:"fare"`
	Currency   string  `json:"currency"`
	ETASeconds float64 `json:"eta_seconds"`
	Attempt    int     `json:"attempt"`
}

const (
	RideStatusRequested = "requested"
	RideStatusAccepted  = "accepted"
	RideStatusOngoing   = "ongoing"
	RideStatusCompleted = "completed"
	RideStatusCancelled = "cancelled"
)
