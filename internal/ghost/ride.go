// Package ghost implements the offline ride lifecycle: rides created and
// progressed entirely over the mesh, pending later server reconciliation.
package ghost

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/HorseChain/travony-sub002/internal/models"
)

// Status is the ride lifecycle state, driven exclusively by mesh packets.
type Status string

const (
	StatusBroadcasting Status = "broadcasting"
	StatusAccepted     Status = "accepted"
	StatusInProgress   Status = "in_progress"
	StatusCompleted    Status = "completed"
	StatusExpired      Status = "expired"
	StatusCancelled    Status = "cancelled"
)

// SyncStatus tracks server reconciliation independently of Status: a ride
// is completed the moment the completion packet lands, and synced only once
// the server durably accepted it.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
	SyncFailed  SyncStatus = "failed"
)

// Ride is an offline-originated ride record. Identity is the client-minted
// LocalID; ServerID is assigned after sync and the server treats the first
// successful submission per LocalID as authoritative.
type Ride struct {
	LocalID      string         `json:"local_id"`
	ServerID     string         `json:"server_id,omitempty"`
	RiderPeerID  string         `json:"rider_peer_id"`
	DriverPeerID string         `json:"driver_peer_id,omitempty"`
	Pickup       models.Coord   `json:"pickup"`
	Dropoff      models.Coord   `json:"dropoff"`
	PickupAddr   string         `json:"pickup_addr,omitempty"`
	DropoffAddr  string         `json:"dropoff_addr,omitempty"`
	VehicleType  string         `json:"vehicle_type,omitempty"`
	ProposedFare float64        `json:"proposed_fare"`
	AgreedFare   float64        `json:"agreed_fare,omitempty"`
	FinalFare    float64        `json:"final_fare,omitempty"`
	Currency     string         `json:"currency"`
	DistanceKm   float64        `json:"distance_km,omitempty"`
	DurationSec  int64          `json:"duration_sec,omitempty"`
	Status       Status         `json:"status"`
	SyncStatus   SyncStatus     `json:"sync_status"`
	Trace        []models.Coord `json:"trace,omitempty"`
	Messages     []Message      `json:"messages,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Message is a chat line attached to a ride, with its own local identity
// and its own sync status.
type Message struct {
	LocalID     string     `json:"local_id"`
	RideLocalID string     `json:"ride_local_id"`
	SenderPeer  string     `json:"sender_peer_id"`
	SenderRole  string     `json:"sender_role"` // rider | driver
	Content     string     `json:"content"`
	SentAt      time.Time  `json:"sent_at"`
	SyncStatus  SyncStatus `json:"sync_status"`
}

// NewLocalID mints a collision-resistant client-side id, 16 hex chars to
// fit the mesh id field without truncation.
func NewLocalID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:16]
}

// Terminal reports whether no further lifecycle packets apply.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusExpired, StatusCancelled:
		return true
	}
	return false
}
