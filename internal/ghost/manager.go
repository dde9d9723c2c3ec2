package ghost

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/HorseChain/travony-sub002/internal/mesh"
	"github.com/HorseChain/travony-sub002/internal/models"
)

// Entity type names used in the offline sync queue.
const (
	EntityRide    = "ghost_ride"
	EntityMessage = "ghost_message"
)

// Enqueuer is the offline sync queue boundary. Enqueue must be idempotent
// for already-synced entities.
type Enqueuer interface {
	Enqueue(entityType, localID string, payload []byte) error
}

var (
	ErrUnknownRide  = errors.New("ghost: unknown ride")
	ErrBadLifecycle = errors.New("ghost: operation not valid in current status")
)

// Manager owns the device's ghost rides. It is the router's delivery
// handler: lifecycle transitions happen only through sent or received mesh
// packets, and unexpected packets for a ride's current state are dropped.
type Manager struct {
	router *mesh.Router
	queue  Enqueuer
	log    *slog.Logger

	requestTimeout time.Duration
	now            func() time.Time

	mu     sync.Mutex
	rides  map[string]*Ride
	timers map[string]*time.Timer

	// OnUpdate, when set, is invoked after every ride mutation (UI hook).
	OnUpdate func(r Ride)
	// OnOffer, when set, is invoked on the driver side when a ride request
	// arrives over the mesh.
	OnOffer func(r Ride)
}

func NewManager(router *mesh.Router, queue Enqueuer, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		router:         router,
		queue:          queue,
		log:            log,
		requestTimeout: mesh.MessageTimeout,
		rides:          make(map[string]*Ride),
		timers:         make(map[string]*time.Timer),
		now:            time.Now,
	}
	router.SetDeliveryHandler(m.HandlePacket)
	return m
}

// SetRequestTimeout overrides how long a broadcast request waits for an
// acceptance before expiring.
func (m *Manager) SetRequestTimeout(d time.Duration) { m.requestTimeout = d }

// Ride returns a snapshot of the ride, if known.
func (m *Manager) Ride(localID string) (Ride, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[localID]
	if !ok {
		return Ride{}, false
	}
	return *r, true
}

// RequestRide is the rider entry point: mint a ride, flood the request, and
// arm the expiry timer.
func (m *Manager) RequestRide(pickup, dropoff models.Coord, pickupAddr, dropoffAddr string, fare float64, currency, vehicleType string) (Ride, error) {
	r := &Ride{
		LocalID:      NewLocalID(),
		RiderPeerID:  m.router.PeerID(),
		Pickup:       pickup,
		Dropoff:      dropoff,
		PickupAddr:   pickupAddr,
		DropoffAddr:  dropoffAddr,
		VehicleType:  vehicleType,
		ProposedFare: fare,
		Currency:     currency,
		Status:       StatusBroadcasting,
		SyncStatus:   SyncPending,
		CreatedAt:    m.now(),
		UpdatedAt:    m.now(),
	}
	_, err := m.router.Send(mesh.PacketRideRequest, "", mesh.RideRequestPayload{
		RideLocalID: r.LocalID,
		PickupLat:   pickup.Lat,
		PickupLon:   pickup.Lon,
		DropoffLat:  dropoff.Lat,
		DropoffLon:  dropoff.Lon,
		PickupAddr:  pickupAddr,
		DropoffAddr: dropoffAddr,
		Fare:        fare,
		Currency:    currency,
		VehicleType: vehicleType,
	})
	if err != nil {
		return Ride{}, fmt.Errorf("ghost: broadcast request: %w", err)
	}

	m.mu.Lock()
	m.rides[r.LocalID] = r
	m.timers[r.LocalID] = time.AfterFunc(m.requestTimeout, func() { m.expire(r.LocalID) })
	snap := *r
	m.mu.Unlock()

	m.notify(snap)
	return snap, nil
}

// CancelRequest is the rider backing out before anyone accepted. The record
// is destroyed locally; a cancel packet tells nearby drivers to drop the
// offer.
func (m *Manager) CancelRequest(localID string) error {
	m.mu.Lock()
	r, ok := m.rides[localID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownRide
	}
	if _, allowed := Next(r.Status, EventCancel); !allowed {
		m.mu.Unlock()
		return ErrBadLifecycle
	}
	m.stopTimer(localID)
	delete(m.rides, localID)
	m.mu.Unlock()

	_, err := m.router.Send(mesh.PacketRideCancel, "", mesh.RideCancelPayload{RideLocalID: localID, Reason: "rider_cancelled"})
	return err
}

// Accept is the driver taking an offered ride. The acceptance is addressed
// to the rider and fixes the fare: AgreedFare never changes afterward.
func (m *Manager) Accept(localID string) error {
	m.mu.Lock()
	r, ok := m.rides[localID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownRide
	}
	next, allowed := Next(r.Status, EventAccept)
	if !allowed {
		m.mu.Unlock()
		return ErrBadLifecycle
	}
	r.Status = next
	r.DriverPeerID = m.router.PeerID()
	r.AgreedFare = r.ProposedFare
	r.UpdatedAt = m.now()
	rider := r.RiderPeerID
	snap := *r
	m.mu.Unlock()

	if _, err := m.router.Send(mesh.PacketRideAccept, rider, mesh.RideAcceptPayload{
		RideLocalID: localID,
		Fare:        snap.AgreedFare,
		Currency:    snap.Currency,
	}); err != nil {
		return fmt.Errorf("ghost: send accept: %w", err)
	}
	m.notify(snap)
	return nil
}

// StartRide signals pickup. Either side may emit it; in practice the driver
// does.
func (m *Manager) StartRide(localID string) error {
	peer, err := m.transitionAndSnapshot(localID, EventStart, nil)
	if err != nil {
		return err
	}
	_, err = m.router.Send(mesh.PacketRideStart, peer, mesh.RideStartPayload{RideLocalID: localID})
	return err
}

// CompleteRide ends the trip, tells the counterparty, and enqueues the ride
// plus its chat transcript for reconciliation.
func (m *Manager) CompleteRide(localID string, finalFare, distanceKm float64, durationSec int64) error {
	peer, err := m.transitionAndSnapshot(localID, EventComplete, func(r *Ride) {
		r.FinalFare = finalFare
		r.DistanceKm = distanceKm
		r.DurationSec = durationSec
	})
	if err != nil {
		return err
	}
	m.mu.Lock()
	snap := *m.rides[localID]
	m.mu.Unlock()

	if _, err := m.router.Send(mesh.PacketRideComplete, peer, mesh.RideCompletePayload{
		RideLocalID: localID,
		FinalFare:   finalFare,
		Currency:    snap.Currency,
		DistanceKm:  distanceKm,
		DurationSec: durationSec,
	}); err != nil {
		return fmt.Errorf("ghost: send complete: %w", err)
	}
	m.enqueueForSync(snap)
	return nil
}

// SendChat attaches a chat line to a non-terminal ride and ships it to the
// counterparty.
func (m *Manager) SendChat(localID, role, content string) (Message, error) {
	m.mu.Lock()
	r, ok := m.rides[localID]
	if !ok {
		m.mu.Unlock()
		return Message{}, ErrUnknownRide
	}
	if r.Status.Terminal() {
		m.mu.Unlock()
		return Message{}, ErrBadLifecycle
	}
	msg := Message{
		LocalID:     NewLocalID(),
		RideLocalID: localID,
		SenderPeer:  m.router.PeerID(),
		SenderRole:  role,
		Content:     content,
		SentAt:      m.now(),
		SyncStatus:  SyncPending,
	}
	r.Messages = append(r.Messages, msg)
	peer := m.counterparty(r)
	m.mu.Unlock()

	_, err := m.router.Send(mesh.PacketChat, peer, mesh.ChatPayload{
		RideLocalID:  localID,
		MsgLocalID:   msg.LocalID,
		SenderRole:   role,
		Content:      content,
		SentAtMillis: msg.SentAt.UnixMilli(),
	})
	return msg, err
}

// ShareLocation appends a trace point locally and beacons it with a short
// hop budget.
func (m *Manager) ShareLocation(localID string, loc models.Coord) error {
	m.mu.Lock()
	r, ok := m.rides[localID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownRide
	}
	if r.Status.Terminal() {
		m.mu.Unlock()
		return ErrBadLifecycle
	}
	r.Trace = append(r.Trace, loc)
	peer := m.counterparty(r)
	m.mu.Unlock()

	_, err := m.router.Send(mesh.PacketLocation, peer, mesh.LocationPayload{RideLocalID: localID, Lat: loc.Lat, Lon: loc.Lon})
	return err
}

// HandlePacket is the router's delivery handler.
func (m *Manager) HandlePacket(p *mesh.Packet) {
	env := mesh.OpenEnvelope(p.Payload)
	switch p.Type {
	case mesh.PacketRideRequest:
		m.handleRequest(p, env.Data)
	case mesh.PacketRideAccept:
		m.handleAccept(p, env.Data)
	case mesh.PacketRideStart:
		m.handleLifecycle(p, env.Data, EventStart, nil)
	case mesh.PacketRideComplete:
		m.handleComplete(p, env.Data)
	case mesh.PacketRideCancel:
		m.handleCancel(env.Data)
	case mesh.PacketChat:
		m.handleChat(p, env.Data)
	case mesh.PacketLocation:
		m.handleLocation(env.Data)
	default:
		// availability beacons, pings etc. are not ride lifecycle traffic
	}
}

func (m *Manager) handleRequest(p *mesh.Packet, data json.RawMessage) {
	var req mesh.RideRequestPayload
	if err := json.Unmarshal(data, &req); err != nil || req.RideLocalID == "" {
		return
	}
	m.mu.Lock()
	if _, exists := m.rides[req.RideLocalID]; exists {
		m.mu.Unlock()
		return
	}
	r := &Ride{
		LocalID:      req.RideLocalID,
		RiderPeerID:  p.SenderPeerID,
		Pickup:       models.Coord{Lat: req.PickupLat, Lon: req.PickupLon},
		Dropoff:      models.Coord{Lat: req.DropoffLat, Lon: req.DropoffLon},
		PickupAddr:   req.PickupAddr,
		DropoffAddr:  req.DropoffAddr,
		VehicleType:  req.VehicleType,
		ProposedFare: req.Fare,
		Currency:     req.Currency,
		Status:       StatusBroadcasting,
		SyncStatus:   SyncPending,
		CreatedAt:    m.now(),
		UpdatedAt:    m.now(),
	}
	m.rides[r.LocalID] = r
	snap := *r
	m.mu.Unlock()

	if m.OnOffer != nil {
		m.OnOffer(snap)
	}
}

func (m *Manager) handleAccept(p *mesh.Packet, data json.RawMessage) {
	var acc mesh.RideAcceptPayload
	if err := json.Unmarshal(data, &acc); err != nil {
		return
	}
	m.handleLifecycle(p, data, EventAccept, func(r *Ride) {
		r.DriverPeerID = p.SenderPeerID
		r.AgreedFare = acc.Fare
		if acc.Currency != "" {
			r.Currency = acc.Currency
		}
	})
}

func (m *Manager) handleComplete(p *mesh.Packet, data json.RawMessage) {
	var done mesh.RideCompletePayload
	if err := json.Unmarshal(data, &done); err != nil {
		return
	}
	m.handleLifecycle(p, data, EventComplete, func(r *Ride) {
		r.FinalFare = done.FinalFare
		r.DistanceKm = done.DistanceKm
		r.DurationSec = done.DurationSec
	})

	// The receiving side enqueues independently; the sync protocol must
	// tolerate the ride arriving from one side or both.
	m.mu.Lock()
	r, ok := m.rides[done.RideLocalID]
	var snap Ride
	if ok && r.Status == StatusCompleted {
		snap = *r
	}
	m.mu.Unlock()
	if ok && snap.Status == StatusCompleted {
		m.enqueueForSync(snap)
	}
}

// handleLifecycle applies a single FSM event sourced from a packet. A
// payload without a ride id, a ride we never heard of, or an event that
// does not apply in the current state are all silently dropped.
func (m *Manager) handleLifecycle(p *mesh.Packet, data json.RawMessage, ev Event, mutate func(*Ride)) {
	var ref struct {
		RideLocalID string `json:"ride_id"`
	}
	if err := json.Unmarshal(data, &ref); err != nil || ref.RideLocalID == "" {
		return
	}
	m.mu.Lock()
	r, ok := m.rides[ref.RideLocalID]
	if !ok {
		m.mu.Unlock()
		return
	}
	next, allowed := Next(r.Status, ev)
	if !allowed {
		m.mu.Unlock()
		m.log.Debug("ignoring packet for current status", "ride", ref.RideLocalID, "event", ev, "status", r.Status)
		return
	}
	r.Status = next
	r.UpdatedAt = m.now()
	if mutate != nil {
		mutate(r)
	}
	m.stopTimer(r.LocalID)
	snap := *r
	m.mu.Unlock()

	m.notify(snap)
}

func (m *Manager) handleCancel(data json.RawMessage) {
	var c mesh.RideCancelPayload
	if err := json.Unmarshal(data, &c); err != nil || c.RideLocalID == "" {
		return
	}
	m.mu.Lock()
	r, ok := m.rides[c.RideLocalID]
	if ok {
		if _, allowed := Next(r.Status, EventCancel); allowed {
			m.stopTimer(c.RideLocalID)
			delete(m.rides, c.RideLocalID)
		} else {
			ok = false
		}
	}
	m.mu.Unlock()
	if ok {
		m.log.Info("ride request cancelled by rider", "ride", c.RideLocalID)
	}
}

func (m *Manager) handleChat(p *mesh.Packet, data json.RawMessage) {
	var c mesh.ChatPayload
	if err := json.Unmarshal(data, &c); err != nil || c.RideLocalID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[c.RideLocalID]
	if !ok || r.Status.Terminal() {
		return
	}
	for _, existing := range r.Messages {
		if existing.LocalID == c.MsgLocalID {
			return // duplicate delivery
		}
	}
	r.Messages = append(r.Messages, Message{
		LocalID:     c.MsgLocalID,
		RideLocalID: c.RideLocalID,
		SenderPeer:  p.SenderPeerID,
		SenderRole:  c.SenderRole,
		Content:     c.Content,
		SentAt:      time.UnixMilli(c.SentAtMillis),
		SyncStatus:  SyncPending,
	})
}

func (m *Manager) handleLocation(data json.RawMessage) {
	var loc mesh.LocationPayload
	if err := json.Unmarshal(data, &loc); err != nil || loc.RideLocalID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[loc.RideLocalID]
	if !ok || r.Status.Terminal() {
		return
	}
	r.Trace = append(r.Trace, models.Coord{Lat: loc.Lat, Lon: loc.Lon})
}

func (m *Manager) expire(localID string) {
	m.mu.Lock()
	r, ok := m.rides[localID]
	if !ok {
		m.mu.Unlock()
		return
	}
	next, allowed := Next(r.Status, EventExpire)
	if !allowed {
		m.mu.Unlock()
		return
	}
	r.Status = next
	r.UpdatedAt = m.now()
	snap := *r
	m.mu.Unlock()

	m.log.Info("ride request expired", "ride", localID)
	m.notify(snap)
}

func (m *Manager) enqueueForSync(r Ride) {
	payload, err := json.Marshal(r)
	if err != nil {
		m.log.Error("marshal ride for sync", "ride", r.LocalID, "err", err)
		return
	}
	if err := m.queue.Enqueue(EntityRide, r.LocalID, payload); err != nil {
		m.log.Error("enqueue ride", "ride", r.LocalID, "err", err)
	}
	for _, msg := range r.Messages {
		b, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		if err := m.queue.Enqueue(EntityMessage, msg.LocalID, b); err != nil {
			m.log.Error("enqueue message", "message", msg.LocalID, "err", err)
		}
	}
}

// RecordSynced marks a ride or message as durably accepted by the server.
// entityType is EntityRide or EntityMessage; localID is the entity's own
// local id. Intended as the sync queue's OnSynced hook.
func (m *Manager) RecordSynced(entityType, localID, serverID string) {
	m.recordSyncOutcome(entityType, localID, serverID, SyncSynced)
}

// RecordSyncFailure marks a ride or message as having failed its latest
// submission. The queue keeps retrying on later drains, so a failed entity
// can still reach SyncSynced. Intended as the sync queue's OnFailed hook.
func (m *Manager) RecordSyncFailure(entityType, localID string, err error) {
	m.recordSyncOutcome(entityType, localID, "", SyncFailed)
}

func (m *Manager) recordSyncOutcome(entityType, localID, serverID string, status SyncStatus) {
	m.mu.Lock()
	var snap Ride
	var found bool
	switch entityType {
	case EntityRide:
		if r, ok := m.rides[localID]; ok {
			r.SyncStatus = status
			if serverID != "" {
				r.ServerID = serverID
			}
			r.UpdatedAt = m.now()
			snap, found = *r, true
		}
	case EntityMessage:
		for _, r := range m.rides {
			for i := range r.Messages {
				if r.Messages[i].LocalID == localID {
					r.Messages[i].SyncStatus = status
					r.UpdatedAt = m.now()
					snap, found = *r, true
					break
				}
			}
			if found {
				break
			}
		}
	}
	m.mu.Unlock()
	if found {
		m.notify(snap)
	}
}

// transitionAndSnapshot applies ev to a locally initiated lifecycle change
// and returns the counterparty peer id.
func (m *Manager) transitionAndSnapshot(localID string, ev Event, mutate func(*Ride)) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[localID]
	if !ok {
		return "", ErrUnknownRide
	}
	next, allowed := Next(r.Status, ev)
	if !allowed {
		return "", ErrBadLifecycle
	}
	r.Status = next
	r.UpdatedAt = m.now()
	if mutate != nil {
		mutate(r)
	}
	m.stopTimer(localID)
	return m.counterparty(r), nil
}

// counterparty returns the other participant's peer id. Caller holds mu.
func (m *Manager) counterparty(r *Ride) string {
	if m.router.PeerID() == r.RiderPeerID {
		return r.DriverPeerID
	}
	return r.RiderPeerID
}

// stopTimer cancels the expiry timer, if armed. Caller holds mu.
func (m *Manager) stopTimer(localID string) {
	if t, ok := m.timers[localID]; ok {
		t.Stop()
		delete(m.timers, localID)
	}
}

func (m *Manager) notify(r Ride) {
	if m.OnUpdate != nil {
		m.OnUpdate(r)
	}
}
