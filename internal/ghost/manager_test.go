package ghost

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/HorseChain/travony-sub002/internal/mesh"
	"github.com/HorseChain/travony-sub002/internal/models"
)

// fakeQueue records enqueued entities.
type fakeQueue struct {
	mu      sync.Mutex
	entries map[string][]byte // entityType/localID -> payload
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{entries: make(map[string][]byte)}
}

func (q *fakeQueue) Enqueue(entityType, localID string, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries[entityType+"/"+localID] = payload
	return nil
}

func (q *fakeQueue) has(entityType, localID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.entries[entityType+"/"+localID]
	return ok
}

type node struct {
	router *mesh.Router
	mgr    *Manager
	queue  *fakeQueue
}

func newNode(t *testing.T, hub *mesh.Hub, peerID string) *node {
	t.Helper()
	tr := hub.NewTransport(peerID)
	r := mesh.NewRouter(peerID, tr, nil)
	q := newFakeQueue()
	m := NewManager(r, q, nil)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start %s: %v", peerID, err)
	}
	return &node{router: r, mgr: m, queue: q}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func rideStatusIs(m *Manager, localID string, want Status) func() bool {
	return func() bool {
		r, ok := m.Ride(localID)
		return ok && r.Status == want
	}
}

func TestOfferReachesDriverAndAcceptanceFixesFare(t *testing.T) {
	hub := mesh.NewHub()
	rider := newNode(t, hub, "rider-peer")
	driver := newNode(t, hub, "driver-peer")
	hub.LinkBoth("rider-peer", "driver-peer")

	var offered Ride
	var mu sync.Mutex
	driver.mgr.OnOffer = func(r Ride) {
		mu.Lock()
		offered = r
		mu.Unlock()
	}

	ride, err := rider.mgr.RequestRide(
		models.Coord{Lat: 25.2, Lon: 55.27}, models.Coord{Lat: 25.19, Lon: 55.28},
		"A", "B", 25.00, "AED", "sedan")
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return offered.LocalID == ride.LocalID
	})

	if err := driver.mgr.Accept(ride.LocalID); err != nil {
		t.Fatalf("accept: %v", err)
	}

	waitFor(t, rideStatusIs(rider.mgr, ride.LocalID, StatusAccepted))

	got, _ := rider.mgr.Ride(ride.LocalID)
	if got.AgreedFare != 25.00 {
		t.Fatalf("agreed fare should be fixed at accept, got %v", got.AgreedFare)
	}
	if got.DriverPeerID != "driver-peer" {
		t.Fatalf("driver peer not recorded: %q", got.DriverPeerID)
	}
}

func TestDuplicateAcceptIsIdempotentlyDiscarded(t *testing.T) {
	hub := mesh.NewHub()
	rider := newNode(t, hub, "rider-peer")
	driverA := newNode(t, hub, "driver-a")
	driverB := newNode(t, hub, "driver-b")
	hub.LinkBoth("rider-peer", "driver-a")
	hub.LinkBoth("rider-peer", "driver-b")
	hub.LinkBoth("driver-a", "driver-b")

	ride, err := rider.mgr.RequestRide(
		models.Coord{}, models.Coord{}, "", "", 10, "AED", "")
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	waitFor(t, func() bool {
		_, okA := driverA.mgr.Ride(ride.LocalID)
		_, okB := driverB.mgr.Ride(ride.LocalID)
		return okA && okB
	})

	if err := driverA.mgr.Accept(ride.LocalID); err != nil {
		t.Fatalf("accept a: %v", err)
	}
	waitFor(t, rideStatusIs(rider.mgr, ride.LocalID, StatusAccepted))

	// the second acceptance is a late packet for an already-accepted ride
	if err := driverB.mgr.Accept(ride.LocalID); err != nil {
		t.Fatalf("accept b: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	got, _ := rider.mgr.Ride(ride.LocalID)
	if got.DriverPeerID != "driver-a" {
		t.Fatalf("first acceptance must win, got driver %q", got.DriverPeerID)
	}
}

func TestRequestExpiresWithoutAcceptance(t *testing.T) {
	hub := mesh.NewHub()
	rider := newNode(t, hub, "rider-peer")
	rider.mgr.SetRequestTimeout(30 * time.Millisecond)

	ride, err := rider.mgr.RequestRide(models.Coord{}, models.Coord{}, "", "", 10, "AED", "")
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	waitFor(t, rideStatusIs(rider.mgr, ride.LocalID, StatusExpired))
}

func TestCancelPreAcceptanceDestroysRecord(t *testing.T) {
	hub := mesh.NewHub()
	rider := newNode(t, hub, "rider-peer")
	driver := newNode(t, hub, "driver-peer")
	hub.LinkBoth("rider-peer", "driver-peer")

	ride, err := rider.mgr.RequestRide(models.Coord{}, models.Coord{}, "", "", 10, "AED", "")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	waitFor(t, func() bool {
		_, ok := driver.mgr.Ride(ride.LocalID)
		return ok
	})

	if err := rider.mgr.CancelRequest(ride.LocalID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, ok := rider.mgr.Ride(ride.LocalID); ok {
		t.Fatalf("rider record should be destroyed on cancel")
	}
	waitFor(t, func() bool {
		_, ok := driver.mgr.Ride(ride.LocalID)
		return !ok
	})
}

func TestCancelAfterAcceptanceRejected(t *testing.T) {
	hub := mesh.NewHub()
	rider := newNode(t, hub, "rider-peer")
	driver := newNode(t, hub, "driver-peer")
	hub.LinkBoth("rider-peer", "driver-peer")

	ride, _ := rider.mgr.RequestRide(models.Coord{}, models.Coord{}, "", "", 10, "AED", "")
	waitFor(t, func() bool {
		_, ok := driver.mgr.Ride(ride.LocalID)
		return ok
	})
	if err := driver.mgr.Accept(ride.LocalID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	waitFor(t, rideStatusIs(rider.mgr, ride.LocalID, StatusAccepted))

	if err := rider.mgr.CancelRequest(ride.LocalID); err != ErrBadLifecycle {
		t.Fatalf("cancel after acceptance should be rejected, got %v", err)
	}
}

func TestCompletionEnqueuesRideAndTranscriptOnBothSides(t *testing.T) {
	hub := mesh.NewHub()
	rider := newNode(t, hub, "rider-peer")
	driver := newNode(t, hub, "driver-peer")
	hub.LinkBoth("rider-peer", "driver-peer")

	ride, _ := rider.mgr.RequestRide(models.Coord{}, models.Coord{}, "", "", 25, "AED", "")
	waitFor(t, func() bool {
		_, ok := driver.mgr.Ride(ride.LocalID)
		return ok
	})
	if err := driver.mgr.Accept(ride.LocalID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	waitFor(t, rideStatusIs(rider.mgr, ride.LocalID, StatusAccepted))

	msg, err := rider.mgr.SendChat(ride.LocalID, "rider", "see you at the gate")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	waitFor(t, func() bool {
		r, ok := driver.mgr.Ride(ride.LocalID)
		return ok && len(r.Messages) == 1
	})

	if err := driver.mgr.StartRide(ride.LocalID); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, rideStatusIs(rider.mgr, ride.LocalID, StatusInProgress))

	if err := driver.mgr.CompleteRide(ride.LocalID, 25.00, 4.2, 780); err != nil {
		t.Fatalf("complete: %v", err)
	}
	waitFor(t, rideStatusIs(rider.mgr, ride.LocalID, StatusCompleted))

	if !driver.queue.has(EntityRide, ride.LocalID) {
		t.Fatalf("driver side should enqueue the ride")
	}
	waitFor(t, func() bool { return rider.queue.has(EntityRide, ride.LocalID) })
	if !rider.queue.has(EntityMessage, msg.LocalID) {
		t.Fatalf("rider side should enqueue the chat transcript")
	}

	got, _ := rider.mgr.Ride(ride.LocalID)
	if got.FinalFare != 25.00 || got.DistanceKm != 4.2 || got.DurationSec != 780 {
		t.Fatalf("completion details not recorded: %+v", got)
	}
}

func TestSyncOutcomesRecordedOnRideAndMessages(t *testing.T) {
	hub := mesh.NewHub()
	rider := newNode(t, hub, "rider-peer")
	driver := newNode(t, hub, "driver-peer")
	hub.LinkBoth("rider-peer", "driver-peer")

	ride, _ := rider.mgr.RequestRide(models.Coord{}, models.Coord{}, "", "", 25, "AED", "")
	waitFor(t, func() bool {
		_, ok := driver.mgr.Ride(ride.LocalID)
		return ok
	})
	if err := driver.mgr.Accept(ride.LocalID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	waitFor(t, rideStatusIs(rider.mgr, ride.LocalID, StatusAccepted))
	msg, err := rider.mgr.SendChat(ride.LocalID, "rider", "on my way out")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}

	rider.mgr.RecordSyncFailure(EntityRide, ride.LocalID, context.DeadlineExceeded)
	got, _ := rider.mgr.Ride(ride.LocalID)
	if got.SyncStatus != SyncFailed {
		t.Fatalf("sync status = %s, want failed", got.SyncStatus)
	}

	rider.mgr.RecordSynced(EntityRide, ride.LocalID, "srv-ride-1")
	got, _ = rider.mgr.Ride(ride.LocalID)
	if got.SyncStatus != SyncSynced || got.ServerID != "srv-ride-1" {
		t.Fatalf("ride after ack: status=%s server=%q", got.SyncStatus, got.ServerID)
	}

	rider.mgr.RecordSynced(EntityMessage, msg.LocalID, "srv-msg-1")
	got, _ = rider.mgr.Ride(ride.LocalID)
	if len(got.Messages) != 1 || got.Messages[0].SyncStatus != SyncSynced {
		t.Fatalf("message sync status not recorded: %+v", got.Messages)
	}

	// unknown entities are ignored
	rider.mgr.RecordSynced(EntityRide, "no-such-ride", "srv-x")
	rider.mgr.RecordSynced("unknown_type", ride.LocalID, "srv-x")
}
