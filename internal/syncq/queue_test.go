package syncq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/HorseChain/travony-sub002/internal/resilience"
)

type fakeClient struct {
	acks  map[string]Ack
	fail  map[string]error
	calls []string
}

func (f *fakeClient) Submit(ctx context.Context, entityType, localID string, payload []byte) (Ack, error) {
	key := entityType + "/" + localID
	f.calls = append(f.calls, key)
	if err, ok := f.fail[key]; ok {
		return Ack{}, err
	}
	if ack, ok := f.acks[key]; ok {
		return ack, nil
	}
	return Ack{ServerID: "srv-" + localID}, nil
}

func newTestQueue(t *testing.T, client Client) *Queue {
	t.Helper()
	q, err := Open(":memory:", client, nil, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	// no sleeping between attempts in tests
	q.SetRetryOptions(resilience.RetryOptions{MaxAttempts: 2, InitialDelay: time.Nanosecond, MaxDelay: time.Nanosecond, BackoffFactor: 1})
	return q
}

func TestEnqueueReplacesPayloadWhilePending(t *testing.T) {
	q := newTestQueue(t, &fakeClient{})

	if err := q.Enqueue("ghost_ride", "ride-1", []byte(`{"v":1}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue("ghost_ride", "ride-1", []byte(`{"v":2}`)); err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}

	e, ok, err := q.Entry("ghost_ride", "ride-1")
	if err != nil || !ok {
		t.Fatalf("entry: %v %v", ok, err)
	}
	if string(e.Payload) != `{"v":2}` {
		t.Fatalf("payload not replaced: %s", e.Payload)
	}
	if e.SyncStatus != StatusPending {
		t.Fatalf("status = %q, want pending", e.SyncStatus)
	}
}

func TestEnqueueAfterSyncedIsNoOp(t *testing.T) {
	q := newTestQueue(t, &fakeClient{})

	if err := q.Enqueue("ghost_ride", "ride-1", []byte(`{"v":1}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if err := q.Enqueue("ghost_ride", "ride-1", []byte(`{"v":2}`)); err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}

	e, _, _ := q.Entry("ghost_ride", "ride-1")
	if e.SyncStatus != StatusSynced {
		t.Fatalf("synced entry must stay synced, got %q", e.SyncStatus)
	}
	if string(e.Payload) != `{"v":1}` {
		t.Fatalf("synced payload must not change, got %s", e.Payload)
	}
	if e.ServerID != "srv-ride-1" {
		t.Fatalf("server id = %q", e.ServerID)
	}
}

func TestDrainRecordsServerID(t *testing.T) {
	client := &fakeClient{acks: map[string]Ack{
		"ghost_ride/ride-1": {ServerID: "uuid-abc", AlreadySynced: true},
	}}
	q := newTestQueue(t, client)

	if err := q.Enqueue("ghost_ride", "ride-1", []byte(`{}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	stats, err := q.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if stats.Attempted != 1 || stats.Synced != 1 || stats.Failed != 0 {
		t.Fatalf("stats = %+v", stats)
	}

	e, _, _ := q.Entry("ghost_ride", "ride-1")
	if e.SyncStatus != StatusSynced || e.ServerID != "uuid-abc" {
		t.Fatalf("already-synced ack must still record the server id: %+v", e)
	}
}

func TestDrainFailureStaysPendingWithBookkeeping(t *testing.T) {
	client := &fakeClient{fail: map[string]error{
		"ghost_ride/ride-bad": errors.New("server unreachable"),
	}}
	q := newTestQueue(t, client)

	if err := q.Enqueue("ghost_ride", "ride-bad", []byte(`{}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue("ghost_message", "msg-1", []byte(`{}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	stats, err := q.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if stats.Attempted != 2 || stats.Synced != 1 || stats.Failed != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	e, _, _ := q.Entry("ghost_ride", "ride-bad")
	if e.SyncStatus != StatusPending {
		t.Fatalf("failed entry must return to pending, got %q", e.SyncStatus)
	}
	if e.RetryCount != 1 {
		t.Fatalf("retry_count = %d, want 1", e.RetryCount)
	}
	if e.LastError == "" {
		t.Fatalf("last_error must record the failure")
	}

	// the next drain picks it up again
	delete(client.fail, "ghost_ride/ride-bad")
	stats, err = q.Drain(context.Background())
	if err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if stats.Attempted != 1 || stats.Synced != 1 {
		t.Fatalf("second drain stats = %+v", stats)
	}
	e, _, _ = q.Entry("ghost_ride", "ride-bad")
	if e.SyncStatus != StatusSynced || e.LastError != "" {
		t.Fatalf("recovered entry = %+v", e)
	}
}

func TestDrainRetriesThroughResilienceLayer(t *testing.T) {
	client := &fakeClient{fail: map[string]error{
		"ghost_ride/ride-1": errors.New("flaky"),
	}}
	q := newTestQueue(t, client)

	if err := q.Enqueue("ghost_ride", "ride-1", []byte(`{}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	// MaxAttempts is 2 in the test policy
	if len(client.calls) != 2 {
		t.Fatalf("submit called %d times, want 2", len(client.calls))
	}
}

func TestDrainEmptyQueue(t *testing.T) {
	q := newTestQueue(t, &fakeClient{})
	stats, err := q.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if stats.Attempted != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestDrainInvokesOutcomeHooks(t *testing.T) {
	client := &fakeClient{fail: map[string]error{"ghost_ride/ride-bad": errors.New("server 500")}}
	q := newTestQueue(t, client)

	var synced, failed []string
	q.OnSynced = func(entityType, localID, serverID string) {
		synced = append(synced, entityType+"/"+localID+"/"+serverID)
	}
	q.OnFailed = func(entityType, localID string, err error) {
		failed = append(failed, entityType+"/"+localID)
	}

	if err := q.Enqueue("ghost_ride", "ride-ok", []byte(`{}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue("ghost_ride", "ride-bad", []byte(`{}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if _, err := q.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(synced) != 1 || synced[0] != "ghost_ride/ride-ok/srv-ride-ok" {
		t.Fatalf("synced hook calls = %v", synced)
	}
	if len(failed) != 1 || failed[0] != "ghost_ride/ride-bad" {
		t.Fatalf("failed hook calls = %v", failed)
	}

	// the synced entry must not fire again on the next drain
	delete(client.fail, "ghost_ride/ride-bad")
	if _, err := q.Drain(context.Background()); err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if len(synced) != 2 || synced[1] != "ghost_ride/ride-bad/srv-ride-bad" {
		t.Fatalf("synced hook calls after recovery = %v", synced)
	}
}
