package mesh

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/HorseChain/travony-sub002/internal/observability"
)

// DeliveryHandler receives packets addressed to (or broadcast past) the
// local peer after dedup and routing.
type DeliveryHandler func(p *Packet)

type dedupKey struct {
	t  PacketType
	id string
}

// Router floods packets across the mesh while bounding redundant
// transmissions: a packet is dropped when it was already seen inside the
// dedup window, and rebroadcast only while it has hop budget left.
//
// The receive path (decode, dedup check+insert, routing decision) runs as
// one atomic unit under mu; two near-simultaneous deliveries of the same
// packet cannot both pass the dedup check. Rebroadcasts run on their own
// goroutine so the transport's receive callback is never blocked by a send.
type Router struct {
	peerID    string
	transport Transport
	log       *slog.Logger

	mu        sync.Mutex
	seen      map[dedupKey]time.Time
	lastSweep time.Time
	deliver   DeliveryHandler
	peers     map[string]struct{}

	window time.Duration
	now    func() time.Time
}

func NewRouter(peerID string, transport Transport, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		peerID:    peerID,
		transport: transport,
		log:       log,
		seen:      make(map[dedupKey]time.Time),
		peers:     make(map[string]struct{}),
		window:    DedupWindow,
		now:       time.Now,
	}
}

// SetDeliveryHandler registers the application layer. Must be called
// before Start.
func (r *Router) SetDeliveryHandler(h DeliveryHandler) {
	r.mu.Lock()
	r.deliver = h
	r.mu.Unlock()
}

func (r *Router) Start(ctx context.Context) error {
	r.transport.SetCallbacks(Callbacks{
		OnPacket:         r.HandleRaw,
		OnPeerDiscovered: r.peerDiscovered,
		OnPeerLost:       r.peerLost,
	})
	return r.transport.Start(ctx)
}

func (r *Router) Stop() error {
	return r.transport.Stop()
}

func (r *Router) PeerID() string { return r.peerID }

// Send constructs and transmits a packet. An empty "to" floods to every
// reachable peer; a non-empty "to" is delivered only by the target, with
// intermediate peers relaying it. Directly visible targets are sent to
// point-to-point first, saving a broadcast slot.
func (r *Router) Send(t PacketType, to string, data any) (*Packet, error) {
	payload, err := WrapPayload(to, data)
	if err != nil {
		return nil, fmt.Errorf("mesh: wrap payload: %w", err)
	}
	p := &Packet{
		Type:         t,
		TTL:          InitialTTL(t),
		ID:           NewPacketID(),
		SenderPeerID: r.peerID,
		TargetPeerID: to,
		Timestamp:    r.now(),
		Payload:      payload,
	}
	raw, err := Encode(p)
	if err != nil {
		return nil, err
	}

	// Remember our own packet so the mesh echoing it back is not delivered
	// to us as fresh.
	r.mu.Lock()
	r.remember(dedupKey{p.Type, p.ID})
	_, visible := r.peers[to]
	r.mu.Unlock()

	if to != "" && visible {
		if err := r.transport.SendTo(to, raw); err == nil {
			return p, nil
		}
		// fall through to flood on direct-send failure
	}
	if err := r.transport.Broadcast(raw); err != nil {
		return nil, fmt.Errorf("mesh: broadcast: %w", err)
	}
	return p, nil
}

// HandleRaw is the transport's packet callback.
func (r *Router) HandleRaw(raw []byte) {
	p, err := Decode(raw)
	if err != nil {
		// A garbled buffer is normal on this medium: drop and continue.
		observability.PacketsMalformed.Inc()
		r.log.Debug("dropping malformed packet", "len", len(raw))
		return
	}
	p.TargetPeerID = OpenEnvelope(p.Payload).To

	observability.PacketsReceived.WithLabelValues(p.Type.String()).Inc()

	r.mu.Lock()
	key := dedupKey{p.Type, p.ID}
	if _, dup := r.seen[key]; dup {
		r.mu.Unlock()
		observability.PacketsDeduped.Inc()
		return
	}
	r.remember(key)
	deliverLocal, forward := r.route(p)
	handler := r.deliver
	r.mu.Unlock()

	if forward {
		fwd := make([]byte, len(raw))
		copy(fwd, raw)
		fwd[1] = p.TTL - 1 // ttl lives at a fixed header offset
		go func() {
			if err := r.transport.Broadcast(fwd); err != nil {
				r.log.Debug("rebroadcast failed", "type", p.Type.String(), "err", err)
				return
			}
			observability.PacketsForwarded.WithLabelValues(p.Type.String()).Inc()
		}()
	}
	if deliverLocal && handler != nil {
		handler(p)
	}
}

// route decides local delivery and forwarding. Caller holds mu.
func (r *Router) route(p *Packet) (deliverLocal, forward bool) {
	switch {
	case p.TargetPeerID == "":
		// True broadcast: consume and keep flooding while budget remains.
		return true, p.TTL > 1
	case p.TargetPeerID == r.peerID:
		// Addressed to us: consume, never forward.
		return true, false
	default:
		// Someone else's packet: relay only.
		return false, p.TTL > 1
	}
}

// remember inserts a dedup entry and opportunistically evicts entries older
// than the window. Caller holds mu.
func (r *Router) remember(key dedupKey) {
	now := r.now()
	r.seen[key] = now
	if now.Sub(r.lastSweep) < r.window {
		return
	}
	r.lastSweep = now
	for k, at := range r.seen {
		if now.Sub(at) > r.window {
			delete(r.seen, k)
		}
	}
}

func (r *Router) peerDiscovered(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.peers) >= MaxPeers {
		r.log.Warn("peer table full, ignoring peer", "peer", peerID)
		return
	}
	r.peers[peerID] = struct{}{}
	r.log.Info("peer discovered", "peer", peerID, "peers", len(r.peers))
}

func (r *Router) peerLost(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, peerID)
	r.log.Info("peer lost", "peer", peerID, "peers", len(r.peers))
}

func (t PacketType) String() string {
	switch t {
	case PacketRideRequest:
		return "ride_request"
	case PacketDriverAvailable:
		return "driver_available"
	case PacketRideAccept:
		return "ride_accept"
	case PacketRideDecline:
		return "ride_decline"
	case PacketChat:
		return "chat"
	case PacketLocation:
		return "location"
	case PacketRideStart:
		return "ride_start"
	case PacketRideComplete:
		return "ride_complete"
	case PacketFarePropose:
		return "fare_propose"
	case PacketFareAgree:
		return "fare_agree"
	case PacketRideCancel:
		return "ride_cancel"
	case PacketPing:
		return "ping"
	case PacketPong:
		return "pong"
	default:
		return fmt.Sprintf("0x%02X", byte(t))
	}
}
