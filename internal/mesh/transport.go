package mesh

import (
	"context"
	"sync"
)

// Transport is the boundary to the native radio stack. Concrete
// implementations: the platform BLE driver (out of scope), UDPTransport
// for LAN demos, and ChannelTransport for tests.
type Transport interface {
	Start(ctx context.Context) error
	Stop() error
	Broadcast(b []byte) error
	SendTo(peerID string, b []byte) error
	Peers() []string
	SetCallbacks(cb Callbacks)
}

// Callbacks are invoked by the transport as radio events arrive. Any of
// them may be nil.
type Callbacks struct {
	OnPacket         func(raw []byte)
	OnPeerDiscovered func(peerID string)
	OnPeerLost       func(peerID string)
}

// Hub connects ChannelTransports in-process so multi-hop topologies can be
// tested without a radio. Links are directed: a packet from A reaches B only
// if Link(A, B) was called.
type Hub struct {
	mu    sync.RWMutex
	nodes map[string]*ChannelTransport
	links map[string]map[string]bool
}

func NewHub() *Hub {
	return &Hub{
		nodes: make(map[string]*ChannelTransport),
		links: make(map[string]map[string]bool),
	}
}

// NewTransport registers a node on the hub and returns its transport.
func (h *Hub) NewTransport(peerID string) *ChannelTransport {
	t := &ChannelTransport{hub: h, peerID: peerID}
	h.mu.Lock()
	h.nodes[peerID] = t
	h.mu.Unlock()
	return t
}

// Link makes b reachable from a (one direction).
func (h *Hub) Link(a, b string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.links[a] == nil {
		h.links[a] = make(map[string]bool)
	}
	h.links[a][b] = true
}

// LinkBoth makes a and b mutually reachable.
func (h *Hub) LinkBoth(a, b string) {
	h.Link(a, b)
	h.Link(b, a)
}

func (h *Hub) deliver(from string, to string, b []byte) {
	h.mu.RLock()
	t, ok := h.nodes[to]
	linked := h.links[from][to]
	h.mu.RUnlock()
	if !ok || !linked {
		return
	}
	t.receive(b)
}

func (h *Hub) broadcast(from string, b []byte) {
	h.mu.RLock()
	targets := make([]*ChannelTransport, 0, len(h.nodes))
	for id, t := range h.nodes {
		if id != from && h.links[from][id] {
			targets = append(targets, t)
		}
	}
	h.mu.RUnlock()
	for _, t := range targets {
		t.receive(b)
	}
}

func (h *Hub) peersOf(id string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.links[id]))
	for p := range h.links[id] {
		out = append(out, p)
	}
	return out
}

// ChannelTransport is the in-process Transport used in tests. Delivery is
// synchronous, which makes hop counting deterministic.
type ChannelTransport struct {
	hub    *Hub
	peerID string

	mu      sync.RWMutex
	cb      Callbacks
	started bool
}

func (t *ChannelTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	t.started = true
	t.mu.Unlock()
	return nil
}

func (t *ChannelTransport) Stop() error {
	t.mu.Lock()
	t.started = false
	t.mu.Unlock()
	return nil
}

func (t *ChannelTransport) SetCallbacks(cb Callbacks) {
	t.mu.Lock()
	t.cb = cb
	t.mu.Unlock()
}

func (t *ChannelTransport) Broadcast(b []byte) error {
	t.hub.broadcast(t.peerID, b)
	return nil
}

func (t *ChannelTransport) SendTo(peerID string, b []byte) error {
	t.hub.deliver(t.peerID, peerID, b)
	return nil
}

func (t *ChannelTransport) Peers() []string {
	return t.hub.peersOf(t.peerID)
}

func (t *ChannelTransport) receive(b []byte) {
	t.mu.RLock()
	cb := t.cb
	started := t.started
	t.mu.RUnlock()
	if !started || cb.OnPacket == nil {
		return
	}
	cb.OnPacket(b)
}
