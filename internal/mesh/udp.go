package mesh

import (
	"context"
	"errors"
	"net"
	"sync"
)

// UDPTransport carries mesh packets over LAN UDP broadcast for the demo
// node. It implements the same Transport contract the platform BLE driver
// does in production; peer discovery over UDP is not implemented, so
// directed sends fall back to broadcast (the envelope target still ensures
// only the addressee consumes the packet).
type UDPTransport struct {
	listenAddr string
	bcastAddr  string

	mu      sync.RWMutex
	cb      Callbacks
	conn    *net.UDPConn
	started bool
}

func NewUDPTransport(listenAddr, broadcastAddr string) *UDPTransport {
	return &UDPTransport{listenAddr: listenAddr, bcastAddr: broadcastAddr}
}

func (t *UDPTransport) SetCallbacks(cb Callbacks) {
	t.mu.Lock()
	t.cb = cb
	t.mu.Unlock()
}

func (t *UDPTransport) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp4", t.listenAddr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.conn = conn
	t.started = true
	t.mu.Unlock()

	go t.readLoop(ctx, conn)
	return nil
}

func (t *UDPTransport) readLoop(ctx context.Context, conn *net.UDPConn) {
	buf := make([]byte, MaxPacketSize)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		t.mu.RLock()
		cb := t.cb
		t.mu.RUnlock()
		if cb.OnPacket != nil {
			raw := make([]byte, n)
			copy(raw, buf[:n])
			cb.OnPacket(raw)
		}
	}
}

func (t *UDPTransport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started = false
	if t.conn != nil {
		err := t.conn.Close()
		t.conn = nil
		return err
	}
	return nil
}

func (t *UDPTransport) Broadcast(b []byte) error {
	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn == nil {
		return errors.New("mesh: udp transport not started")
	}
	dst, err := net.ResolveUDPAddr("udp4", t.bcastAddr)
	if err != nil {
		return err
	}
	_, err = conn.WriteToUDP(b, dst)
	return err
}

// SendTo has no per-peer addressing over broadcast UDP; the packet goes
// out on the shared medium like any other.
func (t *UDPTransport) SendTo(peerID string, b []byte) error {
	return t.Broadcast(b)
}

func (t *UDPTransport) Peers() []string { return nil }
