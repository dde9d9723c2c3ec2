package dispatch

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/HorseChain/travony-sub002/internal/models"
)

// ErrNoSession is returned when the target driver has no live socket.
var ErrNoSession = errors.New("dispatch: no ws session")

// Dispatcher pushes a rematch offer to a replacement driver. Offers are
// best effort: a failed push never blocks the rematch outcome.
type Dispatcher interface {
	Offer(driverID string, offer models.RematchOffer) error
}

// WSSession represents a connected driver session.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(offer models.RematchOffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(offer)
}

// WSRegistry holds driver sessions.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	log      *slog.Logger
}

func NewWSRegistry(log *slog.Logger) *WSRegistry {
	if log == nil {
		log = slog.Default()
	}
	return &WSRegistry{sessions: make(map[string]*WSSession), log: log}
}

func (r *WSRegistry) Add(driverID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[driverID] = &WSSession{conn: conn}
}

func (r *WSRegistry) Remove(driverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, driverID)
}

func (r *WSRegistry) Offer(driverID string, offer models.RematchOffer) error {
	r.mu.RLock()
	s, ok := r.sessions[driverID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(offer); err != nil {
		r.log.Warn("ws send failed, dropping session", "driver", driverID, "err", err)
		r.dropSession(driverID, s)
		return err
	}
	return nil
}

// dropSession removes the session only if it is still the registered one,
// so a reconnect that raced the failed send is not torn down.
func (r *WSRegistry) dropSession(driverID string, s *WSSession) {
	r.mu.Lock()
	if cur, ok := r.sessions[driverID]; ok && cur == s {
		delete(r.sessions, driverID)
	}
	r.mu.Unlock()
	s.conn.Close()
}
