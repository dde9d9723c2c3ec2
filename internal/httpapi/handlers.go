package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/HorseChain/travony-sub002/internal/dispatch"
	"github.com/HorseChain/travony-sub002/internal/ingest"
	"github.com/HorseChain/travony-sub002/internal/rematch"
	"github.com/HorseChain/travony-sub002/internal/storage"
)

// Server is the reconciliation + rematch API. Sync endpoints are the
// counterpart of the device-side offline queue: idempotent upserts keyed on
// the client-minted local id.
type Server struct {
	Ghosts      storage.GhostStore
	Coordinator *rematch.Coordinator
	Kafka       *ingest.KafkaProducer
	WSReg       *dispatch.WSRegistry

	RematchTimeout time.Duration

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(ghosts storage.GhostStore, coord *rematch.Coordinator, kafka *ingest.KafkaProducer, wsreg *dispatch.WSRegistry, rematchTimeout time.Duration, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Ghosts:         ghosts,
		Coordinator:    coord,
		Kafka:          kafka,
		WSReg:          wsreg,
		RematchTimeout: rematchTimeout,
		logger:         logger,
		mux:            mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/sync/ghost-rides", s.handleSyncRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/sync/ghost-messages", s.handleSyncMessage).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/rematch", s.handleRematch).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type syncRequest struct {
	LocalID string          `json:"local_id"`
	Payload json.RawMessage `json:"payload"`
}

type syncResponse struct {
	ServerID      string `json:"server_id"`
	AlreadySynced bool   `json:"already_synced"`
}

func (s *Server) handleSyncRide(w http.ResponseWriter, r *http.Request) {
	s.handleSync(w, r, "ghost_ride", s.Ghosts.UpsertRide)
}

func (s *Server) handleSyncMessage(w http.ResponseWriter, r *http.Request) {
	s.handleSync(w, r, "ghost_message", s.Ghosts.UpsertMessage)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request, entityType string, upsert func(ctx context.Context, localID string, payload []byte) (string, bool, error)) {
	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.LocalID == "" {
		http.Error(w, "local_id required", 400)
		return
	}
	serverID, created, err := upsert(r.Context(), req.LocalID, req.Payload)
	if err != nil {
		s.logger.Error("sync upsert failed", "entity", entityType, "local_id", req.LocalID, "err", err)
		http.Error(w, "store error", 500)
		return
	}
	if created && s.Kafka != nil {
		ev := ingest.ReconciledEvent{EntityType: entityType, LocalID: req.LocalID, ServerID: serverID, ReceivedAt: time.Now()}
		if err := s.Kafka.PublishReconciled(ev); err != nil {
			// the entity is durably stored; the event stream catches up later
			s.logger.Warn("publish reconciled event failed", "local_id", req.LocalID, "err", err)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(syncResponse{ServerID: serverID, AlreadySynced: !created})
}

type rematchRequest struct {
	DriverID           string  `json:"driver_id"`
	MinutesSinceAccept float64 `json:"minutes_since_accept"`
}

func (s *Server) handleRematch(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	var req rematchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}

	// The 120s rematch budget is enforced here, at the coordinator's single
	// entry point.
	timeout := s.RematchTimeout
	if timeout <= 0 {
		timeout = rematch.RematchTimeoutBudget
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	res, err := s.Coordinator.InitiateRematch(ctx, rideID, req.DriverID, req.MinutesSinceAccept)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "ride not found", 404)
			return
		}
		s.logger.Error("rematch failed", "ride", rideID, "err", err)
		http.Error(w, "rematch error", 500)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"outcome":     res.Outcome,
		"new_ride_id": res.NewRideID,
		"reason":      res.Reason,
	})
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", 400)
		return
	}
	s.WSReg.Add(id, conn)

	// reads only serve to detect disconnects; offers flow the other way
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.WSReg.Remove(id)
				conn.Close()
				return
			}
		}
	}()
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
