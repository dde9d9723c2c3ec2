// meshnode is a device-side demonstration node: it speaks the mesh protocol
// over LAN UDP broadcast, runs the ghost ride manager, and reconciles
// completed rides with the server when told connectivity is back (SIGHUP).
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/HorseChain/travony-sub002/internal/config"
	"github.com/HorseChain/travony-sub002/internal/ghost"
	"github.com/HorseChain/travony-sub002/internal/logging"
	"github.com/HorseChain/travony-sub002/internal/mesh"
	"github.com/HorseChain/travony-sub002/internal/models"
	"github.com/HorseChain/travony-sub002/internal/resilience"
	"github.com/HorseChain/travony-sub002/internal/syncq"
)

func main() {
	var (
		role      string
		bcastAddr string
	)
	flag.StringVar(&role, "role", "driver", "node role: rider or driver")
	flag.StringVar(&bcastAddr, "broadcast-addr", "255.255.255.255:9876", "UDP broadcast address for the LAN mesh")
	flag.Parse()

	cfg, err := config.LoadNodeConfig()
	logger := logging.New(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	if cfg.PeerID == "" {
		cfg.PeerID = strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	transport := mesh.NewUDPTransport(cfg.UDPAddr, bcastAddr)
	router := mesh.NewRouter(cfg.PeerID, transport, logging.ForComponent(logger, "mesh"))

	breakers := resilience.NewRegistry(logging.ForComponent(logger, "resilience"))
	queue, err := syncq.Open(cfg.SyncDBPath, syncq.NewHTTPClient(cfg.SyncBaseURL), breakers.Get(resilience.BreakerSyncAPI), logging.ForComponent(logger, "syncq"))
	if err != nil {
		logger.Error("open sync queue", "err", err)
		os.Exit(1)
	}
	defer queue.Close()

	mgr := ghost.NewManager(router, queue, logging.ForComponent(logger, "ghost"))
	mgr.SetRequestTimeout(cfg.RequestTimeout)
	queue.OnSynced = mgr.RecordSynced
	queue.OnFailed = mgr.RecordSyncFailure
	mgr.OnOffer = func(r ghost.Ride) {
		logger.Info("ride offer received", "ride", r.LocalID, "fare", r.ProposedFare, "currency", r.Currency)
		if role == "driver" {
			if err := mgr.Accept(r.LocalID); err != nil {
				logger.Warn("accept failed", "ride", r.LocalID, "err", err)
			}
		}
	}
	mgr.OnUpdate = func(r ghost.Ride) {
		logger.Info("ride update", "ride", r.LocalID, "status", r.Status)
	}

	if err := router.Start(ctx); err != nil {
		logger.Error("start transport", "err", err)
		os.Exit(1)
	}
	defer router.Stop()

	logger.Info("mesh node up", "peer", cfg.PeerID, "role", role, "udp", cfg.UDPAddr)

	if role == "rider" {
		ride, err := mgr.RequestRide(
			models.Coord{Lat: 25.2048, Lon: 55.2708},
			models.Coord{Lat: 25.1972, Lon: 55.2744},
			"Downtown", "DIFC", 25.00, "AED", "sedan")
		if err != nil {
			logger.Error("broadcast ride request", "err", err)
			os.Exit(1)
		}
		logger.Info("ride request broadcast", "ride", ride.LocalID)
	}

	// SIGHUP stands in for the "connectivity restored" signal: each one
	// triggers a drain cycle against the reconciliation server.
	reconnect := make(chan os.Signal, 1)
	signal.Notify(reconnect, syscall.SIGHUP)

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return
		case <-reconnect:
			drainCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
			stats, err := queue.Drain(drainCtx)
			cancel()
			if err != nil {
				logger.Warn("drain interrupted", "err", err)
				continue
			}
			logger.Info("drain complete", "attempted", stats.Attempted, "synced", stats.Synced, "failed", stats.Failed)
		}
	}
}
