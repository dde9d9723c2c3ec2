package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/HorseChain/travony-sub002/internal/config"
	"github.com/HorseChain/travony-sub002/internal/dispatch"
	"github.com/HorseChain/travony-sub002/internal/eta"
	"github.com/HorseChain/travony-sub002/internal/geo"
	"github.com/HorseChain/travony-sub002/internal/httpapi"
	"github.com/HorseChain/travony-sub002/internal/ingest"
	"github.com/HorseChain/travony-sub002/internal/logging"
	"github.com/HorseChain/travony-sub002/internal/payments"
	"github.com/HorseChain/travony-sub002/internal/rematch"
	"github.com/HorseChain/travony-sub002/internal/resilience"
	"github.com/HorseChain/travony-sub002/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.New(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	var g geo.Geo
	if cfg.RedisAddr != "" {
		g = geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		g = geo.NewIndex()
	}

	var rides storage.RideStore
	var ghosts storage.GhostStore
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "err", err)
			os.Exit(1)
		}
		rides = ps
		ghosts = storage.NewPostgresGhostStore(ps.DB())
	} else {
		rides = storage.NewMemoryStore()
		ghosts = storage.NewMemoryGhostStore()
	}

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
	}

	breakers := resilience.NewRegistry(logging.ForComponent(logger, "resilience"))
	wsreg := dispatch.NewWSRegistry(logging.ForComponent(logger, "dispatch"))

	coord := &rematch.Coordinator{
		Rides:         rides,
		Geo:           g,
		Credits:       payments.NewStripeClient(),
		Dispatch:      wsreg,
		Breakers:      breakers,
		Log:           logging.ForComponent(logger, "rematch"),
		MaxAttempts:   cfg.MaxRematchAttempts,
		SearchRadiusM: cfg.SearchRadiusM,
		SpeedMps:      cfg.DefaultSpeedMps,
		ETACache:      eta.NewCache(cfg.ETACacheTTL),
	}
	if cfg.OSRMEndpoint != "" {
		coord.ETA = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	srv := httpapi.NewServer(ghosts, coord, kp, wsreg, cfg.RematchTimeout, logger)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("reconciliation server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server stopped", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "err", err)
	}
}
