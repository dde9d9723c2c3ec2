package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the reconciliation server.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	SearchRadiusM      float64
	MaxRematchAttempts int
	RematchTimeout     time.Duration
	DefaultSpeedMps    float64

	OSRMEndpoint string
	ETACacheTTL  time.Duration

	LogLevel string
}

// NodeConfig captures tunables for a device-side mesh node.
type NodeConfig struct {
	PeerID         string
	UDPAddr        string
	SyncBaseURL    string
	SyncDBPath     string
	RequestTimeout time.Duration
	LogLevel       string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		RedisGeoKey:        "drivers_geo",
		KafkaTopic:         "ghost-rides-reconciled",
		SearchRadiusM:      10000,
		MaxRematchAttempts: 3,
		RematchTimeout:     120 * time.Second,
		DefaultSpeedMps:    10,
		ETACacheTTL:        5 * time.Minute,
		LogLevel:           "info",
	}
}

func defaultNodeConfig() NodeConfig {
	return NodeConfig{
		UDPAddr:        ":9876",
		SyncBaseURL:    "http://localhost:8080",
		SyncDBPath:     "travony-node.db",
		RequestTimeout: 30 * time.Second,
		LogLevel:       "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setFloatFromEnv(&cfg.SearchRadiusM, "REMATCH_SEARCH_RADIUS_M", &errs)
	setIntFromEnv(&cfg.MaxRematchAttempts, "MAX_REMATCH_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RematchTimeout, "REMATCH_TIMEOUT", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "ETA_DEFAULT_SPEED_MPS", &errs)
	setStringFromEnv(&cfg.OSRMEndpoint, "ETA_OSRM_ENDPOINT")
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.MaxRematchAttempts <= 0 {
		errs = append(errs, fmt.Errorf("MAX_REMATCH_ATTEMPTS must be > 0"))
	}
	if cfg.SearchRadiusM <= 0 {
		errs = append(errs, fmt.Errorf("REMATCH_SEARCH_RADIUS_M must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func LoadNodeConfig() (NodeConfig, error) {
	cfg := defaultNodeConfig()
	var errs []error

	setStringFromEnv(&cfg.PeerID, "MESH_PEER_ID")
	setStringFromEnv(&cfg.UDPAddr, "MESH_UDP_ADDR")
	setStringFromEnv(&cfg.SyncBaseURL, "SYNC_BASE_URL")
	setStringFromEnv(&cfg.SyncDBPath, "SYNC_DB_PATH")
	setDurationFromEnv(&cfg.RequestTimeout, "MESH_REQUEST_TIMEOUT", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("MESH_REQUEST_TIMEOUT must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
