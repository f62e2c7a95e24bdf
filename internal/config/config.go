package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Role selects which half of the orchestrator a process runs.
type Role string

const (
	// RoleController runs the world-state engine and the scheduler.
	RoleController Role = "controller"
	// RoleDrone runs the backend executor, state store, and reporters.
	RoleDrone Role = "drone"
)

const (
	// DefaultNatsURL is the bus endpoint used when none is configured.
	DefaultNatsURL = "nats://127.0.0.1:4222"
	// DefaultScheduleTimeout bounds the scheduler's drone handshake round trip.
	DefaultScheduleTimeout = 5 * time.Second
	// DefaultKeepaliveInterval controls how often a drone publishes keepalives.
	DefaultKeepaliveInterval = 10 * time.Second
	// DefaultDroneVersion is reported in drone metadata when no build version is injected.
	DefaultDroneVersion = "dev"
	// DefaultStorePath is where the drone keeps its durable state store.
	DefaultStorePath = "orchestrator-state.db"

	// DefaultLogLevel controls verbosity for orchestrator logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "orchestrator.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
)

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
}

// Config captures all runtime tunables for one orchestrator process.
type Config struct {
	Role    Role
	NatsURL string
	Logging LoggingConfig

	// Controller settings.
	ScheduleTimeout time.Duration

	// Drone settings.
	DroneID           string
	Cluster           string
	AdvertiseIP       net.IP
	DroneVersion      string
	StorePath         string
	KeepaliveInterval time.Duration
	DockerRuntime     string
}

// Load reads the orchestrator configuration from environment variables, applying sane
// defaults and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		Role:    Role(strings.TrimSpace(getString("ORCH_ROLE", string(RoleController)))),
		NatsURL: getString("ORCH_NATS_URL", DefaultNatsURL),
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("ORCH_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("ORCH_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
		},
		ScheduleTimeout:   DefaultScheduleTimeout,
		DroneID:           strings.TrimSpace(os.Getenv("ORCH_DRONE_ID")),
		Cluster:           strings.TrimSpace(os.Getenv("ORCH_CLUSTER")),
		DroneVersion:      getString("ORCH_DRONE_VERSION", DefaultDroneVersion),
		StorePath:         getString("ORCH_STORE_PATH", DefaultStorePath),
		KeepaliveInterval: DefaultKeepaliveInterval,
		DockerRuntime:     strings.TrimSpace(os.Getenv("ORCH_DOCKER_RUNTIME")),
	}

	var problems []string

	switch cfg.Role {
	case RoleController, RoleDrone:
	default:
		problems = append(problems, fmt.Sprintf("ORCH_ROLE must be %q or %q, got %q", RoleController, RoleDrone, cfg.Role))
	}

	if raw := strings.TrimSpace(os.Getenv("ORCH_SCHEDULE_TIMEOUT")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("ORCH_SCHEDULE_TIMEOUT must be a positive duration, got %q", raw))
		} else {
			cfg.ScheduleTimeout = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ORCH_KEEPALIVE_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("ORCH_KEEPALIVE_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.KeepaliveInterval = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ORCH_ADVERTISE_IP")); raw != "" {
		ip := net.ParseIP(raw)
		if ip == nil {
			problems = append(problems, fmt.Sprintf("ORCH_ADVERTISE_IP must be a valid IP address, got %q", raw))
		} else {
			cfg.AdvertiseIP = ip
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ORCH_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("ORCH_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ORCH_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("ORCH_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if cfg.Role == RoleDrone {
		//1.- The drone role cannot join a cluster without identity and placement.
		if cfg.Cluster == "" {
			problems = append(problems, "ORCH_CLUSTER must be set for the drone role")
		}
		if cfg.AdvertiseIP == nil {
			problems = append(problems, "ORCH_ADVERTISE_IP must be set for the drone role")
		}
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
