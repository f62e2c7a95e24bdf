package config

import (
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"ORCH_ROLE", "ORCH_NATS_URL", "ORCH_LOG_LEVEL", "ORCH_LOG_PATH",
		"ORCH_LOG_MAX_SIZE_MB", "ORCH_LOG_MAX_BACKUPS", "ORCH_SCHEDULE_TIMEOUT",
		"ORCH_KEEPALIVE_INTERVAL", "ORCH_DRONE_ID", "ORCH_CLUSTER",
		"ORCH_ADVERTISE_IP", "ORCH_DRONE_VERSION", "ORCH_STORE_PATH",
		"ORCH_DOCKER_RUNTIME",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Role != RoleController {
		t.Fatalf("expected default role %q, got %q", RoleController, cfg.Role)
	}
	if cfg.NatsURL != DefaultNatsURL {
		t.Fatalf("expected default bus url %q, got %q", DefaultNatsURL, cfg.NatsURL)
	}
	if cfg.ScheduleTimeout != DefaultScheduleTimeout {
		t.Fatalf("expected default schedule timeout %v, got %v", DefaultScheduleTimeout, cfg.ScheduleTimeout)
	}
	if cfg.KeepaliveInterval != DefaultKeepaliveInterval {
		t.Fatalf("expected default keepalive interval %v, got %v", DefaultKeepaliveInterval, cfg.KeepaliveInterval)
	}
	if cfg.Logging.Level != DefaultLogLevel || cfg.Logging.Path != DefaultLogPath {
		t.Fatalf("unexpected logging defaults: %+v", cfg.Logging)
	}
}

func TestLoadDroneRole(t *testing.T) {
	clearEnv(t)
	t.Setenv("ORCH_ROLE", "drone")
	t.Setenv("ORCH_CLUSTER", "sessions.example.com")
	t.Setenv("ORCH_ADVERTISE_IP", "10.1.2.3")
	t.Setenv("ORCH_DRONE_ID", "dr-host1")
	t.Setenv("ORCH_KEEPALIVE_INTERVAL", "5s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Role != RoleDrone {
		t.Fatalf("role = %q", cfg.Role)
	}
	if cfg.Cluster != "sessions.example.com" || cfg.DroneID != "dr-host1" {
		t.Fatalf("drone identity = %q/%q", cfg.Cluster, cfg.DroneID)
	}
	if cfg.AdvertiseIP == nil || cfg.AdvertiseIP.String() != "10.1.2.3" {
		t.Fatalf("advertise ip = %v", cfg.AdvertiseIP)
	}
	if cfg.KeepaliveInterval != 5*time.Second {
		t.Fatalf("keepalive interval = %v", cfg.KeepaliveInterval)
	}
}

func TestLoadDroneRequiresIdentity(t *testing.T) {
	clearEnv(t)
	t.Setenv("ORCH_ROLE", "drone")

	//1.- The drone role must not start without cluster and advertise address.
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for drone without identity")
	}
	if !strings.Contains(err.Error(), "ORCH_CLUSTER") || !strings.Contains(err.Error(), "ORCH_ADVERTISE_IP") {
		t.Fatalf("error should name both missing variables: %v", err)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		key   string
		value string
	}{
		{"ORCH_ROLE", "proxy"},
		{"ORCH_SCHEDULE_TIMEOUT", "not-a-duration"},
		{"ORCH_SCHEDULE_TIMEOUT", "-5s"},
		{"ORCH_KEEPALIVE_INTERVAL", "0s"},
		{"ORCH_ADVERTISE_IP", "not-an-ip"},
		{"ORCH_LOG_MAX_SIZE_MB", "zero"},
		{"ORCH_LOG_MAX_BACKUPS", "-1"},
	}
	for _, tc := range cases {
		t.Run(tc.key+"="+tc.value, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tc.key, tc.value)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%q", tc.key, tc.value)
			}
		})
	}
}

func TestLoadAccumulatesProblems(t *testing.T) {
	clearEnv(t)
	t.Setenv("ORCH_SCHEDULE_TIMEOUT", "bogus")
	t.Setenv("ORCH_KEEPALIVE_INTERVAL", "bogus")

	//1.- Every invalid override is reported in one pass, joined by semicolons.
	_, err := Load()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "ORCH_SCHEDULE_TIMEOUT") || !strings.Contains(err.Error(), "ORCH_KEEPALIVE_INTERVAL") {
		t.Fatalf("error should name both problems: %v", err)
	}
}
