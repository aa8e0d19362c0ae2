package config

import (
	"testing"
	"time"
)

func TestLoadOrbitecConfigDefaults(t *testing.T) {
	cfg := LoadOrbitecConfig()
	if cfg.PortRangeFrom != 8000 || cfg.PortRangeTo != 8999 {
		t.Fatalf("unexpected port range %d-%d", cfg.PortRangeFrom, cfg.PortRangeTo)
	}
	if cfg.RestartDelay != 2*time.Second {
		t.Fatalf("expected 2s restart delay, got %s", cfg.RestartDelay)
	}
	if cfg.MonthlyCharge != 5 {
		t.Fatalf("expected monthly charge 5, got %v", cfg.MonthlyCharge)
	}
}

func TestLoadOrbitecConfigOverrides(t *testing.T) {
	t.Setenv("PORT_RANGE_START", "9100")
	t.Setenv("BUILD_TIMEOUT_SECONDS", "30")
	t.Setenv("APP_MONTHLY_CHARGE", "2.5")
	t.Setenv("AUTO_MIGRATE", "false")
	t.Setenv("REDIS_DB", "not-a-number")

	cfg := LoadOrbitecConfig()
	if cfg.PortRangeFrom != 9100 {
		t.Fatalf("expected port start 9100, got %d", cfg.PortRangeFrom)
	}
	if cfg.BuildTimeout != 30*time.Second {
		t.Fatalf("expected 30s build timeout, got %s", cfg.BuildTimeout)
	}
	if cfg.MonthlyCharge != 2.5 {
		t.Fatalf("expected 2.5, got %v", cfg.MonthlyCharge)
	}
	if cfg.AutoMigrate {
		t.Fatalf("expected auto migrate disabled")
	}
	if cfg.RedisDB != 0 {
		t.Fatalf("expected fallback for invalid int, got %d", cfg.RedisDB)
	}
}
