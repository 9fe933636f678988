package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Driver != "sqlite" {
		t.Errorf("Driver = %q, want sqlite", cfg.Database.Driver)
	}
	if cfg.Chain.Confirmations != 12 {
		t.Errorf("Confirmations = %d, want 12", cfg.Chain.Confirmations)
	}
	if cfg.Pool.LeaseTTL != 24*time.Hour {
		t.Errorf("LeaseTTL = %v, want 24h", cfg.Pool.LeaseTTL)
	}
	if cfg.Withdrawal.GasBudget != 100_000 {
		t.Errorf("GasBudget = %d, want 100000", cfg.Withdrawal.GasBudget)
	}
	if cfg.Watcher.LeaseSweepSchedule != "@every 15m0s" {
		t.Errorf("LeaseSweepSchedule = %q", cfg.Watcher.LeaseSweepSchedule)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CHAIN_CONFIRMATIONS", "3")
	t.Setenv("POOL_LEASE_TTL", "1h")
	t.Setenv("POOL_LEASE_SINGLE_USE", "true")
	t.Setenv("BRIDGE_REQUESTS_PER_SECOND", "2.5")
	t.Setenv("DB_DRIVER", "Postgres")
	t.Setenv("POSTGRES_DSN", "postgres://localhost/custody")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Chain.Confirmations != 3 {
		t.Errorf("Confirmations = %d, want 3", cfg.Chain.Confirmations)
	}
	if cfg.Pool.LeaseTTL != time.Hour || !cfg.Pool.SingleUse {
		t.Errorf("Pool = %+v", cfg.Pool)
	}
	if cfg.Bridge.RequestsPerSecond != 2.5 {
		t.Errorf("RequestsPerSecond = %v, want 2.5", cfg.Bridge.RequestsPerSecond)
	}
	if cfg.Database.Driver != "postgres" {
		t.Errorf("Driver = %q, want postgres", cfg.Database.Driver)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad duration", map[string]string{"BRIDGE_DEADLINE": "tomorrow"}},
		{"negative confirmations", map[string]string{"CHAIN_CONFIRMATIONS": "-1"}},
		{"unknown driver", map[string]string{"DB_DRIVER": "mysql"}},
		{"postgres without dsn", map[string]string{"DB_DRIVER": "postgres"}},
		{"formance without credentials", map[string]string{"FORMANCE_ENABLED": "true"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Error("Load() error = nil, want error")
			}
		})
	}
}
