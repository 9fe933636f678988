/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"custody-deposit-go/internal/models"
)

func Load() (*models.Config, error) {
	var (
		connMaxLifetime, connMaxIdleTime, pingTimeout, busyTimeout time.Duration
		chainPoll, chainTimeout                                    time.Duration
		leaseTTL                                                   time.Duration
		bridgePoll, bridgeDeadline, bridgeTimeout                  time.Duration
		cleanupInterval                                            time.Duration
		lockTTL, shutdownTimeout                                   time.Duration
	)
	defaults := []struct {
		key  string
		dst  *time.Duration
		dflt time.Duration
	}{
		{"DB_CONN_MAX_LIFETIME", &connMaxLifetime, 5 * time.Minute},
		{"DB_CONN_MAX_IDLE_TIME", &connMaxIdleTime, 30 * time.Second},
		{"DB_PING_TIMEOUT", &pingTimeout, 5 * time.Second},
		{"DB_BUSY_TIMEOUT", &busyTimeout, 5 * time.Second},
		{"CHAIN_POLL_INTERVAL", &chainPoll, 15 * time.Second},
		{"CHAIN_REQUEST_TIMEOUT", &chainTimeout, 10 * time.Second},
		{"POOL_LEASE_TTL", &leaseTTL, 24 * time.Hour},
		{"BRIDGE_POLL_INTERVAL", &bridgePoll, 30 * time.Second},
		{"BRIDGE_DEADLINE", &bridgeDeadline, 24 * time.Hour},
		{"BRIDGE_TIMEOUT", &bridgeTimeout, 15 * time.Second},
		{"WATCHER_CLEANUP_INTERVAL", &cleanupInterval, 15 * time.Minute},
		{"REDIS_LOCK_TTL", &lockTTL, 30 * time.Second},
		{"SERVER_SHUTDOWN_TIMEOUT", &shutdownTimeout, 30 * time.Second},
	}
	for _, d := range defaults {
		value, err := getEnvDuration(d.key, d.dflt)
		if err != nil {
			return nil, err
		}
		*d.dst = value
	}

	chainId, err := getEnvInt64("CHAIN_ID", 1)
	if err != nil {
		return nil, err
	}
	confirmations, err := getEnvUint64("CHAIN_CONFIRMATIONS", 12)
	if err != nil {
		return nil, err
	}
	startBlock, err := getEnvUint64("CHAIN_START_BLOCK", 0)
	if err != nil {
		return nil, err
	}
	gasBudget, err := getEnvUint64("WITHDRAWAL_GAS_BUDGET", 100_000)
	if err != nil {
		return nil, err
	}
	rps, err := getEnvFloat("BRIDGE_REQUESTS_PER_SECOND", 5)
	if err != nil {
		return nil, err
	}

	cfg := &models.Config{
		Database: models.DatabaseConfig{
			Driver:             strings.ToLower(getEnvString("DB_DRIVER", "sqlite")),
			Path:               getEnvString("DATABASE_PATH", "custody.db"),
			PostgresDSN:        getEnvString("POSTGRES_DSN", ""),
			MaxOpenConns:       getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:       getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime:    connMaxLifetime,
			ConnMaxIdleTime:    connMaxIdleTime,
			PingTimeout:        pingTimeout,
			BusyTimeout:        busyTimeout,
			CreateDemoAccounts: getEnvBool("CREATE_DEMO_ACCOUNTS", false),
		},
		Chain: models.ChainConfig{
			Name:           getEnvString("CHAIN_NAME", "ethereum"),
			RpcURL:         getEnvString("CHAIN_RPC_URL", ""),
			ChainId:        chainId,
			Confirmations:  confirmations,
			PollInterval:   chainPoll,
			StartBlock:     startBlock,
			RequestTimeout: chainTimeout,
		},
		Pool: models.PoolConfig{
			Mnemonic:     getEnvString("POOL_MNEMONIC", ""),
			Passphrase:   getEnvString("POOL_PASSPHRASE", ""),
			Size:         getEnvInt("POOL_SIZE", 100),
			LeaseTTL:     leaseTTL,
			SingleUse:    getEnvBool("POOL_LEASE_SINGLE_USE", false),
			SweepEnabled: getEnvBool("POOL_SWEEP_ENABLED", false),
		},
		Bridge: models.BridgeConfig{
			BaseURL:           getEnvString("BRIDGE_BASE_URL", ""),
			ApiKey:            getEnvString("CHANGENOW_API_KEY", ""),
			PollInterval:      bridgePoll,
			Deadline:          bridgeDeadline,
			Timeout:           bridgeTimeout,
			RequestsPerSecond: rps,
			SettlementTicker:  getEnvString("BRIDGE_SETTLEMENT_TICKER", "usdterc20"),
			SettlementAsset:   getEnvString("BRIDGE_SETTLEMENT_ASSET", "USDT"),
		},
		Watcher: models.WatcherConfig{
			AssetsFile:         getEnvString("ASSETS_FILE", "assets.yaml"),
			CleanupInterval:    cleanupInterval,
			LeaseSweepSchedule: getEnvString("LEASE_SWEEP_SCHEDULE", "@every "+cleanupInterval.String()),
			ReconcileSchedule:  getEnvString("RECONCILE_SCHEDULE", "@every 1h"),
			MetricsAddr:        getEnvString("METRICS_ADDR", ":9090"),
			LockEnabled:        getEnvBool("WATCHER_LOCK_ENABLED", false),
		},
		Withdrawal: models.WithdrawalConfig{
			GasBudget:    gasBudget,
			DefaultRoute: getEnvString("WITHDRAWAL_DEFAULT_ROUTE", "chain"),
		},
		Formance: models.FormanceConfig{
			Enabled:      getEnvBool("FORMANCE_ENABLED", false),
			StackURL:     getEnvString("FORMANCE_STACK_URL", ""),
			ClientID:     getEnvString("FORMANCE_CLIENT_ID", ""),
			ClientSecret: getEnvString("FORMANCE_CLIENT_SECRET", ""),
			LedgerName:   getEnvString("FORMANCE_LEDGER", "custody-deposit"),
		},
		Prime: models.PrimeConfig{
			Enabled:     getEnvBool("PRIME_ENABLED", false),
			PortfolioId: getEnvString("PRIME_PORTFOLIO_ID", ""),
		},
		Redis: models.RedisConfig{
			URL:           getEnvString("REDIS_URL", ""),
			EventsChannel: getEnvString("REDIS_EVENTS_STREAM", "custody"),
			LockTTL:       lockTTL,
		},
		Server: models.ServerConfig{
			Addr:            getEnvString("SERVER_ADDR", ":8080"),
			JwtSecret:       getEnvString("JWT_SECRET", ""),
			ShutdownTimeout: shutdownTimeout,
		},
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *models.Config) error {
	switch cfg.Database.Driver {
	case "sqlite":
	case "postgres":
		if cfg.Database.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required when DB_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", cfg.Database.Driver)
	}
	if cfg.Pool.Size <= 0 {
		return fmt.Errorf("POOL_SIZE must be positive, got %d", cfg.Pool.Size)
	}
	if cfg.Formance.Enabled && (cfg.Formance.StackURL == "" || cfg.Formance.ClientID == "" || cfg.Formance.ClientSecret == "") {
		return fmt.Errorf("FORMANCE_ENABLED requires FORMANCE_STACK_URL, FORMANCE_CLIENT_ID and FORMANCE_CLIENT_SECRET")
	}
	return nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return 0, fmt.Errorf("invalid duration for %s: %q (%w)", key, value, err)
		}
		return duration, nil
	}
	return defaultValue, nil
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) (int64, error) {
	if value := os.Getenv(key); value != "" {
		intValue, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid integer for %s: %q (%w)", key, value, err)
		}
		return intValue, nil
	}
	return defaultValue, nil
}

// Unlike getEnvInt, malformed values are an error rather than the default
func getEnvUint64(key string, defaultValue uint64) (uint64, error) {
	if value := os.Getenv(key); value != "" {
		uintValue, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid unsigned integer for %s: %q (%w)", key, value, err)
		}
		return uintValue, nil
	}
	return defaultValue, nil
}

func getEnvFloat(key string, defaultValue float64) (float64, error) {
	if value := os.Getenv(key); value != "" {
		floatValue, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number for %s: %q (%w)", key, value, err)
		}
		return floatValue, nil
	}
	return defaultValue, nil
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
