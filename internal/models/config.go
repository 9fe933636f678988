package models

import "time"

// Config represents the application configuration
type Config struct {
	Database   DatabaseConfig
	Chain      ChainConfig
	Pool       PoolConfig
	Bridge     BridgeConfig
	Watcher    WatcherConfig
	Withdrawal WithdrawalConfig
	Formance   FormanceConfig
	Prime      PrimeConfig
	Redis      RedisConfig
	Server     ServerConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Driver             string // "sqlite" or "postgres"
	Path               string
	PostgresDSN        string
	MaxOpenConns       int
	MaxIdleConns       int
	ConnMaxLifetime    time.Duration
	ConnMaxIdleTime    time.Duration
	PingTimeout        time.Duration
	BusyTimeout        time.Duration
	CreateDemoAccounts bool
}

// ChainConfig holds the EVM node settings for the chain watcher
type ChainConfig struct {
	Name           string
	RpcURL         string
	ChainId        int64
	Confirmations  uint64
	PollInterval   time.Duration
	StartBlock     uint64
	RequestTimeout time.Duration
}

// PoolConfig holds deposit address pool settings
type PoolConfig struct {
	Mnemonic     string
	Passphrase   string
	Size         int
	LeaseTTL     time.Duration
	SingleUse    bool
	SweepEnabled bool
}

// BridgeConfig holds exchange bridge settings
type BridgeConfig struct {
	BaseURL           string
	ApiKey            string
	PollInterval      time.Duration
	Deadline          time.Duration
	Timeout           time.Duration
	RequestsPerSecond float64
	SettlementTicker  string
	SettlementAsset   string
}

// WatcherConfig holds deposit watcher process settings
type WatcherConfig struct {
	AssetsFile         string
	CleanupInterval    time.Duration
	LeaseSweepSchedule string
	ReconcileSchedule  string
	MetricsAddr        string
	LockEnabled        bool
}

// WithdrawalConfig holds withdrawal executor settings
type WithdrawalConfig struct {
	GasBudget    uint64
	DefaultRoute string
}

// FormanceConfig holds the optional ledger mirror settings
type FormanceConfig struct {
	Enabled      bool
	StackURL     string
	ClientID     string
	ClientSecret string
	LedgerName   string
}

// PrimeConfig holds the optional Coinbase Prime withdrawal route settings.
// API credentials are read from PRIME_ACCESS_KEY, PRIME_PASSPHRASE and PRIME_SIGNING_KEY.
type PrimeConfig struct {
	Enabled     bool
	PortfolioId string
}

// RedisConfig holds event publishing and lock settings
type RedisConfig struct {
	URL           string
	EventsChannel string
	LockTTL       time.Duration
}

// ServerConfig holds HTTP surface settings
type ServerConfig struct {
	Addr            string
	JwtSecret       string
	ShutdownTimeout time.Duration
}
