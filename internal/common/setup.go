package common

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"custody-deposit-go/internal/api"
	"custody-deposit-go/internal/bridge"
	"custody-deposit-go/internal/chain"
	"custody-deposit-go/internal/database"
	"custody-deposit-go/internal/events"
	"custody-deposit-go/internal/formance"
	"custody-deposit-go/internal/models"
	"custody-deposit-go/internal/pool"
	"custody-deposit-go/internal/postgres"
	"custody-deposit-go/internal/prime"
	"custody-deposit-go/internal/store"

	"github.com/coinbase-samples/prime-sdk-go/credentials"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// init loads environment variables from .env file if it exists
func init() {
	// Environment variables can be set via other means (shell export, docker, etc.)
	if err := godotenv.Load(); err != nil {
		log.Printf("Note: No .env file found or unable to load it: %v\n", err)
		log.Println("Make sure to set environment variables via export or other means")
	} else {
		log.Println("✓ Loaded environment variables from .env file")
	}
}

// Services is everything a process may need. Optional parts are nil when
// their configuration is absent.
type Services struct {
	Store   store.LedgerStore
	Ledger  *api.LedgerService
	Catalog *AssetCatalog

	Pool   *pool.Pool
	Chain  *chain.EthClient
	Bridge bridge.Client
	Prime  *prime.Service
	Redis  *redis.Client
	Mirror *formance.Mirror

	DefaultPortfolio *models.Portfolio
}

func InitializeLogger() (*zap.Logger, func()) {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	zap.ReplaceGlobals(logger)

	cleanup := func() {
		if err := logger.Sync(); err != nil {
			if !isIgnorableSyncError(err) {
				log.Printf("Failed to sync logger: %v\n", err)
			}
		}
	}

	return logger, cleanup
}

// OpenStore opens the configured ledger backend
func OpenStore(ctx context.Context, cfg models.DatabaseConfig) (store.LedgerStore, error) {
	switch cfg.Driver {
	case "postgres":
		pg, err := postgres.NewService(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return pg, nil
	case "", "sqlite":
		db, err := database.NewService(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// OpenMirror connects the Formance mirror with the precision of every fungible catalogued asset
func OpenMirror(ctx context.Context, cfg models.FormanceConfig, catalog *AssetCatalog) (*formance.Mirror, error) {
	precision := make(map[string]int32)
	for _, a := range catalog.Assets() {
		if a.Kind != AssetNFT {
			precision[a.Symbol] = a.Decimals
		}
	}
	return formance.NewMirror(ctx, cfg, precision)
}

// InitializeDatabaseOnly opens just the ledger store.
// Useful for read-only operations like querying balances
func InitializeDatabaseOnly(ctx context.Context, cfg *models.Config) (store.LedgerStore, error) {
	return OpenStore(ctx, cfg.Database)
}

// InitializeServices connects every configured dependency. The chain node and
// the pool mnemonic are required; Redis, Formance, the bridge and Prime are optional.
func InitializeServices(ctx context.Context, cfg *models.Config) (*Services, error) {
	s := &Services{}
	if err := s.init(ctx, cfg); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Services) init(ctx context.Context, cfg *models.Config) error {
	catalog, err := LoadAssetCatalog(cfg.Watcher.AssetsFile)
	if err != nil {
		return err
	}
	s.Catalog = catalog

	s.Store, err = OpenStore(ctx, cfg.Database)
	if err != nil {
		return err
	}

	opts := []api.Option{}
	if cfg.Redis.URL != "" {
		s.Redis, err = events.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			return err
		}
		opts = append(opts, api.WithPublisher(events.NewRedisPublisher(s.Redis), cfg.Redis.EventsChannel))
	}

	if cfg.Formance.Enabled {
		s.Mirror, err = OpenMirror(ctx, cfg.Formance, catalog)
		if err != nil {
			return err
		}
		opts = append(opts, api.WithMirror(s.Mirror))
	}
	s.Ledger = api.NewLedgerService(s.Store, opts...)

	if cfg.Pool.Mnemonic == "" {
		return fmt.Errorf("POOL_MNEMONIC is required")
	}
	s.Pool, err = pool.New(cfg.Pool, s.Store)
	if err != nil {
		return err
	}
	if err := s.Pool.Sync(ctx); err != nil {
		return err
	}
	zap.L().Info("Address pool ready",
		zap.Int("size", cfg.Pool.Size),
		zap.String("treasury", s.Pool.TreasuryAddress().Hex()))

	if cfg.Chain.RpcURL == "" {
		return fmt.Errorf("CHAIN_RPC_URL is required")
	}
	s.Chain, err = chain.Dial(ctx, cfg.Chain)
	if err != nil {
		return err
	}

	if cfg.Bridge.ApiKey != "" {
		changeNow, err := bridge.NewChangeNow(cfg.Bridge)
		if err != nil {
			return err
		}
		s.Bridge = changeNow
	} else {
		zap.L().Warn("CHANGENOW_API_KEY not set, bridged assets are disabled")
	}

	if cfg.Prime.Enabled {
		s.Prime, s.DefaultPortfolio, err = InitializePrime(ctx, cfg.Prime)
		if err != nil {
			return err
		}
	}

	return nil
}

// InitializePrime connects to Coinbase Prime and resolves the withdrawal portfolio
func InitializePrime(ctx context.Context, cfg models.PrimeConfig) (*prime.Service, *models.Portfolio, error) {
	zap.L().Info("Loading Prime API credentials")
	creds, err := loadPrimeCredentials()
	if err != nil {
		return nil, nil, err
	}

	primeService, err := prime.NewService(creds)
	if err != nil {
		return nil, nil, err
	}

	zap.L().Info("Finding Prime portfolio")
	portfolio, err := primeService.FindPortfolio(ctx, cfg.PortfolioId)
	if err != nil {
		return nil, nil, err
	}
	zap.L().Info("Using Prime portfolio",
		zap.String("name", portfolio.Name),
		zap.String("id", portfolio.Id))

	return primeService, portfolio, nil
}

func (s *Services) Close() {
	if s.Chain != nil {
		s.Chain.Close()
	}
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			zap.L().Warn("Failed to close redis client", zap.Error(err))
		}
	}
	if s.Store != nil {
		s.Store.Close()
	}
}

func loadPrimeCredentials() (*credentials.Credentials, error) {
	accessKey := os.Getenv("PRIME_ACCESS_KEY")
	passphrase := os.Getenv("PRIME_PASSPHRASE")
	signingKey := os.Getenv("PRIME_SIGNING_KEY")

	if accessKey == "" || passphrase == "" || signingKey == "" {
		return nil, fmt.Errorf("missing required Prime API credentials: PRIME_ACCESS_KEY, PRIME_PASSPHRASE, PRIME_SIGNING_KEY")
	}

	return &credentials.Credentials{
		AccessKey:  accessKey,
		Passphrase: passphrase,
		SigningKey: signingKey,
	}, nil
}

func isIgnorableSyncError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "sync /dev/stderr: inappropriate ioctl for device") ||
		strings.Contains(msg, "sync /dev/stdout: inappropriate ioctl for device")
}
