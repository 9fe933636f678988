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

package main

import (
	"context"
	"flag"
	"fmt"
	"strings"

	"custody-deposit-go/internal/common"
	"custody-deposit-go/internal/config"
	"custody-deposit-go/internal/models"
	"custody-deposit-go/internal/pool"
	"custody-deposit-go/internal/prime"

	"go.uber.org/zap"
)

// syncPool derives the pool and stores any address not yet persisted.
// A changed mnemonic is refused rather than silently re-deriving.
func syncPool(ctx context.Context, cfg *models.Config, st pool.Store) (*pool.Pool, error) {
	if cfg.Pool.Mnemonic == "" {
		return nil, fmt.Errorf("POOL_MNEMONIC is required")
	}

	p, err := pool.New(cfg.Pool, st)
	if err != nil {
		return nil, err
	}
	if err := p.Sync(ctx); err != nil {
		return nil, err
	}

	zap.L().Info("Address pool synced",
		zap.Int("size", cfg.Pool.Size),
		zap.String("treasury", p.TreasuryAddress().Hex()))
	return p, nil
}

// checkPrimeWallets reports which withdrawable assets have a Prime trading wallet
func checkPrimeWallets(ctx context.Context, primeService *prime.Service, portfolio *models.Portfolio, catalog *common.AssetCatalog) (missing []string) {
	for _, asset := range catalog.Assets() {
		if asset.Kind == common.AssetNFT || asset.Kind == common.AssetBridged {
			continue
		}
		if asset.PrimeWalletId != "" {
			fmt.Printf("✓ %s: wallet %s (configured)\n", asset.Symbol, asset.PrimeWalletId)
			continue
		}

		wallets, err := primeService.ListWallets(ctx, portfolio.Id, prime.WalletTypeTrading, []string{asset.Symbol})
		if err != nil {
			zap.L().Error("Error listing wallets", zap.String("asset", asset.Symbol), zap.Error(err))
			missing = append(missing, asset.Symbol)
			continue
		}
		if len(wallets) == 0 {
			fmt.Printf("✗ %s: no TRADING wallet in portfolio %s\n", asset.Symbol, portfolio.Name)
			missing = append(missing, asset.Symbol)
			continue
		}
		fmt.Printf("✓ %s: wallet %s (%s)\n", asset.Symbol, wallets[0].Id, wallets[0].Name)
	}
	return missing
}

func main() {
	ctx := context.Background()

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	checkPrime := flag.Bool("prime", false, "Verify Prime trading wallets for withdrawable assets")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Failed to load config", zap.Error(err))
	}

	zap.L().Info("Loading asset configuration", zap.String("file", cfg.Watcher.AssetsFile))
	catalog, err := common.LoadAssetCatalog(cfg.Watcher.AssetsFile)
	if err != nil {
		zap.L().Fatal("Invalid asset configuration", zap.Error(err))
	}

	// Opening the store applies the schema
	zap.L().Info("Setting up ledger database", zap.String("driver", cfg.Database.Driver))
	st, err := common.InitializeDatabaseOnly(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize database", zap.Error(err))
	}
	defer st.Close()

	p, err := syncPool(ctx, cfg, st)
	if err != nil {
		zap.L().Fatal("Failed to sync address pool", zap.Error(err))
	}

	common.PrintHeader("SETUP COMPLETE", common.DefaultWidth)
	fmt.Printf("Database:       %s\n", cfg.Database.Driver)
	fmt.Printf("Assets:         %s\n", strings.Join(catalog.Labels(), ", "))
	fmt.Printf("Pool addresses: %d\n", len(p.Addresses()))
	fmt.Printf("Treasury:       %s\n", p.TreasuryAddress().Hex())
	common.PrintSeparator("=", common.DefaultWidth)

	if !*checkPrime {
		return
	}

	primeService, portfolio, err := common.InitializePrime(ctx, cfg.Prime)
	if err != nil {
		zap.L().Fatal("Failed to initialize Prime", zap.Error(err))
	}

	common.PrintHeader("PRIME WALLETS", common.DefaultWidth)
	missing := checkPrimeWallets(ctx, primeService, portfolio, catalog)
	common.PrintSeparator("=", common.DefaultWidth)

	if len(missing) > 0 {
		zap.L().Warn("Some assets cannot use the prime withdrawal route", zap.Strings("assets", missing))
	}
}
