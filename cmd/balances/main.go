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

	"custody-deposit-go/internal/common"
	"custody-deposit-go/internal/config"
	"custody-deposit-go/internal/formance"
	"custody-deposit-go/internal/models"
	"custody-deposit-go/internal/store"

	"go.uber.org/zap"
)

type balanceStats struct {
	totalAccounts        int
	totalBalances        int
	accountsWithBalances int
	totalNFTs            int
}

func printBalance(balance models.Balance, isLast bool) {
	symbol := common.BoxPrefix(isLast)
	fmt.Printf("%s %-8s: %20s  (in %s, out %s, v%d, updated: %s)\n",
		symbol,
		balance.Asset,
		balance.Available.String(),
		balance.Deposited.String(),
		balance.Withdrawn.String(),
		balance.Version,
		balance.UpdatedAt.Format("2006-01-02 15:04:05"))
}

func printHoldings(holdings []models.NFTHolding) {
	for i, h := range holdings {
		symbol := common.BoxPrefix(i == len(holdings)-1)
		fmt.Printf("%s NFT %s #%s (%s, basis %s)\n", symbol, common.ShortId(h.ContractAddress), h.TokenId, h.Standard, h.Price)
	}
}

func printMirrored(ctx context.Context, mirror *formance.Mirror, balances []models.Balance) {
	mirrored, err := mirror.ListBalances(ctx, balances[0].AccountId)
	if err != nil {
		zap.L().Warn("Failed to read mirrored balances", zap.String("account_id", balances[0].AccountId), zap.Error(err))
		return
	}
	for _, b := range balances {
		m := mirrored[b.Asset]
		status := "✅"
		if !m.Equal(b.Available) {
			status = "⚠️ "
		}
		fmt.Printf("│     %s mirror %-8s: %s\n", status, b.Asset, m.String())
	}
}

func printAccountHeader(account common.AccountInfo, balanceCount, nftCount int) {
	fmt.Printf("\n┌─ Account: %s (%s)\n", account.Name, account.Email)
	fmt.Printf("│  ID: %s\n", account.Id)
	fmt.Printf("│  Assets: %d, NFTs: %d\n", balanceCount, nftCount)
	common.PrintBoxSeparator(78)
}

func processAccount(ctx context.Context, account common.AccountInfo, st store.LedgerStore, mirror *formance.Mirror) (int, int, error) {
	balances, err := st.GetAllBalances(ctx, account.Id)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get balances: %w", err)
	}
	holdings, err := st.ListNFTHoldings(ctx, account.Id)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get nft holdings: %w", err)
	}

	if len(balances) == 0 && len(holdings) == 0 {
		return 0, 0, nil
	}

	printAccountHeader(account, len(balances), len(holdings))
	for i, b := range balances {
		printBalance(b, i == len(balances)-1 && len(holdings) == 0)
	}
	printHoldings(holdings)
	if mirror != nil && len(balances) > 0 {
		printMirrored(ctx, mirror, balances)
	}

	return len(balances), len(holdings), nil
}

func main() {
	ctx := context.Background()

	logger, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	emailFlag := flag.String("email", "", "Filter by specific account email (optional)")
	mirrorFlag := flag.Bool("mirror", false, "Compare against the Formance mirror (requires FORMANCE_ENABLED)")
	flag.Parse()

	logger.Info("Starting balance query")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	// No chain or bridge needed for read-only reports
	st, err := common.InitializeDatabaseOnly(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer st.Close()

	var mirror *formance.Mirror
	if *mirrorFlag {
		if !cfg.Formance.Enabled {
			logger.Fatal("-mirror requires FORMANCE_ENABLED=true")
		}
		catalog, err := common.LoadAssetCatalog(cfg.Watcher.AssetsFile)
		if err != nil {
			logger.Fatal("Failed to load asset catalogue", zap.Error(err))
		}
		mirror, err = common.OpenMirror(ctx, cfg.Formance, catalog)
		if err != nil {
			logger.Fatal("Failed to connect to Formance", zap.Error(err))
		}
	}

	accounts, err := common.ResolveAccounts(ctx, st, *emailFlag, logger)
	if err != nil {
		logger.Fatal("Failed to resolve accounts", zap.Error(err))
	}

	common.PrintHeader("ACCOUNT BALANCE REPORT", common.DefaultWidth)

	stats := balanceStats{}
	for _, account := range accounts {
		stats.totalAccounts++

		balanceCount, nftCount, err := processAccount(ctx, account, st, mirror)
		if err != nil {
			logger.Error("Failed to process account",
				zap.String("account_id", account.Id),
				zap.String("account_name", account.Name),
				zap.Error(err))
			continue
		}

		if balanceCount > 0 || nftCount > 0 {
			stats.accountsWithBalances++
			stats.totalBalances += balanceCount
			stats.totalNFTs += nftCount
		}
	}

	summary := fmt.Sprintf("SUMMARY: %d accounts with holdings (%d balances, %d NFTs across %d accounts queried)",
		stats.accountsWithBalances, stats.totalBalances, stats.totalNFTs, stats.totalAccounts)
	common.PrintFooter(summary, common.DefaultWidth)

	logger.Info("Balance query completed",
		zap.Int("accounts_queried", stats.totalAccounts),
		zap.Int("accounts_with_balances", stats.accountsWithBalances),
		zap.Int("total_balances", stats.totalBalances))
}
