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
	"time"

	"custody-deposit-go/internal/common"
	"custody-deposit-go/internal/config"
	"custody-deposit-go/internal/models"

	"go.uber.org/zap"
)

type reportStats struct {
	total   int
	leased  int
	expired int
}

func printAddress(addr models.DepositAddress, ttl time.Duration, now time.Time, isLast bool) {
	symbol := common.BoxPrefix(isLast)
	fmt.Printf("%s #%-4d %s  %s\n", symbol, addr.Index, addr.Address, common.LeaseState(addr, ttl, now))
}

func filterByOwner(addresses []models.DepositAddress, owners map[string]bool) []models.DepositAddress {
	if owners == nil {
		return addresses
	}
	var out []models.DepositAddress
	for _, a := range addresses {
		if a.InUse && owners[a.LeaseOwner] {
			out = append(out, a)
		}
	}
	return out
}

func main() {
	ctx := context.Background()

	logger, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	emailFlag := flag.String("email", "", "Only show addresses leased to this account (optional)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	st, err := common.InitializeDatabaseOnly(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer st.Close()

	var owners map[string]bool
	if *emailFlag != "" {
		accounts, err := common.ResolveAccounts(ctx, st, *emailFlag, logger)
		if err != nil {
			logger.Fatal("Failed to resolve account", zap.Error(err))
		}
		owners = make(map[string]bool, len(accounts))
		for _, a := range accounts {
			owners[a.Id] = true
		}
	}

	addresses, err := st.ListDepositAddresses(ctx)
	if err != nil {
		logger.Fatal("Failed to list deposit addresses", zap.Error(err))
	}
	addresses = filterByOwner(addresses, owners)

	common.PrintHeader("DEPOSIT ADDRESS POOL", common.WideWidth)

	now := time.Now()
	stats := reportStats{total: len(addresses)}
	for i, addr := range addresses {
		printAddress(addr, cfg.Pool.LeaseTTL, now, i == len(addresses)-1)
		if addr.Expired(now, cfg.Pool.LeaseTTL) {
			stats.expired++
		} else if addr.InUse {
			stats.leased++
		}
	}

	summary := fmt.Sprintf("SUMMARY: %d addresses, %d leased, %d expired awaiting reclaim, %d free",
		stats.total, stats.leased, stats.expired, stats.total-stats.leased-stats.expired)
	common.PrintFooter(summary, common.WideWidth)

	logger.Info("Address report completed",
		zap.Int("total", stats.total),
		zap.Int("leased", stats.leased),
		zap.Int("expired", stats.expired))
}
