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
	"errors"
	"flag"
	"fmt"

	"custody-deposit-go/internal/api"
	"custody-deposit-go/internal/common"
	"custody-deposit-go/internal/config"
	"custody-deposit-go/internal/models"
	"custody-deposit-go/internal/store"

	"go.uber.org/zap"
)

func printItem(item models.ReconciliationItem, isLast bool) {
	fmt.Printf("%s [%s] %s  %s\n", common.BoxPrefix(isLast), item.Id, item.Kind, item.CreatedAt.Format("2006-01-02 15:04:05"))
	detail := common.BoxDetailPrefix(isLast)
	if item.AccountId != "" {
		fmt.Printf("%s account %s, %s %s\n", detail, common.ShortId(item.AccountId), item.Amount.String(), item.Asset)
	}
	fmt.Printf("%s ref %s\n", detail, item.Reference)
	fmt.Printf("%s %s\n", detail, item.Reason)
	if item.Resolved {
		fmt.Printf("%s resolved %s: %s\n", detail, item.ResolvedAt.Format("2006-01-02 15:04:05"), item.Resolution)
	}
}

func main() {
	ctx := context.Background()

	logger, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	allFlag := flag.Bool("all", false, "Include resolved items")
	runFlag := flag.Bool("run", false, "Check every balance against its ledger entries before listing")
	resolveFlag := flag.String("resolve", "", "Mark the item with this id as resolved")
	resolutionFlag := flag.String("resolution", "", "Operator note recorded with -resolve")
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

	ledger := api.NewLedgerService(st)

	if *resolveFlag != "" {
		if *resolutionFlag == "" {
			logger.Fatal("-resolution is required with -resolve")
		}
		err := ledger.ResolveReconciliationItem(ctx, *resolveFlag, *resolutionFlag)
		if errors.Is(err, store.ErrItemNotFound) {
			fmt.Printf("❌ No open item with id %s\n", *resolveFlag)
			return
		}
		if err != nil {
			logger.Fatal("Failed to resolve item", zap.String("id", *resolveFlag), zap.Error(err))
		}
		fmt.Printf("✅ Item %s resolved\n", *resolveFlag)
		return
	}

	if *runFlag {
		checked, mismatched, err := ledger.ReconcileAll(ctx)
		if err != nil {
			logger.Fatal("Reconciliation failed", zap.Error(err))
		}
		fmt.Printf("Checked %d balances, %d mismatched\n", checked, mismatched)
	}

	items, err := ledger.ListReconciliationItems(ctx, *allFlag)
	if err != nil {
		logger.Fatal("Failed to list reconciliation items", zap.Error(err))
	}

	common.PrintHeader("RECONCILIATION QUEUE", common.DefaultWidth)
	if len(items) == 0 {
		fmt.Println("Nothing to reconcile")
	}
	open := 0
	for i, item := range items {
		if !item.Resolved {
			open++
		}
		printItem(item, i == len(items)-1)
	}
	common.PrintFooter(fmt.Sprintf("SUMMARY: %d items, %d open", len(items), open), common.DefaultWidth)
}
