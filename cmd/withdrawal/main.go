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
	"strings"

	"custody-deposit-go/internal/common"
	"custody-deposit-go/internal/config"
	"custody-deposit-go/internal/models"
	"custody-deposit-go/internal/store"
	"custody-deposit-go/internal/withdrawal"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type withdrawalFlags struct {
	email          string
	asset          string
	amount         decimal.Decimal
	destination    string
	route          string
	toTicker       string
	idempotencyKey string
	contract       string
	tokenId        string
}

func parseAndValidateFlags() (*withdrawalFlags, error) {
	emailFlag := flag.String("email", "", "Account email (required)")
	assetFlag := flag.String("asset", "", "Asset symbol from assets.yaml, e.g. ETH or USDT (required)")
	amountFlag := flag.String("amount", "", "Amount to withdraw (required)")
	destinationFlag := flag.String("destination", "", "Destination address (required)")
	routeFlag := flag.String("route", "", "chain, bridge or prime (default WITHDRAWAL_DEFAULT_ROUTE)")
	toFlag := flag.String("to", "", "Bridge output ticker for the bridge route, e.g. eth")
	keyFlag := flag.String("idempotency-key", "", "Reuse to retry a withdrawal safely (default: generated)")
	contractFlag := flag.String("contract", "", "NFT contract address; switches to NFT withdrawal")
	tokenFlag := flag.String("token-id", "", "NFT token id (with --contract)")
	flag.Parse()

	if *contractFlag != "" {
		if *emailFlag == "" || *tokenFlag == "" || *destinationFlag == "" {
			return nil, fmt.Errorf("NFT withdrawal requires --email, --contract, --token-id, --destination")
		}
		units := decimal.NewFromInt(1)
		if *amountFlag != "" {
			parsed, err := decimal.NewFromString(*amountFlag)
			if err != nil || !parsed.IsInteger() || !parsed.IsPositive() {
				return nil, fmt.Errorf("NFT amount must be a positive whole number")
			}
			units = parsed
		}
		return &withdrawalFlags{
			email:          *emailFlag,
			amount:         units,
			destination:    *destinationFlag,
			idempotencyKey: *keyFlag,
			contract:       *contractFlag,
			tokenId:        *tokenFlag,
		}, nil
	}

	if *emailFlag == "" || *assetFlag == "" || *amountFlag == "" || *destinationFlag == "" {
		return nil, fmt.Errorf("all flags are required: --email, --asset, --amount, --destination")
	}

	amount, err := decimal.NewFromString(*amountFlag)
	if err != nil {
		return nil, fmt.Errorf("invalid amount format: %w", err)
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("amount must be greater than zero")
	}

	return &withdrawalFlags{
		email:          *emailFlag,
		asset:          strings.ToUpper(*assetFlag),
		amount:         amount,
		destination:    *destinationFlag,
		route:          *routeFlag,
		toTicker:       *toFlag,
		idempotencyKey: *keyFlag,
	}, nil
}

func printWithdrawalSummary(account *models.Account, balance *models.Balance, f *withdrawalFlags) {
	common.PrintHeader("WITHDRAWAL REQUEST", common.DefaultWidth)
	fmt.Printf("Account:           %s (%s)\n", account.Name, account.Email)
	fmt.Printf("Asset:             %s\n", f.asset)
	fmt.Printf("Available Balance: %s %s\n", balance.Available.String(), f.asset)
	fmt.Printf("Withdrawal Amount: %s %s (plus network fee)\n", f.amount.String(), f.asset)
	fmt.Printf("Destination:       %s\n", f.destination)
	if f.route != "" {
		fmt.Printf("Route:             %s\n", f.route)
	}
	common.PrintSeparator("=", common.DefaultWidth)
	fmt.Println()
}

func printResult(result *withdrawal.Result, asset string) {
	if result.Duplicate {
		fmt.Println("\n✅ Withdrawal already processed (idempotent)")
		fmt.Printf("   Original entry:  %s\n", result.Entry.Id)
		fmt.Printf("   Amount:          %s %s (fee %s)\n", result.Entry.Amount, asset, result.Entry.Fee)
		fmt.Printf("   Processed at:    %s\n\n", result.Entry.CreatedAt.Format("2006-01-02 15:04:05"))
		return
	}

	fmt.Printf("✅ Withdrawal submitted via %s\n", result.Route)
	fmt.Printf("   Reference:       %s\n", result.TxRef)
	fmt.Printf("   Fee:             %s %s\n", result.Fee, asset)
	fmt.Printf("   New balance:     %s %s\n", result.Entry.BalanceAfter, asset)
	fmt.Printf("   Idempotency key: %s\n\n", result.IdempotencyKey)
}

func withdrawNFT(ctx context.Context, executor *withdrawal.Executor, account *models.Account, f *withdrawalFlags) {
	common.PrintHeader("NFT WITHDRAWAL REQUEST", common.DefaultWidth)
	fmt.Printf("Account:     %s (%s)\n", account.Name, account.Email)
	fmt.Printf("Token:       %s #%s x%s\n", f.contract, f.tokenId, f.amount.String())
	fmt.Printf("Destination: %s\n", f.destination)
	common.PrintSeparator("=", common.DefaultWidth)
	fmt.Println()

	result, err := executor.WithdrawNFT(ctx, withdrawal.NFTRequest{
		AccountId:      account.Id,
		Contract:       f.contract,
		TokenId:        f.tokenId,
		Units:          f.amount.IntPart(),
		Destination:    f.destination,
		IdempotencyKey: f.idempotencyKey,
	})
	switch {
	case errors.Is(err, store.ErrNFTNotOwned):
		fmt.Println("❌ Account does not hold this token")
		zap.L().Fatal("NFT withdrawal rejected", zap.Error(err))
	case errors.Is(err, withdrawal.ErrSubmissionAfterDebit):
		fmt.Println("❌ Custody released but the transfer could not be submitted")
		fmt.Println("   A reconciliation item was queued; inspect it with: go run cmd/reconcile/main.go")
		zap.L().Fatal("Submission failed after release",
			zap.String("idempotency_key", result.IdempotencyKey),
			zap.Error(err))
	case err != nil:
		fmt.Println("❌ NFT withdrawal failed")
		zap.L().Fatal("NFT withdrawal failed", zap.Error(err))
	}

	if result.Duplicate {
		fmt.Println("✅ NFT withdrawal already processed (idempotent)")
	} else {
		fmt.Printf("✅ NFT transfer submitted: %s\n", result.TxRef)
	}
	fmt.Printf("   Holdings released: %d\n", len(result.Holdings))
	fmt.Printf("   Idempotency key:   %s\n\n", result.IdempotencyKey)
}

func main() {
	ctx := context.Background()

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	f, err := parseAndValidateFlags()
	if err != nil {
		zap.L().Fatal("Invalid flags", zap.Error(err))
	}

	zap.L().Info("Starting withdrawal process",
		zap.String("email", f.email),
		zap.String("asset", f.asset),
		zap.String("amount", f.amount.String()),
		zap.String("destination", f.destination))

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Failed to load config", zap.Error(err))
	}

	zap.L().Info("Initializing services")
	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	account, err := services.Store.GetAccountByEmail(ctx, f.email)
	if err != nil {
		common.PrintHeader("WITHDRAWAL FAILED", common.DefaultWidth)
		fmt.Printf("Error: Account not found for email %s\n", f.email)
		common.PrintSeparator("=", common.DefaultWidth)
		zap.L().Fatal("Account not found", zap.String("email", f.email), zap.Error(err))
	}

	executor := withdrawal.NewFromServices(services, *cfg)
	if f.contract != "" {
		withdrawNFT(ctx, executor, account, f)
		return
	}

	balance, err := services.Ledger.GetBalance(ctx, account.Id, f.asset)
	if err != nil {
		zap.L().Fatal("Failed to read balance", zap.Error(err))
	}
	printWithdrawalSummary(account, balance, f)

	result, err := executor.Withdraw(ctx, withdrawal.Request{
		AccountId:         account.Id,
		Asset:             f.asset,
		Amount:            f.amount,
		Destination:       f.destination,
		DestinationTicker: f.toTicker,
		Route:             f.route,
		IdempotencyKey:    f.idempotencyKey,
	})
	switch {
	case errors.Is(err, store.ErrInsufficientFunds):
		fmt.Println("❌ Insufficient balance for amount plus network fee")
		zap.L().Fatal("Withdrawal rejected", zap.Error(err))
	case errors.Is(err, withdrawal.ErrSubmissionAfterDebit):
		fmt.Println("❌ Balance debited but the transfer could not be submitted")
		fmt.Println("   A reconciliation item was queued; inspect it with: go run cmd/reconcile/main.go")
		zap.L().Fatal("Submission failed after debit",
			zap.String("idempotency_key", result.IdempotencyKey),
			zap.Error(err))
	case err != nil:
		fmt.Println("❌ Withdrawal failed")
		zap.L().Fatal("Withdrawal failed", zap.Error(err))
	}

	printResult(result, f.asset)

	zap.L().Info("Withdrawal completed",
		zap.String("account_id", account.Id),
		zap.String("asset", f.asset),
		zap.String("amount", f.amount.String()),
		zap.String("tx_ref", result.TxRef))
}
