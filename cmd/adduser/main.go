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
	"regexp"
	"strings"

	"custody-deposit-go/internal/common"
	"custody-deposit-go/internal/config"
	"custody-deposit-go/internal/pool"
	"custody-deposit-go/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

func validateEmail(email string) error {
	if email == "" {
		return fmt.Errorf("email cannot be empty")
	}
	if !emailRegex.MatchString(email) {
		return fmt.Errorf("invalid email format: %s", email)
	}
	return nil
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if len(name) < 2 {
		return fmt.Errorf("name must be at least 2 characters")
	}
	return nil
}

func main() {
	ctx := context.Background()

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	nameFlag := flag.String("name", "", "Account holder's full name (required)")
	emailFlag := flag.String("email", "", "Account email address (required)")
	leaseFlag := flag.Bool("lease", false, "Lease a deposit address for the new account")
	flag.Parse()

	if *nameFlag == "" || *emailFlag == "" {
		zap.L().Fatal("Both flags are required: --name and --email")
	}
	if err := validateName(*nameFlag); err != nil {
		zap.L().Fatal("Invalid name", zap.Error(err))
	}
	if err := validateEmail(*emailFlag); err != nil {
		zap.L().Fatal("Invalid email", zap.Error(err))
	}

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Failed to load config", zap.Error(err))
	}

	st, err := common.InitializeDatabaseOnly(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize database", zap.Error(err))
	}
	defer st.Close()

	accountId := uuid.New().String()
	zap.L().Info("Creating account",
		zap.String("id", accountId),
		zap.String("name", *nameFlag),
		zap.String("email", *emailFlag))

	account, err := st.CreateAccount(ctx, accountId, *nameFlag, strings.ToLower(*emailFlag))
	if err != nil {
		if strings.Contains(err.Error(), "already exists") {
			zap.L().Fatal("Account already exists with this email", zap.String("email", *emailFlag))
		}
		zap.L().Fatal("Failed to create account", zap.Error(err))
	}

	fmt.Println()
	common.PrintHeader("ACCOUNT CREATED", common.DefaultWidth)
	fmt.Printf("ID:    %s\n", account.Id)
	fmt.Printf("Name:  %s\n", account.Name)
	fmt.Printf("Email: %s\n", account.Email)

	if *leaseFlag {
		p, err := pool.New(cfg.Pool, st)
		if err != nil {
			zap.L().Fatal("Failed to load address pool", zap.Error(err))
		}
		lease, err := p.Lease(ctx, account.Id)
		switch {
		case errors.Is(err, store.ErrPoolExhausted):
			fmt.Println("Deposit address: none available, pool exhausted")
		case err != nil:
			zap.L().Fatal("Failed to lease deposit address", zap.Error(err))
		default:
			fmt.Printf("Deposit address: %s (valid %s)\n", lease.Address, cfg.Pool.LeaseTTL)
		}
	}

	common.PrintSeparator("=", common.DefaultWidth)
	fmt.Println()

	zap.L().Info("Account created successfully", zap.String("id", account.Id))
}
