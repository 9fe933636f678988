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
	"os/signal"
	"syscall"

	"custody-deposit-go/internal/common"
	"custody-deposit-go/internal/config"
	"custody-deposit-go/internal/deposit"
	"custody-deposit-go/internal/server"
	"custody-deposit-go/internal/watcher"
	"custody-deposit-go/internal/withdrawal"

	"go.uber.org/zap"
)

func main() {
	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Failed to load configuration", zap.Error(err))
	}
	if cfg.Server.JwtSecret == "" {
		zap.L().Fatal("JWT_SECRET is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	srv := server.New(cfg.Server, server.Deps{
		Ledger:     services.Ledger,
		Deposits:   deposit.NewService(services.Pool, services.Bridge, services.Store, services.Catalog, *cfg),
		Claimer:    watcher.NewClaimer(services.Chain, services.Ledger, services.Pool, services.Store, services.Catalog, cfg.Chain.Confirmations),
		Withdrawer: withdrawal.NewFromServices(services, *cfg),
	})

	if err := srv.Run(ctx); err != nil {
		zap.L().Error("HTTP server stopped with error", zap.Error(err))
		return
	}
	zap.L().Info("Server exited gracefully")
}
