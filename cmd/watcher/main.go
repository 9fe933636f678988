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
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"custody-deposit-go/internal/common"
	"custody-deposit-go/internal/config"
	"custody-deposit-go/internal/events"
	"custody-deposit-go/internal/watcher"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type stopper interface {
	Stop()
}

func startMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		zap.L().Info("Metrics server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Error("Metrics server failed", zap.Error(err))
		}
	}()
	return srv
}

func main() {
	noBridge := flag.Bool("no-bridge", false, "Do not poll bridge exchanges")
	noMaintenance := flag.Bool("no-maintenance", false, "Do not run lease reclaim and reconciliation jobs")
	flag.Parse()

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Failed to load configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	zap.L().Info("Starting deposit watcher", zap.String("chain", cfg.Chain.Name))

	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	// Only one watcher per chain may credit
	var lost <-chan struct{}
	if cfg.Watcher.LockEnabled {
		if services.Redis == nil {
			zap.L().Fatal("WATCHER_LOCK_ENABLED requires REDIS_URL")
		}
		lock := events.NewLock(services.Redis, "watcher:"+cfg.Chain.Name, cfg.Redis.LockTTL)
		if err := lock.Acquire(ctx); err != nil {
			zap.L().Fatal("Failed to acquire watcher lock", zap.Error(err))
		}
		lost = lock.Hold(ctx)
		zap.L().Info("Watcher lock acquired", zap.String("chain", cfg.Chain.Name))
	}

	metricsServer := startMetricsServer(cfg.Watcher.MetricsAddr)

	if count, err := services.Ledger.RefreshOpenGauge(ctx); err != nil {
		zap.L().Warn("Failed to load reconciliation backlog", zap.Error(err))
	} else if count > 0 {
		zap.L().Warn("Open reconciliation items", zap.Int("count", count))
	}

	dispatcher := watcher.NewDispatcher(services.Ledger)
	dispatcher.Start(ctx)

	chainWatcher := watcher.NewChainWatcher(watcher.ChainWatcherConfig{
		Client:        services.Chain,
		Pool:          services.Pool,
		Store:         services.Store,
		Ledger:        services.Ledger,
		Dispatcher:    dispatcher,
		Catalog:       services.Catalog,
		Confirmations: cfg.Chain.Confirmations,
		PollInterval:  cfg.Chain.PollInterval,
		StartBlock:    cfg.Chain.StartBlock,
		SingleUse:     cfg.Pool.SingleUse,
		SweepEnabled:  cfg.Pool.SweepEnabled,
	})
	chainWatcher.Start(ctx)

	// Stopped together on shutdown; the dispatcher goes last
	running := []stopper{chainWatcher}

	if services.Bridge != nil && !*noBridge {
		var publisher events.Publisher = events.NopPublisher{}
		if services.Redis != nil {
			publisher = events.NewRedisPublisher(services.Redis)
		}
		bridgeWatcher := watcher.NewBridgeWatcher(watcher.BridgeWatcherConfig{
			Bridge:       services.Bridge,
			Store:        services.Store,
			Ledger:       services.Ledger,
			Dispatcher:   dispatcher,
			Publisher:    publisher,
			Stream:       cfg.Redis.EventsChannel,
			PollInterval: cfg.Bridge.PollInterval,
			Deadline:     cfg.Bridge.Deadline,
		})
		bridgeWatcher.Start(ctx)
		running = append(running, bridgeWatcher)
	}

	if !*noMaintenance {
		maintenance := watcher.NewMaintenance(services.Pool, services.Ledger)
		if err := maintenance.Start(cfg.Watcher.LeaseSweepSchedule, cfg.Watcher.ReconcileSchedule); err != nil {
			zap.L().Fatal("Failed to schedule maintenance jobs", zap.Error(err))
		}
		running = append(running, maintenance)
	}

	zap.L().Info("Deposit watcher running", zap.Int("components", len(running)))
	zap.L().Info("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
		zap.L().Info("Shutdown signal received, stopping watcher...")
	case <-lost:
		zap.L().Error("Watcher lock lost, stopping to avoid double crediting")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, s := range running {
			wg.Add(1)
			go func(s stopper) {
				defer wg.Done()
				s.Stop()
			}(s)
		}
		wg.Wait()
		dispatcher.Stop()
		close(done)
	}()

	select {
	case <-done:
		zap.L().Info("Watcher stopped gracefully")
	case <-shutdownCtx.Done():
		zap.L().Warn("Forced shutdown after timeout")
	}

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		zap.L().Warn("Failed to stop metrics server", zap.Error(err))
	}
	cancel()
}
