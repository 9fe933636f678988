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

package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"custody-deposit-go/internal/models"
	"custody-deposit-go/internal/watcher"
	"custody-deposit-go/internal/withdrawal"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Ledger is the read side of api.LedgerService exposed over HTTP
type Ledger interface {
	HealthCheck(ctx context.Context) error
	GetAccount(ctx context.Context, accountId string) (*models.Account, error)
	GetBalance(ctx context.Context, accountId, asset string) (*models.Balance, error)
	GetBalances(ctx context.Context, accountId string) ([]models.Balance, error)
	GetHistory(ctx context.Context, accountId string, offset, count int) (*models.HistoryPage, error)
	ListNFTHoldings(ctx context.Context, accountId string) ([]models.NFTHolding, error)
	GetNFTHistory(ctx context.Context, accountId string, offset, count int) (*models.NFTHistoryPage, error)
}

type Depositor interface {
	RequestAddress(ctx context.Context, accountId, symbol string, amount decimal.Decimal) (*models.DepositInstruction, error)
}

type Claimer interface {
	Claim(ctx context.Context, accountId string, txHash ethcommon.Hash) ([]watcher.Claimed, error)
}

type Withdrawer interface {
	Withdraw(ctx context.Context, req withdrawal.Request) (*withdrawal.Result, error)
	WithdrawNFT(ctx context.Context, req withdrawal.NFTRequest) (*withdrawal.NFTResult, error)
}

// Deps are the services behind the routes. Claimer may be nil.
type Deps struct {
	Ledger     Ledger
	Deposits   Depositor
	Claimer    Claimer
	Withdrawer Withdrawer
}

type Server struct {
	deps   Deps
	cfg    models.ServerConfig
	engine *gin.Engine
}

func New(cfg models.ServerConfig, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{deps: deps, cfg: cfg, engine: gin.New()}
	s.engine.Use(gin.Recovery(), requestLogger())
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.healthz)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authed := s.engine.Group("/", Authentication([]byte(s.cfg.JwtSecret), s.deps.Ledger))
	authed.POST("/deposit/address", s.depositAddress)
	authed.POST("/deposit/claim", s.depositClaim)
	authed.POST("/withdraw", s.withdraw)
	authed.POST("/withdraw/nft", s.withdrawNFT)
	authed.GET("/balance", s.balance)
	authed.GET("/history", s.history)
	authed.GET("/history/nft", s.nftHistory)
	authed.GET("/nfts", s.nfts)
}

// Handler exposes the router for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then drains in-flight requests
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zap.L().Info("HTTP server listening", zap.String("addr", s.cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	zap.L().Info("Shutting down HTTP server")
	return srv.Shutdown(shutdownCtx)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		zap.L().Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("account_id", c.GetString(accountKey)))
	}
}
