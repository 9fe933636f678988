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
	"errors"
	"net/http"
	"strconv"
	"strings"

	"custody-deposit-go/internal/api"
	"custody-deposit-go/internal/bridge"
	"custody-deposit-go/internal/chain"
	"custody-deposit-go/internal/deposit"
	"custody-deposit-go/internal/store"
	"custody-deposit-go/internal/watcher"
	"custody-deposit-go/internal/withdrawal"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type depositAddressRequest struct {
	Asset  string          `json:"asset" binding:"required"`
	Amount decimal.Decimal `json:"amount"`
}

type claimRequest struct {
	TxHash string `json:"tx_hash" binding:"required"`
}

func (s *Server) healthz(c *gin.Context) {
	if err := s.deps.Ledger.HealthCheck(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) depositAddress(c *gin.Context) {
	var req depositAddressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	instruction, err := s.deps.Deposits.RequestAddress(c.Request.Context(), c.GetString(accountKey), req.Asset, req.Amount)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, instruction)
}

func (s *Server) depositClaim(c *gin.Context) {
	if s.deps.Claimer == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "claims are disabled"})
		return
	}

	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	raw, err := hexutil.Decode(req.TxHash)
	if err != nil || len(raw) != ethcommon.HashLength {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tx_hash must be a 32-byte hex string"})
		return
	}

	claimed, err := s.deps.Claimer.Claim(c.Request.Context(), c.GetString(accountKey), ethcommon.BytesToHash(raw))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"credited": claimed})
}

func (s *Server) withdraw(c *gin.Context) {
	var req withdrawal.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	req.AccountId = c.GetString(accountKey)

	result, err := s.deps.Withdrawer.Withdraw(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, withdrawal.ErrSubmissionAfterDebit) && result != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "idempotency_key": result.IdempotencyKey})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) withdrawNFT(c *gin.Context) {
	var req withdrawal.NFTRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	req.AccountId = c.GetString(accountKey)

	result, err := s.deps.Withdrawer.WithdrawNFT(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, withdrawal.ErrSubmissionAfterDebit) && result != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "idempotency_key": result.IdempotencyKey})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) balance(c *gin.Context) {
	ctx := c.Request.Context()
	accountId := c.GetString(accountKey)

	if asset := c.Query("asset"); asset != "" {
		b, err := s.deps.Ledger.GetBalance(ctx, accountId, strings.ToUpper(asset))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, b)
		return
	}

	balances, err := s.deps.Ledger.GetBalances(ctx, accountId)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balances": balances})
}

func (s *Server) history(c *gin.Context) {
	offset, count := pageParams(c)
	page, err := s.deps.Ledger.GetHistory(c.Request.Context(), c.GetString(accountKey), offset, count)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) nftHistory(c *gin.Context) {
	offset, count := pageParams(c)
	page, err := s.deps.Ledger.GetNFTHistory(c.Request.Context(), c.GetString(accountKey), offset, count)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) nfts(c *gin.Context) {
	holdings, err := s.deps.Ledger.ListNFTHoldings(c.Request.Context(), c.GetString(accountKey))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"holdings": holdings})
}

// pageParams leaves clamping to the ledger; unparsable values become zero
func pageParams(c *gin.Context) (int, int) {
	offset, _ := strconv.Atoi(c.Query("offset"))
	count, _ := strconv.Atoi(c.Query("count"))
	return offset, count
}

func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, withdrawal.ErrInvalidRequest),
		errors.Is(err, withdrawal.ErrUnknownRoute),
		errors.Is(err, api.ErrInvalidRequest),
		errors.Is(err, deposit.ErrUnsupportedAsset),
		errors.Is(err, deposit.ErrAmountRequired),
		errors.Is(err, deposit.ErrBelowMinimum):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrInsufficientFunds),
		errors.Is(err, store.ErrNFTNotOwned),
		errors.Is(err, chain.ErrTxFailed):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrAccountNotFound),
		errors.Is(err, watcher.ErrNothingToClaim),
		errors.Is(err, chain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrPoolExhausted),
		errors.Is(err, store.ErrConcurrentModification),
		errors.Is(err, bridge.ErrBridgeUnavailable),
		errors.Is(err, chain.ErrRpcUnavailable):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		zap.L().Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
