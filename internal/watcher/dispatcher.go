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

package watcher

import (
	"context"
	"errors"
	"fmt"

	"custody-deposit-go/internal/models"
	"custody-deposit-go/internal/store"

	"go.uber.org/zap"
)

// ErrDispatcherStopped is returned for requests submitted after Stop.
var ErrDispatcherStopped = errors.New("dispatcher stopped")

// Ledger is the part of api.LedgerService the watchers need
type Ledger interface {
	Credit(ctx context.Context, params store.CreditParams) (*models.MutationResult, error)
	DepositNFT(ctx context.Context, params store.NFTDepositParams) (*models.NFTResult, error)
	RecordReconciliation(ctx context.Context, item models.ReconciliationItem) (*models.ReconciliationItem, error)
}

// Outcome is the ledger's answer to one dispatched event
type Outcome struct {
	Entry     *models.LedgerEntry
	Holdings  []models.NFTHolding
	Duplicate bool
}

type request struct {
	ctx    context.Context
	credit *store.CreditParams
	nft    *store.NFTDepositParams
	reply  chan reply
}

type reply struct {
	outcome Outcome
	err     error
}

// Dispatcher is the single goroutine that applies watcher events to the ledger.
// Senders block until their event has been applied or rejected.
type Dispatcher struct {
	ledger   Ledger
	requests chan request

	stopChan chan struct{}
	doneChan chan struct{}
}

func NewDispatcher(ledger Ledger) *Dispatcher {
	return &Dispatcher{
		ledger:   ledger,
		requests: make(chan request),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start runs the dispatch loop until Stop is called or ctx is done
func (d *Dispatcher) Start(ctx context.Context) {
	go d.run(ctx)
}

func (d *Dispatcher) Stop() {
	close(d.stopChan)
	<-d.doneChan
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.doneChan)
	for {
		select {
		case req := <-d.requests:
			req.reply <- d.apply(req)
		case <-d.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) apply(req request) reply {
	switch {
	case req.credit != nil:
		result, err := d.ledger.Credit(req.ctx, *req.credit)
		if err != nil {
			return reply{err: err}
		}
		return reply{outcome: Outcome{Entry: result.Entry, Duplicate: result.Duplicate}}
	case req.nft != nil:
		result, err := d.ledger.DepositNFT(req.ctx, *req.nft)
		if err != nil {
			return reply{err: err}
		}
		return reply{outcome: Outcome{Holdings: result.Holdings, Duplicate: result.Duplicate}}
	default:
		return reply{err: fmt.Errorf("empty dispatch request")}
	}
}

// Credit sends a fungible credit and waits for the ledger's answer.
func (d *Dispatcher) Credit(ctx context.Context, params store.CreditParams) (Outcome, error) {
	return d.submit(ctx, request{ctx: ctx, credit: &params})
}

// DepositNFT sends an NFT custody change and waits for the ledger's answer.
func (d *Dispatcher) DepositNFT(ctx context.Context, params store.NFTDepositParams) (Outcome, error) {
	return d.submit(ctx, request{ctx: ctx, nft: &params})
}

func (d *Dispatcher) submit(ctx context.Context, req request) (Outcome, error) {
	req.reply = make(chan reply, 1)

	select {
	case d.requests <- req:
	case <-d.stopChan:
		return Outcome{}, ErrDispatcherStopped
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}

	select {
	case r := <-req.reply:
		if r.err != nil {
			zap.L().Debug("Dispatch rejected", zap.Error(r.err))
		}
		return r.outcome, r.err
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}
