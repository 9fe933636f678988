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

package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"custody-deposit-go/internal/chain"
	"custody-deposit-go/internal/metrics"
	"custody-deposit-go/internal/models"
	"custody-deposit-go/internal/store"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// DefaultLeaseTTL is how long a deposit address stays with one account.
const DefaultLeaseTTL = 24 * time.Hour

// Store is the slice of the ledger store that persists lease state
type Store interface {
	SyncDepositAddresses(ctx context.Context, addresses []models.DepositAddress) error
	LeaseAddress(ctx context.Context, accountId string, now time.Time, ttl time.Duration) (*models.DepositAddress, error)
	FindLeaseByAddress(ctx context.Context, address string) (*models.DepositAddress, error)
	ReleaseAddress(ctx context.Context, address string) error
	ReclaimExpiredLeases(ctx context.Context, now time.Time, ttl time.Duration) (int, error)
}

// Pool owns the deposit and treasury keys and hands out deposit addresses
type Pool struct {
	store    Store
	keys     []Key
	byAddr   map[common.Address]*KeySigner
	treasury *KeySigner
	ttl      time.Duration
	now      func() time.Time
	mu       sync.Mutex
}

// New derives the deposit pool and treasury key from cfg. Keys stay in memory.
func New(cfg models.PoolConfig, s Store) (*Pool, error) {
	keys, err := DerivePool(cfg.Mnemonic, cfg.Passphrase, cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to derive deposit pool: %w", err)
	}
	treasury, err := DeriveTreasury(cfg.Mnemonic, cfg.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to derive treasury key: %w", err)
	}

	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}

	p := &Pool{
		store:    s,
		keys:     keys,
		byAddr:   make(map[common.Address]*KeySigner, len(keys)),
		treasury: &KeySigner{key: treasury},
		ttl:      ttl,
		now:      time.Now,
	}
	for _, k := range keys {
		p.byAddr[k.Address] = &KeySigner{key: k}
	}

	zap.L().Info("Derived deposit address pool",
		zap.Int("size", len(keys)),
		zap.String("treasury", treasury.Address.Hex()),
		zap.Duration("lease_ttl", ttl))
	return p, nil
}

// Sync writes the derived addresses to storage, failing on a seed change.
func (p *Pool) Sync(ctx context.Context) error {
	addresses := make([]models.DepositAddress, 0, len(p.keys))
	for _, k := range p.keys {
		addresses = append(addresses, models.DepositAddress{Index: k.Index, Address: k.Address.Hex()})
	}
	return p.store.SyncDepositAddresses(ctx, addresses)
}

// Lease assigns a free (or expired) deposit address to accountId.
func (p *Pool) Lease(ctx context.Context, accountId string) (*models.DepositAddress, error) {
	addr, err := p.store.LeaseAddress(ctx, accountId, p.now(), p.ttl)
	if err != nil {
		if errors.Is(err, store.ErrPoolExhausted) {
			metrics.PoolLeases.WithLabelValues("exhausted").Inc()
			zap.L().Error("No deposit address available",
				zap.String("account_id", accountId),
				zap.Int("pool_size", len(p.keys)))
		} else {
			metrics.PoolLeases.WithLabelValues("error").Inc()
		}
		return nil, err
	}

	metrics.PoolLeases.WithLabelValues("leased").Inc()
	zap.L().Info("Leased deposit address",
		zap.String("account_id", accountId),
		zap.String("address", addr.Address),
		zap.Uint32("index", addr.Index))
	return addr, nil
}

// Release frees an address for the next lease.
func (p *Pool) Release(ctx context.Context, address common.Address) error {
	return p.store.ReleaseAddress(ctx, address.Hex())
}

// LeaseOwner returns the account an address is currently leased to.
// An expired lease that has not been reclaimed still belongs to its owner.
func (p *Pool) LeaseOwner(ctx context.Context, address common.Address) (string, bool, error) {
	if !p.Owns(address) {
		return "", false, nil
	}
	lease, err := p.store.FindLeaseByAddress(ctx, address.Hex())
	if err != nil {
		if errors.Is(err, store.ErrAddressNotInPool) {
			return "", false, nil
		}
		return "", false, err
	}
	if !lease.InUse || lease.LeaseOwner == "" {
		return "", false, nil
	}
	return lease.LeaseOwner, true, nil
}

// ReclaimExpired clears every lease older than the TTL.
func (p *Pool) ReclaimExpired(ctx context.Context) (int, error) {
	n, err := p.store.ReclaimExpiredLeases(ctx, p.now(), p.ttl)
	if err != nil {
		return 0, err
	}
	metrics.PoolReclaimed.Add(float64(n))
	return n, nil
}

// Owns reports whether address is one of the derived deposit addresses.
func (p *Pool) Owns(address common.Address) bool {
	_, ok := p.byAddr[address]
	return ok
}

// Addresses lists the derived deposit addresses in index order.
func (p *Pool) Addresses() []common.Address {
	out := make([]common.Address, 0, len(p.keys))
	for _, k := range p.keys {
		out = append(out, k.Address)
	}
	return out
}

// Treasury is the hot wallet signer.
func (p *Pool) Treasury() chain.Signer {
	return p.treasury
}

// TreasuryAddress is a convenience for callers that only need the address.
func (p *Pool) TreasuryAddress() common.Address {
	return p.treasury.Address()
}

func (p *Pool) signer(address common.Address) (*KeySigner, error) {
	s, ok := p.byAddr[address]
	if !ok {
		return nil, fmt.Errorf("%s: %w", address.Hex(), store.ErrAddressNotInPool)
	}
	return s, nil
}
