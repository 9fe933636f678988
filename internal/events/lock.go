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

package events

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

//go:embed lua/release.lua
var luaRelease string

//go:embed lua/refresh.lua
var luaRefresh string

// ErrLockHeld is returned when another process owns the lock.
var ErrLockHeld = errors.New("lock held by another owner")

// Lock is a single-owner lease in Redis. Only the holder of the token can refresh or release it.
type Lock struct {
	rdb        redis.UniversalClient
	key        string
	token      string
	ttl        time.Duration
	scrRelease *redis.Script
	scrRefresh *redis.Script
}

func NewLock(rdb redis.UniversalClient, name string, ttl time.Duration) *Lock {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Lock{
		rdb:        rdb,
		key:        "lock:{" + name + "}",
		token:      uuid.New().String(),
		ttl:        ttl,
		scrRelease: redis.NewScript(luaRelease),
		scrRefresh: redis.NewScript(luaRefresh),
	}
}

func (l *Lock) Acquire(ctx context.Context) error {
	ok, err := l.rdb.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire %s: %w", l.key, err)
	}
	if !ok {
		return fmt.Errorf("%s: %w", l.key, ErrLockHeld)
	}
	return nil
}

func (l *Lock) Refresh(ctx context.Context) error {
	n, err := l.scrRefresh.Run(ctx, l.rdb, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("refresh %s: %w", l.key, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", l.key, ErrLockHeld)
	}
	return nil
}

func (l *Lock) Release(ctx context.Context) error {
	if _, err := l.scrRelease.Run(ctx, l.rdb, []string{l.key}, l.token).Int64(); err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	return nil
}

// Hold refreshes the lock at a third of its TTL until ctx ends, then releases it.
// lost is closed if the lock is taken over.
func (l *Lock) Hold(ctx context.Context) (lost <-chan struct{}) {
	ch := make(chan struct{})
	go func() {
		ticker := time.NewTicker(l.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := l.Release(releaseCtx); err != nil {
					zap.L().Warn("Failed to release lock", zap.String("key", l.key), zap.Error(err))
				}
				cancel()
				return
			case <-ticker.C:
				if err := l.Refresh(ctx); err != nil {
					if ctx.Err() != nil {
						continue
					}
					zap.L().Error("Lost lock", zap.String("key", l.key), zap.Error(err))
					close(ch)
					return
				}
			}
		}
	}()
	return ch
}
