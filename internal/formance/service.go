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

package formance

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"custody-deposit-go/internal/models"

	v3 "github.com/formancehq/formance-sdk-go/v3"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/operations"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/sdkerrors"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/shared"
	"go.uber.org/zap"
)

// defaultPrecision maps asset symbols to their decimal precision when the catalogue does not say.
var defaultPrecision = map[string]int32{
	"USDC": 6,
	"USDT": 6,
	"BTC":  8,
	"ETH":  18,
	"SOL":  9,
}

// Mirror copies local ledger entries into a Formance Stack ledger.
// The local ledger stays authoritative; the mirror is best-effort.
type Mirror struct {
	client    *v3.Formance
	ledger    string
	precision map[string]int32
}

// NewMirror connects to the stack and creates the ledger if it doesn't already exist.
// precision overrides defaultPrecision per symbol (usually the asset catalogue decimals).
func NewMirror(ctx context.Context, cfg models.FormanceConfig, precision map[string]int32) (*Mirror, error) {
	if cfg.StackURL == "" || cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("formance config requires StackURL, ClientID, and ClientSecret")
	}
	if cfg.LedgerName == "" {
		cfg.LedgerName = "custody-deposit"
	}

	zap.L().Info("Connecting to Formance Stack",
		zap.String("stack_url", cfg.StackURL),
		zap.String("ledger", cfg.LedgerName))

	client := v3.New(
		v3.WithServerURL(cfg.StackURL),
		v3.WithSecurity(shared.Security{
			ClientID:     v3.Pointer(cfg.ClientID),
			ClientSecret: v3.Pointer(cfg.ClientSecret),
		}),
	)

	m := &Mirror{client: client, ledger: cfg.LedgerName, precision: mergePrecision(precision)}

	if err := m.ensureLedger(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure ledger exists: %w", err)
	}

	zap.L().Info("Formance mirror initialized", zap.String("ledger", cfg.LedgerName))
	return m, nil
}

func mergePrecision(overrides map[string]int32) map[string]int32 {
	merged := make(map[string]int32, len(defaultPrecision)+len(overrides))
	for k, v := range defaultPrecision {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[strings.ToUpper(k)] = v
	}
	return merged
}

// ensureLedger creates the ledger if it does not already exist.
func (m *Mirror) ensureLedger(ctx context.Context) error {
	_, err := m.client.Ledger.V2.CreateLedger(ctx, operations.V2CreateLedgerRequest{
		Ledger: m.ledger,
		V2CreateLedgerRequest: shared.V2CreateLedgerRequest{
			Metadata: map[string]string{
				"application": "custody-deposit",
			},
		},
	})
	if err != nil {
		var apiErr *sdkerrors.V2ErrorResponse
		if errors.As(err, &apiErr) && apiErr.ErrorCode == shared.V2ErrorsEnumLedgerAlreadyExists {
			zap.L().Info("Ledger already exists", zap.String("ledger", m.ledger))
			return nil
		}
		return err
	}
	zap.L().Info("Ledger created", zap.String("ledger", m.ledger))
	return nil
}

// ---------- helpers ----------

// formanceAsset returns the Formance UMN notation, e.g. "USDC/6".
func (m *Mirror) formanceAsset(symbol string) string {
	return fmt.Sprintf("%s/%d", strings.ToUpper(symbol), m.precisionFor(symbol))
}

func (m *Mirror) precisionFor(symbol string) int32 {
	if p, ok := m.precision[strings.ToUpper(symbol)]; ok {
		return p
	}
	return 6
}

// isConflictError checks whether a Formance SDK error is a CONFLICT (duplicate reference).
func isConflictError(err error) bool {
	var apiErr *sdkerrors.V2ErrorResponse
	return errors.As(err, &apiErr) && apiErr.ErrorCode == shared.V2ErrorsEnumConflict
}

// isNotFoundError checks whether a Formance SDK error is NOT_FOUND.
func isNotFoundError(err error) bool {
	var apiErr *sdkerrors.V2ErrorResponse
	return errors.As(err, &apiErr) && apiErr.ErrorCode == shared.V2ErrorsEnumNotFound
}

func strPtr(s string) *string { return &s }
