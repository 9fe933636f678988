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

package common

import (
	"context"
	"fmt"

	"custody-deposit-go/internal/store"

	"go.uber.org/zap"
)

// AccountInfo represents simplified account information for command-line utilities
type AccountInfo struct {
	Id    string
	Name  string
	Email string
}

// ResolveAccounts returns the account with emailFilter, or every account when
// the filter is empty.
func ResolveAccounts(ctx context.Context, st store.LedgerStore, emailFilter string, logger *zap.Logger) ([]AccountInfo, error) {
	var accounts []AccountInfo

	if emailFilter != "" {
		logger.Info("Looking up account by email", zap.String("email", emailFilter))
		account, err := st.GetAccountByEmail(ctx, emailFilter)
		if err != nil {
			return nil, fmt.Errorf("account not found: %w", err)
		}
		accounts = append(accounts, AccountInfo{
			Id:    account.Id,
			Name:  account.Name,
			Email: account.Email,
		})
	} else {
		all, err := st.ListAccounts(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list accounts: %w", err)
		}
		for _, a := range all {
			accounts = append(accounts, AccountInfo{
				Id:    a.Id,
				Name:  a.Name,
				Email: a.Email,
			})
		}
	}

	logger.Info("Retrieved accounts", zap.Int("count", len(accounts)))
	return accounts, nil
}
