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

package models

import (
	"github.com/shopspring/decimal"
)

// MutationResult represents the result of a credit or debit request.
// Duplicate is set when the processing key had already been applied; Entry is then the original entry.
type MutationResult struct {
	Entry     *LedgerEntry `json:"entry,omitempty"`
	Duplicate bool         `json:"duplicate"`
}

// NFTResult represents the result of an NFT custody change
type NFTResult struct {
	Holdings  []NFTHolding `json:"holdings"`
	Duplicate bool         `json:"duplicate"`
}

// HistoryPage is one page of ledger history
type HistoryPage struct {
	Records []LedgerEntry `json:"records"`
	Total   int           `json:"total"`
}

// NFTHistoryPage is one page of NFT transfer history
type NFTHistoryPage struct {
	Records []NFTTransferRecord `json:"records"`
	Total   int                 `json:"total"`
}

// DepositInstruction tells a customer where to send funds
type DepositInstruction struct {
	Asset        string          `json:"asset"`
	Address      string          `json:"address"`
	ExternalId   string          `json:"external_id,omitempty"`
	QuotedOutput decimal.Decimal `json:"quoted_output,omitempty"`
	ExpiresIn    string          `json:"expires_in,omitempty"`
}
