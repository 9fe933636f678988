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

package database

const (
	// Account queries
	queryInsertAccount = `
		INSERT OR IGNORE INTO accounts (id, name, email, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`

	queryGetActiveAccounts = `
		SELECT id, name, email, created_at, updated_at
		FROM accounts
		WHERE active = 1
		ORDER BY created_at, rowid`

	queryGetAccountById = `
		SELECT id, name, email, created_at, updated_at
		FROM accounts
		WHERE id = ? AND active = 1`

	queryGetAccountByEmail = `
		SELECT id, name, email, created_at, updated_at
		FROM accounts
		WHERE email = ? AND active = 1`

	// Ledger queries
	entryColumns = `id, account_id, direction, asset, method, amount, fee, balance_before, balance_after, processing_key, reference, created_at`

	queryGetEntryByProcessingKey = `
		SELECT ` + entryColumns + `
		FROM ledger_entries
		WHERE processing_key = ? AND direction = ?`

	queryInsertBalanceRow = `
		INSERT OR IGNORE INTO balances (id, account_id, asset, available, deposited, withdrawn, version, updated_at)
		VALUES (?, ?, ?, '0', '0', '0', 1, ?)`

	queryGetBalanceState = `
		SELECT available, deposited, withdrawn, version
		FROM balances
		WHERE account_id = ? AND asset = ?`

	queryUpdateBalance = `
		UPDATE balances
		SET available = ?, deposited = ?, withdrawn = ?, last_entry_id = ?, version = version + 1, updated_at = ?
		WHERE account_id = ? AND asset = ? AND version = ?`

	queryInsertEntry = `
		INSERT INTO ledger_entries (` + entryColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	queryInsertJournalEntry = `
		INSERT INTO journal_entries (id, entry_id, account_type, account_id, debit_amount, credit_amount, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	queryGetBalance = `
		SELECT account_id, asset, available, deposited, withdrawn, version, updated_at
		FROM balances
		WHERE account_id = ? AND asset = ?`

	queryGetAllBalances = `
		SELECT account_id, asset, available, deposited, withdrawn, version, updated_at
		FROM balances
		WHERE account_id = ?
		ORDER BY asset`

	queryGetHistory = `
		SELECT ` + entryColumns + `
		FROM ledger_entries
		WHERE account_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?`

	queryCountHistory = `
		SELECT COUNT(*) FROM ledger_entries WHERE account_id = ?`

	queryGetEntriesForAsset = `
		SELECT direction, amount, fee
		FROM ledger_entries
		WHERE account_id = ? AND asset = ?`

	// Address pool queries
	depositAddressColumns = `idx, address, lease_owner, leased_at, in_use`

	queryInsertDepositAddress = `
		INSERT OR IGNORE INTO deposit_addresses (idx, address, lease_version) VALUES (?, ?, 0)`

	queryGetDepositAddressByIndex = `
		SELECT address FROM deposit_addresses WHERE idx = ?`

	queryListDepositAddresses = `
		SELECT ` + depositAddressColumns + `
		FROM deposit_addresses
		ORDER BY idx`

	queryListLeaseCandidates = `
		SELECT ` + depositAddressColumns + `, lease_version
		FROM deposit_addresses
		ORDER BY idx`

	queryFindDepositAddress = `
		SELECT ` + depositAddressColumns + `
		FROM deposit_addresses
		WHERE LOWER(address) = LOWER(?)`

	queryLeaseDepositAddress = `
		UPDATE deposit_addresses
		SET lease_owner = ?, leased_at = ?, in_use = 1, lease_version = lease_version + 1
		WHERE idx = ? AND lease_version = ?`

	queryReleaseDepositAddress = `
		UPDATE deposit_addresses
		SET lease_owner = '', leased_at = NULL, in_use = 0, lease_version = lease_version + 1
		WHERE LOWER(address) = LOWER(?)`

	queryReclaimDepositAddress = `
		UPDATE deposit_addresses
		SET lease_owner = '', leased_at = NULL, in_use = 0, lease_version = lease_version + 1
		WHERE idx = ? AND lease_version = ?`

	// Exchange queries
	exchangeColumns = `external_id, account_id, direction, from_ticker, to_ticker, asset, requested_amount, quoted_output,
		output_amount, payin_address, destination_address, payout_hash, status, reconciled, stale_reported, created_at, updated_at`

	queryInsertExchange = `
		INSERT INTO pending_exchanges (` + exchangeColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	queryGetExchange = `
		SELECT ` + exchangeColumns + `
		FROM pending_exchanges
		WHERE external_id = ?`

	queryListOpenExchanges = `
		SELECT ` + exchangeColumns + `
		FROM pending_exchanges
		WHERE reconciled = 0
		ORDER BY created_at, rowid`

	queryUpdateExchange = `
		UPDATE pending_exchanges
		SET status = ?, output_amount = ?, payout_hash = ?, updated_at = ?
		WHERE external_id = ?`

	queryMarkExchangeReconciled = `
		UPDATE pending_exchanges SET reconciled = 1, updated_at = ? WHERE external_id = ?`

	queryMarkExchangeStaleReported = `
		UPDATE pending_exchanges SET stale_reported = 1, updated_at = ? WHERE external_id = ?`

	queryFindExchangeByPayoutHash = `
		SELECT ` + exchangeColumns + `
		FROM pending_exchanges
		WHERE payout_hash != '' AND LOWER(payout_hash) = LOWER(?)`

	// NFT queries
	holdingColumns = `id, account_id, network, contract_address, token_id, standard, price, deleted, created_at, updated_at`

	transferRecordColumns = `id, holding_id, contract_address, token_id, before_owner, after_owner, price, note, tx_hash, created_at`

	queryCountLiveHoldings = `
		SELECT COUNT(*)
		FROM nft_holdings
		WHERE LOWER(contract_address) = LOWER(?) AND token_id = ? AND deleted = 0`

	queryCountAccountHoldings = `
		SELECT COUNT(*)
		FROM nft_holdings
		WHERE account_id = ? AND LOWER(contract_address) = LOWER(?) AND token_id = ? AND deleted = 0`

	queryGetLastHoldingPrice = `
		SELECT price
		FROM nft_holdings
		WHERE LOWER(contract_address) = LOWER(?) AND token_id = ?
		ORDER BY updated_at DESC, rowid DESC
		LIMIT 1`

	queryInsertHolding = `
		INSERT INTO nft_holdings (` + holdingColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`

	queryInsertTransferRecord = `
		INSERT INTO nft_transfer_records (` + transferRecordColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	queryGetAccountHoldingsForToken = `
		SELECT ` + holdingColumns + `
		FROM nft_holdings
		WHERE account_id = ? AND LOWER(contract_address) = LOWER(?) AND token_id = ? AND deleted = 0
		ORDER BY created_at, rowid
		LIMIT ?`

	queryDeleteHolding = `
		UPDATE nft_holdings SET deleted = 1, updated_at = ? WHERE id = ? AND deleted = 0`

	queryListHoldings = `
		SELECT ` + holdingColumns + `
		FROM nft_holdings
		WHERE account_id = ? AND deleted = 0
		ORDER BY contract_address, token_id, created_at, rowid`

	queryGetNFTHistory = `
		SELECT ` + transferRecordColumns + `
		FROM nft_transfer_records
		WHERE before_owner = ? OR after_owner = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?`

	queryCountNFTHistory = `
		SELECT COUNT(*) FROM nft_transfer_records WHERE before_owner = ? OR after_owner = ?`

	// Reconciliation queries
	reconciliationColumns = `id, kind, account_id, asset, amount, reference, reason, resolved, resolution, created_at, resolved_at`

	queryInsertReconciliationItem = `
		INSERT INTO reconciliation_items (id, kind, account_id, asset, amount, reference, reason, resolved, resolution, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, '', ?)`

	queryListUnresolvedItems = `
		SELECT ` + reconciliationColumns + `
		FROM reconciliation_items
		WHERE resolved = 0
		ORDER BY created_at, rowid`

	queryListAllItems = `
		SELECT ` + reconciliationColumns + `
		FROM reconciliation_items
		ORDER BY created_at, rowid`

	queryResolveItem = `
		UPDATE reconciliation_items
		SET resolved = 1, resolution = ?, resolved_at = ?
		WHERE id = ? AND resolved = 0`

	// Chain cursor queries
	queryGetCursor = `
		SELECT height FROM chain_cursors WHERE chain = ?`

	queryUpsertCursor = `
		INSERT INTO chain_cursors (chain, height, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(chain) DO UPDATE SET height = excluded.height, updated_at = excluded.updated_at`
)
