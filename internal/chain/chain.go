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

package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
)

var (
	// ErrRpcUnavailable means the node could not be reached; callers retry with backoff.
	ErrRpcUnavailable = errors.New("rpc unavailable")
	// ErrMalformedLog means one log could not be decoded; callers skip it and continue.
	ErrMalformedLog = errors.New("malformed log")
	ErrNotTransfer  = errors.New("log is not a transfer event")
	ErrNotFound     = errors.New("not found")
	ErrTxFailed     = errors.New("transaction reverted")
)

// TransferKind classifies an observed transfer
type TransferKind string

const (
	KindNative    TransferKind = "native"
	KindToken     TransferKind = "token"
	KindNFTSingle TransferKind = "nft-single"
	KindNFTMulti  TransferKind = "nft-multi"
)

// TransferEvent is one decoded movement of value
type TransferEvent struct {
	Kind        TransferKind
	Contract    common.Address
	From        common.Address
	To          common.Address
	Amount      *big.Int
	TokenId     *big.Int
	TxHash      common.Hash
	LogIndex    uint
	BlockNumber uint64
	// Batch is set for entries unpacked from a TransferBatch log; BatchIndex is the position in it.
	Batch      bool
	BatchIndex int
}

// ProcessingKey is the ledger deduplication key for the event.
func (e TransferEvent) ProcessingKey() string {
	switch {
	case e.Kind == KindNative:
		return e.TxHash.Hex()
	case e.Batch:
		return fmt.Sprintf("%s#%d.%d", e.TxHash.Hex(), e.LogIndex, e.BatchIndex)
	default:
		return fmt.Sprintf("%s#%d", e.TxHash.Hex(), e.LogIndex)
	}
}

// Block is the subset of a block the watcher needs
type Block struct {
	Number       uint64
	Hash         common.Hash
	Time         uint64
	Transactions []Transaction
}

// Transaction is a value transfer candidate inside a block
type Transaction struct {
	Hash  common.Hash
	From  common.Address
	To    *common.Address
	Value *big.Int
}

// Signer signs transactions for one address. Private keys stay with the implementation.
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// TransferRequest describes an outgoing transfer.
// Contract is ignored for native transfers; TokenId is used for NFTs only.
type TransferRequest struct {
	Kind     TransferKind
	Contract common.Address
	To       common.Address
	Amount   *big.Int
	TokenId  *big.Int
}

// Client is the chain adapter used by the watcher, the pool sweeper and the withdrawal executor.
type Client interface {
	Name() string
	ChainID() *big.Int
	LatestBlockNumber(ctx context.Context) (uint64, error)
	GetBlock(ctx context.Context, number uint64) (*Block, error)
	GetTransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	FilterTransferLogs(ctx context.Context, from, to uint64, contracts []common.Address) ([]types.Log, error)
	DecodeTransferLogs(logs []*types.Log) []TransferEvent
	SubmitTransfer(ctx context.Context, signer Signer, req TransferRequest) (common.Hash, error)
	WaitForConfirmation(ctx context.Context, hash common.Hash, minConfirmations uint64) (*types.Receipt, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, address common.Address) (*big.Int, error)
}

// ToDecimal converts a base-unit integer into a decimal amount
func ToDecimal(amount *big.Int, decimals int32) decimal.Decimal {
	if amount == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(amount, -decimals)
}

// FromDecimal converts a decimal amount into base units, truncating extra precision
func FromDecimal(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).Truncate(0).BigInt()
}
