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
	"time"

	"custody-deposit-go/internal/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

const nativeTransferGas = 21000

// Backend is the subset of *ethclient.Client the adapter calls
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// EthClient adapts a JSON-RPC node to Client
type EthClient struct {
	name         string
	backend      Backend
	chainID      *big.Int
	pollInterval time.Duration
	timeout      time.Duration
	closer       func()
}

var _ Client = (*EthClient)(nil)

// Dial connects to the node at cfg.RpcURL and checks that it serves the configured chain.
func Dial(ctx context.Context, cfg models.ChainConfig) (*EthClient, error) {
	zap.L().Info("Connecting to chain node", zap.String("chain", cfg.Name), zap.String("rpc_url", cfg.RpcURL))

	rpc, err := ethclient.DialContext(ctx, cfg.RpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %v: %w", cfg.Name, err, ErrRpcUnavailable)
	}

	client, err := NewEthClient(ctx, cfg, rpc)
	if err != nil {
		rpc.Close()
		return nil, err
	}
	client.closer = rpc.Close
	return client, nil
}

// NewEthClient wraps an existing backend
func NewEthClient(ctx context.Context, cfg models.ChainConfig, backend Backend) (*EthClient, error) {
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %v: %w", err, ErrRpcUnavailable)
	}
	if cfg.ChainId != 0 && chainID.Int64() != cfg.ChainId {
		return nil, fmt.Errorf("node serves chain %s, configured %d", chainID.String(), cfg.ChainId)
	}

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &EthClient{
		name:         cfg.Name,
		backend:      backend,
		chainID:      chainID,
		pollInterval: pollInterval,
		timeout:      timeout,
	}, nil
}

func (c *EthClient) Close() {
	if c.closer != nil {
		c.closer()
	}
}

func (c *EthClient) Name() string { return c.name }

func (c *EthClient) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

func (c *EthClient) LatestBlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	n, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return 0, rpcError("block number", err)
	}
	return n, nil
}

func (c *EthClient) GetBlock(ctx context.Context, number uint64) (*Block, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	b, err := c.backend.BlockByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return nil, rpcError(fmt.Sprintf("block %d", number), err)
	}

	signer := types.LatestSignerForChainID(c.chainID)
	block := &Block{
		Number:       b.NumberU64(),
		Hash:         b.Hash(),
		Time:         b.Time(),
		Transactions: make([]Transaction, 0, len(b.Transactions())),
	}
	for _, tx := range b.Transactions() {
		from, err := types.Sender(signer, tx)
		if err != nil {
			zap.L().Debug("Unable to recover sender", zap.String("tx_hash", tx.Hash().Hex()), zap.Error(err))
		}
		block.Transactions = append(block.Transactions, Transaction{
			Hash:  tx.Hash(),
			From:  from,
			To:    tx.To(),
			Value: tx.Value(),
		})
	}
	return block, nil
}

func (c *EthClient) GetTransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		return nil, rpcError("receipt "+hash.Hex(), err)
	}
	return receipt, nil
}

func (c *EthClient) FilterTransferLogs(ctx context.Context, from, to uint64, contracts []common.Address) ([]types.Log, error) {
	if len(contracts) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	logs, err := c.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: contracts,
		Topics:    [][]common.Hash{TransferTopics},
	})
	if err != nil {
		return nil, rpcError(fmt.Sprintf("logs %d-%d", from, to), err)
	}
	return logs, nil
}

func (c *EthClient) DecodeTransferLogs(logs []*types.Log) []TransferEvent {
	return DecodeTransferLogs(logs)
}

// SubmitTransfer builds, signs and broadcasts a legacy transaction from the signer's address.
func (c *EthClient) SubmitTransfer(ctx context.Context, signer Signer, req TransferRequest) (common.Hash, error) {
	from := signer.Address()
	target, value, data, err := TransferCalldata(from, req)
	if err != nil {
		return common.Hash{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, rpcError("nonce", err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, rpcError("gas price", err)
	}

	gas := uint64(nativeTransferGas)
	if len(data) > 0 {
		gas, err = c.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &target, Value: value, Data: data})
		if err != nil {
			return common.Hash{}, fmt.Errorf("estimate gas: %w", err)
		}
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &target,
		Value:    value,
		Data:     data,
	})
	signed, err := signer.SignTx(tx, c.chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign transaction: %w", err)
	}

	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, rpcError("send transaction", err)
	}

	zap.L().Info("Transfer submitted",
		zap.String("chain", c.name),
		zap.String("tx_hash", signed.Hash().Hex()),
		zap.String("kind", string(req.Kind)),
		zap.String("from", from.Hex()),
		zap.String("to", req.To.Hex()),
		zap.Uint64("nonce", nonce))
	return signed.Hash(), nil
}

// WaitForConfirmation polls until the transaction is minConfirmations deep.
// A reverted transaction returns ErrTxFailed together with its receipt.
func (c *EthClient) WaitForConfirmation(ctx context.Context, hash common.Hash, minConfirmations uint64) (*types.Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.GetTransactionReceipt(ctx, hash)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			zap.L().Warn("Receipt lookup failed, retrying", zap.String("tx_hash", hash.Hex()), zap.Error(err))
		case receipt.Status != types.ReceiptStatusSuccessful:
			return receipt, fmt.Errorf("%s: %w", hash.Hex(), ErrTxFailed)
		default:
			head, err := c.LatestBlockNumber(ctx)
			if err == nil && receipt.BlockNumber != nil && head+1 >= receipt.BlockNumber.Uint64()+minConfirmations {
				return receipt, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *EthClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	price, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, rpcError("gas price", err)
	}
	return price, nil
}

func (c *EthClient) BalanceAt(ctx context.Context, address common.Address) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	balance, err := c.backend.BalanceAt(ctx, address, nil)
	if err != nil {
		return nil, rpcError("balance "+address.Hex(), err)
	}
	return balance, nil
}

func rpcError(op string, err error) error {
	if errors.Is(err, ethereum.NotFound) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %v: %w", op, err, ErrRpcUnavailable)
}
