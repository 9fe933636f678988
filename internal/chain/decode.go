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
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

var (
	// Transfer(address,address,uint256), shared by fungible tokens and single-unit NFTs
	TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	// TransferSingle(address,address,address,uint256,uint256)
	TransferSingleTopic = crypto.Keccak256Hash([]byte("TransferSingle(address,address,address,uint256,uint256)"))
	// TransferBatch(address,address,address,uint256[],uint256[])
	TransferBatchTopic = crypto.Keccak256Hash([]byte("TransferBatch(address,address,address,uint256[],uint256[])"))
)

// TransferTopics are the event signatures the watcher filters for.
var TransferTopics = []common.Hash{TransferTopic, TransferSingleTopic, TransferBatchTopic}

var batchArguments = func() abi.Arguments {
	uintArray, err := abi.NewType("uint256[]", "", nil)
	if err != nil {
		panic(err)
	}
	return abi.Arguments{{Type: uintArray}, {Type: uintArray}}
}()

// DecodeLog turns one log into transfer events.
// Unrelated signatures return ErrNotTransfer; a known signature with the wrong shape returns ErrMalformedLog.
func DecodeLog(log *types.Log) ([]TransferEvent, error) {
	if len(log.Topics) == 0 {
		return nil, ErrNotTransfer
	}

	base := TransferEvent{
		Contract:    log.Address,
		TxHash:      log.TxHash,
		LogIndex:    log.Index,
		BlockNumber: log.BlockNumber,
	}

	switch log.Topics[0] {
	case TransferTopic:
		return decodeTransfer(log, base)
	case TransferSingleTopic:
		return decodeTransferSingle(log, base)
	case TransferBatchTopic:
		return decodeTransferBatch(log, base)
	default:
		return nil, ErrNotTransfer
	}
}

// decodeTransfer tells fungible tokens from single-unit NFTs by where the value sits:
// three topics and a 32-byte body is a token amount, four topics and an empty body is a token id.
func decodeTransfer(log *types.Log, ev TransferEvent) ([]TransferEvent, error) {
	switch {
	case len(log.Topics) == 3 && len(log.Data) == 32:
		ev.Kind = KindToken
		ev.Amount = new(big.Int).SetBytes(log.Data)
	case len(log.Topics) == 4 && len(log.Data) == 0:
		ev.Kind = KindNFTSingle
		ev.TokenId = new(big.Int).SetBytes(log.Topics[3].Bytes())
		ev.Amount = big.NewInt(1)
	default:
		return nil, fmt.Errorf("transfer with %d topics and %d data bytes: %w", len(log.Topics), len(log.Data), ErrMalformedLog)
	}
	ev.From = common.BytesToAddress(log.Topics[1].Bytes())
	ev.To = common.BytesToAddress(log.Topics[2].Bytes())
	return []TransferEvent{ev}, nil
}

// decodeTransferSingle reads the body as two big-endian 256-bit words: id then amount.
func decodeTransferSingle(log *types.Log, ev TransferEvent) ([]TransferEvent, error) {
	if len(log.Topics) != 4 || len(log.Data) != 64 {
		return nil, fmt.Errorf("transfer single with %d topics and %d data bytes: %w", len(log.Topics), len(log.Data), ErrMalformedLog)
	}
	ev.Kind = KindNFTMulti
	ev.From = common.BytesToAddress(log.Topics[2].Bytes())
	ev.To = common.BytesToAddress(log.Topics[3].Bytes())
	ev.TokenId = new(big.Int).SetBytes(log.Data[:32])
	ev.Amount = new(big.Int).SetBytes(log.Data[32:64])
	return []TransferEvent{ev}, nil
}

func decodeTransferBatch(log *types.Log, ev TransferEvent) ([]TransferEvent, error) {
	if len(log.Topics) != 4 {
		return nil, fmt.Errorf("transfer batch with %d topics: %w", len(log.Topics), ErrMalformedLog)
	}
	values, err := batchArguments.Unpack(log.Data)
	if err != nil {
		return nil, fmt.Errorf("transfer batch body: %v: %w", err, ErrMalformedLog)
	}
	ids, okIds := values[0].([]*big.Int)
	amounts, okAmounts := values[1].([]*big.Int)
	if !okIds || !okAmounts || len(ids) != len(amounts) {
		return nil, fmt.Errorf("transfer batch ids/amounts mismatch: %w", ErrMalformedLog)
	}

	ev.Kind = KindNFTMulti
	ev.Batch = true
	ev.From = common.BytesToAddress(log.Topics[2].Bytes())
	ev.To = common.BytesToAddress(log.Topics[3].Bytes())

	events := make([]TransferEvent, 0, len(ids))
	for i := range ids {
		e := ev
		e.BatchIndex = i
		e.TokenId = ids[i]
		e.Amount = amounts[i]
		events = append(events, e)
	}
	return events, nil
}

// DecodeTransferLogs decodes every transfer log, skipping unrelated and malformed ones.
// Removed logs (reorged out) are ignored.
func DecodeTransferLogs(logs []*types.Log) []TransferEvent {
	var events []TransferEvent
	for _, log := range logs {
		if log.Removed {
			continue
		}
		decoded, err := DecodeLog(log)
		if err != nil {
			if !errors.Is(err, ErrNotTransfer) {
				zap.L().Warn("Skipping undecodable log",
					zap.String("tx_hash", log.TxHash.Hex()),
					zap.Uint("log_index", log.Index),
					zap.String("contract", log.Address.Hex()),
					zap.Error(err))
			}
			continue
		}
		events = append(events, decoded...)
	}
	return events
}
