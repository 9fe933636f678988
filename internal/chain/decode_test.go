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
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testContract = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testFrom     = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testTo       = common.HexToAddress("0x3333333333333333333333333333333333333333")
	testOperator = common.HexToAddress("0x4444444444444444444444444444444444444444")
	testTxHash   = common.HexToHash("0xabcdef")
)

func word(v int64) []byte {
	return common.LeftPadBytes(big.NewInt(v).Bytes(), 32)
}

func TestTopicSignatures(t *testing.T) {
	assert.Equal(t, "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef", TransferTopic.Hex())
	assert.Equal(t, "0xc3d58168c5ae7397731d063d5bbf3d657854427343f4c083240f7aacaa2d0f62", TransferSingleTopic.Hex())
	assert.Equal(t, "0x4a39dc06d4c0dbc64b70af90fd698a233a518aa5d07e595d983b8c0526c8f7fb", TransferBatchTopic.Hex())
}

func TestDecodeLog_FungibleTransfer(t *testing.T) {
	log := &types.Log{
		Address: testContract,
		Topics:  []common.Hash{TransferTopic, common.BytesToHash(testFrom.Bytes()), common.BytesToHash(testTo.Bytes())},
		Data:    word(1_500_000),
		TxHash:  testTxHash,
		Index:   4,
	}

	events, err := DecodeLog(log)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, KindToken, events[0].Kind)
	assert.Equal(t, testTo, events[0].To)
	assert.Equal(t, testFrom, events[0].From)
	assert.Equal(t, int64(1_500_000), events[0].Amount.Int64())
	assert.Equal(t, testTxHash.Hex()+"#4", events[0].ProcessingKey())
}

func TestDecodeLog_SingleUnitNFT(t *testing.T) {
	log := &types.Log{
		Address: testContract,
		Topics: []common.Hash{
			TransferTopic,
			common.BytesToHash(testFrom.Bytes()),
			common.BytesToHash(testTo.Bytes()),
			common.BigToHash(big.NewInt(42)),
		},
		TxHash: testTxHash,
	}

	events, err := DecodeLog(log)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, KindNFTSingle, events[0].Kind)
	assert.Equal(t, int64(42), events[0].TokenId.Int64())
	assert.Equal(t, int64(1), events[0].Amount.Int64())
}

func TestDecodeLog_TransferSinglePackedPayload(t *testing.T) {
	data := append(word(7), word(3)...)
	log := &types.Log{
		Address: testContract,
		Topics: []common.Hash{
			TransferSingleTopic,
			common.BytesToHash(testOperator.Bytes()),
			common.BytesToHash(testFrom.Bytes()),
			common.BytesToHash(testTo.Bytes()),
		},
		Data:   data,
		TxHash: testTxHash,
		Index:  2,
	}

	events, err := DecodeLog(log)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, KindNFTMulti, events[0].Kind)
	assert.Equal(t, int64(7), events[0].TokenId.Int64())
	assert.Equal(t, int64(3), events[0].Amount.Int64())
	assert.Equal(t, testFrom, events[0].From, "operator must not be taken as sender")
	assert.Equal(t, testTo, events[0].To)
}

func TestDecodeLog_TransferSingleLargeWords(t *testing.T) {
	// Token ids commonly use the high bits; both words must survive intact
	id, ok := new(big.Int).SetString("ff00000000000000000000000000000000000000000000000000000000000001", 16)
	require.True(t, ok)
	data := append(common.LeftPadBytes(id.Bytes(), 32), word(1)...)

	events, err := DecodeLog(&types.Log{
		Topics: []common.Hash{TransferSingleTopic, {}, common.BytesToHash(testFrom.Bytes()), common.BytesToHash(testTo.Bytes())},
		Data:   data,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, id.Cmp(events[0].TokenId))
}

func TestDecodeLog_TransferBatch(t *testing.T) {
	data, err := batchArguments.Pack(
		[]*big.Int{big.NewInt(1), big.NewInt(2)},
		[]*big.Int{big.NewInt(10), big.NewInt(20)},
	)
	require.NoError(t, err)

	events, err := DecodeLog(&types.Log{
		Address: testContract,
		Topics: []common.Hash{
			TransferBatchTopic,
			common.BytesToHash(testOperator.Bytes()),
			common.BytesToHash(testFrom.Bytes()),
			common.BytesToHash(testTo.Bytes()),
		},
		Data:   data,
		TxHash: testTxHash,
		Index:  9,
	})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[1].TokenId.Int64())
	assert.Equal(t, int64(20), events[1].Amount.Int64())
	assert.Equal(t, testTxHash.Hex()+"#9.1", events[1].ProcessingKey())
}

func TestDecodeLog_Malformed(t *testing.T) {
	tests := []struct {
		name string
		log  *types.Log
	}{
		{
			name: "transfer with short data",
			log:  &types.Log{Topics: []common.Hash{TransferTopic, {}, {}}, Data: []byte{1, 2}},
		},
		{
			name: "transfer with token id and data",
			log:  &types.Log{Topics: []common.Hash{TransferTopic, {}, {}, {}}, Data: word(1)},
		},
		{
			name: "transfer single with one word",
			log:  &types.Log{Topics: []common.Hash{TransferSingleTopic, {}, {}, {}}, Data: word(7)},
		},
		{
			name: "transfer batch with garbage body",
			log:  &types.Log{Topics: []common.Hash{TransferBatchTopic, {}, {}, {}}, Data: []byte{0xff}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeLog(tt.log)
			assert.ErrorIs(t, err, ErrMalformedLog)
		})
	}
}

func TestDecodeTransferLogs_SkipsBadLogs(t *testing.T) {
	good := &types.Log{
		Topics: []common.Hash{TransferTopic, common.BytesToHash(testFrom.Bytes()), common.BytesToHash(testTo.Bytes())},
		Data:   word(5),
	}
	malformed := &types.Log{Topics: []common.Hash{TransferTopic, {}, {}}, Data: []byte{1}}
	unrelated := &types.Log{Topics: []common.Hash{common.HexToHash("0x01")}}
	removed := &types.Log{
		Topics:  []common.Hash{TransferTopic, common.BytesToHash(testFrom.Bytes()), common.BytesToHash(testTo.Bytes())},
		Data:    word(6),
		Removed: true,
	}

	events := DecodeTransferLogs([]*types.Log{malformed, good, unrelated, removed})
	require.Len(t, events, 1)
	assert.Equal(t, int64(5), events[0].Amount.Int64())
}

func TestProcessingKey_Native(t *testing.T) {
	ev := TransferEvent{Kind: KindNative, TxHash: testTxHash, LogIndex: 3}
	assert.Equal(t, testTxHash.Hex(), ev.ProcessingKey())
}
