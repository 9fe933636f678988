package chain

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransferCalldata(t *testing.T) {
	t.Run("native", func(t *testing.T) {
		target, value, data, err := TransferCalldata(testFrom, TransferRequest{Kind: KindNative, To: testTo, Amount: big.NewInt(100)})
		require.NoError(t, err)
		assert.Equal(t, testTo, target)
		assert.Equal(t, int64(100), value.Int64())
		assert.Empty(t, data)
	})

	t.Run("token", func(t *testing.T) {
		target, value, data, err := TransferCalldata(testFrom, TransferRequest{Kind: KindToken, Contract: testContract, To: testTo, Amount: big.NewInt(5)})
		require.NoError(t, err)
		assert.Equal(t, testContract, target)
		assert.Zero(t, value.Sign())
		// transfer(address,uint256)
		assert.Equal(t, []byte{0xa9, 0x05, 0x9c, 0xbb}, data[:4])
		assert.Len(t, data, 4+64)
	})

	t.Run("single-unit nft", func(t *testing.T) {
		_, _, data, err := TransferCalldata(testFrom, TransferRequest{Kind: KindNFTSingle, Contract: testContract, To: testTo, Amount: big.NewInt(1), TokenId: big.NewInt(9)})
		require.NoError(t, err)
		// safeTransferFrom(address,address,uint256)
		assert.Equal(t, []byte{0x42, 0x84, 0x2e, 0x0e}, data[:4])
	})

	t.Run("multi-unit nft", func(t *testing.T) {
		_, _, data, err := TransferCalldata(testFrom, TransferRequest{Kind: KindNFTMulti, Contract: testContract, To: testTo, Amount: big.NewInt(2), TokenId: big.NewInt(9)})
		require.NoError(t, err)
		// safeTransferFrom(address,address,uint256,uint256,bytes)
		assert.Equal(t, []byte{0xf2, 0x42, 0x43, 0x2a}, data[:4])
	})

	t.Run("nft without token id", func(t *testing.T) {
		_, _, _, err := TransferCalldata(testFrom, TransferRequest{Kind: KindNFTSingle, Contract: testContract, To: testTo, Amount: big.NewInt(1)})
		assert.Error(t, err)
	})

	t.Run("zero amount", func(t *testing.T) {
		_, _, _, err := TransferCalldata(testFrom, TransferRequest{Kind: KindNative, To: testTo, Amount: big.NewInt(0)})
		assert.Error(t, err)
	})
}

func TestDecimalConversion(t *testing.T) {
	wei, ok := new(big.Int).SetString("1500000000000000000", 10)
	require.True(t, ok)
	assert.Equal(t, "1.5", ToDecimal(wei, 18).String())
	assert.Equal(t, 0, wei.Cmp(FromDecimal(decimal.RequireFromString("1.5"), 18)))
	assert.Equal(t, "1234567", FromDecimal(decimal.RequireFromString("1.2345679"), 6).String())
}
