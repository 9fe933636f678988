package chaintest

import (
	"math/big"

	"custody-deposit-go/internal/chain"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

func addressTopic(a common.Address) common.Hash {
	return common.BytesToHash(a.Bytes())
}

func word(v *big.Int) []byte {
	return common.LeftPadBytes(v.Bytes(), 32)
}

// TokenTransferLog builds a fungible Transfer log.
func TokenTransferLog(contract, from, to common.Address, amount *big.Int, tx common.Hash, index uint) types.Log {
	return types.Log{
		Address: contract,
		Topics:  []common.Hash{chain.TransferTopic, addressTopic(from), addressTopic(to)},
		Data:    word(amount),
		TxHash:  tx,
		Index:   index,
	}
}

// SingleNFTTransferLog builds a Transfer log with an indexed token id.
func SingleNFTTransferLog(contract, from, to common.Address, tokenId *big.Int, tx common.Hash, index uint) types.Log {
	return types.Log{
		Address: contract,
		Topics:  []common.Hash{chain.TransferTopic, addressTopic(from), addressTopic(to), common.BigToHash(tokenId)},
		TxHash:  tx,
		Index:   index,
	}
}

// MultiNFTTransferLog builds a TransferSingle log.
func MultiNFTTransferLog(contract, operator, from, to common.Address, tokenId, amount *big.Int, tx common.Hash, index uint) types.Log {
	return types.Log{
		Address: contract,
		Topics:  []common.Hash{chain.TransferSingleTopic, addressTopic(operator), addressTopic(from), addressTopic(to)},
		Data:    append(word(tokenId), word(amount)...),
		TxHash:  tx,
		Index:   index,
	}
}
