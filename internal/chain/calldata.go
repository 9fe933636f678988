package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const (
	erc20ABI   = `[{"name":"transfer","type":"function","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}]`
	erc721ABI  = `[{"name":"safeTransferFrom","type":"function","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"tokenId","type":"uint256"}],"outputs":[]}]`
	erc1155ABI = `[{"name":"safeTransferFrom","type":"function","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"id","type":"uint256"},{"name":"value","type":"uint256"},{"name":"data","type":"bytes"}],"outputs":[]}]`
)

var (
	erc20Contract   = mustParseABI(erc20ABI)
	erc721Contract  = mustParseABI(erc721ABI)
	erc1155Contract = mustParseABI(erc1155ABI)
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

// TransferCalldata returns the target address, value and input data for a transfer sent from 'from'.
func TransferCalldata(from common.Address, req TransferRequest) (common.Address, *big.Int, []byte, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return common.Address{}, nil, nil, fmt.Errorf("transfer amount must be positive")
	}

	switch req.Kind {
	case KindNative:
		return req.To, req.Amount, nil, nil
	case KindToken:
		data, err := erc20Contract.Pack("transfer", req.To, req.Amount)
		return req.Contract, big.NewInt(0), data, err
	case KindNFTSingle:
		if req.TokenId == nil {
			return common.Address{}, nil, nil, fmt.Errorf("token id required for single-unit nft transfer")
		}
		data, err := erc721Contract.Pack("safeTransferFrom", from, req.To, req.TokenId)
		return req.Contract, big.NewInt(0), data, err
	case KindNFTMulti:
		if req.TokenId == nil {
			return common.Address{}, nil, nil, fmt.Errorf("token id required for multi-unit nft transfer")
		}
		data, err := erc1155Contract.Pack("safeTransferFrom", from, req.To, req.TokenId, req.Amount, []byte{})
		return req.Contract, big.NewInt(0), data, err
	default:
		return common.Address{}, nil, nil, fmt.Errorf("unknown transfer kind %q", req.Kind)
	}
}
