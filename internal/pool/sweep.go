package pool

import (
	"context"
	"fmt"
	"math/big"

	"custody-deposit-go/internal/chain"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

const sweepGas = 21000

// Sweep moves funds from a pool address to the treasury.
// A native sweep with a nil Amount sends the whole balance minus the gas cost.
// Serialised per pool so two sweeps never race for the same nonce.
func (p *Pool) Sweep(ctx context.Context, client chain.Client, address common.Address, req chain.TransferRequest) (common.Hash, error) {
	signer, err := p.signer(address)
	if err != nil {
		return common.Hash{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	req.To = p.treasury.Address()
	if req.Kind == chain.KindNative && req.Amount == nil {
		amount, err := sweepableBalance(ctx, client, address)
		if err != nil {
			return common.Hash{}, err
		}
		req.Amount = amount
	}

	hash, err := client.SubmitTransfer(ctx, signer, req)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sweep %s: %w", address.Hex(), err)
	}

	zap.L().Info("Swept deposit address",
		zap.String("address", address.Hex()),
		zap.String("kind", string(req.Kind)),
		zap.String("tx_hash", hash.Hex()))
	return hash, nil
}

func sweepableBalance(ctx context.Context, client chain.Client, address common.Address) (*big.Int, error) {
	balance, err := client.BalanceAt(ctx, address)
	if err != nil {
		return nil, err
	}
	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}

	cost := new(big.Int).Mul(gasPrice, big.NewInt(sweepGas))
	amount := new(big.Int).Sub(balance, cost)
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("balance %s of %s does not cover gas %s", balance, address.Hex(), cost)
	}
	return amount, nil
}
