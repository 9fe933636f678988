package withdrawal

import (
	"context"
	"fmt"
	"math/big"

	"custody-deposit-go/internal/bridge"
	"custody-deposit-go/internal/chain"
	"custody-deposit-go/internal/common"

	"github.com/shopspring/decimal"
)

// DefaultGasBudget covers a token transfer with some headroom
const DefaultGasBudget = 100_000

// GasPricer is the part of chain.Client the estimator needs
type GasPricer interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// FeeEstimator prices a withdrawal as gas price × budget in the native coin,
// converted with the bridge's own quote for every other asset.
type FeeEstimator struct {
	gas       GasPricer
	bridge    bridge.Client
	native    common.AssetConfig
	gasBudget uint64
}

func NewFeeEstimator(gas GasPricer, bridgeClient bridge.Client, catalog *common.AssetCatalog, gasBudget uint64) *FeeEstimator {
	if gasBudget == 0 {
		gasBudget = DefaultGasBudget
	}
	return &FeeEstimator{
		gas:       gas,
		bridge:    bridgeClient,
		native:    catalog.Native(),
		gasBudget: gasBudget,
	}
}

func (f *FeeEstimator) Estimate(ctx context.Context, asset common.AssetConfig) (decimal.Decimal, error) {
	gasPrice, err := f.gas.SuggestGasPrice(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get gas price: %w", err)
	}
	wei := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(f.gasBudget))
	nativeFee := chain.ToDecimal(wei, f.native.Decimals)

	if asset.Symbol == f.native.Symbol {
		return nativeFee, nil
	}

	if f.bridge == nil || asset.BridgeTicker == "" || f.native.BridgeTicker == "" {
		return decimal.Zero, fmt.Errorf("no fee conversion available for %s", asset.Symbol)
	}
	converted, err := f.bridge.EstimateOutput(ctx, f.native.BridgeTicker, asset.BridgeTicker, nativeFee)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to convert fee to %s: %w", asset.Symbol, err)
	}
	return converted.RoundCeil(asset.Decimals), nil
}
