package withdrawal

import (
	"custody-deposit-go/internal/common"
	"custody-deposit-go/internal/models"
)

// NewFromServices assembles the executor with every route the services support
func NewFromServices(s *common.Services, cfg models.Config) *Executor {
	chainSubmitter := NewChainSubmitter(s.Chain, s.Pool.Treasury())
	fees := NewFeeEstimator(s.Chain, s.Bridge, s.Catalog, cfg.Withdrawal.GasBudget)

	opts := []Option{WithDefaultRoute(cfg.Withdrawal.DefaultRoute)}
	if s.Bridge != nil {
		opts = append(opts, WithRoute(RouteBridge, NewBridgeSubmitter(s.Bridge, chainSubmitter, s.Store, s.Catalog.Native().BridgeTicker)))
	}
	if s.Prime != nil {
		opts = append(opts, WithRoute(RoutePrime, NewPrimeSubmitter(s.Prime, s.DefaultPortfolio.Id)))
	}
	return NewExecutor(s.Ledger, fees, s.Catalog, chainSubmitter, opts...)
}
