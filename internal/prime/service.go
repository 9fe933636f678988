package prime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"custody-deposit-go/internal/models"
	"custody-deposit-go/internal/transport"

	"github.com/coinbase-samples/prime-sdk-go/client"
	"github.com/coinbase-samples/prime-sdk-go/credentials"
	"github.com/coinbase-samples/prime-sdk-go/model"
	"github.com/coinbase-samples/prime-sdk-go/portfolios"
	"github.com/coinbase-samples/prime-sdk-go/transactions"
	"github.com/coinbase-samples/prime-sdk-go/wallets"
	"go.uber.org/zap"
)

const (
	// WalletTypeTrading holds the balances withdrawals are paid from
	WalletTypeTrading = "TRADING"

	DefaultPortfolioName = "Default Portfolio"
)

var (
	ErrPortfolioNotFound = errors.New("prime portfolio not found")
	ErrWalletNotFound    = errors.New("prime wallet not found")
)

// Withdrawer is the subset of the Prime API the withdrawal route uses
type Withdrawer interface {
	FindWalletId(ctx context.Context, portfolioId, symbol string) (string, error)
	CreateWithdrawal(ctx context.Context, params CreateWithdrawalParams) (*models.PrimeWithdrawal, error)
}

// Service talks to Coinbase Prime. Wallet ids are cached per portfolio and symbol.
type Service struct {
	portfolios   portfolios.PortfoliosService
	wallets      wallets.WalletsService
	transactions transactions.TransactionsService

	walletIds sync.Map // portfolioId/SYMBOL -> wallet id
}

func NewService(creds *credentials.Credentials) (*Service, error) {
	httpClient, err := transport.NewHttpClient(0)
	if err != nil {
		return nil, fmt.Errorf("unable to create prime http client: %w", err)
	}

	restClient := client.NewRestClient(creds, *httpClient)
	return &Service{
		portfolios:   portfolios.NewPortfoliosService(restClient),
		wallets:      wallets.NewWalletsService(restClient),
		transactions: transactions.NewTransactionsService(restClient),
	}, nil
}

func (s *Service) ListPortfolios(ctx context.Context) ([]models.Portfolio, error) {
	response, err := s.portfolios.ListPortfolios(ctx, &portfolios.ListPortfoliosRequest{})
	if err != nil {
		return nil, fmt.Errorf("unable to list portfolios: %w", err)
	}

	out := make([]models.Portfolio, 0, len(response.Portfolios))
	for _, p := range response.Portfolios {
		out = append(out, models.Portfolio{Id: p.Id, Name: p.Name})
	}
	return out, nil
}

// FindPortfolio returns the portfolio with the given id, or the one named
// DefaultPortfolioName when id is empty.
func (s *Service) FindPortfolio(ctx context.Context, id string) (*models.Portfolio, error) {
	list, err := s.ListPortfolios(ctx)
	if err != nil {
		return nil, err
	}
	if p := selectPortfolio(list, id); p != nil {
		return p, nil
	}
	if id == "" {
		return nil, fmt.Errorf("%q: %w", DefaultPortfolioName, ErrPortfolioNotFound)
	}
	return nil, fmt.Errorf("%s: %w", id, ErrPortfolioNotFound)
}

func selectPortfolio(list []models.Portfolio, id string) *models.Portfolio {
	for i := range list {
		if id != "" && list[i].Id == id {
			return &list[i]
		}
		if id == "" && list[i].Name == DefaultPortfolioName {
			return &list[i]
		}
	}
	return nil
}

func (s *Service) ListWallets(ctx context.Context, portfolioId, walletType string, symbols []string) ([]models.Wallet, error) {
	response, err := s.wallets.ListWallets(ctx, &wallets.ListWalletsRequest{
		PortfolioId: portfolioId,
		Type:        walletType,
		Symbols:     symbols,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to list %s wallets: %w", walletType, err)
	}

	out := make([]models.Wallet, 0, len(response.Wallets))
	for _, w := range response.Wallets {
		out = append(out, models.Wallet{Id: w.Id, Name: w.Name, Symbol: w.Symbol, Type: w.Type})
	}
	return out, nil
}

// FindWalletId returns the trading wallet holding symbol
func (s *Service) FindWalletId(ctx context.Context, portfolioId, symbol string) (string, error) {
	key := portfolioId + "/" + strings.ToUpper(symbol)
	if id, ok := s.walletIds.Load(key); ok {
		return id.(string), nil
	}

	list, err := s.ListWallets(ctx, portfolioId, WalletTypeTrading, []string{symbol})
	if err != nil {
		return "", err
	}
	if len(list) == 0 {
		return "", fmt.Errorf("%s trading wallet: %w", symbol, ErrWalletNotFound)
	}

	s.walletIds.Store(key, list[0].Id)
	return list[0].Id, nil
}

// CreateWithdrawalParams contains parameters for a wallet withdrawal to a blockchain address
type CreateWithdrawalParams struct {
	PortfolioId        string
	WalletId           string
	DestinationAddress string
	Amount             string
	Symbol             string
	// Network is "id-type", e.g. "ethereum-mainnet"; empty lets Prime pick the default
	Network        string
	IdempotencyKey string
}

// blockchainAddress builds the Prime destination, attaching network details when given as "id-type"
func blockchainAddress(address, network string) *model.BlockchainAddress {
	addr := &model.BlockchainAddress{Address: address}
	if id, typ, ok := strings.Cut(network, "-"); ok && id != "" && typ != "" {
		addr.Network = &model.NetworkDetails{Id: id, Type: typ}
	}
	return addr
}

// CreateWithdrawal sends funds from a Prime wallet; the idempotency key is forwarded to Prime.
func (s *Service) CreateWithdrawal(ctx context.Context, params CreateWithdrawalParams) (*models.PrimeWithdrawal, error) {
	logger := zap.L().With(
		zap.String("portfolio_id", params.PortfolioId),
		zap.String("wallet_id", params.WalletId),
		zap.String("symbol", params.Symbol),
		zap.String("amount", params.Amount),
		zap.String("idempotency_key", params.IdempotencyKey))
	logger.Info("Creating Prime withdrawal", zap.String("destination", params.DestinationAddress))

	response, err := s.transactions.CreateWalletWithdrawal(ctx, &transactions.CreateWalletWithdrawalRequest{
		PortfolioId:       params.PortfolioId,
		SourceWalletId:    params.WalletId,
		Amount:            params.Amount,
		IdempotencyKey:    params.IdempotencyKey,
		Symbol:            params.Symbol,
		DestinationType:   "DESTINATION_BLOCKCHAIN",
		BlockchainAddress: blockchainAddress(params.DestinationAddress, params.Network),
	})
	if err != nil {
		logger.Error("Prime withdrawal rejected", zap.Error(err))
		return nil, fmt.Errorf("unable to create withdrawal: %w", err)
	}

	logger.Info("Prime withdrawal created", zap.String("activity_id", response.ActivityId))
	return &models.PrimeWithdrawal{
		ActivityId:     response.ActivityId,
		Asset:          params.Symbol,
		Amount:         params.Amount,
		Destination:    params.DestinationAddress,
		IdempotencyKey: params.IdempotencyKey,
	}, nil
}
