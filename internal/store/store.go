package store

import (
	"context"
	"errors"
	"time"

	"custody-deposit-go/internal/models"

	"github.com/shopspring/decimal"
)

// Sentinel errors shared across all backend implementations.
var (
	ErrDuplicateTransaction   = errors.New("duplicate transaction")
	ErrConcurrentModification = errors.New("concurrent modification detected")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrAccountNotFound        = errors.New("account not found")
	ErrPoolExhausted          = errors.New("deposit address pool exhausted")
	ErrPoolMismatch           = errors.New("stored pool address does not match derived address")
	ErrAddressNotInPool       = errors.New("address is not part of the pool")
	ErrExchangeNotFound       = errors.New("pending exchange not found")
	ErrNFTAlreadyHeld         = errors.New("nft already held in custody")
	ErrNFTNotOwned            = errors.New("nft not owned by account")
	ErrEntryNotFound          = errors.New("ledger entry not found")
	ErrItemNotFound           = errors.New("reconciliation item not found")
	ErrBalanceMismatch        = errors.New("balance does not match ledger entries")
)

// CreditParams contains the parameters for crediting an account.
// ProcessingKey is the deduplication key: the tx hash (or hash#logIndex) for
// chain-observed events, the exchange id for bridge events.
type CreditParams struct {
	AccountId     string
	Asset         string
	Method        models.Method
	Amount        decimal.Decimal
	ProcessingKey string
	Reference     string
}

// DebitParams contains the parameters for debiting an account.
// Amount + Fee is removed from the available balance.
type DebitParams struct {
	AccountId     string
	Asset         string
	Method        models.Method
	Amount        decimal.Decimal
	Fee           decimal.Decimal
	ProcessingKey string
	Reference     string
}

// NFTDepositParams records custody of Units units of one token.
type NFTDepositParams struct {
	AccountId       string
	Network         string
	ContractAddress string
	TokenId         string
	Standard        models.NFTStandard
	Units           int64
	TxHash          string
	ProcessingKey   string
}

// NFTWithdrawParams releases Units units of one token from custody.
type NFTWithdrawParams struct {
	AccountId       string
	ContractAddress string
	TokenId         string
	Units           int64
	Destination     string
	ProcessingKey   string
}

// ExchangeUpdate is the latest bridge view of an exchange.
type ExchangeUpdate struct {
	ExternalId   string
	Status       models.ExchangeStatus
	OutputAmount decimal.Decimal
	PayoutHash   string
}

// LedgerStore defines the contract that every backend (SQLite, Postgres) must satisfy.
type LedgerStore interface {
	// --- Accounts ---
	CreateAccount(ctx context.Context, accountId, name, email string) (*models.Account, error)
	GetAccount(ctx context.Context, accountId string) (*models.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*models.Account, error)
	ListAccounts(ctx context.Context) ([]models.Account, error)

	// --- Ledger ---
	Credit(ctx context.Context, params CreditParams) (*models.LedgerEntry, error)
	Debit(ctx context.Context, params DebitParams) (*models.LedgerEntry, error)
	GetBalance(ctx context.Context, accountId, asset string) (*models.Balance, error)
	GetAllBalances(ctx context.Context, accountId string) ([]models.Balance, error)
	GetEntryByProcessingKey(ctx context.Context, processingKey string, direction models.Direction) (*models.LedgerEntry, error)
	GetHistory(ctx context.Context, accountId string, offset, count int) ([]models.LedgerEntry, int, error)
	ReconcileBalance(ctx context.Context, accountId, asset string) error

	// --- Address pool ---
	SyncDepositAddresses(ctx context.Context, addresses []models.DepositAddress) error
	LeaseAddress(ctx context.Context, accountId string, now time.Time, ttl time.Duration) (*models.DepositAddress, error)
	FindLeaseByAddress(ctx context.Context, address string) (*models.DepositAddress, error)
	ReleaseAddress(ctx context.Context, address string) error
	ReclaimExpiredLeases(ctx context.Context, now time.Time, ttl time.Duration) (int, error)
	ListDepositAddresses(ctx context.Context) ([]models.DepositAddress, error)

	// --- Exchanges ---
	CreatePendingExchange(ctx context.Context, exchange models.PendingExchange) error
	GetPendingExchange(ctx context.Context, externalId string) (*models.PendingExchange, error)
	ListOpenExchanges(ctx context.Context) ([]models.PendingExchange, error)
	UpdateExchange(ctx context.Context, update ExchangeUpdate) error
	MarkExchangeReconciled(ctx context.Context, externalId string) error
	MarkExchangeStaleReported(ctx context.Context, externalId string) error
	FindExchangeByPayoutHash(ctx context.Context, payoutHash string) (*models.PendingExchange, error)

	// --- NFTs ---
	DepositNFT(ctx context.Context, params NFTDepositParams) ([]models.NFTHolding, error)
	WithdrawNFT(ctx context.Context, params NFTWithdrawParams) ([]models.NFTHolding, error)
	ListNFTHoldings(ctx context.Context, accountId string) ([]models.NFTHolding, error)
	GetNFTHistory(ctx context.Context, accountId string, offset, count int) ([]models.NFTTransferRecord, int, error)

	// --- Reconciliation ---
	RecordReconciliationItem(ctx context.Context, item models.ReconciliationItem) (*models.ReconciliationItem, error)
	ListReconciliationItems(ctx context.Context, includeResolved bool) ([]models.ReconciliationItem, error)
	ResolveReconciliationItem(ctx context.Context, id, resolution string) error

	// --- Chain cursors ---
	GetCursor(ctx context.Context, chain string) (uint64, bool, error)
	SetCursor(ctx context.Context, chain string, height uint64) error

	// --- Lifecycle ---
	Close()
}

// NFTAsset is the ledger asset label used for entries that move NFTs.
func NFTAsset(contractAddress, tokenId string) string {
	return "NFT:" + contractAddress + "#" + tokenId
}
