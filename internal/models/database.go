package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction of a ledger mutation
type Direction string

const (
	DirectionDeposit  Direction = "deposit"
	DirectionWithdraw Direction = "withdraw"
)

// Method tags the asset family a mutation belongs to. One credit path and one
// debit path exist; the method only selects bookkeeping details.
type Method string

const (
	MethodNative Method = "native"
	MethodToken  Method = "token"
	MethodNFT    Method = "nft"
	MethodBridge Method = "bridge"
)

// Account represents a custody customer
type Account struct {
	Id        string    `db:"id"`
	Name      string    `db:"name"`
	Email     string    `db:"email"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Balance is the current state for one account and asset (hot data).
// Available never drops below zero.
type Balance struct {
	AccountId string          `db:"account_id" json:"-"`
	Asset     string          `db:"asset" json:"asset"`
	Available decimal.Decimal `db:"available" json:"available"`
	Deposited decimal.Decimal `db:"deposited" json:"deposited"`
	Withdrawn decimal.Decimal `db:"withdrawn" json:"withdrawn"`
	Version   int64           `db:"version" json:"-"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

// LedgerEntry is an immutable record of one balance mutation (cold data)
type LedgerEntry struct {
	Id            string          `db:"id" json:"id"`
	AccountId     string          `db:"account_id" json:"account_id"`
	Direction     Direction       `db:"direction" json:"direction"`
	Asset         string          `db:"asset" json:"asset"`
	Method        Method          `db:"method" json:"method"`
	Amount        decimal.Decimal `db:"amount" json:"amount"`
	Fee           decimal.Decimal `db:"fee" json:"fee"`
	BalanceBefore decimal.Decimal `db:"balance_before" json:"balance_before"`
	BalanceAfter  decimal.Decimal `db:"balance_after" json:"balance_after"`
	ProcessingKey string          `db:"processing_key" json:"processing_key"`
	Reference     string          `db:"reference" json:"reference,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}

// Total is the amount removed from (or added to) the available balance.
func (e LedgerEntry) Total() decimal.Decimal {
	return e.Amount.Add(e.Fee)
}

// DepositAddress is one slot of the derived address pool together with its lease state.
// The signing key never leaves the pool and is not part of this record.
type DepositAddress struct {
	Index      uint32    `db:"idx"`
	Address    string    `db:"address"`
	LeaseOwner string    `db:"lease_owner"`
	LeasedAt   time.Time `db:"leased_at"`
	InUse      bool      `db:"in_use"`
}

// Expired reports whether an active lease has outlived ttl at now.
func (a DepositAddress) Expired(now time.Time, ttl time.Duration) bool {
	return a.InUse && now.Sub(a.LeasedAt) > ttl
}

// ExchangeStatus is the status reported by the bridge for an exchange
type ExchangeStatus string

const (
	ExchangeNew        ExchangeStatus = "new"
	ExchangeWaiting    ExchangeStatus = "waiting"
	ExchangeConfirming ExchangeStatus = "confirming"
	ExchangeExchanging ExchangeStatus = "exchanging"
	ExchangeSending    ExchangeStatus = "sending"
	ExchangeVerifying  ExchangeStatus = "verifying"
	ExchangeFinished   ExchangeStatus = "finished"
	ExchangeFailed     ExchangeStatus = "failed"
	ExchangeRefunded   ExchangeStatus = "refunded"
)

// IsSuccess is true only for "finished".
func (s ExchangeStatus) IsSuccess() bool { return s == ExchangeFinished }

// IsFailure is true only for "failed" and "refunded".
func (s ExchangeStatus) IsFailure() bool { return s == ExchangeFailed || s == ExchangeRefunded }

// IsTerminal reports whether no further state change is expected.
func (s ExchangeStatus) IsTerminal() bool { return s.IsSuccess() || s.IsFailure() }

// PendingExchange tracks a bridge-mediated deposit or withdrawal
type PendingExchange struct {
	ExternalId         string          `db:"external_id"`
	AccountId          string          `db:"account_id"`
	Direction          Direction       `db:"direction"`
	FromTicker         string          `db:"from_ticker"`
	ToTicker           string          `db:"to_ticker"`
	Asset              string          `db:"asset"`
	RequestedAmount    decimal.Decimal `db:"requested_amount"`
	QuotedOutput       decimal.Decimal `db:"quoted_output"`
	OutputAmount       decimal.Decimal `db:"output_amount"`
	PayinAddress       string          `db:"payin_address"`
	DestinationAddress string          `db:"destination_address"`
	PayoutHash         string          `db:"payout_hash"`
	Status             ExchangeStatus  `db:"status"`
	Reconciled         bool            `db:"reconciled"`
	StaleReported      bool            `db:"stale_reported"`
	CreatedAt          time.Time       `db:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at"`
}

// NFTStandard distinguishes single-unit and multi-unit tokens
type NFTStandard string

const (
	NFTStandardERC721  NFTStandard = "ERC721"
	NFTStandardERC1155 NFTStandard = "ERC1155"
)

// NFTNote labels an ownership change
type NFTNote string

const (
	NFTNoteDeposit     NFTNote = "deposit"
	NFTNoteWithdraw    NFTNote = "withdraw"
	NFTNoteMarketplace NFTNote = "marketplace"
	NFTNoteJackpot     NFTNote = "jackpot"
)

// NFTHolding is custody of exactly one unit of a token
type NFTHolding struct {
	Id              string          `db:"id" json:"id"`
	AccountId       string          `db:"account_id" json:"account_id"`
	Network         string          `db:"network" json:"network"`
	ContractAddress string          `db:"contract_address" json:"contract_address"`
	TokenId         string          `db:"token_id" json:"token_id"`
	Standard        NFTStandard     `db:"standard" json:"standard"`
	Price           decimal.Decimal `db:"price" json:"price"`
	Deleted         bool            `db:"deleted" json:"-"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

// NFTTransferRecord is one immutable link in a holding's ownership chain
type NFTTransferRecord struct {
	Id              string          `db:"id" json:"id"`
	HoldingId       string          `db:"holding_id" json:"holding_id"`
	ContractAddress string          `db:"contract_address" json:"contract_address"`
	TokenId         string          `db:"token_id" json:"token_id"`
	BeforeOwner     string          `db:"before_owner" json:"before_owner,omitempty"`
	AfterOwner      string          `db:"after_owner" json:"after_owner,omitempty"`
	Price           decimal.Decimal `db:"price" json:"price"`
	Note            NFTNote         `db:"note" json:"note"`
	TxHash          string          `db:"tx_hash" json:"tx_hash,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
}

// ReconciliationKind classifies anomalies queued for operators
type ReconciliationKind string

const (
	ReconSubmissionAfterDebit ReconciliationKind = "submission_after_debit"
	ReconDuplicateKeyMismatch ReconciliationKind = "duplicate_key_mismatch"
	ReconBalanceMismatch      ReconciliationKind = "balance_mismatch"
	ReconBridgeWithdrawFailed ReconciliationKind = "bridge_withdraw_failed"
	ReconBridgeDeadline       ReconciliationKind = "bridge_deadline_exceeded"
	ReconSweepFailed          ReconciliationKind = "sweep_failed"
	ReconUnattributedDeposit  ReconciliationKind = "unattributed_deposit"
	ReconNFTConflict          ReconciliationKind = "nft_conflict"
	ReconRejectedDeposit      ReconciliationKind = "rejected_deposit"
)

// ReconciliationItem is an anomaly that needs a human decision
type ReconciliationItem struct {
	Id         string             `db:"id" json:"id"`
	Kind       ReconciliationKind `db:"kind" json:"kind"`
	AccountId  string             `db:"account_id" json:"account_id,omitempty"`
	Asset      string             `db:"asset" json:"asset,omitempty"`
	Amount     decimal.Decimal    `db:"amount" json:"amount"`
	Reference  string             `db:"reference" json:"reference"`
	Reason     string             `db:"reason" json:"reason"`
	Resolved   bool               `db:"resolved" json:"resolved"`
	Resolution string             `db:"resolution" json:"resolution,omitempty"`
	CreatedAt  time.Time          `db:"created_at" json:"created_at"`
	ResolvedAt time.Time          `db:"resolved_at" json:"resolved_at,omitempty"`
}
