package formance

import (
	"context"
	"fmt"

	"custody-deposit-go/internal/models"

	"github.com/formancehq/formance-sdk-go/v3/pkg/models/operations"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/shared"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Numscript templates. Metadata is set inside the script so each Formance
// transaction describes itself without the local ledger.

const numscriptCredit = `vars {
  asset $asset
  number $amount
  account $account_id
  string $processing_key
  string $method
  string $amount_human
  string $observed_by
  string $chain_tx_hash
}

send [$asset $amount] (
  source = @world
  destination = @users:$account_id
)

set_tx_meta("event_type", "credit")
set_tx_meta("processing_key", $processing_key)
set_tx_meta("method", $method)
set_tx_meta("amount_human", $amount_human)
set_tx_meta("observed_by", $observed_by)
set_tx_meta("chain_tx_hash", $chain_tx_hash)
`

const numscriptDebit = `vars {
  asset $asset
  number $amount
  account $account_id
  string $processing_key
  string $method
  string $amount_human
}

send [$asset $amount] (
  source = @users:$account_id allowing unbounded overdraft
  destination = @custody:withdrawals
)

set_tx_meta("event_type", "debit")
set_tx_meta("processing_key", $processing_key)
set_tx_meta("method", $method)
set_tx_meta("amount_human", $amount_human)
`

const numscriptDebitWithFee = `vars {
  asset $asset
  number $amount
  number $fee
  account $account_id
  string $processing_key
  string $method
  string $amount_human
  string $fee_human
}

send [$asset $amount] (
  source = @users:$account_id allowing unbounded overdraft
  destination = @custody:withdrawals
)

send [$asset $fee] (
  source = @users:$account_id allowing unbounded overdraft
  destination = @custody:fees
)

set_tx_meta("event_type", "debit")
set_tx_meta("processing_key", $processing_key)
set_tx_meta("method", $method)
set_tx_meta("amount_human", $amount_human)
set_tx_meta("fee_human", $fee_human)
`

// RecordCredit mirrors a deposit entry. A reference conflict means it was mirrored already.
func (m *Mirror) RecordCredit(ctx context.Context, entry models.LedgerEntry) error {
	source, txHash := "ledger", ""
	if oc := models.GetObservation(ctx); oc != nil {
		source, txHash = oc.Source, oc.TxHash
	}

	postTx := shared.V2PostTransaction{
		Reference: strPtr(reference(entry)),
		Timestamp: &entry.CreatedAt,
		Script: &shared.V2PostTransactionScript{
			Plain: numscriptCredit,
			Vars: map[string]string{
				"asset":          m.formanceAsset(entry.Asset),
				"amount":         m.smallestUnits(entry.Asset, entry.Amount),
				"account_id":     entry.AccountId,
				"processing_key": entry.ProcessingKey,
				"method":         string(entry.Method),
				"amount_human":   entry.Amount.String(),
				"observed_by":    source,
				"chain_tx_hash":  txHash,
			},
		},
	}
	return m.post(ctx, postTx, entry)
}

// RecordDebit mirrors a withdrawal entry, posting the fee to a separate account.
func (m *Mirror) RecordDebit(ctx context.Context, entry models.LedgerEntry) error {
	vars := map[string]string{
		"asset":          m.formanceAsset(entry.Asset),
		"amount":         m.smallestUnits(entry.Asset, entry.Amount),
		"account_id":     entry.AccountId,
		"processing_key": entry.ProcessingKey,
		"method":         string(entry.Method),
		"amount_human":   entry.Amount.String(),
	}
	script := numscriptDebit
	if entry.Fee.IsPositive() {
		script = numscriptDebitWithFee
		vars["fee"] = m.smallestUnits(entry.Asset, entry.Fee)
		vars["fee_human"] = entry.Fee.String()
	}

	postTx := shared.V2PostTransaction{
		Reference: strPtr(reference(entry)),
		Timestamp: &entry.CreatedAt,
		Script: &shared.V2PostTransactionScript{
			Plain: script,
			Vars:  vars,
		},
	}
	return m.post(ctx, postTx, entry)
}

func (m *Mirror) post(ctx context.Context, postTx shared.V2PostTransaction, entry models.LedgerEntry) error {
	_, err := m.client.Ledger.V2.CreateTransaction(ctx, operations.V2CreateTransactionRequest{
		Ledger:            m.ledger,
		V2PostTransaction: postTx,
	})
	if err != nil {
		if isConflictError(err) {
			zap.L().Debug("Ledger entry already mirrored", zap.String("reference", *postTx.Reference))
			return nil
		}
		return fmt.Errorf("error mirroring %s entry: %w", entry.Direction, err)
	}

	zap.L().Info("Ledger entry mirrored to Formance",
		zap.String("account_id", entry.AccountId),
		zap.String("direction", string(entry.Direction)),
		zap.String("asset", entry.Asset),
		zap.String("amount", entry.Amount.String()),
		zap.String("reference", *postTx.Reference))
	return nil
}

// reference is unique per (processing key, direction), like the local ledger.
func reference(entry models.LedgerEntry) string {
	return entry.ProcessingKey + ":" + string(entry.Direction)
}

func (m *Mirror) smallestUnits(symbol string, amount decimal.Decimal) string {
	return amount.Shift(m.precisionFor(symbol)).Truncate(0).BigInt().String()
}
