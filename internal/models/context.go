package models

import (
	"context"
	"time"
)

type observationContextKey struct{}

// ObservationContext carries where a credit was observed so the ledger mirror
// can store it as transaction metadata without widening the ledger API.
type ObservationContext struct {
	Source      string // "chain", "bridge" or "claim"
	Chain       string
	TxHash      string
	LogIndex    uint
	BlockNumber uint64
	Address     string // recipient address that matched
	ObservedAt  time.Time
}

// WithObservation attaches observation data to a context.
func WithObservation(ctx context.Context, oc *ObservationContext) context.Context {
	return context.WithValue(ctx, observationContextKey{}, oc)
}

// GetObservation retrieves observation data from context, or nil if absent.
func GetObservation(ctx context.Context) *ObservationContext {
	oc, _ := ctx.Value(observationContextKey{}).(*ObservationContext)
	return oc
}
