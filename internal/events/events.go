package events

import (
	"context"
	"time"
)

// Event types
const (
	EventDepositCredited        = "deposit_credited"
	EventWithdrawalDebited      = "withdrawal_debited"
	EventNFTDeposited           = "nft_deposited"
	EventNFTWithdrawn           = "nft_withdrawn"
	EventReconciliationRecorded = "reconciliation_recorded"
	EventExchangeUpdated        = "exchange_updated"
)

type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
	At      time.Time      `json:"at"`
}

func NewEvent(eventType string, payload map[string]any) Event {
	return Event{Type: eventType, Payload: payload, At: time.Now().UTC()}
}

type Publisher interface {
	Publish(ctx context.Context, stream string, event Event) error
}

// NopPublisher drops every event. Used when no Redis URL is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, Event) error { return nil }
