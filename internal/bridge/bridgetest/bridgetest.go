// Package bridgetest provides a scripted bridge.Client for tests.
package bridgetest

import (
	"context"
	"fmt"
	"sync"

	"custody-deposit-go/internal/bridge"
	"custody-deposit-go/internal/models"

	"github.com/shopspring/decimal"
)

// Client records created exchanges and serves statuses set by the test
type Client struct {
	mu sync.Mutex

	statuses map[string]*bridge.Status
	Created  []bridge.CreateExchangeRequest

	// Rate converts every amount in EstimateOutput and CreateExchange quotes
	Rate      decimal.Decimal
	Minimum   decimal.Decimal
	StatusErr error
	CreateErr error
}

var _ bridge.Client = (*Client)(nil)

func New() *Client {
	return &Client{statuses: map[string]*bridge.Status{}, Rate: decimal.NewFromInt(1)}
}

// SetStatus makes GetStatus(externalId) return status.
func (c *Client) SetStatus(externalId string, status models.ExchangeStatus, output decimal.Decimal, payoutHash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[externalId] = &bridge.Status{ExternalId: externalId, Status: status, OutputAmount: output, PayoutHash: payoutHash}
}

func (c *Client) CreateExchange(_ context.Context, req bridge.CreateExchangeRequest) (*bridge.Exchange, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.CreateErr != nil {
		return nil, c.CreateErr
	}
	c.Created = append(c.Created, req)
	id := fmt.Sprintf("ex-%d", len(c.Created))
	c.statuses[id] = &bridge.Status{ExternalId: id, Status: models.ExchangeWaiting}
	return &bridge.Exchange{
		ExternalId:    id,
		PayinAddress:  fmt.Sprintf("0x%040d", len(c.Created)),
		PayoutAddress: req.Address,
		QuotedOutput:  req.Amount.Mul(c.Rate),
	}, nil
}

func (c *Client) GetStatus(_ context.Context, externalId string) (*bridge.Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.StatusErr != nil {
		return nil, c.StatusErr
	}
	s, ok := c.statuses[externalId]
	if !ok {
		return nil, &bridge.APIError{StatusCode: 404, Message: "transaction not found"}
	}
	cp := *s
	return &cp, nil
}

func (c *Client) EstimateOutput(_ context.Context, _, _ string, amount decimal.Decimal) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return amount.Mul(c.Rate), nil
}

func (c *Client) MinimumAmount(context.Context, string, string) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Minimum, nil
}
