// Package order calls the external order collaborator. Order creation is
// idempotent per listing on the collaborator side: repeating a request for
// a listing that already has an order returns the existing order ID.
package order

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"
)

// Creator requests order creation for an auction winner.
type Creator interface {
	CreateFromAuction(ctx context.Context, listingID, winnerID string, amount decimal.Decimal) (string, error)
}

// CreateRequest is the wire request sent to the collaborator.
type CreateRequest struct {
	ListingID     string          `json:"listing_id"`
	WinnerID      string          `json:"winner_id"`
	WinningAmount decimal.Decimal `json:"winning_amount"`
}

// CreateResponse is the collaborator's reply.
type CreateResponse struct {
	OrderID string `json:"order_id"`
	Error   string `json:"error,omitempty"`
}

// NATSCreator issues order creation over NATS request-reply.
type NATSCreator struct {
	conn    *nats.Conn
	subject string
	timeout time.Duration
}

// NewNATSCreator returns a Creator using the given subject and per-request timeout.
func NewNATSCreator(conn *nats.Conn, subject string, timeout time.Duration) *NATSCreator {
	return &NATSCreator{conn: conn, subject: subject, timeout: timeout}
}

func (c *NATSCreator) CreateFromAuction(ctx context.Context, listingID, winnerID string, amount decimal.Decimal) (string, error) {
	data, err := json.Marshal(CreateRequest{
		ListingID:     listingID,
		WinnerID:      winnerID,
		WinningAmount: amount,
	})
	if err != nil {
		return "", fmt.Errorf("marshalling order request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msg, err := c.conn.RequestWithContext(reqCtx, c.subject, data)
	if err != nil {
		return "", fmt.Errorf("order creation request: %w", err)
	}

	var resp CreateResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return "", fmt.Errorf("decoding order response: %w", err)
	}
	if resp.Error != "" {
		return "", fmt.Errorf("order collaborator rejected request: %s", resp.Error)
	}
	if resp.OrderID == "" {
		return "", fmt.Errorf("order collaborator returned empty order id")
	}
	return resp.OrderID, nil
}

// MemoryCreator is an in-process Creator for tests and development. It
// mirrors the collaborator's idempotency contract and can be scripted to
// fail a number of times before succeeding.
type MemoryCreator struct {
	mu sync.Mutex
	// orders maps listingID to the created order ID.
	orders map[string]string
	// FailuresRemaining makes the next N calls return an error.
	FailuresRemaining int
	// Requests counts every call, including failed ones.
	Requests int
}

// NewMemoryCreator returns an empty MemoryCreator.
func NewMemoryCreator() *MemoryCreator {
	return &MemoryCreator{orders: make(map[string]string)}
}

func (c *MemoryCreator) CreateFromAuction(_ context.Context, listingID, winnerID string, amount decimal.Decimal) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Requests++
	if c.FailuresRemaining > 0 {
		c.FailuresRemaining--
		return "", fmt.Errorf("order collaborator unavailable")
	}
	if id, ok := c.orders[listingID]; ok {
		return id, nil
	}
	id := uuid.New().String()
	c.orders[listingID] = id
	return id, nil
}

// OrderID returns the order created for a listing, if any.
func (c *MemoryCreator) OrderID(listingID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.orders[listingID]
	return id, ok
}

// OrderCount returns how many distinct orders exist.
func (c *MemoryCreator) OrderCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.orders)
}
