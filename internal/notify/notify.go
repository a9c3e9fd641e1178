// Package notify triggers notifications. Delivery is owned by an external
// dispatcher; this package only hands events over, fire-and-forget.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"
)

// Event types handed to the dispatcher.
const (
	StartingSoon = "auction.starting_soon"
	EndingSoon   = "auction.ending_soon"
	FirstBid     = "auction.first_bid"
	AuctionEnded = "auction.ended"
	ClaimWin     = "auction.claim_win"
)

// ListingPayload accompanies lifecycle notifications.
type ListingPayload struct {
	ListingID string    `json:"listing_id"`
	SellerID  string    `json:"seller_id"`
	At        time.Time `json:"at"`
}

// BidPayload accompanies bid-driven notifications.
type BidPayload struct {
	ListingID string          `json:"listing_id"`
	SellerID  string          `json:"seller_id"`
	BidderID  string          `json:"bidder_id"`
	Amount    decimal.Decimal `json:"amount"`
}

// WinPayload accompanies end-of-auction and claim-win notifications.
type WinPayload struct {
	ListingID string          `json:"listing_id"`
	SellerID  string          `json:"seller_id"`
	WinnerID  string          `json:"winner_id"`
	Amount    decimal.Decimal `json:"amount"`
}

// Dispatcher hands a notification event to the delivery system.
// Implementations must never block the caller's hot path on delivery.
type Dispatcher interface {
	Emit(ctx context.Context, eventType string, payload any)
}

// NATSDispatcher publishes notification events to NATS subjects
// "<prefix>.<eventType>". Publish failures are logged, never surfaced.
type NATSDispatcher struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// NewNATSDispatcher returns a Dispatcher backed by the given connection.
func NewNATSDispatcher(conn *nats.Conn, prefix string, logger *slog.Logger) *NATSDispatcher {
	return &NATSDispatcher{conn: conn, prefix: prefix, logger: logger}
}

func (d *NATSDispatcher) Emit(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		d.logger.ErrorContext(ctx, "marshalling notification payload",
			slog.String("event_type", eventType),
			slog.Any("error", err),
		)
		return
	}
	subject := d.prefix + "." + eventType
	if err := d.conn.Publish(subject, data); err != nil {
		d.logger.WarnContext(ctx, "notification publish failed",
			slog.String("subject", subject),
			slog.Any("error", err),
		)
	}
}

// Nop is a Dispatcher that discards everything.
type Nop struct{}

func (Nop) Emit(context.Context, string, any) {}
