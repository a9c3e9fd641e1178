// Package event defines the domain events emitted by the auction core and
// the bus that carries them to subscribers. The core publishes; transports
// such as the WebSocket gateway subscribe. This keeps business logic free
// of transport concerns.
package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Type identifies an event kind. The values double as the wire-level event
// names pushed to real-time clients.
type Type string

const (
	AuctionStarted      Type = "auction-started"
	AuctionStartingSoon Type = "auction-starting-soon"
	AuctionEnded        Type = "auction-ended"
	AuctionEndingSoon   Type = "auction-ending-soon"
	BidUpdate           Type = "bid-update"
)

// Event is a single domain event addressed to one room.
type Event struct {
	ID   string          `json:"id"`
	Type Type            `json:"type"`
	Room string          `json:"room"`
	Data json.RawMessage `json:"data"`
	At   time.Time       `json:"at"`
}

// Room naming. Every listing has its own room; vendors and admins have
// role-scoped rooms.
const AdminRoom = "admin"

// ListingRoom returns the room for one listing's live viewers.
func ListingRoom(listingID string) string { return "listing:" + listingID }

// VendorRoom returns the room scoped to one seller.
func VendorRoom(sellerID string) string { return "vendor:" + sellerID }

// BidUpdateData is the payload for BidUpdate events.
type BidUpdateData struct {
	ListingID  string          `json:"listing_id"`
	CurrentBid decimal.Decimal `json:"current_bid"`
	BidderID   string          `json:"bidder_id"`
	TotalBids  int             `json:"total_bids"`
}

// AuctionStartedData is the payload for AuctionStarted events.
type AuctionStartedData struct {
	ListingID string    `json:"listing_id"`
	EndTime   time.Time `json:"end_time"`
}

// AuctionEndedData is the payload for AuctionEnded events. WinnerID is nil
// when the auction ended without a qualifying bid.
type AuctionEndedData struct {
	ListingID     string           `json:"listing_id"`
	WinnerID      *string          `json:"winner_id,omitempty"`
	WinningAmount *decimal.Decimal `json:"winning_amount,omitempty"`
}

// SoonData is the payload for the starting-soon and ending-soon events.
type SoonData struct {
	ListingID string    `json:"listing_id"`
	At        time.Time `json:"at"`
}

// New builds an event addressed to room with a JSON-encoded payload.
func New(t Type, room string, at time.Time, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{ID: uuid.New().String(), Type: t, Room: room, Data: data, At: at}, nil
}
