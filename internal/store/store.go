package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Errors returned by repositories. Anything else coming out of a repository
// is treated as a transient store failure by callers.
var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned by ConditionalUpdate when the expected
	// (status, currentBid, totalBids) triple no longer matches the
	// stored row.
	ErrConflict = errors.New("conditional update conflict")
)

// Status is the lifecycle state of a listing.
type Status string

const (
	StatusPendingApproval Status = "pending-approval"
	StatusScheduled       Status = "scheduled"
	StatusActive          Status = "active"
	StatusEnded           Status = "ended"
	StatusCancelled       Status = "cancelled"
	StatusRejected        Status = "rejected"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusEnded, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// Mode is the selling mode of a listing.
type Mode string

const (
	ModeAuction Mode = "auction"
	ModeBuyNow  Mode = "buy-now"
)

// Listing is an auction-mode product listing.
type Listing struct {
	ID              string          `db:"id"`
	Title           string          `db:"title"`
	SellerID        string          `db:"seller_id"`
	Mode            Mode            `db:"mode"`
	Status          Status          `db:"status"`
	StartTime       time.Time       `db:"start_time"`
	EndTime         time.Time       `db:"end_time"`
	StartingBid     decimal.Decimal `db:"starting_bid"`
	CurrentBid      decimal.Decimal `db:"current_bid"`
	MinBidIncrement decimal.Decimal `db:"min_bid_increment"`
	ReservePrice    decimal.Decimal `db:"reserve_price"`
	BuyNowPrice     decimal.Decimal `db:"buy_now_price"`
	TotalBids       int             `db:"total_bids"`

	WinnerID      *string          `db:"winner_id"`
	WinningAmount *decimal.Decimal `db:"winning_amount"`

	NotifiedStartingSoon bool `db:"notified_starting_soon"`
	NotifiedEndingSoon   bool `db:"notified_ending_soon"`
	// OrderRequested is set once the order collaborator has acknowledged
	// order creation for this listing's winner.
	OrderRequested bool `db:"order_requested"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// MinAcceptableBid returns the lowest amount the next bid must reach:
// the starting bid when no bid has been accepted yet, otherwise the
// current bid plus the minimum increment.
func (l *Listing) MinAcceptableBid() decimal.Decimal {
	if l.TotalBids == 0 {
		return l.StartingBid
	}
	return l.CurrentBid.Add(l.MinBidIncrement)
}

// Bid is an immutable record of one offer by one bidder on one listing.
type Bid struct {
	ID        string          `db:"id"`
	ListingID string          `db:"listing_id"`
	BidderID  string          `db:"bidder_id"`
	Amount    decimal.Decimal `db:"amount"`
	PlacedAt  time.Time       `db:"placed_at"`
}

// TimeField selects which listing timestamp a due-query compares against.
type TimeField string

const (
	ByStartTime TimeField = "start_time"
	ByEndTime   TimeField = "end_time"
)

// NotifyFlag selects one of the one-shot notification markers on a listing.
type NotifyFlag string

const (
	FlagStartingSoon NotifyFlag = "notified_starting_soon"
	FlagEndingSoon   NotifyFlag = "notified_ending_soon"
)

// Update describes the fields a conditional update may change. Nil pointer
// fields are left untouched.
type Update struct {
	Status         *Status
	CurrentBid     *decimal.Decimal
	TotalBidsDelta int
	WinnerID       *string
	WinningAmount  *decimal.Decimal
}

// ListingRepository defines listing persistence operations.
type ListingRepository interface {
	Create(ctx context.Context, l *Listing) error
	Get(ctx context.Context, id string) (*Listing, error)

	// FindDue returns listings in the given status whose time field is at
	// or before boundary, ordered by that field ascending.
	FindDue(ctx context.Context, status Status, field TimeField, boundary time.Time) ([]Listing, error)
	// FindDueWindow returns listings in the given status whose time field
	// falls within [from, to] and whose notify flag is still unset.
	FindDueWindow(ctx context.Context, status Status, field TimeField, from, to time.Time, flag NotifyFlag) ([]Listing, error)

	// ConditionalUpdate applies upd only if the stored row still has the
	// expected status, current bid and bid count. The bid count guards
	// first bids placed at the starting price, which leave the current
	// bid unchanged. Returns ErrConflict otherwise.
	ConditionalUpdate(ctx context.Context, id string, expectedStatus Status, expectedCurrentBid decimal.Decimal, expectedTotalBids int, upd Update) error

	// MarkNotified sets the given one-shot notification flag.
	MarkNotified(ctx context.Context, id string, flag NotifyFlag) error

	// FindUnfulfilled returns ended listings with a winner whose order has
	// not yet been acknowledged by the order collaborator.
	FindUnfulfilled(ctx context.Context) ([]Listing, error)
	// MarkOrderRequested records that order creation was acknowledged.
	MarkOrderRequested(ctx context.Context, id string) error
}

// BidRepository defines the append-only bid ledger.
type BidRepository interface {
	Append(ctx context.Context, b *Bid) error
	// FindMax returns the highest bid for a listing, ties broken by the
	// earliest placement. Returns nil without error when no bids exist.
	FindMax(ctx context.Context, listingID string) (*Bid, error)
	ListForListing(ctx context.Context, listingID string) ([]Bid, error)
}
