package auction

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Rejection codes surfaced to clients.
const (
	CodeAuctionNotActive = "AUCTION_NOT_ACTIVE"
	CodeBidTooLow        = "BID_TOO_LOW"
	CodeSelfBid          = "SELF_BID_FORBIDDEN"
)

// Errors returned by auction operations.
var (
	ErrAuctionNotActive = errors.New("auction is not active")
	ErrBidTooLow        = errors.New("bid is below the minimum acceptable amount")
	ErrSelfBid          = errors.New("sellers cannot bid on their own listing")
	ErrInvalidInput     = errors.New("invalid input")

	// ErrStoreUnavailable marks a transient store failure. The bid was not
	// rejected; the client should resubmit the same amount.
	ErrStoreUnavailable = errors.New("store temporarily unavailable")
)

// Rejection is a definitive bid rejection. It always carries the
// authoritative current bid so a client can refresh its display without a
// separate fetch.
type Rejection struct {
	err           error
	Code          string
	CurrentBid    decimal.Decimal
	MinAcceptable decimal.Decimal
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: current bid %s, minimum acceptable %s", r.Code, r.CurrentBid, r.MinAcceptable)
}

func (r *Rejection) Unwrap() error { return r.err }

// AsRejection unwraps err into a *Rejection if it is one.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	ok := errors.As(err, &r)
	return r, ok
}

func rejectNotActive(current decimal.Decimal) error {
	return &Rejection{err: ErrAuctionNotActive, Code: CodeAuctionNotActive, CurrentBid: current}
}

func rejectTooLow(current, minAcceptable decimal.Decimal) error {
	return &Rejection{err: ErrBidTooLow, Code: CodeBidTooLow, CurrentBid: current, MinAcceptable: minAcceptable}
}

func rejectSelfBid(current decimal.Decimal) error {
	return &Rejection{err: ErrSelfBid, Code: CodeSelfBid, CurrentBid: current}
}
