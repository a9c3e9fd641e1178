// Package auction implements the auction lifecycle core: bid acceptance,
// the due-transition scheduler, and winner resolution.
package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/skoglund/auctiond/internal/clock"
	"github.com/skoglund/auctiond/internal/event"
	"github.com/skoglund/auctiond/internal/notify"
	"github.com/skoglund/auctiond/internal/store"
)

// casAttempts is the initial conditional update plus one retry after a
// lost race, per the bid acceptance contract.
const casAttempts = 2

// Service accepts bids and decides atomically whether each becomes the new
// highest. Safe for concurrent use; all mutation flows through the store's
// conditional update.
type Service struct {
	listings store.ListingRepository
	bids     store.BidRepository
	bus      event.Bus
	notifier notify.Dispatcher
	resolver *Resolver
	clock    clock.Clock
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewService creates a bid acceptance Service.
func NewService(
	listings store.ListingRepository,
	bids store.BidRepository,
	bus event.Bus,
	notifier notify.Dispatcher,
	resolver *Resolver,
	logger *slog.Logger,
	tp trace.TracerProvider,
	clk clock.Clock,
) *Service {
	return &Service{
		listings: listings,
		bids:     bids,
		bus:      bus,
		notifier: notifier,
		resolver: resolver,
		clock:    clk,
		logger:   logger,
		tracer:   tp.Tracer("github.com/skoglund/auctiond/internal/auction"),
	}
}

// PlaceBid validates {listingID, bidderID, amount} and commits it as the
// new highest bid via compare-and-swap on the listing's current bid. On a
// lost race it re-reads, re-validates and retries once; a second loss is
// surfaced as a BID_TOO_LOW rejection carrying the fresh current bid.
// The returned listing reflects the state after the bid was applied.
func (s *Service) PlaceBid(ctx context.Context, listingID, bidderID string, amount decimal.Decimal) (*store.Listing, error) {
	ctx, span := s.tracer.Start(ctx, "Service.PlaceBid",
		trace.WithAttributes(
			attribute.String("listing.id", listingID),
			attribute.String("bidder.id", bidderID),
			attribute.String("bid.amount", amount.String()),
		),
	)
	defer span.End()

	if listingID == "" || bidderID == "" {
		return nil, fmt.Errorf("%w: listing and bidder are required", ErrInvalidInput)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}

	l, err := s.listings.Get(ctx, listingID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, rejectNotActive(decimal.Zero)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: loading listing: %v", ErrStoreUnavailable, err)
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		if err := s.validate(l, bidderID, amount); err != nil {
			return nil, err
		}

		// Buy-now short-circuit: reaching the buy-now price ends the
		// auction in the same conditional update, bypassing the scheduler.
		buyNow := l.BuyNowPrice.IsPositive() && amount.GreaterThanOrEqual(l.BuyNowPrice)

		upd := store.Update{CurrentBid: &amount, TotalBidsDelta: 1}
		if buyNow {
			ended := store.StatusEnded
			upd.Status = &ended
			upd.WinnerID = &bidderID
			upd.WinningAmount = &amount
		}

		err := s.listings.ConditionalUpdate(ctx, l.ID, store.StatusActive, l.CurrentBid, l.TotalBids, upd)
		switch {
		case errors.Is(err, store.ErrConflict):
			fresh, gerr := s.listings.Get(ctx, l.ID)
			if gerr != nil {
				return nil, fmt.Errorf("%w: re-reading listing after conflict: %v", ErrStoreUnavailable, gerr)
			}
			l = fresh
			continue
		case errors.Is(err, store.ErrNotFound):
			return nil, rejectNotActive(decimal.Zero)
		case err != nil:
			return nil, fmt.Errorf("%w: committing bid: %v", ErrStoreUnavailable, err)
		}

		return s.committed(ctx, l, bidderID, amount, buyNow)
	}

	// Lost the race twice; l holds the freshest state from the last re-read.
	return nil, rejectTooLow(l.CurrentBid, l.MinAcceptableBid())
}

// validate applies the acceptance rules in contract order: auction state
// first, amount second, self-bid last.
func (s *Service) validate(l *store.Listing, bidderID string, amount decimal.Decimal) error {
	if l.Status != store.StatusActive || !s.clock.Now().Before(l.EndTime) {
		return rejectNotActive(l.CurrentBid)
	}
	if amount.LessThan(l.MinAcceptableBid()) {
		return rejectTooLow(l.CurrentBid, l.MinAcceptableBid())
	}
	if bidderID == l.SellerID {
		return rejectSelfBid(l.CurrentBid)
	}
	return nil
}

// committed runs the post-commit side effects. The listing row is already
// authoritative at this point; ledger or fan-out failures are logged, not
// surfaced, so a commit is never reported as a rejection.
func (s *Service) committed(ctx context.Context, l *store.Listing, bidderID string, amount decimal.Decimal, buyNow bool) (*store.Listing, error) {
	now := s.clock.Now().UTC()
	wasFirst := l.TotalBids == 0

	b := &store.Bid{ListingID: l.ID, BidderID: bidderID, Amount: amount, PlacedAt: now}
	if err := s.bids.Append(ctx, b); err != nil {
		s.logger.ErrorContext(ctx, "failed to append bid to ledger",
			slog.String("listing_id", l.ID),
			slog.String("bidder_id", bidderID),
			slog.Any("error", err),
		)
	}

	l.CurrentBid = amount
	l.TotalBids++
	if buyNow {
		l.Status = store.StatusEnded
		l.WinnerID = &bidderID
		l.WinningAmount = &amount
	}

	s.publish(ctx, event.BidUpdate, []string{event.ListingRoom(l.ID)}, now, event.BidUpdateData{
		ListingID:  l.ID,
		CurrentBid: amount,
		BidderID:   bidderID,
		TotalBids:  l.TotalBids,
	})

	if wasFirst {
		s.notifier.Emit(ctx, notify.FirstBid, notify.BidPayload{
			ListingID: l.ID,
			SellerID:  l.SellerID,
			BidderID:  bidderID,
			Amount:    amount,
		})
	}

	s.logger.InfoContext(ctx, "bid accepted",
		slog.String("listing_id", l.ID),
		slog.String("bidder_id", bidderID),
		slog.String("amount", amount.String()),
		slog.Int("total_bids", l.TotalBids),
		slog.Bool("buy_now", buyNow),
	)

	if buyNow {
		s.publish(ctx, event.AuctionEnded,
			[]string{event.ListingRoom(l.ID), event.VendorRoom(l.SellerID), event.AdminRoom},
			now,
			event.AuctionEndedData{ListingID: l.ID, WinnerID: &bidderID, WinningAmount: &amount},
		)
		s.notifier.Emit(ctx, notify.AuctionEnded, notify.WinPayload{
			ListingID: l.ID,
			SellerID:  l.SellerID,
			WinnerID:  bidderID,
			Amount:    amount,
		})
		if err := s.resolver.Fulfill(ctx, l.ID, l.SellerID, bidderID, amount); err != nil {
			s.logger.ErrorContext(ctx, "buy-now fulfillment failed",
				slog.String("listing_id", l.ID),
				slog.Any("error", err),
			)
		}
	}

	return l, nil
}

// ForceEnd administratively ends an active auction now. It is linearizable
// with in-flight bids through the same conditional update they use.
func (s *Service) ForceEnd(ctx context.Context, listingID string) error {
	ctx, span := s.tracer.Start(ctx, "Service.ForceEnd",
		trace.WithAttributes(attribute.String("listing.id", listingID)),
	)
	defer span.End()

	return s.resolver.ResolveAndEnd(ctx, listingID)
}

// Cancel takes a scheduled listing out of circulation before it starts.
func (s *Service) Cancel(ctx context.Context, listingID string) error {
	ctx, span := s.tracer.Start(ctx, "Service.Cancel",
		trace.WithAttributes(attribute.String("listing.id", listingID)),
	)
	defer span.End()

	l, err := s.listings.Get(ctx, listingID)
	if err != nil {
		return fmt.Errorf("loading listing: %w", err)
	}
	if l.Status != store.StatusScheduled {
		return fmt.Errorf("listing %s is %s, only scheduled listings can be cancelled", listingID, l.Status)
	}

	cancelled := store.StatusCancelled
	err = s.listings.ConditionalUpdate(ctx, l.ID, store.StatusScheduled, l.CurrentBid, l.TotalBids, store.Update{Status: &cancelled})
	if err != nil {
		return fmt.Errorf("cancelling listing: %w", err)
	}

	s.logger.InfoContext(ctx, "listing cancelled", slog.String("listing_id", listingID))
	return nil
}

func (s *Service) publish(ctx context.Context, t event.Type, rooms []string, at time.Time, payload any) {
	for _, room := range rooms {
		e, err := event.New(t, room, at, payload)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to encode event",
				slog.String("type", string(t)),
				slog.Any("error", err),
			)
			return
		}
		if err := s.bus.Publish(ctx, e); err != nil {
			s.logger.WarnContext(ctx, "failed to publish event",
				slog.String("type", string(t)),
				slog.String("room", room),
				slog.Any("error", err),
			)
		}
	}
}
