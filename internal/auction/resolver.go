package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/skoglund/auctiond/internal/clock"
	"github.com/skoglund/auctiond/internal/event"
	"github.com/skoglund/auctiond/internal/notify"
	"github.com/skoglund/auctiond/internal/order"
	"github.com/skoglund/auctiond/internal/store"
)

// resolveAttempts bounds the end-transition retry loop. Conflicts here mean
// bids are still landing; each retry re-reads before deciding the winner.
const resolveAttempts = 3

// Resolver owns the exactly-once end of an auction: deciding the winner,
// flipping the listing to ended, and requesting the purchase order. Exactly
// one caller observes the active-to-ended transition; only that caller runs
// the end-of-auction side effects.
type Resolver struct {
	listings      store.ListingRepository
	bids          store.BidRepository
	orders        order.Creator
	bus           event.Bus
	notifier      notify.Dispatcher
	clock         clock.Clock
	logger        *slog.Logger
	tracer        trace.Tracer
	orderAttempts uint
	retryInterval time.Duration
}

// NewResolver creates a Resolver. orderAttempts is the total number of
// order creation tries before degrading to a claim-win notification.
func NewResolver(
	listings store.ListingRepository,
	bids store.BidRepository,
	orders order.Creator,
	bus event.Bus,
	notifier notify.Dispatcher,
	logger *slog.Logger,
	tp trace.TracerProvider,
	clk clock.Clock,
	orderAttempts uint,
	retryInterval time.Duration,
) *Resolver {
	return &Resolver{
		listings:      listings,
		bids:          bids,
		orders:        orders,
		bus:           bus,
		notifier:      notifier,
		clock:         clk,
		logger:        logger,
		tracer:        tp.Tracer("github.com/skoglund/auctiond/internal/auction"),
		orderAttempts: orderAttempts,
		retryInterval: retryInterval,
	}
}

// ResolveAndEnd transitions an active listing to ended and, when a winner
// exists, records it in the same conditional update. Calling it on a listing
// that is no longer active is a no-op, which makes concurrent resolution
// attempts safe: the loser of the race reads the ended state and returns.
func (r *Resolver) ResolveAndEnd(ctx context.Context, listingID string) error {
	ctx, span := r.tracer.Start(ctx, "Resolver.ResolveAndEnd",
		trace.WithAttributes(attribute.String("listing.id", listingID)),
	)
	defer span.End()

	for attempt := 0; attempt < resolveAttempts; attempt++ {
		l, err := r.listings.Get(ctx, listingID)
		if err != nil {
			return fmt.Errorf("loading listing: %w", err)
		}
		if l.Status != store.StatusActive {
			// Someone else already resolved it (or it never ran).
			return nil
		}

		top, err := r.bids.FindMax(ctx, listingID)
		if err != nil {
			return fmt.Errorf("finding highest bid: %w", err)
		}
		if l.TotalBids > 0 && (top == nil || top.Amount.LessThan(l.CurrentBid)) {
			// The listing records an accepted bid the ledger does not show
			// yet; resolving now would crown a stale bidder. Re-read and let
			// the append land.
			continue
		}

		var winnerID *string
		var winningAmount *decimal.Decimal
		if top != nil && (!l.ReservePrice.IsPositive() || top.Amount.GreaterThanOrEqual(l.ReservePrice)) {
			winnerID = &top.BidderID
			winningAmount = &top.Amount
		}

		ended := store.StatusEnded
		upd := store.Update{Status: &ended, WinnerID: winnerID, WinningAmount: winningAmount}
		err = r.listings.ConditionalUpdate(ctx, l.ID, store.StatusActive, l.CurrentBid, l.TotalBids, upd)
		if errors.Is(err, store.ErrConflict) {
			// A bid slipped in between the read and the update; the next
			// iteration picks it up as a potential winner.
			continue
		}
		if err != nil {
			return fmt.Errorf("ending listing: %w", err)
		}

		r.finished(ctx, l, winnerID, winningAmount)
		return nil
	}

	return fmt.Errorf("ending listing %s: state not settled after %d attempts: %w", listingID, resolveAttempts, store.ErrConflict)
}

// finished runs the end-of-auction side effects for the caller that won the
// transition: fan-out, seller notification and, with a winner, the order.
func (r *Resolver) finished(ctx context.Context, l *store.Listing, winnerID *string, winningAmount *decimal.Decimal) {
	now := r.clock.Now().UTC()

	rooms := []string{event.ListingRoom(l.ID), event.VendorRoom(l.SellerID), event.AdminRoom}
	for _, room := range rooms {
		e, err := event.New(event.AuctionEnded, room, now, event.AuctionEndedData{
			ListingID:     l.ID,
			WinnerID:      winnerID,
			WinningAmount: winningAmount,
		})
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to encode auction-ended event", slog.Any("error", err))
			break
		}
		if err := r.bus.Publish(ctx, e); err != nil {
			r.logger.WarnContext(ctx, "failed to publish auction-ended event",
				slog.String("room", room),
				slog.Any("error", err),
			)
		}
	}

	if winnerID == nil {
		r.logger.InfoContext(ctx, "auction ended without winner",
			slog.String("listing_id", l.ID),
			slog.Int("total_bids", l.TotalBids),
		)
		r.notifier.Emit(ctx, notify.AuctionEnded, notify.ListingPayload{
			ListingID: l.ID,
			SellerID:  l.SellerID,
			At:        now,
		})
		return
	}

	r.logger.InfoContext(ctx, "auction ended",
		slog.String("listing_id", l.ID),
		slog.String("winner_id", *winnerID),
		slog.String("winning_amount", winningAmount.String()),
	)
	r.notifier.Emit(ctx, notify.AuctionEnded, notify.WinPayload{
		ListingID: l.ID,
		SellerID:  l.SellerID,
		WinnerID:  *winnerID,
		Amount:    *winningAmount,
	})

	if err := r.Fulfill(ctx, l.ID, l.SellerID, *winnerID, *winningAmount); err != nil {
		r.logger.ErrorContext(ctx, "order fulfillment failed",
			slog.String("listing_id", l.ID),
			slog.Any("error", err),
		)
	}
}

// Fulfill requests a purchase order for a resolved auction, retrying with
// exponential backoff. The order service deduplicates by listing, so retries
// after an ambiguous failure cannot double-charge. When every attempt fails
// the winner is asked to claim manually and the listing stays unfulfilled
// for the next recovery pass.
func (r *Resolver) Fulfill(ctx context.Context, listingID, sellerID, winnerID string, amount decimal.Decimal) error {
	ctx, span := r.tracer.Start(ctx, "Resolver.Fulfill",
		trace.WithAttributes(
			attribute.String("listing.id", listingID),
			attribute.String("winner.id", winnerID),
		),
	)
	defer span.End()

	var orderID string
	op := func() error {
		id, err := r.orders.CreateFromAuction(ctx, listingID, winnerID, amount)
		if err != nil {
			r.logger.WarnContext(ctx, "order creation attempt failed",
				slog.String("listing_id", listingID),
				slog.Any("error", err),
			)
			return err
		}
		orderID = id
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = r.retryInterval
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(expo, uint64(r.orderAttempts-1)), ctx))
	if err != nil {
		r.notifier.Emit(ctx, notify.ClaimWin, notify.WinPayload{
			ListingID: listingID,
			SellerID:  sellerID,
			WinnerID:  winnerID,
			Amount:    amount,
		})
		r.logger.ErrorContext(ctx, "order creation exhausted retries, winner asked to claim",
			slog.String("listing_id", listingID),
			slog.String("winner_id", winnerID),
			slog.Any("error", err),
		)
		return nil
	}

	if err := r.listings.MarkOrderRequested(ctx, listingID); err != nil {
		// The order exists; the flag only prevents a redundant (and
		// deduplicated) retry during recovery.
		r.logger.WarnContext(ctx, "failed to mark order requested",
			slog.String("listing_id", listingID),
			slog.Any("error", err),
		)
	}

	r.logger.InfoContext(ctx, "order created",
		slog.String("listing_id", listingID),
		slog.String("order_id", orderID),
	)
	return nil
}

// RecoverUnfulfilled retries order creation for every ended listing with a
// winner but no recorded order, typically after a crash between the end
// transition and the order request. Returns how many listings were retried.
func (r *Resolver) RecoverUnfulfilled(ctx context.Context) (int, error) {
	ctx, span := r.tracer.Start(ctx, "Resolver.RecoverUnfulfilled")
	defer span.End()

	listings, err := r.listings.FindUnfulfilled(ctx)
	if err != nil {
		return 0, fmt.Errorf("finding unfulfilled listings: %w", err)
	}

	for _, l := range listings {
		if err := r.Fulfill(ctx, l.ID, l.SellerID, *l.WinnerID, *l.WinningAmount); err != nil {
			r.logger.ErrorContext(ctx, "recovery fulfillment failed",
				slog.String("listing_id", l.ID),
				slog.Any("error", err),
			)
		}
	}

	if len(listings) > 0 {
		r.logger.InfoContext(ctx, "recovered unfulfilled auctions", slog.Int("count", len(listings)))
	}
	return len(listings), nil
}
