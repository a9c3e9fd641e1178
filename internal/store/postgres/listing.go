package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/skoglund/auctiond/internal/clock"
	"github.com/skoglund/auctiond/internal/store"
)

// ListingRepo implements store.ListingRepository with sqlx.
type ListingRepo struct {
	db    *sqlx.DB
	clock clock.Clock
}

// NewListingRepo returns a new ListingRepo.
func NewListingRepo(db *sqlx.DB, clk clock.Clock) *ListingRepo {
	return &ListingRepo{db: db, clock: clk}
}

func (r *ListingRepo) Create(ctx context.Context, l *store.Listing) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	now := r.clock.Now().UTC()
	l.CreatedAt = now
	l.UpdatedAt = now

	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO listings (
			id, title, seller_id, mode, status,
			start_time, end_time,
			starting_bid, current_bid, min_bid_increment, reserve_price, buy_now_price,
			total_bids, winner_id, winning_amount,
			notified_starting_soon, notified_ending_soon, order_requested,
			created_at, updated_at
		) VALUES (
			:id, :title, :seller_id, :mode, :status,
			:start_time, :end_time,
			:starting_bid, :current_bid, :min_bid_increment, :reserve_price, :buy_now_price,
			:total_bids, :winner_id, :winning_amount,
			:notified_starting_soon, :notified_ending_soon, :order_requested,
			:created_at, :updated_at
		)`, l)
	if err != nil {
		return fmt.Errorf("creating listing: %w", err)
	}
	return nil
}

func (r *ListingRepo) Get(ctx context.Context, id string) (*store.Listing, error) {
	var l store.Listing
	err := r.db.GetContext(ctx, &l, `SELECT * FROM listings WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting listing: %w", err)
	}
	return &l, nil
}

func (r *ListingRepo) FindDue(ctx context.Context, status store.Status, field store.TimeField, boundary time.Time) ([]store.Listing, error) {
	// field comes from the store.TimeField enum, never from user input.
	query := fmt.Sprintf(
		`SELECT * FROM listings WHERE status = $1 AND %s <= $2 ORDER BY %s ASC`,
		field, field,
	)
	var listings []store.Listing
	if err := r.db.SelectContext(ctx, &listings, query, status, boundary); err != nil {
		return nil, fmt.Errorf("finding due listings: %w", err)
	}
	return listings, nil
}

func (r *ListingRepo) FindDueWindow(ctx context.Context, status store.Status, field store.TimeField, from, to time.Time, flag store.NotifyFlag) ([]store.Listing, error) {
	query := fmt.Sprintf(
		`SELECT * FROM listings
		 WHERE status = $1 AND %s >= $2 AND %s <= $3 AND %s = FALSE
		 ORDER BY %s ASC`,
		field, field, flag, field,
	)
	var listings []store.Listing
	if err := r.db.SelectContext(ctx, &listings, query, status, from, to); err != nil {
		return nil, fmt.Errorf("finding due listings in window: %w", err)
	}
	return listings, nil
}

func (r *ListingRepo) ConditionalUpdate(ctx context.Context, id string, expectedStatus store.Status, expectedCurrentBid decimal.Decimal, expectedTotalBids int, upd store.Update) error {
	set := []string{"updated_at = $1"}
	args := []any{r.clock.Now().UTC()}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if upd.Status != nil {
		set = append(set, "status = "+next(*upd.Status))
	}
	if upd.CurrentBid != nil {
		set = append(set, "current_bid = "+next(*upd.CurrentBid))
	}
	if upd.TotalBidsDelta != 0 {
		set = append(set, "total_bids = total_bids + "+next(upd.TotalBidsDelta))
	}
	if upd.WinnerID != nil {
		set = append(set, "winner_id = "+next(*upd.WinnerID))
	}
	if upd.WinningAmount != nil {
		set = append(set, "winning_amount = "+next(*upd.WinningAmount))
	}

	// The WHERE clause is the compare-and-swap: the write lands only if the
	// row still carries the status, current bid and bid count the caller
	// validated against. The bid count catches first bids at the starting
	// price, where current_bid alone would not move.
	query := fmt.Sprintf(
		`UPDATE listings SET %s WHERE id = %s AND status = %s AND current_bid = %s AND total_bids = %s`,
		strings.Join(set, ", "), next(id), next(expectedStatus), next(expectedCurrentBid), next(expectedTotalBids),
	)

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("conditional update: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		var exists bool
		if err := r.db.GetContext(ctx, &exists,
			`SELECT EXISTS (SELECT 1 FROM listings WHERE id = $1)`, id); err != nil {
			return fmt.Errorf("conditional update existence check: %w", err)
		}
		if !exists {
			return store.ErrNotFound
		}
		return store.ErrConflict
	}
	return nil
}

func (r *ListingRepo) MarkNotified(ctx context.Context, id string, flag store.NotifyFlag) error {
	query := fmt.Sprintf(`UPDATE listings SET %s = TRUE, updated_at = $1 WHERE id = $2`, flag)
	result, err := r.db.ExecContext(ctx, query, r.clock.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("marking notified: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *ListingRepo) FindUnfulfilled(ctx context.Context) ([]store.Listing, error) {
	var listings []store.Listing
	err := r.db.SelectContext(ctx, &listings, `
		SELECT * FROM listings
		WHERE status = 'ended' AND winner_id IS NOT NULL AND order_requested = FALSE
		ORDER BY end_time ASC`)
	if err != nil {
		return nil, fmt.Errorf("finding unfulfilled listings: %w", err)
	}
	return listings, nil
}

func (r *ListingRepo) MarkOrderRequested(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE listings SET order_requested = TRUE, updated_at = $1 WHERE id = $2`,
		r.clock.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("marking order requested: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
