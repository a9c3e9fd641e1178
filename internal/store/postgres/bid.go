package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/skoglund/auctiond/internal/clock"
	"github.com/skoglund/auctiond/internal/store"
)

// BidRepo implements the append-only store.BidRepository with sqlx.
type BidRepo struct {
	db    *sqlx.DB
	clock clock.Clock
}

// NewBidRepo returns a new BidRepo.
func NewBidRepo(db *sqlx.DB, clk clock.Clock) *BidRepo {
	return &BidRepo{db: db, clock: clk}
}

func (r *BidRepo) Append(ctx context.Context, b *store.Bid) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if b.PlacedAt.IsZero() {
		b.PlacedAt = r.clock.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO bids (id, listing_id, bidder_id, amount, placed_at)
		VALUES ($1, $2, $3, $4, $5)`,
		b.ID, b.ListingID, b.BidderID, b.Amount, b.PlacedAt)
	if err != nil {
		return fmt.Errorf("appending bid: %w", err)
	}
	return nil
}

func (r *BidRepo) FindMax(ctx context.Context, listingID string) (*store.Bid, error) {
	var b store.Bid
	err := r.db.GetContext(ctx, &b, `
		SELECT * FROM bids WHERE listing_id = $1
		ORDER BY amount DESC, placed_at ASC
		LIMIT 1`, listingID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding max bid: %w", err)
	}
	return &b, nil
}

func (r *BidRepo) ListForListing(ctx context.Context, listingID string) ([]store.Bid, error) {
	var bids []store.Bid
	err := r.db.SelectContext(ctx, &bids,
		`SELECT * FROM bids WHERE listing_id = $1 ORDER BY placed_at ASC`, listingID)
	if err != nil {
		return nil, fmt.Errorf("listing bids: %w", err)
	}
	return bids, nil
}
