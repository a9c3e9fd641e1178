// Package memory provides an in-memory store.Driver. It backs unit tests
// and single-node development; the conditional-update semantics match the
// postgres driver exactly.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/skoglund/auctiond/internal/clock"
	"github.com/skoglund/auctiond/internal/config"
	"github.com/skoglund/auctiond/internal/store"
)

func init() {
	store.Register("memory", func(ctx context.Context, cfg config.DatabaseConfig, clk clock.Clock) (*store.Repositories, error) {
		return NewRepositories(clk), nil
	})
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// NewRepositories returns a fresh in-memory Repositories bundle.
func NewRepositories(clk clock.Clock) *store.Repositories {
	db := &db{
		listings: make(map[string]*store.Listing),
		clock:    clk,
	}
	return &store.Repositories{
		Listings: &ListingRepo{db: db},
		Bids:     &BidRepo{db: db},
		Closer:   closerFunc(func() error { return nil }),
		Ping:     func(ctx context.Context) error { return nil },
	}
}

// db is the shared state behind both repositories. A single mutex guards
// everything; no lock is held across any caller-visible suspension point.
type db struct {
	mu       sync.Mutex
	listings map[string]*store.Listing
	bids     []store.Bid
	clock    clock.Clock
}

// ListingRepo implements store.ListingRepository in memory.
type ListingRepo struct {
	db *db
}

func (r *ListingRepo) Create(_ context.Context, l *store.Listing) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	now := r.db.clock.Now().UTC()
	l.CreatedAt = now
	l.UpdatedAt = now
	cp := *l
	r.db.listings[l.ID] = &cp
	return nil
}

func (r *ListingRepo) Get(_ context.Context, id string) (*store.Listing, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	l, ok := r.db.listings[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (r *ListingRepo) FindDue(_ context.Context, status store.Status, field store.TimeField, boundary time.Time) ([]store.Listing, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	var due []store.Listing
	for _, l := range r.db.listings {
		if l.Status != status {
			continue
		}
		if ts := fieldValue(l, field); !ts.After(boundary) {
			due = append(due, *l)
		}
	}
	sortByField(due, field)
	return due, nil
}

func (r *ListingRepo) FindDueWindow(_ context.Context, status store.Status, field store.TimeField, from, to time.Time, flag store.NotifyFlag) ([]store.Listing, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	var due []store.Listing
	for _, l := range r.db.listings {
		if l.Status != status || flagValue(l, flag) {
			continue
		}
		ts := fieldValue(l, field)
		if !ts.Before(from) && !ts.After(to) {
			due = append(due, *l)
		}
	}
	sortByField(due, field)
	return due, nil
}

func (r *ListingRepo) ConditionalUpdate(_ context.Context, id string, expectedStatus store.Status, expectedCurrentBid decimal.Decimal, expectedTotalBids int, upd store.Update) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	l, ok := r.db.listings[id]
	if !ok {
		return store.ErrNotFound
	}
	if l.Status != expectedStatus || !l.CurrentBid.Equal(expectedCurrentBid) || l.TotalBids != expectedTotalBids {
		return store.ErrConflict
	}

	if upd.Status != nil {
		l.Status = *upd.Status
	}
	if upd.CurrentBid != nil {
		l.CurrentBid = *upd.CurrentBid
	}
	l.TotalBids += upd.TotalBidsDelta
	if upd.WinnerID != nil {
		w := *upd.WinnerID
		l.WinnerID = &w
	}
	if upd.WinningAmount != nil {
		a := *upd.WinningAmount
		l.WinningAmount = &a
	}
	l.UpdatedAt = r.db.clock.Now().UTC()
	return nil
}

func (r *ListingRepo) MarkNotified(_ context.Context, id string, flag store.NotifyFlag) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	l, ok := r.db.listings[id]
	if !ok {
		return store.ErrNotFound
	}
	switch flag {
	case store.FlagStartingSoon:
		l.NotifiedStartingSoon = true
	case store.FlagEndingSoon:
		l.NotifiedEndingSoon = true
	}
	l.UpdatedAt = r.db.clock.Now().UTC()
	return nil
}

func (r *ListingRepo) FindUnfulfilled(_ context.Context) ([]store.Listing, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	var result []store.Listing
	for _, l := range r.db.listings {
		if l.Status == store.StatusEnded && l.WinnerID != nil && !l.OrderRequested {
			result = append(result, *l)
		}
	}
	sortByField(result, store.ByEndTime)
	return result, nil
}

func (r *ListingRepo) MarkOrderRequested(_ context.Context, id string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	l, ok := r.db.listings[id]
	if !ok {
		return store.ErrNotFound
	}
	l.OrderRequested = true
	l.UpdatedAt = r.db.clock.Now().UTC()
	return nil
}

// BidRepo implements store.BidRepository in memory.
type BidRepo struct {
	db *db
}

func (r *BidRepo) Append(_ context.Context, b *store.Bid) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if b.PlacedAt.IsZero() {
		b.PlacedAt = r.db.clock.Now().UTC()
	}
	r.db.bids = append(r.db.bids, *b)
	return nil
}

func (r *BidRepo) FindMax(_ context.Context, listingID string) (*store.Bid, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	var top *store.Bid
	for i := range r.db.bids {
		b := &r.db.bids[i]
		if b.ListingID != listingID {
			continue
		}
		if top == nil ||
			b.Amount.GreaterThan(top.Amount) ||
			(b.Amount.Equal(top.Amount) && b.PlacedAt.Before(top.PlacedAt)) {
			top = b
		}
	}
	if top == nil {
		return nil, nil
	}
	cp := *top
	return &cp, nil
}

func (r *BidRepo) ListForListing(_ context.Context, listingID string) ([]store.Bid, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	var result []store.Bid
	for _, b := range r.db.bids {
		if b.ListingID == listingID {
			result = append(result, b)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].PlacedAt.Before(result[j].PlacedAt)
	})
	return result, nil
}

func fieldValue(l *store.Listing, field store.TimeField) time.Time {
	if field == store.ByEndTime {
		return l.EndTime
	}
	return l.StartTime
}

func flagValue(l *store.Listing, flag store.NotifyFlag) bool {
	if flag == store.FlagEndingSoon {
		return l.NotifiedEndingSoon
	}
	return l.NotifiedStartingSoon
}

func sortByField(listings []store.Listing, field store.TimeField) {
	sort.SliceStable(listings, func(i, j int) bool {
		return fieldValue(&listings[i], field).Before(fieldValue(&listings[j], field))
	})
}
