package auction_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/skoglund/auctiond/internal/auction"
	"github.com/skoglund/auctiond/internal/event"
	"github.com/skoglund/auctiond/internal/notify"
	"github.com/skoglund/auctiond/internal/store"
)

func TestPlaceBidIncrements(t *testing.T) {
	f := newFixture()
	f.activeListing("l1")
	ctx := context.Background()

	// First bid at the starting price is acceptable.
	if _, err := f.service.PlaceBid(ctx, "l1", "alice", dec("100")); err != nil {
		t.Fatalf("first bid: %v", err)
	}

	// Next bid must clear current + increment (105).
	_, err := f.service.PlaceBid(ctx, "l1", "bob", dec("103"))
	rej, ok := auction.AsRejection(err)
	if !ok || rej.Code != auction.CodeBidTooLow {
		t.Fatalf("want BID_TOO_LOW rejection, got %v", err)
	}
	if !rej.CurrentBid.Equal(dec("100")) || !rej.MinAcceptable.Equal(dec("105")) {
		t.Fatalf("rejection state = current %s min %s", rej.CurrentBid, rej.MinAcceptable)
	}

	if _, err := f.service.PlaceBid(ctx, "l1", "bob", dec("110")); err != nil {
		t.Fatalf("third bid: %v", err)
	}

	l := f.get("l1")
	if !l.CurrentBid.Equal(dec("110")) || l.TotalBids != 2 {
		t.Fatalf("listing = current %s total %d, want 110/2", l.CurrentBid, l.TotalBids)
	}
}

func TestPlaceBidValidation(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*store.Listing)
		bidderID string
		amount   decimal.Decimal
		wantErr  error
		wantCode string
	}{
		{
			name:     "not active",
			mutate:   func(l *store.Listing) { l.Status = store.StatusScheduled },
			bidderID: "alice",
			amount:   dec("200"),
			wantErr:  auction.ErrAuctionNotActive,
			wantCode: auction.CodeAuctionNotActive,
		},
		{
			name:     "past end time",
			mutate:   func(l *store.Listing) { l.EndTime = testStart.Add(-time.Minute) },
			bidderID: "alice",
			amount:   dec("200"),
			wantErr:  auction.ErrAuctionNotActive,
			wantCode: auction.CodeAuctionNotActive,
		},
		{
			name:     "below starting bid",
			bidderID: "alice",
			amount:   dec("99"),
			wantErr:  auction.ErrBidTooLow,
			wantCode: auction.CodeBidTooLow,
		},
		{
			name:     "seller bidding on own listing",
			bidderID: "seller-1",
			amount:   dec("200"),
			wantErr:  auction.ErrSelfBid,
			wantCode: auction.CodeSelfBid,
		},
		{
			// State is checked before amount: an ended auction rejects a
			// low bid as not-active, not as too-low.
			name: "ended auction with low bid",
			mutate: func(l *store.Listing) {
				l.Status = store.StatusEnded
			},
			bidderID: "alice",
			amount:   dec("1"),
			wantErr:  auction.ErrAuctionNotActive,
			wantCode: auction.CodeAuctionNotActive,
		},
		{
			// Amount is checked before self-bid: a seller's low bid is
			// reported as too-low.
			name:     "seller with low bid",
			bidderID: "seller-1",
			amount:   dec("1"),
			wantErr:  auction.ErrBidTooLow,
			wantCode: auction.CodeBidTooLow,
		},
		{
			name:     "zero amount",
			bidderID: "alice",
			amount:   decimal.Zero,
			wantErr:  auction.ErrInvalidInput,
		},
		{
			name:     "empty bidder",
			bidderID: "",
			amount:   dec("200"),
			wantErr:  auction.ErrInvalidInput,
		},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			id := fmt.Sprintf("l%d", i)
			mutate := []func(*store.Listing){}
			if tt.mutate != nil {
				mutate = append(mutate, tt.mutate)
			}
			f.activeListing(id, mutate...)

			_, err := f.service.PlaceBid(context.Background(), id, tt.bidderID, tt.amount)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("PlaceBid() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantCode != "" {
				rej, ok := auction.AsRejection(err)
				if !ok || rej.Code != tt.wantCode {
					t.Fatalf("rejection code = %v, want %s", err, tt.wantCode)
				}
			}

			if l := f.get(id); l.TotalBids != 0 {
				t.Fatalf("rejected bid mutated listing: total_bids = %d", l.TotalBids)
			}
		})
	}
}

func TestPlaceBidUnknownListing(t *testing.T) {
	f := newFixture()
	_, err := f.service.PlaceBid(context.Background(), "nope", "alice", dec("100"))
	if !errors.Is(err, auction.ErrAuctionNotActive) {
		t.Fatalf("PlaceBid() error = %v, want ErrAuctionNotActive", err)
	}
}

func TestPlaceBidBuyNow(t *testing.T) {
	f := newFixture()
	f.activeListing("l1", func(l *store.Listing) { l.BuyNowPrice = dec("200") })
	ctx := context.Background()

	sub, cancel, err := f.bus.Subscribe(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	l, err := f.service.PlaceBid(ctx, "l1", "alice", dec("200"))
	if err != nil {
		t.Fatalf("buy-now bid: %v", err)
	}
	if l.Status != store.StatusEnded {
		t.Fatalf("status = %s, want ended", l.Status)
	}

	stored := f.get("l1")
	if stored.Status != store.StatusEnded || stored.WinnerID == nil || *stored.WinnerID != "alice" {
		t.Fatalf("stored listing = %+v, want ended with winner alice", stored)
	}
	if stored.WinningAmount == nil || !stored.WinningAmount.Equal(dec("200")) {
		t.Fatalf("winning amount = %v, want 200", stored.WinningAmount)
	}

	// The order is requested immediately, without waiting for a tick.
	if _, ok := f.orders.OrderID("l1"); !ok {
		t.Fatal("buy-now did not create an order")
	}

	// Further bids bounce off the ended state.
	if _, err := f.service.PlaceBid(ctx, "l1", "bob", dec("300")); !errors.Is(err, auction.ErrAuctionNotActive) {
		t.Fatalf("bid after buy-now: %v, want ErrAuctionNotActive", err)
	}

	var sawEnded bool
	for done := false; !done; {
		select {
		case e := <-sub:
			if e.Type == event.AuctionEnded {
				sawEnded = true
			}
		default:
			done = true
		}
	}
	if !sawEnded {
		t.Fatal("no auction-ended event published after buy-now")
	}
}

func TestPlaceBidFirstBidNotification(t *testing.T) {
	f := newFixture()
	f.activeListing("l1")
	ctx := context.Background()

	if _, err := f.service.PlaceBid(ctx, "l1", "alice", dec("100")); err != nil {
		t.Fatal(err)
	}
	if _, err := f.service.PlaceBid(ctx, "l1", "bob", dec("110")); err != nil {
		t.Fatal(err)
	}

	first := f.notifier.byType(notify.FirstBid)
	if len(first) != 1 {
		t.Fatalf("first-bid notifications = %d, want 1", len(first))
	}
	p := first[0].Payload.(notify.BidPayload)
	if p.BidderID != "alice" || p.SellerID != "seller-1" {
		t.Fatalf("first-bid payload = %+v", p)
	}
}

func TestPlaceBidConcurrent(t *testing.T) {
	f := newFixture()
	f.activeListing("l1")
	ctx := context.Background()

	const bidders = 50
	var wg sync.WaitGroup
	accepted := make(chan decimal.Decimal, bidders)

	for i := 0; i < bidders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			amount := dec("100").Add(decimal.NewFromInt(int64(i * 5)))
			if _, err := f.service.PlaceBid(ctx, "l1", fmt.Sprintf("bidder-%d", i), amount); err == nil {
				accepted <- amount
			}
		}(i)
	}
	wg.Wait()
	close(accepted)

	var count int
	max := decimal.Zero
	for a := range accepted {
		count++
		if a.GreaterThan(max) {
			max = a
		}
	}
	if count == 0 {
		t.Fatal("no bid was accepted")
	}

	l := f.get("l1")
	if !l.CurrentBid.Equal(max) {
		t.Fatalf("current bid = %s, want max accepted %s", l.CurrentBid, max)
	}
	if l.TotalBids != count {
		t.Fatalf("total bids = %d, accepted = %d", l.TotalBids, count)
	}

	ledger, err := f.repos.Bids.ListForListing(ctx, "l1")
	if err != nil {
		t.Fatal(err)
	}
	if len(ledger) != count {
		t.Fatalf("ledger entries = %d, accepted = %d", len(ledger), count)
	}
}

// sharedReadListings holds the first two readers at the barrier so both
// observe the same listing snapshot before either commits.
type sharedReadListings struct {
	store.ListingRepository

	mu       sync.Mutex
	reads    int
	bothRead chan struct{}
}

func (s *sharedReadListings) Get(ctx context.Context, id string) (*store.Listing, error) {
	l, err := s.ListingRepository.Get(ctx, id)
	s.mu.Lock()
	s.reads++
	n := s.reads
	if n == 2 {
		close(s.bothRead)
	}
	s.mu.Unlock()
	if n <= 2 {
		<-s.bothRead
	}
	return l, err
}

func TestPlaceBidConcurrentEqualFirstBids(t *testing.T) {
	f := newFixture()
	f.activeListing("l1")
	ctx := context.Background()

	// Two first bids at the starting price leave the current bid at 100
	// either way, so only the bid count can tell the swaps apart.
	gated := &sharedReadListings{ListingRepository: f.repos.Listings, bothRead: make(chan struct{})}
	svc := auction.NewService(gated, f.repos.Bids, f.bus, f.notifier, f.resolver, testLogger, testTP, f.clk)

	results := make(chan error, 2)
	for _, bidder := range []string{"alice", "bob"} {
		go func(b string) {
			_, err := svc.PlaceBid(ctx, "l1", b, dec("100"))
			results <- err
		}(bidder)
	}

	var accepted, rejected int
	for i := 0; i < 2; i++ {
		err := <-results
		if err == nil {
			accepted++
			continue
		}
		rej, ok := auction.AsRejection(err)
		if !ok || rej.Code != auction.CodeBidTooLow {
			t.Fatalf("loser error = %v, want BID_TOO_LOW rejection", err)
		}
		if !rej.CurrentBid.Equal(dec("100")) || !rej.MinAcceptable.Equal(dec("105")) {
			t.Fatalf("loser rejection state = current %s min %s", rej.CurrentBid, rej.MinAcceptable)
		}
		rejected++
	}
	if accepted != 1 || rejected != 1 {
		t.Fatalf("accepted = %d rejected = %d, want exactly one of each", accepted, rejected)
	}

	l := f.get("l1")
	if !l.CurrentBid.Equal(dec("100")) || l.TotalBids != 1 {
		t.Fatalf("listing = current %s total %d, want 100/1", l.CurrentBid, l.TotalBids)
	}
	ledger, err := f.repos.Bids.ListForListing(ctx, "l1")
	if err != nil {
		t.Fatal(err)
	}
	if len(ledger) != 1 {
		t.Fatalf("ledger entries = %d, want 1", len(ledger))
	}
}

func TestCancel(t *testing.T) {
	f := newFixture()
	f.activeListing("l1", func(l *store.Listing) { l.Status = store.StatusScheduled })
	ctx := context.Background()

	if err := f.service.Cancel(ctx, "l1"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if l := f.get("l1"); l.Status != store.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", l.Status)
	}

	// Active listings cannot be cancelled, only force-ended.
	f.activeListing("l2")
	if err := f.service.Cancel(ctx, "l2"); err == nil {
		t.Fatal("Cancel() on active listing succeeded")
	}
}

func TestForceEnd(t *testing.T) {
	f := newFixture()
	f.activeListing("l1")
	ctx := context.Background()

	if _, err := f.service.PlaceBid(ctx, "l1", "alice", dec("100")); err != nil {
		t.Fatal(err)
	}
	if err := f.service.ForceEnd(ctx, "l1"); err != nil {
		t.Fatalf("ForceEnd() error = %v", err)
	}

	l := f.get("l1")
	if l.Status != store.StatusEnded || l.WinnerID == nil || *l.WinnerID != "alice" {
		t.Fatalf("listing after force end = %+v", l)
	}
}
