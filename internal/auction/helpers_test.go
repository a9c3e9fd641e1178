package auction_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/skoglund/auctiond/internal/auction"
	"github.com/skoglund/auctiond/internal/clock"
	"github.com/skoglund/auctiond/internal/event"
	"github.com/skoglund/auctiond/internal/order"
	"github.com/skoglund/auctiond/internal/store"
	"github.com/skoglund/auctiond/internal/store/memory"
)

var (
	testTP     = noop.NewTracerProvider()
	testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
	testStart  = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// recorder captures notifications for assertions.
type recorder struct {
	mu     sync.Mutex
	events []recorded
}

type recorded struct {
	Type    string
	Payload any
}

func (r *recorder) Emit(_ context.Context, eventType string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recorded{Type: eventType, Payload: payload})
}

func (r *recorder) byType(t string) []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recorded
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// fixture wires the auction core against in-memory collaborators.
type fixture struct {
	repos    *store.Repositories
	bus      *event.MemoryBus
	notifier *recorder
	orders   *order.MemoryCreator
	clk      *clock.Mock
	service  *auction.Service
	resolver *auction.Resolver
	sched    *auction.Scheduler
}

func newFixture() *fixture {
	clk := clock.NewMock(testStart)
	repos := memory.NewRepositories(clk)
	bus := event.NewMemoryBus()
	rec := &recorder{}
	orders := order.NewMemoryCreator()

	resolver := auction.NewResolver(repos.Listings, repos.Bids, orders, bus, rec, testLogger, testTP, clk, 3, time.Millisecond)
	service := auction.NewService(repos.Listings, repos.Bids, bus, rec, resolver, testLogger, testTP, clk)
	sched := auction.NewScheduler(auction.SchedulerConfig{
		TickInterval:       time.Second,
		StartingSoonWindow: time.Hour,
		EndingSoonWindow:   30 * time.Minute,
	}, repos.Listings, resolver, bus, rec, testLogger, testTP, clk)

	return &fixture{
		repos:    repos,
		bus:      bus,
		notifier: rec,
		orders:   orders,
		clk:      clk,
		service:  service,
		resolver: resolver,
		sched:    sched,
	}
}

// activeListing creates and stores a listing that is mid-auction.
func (f *fixture) activeListing(id string, mutate ...func(*store.Listing)) *store.Listing {
	l := &store.Listing{
		ID:              id,
		Title:           "vintage synthesizer",
		SellerID:        "seller-1",
		Mode:            store.ModeAuction,
		Status:          store.StatusActive,
		StartTime:       testStart.Add(-time.Hour),
		EndTime:         testStart.Add(time.Hour),
		StartingBid:     dec("100"),
		CurrentBid:      dec("100"),
		MinBidIncrement: dec("5"),
	}
	for _, m := range mutate {
		m(l)
	}
	if err := f.repos.Listings.Create(context.Background(), l); err != nil {
		panic(err)
	}
	return l
}

func (f *fixture) get(id string) *store.Listing {
	l, err := f.repos.Listings.Get(context.Background(), id)
	if err != nil {
		panic(err)
	}
	return l
}
