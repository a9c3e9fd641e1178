package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/skoglund/auctiond/internal/auction"
	"github.com/skoglund/auctiond/internal/clock"
	"github.com/skoglund/auctiond/internal/event"
	"github.com/skoglund/auctiond/internal/gateway"
	"github.com/skoglund/auctiond/internal/notify"
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

type fixture struct {
	repos  *store.Repositories
	bus    *event.MemoryBus
	clk    *clock.Mock
	hub    *gateway.Hub
	server *httptest.Server
	stop   context.CancelFunc
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clk := clock.NewMock(testStart)
	repos := memory.NewRepositories(clk)
	bus := event.NewMemoryBus()

	resolver := auction.NewResolver(repos.Listings, repos.Bids, order.NewMemoryCreator(), bus, notify.Nop{}, testLogger, testTP, clk, 1, time.Millisecond)
	service := auction.NewService(repos.Listings, repos.Bids, bus, notify.Nop{}, resolver, testLogger, testTP, clk)

	hub := gateway.NewHub(bus, testLogger)
	ctx, stop := context.WithCancel(context.Background())
	go hub.Run(ctx)

	h := gateway.NewHandler(repos.Listings, repos.Bids, service, hub, testLogger, testTP, clk)
	router := mux.NewRouter()
	h.Routes(router)

	server := httptest.NewServer(router)
	t.Cleanup(func() {
		stop()
		server.Close()
	})

	return &fixture{repos: repos, bus: bus, clk: clk, hub: hub, server: server, stop: stop}
}

func (f *fixture) createActive(t *testing.T, id string) *store.Listing {
	t.Helper()
	l := &store.Listing{
		ID:              id,
		Title:           "tube amplifier",
		SellerID:        "seller-1",
		Mode:            store.ModeAuction,
		Status:          store.StatusActive,
		StartTime:       testStart.Add(-time.Hour),
		EndTime:         testStart.Add(time.Hour),
		StartingBid:     dec("100"),
		CurrentBid:      dec("100"),
		MinBidIncrement: dec("5"),
	}
	if err := f.repos.Listings.Create(context.Background(), l); err != nil {
		t.Fatal(err)
	}
	return l
}

func (f *fixture) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(f.server.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatal(err)
	}
	return v
}

func TestCreateAndGetListing(t *testing.T) {
	f := newFixture(t)

	resp := f.post(t, "/api/listings", map[string]any{
		"title":             "turntable",
		"seller_id":         "seller-9",
		"start_time":        testStart.Add(time.Hour),
		"end_time":          testStart.Add(2 * time.Hour),
		"starting_bid":      "50",
		"min_bid_increment": "5",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	created := decodeBody[store.Listing](t, resp)
	if created.ID == "" || created.Status != store.StatusScheduled {
		t.Fatalf("created = %+v", created)
	}
	if !created.CurrentBid.Equal(dec("50")) {
		t.Fatalf("current bid initialized to %s, want starting bid", created.CurrentBid)
	}

	got, err := http.Get(f.server.URL + "/api/listings/" + created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", got.StatusCode)
	}
	fetched := decodeBody[store.Listing](t, got)
	if fetched.ID != created.ID || fetched.Title != "turntable" {
		t.Fatalf("fetched = %+v", fetched)
	}
}

func TestCreateListingValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing title", map[string]any{"seller_id": "s", "start_time": testStart, "end_time": testStart.Add(time.Hour), "starting_bid": "10"}},
		{"end before start", map[string]any{"title": "x", "seller_id": "s", "start_time": testStart.Add(time.Hour), "end_time": testStart, "starting_bid": "10"}},
		{"zero starting bid", map[string]any{"title": "x", "seller_id": "s", "start_time": testStart, "end_time": testStart.Add(time.Hour), "starting_bid": "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.post(t, "/api/listings", tt.body)
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestGetListingNotFound(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.server.URL + "/api/listings/nope")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestPlaceBidEndpoint(t *testing.T) {
	f := newFixture(t)
	f.createActive(t, "l1")

	resp := f.post(t, "/api/listings/l1/bids", map[string]any{"bidder_id": "alice", "amount": "100"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("accept status = %d", resp.StatusCode)
	}
	l := decodeBody[store.Listing](t, resp)
	if !l.CurrentBid.Equal(dec("100")) || l.TotalBids != 1 {
		t.Fatalf("listing after bid = %+v", l)
	}

	// A losing bid gets a 409 with the state needed to re-bid.
	resp = f.post(t, "/api/listings/l1/bids", map[string]any{"bidder_id": "bob", "amount": "101"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("reject status = %d, want 409", resp.StatusCode)
	}
	body := decodeBody[map[string]any](t, resp)
	if body["code"] != auction.CodeBidTooLow {
		t.Fatalf("reject body = %v", body)
	}
	if body["current_bid"] != "100" || body["min_acceptable"] != "105" {
		t.Fatalf("reject body missing bid state: %v", body)
	}

	// Sellers get a 403, not a 409.
	resp = f.post(t, "/api/listings/l1/bids", map[string]any{"bidder_id": "seller-1", "amount": "200"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("self bid status = %d, want 403", resp.StatusCode)
	}

	// Invalid input is a 400.
	resp = f.post(t, "/api/listings/l1/bids", map[string]any{"bidder_id": "", "amount": "200"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid input status = %d, want 400", resp.StatusCode)
	}
}

func TestListBids(t *testing.T) {
	f := newFixture(t)
	f.createActive(t, "l1")

	for i, amount := range []string{"100", "110", "120"} {
		resp := f.post(t, "/api/listings/l1/bids", map[string]any{"bidder_id": fmt.Sprintf("bidder-%d", i), "amount": amount})
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("bid %s status = %d", amount, resp.StatusCode)
		}
	}

	resp, err := http.Get(f.server.URL + "/api/listings/l1/bids")
	if err != nil {
		t.Fatal(err)
	}
	bids := decodeBody[[]store.Bid](t, resp)
	if len(bids) != 3 {
		t.Fatalf("bids = %d, want 3", len(bids))
	}
}

func TestForceEndEndpoint(t *testing.T) {
	f := newFixture(t)
	f.createActive(t, "l1")

	resp := f.post(t, "/api/listings/l1/bids", map[string]any{"bidder_id": "alice", "amount": "100"})
	resp.Body.Close()

	resp = f.post(t, "/api/listings/l1/end", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("force end status = %d", resp.StatusCode)
	}

	l, err := f.repos.Listings.Get(context.Background(), "l1")
	if err != nil {
		t.Fatal(err)
	}
	if l.Status != store.StatusEnded || l.WinnerID == nil || *l.WinnerID != "alice" {
		t.Fatalf("listing = %+v", l)
	}
}

func TestWebsocketReceivesBidUpdates(t *testing.T) {
	f := newFixture(t)
	f.createActive(t, "l1")

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/listings/l1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Wait for the hub to register the client before bidding.
	deadline := time.Now().Add(2 * time.Second)
	for f.hub.RoomSize(event.ListingRoom("l1")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never joined the room")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp := f.post(t, "/api/listings/l1/bids", map[string]any{"bidder_id": "alice", "amount": "100"})
	resp.Body.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var e event.Event
	if err := json.Unmarshal(msg, &e); err != nil {
		t.Fatal(err)
	}
	if e.Type != event.BidUpdate || e.Room != event.ListingRoom("l1") {
		t.Fatalf("event = %+v", e)
	}
	var data event.BidUpdateData
	if err := json.Unmarshal(e.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.BidderID != "alice" || !data.CurrentBid.Equal(dec("100")) {
		t.Fatalf("payload = %+v", data)
	}
}

func TestWebsocketRoomIsolation(t *testing.T) {
	f := newFixture(t)
	f.createActive(t, "l1")
	f.createActive(t, "l2")

	base := "ws" + strings.TrimPrefix(f.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(base+"/ws/listings/l2", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for f.hub.RoomSize(event.ListingRoom("l2")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never joined the room")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A bid on l1 must not reach the l2 watcher.
	resp := f.post(t, "/api/listings/l1/bids", map[string]any{"bidder_id": "alice", "amount": "100"})
	resp.Body.Close()

	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("l2 watcher received an l1 event")
	}
}
