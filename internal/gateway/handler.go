package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"

	"github.com/skoglund/auctiond/internal/auction"
	"github.com/skoglund/auctiond/internal/clock"
	"github.com/skoglund/auctiond/internal/event"
	"github.com/skoglund/auctiond/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Handler serves the REST and websocket surface.
type Handler struct {
	listings store.ListingRepository
	bids     store.BidRepository
	service  *auction.Service
	hub      *Hub
	clock    clock.Clock
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewHandler creates the gateway Handler.
func NewHandler(
	listings store.ListingRepository,
	bids store.BidRepository,
	service *auction.Service,
	hub *Hub,
	logger *slog.Logger,
	tp trace.TracerProvider,
	clk clock.Clock,
) *Handler {
	return &Handler{
		listings: listings,
		bids:     bids,
		service:  service,
		hub:      hub,
		clock:    clk,
		logger:   logger,
		tracer:   tp.Tracer("github.com/skoglund/auctiond/internal/gateway"),
	}
}

// Routes registers the gateway endpoints on r.
func (h *Handler) Routes(r *mux.Router) {
	r.HandleFunc("/api/listings", h.createListing).Methods(http.MethodPost)
	r.HandleFunc("/api/listings/{id}", h.getListing).Methods(http.MethodGet)
	r.HandleFunc("/api/listings/{id}/bids", h.placeBid).Methods(http.MethodPost)
	r.HandleFunc("/api/listings/{id}/bids", h.listBids).Methods(http.MethodGet)
	r.HandleFunc("/api/listings/{id}/cancel", h.cancelListing).Methods(http.MethodPost)
	r.HandleFunc("/api/listings/{id}/end", h.forceEnd).Methods(http.MethodPost)
	r.HandleFunc("/ws/listings/{id}", h.serveListingSocket).Methods(http.MethodGet)
	r.HandleFunc("/ws/vendors/{id}", h.serveVendorSocket).Methods(http.MethodGet)
	r.HandleFunc("/ws/admin", h.serveAdminSocket).Methods(http.MethodGet)
}

type createListingRequest struct {
	Title           string          `json:"title"`
	SellerID        string          `json:"seller_id"`
	StartTime       time.Time       `json:"start_time"`
	EndTime         time.Time       `json:"end_time"`
	StartingBid     decimal.Decimal `json:"starting_bid"`
	MinBidIncrement decimal.Decimal `json:"min_bid_increment"`
	ReservePrice    decimal.Decimal `json:"reserve_price"`
	BuyNowPrice     decimal.Decimal `json:"buy_now_price"`
}

type placeBidRequest struct {
	BidderID string          `json:"bidder_id"`
	Amount   decimal.Decimal `json:"amount"`
}

type errorResponse struct {
	Code          string           `json:"code"`
	Message       string           `json:"message"`
	CurrentBid    *decimal.Decimal `json:"current_bid,omitempty"`
	MinAcceptable *decimal.Decimal `json:"min_acceptable,omitempty"`
	Retryable     bool             `json:"retryable,omitempty"`
}

func (h *Handler) createListing(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "Handler.createListing")
	defer span.End()

	var req createListingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, errorResponse{Code: "INVALID_BODY", Message: err.Error()})
		return
	}
	if req.Title == "" || req.SellerID == "" {
		h.writeError(w, http.StatusBadRequest, errorResponse{Code: "INVALID_INPUT", Message: "title and seller_id are required"})
		return
	}
	if !req.EndTime.After(req.StartTime) {
		h.writeError(w, http.StatusBadRequest, errorResponse{Code: "INVALID_INPUT", Message: "end_time must be after start_time"})
		return
	}
	if !req.StartingBid.IsPositive() {
		h.writeError(w, http.StatusBadRequest, errorResponse{Code: "INVALID_INPUT", Message: "starting_bid must be positive"})
		return
	}

	now := h.clock.Now().UTC()
	l := &store.Listing{
		ID:              uuid.New().String(),
		Title:           req.Title,
		SellerID:        req.SellerID,
		Mode:            store.ModeAuction,
		Status:          store.StatusScheduled,
		StartTime:       req.StartTime.UTC(),
		EndTime:         req.EndTime.UTC(),
		StartingBid:     req.StartingBid,
		CurrentBid:      req.StartingBid,
		MinBidIncrement: req.MinBidIncrement,
		ReservePrice:    req.ReservePrice,
		BuyNowPrice:     req.BuyNowPrice,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := h.listings.Create(ctx, l); err != nil {
		h.logger.ErrorContext(ctx, "failed to create listing", slog.Any("error", err))
		h.writeError(w, http.StatusServiceUnavailable, errorResponse{Code: "STORE_UNAVAILABLE", Message: "try again later", Retryable: true})
		return
	}

	h.writeJSON(w, http.StatusCreated, l)
}

func (h *Handler) getListing(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "Handler.getListing")
	defer span.End()

	l, err := h.listings.Get(ctx, mux.Vars(r)["id"])
	if errors.Is(err, store.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, errorResponse{Code: "NOT_FOUND", Message: "listing not found"})
		return
	}
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to load listing", slog.Any("error", err))
		h.writeError(w, http.StatusServiceUnavailable, errorResponse{Code: "STORE_UNAVAILABLE", Message: "try again later", Retryable: true})
		return
	}

	h.writeJSON(w, http.StatusOK, l)
}

func (h *Handler) listBids(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "Handler.listBids")
	defer span.End()

	bids, err := h.bids.ListForListing(ctx, mux.Vars(r)["id"])
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to list bids", slog.Any("error", err))
		h.writeError(w, http.StatusServiceUnavailable, errorResponse{Code: "STORE_UNAVAILABLE", Message: "try again later", Retryable: true})
		return
	}
	if bids == nil {
		bids = []store.Bid{}
	}

	h.writeJSON(w, http.StatusOK, bids)
}

func (h *Handler) placeBid(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "Handler.placeBid")
	defer span.End()

	var req placeBidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, errorResponse{Code: "INVALID_BODY", Message: err.Error()})
		return
	}

	l, err := h.service.PlaceBid(ctx, mux.Vars(r)["id"], req.BidderID, req.Amount)
	if err != nil {
		h.writeBidError(ctx, w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, l)
}

// writeBidError maps a bid failure to a status and a body the client can
// act on. Rejections carry the fresh current bid so the client can re-bid
// without another round trip.
func (h *Handler) writeBidError(ctx context.Context, w http.ResponseWriter, err error) {
	if rej, ok := auction.AsRejection(err); ok {
		status := http.StatusConflict
		if rej.Code == auction.CodeSelfBid {
			status = http.StatusForbidden
		}
		h.writeError(w, status, errorResponse{
			Code:          rej.Code,
			Message:       rej.Error(),
			CurrentBid:    &rej.CurrentBid,
			MinAcceptable: &rej.MinAcceptable,
		})
		return
	}
	if errors.Is(err, auction.ErrInvalidInput) {
		h.writeError(w, http.StatusBadRequest, errorResponse{Code: "INVALID_INPUT", Message: err.Error()})
		return
	}
	h.logger.ErrorContext(ctx, "bid failed on store error", slog.Any("error", err))
	h.writeError(w, http.StatusServiceUnavailable, errorResponse{Code: "STORE_UNAVAILABLE", Message: "try again later", Retryable: true})
}

func (h *Handler) cancelListing(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "Handler.cancelListing")
	defer span.End()

	if err := h.service.Cancel(ctx, mux.Vars(r)["id"]); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, errorResponse{Code: "NOT_FOUND", Message: "listing not found"})
			return
		}
		h.writeError(w, http.StatusConflict, errorResponse{Code: "INVALID_STATE", Message: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) forceEnd(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "Handler.forceEnd")
	defer span.End()

	if err := h.service.ForceEnd(ctx, mux.Vars(r)["id"]); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, errorResponse{Code: "NOT_FOUND", Message: "listing not found"})
			return
		}
		h.logger.ErrorContext(ctx, "force end failed", slog.Any("error", err))
		h.writeError(w, http.StatusServiceUnavailable, errorResponse{Code: "STORE_UNAVAILABLE", Message: "try again later", Retryable: true})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) serveListingSocket(w http.ResponseWriter, r *http.Request) {
	h.serveSocket(w, r, event.ListingRoom(mux.Vars(r)["id"]))
}

func (h *Handler) serveVendorSocket(w http.ResponseWriter, r *http.Request) {
	h.serveSocket(w, r, event.VendorRoom(mux.Vars(r)["id"]))
}

func (h *Handler) serveAdminSocket(w http.ResponseWriter, r *http.Request) {
	h.serveSocket(w, r, event.AdminRoom)
}

func (h *Handler) serveSocket(w http.ResponseWriter, r *http.Request, rooms ...string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}
	h.hub.Register(newClient(conn, rooms))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to write response", slog.Any("error", err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, body errorResponse) {
	h.writeJSON(w, status, body)
}
