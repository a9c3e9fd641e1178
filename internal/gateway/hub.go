// Package gateway is the client-facing surface: a REST API for bids and
// listing snapshots, and a websocket fan-out of live auction events.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/skoglund/auctiond/internal/event"
)

// Hub fans events out to websocket clients grouped by room. Delivery is
// best effort: a client whose send buffer is full is evicted rather than
// allowed to stall the room.
type Hub struct {
	bus    event.Bus
	logger *slog.Logger

	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	mu    sync.RWMutex
	rooms map[string]map[*Client]struct{}
}

// NewHub creates a Hub fed by the given event bus.
func NewHub(bus event.Bus, logger *slog.Logger) *Hub {
	return &Hub{
		bus:        bus,
		logger:     logger,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		rooms:      make(map[string]map[*Client]struct{}),
	}
}

// Run consumes the event bus and the register/unregister channels until ctx
// is cancelled. Meant to run in its own goroutine. Once Run returns, the done
// channel unblocks any client pump still trying to register or unregister.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	events, cancel, err := h.bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c)
		case e, ok := <-events:
			if !ok {
				h.closeAll()
				return nil
			}
			h.broadcast(ctx, e)
		}
	}
}

// Register attaches a client to its rooms and starts its pumps. A client
// arriving after shutdown is closed immediately.
func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.close()
		_ = c.conn.Close()
	}
}

// Unregister detaches a client; safe to call from the client's own pumps,
// including after the hub has shut down.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// RoomSize returns the number of clients currently in a room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	for _, room := range c.rooms {
		set, ok := h.rooms[room]
		if !ok {
			set = make(map[*Client]struct{})
			h.rooms[room] = set
		}
		set[c] = struct{}{}
	}
	h.mu.Unlock()

	go c.writePump()
	go c.readPump(h)

	h.logger.Debug("websocket client joined",
		slog.String("client_id", c.id),
		slog.Any("rooms", c.rooms),
	)
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	var present bool
	for _, room := range c.rooms {
		if set, ok := h.rooms[room]; ok {
			if _, in := set[c]; in {
				present = true
				delete(set, c)
			}
			if len(set) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	h.mu.Unlock()

	if present {
		c.close()
		h.logger.Debug("websocket client left", slog.String("client_id", c.id))
	}
}

func (h *Hub) broadcast(ctx context.Context, e event.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to encode event for fan-out",
			slog.String("type", string(e.Type)),
			slog.Any("error", err),
		)
		return
	}

	h.mu.RLock()
	set := h.rooms[e.Room]
	var slow []*Client
	for c := range set {
		select {
		case c.send <- payload:
		default:
			// Full buffer means the client cannot keep up. Evict it so
			// one slow reader never delays the rest of the room.
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("evicting slow websocket client", slog.String("client_id", c.id))
		h.remove(c)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	seen := make(map[*Client]struct{})
	for _, set := range h.rooms {
		for c := range set {
			seen[c] = struct{}{}
		}
	}
	for c := range seen {
		c.close()
	}
	h.rooms = make(map[string]map[*Client]struct{})
}
