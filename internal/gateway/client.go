package gateway

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	// sendBuffer bounds per-client backlog; overflowing it gets the
	// client evicted by the hub.
	sendBuffer = 256
)

// Client is one websocket connection and the rooms it watches.
type Client struct {
	id    string
	rooms []string
	conn  *websocket.Conn
	send  chan []byte

	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, rooms []string) *Client {
	return &Client{
		id:    uuid.New().String(),
		rooms: rooms,
		conn:  conn,
		send:  make(chan []byte, sendBuffer),
	}
}

// writePump drains the send buffer to the connection and keeps it alive
// with periodic pings. Exits on any write failure; the read pump notices
// the closed connection and unregisters the client.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound frames, refreshing the read deadline on pongs.
// The stream is one-directional; reading exists to detect disconnects.
func (c *Client) readPump(h *Hub) {
	defer h.Unregister(c)

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}
