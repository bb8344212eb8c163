package ws

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	// maxMessageSize bounds inbound frames; filters are small by design.
	maxMessageSize = 64 * 1024
)

// Client is one open socket. The server assigns the client id at connect
// time; the user id is learned later via an identification message.
type Client struct {
	ID string

	hub  *Hub
	conn *websocket.Conn

	// mu guards send against close; the hub fans out to clients outside its
	// own lock, so closing must be synchronized here, not there.
	mu     sync.Mutex
	closed bool
	send   chan []byte

	// userID is guarded by hub.mu.
	userID string

	lastActive atomic.Int64
	log        zerolog.Logger
}

func newClient(id string, hub *Hub, conn *websocket.Conn, bufferSize int, log zerolog.Logger) *Client {
	c := &Client{
		ID:   id,
		hub:  hub,
		conn: conn,
		send: make(chan []byte, bufferSize),
		log:  log.With().Str("client_id", id).Logger(),
	}
	c.touch()
	return c
}

func (c *Client) touch() {
	c.lastActive.Store(time.Now().UTC().Unix())
}

// LastActive returns the time of the last inbound frame.
func (c *Client) LastActive() time.Time {
	return time.Unix(c.lastActive.Load(), 0).UTC()
}

// Send enqueues a message without blocking. A client that cannot keep up
// loses the message, not the connection. Sends after close are dropped.
func (c *Client) Send(payload []byte) {
	if payload == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- payload:
	default:
		c.log.Warn().Msg("send buffer full; message dropped")
	}
}

// close shuts the send buffer exactly once; writePump drains and exits.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// readPump reads inbound messages until the connection dies, then cascades
// the disconnect through the hub.
func (c *Client) readPump() {
	defer c.hub.UnregisterClient(c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("unexpected close")
			}
			return
		}
		c.touch()
		c.hub.handleInbound(c, raw)
	}
}

// writePump drains the send buffer onto the socket and keeps the connection
// alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				// Write errors are logged and swallowed; the read side
				// notices the dead transport and unregisters.
				c.log.Warn().Err(err).Msg("socket write failed")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
