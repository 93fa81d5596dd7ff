package console

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	// Per-client outbound buffer. Log streams are bursty; a full buffer
	// drops frames rather than blocking the producer.
	sendBufferSize = 256
)

// CloseUnauthorized is the application close code sent when connection
// authentication fails. Clients branch on it to avoid silent retry loops.
const CloseUnauthorized = 4401

// Conn is one live client connection as seen by the hub, the router, and the
// subscription manager. Implemented by *Client; tests substitute fakes.
type Conn interface {
	ID() string
	// Send enqueues a message for the connection's single writer goroutine.
	// Best effort: returns false if the connection is closed or the buffer
	// is full.
	Send(v any) bool
	IsClosed() bool
	// Close releases the outbound channel exactly once. Idempotent.
	Close()
}

// Client wraps a websocket connection with a buffered outbound channel.
//
// Exactly one goroutine (writePump) writes to the underlying connection, so
// a log stream and a broadcast can both Send concurrently without interleaving
// frames. Close coordination follows the usual pattern: sync.Once guards the
// channel close, and an atomic flag lets senders check state first. SafeSend
// still recovers in case Close wins the race between check and send.
type Client struct {
	id        string
	conn      *websocket.Conn
	log       zerolog.Logger
	send      chan []byte
	closeOnce sync.Once
	closed    atomic.Bool
}

func newClient(id string, conn *websocket.Conn, log zerolog.Logger) *Client {
	return &Client{
		id:   id,
		conn: conn,
		log:  log.With().Str("conn", id).Logger(),
		send: make(chan []byte, sendBufferSize),
	}
}

// ID returns the connection's map key.
func (c *Client) ID() string { return c.id }

// Send marshals v and enqueues it for the writer goroutine.
func (c *Client) Send(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to marshal outbound message")
		return false
	}
	return c.safeSend(data)
}

// safeSend sends data to the client without panicking on a closed channel.
func (c *Client) safeSend(data []byte) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
			sent = false
		}
	}()

	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		// Buffer full, drop frame.
		return false
	}
}

// IsClosed reports whether Close has been called.
func (c *Client) IsClosed() bool { return c.closed.Load() }

// Close closes the send channel exactly once. The writer goroutine notices
// and tears down the underlying connection.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.send)
	})
}

// writePump pumps queued messages to the websocket connection and keeps the
// peer alive with periodic pings. The only writer to c.conn.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Close() drained us; say goodbye properly.
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// readPump reads inbound frames and hands each to route, serialized per
// connection. It returns when the peer disconnects or errors; cleanup is the
// caller's responsibility.
func (c *Client) readPump(route func(raw []byte)) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Debug().Err(err).Msg("read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		route(data)
	}
}
