// Package console implements the realtime channel between the mcpfleet
// control plane and connected web clients: connection authentication, per
// connection log subscriptions, message routing, and event broadcast.
package console

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Broadcast queue size. Large enough to absorb bursts; overflow drops.
const broadcastQueueSize = 1024

// Hub tracks live connections and the identity authenticated on each, and
// fans server-originated events out to them.
//
// The identity map is the client context registry: an entry exists exactly
// while the connection is open and authenticated. It is written from many
// connection goroutines concurrently, so access is mutex-guarded. Broadcasts
// go through a buffered queue drained by Run so callers never block on slow
// fan-out.
type Hub struct {
	log zerolog.Logger

	mu         sync.RWMutex
	identities map[Conn]*Identity

	broadcasts chan broadcastMsg
}

type broadcastMsg struct {
	frame  Envelope
	filter func(*Identity) bool // nil means every connection
}

// NewHub creates an empty hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:        log.With().Str("component", "hub").Logger(),
		identities: make(map[Conn]*Identity),
		broadcasts: make(chan broadcastMsg, broadcastQueueSize),
	}
}

// Run drains the broadcast queue until ctx is cancelled. Call in a goroutine.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.log.Debug().Msg("hub shutting down")
			return
		case msg := <-h.broadcasts:
			h.fanOut(msg)
		}
	}
}

// Register binds an authenticated identity to a connection. Called once per
// connection, after authentication succeeds and before any message handling.
func (h *Hub) Register(c Conn, ident *Identity) {
	h.mu.Lock()
	h.identities[c] = ident
	total := len(h.identities)
	h.mu.Unlock()

	h.log.Info().
		Str("conn", c.ID()).
		Str("user", ident.UserID).
		Str("org", ident.OrganizationID).
		Int("total_clients", total).
		Msg("client registered")
}

// Identity returns the identity bound to a connection, or nil if the
// connection was never registered (or already unregistered). A nil result is
// an unauthorized signal to callers.
func (h *Hub) Identity(c Conn) *Identity {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.identities[c]
}

// Unregister removes a connection's identity. Idempotent.
func (h *Hub) Unregister(c Conn) {
	h.mu.Lock()
	_, known := h.identities[c]
	delete(h.identities, c)
	total := len(h.identities)
	h.mu.Unlock()

	if known {
		h.log.Info().
			Str("conn", c.ID()).
			Int("total_clients", total).
			Msg("client unregistered")
	}
}

// Count returns the number of registered connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.identities)
}

// BroadcastAll queues a frame for delivery to every open connection.
// Fire-and-forget: no acknowledgement, no retry, stragglers are skipped.
func (h *Hub) BroadcastAll(frame Envelope) {
	h.queue(broadcastMsg{frame: frame})
}

// BroadcastFiltered queues a frame for connections whose identity matches the
// predicate.
func (h *Hub) BroadcastFiltered(frame Envelope, filter func(*Identity) bool) {
	h.queue(broadcastMsg{frame: frame, filter: filter})
}

func (h *Hub) queue(msg broadcastMsg) {
	select {
	case h.broadcasts <- msg:
	default:
		h.log.Warn().Str("type", msg.frame.Type).Msg("broadcast queue full, dropping message")
	}
}

// fanOut delivers one queued frame. Takes a snapshot under the read lock, then
// sends without holding it so a slow connection cannot stall registration.
func (h *Hub) fanOut(msg broadcastMsg) {
	type target struct {
		conn  Conn
		ident *Identity
	}

	h.mu.RLock()
	targets := make([]target, 0, len(h.identities))
	for c, ident := range h.identities {
		targets = append(targets, target{conn: c, ident: ident})
	}
	h.mu.RUnlock()

	delivered := 0
	for _, t := range targets {
		if msg.filter != nil && !msg.filter(t.ident) {
			continue
		}
		if t.conn.IsClosed() {
			continue
		}
		if t.conn.Send(msg.frame) {
			delivered++
		}
	}

	h.log.Debug().
		Str("type", msg.frame.Type).
		Int("delivered", delivered).
		Int("total_clients", len(targets)).
		Msg("broadcast delivered")
}

// CloseAll closes every registered connection and clears the registry.
// Used during process shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := make([]Conn, 0, len(h.identities))
	for c := range h.identities {
		conns = append(conns, c)
	}
	h.identities = make(map[Conn]*Identity)
	h.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	h.log.Info().Int("closed", len(conns)).Msg("closed all client connections")
}
