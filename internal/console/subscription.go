package console

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Tail length used when the client does not ask for one.
const defaultLogLines = 100

// Buffer between the log source and the frame writer. Sized for bursty
// container output without letting one subscription hold much memory.
const streamBufferSize = 64

// LogSource produces the log stream for a workload.
//
// Stream sends chunks on out until the source ends, fails, or ctx is
// cancelled, then returns: nil for a clean end, ctx.Err() after cancellation,
// any other error for a stream failure. Implementations must select on ctx
// when sending so cancellation cannot leave them blocked.
type LogSource interface {
	DisplayCommand(ctx context.Context, w *Workload, lines int) (string, error)
	Stream(ctx context.Context, w *Workload, lines int, out chan<- string) error
}

// SubscriptionManager owns at most one live log subscription per connection.
//
// Subscribing again on the same connection replaces the previous subscription
// (switching targets is a re-subscribe, not an error). Teardown converges on
// one code path whether triggered by an explicit unsubscribe, a stream error,
// a clean stream end, or connection close, and is idempotent under any
// overlap of those triggers.
type SubscriptionManager struct {
	log    zerolog.Logger
	dir    Directory
	source LogSource

	mu   sync.Mutex
	subs map[Conn]*subscription
}

type subscription struct {
	serverID string
	cancel   context.CancelFunc
	done     chan struct{} // closed when the stream goroutine has exited
}

// NewSubscriptionManager creates a manager reading from the given source and
// authorizing against the given directory.
func NewSubscriptionManager(log zerolog.Logger, dir Directory, source LogSource) *SubscriptionManager {
	return &SubscriptionManager{
		log:    log.With().Str("component", "logsubs").Logger(),
		dir:    dir,
		source: source,
		subs:   make(map[Conn]*subscription),
	}
}

// Subscribe starts streaming a workload's logs to the connection. Any
// previous subscription on the connection is cancelled first. The frame
// carrying the display command is always emitted before any log data.
func (m *SubscriptionManager) Subscribe(ctx context.Context, c Conn, ident *Identity, serverID string, lines int) {
	m.Unsubscribe(c)

	w, err := m.dir.FindByID(ctx, serverID, ident.UserID, ident.WorkloadAdmin)
	if err != nil {
		m.log.Debug().
			Err(err).
			Str("server", serverID).
			Str("user", ident.UserID).
			Msg("log subscription refused")
		c.Send(logsErrorFrame(serverID, "MCP server not found"))
		return
	}

	if lines <= 0 {
		lines = defaultLogLines
	}

	// The subscription outlives the subscribe request; its lifetime is
	// governed solely by the cancel signal.
	streamCtx, cancel := context.WithCancel(context.Background())

	command, err := m.source.DisplayCommand(streamCtx, w, lines)
	if err != nil {
		m.log.Warn().Err(err).Str("server", serverID).Msg("failed to resolve display command")
		command = ""
	}

	sub := &subscription{
		serverID: serverID,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	m.mu.Lock()
	m.subs[c] = sub
	m.mu.Unlock()

	// Command frame first, before the stream goroutine can produce data.
	c.Send(logsFrame(serverID, "", command))

	m.log.Info().
		Str("conn", c.ID()).
		Str("server", serverID).
		Int("lines", lines).
		Msg("log subscription started")

	go m.stream(streamCtx, c, sub, w, lines)
}

// Unsubscribe cancels and removes the connection's subscription, if any, and
// waits for its stream goroutine to finish. No-op when nothing is active.
// Safe from the read loop, the close handler, and repeated calls.
func (m *SubscriptionManager) Unsubscribe(c Conn) {
	m.mu.Lock()
	sub := m.subs[c]
	if sub != nil {
		// Signal cancellation before removing the entry.
		sub.cancel()
		delete(m.subs, c)
	}
	m.mu.Unlock()

	if sub != nil {
		<-sub.done
		m.log.Debug().Str("conn", c.ID()).Str("server", sub.serverID).Msg("log subscription removed")
	}
}

// ActiveServer reports which workload the connection is subscribed to.
func (m *SubscriptionManager) ActiveServer(c Conn) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.subs[c]; ok {
		return sub.serverID, true
	}
	return "", false
}

// StopAll tears down every active subscription. Used during shutdown.
func (m *SubscriptionManager) StopAll() {
	m.mu.Lock()
	subs := make([]*subscription, 0, len(m.subs))
	for c, sub := range m.subs {
		sub.cancel()
		delete(m.subs, c)
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		<-sub.done
	}
	if len(subs) > 0 {
		m.log.Info().Int("count", len(subs)).Msg("cancelled all log subscriptions")
	}
}

// stream pumps source output to the connection and tears the subscription
// down when the source ends or errors. A clean end is silent; an error is
// surfaced to the client. Nothing is emitted after cancellation.
func (m *SubscriptionManager) stream(ctx context.Context, c Conn, sub *subscription, w *Workload, lines int) {
	defer close(sub.done)
	defer m.release(c, sub)

	out := make(chan string, streamBufferSize)
	errc := make(chan error, 1)
	go func() {
		errc <- m.source.Stream(ctx, w, lines, out)
	}()

	for {
		select {
		case chunk := <-out:
			m.emit(ctx, c, sub.serverID, chunk)

		case err := <-errc:
			// The producer has returned; only buffered chunks remain.
			m.drain(ctx, c, sub.serverID, out)
			if err != nil && ctx.Err() == nil {
				m.log.Warn().
					Err(err).
					Str("conn", c.ID()).
					Str("server", sub.serverID).
					Msg("log stream failed")
				c.Send(logsErrorFrame(sub.serverID, err.Error()))
			}
			return
		}
	}
}

func (m *SubscriptionManager) emit(ctx context.Context, c Conn, serverID, chunk string) {
	if ctx.Err() != nil || c.IsClosed() {
		return
	}
	c.Send(logsFrame(serverID, chunk, ""))
}

func (m *SubscriptionManager) drain(ctx context.Context, c Conn, serverID string, out <-chan string) {
	for {
		select {
		case chunk := <-out:
			m.emit(ctx, c, serverID, chunk)
		default:
			return
		}
	}
}

// release cancels the subscription's context and removes its map entry, but
// only if the entry still belongs to this subscription: a re-subscribe may
// already have replaced it, and the replacement must not be disturbed.
func (m *SubscriptionManager) release(c Conn, sub *subscription) {
	sub.cancel()
	m.mu.Lock()
	if m.subs[c] == sub {
		delete(m.subs, c)
	}
	m.mu.Unlock()
}
