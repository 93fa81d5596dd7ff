package console

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"
)

// BrowserStream is the delegated sub-protocol for screen/interaction sharing,
// multiplexed over the same connection. The collaborator owns both the
// type-membership predicate and the handling; this package only forwards.
type BrowserStream interface {
	Handles(msgType string) bool
	Handle(ctx context.Context, c Conn, ident *Identity, env *Envelope)
}

// browserStreamPrefix identifies the sub-protocol's message family when no
// handler is wired in to ask.
const browserStreamPrefix = "browser_"

// Router validates inbound client messages and dispatches them to the right
// handler. One instance serves all connections; per-connection ordering comes
// from the serialized read loop, not from the router.
type Router struct {
	log  zerolog.Logger
	hub  *Hub
	subs *SubscriptionManager

	// browser is nil when the feature is disabled at construction; the
	// predicate is kept separate so disabled messages are still recognized
	// and answered with a typed error.
	browser     BrowserStream
	browserKind func(msgType string) bool
}

// NewRouter creates a router. A nil browser disables the delegated
// sub-protocol for the life of the process.
func NewRouter(log zerolog.Logger, hub *Hub, subs *SubscriptionManager, browser BrowserStream) *Router {
	kind := func(t string) bool { return strings.HasPrefix(t, browserStreamPrefix) }
	if browser != nil {
		kind = browser.Handles
	}
	return &Router{
		log:         log.With().Str("component", "router").Logger(),
		hub:         hub,
		subs:        subs,
		browser:     browser,
		browserKind: kind,
	}
}

// Route parses, validates, and dispatches one raw inbound frame. Malformed
// input earns the client an error frame and nothing else; the connection
// stays open and no state is mutated.
func (r *Router) Route(ctx context.Context, c Conn, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
		r.log.Debug().Str("conn", c.ID()).Msg("unparseable client message")
		c.Send(errorFrame("", "invalid message"))
		return
	}

	ident := r.hub.Identity(c)
	if ident == nil {
		// Should not happen post-handshake; entries only exist after
		// successful authentication.
		r.log.Warn().Str("conn", c.ID()).Str("type", env.Type).Msg("message from unregistered connection")
		c.Send(errorFrame(env.ID, "Unauthorized"))
		c.Close()
		return
	}

	if r.browserKind(env.Type) {
		if r.browser == nil {
			c.Send(errorFrame(env.ID, "browser streaming is not enabled"))
			return
		}
		r.browser.Handle(ctx, c, ident, &env)
		return
	}

	switch env.Type {
	case TypeSubscribeLogs:
		r.handleSubscribe(ctx, c, ident, &env)
	case TypeUnsubscribeLogs:
		r.handleUnsubscribe(c, &env)
	default:
		// Forward compatibility: unknown types are logged, not answered.
		r.log.Debug().Str("conn", c.ID()).Str("type", env.Type).Msg("ignoring unknown message type")
	}
}

func (r *Router) handleSubscribe(ctx context.Context, c Conn, ident *Identity, env *Envelope) {
	var payload SubscribeLogsPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		c.Send(errorFrame(env.ID, "invalid message"))
		return
	}
	if err := payload.Validate(); err != nil {
		c.Send(errorFrame(env.ID, err.Error()))
		return
	}
	r.subs.Subscribe(ctx, c, ident, payload.ServerID, payload.Lines)
}

func (r *Router) handleUnsubscribe(c Conn, env *Envelope) {
	var payload UnsubscribeLogsPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		c.Send(errorFrame(env.ID, "invalid message"))
		return
	}
	if err := payload.Validate(); err != nil {
		c.Send(errorFrame(env.ID, err.Error()))
		return
	}
	// One subscription per connection: the serverId identifies the request
	// but teardown is connection-scoped.
	r.subs.Unsubscribe(c)
}
