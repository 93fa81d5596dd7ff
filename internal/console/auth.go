package console

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// SessionCookie is the cookie carrying the session id minted by POST /login.
const SessionCookie = "mcpfleet_session"

// Header carrying capability roles set by the fronting auth layer. Multiple
// values and comma-separated lists are both accepted.
const roleHeader = "X-Auth-Role"

const (
	roleProfileAdmin  = "profile-admin"
	roleWorkloadAdmin = "workload-admin"
)

// ErrNotFound is returned by store-backed collaborators when a record does
// not exist or is not visible to the requesting identity.
var ErrNotFound = errors.New("not found")

// Identity is the authenticated principal bound to one connection. Created at
// authentication time, immutable afterwards.
type Identity struct {
	UserID         string
	OrganizationID string
	ProfileAdmin   bool
	WorkloadAdmin  bool
}

// UserRecord is the resolved user as the identity resolver reports it.
type UserRecord struct {
	OrganizationID string
}

// IdentityResolver performs the external lookups the authenticator depends
// on. Session and API-key resolution return the bound user id; lookups must
// hit the backing store directly (no caching) so revocation is immediate.
type IdentityResolver interface {
	UserFromSession(ctx context.Context, sessionID string) (string, error)
	UserFromAPIKey(ctx context.Context, key string) (string, error)
	ResolveUser(ctx context.Context, userID string) (UserRecord, error)
}

// Authenticator turns inbound connection headers into a verified identity.
// Stateless; safe for concurrent use.
type Authenticator struct {
	log      zerolog.Logger
	resolver IdentityResolver
}

// NewAuthenticator creates an authenticator backed by the given resolver.
func NewAuthenticator(log zerolog.Logger, resolver IdentityResolver) *Authenticator {
	return &Authenticator{
		log:      log.With().Str("component", "auth").Logger(),
		resolver: resolver,
	}
}

// Authenticate resolves the request to an identity, or nil if unauthorized.
//
// Ordered, first success wins: session cookie, then API key. The capability
// flags are derived from headers up front so both paths share them. Failures
// on either path fall through; no partial identity is ever returned.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) *Identity {
	profileAdmin, workloadAdmin := adminFlags(r.Header)

	if userID := a.userFromSession(ctx, r); userID != "" {
		if ident := a.resolve(ctx, userID, profileAdmin, workloadAdmin); ident != nil {
			return ident
		}
	}

	if key := bearerToken(r.Header); key != "" {
		userID, err := a.resolver.UserFromAPIKey(ctx, key)
		if err != nil || userID == "" {
			// API-key errors are swallowed: the caller only needs
			// authorized-or-not.
			a.log.Debug().Msg("api key resolution failed")
			return nil
		}
		return a.resolve(ctx, userID, profileAdmin, workloadAdmin)
	}

	return nil
}

func (a *Authenticator) userFromSession(ctx context.Context, r *http.Request) string {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil || cookie.Value == "" {
		return ""
	}
	userID, err := a.resolver.UserFromSession(ctx, cookie.Value)
	if err != nil {
		a.log.Debug().Err(err).Msg("session resolution failed")
		return ""
	}
	return userID
}

func (a *Authenticator) resolve(ctx context.Context, userID string, profileAdmin, workloadAdmin bool) *Identity {
	user, err := a.resolver.ResolveUser(ctx, userID)
	if err != nil {
		a.log.Warn().Err(err).Str("user", userID).Msg("failed to resolve user record")
		return nil
	}
	return &Identity{
		UserID:         userID,
		OrganizationID: user.OrganizationID,
		ProfileAdmin:   profileAdmin,
		WorkloadAdmin:  workloadAdmin,
	}
}

// adminFlags derives the two capability flags from the role header.
func adminFlags(h http.Header) (profileAdmin, workloadAdmin bool) {
	for _, v := range h.Values(roleHeader) {
		for _, role := range strings.Split(v, ",") {
			switch strings.TrimSpace(role) {
			case roleProfileAdmin:
				profileAdmin = true
			case roleWorkloadAdmin:
				workloadAdmin = true
			}
		}
	}
	return profileAdmin, workloadAdmin
}

// bearerToken extracts the API key from the Authorization header, if any.
func bearerToken(h http.Header) string {
	auth := h.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimPrefix(auth, prefix)
}
