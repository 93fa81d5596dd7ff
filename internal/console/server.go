package console

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

// LoginUser is a user record as needed by the login handler.
type LoginUser struct {
	ID           string
	PasswordHash string
}

// UserStore looks up users for password login.
type UserStore interface {
	UserForLogin(ctx context.Context, username string) (LoginUser, error)
}

// SessionStore mints and revokes login sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, userID string, ttl time.Duration) (string, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// Options wires the external collaborators into the console server.
type Options struct {
	Resolver  IdentityResolver
	Users     UserStore
	Sessions  SessionStore
	Directory Directory
	Logs      LogSource

	// Browser, when non-nil, enables the delegated browser-stream
	// sub-protocol for the life of the process.
	Browser BrowserStream
}

// Server is the realtime console: the websocket endpoint plus the small HTTP
// surface around it (login, health, workload reads).
type Server struct {
	cfg      *Config
	log      zerolog.Logger
	auth     *Authenticator
	hub      *Hub
	subs     *SubscriptionManager
	msgs     *Router
	users    UserStore
	sessions SessionStore
	dir      Directory

	router     *chi.Mux
	upgrader   *websocket.Upgrader
	httpServer *http.Server

	hubCtx    context.Context
	hubCancel context.CancelFunc
}

// New creates a console server and starts the hub's broadcast loop.
func New(cfg *Config, log zerolog.Logger, opts Options) *Server {
	hubCtx, hubCancel := context.WithCancel(context.Background())

	hub := NewHub(log)
	subs := NewSubscriptionManager(log, opts.Directory, opts.Logs)

	s := &Server{
		cfg:      cfg,
		log:      log.With().Str("component", "console").Logger(),
		auth:     NewAuthenticator(log, opts.Resolver),
		hub:      hub,
		subs:     subs,
		msgs:     NewRouter(log, hub, subs, opts.Browser),
		users:    opts.Users,
		sessions: opts.Sessions,
		dir:      opts.Directory,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin policy is enforced by the fronting proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		hubCtx:    hubCtx,
		hubCancel: hubCancel,
	}

	s.setupRouter()

	go hub.Run(hubCtx)

	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.securityHeaders)

	r.Get("/health", s.handleHealth)
	r.Post("/login", s.handleLogin)
	r.Post("/logout", s.handleLogout)

	r.Get("/ws", s.handleWebSocket)

	r.Group(func(r chi.Router) {
		r.Use(s.requireIdentity)

		r.Route("/api", func(r chi.Router) {
			r.Get("/servers", s.handleListServers)
			r.Get("/servers/{serverID}", s.handleGetServer)
			r.Post("/servers/{serverID}/status", s.handleSetServerStatus)
		})
	})

	s.router = r
}

func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

type identityKey struct{}

// requireIdentity authenticates API requests using the same pipeline as
// websocket connects, so session and API-key callers are treated alike.
func (s *Server) requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ident := s.auth.Authenticate(r.Context(), r)
		if ident == nil {
			writeJSONError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		ctx := context.WithValue(r.Context(), identityKey{}, ident)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func identityFromContext(ctx context.Context) *Identity {
	ident, _ := ctx.Value(identityKey{}).(*Identity)
	return ident
}

// handleWebSocket is the per-connection lifecycle controller.
//
// Connecting -> Unauthorized (terminal) or Authenticated -> Closed. A failed
// authentication gets one notice frame and close code 4401; a successful one
// registers the identity, starts the single writer, and runs the serialized
// read loop until disconnect. Cleanup always unsubscribes before removing the
// identity, exactly once.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	ident := s.auth.Authenticate(r.Context(), r)
	if ident == nil {
		s.rejectUnauthorized(ws, r)
		return
	}

	client := newClient(uuid.NewString(), ws, s.log)
	s.hub.Register(client, ident)
	go client.writePump()

	defer func() {
		s.subs.Unsubscribe(client)
		s.hub.Unregister(client)
		client.Close()
	}()

	ctx := r.Context()
	client.readPump(func(raw []byte) {
		s.msgs.Route(ctx, client, raw)
	})
}

// rejectUnauthorized sends the one permitted notice frame and closes with the
// distinguishing code so clients do not silently retry.
func (s *Server) rejectUnauthorized(ws *websocket.Conn, r *http.Request) {
	s.log.Warn().
		Str("remote", r.RemoteAddr).
		Str("user_agent", r.UserAgent()).
		Msg("websocket connection rejected: unauthorized")

	deadline := time.Now().Add(writeWait)
	_ = ws.SetWriteDeadline(deadline)
	_ = ws.WriteJSON(errorFrame("", "Unauthorized"))
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(CloseUnauthorized, "unauthorized"), deadline)
	_ = ws.Close()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.hub.Count(),
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Code     string `json:"code,omitempty"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := s.users.UserForLogin(r.Context(), req.Username)
	if err != nil {
		// Same response as a bad password; do not leak which usernames exist.
		s.log.Warn().Str("username", req.Username).Msg("login failed: unknown user")
		writeJSONError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		s.log.Warn().Str("username", req.Username).Msg("login failed: bad password")
		writeJSONError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	if s.cfg.TOTPSecret != "" {
		if !totp.Validate(req.Code, s.cfg.TOTPSecret) {
			s.log.Warn().Str("username", req.Username).Msg("login failed: bad TOTP code")
			writeJSONError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
	}

	sessionID, err := s.sessions.CreateSession(r.Context(), user.ID, s.cfg.SessionTTL)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to create session")
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil,
		MaxAge:   int(s.cfg.SessionTTL.Seconds()),
	})

	s.log.Info().Str("user", user.ID).Msg("login successful")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(SessionCookie); err == nil && cookie.Value != "" {
		if err := s.sessions.DeleteSession(r.Context(), cookie.Value); err != nil {
			s.log.Warn().Err(err).Msg("failed to delete session")
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	ident := identityFromContext(r.Context())
	servers, err := s.dir.ListForIdentity(r.Context(), ident)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list servers")
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, servers)
}

func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	ident := identityFromContext(r.Context())
	serverID := chi.URLParam(r, "serverID")

	workload, err := s.dir.FindByID(r.Context(), serverID, ident.UserID, ident.WorkloadAdmin)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "MCP server not found")
			return
		}
		s.log.Error().Err(err).Str("server", serverID).Msg("failed to load server")
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, workload)
}

type setStatusRequest struct {
	Status string `json:"status"`
}

// handleSetServerStatus records a workload status change and pushes a
// server_status event to clients in the workload's organization.
func (s *Server) handleSetServerStatus(w http.ResponseWriter, r *http.Request) {
	ident := identityFromContext(r.Context())
	serverID := chi.URLParam(r, "serverID")

	if !ident.WorkloadAdmin {
		writeJSONError(w, http.StatusForbidden, "workload admin required")
		return
	}

	var req setStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Status == "" {
		writeJSONError(w, http.StatusBadRequest, "status is required")
		return
	}

	workload, err := s.dir.UpdateStatus(r.Context(), serverID, req.Status)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "MCP server not found")
			return
		}
		s.log.Error().Err(err).Str("server", serverID).Msg("failed to update status")
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	org := workload.OrganizationID
	s.hub.BroadcastFiltered(ServerStatusFrame(workload.ID, workload.Status), func(i *Identity) bool {
		return i.WorkloadAdmin || i.OrganizationID == org
	})

	writeJSON(w, http.StatusOK, workload)
}

// Run starts serving. Blocks until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting console server")
	return s.httpServer.ListenAndServe()
}

// Shutdown tears everything down: active subscriptions first, then client
// connections and the registry, then the listening transport.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down console server")

	s.subs.StopAll()
	s.hub.CloseAll()
	s.hubCancel()

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Router returns the HTTP handler (for tests).
func (s *Server) Router() http.Handler {
	return s.router
}

// Hub exposes the broadcaster for collaborators that push server-originated
// events (lifecycle managers and the like).
func (s *Server) Hub() *Hub {
	return s.hub
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
