// Package api provides the operator HTTP API of the hub.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/amurg-ai/remotectl/hub/auth"
	"github.com/amurg-ai/remotectl/hub/config"
	"github.com/amurg-ai/remotectl/hub/dispatch"
	"github.com/amurg-ai/remotectl/hub/store"
	"github.com/amurg-ai/remotectl/pkg/protocol"
)

// ActionSender delivers one action to a project's controller.
type ActionSender interface {
	Send(ctx context.Context, projectID string, t protocol.Type, fields json.RawMessage, opts dispatch.Options) (*dispatch.Reply, error)
}

// Deps are the services the API is built on.
type Deps struct {
	Store   store.Store
	Auth    auth.Provider
	Actions ActionSender
	// Controllers serves /ws/controller.
	Controllers http.Handler
}

// Server is the HTTP API server.
type Server struct {
	store         store.Store
	authProvider  auth.Provider
	loginProvider auth.LoginProvider
	actions       ActionSender
	logger        *slog.Logger
	mux           *chi.Mux
	startTime     time.Time
	maxBodyBytes  int64
	maxTimeout    time.Duration
	loginRL       *keyedLimiter
	rl            *keyedLimiter
}

// NewServer creates a new API server.
func NewServer(deps Deps, cfg *config.Config, logger *slog.Logger) *Server {
	lp, _ := deps.Auth.(auth.LoginProvider)
	srv := &Server{
		store:         deps.Store,
		authProvider:  deps.Auth,
		loginProvider: lp,
		actions:       deps.Actions,
		logger:        logger.With("component", "api"),
		startTime:     time.Now(),
		maxBodyBytes:  cfg.Server.MaxBodyBytes,
		maxTimeout:    cfg.Dispatch.MaxTimeout.Duration,
		rl:            newRateLimiter(20, 40),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.RequestID)
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(srv.logRequests)
	mux.Use(securityHeaders)
	mux.Use(cors(cfg.Server.AllowedOrigins))

	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	if deps.Controllers != nil {
		mux.Handle("/ws/controller", deps.Controllers)
	}

	// Login is only served when the provider issues its own tokens.
	if lp != nil {
		srv.loginRL = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
		mux.With(limitBy(srv.loginRL, "too many login attempts", clientIP)).Post("/api/auth/login", srv.handleLogin)
	}

	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(limitBy(srv.rl, "rate limit exceeded", operatorKey))

		r.Get("/api/me", srv.handleGetMe)

		r.Get("/api/projects", srv.handleListProjects)
		r.Post("/api/projects", srv.handleCreateProject)
		r.Get("/api/projects/{projectID}", srv.handleGetProject)
		r.Post("/api/projects/{projectID}/rotate-key", srv.handleRotateKey)
		r.Post("/api/projects/{projectID}/actions/{actionType}", srv.handleAction)

		r.Get("/api/projects/{projectID}/runs", srv.handleListRuns)
		r.Post("/api/projects/{projectID}/runs", srv.handleCreateRun)
		r.Get("/api/runs/{runID}", srv.handleGetRun)
		r.Patch("/api/runs/{runID}", srv.handleUpdateRun)

		r.Get("/api/audit", srv.handleListAuditEvents)
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup of rate limiter buckets.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	if s.loginRL != nil {
		s.loginRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
	s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
}

// --- Health ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Auth ---

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}

	token, err := s.loginProvider.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		s.audit(r.Context(), "", store.AuditLoginFailed, req.Username, nil)
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			s.logger.Error("login failed", "error", err)
		}
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	s.audit(r.Context(), "", store.AuditLoginSuccess, req.Username, nil)
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{
		"subject":  identity.Subject,
		"username": identity.Username,
		"role":     identity.Role,
	})
}

// --- Helpers ---

// decodeBody reads a JSON request body into v, answering 400 on failure.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) audit(ctx context.Context, projectID, action, who string, detail any) {
	var raw json.RawMessage
	if detail != nil {
		raw, _ = json.Marshal(detail)
	}
	if err := s.store.LogAuditEvent(ctx, &store.AuditEvent{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Action:    action,
		Actor:     who,
		Detail:    raw,
		CreatedAt: time.Now(),
	}); err != nil {
		s.logger.Warn("failed to log audit event", "action", action, "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
