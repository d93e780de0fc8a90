// Package hub ties the hub components together: storage, broker, reply
// tracking, controller connections, dispatch and the HTTP API.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/amurg-ai/remotectl/hub/api"
	"github.com/amurg-ai/remotectl/hub/auth"
	"github.com/amurg-ai/remotectl/hub/broker"
	"github.com/amurg-ai/remotectl/hub/config"
	"github.com/amurg-ai/remotectl/hub/dispatch"
	"github.com/amurg-ai/remotectl/hub/replies"
	"github.com/amurg-ai/remotectl/hub/router"
	"github.com/amurg-ai/remotectl/hub/store"
)

// Hub is the main hub process.
type Hub struct {
	cfg        *config.Config
	store      store.Store
	broker     broker.Broker
	tracker    *replies.Tracker
	router     *router.Router
	dispatcher *dispatch.Dispatcher
	api        *api.Server
	logger     *slog.Logger
}

// New creates a hub from configuration.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	db, err := store.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	authProvider, err := auth.NewProvider(ctx, cfg.Auth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	b, err := newBroker(ctx, cfg.Broker, logger)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init broker: %w", err)
	}

	tracker := replies.New(b, logger)
	collab := &router.StoreCollaborators{Store: db, Broker: b, Logger: logger.With("component", "presence")}
	rt := router.New(b, tracker, collab.Collaborators(), logger, router.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		MaxMessageBytes:  cfg.Server.MaxMessageBytes,
		HandshakeTimeout: cfg.Server.HandshakeTimeout.Duration,
		PingInterval:     cfg.Server.PingInterval.Duration,
		PongWait:         cfg.Server.PongWait.Duration,
	})
	disp := dispatch.New(b, logger, dispatch.Config{
		DefaultTimeout: cfg.Dispatch.DefaultTimeout.Duration,
		MaxTimeout:     cfg.Dispatch.MaxTimeout.Duration,
		Projects:       db,
	})
	apiSrv := api.NewServer(api.Deps{
		Store:       db,
		Auth:        authProvider,
		Actions:     disp,
		Controllers: http.HandlerFunc(rt.HandleControllerWS),
	}, cfg, logger)

	h := &Hub{
		cfg:        cfg,
		store:      db,
		broker:     b,
		tracker:    tracker,
		router:     rt,
		dispatcher: disp,
		api:        apiSrv,
		logger:     logger.With("component", "hub"),
	}

	if authProvider.Name() == "builtin" && cfg.Auth.Admin == nil {
		logger.Warn("no auth.admin configured, the API is only reachable with externally minted tokens")
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}
	return h, nil
}

func newBroker(ctx context.Context, cfg config.BrokerConfig, logger *slog.Logger) (broker.Broker, error) {
	switch cfg.Driver {
	case "postgres":
		return broker.NewPostgres(ctx, cfg.DSN, broker.PostgresOptions{
			SpillRetention: cfg.SpillRetention.Duration,
			Logger:         logger,
		})
	case "memory", "":
		return broker.NewMemory(logger), nil
	default:
		return nil, fmt.Errorf("unsupported broker driver: %q", cfg.Driver)
	}
}

// Handler returns the HTTP handler serving the API and controller socket.
func (h *Hub) Handler() http.Handler {
	return h.api.Handler()
}

// Dispatcher returns the hub's action dispatcher.
func (h *Hub) Dispatcher() *dispatch.Dispatcher {
	return h.dispatcher
}

// Start runs the background tasks until ctx is canceled.
func (h *Hub) Start(ctx context.Context) error {
	if !h.cfg.Server.KeepPresenceOnStart {
		n, err := h.store.ResetControllerPresence(ctx)
		if err != nil {
			return fmt.Errorf("reset controller presence: %w", err)
		}
		if n > 0 {
			h.logger.Info("cleared stale controller presence", "count", n)
		}
	}

	go h.tracker.RunSweeper(ctx, h.cfg.Replies.SweepInterval.Duration, h.cfg.Replies.RegistrationTTL.Duration)
	h.api.StartBackgroundTasks(ctx)
	go h.runRetentionPurger(ctx, h.cfg.Storage.AuditRetention.Duration)
	return nil
}

// Run starts the hub HTTP server and blocks until the context is canceled.
func (h *Hub) Run(ctx context.Context) error {
	if err := h.Start(ctx); err != nil {
		h.Close()
		return err
	}

	srv := &http.Server{
		Addr:              h.cfg.Server.Addr,
		Handler:           h.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("hub listening", "addr", h.cfg.Server.Addr)
		if h.cfg.Server.TLSCert != "" && h.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(h.cfg.Server.TLSCert, h.cfg.Server.TLSKey)
		} else {
			h.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		h.logger.Info("shutting down hub gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			h.logger.Info("http server stopped gracefully")
		}
		h.Close()
		h.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		h.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Close disconnects every controller and releases the broker and store.
// Controller sockets are hijacked, so http.Server.Shutdown does not close them.
func (h *Hub) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := h.router.Shutdown(ctx); err != nil {
		h.logger.Warn("controller shutdown incomplete", "error", err)
	}
	if err := h.broker.Close(); err != nil {
		h.logger.Warn("close broker", "error", err)
	}
	if err := h.store.Close(); err != nil {
		h.logger.Warn("close store", "error", err)
	}
}

func (h *Hub) runRetentionPurger(ctx context.Context, auditRetention time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-auditRetention)
			if n, err := h.store.PurgeOldAuditEvents(ctx, cutoff); err != nil {
				h.logger.Warn("retention purge: audit events failed", "error", err)
			} else if n > 0 {
				h.logger.Info("retention purge: deleted old audit events", "count", n)
			}
		}
	}
}
