// Package api exposes the panel's HTTP and WebSocket surface: lifecycle
// and file operations on servers, credit queries, admin management of
// users and nodes, push subscriptions, console sockets, and the event
// stream. Handlers translate between HTTP and the underlying subsystems;
// policy lives in those subsystems.
package api

import (
	"context"
	stdliberrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/craterhost/panel/pkg/agent"
	"github.com/craterhost/panel/pkg/bus"
	"github.com/craterhost/panel/pkg/lifecycle"
	"github.com/craterhost/panel/pkg/logging"
	"github.com/craterhost/panel/pkg/push"
	"github.com/craterhost/panel/pkg/reconciler"
	"github.com/craterhost/panel/pkg/relay"
	"github.com/craterhost/panel/pkg/storage"
)

// Config controls the HTTP surface.
type Config struct {
	Bind           string
	ExternalURL    string
	AllowedOrigins []string
	// AdminToken is a static operator credential used to bootstrap the
	// first admin account on a fresh database. Empty disables it.
	AdminToken    string
	SessionTTL    time.Duration
	PublicMetrics bool
	// SubjectPrefix scopes bus subscriptions feeding the event stream.
	SubjectPrefix string
}

// Deps carries the subsystems the HTTP surface fronts. Bus and Push may be
// nil; the event stream and push routes degrade accordingly.
type Deps struct {
	Store      *storage.Store
	Lifecycle  *lifecycle.Controller
	Relay      *relay.Manager
	Tickets    *relay.Tickets
	Agents     *agent.Client
	Reconciler *reconciler.Reconciler
	Push       *push.Service
	Bus        bus.MessageBus
	Logger     *logging.Logger
}

// Server is the panel's HTTP front end.
type Server struct {
	cfg     Config
	store   *storage.Store
	ctrl    *lifecycle.Controller
	relay   *relay.Manager
	tickets *relay.Tickets
	agents  *agent.Client
	rec     *reconciler.Reconciler
	push    *push.Service
	bus     bus.MessageBus
	logger  *logging.Logger

	hub            *Hub
	httpServer     *http.Server
	origins        *originPolicy
	loginLimiter   *rateLimiter
	eventLimiter   *connLimiter
	consoleLimiter *connLimiter
	busSubs        []bus.Subscription
}

// NewServer wires the HTTP surface. It does not listen until Start.
func NewServer(cfg Config, deps Deps) *Server {
	return &Server{
		cfg:            cfg,
		store:          deps.Store,
		ctrl:           deps.Lifecycle,
		relay:          deps.Relay,
		tickets:        deps.Tickets,
		agents:         deps.Agents,
		rec:            deps.Reconciler,
		push:           deps.Push,
		bus:            deps.Bus,
		logger:         deps.Logger,
		hub:            NewHub(),
		origins:        newOriginPolicy(cfg.AllowedOrigins),
		loginLimiter:   newRateLimiter(time.Second),
		eventLimiter:   newConnLimiter(maxEventStreamClients),
		consoleLimiter: newConnLimiter(maxConsoleSocketClients),
	}
}

// Start serves until ctx is cancelled. It returns once the listener has
// shut down or failed.
func (s *Server) Start(ctx context.Context) error {
	if err := s.validateStartupConfig(); err != nil {
		return err
	}
	if err := s.subscribeBus(ctx); err != nil {
		return err
	}

	router := chi.NewRouter()
	router.Use(s.corsMiddleware)
	router.Use(s.securityHeadersMiddleware)
	router.Use(s.sessionMiddleware)

	router.Get("/healthz", s.handleHealthz)
	router.Get("/metrics", s.handleMetrics)
	router.Get("/ws/console", s.handleConsoleSocket)
	router.Get("/ws/events", s.handleEventsSocket)

	api := chi.NewRouter()
	api.Route("/auth", func(r chi.Router) {
		r.Get("/session", s.handleAuthSession)
		r.Post("/logout", s.handleAuthLogout)
	})
	api.Route("/servers", func(r chi.Router) {
		r.Get("/", s.handleListServers)
		r.Post("/", s.handleCreateServer)
		r.Route("/{serverID}", func(r chi.Router) {
			r.Get("/", s.handleGetServer)
			r.Delete("/", s.handleDeleteServer)
			r.Post("/start", s.handleStartServer)
			r.Post("/stop", s.handleStopServer)
			r.Post("/restart", s.handleRestartServer)
			r.Get("/status", s.handleServerStatus)
			r.Post("/console", s.handleCreateConsoleTicket)
			r.Get("/files", s.handleListServerFiles)
			r.Delete("/files", s.handleDeleteServerFile)
			r.Get("/files/content", s.handleReadServerFile)
			r.Put("/files/content", s.handleWriteServerFile)
			r.Post("/files/mkdir", s.handleMkdirServer)
		})
	})
	api.Route("/credits", func(r chi.Router) {
		r.Get("/", s.handleGetCredits)
		r.Get("/history", s.handleCreditHistory)
	})
	api.Route("/tokens", func(r chi.Router) {
		r.Get("/", s.handleListAPITokens)
		r.Post("/", s.handleCreateAPIToken)
		r.Delete("/{tokenID}", s.handleRevokeAPIToken)
	})
	api.Route("/push", func(r chi.Router) {
		r.Get("/key", s.handlePushKey)
		r.Post("/subscriptions", s.handleCreatePushSubscription)
		r.Delete("/subscriptions/{subscriptionID}", s.handleDeletePushSubscription)
	})
	api.Route("/admin", func(r chi.Router) {
		r.Get("/users", s.handleListUsers)
		r.Post("/users", s.handleCreateUser)
		r.Post("/users/{userID}/credits", s.handleAdjustCredits)
		r.Get("/nodes", s.handleListNodes)
		r.Post("/nodes", s.handleCreateNode)
		r.Route("/nodes/{nodeID}", func(r chi.Router) {
			r.Get("/", s.handleGetNode)
			r.Patch("/", s.handleUpdateNode)
			r.Delete("/", s.handleDeleteNode)
			r.Patch("/status", s.handleSetNodeStatus)
			r.Get("/health", s.handleNodeHealth)
		})
		r.Get("/audit-logs", s.handleListAuditLogs)
	})

	router.Route("/api", func(r chi.Router) {
		// Login must stay reachable without credentials.
		r.Post("/auth/sessions", s.handleLogin)
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Mount("/", api)
		})
	})

	// H2C lets WebSocket upgrades survive reverse proxies that speak
	// HTTP/2 cleartext to the backend.
	h2s := &http2.Server{}
	h2cHandler := h2c.NewHandler(router, h2s)

	s.httpServer = &http.Server{
		Addr:              s.cfg.Bind,
		Handler:           h2cHandler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    1 << 20,
	}

	serverErr := make(chan error, 1)
	go func() {
		if s.logger != nil {
			_ = s.logger.Info(logging.CategoryAPI, "listening", "serving panel API", map[string]any{
				"bind": s.cfg.Bind,
			})
		}
		if err := s.httpServer.ListenAndServe(); err != nil && !stdliberrors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.unsubscribeBus()
		s.hub.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-serverErr:
		s.unsubscribeBus()
		return err
	}
}

// validateStartupConfig refuses configurations that can never be signed
// into: a database without users is only reachable through the bootstrap
// admin token.
func (s *Server) validateStartupConfig() error {
	if s.cfg.AdminToken != "" {
		return nil
	}
	users, err := s.store.ListUsers()
	if err != nil {
		return fmt.Errorf("checking for existing users: %w", err)
	}
	if len(users) == 0 {
		return fmt.Errorf("no users exist and panel.admin_token is unset; set it to bootstrap the first admin")
	}
	return nil
}

// subscribeBus feeds the event hub from the message bus.
func (s *Server) subscribeBus(ctx context.Context) error {
	if s.bus == nil {
		return nil
	}
	serverSub, err := s.bus.Subscribe(ctx, bus.ServerStatusWildcard(s.cfg.SubjectPrefix), s.hub.onServerEvent)
	if err != nil {
		return fmt.Errorf("subscribe server events: %w", err)
	}
	s.busSubs = append(s.busSubs, serverSub)
	creditSub, err := s.bus.Subscribe(ctx, bus.UserCreditsWildcard(s.cfg.SubjectPrefix), s.hub.onCreditEvent)
	if err != nil {
		s.unsubscribeBus()
		return fmt.Errorf("subscribe credit events: %w", err)
	}
	s.busSubs = append(s.busSubs, creditSub)
	return nil
}

func (s *Server) unsubscribeBus() {
	for _, sub := range s.busSubs {
		_ = sub.Unsubscribe()
	}
	s.busSubs = nil
}

type healthzResponse struct {
	Status string    `json:"status"`
	Time   time.Time `json:"time"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.store != nil {
		if db := s.store.DB(); db != nil {
			if err := db.PingContext(r.Context()); err != nil {
				respondError(w, http.StatusServiceUnavailable, stdliberrors.New("database unavailable"))
				return
			}
		}
	}
	respondJSON(w, healthzResponse{Status: "ok", Time: time.Now().UTC()})
}
