package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/ShreyashPG/Distributed-Chat-Application/internal/auth"
	"github.com/ShreyashPG/Distributed-Chat-Application/internal/config"
	"github.com/ShreyashPG/Distributed-Chat-Application/internal/persistence"
	"github.com/ShreyashPG/Distributed-Chat-Application/internal/presence"
	"github.com/ShreyashPG/Distributed-Chat-Application/internal/relay"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const localIdentity = "identity"

// Dependencies are the shared backends a node is wired to.
type Dependencies struct {
	Store      presence.Store
	Relay      relay.Relay
	Saver      persistence.Saver
	Verifier   *auth.Verifier
	Authorizer auth.Authorizer
	// Registry receives the node's metrics. Relay metrics are expected to be
	// registered on the same registry by the caller.
	Registry *prometheus.Registry
}

// NodeServer hosts the websocket surface, the read-only REST routes and the
// admin listener.
type NodeServer struct {
	cfg       config.Config
	log       *zap.Logger
	deps      Dependencies
	app       *fiber.App
	router    *ChatRouter
	adminHTTP *http.Server
	metrics   *routerMetrics
	ready     atomic.Bool

	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewNodeServer constructs a server with its dependencies.
func NewNodeServer(cfg config.Config, logger *zap.Logger, deps Dependencies) (*NodeServer, error) {
	if deps.Store == nil || deps.Relay == nil || deps.Saver == nil {
		return nil, errors.New("store, relay and saver are required")
	}
	if deps.Verifier == nil {
		return nil, errors.New("token verifier is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Registry == nil {
		deps.Registry = prometheus.NewRegistry()
	}
	return &NodeServer{
		cfg:  cfg,
		log:  logger,
		deps: deps,
	}, nil
}

// Start listens on the configured address and blocks until shutdown.
func (s *NodeServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddress, err)
	}
	return s.Serve(ctx, ln)
}

// Serve subscribes to the relay and serves clients on ln until ctx ends.
// A failed initial subscription is returned before any client is accepted.
func (s *NodeServer) Serve(ctx context.Context, ln net.Listener) error {
	if err := s.prepare(ctx); err != nil {
		_ = ln.Close()
		return err
	}
	s.startAdminServer()

	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGracePeriod)
		defer cancel()
		s.Shutdown(stopCtx)
	}()

	s.log.Info("chat server listening", zap.String("address", ln.Addr().String()))
	s.ready.Store(true)
	if err := s.app.Listener(ln); err != nil {
		return fmt.Errorf("serve http: %w", err)
	}
	return nil
}

func (s *NodeServer) prepare(ctx context.Context) error {
	reg := s.deps.Registry
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	s.metrics = newRouterMetrics(reg)

	router, err := NewChatRouter(s.log, RouterOptions{
		NodeName:   s.cfg.NodeName,
		Store:      s.deps.Store,
		Relay:      s.deps.Relay,
		Saver:      s.deps.Saver,
		Authorizer: s.deps.Authorizer,
		Metrics:    s.metrics,
		SendBuffer: s.cfg.Session.SendBuffer,
		Keys:       s.cfg.Presence,
	})
	if err != nil {
		return err
	}
	s.router = router

	s.baseCtx, s.cancel = context.WithCancel(ctx)
	if err := s.deps.Relay.Subscribe(s.baseCtx, router); err != nil {
		s.cancel()
		return fmt.Errorf("subscribe relay: %w", err)
	}
	s.app = s.buildApp()
	return nil
}

func (s *NodeServer) buildApp() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "bchat " + s.cfg.NodeName,
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(cors.New())

	app.Get("/", func(c *fiber.Ctx) error {
		c.Type("html")
		return c.SendString("<h1>BChat Backend " + s.cfg.NodeName + "</h1>")
	})
	app.Get("/rooms", func(c *fiber.Ctx) error {
		rooms, err := s.deps.Store.ListRooms(c.UserContext())
		if err != nil {
			s.log.Warn("list rooms", zap.Error(err))
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "room list unavailable"})
		}
		return c.JSON(fiber.Map{"rooms": presence.DedupeRoster(rooms)})
	})

	app.Use("/ws", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		token := auth.TokenFromRequest(c.Get(fiber.HeaderAuthorization), c.Query("token"))
		identity, err := s.deps.Verifier.Verify(token)
		if err != nil {
			s.metrics.recordError("UNAUTHORIZED")
			s.log.Debug("handshake rejected", zap.String("remote", c.IP()), zap.Error(err))
			return fiber.ErrUnauthorized
		}
		c.Locals(localIdentity, identity)
		return c.Next()
	})
	app.Get("/ws", websocket.New(func(conn *websocket.Conn) {
		identity, _ := conn.Locals(localIdentity).(string)
		if err := s.router.Serve(s.baseCtx, conn, identity); err != nil {
			s.log.Debug("session ended", zap.String("user", identity), zap.Error(err))
		}
	}))
	return app
}

func (s *NodeServer) startAdminServer() {
	if s.cfg.Admin.Address == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.deps.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", s.readyz)

	s.adminHTTP = &http.Server{
		Addr:              s.cfg.Admin.Address,
		Handler:           mux,
		ReadHeaderTimeout: s.cfg.Admin.ReadHeaderTimeout,
	}

	go func() {
		if err := s.adminHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server stopped", zap.Error(err))
		}
	}()
	s.log.Info("admin server listening", zap.String("address", s.cfg.Admin.Address))
}

func (s *NodeServer) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not_ready"))
}

// Shutdown stops accepting clients, closes live sessions and the relay
// subscription, then waits for the listeners to drain.
func (s *NodeServer) Shutdown(ctx context.Context) {
	s.ready.Store(false)
	if s.cancel != nil {
		s.cancel()
	}

	if s.adminHTTP != nil {
		if err := s.adminHTTP.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server shutdown", zap.Error(err))
		}
	}
	if s.app == nil {
		return
	}
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		s.log.Warn("chat server shutdown", zap.Error(err))
		return
	}
	s.log.Info("chat server stopped")
}
