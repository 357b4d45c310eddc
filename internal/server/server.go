package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"tg_market/internal/domain"
	"tg_market/internal/infra"
	"tg_market/internal/infra/telegram"
	"tg_market/internal/service"
	"tg_market/internal/session"

	"github.com/gin-gonic/gin"
)

// Config holds the HTTP settings
type Config struct {
	Addr           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	AllowedOrigins []string
	Debug          bool
}

// Server exposes the read layer to the mini-app frontend over REST and websockets
type Server struct {
	cfg      Config
	env      service.Env
	sessions *session.Registry
	identity telegram.Resolver
	icons    *infra.IconCache
	logger   *slog.Logger

	// Events are anchored at startup so their countdowns progress
	events  []domain.PromotedEvent
	started time.Time

	engine *gin.Engine
	http   *http.Server
}

// New builds the server. env carries the shared dependencies; each request
// gets a copy bound to its session cache. icons may be nil.
func New(cfg Config, env service.Env, sessions *session.Registry, identity telegram.Resolver, icons *infra.IconCache) *Server {
	// Set Gin mode
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	logger := env.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := env.Clock
	if clock == nil {
		clock = time.Now
	}
	now := clock()
	env.Logger = logger
	env.Clock = clock
	if env.Metrics == nil {
		env.Metrics = infra.GlobalMetrics
	}

	s := &Server{
		cfg:      cfg,
		env:      env,
		sessions: sessions,
		identity: identity,
		icons:    icons,
		logger:   logger,
		events:   domain.DefaultEvents(now),
		started:  now,
		engine:   gin.New(),
	}

	s.engine.Use(gin.Recovery(), s.requestLogger(), s.cors())
	s.setupRoutes()

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	api := s.engine.Group("/api")
	api.GET("/health", s.getHealth)
	api.GET("/metrics", s.getMetrics)
	api.GET("/events", s.getEvents)
	api.GET("/promos", s.getPromos)

	api.POST("/session", s.withSession(true), s.postSession)

	sessioned := api.Group("", s.withSession(false))
	sessioned.GET("/profile", s.getProfile)
	sessioned.POST("/profile/privacy", s.postPrivacy)
	sessioned.GET("/market", s.getMarket)
	sessioned.GET("/assets/tokens/:symbol", s.getTokenIcon)

	ws := s.engine.Group("/ws", s.withSession(false))
	ws.GET("/profile", s.wsProfile)
	ws.GET("/market", s.wsMarket)
}

// Handler returns the HTTP handler (used by tests)
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", slog.String("addr", s.cfg.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for active ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("HTTP request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", time.Since(start)),
		)
	}
}

func (s *Server) cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if s.originAllowed(origin) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Access-Control-Expose-Headers", HeaderSessionID)
		}
		c.Writer.Header().Set("Access-Control-Allow-Headers", strings.Join([]string{
			"Content-Type", HeaderSessionID, HeaderNavigation, HeaderInitData,
		}, ", "))
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) originAllowed(origin string) bool {
	if origin == "" {
		return false
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
