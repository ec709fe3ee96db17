// Package server exposes the router over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/net/netutil"
	"golang.org/x/time/rate"

	"github.com/hrygo/divinesense-router/ai/router"
	"github.com/hrygo/divinesense-router/ai/routing"
	"github.com/hrygo/divinesense-router/internal/profile"
	"github.com/hrygo/divinesense-router/store"
)

// Router is the routing surface the server drives.
type Router interface {
	Route(ctx context.Context, utterance, sessionID string) (*router.RoutingResult, error)
	Feedback(requestID, sessionID string, signals map[string]string) bool
	ResetSession(ctx context.Context, sessionID string) (bool, error)
}

// CapabilityLister lists registered domains.
type CapabilityLister interface {
	Capabilities() []routing.CapabilityInfo
}

// FeedbackReader reads persisted feedback records.
type FeedbackReader interface {
	ListFeedbackRecords(ctx context.Context, find *store.FindFeedbackRecord) ([]*store.FeedbackRecord, error)
	GetFeedbackStats(ctx context.Context, get *store.GetFeedbackStats) (*store.FeedbackStats, error)
}

// Deps are the components behind the HTTP surface. Feedback and Metrics are
// optional.
type Deps struct {
	Router       Router
	Capabilities CapabilityLister
	Feedback     FeedbackReader
	Metrics      http.Handler
	Logger       *slog.Logger
}

type Server struct {
	echo    *echo.Echo
	profile *profile.Profile
	deps    Deps
	logger  *slog.Logger
}

// NewServer creates the echo server and registers the routes.
func NewServer(_ context.Context, profile *profile.Profile, deps Deps) (*Server, error) {
	if profile == nil {
		return nil, errors.New("server: profile is required")
	}
	if deps.Router == nil || deps.Capabilities == nil {
		return nil, errors.New("server: router and capability lister are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit("64K"))
	e.Use(requestLogger(logger))

	s := &Server{
		echo:    e,
		profile: profile,
		deps:    deps,
		logger:  logger,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.deps.Metrics))
	}

	v1 := s.echo.Group("/api/v1")
	if s.profile.RateLimit > 0 {
		v1.Use(rateLimiter(s.profile.RateLimit))
	}
	v1.POST("/route", s.handleRoute)
	v1.DELETE("/sessions/:id", s.handleResetSession)
	v1.POST("/feedback", s.handleFeedback)
	v1.GET("/feedback", s.handleListFeedback)
	v1.GET("/feedback/stats", s.handleFeedbackStats)
	v1.GET("/capabilities", s.handleCapabilities)
}

// Start listens on the profile's address and serves in the background.
func (s *Server) Start(_ context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.profile.Addr, s.profile.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	if s.profile.MaxConnections > 0 {
		listener = netutil.LimitListener(listener, s.profile.MaxConnections)
	}
	s.echo.Listener = listener

	go func() {
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped", "error", err)
		}
	}()
	s.logger.Info("http server started", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.echo.Listener == nil {
		return ""
	}
	return s.echo.Listener.Addr().String()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// ServeHTTP lets the server be driven without a listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

func requestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			logger.Debug("http request",
				"method", c.Request().Method,
				"uri", c.Request().RequestURI,
				"status", c.Response().Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", c.Response().Header().Get(echo.HeaderXRequestID))
			return nil
		}
	}
}

// rateLimiter limits each client IP to perSecond requests with a burst of
// twice that.
func rateLimiter(perSecond float64) echo.MiddlewareFunc {
	burst := int(perSecond * 2)
	if burst < 1 {
		burst = 1
	}
	st := middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(perSecond),
		Burst:     burst,
		ExpiresIn: 3 * time.Minute,
	})
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: st,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		DenyHandler: func(c echo.Context, _ string, _ error) error {
			return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
		},
	})
}
