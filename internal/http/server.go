// Package http exposes the failure intelligence service over a JSON API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Service202508/BattwheelsGarages-sub003/internal/failure"
	"github.com/Service202508/BattwheelsGarages-sub003/internal/logging"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Headers the API reads for log correlation.
const (
	HeaderTicketID     = "X-Ticket-Id"
	HeaderTechnicianID = "X-Technician-Id"
)

// FailureService is the subset of *failure.Service served over HTTP.
type FailureService interface {
	Match(ctx context.Context, req *failure.MatchRequest) (*failure.MatchResponse, error)
	MatchTicketToFailures(ctx context.Context, ticketID string) (*failure.MatchResponse, error)
	CreateCard(ctx context.Context, req *failure.CreateCardRequest) (*failure.Card, error)
	GetCard(ctx context.Context, failureID string) (*failure.Card, error)
	ListCards(ctx context.Context, filter failure.CardFilter) ([]*failure.Card, error)
	UpdateCard(ctx context.Context, failureID string, req *failure.UpdateCardRequest) (*failure.Card, error)
	ApproveCard(ctx context.Context, failureID, approvedBy, notes string) (*failure.Card, error)
	DeprecateCard(ctx context.Context, failureID, reason, deprecatedBy string) (*failure.Card, error)
	GetConfidenceHistory(ctx context.Context, failureID string) ([]failure.ConfidenceEntry, error)
	RecordTechnicianAction(ctx context.Context, req *failure.RecordActionRequest) (*failure.TechnicianAction, error)
	RecordPartUsage(ctx context.Context, req *failure.RecordPartUsageRequest) (*failure.PartUsage, error)
	AnalyticsOverview(ctx context.Context) (*failure.AnalyticsOverview, error)
}

// TicketWriter stores tickets so they can be matched by id.
type TicketWriter interface {
	UpsertTicket(ctx context.Context, ticket *failure.Ticket) error
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// RateLimit is requests per second per client IP. 0 disables limiting.
	RateLimit float64
	// Burst defaults to twice the rate, at least 1.
	Burst int

	Version string
}

// Option configures optional server dependencies.
type Option func(*Server)

// WithMatchCache enables POST /api/v1/match/metadata.
func WithMatchCache(cache failure.MatchCache) Option {
	return func(s *Server) { s.cache = cache }
}

// WithTicketWriter enables PUT /api/v1/tickets/:id.
func WithTicketWriter(w TicketWriter) Option {
	return func(s *Server) { s.tickets = w }
}

// WithHealthCheck adds a named dependency check to GET /health.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) { s.checks[name] = check }
}

// WithMetrics overrides the request metrics recorder.
func WithMetrics(m *HTTPMetrics) Option {
	return func(s *Server) { s.metrics = m }
}

// Server serves the API.
type Server struct {
	echo    *echo.Echo
	svc     FailureService
	cache   failure.MatchCache
	tickets TicketWriter
	checks  map[string]HealthCheck
	metrics *HTTPMetrics
	logger  *zap.Logger
	config  *Config
}

// NewServer creates a server and registers all routes.
func NewServer(svc FailureService, logger *zap.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if svc == nil {
		return nil, errors.New("failure service cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "127.0.0.1", Port: 8420}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:   e,
		svc:    svc,
		checks: make(map[string]HealthCheck),
		logger: logger,
		config: cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewHTTPMetrics(logger)
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(requestContext())
	e.Use(s.metrics.MetricsMiddleware())
	e.Use(s.requestLogger())
	if cfg.RateLimit > 0 {
		e.Use(s.rateLimiter())
	}

	s.registerRoutes()
	return s, nil
}

// requestContext carries the request id, correlation headers and any
// incoming W3C trace context into the request's context.
func requestContext() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx := otel.GetTextMapPropagator().Extract(req.Context(), propagation.HeaderCarrier(req.Header))
			ctx = logging.WithRequestID(ctx, c.Response().Header().Get(echo.HeaderXRequestID))
			ctx = logging.WithTicketID(ctx, req.Header.Get(HeaderTicketID))
			ctx = logging.WithTechnicianID(ctx, req.Header.Get(HeaderTechnicianID))
			c.SetRequest(req.WithContext(ctx))
			return next(c)
		}
	}
}

func (s *Server) requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				// Let the error handler set the final status before logging.
				c.Error(err)
			}

			fields := append(logging.ContextFields(c.Request().Context()),
				zap.String("method", c.Request().Method),
				zap.String("route", c.Path()),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			if c.Response().Status >= http.StatusInternalServerError {
				s.logger.Error("http request", append(fields, zap.Error(err))...)
			} else {
				s.logger.Info("http request", fields...)
			}
			return nil
		}
	}
}

func (s *Server) rateLimiter() echo.MiddlewareFunc {
	burst := s.config.Burst
	if burst <= 0 {
		burst = max(1, int(2*s.config.RateLimit))
	}
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/health" || c.Path() == "/metrics"
		},
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(s.config.RateLimit),
			Burst:     burst,
			ExpiresIn: 3 * time.Minute,
		}),
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			s.logger.Warn("rate limit exceeded", zap.String("client", identifier))
			return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
		},
	})
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/match", s.handleMatch)
	v1.POST("/match/metadata", s.handleMatchMetadata)

	v1.PUT("/tickets/:id", s.handlePutTicket)
	v1.POST("/tickets/:id/match", s.handleMatchTicket)

	v1.POST("/cards", s.handleCreateCard)
	v1.GET("/cards", s.handleListCards)
	v1.GET("/cards/:id", s.handleGetCard)
	v1.PATCH("/cards/:id", s.handleUpdateCard)
	v1.POST("/cards/:id/approve", s.handleApproveCard)
	v1.POST("/cards/:id/deprecate", s.handleDeprecateCard)
	v1.GET("/cards/:id/confidence-history", s.handleConfidenceHistory)

	v1.POST("/actions", s.handleRecordAction)
	v1.POST("/parts/usage", s.handleRecordPartUsage)

	v1.GET("/analytics/overview", s.handleAnalytics)
}

// Handler returns the server's http.Handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until Shutdown. It returns http.ErrServerClosed after a
// graceful shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
