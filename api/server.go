// Package api exposes the engine over HTTP: document submission and
// status, vector search, alert management, prometheus metrics, and the
// monitoring websocket. Requests pass through the validation front door
// before any handler runs.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"krai.services/engine/alerts"
	"krai.services/engine/common"
	"krai.services/engine/config"
	"krai.services/engine/db"
	"krai.services/engine/monitor"
	"krai.services/engine/queue"
	"krai.services/engine/realtime"
	"krai.services/engine/tracker"
	"krai.services/engine/validation"
	"krai.services/engine/version"
)

// DocumentRunner starts pipeline processing for an accepted document.
type DocumentRunner interface {
	ProcessDocument(ctx context.Context, documentID string) error
}

// Deps are the collaborators the HTTP surface is wired to. Ingest and
// Runner are alternatives: when an AMQP bridge is configured submission
// publishes an event, otherwise the runner is invoked directly.
type Deps struct {
	Port    db.Port
	Monitor *monitor.Service
	Alerts  *alerts.Service
	Hub     *realtime.Hub
	Tracker *tracker.Tracker
	Runner  DocumentRunner
	Ingest  queue.IngestPublisher
	Tokens  *TokenService
}

// Server is the engine's HTTP front end.
type Server struct {
	echo     *echo.Echo
	cfg      config.ServerConfig
	security config.SecurityConfig
	deps     Deps
	logger   *logrus.Entry

	// uploadDir receives submitted files before the pipeline picks
	// them up.
	uploadDir string
}

// NewServer builds the echo server with the standard middleware chain
// and all routes registered.
func NewServer(cfg config.ServerConfig, security config.SecurityConfig, deps Deps, uploadDir string) *Server {
	s := &Server{
		cfg:       cfg,
		security:  security,
		deps:      deps,
		logger:    common.ComponentLogger("api"),
		uploadDir: uploadDir,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Debug = cfg.Debug
	e.HTTPErrorHandler = s.errorHandler

	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "[${time_rfc3339}] ${status} ${method} ${uri} (${latency_human})\n",
	}))
	e.Use(middleware.Recover())
	if security.MaxRequestMB > 0 {
		e.Use(middleware.BodyLimit(fmt.Sprintf("%dM", security.MaxRequestMB)))
	}
	if len(cfg.AllowedOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: cfg.AllowedOrigins,
			AllowMethods: []string{
				http.MethodGet,
				http.MethodPost,
				http.MethodPut,
				http.MethodDelete,
				http.MethodPatch,
				http.MethodOptions,
			},
			AllowHeaders: []string{
				echo.HeaderOrigin,
				echo.HeaderContentType,
				echo.HeaderAccept,
				echo.HeaderAuthorization,
			},
		}))
	}
	e.Use(middleware.RequestID())
	if cfg.RateLimit > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(
			rate.Limit(cfg.RateLimit),
		)))
	}

	s.echo = e
	s.registerRoutes()
	return s
}

// Echo exposes the underlying router for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	e := s.echo

	e.GET("/health", s.handleHealth)
	e.GET("/ready", s.handleReady)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.POST("/auth/token", s.handleGenerateToken)
	e.GET("/ws/monitoring", s.handleMonitoringSocket)

	v1 := e.Group("/api/v1", validation.Middleware(s.security))
	v1.POST("/documents", s.handleSubmitDocument)
	v1.GET("/documents/:id", s.handleGetDocument)
	v1.GET("/documents/:id/progress", s.handleGetProgress)
	v1.POST("/search", s.handleSearch)

	v1.GET("/alerts", s.handleListAlerts)
	v1.POST("/alerts/:id/acknowledge", s.handleAcknowledgeAlert)
	v1.DELETE("/alerts/:id", s.handleDismissAlert)
	v1.GET("/alerts/rules", s.handleListRules)
	v1.POST("/alerts/rules", s.handleAddRule)
	v1.DELETE("/alerts/rules/:name", s.handleDeleteRule)
}

// Start runs the server until Shutdown is called.
func (s *Server) Start() error {
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.logger.WithField("addr", srv.Addr).Info("Starting HTTP server")
	return s.echo.StartServer(srv)
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.echo.Shutdown(ctx)
}

// Envelope is the standard response wrapper.
type Envelope struct {
	Data             interface{} `json:"data"`
	TotalCount       *int        `json:"total_count,omitempty"`
	ProcessingTimeMs *float64    `json:"processing_time_ms,omitempty"`
}

func envelope(data interface{}) Envelope {
	return Envelope{Data: data}
}

func envelopeList(data interface{}, total int, elapsed time.Duration) Envelope {
	ms := float64(elapsed.Microseconds()) / 1000.0
	return Envelope{Data: data, TotalCount: &total, ProcessingTimeMs: &ms}
}

// ErrorResponse is the body for non-validation failures.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// errorHandler renders validation rejections in their canonical body and
// everything else as a plain error envelope.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	if verr, ok := err.(*validation.Error); ok {
		if jsonErr := c.JSON(verr.Status, verr); jsonErr != nil {
			s.logger.WithError(jsonErr).Error("Failed to write validation error response")
		}
		return
	}

	code := http.StatusInternalServerError
	message := err.Error()
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		if msg, ok := he.Message.(string); ok {
			message = msg
		}
	}

	if code >= http.StatusInternalServerError {
		s.logger.WithError(err).WithField("path", c.Path()).Error("Request failed")
	}

	writeErr := c.JSON(code, ErrorResponse{
		Error:   http.StatusText(code),
		Message: message,
	})
	if writeErr != nil {
		s.logger.WithError(writeErr).Error("Failed to write error response")
	}
}

// HealthResponse reports service liveness and component detail.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Service string                 `json:"service"`
	Version string                 `json:"version"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (s *Server) handleHealth(c echo.Context) error {
	details := map[string]interface{}{}
	status := "healthy"

	if err := s.deps.Port.Ping(c.Request().Context()); err != nil {
		details["database"] = "unreachable"
		status = "degraded"
	} else {
		details["database"] = "ok"
	}
	if s.deps.Tracker != nil && s.deps.Tracker.Degraded() {
		details["tracker"] = "degraded"
	}

	return c.JSON(http.StatusOK, HealthResponse{
		Status:  status,
		Service: "krai-engine",
		Version: version.EngineVersion(),
		Details: details,
	})
}

func (s *Server) handleReady(c echo.Context) error {
	if err := s.deps.Port.Ping(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:   "not ready",
			Message: "database unreachable",
		})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
}

// TokenRequest asks for a signed API token.
type TokenRequest struct {
	UserID      string   `json:"user_id"`
	Permissions []string `json:"permissions"`
}

// TokenResponse carries the issued token.
type TokenResponse struct {
	Token string `json:"token"`
}

func (s *Server) handleGenerateToken(c echo.Context) error {
	var req TokenRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
	}
	if req.UserID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id is required")
	}

	token, err := s.deps.Tokens.GenerateToken(req.UserID, req.Permissions)
	if err != nil {
		return fmt.Errorf("failed to generate token: %w", err)
	}
	return c.JSON(http.StatusOK, TokenResponse{Token: token})
}
