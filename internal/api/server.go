// Package api serves the engine over JSON/HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/livinlefevreloca/storesync/internal/engine"
	"github.com/livinlefevreloca/storesync/internal/models"
)

// Server is the HTTP front of an engine
type Server struct {
	engine *engine.Engine
	echo   *echo.Echo
	logger *slog.Logger
}

// NewServer builds the router. It does not listen until Start.
func NewServer(eng *engine.Engine, logger *slog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{engine: eng, echo: e, logger: logger}

	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	e.Use(requestLogger(logger))

	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo

	// Rules
	e.POST("/sync/rules", s.createRule)
	e.GET("/sync/rules", s.listRules)
	e.GET("/sync/rules/:id", s.getRule)
	e.PUT("/sync/rules/:id", s.updateRule)
	e.DELETE("/sync/rules/:id", s.deleteRule)
	e.PUT("/sync/rules/:id/toggle", s.toggleRule)

	// Execution
	e.POST("/sync/rules/:id/run", s.runRule)
	e.POST("/sync/rules/run-all", s.runAll)
	e.POST("/sync/rules/:id/stop", s.stopRule)
	e.GET("/sync/rules/:id/status", s.ruleStatus)
	e.GET("/sync/status", s.status)

	// Logs
	e.GET("/sync/logs", s.listLogs)
	e.GET("/sync/logs/export", s.exportLogs)
	e.GET("/sync/logs/:id", s.getLog)
	e.GET("/sync/logs/:id/items", s.logItems)
	e.DELETE("/sync/logs", s.clearLogs)

	// Mappings
	e.GET("/product-mappings", s.listMappings)
	e.POST("/product-mappings", s.createMapping)
	e.DELETE("/product-mappings/:id", s.deleteMapping)

	// Conflicts
	e.GET("/sync/conflicts", s.listConflicts)
	e.GET("/sync/conflicts/:id", s.getConflict)
	e.POST("/sync/conflicts/:id/resolve", s.resolveConflict)

	// Settings
	e.GET("/sync/settings", s.getSettings)
	e.PUT("/sync/settings", s.updateSettings)

	// Stores
	e.GET("/stores", s.listStores)

	// Operational
	e.GET("/healthz", s.health)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr until Shutdown
func (s *Server) Start(addr string) error {
	s.logger.Info("http api listening", "address", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// =============================================================================
// Errors
// =============================================================================

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Message    string             `json:"message"`
	RequestID  string             `json:"requestId,omitempty"`
	Violations []models.Violation `json:"violations,omitempty"`
}

// statusOf maps the error taxonomy onto HTTP status codes
func statusOf(err error) int {
	var (
		verr       *models.ValidationError
		bindErr    *echo.BindingError
		httpErr    *echo.HTTPError
		inactive   *models.RuleNotActiveError
		running    *models.AlreadyRunningError
		mappingErr *models.MappingConflictError
		resolved   *models.ConflictNotPendingError
	)
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case models.IsNotFound(err):
		return http.StatusNotFound
	case errors.As(err, &inactive), errors.As(err, &running), errors.As(err, &mappingErr),
		errors.As(err, &resolved), errors.Is(err, models.ErrRuleNotRunning):
		return http.StatusConflict
	case errors.As(err, &bindErr):
		return bindErr.Code
	case errors.As(err, &httpErr):
		return httpErr.Code
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		s.logger.Error("error after response was committed", "error", err, "path", c.Path())
		return
	}

	code := statusOf(err)
	resp := ErrorResponse{
		Message:   err.Error(),
		RequestID: c.Response().Header().Get(echo.HeaderXRequestID),
	}

	var verr *models.ValidationError
	var bindErr *echo.BindingError
	var httpErr *echo.HTTPError
	switch {
	case errors.As(err, &verr):
		resp.Message = "validation failed"
		resp.Violations = verr.Violations
	case errors.As(err, &bindErr):
		resp.Message = "invalid value for " + bindErr.Field
	case errors.As(err, &httpErr):
		if msg, ok := httpErr.Message.(string); ok {
			resp.Message = msg
		}
	case code == http.StatusInternalServerError:
		s.logger.Error("request failed", "error", err, "method", c.Request().Method, "path", c.Path())
		resp.Message = "internal server error"
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = c.JSON(code, resp)
}

// =============================================================================
// Middleware
// =============================================================================

// requestLogger assigns a request ID and logs one record per request
func requestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			req := c.Request()
			res := c.Response()
			start := time.Now()

			id := req.Header.Get(echo.HeaderXRequestID)
			if id == "" {
				id = uuid.New().String()
			}
			res.Header().Set(echo.HeaderXRequestID, id)

			if err = next(c); err != nil {
				c.Error(err)
			}

			level := slog.LevelInfo
			if res.Status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			logger.Log(req.Context(), level, "request",
				"request_id", id,
				"method", req.Method,
				"route", c.Path(),
				"uri", req.RequestURI,
				"status", res.Status,
				"remote_ip", c.RealIP(),
				"response_time", time.Since(start),
				"response_size", res.Size)

			return nil
		}
	}
}
