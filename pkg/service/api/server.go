package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/keepr/pkg/adapter"
	"github.com/m-mizutani/keepr/pkg/metrics"
	"github.com/m-mizutani/keepr/pkg/model"
	"github.com/m-mizutani/keepr/pkg/usecase/chat"
	"github.com/m-mizutani/keepr/pkg/usecase/memory"
	"github.com/m-mizutani/keepr/pkg/usecase/search"
	"github.com/m-mizutani/keepr/pkg/utils/logging"
)

const defaultMaxUploadSize = 10 << 20

// Server exposes memories, search and chat over JSON HTTP
type Server struct {
	echo *echo.Echo

	memory  *memory.UseCase
	search  *search.UseCase
	chat    *chat.UseCase
	manager *chat.Manager

	assets        adapter.Storage
	metrics       *metrics.Metrics
	backend       string
	maxUploadSize int64
	mcp           http.Handler
}

type Option func(*Server)

// WithAssets enables GET /api/memory/:id/image
func WithAssets(s adapter.Storage) Option {
	return func(srv *Server) {
		srv.assets = s
	}
}

// WithMetrics exposes the registry on /metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(srv *Server) {
		srv.metrics = m
	}
}

// WithBackend sets the repository name reported by the health check
func WithBackend(name string) Option {
	return func(srv *Server) {
		srv.backend = name
	}
}

// WithMCP mounts a streamable HTTP MCP endpoint on /mcp
func WithMCP(h http.Handler) Option {
	return func(srv *Server) {
		srv.mcp = h
	}
}

func WithMaxUploadSize(n int64) Option {
	return func(srv *Server) {
		srv.maxUploadSize = n
	}
}

func New(mem *memory.UseCase, srch *search.UseCase, ch *chat.UseCase, manager *chat.Manager, opts ...Option) *Server {
	s := &Server{
		echo:          echo.New(),
		memory:        mem,
		search:        srch,
		chat:          ch,
		manager:       manager,
		backend:       "memory",
		maxUploadSize: defaultMaxUploadSize,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.HTTPErrorHandler = s.handleError
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.CORS())
	s.echo.Use(s.logRequest)

	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo
	e.GET("/api/health", s.health)
	e.GET("/health", s.health)

	e.POST("/api/chat/start", s.startChat)
	e.POST("/api/chat/message", s.sendMessage)
	e.GET("/api/chat/:sessionId", s.getConversation)
	e.GET("/api/conversations", s.listConversations)

	e.GET("/api/memories", s.listMemories)
	e.POST("/api/memory/text", s.ingestText)
	e.POST("/api/memory/link", s.ingestLink)
	e.POST("/api/memory/image", s.ingestImage)
	e.GET("/api/memory/:id", s.getMemory)
	e.GET("/api/memory/:id/image", s.getImage)
	e.DELETE("/api/memory/:id", s.deleteMemory)

	e.POST("/api/search", s.searchMemories)

	if s.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}
	if s.mcp != nil {
		e.Any("/mcp", echo.WrapHandler(s.mcp))
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Run serves on addr until ctx is canceled, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		logging.From(ctx).Info("http server listening", "addr", addr)
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- goerr.Wrap(err, "http server failed", goerr.V("addr", addr))
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return goerr.Wrap(err, "failed to shutdown http server")
	}
	return <-errCh
}

func (s *Server) logRequest(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		logging.From(c.Request().Context()).Debug("http request",
			"method", c.Request().Method,
			"path", c.Path(),
			"status", c.Response().Status,
			"duration", time.Since(start))
		return err
	}
}

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func ok(c echo.Context, data any) error {
	return c.JSON(http.StatusOK, &envelope{Success: true, Data: data})
}

// handleError maps domain errors to status codes. Internal errors are logged
// and answered with a generic message.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	message := "internal server error"

	var httpErr *echo.HTTPError
	switch {
	case errors.Is(err, model.ErrValidation):
		status, message = http.StatusBadRequest, err.Error()
	case errors.Is(err, model.ErrNotFound):
		status, message = http.StatusNotFound, err.Error()
	case errors.As(err, &httpErr):
		status = httpErr.Code
		message = http.StatusText(status)
		if m, ok := httpErr.Message.(string); ok {
			message = m
		}
	}

	if status >= http.StatusInternalServerError {
		logging.From(c.Request().Context()).Error("request failed",
			"method", c.Request().Method,
			"path", c.Path(),
			"error", err)
	}

	if err := c.JSON(status, &envelope{Success: false, Error: message}); err != nil {
		logging.From(c.Request().Context()).Error("failed to write error response", "error", err)
	}
}

type healthResponse struct {
	Status   string `json:"status"`
	Backend  string `json:"backend"`
	Sessions int    `json:"sessions"`
}

func (s *Server) health(c echo.Context) error {
	return ok(c, &healthResponse{
		Status:   "ok",
		Backend:  s.backend,
		Sessions: s.manager.Len(),
	})
}
