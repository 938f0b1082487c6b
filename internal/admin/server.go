// Package admin serves the HTTP side of a node: health, status reports and metrics.
package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/wehubfusion/dpe/pkg/dpe"
)

// Server exposes a node over HTTP.
type Server struct {
	addr   string
	node   *dpe.Node
	logger *zap.Logger
	e      *echo.Echo
}

// New builds the server. Nothing listens until Start.
func New(addr string, node *dpe.Node, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{addr: addr, node: node, logger: logger}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(s.logRequests)

	e.GET("/healthz", s.health)
	e.GET("/report", s.report)
	e.GET("/runtime", s.runtime)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(node.Metrics().Registry(), promhttp.HandlerOpts{})))

	s.e = e
	return s
}

// Handler returns the routes, for tests and for embedding in another server.
func (s *Server) Handler() http.Handler {
	return s.e
}

// Start listens on the configured address until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("Admin server listening", zap.String("addr", s.addr))
	if err := s.e.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for running ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

func (s *Server) health(c echo.Context) error {
	select {
	case <-s.node.Done():
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "stopped"})
	default:
	}
	return c.JSON(http.StatusOK, s.node.Alive())
}

func (s *Server) report(c echo.Context) error {
	return c.JSON(http.StatusOK, s.node.Report())
}

func (s *Server) runtime(c echo.Context) error {
	return c.JSON(http.StatusOK, s.node.Runtime())
}

// logRequests records server-side latency.
func (s *Server) logRequests(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		begin := time.Now()
		err := next(c)
		s.logger.Debug("Admin request",
			zap.String("method", c.Request().Method),
			zap.String("path", c.Request().URL.Path),
			zap.Int("status", c.Response().Status),
			zap.Duration("elapsed", time.Since(begin)),
			zap.Error(err))
		return err
	}
}
