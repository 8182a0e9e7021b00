// Package server exposes the orchestrator over HTTP: conversation CRUD,
// server-sent-event streaming of generation snapshots, cancellation, and
// status/metrics endpoints.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/duetchat/duet/ai/metrics"
	"github.com/duetchat/duet/chat"
	"github.com/duetchat/duet/internal/profile"
	"github.com/duetchat/duet/internal/version"
)

// BackendProber checks reachability of the configured model backend.
type BackendProber interface {
	Probe(ctx context.Context) error
}

type Server struct {
	e *echo.Echo

	profile      *profile.Profile
	orchestrator *chat.Orchestrator
	prober       BackendProber
	exporter     *metrics.PrometheusExporter
}

// NewServer wires the HTTP surface. prober and exporter may be nil; a nil
// exporter disables the /metrics endpoint.
func NewServer(p *profile.Profile, orchestrator *chat.Orchestrator, prober BackendProber, exporter *metrics.PrometheusExporter) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		e:            e,
		profile:      p,
		orchestrator: orchestrator,
		prober:       prober,
		exporter:     exporter,
	}

	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(requestLogger())
	e.Use(rateLimiter(20, 40))

	s.registerRoutes(e)
	return s
}

func (s *Server) registerRoutes(e *echo.Echo) {
	apiV1 := e.Group("/api/v1")

	apiV1.GET("/status", s.handleStatus)

	apiV1.POST("/conversations", s.handleCreateConversation)
	apiV1.GET("/conversations", s.handleListConversations)
	apiV1.GET("/conversations/:id", s.handleGetConversation)
	apiV1.DELETE("/conversations/:id", s.handleDeleteConversation)

	apiV1.POST("/conversations/:id/messages", s.handleSendMessage)
	apiV1.POST("/conversations/:id/cancel", s.handleCancelGeneration)

	if s.exporter != nil {
		e.GET("/metrics", echo.WrapHandler(s.exporter.Handler()))
	}
}

// Start serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.profile.Addr, s.profile.Port)

	errChan := make(chan error, 1)
	go func() {
		slog.Info("server: listening", "addr", addr, "version", version.GetCurrentVersion(s.profile.Mode))
		if err := s.e.Start(addr); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	slog.Info("server: stopped")
	return nil
}

// Echo exposes the underlying router, mainly for tests.
func (s *Server) Echo() *echo.Echo {
	return s.e
}

func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
			}
			if v.Error != nil {
				attrs = append(attrs, "error", v.Error)
				slog.Error("server: request failed", attrs...)
			} else {
				slog.Debug("server: request", attrs...)
			}
			return nil
		},
	})
}

// rateLimiter applies a process-wide token bucket. Streaming endpoints hold
// connections open, so the limit only gates request admission.
func rateLimiter(rps rate.Limit, burst int) echo.MiddlewareFunc {
	limiter := rate.NewLimiter(rps, burst)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !limiter.Allow() {
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
