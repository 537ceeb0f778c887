// Package ops serves the operational HTTP surface: health and metrics.
// There is no admin API here; registries are maintained elsewhere.
package ops

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Server is a small echo instance carrying /health and /metrics.
type Server struct {
	e    *echo.Echo
	port int
	log  zerolog.Logger
}

func NewServer(port int, health, metrics echo.HandlerFunc, log zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	opsLog := log.With().Str("component", "ops").Logger()
	e.Use(recovery(opsLog))
	e.Use(requestLogger(opsLog))

	e.GET("/health", health)
	e.GET("/metrics", metrics)

	return &Server{e: e, port: port, log: opsLog}
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	s.log.Info().Int("port", s.port).Msg("ops server listening")
	err := s.e.Start(fmt.Sprintf(":%d", s.port))
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

func recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					var stack [4096]byte
					n := runtime.Stack(stack[:], false)
					logger.Error().
						Str("panic", fmt.Sprintf("%v", r)).
						Str("stack", string(stack[:n])).
						Msg("panic recovered")
					err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
				}
			}()
			return next(c)
		}
	}
}

func requestLogger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			evt := logger.Debug()
			if err != nil {
				evt = logger.Error().Err(err)
			}
			evt.
				Str("method", c.Request().Method).
				Str("path", c.Request().URL.Path).
				Int("status", c.Response().Status).
				Dur("latency", time.Since(start)).
				Msg("request")
			return err
		}
	}
}
