package observability

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
)

// MetricsServer serves /metrics and /healthz.
type MetricsServer struct {
	echo   *echo.Echo
	addr   string
	logger zerolog.Logger
}

// NewMetricsServer builds the metrics endpoint without starting it.
func NewMetricsServer(addr string, logger zerolog.Logger) *MetricsServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	e.GET("/metrics", echo.WrapHandler(MetricsHandler()))
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	return &MetricsServer{
		echo:   e,
		addr:   addr,
		logger: logger.With().Str("component", "metrics_server").Logger(),
	}
}

// Handler exposes the routes for in-process use.
func (s *MetricsServer) Handler() http.Handler {
	return s.echo
}

// Start listens in the background. Listen errors are logged.
func (s *MetricsServer) Start() {
	go func() {
		if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Str("addr", s.addr).Msg("Metrics server failed")
		}
	}()
	s.logger.Info().Str("addr", s.addr).Msg("Metrics server started")
}

// Shutdown stops the server, waiting up to five seconds for requests.
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.echo.Shutdown(ctx)
}
