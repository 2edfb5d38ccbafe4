package common

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/basin-global/terroir/internal/api"
)

const healthCheckTimeout = 5 * time.Second

// GetHealthy probes the chain RPC and custody backend.
func GetHealthy(s *api.Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), healthCheckTimeout)
		defer cancel()

		if _, err := s.Chain.LatestHeader(ctx); err != nil {
			log.Warn().Err(err).Msg("Health check: chain RPC unreachable")
			return c.String(521, "Chain RPC unreachable.")
		}

		if err := s.Custody.Healthy(ctx); err != nil {
			log.Warn().Err(err).Msg("Health check: custody backend unreachable")
			return c.String(521, "Custody backend unreachable.")
		}

		return c.String(http.StatusOK, "Healthy.")
	}
}
