package router

import (
	"net/http"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/basin-global/terroir/internal/api"
	"github.com/basin-global/terroir/internal/api/handlers/accounts"
	"github.com/basin-global/terroir/internal/api/handlers/common"
	"github.com/basin-global/terroir/internal/api/handlers/transactions"
	"github.com/basin-global/terroir/internal/api/httperrors"
)

// Init attaches middleware and routes to the server's echo instance.
func Init(s *api.Server) {
	s.Echo = echo.New()
	s.Echo.HideBanner = true
	s.Echo.HTTPErrorHandler = errorHandler(s)

	registry := s.Registry
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	s.Echo.Use(echomiddleware.Recover())
	s.Echo.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Subsystem:  "terroir",
		Registerer: registry,
	}))
	s.Echo.Use(requestLogger())

	// management
	s.Echo.GET("/-/ready", common.GetReady(s))
	s.Echo.GET("/-/healthy", common.GetHealthy(s))
	s.Echo.GET("/metrics", echoprometheus.NewHandler())

	// api
	v1 := s.Echo.Group("/api/v1")
	v1.POST("/transactions", transactions.PostTransaction(s))
	v1.POST("/accounts", accounts.PostAccount(s))
}

func errorHandler(s *api.Server) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var httpErr *httperrors.HTTPError
		if !errors.As(err, &httpErr) {
			var echoErr *echo.HTTPError
			if errors.As(err, &echoErr) {
				httpErr = httperrors.New(echoErr.Code, http.StatusText(echoErr.Code), "")
			} else {
				httpErr = httperrors.FromDomain(err)
			}
		}

		if httpErr.Code == http.StatusInternalServerError && s.Config.Echo.HideInternalServerErrorDetails {
			httpErr.Detail = ""
		}

		if jsonErr := c.JSON(httpErr.Code, httpErr); jsonErr != nil {
			log.Error().Err(jsonErr).Msg("Failed to write error response")
		}
	}
}

func requestLogger() echo.MiddlewareFunc {
	return echomiddleware.RequestLoggerWithConfig(echomiddleware.RequestLoggerConfig{
		LogStatus: true,
		LogURI:    true,
		LogMethod: true,
		LogError:  true,
		LogValuesFunc: func(c echo.Context, v echomiddleware.RequestLoggerValues) error {
			evt := log.Info()
			if v.Error != nil || v.Status >= http.StatusInternalServerError {
				evt = log.Error().Err(v.Error)
			}
			evt.
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Msg("Request handled")
			return nil
		},
	})
}
