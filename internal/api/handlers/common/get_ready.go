package common

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/basin-global/terroir/internal/api"
)

// GetReady reports whether all server components are initialized. It does
// not call out to collaborators; use /-/healthy for that.
func GetReady(s *api.Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !s.Ready() {
			return c.String(521, "Not ready.")
		}

		return c.String(http.StatusOK, "Ready.")
	}
}
