package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/livinlefevreloca/storesync/internal/models"
)

func (s *Server) getSettings(c echo.Context) error {
	settings, err := s.engine.Settings()
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, settings)
}

func (s *Server) updateSettings(c echo.Context) error {
	var settings models.Settings
	if err := c.Bind(&settings); err != nil {
		return err
	}

	updated, err := s.engine.UpdateSettings(settings)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, updated)
}

func (s *Server) listStores(c echo.Context) error {
	return c.JSON(http.StatusOK, s.engine.Stores.Stores())
}

type healthResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func (s *Server) health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	if err := s.engine.Health(ctx); err != nil {
		return c.JSON(http.StatusServiceUnavailable, healthResponse{Status: "unhealthy", Message: err.Error()})
	}
	return c.JSON(http.StatusOK, healthResponse{Status: "healthy"})
}
