package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/livinlefevreloca/storesync/internal/models"
)

func (s *Server) listConflicts(c echo.Context) error {
	var filter models.ConflictFilter
	var state string
	if err := echo.QueryParamsBinder(c).
		String("state", &state).
		String("ruleId", &filter.RuleID).
		BindError(); err != nil {
		return err
	}
	filter.State = models.ConflictState(state)

	conflicts, err := s.engine.Conflicts.List(filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, conflicts)
}

func (s *Server) getConflict(c echo.Context) error {
	conflict, err := s.engine.Conflicts.Get(c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, conflict)
}

type resolveRequest struct {
	Resolution models.ConflictPolicy `json:"resolution"`
	ManualData *models.Entity        `json:"manualData,omitempty"`
}

func (s *Server) resolveConflict(c echo.Context) error {
	var req resolveRequest
	if err := c.Bind(&req); err != nil {
		return err
	}

	resolved, err := s.engine.Conflicts.Resolve(c.Request().Context(), c.Param("id"), req.Resolution, req.ManualData)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resolved)
}
