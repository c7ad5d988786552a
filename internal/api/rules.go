package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/livinlefevreloca/storesync/internal/engine"
	"github.com/livinlefevreloca/storesync/internal/models"
	"github.com/livinlefevreloca/storesync/internal/scheduler"
)

func (s *Server) createRule(c echo.Context) error {
	var rule models.SyncRule
	if err := c.Bind(&rule); err != nil {
		return err
	}

	created, err := s.engine.CreateRule(c.Request().Context(), rule)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, created)
}

func (s *Server) listRules(c echo.Context) error {
	var status, syncType string
	filter := models.RuleFilter{}
	if err := echo.QueryParamsBinder(c).
		String("status", &status).
		String("syncType", &syncType).
		String("storeId", &filter.StoreID).
		BindError(); err != nil {
		return err
	}
	filter.Status = models.RuleStatus(status)
	filter.SyncType = models.SyncType(syncType)

	rules, err := s.engine.Rules.List(filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rules)
}

func (s *Server) getRule(c echo.Context) error {
	rule, err := s.engine.Rules.Get(c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rule)
}

func (s *Server) updateRule(c echo.Context) error {
	var patch models.RulePatch
	if err := c.Bind(&patch); err != nil {
		return err
	}

	updated, err := s.engine.UpdateRule(c.Request().Context(), c.Param("id"), patch)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, updated)
}

func (s *Server) deleteRule(c echo.Context) error {
	if err := s.engine.DeleteRule(c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) toggleRule(c echo.Context) error {
	rule, err := s.engine.ToggleRule(c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rule)
}

// =============================================================================
// Execution
// =============================================================================

// runRule blocks until the run finishes. A client that disconnects does not
// abort the run.
func (s *Server) runRule(c echo.Context) error {
	ctx := context.WithoutCancel(c.Request().Context())

	l, err := s.engine.RunNow(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, l)
}

func (s *Server) runAll(c echo.Context) error {
	resp, err := s.engine.RunAll(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, resp)
}

type stopResponse struct {
	RuleID   string `json:"ruleId"`
	Stopping bool   `json:"stopping"`
}

func (s *Server) stopRule(c echo.Context) error {
	id := c.Param("id")
	if err := s.engine.Stop(id); err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, stopResponse{RuleID: id, Stopping: true})
}

func (s *Server) ruleStatus(c echo.Context) error {
	state, err := s.engine.RuleStatus(c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, state)
}

type statusResponse struct {
	Rules     []engine.RuleState        `json:"rules"`
	Scheduler *scheduler.SchedulerStats `json:"scheduler,omitempty"`
}

func (s *Server) status(c echo.Context) error {
	states, err := s.engine.Status()
	if err != nil {
		return err
	}
	resp := statusResponse{Rules: states}

	// the loop may be busy or stopped; status is still useful without its stats
	ctx, cancel := context.WithTimeout(c.Request().Context(), time.Second)
	defer cancel()
	if stats, err := s.engine.Scheduler.Stats(ctx); err == nil {
		resp.Scheduler = &stats.SchedulerStats
	}

	return c.JSON(http.StatusOK, resp)
}
