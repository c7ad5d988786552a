package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/livinlefevreloca/storesync/internal/models"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// bindLogFilter reads ruleId, status, from, to, limit and offset. Times are RFC 3339.
func bindLogFilter(c echo.Context) (models.LogFilter, error) {
	var (
		filter models.LogFilter
		status string
	)
	err := echo.QueryParamsBinder(c).
		String("ruleId", &filter.RuleID).
		String("status", &status).
		Time("from", &filter.From, time.RFC3339).
		Time("to", &filter.To, time.RFC3339).
		Int("limit", &filter.Limit).
		Int("offset", &filter.Offset).
		BindError()
	if err != nil {
		return filter, err
	}
	filter.Status = models.RunStatus(status)

	verr := &models.ValidationError{}
	if filter.Limit < 0 {
		verr.Add("limit", "must not be negative")
	}
	if filter.Offset < 0 {
		verr.Add("offset", "must not be negative")
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && !filter.From.Before(filter.To) {
		verr.Add("to", "must be after from")
	}
	if verr.HasViolations() {
		return filter, verr
	}
	return filter, nil
}

func (s *Server) listLogs(c echo.Context) error {
	filter, err := bindLogFilter(c)
	if err != nil {
		return err
	}
	if filter.Limit == 0 {
		filter.Limit = defaultPageSize
	}
	if filter.Limit > maxPageSize {
		filter.Limit = maxPageSize
	}

	page, err := s.engine.Tracker.List(filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, page)
}

func (s *Server) getLog(c echo.Context) error {
	l, err := s.engine.Tracker.Get(c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, l)
}

func (s *Server) logItems(c echo.Context) error {
	items, err := s.engine.Tracker.Items(c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, items)
}

func (s *Server) exportLogs(c echo.Context) error {
	filter, err := bindLogFilter(c)
	if err != nil {
		return err
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/csv; charset=utf-8")
	res.Header().Set(echo.HeaderContentDisposition, `attachment; filename="sync-logs.csv"`)
	res.WriteHeader(http.StatusOK)

	return s.engine.Tracker.ExportCSV(res, filter)
}

type clearResponse struct {
	Deleted int64 `json:"deleted"`
}

// clearLogs deletes finished logs, optionally for one rule and/or started before a time
func (s *Server) clearLogs(c echo.Context) error {
	var filter models.LogFilter
	if err := echo.QueryParamsBinder(c).
		String("ruleId", &filter.RuleID).
		Time("before", &filter.To, time.RFC3339).
		BindError(); err != nil {
		return err
	}

	n, err := s.engine.Tracker.Clear(filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, clearResponse{Deleted: n})
}
