package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/livinlefevreloca/storesync/internal/mapping"
	"github.com/livinlefevreloca/storesync/internal/models"
)

func (s *Server) listMappings(c echo.Context) error {
	var filter models.MappingFilter
	var syncType string
	if err := echo.QueryParamsBinder(c).
		String("sourceStoreId", &filter.SourceStoreID).
		String("targetStoreId", &filter.TargetStoreID).
		String("syncType", &syncType).
		BindError(); err != nil {
		return err
	}
	filter.SyncType = models.SyncType(syncType)

	mappings, err := s.engine.Mappings.List(filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, mappings)
}

type createMappingRequest struct {
	models.Mapping

	// Override repoints an existing mapping of the same key to the new target entity
	Override bool `json:"override"`
}

// createMapping lets an operator pair entities by hand. Re-posting an identical
// mapping is a no-op answered with 200.
func (s *Server) createMapping(c echo.Context) error {
	var req createMappingRequest
	if err := c.Bind(&req); err != nil {
		return err
	}

	m := req.Mapping
	m.ID = ""
	m.LastSyncedHash = ""
	if verr := models.Validate(m); verr != nil {
		return verr
	}

	stored, written, err := s.engine.Mappings.Upsert(m, mapping.UpsertOptions{Override: req.Override})
	if err != nil {
		return err
	}

	code := http.StatusOK
	if written {
		code = http.StatusCreated
	}
	return c.JSON(code, stored)
}

func (s *Server) deleteMapping(c echo.Context) error {
	if err := s.engine.Mappings.Delete(c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
