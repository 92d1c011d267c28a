package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noetl/noetl/internal/catalog"
	"github.com/noetl/noetl/pkg/api"
	logattr "github.com/noetl/noetl/pkg/log"
)

var ErrContentRequired = errors.New("playbook content is required")

func (s *Server) registerPlaybook(c *gin.Context) {
	var req api.RegisterPlaybookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, ErrInvalidJSON)
		return
	}
	if req.Content == "" {
		abortError(c, http.StatusBadRequest, ErrContentRequired)
		return
	}

	entry, err := s.deps.Catalog.Register(
		c.Request.Context(), []byte(req.Content),
	)
	if err != nil {
		abortError(c, http.StatusBadRequest, err)
		return
	}

	s.deps.Logger.Info("playbook registered",
		logattr.CatalogID(entry.CatalogID),
		slog.String("path", entry.Path),
		slog.Int("version", entry.Version),
	)
	c.JSON(http.StatusCreated, api.RegisterPlaybookResponse{
		CatalogID: entry.CatalogID,
		Name:      entry.Name,
		Version:   strconv.Itoa(entry.Version),
	})
}

func (s *Server) listPlaybooks(c *gin.Context) {
	entries, err := s.deps.Catalog.List(c.Request.Context())
	if err != nil {
		abortError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"playbooks": entries,
		"count":     len(entries),
	})
}

func (s *Server) getPlaybook(c *gin.Context) {
	catalogID, ok := pathID(c, "catalogID")
	if !ok {
		return
	}

	entry, err := s.deps.Catalog.Lookup(c.Request.Context(), catalogID)
	if errors.Is(err, catalog.ErrNotFound) {
		abortError(c, http.StatusNotFound, err)
		return
	}
	if err != nil {
		abortError(c, http.StatusInternalServerError, err)
		return
	}

	c.Header("Content-Type", "application/x-yaml")
	c.String(http.StatusOK, entry.Content)
}
