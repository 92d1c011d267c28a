package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noetl/noetl/internal/vars"
	"github.com/noetl/noetl/pkg/api"
)

var ErrVariableName = errors.New("variable name is required")

func (s *Server) listVariables(c *gin.Context) {
	executionID, ok := pathID(c, "executionID")
	if !ok {
		return
	}

	list, err := s.deps.Vars.List(c.Request.Context(), executionID)
	if err != nil {
		abortError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"variables": list,
		"count":     len(list),
	})
}

func (s *Server) getVariable(c *gin.Context) {
	executionID, ok := pathID(c, "executionID")
	if !ok {
		return
	}

	v, err := s.deps.Vars.Get(
		c.Request.Context(), executionID, c.Param("name"),
	)
	if errors.Is(err, vars.ErrNotFound) {
		abortError(c, http.StatusNotFound, err)
		return
	}
	if err != nil {
		abortError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) setVariable(c *gin.Context) {
	executionID, ok := pathID(c, "executionID")
	if !ok {
		return
	}

	var req api.SetVariableRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, ErrInvalidJSON)
		return
	}
	if req.Name == "" {
		abortError(c, http.StatusBadRequest, ErrVariableName)
		return
	}

	err := s.deps.Vars.Set(
		c.Request.Context(), executionID, req.Name, req.Value,
		req.Type, req.SourceStep,
	)
	if err != nil {
		abortError(c, http.StatusInternalServerError, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) deleteVariable(c *gin.Context) {
	executionID, ok := pathID(c, "executionID")
	if !ok {
		return
	}

	err := s.deps.Vars.Delete(
		c.Request.Context(), executionID, c.Param("name"),
	)
	if errors.Is(err, vars.ErrNotFound) {
		abortError(c, http.StatusNotFound, err)
		return
	}
	if err != nil {
		abortError(c, http.StatusInternalServerError, err)
		return
	}
	c.Status(http.StatusNoContent)
}
