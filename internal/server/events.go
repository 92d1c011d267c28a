package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noetl/noetl/pkg/api"
	logattr "github.com/noetl/noetl/pkg/log"
)

var (
	ErrEventExecutionID = errors.New("event requires execution_id")
	ErrEventName        = errors.New("event requires name")
)

// emitEvent is the worker-facing event intake. The engine persists the
// event and answers with the commands it produced; duplicates after a
// terminal state are dropped with an empty result
func (s *Server) emitEvent(c *gin.Context) {
	var req api.EmitEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, ErrInvalidJSON)
		return
	}
	if req.ExecutionID.IsZero() {
		abortError(c, http.StatusBadRequest, ErrEventExecutionID)
		return
	}
	if req.Name == "" {
		abortError(c, http.StatusBadRequest, ErrEventName)
		return
	}

	ev := &api.Event{
		ExecutionID:   req.ExecutionID,
		ParentEventID: req.ParentEventID,
		Name:          req.Name,
		Step:          req.Step,
		Status:        req.Status,
		Result:        req.Payload,
		Error:         req.Error,
		Meta:          req.Meta,
		WorkerID:      req.WorkerID,
		StackTrace:    req.StackTrace,
		Duration:      req.Duration,
	}

	cmds, err := s.deps.Engine.HandleEvent(c.Request.Context(), ev)
	if err != nil {
		s.deps.Logger.Error("event handling failed",
			logattr.ExecutionID(req.ExecutionID),
			logattr.EventName(req.Name),
			logattr.Error(err),
		)
		abortError(c, http.StatusInternalServerError, err)
		return
	}

	c.JSON(http.StatusOK, api.EmitEventResponse{
		EventID:           ev.EventID,
		CommandsGenerated: len(cmds),
	})
}
