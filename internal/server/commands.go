package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noetl/noetl/internal/metrics"
	"github.com/noetl/noetl/internal/queue"
	"github.com/noetl/noetl/pkg/api"
)

var (
	ErrWorkerIDRequired = errors.New("worker_id is required")
	ErrUnknownOutcome   = errors.New("unknown outcome")
)

// claimCommand hands a queued command to a worker. A response with
// claimed=false means another worker won the race; the notification that
// triggered the claim is then spent
func (s *Server) claimCommand(c *gin.Context) {
	var req api.ClaimCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, ErrInvalidJSON)
		return
	}
	if req.WorkerID == "" {
		abortError(c, http.StatusBadRequest, ErrWorkerIDRequired)
		return
	}

	cmd, err := s.deps.Queue.Claim(
		c.Request.Context(), req.WorkerID, req.QueueID,
	)
	if err != nil {
		abortError(c, http.StatusInternalServerError, err)
		return
	}
	if cmd == nil {
		c.JSON(http.StatusOK, api.ClaimCommandResponse{Claimed: false})
		return
	}

	metrics.CommandsClaimed.Inc()
	c.JSON(http.StatusOK, api.ClaimCommandResponse{
		Claimed: true,
		QueueID: cmd.QueueID,
		Command: cmd,
	})
}

func (s *Server) completeCommand(c *gin.Context) {
	queueID, ok := pathID(c, "queueID")
	if !ok {
		return
	}

	var req struct {
		Outcome string `json:"outcome"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, ErrInvalidJSON)
		return
	}
	switch req.Outcome {
	case queue.OutcomeCompleted, queue.OutcomeFailed, queue.OutcomeCancelled:
	default:
		abortError(c, http.StatusBadRequest, ErrUnknownOutcome)
		return
	}

	err := s.deps.Queue.Complete(c.Request.Context(), queueID, req.Outcome)
	if errors.Is(err, queue.ErrNotFound) {
		abortError(c, http.StatusNotFound, err)
		return
	}
	if err != nil {
		abortError(c, http.StatusInternalServerError, err)
		return
	}

	metrics.CommandsCompleted.WithLabelValues(req.Outcome).Inc()
	c.Status(http.StatusNoContent)
}
