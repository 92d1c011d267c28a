package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noetl/noetl/internal/engine"
	"github.com/noetl/noetl/internal/eventlog"
	"github.com/noetl/noetl/pkg/api"
	logattr "github.com/noetl/noetl/pkg/log"
)

const (
	defaultPageSize = 100
	maxPageSize     = 500
)

var (
	ErrInvalidJSON    = errors.New("invalid JSON body")
	ErrPlaybookNeeded = errors.New("path or catalog_id is required")
)

func (s *Server) startExecution(c *gin.Context) {
	var req api.StartExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, ErrInvalidJSON)
		return
	}
	if req.Path == "" && req.CatalogID.IsZero() {
		abortError(c, http.StatusBadRequest, ErrPlaybookNeeded)
		return
	}

	res, err := s.deps.Engine.StartExecution(
		c.Request.Context(), &engine.StartRequest{
			Path:              req.Path,
			CatalogID:         req.CatalogID,
			Payload:           req.Payload,
			ParentExecutionID: req.ParentExecutionID,
		},
	)
	if err != nil {
		s.deps.Logger.Warn("start execution failed",
			logattr.Error(err),
		)
		abortError(c, http.StatusBadRequest, err)
		return
	}

	c.JSON(http.StatusCreated, api.StartExecutionResponse{
		ExecutionID:       res.ExecutionID,
		Status:            "running",
		CommandsGenerated: len(res.Commands),
	})
}

func (s *Server) getExecution(c *gin.Context) {
	executionID, ok := pathID(c, "executionID")
	if !ok {
		return
	}
	ctx := c.Request.Context()

	status, found, err := s.executionStatus(c, executionID)
	if err != nil {
		abortError(c, http.StatusInternalServerError, err)
		return
	}
	if !found {
		abortError(c, http.StatusNotFound, engine.ErrExecutionNotFound)
		return
	}

	filter, page, pageSize, ok := eventsFilter(c)
	if !ok {
		return
	}

	total, err := s.deps.Log.Count(ctx, executionID, eventlog.Filter{
		Types:        filter.Types,
		SinceEventID: filter.SinceEventID,
	})
	if err != nil {
		abortError(c, http.StatusInternalServerError, err)
		return
	}
	events, err := s.deps.Log.Read(ctx, executionID, filter)
	if err != nil {
		abortError(c, http.StatusInternalServerError, err)
		return
	}

	c.JSON(http.StatusOK, api.ExecutionResponse{
		ExecutionID: executionID,
		Status:      status,
		Events:      events,
		Page:        page,
		PageSize:    pageSize,
		Total:       total,
	})
}

func (s *Server) cancelExecution(c *gin.Context) {
	executionID, ok := pathID(c, "executionID")
	if !ok {
		return
	}
	ctx := c.Request.Context()

	req := api.CancelRequest{}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abortError(c, http.StatusBadRequest, ErrInvalidJSON)
			return
		}
	}

	status, found, err := s.executionStatus(c, executionID)
	if err != nil {
		abortError(c, http.StatusInternalServerError, err)
		return
	}
	if !found {
		abortError(c, http.StatusNotFound, engine.ErrExecutionNotFound)
		return
	}
	if status != api.StatusRunning {
		c.JSON(http.StatusOK, api.CancelResponse{
			Status:              "already_completed",
			CancelledExecutions: []api.ID{},
		})
		return
	}

	// collect the subtree before cancelling so the response can report it
	cancelled := []api.ID{executionID}
	if req.CascadeEnabled() {
		descendants, err := s.descendants(c, executionID)
		if err != nil {
			abortError(c, http.StatusInternalServerError, err)
			return
		}
		cancelled = append(cancelled, descendants...)
	}

	err = s.deps.Engine.Cancel(
		ctx, executionID, req.CascadeEnabled(), req.Reason,
	)
	if err != nil {
		abortError(c, http.StatusInternalServerError, err)
		return
	}

	c.JSON(http.StatusOK, api.CancelResponse{
		Status:              "cancelled",
		CancelledExecutions: cancelled,
	})
}

func (s *Server) cancellationCheck(c *gin.Context) {
	executionID, ok := pathID(c, "executionID")
	if !ok {
		return
	}

	status, found, err := s.executionStatus(c, executionID)
	if err != nil {
		abortError(c, http.StatusInternalServerError, err)
		return
	}
	if !found {
		abortError(c, http.StatusNotFound, engine.ErrExecutionNotFound)
		return
	}

	c.JSON(http.StatusOK, api.CancellationCheckResponse{
		Status:    status,
		Cancelled: status == api.StatusCancelled,
		Completed: status != api.StatusRunning,
		Failed:    status == api.StatusFailed,
	})
}

func (s *Server) finalizeExecution(c *gin.Context) {
	executionID, ok := pathID(c, "executionID")
	if !ok {
		return
	}

	err := s.deps.Engine.Finalize(c.Request.Context(), executionID)
	if errors.Is(err, engine.ErrExecutionNotFound) {
		abortError(c, http.StatusNotFound, err)
		return
	}
	if err != nil {
		abortError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, api.FinalizeResponse{Status: "finalized"})
}

func (s *Server) cleanupExecutions(c *gin.Context) {
	var req api.CleanupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, ErrInvalidJSON)
		return
	}

	cutoff := time.Now().Add(
		-time.Duration(req.OlderThanMinutes) * time.Minute,
	)
	cancelled, err := s.deps.Engine.CleanupStuck(
		c.Request.Context(), cutoff, req.DryRun,
	)
	if err != nil {
		abortError(c, http.StatusInternalServerError, err)
		return
	}
	if cancelled == nil {
		cancelled = []api.ID{}
	}

	c.JSON(http.StatusOK, api.CleanupResponse{
		CancelledExecutions: cancelled,
		DryRun:              req.DryRun,
	})
}

// executionStatus derives the lifecycle status from the terminal events on
// record. found is false when the execution was never initialized
func (s *Server) executionStatus(
	c *gin.Context, executionID api.ID,
) (api.Status, bool, error) {
	ctx := c.Request.Context()
	count := func(names ...api.EventName) (int, error) {
		return s.deps.Log.Count(ctx, executionID,
			eventlog.Filter{Types: names})
	}

	if n, err := count(
		api.EventExecutionCancelled, api.EventPlaybookCancelled,
	); err != nil {
		return "", false, err
	} else if n > 0 {
		return api.StatusCancelled, true, nil
	}
	if n, err := count(api.EventPlaybookFailed); err != nil {
		return "", false, err
	} else if n > 0 {
		return api.StatusFailed, true, nil
	}
	if n, err := count(api.EventPlaybookCompleted); err != nil {
		return "", false, err
	} else if n > 0 {
		return api.StatusCompleted, true, nil
	}
	n, err := count(api.EventPlaybookInitialized)
	if err != nil {
		return "", false, err
	}
	return api.StatusRunning, n > 0, nil
}

func (s *Server) descendants(
	c *gin.Context, executionID api.ID,
) ([]api.ID, error) {
	children, err := s.deps.Log.ChildExecutions(
		c.Request.Context(), executionID,
	)
	if err != nil {
		return nil, err
	}
	all := make([]api.ID, 0, len(children))
	for _, child := range children {
		all = append(all, child)
		nested, err := s.descendants(c, child)
		if err != nil {
			return nil, err
		}
		all = append(all, nested...)
	}
	return all, nil
}

// eventsFilter parses the paging query parameters shared by the execution
// read endpoints
func eventsFilter(c *gin.Context) (eventlog.Filter, int, int, bool) {
	page, ok := queryInt(c, "page", 1, 1)
	if !ok {
		return eventlog.Filter{}, 0, 0, false
	}
	pageSize, ok := queryInt(c, "page_size", defaultPageSize, 1)
	if !ok {
		return eventlog.Filter{}, 0, 0, false
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	filter := eventlog.Filter{
		Limit:  pageSize,
		Offset: (page - 1) * pageSize,
	}
	if since := c.Query("since_event_id"); since != "" {
		id, err := api.ParseID(since)
		if err != nil {
			abortError(c, http.StatusBadRequest,
				errors.New("invalid since_event_id"))
			return eventlog.Filter{}, 0, 0, false
		}
		filter.SinceEventID = id
	}
	if et := c.Query("event_type"); et != "" {
		filter.Types = []api.EventName{api.EventName(et)}
	}
	return filter, page, pageSize, true
}

func queryInt(c *gin.Context, name string, def, minVal int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < minVal {
		abortError(c, http.StatusBadRequest, errors.New("invalid "+name))
		return 0, false
	}
	return n, true
}
