package engine

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/noetl/noetl/internal/state"
	"github.com/noetl/noetl/pkg/api"
	logattr "github.com/noetl/noetl/pkg/log"
)

// scheduleRetry queues a delayed reissue of a failed step's command.
// Rate-limited calls honor Retry-After and get the pagination budget; other
// retryable failures back off exponentially within the default attempt cap.
// Returns false when the budget is spent, leaving the failure to routing
func (e *Engine) scheduleRetry(
	ctx context.Context, s *state.ExecutionState, step *api.Step,
	ev *api.Event,
) bool {
	rs := s.PaginationFor(step.Name)
	limit := api.DefaultMaxAttempts - 1
	if ev.Error.Kind == api.ErrKindRateLimit {
		limit = e.deps.Config.PaginationMaxPages
	}
	if rs.IterationCount >= limit {
		return false
	}
	rs.IterationCount++
	rs.PendingRetry = true

	delay := time.Duration(ev.Error.RetryAfter * float64(time.Second))
	if delay <= 0 {
		backoff := math.Pow(2, float64(rs.IterationCount-1))
		delay = time.Duration(backoff * float64(time.Second))
	}

	cmd, err := e.buildCommand(s, step, nil)
	if err != nil {
		e.deps.Logger.Warn("retry command build failed",
			logattr.ExecutionID(s.ExecutionID),
			logattr.Step(step.Name),
			logattr.Error(err),
		)
		return false
	}
	cmd.Attempt = rs.IterationCount + 1
	cmd.MaxAttempts = limit + 1

	e.retries.Push(&RetryItem{
		Command:       cmd,
		ExecutionID:   s.ExecutionID,
		ParentEventID: ev.EventID,
		NextRetryAt:   time.Now().Add(delay),
	})
	e.deps.Logger.Info("retry scheduled",
		logattr.ExecutionID(s.ExecutionID),
		logattr.Step(step.Name),
		logattr.Status(ev.Error.Kind),
		slog.Duration("delay", delay),
	)
	return true
}

// reissue publishes a due retry. The execution may have finished or been
// cancelled while the retry waited; those reissues are dropped
func (e *Engine) reissue(ctx context.Context, item *RetryItem) error {
	unlock := e.lock(item.ExecutionID)
	defer unlock()

	s, err := e.deps.States.Load(ctx, item.ExecutionID)
	if err != nil {
		return err
	}
	if s == nil || s.Completed {
		return nil
	}

	rs := s.PaginationFor(api.ParentStepKey(item.Command.Step))
	rs.PendingRetry = false
	return e.publish(ctx, s, []*api.Command{item.Command},
		item.ParentEventID)
}

// externalize pushes an oversized result to blob storage, keeping the
// handle plus output_select fields inline. Without a results store the
// value stays inline
func (e *Engine) externalize(
	ctx context.Context, s *state.ExecutionState, step string, result any,
	outputSelect []string,
) (any, error) {
	if result == nil || e.deps.Results == nil {
		return result, nil
	}
	return e.deps.Results.Externalize(
		ctx, s.ExecutionID, step, result, outputSelect,
	)
}
