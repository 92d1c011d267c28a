package engine

import (
	"context"
	"log/slog"

	"github.com/noetl/noetl/internal/metrics"
	"github.com/noetl/noetl/internal/state"
	"github.com/noetl/noetl/pkg/api"
	logattr "github.com/noetl/noetl/pkg/log"
)

// HandleEvent persists a reported event and advances the execution: it
// folds the event into state, evaluates routing and loop progress, issues
// the resulting commands, and closes the execution when nothing remains.
// Events for unknown or already-terminal executions are dropped
func (e *Engine) HandleEvent(
	ctx context.Context, ev *api.Event,
) ([]*api.Command, error) {
	unlock := e.lock(ev.ExecutionID)
	defer unlock()

	s, err := e.deps.States.Load(ctx, ev.ExecutionID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		e.deps.Logger.Warn("event for unknown execution",
			logattr.ExecutionID(ev.ExecutionID),
			logattr.EventName(ev.Name),
		)
		return nil, nil
	}
	if s.Completed {
		e.deps.Logger.Debug("event after terminal state dropped",
			logattr.ExecutionID(ev.ExecutionID),
			logattr.EventName(ev.Name),
			logattr.Step(ev.Step),
		)
		return nil, nil
	}

	if _, err := e.append(ctx, s, ev); err != nil {
		return nil, err
	}

	cmds, err := e.dispatch(ctx, s, ev)
	if err != nil {
		return nil, err
	}
	if err := e.publish(ctx, s, cmds, ev.EventID); err != nil {
		return nil, err
	}
	if err := e.checkCompletion(ctx, s, ev, len(cmds)); err != nil {
		return nil, err
	}
	return cmds, nil
}

func (e *Engine) dispatch(
	ctx context.Context, s *state.ExecutionState, ev *api.Event,
) ([]*api.Command, error) {
	switch {
	case ev.Name == api.EventCallDone && api.IsTaskSequenceKey(ev.Step):
		return e.sequenceDone(ctx, s, ev)
	case ev.Name == api.EventStepExit && api.IsTaskSequenceKey(ev.Step):
		// iteration-level exit under the synthetic key; the sequence's
		// call.done already drove aggregation
		return nil, nil
	case ev.Name == api.EventCallError:
		return e.callError(ctx, s, ev)
	case ev.Name == api.EventCallDone:
		return e.callDone(ctx, s, ev)
	case ev.Name == api.EventStepExit:
		return e.stepExit(ctx, s, ev)
	default:
		// step.enter, loop.item, command lifecycle: bookkeeping only
		return nil, nil
	}
}

// callDone pre-stores the tool result and routes. Looped steps defer
// routing to loop.done; their iteration results accumulate on step.exit
func (e *Engine) callDone(
	ctx context.Context, s *state.ExecutionState, ev *api.Event,
) ([]*api.Command, error) {
	parent := api.ParentStepKey(ev.Step)
	step := s.Playbook.Step(parent)
	if step == nil {
		if parent != ev.Step {
			// inline synthetic task call; step.exit finishes it
			return nil, nil
		}
		e.deps.Logger.Warn("call.done for unknown step",
			logattr.ExecutionID(s.ExecutionID),
			logattr.Step(ev.Step),
		)
		return nil, nil
	}

	pages, err := e.processPagination(ctx, s, step, ev)
	if err != nil {
		return nil, err
	}
	if len(pages) > 0 {
		// next page in flight; the step stays open
		return pages, nil
	}

	if step.HasLoop() {
		return nil, nil
	}

	result := ev.Result
	if rs, ok := s.PaginationState[parent]; ok && len(rs.CollectedData) > 0 {
		result = mergeCollected(rs, result)
	}

	stored, err := e.externalize(ctx, s, parent, result, step.OutputSelect)
	if err != nil {
		return nil, err
	}
	if stored != nil {
		s.StepResults[parent] = stored
		s.Variables[parent] = stored
	}
	if err := e.applySetCtx(s, step, stored); err != nil {
		return nil, err
	}
	return e.routeNext(ctx, s, step, ev, nil)
}

// callError marks the step failed and either schedules a delayed reissue
// for retryable failures or hands control to the step's error arcs
func (e *Engine) callError(
	ctx context.Context, s *state.ExecutionState, ev *api.Event,
) ([]*api.Command, error) {
	parent := api.ParentStepKey(ev.Step)
	step := s.Playbook.Step(parent)
	if step == nil {
		return nil, nil
	}

	if step.HasLoop() {
		// iteration failures count on step.exit; the loop itself decides
		// whether the step fails
		s.Failed = false
		s.CompletedSteps.Remove(parent)
		return nil, nil
	}

	if ev.Error != nil && ev.Error.Retryable &&
		e.scheduleRetry(ctx, s, step, ev) {
		// the reissue keeps the execution alive; failure is provisional
		s.Failed = false
		return nil, nil
	}

	extra := map[string]any{}
	if ev.Error != nil {
		extra["error"] = ev.Error.AsMap()
	}
	cmds, err := e.routeError(ctx, s, step, ev, extra)
	if err != nil {
		return nil, err
	}
	if len(cmds) > 0 {
		// a matching error arc handles the failure
		s.Failed = false
	}
	return cmds, nil
}

// stepExit closes one step activation: loop iterations feed the loop
// accounting, everything else routes if call.done did not already
func (e *Engine) stepExit(
	ctx context.Context, s *state.ExecutionState, ev *api.Event,
) ([]*api.Command, error) {
	parent := api.ParentStepKey(ev.Step)
	step := s.Playbook.Step(parent)

	if step == nil {
		if parent != ev.Step {
			return e.drainPendingActions(ctx, s, ev)
		}
		e.deps.Logger.Warn("step.exit for unknown step",
			logattr.ExecutionID(s.ExecutionID),
			logattr.Step(ev.Step),
		)
		return nil, nil
	}

	if rs, ok := s.PaginationState[parent]; ok {
		if rs.PendingRetry {
			// intermediate page exit; the reissued command drives the step
			return nil, nil
		}
		// the terminal page closed the step; a later activation or error
		// retry starts its accounting fresh
		delete(s.PaginationState, parent)
	}

	if step.HasLoop() {
		return e.loopIterationExit(ctx, s, step, ev)
	}

	// set_ctx already applied on call.done; the exit only routes what
	// the earlier pass left unissued
	return e.routeNext(ctx, s, step, ev, nil)
}

// drainPendingActions issues routing actions deferred until an inline
// synthetic step finished
func (e *Engine) drainPendingActions(
	ctx context.Context, s *state.ExecutionState, ev *api.Event,
) ([]*api.Command, error) {
	actions := s.PendingNextActions[ev.Step]
	if len(actions) == 0 {
		return nil, nil
	}
	delete(s.PendingNextActions, ev.Step)

	var cmds []*api.Command
	for _, action := range actions {
		target := s.Playbook.Step(action.Step)
		if target == nil {
			continue
		}
		s.CompletedSteps.Remove(action.Step)
		issued, err := e.issueStep(ctx, s, target, action.Args, ev.EventID)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, issued...)
	}
	return cmds, nil
}

// checkCompletion closes the execution once an activation-ending event
// leaves no new commands, no pending commands, and no scheduled retries.
// The terminal pair is appended in order: workflow.<status> first, then
// playbook.<status>
func (e *Engine) checkCompletion(
	ctx context.Context, s *state.ExecutionState, ev *api.Event, produced int,
) error {
	if s.Completed || produced > 0 {
		return nil
	}
	switch ev.Name {
	case api.EventStepExit, api.EventCallDone, api.EventCallError,
		api.EventCommandCompleted, api.EventCommandFailed, api.EventLoopDone:
	default:
		return nil
	}
	if s.HasPending() || e.retries.PendingFor(s.ExecutionID) > 0 {
		return nil
	}
	if n, err := e.deps.Queue.Pending(ctx, s.ExecutionID); err == nil && n > 0 {
		return nil
	}
	if e.hasUnfinishedLoop(s) {
		return nil
	}
	if step := s.Playbook.Step(api.ParentStepKey(ev.Step)); step != nil &&
		!s.Failed && hasNextTargets(step) {
		// the step routes somewhere but no arc matched: the execution
		// stays open instead of closing as completed
		e.deps.Logger.Warn("no next arc matched, execution stalled",
			logattr.ExecutionID(s.ExecutionID),
			logattr.Step(step.Name),
		)
		return nil
	}

	status := api.StatusCompleted
	if s.Failed {
		status = api.StatusFailed
	}

	wfID, err := e.append(ctx, s, &api.Event{
		ExecutionID:   s.ExecutionID,
		ParentEventID: ev.EventID,
		Name:          api.WorkflowEventFor(status),
		Status:        status,
		Step:          api.ParentStepKey(ev.Step),
		Error:         ev.Error,
	})
	if err != nil {
		return err
	}
	if _, err := e.append(ctx, s, &api.Event{
		ExecutionID:   s.ExecutionID,
		ParentEventID: wfID,
		Name:          api.PlaybookEventFor(status),
		Status:        status,
		Error:         ev.Error,
	}); err != nil {
		return err
	}

	e.retries.RemoveExecution(s.ExecutionID)
	e.deps.States.Invalidate(s.ExecutionID)
	metrics.ExecutionsCompleted.WithLabelValues(statusLabel(status)).Inc()
	e.deps.Logger.Info("execution finished",
		logattr.ExecutionID(s.ExecutionID),
		logattr.Status(status),
		slog.Int("events", int(s.LastEventID-s.RootEventID)),
	)
	return nil
}

// hasNextTargets reports whether a step routes to another step. Arcs that
// only carry page actions do not keep an execution open
func hasNextTargets(step *api.Step) bool {
	if step.Next == nil {
		return false
	}
	for _, arc := range step.Next.Arcs {
		if arc.Step != "" {
			return true
		}
	}
	return false
}

func (e *Engine) hasUnfinishedLoop(s *state.ExecutionState) bool {
	for step, ls := range s.LoopState {
		if ls.AggregationFinalized || len(ls.Collection) == 0 {
			continue
		}
		if ls.ScheduledCount > 0 && ls.Completed < len(ls.Collection) &&
			s.Playbook.Step(step) != nil {
			return true
		}
	}
	return false
}
