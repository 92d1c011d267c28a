package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/noetl/noetl/internal/eventlog"
	"github.com/noetl/noetl/internal/loopkv"
	"github.com/noetl/noetl/internal/metrics"
	"github.com/noetl/noetl/internal/render"
	"github.com/noetl/noetl/internal/results"
	"github.com/noetl/noetl/internal/state"
	"github.com/noetl/noetl/pkg/api"
	logattr "github.com/noetl/noetl/pkg/log"
	"github.com/noetl/noetl/pkg/util"
)

// issueStep builds the commands that activate a step: one command for a
// plain step, the first claimable batch for a looped step
func (e *Engine) issueStep(
	ctx context.Context, s *state.ExecutionState, step *api.Step,
	args map[string]any, parentEventID api.ID,
) ([]*api.Command, error) {
	if step.HasLoop() {
		return e.issueLoop(ctx, s, step, args, parentEventID)
	}
	cmd, err := e.buildCommand(s, step, args)
	if err != nil {
		return nil, err
	}
	return []*api.Command{cmd}, nil
}

// buildCommand assembles the worker-visible command for one step
// activation. Step args render strictly against the current context;
// pipeline steps run under the synthetic task-sequence key
func (e *Engine) buildCommand(
	s *state.ExecutionState, step *api.Step, args map[string]any,
) (*api.Command, error) {
	rctx := s.RenderContext()
	merged := map[string]any{}
	if len(step.Args) > 0 {
		rendered, err := e.deps.Renderer.RenderAny(step.Args, rctx)
		if err != nil {
			return nil, fmt.Errorf("step %s args: %w", step.Name, err)
		}
		if m, ok := rendered.(map[string]any); ok {
			for k, v := range m {
				merged[k] = v
			}
		}
	}
	for k, v := range args {
		merged[k] = v
	}

	key := step.Name
	meta := &api.CommandMeta{ParentStep: step.Name}
	if step.IsPipeline() {
		key = api.TaskSequenceKey(step.Name)
		meta.TaskSequence = true
		meta.TaskNames = step.TaskNames()
	}

	context := make(map[string]any, len(s.Variables)+1)
	for k, v := range s.Variables {
		context[k] = v
	}
	context["execution_id"] = s.ExecutionID.String()

	return &api.Command{
		ExecutionID: s.ExecutionID,
		Step:        key,
		Tool:        step.Tool,
		Pipeline:    step.Pipeline,
		Args:        merged,
		Context:     context,
		Spec:        &api.CommandSpec{NextMode: step.NextMode()},
		Meta:        meta,
		Attempt:     1,
		MaxAttempts: api.DefaultMaxAttempts,
	}, nil
}

// issueLoop activates a looped step. A first activation, or a re-entry
// after the prior epoch finished, starts a new epoch: fresh epoch ID, reset
// counters, reseeded progress record. Claims then hand out iteration
// indices within the in-flight bound
func (e *Engine) issueLoop(
	ctx context.Context, s *state.ExecutionState, step *api.Step,
	args map[string]any, parentEventID api.ID,
) ([]*api.Command, error) {
	collection, err := e.renderCollection(s, step)
	if err != nil {
		return nil, err
	}

	ls := s.LoopFor(step.Name)
	if e.needsNewEpoch(ctx, s, step, ls) {
		// the prior epoch's aggregate would leak into renders of the new
		// activation
		delete(s.StepResults, step.Name)
		delete(s.Variables, step.Name)
		epochID := e.deps.NextID()
		*ls = state.LoopState{
			Collection: collection,
			Iterator:   step.Loop.Iterator,
			Mode:       step.Loop.Mode,
			EventID:    epochID,
			Reissued:   util.SetOf[int](),
		}
		err := e.deps.Loops.Set(ctx, e.loopKey(s, step.Name, epochID),
			&loopkv.Progress{
				Iterator:       step.Loop.Iterator,
				Mode:           step.Loop.Mode,
				CollectionSize: len(collection),
				EventID:        epochID,
			})
		if err != nil {
			e.deps.Logger.Warn("loop progress seed failed",
				logattr.ExecutionID(s.ExecutionID),
				logattr.Step(step.Name),
				logattr.Error(err),
			)
		}
	} else {
		ls.Collection = collection
	}

	if len(collection) == 0 {
		return e.finalizeLoop(ctx, s, step, ls, parentEventID)
	}
	return e.claimIterations(ctx, s, step, ls, args, parentEventID)
}

func (e *Engine) renderCollection(
	s *state.ExecutionState, step *api.Step,
) ([]any, error) {
	rctx := s.RenderContext()
	in, err := e.deps.Renderer.RenderAny(step.Loop.In, rctx)
	if err != nil {
		return nil, fmt.Errorf("step %s loop.in: %w", step.Name, err)
	}
	return render.NormalizeLoopInput(in), nil
}

// needsNewEpoch reports whether a loop activation begins a fresh epoch: the
// step never looped, the prior epoch finalized, or the shared progress
// shows the prior epoch fully done (another coordinator finalized it)
func (e *Engine) needsNewEpoch(
	ctx context.Context, s *state.ExecutionState, step *api.Step,
	ls *state.LoopState,
) bool {
	if ls.EventID.IsZero() || ls.AggregationFinalized {
		return true
	}
	p, err := e.deps.Loops.Get(ctx, e.loopKey(s, step.Name, ls.EventID))
	if err != nil || p == nil {
		return false
	}
	return p.Done() && p.FullyScheduled()
}

// claimIterations hands out iteration commands while the shared progress
// record has slots within the loop's in-flight bound
func (e *Engine) claimIterations(
	ctx context.Context, s *state.ExecutionState, step *api.Step,
	ls *state.LoopState, args map[string]any, parentEventID api.ID,
) ([]*api.Command, error) {
	key := e.loopKey(s, step.Name, ls.EventID)
	size := len(ls.Collection)
	maxInFlight := step.Loop.MaxInFlight()

	var cmds []*api.Command
	for len(cmds) < maxInFlight {
		idx, ok := e.claimIndex(ctx, key, ls, size, maxInFlight)
		if !ok {
			break
		}
		cmd, err := e.buildIterationCommand(s, step, ls, args, idx)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, cmd)
		if idx >= ls.ScheduledCount {
			ls.ScheduledCount = idx + 1
		}
		metrics.LoopIterations.Inc()

		if _, err := e.append(ctx, s, &api.Event{
			ExecutionID:   s.ExecutionID,
			ParentEventID: parentEventID,
			Name:          api.EventLoopItem,
			Status:        api.StatusPending,
			Step:          step.Name,
			Meta: &api.EventMeta{
				LoopEventID:        ls.EventID,
				LoopIterationIndex: cmd.Meta.LoopIterationIndex,
			},
		}); err != nil {
			return nil, err
		}
	}
	return cmds, nil
}

// claimIndex takes the next iteration slot, falling back to the local
// counters when the shared store is unreachable
func (e *Engine) claimIndex(
	ctx context.Context, key loopkv.Key, ls *state.LoopState,
	size, maxInFlight int,
) (int, bool) {
	idx, ok, err := e.deps.Loops.ClaimNextIndex(ctx, key, size, maxInFlight)
	if err == nil {
		return idx, ok
	}
	e.deps.Logger.Warn("loop claim fell back to local counters",
		logattr.Step(key.Step),
		logattr.Error(err),
	)
	if ls.ScheduledCount >= size ||
		ls.ScheduledCount-ls.Completed >= maxInFlight {
		return 0, false
	}
	return ls.ScheduledCount, true
}

func (e *Engine) buildIterationCommand(
	s *state.ExecutionState, step *api.Step, ls *state.LoopState,
	args map[string]any, idx int,
) (*api.Command, error) {
	iterArgs := map[string]any{}
	for k, v := range args {
		iterArgs[k] = v
	}
	iterArgs[ls.Iterator] = ls.Collection[idx]
	iterArgs["loop_index"] = idx
	iterArgs["_index"] = idx
	iterArgs["_first"] = idx == 0
	iterArgs["_last"] = idx == len(ls.Collection)-1

	cmd, err := e.buildCommand(s, step, iterArgs)
	if err != nil {
		return nil, err
	}
	index := idx
	cmd.Meta.LoopStep = step.Name
	cmd.Meta.LoopEventID = ls.EventID
	cmd.Meta.LoopIterationIndex = &index
	return cmd, nil
}

// loopIterationExit folds one finished iteration into the loop accounting
// and either finalizes the loop, claims further iterations, or repairs a
// stalled tail
func (e *Engine) loopIterationExit(
	ctx context.Context, s *state.ExecutionState, step *api.Step,
	ev *api.Event,
) ([]*api.Command, error) {
	ls := s.LoopFor(step.Name)
	if err := e.ensureCollection(s, step, ls); err != nil {
		return nil, err
	}
	size := len(ls.Collection)
	if size == 0 {
		return nil, nil
	}

	count := e.incrementLoop(ctx, s, step.Name, ls, loopEpochOf(ev))
	if count > ls.Completed {
		ls.Completed = count
	}

	if ls.Completed >= size {
		return e.finalizeLoop(ctx, s, step, ls, ev.EventID)
	}

	cmds, err := e.claimIterations(ctx, s, step, ls, nil, ev.EventID)
	if err != nil {
		return nil, err
	}
	if len(cmds) == 0 && ls.ScheduledCount >= size {
		return e.maybeRepairTail(ctx, s, step, ls)
	}
	return cmds, nil
}

// incrementLoop bumps the shared completed counter, trying each candidate
// epoch ID in turn. The local counter is authoritative when no epoch record
// exists
func (e *Engine) incrementLoop(
	ctx context.Context, s *state.ExecutionState, step string,
	ls *state.LoopState, payloadEpoch api.ID,
) int {
	for _, epoch := range []api.ID{payloadEpoch, ls.EventID} {
		if epoch.IsZero() {
			continue
		}
		n, err := e.deps.Loops.IncrementCompleted(
			ctx, e.loopKey(s, step, epoch),
		)
		if err == nil && n >= 0 {
			return n
		}
	}
	return ls.Completed
}

// finalizeLoop emits loop.done with the aggregated iteration results,
// applies set_ctx, and routes. Oversized iteration results are compacted to
// previews before aggregation
func (e *Engine) finalizeLoop(
	ctx context.Context, s *state.ExecutionState, step *api.Step,
	ls *state.LoopState, parentEventID api.ID,
) ([]*api.Command, error) {
	if ls.AggregationFinalized {
		return nil, nil
	}

	cfg := e.deps.Config
	agg := make([]any, len(ls.Results))
	for i, item := range ls.Results {
		agg[i] = results.CompactPreview(item, cfg.LoopResultMaxBytes,
			cfg.LoopResultPreviewKeys, cfg.LoopResultPreviewItems)
	}

	status := api.StatusCompleted
	if ls.FailedCount > 0 && ls.FailedCount >= len(ls.Collection) {
		status = api.StatusFailed
	}

	doneID, err := e.append(ctx, s, &api.Event{
		ExecutionID:   s.ExecutionID,
		ParentEventID: parentEventID,
		Name:          api.EventLoopDone,
		Status:        status,
		Step:          step.Name,
		Result:        agg,
		Meta:          &api.EventMeta{LoopEventID: ls.EventID},
	})
	if err != nil {
		return nil, err
	}
	if status == api.StatusFailed {
		s.Failed = true
	}

	e.deps.Logger.Info("loop finished",
		logattr.ExecutionID(s.ExecutionID),
		logattr.Step(step.Name),
		slog.Int("iterations", len(ls.Collection)),
		slog.Int("failed", ls.FailedCount),
	)

	if err := e.applySetCtx(s, step, agg); err != nil {
		return nil, err
	}
	return e.routeNext(ctx, s, step,
		&api.Event{EventID: doneID, Step: step.Name},
		map[string]any{"loop_results": agg},
	)
}

// maybeRepairTail runs tail repair only once the queue has drained:
// commands still claimable or claimed are in flight, not lost
func (e *Engine) maybeRepairTail(
	ctx context.Context, s *state.ExecutionState, step *api.Step,
	ls *state.LoopState,
) ([]*api.Command, error) {
	if n, err := e.deps.Queue.Pending(ctx, s.ExecutionID); err == nil && n > 0 {
		return nil, nil
	}
	return e.repairLoopTail(ctx, s, step, ls)
}

// repairLoopTail reissues iterations that were scheduled but never
// reported, up to the repair threshold. Each index is reissued at most once
// per epoch
func (e *Engine) repairLoopTail(
	ctx context.Context, s *state.ExecutionState, step *api.Step,
	ls *state.LoopState,
) ([]*api.Command, error) {
	size := len(ls.Collection)
	missing := size - ls.Completed
	if missing <= 0 {
		return nil, nil
	}
	if missing > e.deps.Config.LoopRepairThreshold {
		e.deps.Logger.Warn("loop tail too large to repair",
			logattr.ExecutionID(s.ExecutionID),
			logattr.Step(step.Name),
			slog.Int("missing", missing),
		)
		return nil, nil
	}

	finished, err := e.finishedIterations(ctx, s, step.Name, ls.EventID)
	if err != nil {
		return nil, err
	}

	var cmds []*api.Command
	for idx := 0; idx < size; idx++ {
		if finished.Contains(idx) || ls.Reissued.Contains(idx) {
			continue
		}
		ls.Reissued.Add(idx)
		cmd, err := e.buildIterationCommand(s, step, ls, nil, idx)
		if err != nil {
			return nil, err
		}
		cmd.Meta.LoopRetry = true
		cmds = append(cmds, cmd)
		metrics.LoopRepairs.Inc()
		e.deps.Logger.Warn("reissuing lost loop iteration",
			logattr.ExecutionID(s.ExecutionID),
			logattr.Step(step.Name),
			slog.Int("index", idx),
		)
	}
	return cmds, nil
}

// finishedIterations scans the event log for iteration indices that
// reported an exit under the loop's current epoch
func (e *Engine) finishedIterations(
	ctx context.Context, s *state.ExecutionState, step string, epoch api.ID,
) (util.Set[int], error) {
	events, err := e.deps.Log.Read(ctx, s.ExecutionID, eventlog.Filter{
		Types: []api.EventName{api.EventStepExit, api.EventCallDone},
	})
	if err != nil {
		return nil, err
	}
	finished := util.SetOf[int]()
	for _, ev := range events {
		if api.ParentStepKey(ev.Step) != step || ev.Meta == nil {
			continue
		}
		if ev.Meta.LoopIterationIndex == nil {
			continue
		}
		if !epoch.IsZero() && !ev.Meta.LoopEventID.IsZero() &&
			ev.Meta.LoopEventID != epoch {
			continue
		}
		finished.Add(*ev.Meta.LoopIterationIndex)
	}
	return finished, nil
}

func (e *Engine) loopKey(
	s *state.ExecutionState, step string, epoch api.ID,
) loopkv.Key {
	return loopkv.Key{
		Step:        step,
		ExecutionID: s.ExecutionID,
		EventID:     epoch,
	}
}

func loopEpochOf(ev *api.Event) api.ID {
	if ev.Meta == nil {
		return 0
	}
	return ev.Meta.LoopEventID
}
