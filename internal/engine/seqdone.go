package engine

import (
	"context"

	"github.com/noetl/noetl/internal/state"
	"github.com/noetl/noetl/pkg/api"
	logattr "github.com/noetl/noetl/pkg/log"
)

// sequenceDone handles the call.done a worker reports after running a task
// sequence atomically. Folding into state already happened when the event
// was appended; this decides what the finished sequence drives next
func (e *Engine) sequenceDone(
	ctx context.Context, s *state.ExecutionState, ev *api.Event,
) ([]*api.Command, error) {
	parent := api.ParentStepKey(ev.Step)
	step := s.Playbook.Step(parent)
	if step == nil {
		e.deps.Logger.Warn("sequence result for unknown step",
			logattr.ExecutionID(s.ExecutionID),
			logattr.Step(ev.Step),
		)
		return nil, nil
	}

	seq, err := api.DecodeTaskSequenceResult(ev.Result)
	if err != nil {
		e.deps.Logger.Warn("undecodable sequence result",
			logattr.ExecutionID(s.ExecutionID),
			logattr.Step(ev.Step),
			logattr.Error(err),
		)
		return nil, nil
	}

	if step.HasLoop() {
		return e.loopSequenceDone(ctx, s, step, ev, seq)
	}

	if seq.Status == api.SequenceFailed {
		extra := map[string]any{}
		if seq.Error != nil {
			extra["error"] = seq.Error.AsMap()
		}
		cmds, err := e.routeError(ctx, s, step, ev, extra)
		if err != nil {
			return nil, err
		}
		if len(cmds) > 0 {
			s.Failed = false
		}
		return cmds, nil
	}

	stored, err := e.externalize(ctx, s, parent, seq.StepValue(step),
		step.OutputSelect)
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

// loopSequenceDone advances a pipeline loop after one iteration's
// sequence finished. The iteration itself was folded into the loop
// counters when the call.done was appended; here the shared counter
// reconciles and the loop finalizes, claims, or repairs
func (e *Engine) loopSequenceDone(
	ctx context.Context, s *state.ExecutionState, step *api.Step,
	ev *api.Event, seq *api.TaskSequenceResult,
) ([]*api.Command, error) {
	ls := s.LoopFor(step.Name)
	if err := e.ensureCollection(s, step, ls); err != nil {
		return nil, err
	}
	size := len(ls.Collection)
	if size == 0 {
		return e.finalizeLoop(ctx, s, step, ls, ev.EventID)
	}

	count := e.incrementLoop(ctx, s, step.Name, ls, seq.LoopEventID)
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

// ensureCollection re-renders the loop collection after a state rebuild,
// where replay recovers counters but not the rendered items
func (e *Engine) ensureCollection(
	s *state.ExecutionState, step *api.Step, ls *state.LoopState,
) error {
	if len(ls.Collection) > 0 {
		return nil
	}
	collection, err := e.renderCollection(s, step)
	if err != nil {
		return err
	}
	ls.Collection = collection
	if ls.Iterator == "" {
		ls.Iterator = step.Loop.Iterator
	}
	return nil
}
