package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/noetl/noetl/internal/render"
	"github.com/noetl/noetl/internal/state"
	"github.com/noetl/noetl/pkg/api"
	logattr "github.com/noetl/noetl/pkg/log"
)

// routeNext evaluates a step's next block and issues commands for the arcs
// that fire. Exclusive mode stops at the first match; inclusive mode fires
// every match. A target already in flight is never double-issued, but a
// completed target is re-armed first so loopbacks stay legal
func (e *Engine) routeNext(
	ctx context.Context, s *state.ExecutionState, step *api.Step,
	ev *api.Event, extra map[string]any,
) ([]*api.Command, error) {
	return e.route(ctx, s, step, ev, extra, false)
}

// routeError evaluates only the conditional arcs of a failed step. An
// unconditional arc is a success path and never handles a failure
func (e *Engine) routeError(
	ctx context.Context, s *state.ExecutionState, step *api.Step,
	ev *api.Event, extra map[string]any,
) ([]*api.Command, error) {
	return e.route(ctx, s, step, ev, extra, true)
}

func (e *Engine) route(
	ctx context.Context, s *state.ExecutionState, step *api.Step,
	ev *api.Event, extra map[string]any, conditionalOnly bool,
) ([]*api.Command, error) {
	if step.Next == nil || len(step.Next.Arcs) == 0 {
		return nil, nil
	}

	rctx := s.RenderContext()
	if result, ok := s.StepResults[step.Name]; ok {
		rctx["result"] = result
	}
	for k, v := range extra {
		rctx[k] = v
	}

	mode := step.NextMode()
	var cmds []*api.Command
	for _, arc := range step.Next.Arcs {
		if arc.Step == "" {
			// action-only arc; the pagination pass already ran it
			continue
		}
		if conditionalOnly && arc.When == "" {
			continue
		}
		matched, err := e.arcMatches(arc, rctx)
		if err != nil {
			return nil, fmt.Errorf("step %s next %s: %w",
				step.Name, arc.Step, err)
		}
		if !matched {
			continue
		}

		if s.IssuedSteps.Contains(arc.Step) &&
			!s.CompletedSteps.Contains(arc.Step) {
			e.deps.Logger.Debug("next target already in flight",
				logattr.ExecutionID(s.ExecutionID),
				logattr.Step(arc.Step),
			)
			if mode == api.NextExclusive {
				break
			}
			continue
		}
		s.CompletedSteps.Remove(arc.Step)

		args, err := e.renderArgs(arc.Args, rctx)
		if err != nil {
			return nil, fmt.Errorf("step %s next %s args: %w",
				step.Name, arc.Step, err)
		}
		if agg, ok := extra["loop_results"]; ok {
			// a finished loop hands its aggregate to every target unless
			// the arc binds loop_results itself
			if args == nil {
				args = map[string]any{}
			}
			if _, bound := args["loop_results"]; !bound {
				args["loop_results"] = agg
			}
		}

		target := s.Playbook.Step(arc.Step)
		if target == nil {
			return nil, fmt.Errorf("%w: %s", api.ErrUnknownNextTarget,
				arc.Step)
		}
		issued, err := e.issueStep(ctx, s, target, args, ev.EventID)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, issued...)

		if mode == api.NextExclusive {
			break
		}
	}
	return cmds, nil
}

// arcMatches evaluates an arc's condition. Unconditional arcs always fire;
// a condition probing state that does not exist simply does not match
func (e *Engine) arcMatches(
	arc *api.NextArc, rctx map[string]any,
) (bool, error) {
	if arc.When == "" {
		return true, nil
	}
	ok, err := e.deps.Renderer.RenderBool(arc.When, rctx)
	if errors.Is(err, render.ErrUndefinedRef) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (e *Engine) renderArgs(
	args map[string]any, rctx map[string]any,
) (map[string]any, error) {
	if len(args) == 0 {
		return nil, nil
	}
	rendered, err := e.deps.Renderer.RenderAny(args, rctx)
	if err != nil {
		return nil, err
	}
	m, _ := rendered.(map[string]any)
	return m, nil
}

// applySetCtx renders a step's set_ctx block into the execution variables.
// The step's own result is visible to the templates as `result`
func (e *Engine) applySetCtx(
	s *state.ExecutionState, step *api.Step, result any,
) error {
	if len(step.SetCtx) == 0 {
		return nil
	}
	rctx := s.RenderContext()
	if result != nil {
		rctx["result"] = result
	}
	for k, tmpl := range step.SetCtx {
		v, err := e.deps.Renderer.RenderAny(tmpl, rctx)
		if err != nil {
			return fmt.Errorf("step %s set_ctx %s: %w", step.Name, k, err)
		}
		s.Variables[k] = v
	}
	return nil
}
