package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/noetl/noetl/internal/state"
	"github.com/noetl/noetl/pkg/api"
	logattr "github.com/noetl/noetl/pkg/log"
)

// processPagination runs a step's action arcs (next entries carrying a then
// block instead of a target) against a fresh call result. Collect actions
// accumulate a slice of the page into the step's pagination state; a fired
// retry reissues the step's command with the clause's parameter overrides
// and keeps the step open. The returned commands are the next page requests
func (e *Engine) processPagination(
	ctx context.Context, s *state.ExecutionState, step *api.Step,
	ev *api.Event,
) ([]*api.Command, error) {
	if !hasActionArcs(step) {
		return nil, nil
	}

	rs := s.PaginationFor(step.Name)
	// the outstanding page reported back; a matching retry re-arms it
	rs.PendingRetry = false

	rctx := s.RenderContext()
	if ev.Result != nil {
		rctx["result"] = ev.Result
		rctx[step.Name] = ev.Result
	}

	var cmds []*api.Command
	for _, arc := range step.Next.Arcs {
		if len(arc.Then) == 0 {
			continue
		}
		matched, err := e.arcMatches(arc, rctx)
		if err != nil {
			return nil, fmt.Errorf("step %s then: %w", step.Name, err)
		}
		if !matched {
			continue
		}
		for _, clause := range arc.Then {
			switch clause.Do {
			case api.ActionCollect:
				e.collectPage(rs, clause, ev.Result)
			case api.ActionRetry:
				cmd, err := e.buildPageRetry(s, step, ev, clause, rctx)
				if err != nil {
					return nil, err
				}
				if cmd != nil {
					cmds = append(cmds, cmd)
				}
			}
		}
	}
	return cmds, nil
}

// collectPage extracts the clause's path from the page result and folds it
// into the accumulated data. Collection stops at the page budget; the retry
// that would fetch further pages is refused at the same bound
func (e *Engine) collectPage(
	rs *state.PaginationState, clause *api.EvalClause, result any,
) {
	if rs.IterationCount >= e.deps.Config.PaginationMaxPages {
		return
	}

	value := result
	if clause.Path != "" {
		raw, err := json.Marshal(result)
		if err != nil {
			return
		}
		value = gjson.GetBytes(raw, clause.Path).Value()
	}

	switch clause.Mode {
	case api.CollectReplace:
		rs.CollectedData = []any{value}
	case api.CollectExtend:
		if items, ok := value.([]any); ok {
			rs.CollectedData = append(rs.CollectedData, items...)
		} else if value != nil {
			rs.CollectedData = append(rs.CollectedData, value)
		}
	default:
		rs.CollectedData = append(rs.CollectedData, value)
	}
	rs.IterationCount++
}

// buildPageRetry reissues the step's command for the next page, merging the
// clause's rendered url/params/headers/body/data overrides into the tool
// configuration. A looped step retries the same iteration index
func (e *Engine) buildPageRetry(
	s *state.ExecutionState, step *api.Step, ev *api.Event,
	clause *api.EvalClause, rctx map[string]any,
) (*api.Command, error) {
	rs := s.PaginationFor(step.Name)
	if rs.IterationCount >= e.deps.Config.PaginationMaxPages {
		e.deps.Logger.Warn("pagination page budget exhausted",
			logattr.ExecutionID(s.ExecutionID),
			logattr.Step(step.Name),
		)
		return nil, nil
	}

	var cmd *api.Command
	var err error
	if ev.Meta != nil && ev.Meta.LoopIterationIndex != nil {
		ls := s.LoopFor(step.Name)
		cmd, err = e.buildIterationCommand(
			s, step, ls, nil, *ev.Meta.LoopIterationIndex,
		)
		if err == nil {
			cmd.Meta.LoopRetry = true
		}
	} else {
		cmd, err = e.buildCommand(s, step, nil)
	}
	if err != nil {
		return nil, err
	}

	rendered, err := e.deps.Renderer.RenderAny(pageOverrides(clause), rctx)
	if err != nil {
		return nil, fmt.Errorf("step %s retry overrides: %w",
			step.Name, err)
	}
	if overrides, ok := rendered.(map[string]any); ok && cmd.Tool != nil {
		spec := *cmd.Tool
		spec.Config = cmd.Tool.Config.Clone()
		if spec.Config == nil {
			spec.Config = api.Config{}
		}
		for k, v := range overrides {
			spec.Config[k] = mergeConfigValue(spec.Config[k], v)
		}
		cmd.Tool = &spec
	}
	cmd.Attempt = rs.IterationCount + 1
	rs.PendingRetry = true
	return cmd, nil
}

// mergeConfigValue overlays an override onto an existing config entry.
// Mappings merge key-wise so a page parameter leaves its siblings intact
func mergeConfigValue(existing, override any) any {
	base, ok := existing.(map[string]any)
	over, ok2 := override.(map[string]any)
	if !ok || !ok2 {
		return override
	}
	merged := make(map[string]any, len(base)+len(over))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range over {
		merged[k] = v
	}
	return merged
}

// mergeCollected folds the accumulated pages into a step's terminal result
func mergeCollected(rs *state.PaginationState, result any) any {
	if len(rs.CollectedData) == 0 {
		return result
	}
	merged := map[string]any{}
	if m, ok := result.(map[string]any); ok {
		for k, v := range m {
			merged[k] = v
		}
	} else if result != nil {
		merged["result"] = result
	}
	merged["_all_collected_items"] = rs.CollectedData
	merged["_pagination"] = map[string]any{
		"pages_collected": rs.IterationCount,
	}
	return merged
}

func hasActionArcs(step *api.Step) bool {
	if step.Next == nil {
		return false
	}
	for _, arc := range step.Next.Arcs {
		if len(arc.Then) > 0 {
			return true
		}
	}
	return false
}

// pageOverrides pulls the request overrides a retry clause carries, which
// is how paginated sources advance to the next page
func pageOverrides(clause *api.EvalClause) map[string]any {
	overrides := map[string]any{}
	if clause.URL != "" {
		overrides["url"] = clause.URL
	}
	if len(clause.Params) > 0 {
		overrides["params"] = clause.Params
	}
	if len(clause.Headers) > 0 {
		overrides["headers"] = clause.Headers
	}
	if clause.Body != nil {
		overrides["body"] = clause.Body
	}
	if clause.Data != nil {
		overrides["data"] = clause.Data
	}
	return overrides
}
