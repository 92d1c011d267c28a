// Package taskseq runs a step's labelled task pipeline atomically on one
// worker. Tasks execute in order with a local context; per-task eval
// clauses decide whether to continue, retry, jump, break, or fail
package taskseq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tidwall/gjson"

	"github.com/noetl/noetl/internal/render"
	"github.com/noetl/noetl/internal/tools"
	"github.com/noetl/noetl/pkg/api"
	logattr "github.com/noetl/noetl/pkg/log"
)

type (
	// Runner executes task sequences. Sleep is injectable so retry backoff
	// is testable without waiting
	Runner struct {
		registry *tools.Registry
		renderer *render.Renderer
		logger   *slog.Logger
		sleep    func(time.Duration)
	}

	// run is the mutable state of one sequence execution
	run struct {
		cmd     *api.Command
		vars    map[string]any
		iter    map[string]any
		results map[string]any
		prev    any
	}
)

// maxTransitions bounds jump loops so a cyclic sequence cannot spin forever
const maxTransitions = 1000

// NewRunner creates a sequence runner over a tool registry
func NewRunner(
	registry *tools.Registry, renderer *render.Renderer, logger *slog.Logger,
) *Runner {
	return &Runner{
		registry: registry,
		renderer: renderer,
		logger:   logger,
		sleep:    time.Sleep,
	}
}

// WithSleep replaces the retry delay function; tests use this to skip
// real waiting
func (r *Runner) WithSleep(sleep func(time.Duration)) *Runner {
	r.sleep = sleep
	return r
}

// Run executes the command's pipeline and reports the composite result the
// coordinator folds back into execution state
func (r *Runner) Run(
	ctx context.Context, cmd *api.Command,
) *api.TaskSequenceResult {
	st := &run{
		cmd:     cmd,
		vars:    map[string]any{},
		iter:    iterScope(cmd),
		results: map[string]any{},
	}

	idx := 0
	attempt := 1
	overrides := api.Config{}
	transitions := 0

	for idx < len(cmd.Pipeline) {
		transitions++
		if transitions > maxTransitions {
			return r.fail(st, cmd.Pipeline[idx].Name, &api.OutcomeError{
				Kind:    api.ErrKindUnknown,
				Message: "task sequence exceeded transition limit",
			})
		}

		task := cmd.Pipeline[idx]
		outcome, err := r.runTask(ctx, st, task, attempt, overrides)
		if err != nil {
			return r.fail(st, task.Name, tools.Classify(err))
		}

		decision, clause, err := r.decide(st, task, outcome, attempt)
		if err != nil {
			return r.fail(st, task.Name, tools.Classify(err))
		}

		if clause != nil {
			if err := r.applyAssignments(st, clause, outcome); err != nil {
				return r.fail(st, task.Name, tools.Classify(err))
			}
		}

		switch decision {
		case api.ActionContinue:
			st.record(task.Name, outcome)
			idx++
			attempt = 1
			overrides = api.Config{}

		case api.ActionRetry:
			attempts := clauseAttempts(clause)
			if attempt >= attempts {
				r.logger.Warn("retries exhausted",
					logattr.Task(task.Name),
					slog.Int("attempts", attempt),
				)
				return r.fail(st, task.Name, outcome.Error)
			}
			r.sleep(retryDelay(clause, attempt))
			overrides = retryOverrides(clause)
			attempt++

		case api.ActionJump:
			target := taskIndex(cmd.Pipeline, clause.To)
			if target < 0 {
				return r.fail(st, task.Name, &api.OutcomeError{
					Kind:    api.ErrKindUnknown,
					Message: fmt.Sprintf("jump target %q not found", clause.To),
				})
			}
			st.record(task.Name, outcome)
			idx = target
			attempt = 1
			overrides = api.Config{}

		case api.ActionBreak:
			st.record(task.Name, outcome)
			return &api.TaskSequenceResult{
				Status:           api.SequenceBreak,
				Prev:             st.prev,
				Results:          st.results,
				StepVars:         st.vars,
				Ctx:              st.vars,
				RemainingActions: remainingTasks(cmd.Pipeline, idx+1),
				LoopEventID:      loopEventID(cmd),
			}

		case api.ActionFail:
			failErr := outcome.Error
			if failErr == nil {
				failErr = &api.OutcomeError{
					Kind:    api.ErrKindUnknown,
					Message: "task failed by eval rule",
				}
			}
			return r.fail(st, task.Name, failErr)
		}
	}

	return &api.TaskSequenceResult{
		Status:      api.SequenceCompleted,
		Prev:        st.prev,
		Results:     st.results,
		StepVars:    st.vars,
		Ctx:         st.vars,
		LoopEventID: loopEventID(cmd),
	}
}

func (r *Runner) runTask(
	ctx context.Context, st *run, task *api.Task, attempt int,
	overrides api.Config,
) (*api.Outcome, error) {
	cfg, err := r.renderConfig(st, task, attempt, overrides)
	if err != nil {
		return nil, err
	}

	call := &tools.Call{
		Config:  cfg,
		Context: st.templateContext(nil, attempt, task.Name),
		Step:    st.cmd.Step,
		Task:    task.Name,
	}
	return r.registry.Execute(ctx, task.Tool.Kind, call, attempt), nil
}

func (r *Runner) renderConfig(
	st *run, task *api.Task, attempt int, overrides api.Config,
) (api.Config, error) {
	merged := task.Tool.Config.Clone()
	if merged == nil {
		merged = api.Config{}
	}
	for k, v := range overrides {
		merged[k] = v
	}

	ctx := st.templateContext(nil, attempt, task.Name)
	rendered, err := r.renderer.RenderAny(map[string]any(merged), ctx)
	if err != nil {
		return nil, fmt.Errorf("render task config: %w", err)
	}
	return api.Config(rendered.(map[string]any)), nil
}

// decide evaluates the task's eval clauses against the outcome. With no
// clauses the defaults apply: success continues, error fails
func (r *Runner) decide(
	st *run, task *api.Task, outcome *api.Outcome, attempt int,
) (api.EvalAction, *api.EvalClause, error) {
	if len(task.Eval) == 0 {
		if outcome.Failed() {
			return api.ActionFail, nil, nil
		}
		return api.ActionContinue, nil, nil
	}

	ctx := st.templateContext(outcome, attempt, task.Name)
	for _, clause := range task.Eval {
		if clause.Else != nil {
			return r.resolveAction(st, clause.Else, outcome), clause.Else, nil
		}
		matched, err := r.renderer.RenderBool(clause.Expr, ctx)
		if err != nil {
			// a condition probing a branch the outcome does not carry
			// (outcome.error on success, a missing cursor field) simply
			// does not match
			if errors.Is(err, render.ErrUndefinedRef) {
				continue
			}
			return "", nil, fmt.Errorf("eval %q: %w", clause.Expr, err)
		}
		if matched {
			return r.resolveAction(st, clause, outcome), clause, nil
		}
	}

	// nothing matched and no else: fall back to the defaults
	if outcome.Failed() {
		return api.ActionFail, nil, nil
	}
	return api.ActionContinue, nil, nil
}

// resolveAction maps a matched clause to its control action, running any
// collect extraction inline
func (r *Runner) resolveAction(
	st *run, clause *api.EvalClause, outcome *api.Outcome,
) api.EvalAction {
	action := clause.Do
	if action == "" {
		if outcome.Failed() {
			return api.ActionFail
		}
		return api.ActionContinue
	}
	if action == api.ActionCollect {
		st.collect(clause, outcome)
		return api.ActionContinue
	}
	return action
}

func (r *Runner) applyAssignments(
	st *run, clause *api.EvalClause, outcome *api.Outcome,
) error {
	if len(clause.SetVars) == 0 && len(clause.SetIter) == 0 {
		return nil
	}
	ctx := st.templateContext(outcome, 0, "")
	for k, tpl := range clause.SetVars {
		v, err := r.renderer.RenderAny(tpl, ctx)
		if err != nil {
			return fmt.Errorf("set_vars %s: %w", k, err)
		}
		st.vars[k] = v
	}
	for k, tpl := range clause.SetIter {
		v, err := r.renderer.RenderAny(tpl, ctx)
		if err != nil {
			return fmt.Errorf("set_iter %s: %w", k, err)
		}
		st.iter[k] = v
	}
	return nil
}

func (r *Runner) fail(
	st *run, taskName string, oe *api.OutcomeError,
) *api.TaskSequenceResult {
	if oe == nil {
		oe = &api.OutcomeError{
			Kind:    api.ErrKindUnknown,
			Message: "task failed without a classified error",
		}
	}
	r.logger.Warn("task sequence failed",
		logattr.Step(st.cmd.Step),
		logattr.Task(taskName),
		logattr.Error(oe),
	)
	return &api.TaskSequenceResult{
		Status:      api.SequenceFailed,
		Prev:        st.prev,
		Results:     st.results,
		StepVars:    st.vars,
		Ctx:         st.vars,
		Error:       oe,
		FailedTask:  taskName,
		LoopEventID: loopEventID(st.cmd),
	}
}

// record stores a successful task's result and advances _prev
func (st *run) record(name string, outcome *api.Outcome) {
	if outcome.Failed() {
		return
	}
	st.results[name] = outcome.Result
	st.prev = outcome.Result
}

// collect extracts a path from the outcome result and accumulates it into
// a step var following the clause's mode
func (st *run) collect(clause *api.EvalClause, outcome *api.Outcome) {
	value := outcome.Result
	if clause.Path != "" {
		raw, err := json.Marshal(outcome.Result)
		if err != nil {
			return
		}
		value = gjson.GetBytes(raw, clause.Path).Value()
	}

	into := clause.Into
	if into == "" {
		into = "collected"
	}

	switch clause.Mode {
	case api.CollectReplace:
		st.vars[into] = value
	case api.CollectExtend:
		prior, _ := st.vars[into].([]any)
		if items, ok := value.([]any); ok {
			st.vars[into] = append(prior, items...)
		} else if value != nil {
			st.vars[into] = append(prior, value)
		}
	default:
		prior, _ := st.vars[into].([]any)
		st.vars[into] = append(prior, value)
	}
}

// templateContext builds the mapping eval expressions and config templates
// evaluate against
func (st *run) templateContext(
	outcome *api.Outcome, attempt int, taskName string,
) map[string]any {
	ctx := make(map[string]any, len(st.cmd.Context)+8)
	for k, v := range st.cmd.Context {
		ctx[k] = v
	}
	for k, v := range st.cmd.Args {
		ctx[k] = v
	}
	ctx["vars"] = st.vars
	ctx["iter"] = st.iter
	ctx["results"] = st.results
	if st.prev != nil {
		ctx["_prev"] = st.prev
	}
	if taskName != "" {
		ctx["_task"] = taskName
	}
	if attempt > 0 {
		ctx["_attempt"] = attempt
	}
	if outcome != nil {
		ctx["outcome"] = outcome.AsMap()
	}
	return ctx
}

func clauseAttempts(clause *api.EvalClause) int {
	if clause == nil || clause.Attempts <= 0 {
		return api.DefaultMaxAttempts
	}
	return clause.Attempts
}

func retryDelay(clause *api.EvalClause, attempt int) time.Duration {
	if clause == nil {
		return 0
	}
	secs := clause.Backoff.Delay(clause.Delay, attempt)
	return time.Duration(secs * float64(time.Second))
}

// retryOverrides pulls the HTTP-parameter overrides a retry clause carries,
// which is how paginated sources advance to the next page
func retryOverrides(clause *api.EvalClause) api.Config {
	overrides := api.Config{}
	if clause == nil {
		return overrides
	}
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

func taskIndex(tasks []*api.Task, name string) int {
	for i, t := range tasks {
		if t.Name == name {
			return i
		}
	}
	return -1
}

func remainingTasks(tasks []*api.Task, from int) []string {
	if from >= len(tasks) {
		return nil
	}
	names := make([]string, 0, len(tasks)-from)
	for _, t := range tasks[from:] {
		names = append(names, t.Name)
	}
	return names
}

func iterScope(cmd *api.Command) map[string]any {
	if scope, ok := cmd.Args["iter"].(map[string]any); ok {
		return scope
	}
	return map[string]any{}
}

func loopEventID(cmd *api.Command) api.ID {
	if cmd == nil || cmd.Meta == nil {
		return 0
	}
	return cmd.Meta.LoopEventID
}

