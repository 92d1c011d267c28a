// Package tools runs the executor kinds a task can declare. Each tool takes
// a rendered configuration and returns a plain value; failures are
// classified into the closed error taxonomy eval conditions route on
package tools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/noetl/noetl/internal/metrics"
	"github.com/noetl/noetl/pkg/api"
)

type (
	// Call is one tool invocation: the rendered config plus the variable
	// context the tool may read
	Call struct {
		Config  api.Config
		Context map[string]any
		Step    string
		Task    string
	}

	// Tool executes one kind of task. Call returns the tool's result value;
	// errors should be typed so Classify can fill outcome.error
	Tool interface {
		Kind() api.ToolKind
		Call(ctx context.Context, call *Call) (any, error)
	}

	// Registry maps tool kinds to their executors
	Registry struct {
		tools map[api.ToolKind]Tool
	}
)

var ErrUnknownKind = errors.New("no tool registered for kind")

// NewRegistry creates a registry holding the given tools
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: map[api.ToolKind]Tool{}}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// Register adds a tool, replacing any prior registration for its kind
func (r *Registry) Register(t Tool) {
	r.tools[t.Kind()] = t
}

// Lookup returns the tool for a kind
func (r *Registry) Lookup(kind api.ToolKind) (Tool, error) {
	t, ok := r.tools[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return t, nil
}

// Execute runs one attempt and wraps the result or classified error into an
// outcome
func (r *Registry) Execute(
	ctx context.Context, kind api.ToolKind, call *Call, attempt int,
) *api.Outcome {
	start := time.Now()
	outcome := r.execute(ctx, kind, call)
	elapsed := time.Since(start)

	outcome.Meta = api.OutcomeMeta{
		Attempt:  attempt,
		Duration: elapsed.Milliseconds(),
	}
	metrics.ToolDuration.WithLabelValues(string(kind)).
		Observe(elapsed.Seconds())
	return outcome
}

func (r *Registry) execute(
	ctx context.Context, kind api.ToolKind, call *Call,
) *api.Outcome {
	t, err := r.Lookup(kind)
	if err != nil {
		return &api.Outcome{Status: api.OutcomeErrored, Error: Classify(err)}
	}

	result, err := t.Call(ctx, call)
	if err != nil {
		outcome := &api.Outcome{
			Status: api.OutcomeErrored,
			Error:  Classify(err),
		}
		attachHelpers(outcome, err)
		return outcome
	}
	return &api.Outcome{Status: api.OutcomeSuccess, Result: result}
}

// attachHelpers fills the tool-specific helper maps eval expressions use
// (outcome.http.status, outcome.pg.code, outcome.py.exception)
func attachHelpers(outcome *api.Outcome, err error) {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		outcome.HTTP = map[string]any{
			"status": httpErr.StatusCode,
			"body":   httpErr.Body,
		}
	}
	var pyErr *PythonError
	if errors.As(err, &pyErr) {
		outcome.Py = map[string]any{
			"exception": pyErr.ExceptionType,
			"message":   pyErr.Message,
		}
	}
	if outcome.Error != nil && outcome.Error.PGCode != "" {
		outcome.PG = map[string]any{"code": outcome.Error.PGCode}
	}
}
