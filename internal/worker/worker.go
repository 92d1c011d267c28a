// Package worker is the execution side of the system. A worker wakes on
// bus notifications, claims the referenced command from the queue, runs the
// tool or task sequence it carries, and reports progress back to the
// coordinator through events. Workers hold no state between commands
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/noetl/noetl/internal/bus"
	"github.com/noetl/noetl/internal/metrics"
	"github.com/noetl/noetl/internal/queue"
	"github.com/noetl/noetl/internal/render"
	"github.com/noetl/noetl/internal/taskseq"
	"github.com/noetl/noetl/internal/tools"
	"github.com/noetl/noetl/pkg/api"
	logattr "github.com/noetl/noetl/pkg/log"
)

type (
	// Coordinator is the worker's view of the control plane. In-process
	// deployments wire it straight to the engine; remote workers use the
	// HTTP client
	Coordinator interface {
		Claim(
			ctx context.Context, workerID string, queueID api.ID,
		) (*api.Command, error)
		Complete(ctx context.Context, queueID api.ID, outcome string) error
		EmitEvent(ctx context.Context, ev *api.Event) error
		IsCancelled(ctx context.Context, executionID api.ID) (bool, error)
	}

	// Dependencies wires a worker's collaborators. Bus may be nil when the
	// caller drives Handle directly
	Dependencies struct {
		Coordinator Coordinator
		Registry    *tools.Registry
		Sequences   *taskseq.Runner
		Renderer    *render.Renderer
		Bus         bus.Bus
		Logger      *slog.Logger
		ID          string
	}

	// Worker claims and executes commands. Handle is safe for concurrent
	// notifications; commands are independent by construction
	Worker struct {
		deps Dependencies
	}
)

// New creates a worker. A missing ID is derived from the hostname so log
// lines and claims stay attributable
func New(deps Dependencies) *Worker {
	if deps.ID == "" {
		deps.ID = defaultWorkerID()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Worker{deps: deps}
}

// ID returns the worker's claim identity
func (w *Worker) ID() string {
	return w.deps.ID
}

// Run consumes bus notifications until ctx is cancelled
func (w *Worker) Run(ctx context.Context) error {
	w.deps.Logger.Info("worker started",
		logattr.WorkerID(w.deps.ID),
	)
	return w.deps.Bus.Subscribe(ctx, w.Handle)
}

// Handle processes one notification: claim, cancellation check, execute,
// report. Returning an error redelivers the notification; once a command
// is claimed the worker owns it and reports failures through events
// instead
func (w *Worker) Handle(ctx context.Context, n *api.Notification) error {
	cmd, err := w.deps.Coordinator.Claim(ctx, w.deps.ID, n.QueueID)
	if err != nil {
		w.deps.Logger.Warn("claim failed",
			logattr.WorkerID(w.deps.ID),
			logattr.QueueID(n.QueueID),
			logattr.Error(err),
		)
		return err
	}
	if cmd == nil {
		// duplicate wake-up; another worker holds the command
		w.deps.Logger.Debug("command already claimed",
			logattr.QueueID(n.QueueID),
		)
		return nil
	}
	metrics.CommandsClaimed.Inc()

	cancelled, err := w.deps.Coordinator.IsCancelled(ctx, cmd.ExecutionID)
	if err != nil {
		w.deps.Logger.Warn("cancellation check failed",
			logattr.ExecutionID(cmd.ExecutionID),
			logattr.Error(err),
		)
	}
	if cancelled {
		w.deps.Logger.Info("skipping command for cancelled execution",
			logattr.ExecutionID(cmd.ExecutionID),
			logattr.Step(cmd.Step),
		)
		w.complete(ctx, cmd, queue.OutcomeCancelled)
		return nil
	}

	w.deps.Logger.Info("executing command",
		logattr.WorkerID(w.deps.ID),
		logattr.ExecutionID(cmd.ExecutionID),
		logattr.Step(cmd.Step),
		logattr.QueueID(cmd.QueueID),
	)
	w.emit(ctx, &api.Event{
		ExecutionID: cmd.ExecutionID,
		Name:        api.EventStepEnter,
		Step:        cmd.Step,
		Status:      api.StatusRunning,
		Meta:        iterationMeta(cmd),
	})

	if len(cmd.Pipeline) > 0 {
		w.runSequence(ctx, cmd)
		return nil
	}
	w.runTool(ctx, cmd)
	return nil
}

// runTool renders the tool configuration against the command's context and
// executes a single tool call
func (w *Worker) runTool(ctx context.Context, cmd *api.Command) {
	if cmd.Tool == nil {
		w.reportFailure(ctx, cmd, &api.OutcomeError{
			Kind:    api.ErrKindUnknown,
			Message: "command carries no tool",
		}, 0)
		return
	}

	rctx := templateContext(cmd)
	cfg, err := w.renderConfig(cmd, rctx)
	if err != nil {
		w.reportFailure(ctx, cmd, tools.Classify(err), 0)
		return
	}

	attempt := cmd.Attempt
	if attempt < 1 {
		attempt = 1
	}
	outcome := w.deps.Registry.Execute(ctx, cmd.Tool.Kind, &tools.Call{
		Config:  cfg,
		Context: rctx,
		Step:    cmd.Step,
	}, attempt)

	if outcome.Failed() {
		w.reportFailure(ctx, cmd, outcome.Error, outcome.Meta.Duration)
		return
	}
	w.reportSuccess(ctx, cmd, outcome.Result, outcome.Meta.Duration)
}

// runSequence executes the command's pipeline atomically and reports the
// composite result through a single call.done on the sequence key
func (w *Worker) runSequence(ctx context.Context, cmd *api.Command) {
	seq := w.deps.Sequences.Run(ctx, cmd)
	meta := iterationMeta(cmd)

	w.emit(ctx, &api.Event{
		ExecutionID: cmd.ExecutionID,
		Name:        api.EventCallDone,
		Step:        cmd.Step,
		Status:      api.StatusRunning,
		Result:      seq,
		Meta:        meta,
	})

	status := api.StatusCompleted
	outcome := queue.OutcomeCompleted
	if seq.Status == api.SequenceFailed {
		status = api.StatusFailed
		outcome = queue.OutcomeFailed
	}
	w.complete(ctx, cmd, outcome)

	w.emit(ctx, &api.Event{
		ExecutionID: cmd.ExecutionID,
		Name:        api.EventStepExit,
		Step:        cmd.Step,
		Status:      status,
		Meta:        meta,
	})
	w.emitCommandTerminal(ctx, cmd, status)
}

// reportSuccess plays out the success protocol: call.done, queue
// completion, step.exit, command.completed
func (w *Worker) reportSuccess(
	ctx context.Context, cmd *api.Command, result any, duration int64,
) {
	meta := iterationMeta(cmd)

	w.emit(ctx, &api.Event{
		ExecutionID: cmd.ExecutionID,
		Name:        api.EventCallDone,
		Step:        cmd.Step,
		Status:      api.StatusRunning,
		Result:      result,
		Duration:    duration,
		Meta:        meta,
	})
	w.complete(ctx, cmd, queue.OutcomeCompleted)
	w.emit(ctx, &api.Event{
		ExecutionID: cmd.ExecutionID,
		Name:        api.EventStepExit,
		Step:        cmd.Step,
		Status:      api.StatusCompleted,
		Result:      result,
		Meta:        meta,
	})
	w.emitCommandTerminal(ctx, cmd, api.StatusCompleted)
}

// reportFailure emits call.error and retires the queue entry. Loop
// iterations additionally emit a failed step.exit so loop accounting
// advances past the iteration
func (w *Worker) reportFailure(
	ctx context.Context, cmd *api.Command, oe *api.OutcomeError,
	duration int64,
) {
	meta := iterationMeta(cmd)
	w.deps.Logger.Warn("command failed",
		logattr.ExecutionID(cmd.ExecutionID),
		logattr.Step(cmd.Step),
		logattr.Error(oe),
	)

	w.emit(ctx, &api.Event{
		ExecutionID: cmd.ExecutionID,
		Name:        api.EventCallError,
		Step:        cmd.Step,
		Status:      api.StatusFailed,
		Error:       oe,
		Duration:    duration,
		Meta:        meta,
	})
	w.complete(ctx, cmd, queue.OutcomeFailed)
	if cmd.IsLoopIteration() {
		w.emit(ctx, &api.Event{
			ExecutionID: cmd.ExecutionID,
			Name:        api.EventStepExit,
			Step:        cmd.Step,
			Status:      api.StatusFailed,
			Error:       oe,
			Meta:        meta,
		})
	}
	w.emitCommandTerminal(ctx, cmd, api.StatusFailed)
}

func (w *Worker) emitCommandTerminal(
	ctx context.Context, cmd *api.Command, status api.Status,
) {
	name := api.EventCommandCompleted
	if status == api.StatusFailed {
		name = api.EventCommandFailed
	}
	w.emit(ctx, &api.Event{
		ExecutionID: cmd.ExecutionID,
		Name:        name,
		Step:        cmd.Step,
		Status:      status,
	})
}

// emit posts one event to the coordinator. Delivery is best effort once
// the command is claimed; the coordinator's lease sweep and tail repair
// recover from lost reports
func (w *Worker) emit(ctx context.Context, ev *api.Event) {
	ev.WorkerID = w.deps.ID
	if err := w.deps.Coordinator.EmitEvent(ctx, ev); err != nil {
		w.deps.Logger.Error("event emit failed",
			logattr.ExecutionID(ev.ExecutionID),
			logattr.EventName(ev.Name),
			logattr.Step(ev.Step),
			logattr.Error(err),
		)
	}
}

func (w *Worker) complete(
	ctx context.Context, cmd *api.Command, outcome string,
) {
	if err := w.deps.Coordinator.Complete(
		ctx, cmd.QueueID, outcome,
	); err != nil {
		w.deps.Logger.Error("queue completion failed",
			logattr.QueueID(cmd.QueueID),
			logattr.Error(err),
		)
		return
	}
	metrics.CommandsCompleted.WithLabelValues(outcome).Inc()
}

func (w *Worker) renderConfig(
	cmd *api.Command, rctx map[string]any,
) (api.Config, error) {
	cfg := cmd.Tool.Config.Clone()
	if cfg == nil {
		return api.Config{}, nil
	}
	rendered, err := w.deps.Renderer.RenderAny(map[string]any(cfg), rctx)
	if err != nil {
		return nil, fmt.Errorf("render tool config: %w", err)
	}
	m, ok := rendered.(map[string]any)
	if !ok {
		return api.Config{}, nil
	}
	return api.Config(m), nil
}

// templateContext is what tool config templates see: the execution
// variables the coordinator snapshotted, overlaid with the rendered step
// args (iterator bindings included)
func templateContext(cmd *api.Command) map[string]any {
	rctx := make(map[string]any, len(cmd.Context)+len(cmd.Args))
	for k, v := range cmd.Context {
		rctx[k] = v
	}
	for k, v := range cmd.Args {
		rctx[k] = v
	}
	return rctx
}

func iterationMeta(cmd *api.Command) *api.EventMeta {
	if cmd.Meta == nil {
		return nil
	}
	meta := &api.EventMeta{
		Step:       cmd.Step,
		ParentStep: cmd.Meta.ParentStep,
	}
	if !cmd.Meta.LoopEventID.IsZero() {
		meta.LoopStep = cmd.Meta.LoopStep
		meta.LoopEventID = cmd.Meta.LoopEventID
		meta.LoopIterationIndex = cmd.Meta.LoopIterationIndex
		meta.LoopRetry = cmd.Meta.LoopRetry
	}
	if cmd.Meta.TaskSequence {
		meta.TaskSequence = true
		meta.TaskNames = cmd.Meta.TaskNames
	}
	return meta
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}
