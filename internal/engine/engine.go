// Package engine is the control-flow coordinator. It consumes events,
// replays or mutates per-execution state, evaluates routing and loops, and
// publishes the commands workers execute. All writes flow through the event
// log; the engine holds no durable state of its own
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/noetl/noetl/internal/bus"
	"github.com/noetl/noetl/internal/catalog"
	"github.com/noetl/noetl/internal/config"
	"github.com/noetl/noetl/internal/eventlog"
	"github.com/noetl/noetl/internal/ids"
	"github.com/noetl/noetl/internal/loopkv"
	"github.com/noetl/noetl/internal/metrics"
	"github.com/noetl/noetl/internal/queue"
	"github.com/noetl/noetl/internal/render"
	"github.com/noetl/noetl/internal/results"
	"github.com/noetl/noetl/internal/state"
	"github.com/noetl/noetl/internal/vars"
	"github.com/noetl/noetl/pkg/api"
	logattr "github.com/noetl/noetl/pkg/log"
)

type (
	// Dependencies wires the engine's collaborators. Bus and Results may be
	// nil: notifications and result externalization are then skipped
	Dependencies struct {
		Log      eventlog.Store
		Queue    queue.Queue
		Bus      bus.Bus
		Loops    loopkv.KV
		States   *state.Reconstructor
		Catalog  catalog.Catalog
		Vars     vars.Store
		Results  *results.Store
		Renderer *render.Renderer
		Logger   *slog.Logger
		Config   *config.Config
		NextID   func() api.ID
	}

	// Engine coordinates executions. Event handling is serialized per
	// execution by a keyed lock; different executions proceed in parallel
	Engine struct {
		deps    Dependencies
		retries *RetryQueue
		locks   map[api.ID]*executionLock
		mu      sync.Mutex
	}

	executionLock struct {
		mu   sync.Mutex
		refs int
	}

	// StartRequest names the playbook to run, by catalog ID or path, plus
	// the workload overrides merged on top of the playbook defaults
	StartRequest struct {
		Payload           map[string]any
		Path              string
		CatalogID         api.ID
		ParentExecutionID api.ID
	}

	// StartResult reports the new execution and its initial commands
	StartResult struct {
		Commands    []*api.Command
		ExecutionID api.ID
	}
)

var (
	ErrExecutionNotFound = errors.New("execution not found")
	ErrNoEntryStep       = errors.New("playbook has no entry step")
)

// New creates an engine over its dependencies
func New(deps Dependencies) *Engine {
	if deps.NextID == nil {
		deps.NextID = ids.Next
	}
	if deps.Config == nil {
		deps.Config = config.NewDefaultConfig()
	}
	return &Engine{
		deps:    deps,
		retries: NewRetryQueue(),
		locks:   map[api.ID]*executionLock{},
	}
}

// Run drains the delayed-retry queue until ctx is cancelled. Deployments
// that never schedule coordinator-side retries can skip it
func (e *Engine) Run(ctx context.Context) {
	timer := &retryTimer{}
	defer timer.Stop()

	for {
		next, ok := e.retries.Peek()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case _, open := <-e.retries.Notify():
				if !open {
					return
				}
				continue
			}
		}
		select {
		case <-ctx.Done():
			return
		case _, open := <-e.retries.Notify():
			if !open {
				return
			}
		case now := <-timer.Reset(next):
			for _, item := range e.retries.PopReady(now) {
				if err := e.reissue(ctx, item); err != nil {
					e.deps.Logger.Error("retry reissue failed",
						logattr.ExecutionID(item.ExecutionID),
						logattr.Step(item.Command.Step),
						logattr.Error(err),
					)
				}
			}
		}
	}
}

// Stop shuts the retry queue down
func (e *Engine) Stop() {
	e.retries.Stop()
}

// StartExecution creates an execution: it appends the initialization pair,
// seeds cached state, and issues the entry step's commands
func (e *Engine) StartExecution(
	ctx context.Context, req *StartRequest,
) (*StartResult, error) {
	pb, catalogID, err := e.resolvePlaybook(ctx, req)
	if err != nil {
		return nil, err
	}
	entry := pb.EntryStep()
	if entry == nil {
		return nil, ErrNoEntryStep
	}

	executionID := e.deps.NextID()
	unlock := e.lock(executionID)
	defer unlock()

	s := state.New(executionID, pb)
	s.CatalogID = catalogID
	s.ParentExecutionID = req.ParentExecutionID

	workload := map[string]any{}
	for k, v := range pb.Workload {
		workload[k] = v
	}
	for k, v := range req.Payload {
		workload[k] = v
	}
	snapshot := map[string]any{
		"workload":      workload,
		"playbook_path": req.Path,
	}

	rootID, err := e.append(ctx, s, &api.Event{
		ExecutionID:       executionID,
		ParentExecutionID: req.ParentExecutionID,
		CatalogID:         catalogID,
		Name:              api.EventPlaybookInitialized,
		Status:            api.StatusRunning,
		Result:            snapshot,
	})
	if err != nil {
		return nil, err
	}
	if _, err := e.append(ctx, s, &api.Event{
		ExecutionID:   executionID,
		ParentEventID: rootID,
		Name:          api.EventWorkflowInitialized,
		Status:        api.StatusRunning,
		Result:        snapshot,
	}); err != nil {
		return nil, err
	}

	cmds, err := e.issueStep(ctx, s, entry, nil, rootID)
	if err != nil {
		return nil, err
	}
	if err := e.publish(ctx, s, cmds, rootID); err != nil {
		return nil, err
	}
	e.deps.States.Cache(s)

	metrics.ExecutionsStarted.Inc()
	e.deps.Logger.Info("execution started",
		logattr.ExecutionID(executionID),
		logattr.CatalogID(catalogID),
		logattr.Step(entry.Name),
	)
	return &StartResult{ExecutionID: executionID, Commands: cmds}, nil
}

// Cancel appends execution.cancelled, optionally cascading through child
// executions started by playbook tools
func (e *Engine) Cancel(
	ctx context.Context, executionID api.ID, cascade bool, reason string,
) error {
	return e.cancel(ctx, executionID, cascade, reason, false)
}

func (e *Engine) cancel(
	ctx context.Context, executionID api.ID, cascade bool, reason string,
	auto bool,
) error {
	unlock := e.lock(executionID)
	s, err := e.deps.States.Load(ctx, executionID)
	if err != nil {
		unlock()
		return err
	}
	if s == nil {
		unlock()
		return ErrExecutionNotFound
	}

	if !s.Completed {
		_, err = e.append(ctx, s, &api.Event{
			ExecutionID: executionID,
			Name:        api.EventExecutionCancelled,
			Status:      api.StatusCancelled,
			Meta:        &api.EventMeta{Reason: reason, AutoCancelled: auto},
		})
		if err != nil {
			unlock()
			return err
		}
		e.retries.RemoveExecution(executionID)
		e.deps.States.Invalidate(executionID)
		metrics.ExecutionsCompleted.
			WithLabelValues(statusLabel(api.StatusCancelled)).Inc()
		e.deps.Logger.Info("execution cancelled",
			logattr.ExecutionID(executionID),
			slog.String("reason", reason),
		)
	}
	unlock()

	if !cascade {
		return nil
	}
	children, err := e.deps.Log.ChildExecutions(ctx, executionID)
	if err != nil {
		return err
	}
	for _, child := range children {
		err := e.cancel(ctx, child, true, reason, auto)
		if err != nil && !errors.Is(err, ErrExecutionNotFound) {
			return err
		}
	}
	return nil
}

// Finalize forces the failed terminal pair onto an execution stuck without
// one, typically after its workers vanished. Already-terminal executions
// are left untouched
func (e *Engine) Finalize(ctx context.Context, executionID api.ID) error {
	unlock := e.lock(executionID)
	defer unlock()

	s, err := e.deps.States.Load(ctx, executionID)
	if err != nil {
		return err
	}
	if s == nil {
		return ErrExecutionNotFound
	}
	if s.Completed {
		return nil
	}

	wfID, err := e.append(ctx, s, &api.Event{
		ExecutionID:   executionID,
		ParentEventID: s.LastEventID,
		Name:          api.EventWorkflowFailed,
		Status:        api.StatusFailed,
		Meta:          &api.EventMeta{Reason: "finalized by operator"},
	})
	if err != nil {
		return err
	}
	if _, err := e.append(ctx, s, &api.Event{
		ExecutionID:   executionID,
		ParentEventID: wfID,
		Name:          api.EventPlaybookFailed,
		Status:        api.StatusFailed,
	}); err != nil {
		return err
	}

	e.retries.RemoveExecution(executionID)
	e.deps.States.Invalidate(executionID)
	metrics.ExecutionsCompleted.
		WithLabelValues(statusLabel(api.StatusFailed)).Inc()
	e.deps.Logger.Info("execution finalized",
		logattr.ExecutionID(executionID),
	)
	return nil
}

// IsCancelled reports whether an execution has been cancelled. Workers
// check this before starting claimed work
func (e *Engine) IsCancelled(
	ctx context.Context, executionID api.ID,
) (bool, error) {
	n, err := e.deps.Log.Count(ctx, executionID, eventlog.Filter{
		Types: []api.EventName{
			api.EventExecutionCancelled,
			api.EventPlaybookCancelled,
		},
	})
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CleanupStuck cancels executions initialized before the cutoff that never
// reached a terminal event. With dryRun it only reports them
func (e *Engine) CleanupStuck(
	ctx context.Context, olderThan time.Time, dryRun bool,
) ([]api.ID, error) {
	stuck, err := e.deps.Log.StuckExecutions(ctx, olderThan)
	if err != nil {
		return nil, err
	}
	if dryRun {
		return stuck, nil
	}
	for _, executionID := range stuck {
		err := e.cancel(ctx, executionID, true, "stuck execution sweep", true)
		if err != nil && !errors.Is(err, ErrExecutionNotFound) {
			return stuck, err
		}
	}
	return stuck, nil
}

// StartChild implements the playbook tool's child-execution contract
func (e *Engine) StartChild(
	ctx context.Context, path string, payload map[string]any,
	parentExecutionID api.ID,
) (api.ID, error) {
	res, err := e.StartExecution(ctx, &StartRequest{
		Path:              path,
		Payload:           payload,
		ParentExecutionID: parentExecutionID,
	})
	if err != nil {
		return 0, err
	}
	return res.ExecutionID, nil
}

func (e *Engine) resolvePlaybook(
	ctx context.Context, req *StartRequest,
) (*api.Playbook, api.ID, error) {
	if !req.CatalogID.IsZero() {
		entry, err := e.deps.Catalog.Lookup(ctx, req.CatalogID)
		if err != nil {
			return nil, 0, err
		}
		if req.Path == "" {
			req.Path = entry.Path
		}
		return entry.Playbook, entry.CatalogID, nil
	}
	entry, err := e.deps.Catalog.ByPath(ctx, req.Path)
	if err != nil {
		return nil, 0, fmt.Errorf("resolve %q: %w", req.Path, err)
	}
	return entry.Playbook, entry.CatalogID, nil
}

// lock serializes event handling per execution
func (e *Engine) lock(executionID api.ID) func() {
	e.mu.Lock()
	l, ok := e.locks[executionID]
	if !ok {
		l = &executionLock{}
		e.locks[executionID] = l
	}
	l.refs++
	e.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, executionID)
		}
		e.mu.Unlock()
	}
}

// append persists an event, stamps lineage metadata, and folds it into the
// in-memory state so the cached copy stays consistent with the log
func (e *Engine) append(
	ctx context.Context, s *state.ExecutionState, ev *api.Event,
) (api.ID, error) {
	if ev.Meta == nil {
		ev.Meta = &api.EventMeta{}
	}
	ev.Meta.ExecutionID = s.ExecutionID
	if ev.CatalogID.IsZero() {
		ev.CatalogID = s.CatalogID
	}
	ev.Meta.CatalogID = ev.CatalogID
	if !s.RootEventID.IsZero() {
		ev.Meta.RootEventID = s.RootEventID
	}
	if ev.Name == api.EventStepExit {
		if rs, ok := s.PaginationState[api.ParentStepKey(ev.Step)]; ok {
			if rs.PendingRetry {
				// intermediate pagination pages must not count as step
				// completions on replay
				ev.Meta.PaginationPage = true
			} else if len(rs.CollectedData) > 0 {
				// the terminal page's persisted result carries the
				// accumulated pages so replay reproduces them
				ev.Result = mergeCollected(rs, ev.Result)
			}
		}
	}

	id, err := e.deps.Log.Append(ctx, ev)
	if err != nil {
		return 0, fmt.Errorf("append %s: %w", ev.Name, err)
	}
	s.Apply(ev)
	metrics.EventsAppended.WithLabelValues(string(ev.Name)).Inc()
	return id, nil
}

// publish records command.issued for every command, stores the command in
// the queue, and emits the wake-up notification
func (e *Engine) publish(
	ctx context.Context, s *state.ExecutionState, cmds []*api.Command,
	parentEventID api.ID,
) error {
	for _, cmd := range cmds {
		queueID, err := e.deps.Queue.Publish(ctx, cmd)
		if err != nil {
			return fmt.Errorf("publish command: %w", err)
		}
		cmd.QueueID = queueID

		meta := &api.EventMeta{ParentStep: cmd.ParentStep()}
		if cmd.Meta != nil {
			meta.LoopStep = cmd.Meta.LoopStep
			meta.LoopEventID = cmd.Meta.LoopEventID
			meta.LoopIterationIndex = cmd.Meta.LoopIterationIndex
			meta.LoopRetry = cmd.Meta.LoopRetry
			meta.TaskSequence = cmd.Meta.TaskSequence
			meta.TaskNames = cmd.Meta.TaskNames
		}
		if _, err := e.append(ctx, s, &api.Event{
			ExecutionID:   s.ExecutionID,
			ParentEventID: parentEventID,
			Name:          api.EventCommandIssued,
			Status:        api.StatusPending,
			Step:          cmd.Step,
			Meta:          meta,
		}); err != nil {
			return err
		}

		metrics.CommandsIssued.Inc()
		e.notify(ctx, s.ExecutionID, queueID, cmd.Step)
	}
	return nil
}

// notify publishes the bus wake-up. Delivery is best-effort: the command is
// already durable in the queue and lease expiry re-offers it
func (e *Engine) notify(
	ctx context.Context, executionID, queueID api.ID, step string,
) {
	if e.deps.Bus == nil {
		return
	}
	err := e.deps.Bus.Publish(ctx, &api.Notification{
		ExecutionID: executionID,
		QueueID:     queueID,
		Step:        step,
		ServerURL:   e.deps.Config.ServerURL,
	})
	if err != nil {
		e.deps.Logger.Warn("notification publish failed",
			logattr.ExecutionID(executionID),
			logattr.QueueID(queueID),
			logattr.Error(err),
		)
	}
}

func statusLabel(status api.Status) string {
	return strings.ToLower(string(status))
}
