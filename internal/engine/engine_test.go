package engine_test

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/internal/catalog"
	"github.com/noetl/noetl/internal/config"
	"github.com/noetl/noetl/internal/engine"
	"github.com/noetl/noetl/internal/eventlog"
	"github.com/noetl/noetl/internal/loopkv"
	"github.com/noetl/noetl/internal/queue"
	"github.com/noetl/noetl/internal/render"
	"github.com/noetl/noetl/internal/state"
	"github.com/noetl/noetl/internal/vars"
	"github.com/noetl/noetl/pkg/api"
)

type env struct {
	engine  *engine.Engine
	log     *eventlog.Memory
	queue   *queue.Memory
	loops   *loopkv.Memory
	catalog *catalog.Memory
	states  *state.Reconstructor
	config  *config.Config
	t       *testing.T
}

func newEnv(t *testing.T) *env {
	var n atomic.Int64
	next := func() api.ID {
		return api.ID(n.Add(1))
	}

	logStore := eventlog.NewMemoryWithIDs(next)
	cat := catalog.NewMemoryWithIDs(next)
	logger := slog.New(slog.DiscardHandler)
	states := state.NewReconstructor(logStore, cat, logger, state.CacheConfig{})
	q := queue.NewMemory(time.Minute)
	loops := loopkv.NewMemory()
	cfg := config.NewDefaultConfig()

	e := engine.New(engine.Dependencies{
		Log:      logStore,
		Queue:    q,
		Loops:    loops,
		States:   states,
		Catalog:  cat,
		Vars:     vars.NewMemory(),
		Renderer: render.New(128),
		Logger:   logger,
		Config:   cfg,
		NextID:   next,
	})
	return &env{
		engine:  e,
		log:     logStore,
		queue:   q,
		loops:   loops,
		catalog: cat,
		states:  states,
		config:  cfg,
		t:       t,
	}
}

func (e *env) register(yaml string) *catalog.Entry {
	e.t.Helper()
	entry, err := e.catalog.Register(context.Background(), []byte(yaml))
	require.NoError(e.t, err)
	return entry
}

func (e *env) start(path string, payload map[string]any) *engine.StartResult {
	e.t.Helper()
	res, err := e.engine.StartExecution(context.Background(),
		&engine.StartRequest{Path: path, Payload: payload})
	require.NoError(e.t, err)
	return res
}

func (e *env) handle(ev *api.Event) []*api.Command {
	e.t.Helper()
	cmds, err := e.engine.HandleEvent(context.Background(), ev)
	require.NoError(e.t, err)
	return cmds
}

func iterMeta(cmd *api.Command) *api.EventMeta {
	if cmd.Meta == nil || cmd.Meta.LoopEventID.IsZero() {
		return nil
	}
	return &api.EventMeta{
		LoopEventID:        cmd.Meta.LoopEventID,
		LoopIterationIndex: cmd.Meta.LoopIterationIndex,
	}
}

// complete plays the worker's part for one command: claim it, report the
// call and exit, and retire the queue entry
func (e *env) complete(cmd *api.Command, result any) []*api.Command {
	e.t.Helper()
	ctx := context.Background()

	_, err := e.queue.Claim(ctx, "w1", cmd.QueueID)
	require.NoError(e.t, err)

	cmds := e.handle(&api.Event{
		ExecutionID: cmd.ExecutionID,
		Name:        api.EventCallDone,
		Step:        cmd.Step,
		Status:      api.StatusRunning,
		Result:      result,
		Meta:        iterMeta(cmd),
	})
	require.NoError(e.t, e.queue.Complete(
		ctx, cmd.QueueID, queue.OutcomeCompleted,
	))
	cmds = append(cmds, e.handle(&api.Event{
		ExecutionID: cmd.ExecutionID,
		Name:        api.EventStepExit,
		Step:        cmd.Step,
		Status:      api.StatusCompleted,
		Result:      result,
		Meta:        iterMeta(cmd),
	})...)
	cmds = append(cmds, e.handle(&api.Event{
		ExecutionID: cmd.ExecutionID,
		Name:        api.EventCommandCompleted,
		Step:        cmd.Step,
		Status:      api.StatusCompleted,
	})...)
	return cmds
}

func (e *env) countEvents(executionID api.ID, name api.EventName) int {
	e.t.Helper()
	n, err := e.log.Count(context.Background(), executionID,
		eventlog.Filter{Types: []api.EventName{name}})
	require.NoError(e.t, err)
	return n
}

const linearPlaybook = `
metadata:
  name: linear
  path: tests/linear
workflow:
  - step: start
    tool:
      kind: http
      url: https://api/start
    next: finish
  - step: finish
    tool:
      kind: http
      url: https://api/finish
`

func TestStartExecutionIssuesEntryCommand(t *testing.T) {
	e := newEnv(t)
	e.register(linearPlaybook)

	res := e.start("tests/linear", map[string]any{"region": "eu"})
	require.Len(t, res.Commands, 1)
	assert.Equal(t, "start", res.Commands[0].Step)
	assert.Equal(t, res.ExecutionID, res.Commands[0].ExecutionID)

	// initialization pair precedes the first command.issued
	assert.Equal(t, 1,
		e.countEvents(res.ExecutionID, api.EventPlaybookInitialized))
	assert.Equal(t, 1,
		e.countEvents(res.ExecutionID, api.EventWorkflowInitialized))
	assert.Equal(t, 1,
		e.countEvents(res.ExecutionID, api.EventCommandIssued))

	// start payload merged over the playbook workload
	s, err := e.states.Load(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, "eu", s.Variables["region"])

	n, err := e.queue.Pending(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestLinearFlowRunsToCompletion(t *testing.T) {
	e := newEnv(t)
	e.register(linearPlaybook)
	res := e.start("tests/linear", nil)

	next := e.complete(res.Commands[0], map[string]any{"ok": true})
	require.Len(t, next, 1)
	assert.Equal(t, "finish", next[0].Step)

	last := e.complete(next[0], map[string]any{"done": true})
	assert.Empty(t, last)

	// terminal pair, in order, exactly once
	assert.Equal(t, 1,
		e.countEvents(res.ExecutionID, api.EventWorkflowCompleted))
	assert.Equal(t, 1,
		e.countEvents(res.ExecutionID, api.EventPlaybookCompleted))

	s, err := e.states.Rebuild(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.True(t, s.Completed)
	assert.False(t, s.Failed)
	assert.Equal(t,
		map[string]any{"ok": true}, s.StepResults["start"])
}

func TestTerminalEventsNotDuplicated(t *testing.T) {
	e := newEnv(t)
	e.register(linearPlaybook)
	res := e.start("tests/linear", nil)

	next := e.complete(res.Commands[0], nil)
	e.complete(next[0], nil)

	// a straggler exit after the terminal pair is dropped
	cmds := e.handle(&api.Event{
		ExecutionID: res.ExecutionID,
		Name:        api.EventStepExit,
		Step:        "finish",
		Status:      api.StatusCompleted,
	})
	assert.Empty(t, cmds)
	assert.Equal(t, 1,
		e.countEvents(res.ExecutionID, api.EventPlaybookCompleted))
}

const routingPlaybook = `
metadata:
  name: routing
  path: tests/routing
workflow:
  - step: start
    tool:
      kind: http
      url: https://api/check
    next:
      - step: approved
        when: "{{ result.score >= 70 }}"
      - step: rejected
  - step: approved
    tool:
      kind: http
      url: https://api/approve
  - step: rejected
    tool:
      kind: http
      url: https://api/reject
`

func TestExclusiveRoutingFirstMatchWins(t *testing.T) {
	e := newEnv(t)
	e.register(routingPlaybook)
	res := e.start("tests/routing", nil)

	next := e.complete(res.Commands[0], map[string]any{"score": 85})
	require.Len(t, next, 1)
	assert.Equal(t, "approved", next[0].Step)
}

func TestExclusiveRoutingFallsThrough(t *testing.T) {
	e := newEnv(t)
	e.register(routingPlaybook)
	res := e.start("tests/routing", nil)

	next := e.complete(res.Commands[0], map[string]any{"score": 40})
	require.Len(t, next, 1)
	assert.Equal(t, "rejected", next[0].Step)
}

const inclusivePlaybook = `
metadata:
  name: inclusive
  path: tests/inclusive
workflow:
  - step: start
    tool:
      kind: http
      url: https://api/start
    next:
      spec:
        mode: inclusive
      arcs:
        - step: audit
        - step: notify
          when: "{{ result.urgent }}"
  - step: audit
    tool:
      kind: http
      url: https://api/audit
  - step: notify
    tool:
      kind: http
      url: https://api/notify
`

func TestInclusiveRoutingFiresAllMatches(t *testing.T) {
	e := newEnv(t)
	e.register(inclusivePlaybook)
	res := e.start("tests/inclusive", nil)

	next := e.complete(res.Commands[0], map[string]any{"urgent": true})
	require.Len(t, next, 2)
	assert.Equal(t, "audit", next[0].Step)
	assert.Equal(t, "notify", next[1].Step)
}

const errorPlaybook = `
metadata:
  name: guarded
  path: tests/guarded
workflow:
  - step: start
    tool:
      kind: http
      url: https://api/protected
    next:
      - step: reauth
        when: "{{ error.kind == 'auth' }}"
      - step: done
        when: "{{ result.ok }}"
  - step: reauth
    tool:
      kind: http
      url: https://api/login
  - step: done
    tool:
      kind: http
      url: https://api/done
`

func TestFailureRoutesToErrorHandler(t *testing.T) {
	e := newEnv(t)
	e.register(errorPlaybook)
	res := e.start("tests/guarded", nil)

	cmd := res.Commands[0]
	_, err := e.queue.Claim(context.Background(), "w1", cmd.QueueID)
	require.NoError(t, err)
	require.NoError(t, e.queue.Complete(
		context.Background(), cmd.QueueID, queue.OutcomeFailed,
	))

	next := e.handle(&api.Event{
		ExecutionID: res.ExecutionID,
		Name:        api.EventCallError,
		Step:        "start",
		Status:      api.StatusFailed,
		Error:       &api.OutcomeError{Kind: api.ErrKindAuth, Retryable: false},
	})
	require.Len(t, next, 1)
	assert.Equal(t, "reauth", next[0].Step)

	s, err := e.states.Load(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.False(t, s.Failed)
	assert.False(t, s.Completed)
}

func TestUnhandledFailureClosesExecutionFailed(t *testing.T) {
	e := newEnv(t)
	e.register(linearPlaybook)
	res := e.start("tests/linear", nil)

	cmd := res.Commands[0]
	_, err := e.queue.Claim(context.Background(), "w1", cmd.QueueID)
	require.NoError(t, err)
	require.NoError(t, e.queue.Complete(
		context.Background(), cmd.QueueID, queue.OutcomeFailed,
	))

	next := e.handle(&api.Event{
		ExecutionID: res.ExecutionID,
		Name:        api.EventCallError,
		Step:        "start",
		Status:      api.StatusFailed,
		Error:       &api.OutcomeError{Kind: api.ErrKindAuth},
	})
	assert.Empty(t, next)

	e.handle(&api.Event{
		ExecutionID: res.ExecutionID,
		Name:        api.EventCommandFailed,
		Step:        "start",
		Status:      api.StatusFailed,
	})
	assert.Equal(t, 1, e.countEvents(res.ExecutionID, api.EventWorkflowFailed))
	assert.Equal(t, 1, e.countEvents(res.ExecutionID, api.EventPlaybookFailed))
}

func TestRetryableFailureReissuesAfterDelay(t *testing.T) {
	e := newEnv(t)
	e.register(linearPlaybook)
	res := e.start("tests/linear", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.engine.Run(ctx)

	cmd := res.Commands[0]
	_, err := e.queue.Claim(context.Background(), "w1", cmd.QueueID)
	require.NoError(t, err)
	require.NoError(t, e.queue.Complete(
		context.Background(), cmd.QueueID, queue.OutcomeFailed,
	))

	next := e.handle(&api.Event{
		ExecutionID: res.ExecutionID,
		Name:        api.EventCallError,
		Step:        "start",
		Status:      api.StatusFailed,
		Error: &api.OutcomeError{
			Kind:       api.ErrKindServer,
			Retryable:  true,
			RetryAfter: 0.01,
		},
	})
	assert.Empty(t, next)
	assert.Zero(t, e.countEvents(res.ExecutionID, api.EventPlaybookFailed))

	assert.Eventually(t, func() bool {
		n, err := e.queue.Pending(context.Background(), res.ExecutionID)
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, e.countEvents(res.ExecutionID, api.EventCommandIssued))
}

const loopPlaybook = `
metadata:
  name: fan_out
  path: tests/fan_out
workload:
  users: ["ann", "bob", "cid"]
workflow:
  - step: start
    loop:
      in: "{{ users }}"
      iterator: user
      mode: parallel
      spec:
        max_in_flight: 2
    tool:
      kind: http
      url: "https://api/{{ user }}"
    next: report
  - step: report
    tool:
      kind: http
      url: https://api/report
`

func TestLoopFanOutHonorsInFlightBound(t *testing.T) {
	e := newEnv(t)
	e.register(loopPlaybook)
	res := e.start("tests/fan_out", nil)

	require.Len(t, res.Commands, 2)
	first := res.Commands[0]
	assert.Equal(t, "ann", first.Args["user"])
	assert.Equal(t, 0, first.Args["loop_index"])
	assert.Equal(t, true, first.Args["_first"])
	require.NotNil(t, first.Meta.LoopIterationIndex)
	assert.False(t, first.Meta.LoopEventID.IsZero())
	assert.Equal(t, "bob", res.Commands[1].Args["user"])

	// finishing one iteration frees a slot for the third
	next := e.complete(first, map[string]any{"user": "ann"})
	require.Len(t, next, 1)
	assert.Equal(t, "cid", next[0].Args["user"])
	assert.Equal(t, true, next[0].Args["_last"])
}

func TestLoopAggregatesAndRoutesOnDone(t *testing.T) {
	e := newEnv(t)
	e.register(loopPlaybook)
	res := e.start("tests/fan_out", nil)

	third := e.complete(res.Commands[0], map[string]any{"n": 1})
	require.Len(t, third, 1)
	assert.Empty(t, e.complete(res.Commands[1], map[string]any{"n": 2}))

	// the last exit finalizes the loop and routes to report
	after := e.complete(third[0], map[string]any{"n": 3})
	require.Len(t, after, 1)
	assert.Equal(t, "report", after[0].Step)
	assert.Len(t, after[0].Args["loop_results"], 3)

	assert.Equal(t, 1, e.countEvents(res.ExecutionID, api.EventLoopDone))
	assert.Equal(t, 3, e.countEvents(res.ExecutionID, api.EventLoopItem))

	s, err := e.states.Load(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	agg, ok := s.StepResults["start"].([]any)
	require.True(t, ok)
	assert.Len(t, agg, 3)

	// the remaining report command keeps the execution open
	assert.False(t, s.Completed)
	assert.Empty(t, e.complete(after[0], nil))
	assert.Equal(t, 1,
		e.countEvents(res.ExecutionID, api.EventPlaybookCompleted))
}

const emptyLoopPlaybook = `
metadata:
  name: empty_loop
  path: tests/empty_loop
workload:
  items: []
workflow:
  - step: start
    loop:
      in: "{{ items }}"
      iterator: item
    tool:
      kind: http
      url: "https://api/{{ item }}"
    next: report
  - step: report
    tool:
      kind: http
      url: https://api/report
`

func TestEmptyLoopFinalizesImmediately(t *testing.T) {
	e := newEnv(t)
	e.register(emptyLoopPlaybook)
	res := e.start("tests/empty_loop", nil)

	require.Len(t, res.Commands, 1)
	assert.Equal(t, "report", res.Commands[0].Step)
	assert.Equal(t, 1, e.countEvents(res.ExecutionID, api.EventLoopDone))
}

func TestLoopTailRepairReissuesLostIteration(t *testing.T) {
	e := newEnv(t)
	e.register(loopPlaybook)
	res := e.start("tests/fan_out", nil)

	third := e.complete(res.Commands[0], map[string]any{"n": 1})
	require.Len(t, third, 1)

	// the second iteration's worker dies after claiming: the queue entry
	// retires but no events ever arrive
	lost := res.Commands[1]
	_, err := e.queue.Claim(context.Background(), "w2", lost.QueueID)
	require.NoError(t, err)
	require.NoError(t, e.queue.Complete(
		context.Background(), lost.QueueID, queue.OutcomeFailed,
	))

	reissued := e.complete(third[0], map[string]any{"n": 3})
	require.Len(t, reissued, 1)
	assert.Equal(t, "start", reissued[0].Step)
	assert.True(t, reissued[0].Meta.LoopRetry)
	require.NotNil(t, reissued[0].Meta.LoopIterationIndex)
	assert.Equal(t, 1, *reissued[0].Meta.LoopIterationIndex)

	// the reissued iteration completes the loop
	after := e.complete(reissued[0], map[string]any{"n": 2})
	require.Len(t, after, 1)
	assert.Equal(t, "report", after[0].Step)
}

const sequencePlaybook = `
metadata:
  name: sequence
  path: tests/sequence
workload:
  base: https://api
workflow:
  - step: sync
    tool:
      - fetch:
          tool:
            kind: http
            url: "{{ base }}/fetch"
      - store:
          tool:
            kind: http
            url: "{{ base }}/store"
    next: report
  - step: report
    tool:
      kind: http
      url: "{{ base }}/report"
`

func TestSequenceCommandCarriesPipeline(t *testing.T) {
	e := newEnv(t)
	e.register(sequencePlaybook)
	res := e.start("tests/sequence", nil)

	require.Len(t, res.Commands, 1)
	cmd := res.Commands[0]
	assert.Equal(t, api.TaskSequenceKey("sync"), cmd.Step)
	assert.True(t, cmd.Meta.TaskSequence)
	assert.Equal(t, []string{"fetch", "store"}, cmd.Meta.TaskNames)
	require.Len(t, cmd.Pipeline, 2)
}

func TestSequenceDoneMergesContextAndRoutes(t *testing.T) {
	e := newEnv(t)
	e.register(sequencePlaybook)
	res := e.start("tests/sequence", nil)
	cmd := res.Commands[0]

	_, err := e.queue.Claim(context.Background(), "w1", cmd.QueueID)
	require.NoError(t, err)
	require.NoError(t, e.queue.Complete(
		context.Background(), cmd.QueueID, queue.OutcomeCompleted,
	))

	next := e.handle(&api.Event{
		ExecutionID: res.ExecutionID,
		Name:        api.EventCallDone,
		Step:        cmd.Step,
		Status:      api.StatusRunning,
		Result: map[string]any{
			"status": "completed",
			"results": map[string]any{
				"fetch": map[string]any{"rows": float64(10)},
				"store": map[string]any{"written": true},
			},
			"ctx": map[string]any{"token": "abc"},
		},
	})
	require.Len(t, next, 1)
	assert.Equal(t, "report", next[0].Step)

	s, err := e.states.Load(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, "abc", s.Variables["token"])
	composite, ok := s.StepResults["sync"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, composite, "fetch")
	assert.Contains(t, composite, "store")
}

func TestSequenceFailureRoutesErrorArc(t *testing.T) {
	e := newEnv(t)
	e.register(errorPlaybook)
	res := e.start("tests/guarded", nil)

	// rebuild the start step as if its tool carried policy rules: a failed
	// sequence result reports through call.done on the synthetic key
	cmd := res.Commands[0]
	_, err := e.queue.Claim(context.Background(), "w1", cmd.QueueID)
	require.NoError(t, err)
	require.NoError(t, e.queue.Complete(
		context.Background(), cmd.QueueID, queue.OutcomeFailed,
	))

	next := e.handle(&api.Event{
		ExecutionID: res.ExecutionID,
		Name:        api.EventCallDone,
		Step:        api.TaskSequenceKey("start"),
		Status:      api.StatusRunning,
		Result: map[string]any{
			"status":      "failed",
			"failed_task": "start",
			"error": map[string]any{
				"kind": "auth", "retryable": false,
			},
		},
	})
	require.Len(t, next, 1)
	assert.Equal(t, "reauth", next[0].Step)
}

func TestCancelCascadesToChildren(t *testing.T) {
	e := newEnv(t)
	e.register(linearPlaybook)
	parent := e.start("tests/linear", nil)

	childID, err := e.engine.StartChild(context.Background(),
		"tests/linear", map[string]any{"nested": true}, parent.ExecutionID)
	require.NoError(t, err)

	require.NoError(t, e.engine.Cancel(
		context.Background(), parent.ExecutionID, true, "operator request",
	))

	assert.Equal(t, 1,
		e.countEvents(parent.ExecutionID, api.EventExecutionCancelled))
	assert.Equal(t, 1, e.countEvents(childID, api.EventExecutionCancelled))

	cancelled, err := e.engine.IsCancelled(
		context.Background(), parent.ExecutionID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	// events after cancellation are dropped
	cmds := e.handle(&api.Event{
		ExecutionID: parent.ExecutionID,
		Name:        api.EventStepExit,
		Step:        "start",
		Status:      api.StatusCompleted,
	})
	assert.Empty(t, cmds)
}

func TestCancelUnknownExecution(t *testing.T) {
	e := newEnv(t)
	err := e.engine.Cancel(context.Background(), 9999, false, "nope")
	assert.ErrorIs(t, err, engine.ErrExecutionNotFound)
}

func TestCleanupStuck(t *testing.T) {
	e := newEnv(t)
	e.register(linearPlaybook)

	stuck := e.start("tests/linear", nil)
	finished := e.start("tests/linear", nil)
	next := e.complete(finished.Commands[0], nil)
	e.complete(next[0], nil)

	cutoff := time.Now().Add(time.Second)
	ids, err := e.engine.CleanupStuck(context.Background(), cutoff, true)
	require.NoError(t, err)
	assert.Equal(t, []api.ID{stuck.ExecutionID}, ids)
	// dry run cancels nothing
	assert.Zero(t,
		e.countEvents(stuck.ExecutionID, api.EventExecutionCancelled))

	_, err = e.engine.CleanupStuck(context.Background(), cutoff, false)
	require.NoError(t, err)
	assert.Equal(t, 1,
		e.countEvents(stuck.ExecutionID, api.EventExecutionCancelled))
}

func TestEventForUnknownExecutionDropped(t *testing.T) {
	e := newEnv(t)
	cmds := e.handle(&api.Event{
		ExecutionID: 4242,
		Name:        api.EventStepExit,
		Step:        "start",
		Status:      api.StatusCompleted,
	})
	assert.Empty(t, cmds)
}

const setCtxPlaybook = `
metadata:
  name: carry
  path: tests/carry
workflow:
  - step: start
    tool:
      kind: http
      url: https://api/token
    set_ctx:
      session: "{{ result.token }}"
    next: use
  - step: use
    args:
      auth: "{{ session }}"
    tool:
      kind: http
      url: https://api/use
`

func TestSetCtxFlowsIntoNextStepArgs(t *testing.T) {
	e := newEnv(t)
	e.register(setCtxPlaybook)
	res := e.start("tests/carry", nil)

	next := e.complete(res.Commands[0], map[string]any{"token": "s3cr3t"})
	require.Len(t, next, 1)
	assert.Equal(t, "s3cr3t", next[0].Args["auth"])
	assert.Equal(t, "s3cr3t", next[0].Context["session"])
}

const pagedPlaybook = `
metadata:
  name: paged
  path: tests/paged
workflow:
  - step: fetch
    tool:
      kind: http
      url: https://api/items
      params:
        page: 1
    next:
      - then:
          - do: collect
            path: data.items
            mode: extend
      - when: "{{ result.hasMore }}"
        then:
          - do: retry
            params:
              page: "{{ result.next_page }}"
      - step: summarize
  - step: summarize
    tool:
      kind: http
      url: https://api/summarize
`

func page(items []any, next int, more bool) map[string]any {
	p := map[string]any{
		"data": map[string]any{"items": items},
	}
	if more {
		p["hasMore"] = true
		p["next_page"] = next
	}
	return p
}

func TestPaginationCollectsAcrossPages(t *testing.T) {
	e := newEnv(t)
	e.register(pagedPlaybook)
	res := e.start("tests/paged", nil)

	p2 := e.complete(res.Commands[0],
		page([]any{"a", "b"}, 2, true))
	require.Len(t, p2, 1)
	assert.Equal(t, "fetch", p2[0].Step)
	assert.Equal(t, map[string]any{"page": 2},
		p2[0].Tool.Config.GetMap("params"))

	p3 := e.complete(p2[0], page([]any{"c", "d"}, 3, true))
	require.Len(t, p3, 1)
	assert.Equal(t, map[string]any{"page": 3},
		p3[0].Tool.Config.GetMap("params"))

	// the terminal page routes onward instead of retrying
	next := e.complete(p3[0], page([]any{"e"}, 0, false))
	require.Len(t, next, 1)
	assert.Equal(t, "summarize", next[0].Step)

	s, err := e.states.Load(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	result, ok := s.StepResults["fetch"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t,
		[]any{"a", "b", "c", "d", "e"}, result["_all_collected_items"])
	assert.Equal(t,
		map[string]any{"pages_collected": 3}, result["_pagination"])

	e.complete(next[0], nil)
	assert.Equal(t, 1,
		e.countEvents(res.ExecutionID, api.EventWorkflowCompleted))
	assert.Equal(t, 1,
		e.countEvents(res.ExecutionID, api.EventPlaybookCompleted))

	// one step.exit counts as the step's completion across all pages
	rebuilt, err := e.states.Rebuild(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.True(t, rebuilt.CompletedSteps.Contains("fetch"))
	merged, ok := rebuilt.StepResults["fetch"].(map[string]any)
	require.True(t, ok)
	assert.Len(t, merged["_all_collected_items"], 5)
}

func TestPaginationStopsAtPageBudget(t *testing.T) {
	e := newEnv(t)
	e.config.PaginationMaxPages = 2
	e.register(pagedPlaybook)
	res := e.start("tests/paged", nil)

	p2 := e.complete(res.Commands[0], page([]any{"a"}, 2, true))
	require.Len(t, p2, 1)
	assert.Equal(t, "fetch", p2[0].Step)

	// the budget is spent, so hasMore no longer buys another page
	next := e.complete(p2[0], page([]any{"b"}, 3, true))
	require.Len(t, next, 1)
	assert.Equal(t, "summarize", next[0].Step)

	s, err := e.states.Load(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	result, ok := s.StepResults["fetch"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []any{"a", "b"}, result["_all_collected_items"])
}

const gatedPlaybook = `
metadata:
  name: gated
  path: tests/gated
workflow:
  - step: check
    tool:
      kind: http
      url: https://api/check
    next:
      - step: publish
        when: "{{ result.ready }}"
  - step: publish
    tool:
      kind: http
      url: https://api/publish
`

func TestUnmatchedNextLeavesExecutionOpen(t *testing.T) {
	e := newEnv(t)
	e.register(gatedPlaybook)
	res := e.start("tests/gated", nil)

	// the only arc does not fire, so nothing routes and nothing is
	// pending; the execution must stay open rather than close completed
	next := e.complete(res.Commands[0], map[string]any{"ready": false})
	assert.Empty(t, next)

	assert.Zero(t, e.countEvents(res.ExecutionID, api.EventWorkflowCompleted))
	assert.Zero(t, e.countEvents(res.ExecutionID, api.EventPlaybookCompleted))

	s, err := e.states.Load(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.False(t, s.Completed)
}

const batchPlaybook = `
metadata:
  name: batch_sync
  path: tests/batch_sync
workload:
  batches: ["a", "b", "c"]
workflow:
  - step: sync
    loop:
      in: "{{ batches }}"
      iterator: batch
    tool:
      - pull:
          tool:
            kind: http
            url: "https://api/pull/{{ batch }}"
      - push:
          tool:
            kind: http
            url: "https://api/push/{{ batch }}"
    next: report
  - step: report
    tool:
      kind: http
      url: https://api/report
`

func batchResult(n int) map[string]any {
	return map[string]any{
		"status": "completed",
		"results": map[string]any{
			"pull": map[string]any{"rows": n},
			"push": map[string]any{"ok": true},
		},
	}
}

func TestPipelineLoopSurvivesStateRebuild(t *testing.T) {
	e := newEnv(t)
	e.register(batchPlaybook)
	res := e.start("tests/batch_sync", nil)

	// sequential loop: one sequence in flight at a time
	require.Len(t, res.Commands, 1)
	assert.Equal(t, api.TaskSequenceKey("sync"), res.Commands[0].Step)

	second := e.complete(res.Commands[0], batchResult(1))
	require.Len(t, second, 1)
	third := e.complete(second[0], batchResult(2))
	require.Len(t, third, 1)

	// replay must recover both finished iterations from their call.done
	// events; the iteration exits report under the synthetic key
	rebuilt, err := e.states.Rebuild(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	ls := rebuilt.LoopState["sync"]
	require.NotNil(t, ls)
	assert.Equal(t, 2, ls.Completed)
	assert.Len(t, ls.Results, 2)

	// finish the loop on the rebuilt state
	e.states.Invalidate(res.ExecutionID)
	after := e.complete(third[0], batchResult(3))
	require.Len(t, after, 1)
	assert.Equal(t, "report", after[0].Step)
	assert.Len(t, after[0].Args["loop_results"], 3)

	s, err := e.states.Load(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	agg, ok := s.StepResults["sync"].([]any)
	require.True(t, ok)
	assert.Len(t, agg, 3)
}

const reloopPlaybook = `
metadata:
  name: rescan
  path: tests/rescan
workload:
  shards: ["a", "b"]
workflow:
  - step: scan
    loop:
      in: "{{ shards }}"
      iterator: shard
      mode: parallel
    tool:
      kind: http
      url: "https://api/scan/{{ shard }}"
    next: review
  - step: review
    tool:
      kind: http
      url: https://api/review
    next:
      - step: scan
        when: "{{ result.again }}"
`

func TestLoopReentryStartsFreshEpoch(t *testing.T) {
	e := newEnv(t)
	e.register(reloopPlaybook)
	res := e.start("tests/rescan", nil)
	require.Len(t, res.Commands, 2)

	assert.Empty(t, e.complete(res.Commands[0], map[string]any{"n": 1}))
	review := e.complete(res.Commands[1], map[string]any{"n": 2})
	require.Len(t, review, 1)
	assert.Equal(t, "review", review[0].Step)

	s, err := e.states.Load(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	firstEpoch := s.LoopState["scan"].EventID
	assert.Len(t, s.StepResults["scan"], 2)

	// looping back starts a fresh epoch; the prior aggregate must not
	// leak into renders of the new activation
	again := e.complete(review[0], map[string]any{"again": true})
	require.Len(t, again, 2)

	s, err = e.states.Load(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.NotContains(t, s.StepResults, "scan")
	assert.NotContains(t, s.Variables, "scan")
	ls := s.LoopState["scan"]
	require.NotNil(t, ls)
	assert.NotEqual(t, firstEpoch, ls.EventID)
	assert.Zero(t, ls.Completed)
	assert.Empty(t, ls.Results)
}

const guardedCtxPlaybook = `
metadata:
  name: guarded_carry
  path: tests/guarded_carry
workflow:
  - step: login
    tool:
      kind: http
      url: https://api/login
    set_ctx:
      session: "{{ result.token }}"
    next:
      - step: recover
        when: "{{ error.kind == 'auth' }}"
      - step: use
        when: "{{ result.ok }}"
  - step: recover
    tool:
      kind: http
      url: https://api/recover
  - step: use
    tool:
      kind: http
      url: https://api/use
`

func TestFailedStepExitSkipsSetCtx(t *testing.T) {
	e := newEnv(t)
	e.register(guardedCtxPlaybook)
	res := e.start("tests/guarded_carry", nil)

	cmd := res.Commands[0]
	_, err := e.queue.Claim(context.Background(), "w1", cmd.QueueID)
	require.NoError(t, err)
	require.NoError(t, e.queue.Complete(
		context.Background(), cmd.QueueID, queue.OutcomeFailed,
	))

	next := e.handle(&api.Event{
		ExecutionID: res.ExecutionID,
		Name:        api.EventCallError,
		Step:        "login",
		Status:      api.StatusFailed,
		Error:       &api.OutcomeError{Kind: api.ErrKindAuth},
	})
	require.Len(t, next, 1)
	assert.Equal(t, "recover", next[0].Step)

	// the failure exit carries no result; set_ctx must not render on it
	e.handle(&api.Event{
		ExecutionID: res.ExecutionID,
		Name:        api.EventStepExit,
		Step:        "login",
		Status:      api.StatusFailed,
	})

	s, err := e.states.Load(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.NotContains(t, s.Variables, "session")
	assert.False(t, s.Completed)
}
