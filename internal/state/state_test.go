package state_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/internal/eventlog"
	"github.com/noetl/noetl/internal/state"
	"github.com/noetl/noetl/pkg/api"
)

type staticSource struct {
	pb *api.Playbook
}

func (s *staticSource) Resolve(
	_ context.Context, _ api.ID, _ string,
) (*api.Playbook, error) {
	return s.pb, nil
}

func testPlaybook() *api.Playbook {
	pb := &api.Playbook{
		Metadata: api.PlaybookMeta{Name: "sync", Path: "tests/sync"},
		Workload: map[string]any{"region": "us-east"},
		Workflow: []*api.Step{
			{
				Name: "start",
				Tool: &api.ToolSpec{Kind: api.ToolHTTP},
				Next: &api.NextBlock{Arcs: []*api.NextArc{{Step: "fan_out"}}},
			},
			{
				Name: "fan_out",
				Tool: &api.ToolSpec{Kind: api.ToolHTTP},
				Loop: &api.Loop{
					In:       "{{ workload.users }}",
					Iterator: "user",
					Mode:     api.LoopParallel,
				},
				Next: &api.NextBlock{Arcs: []*api.NextArc{{Step: "report"}}},
			},
			{
				Name: "report",
				Tool: &api.ToolSpec{Kind: api.ToolHTTP},
			},
		},
	}
	if err := pb.Normalize(); err != nil {
		panic(err)
	}
	return pb
}

func newReconstructor(
	pb *api.Playbook,
) (*state.Reconstructor, eventlog.Store) {
	var n int64 = 100
	log := eventlog.NewMemoryWithIDs(func() api.ID {
		n++
		return api.ID(n)
	})
	r := state.NewReconstructor(
		log, &staticSource{pb: pb},
		slog.New(slog.DiscardHandler),
		state.CacheConfig{},
	)
	return r, log
}

func appendEvent(
	t *testing.T, log eventlog.Store, ev *api.Event,
) api.ID {
	t.Helper()
	id, err := log.Append(context.Background(), ev)
	require.NoError(t, err)
	return id
}

func seedExecution(t *testing.T, log eventlog.Store, executionID api.ID) {
	t.Helper()
	appendEvent(t, log, &api.Event{
		ExecutionID: executionID,
		Name:        api.EventPlaybookInitialized,
		Status:      api.StatusRunning,
		CatalogID:   7,
		Result: map[string]any{
			"workload":      map[string]any{"users": []any{"a", "b"}},
			"playbook_path": "tests/sync",
		},
	})
	appendEvent(t, log, &api.Event{
		ExecutionID: executionID,
		Name:        api.EventWorkflowInitialized,
		Status:      api.StatusRunning,
	})
}

func TestLoadUnknownExecutionIsNil(t *testing.T) {
	r, _ := newReconstructor(testPlaybook())
	s, err := r.Load(context.Background(), 42)
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestLoadMergesWorkload(t *testing.T) {
	r, log := newReconstructor(testPlaybook())
	seedExecution(t, log, 1)

	s, err := r.Load(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, s)

	assert.Equal(t, api.ID(1), s.ExecutionID)
	assert.Equal(t, api.ID(7), s.CatalogID)
	assert.Equal(t, "us-east", s.Variables["region"])
	assert.Equal(t, []any{"a", "b"}, s.Variables["users"])
	assert.False(t, s.Completed)
	assert.NotZero(t, s.RootEventID)
}

func TestReplayCommandLifecycle(t *testing.T) {
	r, log := newReconstructor(testPlaybook())
	seedExecution(t, log, 1)

	appendEvent(t, log, &api.Event{
		ExecutionID: 1,
		Name:        api.EventCommandIssued,
		Step:        "start",
	})

	s, err := r.Load(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, s.IssuedSteps.Contains("start"))
	assert.True(t, s.HasPending())

	appendEvent(t, log, &api.Event{
		ExecutionID: 1,
		Name:        api.EventStepExit,
		Step:        "start",
		Status:      api.StatusCompleted,
		Result:      map[string]any{"ok": true},
	})

	s, err = r.Rebuild(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, s.CompletedSteps.Contains("start"))
	assert.False(t, s.HasPending())
	assert.Equal(t, map[string]any{"ok": true}, s.StepResults["start"])
}

// synthetic task-sequence keys must never survive in the pending set under
// their own name
func TestPendingKeysAreNormalized(t *testing.T) {
	r, log := newReconstructor(testPlaybook())
	seedExecution(t, log, 1)

	appendEvent(t, log, &api.Event{
		ExecutionID: 1,
		Name:        api.EventCommandIssued,
		Step:        api.TaskSequenceKey("report"),
	})

	s, err := r.Load(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, s.IssuedSteps.Contains("report"))
	assert.False(t,
		s.IssuedSteps.Contains(api.TaskSequenceKey("report")))

	appendEvent(t, log, &api.Event{
		ExecutionID: 1,
		Name:        api.EventCommandCompleted,
		Step:        api.TaskSequenceKey("report"),
	})
	appendEvent(t, log, &api.Event{
		ExecutionID: 1,
		Name:        api.EventStepExit,
		Step:        "report",
		Status:      api.StatusCompleted,
	})

	s, err = r.Rebuild(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, s.HasPending())
	assert.True(t, s.CompletedSteps.Contains("report"))
}

func TestTaskSequenceExitIsIterationOnly(t *testing.T) {
	pb := testPlaybook()
	s := state.New(1, pb)

	s.Apply(&api.Event{
		ExecutionID: 1,
		EventID:     10,
		Name:        api.EventStepExit,
		Step:        api.TaskSequenceKey("report"),
		Result:      map[string]any{"partial": true},
	})

	assert.False(t, s.CompletedSteps.Contains("report"))
	assert.NotContains(t, s.StepResults, "report")
}

func TestLoopedStepExitCountsIterations(t *testing.T) {
	pb := testPlaybook()
	s := state.New(1, pb)

	for i := range 2 {
		s.Apply(&api.Event{
			ExecutionID: 1,
			EventID:     api.ID(20 + i),
			Name:        api.EventStepExit,
			Step:        "fan_out",
			Status:      api.StatusCompleted,
			Result:      map[string]any{"user": i},
		})
	}

	// iteration exits never complete the looped step; loop.done does
	assert.False(t, s.CompletedSteps.Contains("fan_out"))
	ls := s.LoopFor("fan_out")
	assert.Equal(t, 2, ls.Index)
	assert.Equal(t, 2, ls.Completed)
	assert.Len(t, ls.Results, 2)

	s.Apply(&api.Event{
		ExecutionID: 1,
		EventID:     30,
		Name:        api.EventLoopDone,
		Step:        "fan_out",
		Status:      api.StatusCompleted,
		Result:      []any{map[string]any{"user": 0}, map[string]any{"user": 1}},
	})
	assert.True(t, s.CompletedSteps.Contains("fan_out"))
	assert.True(t, s.LoopFor("fan_out").AggregationFinalized)
	assert.NotNil(t, s.StepResults["fan_out"])
}

func TestLoopEventIDRecordedFromCommandMeta(t *testing.T) {
	pb := testPlaybook()
	s := state.New(1, pb)

	s.Apply(&api.Event{
		ExecutionID: 1,
		EventID:     11,
		Name:        api.EventCommandIssued,
		Step:        "fan_out",
		Meta:        &api.EventMeta{LoopEventID: 99},
	})
	assert.Equal(t, api.ID(99), s.LoopFor("fan_out").EventID)
}

func TestTerminalEventsCloseState(t *testing.T) {
	pb := testPlaybook()

	s := state.New(1, pb)
	s.Apply(&api.Event{Name: api.EventPlaybookCompleted, EventID: 5})
	assert.True(t, s.Completed)
	assert.False(t, s.Failed)

	s = state.New(2, pb)
	s.Apply(&api.Event{Name: api.EventPlaybookFailed, EventID: 5})
	assert.True(t, s.Completed)
	assert.True(t, s.Failed)

	s = state.New(3, pb)
	s.Apply(&api.Event{Name: api.EventExecutionCancelled, EventID: 5})
	assert.True(t, s.Completed)
}

// replaying any prefix twice must land on the same derived state
func TestReplayIdempotence(t *testing.T) {
	r, log := newReconstructor(testPlaybook())
	seedExecution(t, log, 1)

	appendEvent(t, log, &api.Event{
		ExecutionID: 1, Name: api.EventCommandIssued, Step: "start",
	})
	appendEvent(t, log, &api.Event{
		ExecutionID: 1, Name: api.EventStepExit, Step: "start",
		Status: api.StatusCompleted, Result: map[string]any{"n": float64(1)},
	})
	appendEvent(t, log, &api.Event{
		ExecutionID: 1, Name: api.EventCommandIssued, Step: "fan_out",
		Meta: &api.EventMeta{LoopEventID: 77},
	})
	appendEvent(t, log, &api.Event{
		ExecutionID: 1, Name: api.EventStepExit, Step: "fan_out",
		Status: api.StatusCompleted, Result: map[string]any{"i": float64(0)},
	})

	a, err := r.Rebuild(context.Background(), 1)
	require.NoError(t, err)
	b, err := r.Rebuild(context.Background(), 1)
	require.NoError(t, err)

	assert.Equal(t, a.CompletedSteps, b.CompletedSteps)
	assert.Equal(t, a.IssuedSteps, b.IssuedSteps)
	assert.Equal(t, a.Variables, b.Variables)
	assert.Equal(t, a.LastEventID, b.LastEventID)
	require.Contains(t, a.LoopState, "fan_out")
	assert.Equal(t,
		a.LoopState["fan_out"].Completed,
		b.LoopState["fan_out"].Completed,
	)
	assert.Equal(t,
		a.LoopState["fan_out"].ScheduledCount,
		b.LoopState["fan_out"].ScheduledCount,
	)
}

func TestCacheReturnsSameState(t *testing.T) {
	r, log := newReconstructor(testPlaybook())
	seedExecution(t, log, 1)

	a, err := r.Load(context.Background(), 1)
	require.NoError(t, err)
	b, err := r.Load(context.Background(), 1)
	require.NoError(t, err)
	assert.Same(t, a, b)

	r.Invalidate(1)
	c, err := r.Load(context.Background(), 1)
	require.NoError(t, err)
	assert.NotSame(t, a, c)
}

func TestRenderContext(t *testing.T) {
	s := state.New(9, testPlaybook())
	s.Variables["count"] = 3

	ctx := s.RenderContext()
	assert.Equal(t, 3, ctx["count"])
	assert.Equal(t, "9", ctx["execution_id"])
	assert.NotNil(t, ctx["workload"])
	assert.NotNil(t, ctx["ctx"])
}

// an exit stamped as an intermediate pagination page leaves the step open
func TestPaginationPageExitDoesNotCompleteStep(t *testing.T) {
	r, log := newReconstructor(testPlaybook())
	seedExecution(t, log, 1)

	appendEvent(t, log, &api.Event{
		ExecutionID: 1,
		Name:        api.EventCommandIssued,
		Step:        "start",
	})
	appendEvent(t, log, &api.Event{
		ExecutionID: 1,
		Name:        api.EventStepExit,
		Step:        "start",
		Status:      api.StatusCompleted,
		Result:      map[string]any{"page": 1},
		Meta:        &api.EventMeta{PaginationPage: true},
	})

	s, err := r.Load(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, s.CompletedSteps.Contains("start"))
	assert.Nil(t, s.StepResults["start"])

	appendEvent(t, log, &api.Event{
		ExecutionID: 1,
		Name:        api.EventStepExit,
		Step:        "start",
		Status:      api.StatusCompleted,
		Result: map[string]any{
			"page":                 2,
			"_all_collected_items": []any{"a", "b"},
		},
	})

	s, err = r.Rebuild(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, s.CompletedSteps.Contains("start"))
	result, ok := s.StepResults["start"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []any{"a", "b"}, result["_all_collected_items"])
}

func TestSequenceCallDoneFoldsIntoState(t *testing.T) {
	pb := &api.Playbook{
		Metadata: api.PlaybookMeta{Name: "batch", Path: "tests/batch"},
		Workflow: []*api.Step{
			{
				Name: "sync",
				Loop: &api.Loop{In: "{{ batches }}", Iterator: "batch"},
				Pipeline: []*api.Task{
					{Name: "pull", Tool: &api.ToolSpec{Kind: api.ToolHTTP}},
					{Name: "push", Tool: &api.ToolSpec{Kind: api.ToolHTTP}},
				},
			},
		},
	}
	require.NoError(t, pb.Normalize())
	s := state.New(1, pb)

	// sequence iterations report through call.done on the synthetic key;
	// replay recovers the loop accounting from those events
	for _, cursor := range []string{"c1", "c2"} {
		s.Apply(&api.Event{
			ExecutionID: 1,
			EventID:     10,
			Name:        api.EventCallDone,
			Step:        api.TaskSequenceKey("sync"),
			Result: map[string]any{
				"status": "completed",
				"results": map[string]any{
					"pull": map[string]any{"cursor": cursor},
					"push": map[string]any{"ok": true},
				},
				"ctx": map[string]any{"cursor": cursor},
			},
		})
	}

	ls := s.LoopFor("sync")
	assert.Equal(t, 2, ls.Completed)
	require.Len(t, ls.Results, 2)
	first, ok := ls.Results[0].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, first, "pull")
	assert.Contains(t, first, "push")
	assert.Equal(t, "c2", s.Variables["cursor"])

	// the looped step itself completes on loop.done, not per iteration
	assert.False(t, s.CompletedSteps.Contains("sync"))
}
