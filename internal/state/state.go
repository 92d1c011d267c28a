// Package state derives per-execution runtime state by replaying the event
// log. State is never persisted: the log is the source of truth and any
// cached copy can be rebuilt from it
package state

import (
	"github.com/noetl/noetl/pkg/api"
	"github.com/noetl/noetl/pkg/util"
)

type (
	// ExecutionState is the engine's working view of one execution. It is
	// mutated only while holding the execution's dispatch lock
	ExecutionState struct {
		Variables          map[string]any
		StepEventIDs       map[string]api.ID
		StepResults        map[string]any
		LoopState          map[string]*LoopState
		PaginationState    map[string]*PaginationState
		PendingNextActions map[string][]PendingAction
		CompletedSteps     util.Set[string]
		IssuedSteps        util.Set[string]
		Playbook           *api.Playbook
		CurrentStep        string
		ExecutionID        api.ID
		CatalogID          api.ID
		LastEventID        api.ID
		RootEventID        api.ID
		ParentExecutionID  api.ID
		Failed             bool
		Completed          bool
	}

	// LoopState tracks one loop epoch on a step. Counters mirror the
	// distributed KV; when the KV is unreachable these are authoritative
	LoopState struct {
		Collection           []any
		Results              []any
		Iterator             string
		Mode                 api.LoopMode
		Reissued             util.Set[int]
		Index                int
		Completed            int
		FailedCount          int
		ScheduledCount       int
		EventID              api.ID
		AggregationFinalized bool
	}

	// PaginationState accumulates collected pages and retry intent for a
	// step driving a paginated source
	PaginationState struct {
		CollectedData  []any
		IterationCount int
		PendingRetry   bool
	}

	// PendingAction is a routing action deferred until an inline synthetic
	// step finishes
	PendingAction struct {
		Args map[string]any
		Step string
	}
)

// New creates an empty state for an execution of the given playbook. The
// playbook workload seeds the variable context; the start payload is merged
// on top during replay of playbook.initialized
func New(executionID api.ID, pb *api.Playbook) *ExecutionState {
	s := &ExecutionState{
		ExecutionID:        executionID,
		Playbook:           pb,
		Variables:          map[string]any{},
		StepEventIDs:       map[string]api.ID{},
		StepResults:        map[string]any{},
		LoopState:          map[string]*LoopState{},
		PaginationState:    map[string]*PaginationState{},
		PendingNextActions: map[string][]PendingAction{},
		CompletedSteps:     util.SetOf[string](),
		IssuedSteps:        util.SetOf[string](),
	}
	if pb != nil {
		for k, v := range pb.Workload {
			s.Variables[k] = v
		}
	}
	return s
}

// Apply folds one event into the state. Replay calls this for every
// persisted event in event_id order; the engine calls it incrementally so
// the cached state stays consistent with the log
func (s *ExecutionState) Apply(ev *api.Event) {
	if ev.EventID > s.LastEventID {
		s.LastEventID = ev.EventID
	}

	switch ev.Name {
	case api.EventPlaybookInitialized:
		s.applyInitialized(ev)
	case api.EventCommandIssued:
		s.applyCommandIssued(ev)
	case api.EventCommandCompleted, api.EventCommandFailed:
		s.IssuedSteps.Remove(api.ParentStepKey(ev.Step))
	case api.EventStepEnter:
		s.CurrentStep = api.ParentStepKey(ev.Step)
	case api.EventCallDone:
		s.applyCallDone(ev)
	case api.EventStepExit:
		s.applyStepExit(ev)
	case api.EventLoopDone:
		s.applyLoopDone(ev)
	case api.EventCallError:
		s.Failed = true
		s.CompletedSteps.Add(api.ParentStepKey(ev.Step))
	case api.EventPlaybookCompleted:
		s.Completed = true
	case api.EventPlaybookFailed:
		s.Completed = true
		s.Failed = true
	case api.EventPlaybookCancelled, api.EventExecutionCancelled:
		s.Completed = true
	}
}

func (s *ExecutionState) applyInitialized(ev *api.Event) {
	s.RootEventID = ev.EventID
	s.CatalogID = ev.CatalogID
	s.ParentExecutionID = ev.ParentExecutionID
	for k, v := range InitSnapshot(ev) {
		s.Variables[k] = v
	}
}

func (s *ExecutionState) applyCommandIssued(ev *api.Event) {
	parent := api.ParentStepKey(ev.Step)
	s.IssuedSteps.Add(parent)
	// loopbacks re-run a completed step, so issuing clears its completion
	s.CompletedSteps.Remove(parent)

	if ev.Meta != nil && !ev.Meta.LoopEventID.IsZero() {
		s.LoopFor(parent).EventID = ev.Meta.LoopEventID
	}
}

// applyCallDone folds a finished task sequence into step-level state.
// Sequences report only through call.done on the synthetic key, so the
// fold happens here; plain steps carry their state on step.exit
func (s *ExecutionState) applyCallDone(ev *api.Event) {
	if !api.IsTaskSequenceKey(ev.Step) {
		return
	}
	parent := api.ParentStepKey(ev.Step)
	step := s.stepDef(parent)
	if step == nil {
		return
	}
	seq, err := api.DecodeTaskSequenceResult(ev.Result)
	if err != nil {
		return
	}
	for k, v := range seq.Ctx {
		s.Variables[k] = v
	}
	s.StepEventIDs[parent] = ev.EventID

	if step.HasLoop() {
		ls := s.LoopFor(parent)
		ls.Index++
		if ls.Index > ls.ScheduledCount {
			ls.ScheduledCount = ls.Index
		}
		ls.Completed++
		ls.Results = append(ls.Results, seq.StepValue(step))
		if seq.Status == api.SequenceFailed {
			ls.FailedCount++
		}
		return
	}

	if seq.Status == api.SequenceFailed {
		s.Failed = true
		s.CompletedSteps.Add(parent)
		return
	}
	value := seq.StepValue(step)
	s.StepResults[parent] = value
	s.Variables[parent] = value
	s.CompletedSteps.Add(parent)
}

func (s *ExecutionState) applyStepExit(ev *api.Event) {
	// iteration-level exits under the synthetic task-sequence key carry
	// no step-level state; call.done already folded the sequence
	if api.IsTaskSequenceKey(ev.Step) {
		return
	}
	if ev.Meta != nil && ev.Meta.PaginationPage {
		// intermediate pagination page; the step stays open until its
		// terminal page reports
		return
	}

	parent := api.ParentStepKey(ev.Step)
	step := s.stepDef(parent)

	if step == nil && parent != ev.Step {
		// inline synthetic step: completion is tracked under the full key
		s.CompletedSteps.Add(ev.Step)
		if ev.Result != nil {
			s.StepResults[ev.Step] = ev.Result
		}
		return
	}

	s.StepEventIDs[parent] = ev.EventID

	if step != nil && step.HasLoop() {
		// per-iteration exits recover the loop counters; the step itself
		// completes on loop.done
		ls := s.LoopFor(parent)
		ls.Index++
		if ls.Index > ls.ScheduledCount {
			ls.ScheduledCount = ls.Index
		}
		ls.Completed++
		if ev.Result != nil {
			ls.Results = append(ls.Results, ev.Result)
		}
		if ev.Status == api.StatusFailed {
			ls.FailedCount++
		}
		return
	}

	if ev.Result != nil {
		s.StepResults[parent] = ev.Result
		s.Variables[parent] = ev.Result
	}
	s.CompletedSteps.Add(parent)
	if ev.Status == api.StatusFailed {
		s.Failed = true
	}
}

func (s *ExecutionState) applyLoopDone(ev *api.Event) {
	parent := api.ParentStepKey(ev.Step)
	ls := s.LoopFor(parent)
	ls.AggregationFinalized = true
	if ev.Result != nil {
		s.StepResults[parent] = ev.Result
		s.Variables[parent] = ev.Result
	}
	s.CompletedSteps.Add(parent)
	s.StepEventIDs[parent] = ev.EventID
}

func (s *ExecutionState) stepDef(name string) *api.Step {
	if s.Playbook == nil {
		return nil
	}
	return s.Playbook.Step(name)
}

// LoopFor returns the loop state for a step, creating it when absent
func (s *ExecutionState) LoopFor(step string) *LoopState {
	if ls, ok := s.LoopState[step]; ok {
		return ls
	}
	ls := &LoopState{Reissued: util.SetOf[int]()}
	s.LoopState[step] = ls
	return ls
}

// PaginationFor returns the pagination state for a step, creating it when
// absent
func (s *ExecutionState) PaginationFor(step string) *PaginationState {
	if ps, ok := s.PaginationState[step]; ok {
		return ps
	}
	ps := &PaginationState{}
	s.PaginationState[step] = ps
	return ps
}

// PendingSteps returns the normalized step keys with commands in flight:
// issued steps that have not completed
func (s *ExecutionState) PendingSteps() util.Set[string] {
	pending := util.SetOf[string]()
	for step := range s.IssuedSteps {
		if !s.CompletedSteps.Contains(step) {
			pending.Add(step)
		}
	}
	return pending
}

// HasPending reports whether any issued command is still outstanding
func (s *ExecutionState) HasPending() bool {
	for step := range s.IssuedSteps {
		if !s.CompletedSteps.Contains(step) {
			return true
		}
	}
	return false
}

// RenderContext builds the template context: variables plus the structured
// views templates reference by convention
func (s *ExecutionState) RenderContext() map[string]any {
	ctx := make(map[string]any, len(s.Variables)+2)
	for k, v := range s.Variables {
		ctx[k] = v
	}
	if _, ok := ctx["workload"]; !ok {
		ctx["workload"] = s.Variables
	}
	ctx["ctx"] = s.Variables
	ctx["execution_id"] = s.ExecutionID.String()
	return ctx
}

// InitSnapshot extracts the workload snapshot recorded on the
// playbook.initialized event's result
func InitSnapshot(ev *api.Event) map[string]any {
	res, ok := ev.Result.(map[string]any)
	if !ok {
		return nil
	}
	if wl, ok := res["workload"].(map[string]any); ok {
		return wl
	}
	return nil
}

// InitPath extracts the playbook path recorded on playbook.initialized,
// used to resolve the playbook when no catalog ID was recorded
func InitPath(ev *api.Event) string {
	res, ok := ev.Result.(map[string]any)
	if !ok {
		return ""
	}
	path, _ := res["playbook_path"].(string)
	return path
}
