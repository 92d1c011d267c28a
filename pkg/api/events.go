package api

import (
	"strings"
	"time"
)

type (
	// EventName identifies one of the closed set of event types recorded in
	// the event log
	EventName string

	// Status is the uppercase execution status recorded on events
	Status string

	// Event is one immutable record in the append-only event log. Events are
	// the single source of truth: all execution state is derived by replaying
	// them in event_id order
	Event struct {
		Result            any            `json:"result,omitempty"`
		Context           map[string]any `json:"context,omitempty"`
		Error             *OutcomeError  `json:"error,omitempty"`
		Meta              *EventMeta     `json:"meta,omitempty"`
		Name              EventName      `json:"name"`
		Step              string         `json:"step,omitempty"`
		StackTrace        string         `json:"stack_trace,omitempty"`
		WorkerID          string         `json:"worker_id,omitempty"`
		Status            Status         `json:"status,omitempty"`
		ExecutionID       ID             `json:"execution_id"`
		EventID           ID             `json:"event_id"`
		ParentEventID     ID             `json:"parent_event_id,omitempty"`
		ParentExecutionID ID             `json:"parent_execution_id,omitempty"`
		CatalogID         ID             `json:"catalog_id,omitempty"`
		Duration          int64          `json:"duration,omitempty"`
		CreatedAt         time.Time      `json:"created_at,omitempty"`
	}

	// EventMeta carries lineage and correlation details for an event. Every
	// descendant of an execution repeats the root event ID so consumers can
	// group a whole execution without replaying it
	EventMeta struct {
		Step                string   `json:"step,omitempty"`
		ParentStep          string   `json:"parent_step,omitempty"`
		Reason              string   `json:"reason,omitempty"`
		TaskNames           []string `json:"task_names,omitempty"`
		EventChain          []ID     `json:"event_chain,omitempty"`
		LoopIterationIndex  *int     `json:"loop_iteration_index,omitempty"`
		LoopStep            string   `json:"loop_step,omitempty"`
		ExecutionID         ID       `json:"execution_id,omitempty"`
		CatalogID           ID       `json:"catalog_id,omitempty"`
		RootEventID         ID       `json:"root_event_id,omitempty"`
		ParentExecutionID   ID       `json:"parent_execution_id,omitempty"`
		PreviousStepEventID ID       `json:"previous_step_event_id,omitempty"`
		CommandID           ID       `json:"command_id,omitempty"`
		LoopEventID         ID       `json:"loop_event_id,omitempty"`
		LoopRetry           bool     `json:"__loop_retry,omitempty"`
		PaginationPage      bool     `json:"pagination_page,omitempty"`
		TaskSequence        bool     `json:"task_sequence,omitempty"`
		AutoCancelled       bool     `json:"auto_cancelled,omitempty"`
	}
)

const (
	EventPlaybookInitialized EventName = "playbook.initialized"
	EventPlaybookCompleted   EventName = "playbook.completed"
	EventPlaybookFailed      EventName = "playbook.failed"
	EventPlaybookCancelled   EventName = "playbook.cancelled"
	EventWorkflowInitialized EventName = "workflow.initialized"
	EventWorkflowCompleted   EventName = "workflow.completed"
	EventWorkflowFailed      EventName = "workflow.failed"
	EventWorkflowCancelled   EventName = "workflow.cancelled"
	EventExecutionCancelled  EventName = "execution.cancelled"
	EventCommandIssued       EventName = "command.issued"
	EventCommandCompleted    EventName = "command.completed"
	EventCommandFailed       EventName = "command.failed"
	EventStepEnter           EventName = "step.enter"
	EventStepExit            EventName = "step.exit"
	EventCallDone            EventName = "call.done"
	EventCallError           EventName = "call.error"
	EventLoopItem            EventName = "loop.item"
	EventLoopDone            EventName = "loop.done"
)

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusSkipped   Status = "SKIPPED"
)

// TaskSequenceSuffix marks the synthetic step key a task sequence runs under.
// Pending accounting always strips it back to the parent step name
const TaskSequenceSuffix = ":task_sequence"

// WorkflowEventFor maps a terminal status to its workflow lifecycle event
func WorkflowEventFor(status Status) EventName {
	return EventName("workflow." + strings.ToLower(string(status)))
}

// PlaybookEventFor maps a terminal status to its playbook lifecycle event
func PlaybookEventFor(status Status) EventName {
	return EventName("playbook." + strings.ToLower(string(status)))
}

// TerminalLifecycle reports whether the event name closes an execution
func (n EventName) TerminalLifecycle() bool {
	switch n {
	case EventPlaybookCompleted, EventPlaybookFailed, EventPlaybookCancelled,
		EventExecutionCancelled:
		return true
	default:
		return false
	}
}

// ParentStepKey strips any task-sequence suffix from a step key, returning
// the workflow step the key belongs to
func ParentStepKey(step string) string {
	return strings.TrimSuffix(step, TaskSequenceSuffix)
}

// TaskSequenceKey builds the synthetic step key a task sequence executes
// under for a parent step
func TaskSequenceKey(parent string) string {
	return parent + TaskSequenceSuffix
}

// IsTaskSequenceKey reports whether a step key names a task-sequence run
func IsTaskSequenceKey(step string) bool {
	return strings.HasSuffix(step, TaskSequenceSuffix)
}

// SplitStepKey separates a qualified step key of the form parent:task into
// its parent step and task name. Unqualified keys return an empty task
func SplitStepKey(step string) (string, string) {
	parent, task, ok := strings.Cut(step, ":")
	if !ok {
		return step, ""
	}
	return parent, task
}

// Terminal reports whether the status is one of the final states
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}
