package api

import "math"

type (
	// Backoff selects how retry delays grow across attempts
	Backoff string

	// Command is the worker-visible unit of work corresponding to one step
	// activation or one loop iteration. Commands are immutable once
	// published; workers consume them and report back through events
	Command struct {
		Tool         *ToolSpec      `json:"tool,omitempty"`
		Args         map[string]any `json:"args,omitempty"`
		Context      map[string]any `json:"context,omitempty"`
		Spec         *CommandSpec   `json:"spec,omitempty"`
		Meta         *CommandMeta   `json:"meta,omitempty"`
		Step         string         `json:"step"`
		RetryBackoff Backoff        `json:"retry_backoff,omitempty"`
		Pipeline     []*Task        `json:"pipeline,omitempty"`
		NextTargets  []*NextArc     `json:"next_targets,omitempty"`
		ExecutionID  ID             `json:"execution_id"`
		QueueID      ID             `json:"queue_id,omitempty"`
		Attempt      int            `json:"attempt,omitempty"`
		MaxAttempts  int            `json:"max_attempts,omitempty"`
		RetryDelay   float64        `json:"retry_delay,omitempty"`
		Priority     int            `json:"priority,omitempty"`
	}

	// CommandSpec carries step-level execution options along with a command
	CommandSpec struct {
		NextMode NextMode `json:"next_mode,omitempty"`
	}

	// CommandMeta correlates a command with the loop iteration or task
	// sequence that produced it
	CommandMeta struct {
		LoopStep           string   `json:"loop_step,omitempty"`
		ParentStep         string   `json:"parent_step,omitempty"`
		TaskNames          []string `json:"task_names,omitempty"`
		LoopIterationIndex *int     `json:"loop_iteration_index,omitempty"`
		LoopEventID        ID       `json:"loop_event_id,omitempty"`
		CommandEventID     ID       `json:"command_event_id,omitempty"`
		LoopRetry          bool     `json:"__loop_retry,omitempty"`
		TaskSequence       bool     `json:"task_sequence,omitempty"`
	}

	// Notification is the lightweight wake-up published on the bus when a
	// command lands in the queue. The authoritative payload stays in the
	// queue; receivers claim by queue ID and tolerate duplicates
	Notification struct {
		Step        string `json:"step"`
		ServerURL   string `json:"server_url,omitempty"`
		ExecutionID ID     `json:"execution_id"`
		QueueID     ID     `json:"queue_id"`
	}
)

const (
	BackoffNone        Backoff = "none"
	BackoffLinear      Backoff = "linear"
	BackoffExponential Backoff = "exponential"
)

// DefaultMaxAttempts bounds retries when a retry action does not say
const DefaultMaxAttempts = 3

// Delay computes the wait in seconds before the given attempt is retried.
// Attempts are 1-based: linear grows as base*attempt, exponential doubles
// from the base
func (b Backoff) Delay(base float64, attempt int) float64 {
	if attempt < 1 {
		attempt = 1
	}
	switch b {
	case BackoffLinear:
		return base * float64(attempt)
	case BackoffExponential:
		return base * math.Pow(2, float64(attempt-1))
	default:
		return 0
	}
}

// Valid reports whether the backoff mode is one of the known values
func (b Backoff) Valid() bool {
	switch b {
	case BackoffNone, BackoffLinear, BackoffExponential, "":
		return true
	default:
		return false
	}
}

// ParentStep returns the workflow step pending accounting should use for
// this command, stripping any task-sequence suffix
func (c *Command) ParentStep() string {
	if c.Meta != nil && c.Meta.ParentStep != "" {
		return c.Meta.ParentStep
	}
	return ParentStepKey(c.Step)
}

// IsLoopIteration reports whether the command carries loop iteration tags
func (c *Command) IsLoopIteration() bool {
	return c.Meta != nil && !c.Meta.LoopEventID.IsZero() &&
		c.Meta.LoopIterationIndex != nil
}
