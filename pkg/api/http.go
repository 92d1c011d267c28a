package api

import "time"

type (
	// StartExecutionRequest begins a new execution of a playbook resolved by
	// catalog ID or path
	StartExecutionRequest struct {
		Payload           map[string]any `json:"payload,omitempty"`
		Path              string         `json:"path,omitempty"`
		Version           string         `json:"version,omitempty"`
		CatalogID         ID             `json:"catalog_id,omitempty"`
		ParentExecutionID ID             `json:"parent_execution_id,omitempty"`
	}

	StartExecutionResponse struct {
		Status            string `json:"status"`
		ExecutionID       ID     `json:"execution_id"`
		CommandsGenerated int    `json:"commands_generated"`
	}

	// EmitEventRequest posts a worker-observed event. The server assigns the
	// event ID; duplicate deliveries are tolerated
	EmitEventRequest struct {
		Payload       any           `json:"payload,omitempty"`
		Error         *OutcomeError `json:"error,omitempty"`
		Meta          *EventMeta    `json:"meta,omitempty"`
		Step          string        `json:"step"`
		Name          EventName     `json:"name"`
		Status        Status        `json:"status,omitempty"`
		WorkerID      string        `json:"worker_id,omitempty"`
		StackTrace    string        `json:"stack_trace,omitempty"`
		ExecutionID   ID            `json:"execution_id"`
		ParentEventID ID            `json:"parent_event_id,omitempty"`
		Duration      int64         `json:"duration,omitempty"`
	}

	EmitEventResponse struct {
		EventID           ID  `json:"event_id"`
		CommandsGenerated int `json:"commands_generated"`
	}

	// CancelRequest cancels an execution, cascading to child executions
	// unless told otherwise
	CancelRequest struct {
		Cascade *bool  `json:"cascade,omitempty"`
		Reason  string `json:"reason,omitempty"`
	}

	CancelResponse struct {
		Status              string `json:"status"`
		CancelledExecutions []ID   `json:"cancelled_executions"`
	}

	// CancellationCheckResponse is the lightweight poll workers issue before
	// starting work
	CancellationCheckResponse struct {
		Status    Status `json:"status"`
		Cancelled bool   `json:"cancelled"`
		Completed bool   `json:"completed"`
		Failed    bool   `json:"failed"`
	}

	FinalizeResponse struct {
		Status string `json:"status"`
	}

	// CleanupRequest sweeps executions stuck without a terminal event
	CleanupRequest struct {
		OlderThanMinutes int  `json:"older_than_minutes"`
		DryRun           bool `json:"dry_run,omitempty"`
	}

	CleanupResponse struct {
		CancelledExecutions []ID `json:"cancelled_executions"`
		DryRun              bool `json:"dry_run"`
	}

	// ExecutionResponse returns an execution with one page of its events.
	// Incremental pollers pass since_event_id and receive only newer events
	ExecutionResponse struct {
		Status      Status   `json:"status"`
		Events      []*Event `json:"events"`
		ExecutionID ID       `json:"execution_id"`
		Page        int      `json:"page"`
		PageSize    int      `json:"page_size"`
		Total       int      `json:"total"`
	}

	// ClaimCommandRequest claims a queued command for a worker. Claims are
	// single-assignment: the first worker wins, later claims see nothing
	ClaimCommandRequest struct {
		WorkerID string `json:"worker_id"`
		QueueID  ID     `json:"queue_id,omitempty"`
	}

	ClaimCommandResponse struct {
		Command *Command `json:"command,omitempty"`
		QueueID ID       `json:"queue_id,omitempty"`
		Claimed bool     `json:"claimed"`
	}

	// RegisterPlaybookRequest stores playbook YAML in the catalog
	RegisterPlaybookRequest struct {
		Path    string `json:"path"`
		Content string `json:"content"`
		Version string `json:"version,omitempty"`
	}

	RegisterPlaybookResponse struct {
		Name      string `json:"name"`
		Version   string `json:"version"`
		CatalogID ID     `json:"catalog_id"`
	}

	// ErrorResponse is the uniform error body of the HTTP API
	ErrorResponse struct {
		Error  string `json:"error"`
		Status int    `json:"status"`
	}

	HealthResponse struct {
		Components map[string]string `json:"components,omitempty"`
		Status     string            `json:"status"`
	}
)

type (
	// VarType classifies a transient variable by how it was produced
	VarType string

	// Variable is one execution-scoped transient value. Reads bump the
	// access bookkeeping so operators can see what a playbook actually uses
	Variable struct {
		Value       any       `json:"value"`
		Name        string    `json:"name"`
		Type        VarType   `json:"type"`
		SourceStep  string    `json:"source_step,omitempty"`
		ExecutionID ID        `json:"execution_id"`
		CreatedAt   time.Time `json:"created_at,omitempty"`
		UpdatedAt   time.Time `json:"updated_at,omitempty"`
		AccessedAt  time.Time `json:"accessed_at,omitempty"`
		AccessCount int64     `json:"access_count,omitempty"`
	}

	// SetVariableRequest writes a transient variable
	SetVariableRequest struct {
		Value      any     `json:"value"`
		Name       string  `json:"name"`
		Type       VarType `json:"type,omitempty"`
		SourceStep string  `json:"source_step,omitempty"`
	}
)

const (
	VarUserDefined   VarType = "user_defined"
	VarStepResult    VarType = "step_result"
	VarComputed      VarType = "computed"
	VarIteratorState VarType = "iterator_state"
)

// CascadeEnabled reports whether cancellation should walk child executions.
// Cascade defaults to true when the request leaves it unset
func (r *CancelRequest) CascadeEnabled() bool {
	return r.Cascade == nil || *r.Cascade
}
