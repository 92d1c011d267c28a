package api

import "encoding/json"

type (
	// ErrorKind classifies a tool failure into the closed taxonomy used by
	// eval conditions and retry decisions
	ErrorKind string

	// OutcomeStatus reports how a task or task sequence finished
	OutcomeStatus string

	// Outcome is the structured result of one task attempt, exposed to eval
	// expressions as `outcome`
	Outcome struct {
		Result any            `json:"result,omitempty"`
		Error  *OutcomeError  `json:"error,omitempty"`
		HTTP   map[string]any `json:"http,omitempty"`
		PG     map[string]any `json:"pg,omitempty"`
		Py     map[string]any `json:"py,omitempty"`
		Status OutcomeStatus  `json:"status"`
		Meta   OutcomeMeta    `json:"meta"`
	}

	// OutcomeMeta records attempt accounting for the current task
	OutcomeMeta struct {
		Attempt  int   `json:"attempt"`
		Duration int64 `json:"duration_ms"`
	}

	// OutcomeError is the classified error of a failed tool call. Retryable
	// must survive serialization so conditions like
	// `{{ outcome.error.retryable }}` are stable across the wire
	OutcomeError struct {
		Kind          ErrorKind `json:"kind"`
		Code          string    `json:"code,omitempty"`
		Message       string    `json:"message,omitempty"`
		Source        string    `json:"source,omitempty"`
		PGCode        string    `json:"pg_code,omitempty"`
		ExceptionType string    `json:"exception_type,omitempty"`
		HTTPStatus    int       `json:"http_status,omitempty"`
		RetryAfter    float64   `json:"retry_after,omitempty"`
		Retryable     bool      `json:"retryable"`
	}

	// TaskSequenceResult is the body a worker reports on call.done after
	// running a labelled pipeline atomically. Break returns the actions the
	// sequence did not reach so the coordinator can apply them
	TaskSequenceResult struct {
		Prev             any            `json:"_prev,omitempty"`
		Results          map[string]any `json:"results,omitempty"`
		StepVars         map[string]any `json:"step_vars,omitempty"`
		Ctx              map[string]any `json:"ctx,omitempty"`
		Error            *OutcomeError  `json:"error,omitempty"`
		Status           OutcomeStatus  `json:"status"`
		FailedTask       string         `json:"failed_task,omitempty"`
		RemainingActions []string       `json:"remaining_actions,omitempty"`
		LoopEventID      ID             `json:"loop_event_id,omitempty"`
	}
)

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeErrored OutcomeStatus = "error"

	SequenceCompleted OutcomeStatus = "completed"
	SequenceFailed    OutcomeStatus = "failed"
	SequenceBreak     OutcomeStatus = "break"
)

const (
	ErrKindConnection ErrorKind = "connection"
	ErrKindTimeout    ErrorKind = "timeout"
	ErrKindRateLimit  ErrorKind = "rate_limit"
	ErrKindAuth       ErrorKind = "auth"
	ErrKindNotFound   ErrorKind = "not_found"
	ErrKindClient     ErrorKind = "client_error"
	ErrKindServer     ErrorKind = "server_error"
	ErrKindSchema     ErrorKind = "schema"
	ErrKindParse      ErrorKind = "parse"
	ErrKindTransform  ErrorKind = "transform"
	ErrKindDBConn     ErrorKind = "db_connection"
	ErrKindDBConstr   ErrorKind = "db_constraint"
	ErrKindDBDeadlock ErrorKind = "db_deadlock"
	ErrKindDBTimeout  ErrorKind = "db_timeout"
	ErrKindQuota      ErrorKind = "storage_quota"
	ErrKindStorage    ErrorKind = "storage_access"
	ErrKindUnknown    ErrorKind = "unknown"
)

// Failed reports whether the outcome carries an error
func (o *Outcome) Failed() bool {
	return o.Status == OutcomeErrored
}

// AsMap renders the outcome as the mapping eval templates evaluate against
func (o *Outcome) AsMap() map[string]any {
	m := map[string]any{
		"status": string(o.Status),
		"meta": map[string]any{
			"attempt":     o.Meta.Attempt,
			"duration_ms": o.Meta.Duration,
		},
	}
	if o.Result != nil {
		m["result"] = o.Result
	}
	if o.Error != nil {
		m["error"] = o.Error.AsMap()
	}
	if o.HTTP != nil {
		m["http"] = o.HTTP
	}
	if o.PG != nil {
		m["pg"] = o.PG
	}
	if o.Py != nil {
		m["py"] = o.Py
	}
	return m
}

// AsMap renders the error for template access
func (e *OutcomeError) AsMap() map[string]any {
	m := map[string]any{
		"kind":      string(e.Kind),
		"retryable": e.Retryable,
	}
	if e.Code != "" {
		m["code"] = e.Code
	}
	if e.Message != "" {
		m["message"] = e.Message
	}
	if e.Source != "" {
		m["source"] = e.Source
	}
	if e.HTTPStatus != 0 {
		m["http_status"] = e.HTTPStatus
	}
	if e.RetryAfter != 0 {
		m["retry_after"] = e.RetryAfter
	}
	if e.PGCode != "" {
		m["pg_code"] = e.PGCode
	}
	if e.ExceptionType != "" {
		m["exception_type"] = e.ExceptionType
	}
	return m
}

func (e *OutcomeError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

// DecodeTaskSequenceResult reshapes a decoded call.done body into the
// typed sequence result
func DecodeTaskSequenceResult(v any) (*TaskSequenceResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var seq TaskSequenceResult
	if err := json.Unmarshal(data, &seq); err != nil {
		return nil, err
	}
	return &seq, nil
}

// StepValue is the step-level result of a finished sequence: the single
// task's own result for one-task pipelines, the per-task result map
// otherwise. Break surfaces the unreached actions alongside
func (r *TaskSequenceResult) StepValue(step *Step) any {
	if len(step.Pipeline) == 1 {
		if v, ok := r.Results[step.Pipeline[0].Name]; ok {
			return v
		}
	}
	composite := make(map[string]any, len(r.Results)+2)
	for k, v := range r.Results {
		composite[k] = v
	}
	if r.Prev != nil {
		composite["_prev"] = r.Prev
	}
	if len(r.RemainingActions) > 0 {
		composite["_remaining"] = r.RemainingActions
	}
	return composite
}
