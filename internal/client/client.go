// Package client is the HTTP client remote workers use to reach the
// coordinator: claiming commands, posting events, checking cancellation,
// and starting child executions for the playbook tool
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/noetl/noetl/internal/tools"
	"github.com/noetl/noetl/internal/worker"
	"github.com/noetl/noetl/pkg/api"
)

// Client talks to one coordinator. Methods are safe for concurrent use;
// the underlying http.Client pools connections
type Client struct {
	httpClient *http.Client
	baseURL    string
}

var (
	_ worker.Coordinator = (*Client)(nil)
	_ tools.SubExecutor  = (*Client)(nil)
)

const defaultTimeout = 30 * time.Second

var (
	ErrServerURL = errors.New("server URL is empty")
	ErrHTTPError = errors.New("coordinator returned an error")
)

// New creates a client for the coordinator at baseURL
func New(baseURL string, timeout time.Duration) (*Client, error) {
	if baseURL == "" {
		return nil, ErrServerURL
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Claim asks the coordinator for the command behind a notification. A nil
// command means another worker already claimed it
func (c *Client) Claim(
	ctx context.Context, workerID string, queueID api.ID,
) (*api.Command, error) {
	var res api.ClaimCommandResponse
	err := c.post(ctx, "/queue/claim", api.ClaimCommandRequest{
		WorkerID: workerID,
		QueueID:  queueID,
	}, &res)
	if err != nil {
		return nil, err
	}
	if !res.Claimed {
		return nil, nil
	}
	return res.Command, nil
}

// Complete retires a claimed queue entry
func (c *Client) Complete(
	ctx context.Context, queueID api.ID, outcome string,
) error {
	path := fmt.Sprintf("/queue/%s/complete", queueID)
	return c.post(ctx, path, map[string]string{"outcome": outcome}, nil)
}

// EmitEvent posts one worker-observed event
func (c *Client) EmitEvent(ctx context.Context, ev *api.Event) error {
	var res api.EmitEventResponse
	err := c.post(ctx, "/events", api.EmitEventRequest{
		ExecutionID:   ev.ExecutionID,
		ParentEventID: ev.ParentEventID,
		Name:          ev.Name,
		Step:          ev.Step,
		Status:        ev.Status,
		Payload:       ev.Result,
		Error:         ev.Error,
		Meta:          ev.Meta,
		WorkerID:      ev.WorkerID,
		StackTrace:    ev.StackTrace,
		Duration:      ev.Duration,
	}, &res)
	if err != nil {
		return err
	}
	ev.EventID = res.EventID
	return nil
}

// IsCancelled is the lightweight pre-work poll
func (c *Client) IsCancelled(
	ctx context.Context, executionID api.ID,
) (bool, error) {
	var res api.CancellationCheckResponse
	path := fmt.Sprintf("/executions/%s/cancellation-check", executionID)
	if err := c.get(ctx, path, &res); err != nil {
		return false, err
	}
	return res.Cancelled, nil
}

// StartChild begins a sub-execution on behalf of the playbook tool
func (c *Client) StartChild(
	ctx context.Context, path string, payload map[string]any,
	parentExecutionID api.ID,
) (api.ID, error) {
	res, err := c.Start(ctx, &api.StartExecutionRequest{
		Path:              path,
		Payload:           payload,
		ParentExecutionID: parentExecutionID,
	})
	if err != nil {
		return 0, err
	}
	return res.ExecutionID, nil
}

// Start begins a new execution
func (c *Client) Start(
	ctx context.Context, req *api.StartExecutionRequest,
) (*api.StartExecutionResponse, error) {
	var res api.StartExecutionResponse
	if err := c.post(ctx, "/executions", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Register stores playbook YAML in the coordinator's catalog
func (c *Client) Register(
	ctx context.Context, content []byte,
) (*api.RegisterPlaybookResponse, error) {
	var res api.RegisterPlaybookResponse
	err := c.post(ctx, "/catalog/playbooks", api.RegisterPlaybookRequest{
		Content: string(content),
	}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Execution fetches an execution's status with one page of its events.
// Pollers pass the last event ID they saw and receive only newer events
func (c *Client) Execution(
	ctx context.Context, executionID, sinceEventID api.ID,
) (*api.ExecutionResponse, error) {
	path := fmt.Sprintf("/executions/%s", executionID)
	if !sinceEventID.IsZero() {
		path += fmt.Sprintf("?since_event_id=%s", sinceEventID)
	}
	var res api.ExecutionResponse
	if err := c.get(ctx, path, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Cancel stops a running execution
func (c *Client) Cancel(
	ctx context.Context, executionID api.ID, cascade bool, reason string,
) (*api.CancelResponse, error) {
	var res api.CancelResponse
	path := fmt.Sprintf("/executions/%s/cancel", executionID)
	err := c.post(ctx, path, api.CancelRequest{
		Cascade: &cascade,
		Reason:  reason,
	}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) post(
	ctx context.Context, path string, body, out any,
) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data),
	)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.send(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, c.baseURL+path, nil,
	)
	if err != nil {
		return err
	}
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr api.ErrorResponse
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%w: %s", ErrHTTPError, apiErr.Error)
		}
		return fmt.Errorf("%w: HTTP %d", ErrHTTPError, resp.StatusCode)
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}
