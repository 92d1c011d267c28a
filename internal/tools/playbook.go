package tools

import (
	"context"
	"errors"

	"github.com/noetl/noetl/pkg/api"
)

type (
	// SubExecutor starts a child execution. The coordinator wires this to
	// the engine directly; workers wire it to the coordinator's HTTP API
	SubExecutor interface {
		StartChild(
			ctx context.Context, path string, payload map[string]any,
			parentExecutionID api.ID,
		) (api.ID, error)
	}

	// PlaybookTool performs the playbook tool kind: it spawns a child
	// execution of a registered playbook and reports its execution ID. The
	// child runs independently; cancellation cascades through the parent
	// link
	PlaybookTool struct {
		executor SubExecutor
	}
)

var _ Tool = (*PlaybookTool)(nil)

var ErrPathMissing = errors.New("playbook tool has no path")

// NewPlaybookTool creates the playbook tool over a child-execution starter
func NewPlaybookTool(executor SubExecutor) *PlaybookTool {
	return &PlaybookTool{executor: executor}
}

func (p *PlaybookTool) Kind() api.ToolKind {
	return api.ToolPlaybook
}

func (p *PlaybookTool) Call(ctx context.Context, call *Call) (any, error) {
	path := call.Config.GetString("path", "")
	if path == "" {
		return nil, ErrPathMissing
	}

	payload := call.Config.GetMap("payload")
	parent := parentExecution(call)

	childID, err := p.executor.StartChild(ctx, path, payload, parent)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"execution_id": childID.String(),
		"path":         path,
	}, nil
}

func parentExecution(call *Call) api.ID {
	raw, ok := call.Context["execution_id"].(string)
	if !ok {
		return 0
	}
	id, err := api.ParseID(raw)
	if err != nil {
		return 0
	}
	return id
}
