package worker

import (
	"context"

	"github.com/noetl/noetl/internal/engine"
	"github.com/noetl/noetl/internal/queue"
	"github.com/noetl/noetl/pkg/api"
)

// Local is the in-process coordinator: single-binary deployments wire the
// worker straight to the engine and queue, skipping the HTTP hop
type Local struct {
	Engine *engine.Engine
	Queue  queue.Queue
}

var _ Coordinator = (*Local)(nil)

func (l *Local) Claim(
	ctx context.Context, workerID string, queueID api.ID,
) (*api.Command, error) {
	return l.Queue.Claim(ctx, workerID, queueID)
}

func (l *Local) Complete(
	ctx context.Context, queueID api.ID, outcome string,
) error {
	return l.Queue.Complete(ctx, queueID, outcome)
}

func (l *Local) EmitEvent(ctx context.Context, ev *api.Event) error {
	_, err := l.Engine.HandleEvent(ctx, ev)
	return err
}

func (l *Local) IsCancelled(
	ctx context.Context, executionID api.ID,
) (bool, error) {
	return l.Engine.IsCancelled(ctx, executionID)
}
