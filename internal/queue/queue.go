// Package queue implements the durable command store. Commands are
// published by the coordinator and claimed by workers; a claim is
// single-assignment until its lease expires. Workers never update commands
// directly, they report through events
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/noetl/noetl/pkg/api"
)

type (
	// Queue is the command store contract. Claim with a zero queue ID takes
	// the oldest claimable command; a nil command with a nil error means
	// nothing was claimable
	Queue interface {
		Publish(ctx context.Context, cmd *api.Command) (api.ID, error)
		Claim(
			ctx context.Context, workerID string, queueID api.ID,
		) (*api.Command, error)
		Complete(ctx context.Context, queueID api.ID, outcome string) error

		// RequeueExpired returns claimed-but-unfinished commands whose
		// lease has lapsed to the claimable pool
		RequeueExpired(ctx context.Context, now time.Time) (int, error)

		// Pending counts commands not yet completed for an execution
		Pending(ctx context.Context, executionID api.ID) (int, error)
	}
)

const (
	StatusQueued  = "queued"
	StatusClaimed = "claimed"
	StatusDone    = "done"

	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

var (
	ErrCommandNil   = errors.New("command is nil")
	ErrNotClaimable = errors.New("command not claimable")
	ErrNotFound     = errors.New("queue entry not found")
)
