// Package loopkv tracks loop progress in a low-latency keyed store. The
// claim and increment operations are atomic: they are what holds the
// parallel bound when multiple coordinators drive the same loop
package loopkv

import (
	"context"
	"errors"
	"fmt"

	"github.com/noetl/noetl/pkg/api"
)

type (
	// Key identifies one loop epoch
	Key struct {
		Step        string
		ExecutionID api.ID
		EventID     api.ID
	}

	// Progress is the loop accounting stored per key
	Progress struct {
		Iterator       string       `json:"iterator,omitempty"`
		Mode           api.LoopMode `json:"mode,omitempty"`
		CollectionSize int          `json:"collection_size"`
		CompletedCount int          `json:"completed_count"`
		ScheduledCount int          `json:"scheduled_count"`
		EventID        api.ID       `json:"event_id"`
	}

	// KV is the loop progress contract. ClaimNextIndex returns the next
	// iteration index while holding scheduled−completed within the
	// in-flight bound; ok is false when no slot is available.
	// IncrementCompleted returns the new count, or −1 for an absent key
	KV interface {
		Get(ctx context.Context, key Key) (*Progress, error)
		Set(ctx context.Context, key Key, p *Progress) error
		ClaimNextIndex(
			ctx context.Context, key Key, collectionSize, maxInFlight int,
		) (int, bool, error)
		IncrementCompleted(ctx context.Context, key Key) (int, error)
		Delete(ctx context.Context, key Key) error
	}
)

var ErrProgressNil = errors.New("loop progress is nil")

func (k Key) String() string {
	return fmt.Sprintf("noetl:loop:%s:%s:%s", k.ExecutionID, k.Step, k.EventID)
}

// Done reports whether every iteration has completed
func (p *Progress) Done() bool {
	return p.CollectionSize > 0 && p.CompletedCount >= p.CollectionSize
}

// FullyScheduled reports whether every iteration has been handed out
func (p *Progress) FullyScheduled() bool {
	return p.ScheduledCount >= p.CollectionSize
}
