// Package eventlog implements the append-only event log, the single source
// of truth for execution state. Events are totally ordered per execution by
// event_id; appended events are durable before Append returns
package eventlog

import (
	"context"
	"errors"
	"time"

	"github.com/noetl/noetl/pkg/api"
)

type (
	// Filter narrows a Read to the events a caller cares about. The zero
	// value reads everything in ascending event_id order, which is the
	// replay order
	Filter struct {
		Types        []api.EventName
		SinceEventID api.ID
		Descending   bool
		Limit        int
		Offset       int
	}

	// Store is the event log contract. Append assigns the event ID and the
	// creation timestamp when they are unset
	Store interface {
		Append(ctx context.Context, ev *api.Event) (api.ID, error)
		Read(
			ctx context.Context, executionID api.ID, f Filter,
		) ([]*api.Event, error)
		Count(ctx context.Context, executionID api.ID, f Filter) (int, error)

		// ChildExecutions lists executions started with the given parent
		ChildExecutions(
			ctx context.Context, executionID api.ID,
		) ([]api.ID, error)

		// StuckExecutions lists executions whose playbook.initialized is
		// older than the cutoff and which have no terminal lifecycle event
		StuckExecutions(
			ctx context.Context, olderThan time.Time,
		) ([]api.ID, error)
	}
)

var ErrEventIncomplete = errors.New("event missing execution or name")

func (f Filter) matches(ev *api.Event) bool {
	if !f.SinceEventID.IsZero() && ev.EventID <= f.SinceEventID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if ev.Name == t {
			return true
		}
	}
	return false
}

func (f Filter) window(n int) (int, int) {
	lo := min(f.Offset, n)
	hi := n
	if f.Limit > 0 {
		hi = min(lo+f.Limit, n)
	}
	return lo, hi
}
