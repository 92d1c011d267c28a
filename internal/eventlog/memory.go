package eventlog

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/noetl/noetl/internal/ids"
	"github.com/noetl/noetl/pkg/api"
)

// Memory is the in-process event log used by tests and single-node setups
type Memory struct {
	events map[api.ID][]*api.Event
	nextID func() api.ID
	mu     sync.RWMutex
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory event log
func NewMemory() *Memory {
	return &Memory{
		events: map[api.ID][]*api.Event{},
		nextID: ids.Next,
	}
}

// NewMemoryWithIDs creates an in-memory log minting IDs from next, which
// lets tests produce deterministic event IDs
func NewMemoryWithIDs(next func() api.ID) *Memory {
	return &Memory{
		events: map[api.ID][]*api.Event{},
		nextID: next,
	}
}

func (m *Memory) Append(_ context.Context, ev *api.Event) (api.ID, error) {
	if ev.ExecutionID.IsZero() || ev.Name == "" {
		return 0, ErrEventIncomplete
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if ev.EventID.IsZero() {
		ev.EventID = m.nextID()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	m.events[ev.ExecutionID] = append(m.events[ev.ExecutionID], ev)
	return ev.EventID, nil
}

func (m *Memory) Read(
	_ context.Context, executionID api.ID, f Filter,
) ([]*api.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var res []*api.Event
	for _, ev := range m.events[executionID] {
		if f.matches(ev) {
			res = append(res, ev)
		}
	}
	slices.SortFunc(res, func(a, b *api.Event) int {
		if f.Descending {
			return int(b.EventID - a.EventID)
		}
		return int(a.EventID - b.EventID)
	})

	lo, hi := f.window(len(res))
	return res[lo:hi], nil
}

func (m *Memory) Count(
	_ context.Context, executionID api.ID, f Filter,
) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, ev := range m.events[executionID] {
		if f.matches(ev) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) ChildExecutions(
	_ context.Context, executionID api.ID,
) ([]api.ID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var res []api.ID
	for execID, events := range m.events {
		for _, ev := range events {
			if ev.Name == api.EventPlaybookInitialized &&
				ev.ParentExecutionID == executionID {
				res = append(res, execID)
				break
			}
		}
	}
	slices.Sort(res)
	return res, nil
}

func (m *Memory) StuckExecutions(
	_ context.Context, olderThan time.Time,
) ([]api.ID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var res []api.ID
	for execID, events := range m.events {
		var initialized *api.Event
		terminal := false
		for _, ev := range events {
			if ev.Name == api.EventPlaybookInitialized && initialized == nil {
				initialized = ev
			}
			if ev.Name.TerminalLifecycle() {
				terminal = true
				break
			}
		}
		if initialized != nil && !terminal &&
			initialized.CreatedAt.Before(olderThan) {
			res = append(res, execID)
		}
	}
	slices.Sort(res)
	return res, nil
}
