package queue

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/noetl/noetl/internal/ids"
	"github.com/noetl/noetl/pkg/api"
)

type (
	// Memory is the in-process command queue used by tests and single-node
	// setups
	Memory struct {
		items  map[api.ID]*memoryItem
		nextID func() api.ID
		lease  time.Duration
		mu     sync.Mutex
	}

	memoryItem struct {
		cmd        *api.Command
		status     string
		claimedBy  string
		leaseUntil time.Time
	}
)

var _ Queue = (*Memory)(nil)

// NewMemory creates an empty in-memory queue with the given claim lease
func NewMemory(lease time.Duration) *Memory {
	return &Memory{
		items:  map[api.ID]*memoryItem{},
		nextID: ids.Next,
		lease:  lease,
	}
}

func (m *Memory) Publish(
	_ context.Context, cmd *api.Command,
) (api.ID, error) {
	if cmd == nil {
		return 0, ErrCommandNil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cmd.QueueID.IsZero() {
		cmd.QueueID = m.nextID()
	}
	m.items[cmd.QueueID] = &memoryItem{cmd: cmd, status: StatusQueued}
	return cmd.QueueID, nil
}

func (m *Memory) Claim(
	_ context.Context, workerID string, queueID api.ID,
) (*api.Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !queueID.IsZero() {
		item, ok := m.items[queueID]
		if !ok || item.status != StatusQueued {
			return nil, nil
		}
		return m.claim(item, workerID), nil
	}

	var oldest *memoryItem
	for _, item := range m.items {
		if item.status != StatusQueued {
			continue
		}
		if oldest == nil || item.cmd.QueueID < oldest.cmd.QueueID {
			oldest = item
		}
	}
	if oldest == nil {
		return nil, nil
	}
	return m.claim(oldest, workerID), nil
}

func (m *Memory) claim(item *memoryItem, workerID string) *api.Command {
	item.status = StatusClaimed
	item.claimedBy = workerID
	item.leaseUntil = time.Now().Add(m.lease)
	return item.cmd
}

func (m *Memory) Complete(
	_ context.Context, queueID api.ID, _ string,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[queueID]
	if !ok {
		return ErrNotFound
	}
	item.status = StatusDone
	return nil
}

func (m *Memory) RequeueExpired(
	_ context.Context, now time.Time,
) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, item := range m.items {
		if item.status == StatusClaimed && item.leaseUntil.Before(now) {
			item.status = StatusQueued
			item.claimedBy = ""
			n++
		}
	}
	return n, nil
}

func (m *Memory) Pending(
	_ context.Context, executionID api.ID,
) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, item := range m.items {
		if item.cmd.ExecutionID == executionID && item.status != StatusDone {
			n++
		}
	}
	return n, nil
}

// Snapshot returns the queued commands for an execution in publish order,
// which keeps engine tests readable
func (m *Memory) Snapshot(executionID api.ID) []*api.Command {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res []*api.Command
	for _, item := range m.items {
		if item.cmd.ExecutionID == executionID {
			res = append(res, item.cmd)
		}
	}
	slices.SortFunc(res, func(a, b *api.Command) int {
		return int(a.QueueID - b.QueueID)
	})
	return res
}
