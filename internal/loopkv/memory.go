package loopkv

import (
	"context"
	"sync"
)

// Memory is the in-process fallback used when the distributed store is
// unreachable. Correct across coordinators only when a single coordinator
// drives the loop
type Memory struct {
	items map[Key]*Progress
	mu    sync.Mutex
}

var _ KV = (*Memory)(nil)

// NewMemory creates an empty in-process loop store
func NewMemory() *Memory {
	return &Memory{items: map[Key]*Progress{}}
}

func (m *Memory) Get(_ context.Context, key Key) (*Progress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.items[key]
	if !ok {
		return nil, nil
	}
	clone := *p
	return &clone, nil
}

func (m *Memory) Set(_ context.Context, key Key, p *Progress) error {
	if p == nil {
		return ErrProgressNil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *p
	m.items[key] = &clone
	return nil
}

func (m *Memory) ClaimNextIndex(
	_ context.Context, key Key, collectionSize, maxInFlight int,
) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.items[key]
	if !ok {
		p = &Progress{CollectionSize: collectionSize, EventID: key.EventID}
		m.items[key] = p
	}
	if p.ScheduledCount >= collectionSize {
		return 0, false, nil
	}
	if maxInFlight > 0 && p.ScheduledCount-p.CompletedCount >= maxInFlight {
		return 0, false, nil
	}
	index := p.ScheduledCount
	p.ScheduledCount++
	return index, true, nil
}

func (m *Memory) IncrementCompleted(
	_ context.Context, key Key,
) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.items[key]
	if !ok {
		return -1, nil
	}
	p.CompletedCount++
	return p.CompletedCount, nil
}

func (m *Memory) Delete(_ context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.items, key)
	return nil
}
