package catalog

import (
	"context"
	"sync"
	"time"

	"github.com/noetl/noetl/internal/ids"
	"github.com/noetl/noetl/pkg/api"
)

// Memory is the in-process catalog used by tests and single-node setups
type Memory struct {
	entries map[api.ID]*Entry
	byPath  map[string]*Entry
	nextID  func() api.ID
	mu      sync.RWMutex
}

var _ Catalog = (*Memory)(nil)

// NewMemory creates an empty in-memory catalog
func NewMemory() *Memory {
	return NewMemoryWithIDs(ids.Next)
}

// NewMemoryWithIDs creates an in-memory catalog minting IDs from next
func NewMemoryWithIDs(next func() api.ID) *Memory {
	return &Memory{
		entries: map[api.ID]*Entry{},
		byPath:  map[string]*Entry{},
		nextID:  next,
	}
}

func (m *Memory) Register(
	_ context.Context, content []byte,
) (*Entry, error) {
	entry, err := parseEntry(content)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entry.CatalogID = m.nextID()
	entry.Version = 1
	entry.CreatedAt = time.Now().UTC()
	if prev, ok := m.byPath[entry.Path]; ok {
		entry.Version = prev.Version + 1
	}

	m.entries[entry.CatalogID] = entry
	m.byPath[entry.Path] = entry
	return entry, nil
}

func (m *Memory) Resolve(
	ctx context.Context, catalogID api.ID, path string,
) (*api.Playbook, error) {
	if !catalogID.IsZero() {
		entry, err := m.Lookup(ctx, catalogID)
		if err != nil {
			return nil, err
		}
		return entry.Playbook, nil
	}
	entry, err := m.ByPath(ctx, path)
	if err != nil {
		return nil, err
	}
	return entry.Playbook, nil
}

func (m *Memory) Lookup(
	_ context.Context, catalogID api.ID,
) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[catalogID]
	if !ok {
		return nil, ErrNotFound
	}
	return entry, nil
}

func (m *Memory) ByPath(_ context.Context, path string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.byPath[path]
	if !ok {
		return nil, ErrNotFound
	}
	return entry, nil
}

func (m *Memory) List(_ context.Context) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	res := make([]*Entry, 0, len(m.byPath))
	for _, entry := range m.byPath {
		res = append(res, entry)
	}
	return res, nil
}
