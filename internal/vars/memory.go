package vars

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/noetl/noetl/pkg/api"
)

// Memory is the in-process variable store used by tests and single-node
// setups
type Memory struct {
	values map[api.ID]map[string]*api.Variable
	mu     sync.Mutex
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory variable store
func NewMemory() *Memory {
	return &Memory{values: map[api.ID]map[string]*api.Variable{}}
}

func (m *Memory) Set(
	_ context.Context, executionID api.ID, name string, value any,
	varType api.VarType, sourceStep string,
) error {
	if name == "" {
		return ErrNameEmpty
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	scope, ok := m.values[executionID]
	if !ok {
		scope = map[string]*api.Variable{}
		m.values[executionID] = scope
	}

	now := time.Now().UTC()
	if v, ok := scope[name]; ok {
		v.Value = value
		v.Type = normalizeType(varType)
		v.SourceStep = sourceStep
		v.UpdatedAt = now
		return nil
	}
	scope[name] = &api.Variable{
		ExecutionID: executionID,
		Name:        name,
		Value:       value,
		Type:        normalizeType(varType),
		SourceStep:  sourceStep,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return nil
}

func (m *Memory) Get(
	_ context.Context, executionID api.ID, name string,
) (*api.Variable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.values[executionID][name]
	if !ok {
		return nil, ErrNotFound
	}
	v.AccessedAt = time.Now().UTC()
	v.AccessCount++

	cp := *v
	return &cp, nil
}

func (m *Memory) List(
	_ context.Context, executionID api.ID,
) ([]*api.Variable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	scope := m.values[executionID]
	res := make([]*api.Variable, 0, len(scope))
	for _, v := range scope {
		cp := *v
		res = append(res, &cp)
	}
	slices.SortFunc(res, func(a, b *api.Variable) int {
		return strings.Compare(a.Name, b.Name)
	})
	return res, nil
}

func (m *Memory) Delete(
	_ context.Context, executionID api.ID, name string,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.values[executionID][name]; !ok {
		return ErrNotFound
	}
	delete(m.values[executionID], name)
	return nil
}

func (m *Memory) Cleanup(_ context.Context, executionID api.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, executionID)
	return nil
}
