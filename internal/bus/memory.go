package bus

import (
	"context"
	"sync"

	"github.com/noetl/noetl/pkg/api"
)

// Memory is an in-process bus for tests and single-node setups. Failed
// deliveries are retried up to the delivery cap, mirroring the broker's
// max-deliver behavior
type Memory struct {
	subs   []chan *api.Notification
	mu     sync.Mutex
	closed bool
}

const memoryMaxDeliver = 3

var _ Bus = (*Memory)(nil)

// NewMemory creates an empty in-process bus
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Publish(_ context.Context, n *api.Notification) error {
	if n == nil {
		return ErrNotificationNil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrBusClosed
	}
	for _, sub := range m.subs {
		sub <- n
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, handler Handler) error {
	ch := make(chan *api.Notification, 64)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrBusClosed
	}
	m.subs = append(m.subs, ch)
	m.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-ch:
				if !ok {
					return
				}
				for range memoryMaxDeliver {
					if handler(ctx, n) == nil {
						break
					}
				}
			}
		}
	}()
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	for _, sub := range m.subs {
		close(sub)
	}
	m.subs = nil
	return nil
}
