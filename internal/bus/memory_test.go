package bus_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/internal/bus"
	"github.com/noetl/noetl/pkg/api"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := bus.NewMemory()
	ctx := context.Background()

	var mu sync.Mutex
	var got []*api.Notification
	require.NoError(t, b.Subscribe(ctx,
		func(_ context.Context, n *api.Notification) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, n)
			return nil
		}))

	require.NoError(t, b.Publish(ctx, &api.Notification{
		ExecutionID: 1,
		QueueID:     10,
		Step:        "fetch",
	}))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0].QueueID == api.ID(10)
	}, time.Second, 10*time.Millisecond)
}

func TestFailedHandlerIsRetried(t *testing.T) {
	b := bus.NewMemory()
	ctx := context.Background()

	var mu sync.Mutex
	calls := 0
	require.NoError(t, b.Subscribe(ctx,
		func(_ context.Context, _ *api.Notification) error {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls < 2 {
				return errors.New("transient")
			}
			return nil
		}))

	require.NoError(t, b.Publish(ctx, &api.Notification{ExecutionID: 1}))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 2
	}, time.Second, 10*time.Millisecond)
}

func TestPublishNil(t *testing.T) {
	b := bus.NewMemory()
	assert.ErrorIs(t,
		b.Publish(context.Background(), nil), bus.ErrNotificationNil)
}

func TestClosedBusRejects(t *testing.T) {
	b := bus.NewMemory()
	require.NoError(t, b.Close())

	err := b.Publish(context.Background(), &api.Notification{ExecutionID: 1})
	assert.ErrorIs(t, err, bus.ErrBusClosed)

	err = b.Subscribe(context.Background(),
		func(context.Context, *api.Notification) error { return nil })
	assert.ErrorIs(t, err, bus.ErrBusClosed)

	assert.NoError(t, b.Close())
}
