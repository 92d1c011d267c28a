// Package bus implements the durable notification channel that wakes
// workers when commands land in the queue. Notifications are delivered at
// least once; the authoritative command payload lives in the queue, so
// receivers treat duplicates as harmless wake-ups
package bus

import (
	"context"
	"errors"

	"github.com/noetl/noetl/pkg/api"
)

type (
	// Handler processes one notification. Returning an error requeues the
	// notification for redelivery
	Handler func(ctx context.Context, n *api.Notification) error

	// Bus is the notification contract. Subscribe starts a durable named
	// consumer and dispatches until ctx is cancelled
	Bus interface {
		Publish(ctx context.Context, n *api.Notification) error
		Subscribe(ctx context.Context, handler Handler) error
		Close() error
	}
)

var (
	ErrNotificationNil = errors.New("notification is nil")
	ErrBusClosed       = errors.New("bus closed")
)
