package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/noetl/noetl/pkg/api"
	"github.com/noetl/noetl/pkg/log"
)

type (
	// JetStream is the durable NATS-backed bus. The stream retains
	// notifications long enough for workers to restart without losing
	// wake-ups; redelivery follows the consumer's max-deliver policy
	JetStream struct {
		conn   *nats.Conn
		js     jetstream.JetStream
		config JetStreamConfig
	}

	JetStreamConfig struct {
		URL         string
		Stream      string
		Subject     string
		Consumer    string
		MaxInFlight int
	}
)

const (
	ackWait    = 30 * time.Second
	maxDeliver = 3
	retention  = time.Hour
	fetchWait  = 5 * time.Second
)

var _ Bus = (*JetStream)(nil)

// NewJetStream connects to NATS and ensures the notification stream exists
func NewJetStream(
	ctx context.Context, cfg JetStreamConfig,
) (*JetStream, error) {
	conn, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, err
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.Subject},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    retention,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &JetStream{conn: conn, js: js, config: cfg}, nil
}

func (b *JetStream) Publish(
	ctx context.Context, n *api.Notification,
) error {
	if n == nil {
		return ErrNotificationNil
	}
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	_, err = b.js.Publish(ctx, b.config.Subject, data)
	return err
}

func (b *JetStream) Subscribe(ctx context.Context, handler Handler) error {
	stream, err := b.js.Stream(ctx, b.config.Stream)
	if err != nil {
		return err
	}

	consumer, err := stream.CreateOrUpdateConsumer(
		ctx, jetstream.ConsumerConfig{
			Durable:       b.config.Consumer,
			FilterSubject: b.config.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       ackWait,
			MaxDeliver:    maxDeliver,
			MaxAckPending: b.config.MaxInFlight,
		})
	if err != nil {
		return err
	}

	go b.consumeLoop(ctx, consumer, handler)
	return nil
}

func (b *JetStream) consumeLoop(
	ctx context.Context, consumer jetstream.Consumer, handler Handler,
) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := consumer.Fetch(1, jetstream.FetchMaxWait(fetchWait))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		for msg := range msgs.Messages() {
			b.handleMessage(ctx, msg, handler)
		}
	}
}

func (b *JetStream) handleMessage(
	ctx context.Context, msg jetstream.Msg, handler Handler,
) {
	if ctx.Err() != nil {
		_ = msg.Nak()
		return
	}

	var n api.Notification
	if err := json.Unmarshal(msg.Data(), &n); err != nil {
		// malformed notifications can never succeed; drop them
		slog.Error("dropping malformed notification", log.Error(err))
		_ = msg.Ack()
		return
	}

	if err := handler(ctx, &n); err != nil {
		slog.Warn("notification handler failed, requeueing",
			log.ExecutionID(n.ExecutionID),
			log.QueueID(n.QueueID),
			log.Error(err))
		_ = msg.Nak()
		return
	}
	_ = msg.Ack()
}

func (b *JetStream) Close() error {
	b.conn.Close()
	return nil
}
