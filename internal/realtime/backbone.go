package realtime

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/lumoschat/lumos/internal/metrics"
)

// rawHandler receives every broker message for channels this process is
// subscribed to. Wired to the dispatcher by the Hub.
type rawHandler func(channel string, payload []byte)

// Backbone is the broker-backed publish/subscribe layer. Publishing uses
// the shared command client; subscribing uses one dedicated duplicate
// connection, because a connection in subscribe mode cannot issue ordinary
// commands. The broker delivers at-least-once to currently subscribed
// processes and retains no history; durability lives in the stream record.
type Backbone struct {
	log     zerolog.Logger
	client  *redis.Client
	handler rawHandler

	pubsub *redis.PubSub
	done   chan struct{}
}

// newBackbone creates the backbone. Init must be called before use.
func newBackbone(client *redis.Client, handler rawHandler, log zerolog.Logger) *Backbone {
	return &Backbone{
		log:     log,
		client:  client,
		handler: handler,
	}
}

// init opens the dedicated subscriber connection and starts the receive
// loop. Called exactly once by the Hub.
func (b *Backbone) init(ctx context.Context) error {
	// Subscribe with no channels: the registry adds them on first attach.
	b.pubsub = b.client.Subscribe(ctx)

	// Force the connection open so startup fails fast on a bad broker.
	// Without a ping there is nothing to receive on a channel-less
	// subscriber and Receive would block.
	if err := b.pubsub.Ping(ctx); err != nil {
		_ = b.pubsub.Close()
		return err
	}
	if _, err := b.pubsub.Receive(ctx); err != nil {
		_ = b.pubsub.Close()
		return err
	}

	b.done = make(chan struct{})
	go b.receive()
	return nil
}

// receive pumps broker messages into the handler until shutdown.
func (b *Backbone) receive() {
	defer close(b.done)
	for msg := range b.pubsub.Channel(redis.WithChannelSize(256)) {
		b.handler(msg.Channel, []byte(msg.Payload))
	}
}

// shutdown closes the subscriber connection and waits for the receive
// loop to drain.
func (b *Backbone) shutdown(ctx context.Context) error {
	if b.pubsub == nil {
		return nil
	}
	err := b.pubsub.Close()
	select {
	case <-b.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// Publish sends an already-serialized payload to the broker. Publish
// order within one channel is preserved.
func (b *Backbone) Publish(ctx context.Context, channel string, payload []byte) error {
	start := time.Now()
	err := b.client.Publish(ctx, channel, payload).Err()
	metrics.BrokerLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}
	metrics.BrokerPublishes.Inc()
	return nil
}

// subscribe adds a channel on the dedicated subscriber connection.
func (b *Backbone) subscribe(ctx context.Context, channel string) error {
	return b.pubsub.Subscribe(ctx, channel)
}

// unsubscribe removes a channel from the dedicated subscriber connection.
func (b *Backbone) unsubscribe(ctx context.Context, channel string) error {
	return b.pubsub.Unsubscribe(ctx, channel)
}
