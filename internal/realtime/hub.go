package realtime

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/lumoschat/lumos/internal/models"
)

// Hub owns the process-wide fan-out machinery: the channel registry, the
// broker backbone, and the dispatcher. It is constructed explicitly and
// injected into handlers instead of living as ambient global state; Init
// and Shutdown are idempotent so repeated startup-hook invocations are
// harmless.
type Hub struct {
	log zerolog.Logger

	registry   *Registry
	backbone   *Backbone
	dispatcher *Dispatcher

	initOnce sync.Once
	initErr  error
	downOnce sync.Once
	downErr  error
}

// NewHub wires a hub onto the shared Redis client.
func NewHub(client *redis.Client, log zerolog.Logger) *Hub {
	h := &Hub{log: log}
	h.backbone = newBackbone(client, func(channel string, payload []byte) {
		h.dispatcher.OnBrokerMessage(channel, payload)
	}, log)
	h.registry = NewRegistry(h.backbone)
	h.dispatcher = newDispatcher(h.registry, log)
	return h
}

// Init opens the dedicated subscriber connection. Safe to call more than
// once; only the first call does work.
func (h *Hub) Init(ctx context.Context) error {
	h.initOnce.Do(func() {
		h.initErr = h.backbone.init(ctx)
		if h.initErr == nil {
			h.log.Info().Msg("realtime hub initialized")
		}
	})
	return h.initErr
}

// Shutdown closes the subscriber connection and drains the receive loop.
// Registry state is dropped with the process; clients rebuild channels as
// they resubscribe.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.downOnce.Do(func() {
		h.downErr = h.backbone.shutdown(ctx)
	})
	return h.downErr
}

// Publish fans payload out to every process holding listeners on channel.
func (h *Hub) Publish(ctx context.Context, channel models.Channel, payload []byte) error {
	return h.backbone.Publish(ctx, channel.String(), payload)
}

// Attach registers conn as a listener on channel.
func (h *Hub) Attach(ctx context.Context, channel models.Channel, conn Conn) error {
	return h.registry.Attach(ctx, channel, conn)
}

// Detach removes conn from channel.
func (h *Hub) Detach(ctx context.Context, channel models.Channel, conn Conn) {
	h.registry.Detach(ctx, channel, conn)
}

// Registry exposes the registry for introspection (stats endpoint, tests).
func (h *Hub) Registry() *Registry {
	return h.registry
}
