package realtime

import (
	"context"
	"sync"

	"github.com/lumoschat/lumos/internal/metrics"
	"github.com/lumoschat/lumos/internal/models"
)

// broker is the subscription side of the backbone as seen by the registry.
type broker interface {
	subscribe(ctx context.Context, channel string) error
	unsubscribe(ctx context.Context, channel string) error
}

type channelEntry struct {
	channel models.Channel
	conns   map[Conn]struct{}
}

// Registry maps channel names to the set of locally attached listener
// connections. The broker subscription for a channel is created on the
// first attach and dropped on the last detach; both transitions happen
// under the registry lock so concurrent connection-close events can never
// leak or double-free a subscription.
type Registry struct {
	mu       sync.Mutex
	channels map[string]*channelEntry
	broker   broker
}

// NewRegistry creates an empty registry bound to a broker.
func NewRegistry(b broker) *Registry {
	return &Registry{
		channels: make(map[string]*channelEntry),
		broker:   b,
	}
}

// Attach adds conn to the channel's listener set, subscribing the shared
// broker connection when this is the first listener.
func (r *Registry) Attach(ctx context.Context, channel models.Channel, conn Conn) error {
	name := channel.String()

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.channels[name]
	if !ok {
		if err := r.broker.subscribe(ctx, name); err != nil {
			return err
		}
		entry = &channelEntry{channel: channel, conns: make(map[Conn]struct{})}
		r.channels[name] = entry
	}
	if _, dup := entry.conns[conn]; !dup {
		entry.conns[conn] = struct{}{}
		metrics.ListenersAttached.Inc()
	}
	return nil
}

// Detach removes conn from the channel's listener set, unsubscribing the
// broker connection when the set becomes empty. Detaching a connection
// that was never attached (or already detached) is a no-op.
func (r *Registry) Detach(ctx context.Context, channel models.Channel, conn Conn) {
	name := channel.String()

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.channels[name]
	if !ok {
		return
	}
	if _, attached := entry.conns[conn]; !attached {
		return
	}
	delete(entry.conns, conn)
	metrics.ListenersAttached.Dec()
	if len(entry.conns) == 0 {
		delete(r.channels, name)
		_ = r.broker.unsubscribe(ctx, name)
	}
}

// snapshot returns the channel descriptor and a copy of the listener set,
// or ok=false when no local listeners exist for the name.
func (r *Registry) snapshot(name string) (models.Channel, []Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.channels[name]
	if !ok {
		return models.Channel{}, nil, false
	}
	conns := make([]Conn, 0, len(entry.conns))
	for c := range entry.conns {
		conns = append(conns, c)
	}
	return entry.channel, conns, true
}

// Total reports the number of local listeners across all channels.
func (r *Registry) Total() (channels, listeners int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, entry := range r.channels {
		listeners += len(entry.conns)
	}
	return len(r.channels), listeners
}

// Listeners reports the number of local listeners on a channel.
func (r *Registry) Listeners(channel models.Channel) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.channels[channel.String()]; ok {
		return len(entry.conns)
	}
	return 0
}
