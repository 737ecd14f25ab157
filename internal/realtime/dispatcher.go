package realtime

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/lumoschat/lumos/internal/metrics"
)

// Dispatcher routes raw broker messages to locally attached listeners.
// A channel with no local listeners is a no-op here: some other process
// holds them.
type Dispatcher struct {
	log      zerolog.Logger
	registry *Registry
}

func newDispatcher(registry *Registry, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{log: log, registry: registry}
}

// OnBrokerMessage pushes payload to every open local listener on the
// channel. Connections that are no longer open are skipped, not errored.
// For message-update channels a terminal-status payload implicitly ends
// the subscription: the listener is closed and detached after the push.
func (d *Dispatcher) OnBrokerMessage(name string, payload []byte) {
	channel, conns, ok := d.registry.snapshot(name)
	if !ok {
		return
	}

	terminal := channel.TerminatesOn(payload)

	for _, conn := range conns {
		if !conn.Open() {
			metrics.FanoutSkipped.WithLabelValues("closed").Inc()
			continue
		}
		if err := conn.Send(payload); err != nil {
			// Best-effort push: the stream record and datastore are the
			// source of truth for anything a listener misses.
			d.log.Debug().Err(err).Str("channel", name).Msg("listener push failed")
			metrics.FanoutSkipped.WithLabelValues("send_error").Inc()
			continue
		}
		metrics.FanoutPushes.Inc()

		if terminal {
			_ = conn.Close()
			d.registry.Detach(context.Background(), channel, conn)
		}
	}
}
