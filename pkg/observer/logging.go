package observer

import (
	"go.uber.org/zap"

	"github.com/openephys-tools/zmq2osc/pkg/bus"
)

// LogObserver mirrors operationally interesting bus events into the log, so
// connection flaps, forced overrides, and pipeline errors show up without
// any stats tooling attached.
type LogObserver struct {
	logger *zap.Logger
	bus    *bus.Dispatcher
	subs   []*bus.Subscription
}

// NewLogObserver subscribes to the status, override, and error topics.
func NewLogObserver(d *bus.Dispatcher, logger *zap.Logger) *LogObserver {
	o := &LogObserver{
		logger: logger.With(zap.String("component", "log_observer")),
		bus:    d,
	}

	o.subs = append(o.subs,
		d.Subscribe(bus.TopicIngestStatus, o.onEvent),
		d.Subscribe(bus.TopicSendStatus, o.onEvent),
		d.Subscribe(bus.TopicOverride, o.onEvent),
		d.Subscribe(bus.TopicReconfigured, o.onEvent),
		d.Subscribe(bus.TopicError, o.onError),
	)
	return o
}

func (o *LogObserver) onEvent(e bus.Event) {
	o.logger.Info("pipeline event",
		zap.String("topic", string(e.Topic)),
		zap.String("source", e.Source),
		zap.Any("payload", e.Payload))
}

func (o *LogObserver) onError(e bus.Event) {
	o.logger.Warn("pipeline error",
		zap.String("source", e.Source),
		zap.Any("payload", e.Payload))
}

// Close removes all subscriptions.
func (o *LogObserver) Close() {
	for _, sub := range o.subs {
		o.bus.Unsubscribe(sub)
	}
	o.subs = nil
}
