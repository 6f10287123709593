package observer

import (
	"os"
	"sync"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/openephys-tools/zmq2osc/pkg/bus"
	"github.com/openephys-tools/zmq2osc/pkg/errors"
)

// FileSink appends each stats event as one JSON line to a file, giving runs
// a machine-readable record without a metrics backend.
type FileSink struct {
	mu     sync.Mutex
	f      *os.File
	enc    *json.Encoder
	logger *zap.Logger
	sub    *bus.Subscription
	bus    *bus.Dispatcher
}

// NewFileSink opens (appending) the stats file and subscribes to the stats
// topic.
func NewFileSink(path string, d *bus.Dispatcher, logger *zap.Logger) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to open stats file")
	}

	s := &FileSink{
		f:      f,
		enc:    json.NewEncoder(f),
		logger: logger.With(zap.String("component", "stats_sink")),
		bus:    d,
	}
	s.sub = d.Subscribe(bus.TopicStats, s.onStats)
	return s, nil
}

func (s *FileSink) onStats(e bus.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return
	}
	if err := s.enc.Encode(e.Payload); err != nil {
		s.logger.Warn("failed to write stats line", zap.Error(err))
	}
}

// Close unsubscribes and closes the file.
func (s *FileSink) Close() error {
	s.bus.Unsubscribe(s.sub)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
