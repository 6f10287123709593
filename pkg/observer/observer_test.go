package observer

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openephys-tools/zmq2osc/internal/pipeline"
	"github.com/openephys-tools/zmq2osc/pkg/bus"
)

func TestReporterPublishesStats(t *testing.T) {
	d := bus.New(zap.NewNop())
	c := pipeline.NewCounters()
	c.AddRawAccepted(100)
	c.IncPayloadsSent()

	got := make(chan Stats, 4)
	d.Subscribe(bus.TopicStats, func(e bus.Event) {
		got <- e.Payload.(Stats)
	})

	r := NewReporter(c.Snapshot, d, 10*time.Millisecond, zap.NewNop()).
		WithIngest(func() IngestStats {
			return IngestStats{MessagesReceived: 7, SampleRate: 30000}
		})
	r.Start(context.Background())
	defer r.Stop()

	select {
	case s := <-got:
		assert.Equal(t, uint64(100), s.Pipeline.RawSamplesAccepted)
		assert.Equal(t, uint64(1), s.Pipeline.PayloadsSent)
		assert.Equal(t, uint64(7), s.Ingest.MessagesReceived)
		assert.Equal(t, 30000.0, s.Ingest.SampleRate)
		assert.Greater(t, s.Goroutines, 0)
		assert.False(t, s.Time.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("no stats event published")
	}
}

func TestReporterDisabledInterval(t *testing.T) {
	d := bus.New(zap.NewNop())
	c := pipeline.NewCounters()

	published := make(chan struct{}, 1)
	d.Subscribe(bus.TopicStats, func(bus.Event) {
		select {
		case published <- struct{}{}:
		default:
		}
	})

	r := NewReporter(c.Snapshot, d, 0, zap.NewNop())
	r.Start(context.Background())
	r.Stop()

	select {
	case <-published:
		t.Fatal("disabled reporter published stats")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFileSinkWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.jsonl")
	d := bus.New(zap.NewNop())

	sink, err := NewFileSink(path, d, zap.NewNop())
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		c := pipeline.NewCounters()
		c.AddRawAccepted(uint64(i * 10))
		d.Publish(bus.TopicStats, Stats{Time: time.Now(), Pipeline: c.Snapshot()}, "test")
	}
	require.NoError(t, sink.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []Stats
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var s Stats
		require.NoError(t, json.Unmarshal(sc.Bytes(), &s))
		lines = append(lines, s)
	}
	require.Len(t, lines, 3)
	assert.Equal(t, uint64(10), lines[0].Pipeline.RawSamplesAccepted)
	assert.Equal(t, uint64(30), lines[2].Pipeline.RawSamplesAccepted)

	// Events after Close are ignored.
	d.Publish(bus.TopicStats, Stats{}, "test")
}

func TestFileSinkBadPath(t *testing.T) {
	d := bus.New(zap.NewNop())
	_, err := NewFileSink(filepath.Join(t.TempDir(), "missing", "stats.jsonl"), d, zap.NewNop())
	require.Error(t, err)
}

func TestLogObserverSubscribesAndCloses(t *testing.T) {
	d := bus.New(zap.NewNop())
	o := NewLogObserver(d, zap.NewNop())

	assert.Equal(t, 1, d.SubscriberCount(bus.TopicError))
	d.Publish(bus.TopicError, "boom", "test")

	o.Close()
	assert.Equal(t, 0, d.SubscriberCount(bus.TopicError))
}
