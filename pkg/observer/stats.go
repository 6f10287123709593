// Package observer watches the pipeline from the outside: it turns bus
// events and counter snapshots into logs, periodic stats events, and a
// JSON-lines stats file. Nothing in this package sits on the data path.
package observer

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/openephys-tools/zmq2osc/internal/pipeline"
	"github.com/openephys-tools/zmq2osc/pkg/bus"
)

// IngestStats describes the receive side of the relay at report time.
type IngestStats struct {
	MessagesReceived uint64  `json:"messages_received"`
	MessagesMissed   uint64  `json:"messages_missed"`
	MessagesSkipped  uint64  `json:"messages_skipped"`
	SampleRate       float64 `json:"sample_rate"`
}

// Stats is a periodic report combining pipeline counters with ingest and
// process resource usage, published on the stats topic.
type Stats struct {
	Time       time.Time         `json:"time"`
	Pipeline   pipeline.Snapshot `json:"pipeline"`
	Ingest     IngestStats       `json:"ingest"`
	CPUPercent float64           `json:"cpu_percent"`
	RSSBytes   uint64            `json:"rss_bytes"`
	Goroutines int               `json:"goroutines"`
}

// Reporter periodically snapshots the pipeline counters, attaches process
// resource usage, and publishes the result on the stats topic.
type Reporter struct {
	snapshot func() pipeline.Snapshot
	ingest   func() IngestStats
	bus      *bus.Dispatcher
	logger   *zap.Logger
	interval time.Duration
	proc     *process.Process
	done     chan struct{}
	stopped  chan struct{}
}

// NewReporter creates a reporter that reads counters through snapshot, so
// the counters source can be swapped per run.
func NewReporter(snapshot func() pipeline.Snapshot, d *bus.Dispatcher, interval time.Duration, logger *zap.Logger) *Reporter {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		proc = nil
	}
	return &Reporter{
		snapshot: snapshot,
		bus:      d,
		logger:   logger.With(zap.String("component", "stats_reporter")),
		interval: interval,
		proc:     proc,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// WithIngest attaches a receive-side stats provider. Must be called before
// Start.
func (r *Reporter) WithIngest(ingest func() IngestStats) *Reporter {
	r.ingest = ingest
	return r
}

// Start runs the reporting loop until Stop or ctx cancellation. A
// non-positive interval disables reporting; Start and Stop stay safe to
// call.
func (r *Reporter) Start(ctx context.Context) {
	if r.interval <= 0 {
		close(r.stopped)
		return
	}
	go r.loop(ctx)
}

// Stop halts the loop and waits for it to exit.
func (r *Reporter) Stop() {
	close(r.done)
	<-r.stopped
}

func (r *Reporter) loop(ctx context.Context) {
	defer close(r.stopped)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-ticker.C:
			r.report()
		}
	}
}

func (r *Reporter) report() {
	s := Stats{
		Time:       time.Now(),
		Pipeline:   r.snapshot(),
		Goroutines: runtime.NumGoroutine(),
	}
	if r.ingest != nil {
		s.Ingest = r.ingest()
	}

	if r.proc != nil {
		if cpu, err := r.proc.CPUPercent(); err == nil {
			s.CPUPercent = cpu
		}
		if mem, err := r.proc.MemoryInfo(); err == nil && mem != nil {
			s.RSSBytes = mem.RSS
		}
	}

	r.logger.Debug("pipeline stats",
		zap.Uint64("raw_accepted", s.Pipeline.RawSamplesAccepted),
		zap.Uint64("payloads_sent", s.Pipeline.PayloadsSent),
		zap.Int64("queue_depth", s.Pipeline.QueueDepth),
		zap.Float64("cpu_percent", s.CPUPercent),
		zap.Uint64("rss_bytes", s.RSSBytes))

	r.bus.Publish(bus.TopicStats, s, "stats_reporter")
}
