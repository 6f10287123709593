package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/openephys-tools/zmq2osc/pkg/bus"
	"github.com/openephys-tools/zmq2osc/pkg/config"
	"github.com/openephys-tools/zmq2osc/pkg/errors"
	"github.com/openephys-tools/zmq2osc/pkg/metrics"
)

// Reconfigure is a runtime reconfiguration command. Zero values leave a
// setting unchanged. Commands are consumed by the coordinator only at a safe
// point between processing one ready window and the next, never mid-
// transform, so every batch stays internally consistent.
type Reconfigure struct {
	DownsampleFactor int
	DownsampleMethod config.DownsampleMethod
	BatchSize        int
	QueueMaxSize     int
}

// Coordinator owns the pipeline run: the buffer store, the transmit queue,
// the ingest worker, and the processing+send worker. Lifecycle:
//
//	Stopped -> Starting -> Running -> Draining -> Stopped
//
// The ingest worker pushes raw frames into the store and never blocks on
// downstream state. The processing+send worker wakes on data-ready events,
// drains aligned windows, downsamples, batches, enqueues, and sends; a slow
// send can therefore never delay ring writes.
type Coordinator struct {
	cfg      *config.Config
	bus      *bus.Dispatcher
	source   Source
	sender   Sender
	logger   *zap.Logger
	counters *Counters

	store *BufferStore
	queue *TransmitQueue

	state      atomic.Int32
	wake       chan struct{}
	reconfig   chan Reconfigure
	ingestStop context.CancelFunc
	ingestDone chan struct{}
	procStop   context.CancelFunc
	procDone   chan struct{}
	wakeSub    *bus.Subscription
}

// ProcessedEvent is the payload published on the sample-processed topic.
type ProcessedEvent struct {
	NumChannels int `json:"num_channels"`
	BatchSize   int `json:"batch_size"`
	QueueDepth  int `json:"queue_depth"`
}

// SentEvent is the payload published on the batch-sent topic.
type SentEvent struct {
	Address     string        `json:"address"`
	NumChannels int           `json:"num_channels"`
	QueueAge    time.Duration `json:"queue_age"`
	QueueDepth  int           `json:"queue_depth"`
}

// DiscardEvent is the payload published when entries outlive the shutdown
// grace period.
type DiscardEvent struct {
	Discarded int `json:"discarded"`
}

// NewCoordinator wires a coordinator to its collaborators. Nothing is
// allocated or started until Start.
func NewCoordinator(cfg *config.Config, d *bus.Dispatcher, source Source, sender Sender, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		bus:      d,
		source:   source,
		sender:   sender,
		logger:   logger.With(zap.String("component", "coordinator")),
		wake:     make(chan struct{}, 1),
		reconfig: make(chan Reconfigure, 4),
	}
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Counters returns the run's performance counters; nil before the first
// start.
func (c *Coordinator) Counters() *Counters {
	return c.counters
}

// Start validates configuration, allocates the store and queue, and launches
// the ingest and processing+send workers. Configuration errors are fatal and
// leave the coordinator stopped; the pipeline never enters Running on an
// invalid combination. Forced configuration overrides are published on the
// config-override topic before validation.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return errors.Newf(errors.ErrorTypeInternal,
			"start requested in state %s", c.State())
	}

	for _, o := range c.cfg.Normalize() {
		c.logger.Warn("configuration override forced",
			zap.String("field", o.Field),
			zap.Any("from", o.From),
			zap.Any("to", o.To),
			zap.String("reason", o.Reason))
		c.bus.Publish(bus.TopicOverride, o, "coordinator")
	}

	if err := c.cfg.Validate(); err != nil {
		c.state.Store(int32(StateStopped))
		c.bus.Publish(bus.TopicError, err.Error(), "coordinator")
		return err
	}

	c.counters = NewCounters()
	c.store = NewBufferStore(c.cfg.Processing.RingCapacity, c.cfg.ReadinessThreshold(), c.counters, c.logger)
	c.queue = NewTransmitQueue(c.cfg.Queue.MaxSize, c.cfg.Queue.OverflowPolicy, c.counters, c.logger)

	// The processing worker wakes through the dispatcher rather than
	// polling; the one-slot channel coalesces bursts of readiness.
	c.wakeSub = c.bus.Subscribe(bus.TopicDataReady, func(bus.Event) {
		select {
		case c.wake <- struct{}{}:
		default:
		}
	})

	ingestCtx, ingestStop := context.WithCancel(ctx)
	procCtx, procStop := context.WithCancel(ctx)
	c.ingestStop = ingestStop
	c.procStop = procStop
	c.ingestDone = make(chan struct{})
	c.procDone = make(chan struct{})

	if err := c.source.Open(ingestCtx); err != nil {
		// The subscription dials lazily; a hard open failure here means
		// the endpoint can never be reached with this configuration.
		c.teardown()
		c.state.Store(int32(StateStopped))
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to open ingest source")
	}

	ingestReady := make(chan struct{})
	procReady := make(chan struct{})
	go c.ingestLoop(ingestCtx, ingestReady)
	go c.processLoop(procCtx, procReady)
	<-ingestReady
	<-procReady

	c.state.Store(int32(StateRunning))
	c.logger.Info("pipeline running", zap.String("config", c.cfg.String()))
	return nil
}

// Stop requests a graceful drain: ingest stops accepting frames, remaining
// ready windows are processed, and buffered queue entries are sent within
// the configured grace period. Entries beyond the grace period are
// discarded, counted, and published rather than silently lost.
func (c *Coordinator) Stop() error {
	if !c.state.CompareAndSwap(int32(StateRunning), int32(StateDraining)) {
		return errors.Newf(errors.ErrorTypeInternal,
			"stop requested in state %s", c.State())
	}

	c.logger.Info("pipeline draining")
	c.bus.Publish(bus.TopicShutdown, nil, "coordinator")

	c.ingestStop()
	<-c.ingestDone

	c.procStop()
	<-c.procDone

	c.teardown()
	c.state.Store(int32(StateStopped))

	final := c.counters.Snapshot()
	c.logger.Info("pipeline stopped",
		zap.Uint64("raw_samples_accepted", final.RawSamplesAccepted),
		zap.Uint64("payloads_sent", final.PayloadsSent),
		zap.Uint64("queue_drops", final.QueueDrops),
		zap.Uint64("shutdown_discards", final.ShutdownDiscards))
	return nil
}

func (c *Coordinator) teardown() {
	if c.wakeSub != nil {
		c.bus.Unsubscribe(c.wakeSub)
		c.wakeSub = nil
	}
	if err := c.source.Close(); err != nil {
		c.logger.Warn("ingest source close failed", zap.Error(err))
	}
	if err := c.sender.Close(); err != nil {
		c.logger.Warn("sender close failed", zap.Error(err))
	}
}

// Reconfigure submits a runtime reconfiguration command. It is applied at
// the next safe point; a full command channel rejects the request rather
// than blocking the caller.
func (c *Coordinator) Reconfigure(cmd Reconfigure) error {
	select {
	case c.reconfig <- cmd:
		return nil
	default:
		return errors.New(errors.ErrorTypeInternal, "reconfigure command queue full")
	}
}

// ingestLoop is the ingest worker: it pushes every incoming frame into the
// buffer store in arrival order and publishes data-ready when all channels
// reach the readiness threshold. It never blocks on downstream state.
func (c *Coordinator) ingestLoop(ctx context.Context, ready chan<- struct{}) {
	defer close(c.ingestDone)
	logger := c.logger.With(zap.String("worker", "ingest"))
	logger.Debug("ingest worker started")
	close(ready)

	for {
		select {
		case <-ctx.Done():
			logger.Debug("ingest worker exiting")
			return
		case f, ok := <-c.source.Frames():
			if !ok {
				logger.Info("ingest frame stream closed")
				return
			}
			c.store.PushFrame(f)
			if c.store.IsReady() {
				c.bus.Publish(bus.TopicDataReady, c.store.ChannelCount(), "ingest")
			}
		}
	}
}

// processLoop is the processing+send worker. It blocks on the data-ready
// wake-up and on queue arrivals; on shutdown it drains remaining ready
// windows and flushes the queue within the grace period.
func (c *Coordinator) processLoop(ctx context.Context, ready chan<- struct{}) {
	defer close(c.procDone)
	logger := c.logger.With(zap.String("worker", "process_send"))
	logger.Debug("processing worker started")
	close(ready)

	for {
		select {
		case <-ctx.Done():
			c.drainAndExit(logger)
			return
		case cmd := <-c.reconfig:
			c.applyReconfigure(cmd)
		case <-c.wake:
			c.processReadyWindows(ctx)
		case e := <-c.queue.out():
			c.queue.afterDequeue(e)
			c.sendEntry(ctx, e)
		}
	}
}

// processReadyWindows drains and processes every currently ready window.
// Reconfiguration commands are consumed between windows, the safe point.
func (c *Coordinator) processReadyWindows(ctx context.Context) {
	for {
		select {
		case cmd := <-c.reconfig:
			c.applyReconfigure(cmd)
		default:
		}

		// Under the block policy this worker is also the consumer, so free
		// space before enqueueing rather than suspending on our own queue.
		if c.cfg.Queue.OverflowPolicy == config.Block {
			for c.queue.Full() {
				e, ok := c.queue.TryDequeue()
				if !ok {
					break
				}
				c.sendEntry(ctx, e)
			}
		}

		start := time.Now()
		w, err := c.store.DrainReadyWindow()
		if err != nil {
			return // no complete window left
		}

		batch, err := Process(w, c.cfg.Processing.DownsampleFactor,
			c.cfg.Processing.DownsampleMethod, c.cfg.Processing.BatchSize)
		if err != nil {
			c.logger.Error("transform failed", zap.Error(err))
			c.bus.Publish(bus.TopicError, err.Error(), "process")
			continue
		}

		c.counters.AddLogicalSamples(uint64(batch.BatchSize))
		payload := BuildPayload(batch, c.cfg.Transmit.BaseAddress, c.cfg.Transmit.Mode)
		c.queue.Enqueue(ctx, NewQueueEntry(payload))
		metrics.ProcessLatency.Observe(float64(time.Since(start).Nanoseconds()))

		c.bus.Publish(bus.TopicProcessed, ProcessedEvent{
			NumChannels: batch.NumChannels,
			BatchSize:   batch.BatchSize,
			QueueDepth:  c.queue.Depth(),
		}, "process")
	}
}

// sendEntry delivers one dequeued entry to the transmit API. A failure is
// logged, counted, and published; the pipeline continues with the next
// entry.
func (c *Coordinator) sendEntry(ctx context.Context, e *QueueEntry) {
	age := time.Since(e.EnqueuedAt)
	if err := c.sender.Send(ctx, e.Payload); err != nil {
		c.counters.IncTransmitFailures()
		metrics.PayloadsSent.WithLabelValues("failure").Inc()
		c.logger.Warn("transmit failed",
			zap.String("address", e.Payload.Address),
			zap.Error(err))
		c.bus.Publish(bus.TopicError, err.Error(), "send")
		return
	}

	c.counters.IncPayloadsSent()
	metrics.PayloadsSent.WithLabelValues("success").Inc()
	c.bus.Publish(bus.TopicBatchSent, SentEvent{
		Address:     e.Payload.Address,
		NumChannels: e.Payload.NumChannels,
		QueueAge:    age,
		QueueDepth:  c.queue.Depth(),
	}, "send")
}

// drainAndExit finishes the run: remaining ready windows are processed so
// buffered samples become payloads, then the queue flushes within the drain
// grace period. Whatever remains after the deadline is discarded and
// counted.
func (c *Coordinator) drainAndExit(logger *zap.Logger) {
	flushCtx, cancel := context.WithTimeout(context.Background(), c.cfg.Queue.DrainGrace)
	defer cancel()

	c.processReadyWindows(flushCtx)

	deadline := time.Now().Add(c.cfg.Queue.DrainGrace)
	for time.Now().Before(deadline) {
		e, ok := c.queue.TryDequeue()
		if !ok {
			break
		}
		c.sendEntry(flushCtx, e)
	}

	if discarded := c.queue.DiscardRemaining(); discarded > 0 {
		logger.Warn("discarded queue entries past drain grace",
			zap.Int("discarded", discarded),
			zap.Duration("grace", c.cfg.Queue.DrainGrace))
		c.bus.Publish(bus.TopicError, DiscardEvent{Discarded: discarded}, "coordinator")
	}

	logger.Debug("processing worker exiting")
}

// applyReconfigure validates and applies a runtime command at a safe point.
// Invalid commands are published as errors and ignored; the running
// configuration is never left half-applied.
func (c *Coordinator) applyReconfigure(cmd Reconfigure) {
	next := *c.cfg
	if cmd.DownsampleFactor > 0 {
		next.Processing.DownsampleFactor = cmd.DownsampleFactor
	}
	if cmd.DownsampleMethod != "" {
		next.Processing.DownsampleMethod = cmd.DownsampleMethod
	}
	if cmd.BatchSize > 0 {
		next.Processing.BatchSize = cmd.BatchSize
	}
	if cmd.QueueMaxSize > 0 {
		next.Queue.MaxSize = cmd.QueueMaxSize
	}

	for _, o := range next.Normalize() {
		c.bus.Publish(bus.TopicOverride, o, "coordinator")
	}
	if err := next.Validate(); err != nil {
		c.logger.Warn("reconfigure rejected", zap.Error(err))
		c.bus.Publish(bus.TopicError, err.Error(), "coordinator")
		return
	}

	*c.cfg = next
	c.store.SetThreshold(next.ReadinessThreshold())
	if cmd.QueueMaxSize > 0 {
		c.queue.Resize(next.Queue.MaxSize)
	}

	c.logger.Info("reconfigured", zap.String("config", c.cfg.String()))
	c.bus.Publish(bus.TopicReconfigured, next, "coordinator")
}
