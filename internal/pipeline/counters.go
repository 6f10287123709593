package pipeline

import (
	"sync/atomic"

	"github.com/openephys-tools/zmq2osc/pkg/metrics"
)

// Counters is the process-wide performance accounting for one pipeline run.
// All counters are monotonically increasing for the run; only the queue
// depth gauge moves both ways. Counters are mutated with atomic increments
// by every stage and read by observers, which may see slightly stale values.
type Counters struct {
	rawAccepted      atomic.Uint64
	overwritten      atomic.Uint64
	logicalSamples   atomic.Uint64
	payloadsSent     atomic.Uint64
	transmitFailures atomic.Uint64
	queueOverflows   atomic.Uint64
	queueDrops       atomic.Uint64
	shutdownDiscards atomic.Uint64
	queueDepth       atomic.Int64
}

// NewCounters creates zeroed counters for a run. Counters are never reset
// mid-run; a restart allocates a fresh set.
func NewCounters() *Counters {
	return &Counters{}
}

// AddRawAccepted records raw samples accepted into the buffer store.
func (c *Counters) AddRawAccepted(n uint64) { c.rawAccepted.Add(n) }

// AddOverwritten records samples lost to ring overwrite.
func (c *Counters) AddOverwritten(n uint64) {
	if n > 0 {
		c.overwritten.Add(n)
	}
}

// AddLogicalSamples records post-downsample samples represented by produced
// payloads: the messages that would have been sent without batching.
func (c *Counters) AddLogicalSamples(n uint64) { c.logicalSamples.Add(n) }

// IncPayloadsSent records one payload delivered to the transmit API.
func (c *Counters) IncPayloadsSent() { c.payloadsSent.Add(1) }

// IncTransmitFailures records one failed send.
func (c *Counters) IncTransmitFailures() { c.transmitFailures.Add(1) }

// IncQueueOverflows records one enqueue attempt against a full queue.
func (c *Counters) IncQueueOverflows() {
	c.queueOverflows.Add(1)
	metrics.QueueOverflows.Inc()
}

// AddQueueDrops records entries lost to an overflow policy.
func (c *Counters) AddQueueDrops(n uint64, reason string) {
	c.queueDrops.Add(n)
	metrics.QueueDrops.WithLabelValues(reason).Add(float64(n))
}

// AddShutdownDiscards records queue entries discarded past the drain grace
// period. These also count as queue drops so totals stay consistent.
func (c *Counters) AddShutdownDiscards(n uint64) {
	c.shutdownDiscards.Add(n)
	c.AddQueueDrops(n, "shutdown")
}

// SetQueueDepth updates the depth gauge.
func (c *Counters) SetQueueDepth(depth int) {
	c.queueDepth.Store(int64(depth))
	metrics.QueueDepth.Set(float64(depth))
}

// Snapshot is a point-in-time copy of the counters for observers.
type Snapshot struct {
	RawSamplesAccepted uint64  `json:"raw_samples_accepted"`
	SamplesOverwritten uint64  `json:"samples_overwritten"`
	LogicalSamples     uint64  `json:"logical_samples"`
	PayloadsSent       uint64  `json:"payloads_sent"`
	TransmitFailures   uint64  `json:"transmit_failures"`
	QueueOverflows     uint64  `json:"queue_overflows"`
	QueueDrops         uint64  `json:"queue_drops"`
	ShutdownDiscards   uint64  `json:"shutdown_discards"`
	QueueDepth         int64   `json:"queue_depth"`
	BatchingEfficiency float64 `json:"batching_efficiency"`
}

// Snapshot returns a copy of the current counter values. The batching
// efficiency ratio is logical samples over actual payloads transmitted.
func (c *Counters) Snapshot() Snapshot {
	s := Snapshot{
		RawSamplesAccepted: c.rawAccepted.Load(),
		SamplesOverwritten: c.overwritten.Load(),
		LogicalSamples:     c.logicalSamples.Load(),
		PayloadsSent:       c.payloadsSent.Load(),
		TransmitFailures:   c.transmitFailures.Load(),
		QueueOverflows:     c.queueOverflows.Load(),
		QueueDrops:         c.queueDrops.Load(),
		ShutdownDiscards:   c.shutdownDiscards.Load(),
		QueueDepth:         c.queueDepth.Load(),
	}
	if s.PayloadsSent > 0 {
		s.BatchingEfficiency = float64(s.LogicalSamples) / float64(s.PayloadsSent)
	}
	return s
}
