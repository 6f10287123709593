package pipeline

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/openephys-tools/zmq2osc/pkg/metrics"
)

// ChannelRing is a fixed-capacity FIFO ring buffer for one channel's samples.
// Writes never block: when the writer outruns the reader the oldest unread
// sample is overwritten and counted as dropped.
//
// ChannelRing is not internally synchronized. The buffer store serializes all
// access under its own lock so that readiness checks and drains observe a
// consistent view across every ring.
type ChannelRing struct {
	id       int
	buf      []float32
	write    int
	read     int
	fill     int
	dropped  uint64
	accepted prometheus.Counter
	overrun  prometheus.Counter
}

// NewChannelRing creates a ring for the given channel id.
func NewChannelRing(id, capacity int) *ChannelRing {
	label := strconv.Itoa(id)
	return &ChannelRing{
		id:       id,
		buf:      make([]float32, capacity),
		accepted: metrics.SamplesAccepted.WithLabelValues(label),
		overrun:  metrics.SamplesOverwritten.WithLabelValues(label),
	}
}

// ID returns the channel id, stable for the ring's lifetime.
func (r *ChannelRing) ID() int { return r.id }

// Cap returns the ring capacity in samples.
func (r *ChannelRing) Cap() int { return len(r.buf) }

// Len returns the number of unread samples.
func (r *ChannelRing) Len() int { return r.fill }

// Dropped returns the number of samples overwritten before being drained.
func (r *ChannelRing) Dropped() uint64 { return r.dropped }

// Push writes one sample, overwriting the oldest unread sample when full.
func (r *ChannelRing) Push(v float32) {
	if r.fill == len(r.buf) {
		// Writer lapped the reader: advance the read cursor past the
		// sample being overwritten.
		r.read = (r.read + 1) % len(r.buf)
		r.fill--
		r.dropped++
		r.overrun.Inc()
	}

	r.buf[r.write] = v
	r.write = (r.write + 1) % len(r.buf)
	r.fill++
	r.accepted.Inc()
}

// Drain removes and returns up to n of the oldest unread samples, oldest
// first. It returns fewer than n when insufficient data is present.
func (r *ChannelRing) Drain(n int) []float32 {
	if n > r.fill {
		n = r.fill
	}
	if n <= 0 {
		return nil
	}

	out := make([]float32, n)
	first := len(r.buf) - r.read
	if first > n {
		first = n
	}
	copy(out, r.buf[r.read:r.read+first])
	copy(out[first:], r.buf[:n-first])

	r.read = (r.read + n) % len(r.buf)
	r.fill -= n
	return out
}
