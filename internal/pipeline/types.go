// Package pipeline implements the real-time sample relay: per-channel ring
// buffers, the downsample/batch transform, the bounded transmit queue, and
// the coordinator that owns the ingest and processing/send workers.
package pipeline

import (
	"context"
	"time"
)

// Frame is one raw per-channel frame delivered by the ingest side: an ordered
// run of samples for a single channel.
type Frame struct {
	ChannelID int
	Samples   []float32
}

// RawWindow is an ephemeral snapshot produced by one atomic drain: for every
// active channel, exactly the readiness threshold of samples, oldest first.
// Channels appear in ascending id order. The window is owned solely by the
// goroutine that drained it.
type RawWindow struct {
	ChannelIDs []int
	Samples    [][]float32
}

// ProcessedBatch is the transform's output: for every channel, BatchSize
// post-downsample values in the channel order of the source window.
// Immutable once produced.
type ProcessedBatch struct {
	NumChannels int
	BatchSize   int
	Values      [][]float32
}

// Payload is the encoded outbound message handed to the transmit side.
// Values are flattened channel-major; batch mode carries an int32 channel
// count prefix on the wire.
type Payload struct {
	Address         string
	HasChannelCount bool
	NumChannels     int
	Values          []float32
}

// QueueEntry wraps a payload with its enqueue timestamp for queue age and
// overflow accounting. Created by the processing side, consumed and
// discarded by the send step.
type QueueEntry struct {
	Payload    *Payload
	EnqueuedAt time.Time
}

// NewQueueEntry stamps a payload for enqueueing.
func NewQueueEntry(p *Payload) *QueueEntry {
	return &QueueEntry{Payload: p, EnqueuedAt: time.Now()}
}

// QueueResult reports the outcome of an enqueue attempt.
type QueueResult int

const (
	// QueueAccepted means the entry was stored with capacity to spare
	QueueAccepted QueueResult = iota
	// QueueAcceptedEvicted means the entry was stored after the oldest
	// entry was evicted (drop-oldest policy)
	QueueAcceptedEvicted
	// QueueRejected means the entry was refused (drop-newest policy)
	QueueRejected
	// QueueCanceled means a blocking enqueue was canceled before space freed
	QueueCanceled
)

// State is the coordinator lifecycle state.
type State int32

const (
	// StateStopped means no workers are running
	StateStopped State = iota
	// StateStarting means workers are being launched
	StateStarting
	// StateRunning means both workers are live
	StateRunning
	// StateDraining means a stop was requested and buffered work is flushing
	StateDraining
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// Source is the ingest collaborator: it delivers raw frames and reports its
// own connection status on the dispatcher. Frame delivery stops when the
// open context is canceled or the source is closed.
type Source interface {
	Open(ctx context.Context) error
	Frames() <-chan Frame
	Close() error
}

// Sender is the transmit collaborator. Send is called exactly once per
// dequeued entry; failures are reported, never retried here.
type Sender interface {
	Send(ctx context.Context, p *Payload) error
	Close() error
}
