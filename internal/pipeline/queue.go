package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openephys-tools/zmq2osc/pkg/config"
	"github.com/openephys-tools/zmq2osc/pkg/metrics"
)

// TransmitQueue is the bounded mailbox between the transform and the network
// send step. It is built on a buffered channel so the coordinator can select
// on arrival alongside its other wake-ups; a mutex serializes enqueues so
// drop-oldest eviction stays race-free under multiple producers.
//
// Every enqueue attempt against a full queue counts one overflow regardless
// of policy; entries lost to a policy count as drops.
type TransmitQueue struct {
	mu       sync.Mutex
	entries  chan *QueueEntry
	policy   config.OverflowPolicy
	counters *Counters
	logger   *zap.Logger
}

// NewTransmitQueue creates a queue bounded at capacity with the given
// overflow policy.
func NewTransmitQueue(capacity int, policy config.OverflowPolicy, counters *Counters, logger *zap.Logger) *TransmitQueue {
	return &TransmitQueue{
		entries:  make(chan *QueueEntry, capacity),
		policy:   policy,
		counters: counters,
		logger:   logger.With(zap.String("component", "transmit_queue")),
	}
}

// Cap returns the queue capacity.
func (q *TransmitQueue) Cap() int { return cap(q.entries) }

// Depth returns the current queue depth.
func (q *TransmitQueue) Depth() int { return len(q.entries) }

// Full reports whether the queue is at capacity.
func (q *TransmitQueue) Full() bool { return len(q.entries) == cap(q.entries) }

// Enqueue stores an entry, applying the configured overflow policy when the
// queue is full. Under the block policy the caller suspends until space
// frees or ctx is canceled; the other policies never block.
func (q *TransmitQueue) Enqueue(ctx context.Context, e *QueueEntry) QueueResult {
	switch q.policy {
	case config.DropNewest:
		return q.enqueueDropNewest(e)
	case config.Block:
		return q.enqueueBlock(ctx, e)
	default:
		return q.enqueueDropOldest(e)
	}
}

func (q *TransmitQueue) enqueueDropNewest(e *QueueEntry) QueueResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	select {
	case q.entries <- e:
		q.noteDepth()
		return QueueAccepted
	default:
		q.counters.IncQueueOverflows()
		q.counters.AddQueueDrops(1, "rejected")
		return QueueRejected
	}
}

func (q *TransmitQueue) enqueueDropOldest(e *QueueEntry) QueueResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	evicted := false
	for {
		select {
		case q.entries <- e:
			q.noteDepth()
			if evicted {
				return QueueAcceptedEvicted
			}
			return QueueAccepted
		default:
		}

		if !evicted {
			q.counters.IncQueueOverflows()
		}

		select {
		case old := <-q.entries:
			evicted = true
			q.counters.AddQueueDrops(1, "evicted")
			q.logger.Debug("evicted oldest queue entry",
				zap.String("address", old.Payload.Address),
				zap.Duration("age", time.Since(old.EnqueuedAt)))
		default:
			// Consumer emptied the queue between our checks; retry the send.
		}
	}
}

func (q *TransmitQueue) enqueueBlock(ctx context.Context, e *QueueEntry) QueueResult {
	select {
	case q.entries <- e:
		q.noteDepth()
		return QueueAccepted
	default:
	}

	// Full: unbounded wait, by policy.
	q.counters.IncQueueOverflows()
	select {
	case q.entries <- e:
		q.noteDepth()
		return QueueAccepted
	case <-ctx.Done():
		q.counters.AddQueueDrops(1, "canceled")
		return QueueCanceled
	}
}

// Dequeue blocks until an entry exists or ctx is canceled. It is the only
// blocking read path; cancellation lets the send loop exit during shutdown
// without waiting for new data.
func (q *TransmitQueue) Dequeue(ctx context.Context) (*QueueEntry, bool) {
	select {
	case e := <-q.entries:
		q.afterDequeue(e)
		return e, true
	case <-ctx.Done():
		return nil, false
	}
}

// TryDequeue removes the head entry without blocking.
func (q *TransmitQueue) TryDequeue() (*QueueEntry, bool) {
	select {
	case e := <-q.entries:
		q.afterDequeue(e)
		return e, true
	default:
		return nil, false
	}
}

// out exposes the entry channel for the coordinator's select loop. A receive
// taken directly from this channel must be followed by afterDequeue.
func (q *TransmitQueue) out() <-chan *QueueEntry { return q.entries }

// afterDequeue updates accounting for an entry taken off the queue.
func (q *TransmitQueue) afterDequeue(e *QueueEntry) {
	q.noteDepth()
	metrics.SendAge.Observe(time.Since(e.EnqueuedAt).Seconds())
}

func (q *TransmitQueue) noteDepth() {
	q.counters.SetQueueDepth(len(q.entries))
}

// DiscardRemaining empties the queue, counting every discarded entry as a
// shutdown discard. Returns the number discarded.
func (q *TransmitQueue) DiscardRemaining() int {
	n := 0
	for {
		select {
		case <-q.entries:
			n++
		default:
			if n > 0 {
				q.counters.AddShutdownDiscards(uint64(n))
				q.noteDepth()
			}
			return n
		}
	}
}

// Resize moves the queue onto a new capacity at a safe point. Entries are
// preserved oldest-first; entries beyond the new capacity are dropped as
// evictions. Concurrent enqueues are excluded by the queue mutex; the caller
// must guarantee no concurrent dequeues.
func (q *TransmitQueue) Resize(capacity int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if capacity == cap(q.entries) {
		return
	}

	old := q.entries
	q.entries = make(chan *QueueEntry, capacity)

	dropped := 0
	for {
		select {
		case e := <-old:
			select {
			case q.entries <- e:
			default:
				dropped++
			}
		default:
			if dropped > 0 {
				q.counters.AddQueueDrops(uint64(dropped), "resized")
			}
			q.noteDepth()
			return
		}
	}
}
