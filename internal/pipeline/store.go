package pipeline

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/openephys-tools/zmq2osc/pkg/errors"
)

// BufferStore owns one ChannelRing per channel id. Rings are allocated lazily
// when a channel id is first seen; every ring shares the same capacity and
// readiness threshold at any instant. The ingest worker pushes, the
// processing worker drains; a single store-wide lock makes the readiness
// check and the drain one atomic step, so a drain can never observe a
// readiness state invalidated by concurrent channel growth.
type BufferStore struct {
	mu        sync.Mutex
	rings     map[int]*ChannelRing
	order     []int // active channel ids, ascending
	capacity  int
	threshold int
	counters  *Counters
	logger    *zap.Logger
}

// NewBufferStore creates a store whose rings hold capacity samples and whose
// readiness threshold is the raw-sample count each channel needs before one
// complete payload can be produced.
func NewBufferStore(capacity, threshold int, counters *Counters, logger *zap.Logger) *BufferStore {
	return &BufferStore{
		rings:     make(map[int]*ChannelRing),
		capacity:  capacity,
		threshold: threshold,
		counters:  counters,
		logger:    logger.With(zap.String("component", "buffer_store")),
	}
}

// Push writes one sample to the named channel's ring, allocating a new ring
// if the channel id is unseen. Push never fails and never blocks; on a full
// ring the oldest sample is overwritten and counted.
func (s *BufferStore) Push(channelID int, v float32) {
	s.mu.Lock()
	ring := s.ring(channelID)
	before := ring.Dropped()
	ring.Push(v)
	s.counters.AddRawAccepted(1)
	s.counters.AddOverwritten(ring.Dropped() - before)
	s.mu.Unlock()
}

// PushFrame writes every sample of a frame in arrival order.
func (s *BufferStore) PushFrame(f Frame) {
	s.mu.Lock()
	ring := s.ring(f.ChannelID)
	before := ring.Dropped()
	for _, v := range f.Samples {
		ring.Push(v)
	}
	s.counters.AddRawAccepted(uint64(len(f.Samples)))
	s.counters.AddOverwritten(ring.Dropped() - before)
	s.mu.Unlock()
}

// ring returns the ring for id, allocating it on first sight. The new ring
// immediately counts toward the readiness check, so readiness may regress to
// false right after growth. Callers hold s.mu.
func (s *BufferStore) ring(id int) *ChannelRing {
	if r, ok := s.rings[id]; ok {
		return r
	}

	r := NewChannelRing(id, s.capacity)
	s.rings[id] = r
	i := sort.SearchInts(s.order, id)
	s.order = append(s.order, 0)
	copy(s.order[i+1:], s.order[i:])
	s.order[i] = id

	s.logger.Info("channel ring allocated",
		zap.Int("channel", id),
		zap.Int("capacity", s.capacity),
		zap.Int("active_channels", len(s.order)))
	return r
}

// Drain removes and returns up to n of the oldest samples for one channel.
// Callers must check the returned length. Draining an unknown channel
// returns nil. This is not the unit of cross-channel coordination; use
// DrainReadyWindow for aligned windows.
func (s *BufferStore) Drain(channelID, n int) []float32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rings[channelID]
	if !ok {
		return nil
	}
	return r.Drain(n)
}

// IsReady reports whether every active channel holds at least the readiness
// threshold of unread samples. A store with no channels is never ready.
func (s *BufferStore) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readyLocked()
}

func (s *BufferStore) readyLocked() bool {
	if len(s.order) == 0 {
		return false
	}
	for _, id := range s.order {
		if s.rings[id].Len() < s.threshold {
			return false
		}
	}
	return true
}

// DrainReadyWindow atomically drains exactly the readiness threshold of
// samples from every active channel, in ascending channel id order. It fails
// with an insufficient-data error when any channel has not reached the
// threshold; the readiness check and the drain happen under one lock, so the
// window is always complete and cross-channel aligned.
func (s *BufferStore) DrainReadyWindow() (*RawWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.readyLocked() {
		return nil, errors.New(errors.ErrorTypeInsufficientData,
			"drain requested before every channel reached the readiness threshold")
	}

	w := &RawWindow{
		ChannelIDs: make([]int, len(s.order)),
		Samples:    make([][]float32, len(s.order)),
	}
	copy(w.ChannelIDs, s.order)
	for i, id := range s.order {
		w.Samples[i] = s.rings[id].Drain(s.threshold)
	}
	return w, nil
}

// SetThreshold changes the readiness threshold. Applied only at a safe point
// between ready windows; buffered samples are kept.
func (s *BufferStore) SetThreshold(threshold int) {
	s.mu.Lock()
	s.threshold = threshold
	s.mu.Unlock()
}

// Threshold returns the current readiness threshold.
func (s *BufferStore) Threshold() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threshold
}

// ChannelCount returns the number of active channels.
func (s *BufferStore) ChannelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// DroppedTotal returns the samples lost to ring overwrite across channels.
func (s *BufferStore) DroppedTotal() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total uint64
	for _, r := range s.rings {
		total += r.Dropped()
	}
	return total
}
