package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openephys-tools/zmq2osc/pkg/errors"
)

func newTestStore(capacity, threshold int) *BufferStore {
	return NewBufferStore(capacity, threshold, NewCounters(), zap.NewNop())
}

func fillChannel(s *BufferStore, id, n int) {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(id*1000 + i)
	}
	s.PushFrame(Frame{ChannelID: id, Samples: samples})
}

func TestBufferStoreEmptyNeverReady(t *testing.T) {
	s := newTestStore(100, 10)
	assert.False(t, s.IsReady())
	assert.Equal(t, 0, s.ChannelCount())
}

func TestBufferStoreReadinessAllChannels(t *testing.T) {
	s := newTestStore(100, 10)

	fillChannel(s, 0, 10)
	assert.True(t, s.IsReady())

	// A newly appearing channel regresses readiness until it catches up.
	fillChannel(s, 1, 4)
	assert.False(t, s.IsReady())

	fillChannel(s, 1, 6)
	assert.True(t, s.IsReady())
	assert.Equal(t, 2, s.ChannelCount())
}

func TestBufferStoreDrainReadyWindow(t *testing.T) {
	s := newTestStore(100, 5)
	fillChannel(s, 2, 8)
	fillChannel(s, 0, 7)
	fillChannel(s, 1, 5)

	w, err := s.DrainReadyWindow()
	require.NoError(t, err)

	// Channel ids come back in ascending order regardless of arrival order.
	assert.Equal(t, []int{0, 1, 2}, w.ChannelIDs)
	require.Len(t, w.Samples, 3)
	for _, row := range w.Samples {
		assert.Len(t, row, 5)
	}
	assert.Equal(t, float32(0), w.Samples[0][0])
	assert.Equal(t, float32(1000), w.Samples[1][0])
	assert.Equal(t, float32(2000), w.Samples[2][0])

	// Exactly threshold samples were consumed; the remainder stays buffered.
	assert.Equal(t, []float32{5, 6}, s.Drain(0, 10))
	assert.Equal(t, []float32{2005, 2006, 2007}, s.Drain(2, 10))
}

func TestBufferStoreDrainNotReady(t *testing.T) {
	s := newTestStore(100, 10)
	fillChannel(s, 0, 9)

	w, err := s.DrainReadyWindow()
	assert.Nil(t, w)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeInsufficientData))

	// Nothing was consumed by the failed drain.
	assert.Len(t, s.Drain(0, 100), 9)
}

func TestBufferStoreOverwriteCounting(t *testing.T) {
	s := newTestStore(4, 2)
	fillChannel(s, 0, 10)

	assert.Equal(t, uint64(6), s.DroppedTotal())

	// The ring keeps only the most recent capacity samples.
	assert.Equal(t, []float32{6, 7, 8, 9}, s.Drain(0, 10))
}

func TestBufferStoreSetThreshold(t *testing.T) {
	s := newTestStore(100, 10)
	fillChannel(s, 0, 6)
	assert.False(t, s.IsReady())

	s.SetThreshold(5)
	assert.Equal(t, 5, s.Threshold())
	assert.True(t, s.IsReady())
}
