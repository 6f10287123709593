package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openephys-tools/zmq2osc/pkg/config"
)

func newTestQueue(capacity int, policy config.OverflowPolicy) (*TransmitQueue, *Counters) {
	c := NewCounters()
	return NewTransmitQueue(capacity, policy, c, zap.NewNop()), c
}

func addrEntry(i int) *QueueEntry {
	return NewQueueEntry(&Payload{Address: fmt.Sprintf("/data/batch/%d", i)})
}

func drainAddresses(q *TransmitQueue) []string {
	var out []string
	for {
		e, ok := q.TryDequeue()
		if !ok {
			return out
		}
		out = append(out, e.Payload.Address)
	}
}

func TestQueueDropOldestKeepsNewest(t *testing.T) {
	q, c := newTestQueue(5, config.DropOldest)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		assert.Equal(t, QueueAccepted, q.Enqueue(ctx, addrEntry(i)))
	}
	for i := 5; i < 7; i++ {
		assert.Equal(t, QueueAcceptedEvicted, q.Enqueue(ctx, addrEntry(i)))
	}

	s := c.Snapshot()
	assert.Equal(t, uint64(2), s.QueueOverflows)
	assert.Equal(t, uint64(2), s.QueueDrops)

	// The five most recent entries survive, oldest first.
	assert.Equal(t, []string{
		"/data/batch/2", "/data/batch/3", "/data/batch/4",
		"/data/batch/5", "/data/batch/6",
	}, drainAddresses(q))
}

func TestQueueDropNewestKeepsEarliest(t *testing.T) {
	q, c := newTestQueue(5, config.DropNewest)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		assert.Equal(t, QueueAccepted, q.Enqueue(ctx, addrEntry(i)))
	}
	for i := 5; i < 7; i++ {
		assert.Equal(t, QueueRejected, q.Enqueue(ctx, addrEntry(i)))
	}

	s := c.Snapshot()
	assert.Equal(t, uint64(2), s.QueueOverflows)
	assert.Equal(t, uint64(2), s.QueueDrops)

	assert.Equal(t, []string{
		"/data/batch/0", "/data/batch/1", "/data/batch/2",
		"/data/batch/3", "/data/batch/4",
	}, drainAddresses(q))
}

func TestQueueBlockSuspendsUntilSpace(t *testing.T) {
	q, c := newTestQueue(1, config.Block)
	ctx := context.Background()

	require.Equal(t, QueueAccepted, q.Enqueue(ctx, addrEntry(0)))

	done := make(chan QueueResult, 1)
	go func() {
		done <- q.Enqueue(ctx, addrEntry(1))
	}()

	select {
	case <-done:
		t.Fatal("enqueue returned before space freed")
	case <-time.After(50 * time.Millisecond):
	}

	_, ok := q.TryDequeue()
	require.True(t, ok)

	select {
	case r := <-done:
		assert.Equal(t, QueueAccepted, r)
	case <-time.After(time.Second):
		t.Fatal("blocked enqueue never completed")
	}

	s := c.Snapshot()
	assert.Equal(t, uint64(1), s.QueueOverflows)
	assert.Equal(t, uint64(0), s.QueueDrops)
}

func TestQueueBlockCancel(t *testing.T) {
	q, c := newTestQueue(1, config.Block)
	require.Equal(t, QueueAccepted, q.Enqueue(context.Background(), addrEntry(0)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan QueueResult, 1)
	go func() {
		done <- q.Enqueue(ctx, addrEntry(1))
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case r := <-done:
		assert.Equal(t, QueueCanceled, r)
	case <-time.After(time.Second):
		t.Fatal("canceled enqueue never returned")
	}

	assert.Equal(t, uint64(1), c.Snapshot().QueueDrops)
}

func TestQueueDequeueCancel(t *testing.T) {
	q, _ := newTestQueue(4, config.DropOldest)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	e, ok := q.Dequeue(ctx)
	assert.Nil(t, e)
	assert.False(t, ok)
}

func TestQueueDiscardRemaining(t *testing.T) {
	q, c := newTestQueue(8, config.DropOldest)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		q.Enqueue(ctx, addrEntry(i))
	}

	assert.Equal(t, 3, q.DiscardRemaining())
	assert.Equal(t, 0, q.Depth())

	s := c.Snapshot()
	assert.Equal(t, uint64(3), s.ShutdownDiscards)
	assert.Equal(t, uint64(3), s.QueueDrops)
	assert.Equal(t, 0, q.DiscardRemaining())
}

func TestQueueResize(t *testing.T) {
	q, c := newTestQueue(6, config.DropOldest)
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		q.Enqueue(ctx, addrEntry(i))
	}

	// Shrinking keeps the oldest entries; the overflow is dropped.
	q.Resize(4)
	assert.Equal(t, 4, q.Cap())
	assert.Equal(t, 4, q.Depth())
	assert.Equal(t, uint64(2), c.Snapshot().QueueDrops)

	assert.Equal(t, []string{
		"/data/batch/0", "/data/batch/1", "/data/batch/2", "/data/batch/3",
	}, drainAddresses(q))

	// Growing preserves everything.
	q.Enqueue(ctx, addrEntry(9))
	q.Resize(16)
	assert.Equal(t, 16, q.Cap())
	assert.Equal(t, []string{"/data/batch/9"}, drainAddresses(q))
}

func TestCountersBatchingEfficiency(t *testing.T) {
	c := NewCounters()
	for i := 0; i < 4; i++ {
		c.AddLogicalSamples(50)
		c.IncPayloadsSent()
	}

	s := c.Snapshot()
	assert.Equal(t, uint64(200), s.LogicalSamples)
	assert.Equal(t, uint64(4), s.PayloadsSent)
	assert.InDelta(t, 50.0, s.BatchingEfficiency, 1e-9)
}
