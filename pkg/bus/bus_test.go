package bus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestSubscribePublish(t *testing.T) {
	d := New(zap.NewNop())

	var got []int
	sub := d.Subscribe(TopicDataReady, func(e Event) {
		got = append(got, e.Payload.(int))
	})
	assert.NotNil(t, sub)

	d.Publish(TopicDataReady, 1, "test")
	d.Publish(TopicDataReady, 2, "test")
	d.Publish(TopicBatchSent, 99, "test") // different topic, not delivered

	assert.Equal(t, []int{1, 2}, got)
	assert.Equal(t, uint64(3), d.Published())
}

func TestPerTopicOrderPreserved(t *testing.T) {
	d := New(zap.NewNop())

	var got []int
	d.Subscribe(TopicProcessed, func(e Event) {
		got = append(got, e.Payload.(int))
	})

	for i := 0; i < 100; i++ {
		d.Publish(TopicProcessed, i, "test")
	}

	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	d := New(zap.NewNop())

	count := 0
	sub := d.Subscribe(TopicError, func(Event) { count++ })
	d.Publish(TopicError, nil, "test")
	d.Unsubscribe(sub)
	d.Publish(TopicError, nil, "test")

	assert.Equal(t, 1, count)
	assert.Equal(t, 0, d.SubscriberCount(TopicError))
}

func TestConcurrentPublish(t *testing.T) {
	d := New(zap.NewNop())

	var mu sync.Mutex
	received := 0
	d.Subscribe(TopicStats, func(Event) {
		mu.Lock()
		received++
		mu.Unlock()
	})

	const publishers = 8
	const perPublisher = 250

	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				d.Publish(TopicStats, i, "test")
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, publishers*perPublisher, received)
}

func TestHandlerPanicDoesNotStopOthers(t *testing.T) {
	d := New(zap.NewNop())

	called := false
	d.Subscribe(TopicError, func(Event) { panic("boom") })
	d.Subscribe(TopicError, func(Event) { called = true })

	d.Publish(TopicError, nil, "test")
	assert.True(t, called)
}

func TestUnsubscribeFromHandler(t *testing.T) {
	d := New(zap.NewNop())

	var sub *Subscription
	count := 0
	sub = d.Subscribe(TopicShutdown, func(Event) {
		count++
		d.Unsubscribe(sub)
	})

	d.Publish(TopicShutdown, nil, "test")
	d.Publish(TopicShutdown, nil, "test")

	assert.Equal(t, 1, count)
}

func TestClosedDispatcher(t *testing.T) {
	d := New(zap.NewNop())
	d.Close()

	assert.Nil(t, d.Subscribe(TopicDataReady, func(Event) {}))
	d.Publish(TopicDataReady, nil, "test") // no-op, must not panic
	assert.Equal(t, uint64(0), d.Published())
}
