package events

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesSubscriber(t *testing.T) {
	eb := NewEventBus()
	defer eb.Shutdown()

	got := make(chan Event, 1)
	eb.Subscribe(ChatMessage, func(e Event) {
		got <- e
	})

	eb.Publish(Event{Type: ChatMessage, SessionID: "s1", Data: map[string]interface{}{"text": "hi"}})

	select {
	case e := <-got:
		assert.Equal(t, "s1", e.SessionID)
		assert.Equal(t, "hi", e.Data["text"])
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event never arrived")
	}
}

func TestSubscribeIsTypeScoped(t *testing.T) {
	eb := NewEventBus()
	defer eb.Shutdown()

	var count atomic.Int32
	eb.Subscribe(ChatDone, func(e Event) {
		count.Add(1)
	})

	eb.Publish(Event{Type: ChatMessage})
	eb.Publish(Event{Type: ChatDone})

	require.Eventually(t, func() bool {
		return count.Load() == 1
	}, time.Second, 10*time.Millisecond)

	// Give a stray delivery a chance to show up.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), count.Load())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	eb := NewEventBus()
	defer eb.Shutdown()

	var count atomic.Int32
	unsubscribe := eb.Subscribe(ToolCallDone, func(e Event) {
		count.Add(1)
	})

	eb.Publish(Event{Type: ToolCallDone})
	require.Eventually(t, func() bool {
		return count.Load() == 1
	}, time.Second, 10*time.Millisecond)

	unsubscribe()
	eb.Publish(Event{Type: ToolCallDone})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), count.Load())
}

func TestHandlerPanicDoesNotKillBus(t *testing.T) {
	eb := NewEventBus()
	defer eb.Shutdown()

	eb.Subscribe(ChatError, func(e Event) {
		panic("bad handler")
	})
	got := make(chan struct{}, 1)
	eb.Subscribe(ChatError, func(e Event) {
		got <- struct{}{}
	})

	eb.Publish(Event{Type: ChatError})

	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("second handler never ran after sibling panic")
	}
}

func TestConcurrentPublish(t *testing.T) {
	eb := NewEventBus()
	defer eb.Shutdown()

	var count atomic.Int32
	eb.Subscribe(ChatMessage, func(e Event) {
		count.Add(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			eb.Publish(Event{Type: ChatMessage})
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return count.Load() == 50
	}, 2*time.Second, 10*time.Millisecond)
}
