package pubsub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	testEvent EventType = iota
	otherEvent
)

type testPayload struct {
	Term uint64
}

func receive[T any](t *testing.T, ch chan *Event[T]) *Event[T] {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestPubSub_DeliversTypedEvents(t *testing.T) {
	p := NewPubSub(zaptest.NewLogger(t))
	defer p.GracefulShutdown()

	ch := make(chan *Event[testPayload], 10)
	other := make(chan *Event[testPayload], 10)
	Subscribe(p, testEvent, ch, SubscriptionOptions{})
	Subscribe(p, otherEvent, other, SubscriptionOptions{})

	Publish(p, NewEvent(testEvent, testPayload{Term: 3}))

	ev := receive(t, ch)
	assert.Equal(t, testEvent, ev.Type)
	assert.Equal(t, uint64(3), ev.Payload.Term)
	assert.Empty(t, other)
}

func TestPubSub_Unsubscribe(t *testing.T) {
	p := NewPubSub(zaptest.NewLogger(t))
	defer p.GracefulShutdown()

	ch := make(chan *Event[testPayload], 10)
	id := Subscribe(p, testEvent, ch, SubscriptionOptions{})
	p.Unsubscribe(testEvent, id)

	_, open := <-ch
	assert.False(t, open)

	// Publishing with no subscribers must not block or panic
	Publish(p, NewEvent(testEvent, testPayload{}))
}

func TestPubSub_DropsForSlowSubscribers(t *testing.T) {
	p := NewPubSub(zaptest.NewLogger(t))

	ch := make(chan *Event[testPayload])
	id := Subscribe(p, testEvent, ch, SubscriptionOptions{})

	Publish(p, NewEvent(testEvent, testPayload{Term: 1}))
	require.Eventually(t, func() bool { return p.Dropped(testEvent, id) == 1 }, time.Second, 5*time.Millisecond)

	p.GracefulShutdown()
	_, open := <-ch
	assert.False(t, open)
}

func TestPubSub_GracefulShutdownDrains(t *testing.T) {
	p := NewPubSub(zaptest.NewLogger(t))

	ch := make(chan *Event[testPayload], 10)
	Subscribe(p, testEvent, ch, SubscriptionOptions{})

	for i := 1; i <= 5; i++ {
		Publish(p, NewEvent(testEvent, testPayload{Term: uint64(i)}))
	}
	p.GracefulShutdown()
	p.GracefulShutdown()

	var terms []uint64
	for ev := range ch {
		terms = append(terms, ev.Payload.Term)
	}
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, terms)

	// Dropped after shutdown
	Publish(p, NewEvent(testEvent, testPayload{Term: 6}))
}
