package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	bus := NewBus()
	a, cancelA := bus.Subscribe(4)
	defer cancelA()
	b, cancelB := bus.Subscribe(4)
	defer cancelB()

	bus.Publish(SessionUpdate{SessionID: "s1", Level: LevelInfo, Message: "started"})

	evA := <-a
	evB := <-b
	require.IsType(t, SessionUpdate{}, evA)
	assert.Equal(t, "started", evA.(SessionUpdate).Message)
	assert.Equal(t, evA, evB)
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	defer cancel()

	bus.Publish(SessionUpdate{Message: "kept"})
	bus.Publish(SessionUpdate{Message: "dropped"})

	ev := <-ch
	assert.Equal(t, "kept", ev.(SessionUpdate).Message)
	select {
	case extra := <-ch:
		t.Fatalf("unexpected extra event: %#v", extra)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)

	cancel()
	_, open := <-ch
	assert.False(t, open)

	cancel() // second cancel is a no-op
	bus.Publish(SessionUpdate{Message: "after"})
}

func TestCloseShutsDownSubscribers(t *testing.T) {
	bus := NewBus()
	ch, _ := bus.Subscribe(1)

	bus.Close()
	_, open := <-ch
	require.False(t, open)

	bus.Publish(SessionUpdate{Message: "ignored"})

	late, _ := bus.Subscribe(1)
	_, open = <-late
	assert.False(t, open, "subscriptions after Close are closed immediately")
}
