package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewChannelEvent(t *testing.T) {
	event := NewChannelEvent[string](false)
	require.NotNil(t, event)
	assert.Equal(t, 0, event.ListenerCount())
	assert.False(t, event.reg.replay)

	event2 := NewChannelEvent[int](true)
	require.NotNil(t, event2)
	assert.True(t, event2.reg.replay)
}

func TestChannelEvent_Listen_Notify_Basic(t *testing.T) {
	event := NewChannelEvent[string](false)

	ch := make(chan string, 10)
	unregister := event.Listen(ch)
	assert.Equal(t, 1, event.ListenerCount())

	event.Notify("test1")
	event.Notify("test2")

	require.Len(t, ch, 2)
	assert.Equal(t, "test1", <-ch)
	assert.Equal(t, "test2", <-ch)

	unregister()
	assert.Equal(t, 0, event.ListenerCount())

	event.Notify("test3")
	assert.Len(t, ch, 0)
}

func TestChannelEvent_FullChannelDoesNotBlock(t *testing.T) {
	event := NewChannelEvent[int](false)

	ch := make(chan int, 1)
	defer event.Listen(ch)()

	event.Notify(1)
	event.Notify(2) // dropped, buffer full

	assert.Equal(t, 1, <-ch)
	assert.Len(t, ch, 0)
}

func TestChannelEvent_ReplayLast(t *testing.T) {
	event := NewChannelEvent[string](true)

	early := make(chan string, 4)
	defer event.Listen(early)()
	assert.Len(t, early, 0, "nothing to replay before the first Notify")

	event.Notify("first")
	event.Notify("second")

	late := make(chan string, 4)
	defer event.Listen(late)()
	require.Len(t, late, 1)
	assert.Equal(t, "second", <-late)
}

func TestChannelEvent_NoReplayWhenDisabled(t *testing.T) {
	event := NewChannelEvent[string](false)
	event.Notify("first")

	ch := make(chan string, 4)
	defer event.Listen(ch)()
	assert.Len(t, ch, 0)
}

func TestChannelEvent_Close(t *testing.T) {
	event := NewChannelEvent[int](true)
	ch := make(chan int, 4)
	event.Listen(ch)

	event.Close()
	assert.Equal(t, 0, event.ListenerCount())

	event.Notify(7)
	assert.Len(t, ch, 0)
}

func TestChannelEvent_Listen_NilChannel(t *testing.T) {
	event := NewChannelEvent[string](false)
	assert.Panics(t, func() {
		event.Listen(nil)
	})
}
