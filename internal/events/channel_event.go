package events

// ChannelEvent fans a value out to registered channels. Sends never block: a
// listener whose buffer is full misses that value. This makes Notify safe to
// call while holding a lock, which the engine relies on.
type ChannelEvent[T any] struct {
	reg registry[chan<- T, T]
}

// NewChannelEvent creates a ChannelEvent. With replayLast set, a channel that
// registers after the first Notify immediately receives the latest value.
func NewChannelEvent[T any](replayLast bool) *ChannelEvent[T] {
	return &ChannelEvent[T]{reg: newRegistry[chan<- T, T](replayLast)}
}

// Listen registers ch and returns a function that removes it again.
func (e *ChannelEvent[T]) Listen(ch chan<- T) func() {
	if ch == nil {
		panic("channel cannot be nil")
	}
	id, last, ok := e.reg.add(ch)
	if ok {
		select {
		case ch <- last:
		default:
		}
	}
	return func() { e.reg.remove(id) }
}

// Notify offers value to every registered channel.
func (e *ChannelEvent[T]) Notify(value T) {
	for _, ch := range e.reg.record(value) {
		select {
		case ch <- value:
		default:
		}
	}
}

// Close drops all listeners; later Notify calls are ignored.
func (e *ChannelEvent[T]) Close() {
	e.reg.close()
}

// ListenerCount returns the number of registered channels.
func (e *ChannelEvent[T]) ListenerCount() int {
	return e.reg.count()
}
