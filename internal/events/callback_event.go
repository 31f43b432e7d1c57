package events

// CallbackEvent calls registered functions synchronously on Notify. Callbacks
// run outside the internal lock, so they may unregister themselves, but they
// must not be invoked while the caller holds a lock the callback needs.
type CallbackEvent[T any] struct {
	reg registry[func(T), T]
}

// NewCallbackEvent creates a CallbackEvent. With replayLast set, a callback
// registered after the first Notify is called at once with the latest value.
func NewCallbackEvent[T any](replayLast bool) *CallbackEvent[T] {
	return &CallbackEvent[T]{reg: newRegistry[func(T), T](replayLast)}
}

// Listen registers callback and returns its deregistration function.
func (e *CallbackEvent[T]) Listen(callback func(T)) func() {
	if callback == nil {
		panic("callback cannot be nil")
	}
	id, last, ok := e.reg.add(callback)
	if ok {
		callback(last)
	}
	return func() { e.reg.remove(id) }
}

// Notify calls every registered callback with value.
func (e *CallbackEvent[T]) Notify(value T) {
	for _, cb := range e.reg.record(value) {
		cb(value)
	}
}

// Close drops all callbacks; later Notify calls are ignored.
func (e *CallbackEvent[T]) Close() {
	e.reg.close()
}

// ListenerCount returns the number of registered callbacks.
func (e *CallbackEvent[T]) ListenerCount() int {
	return e.reg.count()
}
