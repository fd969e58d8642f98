// Package events provides a typed subscribe/unsubscribe primitive used by
// the message router and the agent registry for lifecycle notifications.
package events

import "sync"

// Emitter delivers values of type T to subscribed handlers. A handler
// unsubscribed mid-stream receives no further events and holds no
// references afterwards. Handlers are invoked synchronously in
// subscription order; they must not block.
type Emitter[T any] struct {
	mu       sync.Mutex
	nextID   int
	order    []int
	handlers map[int]func(T)
}

// NewEmitter creates an empty emitter.
func NewEmitter[T any]() *Emitter[T] {
	return &Emitter[T]{handlers: make(map[int]func(T))}
}

// Subscribe registers fn and returns a token for Unsubscribe.
func (e *Emitter[T]) Subscribe(fn func(T)) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.handlers[id] = fn
	e.order = append(e.order, id)
	return id
}

// Unsubscribe removes the handler registered under id. Unknown ids are
// ignored so Unsubscribe is safe to call twice.
func (e *Emitter[T]) Unsubscribe(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.handlers, id)
	for i, v := range e.order {
		if v == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
}

// Emit invokes all currently subscribed handlers with ev. The handler set
// is snapshotted under the lock so a handler may unsubscribe itself (or
// others) during delivery; unsubscribed handlers are skipped.
func (e *Emitter[T]) Emit(ev T) {
	e.mu.Lock()
	ids := make([]int, len(e.order))
	copy(ids, e.order)
	e.mu.Unlock()

	for _, id := range ids {
		e.mu.Lock()
		fn, ok := e.handlers[id]
		e.mu.Unlock()
		if ok {
			fn(ev)
		}
	}
}
