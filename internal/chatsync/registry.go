package chatsync

import "sync"

// Registry is a publish/subscribe list of handlers. Handlers run in
// registration order on the publishing goroutine. It is safe for
// concurrent use, and a handler may subscribe or unsubscribe while a
// publish is in progress; the change takes effect on the next publish.
type Registry[T any] struct {
	mu       sync.Mutex
	nextID   uint64
	handlers []registration[T]
}

type registration[T any] struct {
	id uint64
	fn func(T)
}

// Subscribe adds fn and returns a function that removes it. Calling
// the returned function more than once is harmless.
func (r *Registry[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.handlers = append(r.handlers, registration[T]{id: id, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(id) })
	}
}

// Publish invokes every registered handler with v.
func (r *Registry[T]) Publish(v T) {
	r.mu.Lock()
	snapshot := make([]func(T), len(r.handlers))
	for i, h := range r.handlers {
		snapshot[i] = h.fn
	}
	r.mu.Unlock()

	for _, fn := range snapshot {
		fn(v)
	}
}

// Len returns the number of registered handlers.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers)
}

func (r *Registry[T]) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, h := range r.handlers {
		if h.id == id {
			r.handlers = append(r.handlers[:i:i], r.handlers[i+1:]...)
			return
		}
	}
}
