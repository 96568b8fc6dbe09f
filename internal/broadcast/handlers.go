package broadcast

import "sync"

// Handlers is a typed handler table keyed by event name. It is registered once
// per subscription and may be dispatched from the transport's goroutine.
type Handlers struct {
	mu sync.RWMutex
	m  map[string]func(Event)
}

// NewHandlers returns an empty table.
func NewHandlers() *Handlers {
	return &Handlers{m: make(map[string]func(Event))}
}

// On registers fn for events of type T, replacing any previous handler.
func On[T Event](h *Handlers, fn func(T)) {
	var zero T
	h.mu.Lock()
	defer h.mu.Unlock()
	h.m[zero.EventName()] = func(ev Event) {
		if v, ok := ev.(T); ok {
			fn(v)
		}
	}
}

// Dispatch calls the handler registered for ev and reports whether one existed.
func (h *Handlers) Dispatch(ev Event) bool {
	if h == nil || ev == nil {
		return false
	}
	h.mu.RLock()
	fn, ok := h.m[ev.EventName()]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	fn(ev)
	return true
}
