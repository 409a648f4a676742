// Package events implements the small generic typed event emitter used by
// every engine component to broadcast lifecycle and data events.
package events

import (
	"sync"

	"go.uber.org/zap"
)

// Listener is a subscriber callback for a single event name.
type Listener[T any] func(payload T)

// Emitter is a typed, concurrency-safe pub/sub table keyed by event name.
// A faulty listener cannot corrupt the loop: panics are recovered and logged.
type Emitter[T any] struct {
	mu        sync.RWMutex
	listeners map[string][]Listener[T]
	log       *zap.SugaredLogger
}

// NewEmitter constructs an Emitter. log may be nil, in which case a no-op
// logger is used.
func NewEmitter[T any](log *zap.SugaredLogger) *Emitter[T] {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Emitter[T]{
		listeners: make(map[string][]Listener[T]),
		log:       log,
	}
}

// On registers a listener for the named event and returns an unsubscribe func.
func (e *Emitter[T]) On(name string, l Listener[T]) func() {
	e.mu.Lock()
	e.listeners[name] = append(e.listeners[name], l)
	idx := len(e.listeners[name]) - 1
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		ls := e.listeners[name]
		if idx < 0 || idx >= len(ls) {
			return
		}
		e.listeners[name] = append(ls[:idx], ls[idx+1:]...)
	}
}

// Emit synchronously invokes every listener registered for name.
func (e *Emitter[T]) Emit(name string, payload T) {
	e.mu.RLock()
	ls := make([]Listener[T], len(e.listeners[name]))
	copy(ls, e.listeners[name])
	e.mu.RUnlock()

	for _, l := range ls {
		e.safeInvoke(name, l, payload)
	}
}

func (e *Emitter[T]) safeInvoke(name string, l Listener[T], payload T) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Errorw("event listener panicked", "event", name, "recover", r)
		}
	}()
	l(payload)
}

// RemoveAll clears every listener for every event name.
func (e *Emitter[T]) RemoveAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]Listener[T])
}
