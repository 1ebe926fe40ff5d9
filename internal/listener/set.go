// Package listener provides ordered, removable listener sets.
//
// A Set replaces a single overwritable callback slot: any number of
// independent consumers can attach to the same event without clobbering
// each other, and each gets a remove func to detach.
package listener

import (
	"log/slog"
	"sync"
)

// Set is an ordered collection of listeners for events of type T.
type Set[T any] struct {
	name   string
	logger *slog.Logger

	mu      sync.RWMutex
	nextID  uint64
	entries []entry[T]
}

type entry[T any] struct {
	id uint64
	fn func(T)
}

// NewSet creates an empty listener set. The name is used only for logging.
func NewSet[T any](name string, logger *slog.Logger) *Set[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Set[T]{
		name:   name,
		logger: logger,
	}
}

// Add registers fn and returns a func that removes it. Removing twice is a no-op.
func (s *Set[T]) Add(fn func(T)) (remove func()) {
	if fn == nil {
		return func() {}
	}

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.entries = append(s.entries, entry[T]{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(id) })
	}
}

func (s *Set[T]) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, e := range s.entries {
		if e.id == id {
			s.entries = append(s.entries[:i:i], s.entries[i+1:]...)
			return
		}
	}
}

// Emit calls every listener in registration order.
// Listeners added or removed during Emit take effect on the next Emit.
func (s *Set[T]) Emit(v T) {
	s.mu.RLock()
	snapshot := s.entries
	s.mu.RUnlock()

	for _, e := range snapshot {
		s.call(e, v)
	}
}

func (s *Set[T]) call(e entry[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("listener panicked",
				"event", s.name,
				"listener", e.id,
				"panic", r,
			)
		}
	}()
	e.fn(v)
}

// Len returns the number of registered listeners.
func (s *Set[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Clear removes every listener.
func (s *Set[T]) Clear() {
	s.mu.Lock()
	s.entries = nil
	s.mu.Unlock()
}
