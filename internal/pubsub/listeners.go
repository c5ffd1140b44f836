// Package pubsub provides listener registration with guaranteed release.
//
// Every Register call returns a release func; calling it (once or many
// times) removes the listener. Notify delivers synchronously, in
// registration order, outside of the registry lock, so a listener may
// register or release other listeners while being notified.
package pubsub

import "sync"

// Listeners is a registry of callbacks receiving values of type T.
type Listeners[T any] struct {
	mu      sync.RWMutex
	nextID  uint64
	entries []entry[T]
}

type entry[T any] struct {
	id uint64
	fn func(T)
}

// Register adds fn and returns the func that removes it.
func (l *Listeners[T]) Register(fn func(T)) (release func()) {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.entries = append(l.entries, entry[T]{id: id, fn: fn})
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { l.remove(id) })
	}
}

func (l *Listeners[T]) remove(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.entries {
		if e.id == id {
			l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
			return
		}
	}
}

// Notify calls every registered listener with v.
func (l *Listeners[T]) Notify(v T) {
	l.mu.RLock()
	snapshot := make([]func(T), len(l.entries))
	for i, e := range l.entries {
		snapshot[i] = e.fn
	}
	l.mu.RUnlock()

	for _, fn := range snapshot {
		fn(v)
	}
}

// Len returns the number of registered listeners.
func (l *Listeners[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Scope collects release funcs so a component can drop all of its
// registrations in one call on stop or teardown.
type Scope struct {
	mu       sync.Mutex
	releases []func()
}

// Add records a release func.
func (s *Scope) Add(release func()) {
	s.mu.Lock()
	s.releases = append(s.releases, release)
	s.mu.Unlock()
}

// Release runs every recorded release func in reverse order and forgets them.
func (s *Scope) Release() {
	s.mu.Lock()
	releases := s.releases
	s.releases = nil
	s.mu.Unlock()

	for i := len(releases) - 1; i >= 0; i-- {
		releases[i]()
	}
}
