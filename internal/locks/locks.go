// Package locks serializes operations that share a key. It is a
// cooperative in-process queue, not a cross-process lock: operations on
// one key run in arrival order, operations on different keys interleave
// freely.
package locks

import "sync"

type Manager struct {
	mu      sync.Mutex
	tails   map[string]chan struct{}
	waiting map[string]int
}

func NewManager() *Manager {
	return &Manager{
		tails:   make(map[string]chan struct{}),
		waiting: make(map[string]int),
	}
}

// WithLock runs fn after every previously queued operation on key has
// finished. fn's error (or panic) still releases the key for the next
// queued operation.
func (m *Manager) WithLock(key string, fn func() error) error {
	m.mu.Lock()
	prev := m.tails[key]
	done := make(chan struct{})
	m.tails[key] = done
	m.waiting[key]++
	m.mu.Unlock()

	if prev != nil {
		<-prev
	}
	defer func() {
		close(done)
		m.mu.Lock()
		m.waiting[key]--
		if m.waiting[key] == 0 {
			delete(m.tails, key)
			delete(m.waiting, key)
		}
		m.mu.Unlock()
	}()
	return fn()
}

// Pending reports how many operations currently hold or wait on key.
func (m *Manager) Pending(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waiting[key]
}
