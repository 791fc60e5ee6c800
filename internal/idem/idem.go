// Package idem tracks delivery keys already used for outbound sends,
// giving at-most-once delivery per (request, person, kind) triple for
// the lifetime of the process.
package idem

import (
	"fmt"
	"sync"
)

type Store struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewStore() *Store {
	return &Store{seen: make(map[string]struct{})}
}

// Key builds the composite delivery key for one outbound action.
func Key(requestID, personID, kind string) string {
	return fmt.Sprintf("msg:%s:%s:%s", requestID, personID, kind)
}

func (s *Store) Seen(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[key]
	return ok
}

func (s *Store) Record(key string) {
	s.mu.Lock()
	s.seen[key] = struct{}{}
	s.mu.Unlock()
}

// CheckAndRecord reports whether key was already recorded and records it
// if not, as one atomic step. The check-then-set must not race; callers
// rely on it without holding any outer lock.
func (s *Store) CheckAndRecord(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[key]; ok {
		return true
	}
	s.seen[key] = struct{}{}
	return false
}
