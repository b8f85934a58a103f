// Package state holds the replicated key/value table. The store itself is a
// plain concurrency-safe map: who may write what is decided by the server's
// poll goroutine, callers on other goroutines only read or request writes.
package state

import "sync"

type Store struct {
	mu     sync.RWMutex
	states map[string][]byte
}

func NewStore() *Store {
	return &Store{
		states: make(map[string][]byte),
	}
}

func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.states[key]
	return value, ok
}

func (s *Store) Set(key string, value []byte) {
	s.mu.Lock()
	s.states[key] = value
	s.mu.Unlock()
}

// Swap stores value and returns what was there before.
func (s *Store) Swap(key string, value []byte) (previous []byte, existed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous, existed = s.states[key]
	s.states[key] = value
	return previous, existed
}

// Merge stores every entry of states.
func (s *Store) Merge(states map[string][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, value := range states {
		s.states[key] = value
	}
}

// Replace drops everything and stores states instead.
func (s *Store) Replace(states map[string][]byte) {
	next := make(map[string][]byte, len(states))
	for key, value := range states {
		next[key] = value
	}
	s.mu.Lock()
	s.states = next
	s.mu.Unlock()
}

func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.states[key]
	delete(s.states, key)
	return ok
}

// DeleteFunc removes every entry whose key satisfies del and returns the
// removed keys.
func (s *Store) DeleteFunc(del func(key string) bool) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []string
	for key := range s.states {
		if del(key) {
			delete(s.states, key)
			removed = append(removed, key)
		}
	}
	return removed
}

// Snapshot returns a copy of the whole table.
func (s *Store) Snapshot() map[string][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot := make(map[string][]byte, len(s.states))
	for key, value := range s.states {
		snapshot[key] = value
	}
	return snapshot
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states)
}

func (s *Store) Clear() {
	s.mu.Lock()
	s.states = make(map[string][]byte)
	s.mu.Unlock()
}
