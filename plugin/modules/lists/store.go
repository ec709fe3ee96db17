package lists

import (
	"sort"
	"sync"
)

// Store keeps named lists in memory. Items keep insertion order.
type Store struct {
	mu    sync.RWMutex
	lists map[string][]string
}

func NewStore() *Store {
	return &Store{lists: make(map[string][]string)}
}

// Add appends item unless it is already on the list. It returns the list
// length and whether the item was added.
func (s *Store) Add(list, item string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.lists[list]
	for _, it := range items {
		if it == item {
			return len(items), false
		}
	}
	s.lists[list] = append(items, item)
	return len(s.lists[list]), true
}

// Remove deletes item from the list and reports whether it was there.
func (s *Store) Remove(list, item string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.lists[list]
	for i, it := range items {
		if it == item {
			s.lists[list] = append(items[:i:i], items[i+1:]...)
			return true
		}
	}
	return false
}

// Items returns a copy of the list.
func (s *Store) Items(list string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.lists[list]...)
}

// Clear empties the list and returns how many items it held.
func (s *Store) Clear(list string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.lists[list])
	delete(s.lists, list)
	return n
}

// Names lists non-empty lists, sorted.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.lists))
	for name, items := range s.lists {
		if len(items) > 0 {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
