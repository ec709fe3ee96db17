package calendar

import (
	"sort"
	"sync"
	"time"
)

// Event is one calendar entry.
type Event struct {
	ID    int64     `json:"id"`
	Title string    `json:"title"`
	At    time.Time `json:"at"`
}

// Store keeps events in memory with increasing ids.
type Store struct {
	mu     sync.RWMutex
	nextID int64
	events map[int64]Event
}

func NewStore() *Store {
	return &Store{nextID: 1, events: make(map[int64]Event)}
}

func (s *Store) Create(title string, at time.Time) Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := Event{ID: s.nextID, Title: title, At: at}
	s.nextID++
	s.events[e.ID] = e
	return e
}

// Cancel removes the event and returns it.
func (s *Store) Cancel(id int64) (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if ok {
		delete(s.events, id)
	}
	return e, ok
}

// Move changes the event's time.
func (s *Store) Move(id int64, at time.Time) (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return Event{}, false
	}
	e.At = at
	s.events[id] = e
	return e, true
}

// Get returns one event.
func (s *Store) Get(id int64) (Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[id]
	return e, ok
}

// On returns the events on day's calendar date, earliest first.
func (s *Store) On(day time.Time) []Event {
	y, m, d := day.Date()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, e := range s.events {
		ey, em, ed := e.At.In(day.Location()).Date()
		if ey == y && em == m && ed == d {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].At.Equal(out[j].At) {
			return out[i].At.Before(out[j].At)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
