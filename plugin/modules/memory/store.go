package memory

import (
	"strings"
	"sync"
	"time"

	"github.com/hrygo/divinesense-router/ai/routing"
)

// Fact is one remembered statement.
type Fact struct {
	ID   int64     `json:"id"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Store keeps facts in memory, oldest first.
type Store struct {
	mu     sync.RWMutex
	nextID int64
	facts  []Fact
	limit  int
}

// NewStore keeps at most limit facts; the oldest are evicted first. A
// non-positive limit keeps 500.
func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 500
	}
	return &Store{nextID: 1, limit: limit}
}

func (s *Store) Add(text string, at time.Time) Fact {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := Fact{ID: s.nextID, Text: text, At: at}
	s.nextID++
	s.facts = append(s.facts, f)
	if over := len(s.facts) - s.limit; over > 0 {
		s.facts = append(s.facts[:0:0], s.facts[over:]...)
	}
	return f
}

// Search returns facts sharing a keyword with topic, newest first. An empty
// topic returns every fact.
func (s *Store) Search(topic string) []Fact {
	keys := keywords(topic)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Fact
	for i := len(s.facts) - 1; i >= 0; i-- {
		if len(keys) == 0 || mentions(s.facts[i].Text, keys) {
			out = append(out, s.facts[i])
		}
	}
	return out
}

// Forget drops facts sharing a keyword with topic and returns how many.
func (s *Store) Forget(topic string) int {
	keys := keywords(topic)
	if len(keys) == 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.facts[:0:0]
	for _, f := range s.facts {
		if !mentions(f.Text, keys) {
			kept = append(kept, f)
		}
	}
	n := len(s.facts) - len(kept)
	s.facts = kept
	return n
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.facts)
}

var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "my": true, "your": true, "our": true,
	"is": true, "are": true, "was": true, "of": true, "to": true, "for": true,
	"about": true, "what": true, "do": true, "you": true, "i": true, "me": true,
	"that": true, "it": true, "and": true, "on": true, "in": true, "know": true,
	"remember": true, "recall": true,
}

func keywords(text string) []string {
	var out []string
	for _, tok := range routing.Tokenize(text) {
		if !stopWords[tok] {
			out = append(out, tok)
		}
	}
	return out
}

func mentions(text string, keys []string) bool {
	words := " " + strings.Join(routing.Tokenize(text), " ") + " "
	for _, k := range keys {
		if strings.Contains(words, " "+k+" ") {
			return true
		}
	}
	return false
}
