// Package session holds per-conversation routing state: recent turns and the
// entities they referenced. Contexts are scoped to one session id and are never
// shared across sessions.
package session

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Turn is one resolved request within a session.
type Turn struct {
	Utterance  string            `json:"utterance"`
	Domain     string            `json:"domain,omitempty"`
	IntentName string            `json:"intent_name,omitempty"`
	Slots      map[string]string `json:"slots,omitempty"`
	Tier       int               `json:"tier"`
	// Plan lists task descriptions when the turn was orchestrated.
	Plan   []string  `json:"plan,omitempty"`
	Status string    `json:"status"`
	At     time.Time `json:"at"`
}

// Resolved reports whether the turn mapped to a single intent.
func (t Turn) Resolved() bool {
	return t.IntentName != ""
}

// Entity is a value referenced by an earlier turn, keyed by slot or data name.
type Entity struct {
	Key        string    `json:"key"`
	Value      string    `json:"value"`
	Domain     string    `json:"domain,omitempty"`
	IntentName string    `json:"intent_name,omitempty"`
	At         time.Time `json:"at"`

	seq uint64
}

// Context is the conversation state of one session.
//
// Two locks are involved: turn serializes whole requests of the same session
// (held by the router between Acquire and release), mu guards the data so that
// handlers running inside a request can still read it.
type Context struct {
	ID string

	turn chan struct{}

	mu          sync.RWMutex
	turns       []Turn
	maxTurns    int
	entities    map[string]Entity
	maxEntities int
	seq         uint64
	lastActive  time.Time
	createdAt   time.Time
	now         func() time.Time
}

func newContext(id string, maxTurns, maxEntities int, clock func() time.Time) *Context {
	now := clock()
	return &Context{
		ID:          id,
		turn:        make(chan struct{}, 1),
		maxTurns:    maxTurns,
		maxEntities: maxEntities,
		entities:    make(map[string]Entity),
		lastActive:  now,
		createdAt:   now,
		now:         clock,
	}
}

// AddTurn appends a turn, evicting the oldest beyond the bound.
func (c *Context) AddTurn(t Turn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t.At.IsZero() {
		t.At = c.now()
	}
	if t.Slots != nil {
		t.Slots = cloneStrings(t.Slots)
	}
	c.turns = append(c.turns, t)
	if over := len(c.turns) - c.maxTurns; over > 0 {
		c.turns = append(c.turns[:0:0], c.turns[over:]...)
	}
	c.lastActive = t.At
}

// Turns returns a copy of the recent turns, oldest first.
func (c *Context) Turns() []Turn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

// LastTurn returns the most recent turn.
func (c *Context) LastTurn() (Turn, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.turns) == 0 {
		return Turn{}, false
	}
	return c.turns[len(c.turns)-1], true
}

// LastResolved returns the most recent turn that resolved to a single intent.
func (c *Context) LastResolved() (Turn, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := len(c.turns) - 1; i >= 0; i-- {
		if c.turns[i].Resolved() && c.turns[i].Status == "completed" {
			return c.turns[i], true
		}
	}
	return Turn{}, false
}

// Remember records entity references produced by a resolved intent. Values
// may be slot strings or handler data; non-string values are formatted.
func (c *Context) Remember(domain, intentName string, values map[string]any) {
	if len(values) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	c.seq++
	now := c.now()
	for _, k := range keys {
		v := formatValue(values[k])
		if v == "" {
			continue
		}
		c.entities[k] = Entity{
			Key:        k,
			Value:      v,
			Domain:     domain,
			IntentName: intentName,
			At:         now,
			seq:        c.seq,
		}
	}
	c.evictEntitiesLocked()
	c.lastActive = now
}

// RememberSlots is Remember for string slot maps.
func (c *Context) RememberSlots(domain, intentName string, slots map[string]string) {
	values := make(map[string]any, len(slots))
	for k, v := range slots {
		values[k] = v
	}
	c.Remember(domain, intentName, values)
}

// Entity returns the entity stored under key.
func (c *Context) Entity(key string) (Entity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entities[key]
	return e, ok
}

// Entities returns entities most recent first. Entities from the same turn
// are ordered by key.
func (c *Context) Entities() []Entity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entity, 0, len(c.entities))
	for _, e := range c.entities {
		out = append(out, e)
	}
	sortEntities(out)
	return out
}

// LastActive returns the time of the last mutation.
func (c *Context) LastActive() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActive
}

// Reset clears turns and entities.
func (c *Context) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = nil
	c.entities = make(map[string]Entity)
	c.seq = 0
}

func (c *Context) evictEntitiesLocked() {
	over := len(c.entities) - c.maxEntities
	if over <= 0 {
		return
	}
	all := make([]Entity, 0, len(c.entities))
	for _, e := range c.entities {
		all = append(all, e)
	}
	sortEntities(all)
	for _, e := range all[len(all)-over:] {
		delete(c.entities, e.Key)
	}
}

func sortEntities(es []Entity) {
	sort.Slice(es, func(i, j int) bool {
		if es[i].seq != es[j].seq {
			return es[i].seq > es[j].seq
		}
		return es[i].Key < es[j].Key
	})
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case fmt.Stringer:
		return x.String()
	case float64:
		if x == float64(int64(x)) {
			return fmt.Sprintf("%d", int64(x))
		}
		return fmt.Sprintf("%g", x)
	case int, int32, int64, uint, uint32, uint64, bool:
		return fmt.Sprint(x)
	default:
		// Composite values are not useful as references.
		return ""
	}
}

func cloneStrings(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
