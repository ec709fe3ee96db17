// Package memory is the built-in module for remembering facts.
package memory

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/hrygo/divinesense-router/ai/routing"
	"github.com/hrygo/divinesense-router/ai/session"
	"github.com/hrygo/divinesense-router/plugin/manifest"
)

//go:embed manifest.yaml
var manifestYAML []byte

// maxRecalled caps the facts read back in one reply.
const maxRecalled = 5

// Module binds the memory manifest to a Store.
type Module struct {
	store *Store
	now   func() time.Time
}

func New(store *Store) *Module {
	if store == nil {
		store = NewStore(0)
	}
	return &Module{store: store, now: time.Now}
}

func (m *Module) Name() string     { return "memory" }
func (m *Module) Manifest() []byte { return manifestYAML }

// Register adds the module's handler ids to the catalog.
func (m *Module) Register(c *manifest.Catalog) error {
	handlers := map[string]routing.HandlerFunc{
		"memory.remember": m.remember,
		"memory.recall":   m.recall,
		"memory.forget":   m.forget,
	}
	for id, h := range handlers {
		if err := c.RegisterHandler(id, h); err != nil {
			return err
		}
	}
	return c.RegisterExpert("memory.expert", m.expert)
}

func (m *Module) remember(_ context.Context, slots routing.Slots, _ *session.Context) (*routing.HandlerResult, error) {
	f := m.store.Add(slots["fact"], m.now())
	return &routing.HandlerResult{
		Text:        "Got it, I'll remember that.",
		Data:        map[string]any{"fact_id": f.ID, "fact": f.Text},
		SideEffects: true,
	}, nil
}

func (m *Module) recall(_ context.Context, slots routing.Slots, _ *session.Context) (*routing.HandlerResult, error) {
	topic := slots["topic"]
	facts := m.store.Search(topic)
	return &routing.HandlerResult{
		Text: recallText(topic, facts),
		Data: map[string]any{"count": len(facts)},
	}, nil
}

func (m *Module) forget(_ context.Context, slots routing.Slots, _ *session.Context) (*routing.HandlerResult, error) {
	topic := slots["topic"]
	n := m.store.Forget(topic)
	if n == 0 {
		return &routing.HandlerResult{Text: fmt.Sprintf("I don't remember anything about %s.", topic)}, nil
	}
	noun := "facts"
	if n == 1 {
		noun = "fact"
	}
	return &routing.HandlerResult{
		Text:        fmt.Sprintf("Forgot %d %s about %s.", n, noun, topic),
		Data:        map[string]any{"count": n},
		SideEffects: true,
	}, nil
}

// expert recalls facts matching the subtask description.
func (m *Module) expert(ctx context.Context, task routing.Subtask) (*routing.ExpertResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	query, label := task.Slots["topic"], task.Slots["topic"]
	if query == "" {
		query, label = task.Description, "that"
	}
	facts := m.store.Search(query)
	return &routing.ExpertResult{
		Text: recallText(label, facts),
		Data: map[string]any{"count": len(facts)},
	}, nil
}

func recallText(topic string, facts []Fact) string {
	if len(facts) == 0 {
		if topic == "" {
			return "I don't have anything remembered yet."
		}
		return fmt.Sprintf("I don't remember anything about %s.", topic)
	}
	if len(facts) > maxRecalled {
		facts = facts[:maxRecalled]
	}
	texts := make([]string, 0, len(facts))
	for _, f := range facts {
		texts = append(texts, f.Text)
	}
	return "You told me: " + strings.Join(texts, "; ") + "."
}
