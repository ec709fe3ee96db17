// Package calendar is the built-in calendar module.
package calendar

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

// Module binds the calendar manifest to a Store.
type Module struct {
	store *Store
	now   func() time.Time
}

func New(store *Store) *Module {
	if store == nil {
		store = NewStore()
	}
	return &Module{store: store, now: time.Now}
}

func (m *Module) Name() string     { return "calendar" }
func (m *Module) Manifest() []byte { return manifestYAML }

// Register adds the module's handler ids to the catalog.
func (m *Module) Register(c *manifest.Catalog) error {
	handlers := map[string]routing.HandlerFunc{
		"calendar.create": m.create,
		"calendar.cancel": m.cancel,
		"calendar.move":   m.move,
		"calendar.list":   m.list,
	}
	for id, h := range handlers {
		if err := c.RegisterHandler(id, h); err != nil {
			return err
		}
	}
	return c.RegisterExpert("calendar.expert", m.expert)
}

func (m *Module) create(_ context.Context, slots routing.Slots, _ *session.Context) (*routing.HandlerResult, error) {
	at, ok := slots.Time("when")
	if !ok {
		return nil, fmt.Errorf("calendar: invalid time %q", slots["when"])
	}
	e := m.store.Create(slots["title"], at)
	return &routing.HandlerResult{
		Text:        fmt.Sprintf("Scheduled %s for %s (event %d).", e.Title, formatWhen(e.At), e.ID),
		Data:        eventData(e),
		SideEffects: true,
	}, nil
}

func (m *Module) cancel(_ context.Context, slots routing.Slots, _ *session.Context) (*routing.HandlerResult, error) {
	id, ok := slots.Int("event_id")
	if !ok {
		return nil, fmt.Errorf("calendar: invalid event id %q", slots["event_id"])
	}
	e, found := m.store.Cancel(id)
	if !found {
		return &routing.HandlerResult{Text: fmt.Sprintf("I couldn't find event %d.", id)}, nil
	}
	return &routing.HandlerResult{
		Text:        fmt.Sprintf("Cancelled %s on %s.", e.Title, formatWhen(e.At)),
		Data:        map[string]any{"event_id": e.ID, "title": e.Title},
		SideEffects: true,
	}, nil
}

func (m *Module) move(_ context.Context, slots routing.Slots, _ *session.Context) (*routing.HandlerResult, error) {
	id, ok := slots.Int("event_id")
	if !ok {
		return nil, fmt.Errorf("calendar: invalid event id %q", slots["event_id"])
	}
	at, ok := slots.Time("when")
	if !ok {
		return nil, fmt.Errorf("calendar: invalid time %q", slots["when"])
	}
	e, found := m.store.Move(id, at)
	if !found {
		return &routing.HandlerResult{Text: fmt.Sprintf("I couldn't find event %d.", id)}, nil
	}
	return &routing.HandlerResult{
		Text:        fmt.Sprintf("Moved %s to %s.", e.Title, formatWhen(e.At)),
		Data:        eventData(e),
		SideEffects: true,
	}, nil
}

func (m *Module) list(_ context.Context, slots routing.Slots, _ *session.Context) (*routing.HandlerResult, error) {
	day, ok := slots.Time("when")
	if !ok {
		day = m.now()
	}
	events := m.store.On(day)
	return &routing.HandlerResult{
		Text: m.agenda(day, events),
		Data: map[string]any{"date": day.Format("2006-01-02"), "count": len(events)},
	}, nil
}

// expert summarizes today's agenda, or tomorrow's when the subtask asks.
func (m *Module) expert(ctx context.Context, task routing.Subtask) (*routing.ExpertResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	day, ok := task.Slots.Time("when")
	if !ok {
		day = m.now()
		for _, tok := range routing.Tokenize(task.Description) {
			if tok == "tomorrow" {
				day = day.AddDate(0, 0, 1)
				break
			}
		}
	}
	events := m.store.On(day)
	return &routing.ExpertResult{
		Text: m.agenda(day, events),
		Data: map[string]any{"date": day.Format("2006-01-02"), "count": len(events)},
	}, nil
}

func (m *Module) agenda(day time.Time, events []Event) string {
	label := m.dayLabel(day)
	if len(events) == 0 {
		return fmt.Sprintf("Your calendar is clear %s.", label)
	}
	parts := make([]string, 0, len(events))
	for _, e := range events {
		parts = append(parts, fmt.Sprintf("%s %s", e.At.Format("15:04"), e.Title))
	}
	noun := "events"
	if len(events) == 1 {
		noun = "event"
	}
	return fmt.Sprintf("%s you have %d %s: %s.", capitalize(label), len(events), noun, strings.Join(parts, ", "))
}

func (m *Module) dayLabel(day time.Time) string {
	now := m.now().In(day.Location())
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	d := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	switch d.Sub(today) {
	case 0:
		return "today"
	case 24 * time.Hour:
		return "tomorrow"
	}
	return "on " + d.Format("Monday, Jan 2")
}

func eventData(e Event) map[string]any {
	return map[string]any{"event_id": e.ID, "title": e.Title, "when": e.At.Format(time.RFC3339)}
}

func formatWhen(t time.Time) string {
	return t.Format("Mon Jan 2 15:04")
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
