// Package lists is the built-in list-keeping module.
package lists

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/hrygo/divinesense-router/ai/routing"
	"github.com/hrygo/divinesense-router/ai/session"
	"github.com/hrygo/divinesense-router/plugin/manifest"
)

//go:embed manifest.yaml
var manifestYAML []byte

// Module binds the lists manifest to a Store.
type Module struct {
	store *Store
}

func New(store *Store) *Module {
	if store == nil {
		store = NewStore()
	}
	return &Module{store: store}
}

func (m *Module) Name() string     { return "lists" }
func (m *Module) Manifest() []byte { return manifestYAML }

// Register adds the module's handler ids to the catalog.
func (m *Module) Register(c *manifest.Catalog) error {
	handlers := map[string]routing.HandlerFunc{
		"lists.add":    m.add,
		"lists.remove": m.remove,
		"lists.show":   m.show,
		"lists.clear":  m.clear,
	}
	for id, h := range handlers {
		if err := c.RegisterHandler(id, h); err != nil {
			return err
		}
	}
	return c.RegisterExpert("lists.expert", m.expert)
}

func (m *Module) add(_ context.Context, slots routing.Slots, _ *session.Context) (*routing.HandlerResult, error) {
	list, item := slots["list"], slots["item"]
	n, added := m.store.Add(list, item)
	text := fmt.Sprintf("Added %s to your %s list.", item, list)
	if !added {
		text = fmt.Sprintf("%s is already on your %s list.", capitalize(item), list)
	}
	return &routing.HandlerResult{
		Text:        text,
		Data:        map[string]any{"list": list, "item": item, "count": n},
		SideEffects: added,
	}, nil
}

func (m *Module) remove(_ context.Context, slots routing.Slots, _ *session.Context) (*routing.HandlerResult, error) {
	list, item := slots["list"], slots["item"]
	if !m.store.Remove(list, item) {
		return &routing.HandlerResult{
			Text: fmt.Sprintf("%s isn't on your %s list.", capitalize(item), list),
			Data: map[string]any{"list": list},
		}, nil
	}
	return &routing.HandlerResult{
		Text:        fmt.Sprintf("Removed %s from your %s list.", item, list),
		Data:        map[string]any{"list": list, "item": item},
		SideEffects: true,
	}, nil
}

func (m *Module) show(_ context.Context, slots routing.Slots, _ *session.Context) (*routing.HandlerResult, error) {
	list := slots["list"]
	items := m.store.Items(list)
	return &routing.HandlerResult{
		Text: describe(list, items),
		Data: map[string]any{"list": list, "count": len(items)},
	}, nil
}

func (m *Module) clear(_ context.Context, slots routing.Slots, _ *session.Context) (*routing.HandlerResult, error) {
	list := slots["list"]
	n := m.store.Clear(list)
	return &routing.HandlerResult{
		Text:        fmt.Sprintf("Cleared your %s list (%d %s).", list, n, plural(n, "item")),
		Data:        map[string]any{"list": list, "count": 0},
		SideEffects: n > 0,
	}, nil
}

// expert summarizes the list named by the subtask, or every list.
func (m *Module) expert(ctx context.Context, task routing.Subtask) (*routing.ExpertResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	names := m.store.Names()
	list := task.Slots["list"]
	if list == "" {
		desc := " " + routing.Normalize(task.Description) + " "
		for _, name := range names {
			if strings.Contains(desc, " "+name+" ") {
				list = name
				break
			}
		}
	}
	if list != "" {
		items := m.store.Items(list)
		return &routing.ExpertResult{
			Text: describe(list, items),
			Data: map[string]any{"list": list, "count": len(items)},
		}, nil
	}

	if len(names) == 0 {
		return &routing.ExpertResult{Text: "All your lists are empty."}, nil
	}
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s (%s)", name, strings.Join(m.store.Items(name), ", ")))
	}
	return &routing.ExpertResult{
		Text: "Your lists: " + strings.Join(parts, "; ") + ".",
		Data: map[string]any{"lists": len(names)},
	}, nil
}

func describe(list string, items []string) string {
	if len(items) == 0 {
		return fmt.Sprintf("Your %s list is empty.", list)
	}
	return fmt.Sprintf("Your %s list has %d %s: %s.", list, len(items), plural(len(items), "item"), strings.Join(items, ", "))
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
