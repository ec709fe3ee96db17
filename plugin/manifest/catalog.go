package manifest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hrygo/divinesense-router/ai/routing"
)

// ExpertFunc executes a subtask for an expert declared in a manifest.
type ExpertFunc func(ctx context.Context, task routing.Subtask) (*routing.ExpertResult, error)

// Catalog maps stable handler ids to Go code. Manifests reference handlers
// only by id, so modules can be reloaded without recompiling.
type Catalog struct {
	mu       sync.RWMutex
	handlers map[string]routing.Handler
	experts  map[string]ExpertFunc
}

func NewCatalog() *Catalog {
	return &Catalog{
		handlers: make(map[string]routing.Handler),
		experts:  make(map[string]ExpertFunc),
	}
}

// RegisterHandler adds an intent handler under id.
func (c *Catalog) RegisterHandler(id string, h routing.Handler) error {
	if id == "" || h == nil {
		return fmt.Errorf("%w: handler id and handler are required", ErrInvalidManifest)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.handlers[id]; ok {
		return fmt.Errorf("%w: handler %s", routing.ErrDuplicateCapability, id)
	}
	c.handlers[id] = h
	return nil
}

// RegisterExpert adds an expert function under id.
func (c *Catalog) RegisterExpert(id string, fn ExpertFunc) error {
	if id == "" || fn == nil {
		return fmt.Errorf("%w: expert id and function are required", ErrInvalidManifest)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.experts[id]; ok {
		return fmt.Errorf("%w: expert %s", routing.ErrDuplicateCapability, id)
	}
	c.experts[id] = fn
	return nil
}

// Handler returns the handler registered under id.
func (c *Catalog) Handler(id string) (routing.Handler, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.handlers[id]
	return h, ok
}

// Expert returns the expert function registered under id.
func (c *Catalog) Expert(id string) (ExpertFunc, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn, ok := c.experts[id]
	return fn, ok
}

// IDs lists every registered id, sorted.
func (c *Catalog) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.handlers)+len(c.experts))
	for id := range c.handlers {
		ids = append(ids, id)
	}
	for id := range c.experts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Bind resolves every handler id of m. Nothing is registered.
func (c *Catalog) Bind(m *Manifest) ([]routing.HandlerBinding, routing.ExpertAdapter, error) {
	bindings := make([]routing.HandlerBinding, 0, len(m.Handlers))
	for _, ref := range m.Handlers {
		h, ok := c.Handler(ref.Handler)
		if !ok {
			return nil, nil, fmt.Errorf("%w: unknown handler %s for %s/%s", ErrInvalidManifest, ref.Handler, m.Domain, ref.Intent)
		}
		bindings = append(bindings, routing.HandlerBinding{
			Domain:     m.Domain,
			IntentName: ref.Intent,
			Handler:    h,
			Budget:     ref.Budget,
		})
	}

	var adapter routing.ExpertAdapter
	if m.Expert != nil {
		fn, ok := c.Expert(m.Expert.Handler)
		if !ok {
			return nil, nil, fmt.Errorf("%w: unknown expert %s for %s", ErrInvalidManifest, m.Expert.Handler, m.Domain)
		}
		adapter = &routing.Expert{
			Name:    m.Domain,
			Tags:    append([]string(nil), m.Expert.Tags...),
			Budget:  m.Expert.Timeout,
			InvokeF: fn,
		}
	}
	return bindings, adapter, nil
}
