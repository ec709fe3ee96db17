// Package home is the built-in smart-home module. Device actions are
// forwarded to an automation webhook when one is configured.
package home

import (
	"context"
	_ "embed"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hrygo/divinesense-router/ai/routing"
	"github.com/hrygo/divinesense-router/ai/session"
	"github.com/hrygo/divinesense-router/plugin/manifest"
	"github.com/hrygo/divinesense-router/plugin/webhook"
)

//go:embed manifest.yaml
var manifestYAML []byte

const thermostat = "thermostat"

// Config selects where device actions are sent. An empty WebhookURL keeps
// state locally only.
type Config struct {
	WebhookURL    string
	WebhookSecret string
	HTTPClient    *http.Client
}

// Module tracks device state and forwards actions.
type Module struct {
	hook *webhook.Client

	mu      sync.RWMutex
	devices map[string]string
}

func New(cfg Config) *Module {
	m := &Module{devices: make(map[string]string)}
	if cfg.WebhookURL != "" {
		m.hook = webhook.NewClient(cfg.WebhookURL, cfg.WebhookSecret, cfg.HTTPClient)
	}
	return m
}

func (m *Module) Name() string     { return "home" }
func (m *Module) Manifest() []byte { return manifestYAML }

// Register adds the module's handler ids to the catalog.
func (m *Module) Register(c *manifest.Catalog) error {
	handlers := map[string]routing.HandlerFunc{
		"home.switch":     m.switchDevice,
		"home.thermostat": m.setThermostat,
		"home.status":     m.status,
	}
	for id, h := range handlers {
		if err := c.RegisterHandler(id, h); err != nil {
			return err
		}
	}
	return c.RegisterExpert("home.expert", m.expert)
}

func (m *Module) switchDevice(ctx context.Context, slots routing.Slots, sess *session.Context) (*routing.HandlerResult, error) {
	device, state := slots["device"], slots["state"]
	if err := m.forward(ctx, sess, "switch", device, state); err != nil {
		return nil, err
	}
	m.set(device, state)
	return &routing.HandlerResult{
		Text:        fmt.Sprintf("Turned %s the %s.", state, device),
		Data:        map[string]any{"device": device, "state": state},
		SideEffects: true,
	}, nil
}

func (m *Module) setThermostat(ctx context.Context, slots routing.Slots, sess *session.Context) (*routing.HandlerResult, error) {
	temp := slots["temperature"]
	if err := m.forward(ctx, sess, "set", thermostat, temp); err != nil {
		return nil, err
	}
	m.set(thermostat, temp)
	return &routing.HandlerResult{
		Text:        fmt.Sprintf("Set the thermostat to %s°C.", temp),
		Data:        map[string]any{"device": thermostat, "temperature": temp},
		SideEffects: true,
	}, nil
}

func (m *Module) status(_ context.Context, slots routing.Slots, _ *session.Context) (*routing.HandlerResult, error) {
	device := slots["device"]
	state, ok := m.get(device)
	if !ok {
		return &routing.HandlerResult{Text: fmt.Sprintf("I haven't controlled the %s yet.", device)}, nil
	}
	return &routing.HandlerResult{
		Text: fmt.Sprintf("The %s is %s.", device, state),
		Data: map[string]any{"device": device, "state": state},
	}, nil
}

// expert reports every known device state.
func (m *Module) expert(ctx context.Context, _ routing.Subtask) (*routing.ExpertResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	names := make([]string, 0, len(m.devices))
	for name := range m.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		if name == thermostat {
			parts = append(parts, fmt.Sprintf("the thermostat is set to %s°C", m.devices[name]))
			continue
		}
		parts = append(parts, fmt.Sprintf("the %s is %s", name, m.devices[name]))
	}
	m.mu.RUnlock()

	if len(parts) == 0 {
		return &routing.ExpertResult{Text: "No devices have been controlled yet."}, nil
	}
	text := strings.Join(parts, ", ")
	return &routing.ExpertResult{
		Text: strings.ToUpper(text[:1]) + text[1:] + ".",
		Data: map[string]any{"devices": len(parts)},
	}, nil
}

func (m *Module) forward(ctx context.Context, sess *session.Context, action, target, value string) error {
	if m.hook == nil {
		return nil
	}
	p := &webhook.Payload{
		Domain:    m.Name(),
		Action:    action,
		Target:    target,
		Value:     value,
		Timestamp: time.Now().Unix(),
	}
	if sess != nil {
		p.SessionID = sess.ID
	}
	return m.hook.Send(ctx, p)
}

func (m *Module) set(device, state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[device] = state
}

func (m *Module) get(device string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.devices[device]
	return s, ok
}
