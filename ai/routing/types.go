// Package routing maps utterances to registered intents.
//
// A Registry holds capability modules (pattern definitions plus handler
// bindings) and expert adapters. The Classifier resolves utterances against
// the registry's compiled templates (Tier 0/1), the Resolver uses session
// context for referential requests (Tier 2), and the Executor invokes the
// bound handler under a deadline.
package routing

import (
	"context"
	"strconv"
	"time"

	"github.com/hrygo/divinesense-router/ai/session"
)

// SlotType selects how a slot captures tokens.
type SlotType string

const (
	SlotText     SlotType = "text"
	SlotEnum     SlotType = "enum"
	SlotNumber   SlotType = "number"
	SlotDateTime SlotType = "datetime"
)

// SlotSpec declares a named slot of an intent.
type SlotSpec struct {
	Name     string   `yaml:"name" json:"name"`
	Type     SlotType `yaml:"type" json:"type"`
	Required bool     `yaml:"required,omitempty" json:"required,omitempty"`
	Default  string   `yaml:"default,omitempty" json:"default,omitempty"`
	// Values lists the accepted phrases of an enum slot.
	Values []string `yaml:"values,omitempty" json:"values,omitempty"`
	// Constraint is a CEL boolean expression over the string variable value.
	Constraint string `yaml:"constraint,omitempty" json:"constraint,omitempty"`
}

// PatternDefinition declares one intent of a domain and the templates that
// express it. Templates use literal words, {slot} placeholders, [optional|alt]
// groups and (required|choice) groups.
type PatternDefinition struct {
	Domain     string     `yaml:"domain,omitempty" json:"domain"`
	IntentName string     `yaml:"intent" json:"intent_name"`
	Templates  []string   `yaml:"templates" json:"templates"`
	Slots      []SlotSpec `yaml:"slots,omitempty" json:"slots,omitempty"`
	Examples   []string   `yaml:"examples,omitempty" json:"examples,omitempty"`
}

// Slots holds normalized slot values: datetimes as RFC3339, numbers as
// decimal strings.
type Slots map[string]string

// Clone returns a copy that is safe to mutate.
func (s Slots) Clone() Slots {
	if s == nil {
		return Slots{}
	}
	out := make(Slots, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Int parses a number slot.
func (s Slots) Int(name string) (int64, bool) {
	v, ok := s[name]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Time parses a datetime slot.
func (s Slots) Time(name string) (time.Time, bool) {
	v, ok := s[name]
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// ResolvedIntent is the outcome of Tier 0/1/2 resolution for one request.
type ResolvedIntent struct {
	IntentName string  `json:"intent_name"`
	Domain     string  `json:"domain"`
	Slots      Slots   `json:"slots"`
	Confidence float64 `json:"confidence"`
	Tier       int     `json:"tier"`
}

// Clone returns a deep copy.
func (r *ResolvedIntent) Clone() *ResolvedIntent {
	if r == nil {
		return nil
	}
	c := *r
	c.Slots = r.Slots.Clone()
	return &c
}

// HandlerResult is what a handler returns before normalization.
type HandlerResult struct {
	Text        string
	Data        map[string]any
	SideEffects bool
}

// Handler performs one intent.
type Handler interface {
	Invoke(ctx context.Context, slots Slots, sess *session.Context) (*HandlerResult, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, slots Slots, sess *session.Context) (*HandlerResult, error)

// Invoke calls f.
func (f HandlerFunc) Invoke(ctx context.Context, slots Slots, sess *session.Context) (*HandlerResult, error) {
	return f(ctx, slots, sess)
}

// HandlerBinding binds an intent to its handler. Budget of zero selects the
// executor default.
type HandlerBinding struct {
	Domain     string
	IntentName string
	Handler    Handler
	Budget     time.Duration
}

// Subtask is one unit of orchestrated work handed to an expert adapter.
type Subtask struct {
	ID          string
	Domain      string
	Description string
	Slots       Slots
	// Upstream holds results of the task's dependencies keyed by task id.
	Upstream map[string]string
}

// ExpertResult is an expert adapter's answer to a subtask.
type ExpertResult struct {
	Text string
	Data map[string]any
}

// ExpertAdapter executes subtasks for one domain. Timeout of zero selects
// the orchestrator default. Invoke must honor ctx cancellation.
type ExpertAdapter interface {
	Domain() string
	CapabilityTags() []string
	Timeout() time.Duration
	Invoke(ctx context.Context, task Subtask) (*ExpertResult, error)
}

// Expert is a function-backed ExpertAdapter.
type Expert struct {
	Name    string
	Tags    []string
	Budget  time.Duration
	InvokeF func(ctx context.Context, task Subtask) (*ExpertResult, error)
}

func (e *Expert) Domain() string           { return e.Name }
func (e *Expert) CapabilityTags() []string { return e.Tags }
func (e *Expert) Timeout() time.Duration   { return e.Budget }

func (e *Expert) Invoke(ctx context.Context, task Subtask) (*ExpertResult, error) {
	return e.InvokeF(ctx, task)
}
