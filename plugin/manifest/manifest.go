// Package manifest loads capability modules from YAML manifests and binds
// them to Go handlers by stable string id.
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hrygo/divinesense-router/ai/routing"
	"github.com/hrygo/divinesense-router/internal/version"
)

// ErrInvalidManifest is returned for manifests that cannot be applied.
var ErrInvalidManifest = errors.New("invalid manifest")

// Manifest declares one capability module.
//
//	domain: lists
//	patterns:
//	  - intent: ListAdd
//	    templates: ["add {item} to [my|the] {list} list"]
//	    slots: [{name: item, type: text, required: true}]
//	handlers:
//	  - intent: ListAdd
//	    handler: lists.add
//	    budget: 500ms
//	expert:
//	  handler: lists.expert
//	  tags: [shopping list]
//	  timeout: 5s
type Manifest struct {
	Domain     string                      `yaml:"domain"`
	MinVersion string                      `yaml:"min_version,omitempty"`
	Patterns   []routing.PatternDefinition `yaml:"patterns,omitempty"`
	Handlers   []HandlerRef                `yaml:"handlers,omitempty"`
	Expert     *ExpertRef                  `yaml:"expert,omitempty"`
}

// HandlerRef binds an intent to a catalog handler.
type HandlerRef struct {
	Intent  string        `yaml:"intent"`
	Handler string        `yaml:"handler"`
	Budget  time.Duration `yaml:"budget,omitempty"`
}

// ExpertRef declares the domain's expert adapter.
type ExpertRef struct {
	Handler string        `yaml:"handler"`
	Tags    []string      `yaml:"tags"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// Parse decodes a manifest. Unknown fields are rejected.
func Parse(data []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: parse yaml: %v", ErrInvalidManifest, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the manifest's structure. Template compilation is left to
// the registry, which validates the module atomically.
func (m *Manifest) Validate() error {
	if m.Domain == "" {
		return fmt.Errorf("%w: domain is required", ErrInvalidManifest)
	}
	if !version.Satisfies(m.MinVersion) {
		return fmt.Errorf("%w: %s requires version %s, running %s", ErrInvalidManifest, m.Domain, m.MinVersion, version.Version)
	}
	if len(m.Patterns) == 0 && m.Expert == nil {
		return fmt.Errorf("%w: %s declares neither patterns nor an expert", ErrInvalidManifest, m.Domain)
	}

	intents := make(map[string]bool, len(m.Patterns))
	for _, p := range m.Patterns {
		if p.Domain != "" && p.Domain != m.Domain {
			return fmt.Errorf("%w: pattern %s belongs to domain %s", ErrInvalidManifest, p.IntentName, p.Domain)
		}
		intents[p.IntentName] = true
	}
	bound := make(map[string]bool, len(m.Handlers))
	for _, h := range m.Handlers {
		if h.Handler == "" {
			return fmt.Errorf("%w: intent %s has no handler id", ErrInvalidManifest, h.Intent)
		}
		if !intents[h.Intent] {
			return fmt.Errorf("%w: handler %s references unknown intent %s", ErrInvalidManifest, h.Handler, h.Intent)
		}
		if bound[h.Intent] {
			return fmt.Errorf("%w: intent %s bound twice", ErrInvalidManifest, h.Intent)
		}
		if h.Budget < 0 {
			return fmt.Errorf("%w: intent %s has a negative budget", ErrInvalidManifest, h.Intent)
		}
		bound[h.Intent] = true
	}
	if m.Expert != nil {
		if m.Expert.Handler == "" {
			return fmt.Errorf("%w: expert of %s has no handler id", ErrInvalidManifest, m.Domain)
		}
		if len(m.Expert.Tags) == 0 {
			return fmt.Errorf("%w: expert of %s declares no tags", ErrInvalidManifest, m.Domain)
		}
		if m.Expert.Timeout < 0 {
			return fmt.Errorf("%w: expert of %s has a negative timeout", ErrInvalidManifest, m.Domain)
		}
	}
	return nil
}
