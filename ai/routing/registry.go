package routing

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
)

// compiledIntent is an immutable, validated PatternDefinition.
type compiledIntent struct {
	def       PatternDefinition
	slots     map[string]*compiledSlot
	slotOrder []string
	required  []string
	variants  []*template
}

type domainEntry struct {
	name     string
	seq      int
	intents  []*compiledIntent
	byName   map[string]*compiledIntent
	handlers map[string]HandlerBinding
}

// patternIndex buckets template variants by their leading literal token.
// It is rebuilt on every registry write and never mutated afterwards.
type patternIndex struct {
	generation uint64
	buckets    map[string][]*template
	wildcard   []*template
}

// candidates returns the variants that can start with tokens[0], in
// declaration order.
func (ix *patternIndex) candidates(tokens []string) []*template {
	if len(tokens) == 0 {
		return nil
	}
	a, b := ix.buckets[tokens[0]], ix.wildcard
	out := make([]*template, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		if j >= len(b) || (i < len(a) && a[i].order < b[j].order) {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	return out
}

// Option configures a registration call.
type Option func(*registerOptions)

type registerOptions struct {
	replace bool
}

// WithReplace swaps out an existing registration instead of failing with
// ErrDuplicateCapability.
func WithReplace() Option {
	return func(o *registerOptions) { o.replace = true }
}

// CapabilityInfo describes one registered domain.
type CapabilityInfo struct {
	Domain  string   `json:"domain"`
	Intents []string `json:"intents,omitempty"`
	Expert  bool     `json:"expert"`
	Tags    []string `json:"tags,omitempty"`
}

// Registry holds pattern/handler bindings and expert adapters.
// Lookups take a read lock; registration takes the write lock, validates the
// whole module first and then swaps in a rebuilt index.
// Registry 保存模式与处理器的绑定以及专家适配器，写入时整体校验后原子替换索引。
type Registry struct {
	mu         sync.RWMutex
	domains    map[string]*domainEntry
	experts    map[string]ExpertAdapter
	expertSeq  map[string]int
	index      *patternIndex
	generation uint64
	nextSeq    int

	env    *cel.Env
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
// NewRegistry 创建一个空的注册表。
func NewRegistry(logger *slog.Logger) (*Registry, error) {
	env, err := newConstraintEnv()
	if err != nil {
		return nil, fmt.Errorf("create constraint env: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		domains:   make(map[string]*domainEntry),
		experts:   make(map[string]ExpertAdapter),
		expertSeq: make(map[string]int),
		env:       env,
		logger:    logger,
	}
	r.index = &patternIndex{buckets: map[string][]*template{}}
	return r, nil
}

// RegisterCapability validates and installs a capability module. Either the
// whole set becomes visible or none of it does.
func (r *Registry) RegisterCapability(domain string, patterns []PatternDefinition, handlers []HandlerBinding, opts ...Option) error {
	var o registerOptions
	for _, opt := range opts {
		opt(&o)
	}
	if domain == "" {
		return fmt.Errorf("%w: domain is required", ErrInvalidCapability)
	}

	intents, err := r.compilePatterns(domain, patterns)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, err := r.buildEntryLocked(domain, intents, handlers, o.replace)
	if err != nil {
		return err
	}
	r.commitEntryLocked(entry)
	r.rebuildLocked()

	r.logger.Info("capability registered",
		"domain", domain,
		"intents", len(intents),
		"handlers", len(handlers),
		"replace", o.replace,
		"generation", r.generation)
	return nil
}

// buildEntryLocked merges compiled intents and handlers into a new domain
// entry without touching the registry.
func (r *Registry) buildEntryLocked(domain string, intents []*compiledIntent, handlers []HandlerBinding, replace bool) (*domainEntry, error) {
	existing := r.domains[domain]
	entry := &domainEntry{
		name:     domain,
		byName:   make(map[string]*compiledIntent),
		handlers: make(map[string]HandlerBinding),
	}
	if existing != nil {
		entry.seq = existing.seq
	} else {
		entry.seq = r.nextSeq
	}
	if existing != nil && !replace {
		for _, ci := range existing.intents {
			entry.intents = append(entry.intents, ci)
			entry.byName[ci.def.IntentName] = ci
		}
		for k, b := range existing.handlers {
			entry.handlers[k] = b
		}
	}

	for _, ci := range intents {
		if _, dup := entry.byName[ci.def.IntentName]; dup {
			return nil, fmt.Errorf("%w: intent %s/%s", ErrDuplicateCapability, domain, ci.def.IntentName)
		}
		entry.intents = append(entry.intents, ci)
		entry.byName[ci.def.IntentName] = ci
	}

	seenHandlers := make(map[string]bool, len(handlers))
	for _, b := range handlers {
		if b.Domain == "" {
			b.Domain = domain
		}
		switch {
		case b.Domain != domain:
			return nil, fmt.Errorf("%w: handler for %s bound to domain %q, want %q", ErrInvalidCapability, b.IntentName, b.Domain, domain)
		case b.Handler == nil:
			return nil, fmt.Errorf("%w: handler for %s/%s is nil", ErrInvalidCapability, domain, b.IntentName)
		case entry.byName[b.IntentName] == nil:
			return nil, fmt.Errorf("%w: handler for %s/%s has no pattern", ErrInvalidCapability, domain, b.IntentName)
		case seenHandlers[b.IntentName]:
			return nil, fmt.Errorf("%w: handler %s/%s", ErrDuplicateCapability, domain, b.IntentName)
		}
		if _, dup := entry.handlers[b.IntentName]; dup {
			return nil, fmt.Errorf("%w: handler %s/%s", ErrDuplicateCapability, domain, b.IntentName)
		}
		seenHandlers[b.IntentName] = true
		entry.handlers[b.IntentName] = b
	}

	return entry, nil
}

func (r *Registry) commitEntryLocked(entry *domainEntry) {
	if existing := r.domains[entry.name]; existing == nil {
		r.nextSeq++
	}
	r.domains[entry.name] = entry
}

// Module is the full registration of one domain: its patterns with their
// handlers and an optional expert adapter.
type Module struct {
	Domain   string
	Patterns []PatternDefinition
	Handlers []HandlerBinding
	Expert   ExpertAdapter
}

// RegisterModule installs a module's patterns and expert in a single write,
// so readers see either the old module or the new one. Without WithReplace an
// existing domain fails with ErrDuplicateCapability. With it, patterns or an
// expert the module no longer declares are removed.
// RegisterModule 在一次写入中安装模块的模式与专家，读者不会看到新旧混合的模块。
func (r *Registry) RegisterModule(m Module, opts ...Option) error {
	var o registerOptions
	for _, opt := range opts {
		opt(&o)
	}
	if m.Domain == "" {
		return fmt.Errorf("%w: domain is required", ErrInvalidCapability)
	}
	if m.Expert != nil && m.Expert.Domain() != m.Domain {
		return fmt.Errorf("%w: expert for %q bound to domain %q", ErrInvalidCapability, m.Expert.Domain(), m.Domain)
	}
	if len(m.Patterns) == 0 && m.Expert == nil {
		return fmt.Errorf("%w: module %s declares no patterns and no expert", ErrInvalidCapability, m.Domain)
	}

	intents, err := r.compilePatterns(m.Domain, m.Patterns)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, hasPatterns := r.domains[m.Domain]
	_, hasExpert := r.experts[m.Domain]
	if !o.replace && (hasPatterns || hasExpert) {
		return fmt.Errorf("%w: domain %s", ErrDuplicateCapability, m.Domain)
	}

	var entry *domainEntry
	if len(intents) > 0 {
		if entry, err = r.buildEntryLocked(m.Domain, intents, m.Handlers, true); err != nil {
			return err
		}
	} else if len(m.Handlers) > 0 {
		return fmt.Errorf("%w: module %s binds handlers without patterns", ErrInvalidCapability, m.Domain)
	}

	// Validated; nothing below can fail.
	if entry != nil {
		r.commitEntryLocked(entry)
	} else {
		delete(r.domains, m.Domain)
	}
	if m.Expert != nil {
		if _, exists := r.expertSeq[m.Domain]; !exists {
			r.expertSeq[m.Domain] = r.nextSeq
			r.nextSeq++
		}
		r.experts[m.Domain] = m.Expert
	} else {
		delete(r.experts, m.Domain)
		delete(r.expertSeq, m.Domain)
	}
	r.rebuildLocked()

	r.logger.Info("module registered",
		"domain", m.Domain,
		"intents", len(intents),
		"handlers", len(m.Handlers),
		"expert", m.Expert != nil,
		"replace", o.replace,
		"generation", r.generation)
	return nil
}

// compilePatterns runs outside the lock; it only reads the immutable env.
func (r *Registry) compilePatterns(domain string, patterns []PatternDefinition) ([]*compiledIntent, error) {
	seen := make(map[string]bool, len(patterns))
	out := make([]*compiledIntent, 0, len(patterns))
	for _, p := range patterns {
		if p.Domain == "" {
			p.Domain = domain
		}
		if p.Domain != domain {
			return nil, fmt.Errorf("%w: pattern %s declares domain %q, want %q", ErrInvalidPattern, p.IntentName, p.Domain, domain)
		}
		if p.IntentName == "" {
			return nil, fmt.Errorf("%w: intent name is required", ErrInvalidPattern)
		}
		if seen[p.IntentName] {
			return nil, fmt.Errorf("%w: intent %s/%s declared twice", ErrDuplicateCapability, domain, p.IntentName)
		}
		seen[p.IntentName] = true
		if len(p.Templates) == 0 {
			return nil, fmt.Errorf("%w: intent %s/%s has no templates", ErrInvalidPattern, domain, p.IntentName)
		}

		ci := &compiledIntent{def: p, slots: make(map[string]*compiledSlot, len(p.Slots))}
		for _, spec := range p.Slots {
			if _, dup := ci.slots[spec.Name]; dup {
				return nil, fmt.Errorf("%w: intent %s/%s declares slot %q twice", ErrInvalidPattern, domain, p.IntentName, spec.Name)
			}
			cs, err := compileSlot(r.env, spec)
			if err != nil {
				return nil, fmt.Errorf("intent %s/%s: %w", domain, p.IntentName, err)
			}
			ci.slots[spec.Name] = cs
			ci.slotOrder = append(ci.slotOrder, spec.Name)
			if spec.Required {
				ci.required = append(ci.required, spec.Name)
			}
		}
		for _, raw := range p.Templates {
			t, err := compileTemplate(raw, ci.slots)
			if err != nil {
				return nil, fmt.Errorf("intent %s/%s: %w", domain, p.IntentName, err)
			}
			t.intent = ci
			ci.variants = append(ci.variants, t)
		}
		out = append(out, ci)
	}
	return out, nil
}

// RegisterExpert installs the expert adapter of a domain.
func (r *Registry) RegisterExpert(adapter ExpertAdapter, opts ...Option) error {
	var o registerOptions
	for _, opt := range opts {
		opt(&o)
	}
	if adapter == nil || adapter.Domain() == "" {
		return fmt.Errorf("%w: expert adapter needs a domain", ErrInvalidCapability)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	domain := adapter.Domain()
	if _, exists := r.experts[domain]; exists && !o.replace {
		return fmt.Errorf("%w: expert %s", ErrDuplicateCapability, domain)
	}
	if _, exists := r.expertSeq[domain]; !exists {
		r.expertSeq[domain] = r.nextSeq
		r.nextSeq++
	}
	r.experts[domain] = adapter
	r.generation++
	r.index = r.buildIndex()

	r.logger.Info("expert registered", "domain", domain, "tags", adapter.CapabilityTags(), "generation", r.generation)
	return nil
}

// UnregisterExpert removes a domain's expert adapter.
func (r *Registry) UnregisterExpert(domain string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.experts[domain]; !ok {
		return fmt.Errorf("%w: expert %s", ErrNotFound, domain)
	}
	delete(r.experts, domain)
	delete(r.expertSeq, domain)
	r.generation++
	r.index = r.buildIndex()
	r.logger.Info("expert unregistered", "domain", domain, "generation", r.generation)
	return nil
}

// Unregister removes a domain's patterns and handlers. In-flight invocations
// keep the binding they already resolved.
func (r *Registry) Unregister(domain string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.domains[domain]; !ok {
		return fmt.Errorf("%w: domain %s", ErrNotFound, domain)
	}
	delete(r.domains, domain)
	r.rebuildLocked()
	r.logger.Info("capability unregistered", "domain", domain, "generation", r.generation)
	return nil
}

// UnregisterIntent removes one intent and its handler.
func (r *Registry) UnregisterIntent(domain, intentName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.domains[domain]
	if !ok || old.byName[intentName] == nil {
		return fmt.Errorf("%w: intent %s/%s", ErrNotFound, domain, intentName)
	}

	entry := &domainEntry{
		name:     domain,
		seq:      old.seq,
		byName:   make(map[string]*compiledIntent, len(old.byName)),
		handlers: make(map[string]HandlerBinding, len(old.handlers)),
	}
	for _, ci := range old.intents {
		if ci.def.IntentName == intentName {
			continue
		}
		entry.intents = append(entry.intents, ci)
		entry.byName[ci.def.IntentName] = ci
	}
	for k, b := range old.handlers {
		if k != intentName {
			entry.handlers[k] = b
		}
	}
	if len(entry.intents) == 0 {
		delete(r.domains, domain)
	} else {
		r.domains[domain] = entry
	}
	r.rebuildLocked()
	r.logger.Info("intent unregistered", "domain", domain, "intent", intentName, "generation", r.generation)
	return nil
}

// Lookup finds the handler binding of an intent in any domain. When several
// domains declare the same intent name the earliest registered wins; use
// LookupIn to be explicit.
func (r *Registry) Lookup(intentName string) (HandlerBinding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var (
		found HandlerBinding
		seq   = -1
	)
	for _, d := range r.domains {
		if b, ok := d.handlers[intentName]; ok && (seq < 0 || d.seq < seq) {
			found, seq = b, d.seq
		}
	}
	if seq < 0 {
		return HandlerBinding{}, fmt.Errorf("%w: intent %s", ErrNotFound, intentName)
	}
	return found, nil
}

// LookupIn finds the handler binding of an intent within a domain.
func (r *Registry) LookupIn(domain, intentName string) (HandlerBinding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.domains[domain]; ok {
		if b, ok := d.handlers[intentName]; ok {
			return b, nil
		}
	}
	return HandlerBinding{}, fmt.Errorf("%w: intent %s/%s", ErrNotFound, domain, intentName)
}

// Adapter returns the expert adapter of a domain.
func (r *Registry) Adapter(domain string) (ExpertAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.experts[domain]
	if !ok {
		return nil, fmt.Errorf("%w: expert %s", ErrNotFound, domain)
	}
	return a, nil
}

// ListAdapters returns expert adapters in registration order.
func (r *Registry) ListAdapters() []ExpertAdapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ExpertAdapter, 0, len(r.experts))
	for _, a := range r.experts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		return r.expertSeq[out[i].Domain()] < r.expertSeq[out[j].Domain()]
	})
	return out
}

// HasDomain reports whether a domain has patterns or an expert adapter.
func (r *Registry) HasDomain(domain string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, p := r.domains[domain]
	_, e := r.experts[domain]
	return p || e
}

// Capabilities lists registered domains sorted by name.
func (r *Registry) Capabilities() []CapabilityInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byDomain := make(map[string]*CapabilityInfo)
	get := func(d string) *CapabilityInfo {
		if info, ok := byDomain[d]; ok {
			return info
		}
		info := &CapabilityInfo{Domain: d}
		byDomain[d] = info
		return info
	}
	for name, d := range r.domains {
		info := get(name)
		for _, ci := range d.intents {
			info.Intents = append(info.Intents, ci.def.IntentName)
		}
	}
	for name, a := range r.experts {
		info := get(name)
		info.Expert = true
		info.Tags = append([]string(nil), a.CapabilityTags()...)
	}

	out := make([]CapabilityInfo, 0, len(byDomain))
	for _, info := range byDomain {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

// Patterns returns the definitions registered for a domain.
func (r *Registry) Patterns(domain string) []PatternDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.domains[domain]
	if !ok {
		return nil
	}
	out := make([]PatternDefinition, 0, len(d.intents))
	for _, ci := range d.intents {
		out = append(out, ci.def)
	}
	return out
}

// Generation increases on every registry write.
func (r *Registry) Generation() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generation
}

// snapshot returns the current immutable index.
func (r *Registry) snapshot() *patternIndex {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.index
}

func (r *Registry) rebuildLocked() {
	r.generation++
	r.index = r.buildIndex()
}

// buildIndex lays out variants in declaration order: domain registration
// order, then intent order, then template order.
func (r *Registry) buildIndex() *patternIndex {
	domains := make([]*domainEntry, 0, len(r.domains))
	for _, d := range r.domains {
		domains = append(domains, d)
	}
	sort.Slice(domains, func(i, j int) bool { return domains[i].seq < domains[j].seq })

	ix := &patternIndex{generation: r.generation, buckets: make(map[string][]*template)}
	order := 0
	for _, d := range domains {
		for _, ci := range d.intents {
			for _, t := range ci.variants {
				// Templates are shared across index generations; order is
				// rewritten on a copy.
				v := *t
				v.order = order
				order++
				if v.leading == nil {
					ix.wildcard = append(ix.wildcard, &v)
					continue
				}
				for _, key := range dedupe(v.leading) {
					ix.buckets[key] = append(ix.buckets[key], &v)
				}
			}
		}
	}
	return ix
}

func dedupe(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := keys[:0:0]
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}
