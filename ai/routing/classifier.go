package routing

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// DefaultTier1Threshold is the minimum confidence for accepting a Tier 1 match.
const DefaultTier1Threshold = 0.75

// Scoring weights.
const (
	dominantPenalty  = 0.95
	ambiguousPenalty = 0.6
	defaultedWeight  = 0.85
)

// Candidate is the best match of one intent for an utterance.
type Candidate struct {
	Intent      *ResolvedIntent
	Template    string
	LiteralOnly bool
	Literals    int
	Captured    int
	Defaulted   []string
	Missing     []string
	Specificity float64

	order int
	fill  float64
	ci    *compiledIntent
}

// Classification is the Tier 0/1 outcome for one utterance. Best is set
// whenever at least one pattern matched; Accepted says whether it can be
// executed without further resolution.
type Classification struct {
	Normalized string
	Best       *ResolvedIntent
	Candidates []Candidate
	Accepted   bool
	// Missing lists required slots of Best that were not filled.
	Missing    []string
	Generation uint64

	timeSensitive bool
}

// Inconclusive reports whether a match exists but was not accepted.
func (c *Classification) Inconclusive() bool {
	return c != nil && c.Best != nil && !c.Accepted
}

func (c *Classification) clone() *Classification {
	if c == nil {
		return nil
	}
	out := *c
	out.Best = c.Best.Clone()
	out.Missing = append([]string(nil), c.Missing...)
	out.Candidates = make([]Candidate, len(c.Candidates))
	for i, cand := range c.Candidates {
		cand.Intent = cand.Intent.Clone()
		cand.Defaulted = append([]string(nil), cand.Defaulted...)
		cand.Missing = append([]string(nil), cand.Missing...)
		out.Candidates[i] = cand
	}
	return &out
}

// ClassifierConfig configures a Classifier.
type ClassifierConfig struct {
	Threshold float64       // Tier 1 acceptance threshold (default: 0.75)
	CacheSize int           // Cached classifications (default: 1024, <0 disables)
	CacheTTL  time.Duration // Cache entry lifetime (default: 5m)
	Now       func() time.Time
	Metrics   CacheMetrics
	Logger    *slog.Logger
}

// CacheMetrics counts classification cache lookups.
type CacheMetrics interface {
	RecordCacheHit(cacheType string)
	RecordCacheMiss(cacheType string)
}

// Classifier resolves utterances against the registry's compiled templates.
// Classifier 使用注册表中已编译的模板对输入进行 Tier 0/1 分类。
type Classifier struct {
	registry  *Registry
	threshold float64
	cache     *ClassificationCache
	now       func() time.Time
	metrics   CacheMetrics
	logger    *slog.Logger
}

// NewClassifier creates a classifier over registry.
// NewClassifier 基于注册表创建分类器。
func NewClassifier(registry *Registry, cfg ClassifierConfig) *Classifier {
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		cfg.Threshold = DefaultTier1Threshold
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Classifier{
		registry:  registry,
		threshold: cfg.Threshold,
		now:       cfg.Now,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
	}
	if cfg.CacheSize >= 0 {
		c.cache = NewClassificationCache(cfg.CacheSize, cfg.CacheTTL)
	}
	return c
}

// Threshold returns the Tier 1 acceptance threshold.
func (c *Classifier) Threshold() float64 {
	return c.threshold
}

// Now returns the classifier clock.
func (c *Classifier) Now() time.Time {
	return c.now()
}

// Cache returns the classification cache, nil when disabled.
func (c *Classifier) Cache() *ClassificationCache {
	return c.cache
}

// Classify matches utterance against every candidate template. It returns
// ErrNoMatch when nothing matches; otherwise the classification, accepted
// or not.
func (c *Classifier) Classify(ctx context.Context, utterance string) (*Classification, error) {
	start := time.Now()
	tokens := Tokenize(utterance)
	if len(tokens) == 0 {
		return nil, ErrNoMatch
	}
	normalized := strings.Join(tokens, " ")
	ix := c.registry.snapshot()

	if c.cache != nil {
		cached, ok := c.cache.Get(ix.generation, normalized)
		c.observeCache(ok)
		if ok {
			if cached.Best == nil {
				return nil, ErrNoMatch
			}
			return cached, nil
		}
	}

	cls := c.classifyTokens(ix, tokens)
	cls.Normalized = normalized
	if c.cache != nil && !cls.timeSensitive {
		c.cache.Put(ix.generation, normalized, cls)
	}

	if cls.Best == nil {
		c.logger.DebugContext(ctx, "no pattern matched",
			"utterance", truncate(normalized, 80),
			"latency_ms", time.Since(start).Milliseconds())
		return nil, ErrNoMatch
	}
	c.logger.DebugContext(ctx, "intent classified",
		"intent", cls.Best.IntentName,
		"domain", cls.Best.Domain,
		"tier", cls.Best.Tier,
		"confidence", cls.Best.Confidence,
		"accepted", cls.Accepted,
		"candidates", len(cls.Candidates),
		"latency_ms", time.Since(start).Milliseconds())
	return cls, nil
}

func (c *Classifier) classifyTokens(ix *patternIndex, tokens []string) *Classification {
	now := c.now()
	cls := &Classification{Generation: ix.generation}

	perIntent := make(map[*compiledIntent]*Candidate)
	var order []*compiledIntent
	for _, t := range ix.candidates(tokens) {
		m, ok := t.match(tokens, now)
		if !ok {
			continue
		}
		cand := &Candidate{
			Template:    t.raw,
			LiteralOnly: t.literalOnly,
			Literals:    m.literals,
			Captured:    len(m.slots),
			order:       t.order,
			ci:          t.intent,
			Intent: &ResolvedIntent{
				IntentName: t.intent.def.IntentName,
				Domain:     t.intent.def.Domain,
				Slots:      Slots(m.slots),
			},
		}
		prev, seen := perIntent[t.intent]
		if !seen {
			order = append(order, t.intent)
		}
		if !seen || outranks(cand, prev) {
			perIntent[t.intent] = cand
		}
		for name := range m.slots {
			if t.intent.slots[name].Type == SlotDateTime {
				cls.timeSensitive = true
			}
		}
	}
	if len(perIntent) == 0 {
		return cls
	}

	cands := make([]*Candidate, 0, len(perIntent))
	for _, ci := range order {
		cand := perIntent[ci]
		if fillSlots(ci, cand, now) {
			cls.timeSensitive = true
		}
		cands = append(cands, cand)
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if outranks(cands[i], cands[j]) {
			return true
		}
		if outranks(cands[j], cands[i]) {
			return false
		}
		return cands[i].order < cands[j].order
	})

	best := cands[0]
	dominant := len(cands) == 1 || outranks(best, cands[1])
	for i, cand := range cands {
		penalty := ambiguousPenalty
		if i == 0 && dominant {
			penalty = dominantPenalty
		}
		cand.Intent.Confidence = round4(cand.Specificity * cand.fill * penalty)
		cand.Intent.Tier = 1
	}

	if len(cands) == 1 && len(best.Missing) == 0 && len(best.Defaulted) == 0 {
		best.Intent.Confidence = 1.0
		best.Intent.Tier = 0
		cls.Accepted = true
	} else {
		cls.Accepted = len(best.Missing) == 0 && best.Intent.Confidence >= c.threshold
	}

	cls.Best = best.Intent.Clone()
	cls.Missing = append([]string(nil), best.Missing...)
	cls.Candidates = make([]Candidate, len(cands))
	for i, cand := range cands {
		cls.Candidates[i] = *cand
	}
	return cls
}

// fillSlots applies defaults and computes specificity and fill ratio. It
// reports whether a datetime default was resolved against now.
func fillSlots(ci *compiledIntent, cand *Candidate, now time.Time) (timeSensitive bool) {
	for _, name := range ci.slotOrder {
		spec := ci.slots[name]
		if _, ok := cand.Intent.Slots[name]; ok || spec.Default == "" {
			continue
		}
		v := spec.Default
		if spec.Type == SlotDateTime {
			resolved, ok := spec.resolveDefault(now)
			if !ok {
				continue
			}
			v, timeSensitive = resolved, true
		}
		cand.Intent.Slots[name] = v
		cand.Defaulted = append(cand.Defaulted, name)
	}

	capturedRequired, defaultedRequired := 0, 0
	for _, name := range ci.required {
		switch {
		case contains(cand.Defaulted, name):
			defaultedRequired++
		case cand.Intent.Slots[name] != "":
			capturedRequired++
		default:
			cand.Missing = append(cand.Missing, name)
		}
	}

	cand.fill = 1.0
	if n := len(ci.required); n > 0 {
		cand.fill = (float64(capturedRequired) + defaultedWeight*float64(defaultedRequired)) / float64(n)
	}
	cand.Specificity = specificity(cand.LiteralOnly, cand.Literals, cand.Captured)
	return timeSensitive
}

func specificity(literalOnly bool, literals, captured int) float64 {
	if literalOnly {
		return 1.0
	}
	return 0.6 + 0.4*float64(literals)/float64(literals+captured)
}

// outranks orders matches: literal-only before templated, then more literal
// tokens. Equal ranks fall back to declaration order.
func outranks(a, b *Candidate) bool {
	if a.LiteralOnly != b.LiteralOnly {
		return a.LiteralOnly
	}
	return a.Literals > b.Literals
}

// complete fills missing required slots of a candidate from outside values
// and rescores it as a dominant match. It reports false if a value fails the
// slot's constraint or a required slot is still empty.
func (c *Classifier) complete(cand Candidate, fill map[string]string) (*ResolvedIntent, bool) {
	ci := cand.ci
	if ci == nil {
		return nil, false
	}

	ri := cand.Intent.Clone()
	captured := cand.Captured
	for _, name := range cand.Missing {
		v, ok := fill[name]
		if !ok || v == "" || !ci.slots[name].accepts(v) {
			return nil, false
		}
		ri.Slots[name] = v
		captured++
	}

	fillRatio := 1.0
	if n := len(ci.required); n > 0 {
		defaulted := 0
		for _, name := range ci.required {
			if contains(cand.Defaulted, name) {
				defaulted++
			}
		}
		fillRatio = (float64(n-defaulted) + defaultedWeight*float64(defaulted)) / float64(n)
	}
	ri.Confidence = round4(specificity(cand.LiteralOnly, cand.Literals, captured) * fillRatio * dominantPenalty)
	return ri, true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func round4(f float64) float64 {
	return float64(int64(f*10000+0.5)) / 10000
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func (c *Classifier) observeCache(hit bool) {
	if c.metrics == nil {
		return
	}
	if hit {
		c.metrics.RecordCacheHit("classification")
	} else {
		c.metrics.RecordCacheMiss("classification")
	}
}
