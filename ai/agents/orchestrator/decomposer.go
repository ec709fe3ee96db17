package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hrygo/divinesense-router/ai/routing"
)

// Plan sources.
const (
	SourceFastPath = "fast_path"
	SourcePlanner  = "planner"
)

// conjunctions split compound requests, longest first. Sequencing ones make
// the following clause depend on the previous one.
var conjunctions = []struct {
	words      []string
	sequential bool
}{
	{[]string{"and", "also"}, false},
	{[]string{"and", "then"}, true},
	{[]string{"after", "that"}, true},
	{[]string{"then"}, true},
	{[]string{"also"}, false},
	{[]string{"and"}, false},
}

type clause struct {
	text       string
	sequential bool
}

// splitClauses splits a request on separators and conjunctions.
func splitClauses(request string) []clause {
	var out []clause
	sequential := false
	segments := strings.FieldsFunc(request, func(r rune) bool { return r == ';' || r == ',' })
	for _, seg := range segments {
		tokens := routing.Tokenize(seg)
		var cur []string
		flush := func() {
			if len(cur) > 0 {
				out = append(out, clause{text: strings.Join(cur, " "), sequential: sequential})
				cur = nil
				sequential = false
			}
		}
		for i := 0; i < len(tokens); {
			n, seq := conjunctionAt(tokens, i)
			if n == 0 {
				cur = append(cur, tokens[i])
				i++
				continue
			}
			flush()
			sequential = sequential || seq
			i += n
		}
		flush()
	}
	return out
}

func conjunctionAt(tokens []string, i int) (int, bool) {
	for _, c := range conjunctions {
		if i+len(c.words) > len(tokens) {
			continue
		}
		match := true
		for j, w := range c.words {
			if tokens[i+j] != w {
				match = false
				break
			}
		}
		if match {
			return len(c.words), c.sequential
		}
	}
	return 0, false
}

// Decomposer turns a request into a validated task DAG.
type Decomposer struct {
	registry   *routing.Registry
	classifier *routing.Classifier
	planner    Planner
	logger     *slog.Logger
}

// NewDecomposer creates a decomposer. classifier and planner may be nil.
func NewDecomposer(registry *routing.Registry, classifier *routing.Classifier, planner Planner, logger *slog.Logger) *Decomposer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decomposer{registry: registry, classifier: classifier, planner: planner, logger: logger}
}

// Decompose tries the fast path first and falls back to the planner.
func (d *Decomposer) Decompose(ctx context.Context, request string) (*Plan, error) {
	start := time.Now()
	if plan, ok := d.fastPath(ctx, request); ok {
		d.logger.DebugContext(ctx, "request decomposed",
			"source", SourceFastPath,
			"tasks", len(plan.Tasks),
			"latency_ms", time.Since(start).Milliseconds())
		return plan, nil
	}
	if d.planner == nil {
		return nil, ErrNoPlan
	}

	proposals, err := d.planner.Decompose(ctx, request, d.domains())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoPlan, err)
	}
	if len(proposals) == 0 {
		return nil, ErrNoPlan
	}
	plan, err := d.fromProposals(ctx, proposals)
	if err != nil {
		d.logger.WarnContext(ctx, "planner proposal rejected", "error", err, "tasks", len(proposals))
		return nil, err
	}
	d.logger.DebugContext(ctx, "request decomposed",
		"source", SourcePlanner,
		"tasks", len(plan.Tasks),
		"latency_ms", time.Since(start).Milliseconds())
	return plan, nil
}

// fastPath maps every clause to an accepted intent or to exactly one
// adapter by capability tags. It fails if any clause cannot be mapped.
func (d *Decomposer) fastPath(ctx context.Context, request string) (*Plan, bool) {
	clauses := splitClauses(request)
	if len(clauses) == 0 {
		return nil, false
	}
	cm := newCapabilityMap(d.registry.ListAdapters())

	plan := &Plan{Source: SourceFastPath}
	for i, c := range clauses {
		node := newTaskNode(fmt.Sprintf("t%d", i+1), "", c.text)
		if intent := d.classify(ctx, c.text); intent != nil {
			node.Domain = intent.Domain
			node.Intent = intent
			node.Slots = intent.Slots.Clone()
		} else if m, ok := cm.identify(c.text); ok {
			node.Domain = m.domain
		} else {
			return nil, false
		}
		if c.sequential && i > 0 {
			node.DependsOn = []string{plan.Tasks[i-1].ID}
		}
		plan.Tasks = append(plan.Tasks, node)
	}
	return plan, true
}

func (d *Decomposer) classify(ctx context.Context, text string) *routing.ResolvedIntent {
	if d.classifier == nil {
		return nil
	}
	cls, err := d.classifier.Classify(ctx, text)
	if err != nil || !cls.Accepted {
		return nil
	}
	return cls.Best.Clone()
}

// domains lists every dispatchable domain for the planner.
func (d *Decomposer) domains() []DomainInfo {
	caps := d.registry.Capabilities()
	out := make([]DomainInfo, 0, len(caps))
	for _, c := range caps {
		info := DomainInfo{Domain: c.Domain, Tags: c.Tags}
		if !c.Expert {
			info.Tags = c.Intents
		}
		out = append(out, info)
	}
	return out
}

// fromProposals validates a planner's proposal against the registry. Tasks
// for domains with an adapter run on it; tasks for pattern-only domains must
// classify into that domain. Anything else rejects the whole plan.
func (d *Decomposer) fromProposals(ctx context.Context, proposals []ProposedTask) (*Plan, error) {
	plan := &Plan{Source: SourcePlanner}
	for _, p := range proposals {
		node := newTaskNode(strings.TrimSpace(p.ID), p.Domain, strings.TrimSpace(p.Description))
		node.DependsOn = append([]string(nil), p.DependsOn...)
		if len(p.Slots) > 0 {
			node.Slots = routing.Slots(p.Slots).Clone()
		}

		if _, err := d.registry.Adapter(p.Domain); err == nil {
			plan.Tasks = append(plan.Tasks, node)
			continue
		}
		if !d.registry.HasDomain(p.Domain) {
			return nil, fmt.Errorf("%w: task %q references unknown domain %q", ErrPlanRejected, p.ID, p.Domain)
		}
		intent := d.classify(ctx, node.Description)
		if intent == nil || intent.Domain != p.Domain {
			return nil, fmt.Errorf("%w: task %q cannot be handled by %q", ErrPlanRejected, p.ID, p.Domain)
		}
		node.Intent = intent
		node.Slots = intent.Slots.Clone()
		plan.Tasks = append(plan.Tasks, node)
	}
	if err := validatePlan(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// validatePlan checks ids, dependencies, placeholders and acyclicity.
func validatePlan(plan *Plan) error {
	if len(plan.Tasks) == 0 {
		return ErrNoPlan
	}
	ids := make(map[string]*TaskNode, len(plan.Tasks))
	for _, t := range plan.Tasks {
		if t.ID == "" {
			return fmt.Errorf("%w: task without id", ErrPlanRejected)
		}
		if _, dup := ids[t.ID]; dup {
			return fmt.Errorf("%w: duplicate task id %q", ErrPlanRejected, t.ID)
		}
		ids[t.ID] = t
	}

	inDegree := make(map[string]int, len(plan.Tasks))
	downstream := make(map[string][]string)
	for _, t := range plan.Tasks {
		deps := make(map[string]bool, len(t.DependsOn))
		for _, dep := range t.DependsOn {
			if dep == t.ID {
				return fmt.Errorf("%w: task %q depends on itself", ErrPlanRejected, t.ID)
			}
			if _, ok := ids[dep]; !ok {
				return fmt.Errorf("%w: task %q depends on unknown task %q", ErrPlanRejected, t.ID, dep)
			}
			if deps[dep] {
				continue
			}
			deps[dep] = true
			inDegree[t.ID]++
			downstream[dep] = append(downstream[dep], t.ID)
		}
		inputs := []string{t.Description}
		for _, v := range t.Slots {
			inputs = append(inputs, v)
		}
		for _, in := range inputs {
			for _, ref := range references(in) {
				if !deps[ref] {
					return fmt.Errorf("%w: task %q uses the result of %q without depending on it", ErrPlanRejected, t.ID, ref)
				}
			}
		}
	}

	var queue []string
	for _, t := range plan.Tasks {
		if inDegree[t.ID] == 0 {
			queue = append(queue, t.ID)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range downstream[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(plan.Tasks) {
		return fmt.Errorf("%w: dependency cycle", ErrPlanRejected)
	}
	return nil
}

// IsPlanRejected reports whether err is a plan validation failure.
func IsPlanRejected(err error) bool {
	return errors.Is(err, ErrPlanRejected)
}
