package routing

import (
	"fmt"
	"strings"
	"time"
)

type nodeKind int

const (
	nodeLiteral nodeKind = iota
	nodeSlot
	nodeGroup
)

type node struct {
	kind     nodeKind
	word     string
	slot     string
	alts     [][]node
	optional bool
}

// template is one compiled variant of an intent.
type template struct {
	raw         string
	nodes       []node
	literalOnly bool
	slotNames   []string
	// leading holds the index bucket keys; nil means the wildcard bucket.
	leading []string
	intent  *compiledIntent
	order   int
}

// compileTemplate parses raw into a token matcher. Every referenced slot must
// be declared in slots.
func compileTemplate(raw string, slots map[string]*compiledSlot) (*template, error) {
	nodes, err := parseSequence(raw, slots, false)
	if err != nil {
		return nil, fmt.Errorf("%w: template %q: %v", ErrInvalidPattern, raw, err)
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: template %q is empty", ErrInvalidPattern, raw)
	}

	t := &template{raw: raw, nodes: nodes, literalOnly: true}
	seen := make(map[string]bool)
	literals := 0
	walkNodes(nodes, func(n node) {
		switch n.kind {
		case nodeSlot:
			t.literalOnly = false
			if !seen[n.slot] {
				seen[n.slot] = true
				t.slotNames = append(t.slotNames, n.slot)
			}
		case nodeLiteral:
			literals++
		}
	})
	if literals == 0 {
		return nil, fmt.Errorf("%w: template %q needs at least one literal word", ErrInvalidPattern, raw)
	}
	t.leading = leadingKeys(nodes)
	return t, nil
}

func walkNodes(nodes []node, fn func(node)) {
	for _, n := range nodes {
		fn(n)
		for _, alt := range n.alts {
			walkNodes(alt, fn)
		}
	}
}

// parseSequence parses literals, {slots} and groups. Groups do not nest.
func parseSequence(s string, slots map[string]*compiledSlot, inGroup bool) ([]node, error) {
	var (
		nodes   []node
		literal strings.Builder
	)
	flush := func() {
		for _, tok := range Tokenize(literal.String()) {
			nodes = append(nodes, node{kind: nodeLiteral, word: tok})
		}
		literal.Reset()
	}

	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '{':
			end := strings.IndexByte(s[i:], '}')
			if end < 0 {
				return nil, fmt.Errorf("unclosed slot at offset %d", i)
			}
			flush()
			name := strings.TrimSpace(s[i+1 : i+end])
			if _, ok := slots[name]; !ok {
				return nil, fmt.Errorf("undeclared slot %q", name)
			}
			nodes = append(nodes, node{kind: nodeSlot, slot: name})
			i += end
		case '[', '(':
			if inGroup {
				return nil, fmt.Errorf("nested group at offset %d", i)
			}
			closer := byte(']')
			if c == '(' {
				closer = ')'
			}
			end := strings.IndexByte(s[i:], closer)
			if end < 0 {
				return nil, fmt.Errorf("unclosed group at offset %d", i)
			}
			flush()
			group := node{kind: nodeGroup, optional: c == '['}
			for _, alt := range strings.Split(s[i+1:i+end], "|") {
				seq, err := parseSequence(alt, slots, true)
				if err != nil {
					return nil, err
				}
				if len(seq) == 0 && !group.optional {
					return nil, fmt.Errorf("empty alternative in required group at offset %d", i)
				}
				if len(seq) > 0 {
					group.alts = append(group.alts, seq)
				}
			}
			if len(group.alts) == 0 {
				return nil, fmt.Errorf("empty group at offset %d", i)
			}
			nodes = append(nodes, group)
			i += end
		case '}', ']', ')':
			return nil, fmt.Errorf("unexpected %q at offset %d", c, i)
		default:
			literal.WriteByte(c)
		}
	}
	flush()
	return nodes, nil
}

func leadingKeys(nodes []node) []string {
	first := nodes[0]
	switch first.kind {
	case nodeLiteral:
		return []string{first.word}
	case nodeGroup:
		if first.optional {
			return nil
		}
		var keys []string
		for _, alt := range first.alts {
			if alt[0].kind != nodeLiteral {
				return nil
			}
			keys = append(keys, alt[0].word)
		}
		return keys
	}
	return nil
}

// templateMatch is a full-utterance match of one template.
type templateMatch struct {
	literals int
	slots    map[string]string
}

type capture struct {
	name  string
	value string
}

type matcher struct {
	tokens []string
	slots  map[string]*compiledSlot
	now    time.Time
}

// match returns the first full match in preference order: optional groups
// present before absent, alternatives in declaration order, slot candidates
// in their own preference order.
func (t *template) match(tokens []string, now time.Time) (*templateMatch, bool) {
	m := &matcher{tokens: tokens, slots: t.intent.slots, now: now}
	var result *templateMatch
	m.seq(t.nodes, 0, 0, 0, nil, func(pos, lits int, caps []capture) bool {
		if pos != len(tokens) {
			return false
		}
		result = &templateMatch{literals: lits, slots: make(map[string]string, len(caps))}
		for _, c := range caps {
			result.slots[c.name] = c.value
		}
		return true
	})
	return result, result != nil
}

type continuation func(pos, lits int, caps []capture) bool

func (m *matcher) seq(nodes []node, i, pos, lits int, caps []capture, k continuation) bool {
	if i == len(nodes) {
		return k(pos, lits, caps)
	}
	n := nodes[i]
	next := func(p, l int, c []capture) bool {
		return m.seq(nodes, i+1, p, l, c, k)
	}

	switch n.kind {
	case nodeLiteral:
		if pos < len(m.tokens) && m.tokens[pos] == n.word {
			return next(pos+1, lits+1, caps)
		}
		return false

	case nodeSlot:
		slot := m.slots[n.slot]
		for _, cand := range slot.candidates(m.tokens, pos, m.now) {
			if !slot.accepts(cand.value) {
				continue
			}
			c := append(caps[:len(caps):len(caps)], capture{name: n.slot, value: cand.value})
			if next(pos+cand.n, lits, c) {
				return true
			}
		}
		return false

	default:
		for _, alt := range n.alts {
			if m.seq(alt, 0, pos, lits, caps, next) {
				return true
			}
		}
		if n.optional {
			return next(pos, lits, caps)
		}
		return false
	}
}
