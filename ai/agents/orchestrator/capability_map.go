package orchestrator

import (
	"strings"

	"github.com/hrygo/divinesense-router/ai/routing"
)

// tagMatch is the best adapter for one clause.
type tagMatch struct {
	domain string
	score  int
	tags   []string
}

// capabilityMap maps normalized capability tags to expert domains. It is
// built per request from the registry's current adapters.
type capabilityMap struct {
	// domains keeps adapter registration order.
	domains []string
	tags    map[string][]string
}

func newCapabilityMap(adapters []routing.ExpertAdapter) *capabilityMap {
	cm := &capabilityMap{tags: make(map[string][]string, len(adapters))}
	for _, a := range adapters {
		domain := a.Domain()
		cm.domains = append(cm.domains, domain)
		for _, tag := range a.CapabilityTags() {
			norm := routing.Normalize(tag)
			if norm == "" {
				continue
			}
			cm.tags[domain] = append(cm.tags[domain], norm)
		}
	}
	return cm
}

// identify scores every domain against a normalized clause. A domain's score
// is the number of words across its matching tags. The match is confident
// only when exactly one domain has the top score.
func (cm *capabilityMap) identify(clause string) (tagMatch, bool) {
	var best tagMatch
	tie := false
	for _, domain := range cm.domains {
		m := tagMatch{domain: domain}
		for _, tag := range cm.tags[domain] {
			if matchesTrigger(clause, tag) {
				m.score += len(strings.Fields(tag))
				m.tags = append(m.tags, tag)
			}
		}
		switch {
		case m.score == 0:
		case m.score > best.score:
			best, tie = m, false
		case m.score == best.score:
			tie = true
		}
	}
	if best.score == 0 || tie {
		return best, false
	}
	return best, true
}

// matchesTrigger checks if the trigger exists in the text.
// For ASCII triggers, it enforces word boundaries to avoid partial matches.
// For non-ASCII triggers, containment is enough.
func matchesTrigger(text, trigger string) bool {
	idx := strings.Index(text, trigger)
	if idx == -1 {
		return false
	}
	if isNonASCII(trigger) {
		return true
	}
	for idx != -1 {
		leftOk := idx == 0 || !isWordChar(text[idx-1])
		end := idx + len(trigger)
		rightOk := end == len(text) || !isWordChar(text[end])
		if leftOk && rightOk {
			return true
		}
		next := strings.Index(text[idx+1:], trigger)
		if next == -1 {
			break
		}
		idx += 1 + next
	}
	return false
}

func isNonASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 128 {
			return true
		}
	}
	return false
}

func isWordChar(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9') || b == '_'
}
