package routing

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/hrygo/divinesense-router/ai/session"
)

// tier2Scale discounts confidence of context-resolved intents.
const tier2Scale = 0.9

// Rewriter turns a referential utterance into an explicit command using
// recent conversation history (oldest first). It is the generative fallback
// of the resolver.
type Rewriter interface {
	Rewrite(ctx context.Context, utterance string, history []string) (string, error)
}

// Resolution strategies, reported in logs and routing results.
const (
	StrategyRepeat     = "repeat"
	StrategyReference  = "reference"
	StrategyEllipsis   = "ellipsis"
	StrategyGenerative = "generative"
)

// Resolution is a Tier 2 result.
type Resolution struct {
	Intent   *ResolvedIntent
	Strategy string
}

// Resolver resolves referential and elliptical utterances from session state.
type Resolver struct {
	classifier   *Classifier
	rewriter     Rewriter
	historyTurns int
	logger       *slog.Logger
}

// NewResolver creates a resolver. rewriter may be nil.
func NewResolver(classifier *Classifier, rewriter Rewriter, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{classifier: classifier, rewriter: rewriter, historyTurns: 5, logger: logger}
}

// Resolve tries, in order: repeating the last resolved intent, substituting
// references with session entities, filling missing slots from entities, and
// the generative rewrite. prior is the Tier 0/1 classification of utterance,
// if any. On success the session remembers the resolved slots; otherwise
// ErrUnresolved is returned.
func (r *Resolver) Resolve(ctx context.Context, utterance string, sess *session.Context, prior *Classification) (*Resolution, error) {
	if sess == nil {
		return nil, ErrUnresolved
	}
	start := time.Now()

	res := r.resolve(ctx, utterance, sess, prior)
	if res == nil {
		r.logger.DebugContext(ctx, "context resolution failed",
			"session_id", sess.ID,
			"latency_ms", time.Since(start).Milliseconds())
		return nil, ErrUnresolved
	}

	res.Intent.Tier = 2
	sess.RememberSlots(res.Intent.Domain, res.Intent.IntentName, res.Intent.Slots)
	r.logger.DebugContext(ctx, "context resolved",
		"session_id", sess.ID,
		"strategy", res.Strategy,
		"intent", res.Intent.IntentName,
		"confidence", res.Intent.Confidence,
		"latency_ms", time.Since(start).Milliseconds())
	return res, nil
}

func (r *Resolver) resolve(ctx context.Context, utterance string, sess *session.Context, prior *Classification) *Resolution {
	tokens := Tokenize(utterance)
	if len(tokens) == 0 {
		return nil
	}

	if repeatPhrases[strings.Join(tokens, " ")] {
		if last, ok := sess.LastResolved(); ok {
			return &Resolution{
				Strategy: StrategyRepeat,
				Intent: &ResolvedIntent{
					IntentName: last.IntentName,
					Domain:     last.Domain,
					Slots:      Slots(last.Slots).Clone(),
					Confidence: tier2Scale,
				},
			}
		}
	}

	if ri := r.substitute(ctx, tokens, sess); ri != nil {
		return &Resolution{Intent: ri, Strategy: StrategyReference}
	}

	if ri := r.fillEllipsis(ctx, utterance, sess, prior); ri != nil {
		return &Resolution{Intent: ri, Strategy: StrategyEllipsis}
	}

	if r.rewriter != nil {
		if ri := r.rewrite(ctx, utterance, sess); ri != nil {
			return &Resolution{Intent: ri, Strategy: StrategyGenerative}
		}
	}
	return nil
}

// substitute replaces the first reference word with recent entity values,
// most recent first. An entity whose key names the slot that captured it
// wins; otherwise the first accepted substitution is used.
func (r *Resolver) substitute(ctx context.Context, tokens []string, sess *session.Context) *ResolvedIntent {
	start, width := findReference(tokens)
	if width == 0 {
		return nil
	}

	var fallback *ResolvedIntent
	for _, ent := range sess.Entities() {
		value := Tokenize(ent.Value)
		if len(value) == 0 {
			continue
		}
		text := make([]string, 0, len(tokens)+len(value))
		text = append(text, tokens[:start]...)
		text = append(text, value...)
		text = append(text, tokens[start+width:]...)

		cls, err := r.classifier.Classify(ctx, strings.Join(text, " "))
		if err != nil || !cls.Accepted {
			continue
		}
		slot := capturingSlot(cls.Best.Slots, strings.Join(value, " "), ent.Key)
		if slot == "" {
			continue
		}
		ri := cls.Best.Clone()
		ri.Confidence = round4(ri.Confidence * tier2Scale)
		if slot == ent.Key {
			return ri
		}
		if fallback == nil {
			fallback = ri
		}
	}
	return fallback
}

// findReference returns the position and width of the first reference.
func findReference(tokens []string) (int, int) {
	for i, tok := range tokens {
		if tok == "the" && i+1 < len(tokens) && tokens[i+1] == "same" {
			return i, 2
		}
		if referenceWords[tok] {
			return i, 1
		}
	}
	return 0, 0
}

// capturingSlot names the slot holding value, checking preferred first.
func capturingSlot(slots Slots, value, preferred string) string {
	canonical := value
	if cands := parseNumber([]string{value}, 0); len(cands) == 1 {
		canonical = cands[0].value
	}
	holds := func(name string) bool {
		v, ok := slots[name]
		return ok && (v == value || v == canonical)
	}
	if holds(preferred) {
		return preferred
	}
	names := make([]string, 0, len(slots))
	for name := range slots {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if holds(name) {
			return name
		}
	}
	return ""
}

// fillEllipsis completes an inconclusive match whose required slots are
// missing, taking same-named entities from the session.
func (r *Resolver) fillEllipsis(ctx context.Context, utterance string, sess *session.Context, prior *Classification) *ResolvedIntent {
	if prior == nil {
		cls, err := r.classifier.Classify(ctx, utterance)
		if err != nil {
			return nil
		}
		prior = cls
	}
	if !prior.Inconclusive() || len(prior.Missing) == 0 || len(prior.Candidates) == 0 {
		return nil
	}

	fill := make(map[string]string, len(prior.Missing))
	for _, name := range prior.Missing {
		ent, ok := sess.Entity(name)
		if !ok {
			return nil
		}
		fill[name] = ent.Value
	}
	ri, ok := r.classifier.complete(prior.Candidates[0], fill)
	if !ok {
		return nil
	}
	ri.Confidence = round4(ri.Confidence * tier2Scale)
	return ri
}

func (r *Resolver) rewrite(ctx context.Context, utterance string, sess *session.Context) *ResolvedIntent {
	turns := sess.Turns()
	if len(turns) > r.historyTurns {
		turns = turns[len(turns)-r.historyTurns:]
	}
	history := make([]string, 0, len(turns))
	for _, t := range turns {
		history = append(history, t.Utterance)
	}

	rewritten, err := r.rewriter.Rewrite(ctx, utterance, history)
	if err != nil {
		r.logger.WarnContext(ctx, "generative rewrite failed", "session_id", sess.ID, "error", err)
		return nil
	}
	if rewritten == "" || Normalize(rewritten) == Normalize(utterance) {
		return nil
	}

	cls, err := r.classifier.Classify(ctx, rewritten)
	if err != nil || !cls.Accepted {
		return nil
	}
	ri := cls.Best.Clone()
	ri.Confidence = round4(ri.Confidence * tier2Scale)
	return ri
}
