package routing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hrygo/divinesense-router/ai/session"
)

// fixedNow is a Saturday.
var fixedNow = time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)

func listPatterns() []PatternDefinition {
	return []PatternDefinition{
		{
			IntentName: "ListAdd",
			Templates: []string{
				"add {item} to [my|the] {list} list",
				"put {item} on [my|the] {list} list",
			},
			Slots: []SlotSpec{
				{Name: "item", Type: SlotText, Required: true},
				{Name: "list", Type: SlotText, Required: true},
			},
		},
		{
			IntentName: "ListShow",
			Templates: []string{
				"show [me] my list",
				"what is on [my|the] {list} list",
			},
			Slots: []SlotSpec{
				{Name: "list", Type: SlotText, Required: true, Default: "shopping"},
			},
		},
		{
			IntentName: "ListClear",
			Templates:  []string{"clear [my|the] list", "clear [my|the] {list} list"},
			Slots:      []SlotSpec{{Name: "list", Type: SlotText, Required: true}},
		},
	}
}

func calendarPatterns() []PatternDefinition {
	return []PatternDefinition{
		{
			IntentName: "EventCreate",
			Templates:  []string{"schedule {title} [on|for] {when}"},
			Slots: []SlotSpec{
				{Name: "title", Type: SlotText, Required: true},
				{Name: "when", Type: SlotDateTime, Required: true},
			},
		},
		{
			IntentName: "EventCancel",
			Templates:  []string{"cancel [event] {event_id}"},
			Slots:      []SlotSpec{{Name: "event_id", Type: SlotNumber, Required: true}},
		},
		{
			IntentName: "EventMove",
			Templates:  []string{"move [event] {event_id} to {when}"},
			Slots: []SlotSpec{
				{Name: "event_id", Type: SlotNumber, Required: true},
				{Name: "when", Type: SlotDateTime, Required: true},
			},
		},
	}
}

func echoHandler(text string) Handler {
	return HandlerFunc(func(_ context.Context, _ Slots, _ *session.Context) (*HandlerResult, error) {
		return &HandlerResult{Text: text}, nil
	})
}

func bindAll(domain string, patterns []PatternDefinition) []HandlerBinding {
	out := make([]HandlerBinding, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, HandlerBinding{Domain: domain, IntentName: p.IntentName, Handler: echoHandler(p.IntentName)})
	}
	return out
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(nil)
	require.NoError(t, err)
	require.NoError(t, r.RegisterCapability("lists", listPatterns(), bindAll("lists", listPatterns())))
	require.NoError(t, r.RegisterCapability("calendar", calendarPatterns(), bindAll("calendar", calendarPatterns())))
	return r
}

func newTestClassifier(r *Registry, threshold float64) *Classifier {
	return NewClassifier(r, ClassifierConfig{
		Threshold: threshold,
		Now:       func() time.Time { return fixedNow },
	})
}

func newTestSession(t *testing.T) *session.Context {
	t.Helper()
	store := session.NewStore(session.Config{CleanupInterval: -1})
	t.Cleanup(store.Close)
	sess, release, err := store.Acquire(context.Background(), "test-session")
	require.NoError(t, err)
	t.Cleanup(release)
	return sess
}
