package routing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/divinesense-router/ai/session"
)

type mockRewriter struct {
	mock.Mock
}

func (m *mockRewriter) Rewrite(ctx context.Context, utterance string, history []string) (string, error) {
	args := m.Called(ctx, utterance, history)
	return args.String(0), args.Error(1)
}

func TestResolver_ReferenceSubstitution(t *testing.T) {
	c := newTestClassifier(newTestRegistry(t), 0)
	res := NewResolver(c, nil, nil)
	sess := newTestSession(t)
	ctx := context.Background()

	// Prior turn: EventCreate returned event_id 42, then its slots were
	// remembered, so title and when are more recent than event_id.
	sess.AddTurn(session.Turn{Utterance: "schedule dentist tomorrow", Domain: "calendar", IntentName: "EventCreate", Status: "completed"})
	sess.Remember("calendar", "EventCreate", map[string]any{"event_id": 42})
	sess.RememberSlots("calendar", "EventCreate", map[string]string{"title": "dentist", "when": "2026-10-18T00:00:00Z"})

	_, err := c.Classify(ctx, "cancel it")
	require.ErrorIs(t, err, ErrNoMatch)

	got, err := res.Resolve(ctx, "cancel it", sess, nil)
	require.NoError(t, err)
	assert.Equal(t, StrategyReference, got.Strategy)
	assert.Equal(t, "EventCancel", got.Intent.IntentName)
	assert.Equal(t, "42", got.Intent.Slots["event_id"])
	assert.Equal(t, 2, got.Intent.Tier)
	assert.InDelta(t, 0.9, got.Intent.Confidence, 1e-9)

	// The resolved slots become the most recent entities.
	assert.Equal(t, "event_id", sess.Entities()[0].Key)
	assert.Equal(t, "EventCancel", sess.Entities()[0].IntentName)
}

func TestResolver_ReferencePrefersMatchingKey(t *testing.T) {
	c := newTestClassifier(newTestRegistry(t), 0)
	res := NewResolver(c, nil, nil)
	sess := newTestSession(t)

	// Both values classify as a list name; the entity keyed "list" wins even
	// though "item" is more recent.
	sess.RememberSlots("lists", "ListAdd", map[string]string{"list": "groceries"})
	sess.RememberSlots("notes", "Note", map[string]string{"item": "camping"})

	got, err := res.Resolve(context.Background(), "what is on that list", sess, nil)
	require.NoError(t, err)
	assert.Equal(t, "ListShow", got.Intent.IntentName)
	assert.Equal(t, "groceries", got.Intent.Slots["list"])
}

func TestResolver_Repeat(t *testing.T) {
	c := newTestClassifier(newTestRegistry(t), 0)
	res := NewResolver(c, nil, nil)
	sess := newTestSession(t)

	_, err := res.Resolve(context.Background(), "do that again", sess, nil)
	assert.ErrorIs(t, err, ErrUnresolved)

	sess.AddTurn(session.Turn{
		Utterance:  "add milk to my shopping list",
		Domain:     "lists",
		IntentName: "ListAdd",
		Slots:      map[string]string{"item": "milk", "list": "shopping"},
		Status:     "completed",
	})

	got, err := res.Resolve(context.Background(), "Do that again!", sess, nil)
	require.NoError(t, err)
	assert.Equal(t, StrategyRepeat, got.Strategy)
	assert.Equal(t, "ListAdd", got.Intent.IntentName)
	assert.Equal(t, Slots{"item": "milk", "list": "shopping"}, got.Intent.Slots)
	assert.Equal(t, 2, got.Intent.Tier)
}

func TestResolver_Ellipsis(t *testing.T) {
	c := newTestClassifier(newTestRegistry(t), 0)
	res := NewResolver(c, nil, nil)
	sess := newTestSession(t)
	ctx := context.Background()

	prior, err := c.Classify(ctx, "clear the list")
	require.NoError(t, err)
	require.True(t, prior.Inconclusive())

	_, err = res.Resolve(ctx, "clear the list", sess, prior)
	assert.ErrorIs(t, err, ErrUnresolved)

	sess.RememberSlots("lists", "ListAdd", map[string]string{"item": "milk", "list": "shopping"})
	got, err := res.Resolve(ctx, "clear the list", sess, prior)
	require.NoError(t, err)
	assert.Equal(t, StrategyEllipsis, got.Strategy)
	assert.Equal(t, "ListClear", got.Intent.IntentName)
	assert.Equal(t, "shopping", got.Intent.Slots["list"])
	assert.InDelta(t, 0.855, got.Intent.Confidence, 1e-9)
}

func TestResolver_GenerativeFallback(t *testing.T) {
	c := newTestClassifier(newTestRegistry(t), 0)
	rw := &mockRewriter{}
	res := NewResolver(c, rw, nil)
	sess := newTestSession(t)
	sess.AddTurn(session.Turn{Utterance: "we're out of milk"})
	ctx := context.Background()

	rw.On("Rewrite", mock.Anything, "get me some", []string{"we're out of milk"}).
		Return("add milk to my shopping list", nil).Once()

	got, err := res.Resolve(ctx, "get me some", sess, nil)
	require.NoError(t, err)
	assert.Equal(t, StrategyGenerative, got.Strategy)
	assert.Equal(t, "ListAdd", got.Intent.IntentName)
	assert.InDelta(t, 0.9, got.Intent.Confidence, 1e-9)

	rw.On("Rewrite", mock.Anything, "whatever", mock.Anything).
		Return("", errors.New("llm unavailable")).Once()
	_, err = res.Resolve(ctx, "whatever", sess, nil)
	assert.ErrorIs(t, err, ErrUnresolved)

	rw.AssertExpectations(t)
}

func TestResolver_NoSession(t *testing.T) {
	res := NewResolver(newTestClassifier(newTestRegistry(t), 0), nil, nil)
	_, err := res.Resolve(context.Background(), "cancel it", nil, nil)
	assert.ErrorIs(t, err, ErrUnresolved)
}
