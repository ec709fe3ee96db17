package routing

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_DuplicateIntentRejected(t *testing.T) {
	r := newTestRegistry(t)
	gen := r.Generation()

	err := r.RegisterCapability("lists", listPatterns(), bindAll("lists", listPatterns()))
	assert.ErrorIs(t, err, ErrDuplicateCapability)
	assert.Equal(t, gen, r.Generation(), "failed registration must not bump the generation")

	// The original binding stays resolvable.
	b, err := r.Lookup("ListAdd")
	require.NoError(t, err)
	assert.Equal(t, "lists", b.Domain)
}

func TestRegistry_DuplicateWithinOneCall(t *testing.T) {
	r, err := NewRegistry(nil)
	require.NoError(t, err)

	patterns := []PatternDefinition{
		{IntentName: "Ping", Templates: []string{"ping"}},
		{IntentName: "Ping", Templates: []string{"ping me"}},
	}
	err = r.RegisterCapability("net", patterns, nil)
	assert.ErrorIs(t, err, ErrDuplicateCapability)
	assert.False(t, r.HasDomain("net"))
}

func TestRegistry_MergeAndReplace(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	extra := []PatternDefinition{{IntentName: "ListRename", Templates: []string{"rename [my|the] {from} list to {to}"}, Slots: []SlotSpec{{Name: "from"}, {Name: "to"}}}}
	require.NoError(t, r.RegisterCapability("lists", extra, bindAll("lists", extra)))
	_, err := r.LookupIn("lists", "ListRename")
	require.NoError(t, err)
	_, err = r.LookupIn("lists", "ListAdd")
	require.NoError(t, err)

	replacement := []PatternDefinition{listPatterns()[0]}
	handlers := []HandlerBinding{{IntentName: "ListAdd", Handler: echoHandler("v2")}}
	require.NoError(t, r.RegisterCapability("lists", replacement, handlers, WithReplace()))

	b, err := r.LookupIn("lists", "ListAdd")
	require.NoError(t, err)
	res, err := b.Handler.Invoke(ctx, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "v2", res.Text)

	for _, gone := range []string{"ListShow", "ListClear", "ListRename"} {
		_, err := r.LookupIn("lists", gone)
		assert.ErrorIs(t, err, ErrNotFound, gone)
	}
}

func TestRegistry_ValidationIsAtomic(t *testing.T) {
	tests := []struct {
		name     string
		patterns []PatternDefinition
		handlers []HandlerBinding
		wantErr  error
	}{
		{
			name: "bad template in second pattern",
			patterns: []PatternDefinition{
				{IntentName: "Forecast", Templates: []string{"weather in {city}"}, Slots: []SlotSpec{{Name: "city"}}},
				{IntentName: "Rain", Templates: []string{"will it rain [today"}},
			},
			wantErr: ErrInvalidPattern,
		},
		{
			name:     "bad constraint",
			patterns: []PatternDefinition{{IntentName: "Forecast", Templates: []string{"weather in {city}"}, Slots: []SlotSpec{{Name: "city", Constraint: "value +"}}}},
			wantErr:  ErrInvalidPattern,
		},
		{
			name:     "non boolean constraint",
			patterns: []PatternDefinition{{IntentName: "Forecast", Templates: []string{"weather in {city}"}, Slots: []SlotSpec{{Name: "city", Constraint: "size(value)"}}}},
			wantErr:  ErrInvalidPattern,
		},
		{
			name:     "unknown slot type",
			patterns: []PatternDefinition{{IntentName: "Forecast", Templates: []string{"weather in {city}"}, Slots: []SlotSpec{{Name: "city", Type: "geo"}}}},
			wantErr:  ErrInvalidPattern,
		},
		{
			name:     "enum without values",
			patterns: []PatternDefinition{{IntentName: "Forecast", Templates: []string{"weather in {city}"}, Slots: []SlotSpec{{Name: "city", Type: SlotEnum}}}},
			wantErr:  ErrInvalidPattern,
		},
		{
			name:     "no templates",
			patterns: []PatternDefinition{{IntentName: "Forecast"}},
			wantErr:  ErrInvalidPattern,
		},
		{
			name:     "handler without pattern",
			patterns: []PatternDefinition{{IntentName: "Forecast", Templates: []string{"forecast"}}},
			handlers: []HandlerBinding{{IntentName: "Rain", Handler: echoHandler("x")}},
			wantErr:  ErrInvalidCapability,
		},
		{
			name:     "nil handler",
			patterns: []PatternDefinition{{IntentName: "Forecast", Templates: []string{"forecast"}}},
			handlers: []HandlerBinding{{IntentName: "Forecast"}},
			wantErr:  ErrInvalidCapability,
		},
		{
			name:     "handler for another domain",
			patterns: []PatternDefinition{{IntentName: "Forecast", Templates: []string{"forecast"}}},
			handlers: []HandlerBinding{{Domain: "lists", IntentName: "Forecast", Handler: echoHandler("x")}},
			wantErr:  ErrInvalidCapability,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegistry(t)
			gen := r.Generation()

			err := r.RegisterCapability("weather", tt.patterns, tt.handlers)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.False(t, r.HasDomain("weather"))
			assert.Equal(t, gen, r.Generation())
		})
	}
}

func TestRegistry_Unregister(t *testing.T) {
	r := newTestRegistry(t)
	gen := r.Generation()

	require.NoError(t, r.UnregisterIntent("lists", "ListClear"))
	_, err := r.Lookup("ListClear")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.Lookup("ListAdd")
	assert.NoError(t, err)

	require.NoError(t, r.Unregister("lists"))
	_, err = r.Lookup("ListAdd")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, r.HasDomain("lists"))
	assert.Equal(t, gen+2, r.Generation())

	assert.ErrorIs(t, r.Unregister("lists"), ErrNotFound)
	assert.ErrorIs(t, r.UnregisterIntent("calendar", "Nope"), ErrNotFound)

	// New lookups no longer classify into the removed domain.
	c := newTestClassifier(r, 0)
	_, err = c.Classify(context.Background(), "add milk to my shopping list")
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestRegistry_Experts(t *testing.T) {
	r := newTestRegistry(t)

	cal := &Expert{Name: "calendar", Tags: []string{"calendar", "plan my day"}}
	weather := &Expert{Name: "weather", Tags: []string{"rain"}, Budget: time.Second}

	require.NoError(t, r.RegisterExpert(cal))
	require.NoError(t, r.RegisterExpert(weather))
	assert.ErrorIs(t, r.RegisterExpert(&Expert{Name: "calendar"}), ErrDuplicateCapability)
	assert.ErrorIs(t, r.RegisterExpert(&Expert{}), ErrInvalidCapability)

	adapters := r.ListAdapters()
	require.Len(t, adapters, 2)
	assert.Equal(t, "calendar", adapters[0].Domain())
	assert.Equal(t, "weather", adapters[1].Domain())

	replacement := &Expert{Name: "calendar", Tags: []string{"agenda"}}
	require.NoError(t, r.RegisterExpert(replacement, WithReplace()))
	got, err := r.Adapter("calendar")
	require.NoError(t, err)
	assert.Equal(t, []string{"agenda"}, got.CapabilityTags())
	assert.Equal(t, "calendar", r.ListAdapters()[0].Domain(), "replace keeps registration order")

	require.NoError(t, r.UnregisterExpert("weather"))
	_, err = r.Adapter("weather")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, r.UnregisterExpert("weather"), ErrNotFound)
	assert.True(t, r.HasDomain("calendar"))
}

func TestRegistry_Capabilities(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.RegisterExpert(&Expert{Name: "weather", Tags: []string{"rain"}}))

	caps := r.Capabilities()
	require.Len(t, caps, 3)
	assert.Equal(t, "calendar", caps[0].Domain)
	assert.Equal(t, []string{"EventCreate", "EventCancel", "EventMove"}, caps[0].Intents)
	assert.False(t, caps[0].Expert)
	assert.Equal(t, "lists", caps[1].Domain)
	assert.Equal(t, "weather", caps[2].Domain)
	assert.True(t, caps[2].Expert)
	assert.Equal(t, []string{"rain"}, caps[2].Tags)

	assert.Len(t, r.Patterns("lists"), 3)
	assert.Nil(t, r.Patterns("nope"))
}

func TestRegistry_IndexBucketsByLeadingToken(t *testing.T) {
	r := newTestRegistry(t)

	var patterns []PatternDefinition
	for i := 0; i < 500; i++ {
		patterns = append(patterns, PatternDefinition{
			IntentName: fmt.Sprintf("Verb%d", i),
			Templates:  []string{fmt.Sprintf("verb%d {thing}", i)},
			Slots:      []SlotSpec{{Name: "thing"}},
		})
	}
	require.NoError(t, r.RegisterCapability("bulk", patterns, nil))
	require.NoError(t, r.RegisterCapability("polite", []PatternDefinition{{
		IntentName: "Polite",
		Templates:  []string{"[please] thank you"},
	}}, nil))

	ix := r.snapshot()
	cands := ix.candidates(Tokenize("add milk to my shopping list"))
	// ListAdd's "add" variant plus the wildcard "[please] thank you".
	require.Len(t, cands, 2)
	assert.Equal(t, "add {item} to [my|the] {list} list", cands[0].raw)
	assert.Equal(t, "[please] thank you", cands[1].raw)
	assert.Less(t, cands[0].order, cands[1].order)
}

func TestRegistry_ConcurrentReadsAndWrites(t *testing.T) {
	r := newTestRegistry(t)
	c := newTestClassifier(r, 0)
	ctx := context.Background()

	extra := []PatternDefinition{{IntentName: "Ping", Templates: []string{"ping"}}}
	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_ = r.RegisterCapability("net", extra, bindAll("net", extra), WithReplace())
			_ = r.Unregister("net")
		}
		close(stop)
	}()

	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				cls, err := c.Classify(ctx, "add milk to my shopping list")
				if assert.NoError(t, err) {
					assert.Equal(t, "ListAdd", cls.Best.IntentName)
				}
				_, _ = r.Lookup("Ping")
				_ = r.ListAdapters()
			}
		}()
	}
	wg.Wait()
}

func noteModule(version, intent string) Module {
	patterns := []PatternDefinition{{IntentName: intent, Templates: []string{"note " + version + " {text}"}, Slots: []SlotSpec{{Name: "text", Required: true}}}}
	return Module{
		Domain:   "notes",
		Patterns: patterns,
		Handlers: bindAll("notes", patterns),
		Expert:   &Expert{Name: "notes", Tags: []string{version}},
	}
}

func TestRegistry_RegisterModule(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.RegisterModule(noteModule("v1", "NoteAdd")))
	assert.ErrorIs(t, r.RegisterModule(noteModule("v1", "NoteAdd")), ErrDuplicateCapability)
	gen := r.Generation()

	t.Run("invalid handler keeps the old module", func(t *testing.T) {
		m := noteModule("v2", "NoteJot")
		m.Handlers[0].Domain = "lists"
		assert.ErrorIs(t, r.RegisterModule(m, WithReplace()), ErrInvalidCapability)
		assert.Equal(t, gen, r.Generation())
		_, err := r.LookupIn("notes", "NoteAdd")
		assert.NoError(t, err)
		a, err := r.Adapter("notes")
		require.NoError(t, err)
		assert.Equal(t, []string{"v1"}, a.CapabilityTags())
	})

	t.Run("foreign expert keeps the old module", func(t *testing.T) {
		m := noteModule("v2", "NoteJot")
		m.Expert = &Expert{Name: "lists", Tags: []string{"v2"}}
		assert.ErrorIs(t, r.RegisterModule(m, WithReplace()), ErrInvalidCapability)
		assert.Equal(t, gen, r.Generation())
		_, err := r.LookupIn("notes", "NoteJot")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("replace swaps patterns and expert in one write", func(t *testing.T) {
		require.NoError(t, r.RegisterModule(noteModule("v2", "NoteJot"), WithReplace()))
		assert.Equal(t, gen+1, r.Generation())
		_, err := r.LookupIn("notes", "NoteAdd")
		assert.ErrorIs(t, err, ErrNotFound)
		a, err := r.Adapter("notes")
		require.NoError(t, err)
		assert.Equal(t, []string{"v2"}, a.CapabilityTags())
	})

	t.Run("replace without expert removes it", func(t *testing.T) {
		m := noteModule("v3", "NoteAdd")
		m.Expert = nil
		require.NoError(t, r.RegisterModule(m, WithReplace()))
		_, err := r.Adapter("notes")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = r.LookupIn("notes", "NoteAdd")
		assert.NoError(t, err)
	})
}

func TestRegistry_RegisterModuleReadersNeverSeeMix(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.RegisterModule(noteModule("v1", "NoteAdd")))

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			if i%2 == 0 {
				assert.NoError(t, r.RegisterModule(noteModule("v2", "NoteJot"), WithReplace()))
			} else {
				assert.NoError(t, r.RegisterModule(noteModule("v1", "NoteAdd"), WithReplace()))
			}
		}
		close(done)
	}()

	want := map[string]string{"v1": "NoteAdd", "v2": "NoteJot"}
	for {
		select {
		case <-done:
			wg.Wait()
			return
		default:
		}
		for _, info := range r.Capabilities() {
			if info.Domain != "notes" {
				continue
			}
			require.Len(t, info.Tags, 1)
			require.Len(t, info.Intents, 1)
			assert.Equal(t, want[info.Tags[0]], info.Intents[0])
		}
	}
}
