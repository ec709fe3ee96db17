package modules_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/divinesense-router/ai/agents/orchestrator"
	"github.com/hrygo/divinesense-router/ai/router"
	"github.com/hrygo/divinesense-router/ai/routing"
	"github.com/hrygo/divinesense-router/ai/session"
	"github.com/hrygo/divinesense-router/plugin/manifest"
	"github.com/hrygo/divinesense-router/plugin/modules"
	"github.com/hrygo/divinesense-router/plugin/modules/calendar"
	"github.com/hrygo/divinesense-router/plugin/modules/home"
	"github.com/hrygo/divinesense-router/plugin/modules/lists"
	"github.com/hrygo/divinesense-router/plugin/modules/memory"
	"github.com/hrygo/divinesense-router/plugin/modules/weather"
)

// fixedNow is a Saturday.
var fixedNow = time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)

func forecastServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		today := time.Now()
		fmt.Fprintf(w, `{"daily": {"time": [%q, %q], "temperature_2m_max": [12, 10], "temperature_2m_min": [4, 3], "precipitation_probability_max": [20, 70], "weather_code": [2, 61]}}`,
			today.Format("2006-01-02"), today.AddDate(0, 0, 1).Format("2006-01-02"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newStack(t *testing.T) (*routing.Registry, *router.Service) {
	t.Helper()
	registry, err := routing.NewRegistry(nil)
	require.NoError(t, err)

	catalog := manifest.NewCatalog()
	loader := manifest.NewLoader(registry, catalog, nil)
	srv := forecastServer(t)
	require.NoError(t, modules.Install(loader, catalog,
		lists.New(nil),
		calendar.New(nil),
		memory.New(nil),
		weather.New(weather.Config{BaseURL: srv.URL, HTTPClient: srv.Client()}),
		home.New(home.Config{}),
	))

	classifier := routing.NewClassifier(registry, routing.ClassifierConfig{
		Now: func() time.Time { return fixedNow },
	})
	executor := routing.NewExecutor(registry, 0, nil)
	sessions := session.NewStore(session.Config{CleanupInterval: -1})
	t.Cleanup(sessions.Close)

	svc, err := router.NewService(router.Config{
		Classifier:   classifier,
		Resolver:     routing.NewResolver(classifier, nil, nil),
		Executor:     executor,
		Orchestrator: orchestrator.New(registry, classifier, executor, orchestrator.Config{}),
		Sessions:     sessions,
	})
	require.NoError(t, err)
	return registry, svc
}

func TestInstall_RegistersEveryBuiltin(t *testing.T) {
	registry, _ := newStack(t)

	var domains []string
	for _, c := range registry.Capabilities() {
		domains = append(domains, c.Domain)
		assert.True(t, c.Expert, c.Domain)
		assert.NotEmpty(t, c.Intents, c.Domain)
	}
	assert.Equal(t, []string{"calendar", "home", "lists", "memory", "weather"}, domains)
}

func TestInstall_DuplicateModuleFails(t *testing.T) {
	registry, err := routing.NewRegistry(nil)
	require.NoError(t, err)
	catalog := manifest.NewCatalog()
	loader := manifest.NewLoader(registry, catalog, nil)

	require.NoError(t, modules.Install(loader, catalog, lists.New(nil)))
	assert.ErrorIs(t, modules.Install(loader, catalog, lists.New(nil)), routing.ErrDuplicateCapability)
}

func TestBuiltins_SingleIntentRouting(t *testing.T) {
	_, svc := newStack(t)
	ctx := context.Background()

	tests := []struct {
		utterance string
		intent    string
		slots     map[string]string
	}{
		{"add milk to my shopping list", "ListAdd", map[string]string{"item": "milk", "list": "shopping"}},
		{"what's on my shopping list", "ListShow", map[string]string{"list": "shopping"}},
		{"schedule dentist tomorrow at 3pm", "EventCreate", map[string]string{"title": "dentist", "when": "2026-10-18T15:00:00Z"}},
		{"what is on my calendar tomorrow", "EventList", map[string]string{"when": "2026-10-18T00:00:00Z"}},
		{"remember that the wifi password is on the fridge", "MemoryRemember", map[string]string{"fact": "the wifi password is on the fridge"}},
		{"what do you remember about the wifi", "MemoryRecall", map[string]string{"topic": "the wifi"}},
		{"will it rain tomorrow", "WeatherRain", map[string]string{"when": "2026-10-18T00:00:00Z"}},
		{"turn on the kitchen lights", "DeviceSwitch", map[string]string{"state": "on", "device": "kitchen lights"}},
		{"set the thermostat to 21 degrees", "ThermostatSet", map[string]string{"temperature": "21"}},
	}
	for _, tt := range tests {
		t.Run(tt.utterance, func(t *testing.T) {
			res, err := svc.Route(ctx, tt.utterance, "routing")
			require.NoError(t, err)
			assert.Equal(t, tt.intent, res.IntentName)
			assert.Equal(t, tt.slots, res.Slots)
			assert.Equal(t, router.PathClassifier, res.Path)
			assert.Equal(t, router.StatusCompleted, res.Status, res.Text)
		})
	}
}

func TestBuiltins_ReferencesResolveFromSession(t *testing.T) {
	_, svc := newStack(t)
	ctx := context.Background()

	res, err := svc.Route(ctx, "schedule dentist tomorrow at 3pm", "s1")
	require.NoError(t, err)
	require.Equal(t, "EventCreate", res.IntentName)

	res, err = svc.Route(ctx, "cancel it", "s1")
	require.NoError(t, err)
	assert.Equal(t, "EventCancel", res.IntentName)
	assert.Equal(t, "1", res.Slots["event_id"])
	assert.Equal(t, 2, res.TierUsed)
	assert.Equal(t, "Cancelled dentist on Sun Oct 18 15:00.", res.Text)

	res, err = svc.Route(ctx, "turn on the porch light", "s2")
	require.NoError(t, err)
	require.Equal(t, "DeviceSwitch", res.IntentName)

	res, err = svc.Route(ctx, "turn it off", "s2")
	require.NoError(t, err)
	assert.Equal(t, "DeviceSwitch", res.IntentName)
	assert.Equal(t, map[string]string{"state": "off", "device": "porch light"}, res.Slots)
	assert.Equal(t, "Turned off the porch light.", res.Text)
}

func TestBuiltins_CompoundRequestIsOrchestrated(t *testing.T) {
	_, svc := newStack(t)

	res, err := svc.Route(context.Background(), "plan my day and also check if it'll rain", "s1")
	require.NoError(t, err)
	assert.Equal(t, router.PathOrchestrator, res.Path)
	assert.Equal(t, router.TierOrchestrated, res.TierUsed)
	assert.Equal(t, router.StatusCompleted, res.Status)
	require.Len(t, res.Tasks, 2)
	assert.Contains(t, res.Text, "Your calendar is clear today.")
	assert.Contains(t, res.Text, "Rain is unlikely today")
}
