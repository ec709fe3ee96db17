package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/divinesense-router/ai/routing"
	"github.com/hrygo/divinesense-router/ai/session"
)

type mockPlanner struct {
	mock.Mock
}

func (m *mockPlanner) Decompose(ctx context.Context, request string, domains []DomainInfo) ([]ProposedTask, error) {
	args := m.Called(ctx, request, domains)
	tasks, _ := args.Get(0).([]ProposedTask)
	return tasks, args.Error(1)
}

type mockSummarizer struct {
	mock.Mock
}

func (m *mockSummarizer) Summarize(ctx context.Context, request string, results []string) (string, error) {
	args := m.Called(ctx, request, results)
	return args.String(0), args.Error(1)
}

// recordingExpert answers with a fixed text after a delay, optionally
// ignoring cancellation, and records the subtasks it receives.
type recordingExpert struct {
	name        string
	tags        []string
	timeout     time.Duration
	delay       time.Duration
	ignoreCtx   bool
	text        string
	err         error
	mu          sync.Mutex
	received    []routing.Subtask
	invocations int
}

func (e *recordingExpert) Domain() string           { return e.name }
func (e *recordingExpert) CapabilityTags() []string { return e.tags }
func (e *recordingExpert) Timeout() time.Duration   { return e.timeout }

func (e *recordingExpert) Invoke(ctx context.Context, task routing.Subtask) (*routing.ExpertResult, error) {
	e.mu.Lock()
	e.received = append(e.received, task)
	e.invocations++
	e.mu.Unlock()

	if e.delay > 0 {
		if e.ignoreCtx {
			time.Sleep(e.delay)
		} else {
			select {
			case <-time.After(e.delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if e.err != nil {
		return nil, e.err
	}
	return &routing.ExpertResult{Text: e.text, Data: map[string]any{"source": e.name}}, nil
}

func (e *recordingExpert) calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.invocations
}

func (e *recordingExpert) subtasks() []routing.Subtask {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]routing.Subtask(nil), e.received...)
}

type fixture struct {
	registry   *routing.Registry
	classifier *routing.Classifier
	executor   *routing.Executor
	session    *session.Context
}

func newFixture(t *testing.T, experts ...routing.ExpertAdapter) *fixture {
	t.Helper()
	reg, err := routing.NewRegistry(nil)
	require.NoError(t, err)
	for _, e := range experts {
		require.NoError(t, reg.RegisterExpert(e))
	}

	patterns := []routing.PatternDefinition{
		{
			IntentName: "ListAdd",
			Templates:  []string{"add {item} to [my|the] {list} list"},
			Slots: []routing.SlotSpec{
				{Name: "item", Type: routing.SlotText, Required: true},
				{Name: "list", Type: routing.SlotText, Required: true},
			},
		},
		{
			IntentName: "ListShow",
			Templates:  []string{"show [me] my {list} list"},
			Slots:      []routing.SlotSpec{{Name: "list", Type: routing.SlotText, Required: true}},
		},
	}
	handlers := []routing.HandlerBinding{
		{IntentName: "ListAdd", Handler: routing.HandlerFunc(func(_ context.Context, slots routing.Slots, _ *session.Context) (*routing.HandlerResult, error) {
			return &routing.HandlerResult{Text: "added " + slots["item"], Data: map[string]any{"list": slots["list"]}, SideEffects: true}, nil
		})},
		{IntentName: "ListShow", Handler: routing.HandlerFunc(func(_ context.Context, slots routing.Slots, _ *session.Context) (*routing.HandlerResult, error) {
			return &routing.HandlerResult{Text: "your " + slots["list"] + " list has milk"}, nil
		})},
	}
	require.NoError(t, reg.RegisterCapability("lists", patterns, handlers))

	store := session.NewStore(session.Config{CleanupInterval: -1})
	t.Cleanup(store.Close)
	sess, release, err := store.Acquire(context.Background(), "test")
	require.NoError(t, err)
	t.Cleanup(release)

	return &fixture{
		registry:   reg,
		classifier: routing.NewClassifier(reg, routing.ClassifierConfig{CacheSize: -1}),
		executor:   routing.NewExecutor(reg, 0, nil),
		session:    sess,
	}
}

func (f *fixture) orchestrator(cfg Config) *Orchestrator {
	return New(f.registry, f.classifier, f.executor, cfg)
}

func taskByID(t *testing.T, res *Result, id string) TaskReport {
	t.Helper()
	for _, r := range res.Tasks {
		if r.ID == id {
			return r
		}
	}
	require.Failf(t, "task not found", "id %s", id)
	return TaskReport{}
}
