package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/divinesense-router/ai/routing"
)

func TestProcess_PartialWhenExpertTimesOut(t *testing.T) {
	calendar := &recordingExpert{name: "calendar", tags: []string{"plan my day", "agenda"}, text: "You have 2 meetings today."}
	weather := &recordingExpert{
		name: "weather", tags: []string{"rain", "forecast"}, timeout: 50 * time.Millisecond,
		delay: 300 * time.Millisecond, ignoreCtx: true, text: "It will be sunny.",
	}
	f := newFixture(t, calendar, weather)
	o := f.orchestrator(Config{})

	start := time.Now()
	res := o.Process(context.Background(), "plan my day and also check if it'll rain", f.session)
	assert.Less(t, time.Since(start), 250*time.Millisecond, "does not wait for the late adapter")

	assert.Equal(t, StatePartiallyCompleted, res.Status)
	assert.Equal(t, SourceFastPath, res.Source)
	require.Len(t, res.Tasks, 2)

	cal := taskByID(t, res, "t1")
	assert.Equal(t, "calendar", cal.Domain)
	assert.Equal(t, TaskDone, cal.Status)

	rain := taskByID(t, res, "t2")
	assert.Equal(t, "weather", rain.Domain)
	assert.Equal(t, TaskTimedOut, rain.Status)
	assert.Equal(t, "timed out", rain.Reason)

	assert.Contains(t, res.Text, "You have 2 meetings today.")
	assert.Contains(t, res.Text, "Not done:")
	assert.Contains(t, res.Text, "check if it will rain (timed out)")

	// The late result never reaches the reply.
	time.Sleep(300 * time.Millisecond)
	assert.NotContains(t, res.Text, "sunny")
	assert.Empty(t, rain.Text)

	assert.Equal(t, []State{StateReceived, StateDecomposed, StateScheduled, StateSynthesizing, StatePartiallyCompleted}, res.States)
}

func TestProcess_IndependentTasksRunConcurrently(t *testing.T) {
	delay := 100 * time.Millisecond
	experts := []*recordingExpert{
		{name: "calendar", tags: []string{"agenda"}, delay: delay, text: "agenda"},
		{name: "weather", tags: []string{"forecast"}, delay: delay, text: "forecast"},
		{name: "memory", tags: []string{"notes"}, delay: delay, text: "notes"},
	}
	adapters := make([]routing.ExpertAdapter, len(experts))
	for i, e := range experts {
		adapters[i] = e
	}
	f := newFixture(t, adapters...)

	start := time.Now()
	res := f.orchestrator(Config{}).Process(context.Background(), "show my agenda, the forecast and my notes", f.session)
	elapsed := time.Since(start)

	assert.Equal(t, StateCompleted, res.Status)
	assert.Len(t, res.Tasks, 3)
	assert.Less(t, elapsed, 2*delay, "wall clock is close to the slowest task, not the sum")
}

func TestProcess_UpstreamFailureIsNeverDispatched(t *testing.T) {
	weather := &recordingExpert{name: "weather", tags: []string{"forecast"}, err: errors.New("provider down")}
	memory := &recordingExpert{name: "memory", tags: []string{"remember"}, text: "saved"}
	calendar := &recordingExpert{name: "calendar", tags: []string{"agenda"}, text: "2 meetings"}
	f := newFixture(t, weather, memory, calendar)

	planner := &mockPlanner{}
	planner.On("Decompose", mock.Anything, "get the forecast, save it, and show my agenda", mock.Anything).Return([]ProposedTask{
		{ID: "t1", Domain: "weather", Description: "get the forecast"},
		{ID: "t2", Domain: "memory", Description: "remember {{t1.result}}", DependsOn: []string{"t1"}},
		{ID: "t3", Domain: "calendar", Description: "list today's events"},
	}, nil).Once()

	res := f.orchestrator(Config{Planner: planner}).Process(context.Background(), "get the forecast, save it, and show my agenda", f.session)

	assert.Equal(t, StatePartiallyCompleted, res.Status)
	assert.Equal(t, SourcePlanner, res.Source)
	assert.Equal(t, TaskFailed, taskByID(t, res, "t1").Status)
	saved := taskByID(t, res, "t2")
	assert.Equal(t, TaskFailed, saved.Status)
	assert.Equal(t, "skipped because an earlier step failed", saved.Reason)
	assert.Equal(t, 0, memory.calls())
	assert.Equal(t, TaskDone, taskByID(t, res, "t3").Status)

	assert.Contains(t, res.Text, "2 meetings")
	assert.Contains(t, res.Text, "get the forecast (failed)")
	assert.NotContains(t, res.Text, "provider down", "raw reasons are not shown")
	planner.AssertExpectations(t)
}

func TestProcess_UpstreamFailureCascades(t *testing.T) {
	weather := &recordingExpert{name: "weather", tags: []string{"forecast"}, err: errors.New("provider down")}
	memory := &recordingExpert{name: "memory", tags: []string{"remember"}, text: "saved"}
	calendar := &recordingExpert{name: "calendar", tags: []string{"agenda"}, text: "blocked an hour"}
	f := newFixture(t, weather, memory, calendar)

	planner := &mockPlanner{}
	planner.On("Decompose", mock.Anything, mock.Anything, mock.Anything).Return([]ProposedTask{
		{ID: "t1", Domain: "weather", Description: "get the forecast"},
		{ID: "t2", Domain: "memory", Description: "remember {{t1.result}}", DependsOn: []string{"t1"}},
		{ID: "t3", Domain: "calendar", Description: "block time for {{t2.result}}", DependsOn: []string{"t2"}},
	}, nil).Once()

	res := f.orchestrator(Config{Planner: planner}).Process(context.Background(), "get the forecast, save it, then block time for it", f.session)

	assert.Equal(t, StateFailed, res.Status)
	assert.Equal(t, TaskFailed, taskByID(t, res, "t1").Status)
	for _, id := range []string{"t2", "t3"} {
		report := taskByID(t, res, id)
		assert.Equal(t, TaskFailed, report.Status, id)
		assert.Equal(t, "skipped because an earlier step failed", report.Reason, id)
	}
	assert.Equal(t, 1, weather.calls())
	assert.Equal(t, 0, memory.calls())
	assert.Equal(t, 0, calendar.calls())
	planner.AssertExpectations(t)
}

func TestProcess_DependentTaskReceivesUpstreamResult(t *testing.T) {
	calendar := &recordingExpert{name: "calendar", tags: []string{"agenda"}, text: "dentist at 5pm"}
	memory := &recordingExpert{name: "memory", tags: []string{"remember"}, text: "saved"}
	f := newFixture(t, calendar, memory)

	planner := &mockPlanner{}
	planner.On("Decompose", mock.Anything, mock.Anything, mock.Anything).Return([]ProposedTask{
		{ID: "a", Domain: "calendar", Description: "list today's events"},
		{ID: "b", Domain: "memory", Description: "remember {{a.result}}", DependsOn: []string{"a"}},
	}, nil)

	res := f.orchestrator(Config{Planner: planner}).Process(context.Background(), "note down whatever is on today", f.session)
	require.Equal(t, StateCompleted, res.Status)

	got := memory.subtasks()
	require.Len(t, got, 1)
	assert.Equal(t, "remember dentist at 5pm", got[0].Description)
	assert.Equal(t, map[string]string{"a": "dentist at 5pm"}, got[0].Upstream)
	assert.Contains(t, res.Text, "saved")
	assert.Equal(t, map[string]any{"source": "calendar"}, res.Data["a"])
}

func TestProcess_SequencedIntentTasks(t *testing.T) {
	f := newFixture(t)
	var order []string
	var mu sync.Mutex
	observer := ObserverFunc(func(e Event) {
		if e.Kind == EventTask && e.Status == TaskDone {
			mu.Lock()
			order = append(order, e.TaskID)
			mu.Unlock()
		}
	})

	res := f.orchestrator(Config{Observer: observer}).Process(context.Background(), "add milk to my shopping list and then show me my shopping list", f.session)
	require.Equal(t, StateCompleted, res.Status)
	require.Len(t, res.Tasks, 2)
	assert.Equal(t, "ListAdd", res.Tasks[0].IntentName)
	assert.Equal(t, "ListShow", res.Tasks[1].IntentName)
	assert.Equal(t, []string{"t1"}, res.Tasks[1].DependsOn)
	assert.Equal(t, []string{"t1", "t2"}, order)
	assert.Contains(t, res.Text, "added milk")

	// Handler data became session entities.
	ent, ok := f.session.Entity("list")
	require.True(t, ok)
	assert.Equal(t, "shopping", ent.Value)
}

func TestProcess_AllFailed(t *testing.T) {
	weather := &recordingExpert{name: "weather", tags: []string{"forecast"}, err: errors.New("boom")}
	f := newFixture(t, weather)

	res := f.orchestrator(Config{}).Process(context.Background(), "what's the forecast", f.session)
	assert.Equal(t, StateFailed, res.Status)
	assert.Contains(t, res.Text, "I couldn't complete your request")
	assert.Contains(t, res.Text, "(failed)")
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "boom")
}

func TestProcess_NoPlan(t *testing.T) {
	f := newFixture(t, &recordingExpert{name: "weather", tags: []string{"forecast"}})

	for _, input := range []string{"", "write me a poem"} {
		res := f.orchestrator(Config{}).Process(context.Background(), input, f.session)
		assert.Equal(t, StateFailed, res.Status, input)
		assert.Equal(t, noPlanText, res.Text)
		assert.ErrorIs(t, res.Err, ErrNoPlan)
	}
}

func TestProcess_PlanRejected(t *testing.T) {
	tests := []struct {
		name  string
		tasks []ProposedTask
	}{
		{"unknown domain", []ProposedTask{{ID: "t1", Domain: "banking", Description: "pay rent"}}},
		{"unknown dependency", []ProposedTask{{ID: "t1", Domain: "weather", Description: "forecast", DependsOn: []string{"t9"}}}},
		{"duplicate id", []ProposedTask{
			{ID: "t1", Domain: "weather", Description: "forecast"},
			{ID: "t1", Domain: "weather", Description: "forecast again"},
		}},
		{"cycle", []ProposedTask{
			{ID: "t1", Domain: "weather", Description: "a", DependsOn: []string{"t2"}},
			{ID: "t2", Domain: "weather", Description: "b", DependsOn: []string{"t1"}},
		}},
		{"self dependency", []ProposedTask{{ID: "t1", Domain: "weather", Description: "a", DependsOn: []string{"t1"}}}},
		{"undeclared reference", []ProposedTask{
			{ID: "t1", Domain: "weather", Description: "forecast"},
			{ID: "t2", Domain: "weather", Description: "explain {{t1.result}}"},
		}},
		{"pattern domain that cannot run the task", []ProposedTask{{ID: "t1", Domain: "lists", Description: "sing a song"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			weather := &recordingExpert{name: "weather", tags: []string{"forecast"}}
			f := newFixture(t, weather)
			planner := &mockPlanner{}
			planner.On("Decompose", mock.Anything, mock.Anything, mock.Anything).Return(tt.tasks, nil)

			res := f.orchestrator(Config{Planner: planner}).Process(context.Background(), "do something complicated", f.session)
			assert.Equal(t, StateFailed, res.Status)
			assert.ErrorIs(t, res.Err, ErrPlanRejected)
			assert.True(t, IsPlanRejected(res.Err))
			assert.Equal(t, 0, weather.calls(), "rejected plans are never scheduled")
		})
	}
}

func TestProcess_PlannerMapsPatternDomains(t *testing.T) {
	f := newFixture(t)
	planner := &mockPlanner{}
	planner.On("Decompose", mock.Anything, mock.Anything, mock.MatchedBy(func(domains []DomainInfo) bool {
		return len(domains) == 1 && domains[0].Domain == "lists" && len(domains[0].Tags) == 2
	})).Return([]ProposedTask{{ID: "t1", Domain: "lists", Description: "add eggs to my shopping list"}}, nil)

	res := f.orchestrator(Config{Planner: planner}).Process(context.Background(), "we need eggs", f.session)
	require.Equal(t, StateCompleted, res.Status)
	assert.Equal(t, "ListAdd", res.Tasks[0].IntentName)
	assert.Equal(t, "added eggs", res.Text)
}

func TestProcess_PlannerError(t *testing.T) {
	f := newFixture(t)
	planner := &mockPlanner{}
	planner.On("Decompose", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("rate limited"))

	res := f.orchestrator(Config{Planner: planner}).Process(context.Background(), "we need eggs", f.session)
	assert.Equal(t, StateFailed, res.Status)
	assert.ErrorIs(t, res.Err, ErrNoPlan)
}

func TestProcess_AmbiguousTagsFallBackToPlanner(t *testing.T) {
	calendar := &recordingExpert{name: "calendar", tags: []string{"today"}, text: "agenda"}
	weather := &recordingExpert{name: "weather", tags: []string{"today"}, text: "sunny"}
	f := newFixture(t, calendar, weather)

	planner := &mockPlanner{}
	planner.On("Decompose", mock.Anything, "what about today", mock.Anything).Return([]ProposedTask{
		{ID: "t1", Domain: "calendar", Description: "list today's events"},
	}, nil).Once()

	res := f.orchestrator(Config{Planner: planner}).Process(context.Background(), "what about today", f.session)
	assert.Equal(t, StateCompleted, res.Status)
	assert.Equal(t, SourcePlanner, res.Source)
	planner.AssertExpectations(t)
}

func TestProcess_SummarizerPolishesOnlySuccesses(t *testing.T) {
	calendar := &recordingExpert{name: "calendar", tags: []string{"agenda"}, text: "2 meetings"}
	weather := &recordingExpert{name: "weather", tags: []string{"forecast"}, err: errors.New("down")}
	f := newFixture(t, calendar, weather)

	summarizer := &mockSummarizer{}
	summarizer.On("Summarize", mock.Anything, mock.Anything, []string{"show my agenda: 2 meetings"}).
		Return("Your day has two meetings.", nil).Once()

	res := f.orchestrator(Config{Summarizer: summarizer}).Process(context.Background(), "show my agenda and the forecast", f.session)
	assert.Equal(t, StatePartiallyCompleted, res.Status)
	assert.Equal(t, "Done: Your day has two meetings.\n\nNot done:\n- the forecast (failed)", res.Text)
	summarizer.AssertExpectations(t)
}

func TestProcess_SummarizerFailureFallsBack(t *testing.T) {
	calendar := &recordingExpert{name: "calendar", tags: []string{"agenda"}, text: "2 meetings"}
	f := newFixture(t, calendar)

	summarizer := &mockSummarizer{}
	summarizer.On("Summarize", mock.Anything, mock.Anything, mock.Anything).Return("", errors.New("llm down"))

	res := f.orchestrator(Config{Summarizer: summarizer}).Process(context.Background(), "show my agenda", f.session)
	assert.Equal(t, StateCompleted, res.Status)
	assert.Equal(t, "2 meetings", res.Text)
}

func TestProcess_CallerCancellation(t *testing.T) {
	slow := &recordingExpert{name: "calendar", tags: []string{"agenda"}, delay: time.Second, text: "late"}
	f := newFixture(t, slow)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	res := f.orchestrator(Config{}).Process(ctx, "show my agenda", f.session)
	assert.Equal(t, StateFailed, res.Status)
	assert.Equal(t, "cancelled", res.Tasks[0].Reason)
}

func TestProcess_PanickingObserverIsContained(t *testing.T) {
	calendar := &recordingExpert{name: "calendar", tags: []string{"agenda"}, text: "2 meetings"}
	f := newFixture(t, calendar)
	observer := ObserverFunc(func(Event) { panic("observer bug") })

	res := f.orchestrator(Config{Observer: observer}).Process(context.Background(), "show my agenda", f.session)
	assert.Equal(t, StateCompleted, res.Status)
}

func TestProcess_MaxParallelTasks(t *testing.T) {
	var mu sync.Mutex
	active, peak := 0, 0
	track := func(ctx context.Context, task routing.Subtask) (*routing.ExpertResult, error) {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return &routing.ExpertResult{Text: task.Domain}, nil
	}
	var adapters []routing.ExpertAdapter
	for _, name := range []string{"a", "b", "c", "d"} {
		adapters = append(adapters, &routing.Expert{Name: name, Tags: []string{"topic " + name}, InvokeF: track})
	}
	f := newFixture(t, adapters...)

	res := f.orchestrator(Config{MaxParallelTasks: 2}).Process(context.Background(), "topic a, topic b, topic c, topic d", f.session)
	assert.Equal(t, StateCompleted, res.Status)
	assert.LessOrEqual(t, peak, 2)
}
