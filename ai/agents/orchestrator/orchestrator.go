package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hrygo/divinesense-router/ai/routing"
	"github.com/hrygo/divinesense-router/ai/session"
)

// Orchestrator runs compound and open-ended requests through
// Received → Decomposed → Scheduled → Synthesizing → Completed |
// PartiallyCompleted | Failed.
// Orchestrator 负责复合请求的分解、调度与结果汇总。
type Orchestrator struct {
	registry    *routing.Registry
	executor    *routing.Executor
	decomposer  *Decomposer
	synthesizer *synthesizer
	config      Config
}

// New creates an orchestrator. classifier may be nil, which disables intent
// tasks on the fast path.
// New 创建一个编排器。
func New(registry *routing.Registry, classifier *routing.Classifier, executor *routing.Executor, cfg Config) *Orchestrator {
	c := cfg.withDefaults()
	return &Orchestrator{
		registry:    registry,
		executor:    executor,
		decomposer:  NewDecomposer(registry, classifier, c.Planner, c.Logger),
		synthesizer: &synthesizer{summarizer: c.Summarizer, logger: c.Logger},
		config:      c,
	}
}

// Process handles one request. It never returns an error: failures are
// reported through Result.Status and logged through Result.Err.
func (o *Orchestrator) Process(ctx context.Context, request string, sess *session.Context) *Result {
	start := time.Now()
	logger := o.config.Logger
	events := NewEventDispatcher(o.config.Observer, logger)
	defer events.Close()

	result := &Result{}
	transition := func(s State) {
		result.States = append(result.States, s)
		events.Send(Event{Kind: EventState, State: s, Elapsed: time.Since(start)})
		logger.DebugContext(ctx, "orchestration state", "state", s, "elapsed_ms", time.Since(start).Milliseconds())
	}
	finish := func(s State) *Result {
		transition(s)
		result.Status = s
		result.Duration = time.Since(start)
		logger.InfoContext(ctx, "orchestration finished",
			"status", s,
			"source", result.Source,
			"tasks", len(result.Tasks),
			"duration_ms", result.Duration.Milliseconds())
		return result
	}

	transition(StateReceived)
	if strings.TrimSpace(request) == "" {
		result.Err = ErrNoPlan
		result.Text = noPlanText
		return finish(StateFailed)
	}

	plan, err := o.decomposer.Decompose(ctx, request)
	if err != nil {
		result.Err = err
		result.Text = noPlanText
		if !errors.Is(err, ErrNoPlan) {
			logger.WarnContext(ctx, "decomposition failed", "error", err)
		}
		return finish(StateFailed)
	}
	result.Source = plan.Source
	transition(StateDecomposed)

	sched := newDAGScheduler(plan, o.config.MaxParallelTasks, o.runner(sess), o.timeoutFor, events, logger)
	transition(StateScheduled)
	sched.Run(ctx)

	transition(StateSynthesizing)
	status, text, reports := o.synthesizer.synthesize(ctx, request, plan)
	result.Text = text
	result.Tasks = reports
	for _, r := range reports {
		if r.Status == TaskDone && len(r.Data) > 0 {
			if result.Data == nil {
				result.Data = make(map[string]any)
			}
			result.Data[r.ID] = r.Data
		}
	}
	if status == StateFailed {
		result.Err = joinReasons(plan)
	}
	return finish(status)
}

// runner resolves the task's executor by name at dispatch time.
func (o *Orchestrator) runner(sess *session.Context) taskRunner {
	return func(ctx context.Context, node *TaskNode, upstream map[string]string) (*routing.ExpertResult, error) {
		desc, err := resolveInput(node.Description, upstream)
		if err != nil {
			return nil, err
		}
		slots := node.Slots.Clone()
		for k, v := range slots {
			if slots[k], err = resolveInput(v, upstream); err != nil {
				return nil, err
			}
		}

		if node.Intent != nil {
			intent := node.Intent.Clone()
			intent.Slots = slots
			resp, err := o.executor.Execute(ctx, intent, sess)
			if err != nil {
				return nil, err
			}
			return &routing.ExpertResult{Text: resp.Text, Data: resp.Data}, nil
		}

		adapter, err := o.registry.Adapter(node.Domain)
		if err != nil {
			return nil, err
		}
		return adapter.Invoke(ctx, routing.Subtask{
			ID:          node.ID,
			Domain:      node.Domain,
			Description: desc,
			Slots:       slots,
			Upstream:    upstream,
		})
	}
}

func (o *Orchestrator) timeoutFor(node *TaskNode) time.Duration {
	if node.Intent == nil {
		if a, err := o.registry.Adapter(node.Domain); err == nil && a.Timeout() > 0 {
			return a.Timeout()
		}
	}
	return o.config.DefaultTimeout
}

func joinReasons(plan *Plan) error {
	var errs []error
	for _, t := range plan.Tasks {
		if err := t.Reason(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.ID, err))
		}
	}
	return errors.Join(errs...)
}
