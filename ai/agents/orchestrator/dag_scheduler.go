package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hrygo/divinesense-router/ai/routing"
)

// taskRunner executes one task with the text results of its dependencies.
type taskRunner func(ctx context.Context, node *TaskNode, upstream map[string]string) (*routing.ExpertResult, error)

type completion struct {
	id     string
	res    *routing.ExpertResult
	err    error
	status TaskStatus
}

// dagScheduler runs a validated plan with Kahn's algorithm: every task whose
// dependencies are done is dispatched at once, bounded by a semaphore.
// dagScheduler 按依赖拓扑顺序并发执行任务，上游失败时级联跳过下游任务。
type dagScheduler struct {
	plan       *Plan
	nodes      map[string]*TaskNode
	downstream map[string][]string
	remaining  map[string]int

	sem     *semaphore.Weighted
	run     taskRunner
	timeout func(*TaskNode) time.Duration
	events  *EventDispatcher
	logger  *slog.Logger
	start   time.Time
}

func newDAGScheduler(plan *Plan, maxParallel int, run taskRunner, timeout func(*TaskNode) time.Duration, events *EventDispatcher, logger *slog.Logger) *dagScheduler {
	s := &dagScheduler{
		plan:       plan,
		nodes:      make(map[string]*TaskNode, len(plan.Tasks)),
		downstream: make(map[string][]string),
		remaining:  make(map[string]int, len(plan.Tasks)),
		sem:        semaphore.NewWeighted(int64(maxParallel)),
		run:        run,
		timeout:    timeout,
		events:     events,
		logger:     logger,
	}
	for _, t := range plan.Tasks {
		s.nodes[t.ID] = t
	}
	for _, t := range plan.Tasks {
		seen := make(map[string]bool, len(t.DependsOn))
		for _, dep := range t.DependsOn {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			s.downstream[dep] = append(s.downstream[dep], t.ID)
			s.remaining[t.ID]++
		}
	}
	return s
}

// Run returns once every task is terminal.
func (s *dagScheduler) Run(ctx context.Context) {
	s.start = time.Now()
	done := make(chan completion, len(s.nodes))
	inflight := 0

	dispatch := func(id string) {
		node := s.nodes[id]
		if node.Status() != TaskPending {
			return
		}
		inflight++
		go s.execute(ctx, node, s.upstreamResults(node), done)
	}

	for _, t := range s.plan.Tasks {
		if s.remaining[t.ID] == 0 {
			dispatch(t.ID)
		}
	}

	for inflight > 0 {
		c := <-done
		inflight--
		node := s.nodes[c.id]
		if c.err != nil {
			node.fail(c.status, c.err)
			s.emit(node)
			s.logger.WarnContext(ctx, "task failed",
				"task_id", node.ID,
				"domain", node.Domain,
				"status", c.status,
				"error", c.err)
			s.cascade(node.ID)
			continue
		}

		node.complete(c.res)
		s.emit(node)
		for _, next := range s.downstream[node.ID] {
			s.remaining[next]--
			if s.remaining[next] == 0 {
				dispatch(next)
			}
		}
	}

	// Unreachable for validated plans.
	for _, t := range s.plan.Tasks {
		if !t.Status().IsTerminal() {
			t.fail(TaskFailed, fmt.Errorf("%w: never became ready", ErrUpstreamFailure))
			s.emit(t)
		}
	}
}

func (s *dagScheduler) execute(ctx context.Context, node *TaskNode, upstream map[string]string, done chan<- completion) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		done <- completion{id: node.ID, err: err, status: TaskFailed}
		return
	}
	defer s.sem.Release(1)

	node.markRunning()
	s.emit(node)

	timeout := s.timeout(node)
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Buffered so an adapter finishing after the deadline never blocks.
	out := make(chan completion, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				out <- completion{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		res, err := s.run(taskCtx, node, upstream)
		out <- completion{res: res, err: err}
	}()

	c := completion{id: node.ID}
	select {
	case r := <-out:
		c.res, c.err = r.res, r.err
		switch {
		case r.err == nil && taskCtx.Err() == nil:
		case ctx.Err() != nil:
			c.res, c.err, c.status = nil, ctx.Err(), TaskFailed
		case taskCtx.Err() != nil:
			c.res, c.err, c.status = nil, fmt.Errorf("%w after %s", routing.ErrTimedOut, timeout), TaskTimedOut
		case errors.Is(r.err, routing.ErrTimedOut):
			c.status = TaskTimedOut
		default:
			c.status = TaskFailed
		}
	case <-taskCtx.Done():
		if ctx.Err() != nil {
			c.err, c.status = ctx.Err(), TaskFailed
		} else {
			c.err, c.status = fmt.Errorf("%w after %s", routing.ErrTimedOut, timeout), TaskTimedOut
		}
	}
	done <- c
}

// cascade fails every pending task reachable from a failed one.
// cascade 将失败任务下游所有待执行的任务标记为失败。
func (s *dagScheduler) cascade(failedID string) {
	queue := []string{failedID}
	visited := map[string]bool{}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		for _, next := range s.downstream[cur] {
			node := s.nodes[next]
			if node.Status() != TaskPending {
				continue
			}
			node.fail(TaskFailed, fmt.Errorf("%w: depends on %s", ErrUpstreamFailure, cur))
			s.emit(node)
			queue = append(queue, next)
		}
	}
}

func (s *dagScheduler) upstreamResults(node *TaskNode) map[string]string {
	if len(node.DependsOn) == 0 {
		return nil
	}
	out := make(map[string]string, len(node.DependsOn))
	for _, dep := range node.DependsOn {
		if res := s.nodes[dep].Result(); res != nil {
			out[dep] = res.Text
		}
	}
	return out
}

func (s *dagScheduler) emit(node *TaskNode) {
	s.events.Send(Event{
		Kind:    EventTask,
		TaskID:  node.ID,
		Domain:  node.Domain,
		Status:  node.Status(),
		Elapsed: time.Since(s.start),
	})
}
