// Package orchestrator handles requests that do not resolve to a single
// intent. It decomposes the request into a task DAG over expert domains,
// runs independent branches concurrently under per-task timeouts, and
// synthesizes one reply from the partial results.
package orchestrator

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hrygo/divinesense-router/ai/routing"
)

// Orchestration errors.
var (
	// ErrPlanRejected means a proposed plan failed validation against the
	// registry. The whole plan is rejected.
	ErrPlanRejected = errors.New("plan rejected")
	// ErrUpstreamFailure is the reason recorded on tasks skipped because a
	// dependency did not complete.
	ErrUpstreamFailure = errors.New("upstream failure")
	// ErrNoPlan means neither the fast path nor a planner produced tasks.
	ErrNoPlan = errors.New("no plan")
)

// Defaults.
const (
	DefaultTaskTimeout      = 30 * time.Second
	DefaultMaxParallelTasks = 8
)

// TaskStatus is the lifecycle state of one task.
type TaskStatus string

const (
	TaskPending  TaskStatus = "pending"
	TaskRunning  TaskStatus = "running"
	TaskDone     TaskStatus = "done"
	TaskFailed   TaskStatus = "failed"
	TaskTimedOut TaskStatus = "timed_out"
)

// IsTerminal reports whether the status is final.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskDone || s == TaskFailed || s == TaskTimedOut
}

// State is the orchestration state of a request.
type State string

const (
	StateReceived           State = "received"
	StateDecomposed         State = "decomposed"
	StateScheduled          State = "scheduled"
	StateSynthesizing       State = "synthesizing"
	StateCompleted          State = "completed"
	StatePartiallyCompleted State = "partially_completed"
	StateFailed             State = "failed"
)

// TaskNode is one vertex of a request's task DAG. Status, Result and
// Reason are mutated only by the scheduler.
type TaskNode struct {
	ID          string
	Domain      string
	Description string
	Slots       routing.Slots
	DependsOn   []string
	// Intent is set when the task runs through the intent executor instead
	// of the domain's expert adapter.
	Intent *routing.ResolvedIntent

	mu     sync.RWMutex
	status TaskStatus
	result *routing.ExpertResult
	reason error
}

func newTaskNode(id, domain, description string) *TaskNode {
	return &TaskNode{ID: id, Domain: domain, Description: description, status: TaskPending}
}

// Status returns the current status.
func (t *TaskNode) Status() TaskStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// Result returns the task result, nil unless the task is done.
func (t *TaskNode) Result() *routing.ExpertResult {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.result
}

// Reason returns why the task did not complete.
func (t *TaskNode) Reason() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.reason
}

func (t *TaskNode) markRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != TaskPending {
		return false
	}
	t.status = TaskRunning
	return true
}

func (t *TaskNode) complete(res *routing.ExpertResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.IsTerminal() {
		return
	}
	if res == nil {
		res = &routing.ExpertResult{}
	}
	t.status = TaskDone
	t.result = res
}

func (t *TaskNode) fail(status TaskStatus, reason error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.IsTerminal() {
		return
	}
	t.status = status
	t.reason = reason
}

// Plan is a validated task DAG.
type Plan struct {
	Tasks []*TaskNode
	// Source is "fast_path" or "planner".
	Source string
}

// Task returns the node with id, or nil.
func (p *Plan) Task(id string) *TaskNode {
	for _, t := range p.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// TaskReport is the caller-facing view of a finished task.
type TaskReport struct {
	ID          string         `json:"id"`
	Domain      string         `json:"domain"`
	Description string         `json:"description"`
	IntentName  string         `json:"intent_name,omitempty"`
	DependsOn   []string       `json:"depends_on,omitempty"`
	Status      TaskStatus     `json:"status"`
	Text        string         `json:"text,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	// Reason is a short, user-safe category of the failure.
	Reason string `json:"reason,omitempty"`
}

// Result is the outcome of one orchestrated request.
type Result struct {
	Status   State          `json:"status"`
	Text     string         `json:"text"`
	Tasks    []TaskReport   `json:"tasks,omitempty"`
	Source   string         `json:"source,omitempty"`
	States   []State        `json:"states"`
	Duration time.Duration  `json:"duration"`
	Data     map[string]any `json:"data,omitempty"`
	// Err holds the cause of a Failed result. It is logged, never shown.
	Err error `json:"-"`
}

// Config configures an Orchestrator.
type Config struct {
	// DefaultTimeout applies to adapters declaring no timeout and to intent
	// tasks as an outer ceiling.
	DefaultTimeout   time.Duration
	MaxParallelTasks int
	// Planner is consulted when the fast path cannot map every clause.
	Planner Planner
	// Summarizer optionally polishes the successful part of a reply.
	Summarizer Summarizer
	// Observer receives task and state events in order.
	Observer Observer
	Logger   *slog.Logger
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.DefaultTimeout <= 0 {
		out.DefaultTimeout = DefaultTaskTimeout
	}
	if out.MaxParallelTasks <= 0 {
		out.MaxParallelTasks = DefaultMaxParallelTasks
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}
