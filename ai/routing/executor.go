package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/hrygo/divinesense-router/ai/session"
)

// DefaultHandlerBudget bounds handlers that declare no budget.
const DefaultHandlerBudget = 2 * time.Second

// Response is the normalized envelope of every handler result.
type Response struct {
	Text        string         `json:"text"`
	Data        map[string]any `json:"data,omitempty"`
	SideEffects bool           `json:"side_effects"`
}

// HandlerMetrics receives one observation per handler call.
type HandlerMetrics interface {
	RecordHandler(domain string, latency time.Duration, err error)
}

// Executor invokes the handler bound to a resolved intent. It holds no
// handler references; every call resolves the binding through the registry.
// Executor 在预算时间内调用已解析意图所绑定的处理器。
type Executor struct {
	registry      *Registry
	defaultBudget time.Duration
	metrics       HandlerMetrics
	logger        *slog.Logger
}

// NewExecutor creates an executor. A non-positive budget selects
// DefaultHandlerBudget.
func NewExecutor(registry *Registry, defaultBudget time.Duration, logger *slog.Logger) *Executor {
	if defaultBudget <= 0 {
		defaultBudget = DefaultHandlerBudget
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{registry: registry, defaultBudget: defaultBudget, logger: logger}
}

// SetMetrics installs m. It must be called before the first Execute.
func (e *Executor) SetMetrics(m HandlerMetrics) {
	e.metrics = m
}

type invokeOutcome struct {
	res *HandlerResult
	err error
}

// Execute looks up the handler for intent and runs it under its budget.
// Every failure is returned as *HandlerFailure. Results arriving after the
// deadline are dropped. Data keys of a successful result are remembered as
// session entities.
func (e *Executor) Execute(ctx context.Context, intent *ResolvedIntent, sess *session.Context) (*Response, error) {
	start := time.Now()
	binding, err := e.registry.LookupIn(intent.Domain, intent.IntentName)
	if err != nil {
		return nil, e.fail(ctx, intent, err, start)
	}

	budget := binding.Budget
	if budget <= 0 {
		budget = e.defaultBudget
	}
	callCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	done := make(chan invokeOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("handler panic",
					"domain", intent.Domain,
					"intent", intent.IntentName,
					"panic", r,
					"stack", string(debug.Stack()))
				done <- invokeOutcome{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		res, err := binding.Handler.Invoke(callCtx, intent.Slots.Clone(), sess)
		done <- invokeOutcome{res: res, err: err}
	}()

	var out invokeOutcome
	select {
	case out = <-done:
	case <-callCtx.Done():
		reason := ErrTimedOut
		if ctxErr := ctx.Err(); ctxErr != nil {
			reason = ctxErr
		}
		return nil, e.fail(ctx, intent, reason, start)
	}

	if out.err != nil {
		if errors.Is(out.err, context.DeadlineExceeded) && callCtx.Err() != nil && ctx.Err() == nil {
			out.err = fmt.Errorf("%w: %v", ErrTimedOut, out.err)
		}
		return nil, e.fail(ctx, intent, out.err, start)
	}
	if out.res == nil {
		out.res = &HandlerResult{}
	}

	if sess != nil && len(out.res.Data) > 0 {
		sess.Remember(intent.Domain, intent.IntentName, out.res.Data)
	}

	if e.metrics != nil {
		e.metrics.RecordHandler(intent.Domain, time.Since(start), nil)
	}
	e.logger.DebugContext(ctx, "intent executed",
		"domain", intent.Domain,
		"intent", intent.IntentName,
		"side_effects", out.res.SideEffects,
		"latency_ms", time.Since(start).Milliseconds())

	return &Response{
		Text:        out.res.Text,
		Data:        out.res.Data,
		SideEffects: out.res.SideEffects,
	}, nil
}

func (e *Executor) fail(ctx context.Context, intent *ResolvedIntent, reason error, start time.Time) error {
	if e.metrics != nil {
		e.metrics.RecordHandler(intent.Domain, time.Since(start), reason)
	}
	e.logger.WarnContext(ctx, "intent execution failed",
		"domain", intent.Domain,
		"intent", intent.IntentName,
		"error", reason,
		"latency_ms", time.Since(start).Milliseconds())
	return &HandlerFailure{Domain: intent.Domain, IntentName: intent.IntentName, Reason: reason}
}
