package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hrygo/divinesense-router/ai/core/llm"
)

// ProposedTask is one task suggested by a Planner. Proposals are never
// scheduled before validation against the registry.
type ProposedTask struct {
	ID          string            `json:"id"`
	Domain      string            `json:"domain"`
	Description string            `json:"description"`
	Slots       map[string]string `json:"slots,omitempty"`
	DependsOn   []string          `json:"depends_on,omitempty"`
}

// DomainInfo describes one dispatchable domain to a planner.
type DomainInfo struct {
	Domain string
	Tags   []string
}

// Planner proposes a task list for requests the fast path cannot map.
type Planner interface {
	Decompose(ctx context.Context, request string, domains []DomainInfo) ([]ProposedTask, error)
}

// Summarizer polishes the successful results of a request into one reply.
type Summarizer interface {
	Summarize(ctx context.Context, request string, results []string) (string, error)
}

// LLMPlanner asks a language model for a JSON task list.
type LLMPlanner struct {
	llm    llm.Service
	now    func() time.Time
	logger *slog.Logger
}

// NewLLMPlanner creates a planner backed by svc.
func NewLLMPlanner(svc llm.Service, logger *slog.Logger) *LLMPlanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMPlanner{llm: svc, now: time.Now, logger: logger}
}

type plannerReply struct {
	Tasks []ProposedTask `json:"tasks"`
}

// Decompose implements Planner.
func (p *LLMPlanner) Decompose(ctx context.Context, request string, domains []DomainInfo) ([]ProposedTask, error) {
	start := time.Now()
	messages := []llm.Message{
		llm.SystemPrompt(plannerSystemPrompt),
		llm.UserMessage(buildPlannerPrompt(request, domains, p.now())),
	}

	var reply plannerReply
	stats, err := p.llm.ChatJSON(ctx, messages, &reply)
	if err != nil {
		return nil, fmt.Errorf("planner call: %w", err)
	}

	attrs := []any{"tasks", len(reply.Tasks), "latency_ms", time.Since(start).Milliseconds()}
	if stats != nil {
		attrs = append(attrs, "total_tokens", stats.TotalTokens)
	}
	p.logger.DebugContext(ctx, "planner proposed tasks", attrs...)
	return reply.Tasks, nil
}
