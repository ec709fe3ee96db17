package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/divinesense-router/ai/core/llm"
)

// stubLLM answers ChatJSON with a canned body and keeps the last prompt.
type stubLLM struct {
	body     string
	err      error
	messages []llm.Message
}

func (s *stubLLM) Chat(context.Context, []llm.Message) (string, *llm.CallStats, error) {
	return s.body, &llm.CallStats{}, s.err
}

func (s *stubLLM) ChatJSON(_ context.Context, messages []llm.Message, v any) (*llm.CallStats, error) {
	s.messages = messages
	if s.err != nil {
		return nil, s.err
	}
	return &llm.CallStats{TotalTokens: 42}, json.Unmarshal([]byte(s.body), v)
}

func (s *stubLLM) Warmup(context.Context) {}

func TestLLMPlanner_Decompose(t *testing.T) {
	stub := &stubLLM{body: `{"tasks":[
		{"id":"t1","domain":"calendar","description":"list today's events"},
		{"id":"t2","domain":"memory","description":"remember {{t1.result}}","depends_on":["t1"]}]}`}
	p := NewLLMPlanner(stub, nil)
	p.now = func() time.Time { return time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC) }

	tasks, err := p.Decompose(context.Background(), "note my agenda", []DomainInfo{
		{Domain: "calendar", Tags: []string{"agenda"}},
		{Domain: "memory"},
	})
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, []string{"t1"}, tasks[1].DependsOn)

	require.Len(t, stub.messages, 2)
	prompt := stub.messages[1].Content
	assert.Contains(t, prompt, "- calendar (handles: agenda)")
	assert.Contains(t, prompt, "- memory\n")
	assert.Contains(t, prompt, "2026-10-17T09:00:00Z (Saturday)")
	assert.Contains(t, prompt, "Request: note my agenda")
}

func TestLLMPlanner_Error(t *testing.T) {
	p := NewLLMPlanner(&stubLLM{err: errors.New("unavailable")}, nil)
	_, err := p.Decompose(context.Background(), "x", nil)
	assert.Error(t, err)
}
