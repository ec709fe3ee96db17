package llm

import (
	"context"
	"fmt"
	"strings"
)

const rewritePrompt = `You turn follow-up messages of a personal assistant conversation into one explicit, self-contained command.
Replace pronouns and references with the concrete things they point to in the history.
Answer with the command only, in plain lowercase words. If the message cannot be made explicit, answer NONE.`

const summarizePrompt = `You write the reply of a personal assistant.
Combine the results below into one short, friendly answer to the user's request.
Use only facts from the results. Do not mention anything that is not listed.`

// Rewriter rewrites referential utterances into explicit commands.
type Rewriter struct {
	svc Service
}

// NewRewriter creates a rewriter backed by svc.
func NewRewriter(svc Service) *Rewriter {
	return &Rewriter{svc: svc}
}

// Rewrite returns the explicit command, or "" when the model gives up.
func (r *Rewriter) Rewrite(ctx context.Context, utterance string, history []string) (string, error) {
	var b strings.Builder
	if len(history) > 0 {
		b.WriteString("History:\n")
		for _, h := range history {
			fmt.Fprintf(&b, "- %s\n", h)
		}
	}
	fmt.Fprintf(&b, "Message: %s", utterance)

	out, _, err := r.svc.Chat(ctx, []Message{SystemPrompt(rewritePrompt), UserMessage(b.String())})
	if err != nil {
		return "", err
	}
	out = strings.Trim(strings.TrimSpace(out), `"`)
	if strings.EqualFold(out, "none") {
		return "", nil
	}
	return out, nil
}

// Summarizer polishes successful orchestration results into one reply.
type Summarizer struct {
	svc Service
}

// NewSummarizer creates a summarizer backed by svc.
func NewSummarizer(svc Service) *Summarizer {
	return &Summarizer{svc: svc}
}

// Summarize merges results into a reply to request.
func (s *Summarizer) Summarize(ctx context.Context, request string, results []string) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Request: %s\nResults:\n", request)
	for _, r := range results {
		fmt.Fprintf(&b, "- %s\n", r)
	}
	out, _, err := s.svc.Chat(ctx, []Message{SystemPrompt(summarizePrompt), UserMessage(b.String())})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}
