// Package llm wraps OpenAI-compatible chat endpoints used by the planner and
// the generative rewrite fallback.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// ErrEmptyResponse is returned when the provider answers without choices.
var ErrEmptyResponse = errors.New("empty response from LLM")

// Message represents a chat message.
type Message struct {
	Role    string // system, user, assistant
	Content string
}

// CallStats reports token usage and latency of one call.
type CallStats struct {
	PromptTokens     int   `json:"prompt_tokens"`
	CompletionTokens int   `json:"completion_tokens"`
	TotalTokens      int   `json:"total_tokens"`
	DurationMs       int64 `json:"duration_ms"`
}

// Service is the LLM service interface.
type Service interface {
	// Chat performs a synchronous chat completion.
	Chat(ctx context.Context, messages []Message) (string, *CallStats, error)
	// ChatJSON requests a JSON object answer and decodes it into v.
	ChatJSON(ctx context.Context, messages []Message, v any) (*CallStats, error)
	// Warmup sends a lightweight ping to establish the connection.
	Warmup(ctx context.Context)
}

// Config represents LLM service configuration.
type Config struct {
	Provider    string // deepseek, openai, siliconflow, openrouter, ollama, ...
	Model       string
	APIKey      string
	BaseURL     string
	MaxTokens   int     // default: 1024
	Temperature float32 // default: 0
	Timeout     time.Duration
	// RateLimit caps calls per second across the process; zero disables it.
	RateLimit float64
	Burst     int
	Metrics   Metrics
}

// Metrics receives one observation per completed call.
type Metrics interface {
	RecordLLM(model, operation string, latency time.Duration, tokens int)
}

var defaultBaseURLs = map[string]string{
	"deepseek":    "https://api.deepseek.com",
	"siliconflow": "https://api.siliconflow.cn/v1",
	"dashscope":   "https://dashscope.aliyuncs.com/compatible-mode/v1",
	"openrouter":  "https://openrouter.ai/api/v1",
	"ollama":      "http://localhost:11434/v1",
	"openai":      "",
}

type service struct {
	client      *openai.Client
	model       string
	provider    string
	maxTokens   int
	temperature float32
	timeout     time.Duration
	limiter     *rate.Limiter
	metrics     Metrics
}

// NewService creates a new LLM Service.
func NewService(cfg *Config) (Service, error) {
	if cfg == nil || cfg.Model == "" {
		return nil, errors.New("llm: model is required")
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	baseURL, known := defaultBaseURLs[cfg.Provider]
	if !known {
		slog.Info("Using generic OpenAI-compatible provider", "provider", cfg.Provider)
	}
	if cfg.BaseURL != "" {
		baseURL = cfg.BaseURL
	}
	if baseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(baseURL, "/")
	}
	clientConfig.HTTPClient = newHTTPClient()

	s := &service{
		client:      openai.NewClientWithConfig(clientConfig),
		model:       cfg.Model,
		provider:    cfg.Provider,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		timeout:     cfg.Timeout,
		metrics:     cfg.Metrics,
	}
	if s.maxTokens <= 0 {
		s.maxTokens = 1024
	}
	if s.timeout <= 0 {
		s.timeout = 30 * time.Second
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return s, nil
}

func (s *service) Chat(ctx context.Context, messages []Message) (string, *CallStats, error) {
	return s.complete(ctx, messages, nil)
}

func (s *service) ChatJSON(ctx context.Context, messages []Message, v any) (*CallStats, error) {
	content, stats, err := s.complete(ctx, messages, &openai.ChatCompletionResponseFormat{
		Type: openai.ChatCompletionResponseFormatTypeJSONObject,
	})
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(ExtractJSON(content)), v); err != nil {
		return stats, fmt.Errorf("decode LLM JSON: %w", err)
	}
	return stats, nil
}

func (s *service) complete(ctx context.Context, messages []Message, format *openai.ChatCompletionResponseFormat) (string, *CallStats, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return "", nil, fmt.Errorf("LLM rate limit: %w", err)
		}
	}

	slog.Debug("LLM: Chat request",
		"model", s.model,
		"messages_count", len(messages),
		"json", format != nil,
	)
	startTime := time.Now()

	req := openai.ChatCompletionRequest{
		Model:          s.model,
		MaxTokens:      s.maxTokens,
		Temperature:    s.temperature,
		Messages:       convertMessages(messages),
		ResponseFormat: format,
	}
	resp, err := s.client.CreateChatCompletion(ctx, req)
	if err != nil {
		slog.Warn("LLM: Chat request failed", "provider", s.provider, "error", err)
		return "", nil, fmt.Errorf("LLM chat failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", nil, ErrEmptyResponse
	}

	stats := &CallStats{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		DurationMs:       time.Since(startTime).Milliseconds(),
	}
	if s.metrics != nil {
		op := "chat"
		if format != nil {
			op = "chat_json"
		}
		s.metrics.RecordLLM(s.model, op, time.Since(startTime), stats.TotalTokens)
	}
	slog.Debug("LLM: Chat response received",
		"content_length", len(resp.Choices[0].Message.Content),
		"total_tokens", stats.TotalTokens,
		"duration_ms", stats.DurationMs,
	)
	return resp.Choices[0].Message.Content, stats, nil
}

func (s *service) Warmup(ctx context.Context) {
	warmupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	startTime := time.Now()
	_, err := s.client.CreateChatCompletion(warmupCtx, openai.ChatCompletionRequest{
		Model:     s.model,
		MaxTokens: 1,
		Messages:  []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "Hi"}},
	})
	if err != nil {
		slog.Warn("LLM: warmup ping failed (service will still work, first request may be slower)",
			"provider", s.provider,
			"model", s.model,
			"error", err,
			"duration_ms", time.Since(startTime).Milliseconds(),
		)
		return
	}
	slog.Info("LLM: connection warmed up",
		"provider", s.provider,
		"model", s.model,
		"duration_ms", time.Since(startTime).Milliseconds(),
	)
}

func convertMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case "system":
			role = openai.ChatMessageRoleSystem
		case "assistant":
			role = openai.ChatMessageRoleAssistant
		}
		out[i] = openai.ChatCompletionMessage{Role: role, Content: m.Content}
	}
	return out
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          20,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

// ExtractJSON strips markdown code fences some providers wrap JSON in.
func ExtractJSON(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	}
	return strings.TrimSpace(content)
}

// SystemPrompt builds a system message.
func SystemPrompt(content string) Message {
	return Message{Role: "system", Content: content}
}

// UserMessage builds a user message.
func UserMessage(content string) Message {
	return Message{Role: "user", Content: content}
}
