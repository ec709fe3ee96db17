package store

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// FeedbackKind distinguishes per-request records from satisfaction signals.
type FeedbackKind string

const (
	FeedbackKindRoute  FeedbackKind = "route"
	FeedbackKindSignal FeedbackKind = "signal"
)

// FeedbackOutcome is the result class of a routed request.
type FeedbackOutcome string

const (
	OutcomeSuccess FeedbackOutcome = "success"
	OutcomePartial FeedbackOutcome = "partial"
	OutcomeFailed  FeedbackOutcome = "failed"
)

// FeedbackRecord is one append-only analytics entry.
type FeedbackRecord struct {
	ID         int64             `json:"id"`
	RequestID  string            `json:"request_id"`
	SessionID  string            `json:"session_id"`
	Kind       FeedbackKind      `json:"kind"`
	Tier       int               `json:"tier"`
	Path       string            `json:"path"`
	Domain     string            `json:"domain,omitempty"`
	IntentName string            `json:"intent_name,omitempty"`
	Status     string            `json:"status"`
	Outcome    FeedbackOutcome   `json:"outcome"`
	LatencyMs  int64             `json:"latency_ms"`
	Signals    map[string]string `json:"signals,omitempty"`
	CreatedTs  int64             `json:"created_ts"`
}

// FindFeedbackRecord specifies conditions for listing feedback records.
type FindFeedbackRecord struct {
	SessionID *string
	RequestID *string
	Kind      *FeedbackKind
	Outcome   *FeedbackOutcome
	StartTs   *int64
	Limit     int
}

// GetFeedbackStats specifies the window of aggregated statistics.
type GetFeedbackStats struct {
	TimeRange time.Duration
}

// FeedbackStats aggregates route records.
type FeedbackStats struct {
	Total        int64            `json:"total"`
	ByOutcome    map[string]int64 `json:"by_outcome"`
	ByPath       map[string]int64 `json:"by_path"`
	AvgLatencyMs float64          `json:"avg_latency_ms"`
	Signals      int64            `json:"signals"`
}

// EncodeSignals serializes signals for storage.
func EncodeSignals(signals map[string]string) (string, error) {
	if len(signals) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(signals)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode signals")
	}
	return string(b), nil
}

// DecodeSignals parses stored signals.
func DecodeSignals(raw string) (map[string]string, error) {
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	var signals map[string]string
	if err := json.Unmarshal([]byte(raw), &signals); err != nil {
		return nil, errors.Wrap(err, "failed to decode signals")
	}
	return signals, nil
}
