package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/hrygo/divinesense-router/store"
)

// Sink is the append-only destination of feedback records.
type Sink interface {
	Name() string
	Write(ctx context.Context, rec *store.FeedbackRecord) error
}

// SinkError attributes a write failure to one sink of a MultiSink.
type SinkError struct {
	Sink string
	Err  error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("feedback sink %s: %v", e.Sink, e.Err)
}

func (e *SinkError) Unwrap() error {
	return e.Err
}

// FeedbackWriter is the store subset a StoreSink needs.
type FeedbackWriter interface {
	CreateFeedbackRecord(ctx context.Context, create *store.FeedbackRecord) (*store.FeedbackRecord, error)
}

// StoreSink appends records to the database.
type StoreSink struct {
	store FeedbackWriter
}

func NewStoreSink(s FeedbackWriter) *StoreSink {
	return &StoreSink{store: s}
}

func (s *StoreSink) Name() string { return "store" }

func (s *StoreSink) Write(ctx context.Context, rec *store.FeedbackRecord) error {
	_, err := s.store.CreateFeedbackRecord(ctx, rec)
	return err
}

// SubjectPrefix is the NATS subject prefix; the record kind is appended.
const SubjectPrefix = "divinesense.feedback."

// NATSSink publishes records as JSON on divinesense.feedback.<kind>.
type NATSSink struct {
	conn *nats.Conn
}

func NewNATSSink(conn *nats.Conn) *NATSSink {
	return &NATSSink{conn: conn}
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Write(ctx context.Context, rec *store.FeedbackRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal feedback record: %w", err)
	}
	if err := s.conn.Publish(Subject(rec.Kind), data); err != nil {
		return fmt.Errorf("publish feedback record: %w", err)
	}
	return nil
}

// Subject returns the NATS subject for records of kind.
func Subject(kind store.FeedbackKind) string {
	return SubjectPrefix + string(kind)
}

// FeedbackMetrics is the exporter subset a MetricsSink needs.
type FeedbackMetrics interface {
	RecordFeedback(kind, outcome string)
}

// MetricsSink counts records by kind and outcome.
type MetricsSink struct {
	metrics FeedbackMetrics
}

func NewMetricsSink(m FeedbackMetrics) *MetricsSink {
	return &MetricsSink{metrics: m}
}

func (s *MetricsSink) Name() string { return "metrics" }

func (s *MetricsSink) Write(_ context.Context, rec *store.FeedbackRecord) error {
	outcome := string(rec.Outcome)
	if outcome == "" {
		outcome = "none"
	}
	s.metrics.RecordFeedback(string(rec.Kind), outcome)
	return nil
}

// LogSink writes records to a structured logger at debug level.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(ctx context.Context, rec *store.FeedbackRecord) error {
	s.logger.DebugContext(ctx, "feedback",
		"request_id", rec.RequestID,
		"session_id", rec.SessionID,
		"kind", rec.Kind,
		"tier", rec.Tier,
		"path", rec.Path,
		"intent", rec.IntentName,
		"outcome", rec.Outcome,
		"latency_ms", rec.LatencyMs,
		"signals", rec.Signals)
	return nil
}

// MultiSink fans a record out to every sink. A failing sink does not stop
// the others; failures are joined.
type MultiSink struct {
	sinks []Sink
}

func NewMultiSink(sinks ...Sink) *MultiSink {
	var kept []Sink
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &MultiSink{sinks: kept}
}

func (m *MultiSink) Name() string { return "multi" }

func (m *MultiSink) Write(ctx context.Context, rec *store.FeedbackRecord) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Write(ctx, rec); err != nil {
			errs = append(errs, &SinkError{Sink: s.Name(), Err: err})
		}
	}
	return errors.Join(errs...)
}
