// Package router is the single entry point of the routing core: it runs an
// utterance through the pattern classifier, the context resolver and the
// orchestrator, in that order, and records feedback for every request.
package router

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hrygo/divinesense-router/ai/agents/orchestrator"
	"github.com/hrygo/divinesense-router/ai/observability/logging"
	"github.com/hrygo/divinesense-router/ai/routing"
	"github.com/hrygo/divinesense-router/ai/session"
	"github.com/hrygo/divinesense-router/store"
)

// Status is the final status of a routed request.
type Status string

const (
	StatusCompleted          Status = "completed"
	StatusPartiallyCompleted Status = "partially_completed"
	StatusFailed             Status = "failed"
)

// Paths that resolved a request.
const (
	PathNone         = "none"
	PathClassifier   = "classifier"
	PathResolver     = "resolver"
	PathOrchestrator = "orchestrator"
)

// TierOrchestrated is reported for requests handled by the orchestrator.
const TierOrchestrated = 3

// DefaultRephraseWindow is how soon after a failed request a new utterance
// counts as a rephrase.
const DefaultRephraseWindow = 30 * time.Second

const (
	emptyUtteranceText = "Please say something so I can help."
	handlerFailureText = "Sorry, I couldn't complete that."
)

// RoutingResult is the response to one utterance.
type RoutingResult struct {
	RequestID  string                    `json:"request_id"`
	SessionID  string                    `json:"session_id"`
	Text       string                    `json:"text"`
	Data       map[string]any            `json:"data,omitempty"`
	IntentName string                    `json:"intent_name,omitempty"`
	Domain     string                    `json:"domain,omitempty"`
	Slots      map[string]string         `json:"slots,omitempty"`
	Confidence float64                   `json:"confidence,omitempty"`
	TierUsed   int                       `json:"tier_used"`
	Path       string                    `json:"path"`
	Strategy   string                    `json:"strategy,omitempty"`
	Status     Status                    `json:"status"`
	Tasks      []orchestrator.TaskReport `json:"tasks,omitempty"`
	LatencyMs  int64                     `json:"latency_ms"`
}

// Recorder receives one feedback record per request. *feedback.Recorder satisfies it.
type Recorder interface {
	Record(rec *store.FeedbackRecord) bool
	Signal(requestID, sessionID string, signals map[string]string) bool
}

// Metrics receives routing counters. *metrics.PrometheusExporter satisfies it.
type Metrics interface {
	RecordRoute(path, status string, latency time.Duration)
	RecordClassification(tier int, outcome string)
	SetActiveSessions(count int)
}

// Config wires the tiers together. Resolver, Orchestrator, Recorder and
// Metrics are optional.
type Config struct {
	Classifier     *routing.Classifier
	Resolver       *routing.Resolver
	Executor       *routing.Executor
	Orchestrator   *orchestrator.Orchestrator
	Sessions       *session.Store
	Recorder       Recorder
	Metrics        Metrics
	RephraseWindow time.Duration
	Logger         *slog.Logger
}

// Service routes utterances.
type Service struct {
	classifier     *routing.Classifier
	resolver       *routing.Resolver
	executor       *routing.Executor
	orchestrator   *orchestrator.Orchestrator
	sessions       *session.Store
	recorder       Recorder
	metrics        Metrics
	rephraseWindow time.Duration
	logger         *slog.Logger
	now            func() time.Time
}

// NewService creates a router service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Classifier == nil || cfg.Executor == nil || cfg.Sessions == nil {
		return nil, errors.New("router: classifier, executor and session store are required")
	}
	if cfg.RephraseWindow <= 0 {
		cfg.RephraseWindow = DefaultRephraseWindow
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		classifier:     cfg.Classifier,
		resolver:       cfg.Resolver,
		executor:       cfg.Executor,
		orchestrator:   cfg.Orchestrator,
		sessions:       cfg.Sessions,
		recorder:       cfg.Recorder,
		metrics:        cfg.Metrics,
		rephraseWindow: cfg.RephraseWindow,
		logger:         cfg.Logger,
		now:            time.Now,
	}, nil
}

// Route resolves and executes one utterance within a session. Requests of the
// same session are serialized. The error is non-nil only when the session
// cannot be acquired; every routing outcome is reported through the result.
func (s *Service) Route(ctx context.Context, utterance, sessionID string) (*RoutingResult, error) {
	start := s.now()
	requestID := uuid.NewString()
	ctx, logger := logging.WithRequest(ctx, s.logger, requestID, sessionID)

	sess, release, err := s.sessions.Acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer release()
	if s.metrics != nil {
		s.metrics.SetActiveSessions(s.sessions.Len())
	}

	signals := s.implicitSignals(sess, start)
	res := &RoutingResult{RequestID: requestID, SessionID: sessionID, Path: PathNone}

	if strings.TrimSpace(utterance) == "" {
		res.Status = StatusFailed
		res.Text = emptyUtteranceText
	} else {
		s.route(ctx, utterance, sess, res)
		sess.AddTurn(turnOf(utterance, res, s.now()))
	}

	latency := s.now().Sub(start)
	res.LatencyMs = latency.Milliseconds()
	logger.InfoContext(ctx, "request routed",
		"path", res.Path,
		"tier", res.TierUsed,
		"intent", res.IntentName,
		"status", res.Status,
		"latency_ms", res.LatencyMs)

	if s.metrics != nil {
		s.metrics.RecordRoute(res.Path, string(res.Status), latency)
	}
	if s.recorder != nil {
		s.recorder.Record(&store.FeedbackRecord{
			RequestID:  requestID,
			SessionID:  sessionID,
			Kind:       store.FeedbackKindRoute,
			Tier:       res.TierUsed,
			Path:       res.Path,
			Domain:     res.Domain,
			IntentName: res.IntentName,
			Status:     string(res.Status),
			Outcome:    outcomeOf(res.Status),
			LatencyMs:  res.LatencyMs,
			Signals:    signals,
		})
	}
	return res, nil
}

func (s *Service) route(ctx context.Context, utterance string, sess *session.Context, res *RoutingResult) {
	cls, err := s.classifier.Classify(ctx, utterance)
	switch {
	case err == nil && cls.Accepted:
		s.observeClassification(cls.Best.Tier, "accepted")
		sess.RememberSlots(cls.Best.Domain, cls.Best.IntentName, cls.Best.Slots)
		res.Path = PathClassifier
		s.execute(ctx, cls.Best, sess, res)
		return
	case err == nil:
		s.observeClassification(cls.Best.Tier, "inconclusive")
	case errors.Is(err, routing.ErrNoMatch):
		cls = nil
		s.observeClassification(0, "no_match")
	default:
		cls = nil
		s.logger.WarnContext(ctx, "classification failed", "error", err)
	}

	if s.resolver != nil {
		resolution, err := s.resolver.Resolve(ctx, utterance, sess, cls)
		if err == nil {
			res.Path = PathResolver
			res.Strategy = resolution.Strategy
			s.execute(ctx, resolution.Intent, sess, res)
			return
		}
	}

	res.Path = PathOrchestrator
	res.TierUsed = TierOrchestrated
	if s.orchestrator == nil {
		res.Status = StatusFailed
		res.Text = "I'm not sure how to help with that yet."
		return
	}
	out := s.orchestrator.Process(ctx, utterance, sess)
	res.Text = out.Text
	res.Data = out.Data
	res.Tasks = out.Tasks
	res.Status = statusOf(out.Status)
	if out.Err != nil {
		s.logger.DebugContext(ctx, "orchestration failed", "error", out.Err)
	}
	for _, t := range out.Tasks {
		if t.Status == orchestrator.TaskDone && t.IntentName == "" && len(t.Data) > 0 {
			sess.Remember(t.Domain, "", t.Data)
		}
	}
}

func (s *Service) execute(ctx context.Context, intent *routing.ResolvedIntent, sess *session.Context, res *RoutingResult) {
	res.IntentName = intent.IntentName
	res.Domain = intent.Domain
	res.Slots = intent.Slots.Clone()
	res.Confidence = intent.Confidence
	res.TierUsed = intent.Tier

	resp, err := s.executor.Execute(ctx, intent, sess)
	if err != nil {
		res.Status = StatusFailed
		res.Text = handlerFailureText
		return
	}
	res.Status = StatusCompleted
	res.Text = resp.Text
	res.Data = resp.Data
}

// implicitSignals marks a rephrase when the previous request of the session
// failed shortly before this one.
func (s *Service) implicitSignals(sess *session.Context, now time.Time) map[string]string {
	last, ok := sess.LastTurn()
	if !ok || last.Status != string(StatusFailed) {
		return nil
	}
	if now.Sub(last.At) > s.rephraseWindow {
		return nil
	}
	return map[string]string{"implicit": "rephrase"}
}

func (s *Service) observeClassification(tier int, outcome string) {
	if s.metrics != nil {
		s.metrics.RecordClassification(tier, outcome)
	}
}

// Feedback records an explicit satisfaction signal for a previous request.
func (s *Service) Feedback(requestID, sessionID string, signals map[string]string) bool {
	if s.recorder == nil {
		return false
	}
	return s.recorder.Signal(requestID, sessionID, signals)
}

// ResetSession clears a session's turns and entities. It waits for a request
// in flight on the same session to finish.
func (s *Service) ResetSession(ctx context.Context, sessionID string) (bool, error) {
	return s.sessions.Reset(ctx, sessionID)
}

func turnOf(utterance string, res *RoutingResult, at time.Time) session.Turn {
	t := session.Turn{
		Utterance:  utterance,
		Domain:     res.Domain,
		IntentName: res.IntentName,
		Slots:      res.Slots,
		Tier:       res.TierUsed,
		Status:     string(res.Status),
		At:         at,
	}
	for _, task := range res.Tasks {
		t.Plan = append(t.Plan, task.Description)
	}
	return t
}

func statusOf(s orchestrator.State) Status {
	switch s {
	case orchestrator.StateCompleted:
		return StatusCompleted
	case orchestrator.StatePartiallyCompleted:
		return StatusPartiallyCompleted
	default:
		return StatusFailed
	}
}

func outcomeOf(s Status) store.FeedbackOutcome {
	switch s {
	case StatusCompleted:
		return store.OutcomeSuccess
	case StatusPartiallyCompleted:
		return store.OutcomePartial
	default:
		return store.OutcomeFailed
	}
}
