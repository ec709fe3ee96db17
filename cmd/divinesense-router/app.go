package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"github.com/hrygo/divinesense-router/ai/agents/orchestrator"
	"github.com/hrygo/divinesense-router/ai/core/llm"
	"github.com/hrygo/divinesense-router/ai/feedback"
	"github.com/hrygo/divinesense-router/ai/metrics"
	"github.com/hrygo/divinesense-router/ai/router"
	"github.com/hrygo/divinesense-router/ai/routing"
	"github.com/hrygo/divinesense-router/ai/session"
	"github.com/hrygo/divinesense-router/internal/profile"
	"github.com/hrygo/divinesense-router/plugin/manifest"
	"github.com/hrygo/divinesense-router/plugin/modules"
	"github.com/hrygo/divinesense-router/plugin/modules/calendar"
	"github.com/hrygo/divinesense-router/plugin/modules/home"
	"github.com/hrygo/divinesense-router/plugin/modules/lists"
	"github.com/hrygo/divinesense-router/plugin/modules/memory"
	"github.com/hrygo/divinesense-router/plugin/modules/weather"
	"github.com/hrygo/divinesense-router/store"
	"github.com/hrygo/divinesense-router/store/db"
)

// app holds the wired router and everything that must be closed with it.
type app struct {
	profile  *profile.Profile
	store    *store.Store
	registry *routing.Registry
	loader   *manifest.Loader
	watcher  *manifest.Watcher
	exporter *metrics.PrometheusExporter
	recorder *feedback.Recorder
	sessions *session.Store
	nats     *nats.Conn
	router   *router.Service
	logger   *slog.Logger
}

// newApp wires storage, capabilities and the routing tiers for p.
func newApp(ctx context.Context, p *profile.Profile, logger *slog.Logger) (_ *app, err error) {
	a := &app{profile: p, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	dbDriver, err := db.NewDBDriver(p)
	if err != nil {
		return nil, err
	}
	a.store = store.New(dbDriver, p)
	if err := a.store.Migrate(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to migrate")
	}

	a.exporter = metrics.NewPrometheusExporter(metrics.DefaultConfig())

	sinks := []feedback.Sink{
		feedback.NewStoreSink(a.store),
		feedback.NewMetricsSink(a.exporter),
		feedback.NewLogSink(logger),
	}
	if p.NATSURL != "" {
		a.nats, err = nats.Connect(p.NATSURL, nats.Name("divinesense-router"), nats.MaxReconnects(-1))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to connect to nats at %s", p.NATSURL)
		}
		sinks = append(sinks, feedback.NewNATSSink(a.nats))
	}
	a.recorder = feedback.NewRecorder(feedback.NewMultiSink(sinks...), feedback.Config{
		QueueSize: p.FeedbackQueueSize,
		Metrics:   a.exporter,
		Logger:    logger,
	})

	a.registry, err = routing.NewRegistry(logger)
	if err != nil {
		return nil, err
	}
	catalog := manifest.NewCatalog()
	a.loader = manifest.NewLoader(a.registry, catalog, logger)
	if err := modules.Install(a.loader, catalog, builtinModules(p)...); err != nil {
		return nil, err
	}
	if p.ManifestDir != "" {
		if _, err := a.loader.LoadDir(p.ManifestDir, true); err != nil {
			return nil, err
		}
		if p.WatchManifest {
			a.watcher, err = manifest.NewWatcher(p.ManifestDir, a.loader, logger)
			if err != nil {
				return nil, err
			}
			if err := a.watcher.Start(ctx); err != nil {
				return nil, err
			}
		}
	}

	classifier := routing.NewClassifier(a.registry, routing.ClassifierConfig{
		Threshold: p.Tier1Threshold,
		Metrics:   a.exporter,
		Logger:    logger,
	})
	executor := routing.NewExecutor(a.registry, p.HandlerBudget, logger)
	executor.SetMetrics(a.exporter)

	orchCfg := orchestrator.Config{
		DefaultTimeout:   p.TaskTimeout,
		MaxParallelTasks: p.MaxParallelTasks,
		Observer:         a.exporter,
		Logger:           logger,
	}
	var rewriter routing.Rewriter
	if p.IsLLMEnabled() {
		svc, err := llm.NewService(&llm.Config{
			Provider:  p.LLMProvider,
			Model:     p.LLMModel,
			APIKey:    p.LLMAPIKey,
			BaseURL:   p.LLMBaseURL,
			Timeout:   time.Duration(p.LLMTimeout) * time.Second,
			RateLimit: p.LLMRateLimit,
			Metrics:   a.exporter,
		})
		if err != nil {
			return nil, errors.Wrap(err, "failed to create llm service")
		}
		rewriter = llm.NewRewriter(svc)
		orchCfg.Planner = orchestrator.NewLLMPlanner(svc, logger)
		orchCfg.Summarizer = llm.NewSummarizer(svc)
	}
	resolver := routing.NewResolver(classifier, rewriter, logger)
	orch := orchestrator.New(a.registry, classifier, executor, orchCfg)

	a.sessions = session.NewStore(session.Config{
		MaxTurns: p.MaxTurns,
		TTL:      p.SessionTTL,
		Logger:   logger,
	})
	a.router, err = router.NewService(router.Config{
		Classifier:   classifier,
		Resolver:     resolver,
		Executor:     executor,
		Orchestrator: orch,
		Sessions:     a.sessions,
		Recorder:     a.recorder,
		Metrics:      a.exporter,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func builtinModules(p *profile.Profile) []modules.Module {
	return []modules.Module{
		lists.New(lists.NewStore()),
		calendar.New(calendar.NewStore()),
		memory.New(memory.NewStore(0)),
		weather.New(weather.Config{
			Location:  p.WeatherLocation,
			Latitude:  p.WeatherLatitude,
			Longitude: p.WeatherLongitude,
		}),
		home.New(home.Config{WebhookURL: p.HomeWebhookURL, WebhookSecret: p.HomeWebhookSecret}),
	}
}

// Close stops background work in dependency order. Pending feedback is
// flushed before the store is closed.
func (a *app) Close() {
	if a.watcher != nil {
		a.watcher.Stop()
	}
	if a.sessions != nil {
		a.sessions.Close()
	}
	if a.recorder != nil {
		if err := a.recorder.Close(5 * time.Second); err != nil {
			a.logger.Warn("feedback recorder did not drain", "error", err)
		}
	}
	if a.nats != nil {
		if err := a.nats.Drain(); err != nil {
			a.logger.Warn("failed to drain nats connection", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("failed to close store", "error", err)
		}
	}
}
