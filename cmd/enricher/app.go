package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/alvmarrod/domain-enricher/internal/config"
	"github.com/alvmarrod/domain-enricher/internal/gate"
	"github.com/alvmarrod/domain-enricher/internal/learning"
	"github.com/alvmarrod/domain-enricher/internal/memory"
	"github.com/alvmarrod/domain-enricher/internal/metrics"
	"github.com/alvmarrod/domain-enricher/internal/runstate"
	"github.com/alvmarrod/domain-enricher/internal/scheduler"
	"github.com/alvmarrod/domain-enricher/internal/storage"
	"github.com/alvmarrod/domain-enricher/internal/strategy"
)

// hostBurst lets the first page of a host through immediately
const hostBurst = 2

// app is the wired pipeline shared by serve and run
type app struct {
	cfg       *config.Config
	store     *storage.Storage
	registry  *prometheus.Registry
	tracker   *metrics.Tracker
	gate      *gate.Gate
	machine   *runstate.Machine
	moderator *gate.Moderator
	learning  *learning.Service
	board     *memory.ExecutionBoard
	scheduler *scheduler.Scheduler
	renderer  *strategy.ChromeRenderer
}

func openStore(cfg *config.Config) (*storage.Storage, error) {
	store, err := storage.NewStorage(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	logrus.Debugf("Database initialized: %s", cfg.DBDriver)
	return store, nil
}

// newApp builds every component from the configuration
func newApp(cfg *config.Config) (*app, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	tracker := metrics.NewTracker(metrics.NewCollectors(registry))

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = strategy.DefaultUserAgent
	}
	fetcher := strategy.NewFetcher(userAgent, cfg.RequestTimeout(), strategy.NewHostLimiter(cfg.HostRPS, hostBurst))

	a := &app{
		cfg:      cfg,
		store:    store,
		registry: registry,
		tracker:  tracker,
		board:    memory.NewExecutionBoard(),
	}

	var renderer strategy.Renderer
	if cfg.BrowserEnabled {
		a.renderer = strategy.NewChromeRenderer(cfg.ChromePath, userAgent)
		renderer = a.renderer
	}
	browser := strategy.NewBrowser(renderer, semaphore.NewWeighted(int64(cfg.RenderConcurrency))).
		OnInflight(tracker.RenderInflight)

	ladder := strategy.NewLadder(cfg.StrategyTimeout(), cfg.DomainTimeout(),
		strategy.NewHTTPProbe(fetcher, cfg.MaxProbePages, cfg.MaxContactLinks),
		strategy.NewAPISniff(fetcher),
		browser,
	).WithObserver(tracker)

	a.gate = gate.New(store, cfg.ModerationCacheTTL())
	a.machine = runstate.NewMachine(store)
	a.moderator = gate.NewModerator(a.gate, store, a.machine)
	a.learning = learning.NewService(store)
	a.scheduler = scheduler.New(store,
		scheduler.NewProcessor(a.machine, a.gate, ladder, tracker),
		a.machine, a.board, tracker,
		scheduler.Options{
			RunConcurrency: cfg.RunConcurrency,
			StaleAfter:     cfg.StaleAfter(),
			SweepSchedule:  cfg.SweepSchedule,
			FlushInterval:  cfg.ProgressFlush(),
		},
	)

	logrus.Infof("Pipeline ready: strategies=%v, workers=%d, browser=%v",
		ladder.Names(), cfg.RunConcurrency, cfg.BrowserEnabled)
	return a, nil
}

// close releases the browser and the database
func (a *app) close() {
	if a.renderer != nil {
		a.renderer.Close()
	}
	if err := a.store.Close(); err != nil {
		logrus.Errorf("Failed to close database: %v", err)
	}
}
