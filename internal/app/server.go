package app

import (
	"context"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/nordwire/genroute/internal/bandit"
	"github.com/nordwire/genroute/internal/calibrator"
	"github.com/nordwire/genroute/internal/collector"
	"github.com/nordwire/genroute/internal/evaluator"
	"github.com/nordwire/genroute/internal/events"
	"github.com/nordwire/genroute/internal/httpapi"
	"github.com/nordwire/genroute/internal/idempotency"
	"github.com/nordwire/genroute/internal/learn"
	"github.com/nordwire/genroute/internal/logging"
	"github.com/nordwire/genroute/internal/metrics"
	"github.com/nordwire/genroute/internal/prompter"
	"github.com/nordwire/genroute/internal/ratelimit"
	"github.com/nordwire/genroute/internal/routing"
	"github.com/nordwire/genroute/internal/store"
	"github.com/nordwire/genroute/internal/temporal"
	"github.com/nordwire/genroute/internal/tracing"
	"github.com/nordwire/genroute/internal/tsdb"
)

type Server struct {
	mu     sync.Mutex
	cfg    Config
	domain DomainConfig

	r *chi.Mux

	store  store.Store
	router *routing.Router
	calib  *calibrator.Calibrator
	cycle  *learn.Cycle
	bus    *events.Bus
	series *tsdb.Store
	logger *slog.Logger

	temporal      *temporal.Manager
	traceShutdown func(context.Context) error
	watcher       *fsnotify.Watcher
	cancel        context.CancelFunc
}

func NewServer(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)

	domain, err := LoadDomainConfig(cfg.ConfigFile)
	if err != nil {
		return nil, err
	}
	rcfg, err := domain.routingConfig()
	if err != nil {
		return nil, err
	}

	m := metrics.New()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "Idempotency-Key"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	limiter := ratelimit.New(float64(cfg.RateLimitRPS), cfg.RateLimitBurst,
		ratelimit.WithCounter(m.RateLimitRejected))
	r.Use(limiter.Middleware)
	r.Use(tracing.Middleware())

	traceShutdown, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: "genroute",
		SampleRatio: cfg.OTelSampleRatio,
	})
	if err != nil {
		return nil, err
	}

	// Open store.
	db, err := store.NewSQLite(cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("database initialized", slog.String("dsn", cfg.DBDSN))

	bus := events.NewBus()

	calib := calibrator.New(domain.calibratorConfig(), logger, db)
	restoreBudget(calib, db, logger)
	calib.OnChange(func(old, next string, st calibrator.Status) {
		m.DirectiveState.Set(float64(calibrator.DirectiveLevel(next)))
		bus.Publish(events.Event{
			Type:     events.EventDirectiveChange,
			OldState: old,
			NewState: next,
			Throttle: next,
		})
	})

	banditPolicy := bandit.NewPolicy(domain.Bandit.MinSamples, domain.safeProvider(rcfg.Catalog))
	promptPolicy := prompter.NewPolicy(domain.Variants, domain.Bandit.Epsilon)

	series, err := tsdb.New(db.DB())
	if err != nil {
		db.Close()
		return nil, err
	}

	rt := routing.New(rcfg, banditPolicy, promptPolicy, calib, db, m, logger, time.Now().UnixNano())
	rt.OnDecision(func(d routing.Decision) {
		bus.Publish(events.Event{
			Type:      events.EventDecision,
			ContentID: d.ContentID,
			Provider:  d.Provider,
			Variant:   d.Variant,
			Bucket:    d.Bucket,
			Throttle:  d.Throttle,
			Reason:    d.Reason,
			CostEUR:   d.EstimatedCostEUR,
		})
		series.Write(tsdb.Point{Metric: tsdb.MetricDecisions, Provider: d.Provider, Bucket: d.Bucket, Value: 1})
		if d.EstimatedCostEUR > 0 {
			series.Write(tsdb.Point{Metric: tsdb.MetricSpendEUR, Provider: d.Provider, Value: d.EstimatedCostEUR})
		}
	})

	col := collector.New(db, m, logger)

	scorer, err := evaluator.NewScorer(domain.Weights, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Server{
		cfg:           cfg,
		domain:        domain,
		r:             r,
		store:         db,
		router:        rt,
		calib:         calib,
		bus:           bus,
		series:        series,
		logger:        logger,
		traceShutdown: traceShutdown,
	}

	// The cycle reads providers and variants through the server so config
	// reloads take effect on the next rebuild.
	s.cycle = learn.New(domain.learnConfig(), db, scorer, banditPolicy, promptPolicy,
		func() []string { return rt.Config().Catalog.Eligible() },
		s.currentVariants,
		bus, m, series, logger)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	// Connect the workflow engine before mounting routes so the manual
	// trigger endpoint can run through it.
	if cfg.TemporalEnabled {
		s.startTemporal(ctx)
	}

	deps := httpapi.Dependencies{
		Router:     rt,
		Collector:  col,
		Calibrator: calib,
		Cycle:      s.cycle,
		Store:      db,
		Metrics:    m,
		EventBus:   bus,
		TSDB:       series,
		Bandit:     banditPolicy,
		Prompt:     promptPolicy,
		Idem:       idempotency.New(cfg.IdempotencyTTL, cfg.IdempotencyEntries),
		Reload:     s.reloadDomain,
	}
	if s.temporal != nil {
		deps.CycleTrigger = s.temporal
	}
	httpapi.MountRoutes(r, deps)

	if s.temporal == nil {
		go s.cycle.Run(ctx, cfg.CycleInterval)
	}

	if cfg.WatchConfig {
		if err := s.watchConfig(ctx); err != nil {
			logger.Warn("config watch unavailable", slog.String("error", err.Error()))
		}
	}

	return s, nil
}

func (s *Server) Router() http.Handler { return s.r }

// Reload applies a new process configuration: the log level changes
// immediately and the routing file is re-read. Listener address, store DSN
// and Temporal settings require a restart.
func (s *Server) Reload(cfg Config) {
	logging.SetLevel(cfg.LogLevel)
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	if err := s.reloadDomain(); err != nil {
		s.logger.Error("config reload failed, keeping current configuration",
			slog.String("error", err.Error()))
	}
}

func (s *Server) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.watcher != nil {
		_ = s.watcher.Close()
	}
	if s.temporal != nil {
		s.temporal.Stop()
	}
	if s.traceShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Warn("tracer shutdown", slog.String("error", err.Error()))
		}
	}
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

// currentVariants exposes the active variant map to the learning cycle.
func (s *Server) currentVariants() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.domain.Variants
}

// reloadDomain re-reads the routing file and installs it atomically. The
// running configuration survives any failure: a broken file is logged and
// rejected. Only the routing surface (providers, rules, buckets) and the
// variant map hot-reload; budget and learning tuning take a restart.
func (s *Server) reloadDomain() error {
	s.mu.Lock()
	path := s.cfg.ConfigFile
	s.mu.Unlock()

	domain, err := LoadDomainConfig(path)
	if err != nil {
		return err
	}
	rcfg, err := domain.routingConfig()
	if err != nil {
		return err
	}
	s.router.ReloadConfig(rcfg)
	s.mu.Lock()
	s.domain = domain
	s.mu.Unlock()
	s.logger.Info("routing configuration reloaded",
		slog.String("file", path),
		slog.Int("providers", len(domain.Providers)),
		slog.Int("rules", rcfg.Rules.Len()))
	return nil
}

// startTemporal connects to Temporal and installs the learning-cycle cron.
// Failure is not fatal; the local scheduler covers for a missing server.
func (s *Server) startTemporal(ctx context.Context) {
	mgr, err := temporal.New(temporal.Config{
		HostPort:  s.cfg.TemporalHostPort,
		Namespace: s.cfg.TemporalNamespace,
		TaskQueue: s.cfg.TemporalTaskQueue,
		CronSpec:  s.cfg.TemporalCron,
	}, &temporal.Activities{Cycle: s.cycle})
	if err != nil {
		s.logger.Error("temporal unavailable, falling back to local scheduler",
			slog.String("error", err.Error()))
		return
	}
	if err := mgr.Start(ctx); err != nil {
		s.logger.Error("temporal start failed, falling back to local scheduler",
			slog.String("error", err.Error()))
		mgr.Stop()
		return
	}
	s.temporal = mgr
	s.logger.Info("temporal learning-cycle cron installed",
		slog.String("host", s.cfg.TemporalHostPort),
		slog.String("task_queue", s.cfg.TemporalTaskQueue))
}

// watchConfig reloads the routing file when it changes on disk. The watch is
// on the parent directory because most editors and config mounts replace the
// file instead of writing it in place.
func (s *Server) watchConfig(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(s.cfg.ConfigFile)); err != nil {
		_ = w.Close()
		return err
	}
	s.watcher = w

	target := filepath.Clean(s.cfg.ConfigFile)
	go func() {
		var debounce *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				// Coalesce the burst of events one file replacement produces.
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(200*time.Millisecond, func() {
					if err := s.reloadDomain(); err != nil {
						s.logger.Error("config file reload failed, keeping current configuration",
							slog.String("error", err.Error()))
					}
				})
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.Warn("config watcher", slog.String("error", err.Error()))
			}
		}
	}()
	return nil
}

// restoreBudget seeds the calibrator from the persisted spend ledger so a
// restart cannot reset the throttle ladder.
func restoreBudget(calib *calibrator.Calibrator, db store.Store, logger *slog.Logger) {
	firstOfMonth := time.Now().UTC().Format("2006-01") + "-01"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	days, err := db.BudgetDays(ctx, firstOfMonth)
	if err != nil {
		logger.Error("restore budget ledger", slog.String("error", err.Error()))
		return
	}
	recs := make([]calibrator.DayRecord, 0, len(days))
	for _, d := range days {
		recs = append(recs, calibrator.DayRecord{Day: d.Day, SpentMicros: d.SpentMicros})
	}
	calib.Restore(recs)
}
