// Package httpapi exposes the routing, feedback and admin surface over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nordwire/genroute/internal/bandit"
	"github.com/nordwire/genroute/internal/calibrator"
	"github.com/nordwire/genroute/internal/collector"
	"github.com/nordwire/genroute/internal/events"
	"github.com/nordwire/genroute/internal/idempotency"
	"github.com/nordwire/genroute/internal/learn"
	"github.com/nordwire/genroute/internal/metrics"
	"github.com/nordwire/genroute/internal/prompter"
	"github.com/nordwire/genroute/internal/routing"
	"github.com/nordwire/genroute/internal/store"
	"github.com/nordwire/genroute/internal/temporal"
	"github.com/nordwire/genroute/internal/tsdb"
)

// CycleTrigger runs a learning cycle through the workflow engine instead of
// in process. Satisfied by *temporal.Manager.
type CycleTrigger interface {
	TriggerCycle(ctx context.Context, requestID string) (temporal.CycleResult, error)
}

// Dependencies wires the subsystems into the HTTP layer. Optional fields
// (EventBus, TSDB, Idem, Reload) may be nil; the affected endpoints degrade
// or disappear.
type Dependencies struct {
	Router     *routing.Router
	Collector  *collector.Collector
	Calibrator *calibrator.Calibrator
	Cycle      *learn.Cycle
	Store      store.Store
	Metrics    *metrics.Registry
	EventBus   *events.Bus
	TSDB       *tsdb.Store
	Bandit     *bandit.Policy
	Prompt     *prompter.Policy

	// Idempotency cache for the decision endpoint (nil disables replay).
	Idem *idempotency.Cache

	// Reload re-reads the routing configuration from disk and installs it.
	// Set by the app layer; nil disables the reload endpoint.
	Reload func() error

	// CycleTrigger carries manual learning-cycle runs through the workflow
	// engine when one is connected. Nil falls back to the in-process cycle.
	CycleTrigger CycleTrigger
}

func MountRoutes(r chi.Router, d Dependencies) {
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		// Verify the system can actually make decisions.
		cfg := d.Router.Config()
		providers := len(cfg.Catalog.Eligible())
		if providers == 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"status":    "unhealthy",
				"providers": providers,
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"providers": providers,
			"frozen":    d.Cycle.Frozen(),
		})
	})

	r.Route("/v1", func(r chi.Router) {
		if d.Idem != nil {
			r.With(idempotency.Middleware(d.Idem)).Post("/route", RouteHandler(d))
		} else {
			r.Post("/route", RouteHandler(d))
		}
		r.Post("/feedback", FeedbackHandler(d))
		r.Get("/directive", DirectiveHandler(d))
	})

	r.Route("/admin/v1", func(r chi.Router) {
		r.Get("/decisions", DecisionsListHandler(d))
		r.Get("/decisions/{contentID}", DecisionGetHandler(d))
		r.Get("/rewards", RewardsListHandler(d))
		r.Get("/regressions", RegressionsListHandler(d))
		r.Get("/audit", AuditLogsHandler(d))
		r.Get("/budget", BudgetHandler(d))
		r.Get("/policy/arms", BanditArmsHandler(d))
		r.Get("/policy/variants", VariantStatsHandler(d))
		r.Post("/learn/run", CycleRunHandler(d))
		r.Post("/learn/freeze", FreezeHandler(d))
		r.Delete("/learn/freeze", UnfreezeHandler(d))
		r.Post("/config/reload", ConfigReloadHandler(d))
		r.Get("/tsdb/query", TSDBQueryHandler(d.TSDB))
		r.Get("/tsdb/metrics", TSDBMetricsHandler(d.TSDB))
		r.Post("/tsdb/prune", TSDBPruneHandler(d.TSDB))
		r.Put("/tsdb/retention", TSDBRetentionHandler(d.TSDB))
		if d.EventBus != nil {
			r.Get("/events", SSEHandler(d.EventBus))
		}
	})

	r.Handle("/metrics", d.Metrics.Handler())
}
