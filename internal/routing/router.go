// Package routing implements the hot decision path: hard rules, budget
// throttle gate, contextual Thompson sampling, prompt variant selection.
// Route never returns an error; any internal stall degrades to the
// cheapest provider.
package routing

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nordwire/genroute/internal/bandit"
	"github.com/nordwire/genroute/internal/calibrator"
	"github.com/nordwire/genroute/internal/metrics"
	"github.com/nordwire/genroute/internal/prompter"
	"github.com/nordwire/genroute/internal/store"
)

// DefaultTimeout is the local deadline for one decision. Past it the
// router fails open instead of blocking content production.
const DefaultTimeout = 5 * time.Millisecond

// Config is the immutable routing configuration, replaced wholesale on
// reload.
type Config struct {
	Catalog  *Catalog
	Rules    *RuleTable
	Bucketer *bandit.Bucketer
}

// Budget is the slice of the calibrator the router consumes.
type Budget interface {
	Evaluate() calibrator.Status
	RecordCost(ctx context.Context, provider string, eur float64) error
}

// DecisionLog persists decisions for audit and learning.
type DecisionLog interface {
	LogDecision(ctx context.Context, d store.DecisionRecord) error
}

// Router selects a provider and prompt variant for each request.
type Router struct {
	cfg     atomic.Pointer[Config]
	bandit  *bandit.Policy
	prompt  *prompter.Policy
	budget  Budget
	log     DecisionLog
	metrics *metrics.Registry
	logger  *slog.Logger
	timeout time.Duration

	mu  sync.Mutex
	rng *rand.Rand

	lastThrottle atomic.Value // string; read by the fail-open path

	onDecision func(Decision)
}

// New builds a router. decisionLog may be nil (decisions not persisted).
func New(cfg *Config, banditPolicy *bandit.Policy, promptPolicy *prompter.Policy,
	budget Budget, decisionLog DecisionLog, m *metrics.Registry, logger *slog.Logger, seed int64) *Router {
	r := &Router{
		bandit:  banditPolicy,
		prompt:  promptPolicy,
		budget:  budget,
		log:     decisionLog,
		metrics: m,
		logger:  logger,
		timeout: DefaultTimeout,
		rng:     rand.New(rand.NewSource(seed)),
	}
	r.cfg.Store(cfg)
	r.lastThrottle.Store(calibrator.DirectiveNormal)
	return r
}

// SetTimeout overrides the decision deadline. Test hook.
func (r *Router) SetTimeout(d time.Duration) { r.timeout = d }

// OnDecision registers a callback invoked for every decision, after it is
// finalized. Used to feed the event stream.
func (r *Router) OnDecision(fn func(Decision)) { r.onDecision = fn }

// ReloadConfig atomically installs a new validated configuration.
func (r *Router) ReloadConfig(cfg *Config) {
	r.cfg.Store(cfg)
}

// Config returns the active configuration.
func (r *Router) Config() *Config {
	return r.cfg.Load()
}

// Route decides where to send one piece of content. It always answers
// within the configured deadline; a stalled decision fails open to the
// cheapest provider rather than holding up production.
func (r *Router) Route(ctx context.Context, req RequestContext) Decision {
	start := time.Now()

	ch := make(chan Decision, 1)
	go func() { ch <- r.decide(req) }()

	var d Decision
	timer := time.NewTimer(r.timeout)
	defer timer.Stop()
	select {
	case d = <-ch:
	case <-timer.C:
		d = r.failOpen(req)
	case <-ctx.Done():
		d = r.failOpen(req)
	}

	d.DecisionID = uuid.NewString()
	d.ContentID = req.ContentID
	d.DecidedAt = time.Now().UTC()

	// Spend is booked synchronously so the directive reflects this
	// decision before the next one is made.
	if d.EstimatedCostEUR > 0 {
		_ = r.budget.RecordCost(ctx, d.Provider, d.EstimatedCostEUR)
	}

	if r.metrics != nil {
		r.metrics.DecisionsTotal.WithLabelValues(d.Provider, d.Bucket, d.Throttle, reasonClass(d.Reason)).Inc()
		r.metrics.DecisionLatency.WithLabelValues(d.Throttle).Observe(float64(time.Since(start).Microseconds()))
		if d.EstimatedCostEUR > 0 {
			r.metrics.CostEUR.WithLabelValues(d.Provider).Add(d.EstimatedCostEUR)
		}
	}

	if r.log != nil {
		rec := store.DecisionRecord{
			ID:               d.DecisionID,
			ContentID:        d.ContentID,
			Provider:         d.Provider,
			Variant:          d.Variant,
			Bucket:           d.Bucket,
			Throttle:         d.Throttle,
			Reason:           d.Reason,
			EstimatedCostEUR: d.EstimatedCostEUR,
			Language:         req.Language,
			Category:         req.Category,
			Complexity:       req.Complexity,
			Risk:             req.Risk,
			DecidedAt:        d.DecidedAt,
		}
		go func() {
			logCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.log.LogDecision(logCtx, rec); err != nil && r.logger != nil {
				r.logger.Error("persist decision",
					slog.String("decision_id", rec.ID),
					slog.String("error", err.Error()))
			}
		}()
	}

	if r.onDecision != nil {
		r.onDecision(d)
	}
	return d
}

func (r *Router) decide(req RequestContext) Decision {
	cfg := r.cfg.Load()
	bucket := cfg.Bucketer.Derive(req.Language, req.Category, req.Complexity, req.Risk)

	st := r.budget.Evaluate()
	throttle := st.Directive
	r.lastThrottle.Store(throttle)
	if r.metrics != nil {
		r.metrics.SpendEUR.WithLabelValues("month").Set(st.MonthSpentEUR)
		r.metrics.SpendEUR.WithLabelValues("day").Set(st.DaySpentEUR)
		r.metrics.SpendEUR.WithLabelValues("projected").Set(st.ProjectedMonthEndEUR)
	}

	// Hard rules preempt everything except the emergency brake.
	if rule := cfg.Rules.FirstMatch(req); rule != nil {
		if rule.ValidateOnly {
			arm, _ := cfg.Catalog.ValidationArm()
			return Decision{
				Provider: arm.ID,
				Bucket:   bucket,
				Throttle: throttle,
				Reason:   "rule:" + rule.Name,
			}
		}
		provider := rule.Provider
		reason := "rule:" + rule.Name
		switch {
		case throttle == calibrator.DirectiveEmergency:
			provider = cfg.Catalog.Cheapest().ID
			reason = "throttle:" + throttle
		case throttle == calibrator.DirectiveHard && !rule.BypassThrottle:
			provider = cfg.Catalog.Cheapest().ID
			reason = "throttle:" + throttle
		}
		return r.finish(req, cfg, provider, bucket, throttle, reason)
	}

	// Under hard or emergency throttle the bandit is out of the loop.
	if throttle == calibrator.DirectiveHard || throttle == calibrator.DirectiveEmergency {
		return r.finish(req, cfg, cfg.Catalog.Cheapest().ID, bucket, throttle, "throttle:"+throttle)
	}

	rec := r.recommend(bucket, cfg.Catalog.Eligible())
	provider := rec.Provider
	reason := rec.Reason

	// Soft throttle: premium arms are sampled with reduced probability.
	if throttle == calibrator.DirectiveSoft {
		if p, ok := cfg.Catalog.Get(provider); ok && p.Tier == TierPremium {
			if r.chance() > st.PremiumMultiplier {
				provider = cfg.Catalog.Cheapest().ID
				reason = "throttle:" + throttle
			}
		}
	}
	return r.finish(req, cfg, provider, bucket, throttle, reason)
}

// finish fills in cost and prompt variant for a generation decision.
func (r *Router) finish(req RequestContext, cfg *Config, provider, bucket, throttle, reason string) Decision {
	d := Decision{
		Provider: provider,
		Bucket:   bucket,
		Throttle: throttle,
		Reason:   reason,
	}
	if p, ok := cfg.Catalog.Get(provider); ok {
		d.EstimatedCostEUR = p.UnitCostEUR
	}
	d.Variant = r.selectVariant(req.Category, throttle)
	return d
}

// failOpen is the degraded path: cheapest provider, no sampling, no
// variant lookup, nothing that can block.
func (r *Router) failOpen(req RequestContext) Decision {
	cfg := r.cfg.Load()
	cheapest := cfg.Catalog.Cheapest()
	throttle, _ := r.lastThrottle.Load().(string)
	if r.logger != nil {
		r.logger.Warn("routing decision timed out, failing open",
			slog.String("content_id", req.ContentID),
			slog.String("provider", cheapest.ID))
	}
	return Decision{
		Provider:         cheapest.ID,
		Bucket:           cfg.Bucketer.Derive(req.Language, req.Category, req.Complexity, req.Risk),
		Throttle:         throttle,
		Reason:           "fail_open",
		EstimatedCostEUR: cheapest.UnitCostEUR,
	}
}

func (r *Router) recommend(bucket string, eligible []string) bandit.Recommendation {
	snap := r.bandit.Current()
	r.mu.Lock()
	defer r.mu.Unlock()
	return snap.Recommend(bucket, eligible, r.rng)
}

// selectVariant picks a prompt variant. Under the emergency directive all
// variant exploration is suspended.
func (r *Router) selectVariant(category, throttle string) string {
	snap := r.prompt.Current()
	if throttle == calibrator.DirectiveEmergency {
		return snap.Exploit(category).Variant
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return snap.Select(category, r.rng).Variant
}

func (r *Router) chance() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Float64()
}

// reasonClass collapses detailed reasons to a bounded metric label.
func reasonClass(reason string) string {
	if i := strings.IndexByte(reason, ':'); i > 0 {
		return reason[:i]
	}
	return reason
}
