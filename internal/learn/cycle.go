// Package learn runs the periodic learning cycle: drain new feedback,
// re-derive rewards, check for quality regressions, rebuild the bandit and
// prompter snapshots and install them atomically. The cycle is the only
// writer of learned state; the hot path never blocks on it.
package learn

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nordwire/genroute/internal/bandit"
	"github.com/nordwire/genroute/internal/evaluator"
	"github.com/nordwire/genroute/internal/events"
	"github.com/nordwire/genroute/internal/metrics"
	"github.com/nordwire/genroute/internal/prompter"
	"github.com/nordwire/genroute/internal/store"
	"github.com/nordwire/genroute/internal/tsdb"
)

const cursorName = "learn"

// drainLimit bounds one cycle's intake; the rest carries over because the
// cursor only advances past processed events.
const drainLimit = 50000

// Summary reports what one cycle did.
type Summary struct {
	Drained     int           `json:"drained"`
	Scored      int           `json:"scored"`
	Skipped     int           `json:"skipped"`
	Regressions []string      `json:"regressions,omitempty"`
	Frozen      bool          `json:"frozen"`
	Duration    time.Duration `json:"duration"`
}

// Config holds cycle tuning.
type Config struct {
	RecentWindow   time.Duration // regression recent half (default 24h)
	BaselineWindow time.Duration // regression baseline half (default 7d)
	Regression     evaluator.RegressionConfig
}

func (c Config) withDefaults() Config {
	if c.RecentWindow == 0 {
		c.RecentWindow = 24 * time.Hour
	}
	if c.BaselineWindow == 0 {
		c.BaselineWindow = 7 * 24 * time.Hour
	}
	return c
}

// Cycle owns the learning loop.
type Cycle struct {
	cfg    Config
	store  store.Store
	scorer *evaluator.Scorer

	banditPolicy *bandit.Policy
	promptPolicy *prompter.Policy

	// providers and variants read the active configuration at cycle time
	// so config reloads take effect on the next rebuild.
	providers func() []string
	variants  func() map[string][]string

	bus     *events.Bus
	metrics *metrics.Registry
	series  *tsdb.Store
	logger  *slog.Logger
	now     func() time.Time

	mu               sync.Mutex // single-flight: one cycle at a time
	manualFreeze     atomic.Bool
	regressionFreeze atomic.Bool
}

// New wires a cycle. bus, metrics and series may be nil.
func New(cfg Config, st store.Store, scorer *evaluator.Scorer,
	banditPolicy *bandit.Policy, promptPolicy *prompter.Policy,
	providers func() []string, variants func() map[string][]string,
	bus *events.Bus, m *metrics.Registry, series *tsdb.Store, logger *slog.Logger) *Cycle {
	return &Cycle{
		cfg:          cfg.withDefaults(),
		store:        st,
		scorer:       scorer,
		banditPolicy: banditPolicy,
		promptPolicy: promptPolicy,
		providers:    providers,
		variants:     variants,
		bus:          bus,
		metrics:      m,
		series:       series,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// SetNow overrides the clock. Test hook.
func (c *Cycle) SetNow(now func() time.Time) { c.now = now }

// Frozen reports whether exploration is currently suspended.
func (c *Cycle) Frozen() bool {
	return c.manualFreeze.Load() || c.regressionFreeze.Load()
}

// SetManualFreeze toggles the operator freeze and audit-logs the change.
// The new state reaches the hot path with the next snapshot swap, which the
// caller is expected to trigger via RunOnce.
func (c *Cycle) SetManualFreeze(ctx context.Context, frozen bool, requestID string) {
	old := c.Frozen()
	c.manualFreeze.Store(frozen)
	c.auditFreeze(ctx, old, "manual", requestID)
}

// ClearRegressionFreeze lifts a regression-triggered freeze. Regression
// freezes are sticky: they stay until an operator has reviewed the report.
func (c *Cycle) ClearRegressionFreeze(ctx context.Context, requestID string) {
	old := c.Frozen()
	c.regressionFreeze.Store(false)
	c.auditFreeze(ctx, old, "regression_cleared", requestID)
}

func (c *Cycle) auditFreeze(ctx context.Context, wasFrozen bool, detail, requestID string) {
	nowFrozen := c.Frozen()
	if nowFrozen == wasFrozen {
		return
	}
	if err := c.store.LogAudit(ctx, store.AuditEntry{
		Action:    "exploration.freeze",
		Resource:  freezeState(nowFrozen),
		Detail:    detail,
		RequestID: requestID,
	}); err != nil && c.logger != nil {
		c.logger.Error("audit freeze change", slog.String("error", err.Error()))
	}
	if c.bus != nil {
		c.bus.Publish(events.Event{
			Type:     events.EventFreezeChange,
			OldState: freezeState(wasFrozen),
			NewState: freezeState(nowFrozen),
			Reason:   detail,
		})
	}
}

func freezeState(frozen bool) string {
	if frozen {
		return "frozen"
	}
	return "active"
}

// RunOnce executes one full cycle. It is idempotent: the cursor advances
// only after the new snapshots are installed, so a crash mid-cycle replays
// the same events into the same upserted reward samples.
func (c *Cycle) RunOnce(ctx context.Context) (Summary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	var sum Summary

	cursor, err := c.store.GetCursor(ctx, cursorName)
	if err != nil {
		return sum, fmt.Errorf("load cursor: %w", err)
	}

	drained, err := c.store.FeedbackSince(ctx, cursor, drainLimit)
	if err != nil {
		return sum, fmt.Errorf("drain feedback: %w", err)
	}
	sum.Drained = len(drained)

	// Score each touched content item from its full feedback history.
	// One bad sample is logged and skipped, never fails the cycle.
	touched := make(map[string]bool)
	for _, ev := range drained {
		touched[ev.ContentID] = true
	}
	for contentID := range touched {
		if err := c.scoreContent(ctx, contentID); err != nil {
			sum.Skipped++
			if c.logger != nil {
				c.logger.Warn("skipping sample",
					slog.String("content_id", contentID),
					slog.String("error", err.Error()))
			}
			continue
		}
		sum.Scored++
	}

	// Regression check per provider over the freshly upserted samples.
	now := c.now()
	for _, provider := range c.providers() {
		rep, err := c.checkProvider(ctx, provider, now)
		if err != nil {
			if c.logger != nil {
				c.logger.Error("regression check",
					slog.String("provider", provider),
					slog.String("error", err.Error()))
			}
			continue
		}
		if rep != nil && rep.Flagged {
			sum.Regressions = append(sum.Regressions, provider)
		}
	}
	if len(sum.Regressions) > 0 && !c.regressionFreeze.Load() {
		wasFrozen := c.Frozen()
		c.regressionFreeze.Store(true)
		c.auditFreeze(ctx, wasFrozen, "regression", "")
	}
	sum.Frozen = c.Frozen()

	// Rebuild and install the snapshots.
	if err := c.rebuild(ctx, sum.Frozen, now); err != nil {
		return sum, err
	}

	// Only now is it safe to move past the drained events.
	if len(drained) > 0 {
		if err := c.store.SetCursor(ctx, cursorName, nextCursor(drained, len(drained) == drainLimit)); err != nil {
			return sum, fmt.Errorf("advance cursor: %w", err)
		}
	}

	sum.Duration = time.Since(start)
	if c.metrics != nil {
		c.metrics.CycleDuration.Observe(sum.Duration.Seconds())
		c.metrics.CycleSamples.Add(float64(sum.Scored))
	}
	if c.bus != nil {
		c.bus.Publish(events.Event{
			Type:     events.EventCycleCompleted,
			Samples:  sum.Scored,
			Duration: sum.Duration.Seconds(),
		})
	}
	if c.logger != nil {
		c.logger.Info("learning cycle completed",
			slog.Int("drained", sum.Drained),
			slog.Int("scored", sum.Scored),
			slog.Int("skipped", sum.Skipped),
			slog.Int("regressions", len(sum.Regressions)),
			slog.Bool("frozen", sum.Frozen),
			slog.Duration("duration", sum.Duration))
	}
	return sum, nil
}

// nextCursor picks the timestamp the cursor can advance to. On a complete
// drain that is the batch maximum. A truncated drain may have been cut inside
// a group of events sharing the maximum, and the cursor filter is strict, so
// it stops at the second-newest distinct timestamp instead; the boundary
// group re-drains next cycle into the same upserted samples. With a single
// distinct timestamp the maximum is all there is to advance to.
func nextCursor(drained []store.FeedbackRecord, truncated bool) time.Time {
	var newest, prev time.Time
	for _, ev := range drained {
		switch {
		case ev.ReceivedAt.After(newest):
			prev, newest = newest, ev.ReceivedAt
		case ev.ReceivedAt.Before(newest) && ev.ReceivedAt.After(prev):
			prev = ev.ReceivedAt
		}
	}
	if truncated && !prev.IsZero() {
		return prev
	}
	return newest
}

func (c *Cycle) scoreContent(ctx context.Context, contentID string) error {
	decision, err := c.store.GetDecision(ctx, contentID)
	if err != nil {
		return fmt.Errorf("load decision: %w", err)
	}
	if decision == nil {
		return fmt.Errorf("no decision on record")
	}

	history, err := c.store.FeedbackForContent(ctx, contentID)
	if err != nil {
		return fmt.Errorf("load feedback: %w", err)
	}

	var outcome evaluator.Outcome
	for _, ev := range history {
		c.scorer.Apply(&outcome, ev.Source, ev.Payload)
	}
	reward, passed := c.scorer.Reward(outcome)

	return c.store.UpsertReward(ctx, store.RewardRecord{
		ContentID: contentID,
		Provider:  decision.Provider,
		Variant:   decision.Variant,
		Bucket:    decision.Bucket,
		Category:  decision.Category,
		Reward:    reward,
		Passed:    passed,
		CostEUR:   decision.EstimatedCostEUR,
		ScoredAt:  c.now(),
	})
}

func (c *Cycle) checkProvider(ctx context.Context, provider string, now time.Time) (*evaluator.Report, error) {
	recentFrom := now.Add(-c.cfg.RecentWindow)
	baseFrom := recentFrom.Add(-c.cfg.BaselineWindow)

	recent, err := c.store.RewardStats(ctx, provider, recentFrom, now)
	if err != nil {
		return nil, err
	}
	baseline, err := c.store.RewardStats(ctx, provider, baseFrom, recentFrom)
	if err != nil {
		return nil, err
	}
	if recent.Count == 0 && baseline.Count == 0 {
		return nil, nil
	}

	rep := evaluator.CheckRegression(provider,
		evaluator.WindowStats{Count: baseline.Count, Passes: baseline.Passes},
		evaluator.WindowStats{Count: recent.Count, Passes: recent.Passes},
		c.cfg.Regression)

	if c.series != nil {
		c.series.Write(tsdb.Point{Metric: tsdb.MetricPassRate, Provider: provider, Value: recent.PassRate()})
		c.series.Write(tsdb.Point{Metric: tsdb.MetricMeanReward, Provider: provider, Value: recent.MeanReward()})
	}

	if !rep.Flagged {
		return &rep, nil
	}

	if err := c.store.LogRegression(ctx, store.RegressionRecord{
		ID:               rep.ID,
		Provider:         rep.Provider,
		BaselinePassRate: rep.BaselinePassRate,
		RecentPassRate:   rep.RecentPassRate,
		BaselineCount:    rep.BaselineCount,
		RecentCount:      rep.RecentCount,
		EffectSize:       rep.EffectSize,
		PValue:           rep.PValue,
		Flagged:          true,
		CreatedAt:        rep.CreatedAt,
	}); err != nil {
		return &rep, fmt.Errorf("persist regression: %w", err)
	}
	if c.metrics != nil {
		c.metrics.RegressionsTotal.WithLabelValues(provider).Inc()
	}
	if c.bus != nil {
		c.bus.Publish(events.Event{
			Type:       events.EventRegression,
			Provider:   provider,
			EffectSize: rep.EffectSize,
			PValue:     rep.PValue,
		})
	}
	if c.logger != nil {
		c.logger.Warn("quality regression flagged",
			slog.String("provider", provider),
			slog.Float64("baseline_pass_rate", rep.BaselinePassRate),
			slog.Float64("recent_pass_rate", rep.RecentPassRate),
			slog.Float64("p_value", rep.PValue))
	}
	return &rep, nil
}

// rebuild aggregates the reward log and swaps in fresh snapshots.
func (c *Cycle) rebuild(ctx context.Context, frozen bool, now time.Time) error {
	rows, err := c.store.RewardSummary(ctx)
	if err != nil {
		return fmt.Errorf("reward summary: %w", err)
	}
	counts := make(map[bandit.ArmKey]int, len(rows))
	sums := make(map[bandit.ArmKey]float64, len(rows))
	for _, row := range rows {
		key := bandit.ArmKey{Bucket: row.Bucket, Provider: row.Provider}
		counts[key] = row.Count
		sums[key] = row.SumReward
	}
	c.banditPolicy.Swap(bandit.Rebuild(c.banditPolicy.Current(), counts, sums, frozen))

	vrows, err := c.store.VariantSummary(ctx)
	if err != nil {
		return fmt.Errorf("variant summary: %w", err)
	}
	vstats := make(map[prompter.VariantKey]prompter.Stats, len(vrows))
	for _, row := range vrows {
		vstats[prompter.VariantKey{Category: row.Category, Variant: row.Variant}] = prompter.Stats{
			Count:     row.Count,
			SumReward: row.SumReward,
		}
	}
	c.promptPolicy.Swap(prompter.Rebuild(c.promptPolicy.Current(), c.variants(), vstats, frozen))
	return nil
}

// Run executes cycles on a fixed interval until the context is canceled.
func (c *Cycle) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.RunOnce(ctx); err != nil {
				if c.logger != nil {
					c.logger.Error("learning cycle failed", slog.String("error", err.Error()))
				}
				if c.bus != nil {
					c.bus.Publish(events.Event{Type: events.EventCycleFailed, ErrorMsg: err.Error()})
				}
			}
		}
	}
}
