// Package calibrator tracks spend against the monthly budget and turns it
// into throttle directives for the router. Costs accumulate in atomic
// micro-euro counters so the hot path never waits on the bookkeeping mutex;
// the mutex only guards period rollover and the daily history.
package calibrator

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Throttle directives, from least to most restrictive.
const (
	DirectiveNormal    = "normal"
	DirectiveSoft      = "soft"
	DirectiveHard      = "hard"
	DirectiveEmergency = "emergency"
)

// DirectiveLevel maps a directive to its ordinal (0..3) for metrics and
// ordering comparisons.
func DirectiveLevel(d string) int {
	switch d {
	case DirectiveSoft:
		return 1
	case DirectiveHard:
		return 2
	case DirectiveEmergency:
		return 3
	default:
		return 0
	}
}

// Config holds the budget policy. Zero values are replaced by defaults.
type Config struct {
	MonthlyCapEUR     float64
	SoftRatio         float64       // day/target ratio above which soft escalates to hard (default 1.10)
	HardRatio         float64       // day/target ratio above which hard escalates to emergency (default 1.25)
	MaxSingleCostEUR  float64       // per-event sanity ceiling (default 10)
	SoftPremiumFactor float64       // premium sampling multiplier under soft throttle (default 0.5)
	RecoveryStep      float64       // multiplier growth factor per recovery interval (default 1.1)
	RecoveryInterval  time.Duration // minimum gap between recovery steps (default 10m)
	TrailingDays      int           // completed days feeding the run-rate projection (default 7)
}

func (c Config) withDefaults() Config {
	if c.SoftRatio == 0 {
		c.SoftRatio = 1.10
	}
	if c.HardRatio == 0 {
		c.HardRatio = 1.25
	}
	if c.MaxSingleCostEUR == 0 {
		c.MaxSingleCostEUR = 10
	}
	if c.SoftPremiumFactor == 0 {
		c.SoftPremiumFactor = 0.5
	}
	if c.RecoveryStep == 0 {
		c.RecoveryStep = 1.1
	}
	if c.RecoveryInterval == 0 {
		c.RecoveryInterval = 10 * time.Minute
	}
	if c.TrailingDays == 0 {
		c.TrailingDays = 7
	}
	return c
}

// Status is the externally visible budget state.
type Status struct {
	Directive            string  `json:"directive"`
	MonthSpentEUR        float64 `json:"month_spent_eur"`
	DaySpentEUR          float64 `json:"day_spent_eur"`
	MonthlyCapEUR        float64 `json:"monthly_cap_eur"`
	PacingTargetEUR      float64 `json:"pacing_target_eur"`
	ProjectedMonthEndEUR float64 `json:"projected_month_end_eur"`
	PremiumMultiplier    float64 `json:"premium_multiplier"`
}

// Ledger is the slice of the store the calibrator persists spend through.
type Ledger interface {
	AddBudgetSpend(ctx context.Context, day string, micros int64) error
}

// Calibrator accumulates spend and derives the current throttle directive.
type Calibrator struct {
	cfg    Config
	logger *slog.Logger
	ledger Ledger
	now    func() time.Time

	monthSpent atomic.Int64 // micro-euros, current month
	daySpent   atomic.Int64 // micro-euros, current UTC day

	mu                sync.Mutex
	monthKey          string  // YYYY-MM
	dayKey            string  // YYYY-MM-DD
	monthAtDayStart   int64   // month spend when the current day began
	history           []int64 // completed-day spends, oldest first, capped at TrailingDays
	premiumMultiplier float64
	lastRecovery      time.Time
	lastDirective     string

	onChange func(old, new string, st Status)
}

// New creates a calibrator. ledger may be nil (no persistence).
func New(cfg Config, logger *slog.Logger, ledger Ledger) *Calibrator {
	cfg = cfg.withDefaults()
	c := &Calibrator{
		cfg:               cfg,
		logger:            logger,
		ledger:            ledger,
		now:               func() time.Time { return time.Now().UTC() },
		premiumMultiplier: 1.0,
		lastDirective:     DirectiveNormal,
	}
	t := c.now()
	c.monthKey = t.Format("2006-01")
	c.dayKey = t.Format("2006-01-02")
	return c
}

// SetNow overrides the clock. Test hook.
func (c *Calibrator) SetNow(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
	t := now()
	c.monthKey = t.Format("2006-01")
	c.dayKey = t.Format("2006-01-02")
}

// OnChange registers a callback fired whenever the directive transitions.
// The callback runs synchronously under the calibrator's mutex; keep it cheap.
func (c *Calibrator) OnChange(fn func(old, new string, st Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = fn
}

// DayRecord is one persisted day of spend, used to restore state at startup.
type DayRecord struct {
	Day         string
	SpentMicros int64
}

// Restore seeds the counters from persisted per-day spend records for the
// current month (oldest first). Called once at startup before traffic.
func (c *Calibrator) Restore(days []DayRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var month, today int64
	for _, d := range days {
		if len(d.Day) < 7 || d.Day[:7] != c.monthKey {
			continue
		}
		month += d.SpentMicros
		if d.Day == c.dayKey {
			today = d.SpentMicros
		} else {
			c.history = append(c.history, d.SpentMicros)
		}
	}
	if n := len(c.history); n > c.cfg.TrailingDays {
		c.history = c.history[n-c.cfg.TrailingDays:]
	}
	c.monthSpent.Store(month)
	c.daySpent.Store(today)
	c.monthAtDayStart = month - today
}

// RecordCost adds an estimated cost against the budget. Negative or absurd
// values are rejected; the decision that produced them still stands.
func (c *Calibrator) RecordCost(ctx context.Context, provider string, eur float64) error {
	if eur < 0 || math.IsNaN(eur) || math.IsInf(eur, 0) {
		if c.logger != nil {
			c.logger.Warn("dropping invalid cost", slog.String("provider", provider), slog.Float64("eur", eur))
		}
		return fmt.Errorf("invalid cost %v", eur)
	}
	if eur > c.cfg.MaxSingleCostEUR {
		if c.logger != nil {
			c.logger.Warn("dropping absurd cost",
				slog.String("provider", provider),
				slog.Float64("eur", eur),
				slog.Float64("limit", c.cfg.MaxSingleCostEUR))
		}
		return fmt.Errorf("cost %v exceeds per-event limit %v", eur, c.cfg.MaxSingleCostEUR)
	}

	c.rollover()
	micros := int64(eur*1e6 + 0.5)
	c.monthSpent.Add(micros)
	c.daySpent.Add(micros)

	if c.ledger != nil && micros > 0 {
		c.mu.Lock()
		day := c.dayKey
		c.mu.Unlock()
		if err := c.ledger.AddBudgetSpend(ctx, day, micros); err != nil && c.logger != nil {
			c.logger.Error("persist budget spend", slog.String("error", err.Error()))
		}
	}
	return nil
}

// Directive evaluates the throttle ladder from the current counters.
func (c *Calibrator) Directive() string {
	return c.Evaluate().Directive
}

// PremiumMultiplier returns the current premium-arm sampling multiplier.
func (c *Calibrator) PremiumMultiplier() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.premiumMultiplier
}

// Evaluate computes the full budget status. The ladder is monotone in
// daily spend: once spend crosses a boundary, only further spend (or the
// next day) can change the directive, never a re-read.
func (c *Calibrator) Evaluate() Status {
	c.rollover()

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	capMicros := int64(c.cfg.MonthlyCapEUR * 1e6)
	month := c.monthSpent.Load()
	day := c.daySpent.Load()

	daysInMonth := daysIn(now)
	dayOfMonth := now.Day()
	remainingDays := daysInMonth - dayOfMonth + 1

	remainingAtDayStart := capMicros - c.monthAtDayStart
	if remainingAtDayStart < 0 {
		remainingAtDayStart = 0
	}
	target := remainingAtDayStart / int64(remainingDays)

	// Ratio of today's spend over the pacing target.
	r := math.Inf(1)
	if target > 0 {
		r = float64(day) / float64(target)
	} else if day == 0 {
		r = 0
	}

	// Month-end projection from the trailing completed-day run-rate.
	// Today's partial spend is covered by the pacing ratio, not the
	// projection; with no completed days yet there is nothing to
	// extrapolate from.
	var rate int64
	if len(c.history) > 0 {
		var sum int64
		for _, v := range c.history {
			sum += v
		}
		rate = sum / int64(len(c.history))
	}
	projected := month + rate*int64(daysInMonth-dayOfMonth)

	directive := DirectiveNormal
	switch {
	case month >= capMicros || projected > capMicros || r > c.cfg.HardRatio:
		directive = DirectiveEmergency
	case r > c.cfg.SoftRatio:
		directive = DirectiveHard
	case r > 1.0:
		directive = DirectiveSoft
	}

	c.adjustMultiplier(directive, now)

	st := Status{
		Directive:            directive,
		MonthSpentEUR:        float64(month) / 1e6,
		DaySpentEUR:          float64(day) / 1e6,
		MonthlyCapEUR:        c.cfg.MonthlyCapEUR,
		PacingTargetEUR:      float64(target) / 1e6,
		ProjectedMonthEndEUR: float64(projected) / 1e6,
		PremiumMultiplier:    c.premiumMultiplier,
	}

	if directive != c.lastDirective {
		old := c.lastDirective
		c.lastDirective = directive
		if c.logger != nil {
			c.logger.Info("throttle directive changed",
				slog.String("from", old),
				slog.String("to", directive),
				slog.Float64("day_spent_eur", st.DaySpentEUR),
				slog.Float64("month_spent_eur", st.MonthSpentEUR))
		}
		if c.onChange != nil {
			c.onChange(old, directive, st)
		}
	}
	return st
}

// adjustMultiplier lowers the premium multiplier while throttled and lets it
// recover stepwise once spending is back under pacing. Caller holds mu.
func (c *Calibrator) adjustMultiplier(directive string, now time.Time) {
	if directive != DirectiveNormal {
		if c.premiumMultiplier > c.cfg.SoftPremiumFactor {
			c.premiumMultiplier = c.cfg.SoftPremiumFactor
		}
		c.lastRecovery = now
		return
	}
	if c.premiumMultiplier >= 1.0 {
		return
	}
	if now.Sub(c.lastRecovery) < c.cfg.RecoveryInterval {
		return
	}
	c.premiumMultiplier = math.Min(1.0, c.premiumMultiplier*c.cfg.RecoveryStep)
	c.lastRecovery = now
}

// rollover resets the day counter at UTC midnight and both counters at the
// month boundary, folding the completed day into the run-rate history.
func (c *Calibrator) rollover() {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now()
	monthKey := t.Format("2006-01")
	dayKey := t.Format("2006-01-02")
	if dayKey == c.dayKey {
		return
	}

	completed := c.daySpent.Swap(0)
	if monthKey != c.monthKey {
		c.monthSpent.Store(0)
		c.monthKey = monthKey
		c.history = nil
		c.monthAtDayStart = 0
	} else {
		c.history = append(c.history, completed)
		if n := len(c.history); n > c.cfg.TrailingDays {
			c.history = c.history[n-c.cfg.TrailingDays:]
		}
		c.monthAtDayStart = c.monthSpent.Load()
	}
	c.dayKey = dayKey
}

func daysIn(t time.Time) int {
	first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return first.AddDate(0, 1, -1).Day()
}
