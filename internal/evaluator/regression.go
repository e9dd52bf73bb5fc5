package evaluator

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// RegressionConfig gates the regression detector. A provider is only
// flagged when all three conditions hold: enough samples in both halves,
// a drop at least MinEffect wide, and a one-sided two-proportion z-test
// significant at Alpha. Statistical noise on thin data must never freeze
// exploration.
type RegressionConfig struct {
	MinSamples int     // minimum observations per half (default 50)
	MinEffect  float64 // minimum absolute pass-rate drop (default 0.10)
	Alpha      float64 // significance level (default 0.01)
}

func (c RegressionConfig) withDefaults() RegressionConfig {
	if c.MinSamples == 0 {
		c.MinSamples = 50
	}
	if c.MinEffect == 0 {
		c.MinEffect = 0.10
	}
	if c.Alpha == 0 {
		c.Alpha = 0.01
	}
	return c
}

// WindowStats summarizes one comparison window.
type WindowStats struct {
	Count  int
	Passes int
}

func (w WindowStats) passRate() float64 {
	if w.Count == 0 {
		return 0
	}
	return float64(w.Passes) / float64(w.Count)
}

// Report is the outcome of one regression check.
type Report struct {
	ID               string    `json:"id"`
	Provider         string    `json:"provider"`
	BaselinePassRate float64   `json:"baseline_pass_rate"`
	RecentPassRate   float64   `json:"recent_pass_rate"`
	BaselineCount    int       `json:"baseline_count"`
	RecentCount      int       `json:"recent_count"`
	EffectSize       float64   `json:"effect_size"` // baseline - recent pass rate
	PValue           float64   `json:"p_value"`
	Flagged          bool      `json:"flagged"`
	CreatedAt        time.Time `json:"created_at"`
}

// CheckRegression compares a provider's recent pass rate against its
// baseline window.
func CheckRegression(provider string, baseline, recent WindowStats, cfg RegressionConfig) Report {
	cfg = cfg.withDefaults()

	rep := Report{
		ID:               uuid.NewString(),
		Provider:         provider,
		BaselinePassRate: baseline.passRate(),
		RecentPassRate:   recent.passRate(),
		BaselineCount:    baseline.Count,
		RecentCount:      recent.Count,
		PValue:           1.0,
		CreatedAt:        time.Now().UTC(),
	}
	rep.EffectSize = rep.BaselinePassRate - rep.RecentPassRate

	if baseline.Count < cfg.MinSamples || recent.Count < cfg.MinSamples {
		return rep
	}
	if rep.EffectSize < cfg.MinEffect {
		return rep
	}

	rep.PValue = twoProportionP(baseline, recent)
	rep.Flagged = rep.PValue < cfg.Alpha
	return rep
}

// twoProportionP runs a one-sided two-proportion z-test (normal
// approximation) for H1: recent pass rate < baseline pass rate.
func twoProportionP(baseline, recent WindowStats) float64 {
	n1, n2 := float64(baseline.Count), float64(recent.Count)
	p1, p2 := baseline.passRate(), recent.passRate()

	pooled := (float64(baseline.Passes) + float64(recent.Passes)) / (n1 + n2)
	se := math.Sqrt(pooled * (1 - pooled) * (1/n1 + 1/n2))
	if se == 0 {
		if p1 > p2 {
			return 0
		}
		return 1
	}
	z := (p1 - p2) / se
	// P(Z >= z) for the upper tail.
	return 0.5 * math.Erfc(z/math.Sqrt2)
}
