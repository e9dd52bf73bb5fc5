package store

import (
	"context"
	"time"
)

// Store defines the persistence interface for genroute. Decision, reward and
// feedback logs are append-only; they exist for audit, offline analysis and
// for the learning cycle, never for hot-path reads.
type Store interface {
	// Decision log
	LogDecision(ctx context.Context, d DecisionRecord) error
	GetDecision(ctx context.Context, contentID string) (*DecisionRecord, error)
	ListDecisions(ctx context.Context, limit, offset int) ([]DecisionRecord, error)

	// Feedback events (idempotent on content_id+source)
	InsertFeedback(ctx context.Context, ev FeedbackRecord) (inserted bool, err error)
	FeedbackSince(ctx context.Context, since time.Time, limit int) ([]FeedbackRecord, error)
	FeedbackForContent(ctx context.Context, contentID string) ([]FeedbackRecord, error)

	// Reward log (one sample per decision, re-derived as feedback accrues)
	UpsertReward(ctx context.Context, r RewardRecord) error
	ListRewards(ctx context.Context, limit, offset int) ([]RewardRecord, error)
	RewardSummary(ctx context.Context) ([]RewardSummaryRow, error)
	VariantSummary(ctx context.Context) ([]VariantSummaryRow, error)
	RewardStats(ctx context.Context, provider string, from, to time.Time) (RewardStats, error)

	// Regression reports
	LogRegression(ctx context.Context, r RegressionRecord) error
	ListRegressions(ctx context.Context, limit, offset int) ([]RegressionRecord, error)

	// Budget ledger (per-day spend, micro-euros)
	AddBudgetSpend(ctx context.Context, day string, micros int64) error
	BudgetDays(ctx context.Context, fromDay string) ([]BudgetDayRecord, error)

	// Learning-cycle cursor
	GetCursor(ctx context.Context, name string) (time.Time, error)
	SetCursor(ctx context.Context, name string, ts time.Time) error

	// Audit trail of protective state transitions and admin mutations
	LogAudit(ctx context.Context, entry AuditEntry) error
	ListAuditLogs(ctx context.Context, limit, offset int) ([]AuditEntry, error)

	// Schema lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// DecisionRecord is the persisted form of one routing decision.
type DecisionRecord struct {
	ID               string    `json:"id"`
	ContentID        string    `json:"content_id"`
	Provider         string    `json:"provider"`
	Variant          string    `json:"variant"`
	Bucket           string    `json:"bucket"`
	Throttle         string    `json:"throttle"`
	Reason           string    `json:"reason"`
	EstimatedCostEUR float64   `json:"estimated_cost_eur"`
	Language         string    `json:"language"`
	Category         string    `json:"category"`
	Complexity       float64   `json:"complexity"`
	Risk             float64   `json:"risk"`
	DecidedAt        time.Time `json:"decided_at"`
}

// FeedbackRecord is one ingested feedback event. Payload is the raw JSON
// body as delivered; the evaluator interprets it per source.
type FeedbackRecord struct {
	ID         int64     `json:"id"`
	ContentID  string    `json:"content_id"`
	Source     string    `json:"source"`
	Payload    string    `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}

// RewardRecord is the scalar reward derived for one routing decision.
type RewardRecord struct {
	ContentID string    `json:"content_id"`
	Provider  string    `json:"provider"`
	Variant   string    `json:"variant"`
	Bucket    string    `json:"bucket"`
	Category  string    `json:"category"`
	Reward    float64   `json:"reward"`
	Passed    bool      `json:"passed"`
	CostEUR   float64   `json:"cost_eur"`
	ScoredAt  time.Time `json:"scored_at"`
}

// RewardSummaryRow aggregates rewards for one (bucket, provider) arm.
type RewardSummaryRow struct {
	Bucket    string  `json:"bucket"`
	Provider  string  `json:"provider"`
	Count     int     `json:"count"`
	Passes    int     `json:"passes"`
	SumReward float64 `json:"sum_reward"`
}

// VariantSummaryRow aggregates rewards for one (category, variant) arm.
type VariantSummaryRow struct {
	Category  string  `json:"category"`
	Variant   string  `json:"variant"`
	Count     int     `json:"count"`
	SumReward float64 `json:"sum_reward"`
}

// RewardStats holds pass/reward aggregates for one provider over a window.
type RewardStats struct {
	Count     int     `json:"count"`
	Passes    int     `json:"passes"`
	SumReward float64 `json:"sum_reward"`
}

// PassRate returns passes/count, or 0 for an empty window.
func (s RewardStats) PassRate() float64 {
	if s.Count == 0 {
		return 0
	}
	return float64(s.Passes) / float64(s.Count)
}

// MeanReward returns sum_reward/count, or 0 for an empty window.
func (s RewardStats) MeanReward() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.SumReward / float64(s.Count)
}

// RegressionRecord is a persisted regression report.
type RegressionRecord struct {
	ID               string    `json:"id"`
	Provider         string    `json:"provider"`
	BaselinePassRate float64   `json:"baseline_pass_rate"`
	RecentPassRate   float64   `json:"recent_pass_rate"`
	BaselineCount    int       `json:"baseline_count"`
	RecentCount      int       `json:"recent_count"`
	EffectSize       float64   `json:"effect_size"`
	PValue           float64   `json:"p_value"`
	Flagged          bool      `json:"flagged"`
	CreatedAt        time.Time `json:"created_at"`
}

// BudgetDayRecord is the persisted per-day spend in micro-euros.
type BudgetDayRecord struct {
	Day         string `json:"day"` // YYYY-MM-DD (UTC)
	SpentMicros int64  `json:"spent_micros"`
}

// AuditEntry captures a protective state transition or admin mutation.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`   // e.g. "exploration.freeze", "rules.reload"
	Resource  string    `json:"resource"` // e.g. provider or rule name
	Detail    string    `json:"detail,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
}
