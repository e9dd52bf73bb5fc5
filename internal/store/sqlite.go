package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure-Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens or creates a SQLite database at the given DSN.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Enable WAL mode and set busy timeout.
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	// SQLite only supports one writer at a time. Limit connections to avoid
	// contention and keep a small idle pool for read concurrency.
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &SQLiteStore{db: db}, nil
}

// DB returns the underlying sql.DB handle (used by TSDB).
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS decisions (
			id TEXT PRIMARY KEY,
			content_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			variant TEXT NOT NULL DEFAULT '',
			bucket TEXT NOT NULL,
			throttle TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			estimated_cost_eur REAL NOT NULL DEFAULT 0,
			language TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT '',
			complexity REAL NOT NULL DEFAULT 0,
			risk REAL NOT NULL DEFAULT 0,
			decided_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_content ON decisions(content_id)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_decided_at ON decisions(decided_at)`,
		`CREATE TABLE IF NOT EXISTS feedback_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			content_id TEXT NOT NULL,
			source TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			received_at TEXT NOT NULL,
			UNIQUE(content_id, source)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_feedback_received_at ON feedback_events(received_at)`,
		`CREATE TABLE IF NOT EXISTS reward_samples (
			content_id TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			variant TEXT NOT NULL DEFAULT '',
			bucket TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			reward REAL NOT NULL,
			passed INTEGER NOT NULL DEFAULT 0,
			cost_eur REAL NOT NULL DEFAULT 0,
			scored_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rewards_provider_scored ON reward_samples(provider, scored_at)`,
		`CREATE INDEX IF NOT EXISTS idx_rewards_bucket ON reward_samples(bucket)`,
		`CREATE TABLE IF NOT EXISTS regression_reports (
			id TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			baseline_pass_rate REAL NOT NULL,
			recent_pass_rate REAL NOT NULL,
			baseline_count INTEGER NOT NULL,
			recent_count INTEGER NOT NULL,
			effect_size REAL NOT NULL,
			p_value REAL NOT NULL,
			flagged INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_regressions_created_at ON regression_reports(created_at)`,
		`CREATE TABLE IF NOT EXISTS budget_days (
			day TEXT PRIMARY KEY,
			spent_micros INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS learn_cursors (
			name TEXT PRIMARY KEY,
			position TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			action TEXT NOT NULL,
			resource TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			request_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_timestamp ON audit_logs(timestamp)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Decisions

func (s *SQLiteStore) LogDecision(ctx context.Context, d DecisionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decisions (id, content_id, provider, variant, bucket, throttle, reason,
			estimated_cost_eur, language, category, complexity, risk, decided_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.ContentID, d.Provider, d.Variant, d.Bucket, d.Throttle, d.Reason,
		d.EstimatedCostEUR, d.Language, d.Category, d.Complexity, d.Risk,
		d.DecidedAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *SQLiteStore) GetDecision(ctx context.Context, contentID string) (*DecisionRecord, error) {
	var d DecisionRecord
	var decidedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, content_id, provider, variant, bucket, throttle, reason,
			estimated_cost_eur, language, category, complexity, risk, decided_at
		 FROM decisions WHERE content_id = ? ORDER BY decided_at DESC LIMIT 1`, contentID).
		Scan(&d.ID, &d.ContentID, &d.Provider, &d.Variant, &d.Bucket, &d.Throttle, &d.Reason,
			&d.EstimatedCostEUR, &d.Language, &d.Category, &d.Complexity, &d.Risk, &decidedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d.DecidedAt, _ = time.Parse(time.RFC3339Nano, decidedAt)
	return &d, nil
}

func (s *SQLiteStore) ListDecisions(ctx context.Context, limit, offset int) ([]DecisionRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content_id, provider, variant, bucket, throttle, reason,
			estimated_cost_eur, language, category, complexity, risk, decided_at
		 FROM decisions ORDER BY decided_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []DecisionRecord
	for rows.Next() {
		var d DecisionRecord
		var decidedAt string
		if err := rows.Scan(&d.ID, &d.ContentID, &d.Provider, &d.Variant, &d.Bucket, &d.Throttle,
			&d.Reason, &d.EstimatedCostEUR, &d.Language, &d.Category, &d.Complexity, &d.Risk, &decidedAt); err != nil {
			return nil, err
		}
		d.DecidedAt, _ = time.Parse(time.RFC3339Nano, decidedAt)
		out = append(out, d)
	}
	return out, rows.Err()
}

// Feedback events

func (s *SQLiteStore) InsertFeedback(ctx context.Context, ev FeedbackRecord) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO feedback_events (content_id, source, payload, received_at)
		 VALUES (?, ?, ?, ?)`,
		ev.ContentID, ev.Source, ev.Payload, ev.ReceivedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) FeedbackSince(ctx context.Context, since time.Time, limit int) ([]FeedbackRecord, error) {
	if limit <= 0 {
		limit = 10000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content_id, source, payload, received_at
		 FROM feedback_events WHERE received_at > ? ORDER BY received_at ASC, id ASC LIMIT ?`,
		since.UTC().Format(time.RFC3339Nano), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []FeedbackRecord
	for rows.Next() {
		var ev FeedbackRecord
		var receivedAt string
		if err := rows.Scan(&ev.ID, &ev.ContentID, &ev.Source, &ev.Payload, &receivedAt); err != nil {
			return nil, err
		}
		ev.ReceivedAt, _ = time.Parse(time.RFC3339Nano, receivedAt)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// FeedbackForContent returns every event received for one piece of
// content, in arrival order. Rewards are re-derived from the full set.
func (s *SQLiteStore) FeedbackForContent(ctx context.Context, contentID string) ([]FeedbackRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content_id, source, payload, received_at
		 FROM feedback_events WHERE content_id = ? ORDER BY received_at ASC, id ASC`, contentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []FeedbackRecord
	for rows.Next() {
		var ev FeedbackRecord
		var receivedAt string
		if err := rows.Scan(&ev.ID, &ev.ContentID, &ev.Source, &ev.Payload, &receivedAt); err != nil {
			return nil, err
		}
		ev.ReceivedAt, _ = time.Parse(time.RFC3339Nano, receivedAt)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Reward samples

func (s *SQLiteStore) UpsertReward(ctx context.Context, r RewardRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reward_samples (content_id, provider, variant, bucket, category, reward, passed, cost_eur, scored_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(content_id) DO UPDATE SET
			reward = excluded.reward,
			passed = excluded.passed,
			cost_eur = excluded.cost_eur,
			scored_at = excluded.scored_at`,
		r.ContentID, r.Provider, r.Variant, r.Bucket, r.Category, r.Reward, r.Passed,
		r.CostEUR, r.ScoredAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *SQLiteStore) ListRewards(ctx context.Context, limit, offset int) ([]RewardRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT content_id, provider, variant, bucket, category, reward, passed, cost_eur, scored_at
		 FROM reward_samples ORDER BY scored_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []RewardRecord
	for rows.Next() {
		var r RewardRecord
		var scoredAt string
		if err := rows.Scan(&r.ContentID, &r.Provider, &r.Variant, &r.Bucket, &r.Category,
			&r.Reward, &r.Passed, &r.CostEUR, &scoredAt); err != nil {
			return nil, err
		}
		r.ScoredAt, _ = time.Parse(time.RFC3339Nano, scoredAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RewardSummary(ctx context.Context) ([]RewardSummaryRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT bucket, provider, COUNT(*), COALESCE(SUM(passed), 0), COALESCE(SUM(reward), 0)
		 FROM reward_samples GROUP BY bucket, provider`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []RewardSummaryRow
	for rows.Next() {
		var row RewardSummaryRow
		if err := rows.Scan(&row.Bucket, &row.Provider, &row.Count, &row.Passes, &row.SumReward); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) VariantSummary(ctx context.Context) ([]VariantSummaryRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT category, variant, COUNT(*), COALESCE(SUM(reward), 0)
		 FROM reward_samples WHERE variant != '' GROUP BY category, variant`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []VariantSummaryRow
	for rows.Next() {
		var row VariantSummaryRow
		if err := rows.Scan(&row.Category, &row.Variant, &row.Count, &row.SumReward); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RewardStats(ctx context.Context, provider string, from, to time.Time) (RewardStats, error) {
	var stats RewardStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(passed), 0), COALESCE(SUM(reward), 0)
		 FROM reward_samples WHERE provider = ? AND scored_at >= ? AND scored_at < ?`,
		provider, from.UTC().Format(time.RFC3339Nano), to.UTC().Format(time.RFC3339Nano)).
		Scan(&stats.Count, &stats.Passes, &stats.SumReward)
	return stats, err
}

// Regression reports

func (s *SQLiteStore) LogRegression(ctx context.Context, r RegressionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO regression_reports (id, provider, baseline_pass_rate, recent_pass_rate,
			baseline_count, recent_count, effect_size, p_value, flagged, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Provider, r.BaselinePassRate, r.RecentPassRate, r.BaselineCount, r.RecentCount,
		r.EffectSize, r.PValue, r.Flagged, r.CreatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *SQLiteStore) ListRegressions(ctx context.Context, limit, offset int) ([]RegressionRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, provider, baseline_pass_rate, recent_pass_rate, baseline_count, recent_count,
			effect_size, p_value, flagged, created_at
		 FROM regression_reports ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []RegressionRecord
	for rows.Next() {
		var r RegressionRecord
		var createdAt string
		if err := rows.Scan(&r.ID, &r.Provider, &r.BaselinePassRate, &r.RecentPassRate,
			&r.BaselineCount, &r.RecentCount, &r.EffectSize, &r.PValue, &r.Flagged, &createdAt); err != nil {
			return nil, err
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Budget ledger

func (s *SQLiteStore) AddBudgetSpend(ctx context.Context, day string, micros int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO budget_days (day, spent_micros) VALUES (?, ?)
		 ON CONFLICT(day) DO UPDATE SET spent_micros = spent_micros + excluded.spent_micros`,
		day, micros)
	return err
}

func (s *SQLiteStore) BudgetDays(ctx context.Context, fromDay string) ([]BudgetDayRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT day, spent_micros FROM budget_days WHERE day >= ? ORDER BY day ASC`, fromDay)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []BudgetDayRecord
	for rows.Next() {
		var rec BudgetDayRecord
		if err := rows.Scan(&rec.Day, &rec.SpentMicros); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Learning-cycle cursor

func (s *SQLiteStore) GetCursor(ctx context.Context, name string) (time.Time, error) {
	var position string
	err := s.db.QueryRowContext(ctx,
		`SELECT position FROM learn_cursors WHERE name = ?`, name).Scan(&position)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, position)
}

func (s *SQLiteStore) SetCursor(ctx context.Context, name string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO learn_cursors (name, position) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET position = excluded.position`,
		name, ts.UTC().Format(time.RFC3339Nano))
	return err
}

// Audit logs

func (s *SQLiteStore) LogAudit(ctx context.Context, entry AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_logs (timestamp, action, resource, detail, request_id)
		 VALUES (?, ?, ?, ?, ?)`,
		entry.Timestamp.UTC().Format(time.RFC3339Nano), entry.Action, entry.Resource, entry.Detail, entry.RequestID)
	return err
}

func (s *SQLiteStore) ListAuditLogs(ctx context.Context, limit, offset int) ([]AuditEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, action, resource, detail, request_id
		 FROM audit_logs ORDER BY id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.Action, &e.Resource, &e.Detail, &e.RequestID); err != nil {
			return nil, err
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, e)
	}
	return out, rows.Err()
}
