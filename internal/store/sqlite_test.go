package store

import (
	"context"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func TestDecisionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d := DecisionRecord{
		ID:               "dec-1",
		ContentID:        "art-42",
		Provider:         "alpha",
		Variant:          "v2",
		Bucket:           "nordic|standard|mid",
		Throttle:         "normal",
		Reason:           "bandit",
		EstimatedCostEUR: 0.012,
		Language:         "sv",
		Category:         "markets",
		Complexity:       0.4,
		Risk:             0.1,
		DecidedAt:        time.Now().UTC(),
	}
	if err := s.LogDecision(ctx, d); err != nil {
		t.Fatalf("log decision: %v", err)
	}

	got, err := s.GetDecision(ctx, "art-42")
	if err != nil {
		t.Fatalf("get decision: %v", err)
	}
	if got == nil {
		t.Fatal("expected decision, got nil")
	}
	if got.Provider != "alpha" || got.Bucket != d.Bucket || got.Variant != "v2" {
		t.Errorf("round trip mismatch: %+v", got)
	}

	if missing, err := s.GetDecision(ctx, "nope"); err != nil || missing != nil {
		t.Errorf("missing decision: got %+v, err %v", missing, err)
	}
}

func TestFeedbackIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev := FeedbackRecord{
		ContentID:  "art-1",
		Source:     "editor",
		Payload:    `{"accepted":true}`,
		ReceivedAt: time.Now().UTC(),
	}
	inserted, err := s.InsertFeedback(ctx, ev)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if !inserted {
		t.Error("first insert should report inserted")
	}

	// Same (content_id, source) again: accepted but not stored twice.
	inserted, err = s.InsertFeedback(ctx, ev)
	if err != nil {
		t.Fatalf("duplicate insert: %v", err)
	}
	if inserted {
		t.Error("duplicate insert should report not inserted")
	}

	// Different source for the same content is a new event.
	ev.Source = "analytics"
	if inserted, err = s.InsertFeedback(ctx, ev); err != nil || !inserted {
		t.Errorf("different source: inserted=%v err=%v", inserted, err)
	}

	events, err := s.FeedbackSince(ctx, time.Time{}, 0)
	if err != nil {
		t.Fatalf("feedback since: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("expected 2 events, got %d", len(events))
	}
}

func TestFeedbackSinceCursor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		_, err := s.InsertFeedback(ctx, FeedbackRecord{
			ContentID:  "art-" + string(rune('a'+i)),
			Source:     "editor",
			Payload:    "{}",
			ReceivedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	events, err := s.FeedbackSince(ctx, base.Add(2*time.Minute), 0)
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events after cursor, got %d", len(events))
	}
	if !events[0].ReceivedAt.After(base.Add(2 * time.Minute)) {
		t.Errorf("cursor must be exclusive, got %v", events[0].ReceivedAt)
	}
}

func TestRewardUpsertAndSummary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	r := RewardRecord{
		ContentID: "art-1", Provider: "alpha", Variant: "v1",
		Bucket: "nordic|standard|mid", Category: "markets",
		Reward: 0.3, Passed: false, CostEUR: 0.01, ScoredAt: now,
	}
	if err := s.UpsertReward(ctx, r); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// Re-scoring the same decision replaces the sample, never duplicates it.
	r.Reward = 0.9
	r.Passed = true
	if err := s.UpsertReward(ctx, r); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}

	r2 := r
	r2.ContentID = "art-2"
	r2.Reward = 0.5
	r2.Passed = true
	if err := s.UpsertReward(ctx, r2); err != nil {
		t.Fatalf("upsert second: %v", err)
	}

	rows, err := s.RewardSummary(ctx)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 arm, got %d", len(rows))
	}
	row := rows[0]
	if row.Count != 2 || row.Passes != 2 {
		t.Errorf("count=%d passes=%d, want 2/2", row.Count, row.Passes)
	}
	if row.SumReward < 1.39 || row.SumReward > 1.41 {
		t.Errorf("sum reward = %v, want 1.4", row.SumReward)
	}

	stats, err := s.RewardStats(ctx, "alpha", now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Count != 2 || stats.PassRate() != 1.0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestVariantSummary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, v := range []string{"v1", "v1", "v2"} {
		err := s.UpsertReward(ctx, RewardRecord{
			ContentID: "art-" + string(rune('a'+i)), Provider: "alpha",
			Variant: v, Bucket: "b", Category: "markets",
			Reward: 0.5, ScoredAt: now,
		})
		if err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	rows, err := s.VariantSummary(ctx)
	if err != nil {
		t.Fatalf("variant summary: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 variants, got %d", len(rows))
	}
	for _, row := range rows {
		if row.Variant == "v1" && row.Count != 2 {
			t.Errorf("v1 count = %d, want 2", row.Count)
		}
	}
}

func TestBudgetLedger(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.AddBudgetSpend(ctx, "2026-03-01", 500_000); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.AddBudgetSpend(ctx, "2026-03-01", 250_000); err != nil {
		t.Fatalf("add again: %v", err)
	}
	if err := s.AddBudgetSpend(ctx, "2026-03-02", 100_000); err != nil {
		t.Fatalf("add day 2: %v", err)
	}

	days, err := s.BudgetDays(ctx, "2026-03-01")
	if err != nil {
		t.Fatalf("days: %v", err)
	}
	if len(days) != 2 {
		t.Fatalf("expected 2 days, got %d", len(days))
	}
	if days[0].SpentMicros != 750_000 {
		t.Errorf("day 1 spend = %d, want 750000", days[0].SpentMicros)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ts, err := s.GetCursor(ctx, "learn")
	if err != nil {
		t.Fatalf("get empty: %v", err)
	}
	if !ts.IsZero() {
		t.Errorf("unset cursor should be zero, got %v", ts)
	}

	want := time.Date(2026, 3, 5, 4, 0, 0, 0, time.UTC)
	if err := s.SetCursor(ctx, "learn", want); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.SetCursor(ctx, "learn", want.Add(time.Hour)); err != nil {
		t.Fatalf("advance: %v", err)
	}
	got, err := s.GetCursor(ctx, "learn")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Equal(want.Add(time.Hour)) {
		t.Errorf("cursor = %v, want %v", got, want.Add(time.Hour))
	}
}

func TestAuditLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.LogAudit(ctx, AuditEntry{Action: "exploration.freeze", Resource: "alpha", Detail: "regression"})
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	entries, err := s.ListAuditLogs(ctx, 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != "exploration.freeze" {
		t.Errorf("entries = %+v", entries)
	}
}
