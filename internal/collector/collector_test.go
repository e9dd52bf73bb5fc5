package collector

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nordwire/genroute/internal/store"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(s, nil, nil)
}

func TestIngestAndDrain(t *testing.T) {
	c := newTestCollector(t)
	ctx := context.Background()

	inserted, err := c.Ingest(ctx, "art-1", "editor", json.RawMessage(`{"accepted":true}`))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !inserted {
		t.Error("first delivery should insert")
	}

	events, err := c.DrainSince(ctx, time.Time{}, 0)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(events) != 1 || events[0].ContentID != "art-1" {
		t.Fatalf("events = %+v", events)
	}
}

func TestIngestIdempotent(t *testing.T) {
	c := newTestCollector(t)
	ctx := context.Background()

	payload := json.RawMessage(`{"accepted":true}`)
	for i := 0; i < 5; i++ {
		inserted, err := c.Ingest(ctx, "art-1", "editor", payload)
		if err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
		if inserted != (i == 0) {
			t.Errorf("delivery %d: inserted = %v", i, inserted)
		}
	}

	events, err := c.DrainSince(ctx, time.Time{}, 0)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("retried delivery stored %d events, want 1", len(events))
	}
}

func TestIngestValidation(t *testing.T) {
	c := newTestCollector(t)
	ctx := context.Background()

	if _, err := c.Ingest(ctx, "", "editor", nil); err == nil {
		t.Error("empty content_id accepted")
	}
	if _, err := c.Ingest(ctx, "art-1", "", nil); err == nil {
		t.Error("empty source accepted")
	}
	if _, err := c.Ingest(ctx, "art-1", "editor", json.RawMessage(`{broken`)); err == nil {
		t.Error("invalid JSON accepted")
	}

	big := make(json.RawMessage, maxPayloadBytes+1)
	if _, err := c.Ingest(ctx, "art-1", "editor", big); err == nil {
		t.Error("oversized payload accepted")
	}

	// Empty payload defaults to an empty object.
	if inserted, err := c.Ingest(ctx, "art-1", "editor", nil); err != nil || !inserted {
		t.Errorf("nil payload: inserted=%v err=%v", inserted, err)
	}
}
