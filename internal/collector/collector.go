// Package collector ingests feedback events durably and idempotently.
// Producers retry freely: a (content_id, source) pair is stored once and
// every later delivery is acknowledged without effect.
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nordwire/genroute/internal/metrics"
	"github.com/nordwire/genroute/internal/store"
)

// maxPayloadBytes bounds a single feedback payload.
const maxPayloadBytes = 64 * 1024

// ErrInvalid marks a rejected event; the producer should not retry it.
var ErrInvalid = errors.New("invalid feedback event")

// Journal is the slice of the store the collector writes and drains.
type Journal interface {
	InsertFeedback(ctx context.Context, ev store.FeedbackRecord) (bool, error)
	FeedbackSince(ctx context.Context, since time.Time, limit int) ([]store.FeedbackRecord, error)
}

// Collector validates and persists feedback events.
type Collector struct {
	journal Journal
	metrics *metrics.Registry
	logger  *slog.Logger
	now     func() time.Time
}

func New(journal Journal, m *metrics.Registry, logger *slog.Logger) *Collector {
	return &Collector{
		journal: journal,
		metrics: m,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetNow overrides the clock. Test hook.
func (c *Collector) SetNow(now func() time.Time) { c.now = now }

// Ingest stores one feedback event. Returns false with nil error for a
// duplicate (content_id, source) delivery.
func (c *Collector) Ingest(ctx context.Context, contentID, source string, payload json.RawMessage) (bool, error) {
	if contentID == "" {
		return false, fmt.Errorf("%w: content_id is required", ErrInvalid)
	}
	if source == "" {
		return false, fmt.Errorf("%w: source is required", ErrInvalid)
	}
	if len(payload) > maxPayloadBytes {
		return false, fmt.Errorf("%w: payload exceeds %d bytes", ErrInvalid, maxPayloadBytes)
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if !json.Valid(payload) {
		return false, fmt.Errorf("%w: payload is not valid JSON", ErrInvalid)
	}

	inserted, err := c.journal.InsertFeedback(ctx, store.FeedbackRecord{
		ContentID:  contentID,
		Source:     source,
		Payload:    string(payload),
		ReceivedAt: c.now(),
	})
	if err != nil {
		if c.metrics != nil {
			c.metrics.FeedbackIngested.WithLabelValues(source, "error").Inc()
		}
		return false, fmt.Errorf("insert feedback: %w", err)
	}

	outcome := "stored"
	if !inserted {
		outcome = "duplicate"
	}
	if c.metrics != nil {
		c.metrics.FeedbackIngested.WithLabelValues(source, outcome).Inc()
	}
	if c.logger != nil {
		c.logger.Debug("feedback ingested",
			slog.String("content_id", contentID),
			slog.String("source", source),
			slog.String("outcome", outcome))
	}
	return inserted, nil
}

// DrainSince returns events received strictly after the cursor, in arrival
// order, for the learning cycle.
func (c *Collector) DrainSince(ctx context.Context, since time.Time, limit int) ([]store.FeedbackRecord, error) {
	return c.journal.FeedbackSince(ctx, since, limit)
}
