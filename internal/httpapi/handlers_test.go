package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/require"

	"github.com/nordwire/genroute/internal/bandit"
	"github.com/nordwire/genroute/internal/calibrator"
	"github.com/nordwire/genroute/internal/collector"
	"github.com/nordwire/genroute/internal/evaluator"
	"github.com/nordwire/genroute/internal/events"
	"github.com/nordwire/genroute/internal/idempotency"
	"github.com/nordwire/genroute/internal/learn"
	"github.com/nordwire/genroute/internal/metrics"
	"github.com/nordwire/genroute/internal/prompter"
	"github.com/nordwire/genroute/internal/routing"
	"github.com/nordwire/genroute/internal/store"
	"github.com/nordwire/genroute/internal/temporal"
)

func newTestDeps(t *testing.T) (Dependencies, http.Handler) {
	t.Helper()

	st, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	catalog, err := routing.NewCatalog([]routing.Provider{
		{ID: "cheap", Tier: routing.TierEconomy, UnitCostEUR: 0.01, Enabled: true},
		{ID: "prem", Tier: routing.TierPremium, UnitCostEUR: 0.20, Enabled: true},
		{ID: "checker", Tier: routing.TierNone, UnitCostEUR: 0, Enabled: true},
	})
	require.NoError(t, err)
	rules, err := routing.NewRuleTable(nil, catalog)
	require.NoError(t, err)
	bucketer, err := bandit.NewBucketer(
		map[string][]string{"nordic": {"fi", "sv"}},
		[]string{"legal"}, 0.8, 0.3, 0.7)
	require.NoError(t, err)

	m := metrics.New()
	cal := calibrator.New(calibrator.Config{MonthlyCapEUR: 1000}, nil, st)
	banditPolicy := bandit.NewPolicy(10, "prem")
	promptPolicy := prompter.NewPolicy(map[string][]string{"markets": {"v1", "v2"}}, 0.1)

	cfg := &routing.Config{Catalog: catalog, Rules: rules, Bucketer: bucketer}
	router := routing.New(cfg, banditPolicy, promptPolicy, cal, st, m, nil, 42)
	router.SetTimeout(time.Second) // tests should never fail open

	scorer, err := evaluator.NewScorer(evaluator.DefaultWeights(), nil)
	require.NoError(t, err)
	bus := events.NewBus()
	cycle := learn.New(learn.Config{}, st, scorer, banditPolicy, promptPolicy,
		func() []string { return catalog.Eligible() },
		func() map[string][]string { return map[string][]string{"markets": {"v1", "v2"}} },
		bus, m, nil, nil)

	d := Dependencies{
		Router:     router,
		Collector:  collector.New(st, m, nil),
		Calibrator: cal,
		Cycle:      cycle,
		Store:      st,
		Metrics:    m,
		EventBus:   bus,
		Bandit:     banditPolicy,
		Prompt:     promptPolicy,
		Idem:       idempotency.New(time.Minute, 100),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	MountRoutes(r, d)
	return d, r
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	_, h := newTestDeps(t)

	rec := doJSON(t, h, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
	require.Equal(t, float64(2), body["providers"])
}

func TestRouteEndpoint(t *testing.T) {
	_, h := newTestDeps(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/route", routing.RequestContext{
		ContentID:  "art-001",
		Language:   "fi",
		Category:   "markets",
		Complexity: 0.5,
		Risk:       0.1,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var d routing.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	require.NotEmpty(t, d.DecisionID)
	require.Equal(t, "art-001", d.ContentID)
	require.NotEmpty(t, d.Provider)
	require.Equal(t, "nordic|standard|mid", d.Bucket)
	require.Equal(t, "normal", d.Throttle)
}

func TestRouteEndpoint_Validation(t *testing.T) {
	_, h := newTestDeps(t)

	// Missing content_id.
	rec := doJSON(t, h, http.MethodPost, "/v1/route", routing.RequestContext{Language: "fi"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Out-of-range risk.
	rec = doJSON(t, h, http.MethodPost, "/v1/route", routing.RequestContext{ContentID: "a", Risk: 1.5})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Malformed body.
	req := httptest.NewRequest(http.MethodPost, "/v1/route", bytes.NewBufferString("{nope"))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouteEndpoint_IdempotentReplay(t *testing.T) {
	_, h := newTestDeps(t)

	body := func() *bytes.Buffer {
		var buf bytes.Buffer
		_ = json.NewEncoder(&buf).Encode(routing.RequestContext{ContentID: "art-replay", Language: "fi"})
		return &buf
	}

	req1 := httptest.NewRequest(http.MethodPost, "/v1/route", body())
	req1.Header.Set("Idempotency-Key", "route-key-1")
	rec1 := httptest.NewRecorder()
	h.ServeHTTP(rec1, req1)
	require.Equal(t, http.StatusOK, rec1.Code)

	req2 := httptest.NewRequest(http.MethodPost, "/v1/route", body())
	req2.Header.Set("Idempotency-Key", "route-key-1")
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusOK, rec2.Code)
	require.Equal(t, "true", rec2.Header().Get("Idempotency-Replay"))

	// The replay must return the original decision, not a new one.
	require.Equal(t, rec1.Body.String(), rec2.Body.String())
}

func TestFeedbackEndpoint(t *testing.T) {
	_, h := newTestDeps(t)

	req := FeedbackRequest{
		ContentID: "art-001",
		Source:    "editor",
		Payload:   json.RawMessage(`{"accepted":true}`),
	}

	rec := doJSON(t, h, http.MethodPost, "/v1/feedback", req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, true, body["accepted"])
	require.Equal(t, false, body["duplicate"])

	// Same (content_id, source) again: acknowledged as duplicate.
	rec = doJSON(t, h, http.MethodPost, "/v1/feedback", req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, true, body["duplicate"])
}

func TestFeedbackEndpoint_Validation(t *testing.T) {
	_, h := newTestDeps(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/feedback", FeedbackRequest{Source: "editor"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/v1/feedback", FeedbackRequest{ContentID: "a"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDirectiveEndpoint(t *testing.T) {
	_, h := newTestDeps(t)

	rec := doJSON(t, h, http.MethodGet, "/v1/directive", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var st calibrator.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	require.Equal(t, calibrator.DirectiveNormal, st.Directive)
	require.Equal(t, float64(1000), st.MonthlyCapEUR)
}

func TestAdminDecisions(t *testing.T) {
	d, h := newTestDeps(t)

	require.NoError(t, d.Store.LogDecision(context.Background(), store.DecisionRecord{
		ID: "dec-1", ContentID: "art-1", Provider: "cheap",
		Bucket: "other|standard|mid", Throttle: "normal", Reason: "sampled",
		DecidedAt: time.Now().UTC(),
	}))

	rec := doJSON(t, h, http.MethodGet, "/admin/v1/decisions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Items []store.DecisionRecord `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Items, 1)
	require.Equal(t, "art-1", body.Items[0].ContentID)

	rec = doJSON(t, h, http.MethodGet, "/admin/v1/decisions/art-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/admin/v1/decisions/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminBudget(t *testing.T) {
	_, h := newTestDeps(t)

	// Book some spend through the decision path.
	rec := doJSON(t, h, http.MethodPost, "/v1/route", routing.RequestContext{ContentID: "art-b", Language: "fi"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/admin/v1/budget", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Status calibrator.Status       `json:"status"`
		Days   []store.BudgetDayRecord `json:"days"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Greater(t, body.Status.MonthSpentEUR, 0.0)
	require.Len(t, body.Days, 1)
}

func TestAdminPolicyDumps(t *testing.T) {
	d, h := newTestDeps(t)

	d.Bandit.Swap(bandit.Rebuild(d.Bandit.Current(),
		map[bandit.ArmKey]int{{Bucket: "b", Provider: "cheap"}: 10},
		map[bandit.ArmKey]float64{{Bucket: "b", Provider: "cheap"}: 7.5},
		false))

	rec := doJSON(t, h, http.MethodGet, "/admin/v1/policy/arms", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var arms struct {
		Arms    []armRow `json:"arms"`
		Version uint64   `json:"version"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &arms))
	require.Len(t, arms.Arms, 1)
	require.Equal(t, "cheap", arms.Arms[0].Provider)
	require.InDelta(t, 8.5, arms.Arms[0].Alpha, 1e-9)
	require.Equal(t, uint64(1), arms.Version)

	rec = doJSON(t, h, http.MethodGet, "/admin/v1/policy/variants", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var variants struct {
		Variants []variantRow `json:"variants"`
		Epsilon  float64      `json:"epsilon"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &variants))
	require.Len(t, variants.Variants, 2)
	require.InDelta(t, 0.1, variants.Epsilon, 1e-9)
}

func TestFreezeLifecycle(t *testing.T) {
	d, h := newTestDeps(t)

	rec := doJSON(t, h, http.MethodPost, "/admin/v1/learn/freeze", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, d.Cycle.Frozen())

	rec = doJSON(t, h, http.MethodDelete, "/admin/v1/learn/freeze", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, d.Cycle.Frozen())

	// Both transitions are audit-logged.
	audits, err := d.Store.ListAuditLogs(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, audits, 2)
}

func TestCycleRunEndpoint(t *testing.T) {
	d, h := newTestDeps(t)
	ctx := context.Background()

	require.NoError(t, d.Store.LogDecision(ctx, store.DecisionRecord{
		ID: "dec-c", ContentID: "art-c", Provider: "cheap", Variant: "v1",
		Bucket: "nordic|standard|mid", Category: "markets",
		DecidedAt: time.Now().UTC().Add(-time.Hour),
	}))
	_, err := d.Collector.Ingest(ctx, "art-c", "validator", json.RawMessage(`{"schema_ok":true}`))
	require.NoError(t, err)

	rec := doJSON(t, h, http.MethodPost, "/admin/v1/learn/run", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var sum learn.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sum))
	require.Equal(t, 1, sum.Drained)
	require.Equal(t, 1, sum.Scored)
}

type recordingTrigger struct {
	result    temporal.CycleResult
	requestID string
	calls     int
}

func (rt *recordingTrigger) TriggerCycle(_ context.Context, requestID string) (temporal.CycleResult, error) {
	rt.calls++
	rt.requestID = requestID
	return rt.result, nil
}

func TestCycleRunUsesWorkflowEngine(t *testing.T) {
	d, _ := newTestDeps(t)
	trigger := &recordingTrigger{result: temporal.CycleResult{Drained: 7, Scored: 5, DurationMs: 12}}
	d.CycleTrigger = trigger

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	MountRoutes(r, d)

	rec := doJSON(t, r, http.MethodPost, "/admin/v1/learn/run", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, trigger.calls)
	require.NotEmpty(t, trigger.requestID)

	var res temporal.CycleResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Equal(t, 7, res.Drained)
	require.Equal(t, 5, res.Scored)
}

func TestConfigReloadEndpoint(t *testing.T) {
	d, h := newTestDeps(t)

	// Not configured: 501.
	rec := doJSON(t, h, http.MethodPost, "/admin/v1/config/reload", nil)
	require.Equal(t, http.StatusNotImplemented, rec.Code)

	// Configured: invoked and audited.
	called := 0
	d.Reload = func() error { called++; return nil }
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	MountRoutes(r, d)

	rec = doJSON(t, r, http.MethodPost, "/admin/v1/config/reload", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, called)

	d.Reload = func() error { return fmt.Errorf("bad rules") }
	r2 := chi.NewRouter()
	MountRoutes(r2, d)
	rec = doJSON(t, r2, http.MethodPost, "/admin/v1/config/reload", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTSDBQueryValidation(t *testing.T) {
	_, h := newTestDeps(t)

	// TSDB not wired in the fixture: empty series, not an error.
	rec := doJSON(t, h, http.MethodGet, "/admin/v1/tsdb/query?metric=pass_rate", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/admin/v1/tsdb/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	_, h := newTestDeps(t)

	rec := doJSON(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
