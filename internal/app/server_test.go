package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/nordwire/genroute/internal/tsdb"
)

func newTestConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		ListenAddr:         ":0",
		LogLevel:           "error",
		DBDSN:              ":memory:",
		ConfigFile:         writeDomainFile(t, testDomainYAML),
		RateLimitRPS:       60,
		RateLimitBurst:     120,
		IdempotencyTTL:     time.Minute,
		IdempotencyEntries: 100,
		CycleInterval:      time.Hour,
		WatchConfig:        false,
	}
}

func TestNewServer(t *testing.T) {
	cfg := newTestConfig(t)
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	defer func() { _ = srv.Close() }()

	if srv == nil {
		t.Fatal("expected non-nil server")
	}
}

func TestNewServerHasRouter(t *testing.T) {
	cfg := newTestConfig(t)
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	defer func() { _ = srv.Close() }()

	if srv.Router() == nil {
		t.Fatal("expected non-nil Router()")
	}
}

func TestNewServerBrokenConfigFile(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.ConfigFile = writeDomainFile(t, "providers: []\nbudget:\n  monthly_cap_eur: 100\n")
	if _, err := NewServer(cfg); err == nil {
		t.Fatal("NewServer() = nil, want error for empty provider list")
	}
}

func TestServerHealthz(t *testing.T) {
	cfg := newTestConfig(t)
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	defer func() { _ = srv.Close() }()

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /healthz = %d, want 200: %s", rec.Code, rec.Body.String())
	}
}

func TestServerRouteEndToEnd(t *testing.T) {
	cfg := newTestConfig(t)
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	defer func() { _ = srv.Close() }()

	body := `{"content_id":"c-1","language":"fi","category":"markets","complexity":0.5,"risk":0.1}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/route", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /v1/route = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"provider"`) {
		t.Fatalf("response missing provider: %s", rec.Body.String())
	}
}

func TestServerRouteRecordsSeries(t *testing.T) {
	cfg := newTestConfig(t)
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	defer func() { _ = srv.Close() }()

	body := `{"content_id":"c-2","language":"fi","category":"markets","complexity":0.5,"risk":0.1}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/route", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /v1/route = %d: %s", rec.Code, rec.Body.String())
	}

	decisions, err := srv.series.Query(context.Background(), tsdb.QueryParams{Metric: tsdb.MetricDecisions})
	if err != nil {
		t.Fatalf("query decisions: %v", err)
	}
	if len(decisions) == 0 {
		t.Error("no decisions series recorded")
	}

	// The cold-start decision lands on the paid safe provider, so it also
	// leaves a spend point.
	spend, err := srv.series.Query(context.Background(), tsdb.QueryParams{Metric: tsdb.MetricSpendEUR})
	if err != nil {
		t.Fatalf("query spend: %v", err)
	}
	if len(spend) == 0 {
		t.Error("no spend series recorded")
	}
}

func TestServerClose(t *testing.T) {
	cfg := newTestConfig(t)
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}

	err = srv.Close()
	if err != nil {
		t.Fatalf("Close() error: %v", err)
	}
}

func TestServerReload(t *testing.T) {
	cfg := newTestConfig(t)
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	defer func() { _ = srv.Close() }()

	// Verify initial config.
	if srv.cfg.RateLimitRPS != 60 {
		t.Fatalf("initial RateLimitRPS = %d, want 60", srv.cfg.RateLimitRPS)
	}

	// Reload with updated configuration.
	newCfg := cfg
	newCfg.RateLimitRPS = 100
	newCfg.RateLimitBurst = 200
	newCfg.LogLevel = "debug"

	srv.Reload(newCfg)

	// Verify stored config was updated.
	if srv.cfg.RateLimitRPS != 100 {
		t.Errorf("after Reload RateLimitRPS = %d, want 100", srv.cfg.RateLimitRPS)
	}
	if srv.cfg.RateLimitBurst != 200 {
		t.Errorf("after Reload RateLimitBurst = %d, want 200", srv.cfg.RateLimitBurst)
	}
	if srv.cfg.LogLevel != "debug" {
		t.Errorf("after Reload LogLevel = %q, want %q", srv.cfg.LogLevel, "debug")
	}
}

func TestServerReloadDomain(t *testing.T) {
	cfg := newTestConfig(t)
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	defer func() { _ = srv.Close() }()

	if got := len(srv.router.Config().Catalog.Eligible()); got != 2 {
		t.Fatalf("initial eligible providers = %d, want 2", got)
	}

	// Add a provider and rewrite the file in place.
	extra := strings.Replace(testDomainYAML, "rules:", `  - id: standard
    tier: standard
    unit_cost_eur: 0.05
    enabled: true

rules:`, 1)
	if err := os.WriteFile(cfg.ConfigFile, []byte(extra), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	if err := srv.reloadDomain(); err != nil {
		t.Fatalf("reloadDomain() error: %v", err)
	}
	if got := len(srv.router.Config().Catalog.Eligible()); got != 3 {
		t.Errorf("eligible providers after reload = %d, want 3", got)
	}

	// A broken rewrite is rejected and the running config survives.
	if err := os.WriteFile(cfg.ConfigFile, []byte("not: [valid"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	if err := srv.reloadDomain(); err == nil {
		t.Fatal("reloadDomain() = nil, want error for broken file")
	}
	if got := len(srv.router.Config().Catalog.Eligible()); got != 3 {
		t.Errorf("eligible providers after failed reload = %d, want 3", got)
	}
}

func TestServerWatchConfig(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.WatchConfig = true
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	defer func() { _ = srv.Close() }()

	updated := strings.Replace(testDomainYAML, "rules:", `  - id: standard
    tier: standard
    unit_cost_eur: 0.05
    enabled: true

rules:`, 1)
	if err := os.WriteFile(cfg.ConfigFile, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(srv.router.Config().Catalog.Eligible()) == 3 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("watcher did not install updated config, eligible = %d",
		len(srv.router.Config().Catalog.Eligible()))
}
