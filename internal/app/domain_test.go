package app

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testDomainYAML = `
providers:
  - id: cheap
    tier: economy
    unit_cost_eur: 0.01
    enabled: true
  - id: prem
    tier: premium
    unit_cost_eur: 0.20
    enabled: true
  - id: checker
    tier: none
    unit_cost_eur: 0
    enabled: true

rules:
  - name: legal-premium
    match:
      categories: [legal]
    provider: prem
    bypass_throttle: true

buckets:
  language_groups:
    nordic: [fi, sv, "no", da]
  critical_categories: [legal]

variants:
  markets: [v1, v2]

budget:
  monthly_cap_eur: 1000

bandit:
  min_samples: 10
  safe_provider: prem

learning:
  recent_window: 24h
  baseline_window: 168h
`

func writeDomainFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDomainConfig(t *testing.T) {
	dc, err := LoadDomainConfig(writeDomainFile(t, testDomainYAML))
	if err != nil {
		t.Fatalf("LoadDomainConfig() error: %v", err)
	}

	if len(dc.Providers) != 3 {
		t.Errorf("providers = %d, want 3", len(dc.Providers))
	}
	if len(dc.Rules) != 1 || dc.Rules[0].Name != "legal-premium" {
		t.Errorf("rules = %+v, want one legal-premium rule", dc.Rules)
	}
	if dc.Budget.MonthlyCapEUR != 1000 {
		t.Errorf("monthly cap = %v, want 1000", dc.Budget.MonthlyCapEUR)
	}
	if dc.Learning.RecentWindow != 24*time.Hour {
		t.Errorf("recent window = %s, want 24h", dc.Learning.RecentWindow)
	}

	// Unset fields pick up defaults.
	if dc.Buckets.CriticalRisk != 0.8 {
		t.Errorf("critical risk = %v, want default 0.8", dc.Buckets.CriticalRisk)
	}
	if dc.Buckets.ComplexityLow != 0.3 || dc.Buckets.ComplexityHigh != 0.7 {
		t.Errorf("complexity tiers = %v/%v, want defaults 0.3/0.7",
			dc.Buckets.ComplexityLow, dc.Buckets.ComplexityHigh)
	}
	if dc.Bandit.Epsilon != 0.1 {
		t.Errorf("epsilon = %v, want default 0.1", dc.Bandit.Epsilon)
	}
	if dc.Weights.Editor != 0.4 {
		t.Errorf("editor weight = %v, want default 0.4", dc.Weights.Editor)
	}
}

func TestLoadDomainConfigBuildsRouting(t *testing.T) {
	dc, err := LoadDomainConfig(writeDomainFile(t, testDomainYAML))
	if err != nil {
		t.Fatalf("LoadDomainConfig() error: %v", err)
	}
	rcfg, err := dc.routingConfig()
	if err != nil {
		t.Fatalf("routingConfig() error: %v", err)
	}

	eligible := rcfg.Catalog.Eligible()
	if len(eligible) != 2 || eligible[0] != "cheap" {
		t.Errorf("eligible = %v, want [cheap prem]", eligible)
	}
	if got := dc.safeProvider(rcfg.Catalog); got != "prem" {
		t.Errorf("safeProvider = %q, want %q", got, "prem")
	}
	if got := rcfg.Bucketer.Derive("fi", "legal", 0.5, 0.1); got != "nordic|critical|mid" {
		t.Errorf("Derive = %q, want %q", got, "nordic|critical|mid")
	}
}

func TestLoadDomainConfigSafeProviderDefaultsToCheapest(t *testing.T) {
	yaml := strings.Replace(testDomainYAML, "safe_provider: prem", "", 1)
	dc, err := LoadDomainConfig(writeDomainFile(t, yaml))
	if err != nil {
		t.Fatalf("LoadDomainConfig() error: %v", err)
	}
	rcfg, err := dc.routingConfig()
	if err != nil {
		t.Fatalf("routingConfig() error: %v", err)
	}
	if got := dc.safeProvider(rcfg.Catalog); got != "cheap" {
		t.Errorf("safeProvider = %q, want %q", got, "cheap")
	}
}

func TestLoadDomainConfigRejectsBrokenFiles(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{
			"unknown key",
			strings.Replace(testDomainYAML, "variants:", "varaints:", 1),
		},
		{
			"missing budget cap",
			strings.Replace(testDomainYAML, "monthly_cap_eur: 1000", "monthly_cap_eur: 0", 1),
		},
		{
			"rule names unknown provider",
			strings.Replace(testDomainYAML, "provider: prem", "provider: nosuch", 1),
		},
		{
			"unknown safe provider",
			strings.Replace(testDomainYAML, "safe_provider: prem", "safe_provider: nosuch", 1),
		},
		{
			"empty variant list",
			strings.Replace(testDomainYAML, "markets: [v1, v2]", "markets: []", 1),
		},
		{
			"no generation providers",
			strings.ReplaceAll(testDomainYAML, "enabled: true", "enabled: false"),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := LoadDomainConfig(writeDomainFile(t, tc.yaml)); err == nil {
				t.Error("LoadDomainConfig() = nil, want error")
			}
		})
	}
}

func TestLoadDomainConfigMissingFile(t *testing.T) {
	if _, err := LoadDomainConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("LoadDomainConfig() = nil, want error")
	}
}
