package app

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nordwire/genroute/internal/bandit"
	"github.com/nordwire/genroute/internal/calibrator"
	"github.com/nordwire/genroute/internal/evaluator"
	"github.com/nordwire/genroute/internal/learn"
	"github.com/nordwire/genroute/internal/routing"
)

// DomainConfig is the operator-curated routing configuration, loaded from a
// YAML file. It is replaced wholesale on reload; a file that fails validation
// never displaces the running configuration.
type DomainConfig struct {
	Providers []routing.Provider `yaml:"providers"`
	Rules     []routing.Rule     `yaml:"rules"`

	Buckets struct {
		LanguageGroups     map[string][]string `yaml:"language_groups"`
		CriticalCategories []string            `yaml:"critical_categories"`
		CriticalRisk       float64             `yaml:"critical_risk"`
		ComplexityLow      float64             `yaml:"complexity_low"`
		ComplexityHigh     float64             `yaml:"complexity_high"`
	} `yaml:"buckets"`

	// Variants maps a content category to its prompt variant identifiers.
	Variants map[string][]string `yaml:"variants"`

	Budget struct {
		MonthlyCapEUR    float64 `yaml:"monthly_cap_eur"`
		SoftRatio        float64 `yaml:"soft_ratio"`
		HardRatio        float64 `yaml:"hard_ratio"`
		MaxSingleCostEUR float64 `yaml:"max_single_cost_eur"`
	} `yaml:"budget"`

	Bandit struct {
		MinSamples   int     `yaml:"min_samples"`
		SafeProvider string  `yaml:"safe_provider"`
		Epsilon      float64 `yaml:"epsilon"`
	} `yaml:"bandit"`

	Weights evaluator.Weights `yaml:"weights"`

	Learning struct {
		RecentWindow   time.Duration `yaml:"recent_window"`
		BaselineWindow time.Duration `yaml:"baseline_window"`
		Regression     struct {
			MinSamples int     `yaml:"min_samples"`
			MinEffect  float64 `yaml:"min_effect"`
			Alpha      float64 `yaml:"alpha"`
		} `yaml:"regression"`
	} `yaml:"learning"`
}

// LoadDomainConfig reads and validates the routing configuration file.
// Unknown keys are rejected so typos surface at load time, not as silently
// ignored settings.
func LoadDomainConfig(path string) (DomainConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return DomainConfig{}, fmt.Errorf("read config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)

	var dc DomainConfig
	if err := dec.Decode(&dc); err != nil {
		return DomainConfig{}, fmt.Errorf("parse %s: %w", path, err)
	}
	dc.applyDefaults()
	if err := dc.validate(); err != nil {
		return DomainConfig{}, fmt.Errorf("validate %s: %w", path, err)
	}
	return dc, nil
}

func (dc *DomainConfig) applyDefaults() {
	if dc.Buckets.CriticalRisk == 0 {
		dc.Buckets.CriticalRisk = 0.8
	}
	if dc.Buckets.ComplexityLow == 0 {
		dc.Buckets.ComplexityLow = 0.3
	}
	if dc.Buckets.ComplexityHigh == 0 {
		dc.Buckets.ComplexityHigh = 0.7
	}
	if dc.Bandit.MinSamples == 0 {
		dc.Bandit.MinSamples = 50
	}
	if dc.Bandit.Epsilon == 0 {
		dc.Bandit.Epsilon = 0.1
	}
	if (dc.Weights == evaluator.Weights{}) {
		dc.Weights = evaluator.DefaultWeights()
	}
}

func (dc *DomainConfig) validate() error {
	if dc.Budget.MonthlyCapEUR <= 0 {
		return fmt.Errorf("budget.monthly_cap_eur must be > 0, got %v", dc.Budget.MonthlyCapEUR)
	}
	for category, variants := range dc.Variants {
		if len(variants) == 0 {
			return fmt.Errorf("variants.%s: at least one variant is required", category)
		}
	}
	if err := dc.Weights.Validate(); err != nil {
		return err
	}
	// Building the routing config exercises the catalog, rule and bucketer
	// validation, so a broken file is caught before installation.
	_, err := dc.routingConfig()
	return err
}

// routingConfig builds the immutable configuration the router consumes.
func (dc *DomainConfig) routingConfig() (*routing.Config, error) {
	catalog, err := routing.NewCatalog(dc.Providers)
	if err != nil {
		return nil, err
	}
	rules, err := routing.NewRuleTable(dc.Rules, catalog)
	if err != nil {
		return nil, err
	}
	bucketer, err := bandit.NewBucketer(
		dc.Buckets.LanguageGroups,
		dc.Buckets.CriticalCategories,
		dc.Buckets.CriticalRisk,
		dc.Buckets.ComplexityLow,
		dc.Buckets.ComplexityHigh,
	)
	if err != nil {
		return nil, err
	}
	if sp := dc.Bandit.SafeProvider; sp != "" {
		p, ok := catalog.Get(sp)
		if !ok || !p.Enabled || p.Tier == routing.TierNone {
			return nil, fmt.Errorf("bandit.safe_provider %q is not an enabled generation provider", sp)
		}
	}
	return &routing.Config{Catalog: catalog, Rules: rules, Bucketer: bucketer}, nil
}

// safeProvider is the cold-start arm: configured explicitly, or the cheapest
// enabled provider otherwise.
func (dc *DomainConfig) safeProvider(catalog *routing.Catalog) string {
	if dc.Bandit.SafeProvider != "" {
		return dc.Bandit.SafeProvider
	}
	return catalog.Cheapest().ID
}

func (dc *DomainConfig) calibratorConfig() calibrator.Config {
	return calibrator.Config{
		MonthlyCapEUR:    dc.Budget.MonthlyCapEUR,
		SoftRatio:        dc.Budget.SoftRatio,
		HardRatio:        dc.Budget.HardRatio,
		MaxSingleCostEUR: dc.Budget.MaxSingleCostEUR,
	}
}

func (dc *DomainConfig) learnConfig() learn.Config {
	return learn.Config{
		RecentWindow:   dc.Learning.RecentWindow,
		BaselineWindow: dc.Learning.BaselineWindow,
		Regression: evaluator.RegressionConfig{
			MinSamples: dc.Learning.Regression.MinSamples,
			MinEffect:  dc.Learning.Regression.MinEffect,
			Alpha:      dc.Learning.Regression.Alpha,
		},
	}
}
