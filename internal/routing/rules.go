package routing

import (
	"fmt"
	"strings"
)

// Rule is one entry in the operator-curated rule table. Rules are checked
// in order; the first match wins and preempts the bandit entirely.
type Rule struct {
	Name  string    `yaml:"name"`
	Match RuleMatch `yaml:"match"`

	// Provider forces a specific provider. Mutually exclusive with
	// ValidateOnly.
	Provider string `yaml:"provider,omitempty"`

	// ValidateOnly routes to the zero-cost validation arm: the content is
	// checked but never generated.
	ValidateOnly bool `yaml:"validate_only,omitempty"`

	// BypassThrottle keeps the forced provider under a hard throttle.
	// Emergency still overrides it.
	BypassThrottle bool `yaml:"bypass_throttle,omitempty"`
}

// RuleMatch is the predicate side of a rule. Empty slices match anything;
// nil bounds are open.
type RuleMatch struct {
	Languages     []string `yaml:"languages,omitempty"`
	Categories    []string `yaml:"categories,omitempty"`
	MinRisk       *float64 `yaml:"min_risk,omitempty"`
	MinComplexity *float64 `yaml:"min_complexity,omitempty"`
	MaxComplexity *float64 `yaml:"max_complexity,omitempty"`
}

// Matches reports whether the request satisfies every set predicate.
func (m RuleMatch) Matches(req RequestContext) bool {
	if len(m.Languages) > 0 && !containsFold(m.Languages, req.Language) {
		return false
	}
	if len(m.Categories) > 0 && !containsFold(m.Categories, req.Category) {
		return false
	}
	if m.MinRisk != nil && req.Risk < *m.MinRisk {
		return false
	}
	if m.MinComplexity != nil && req.Complexity < *m.MinComplexity {
		return false
	}
	if m.MaxComplexity != nil && req.Complexity > *m.MaxComplexity {
		return false
	}
	return true
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

// RuleTable is the validated, ordered rule list.
type RuleTable struct {
	rules []Rule
}

// NewRuleTable validates rules against the catalog. Every forced provider
// must exist and be enabled; a validate-only rule needs a configured
// validation arm.
func NewRuleTable(rules []Rule, catalog *Catalog) (*RuleTable, error) {
	seen := make(map[string]bool, len(rules))
	for i, r := range rules {
		if r.Name == "" {
			return nil, fmt.Errorf("rule %d: name is required", i)
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("duplicate rule name %q", r.Name)
		}
		seen[r.Name] = true

		if r.ValidateOnly {
			if r.Provider != "" {
				return nil, fmt.Errorf("rule %q: provider and validate_only are mutually exclusive", r.Name)
			}
			if _, ok := catalog.ValidationArm(); !ok {
				return nil, fmt.Errorf("rule %q: validate_only requires a none-tier provider", r.Name)
			}
			continue
		}
		if r.Provider == "" {
			return nil, fmt.Errorf("rule %q: provider or validate_only is required", r.Name)
		}
		p, ok := catalog.Get(r.Provider)
		if !ok {
			return nil, fmt.Errorf("rule %q: unknown provider %q", r.Name, r.Provider)
		}
		if !p.Enabled {
			return nil, fmt.Errorf("rule %q: provider %q is disabled", r.Name, r.Provider)
		}
		if p.Tier == TierNone {
			return nil, fmt.Errorf("rule %q: use validate_only for the none tier", r.Name)
		}
	}
	return &RuleTable{rules: rules}, nil
}

// FirstMatch returns the first matching rule, or nil.
func (t *RuleTable) FirstMatch(req RequestContext) *Rule {
	for i := range t.rules {
		if t.rules[i].Match.Matches(req) {
			return &t.rules[i]
		}
	}
	return nil
}

// Len returns the number of rules.
func (t *RuleTable) Len() int {
	return len(t.rules)
}
