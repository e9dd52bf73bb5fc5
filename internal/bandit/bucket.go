package bandit

import (
	"fmt"
	"strings"
)

// maxBuckets bounds the context-bucket cardinality so every arm keeps
// accumulating enough samples to learn from.
const maxBuckets = 50

// Bucketer derives a coarse context bucket from request features:
// language group x criticality x complexity tier.
type Bucketer struct {
	// LanguageGroups maps a group name to the language codes it covers.
	// Languages not listed anywhere fall into the "other" group.
	LanguageGroups map[string][]string

	// CriticalCategories are content categories always treated as critical.
	CriticalCategories []string

	// CriticalRisk is the risk score at or above which a request is
	// critical regardless of category.
	CriticalRisk float64

	// Complexity tier boundaries: < Low is "low", >= High is "high",
	// everything between is "mid".
	ComplexityLow  float64
	ComplexityHigh float64

	langToGroup map[string]string
	criticalSet map[string]bool
}

// NewBucketer builds the lookup tables and validates the bucket cardinality.
func NewBucketer(groups map[string][]string, criticalCategories []string, criticalRisk, complexityLow, complexityHigh float64) (*Bucketer, error) {
	b := &Bucketer{
		LanguageGroups:     groups,
		CriticalCategories: criticalCategories,
		CriticalRisk:       criticalRisk,
		ComplexityLow:      complexityLow,
		ComplexityHigh:     complexityHigh,
		langToGroup:        make(map[string]string),
		criticalSet:        make(map[string]bool),
	}
	for group, langs := range groups {
		for _, lang := range langs {
			lang = strings.ToLower(lang)
			if prev, ok := b.langToGroup[lang]; ok && prev != group {
				return nil, fmt.Errorf("language %q assigned to both %q and %q", lang, prev, group)
			}
			b.langToGroup[lang] = group
		}
	}
	for _, c := range criticalCategories {
		b.criticalSet[strings.ToLower(c)] = true
	}
	if complexityLow >= complexityHigh {
		return nil, fmt.Errorf("complexity tiers: low boundary %v must be below high boundary %v", complexityLow, complexityHigh)
	}
	if n := b.Cardinality(); n > maxBuckets {
		return nil, fmt.Errorf("bucket cardinality %d exceeds limit %d; reduce language groups", n, maxBuckets)
	}
	return b, nil
}

// Cardinality returns the number of distinct buckets this configuration
// can produce: (groups + other) x 2 criticality x 3 complexity tiers.
func (b *Bucketer) Cardinality() int {
	return (len(b.LanguageGroups) + 1) * 2 * 3
}

// Derive maps request features to a bucket key of the form
// "group|criticality|tier".
func (b *Bucketer) Derive(language, category string, complexity, risk float64) string {
	group, ok := b.langToGroup[strings.ToLower(language)]
	if !ok {
		group = "other"
	}

	criticality := "standard"
	if b.criticalSet[strings.ToLower(category)] || risk >= b.CriticalRisk {
		criticality = "critical"
	}

	tier := "mid"
	switch {
	case complexity < b.ComplexityLow:
		tier = "low"
	case complexity >= b.ComplexityHigh:
		tier = "high"
	}

	return group + "|" + criticality + "|" + tier
}
