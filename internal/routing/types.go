package routing

import (
	"fmt"
	"sort"
	"time"
)

// Provider tiers, ordered by cost expectation. TierNone is the zero-cost
// validation-only arm: content routed there is checked but never generated.
const (
	TierPremium  = "premium"
	TierStandard = "standard"
	TierEconomy  = "economy"
	TierNone     = "none"
)

// RequestContext is everything the router may use to decide. It carries
// metadata only, never content.
type RequestContext struct {
	ContentID  string  `json:"content_id"`
	Language   string  `json:"language"`
	Category   string  `json:"category"`
	Complexity float64 `json:"complexity"` // 0..1
	Risk       float64 `json:"risk"`       // 0..1
}

func (r RequestContext) Validate() error {
	if r.ContentID == "" {
		return fmt.Errorf("content_id is required")
	}
	if r.Complexity < 0 || r.Complexity > 1 {
		return fmt.Errorf("complexity %v out of [0,1]", r.Complexity)
	}
	if r.Risk < 0 || r.Risk > 1 {
		return fmt.Errorf("risk %v out of [0,1]", r.Risk)
	}
	return nil
}

// Decision is the router's answer. It always names a provider.
type Decision struct {
	DecisionID       string    `json:"decision_id"`
	ContentID        string    `json:"content_id"`
	Provider         string    `json:"provider"`
	Variant          string    `json:"variant,omitempty"`
	Bucket           string    `json:"bucket"`
	Throttle         string    `json:"throttle"`
	Reason           string    `json:"reason"`
	EstimatedCostEUR float64   `json:"estimated_cost_eur"`
	DecidedAt        time.Time `json:"decided_at"`
}

// Provider describes one generation backend as the router sees it:
// an identifier, a cost, a tier. The backends themselves live elsewhere.
type Provider struct {
	ID          string  `yaml:"id" json:"id"`
	Tier        string  `yaml:"tier" json:"tier"`
	UnitCostEUR float64 `yaml:"unit_cost_eur" json:"unit_cost_eur"`
	Enabled     bool    `yaml:"enabled" json:"enabled"`
}

// Catalog is the validated provider set.
type Catalog struct {
	providers []Provider
	byID      map[string]Provider
	eligible  []string // enabled, generation-capable, cheapest first
}

// NewCatalog validates the provider list. At least one enabled
// generation-capable provider is required; the router must always have a
// cheap arm to fail open to.
func NewCatalog(providers []Provider) (*Catalog, error) {
	c := &Catalog{providers: providers, byID: make(map[string]Provider)}
	for _, p := range providers {
		if p.ID == "" {
			return nil, fmt.Errorf("provider with empty id")
		}
		if _, dup := c.byID[p.ID]; dup {
			return nil, fmt.Errorf("duplicate provider %q", p.ID)
		}
		switch p.Tier {
		case TierPremium, TierStandard, TierEconomy, TierNone:
		default:
			return nil, fmt.Errorf("provider %q: unknown tier %q", p.ID, p.Tier)
		}
		if p.UnitCostEUR < 0 {
			return nil, fmt.Errorf("provider %q: negative unit cost", p.ID)
		}
		if p.Tier == TierNone && p.UnitCostEUR != 0 {
			return nil, fmt.Errorf("provider %q: the none tier must be free", p.ID)
		}
		c.byID[p.ID] = p
		if p.Enabled && p.Tier != TierNone {
			c.eligible = append(c.eligible, p.ID)
		}
	}
	if len(c.eligible) == 0 {
		return nil, fmt.Errorf("no enabled generation providers")
	}
	sort.Slice(c.eligible, func(i, j int) bool {
		a, b := c.byID[c.eligible[i]], c.byID[c.eligible[j]]
		if a.UnitCostEUR != b.UnitCostEUR {
			return a.UnitCostEUR < b.UnitCostEUR
		}
		return a.ID < b.ID
	})
	return c, nil
}

// Get looks up a provider by ID.
func (c *Catalog) Get(id string) (Provider, bool) {
	p, ok := c.byID[id]
	return p, ok
}

// Eligible returns enabled generation providers, cheapest first.
func (c *Catalog) Eligible() []string {
	return c.eligible
}

// Cheapest returns the cheapest enabled generation provider.
func (c *Catalog) Cheapest() Provider {
	return c.byID[c.eligible[0]]
}

// ValidationArm returns the none-tier provider if one is configured.
func (c *Catalog) ValidationArm() (Provider, bool) {
	for _, p := range c.providers {
		if p.Tier == TierNone && p.Enabled {
			return p, true
		}
	}
	return Provider{}, false
}
