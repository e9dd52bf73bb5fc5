// Package prompter picks a prompt variant per content category using
// epsilon-greedy selection over operator-curated variants. Like the bandit,
// its state is an immutable snapshot swapped atomically by the learning
// cycle; the hot path only reads.
package prompter

import (
	"math/rand"
	"sync/atomic"
	"time"
)

// VariantKey identifies a (category, variant) pair.
type VariantKey struct {
	Category string
	Variant  string
}

// Stats holds observed rewards for one variant arm.
type Stats struct {
	Count     int
	SumReward float64
}

// Mean returns the average observed reward, 0.5 for an unobserved arm so
// fresh variants compete on equal footing.
func (s Stats) Mean() float64 {
	if s.Count == 0 {
		return 0.5
	}
	return s.SumReward / float64(s.Count)
}

// Snapshot is an immutable view of the variant catalog and its stats.
type Snapshot struct {
	// Variants lists the eligible variant IDs per category, in the
	// operator-configured order. The first entry is the default.
	Variants map[string][]string
	Stats    map[VariantKey]Stats
	Epsilon  float64
	Frozen   bool // exploit-only: exploration suspended
	BuiltAt  time.Time
	Version  uint64
}

// Selection is the chosen variant plus how it was chosen.
type Selection struct {
	Variant string
	Reason  string // "exploit", "explore" or "none"
}

// Select picks a variant for the category. With probability epsilon it
// explores uniformly; otherwise (and always when frozen) it exploits the
// best observed mean. Categories without variants select nothing.
func (s *Snapshot) Select(category string, rng *rand.Rand) Selection {
	variants := s.Variants[category]
	if len(variants) == 0 {
		return Selection{Reason: "none"}
	}

	if !s.Frozen && rng.Float64() < s.Epsilon {
		return Selection{Variant: variants[rng.Intn(len(variants))], Reason: "explore"}
	}
	return s.Exploit(category)
}

// Exploit returns the best observed variant for the category without any
// exploration. Used directly when the budget directive suspends it.
func (s *Snapshot) Exploit(category string) Selection {
	variants := s.Variants[category]
	if len(variants) == 0 {
		return Selection{Reason: "none"}
	}
	best := variants[0]
	bestMean := s.Stats[VariantKey{category, best}].Mean()
	for _, v := range variants[1:] {
		if m := s.Stats[VariantKey{category, v}].Mean(); m > bestMean {
			best = v
			bestMean = m
		}
	}
	return Selection{Variant: best, Reason: "exploit"}
}

// Policy is the swappable holder for the current snapshot.
type Policy struct {
	snap atomic.Pointer[Snapshot]
}

// NewPolicy starts with the given variant catalog and no observations.
func NewPolicy(variants map[string][]string, epsilon float64) *Policy {
	p := &Policy{}
	p.snap.Store(&Snapshot{
		Variants: variants,
		Stats:    map[VariantKey]Stats{},
		Epsilon:  epsilon,
		BuiltAt:  time.Now().UTC(),
	})
	return p
}

// Current returns the installed snapshot, read-only.
func (p *Policy) Current() *Snapshot {
	return p.snap.Load()
}

// Swap installs a freshly built snapshot.
func (p *Policy) Swap(s *Snapshot) {
	p.snap.Store(s)
}

// Rebuild constructs a snapshot from aggregated per-variant rewards. The
// variant catalog comes from configuration, not from the stats: variants
// removed by operators disappear even if history remains, and new variants
// start unobserved.
func Rebuild(prev *Snapshot, variants map[string][]string, stats map[VariantKey]Stats, frozen bool) *Snapshot {
	return &Snapshot{
		Variants: variants,
		Stats:    stats,
		Epsilon:  prev.Epsilon,
		Frozen:   frozen,
		BuiltAt:  time.Now().UTC(),
		Version:  prev.Version + 1,
	}
}
