package bandit

import (
	"math"
	"math/rand"
	"sync/atomic"
	"time"
)

// ArmKey identifies a (bucket, provider) pair for the contextual bandit.
type ArmKey struct {
	Bucket   string
	Provider string
}

// Posterior holds the Beta distribution parameters for one arm.
type Posterior struct {
	Alpha float64 // sum of rewards + 1
	Beta  float64 // count - sum of rewards + 1
	Count int     // observations behind the posterior
}

// Mean returns the posterior mean alpha/(alpha+beta).
func (p Posterior) Mean() float64 {
	if p.Alpha+p.Beta == 0 {
		return 0.5
	}
	return p.Alpha / (p.Alpha + p.Beta)
}

// Snapshot is an immutable view of all arm posteriors. Snapshots are
// built off the hot path by the learning cycle and installed atomically;
// readers never see a partially updated state.
type Snapshot struct {
	Arms         map[ArmKey]Posterior
	MinSamples   int    // below this per-bucket total, fall back to the safe arm
	SafeProvider string // premium arm used during cold start
	Frozen       bool   // exploit-only mode: no posterior sampling
	BuiltAt      time.Time
	Version      uint64
}

// Recommendation is the sampler's choice plus how it was made.
type Recommendation struct {
	Provider string
	Reason   string // "sampled", "cold_start" or "frozen"
}

// Policy is the swappable holder for the current snapshot.
type Policy struct {
	snap atomic.Pointer[Snapshot]
}

// NewPolicy starts with an empty snapshot (uniform priors everywhere).
func NewPolicy(minSamples int, safeProvider string) *Policy {
	p := &Policy{}
	p.snap.Store(&Snapshot{
		Arms:         map[ArmKey]Posterior{},
		MinSamples:   minSamples,
		SafeProvider: safeProvider,
		BuiltAt:      time.Now().UTC(),
	})
	return p
}

// Current returns the installed snapshot. The returned value must be
// treated as read-only.
func (p *Policy) Current() *Snapshot {
	return p.snap.Load()
}

// Swap installs a freshly built snapshot.
func (p *Policy) Swap(s *Snapshot) {
	p.snap.Store(s)
}

// Recommend picks a provider for the bucket among the eligible arms.
// During cold start (too few observations across the bucket) it returns
// the safe provider; when frozen it exploits the posterior mean; otherwise
// it Thompson-samples each arm's Beta posterior. rng is caller-owned and
// must not be shared across goroutines.
func (s *Snapshot) Recommend(bucket string, eligible []string, rng *rand.Rand) Recommendation {
	if len(eligible) == 0 {
		return Recommendation{Provider: s.SafeProvider, Reason: "cold_start"}
	}

	total := 0
	for _, id := range eligible {
		total += s.Arms[ArmKey{bucket, id}].Count
	}
	if total < s.MinSamples {
		return Recommendation{Provider: s.safeAmong(eligible), Reason: "cold_start"}
	}

	best := eligible[0]
	bestScore := math.Inf(-1)
	for _, id := range eligible {
		post, ok := s.Arms[ArmKey{bucket, id}]
		if !ok {
			post = Posterior{Alpha: 1, Beta: 1}
		}
		var score float64
		if s.Frozen {
			score = post.Mean()
		} else {
			score = betaSample(rng, post.Alpha, post.Beta)
		}
		if score > bestScore {
			bestScore = score
			best = id
		}
	}
	reason := "sampled"
	if s.Frozen {
		reason = "frozen"
	}
	return Recommendation{Provider: best, Reason: reason}
}

func (s *Snapshot) safeAmong(eligible []string) string {
	for _, id := range eligible {
		if id == s.SafeProvider {
			return id
		}
	}
	return eligible[0]
}

// Rebuild constructs a new snapshot from aggregated (bucket, provider)
// reward sums, carrying the policy parameters forward.
func Rebuild(prev *Snapshot, counts map[ArmKey]int, rewardSums map[ArmKey]float64, frozen bool) *Snapshot {
	arms := make(map[ArmKey]Posterior, len(counts))
	for key, n := range counts {
		sum := rewardSums[key]
		if sum < 0 {
			sum = 0
		}
		if sum > float64(n) {
			sum = float64(n)
		}
		arms[key] = Posterior{
			Alpha: sum + 1,
			Beta:  float64(n) - sum + 1,
			Count: n,
		}
	}
	return &Snapshot{
		Arms:         arms,
		MinSamples:   prev.MinSamples,
		SafeProvider: prev.SafeProvider,
		Frozen:       frozen,
		BuiltAt:      time.Now().UTC(),
		Version:      prev.Version + 1,
	}
}

// betaSample draws a sample from Beta(alpha, beta) using the gamma distribution.
func betaSample(rng *rand.Rand, alpha, beta float64) float64 {
	if alpha <= 0 {
		alpha = 1
	}
	if beta <= 0 {
		beta = 1
	}
	x := gammaSample(rng, alpha)
	y := gammaSample(rng, beta)
	if x+y == 0 {
		return 0.5
	}
	return x / (x + y)
}

// gammaSample draws from Gamma(shape, 1) using Marsaglia and Tsang's method.
func gammaSample(rng *rand.Rand, shape float64) float64 {
	if shape < 1 {
		// Boost: Gamma(shape) = Gamma(shape+1) * U^(1/shape)
		return gammaSample(rng, shape+1) * math.Pow(rng.Float64(), 1.0/shape)
	}
	d := shape - 1.0/3.0
	c := 1.0 / math.Sqrt(9.0*d)
	for {
		var x, v float64
		for {
			x = rng.NormFloat64()
			v = 1.0 + c*x
			if v > 0 {
				break
			}
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1.0-0.0331*(x*x)*(x*x) {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1.0-v+math.Log(v)) {
			return d * v
		}
	}
}
