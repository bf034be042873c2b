// Package relevance implements the memory lens: Ebbinghaus-style decay of
// retrievability, stability reinforcement on access, and the composite
// relevance score used to rank stored knowledge.
package relevance

import (
	"math"
	"time"
)

// DefaultTau is the decay time constant: retrievability falls by a factor
// of e per tau elapsed since the last access.
const DefaultTau = 168 * time.Hour

// ReinforcementThreshold is the retrievability below which a node needs
// reinforcement.
const ReinforcementThreshold = 0.3

// reviewLadder holds spaced-repetition review intervals in hours. The
// ladder is indexed by floor(stability*7): more stable memories wait
// longer between reviews.
var reviewLadder = [...]time.Duration{
	1 * time.Hour,
	6 * time.Hour,
	24 * time.Hour,
	72 * time.Hour,
	168 * time.Hour,
	336 * time.Hour,
	720 * time.Hour,
	2160 * time.Hour,
}

// Retrievability computes R(t) = clamp(S*exp(-t/tau) + I, 0, 1) for a node
// with stability s and importance baseline i, elapsed time since the last
// access, and decay constant tau.
func Retrievability(stability, baseline float64, elapsed, tau time.Duration) float64 {
	if tau <= 0 {
		tau = DefaultTau
	}
	if elapsed < 0 {
		elapsed = 0
	}
	r := stability*math.Exp(-elapsed.Hours()/tau.Hours()) + baseline
	return clamp01(r)
}

// ImportanceBaseline derives the decay floor I from the optional user and
// AI importance signals. Unset importances contribute nothing, so a plain
// node decays to zero.
func ImportanceBaseline(userImportance, aiImportance *float64) float64 {
	var u, a float64
	if userImportance != nil {
		u = *userImportance
	}
	if aiImportance != nil {
		a = *aiImportance
	}
	b := 0.2*u + 0.1*a
	if b > 0.3 {
		b = 0.3
	}
	if b < 0 {
		b = 0
	}
	return b
}

// NeedsReinforcement reports whether a node's retrievability has fallen
// below the reinforcement threshold.
func NeedsReinforcement(retrievability float64) bool {
	return retrievability < ReinforcementThreshold
}

// BoostStability returns the post-access stability
// S' = min(1, S + (0.1 + (1-R)*0.3)): the harder the recall, the larger
// the reward.
func BoostStability(stability, retrievability float64) float64 {
	boosted := stability + (0.1 + (1-retrievability)*0.3)
	if boosted > 1 {
		return 1
	}
	return boosted
}

// ReviewInterval returns the optimal time until the next review for a node
// with the given stability and current retrievability. The base interval
// comes from the spaced-repetition ladder indexed by stability; it is then
// scaled by 0.5 + 0.5*R so weakly retrievable nodes come up sooner.
func ReviewInterval(stability, retrievability float64) time.Duration {
	idx := int(math.Floor(stability * 7))
	if idx < 0 {
		idx = 0
	}
	if idx > len(reviewLadder)-1 {
		idx = len(reviewLadder) - 1
	}
	multiplier := 0.5 + 0.5*clamp01(retrievability)
	return time.Duration(float64(reviewLadder[idx]) * multiplier)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
