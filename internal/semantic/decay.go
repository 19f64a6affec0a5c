package semantic

import "math"

// reinforcedStrength maps cumulative connection strength to retrieval
// strength in [0,1).
func reinforcedStrength(cumulative float64) float64 {
	if cumulative <= 0 {
		return 0
	}
	return 1 - math.Exp(-cumulative)
}

// decayFactor is the multiplier for the given number of elapsed cycles under
// a half-life given in cycles. Zero cycles decay nothing.
func decayFactor(halfLifeCycles, cycles float64) float64 {
	if cycles <= 0 {
		return 1
	}
	return math.Pow(0.5, cycles/halfLifeCycles)
}
