package domain

// Severity base weights for risk scoring.
var severityWeights = map[Severity]float64{
	SeverityLow:      25,
	SeverityMedium:   50,
	SeverityHigh:     75,
	SeverityCritical: 100,
}

// SeverityWeight returns the base weight of a severity level, 0 if unknown.
func SeverityWeight(s Severity) float64 {
	return severityWeights[s]
}

// RiskScore maps (severity, fused confidence) to a score in [0, 100].
// This is a pure domain function with no I/O dependencies.
func RiskScore(s Severity, confidence float64) float64 {
	return SeverityWeight(s) * clamp01(confidence)
}

// FuseConfidence folds a new observation into an indicator's running
// confidence. The new value is weighted by 1/(n+1) where n is the number of
// observations already folded in, so later observations move the estimate
// less and less. With n == 0 the new confidence is returned as is.
func FuseConfidence(current float64, observations int64, incoming float64) float64 {
	if observations <= 0 {
		return clamp01(incoming)
	}
	w := 1 / float64(observations+1)
	return clamp01(current*(1-w) + incoming*w)
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
