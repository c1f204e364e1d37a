package failure

import "math"

// levelThresholds is checked in order; the first threshold the score reaches wins.
var levelThresholds = []struct {
	min   float64
	level ConfidenceLevel
}{
	{0.9, LevelVerified},
	{0.7, LevelHigh},
	{0.4, LevelMedium},
}

// LevelFor classifies a confidence score.
func LevelFor(score float64) ConfidenceLevel {
	for _, t := range levelThresholds {
		if score >= t.min {
			return t.level
		}
	}
	return LevelLow
}

// Effectiveness derives a [0,1] effectiveness score from usage counters.
// Unused cards get a neutral 0.5. Otherwise the success rate is boosted by up
// to 0.1 for a longer track record. Partial outcomes count as usage only, so
// failureCount does not enter the rate.
func Effectiveness(successCount, failureCount, usageCount int64) float64 {
	if usageCount <= 0 {
		return 0.5
	}
	successRate := float64(successCount) / float64(usageCount)
	bonus := math.Min(0.1, float64(usageCount)/100)
	return clamp01(successRate + bonus)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// round4 trims floating point noise from scores that are shown to callers.
func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
