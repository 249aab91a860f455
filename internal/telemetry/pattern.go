// Package telemetry tracks user interaction events and derives a behavioral pattern from them.
package telemetry

import (
	"math"

	"github.com/tamv/isabella/internal/core"
)

// Pattern thresholds, in events per minute
const (
	OverloadedRate = 15.0
	ScatteredRate  = 8.0
	FocusedRate    = 2.0

	// FocusedMinDurationMs is the session length after which a slow tempo counts as focus
	FocusedMinDurationMs = 5 * 60 * 1000
)

// ClassifyPattern maps an event count and a session duration to a behavioral pattern.
// The first matching rule wins. Total and deterministic.
func ClassifyPattern(eventCount int, sessionDurationMs int64) core.EcgPattern {
	if eventCount < 0 {
		eventCount = 0
	}
	if sessionDurationMs < 0 {
		sessionDurationMs = 0
	}

	rate := eventRate(eventCount, sessionDurationMs)

	switch {
	case rate > OverloadedRate:
		return core.PatternOverloaded
	case rate > ScatteredRate:
		return core.PatternScattered
	case rate < FocusedRate && sessionDurationMs > FocusedMinDurationMs:
		return core.PatternFocused
	default:
		return core.PatternStable
	}
}

// eventRate returns events per minute. A zero duration with any events is infinitely fast.
func eventRate(eventCount int, sessionDurationMs int64) float64 {
	if sessionDurationMs == 0 {
		if eventCount == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return float64(eventCount) / (float64(sessionDurationMs) / 60000)
}
