package telemetry

import (
	"github.com/tamv/isabella/internal/core"
)

// Summary aggregates a history for dashboards and decisioning
type Summary struct {
	Count           int                     `json:"count"`
	DominantPattern core.EcgPattern         `json:"dominant_pattern"`
	PatternCounts   map[core.EcgPattern]int `json:"pattern_counts"`
	MeanIntensity   float64                 `json:"mean_intensity"`
	TotalCredits    float64                 `json:"total_credits"`
}

// Summarize computes the dominant pattern and averages of a history.
// An empty history is stable. Ties go to the earlier entry of core.Patterns.
func Summarize(history []core.TAMVCrum) Summary {
	s := Summary{
		Count:           len(history),
		DominantPattern: core.PatternStable,
		PatternCounts:   make(map[core.EcgPattern]int, len(core.Patterns)),
	}
	if len(history) == 0 {
		return s
	}

	var intensity float64
	for _, c := range history {
		s.PatternCounts[c.EcgContext.Pattern]++
		intensity += c.EcgContext.Intensity
		s.TotalCredits += c.Impact.Credits
	}
	s.MeanIntensity = intensity / float64(len(history))

	best := -1
	for _, p := range core.Patterns {
		if n := s.PatternCounts[p]; n > best {
			best = n
			s.DominantPattern = p
		}
	}
	return s
}
