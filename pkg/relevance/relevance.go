// Package relevance drops weak vector matches with per type score thresholds.
package relevance

import "github.com/m-mizutani/keepr/pkg/model"

const DefaultThreshold = 0.6

// OverfetchFactor is how many more candidates callers request than they return,
// so filtering still leaves enough results.
const OverfetchFactor = 2

type Thresholds struct {
	Default float64
	ByType  map[model.MemoryType]float64
}

// DefaultThresholds uses DefaultThreshold for every type
func DefaultThresholds() Thresholds {
	return Thresholds{
		Default: DefaultThreshold,
		ByType: map[model.MemoryType]float64{
			model.MemoryTypeLink: DefaultThreshold,
		},
	}
}

// For returns the minimum score a match of type t needs
func (th Thresholds) For(t model.MemoryType) float64 {
	if v, ok := th.ByType[t]; ok {
		return v
	}
	return th.Default
}

// Filter keeps matches whose score reaches their type threshold. Order is preserved.
func Filter(matches []*model.Match, th Thresholds) []*model.Match {
	kept := make([]*model.Match, 0, len(matches))
	for _, m := range matches {
		if m.Score >= th.For(m.Memory.Type) {
			kept = append(kept, m)
		}
	}
	return kept
}

// Overfetch returns the number of candidates to request for limit results
func Overfetch(limit int) int {
	return limit * OverfetchFactor
}

// CapType keeps at most n matches of type t, preserving order
func CapType(matches []*model.Match, t model.MemoryType, n int) []*model.Match {
	kept := make([]*model.Match, 0, len(matches))
	count := 0
	for _, m := range matches {
		if m.Memory.Type == t {
			if count >= n {
				continue
			}
			count++
		}
		kept = append(kept, m)
	}
	return kept
}

// Truncate keeps the first n matches
func Truncate(matches []*model.Match, n int) []*model.Match {
	if n < 0 {
		n = 0
	}
	if len(matches) > n {
		return matches[:n]
	}
	return matches
}
