package orchestrator

import (
	"sort"

	"github.com/conclavehq/conclave/internal/kernel"
)

// BreakerGate is the subset of circuitbreaker.Registry the Router needs:
// whether a provider's breaker currently admits dispatches.
type BreakerGate interface {
	Allow(provider string) bool
}

// ScoredCandidate is one router.Select() candidate with its component
// scores recorded for the selection log and for tie-breaking.
type ScoredCandidate struct {
	Model           *kernel.Model
	Score           float64
	CostScore       float64
	LatencyScore    float64
	CapabilityScore float64
	ReliabilityScore float64
}

// CandidateSet builds C for a subtask: models supporting its task type,
// available, and not behind an OPEN breaker. excludeModelID lets the
// Executor's fallback path re-score with the failed model removed.
func CandidateSet(models []*kernel.Model, breakers BreakerGate, excludeModelID string) []*kernel.Model {
	out := make([]*kernel.Model, 0, len(models))
	for _, m := range models {
		if m.ID == excludeModelID {
			continue
		}
		if breakers != nil && !breakers.Allow(m.Provider) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// FilterByAccuracy drops candidates whose capability score (breadth of
// task-type support, normalized over candidates) falls below the
// subtask's accuracy requirement. Per DESIGN.md's resolution of spec.md
// §9's open question, accuracy_requirement is a candidate filter, never
// a weighted term added on top of capabilityScore.
func FilterByAccuracy(candidates []*kernel.Model, requirement float64) []*kernel.Model {
	maxTypes := 1
	for _, m := range candidates {
		if n := len(m.SupportedTypes); n > maxTypes {
			maxTypes = n
		}
	}
	threshold := requirement * 100
	out := make([]*kernel.Model, 0, len(candidates))
	for _, m := range candidates {
		capScore := 100 * float64(len(m.SupportedTypes)) / float64(maxTypes)
		if capScore >= threshold {
			out = append(out, m)
		}
	}
	return out
}

// applyFastLatencyCap drops candidates slower than the 50th percentile
// latency across C, the FAST mode modifier from spec.md §4.1.
func applyFastLatencyCap(candidates []*kernel.Model) []*kernel.Model {
	if len(candidates) <= 1 {
		return candidates
	}
	latencies := make([]int, len(candidates))
	for i, m := range candidates {
		latencies[i] = m.TypicalLatencyMs
	}
	sort.Ints(latencies)
	median := latencies[len(latencies)/2]

	out := make([]*kernel.Model, 0, len(candidates))
	for _, m := range candidates {
		if m.TypicalLatencyMs <= median {
			out = append(out, m)
		}
	}
	if len(out) == 0 {
		return candidates
	}
	return out
}

// Score computes the spec.md §4.1 scoring function for every candidate,
// normalized over candidates (so the scale is stable per invocation),
// with BEST_QUALITY's 1.5x reliability modifier applied before the
// weighted sum.
func Score(candidates []*kernel.Model, mode kernel.ExecutionMode) []ScoredCandidate {
	if mode == kernel.ModeFast {
		candidates = applyFastLatencyCap(candidates)
	}
	if len(candidates) == 0 {
		return nil
	}

	minCost, maxCost := candidates[0].UnitPriceInput+candidates[0].UnitPriceOutput, candidates[0].UnitPriceInput+candidates[0].UnitPriceOutput
	minLatency, maxLatency := candidates[0].TypicalLatencyMs, candidates[0].TypicalLatencyMs
	maxTypes := 1
	for _, m := range candidates {
		cost := m.UnitPriceInput + m.UnitPriceOutput
		if cost < minCost {
			minCost = cost
		}
		if cost > maxCost {
			maxCost = cost
		}
		if m.TypicalLatencyMs < minLatency {
			minLatency = m.TypicalLatencyMs
		}
		if m.TypicalLatencyMs > maxLatency {
			maxLatency = m.TypicalLatencyMs
		}
		if n := len(m.SupportedTypes); n > maxTypes {
			maxTypes = n
		}
	}

	results := make([]ScoredCandidate, 0, len(candidates))
	for _, m := range candidates {
		cost := m.UnitPriceInput + m.UnitPriceOutput
		costScore := 100 * (1 - normalize(cost, minCost, maxCost))
		latencyScore := 100 * (1 - normalize(float64(m.TypicalLatencyMs), float64(minLatency), float64(maxLatency)))
		capabilityScore := 100 * float64(len(m.SupportedTypes)) / float64(maxTypes)
		reliabilityScore := 100 * m.Reliability
		if mode == kernel.ModeBestQuality {
			reliabilityScore *= 1.5
		}

		score := 0.40*100 + 0.25*costScore + 0.15*latencyScore + 0.10*capabilityScore + 0.10*reliabilityScore
		results = append(results, ScoredCandidate{
			Model:            m,
			Score:            score,
			CostScore:        costScore,
			LatencyScore:     latencyScore,
			CapabilityScore:  capabilityScore,
			ReliabilityScore: reliabilityScore,
		})
	}
	return results
}

// normalize maps v into [0,1] over [lo,hi]; a degenerate range (lo==hi)
// normalizes to 0 so every candidate scores equally on that dimension.
func normalize(v, lo, hi float64) float64 {
	if hi <= lo {
		return 0
	}
	return (v - lo) / (hi - lo)
}

// Select scores candidates and returns the winner plus the full ranked
// list (for the top-3 alternatives the selection log records). Ties
// break by lowest unit cost, then lowest latency, then lexicographic
// model id, per spec.md §4.1.
func Select(candidates []*kernel.Model, mode kernel.ExecutionMode) (*ScoredCandidate, []ScoredCandidate, error) {
	scored := Score(candidates, mode)
	if len(scored) == 0 {
		return nil, nil, kernel.ErrNoRoute("")
	}

	sort.SliceStable(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		costA := a.Model.UnitPriceInput + a.Model.UnitPriceOutput
		costB := b.Model.UnitPriceInput + b.Model.UnitPriceOutput
		if costA != costB {
			return costA < costB
		}
		if a.Model.TypicalLatencyMs != b.Model.TypicalLatencyMs {
			return a.Model.TypicalLatencyMs < b.Model.TypicalLatencyMs
		}
		return a.Model.ID < b.Model.ID
	})
	return &scored[0], scored, nil
}
