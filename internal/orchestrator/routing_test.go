package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conclavehq/conclave/internal/kernel"
)

func taskSet(types ...kernel.TaskType) map[kernel.TaskType]struct{} {
	m := make(map[kernel.TaskType]struct{}, len(types))
	for _, t := range types {
		m[t] = struct{}{}
	}
	return m
}

type alwaysAllow struct{}

func (alwaysAllow) Allow(string) bool { return true }

type denyProvider struct{ denied string }

func (d denyProvider) Allow(p string) bool { return p != d.denied }

func TestCandidateSet_ExcludesDeniedBreakerAndFailedModel(t *testing.T) {
	models := []*kernel.Model{
		{ID: "a", Provider: "p1"},
		{ID: "b", Provider: "p2"},
	}
	out := CandidateSet(models, denyProvider{denied: "p2"}, "")
	require.Len(t, out, 1)
	assert.Equal(t, "a", out[0].ID)

	out = CandidateSet(models, alwaysAllow{}, "a")
	require.Len(t, out, 1)
	assert.Equal(t, "b", out[0].ID)
}

func TestSelect_S1_CheapProviderWinsOnFastMode(t *testing.T) {
	models := []*kernel.Model{
		{ID: "A", Provider: "A", UnitPriceInput: 1e-6, UnitPriceOutput: 1e-6, TypicalLatencyMs: 200, Reliability: 0.95, SupportedTypes: taskSet(kernel.TaskReasoning)},
		{ID: "B", Provider: "B", UnitPriceInput: 5e-6, UnitPriceOutput: 5e-6, TypicalLatencyMs: 400, Reliability: 0.9, SupportedTypes: taskSet(kernel.TaskReasoning)},
	}
	winner, ranked, err := Select(models, kernel.ModeFast)
	require.NoError(t, err)
	assert.Equal(t, "A", winner.Model.ID)
	assert.Len(t, ranked, 2)
}

func TestSelect_TieBreaksByCostThenLatencyThenID(t *testing.T) {
	models := []*kernel.Model{
		{ID: "z", Provider: "z", UnitPriceInput: 1e-6, UnitPriceOutput: 1e-6, TypicalLatencyMs: 100, Reliability: 0.5, SupportedTypes: taskSet(kernel.TaskReasoning)},
		{ID: "a", Provider: "a", UnitPriceInput: 1e-6, UnitPriceOutput: 1e-6, TypicalLatencyMs: 100, Reliability: 0.5, SupportedTypes: taskSet(kernel.TaskReasoning)},
	}
	winner, _, err := Select(models, kernel.ModeBalanced)
	require.NoError(t, err)
	assert.Equal(t, "a", winner.Model.ID, "identical score/cost/latency breaks on lexicographic id")
}

func TestSelect_BestQualityBoostsReliabilityWeight(t *testing.T) {
	reliable := &kernel.Model{ID: "reliable", Provider: "r", UnitPriceInput: 5e-6, UnitPriceOutput: 5e-6, TypicalLatencyMs: 500, Reliability: 0.99, SupportedTypes: taskSet(kernel.TaskReasoning)}
	cheap := &kernel.Model{ID: "cheap", Provider: "c", UnitPriceInput: 1e-7, UnitPriceOutput: 1e-7, TypicalLatencyMs: 500, Reliability: 0.5, SupportedTypes: taskSet(kernel.TaskReasoning)}

	_, balancedRanked, err := Select([]*kernel.Model{reliable, cheap}, kernel.ModeBalanced)
	require.NoError(t, err)
	_, bestRanked, err := Select([]*kernel.Model{reliable, cheap}, kernel.ModeBestQuality)
	require.NoError(t, err)

	reliableBalancedScore := scoreFor(balancedRanked, "reliable")
	reliableBestScore := scoreFor(bestRanked, "reliable")
	assert.Greater(t, reliableBestScore, reliableBalancedScore)
}

func scoreFor(ranked []ScoredCandidate, id string) float64 {
	for _, r := range ranked {
		if r.Model.ID == id {
			return r.Score
		}
	}
	return -1
}

func TestSelect_EmptyCandidatesReturnsNoRoute(t *testing.T) {
	_, _, err := Select(nil, kernel.ModeBalanced)
	require.Error(t, err)
	var kerr *kernel.KernelError
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, kernel.KindRouting, kerr.Kind)
}

func TestFilterByAccuracy_DropsNarrowCapabilityModels(t *testing.T) {
	broad := &kernel.Model{ID: "broad", SupportedTypes: taskSet(kernel.TaskReasoning, kernel.TaskResearch, kernel.TaskCreative, kernel.TaskFactCheck)}
	narrow := &kernel.Model{ID: "narrow", SupportedTypes: taskSet(kernel.TaskReasoning)}

	out := FilterByAccuracy([]*kernel.Model{broad, narrow}, 0.9)
	require.Len(t, out, 1)
	assert.Equal(t, "broad", out[0].ID)
}

func TestApplyFastLatencyCap_DropsSlowerThanMedian(t *testing.T) {
	models := []*kernel.Model{
		{ID: "fast", TypicalLatencyMs: 100},
		{ID: "mid", TypicalLatencyMs: 500},
		{ID: "slow", TypicalLatencyMs: 900},
	}
	out := applyFastLatencyCap(models)
	ids := map[string]bool{}
	for _, m := range out {
		ids[m.ID] = true
	}
	assert.True(t, ids["fast"])
	assert.False(t, ids["slow"])
}
