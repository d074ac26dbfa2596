package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conclavehq/conclave/internal/kernel"
)

func lookupWith(models map[string]float64) ModelLookup {
	return func(modelID string) (*kernel.Model, bool) {
		rel, ok := models[modelID]
		if !ok {
			return nil, false
		}
		return &kernel.Model{ID: modelID, Reliability: rel}, true
	}
}

func resp(modelID string, confidence float64, text string) *kernel.AgentResponse {
	return &kernel.AgentResponse{
		ModelID:    modelID,
		Text:       text,
		Assessment: kernel.SelfAssessment{Confidence: confidence},
	}
}

func TestArbitrate_DropsLowConfidenceResponses(t *testing.T) {
	st := &kernel.Subtask{ID: "s1", Responses: []*kernel.AgentResponse{
		resp("m1", 0.2, "low confidence answer"),
		resp("m2", 0.9, "the real answer"),
	}}
	d := Arbitrate(st, lookupWith(map[string]float64{"m1": 1, "m2": 1}))
	require.NotNil(t, d)
	assert.Equal(t, "resolved", d.Kind)
	require.Len(t, d.Responses, 1)
	assert.Equal(t, "m2", d.Responses[0].ModelID)
}

func TestArbitrate_S4_PicksHigherConfidenceReliabilityProduct(t *testing.T) {
	st := &kernel.Subtask{ID: "s1", Responses: []*kernel.AgentResponse{
		// Both responses make the same claim, so the 0.855 vs 0.810 product
		// gap picks a winner rather than an INCONCLUSIVE pair.
		resp("m1", 0.9, "X is explained this way"),
		resp("m2", 0.88, "X is explained this way."),
	}}
	d := Arbitrate(st, lookupWith(map[string]float64{"m1": 0.95, "m2": 0.92}))
	require.NotNil(t, d)
	assert.Equal(t, "resolved", d.Kind)
	assert.Equal(t, "m1", d.Responses[d.WinningIndex].ModelID)
}

func TestArbitrate_S4_InconclusiveWhenDeltaSmallAndDisagree(t *testing.T) {
	st := &kernel.Subtask{ID: "s1", Responses: []*kernel.AgentResponse{
		resp("m1", 0.82, "X is caused by A"),
		resp("m2", 0.80, "X is caused by B"),
	}}
	d := Arbitrate(st, lookupWith(map[string]float64{"m1": 1, "m2": 1}))
	require.NotNil(t, d)
	assert.Equal(t, "inconclusive", d.Kind)
	assert.Len(t, d.Responses, 2)
}

func TestArbitrate_AgreeingCloseResponsesAreResolvedNotInconclusive(t *testing.T) {
	st := &kernel.Subtask{ID: "s1", Responses: []*kernel.AgentResponse{
		resp("m1", 0.82, "X is caused by A."),
		resp("m2", 0.80, "x is caused by a"),
	}}
	d := Arbitrate(st, lookupWith(map[string]float64{"m1": 1, "m2": 1}))
	require.NotNil(t, d)
	assert.Equal(t, "resolved", d.Kind)
}

func TestArbitrate_AllBelowThresholdReturnsNil(t *testing.T) {
	st := &kernel.Subtask{ID: "s1", Responses: []*kernel.AgentResponse{
		resp("m1", 0.1, "unsure"),
	}}
	d := Arbitrate(st, nil)
	assert.Nil(t, d)
}

func TestArbitrate_MissingModelDefaultsToFullReliability(t *testing.T) {
	st := &kernel.Subtask{ID: "s1", Responses: []*kernel.AgentResponse{
		resp("m1", 0.5, "answer"),
	}}
	d := Arbitrate(st, lookupWith(nil))
	require.NotNil(t, d)
	assert.Equal(t, "resolved", d.Kind)
}

func TestArbitrateAll_SkipsSubtasksWithNoSurvivingResponses(t *testing.T) {
	subtasks := []*kernel.Subtask{
		{ID: "s1", Responses: []*kernel.AgentResponse{resp("m1", 0.9, "ok")}},
		{ID: "s2", Responses: []*kernel.AgentResponse{resp("m2", 0.1, "too low")}},
	}
	decisions := ArbitrateAll(subtasks, lookupWith(map[string]float64{"m1": 1}))
	require.Len(t, decisions, 1)
	assert.Equal(t, "s1", decisions[0].SubtaskID)
}
