package orchestrator

import (
	"regexp"
	"strings"

	"github.com/conclavehq/conclave/internal/kernel"
)

// minConfidence is the floor below which a response is discarded outright
// before arbitration even compares candidates, per spec.md §4.1.
const minConfidence = 0.3

// inconclusiveDelta is the score gap below which two disagreeing
// responses are kept as alternatives instead of one winner.
const inconclusiveDelta = 0.1

// ModelLookup resolves a model's reliability score by ID, e.g.
// registry.Registry.Get. A model that can't be found scores reliability
// 1.0, so a missing catalog entry never zeroes out an otherwise-valid
// response.
type ModelLookup func(modelID string) (*kernel.Model, bool)

// Arbitrate resolves the (possibly multiple) AgentResponses a subtask
// collected into a single ArbitrationDecision. Subtasks with exactly one
// surviving response still get a "resolved" decision so the Synthesizer
// has one uniform shape to render.
func Arbitrate(subtask *kernel.Subtask, models ModelLookup) *kernel.ArbitrationDecision {
	survivors := make([]*kernel.AgentResponse, 0, len(subtask.Responses))
	for _, r := range subtask.Responses {
		if r.Assessment.Confidence >= minConfidence {
			survivors = append(survivors, r)
		}
	}
	if len(survivors) == 0 {
		return nil
	}
	if len(survivors) == 1 {
		return &kernel.ArbitrationDecision{
			SubtaskID:    subtask.ID,
			Kind:         "resolved",
			WinningIndex: 0,
			Responses:    survivors,
		}
	}

	scores := make([]float64, len(survivors))
	best := 0
	for i, r := range survivors {
		scores[i] = responseScore(r, models)
		if scores[i] > scores[best] {
			best = i
		}
	}

	runnerUp := -1
	for i := range survivors {
		if i == best {
			continue
		}
		if runnerUp == -1 || scores[i] > scores[runnerUp] {
			runnerUp = i
		}
	}

	if runnerUp != -1 && scores[best]-scores[runnerUp] < inconclusiveDelta && !agree(survivors[best], survivors[runnerUp]) {
		return &kernel.ArbitrationDecision{
			SubtaskID:    subtask.ID,
			Kind:         "inconclusive",
			WinningIndex: best,
			Responses:    []*kernel.AgentResponse{survivors[best], survivors[runnerUp]},
		}
	}

	return &kernel.ArbitrationDecision{
		SubtaskID:    subtask.ID,
		Kind:         "resolved",
		WinningIndex: best,
		Responses:    survivors,
	}
}

// responseScore is confidence * reliability(model), the arbiter's
// winner criterion from spec.md §4.1.
func responseScore(r *kernel.AgentResponse, models ModelLookup) float64 {
	reliability := 1.0
	if models != nil {
		if m, ok := models(r.ModelID); ok {
			reliability = m.Reliability
		}
	}
	return r.Assessment.Confidence * reliability
}

var normalizeWS = regexp.MustCompile(`\s+`)

// agree reports whether two responses assert the same claim, by
// comparing their normalized text. Exact textual agreement short-circuits
// the INCONCLUSIVE path even when confidences are close, since there's
// nothing to present as competing alternatives.
func agree(a, b *kernel.AgentResponse) bool {
	return normalizeClaim(a.Text) == normalizeClaim(b.Text)
}

func normalizeClaim(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = normalizeWS.ReplaceAllString(s, " ")
	s = strings.TrimRight(s, ".!? ")
	return s
}

// ArbitrateAll runs Arbitrate over every subtask in req, skipping
// subtasks that produced no surviving responses (those are reported as
// PartialFailures by the Synthesizer instead).
func ArbitrateAll(subtasks []*kernel.Subtask, models ModelLookup) []kernel.ArbitrationDecision {
	decisions := make([]kernel.ArbitrationDecision, 0, len(subtasks))
	for _, st := range subtasks {
		if d := Arbitrate(st, models); d != nil {
			decisions = append(decisions, *d)
		}
	}
	return decisions
}
