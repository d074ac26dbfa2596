package orchestrator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/conclavehq/conclave/internal/kernel"
)

var sentenceSplitter = strings.NewReplacer("\r\n", "\n")

// splitSentences breaks text into trimmed, non-empty sentences on '.', '!'
// and '?', used for deduplication.
func splitSentences(text string) []string {
	text = sentenceSplitter.Replace(text)
	var sentences []string
	var cur strings.Builder
	for _, r := range text {
		cur.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			s := strings.TrimSpace(cur.String())
			if s != "" {
				sentences = append(sentences, s)
			}
			cur.Reset()
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// normalizeHeading tidies a short leading line (six words or fewer): it
// strips up to two leading '#' and one trailing ':' and upper-cases the
// first letter, so "## summary" becomes "Summary". The rest of the case is
// kept ("SUMMARY:" becomes "SUMMARY"); longer lines are left untouched.
func normalizeHeading(s string) string {
	trimmed := strings.TrimSpace(s)
	trimmed = strings.TrimPrefix(trimmed, "#")
	trimmed = strings.TrimPrefix(trimmed, "#")
	trimmed = strings.TrimSpace(trimmed)
	trimmed = strings.TrimSuffix(trimmed, ":")
	if len(trimmed) == 0 || len(strings.Fields(trimmed)) > 6 {
		return s
	}
	return strings.ToUpper(trimmed[:1]) + trimmed[1:]
}

// renderSubtaskBody turns one subtask's arbitration decision into the
// text block the Synthesizer stitches together, rendering INCONCLUSIVE
// decisions as labeled alternatives per spec.md §4.1.
func renderSubtaskBody(d kernel.ArbitrationDecision) string {
	if d.Kind == "inconclusive" {
		return fmt.Sprintf("Alternative A: %s\nAlternative B: %s", d.Responses[0].Text, d.Responses[1].Text)
	}
	return d.Responses[d.WinningIndex].Text
}

// dedupeSentences removes sentences already seen (case/space-insensitive)
// while preserving first-occurrence order.
func dedupeSentences(blocks []string) string {
	seen := make(map[string]struct{})
	var kept []string
	for _, block := range blocks {
		for i, sentence := range splitSentences(block) {
			if i == 0 {
				sentence = normalizeHeading(sentence)
			}
			key := normalizeClaim(sentence)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			kept = append(kept, sentence)
		}
	}
	return strings.Join(kept, " ")
}

// Synthesize combines a request's arbitrated subtask responses into the
// FinalResponse, per spec.md §4.1: order preserved by subtask Priority,
// sentences deduped, a weighted-mean confidence, and a full cost/usage
// metadata block attached.
func Synthesize(req *kernel.Request, decisions []kernel.ArbitrationDecision) *kernel.FinalResponse {
	byID := make(map[string]kernel.ArbitrationDecision, len(decisions))
	for _, d := range decisions {
		byID[d.SubtaskID] = d
	}

	ordered := append([]*kernel.Subtask(nil), req.Subtasks...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority < ordered[j].Priority })

	var blocks []string
	var partialFailures []string
	var weightedConfidence, totalWeight float64
	modelsUsed := map[string]struct{}{}
	providerUsage := map[string]int{}
	bySubtask := map[string]float64{}
	byModel := map[string]float64{}
	var totalCost float64
	var totalIn, totalOut int

	for _, st := range ordered {
		d, ok := byID[st.ID]
		if !ok {
			partialFailures = append(partialFailures, st.ID)
			continue
		}
		body := renderSubtaskBody(d)
		blocks = append(blocks, body)

		weight := float64(len(st.Content))
		if weight == 0 {
			weight = 1
		}
		conf := d.Responses[d.WinningIndex].Assessment.Confidence
		if d.Kind == "inconclusive" {
			conf = (d.Responses[0].Assessment.Confidence + d.Responses[1].Assessment.Confidence) / 2
		}
		weightedConfidence += conf * weight
		totalWeight += weight

		bySubtask[st.ID] += st.EstimatedCostUSD
		totalCost += st.EstimatedCostUSD
		for _, r := range d.Responses {
			modelsUsed[r.ModelID] = struct{}{}
			totalIn += r.Assessment.InputTokens
			totalOut += r.Assessment.OutputTokens
		}
		byModel[d.Responses[d.WinningIndex].ModelID] += st.EstimatedCostUSD
	}

	for model := range modelsUsed {
		providerUsage[providerOf(model)]++
	}

	overall := 0.0
	if totalWeight > 0 {
		overall = weightedConfidence / totalWeight
	}
	if len(partialFailures) > 0 && len(ordered) > 0 {
		overall *= float64(len(ordered)-len(partialFailures)) / float64(len(ordered))
	}

	modelsList := make([]string, 0, len(modelsUsed))
	for m := range modelsUsed {
		modelsList = append(modelsList, m)
	}
	sort.Strings(modelsList)

	return &kernel.FinalResponse{
		Text:              dedupeSentences(blocks),
		OverallConfidence: overall,
		Cost: kernel.CostBreakdown{
			TotalCostUSD:      totalCost,
			BySubtask:         bySubtask,
			ByModel:           byModel,
			TotalInputTokens:  totalIn,
			TotalOutputTokens: totalOut,
		},
		ModelsUsed:           modelsList,
		ProviderUsageSummary: providerUsage,
		SelectionLog:         req.SelectionLog,
		Arbitrations:         decisions,
		PartialFailures:      partialFailures,
	}
}

// providerOf extracts the provider prefix from a "provider/model" style
// model ID; IDs without a separator are their own provider bucket.
func providerOf(modelID string) string {
	if i := strings.Index(modelID, "/"); i > 0 {
		return modelID[:i]
	}
	return modelID
}
