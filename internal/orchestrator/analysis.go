package orchestrator

import (
	"strings"
	"unicode"

	"github.com/conclavehq/conclave/internal/kernel"
)

// compoundMarkers are punctuation/conjunctions that typically separate
// independent asks within one prompt; their count drives the complexity
// label below.
var compoundMarkers = []string{" then ", " and then ", "; ", "\n- ", "\n* ", "1.", "2.", " also "}

// Analyze determines a single-shot intent description and a complexity
// label for rawInput, per spec.md §4.1's Analysis stage. The analysis is
// intentionally simple and fully inspectable: no model call is made here,
// only the input's own shape is examined, so the result can be recorded
// verbatim in the progress log without leaking provider content.
func Analyze(rawInput string) kernel.AnalysisResult {
	trimmed := strings.TrimSpace(rawInput)
	intent := summarize(trimmed)
	complexity := classify(trimmed)
	return kernel.AnalysisResult{Intent: intent, Complexity: complexity}
}

// summarize returns a short, single-sentence description of the request;
// it truncates rather than paraphrases, since Analysis never calls a
// model.
func summarize(input string) string {
	const maxLen = 160
	firstSentence := input
	if i := strings.IndexAny(input, ".!?\n"); i >= 0 && i+1 < len(input) {
		firstSentence = input[:i+1]
	}
	firstSentence = strings.TrimSpace(firstSentence)
	if len(firstSentence) > maxLen {
		return firstSentence[:maxLen] + "..."
	}
	if firstSentence == "" {
		return "(empty request)"
	}
	return firstSentence
}

// classify assigns a Complexity label from the input's length and the
// number of compound markers it contains. TRIVIAL/SIMPLE bypass the
// Decomposer entirely; COMPOUND/COMPLEX proceed to decomposition.
func classify(input string) kernel.Complexity {
	wordCount := countWords(input)
	markerCount := countMarkers(input)

	switch {
	case wordCount <= 6 && markerCount == 0:
		return kernel.ComplexityTrivial
	case wordCount <= 20 && markerCount == 0:
		return kernel.ComplexitySimple
	case markerCount >= 2 || wordCount > 60:
		return kernel.ComplexityComplex
	default:
		return kernel.ComplexityCompound
	}
}

func countWords(s string) int {
	n := 0
	inWord := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			inWord = false
			continue
		}
		if !inWord {
			n++
			inWord = true
		}
	}
	return n
}

func countMarkers(s string) int {
	lower := strings.ToLower(s)
	n := 0
	for _, marker := range compoundMarkers {
		n += strings.Count(lower, marker)
	}
	return n
}
