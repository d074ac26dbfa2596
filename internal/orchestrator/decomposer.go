package orchestrator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/conclavehq/conclave/internal/kernel"
)

// depthRange returns the [min, max] subtask count spec.md §4.1 assigns to
// each execution mode's Decomposer pass.
func depthRange(mode kernel.ExecutionMode) (min, max int) {
	switch mode {
	case kernel.ModeFast:
		return 1, 2
	case kernel.ModeBestQuality:
		return 4, 6
	default: // BALANCED
		return 3, 4
	}
}

var clauseSplitter = regexp.MustCompile(`(?i)\s*(?:,?\s+then\s+|;\s*|\n[-*]\s*|\.\s+(?=[A-Z])|\band then\b)\s*`)

// splitClauses breaks a prompt into candidate atomic asks. This is a
// lexical split, not an LLM call: Decomposer output must stay inspectable
// and deterministic.
func splitClauses(prompt string) []string {
	raw := clauseSplitter.Split(strings.TrimSpace(prompt), -1)
	clauses := make([]string, 0, len(raw))
	for _, c := range raw {
		c = strings.TrimSpace(strings.TrimRight(c, "."))
		if c != "" {
			clauses = append(clauses, c)
		}
	}
	return clauses
}

// mergeDown folds trailing clauses into the last retained one until at
// most max remain, preserving original order.
func mergeDown(clauses []string, max int) []string {
	if len(clauses) <= max || max <= 0 {
		return clauses
	}
	kept := append([]string(nil), clauses[:max-1]...)
	tail := strings.Join(clauses[max-1:], "; ")
	return append(kept, tail)
}

// padClause synthesizes an additional subtask when the prompt didn't
// split into enough clauses to satisfy the mode's minimum decomposition
// depth. Each pad targets a distinct quality concern so BEST_QUALITY
// requests still get genuinely different subtasks rather than
// duplicates of the same content.
func padClause(prompt string, index int) string {
	pads := []string{
		fmt.Sprintf("Double-check the accuracy of the response to: %s", prompt),
		fmt.Sprintf("List any assumptions made while answering: %s", prompt),
		fmt.Sprintf("Summarize the key points of the response to: %s", prompt),
	}
	return pads[index%len(pads)]
}

type typeKeywords struct {
	taskType kernel.TaskType
	keywords []string
}

// typeRules is walked in kernel.TaskTypePriority order so a clause
// matching more than one category resolves to the most specific type,
// per spec.md §4.1's decomposer tie-break.
var typeRules = []typeKeywords{
	{kernel.TaskCodeGeneration, []string{"write a function", "write python", "write code", "implement", "write a program", "write code for"}},
	{kernel.TaskDebugging, []string{"debug", "fix the bug", "why does this fail", "stack trace", "error message", "not working"}},
	{kernel.TaskReasoning, []string{"explain", "why", "how does", "reason about", "analyze the logic"}},
	{kernel.TaskResearch, []string{"research", "find information", "look up", "compare options", "survey"}},
	{kernel.TaskFactCheck, []string{"fact check", "verify that", "is it true", "confirm"}},
	{kernel.TaskVerification, []string{"double-check", "review", "validate", "verify the response"}},
	{kernel.TaskCreative, []string{"write a poem", "write a story", "brainstorm", "creative"}},
}

// classifyTaskType assigns the most specific matching task type; content
// matching nothing defaults to REASONING, the most general analytical
// type.
func classifyTaskType(content string) kernel.TaskType {
	lower := strings.ToLower(content)
	for _, priority := range kernel.TaskTypePriority {
		for _, rule := range typeRules {
			if rule.taskType != priority {
				continue
			}
			for _, kw := range rule.keywords {
				if strings.Contains(lower, kw) {
					return rule.taskType
				}
			}
		}
	}
	if strings.Contains(lower, "list") && strings.Contains(lower, "use") {
		return kernel.TaskCreative
	}
	return kernel.TaskReasoning
}

func riskFor(t kernel.TaskType) kernel.RiskLevel {
	switch t {
	case kernel.TaskCodeGeneration, kernel.TaskDebugging:
		return kernel.RiskMedium
	case kernel.TaskFactCheck, kernel.TaskVerification:
		return kernel.RiskHigh
	default:
		return kernel.RiskLow
	}
}

func accuracyFor(t kernel.TaskType) float64 {
	switch t {
	case kernel.TaskFactCheck, kernel.TaskVerification:
		return 0.9
	case kernel.TaskCodeGeneration, kernel.TaskDebugging:
		return 0.8
	default:
		return 0.6
	}
}

// Decompose turns req into an ordered, mode-sized list of atomic,
// typed Subtasks, per spec.md §4.1.
func Decompose(req *kernel.Request) []*kernel.Subtask {
	min, max := depthRange(req.Mode)

	clauses := splitClauses(req.RawPrompt)
	if len(clauses) == 0 {
		clauses = []string{req.RawPrompt}
	}
	clauses = mergeDown(clauses, max)
	for len(clauses) < min {
		clauses = append(clauses, padClause(req.RawPrompt, len(clauses)))
	}

	subtasks := make([]*kernel.Subtask, 0, len(clauses))
	for i, content := range clauses {
		t := classifyTaskType(content)
		subtasks = append(subtasks, &kernel.Subtask{
			ID:                  uuid.NewString(),
			RequestID:           req.ID,
			Content:              content,
			TaskType:            t,
			Priority:            i,
			RiskLevel:           riskFor(t),
			AccuracyRequirement: accuracyFor(t),
			Status:              kernel.SubtaskPending,
		})
	}
	return subtasks
}
