package orchestrator

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/conclavehq/conclave/internal/kernel"
	"github.com/conclavehq/conclave/internal/providerclient"
)

// parallelismCap is the per-request concurrency bound from spec.md §4.1.
func parallelismCap(mode kernel.ExecutionMode) int {
	switch mode {
	case kernel.ModeFast:
		return 2
	case kernel.ModeBestQuality:
		return 5
	default:
		return 3
	}
}

// modeDeadline is the per-ProviderClient-call timeout from spec.md §5.
func modeDeadline(mode kernel.ExecutionMode) time.Duration {
	switch mode {
	case kernel.ModeFast:
		return 15 * time.Second
	case kernel.ModeBestQuality:
		return 60 * time.Second
	default:
		return 30 * time.Second
	}
}

// Breaker is the subset of circuitbreaker.Breaker the Executor drives
// directly (beyond the Allow() check Router already used to build C).
type Breaker interface {
	Allow() bool
	RecordSuccess()
	RecordFailure()
}

// BreakerSource resolves a provider's Breaker, e.g. circuitbreaker.Registry.Get.
type BreakerSource interface {
	Get(provider string) Breaker
}

// ClientSource resolves the ProviderClient capability for a model's
// provider, e.g. a map[string]providerclient.Client keyed by provider ID.
type ClientSource interface {
	ClientFor(providerID string) providerclient.Client
}

// ExecutionOutcome is one subtask's Executor result, including enough
// detail to render the spec.md §4.1 execution_progress event.
type ExecutionOutcome struct {
	Subtask        *kernel.Subtask
	Response       *kernel.AgentResponse
	UsedFallback   bool
	PrimaryModelID string
	FallbackModel  string
	FallbackReason string
	Err            error
}

// Executor runs (Subtask, Model) pairs concurrently with fallback.
type Executor struct {
	breakers BreakerSource
	clients  ClientSource
}

func NewExecutor(breakers BreakerSource, clients ClientSource) *Executor {
	return &Executor{breakers: breakers, clients: clients}
}

// Assignment binds one subtask to its Router-selected model plus the
// remaining candidate pool the Executor re-scores against on fallback.
type Assignment struct {
	Subtask   *kernel.Subtask
	Model     *kernel.Model
	Remaining []*kernel.Model // candidate set minus Model, for fallback re-scoring
}

// Run executes every assignment with the mode's parallelism cap and
// per-call deadline, invoking onOutcome as each subtask finishes (for
// the Orchestrator to emit execution_progress events in completion
// order, which may differ from assignment order).
func (e *Executor) Run(ctx context.Context, mode kernel.ExecutionMode, assignments []Assignment, onOutcome func(ExecutionOutcome)) []ExecutionOutcome {
	outcomes := make([]ExecutionOutcome, len(assignments))
	deadline := modeDeadline(mode)

	var mu sync.Mutex
	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(parallelismCap(mode))

	for i, a := range assignments {
		i, a := i, a
		grp.Go(func() error {
			outcome := e.runOne(gctx, a, deadline)
			outcomes[i] = outcome
			if onOutcome != nil {
				mu.Lock()
				onOutcome(outcome)
				mu.Unlock()
			}
			return nil // subtask failures never abort siblings
		})
	}
	_ = grp.Wait()
	return outcomes
}

func (e *Executor) runOne(ctx context.Context, a Assignment, deadline time.Duration) ExecutionOutcome {
	subtask := a.Subtask
	primary := a.Model

	resp, err := e.attempt(ctx, subtask, primary, deadline)
	if err == nil {
		subtask.Status = kernel.SubtaskSucceeded
		subtask.Responses = append(subtask.Responses, resp)
		return ExecutionOutcome{Subtask: subtask, Response: resp}
	}

	if !err.Retryable() {
		subtask.Status = kernel.SubtaskFailed
		subtask.LastErr = err
		return ExecutionOutcome{Subtask: subtask, Err: err, PrimaryModelID: primary.ID}
	}

	candidates := CandidateSet(a.Remaining, allowChecker{e.breakers}, "")
	candidates = FilterByAccuracy(candidates, subtask.AccuracyRequirement)
	winner, _, selErr := Select(candidates, kernel.ModeBalanced)
	if selErr != nil {
		subtask.Status = kernel.SubtaskFailed
		subtask.LastErr = err
		return ExecutionOutcome{Subtask: subtask, Err: err, PrimaryModelID: primary.ID}
	}

	fallbackModel := winner.Model
	fbResp, fbErr := e.attempt(ctx, subtask, fallbackModel, deadline)
	if fbErr != nil {
		subtask.Status = kernel.SubtaskFailed
		subtask.LastErr = fbErr
		return ExecutionOutcome{
			Subtask: subtask, Err: fbErr, UsedFallback: true,
			PrimaryModelID: primary.ID, FallbackModel: fallbackModel.ID, FallbackReason: err.Error(),
		}
	}

	fbResp.UsedFallback = true
	fbResp.PrimaryModelID = primary.ID
	fbResp.FallbackReason = err.Error()
	subtask.Status = kernel.SubtaskSucceeded
	subtask.Responses = append(subtask.Responses, fbResp)
	return ExecutionOutcome{
		Subtask: subtask, Response: fbResp, UsedFallback: true,
		PrimaryModelID: primary.ID, FallbackModel: fallbackModel.ID, FallbackReason: err.Error(),
	}
}

// attempt makes exactly one ProviderClient call against model, applying
// the mode deadline, breaker gating, and outcome recording.
func (e *Executor) attempt(ctx context.Context, subtask *kernel.Subtask, model *kernel.Model, deadline time.Duration) (*kernel.AgentResponse, *kernel.ClassifiedError) {
	breaker := e.breakers.Get(model.Provider)
	if !breaker.Allow() {
		return nil, &kernel.ClassifiedError{Class: kernel.ClassTransport, Message: "breaker open for " + model.Provider}
	}

	client := e.clients.ClientFor(model.Provider)
	if client == nil {
		return nil, &kernel.ClassifiedError{Class: kernel.ClassFatal, Message: "no provider client for " + model.Provider}
	}

	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	start := time.Now()
	result, cerr := client.Generate(callCtx, model.ID, subtask.Content, providerclient.Params{MaxTokens: 1024, Temperature: 0.2})
	elapsed := time.Since(start)

	if cerr != nil {
		breaker.RecordFailure()
		return nil, cerr
	}

	breaker.RecordSuccess()
	subtask.AssignedModelID = model.ID
	subtask.EstimatedCostUSD = model.CostOf(result.InputTokens, result.OutputTokens)

	return &kernel.AgentResponse{
		SubtaskID: subtask.ID,
		ModelID:   model.ID,
		Text:      result.Text,
		Success:   true,
		Timestamp: time.Now(),
		Assessment: kernel.SelfAssessment{
			Confidence:   confidenceFor(model, result),
			Assumptions:  nil,
			RiskLevel:    subtask.RiskLevel,
			InputTokens:  result.InputTokens,
			OutputTokens: result.OutputTokens,
			ElapsedMs:    elapsed.Milliseconds(),
		},
	}, nil
}

// confidenceFor approximates a SelfAssessment.confidence from the
// model's reliability score when the provider response carries no
// explicit self-assessment of its own.
func confidenceFor(model *kernel.Model, result providerclient.Result) float64 {
	c := model.Reliability
	if result.Text == "" {
		c *= 0.5
	}
	if c > 1 {
		c = 1
	}
	if c < 0 {
		c = 0
	}
	return c
}

type allowChecker struct{ src BreakerSource }

func (a allowChecker) Allow(provider string) bool { return a.src.Get(provider).Allow() }
