// Package orchestrator implements the Analysis -> Decomposer -> Router ->
// Executor -> Arbiter -> Synthesizer pipeline from spec.md §4.1, wiring
// the ProviderRegistry, CircuitBreaker registry, CostEngine, RateLimiter
// and ProgressBus components together behind one Process call.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/conclavehq/conclave/internal/circuitbreaker"
	"github.com/conclavehq/conclave/internal/costengine"
	"github.com/conclavehq/conclave/internal/kernel"
	"github.com/conclavehq/conclave/internal/progress"
	"github.com/conclavehq/conclave/internal/ratelimit"
)

const (
	minPromptLen = 1
	maxPromptLen = 5000
)

// ModelRegistry is the subset of registry.Registry the Orchestrator needs.
type ModelRegistry interface {
	ByTaskType(t kernel.TaskType) []*kernel.Model
	Get(id string) (*kernel.Model, error)
	Empty() bool
}

// Orchestrator wires every pipeline stage and component together.
type Orchestrator struct {
	registry ModelRegistry
	breakers BreakerSource
	breakerGate BreakerGate
	limiter  *ratelimit.Limiter
	bus      *progress.Bus
	cost     *costengine.Engine
	executor *Executor
	logger   *slog.Logger
	nowFunc  func() time.Time
}

// Deps bundles the Orchestrator's collaborators. BreakerSource and
// BreakerGate are typically the same *circuitbreaker.Registry wired
// twice (it happens to satisfy both small interfaces).
type Deps struct {
	Registry    ModelRegistry
	Breakers    BreakerSource
	BreakerGate BreakerGate
	Clients     ClientSource
	Limiter     *ratelimit.Limiter
	Bus         *progress.Bus
	Cost        *costengine.Engine
	Logger      *slog.Logger
}

// BreakerRegistryAdapter wraps a *circuitbreaker.Registry so it satisfies
// BreakerSource: circuitbreaker.Registry.Get returns a concrete *Breaker,
// one level more specific than the Breaker interface this package deals
// in.
type BreakerRegistryAdapter struct{ Reg *circuitbreaker.Registry }

func (a BreakerRegistryAdapter) Get(provider string) Breaker { return a.Reg.Get(provider) }

func New(d Deps) *Orchestrator {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		registry:    d.Registry,
		breakers:    d.Breakers,
		breakerGate: d.BreakerGate,
		limiter:     d.Limiter,
		bus:         d.Bus,
		cost:        d.Cost,
		executor:    NewExecutor(d.Breakers, d.Clients),
		logger:      logger,
		nowFunc:     time.Now,
	}
}

// Process runs one request through the full pipeline and returns the
// populated kernel.Request, including its FinalResponse on success. The
// returned error is always a *kernel.KernelError when non-nil.
func (o *Orchestrator) Process(ctx context.Context, principal, role, rawPrompt string, mode kernel.ExecutionMode) (*kernel.Request, error) {
	return o.ProcessWithID(ctx, uuid.NewString(), principal, role, rawPrompt, mode)
}

// ProcessWithID runs Process against a caller-supplied request ID instead
// of generating one, so an async HTTP submission can hand the ID back to
// its client before the pipeline finishes running.
func (o *Orchestrator) ProcessWithID(ctx context.Context, id, principal, role, rawPrompt string, mode kernel.ExecutionMode) (*kernel.Request, error) {
	req := &kernel.Request{
		ID:        id,
		Principal: principal,
		Role:      role,
		RawPrompt: rawPrompt,
		Mode:      mode,
		Status:    kernel.StatusPending,
		CreatedAt: o.nowFunc(),
	}

	if len(rawPrompt) < minPromptLen || len(rawPrompt) > maxPromptLen || !mode.Valid() {
		req.Status = kernel.StatusFailed
		req.Err = kernel.ErrInvalidInput
		return req, kernel.ErrInvalidInput
	}

	if o.limiter != nil {
		if allowed, retryAfter := o.limiter.Allow(principal, role); !allowed {
			req.Status = kernel.StatusFailed
			err := kernel.ErrRateLimited(retryAfter)
			req.Err = err
			return req, err
		}
	}

	if o.registry != nil && o.registry.Empty() {
		req.Status = kernel.StatusFailed
		req.Err = kernel.ErrNoProviders
		o.emit(req.ID, kernel.KindError, errorPayload(kernel.ErrNoProviders))
		return req, kernel.ErrNoProviders
	}

	req.Status = kernel.StatusRunning
	o.emit(req.ID, kernel.KindConnectionEstablished, nil)

	result, err := o.run(ctx, req)
	now := o.nowFunc()
	req.CompletedAt = &now
	if err != nil {
		req.Status = kernel.StatusFailed
		req.Err = err
		o.emit(req.ID, kindForErr(err), errorPayload(err))
		return req, err
	}

	req.FinalResponse = result
	req.Status = kernel.StatusSucceeded
	o.emit(req.ID, kernel.KindFinalResponse, result)
	return req, nil
}

func (o *Orchestrator) run(ctx context.Context, req *kernel.Request) (*kernel.FinalResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, kernel.NewCancelledError("Cancelled", "request cancelled before processing started")
	}

	o.emit(req.ID, kernel.KindAnalysisStarted, nil)
	analysis := Analyze(req.RawPrompt)
	req.Analysis = &analysis
	o.emit(req.ID, kernel.KindAnalysisComplete, analysis)

	var subtasks []*kernel.Subtask
	if analysis.Complexity.Bypasses() {
		subtasks = []*kernel.Subtask{{
			ID:                  uuid.NewString(),
			RequestID:           req.ID,
			Content:             req.RawPrompt,
			TaskType:            classifyTaskType(req.RawPrompt),
			Priority:            0,
			RiskLevel:           kernel.RiskLow,
			AccuracyRequirement: 0.6,
			Status:              kernel.SubtaskPending,
		}}
	} else {
		subtasks = Decompose(req)
	}
	req.Subtasks = subtasks
	o.emit(req.ID, kernel.KindDecompositionComplete, subtasks)

	if o.cost != nil {
		o.cost.Estimate(len(req.RawPrompt), req.Mode)
	}

	assignments, err := o.route(req, subtasks)
	if err != nil {
		return nil, err
	}
	o.emit(req.ID, kernel.KindRoutingComplete, req.SelectionLog)

	if err := ctx.Err(); err != nil {
		return nil, kernel.NewCancelledError("Cancelled", "request cancelled during routing")
	}

	outcomes := o.executor.Run(ctx, req.Mode, assignments, func(outcome ExecutionOutcome) {
		o.emit(req.ID, kernel.KindExecutionProgress, executionProgressPayload(outcome))
	})
	_ = outcomes

	decisions := ArbitrateAll(subtasks, o.modelLookup)
	for _, d := range decisions {
		if d.Kind == "inconclusive" {
			o.emit(req.ID, kernel.KindArbitrationDecision, d)
		}
	}

	if len(decisions) == 0 {
		return nil, kernel.ErrOrchestrationFailed
	}

	o.emit(req.ID, kernel.KindSynthesisStarted, nil)
	final := Synthesize(req, decisions)

	if o.cost != nil {
		estimate := o.cost.Estimate(len(req.RawPrompt), req.Mode)
		if dq := o.cost.Discrepancy(req.ID, req.Mode, estimate.EstimatedCostUSD, final.Cost.TotalCostUSD); dq != nil {
			o.logger.Warn("cost discrepancy", "request_id", req.ID, "ratio", dq.Ratio, "direction", dq.Direction)
		}
	}

	return final, nil
}

// route builds a candidate set and Selects a winning model for every
// subtask, accumulating req.SelectionLog and failing the whole request
// only when a subtask has zero available candidates (ErrNoRoute).
func (o *Orchestrator) route(req *kernel.Request, subtasks []*kernel.Subtask) ([]Assignment, error) {
	assignments := make([]Assignment, 0, len(subtasks))
	for _, st := range subtasks {
		pool := o.registry.ByTaskType(st.TaskType)
		candidates := CandidateSet(pool, o.breakerGate, "")
		candidates = FilterByAccuracy(candidates, st.AccuracyRequirement)

		winner, ranked, err := Select(candidates, req.Mode)
		if err != nil {
			return nil, kernel.ErrNoRoute(st.ID)
		}

		remaining := make([]*kernel.Model, 0, len(ranked)-1)
		for _, c := range ranked {
			if c.Model.ID != winner.Model.ID {
				remaining = append(remaining, c.Model)
			}
		}

		alternatives := make([]string, 0, len(ranked))
		for _, c := range ranked {
			if c.Model.ID != winner.Model.ID {
				alternatives = append(alternatives, c.Model.ID)
			}
			if len(alternatives) >= 3 {
				break
			}
		}

		req.SelectionLog = append(req.SelectionLog, kernel.ProviderSelectionEntry{
			SubtaskID:    st.ID,
			ModelID:      winner.Model.ID,
			Reason:       "highest weighted score",
			Alternatives: alternatives,
			CostScore:    winner.CostScore,
			LatencyScore: winner.LatencyScore,
			Reliability:  winner.ReliabilityScore,
		})

		assignments = append(assignments, Assignment{Subtask: st, Model: winner.Model, Remaining: remaining})
	}
	return assignments, nil
}

func (o *Orchestrator) modelLookup(modelID string) (*kernel.Model, bool) {
	m, err := o.registry.Get(modelID)
	if err != nil {
		return nil, false
	}
	return m, true
}

func (o *Orchestrator) emit(requestID string, kind kernel.ProgressKind, payload any) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(requestID, kind, payload)
}

func kindForErr(err error) kernel.ProgressKind {
	if kerr, ok := err.(*kernel.KernelError); ok && kerr.Kind == kernel.KindCancel {
		return kernel.KindCancelled
	}
	return kernel.KindError
}

func errorPayload(err error) map[string]any {
	if kerr, ok := err.(*kernel.KernelError); ok {
		return map[string]any{"code": kerr.Code, "message": kerr.Message, "retryable": kerr.Retryable}
	}
	return map[string]any{"message": err.Error()}
}

func executionProgressPayload(o ExecutionOutcome) map[string]any {
	payload := map[string]any{
		"subtask_id":    o.Subtask.ID,
		"status":        string(o.Subtask.Status),
		"used_fallback": o.UsedFallback,
	}
	if o.PrimaryModelID != "" {
		payload["primary_model_id"] = o.PrimaryModelID
	}
	if o.FallbackModel != "" {
		payload["fallback_model_id"] = o.FallbackModel
	}
	if o.FallbackReason != "" {
		payload["fallback_reason"] = o.FallbackReason
	}
	if o.Err != nil {
		payload["error"] = o.Err.Error()
	}
	return payload
}
