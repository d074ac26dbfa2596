// Package providerclient adapts the teacher's router.Sender provider
// adapters (anthropic, openai, vllm) to the single ProviderClient
// capability spec.md §4.9/§9 calls for: one `generate(prompt, params) ->
// {text, tokens, usage} | TypedError` operation plus a health check, with
// no inheritance between provider variants.
package providerclient

import (
	"context"
	"errors"
	"time"

	"github.com/conclavehq/conclave/internal/health"
	"github.com/conclavehq/conclave/internal/kernel"
	"github.com/conclavehq/conclave/internal/router"
)

// Params carries the generation parameters forwarded to the provider.
type Params struct {
	MaxTokens   int
	Temperature float64
}

// Result is one successful Generate call's payload.
type Result struct {
	Text         string
	InputTokens  int
	OutputTokens int
	ElapsedMs    int64
}

// HealthStatus is the three-valued health probe result from spec.md §2.
type HealthStatus string

const (
	Healthy  HealthStatus = "healthy"
	Degraded HealthStatus = "degraded"
	Down     HealthStatus = "down"
)

// Client is the ProviderClient capability. One implementation per
// provider; the Executor holds a Client per (Model, underlying adapter)
// pair and never type-switches on provider identity.
type Client interface {
	ProviderID() string
	Generate(ctx context.Context, modelID, prompt string, params Params) (Result, *kernel.ClassifiedError)
	HealthCheck(ctx context.Context) HealthStatus
}

// Adapter wraps a router.Sender (the teacher's per-provider HTTP client)
// and a health.Tracker into the Client capability above.
type Adapter struct {
	sender  router.Sender
	tracker *health.Tracker
	nowFunc func() time.Time
}

// New builds an Adapter. tracker may be nil, in which case HealthCheck
// always reports Healthy and outcomes aren't recorded anywhere.
func New(sender router.Sender, tracker *health.Tracker) *Adapter {
	return &Adapter{sender: sender, tracker: tracker, nowFunc: time.Now}
}

func (a *Adapter) ProviderID() string { return a.sender.ID() }

// Generate sends prompt to modelID via the underlying adapter. Errors are
// classified into the kernel's provider-error taxonomy so the Executor's
// fallback/breaker logic never has to know which provider failed.
func (a *Adapter) Generate(ctx context.Context, modelID, prompt string, params Params) (Result, *kernel.ClassifiedError) {
	req := router.Request{
		Messages: []router.Message{{Role: "user", Content: prompt}},
		Parameters: map[string]any{
			"max_tokens":  params.MaxTokens,
			"temperature": params.Temperature,
		},
	}

	start := a.nowFunc()
	resp, err := a.sender.Send(ctx, modelID, req)
	elapsed := a.nowFunc().Sub(start)

	if err != nil {
		classified := a.classify(ctx, err)
		if a.tracker != nil {
			a.tracker.RecordError(a.sender.ID(), classified.Message)
		}
		return Result{}, classified
	}

	if a.tracker != nil {
		a.tracker.RecordSuccess(a.sender.ID(), float64(elapsed.Milliseconds()))
	}

	text := router.ExtractContent(resp)
	return Result{
		Text:         text,
		InputTokens:  estimateTokens(prompt),
		OutputTokens: estimateTokens(text),
		ElapsedMs:    elapsed.Milliseconds(),
	}, nil
}

// HealthCheck reports the provider's current health.Tracker state,
// mapped onto the three values spec.md §2 defines.
func (a *Adapter) HealthCheck(ctx context.Context) HealthStatus {
	if a.tracker == nil {
		return Healthy
	}
	switch a.tracker.GetStats(a.sender.ID()).State {
	case health.StateHealthy:
		return Healthy
	case health.StateDegraded:
		return Degraded
	default:
		return Down
	}
}

func (a *Adapter) classify(ctx context.Context, err error) *kernel.ClassifiedError {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &kernel.ClassifiedError{Class: kernel.ClassTimeout, Message: "provider call exceeded its mode deadline"}
	}

	ce := a.sender.ClassifyError(err)
	if ce == nil {
		return &kernel.ClassifiedError{Class: kernel.ClassTransport, Message: err.Error()}
	}

	class := kernel.ClassFatal
	switch ce.Class {
	case router.ErrRateLimited:
		class = kernel.ClassRateLimited
	case router.ErrTransient:
		class = kernel.ClassTransport
	case router.ErrContextOverflow:
		class = kernel.ClassServerError
	case router.ErrFatal:
		class = kernel.ClassFatal
	}
	return &kernel.ClassifiedError{
		Class:      class,
		Message:    ce.Error(),
		RetryAfter: float64(ce.RetryAfter),
	}
}

// estimateTokens approximates token count from character length, the
// same chars/4 heuristic router.EstimateTokens uses for request sizing.
func estimateTokens(s string) int {
	n := len(s) / 4
	if n == 0 && len(s) > 0 {
		n = 1
	}
	return n
}
