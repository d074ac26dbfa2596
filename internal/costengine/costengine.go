// Package costengine implements the CostEngine component: pre-execution
// cost/time estimation keyed on (request length, execution mode), actual
// cost accounting from token usage, and discrepancy reporting between
// the two. Estimates are cached with a short TTL via go-cache, keyed on
// length bucketed to the nearest 10 and mode, per spec.md §4.4.
package costengine

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/conclavehq/conclave/internal/kernel"
)

const estimateTTL = time.Hour

// epsilon guards the discrepancy ratio's denominator against a zero
// estimate, matching spec.md §4.4's ε = 1e-9.
const epsilon = 1e-9

// discrepancyThreshold is the relative-error cutoff above which a
// discrepancy event is emitted.
const discrepancyThreshold = 0.5

var subtaskMultiplier = map[kernel.ExecutionMode]float64{
	kernel.ModeFast:        1.5,
	kernel.ModeBalanced:    3.0,
	kernel.ModeBestQuality: 5.0,
}

var outputMultiplier = map[kernel.ExecutionMode]float64{
	kernel.ModeFast:        1.5,
	kernel.ModeBalanced:    2.0,
	kernel.ModeBestQuality: 3.0,
}

// timePerOutputToken models how much slower, per output token, a richer
// mode's expected model mix runs; strictly increasing with mode rank so
// the time estimate preserves the FAST <= BALANCED <= BEST_QUALITY order
// required by spec.md §8 property 3 even when the pricing mix is flat.
var timePerOutputToken = map[kernel.ExecutionMode]float64{
	kernel.ModeFast:        0.010,
	kernel.ModeBalanced:    0.020,
	kernel.ModeBestQuality: 0.030,
}

// PriceMix is the representative (input, output) unit price and typical
// latency the CostEngine uses to convert token estimates into a dollar
// figure for one mode, per spec.md §4.4's "expected model mix".
type PriceMix struct {
	UnitPriceInput   float64
	UnitPriceOutput  float64
	TypicalLatencyMs int
}

// PriceMixProvider supplies the per-mode representative pricing. The
// default implementation derives it from a ModelSource; tests can inject
// a fixed provider.
type PriceMixProvider interface {
	PriceMixFor(mode kernel.ExecutionMode) PriceMix
}

// ModelSource is the subset of the ProviderRegistry the CostEngine needs:
// the currently available model catalog. Implemented by *registry.Registry.
type ModelSource interface {
	LoadAvailable() []*kernel.Model
}

// registryPriceMix derives FAST/BALANCED/BEST_QUALITY price mixes from a
// ModelSource: cheapest-first for FAST, the mean for BALANCED, and the
// priciest (premium) mix for BEST_QUALITY, exactly as spec.md §4.4
// describes the expected model mix per mode.
type registryPriceMix struct {
	source  ModelSource
	fallback PriceMix
}

func (p *registryPriceMix) PriceMixFor(mode kernel.ExecutionMode) PriceMix {
	models := p.source.LoadAvailable()
	if len(models) == 0 {
		return p.fallback
	}

	cheapest, priciest := models[0], models[0]
	var sumIn, sumOut, sumLatency float64
	for _, m := range models {
		cost := m.UnitPriceInput + m.UnitPriceOutput
		if cost < cheapest.UnitPriceInput+cheapest.UnitPriceOutput {
			cheapest = m
		}
		if cost > priciest.UnitPriceInput+priciest.UnitPriceOutput {
			priciest = m
		}
		sumIn += m.UnitPriceInput
		sumOut += m.UnitPriceOutput
		sumLatency += float64(m.TypicalLatencyMs)
	}
	n := float64(len(models))

	switch mode {
	case kernel.ModeFast:
		return PriceMix{cheapest.UnitPriceInput, cheapest.UnitPriceOutput, cheapest.TypicalLatencyMs}
	case kernel.ModeBestQuality:
		return PriceMix{priciest.UnitPriceInput, priciest.UnitPriceOutput, priciest.TypicalLatencyMs}
	default: // BALANCED
		return PriceMix{sumIn / n, sumOut / n, int(sumLatency / n)}
	}
}

// EstimateResult is the {estimatedCost, estimatedTimeSeconds} pair spec.md
// §4.4 returns per mode, plus the token counts the figure is built from.
type EstimateResult struct {
	EstimatedInputTokens  int
	EstimatedOutputTokens int
	EstimatedCostUSD      float64
	EstimatedTimeSeconds  float64
}

// Estimates bundles the three per-mode estimates the Estimate external
// interface (spec.md §6) returns together.
type Estimates map[kernel.ExecutionMode]EstimateResult

// DiscrepancyEvent records a post-execution actual-vs-estimated mismatch
// beyond the spec.md §4.4 threshold. Never causes a request to fail.
type DiscrepancyEvent struct {
	RequestID string
	Mode      kernel.ExecutionMode
	Estimated float64
	Actual    float64
	Ratio     float64
	Direction string // "over" | "under"
}

// Engine is the CostEngine component.
type Engine struct {
	prices PriceMixProvider
	cache  *gocache.Cache
	logger *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New builds a CostEngine deriving its price mix from source. A built-in
// fallback mix is used when source reports zero available models (e.g.
// before startup loadAvailable has run), so estimates never panic on
// an empty registry.
func New(source ModelSource, opts ...Option) *Engine {
	fallback := PriceMix{UnitPriceInput: 1e-6, UnitPriceOutput: 2e-6, TypicalLatencyMs: 800}
	e := &Engine{
		prices: &registryPriceMix{source: source, fallback: fallback},
		cache:  gocache.New(estimateTTL, 10*time.Minute),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func bucket(length int) int {
	if length < 0 {
		length = 0
	}
	return ((length + 5) / 10) * 10
}

func cacheKey(length int, mode kernel.ExecutionMode) string {
	return fmt.Sprintf("%d:%s", bucket(length), mode)
}

// Estimate computes the {estimatedCost, estimatedTimeSeconds} figure for
// one (requestLength, mode) pair, consulting the ≤1-hour TTL cache first.
func (e *Engine) Estimate(requestLength int, mode kernel.ExecutionMode) EstimateResult {
	key := cacheKey(requestLength, mode)
	if cached, ok := e.cache.Get(key); ok {
		return cached.(EstimateResult)
	}

	inTok := int(math.Ceil(float64(requestLength) * 0.25 * subtaskMultiplier[mode]))
	outTok := int(math.Ceil(float64(requestLength) * 0.25 * outputMultiplier[mode]))

	mix := e.prices.PriceMixFor(mode)
	cost := float64(inTok)*mix.UnitPriceInput + float64(outTok)*mix.UnitPriceOutput
	timeSec := float64(mix.TypicalLatencyMs)/1000.0 + float64(outTok)*timePerOutputToken[mode]

	result := EstimateResult{
		EstimatedInputTokens:  inTok,
		EstimatedOutputTokens: outTok,
		EstimatedCostUSD:      cost,
		EstimatedTimeSeconds:  timeSec,
	}
	e.cache.Set(key, result, gocache.DefaultExpiration)
	return result
}

// EstimateAll returns the Estimate result for every execution mode, the
// shape the external Estimate interface (spec.md §6) returns.
func (e *Engine) EstimateAll(requestLength int) Estimates {
	return Estimates{
		kernel.ModeFast:        e.Estimate(requestLength, kernel.ModeFast),
		kernel.ModeBalanced:    e.Estimate(requestLength, kernel.ModeBalanced),
		kernel.ModeBestQuality: e.Estimate(requestLength, kernel.ModeBestQuality),
	}
}

// ActualCost sums AgentResponse token usage into the explicit
// CostBreakdown record type, grouped by subtask and by model.
func ActualCost(responses []*kernel.AgentResponse, models map[string]*kernel.Model) kernel.CostBreakdown {
	cb := kernel.CostBreakdown{
		BySubtask: make(map[string]float64),
		ByModel:   make(map[string]float64),
	}
	for _, r := range responses {
		if r == nil || !r.Success {
			continue
		}
		m, ok := models[r.ModelID]
		if !ok {
			continue
		}
		cost := m.CostOf(r.Assessment.InputTokens, r.Assessment.OutputTokens)
		cb.TotalCostUSD += cost
		cb.BySubtask[r.SubtaskID] += cost
		cb.ByModel[r.ModelID] += cost
		cb.TotalInputTokens += r.Assessment.InputTokens
		cb.TotalOutputTokens += r.Assessment.OutputTokens
	}
	return cb
}

// Discrepancy compares an actual cost against its estimate. It returns
// nil when the relative error is within spec.md §4.4's 0.5 threshold;
// a discrepancy never fails the request, only logs and reports.
func (e *Engine) Discrepancy(requestID string, mode kernel.ExecutionMode, estimated, actual float64) *DiscrepancyEvent {
	denom := estimated
	if denom < epsilon {
		denom = epsilon
	}
	ratio := math.Abs(actual-estimated) / denom
	if ratio <= discrepancyThreshold {
		return nil
	}

	direction := "over"
	if actual < estimated {
		direction = "under"
	}
	ev := &DiscrepancyEvent{
		RequestID: requestID,
		Mode:      mode,
		Estimated: estimated,
		Actual:    actual,
		Ratio:     ratio,
		Direction: direction,
	}
	if e.logger != nil {
		e.logger.Warn("cost discrepancy",
			slog.String("request_id", requestID),
			slog.String("mode", string(mode)),
			slog.Float64("estimated", estimated),
			slog.Float64("actual", actual),
			slog.Float64("ratio", ratio),
			slog.String("direction", direction),
		)
	}
	return ev
}
