package app

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/conclavehq/conclave/internal/circuitbreaker"
	"github.com/conclavehq/conclave/internal/costengine"
	"github.com/conclavehq/conclave/internal/health"
	"github.com/conclavehq/conclave/internal/kernel"
	"github.com/conclavehq/conclave/internal/orchestrator"
	"github.com/conclavehq/conclave/internal/progress"
	"github.com/conclavehq/conclave/internal/providerclient"
	"github.com/conclavehq/conclave/internal/ratelimit"
	"github.com/conclavehq/conclave/internal/registry"
	"github.com/conclavehq/conclave/internal/router"
	"github.com/conclavehq/conclave/internal/store"
)

// allTaskTypes is substituted for a ModelRecord whose TaskTypes column is
// empty, matching the "eligible for every task type" default the column's
// doc comment in store.ModelRecord describes.
var allTaskTypes = []kernel.TaskType{
	kernel.TaskCodeGeneration,
	kernel.TaskDebugging,
	kernel.TaskReasoning,
	kernel.TaskResearch,
	kernel.TaskFactCheck,
	kernel.TaskVerification,
	kernel.TaskCreative,
}

// kernelComponents bundles the orchestration kernel's collaborators so
// NewServer can wire them in one step and the Server can hold onto the
// pieces handlers and refresh loops need directly.
type kernelComponents struct {
	registry *registry.Registry
	breakers *circuitbreaker.Registry
	bus      *progress.Bus
	cost     *costengine.Engine
	clients  *kernelClientSource
	orch     *orchestrator.Orchestrator

	mu       sync.RWMutex
	inflight map[string]*kernel.Request
}

// Track records req under its ID, overwriting any prior entry for the
// same ID (a running request updated to its terminal state). Satisfies
// httpapi.KernelRequestTracker.
func (k *kernelComponents) Track(req *kernel.Request) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.inflight[req.ID] = req
}

// Get returns the last tracked state of requestID, or nil if unknown.
func (k *kernelComponents) Get(requestID string) *kernel.Request {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.inflight[requestID]
}

// Forget drops requestID once it has been durably persisted and its
// progress mailbox closed, bounding inflight's memory to requests that
// are actually pending or mid-flight.
func (k *kernelComponents) Forget(requestID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.inflight, requestID)
}

// kernelClientSource adapts the teacher's router.Engine provider adapters
// into the orchestrator's ClientSource, caching one providerclient.Adapter
// per provider ID so Generate calls reuse the same health.Tracker wiring.
type kernelClientSource struct {
	mu      sync.Mutex
	engine  *router.Engine
	tracker *health.Tracker
	cache   map[string]*providerclient.Adapter
}

func newKernelClientSource(eng *router.Engine, tracker *health.Tracker) *kernelClientSource {
	return &kernelClientSource{engine: eng, tracker: tracker, cache: make(map[string]*providerclient.Adapter)}
}

func (k *kernelClientSource) ClientFor(providerID string) providerclient.Client {
	k.mu.Lock()
	defer k.mu.Unlock()
	if a, ok := k.cache[providerID]; ok {
		return a
	}
	sender := k.engine.GetAdapter(providerID)
	if sender == nil {
		return nil
	}
	a := providerclient.New(sender, k.tracker)
	k.cache[providerID] = a
	return a
}

// parseTaskTypes splits a ModelRecord.TaskTypes column into the kernel's
// capability set, defaulting to every task type when the column is empty.
func parseTaskTypes(raw string) map[kernel.TaskType]struct{} {
	out := make(map[kernel.TaskType]struct{})
	raw = strings.TrimSpace(raw)
	if raw == "" {
		for _, t := range allTaskTypes {
			out[t] = struct{}{}
		}
		return out
	}
	for _, part := range strings.Split(raw, ",") {
		t := kernel.TaskType(strings.TrimSpace(part))
		if t != "" {
			out[t] = struct{}{}
		}
	}
	return out
}

// reliabilityFor derives a model's kernel reliability score: the
// persisted value when set, otherwise a health.Tracker-derived estimate
// so a never-called provider still gets a sane default weight.
func reliabilityFor(rec store.ModelRecord, tracker *health.Tracker) float64 {
	if rec.Reliability > 0 {
		return rec.Reliability
	}
	if tracker != nil {
		switch tracker.GetStats(rec.ProviderID).State {
		case health.StateHealthy:
			return 0.9
		case health.StateDegraded:
			return 0.6
		default:
			return 0.8 // StateDown; an unseen provider reports StateHealthy and takes 0.9
		}
	}
	return 0.8
}

// buildKernelCatalog reads enabled models from the store and turns each
// into a registry.CatalogEntry backed by the router.Engine's live adapter
// set: an entry is only viable once router.Engine actually has an adapter
// registered for its provider (credentials resolved, adapter constructed).
func buildKernelCatalog(records []store.ModelRecord, eng *router.Engine, tracker *health.Tracker) []registry.CatalogEntry {
	adapterIDs := make(map[string]struct{})
	for _, id := range eng.ListAdapterIDs() {
		adapterIDs[id] = struct{}{}
	}

	catalog := make([]registry.CatalogEntry, 0, len(records))
	for _, rec := range records {
		if !rec.Enabled {
			continue
		}
		providerID := rec.ProviderID
		m := kernel.Model{
			ID:               rec.ID,
			Provider:         providerID,
			SupportedTypes:   parseTaskTypes(rec.TaskTypes),
			UnitPriceInput:   rec.InputPer1K / 1000,
			UnitPriceOutput:  rec.OutputPer1K / 1000,
			TypicalLatencyMs: 1000,
			Reliability:      reliabilityFor(rec, tracker),
			MaxContextTokens: rec.MaxContextTokens,
		}
		if tracker != nil {
			if avg := tracker.GetAvgLatencyMs(providerID); avg > 0 {
				m.TypicalLatencyMs = int(avg)
			}
		}

		catalog = append(catalog, registry.CatalogEntry{
			Model: m,
			CredentialResolved: func(pid string) func() bool {
				return func() bool {
					_, ok := adapterIDs[pid]
					return ok
				}
			}(providerID),
		})
	}
	return catalog
}

// refreshKernelRegistry reloads the registry from the current store state;
// called once at startup and periodically thereafter so newly-added models
// and providers become routable without a restart.
func refreshKernelRegistry(ctx context.Context, reg *registry.Registry, db store.Store, eng *router.Engine, tracker *health.Tracker, logger *slog.Logger) {
	records, err := db.ListModels(ctx)
	if err != nil {
		logger.Warn("kernel registry refresh: failed to list models", slog.String("error", err.Error()))
		return
	}
	catalog := buildKernelCatalog(records, eng, tracker)
	reg.Load(ctx, catalog, registry.DeploymentHybrid)
}

// setupKernel builds the orchestration kernel's Registry, CircuitBreaker
// registry, ProgressBus, CostEngine and Orchestrator, wiring them against
// the already-constructed router.Engine, health.Tracker and RateLimiter
// the rest of the server uses. Distinct from the Temporal-only breaker in
// NewServer: this one gates per-provider dispatch inside the kernel
// Executor, the Temporal one gates workflow submission.
func setupKernel(db store.Store, eng *router.Engine, tracker *health.Tracker, limiter *ratelimit.Limiter, logger *slog.Logger) *kernelComponents {
	reg := registry.New()
	refreshKernelRegistry(context.Background(), reg, db, eng, tracker, logger)

	breakers := circuitbreaker.NewRegistry(
		circuitbreaker.WithThreshold(5),
		circuitbreaker.WithCooldown(20*time.Second),
	)
	breakers.OnStateChange(func(provider string, from, to circuitbreaker.State) {
		logger.Warn("provider circuit breaker state change",
			slog.String("provider", provider),
			slog.String("from", from.String()),
			slog.String("to", to.String()),
		)
	})

	bus := progress.New()
	cost := costengine.New(reg, costengine.WithLogger(logger))
	clients := newKernelClientSource(eng, tracker)

	orch := orchestrator.New(orchestrator.Deps{
		Registry:    reg,
		Breakers:    orchestrator.BreakerRegistryAdapter{Reg: breakers},
		BreakerGate: breakers,
		Clients:     clients,
		Limiter:     limiter,
		Bus:         bus,
		Cost:        cost,
		Logger:      logger,
	})

	return &kernelComponents{
		registry: reg,
		breakers: breakers,
		bus:      bus,
		cost:     cost,
		clients:  clients,
		orch:     orch,
		inflight: make(map[string]*kernel.Request),
	}
}

// kernelRegistryRefreshLoop periodically reloads the kernel registry so
// admin-driven model/provider changes propagate without a restart. Runs
// every 2 minutes, more often than the pricingRefreshLoop.
func (s *Server) kernelRegistryRefreshLoop() {
	ticker := time.NewTicker(2 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			refreshKernelRegistry(context.Background(), s.kernel.registry, s.store, s.engine, s.health, s.logger)
		case <-s.stopKernelRefresh:
			return
		}
	}
}
