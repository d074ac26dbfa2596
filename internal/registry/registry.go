// Package registry implements the ProviderRegistry component: a catalog
// of Model records filtered by credential resolution and health-probe
// reachability. The catalog changes only when Load runs, which replaces
// it wholesale; callers that need live availability (breaker state)
// combine Registry output with the circuitbreaker Registry themselves.
package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/conclavehq/conclave/internal/kernel"
)

// DeploymentMode filters which catalog entries Load considers,
// mirroring spec.md §6's LOCAL/CLOUD/HYBRID environment switch.
type DeploymentMode string

const (
	DeploymentLocal  DeploymentMode = "LOCAL"
	DeploymentCloud  DeploymentMode = "CLOUD"
	DeploymentHybrid DeploymentMode = "HYBRID"
)

// CatalogEntry is one statically-configured candidate model, before
// availability has been resolved.
type CatalogEntry struct {
	Model kernel.Model
	// Local reports whether this entry targets a locally-hosted endpoint
	// (e.g. vLLM); Cloud entries hit a hosted provider API.
	Local bool
	// CredentialResolved is injected per-entry so tests don't need real
	// environment variables; production wiring sets it from os.LookupEnv.
	CredentialResolved func() bool
	// HealthCheck probes reachability; production wiring delegates to the
	// provider's ProviderClient.HealthCheck. Returns true when the probe
	// should be treated as passing.
	HealthCheck func(ctx context.Context) bool
}

// Registry is the loaded catalog. Safe for concurrent use; Load swaps in
// a new catalog under the lock.
type Registry struct {
	mu        sync.RWMutex
	available map[string]*kernel.Model
	byType    map[kernel.TaskType][]*kernel.Model
}

// New returns an empty Registry. Call Load before any other method.
func New() *Registry {
	return &Registry{
		available: make(map[string]*kernel.Model),
		byType:    make(map[kernel.TaskType][]*kernel.Model),
	}
}

// Load resolves availability for every catalog entry matching mode and
// populates the registry. Entries whose credentials don't resolve or
// whose health check fails are dropped. Safe to call again to refresh
// the catalog (e.g. after a config reload); slices already returned by
// LoadAvailable or ByTaskType are unaffected.
func (r *Registry) Load(ctx context.Context, catalog []CatalogEntry, mode DeploymentMode) {
	available := make(map[string]*kernel.Model)
	byType := make(map[kernel.TaskType][]*kernel.Model)

	for _, entry := range catalog {
		if !deploymentMatches(mode, entry.Local) {
			continue
		}
		if entry.CredentialResolved != nil && !entry.CredentialResolved() {
			continue
		}
		if entry.HealthCheck != nil && !entry.HealthCheck(ctx) {
			continue
		}
		m := entry.Model
		available[m.ID] = &m
		for t := range m.SupportedTypes {
			byType[t] = append(byType[t], &m)
		}
	}

	for t := range byType {
		sort.Slice(byType[t], func(i, j int) bool { return byType[t][i].ID < byType[t][j].ID })
	}

	r.mu.Lock()
	r.available = available
	r.byType = byType
	r.mu.Unlock()
}

func deploymentMatches(mode DeploymentMode, local bool) bool {
	switch mode {
	case DeploymentLocal:
		return local
	case DeploymentCloud:
		return !local
	default: // HYBRID and the zero value admit everything
		return true
	}
}

// LoadAvailable returns every model currently loaded, sorted by ID.
func (r *Registry) LoadAvailable() []*kernel.Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*kernel.Model, 0, len(r.available))
	for _, m := range r.available {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ByTaskType returns every available model supporting t, sorted by ID.
func (r *Registry) ByTaskType(t kernel.TaskType) []*kernel.Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src := r.byType[t]
	out := make([]*kernel.Model, len(src))
	copy(out, src)
	return out
}

// Get returns the model for id, or kernel's NotFound routing error.
func (r *Registry) Get(id string) (*kernel.Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.available[id]; ok {
		return m, nil
	}
	return nil, kernel.NewRoutingError("NotFound", "no such model: "+id)
}

// Empty reports whether the registry has zero available models, the
// condition the Orchestrator checks to fail fast with NoProviders.
func (r *Registry) Empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.available) == 0
}
