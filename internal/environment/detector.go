// Package environment implements the environment detector (C2): probe
// host signals and pick a backend, caching the result per process.
package environment

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/aegis-vault/pgvault/internal/execrunner"
	"github.com/aegis-vault/pgvault/pkg/config"
	"github.com/aegis-vault/pgvault/pkg/models"
)

// Override forces a specific backend, bypassing probing (spec.md §4.2 rule 1).
type Override string

const (
	OverrideNone      Override = ""
	OverrideContainer Override = "container"
	OverrideCluster   Override = "cluster"
)

// DiscoveryCache is the optional cross-invocation cache internal/cache
// implements over Redis. The in-process cache below always applies
// regardless of whether one is configured.
type DiscoveryCache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration)
}

// Detector decides which backend a target runs under.
type Detector struct {
	cfg      *config.Config
	runner   *execrunner.Runner
	cache    DiscoveryCache
	cacheTTL time.Duration

	mu       sync.Mutex
	cached   models.Backend
	hasCache bool
}

// New creates a Detector. cache may be nil, in which case only the
// in-process per-Detector cache applies.
func New(cfg *config.Config, runner *execrunner.Runner, cache DiscoveryCache) *Detector {
	return &Detector{cfg: cfg, runner: runner, cache: cache, cacheTTL: 5 * time.Minute}
}

// Detect returns the backend to use, following spec.md §4.2's rule order.
// The result is cached per process (and, when a DiscoveryCache is wired,
// across invocations sharing it).
func (d *Detector) Detect(ctx context.Context, override Override) (models.Backend, error) {
	if override != OverrideNone {
		switch override {
		case OverrideContainer:
			return models.BackendContainer, nil
		case OverrideCluster:
			return models.BackendCluster, nil
		default:
			return models.BackendUnknown, fmt.Errorf("environment: unknown override %q", override)
		}
	}

	d.mu.Lock()
	if d.hasCache {
		cached := d.cached
		d.mu.Unlock()
		return cached, nil
	}
	d.mu.Unlock()

	if d.cache != nil {
		if val, ok := d.cache.Get(ctx, "pgvault:detected-backend"); ok {
			backend := models.Backend(val)
			d.store(backend)
			return backend, nil
		}
	}

	backend, err := d.probe(ctx)
	if err != nil {
		return models.BackendUnknown, err
	}

	d.store(backend)
	if d.cache != nil {
		d.cache.Set(ctx, "pgvault:detected-backend", string(backend), d.cacheTTL)
	}
	return backend, nil
}

func (d *Detector) store(backend models.Backend) {
	d.mu.Lock()
	d.cached = backend
	d.hasCache = true
	d.mu.Unlock()
}

// Reset clears the per-process cache, allowing misdetection to be
// recovered from by re-running with an override or after env changes.
func (d *Detector) Reset() {
	d.mu.Lock()
	d.hasCache = false
	d.mu.Unlock()
}

func (d *Detector) probe(ctx context.Context) (models.Backend, error) {
	if os.Getenv(d.cfg.ClusterServiceHostEnv) != "" {
		return models.BackendCluster, nil
	}

	if _, err := os.Stat(d.cfg.ContainerSocketPath); err == nil {
		return models.BackendContainer, nil
	}

	if d.containerEngineResponds(ctx) {
		return models.BackendContainer, nil
	}

	return models.BackendUnknown, nil
}

// containerEngineResponds checks whether the container client is on PATH
// and its "ps" invocation succeeds within 2s, per spec.md §4.2 rule 3.
func (d *Detector) containerEngineResponds(ctx context.Context) bool {
	result, err := d.runner.Run(ctx, execrunner.Spec{
		Name:    d.cfg.ContainerEngineBin,
		Args:    []string{"ps"},
		Timeout: 2 * time.Second,
	})
	return err == nil && result.ExitCode == 0
}
