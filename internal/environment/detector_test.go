package environment

import (
	"context"
	"testing"
	"time"

	"github.com/aegis-vault/pgvault/internal/execrunner"
	"github.com/aegis-vault/pgvault/pkg/config"
	"github.com/aegis-vault/pgvault/pkg/models"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		ClusterServiceHostEnv: "PGVAULT_TEST_CLUSTER_HOST",
		ContainerSocketPath:   "/nonexistent/pgvault-test.sock",
		ContainerEngineBin:    "false", // always exits non-zero
	}
}

func TestDetect_Override(t *testing.T) {
	d := New(testConfig(t), execrunner.New(), nil)
	backend, err := d.Detect(context.Background(), OverrideCluster)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if backend != models.BackendCluster {
		t.Fatalf("expected cluster override to win, got %s", backend)
	}
}

func TestDetect_ClusterServiceHost(t *testing.T) {
	cfg := testConfig(t)
	t.Setenv(cfg.ClusterServiceHostEnv, "10.0.0.1")

	d := New(cfg, execrunner.New(), nil)
	backend, err := d.Detect(context.Background(), OverrideNone)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if backend != models.BackendCluster {
		t.Fatalf("expected cluster, got %s", backend)
	}
}

func TestDetect_Unknown(t *testing.T) {
	cfg := testConfig(t)
	d := New(cfg, execrunner.New(), nil)
	backend, err := d.Detect(context.Background(), OverrideNone)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if backend != models.BackendUnknown {
		t.Fatalf("expected unknown, got %s", backend)
	}
}

func TestDetect_CachedPerProcess(t *testing.T) {
	cfg := testConfig(t)
	t.Setenv(cfg.ClusterServiceHostEnv, "10.0.0.1")

	d := New(cfg, execrunner.New(), nil)
	first, _ := d.Detect(context.Background(), OverrideNone)

	// Even if the signal disappears, the cached decision should stick
	// until Reset is called.
	t.Setenv(cfg.ClusterServiceHostEnv, "")
	second, _ := d.Detect(context.Background(), OverrideNone)
	if first != second {
		t.Fatalf("expected cached decision %s, got %s", first, second)
	}

	d.Reset()
	third, _ := d.Detect(context.Background(), OverrideNone)
	if third != models.BackendUnknown {
		t.Fatalf("expected unknown after reset, got %s", third)
	}
}

type fakeCache struct {
	store map[string]string
}

func (f *fakeCache) Get(ctx context.Context, key string) (string, bool) {
	v, ok := f.store[key]
	return v, ok
}

func (f *fakeCache) Set(ctx context.Context, key, value string, ttl time.Duration) {
	f.store[key] = value
}

func TestDetect_CrossInvocationCache(t *testing.T) {
	cfg := testConfig(t)
	t.Setenv(cfg.ClusterServiceHostEnv, "10.0.0.1")

	cache := &fakeCache{store: map[string]string{}}
	first := New(cfg, execrunner.New(), cache)
	if _, err := first.Detect(context.Background(), OverrideNone); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A fresh Detector sharing the same cache should see the prior
	// decision without re-probing, even once the signal disappears.
	t.Setenv(cfg.ClusterServiceHostEnv, "")
	second := New(cfg, execrunner.New(), cache)
	backend, err := second.Detect(context.Background(), OverrideNone)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if backend != models.BackendCluster {
		t.Fatalf("expected cluster from shared cache, got %s", backend)
	}
}
