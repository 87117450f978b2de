// Package config handles orchestrator configuration loading from
// environment variables, following the same POSTGRES_*-prefixed pattern
// the rest of Open Cloud Ops uses, with PGVAULT_* for orchestrator-only
// settings.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for the backup/restore orchestrator.
type Config struct {
	// PostgresUser is the role pg_dump/psql authenticate as inside the target.
	PostgresUser string
	// PostgresPassword is passed to the target via PGPASSWORD, never logged.
	PostgresPassword string
	// PostgresDB is the database name to dump/restore.
	PostgresDB string

	// BackupDir is the host directory artifacts and sidecars are written under.
	BackupDir string

	// KubeConfigPath is forwarded to the cluster client as KUBECONFIG.
	KubeConfigPath string

	// ClusterServiceHostEnv is the environment variable the detector checks
	// for cluster-API service-host presence (spec.md §4.2 rule 2).
	ClusterServiceHostEnv string

	// ContainerEngineBin is the container client executable name (e.g. "docker").
	ContainerEngineBin string
	// ContainerSocketPath is the conventional UNIX socket path probed for
	// container-engine presence.
	ContainerSocketPath string

	// ClusterClientBin is the cluster client executable name (e.g. "kubectl").
	ClusterClientBin string
	// ClusterNamespace is the default namespace searched for a pod.
	ClusterNamespace string
	// ClusterLabelSelector is the default pod label selector.
	ClusterLabelSelector string

	// RetentionDefaults are the per-bucket counts applied when the CLI
	// doesn't override them (spec.md §4.6).
	RetentionDaily   int
	RetentionWeekly  int
	RetentionMonthly int
	RetentionFull    int

	// DumpTimeout/RestoreTimeout/StatusTimeout/VerifyTimeout are the
	// deadlines spec.md §5 assigns to each kind of exec call.
	DumpTimeout    time.Duration
	RestoreTimeout time.Duration
	StatusTimeout  time.Duration
	VerifyTimeout  time.Duration

	// RedisURL, when set, enables the optional cross-invocation discovery
	// cache in internal/cache.
	RedisURL string

	// DirectDSN, when set, enables the optional supplementary pgx-based
	// deep verification in internal/verify.
	DirectDSN string

	// StatusAddr, when set, starts the optional status HTTP server.
	StatusAddr string
}

// Load reads configuration from environment variables and returns a Config
// populated with spec.md §6's documented defaults.
func Load() (*Config, error) {
	cfg := &Config{
		PostgresUser:          getEnvOrDefault("POSTGRES_USER", "postgres"),
		PostgresPassword:      getEnvOrDefault("POSTGRES_PASSWORD", "12345"),
		PostgresDB:            getEnvOrDefault("POSTGRES_DB", "pc_db"),
		BackupDir:             getEnvOrDefault("BACKUP_DIR", "./backups"),
		KubeConfigPath:        os.Getenv("KUBECONFIG"),
		ClusterServiceHostEnv: getEnvOrDefault("PGVAULT_CLUSTER_SERVICE_HOST_VAR", "KUBERNETES_SERVICE_HOST"),
		ContainerEngineBin:    getEnvOrDefault("PGVAULT_CONTAINER_ENGINE", "docker"),
		ContainerSocketPath:   getEnvOrDefault("PGVAULT_CONTAINER_SOCKET", "/var/run/docker.sock"),
		ClusterClientBin:      getEnvOrDefault("PGVAULT_CLUSTER_CLIENT", "kubectl"),
		ClusterNamespace:      getEnvOrDefault("PGVAULT_NAMESPACE", "default"),
		ClusterLabelSelector:  getEnvOrDefault("PGVAULT_LABEL_SELECTOR", "app=postgres"),
		RedisURL:              os.Getenv("REDIS_URL"),
		DirectDSN:             os.Getenv("PGVAULT_DIRECT_DSN"),
		StatusAddr:            os.Getenv("PGVAULT_STATUS_ADDR"),
	}

	var err error
	if cfg.RetentionDaily, err = getEnvIntOrDefault("PGVAULT_RETENTION_DAILY", 7); err != nil {
		return nil, err
	}
	if cfg.RetentionWeekly, err = getEnvIntOrDefault("PGVAULT_RETENTION_WEEKLY", 4); err != nil {
		return nil, err
	}
	if cfg.RetentionMonthly, err = getEnvIntOrDefault("PGVAULT_RETENTION_MONTHLY", 12); err != nil {
		return nil, err
	}
	if cfg.RetentionFull, err = getEnvIntOrDefault("PGVAULT_RETENTION_FULL", 3); err != nil {
		return nil, err
	}

	cfg.DumpTimeout = 30 * time.Minute
	cfg.RestoreTimeout = 60 * time.Minute
	cfg.StatusTimeout = 2 * time.Second
	cfg.VerifyTimeout = 10 * time.Second

	return cfg, nil
}

// Validate checks that all required configuration fields are set and valid.
func (c *Config) Validate() error {
	if c.PostgresUser == "" {
		return fmt.Errorf("config: POSTGRES_USER is required")
	}
	if c.PostgresDB == "" {
		return fmt.Errorf("config: POSTGRES_DB is required")
	}
	if c.BackupDir == "" {
		return fmt.Errorf("config: BACKUP_DIR is required")
	}
	if c.RetentionDaily < 0 || c.RetentionWeekly < 0 || c.RetentionMonthly < 0 || c.RetentionFull < 0 {
		return fmt.Errorf("config: retention limits must not be negative")
	}
	return nil
}

// MaskedDSN returns a connection-string-like summary of the target
// credentials with the password redacted, safe for verbose logging.
func (c *Config) MaskedDSN() string {
	u := &url.URL{
		Scheme: "postgres",
		User:   url.User(c.PostgresUser),
		Host:   "target",
		Path:   "/" + c.PostgresDB,
	}
	masked := u.String()
	if c.PostgresPassword != "" {
		masked = strings.Replace(masked, c.PostgresUser+"@", c.PostgresUser+":****@", 1)
	}
	return masked
}

func getEnvOrDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s value %q: %w", key, val, err)
	}
	return n, nil
}
