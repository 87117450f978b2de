package config

import (
	"os"
	"strings"
	"testing"
)

func clearPgvaultEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"POSTGRES_USER", "POSTGRES_PASSWORD", "POSTGRES_DB", "BACKUP_DIR",
		"KUBECONFIG", "PGVAULT_CLUSTER_SERVICE_HOST_VAR", "PGVAULT_CONTAINER_ENGINE",
		"PGVAULT_CONTAINER_SOCKET", "PGVAULT_CLUSTER_CLIENT", "PGVAULT_NAMESPACE",
		"PGVAULT_LABEL_SELECTOR", "REDIS_URL", "PGVAULT_DIRECT_DSN", "PGVAULT_STATUS_ADDR",
		"PGVAULT_RETENTION_DAILY", "PGVAULT_RETENTION_WEEKLY", "PGVAULT_RETENTION_MONTHLY",
		"PGVAULT_RETENTION_FULL",
	}
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearPgvaultEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PostgresUser != "postgres" || cfg.PostgresDB != "pc_db" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.RetentionDaily != 7 || cfg.RetentionWeekly != 4 || cfg.RetentionMonthly != 12 || cfg.RetentionFull != 3 {
		t.Fatalf("unexpected retention defaults: %+v", cfg)
	}
	if cfg.ClusterServiceHostEnv != "KUBERNETES_SERVICE_HOST" {
		t.Fatalf("unexpected cluster service host env: %q", cfg.ClusterServiceHostEnv)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearPgvaultEnv(t)
	os.Setenv("POSTGRES_DB", "custom_db")
	os.Setenv("PGVAULT_RETENTION_DAILY", "14")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PostgresDB != "custom_db" {
		t.Fatalf("expected env override, got %q", cfg.PostgresDB)
	}
	if cfg.RetentionDaily != 14 {
		t.Fatalf("expected retention override, got %d", cfg.RetentionDaily)
	}
}

func TestLoad_InvalidRetentionEnvIsError(t *testing.T) {
	clearPgvaultEnv(t)
	os.Setenv("PGVAULT_RETENTION_DAILY", "not-a-number")

	if _, err := Load(); err == nil {
		t.Fatal("expected an error for a non-numeric retention env var")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{PostgresUser: "postgres", PostgresDB: "pc_db", BackupDir: "./backups"}, false},
		{"missing user", Config{PostgresDB: "pc_db", BackupDir: "./backups"}, true},
		{"missing db", Config{PostgresUser: "postgres", BackupDir: "./backups"}, true},
		{"missing dir", Config{PostgresUser: "postgres", PostgresDB: "pc_db"}, true},
		{"negative retention", Config{PostgresUser: "postgres", PostgresDB: "pc_db", BackupDir: "./backups", RetentionDaily: -1}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestMaskedDSN_HidesPassword(t *testing.T) {
	cfg := &Config{PostgresUser: "postgres", PostgresPassword: "supersecret", PostgresDB: "pc_db"}
	masked := cfg.MaskedDSN()
	if masked == "" {
		t.Fatal("expected a non-empty masked DSN")
	}
	if strings.Contains(masked, "supersecret") {
		t.Fatalf("masked DSN leaked the password: %q", masked)
	}
	if !strings.Contains(masked, "****") {
		t.Fatalf("expected masked DSN to contain the mask marker, got %q", masked)
	}
}
