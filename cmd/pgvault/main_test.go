package main

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/aegis-vault/pgvault/internal/orchestrator"
	"github.com/aegis-vault/pgvault/internal/target"
	"github.com/aegis-vault/pgvault/pkg/config"
	"github.com/aegis-vault/pgvault/pkg/models"
)

// fakeHandler is a minimal target.Handler for exercising orchestrator-level
// CLI plumbing without a real container engine or cluster client.
type fakeHandler struct{}

func (fakeHandler) Discover(ctx context.Context) (target.Id, error) { return target.Id{}, nil }
func (fakeHandler) Status(ctx context.Context, id target.Id) (target.Status, error) {
	return target.Running, nil
}
func (fakeHandler) Exec(ctx context.Context, id target.Id, argv []string, opts target.ExecOptions) (int, error) {
	if opts.Stdout != nil {
		io.WriteString(opts.Stdout, "-- PostgreSQL database dump\nCREATE TABLE t();\n")
	}
	return 0, nil
}
func (fakeHandler) Identity(id target.Id) string { return "fake/target" }

func TestBackupRequestKind(t *testing.T) {
	cases := []struct {
		name string
		f    flagSet
		want models.BackupRequest
	}{
		{"default auto", flagSet{backupKind: "auto"}, models.RequestAuto},
		{"explicit full", flagSet{backupKind: "full"}, models.RequestFull},
		{"explicit incremental", flagSet{backupKind: "incremental"}, models.RequestIncremental},
		{"force-full overrides backup-type", flagSet{backupKind: "incremental", forceFull: true}, models.RequestFull},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := backupRequestKind(&tc.f); got != tc.want {
				t.Fatalf("backupRequestKind() = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestApplyFlagOverrides(t *testing.T) {
	cfg := &config.Config{
		BackupDir:        "./default-dir",
		ClusterNamespace: "default",
		RetentionDaily:   7,
	}
	f := &flagSet{
		dir:            "/custom/dir",
		namespace:      "custom-ns",
		retentionDaily: 3,
	}
	applyFlagOverrides(cfg, f)

	if cfg.BackupDir != "/custom/dir" {
		t.Fatalf("expected --dir to override BackupDir, got %q", cfg.BackupDir)
	}
	if cfg.ClusterNamespace != "custom-ns" {
		t.Fatalf("expected --namespace to override ClusterNamespace, got %q", cfg.ClusterNamespace)
	}
	if cfg.RetentionDaily != 3 {
		t.Fatalf("expected --retention-daily to override RetentionDaily, got %d", cfg.RetentionDaily)
	}
}

func TestApplyFlagOverrides_UnsetFlagsLeaveDefaults(t *testing.T) {
	cfg := &config.Config{BackupDir: "./default-dir", RetentionWeekly: 4}
	f := &flagSet{retentionDaily: -1, retentionWeekly: -1, retentionMonthly: -1, retentionFull: -1}
	applyFlagOverrides(cfg, f)

	if cfg.BackupDir != "./default-dir" {
		t.Fatalf("expected BackupDir to remain unchanged, got %q", cfg.BackupDir)
	}
	if cfg.RetentionWeekly != 4 {
		t.Fatalf("expected RetentionWeekly to remain unchanged, got %d", cfg.RetentionWeekly)
	}
}

func newTestOrchestrator(t *testing.T) *orchestrator.Orchestrator {
	t.Helper()
	o, err := orchestrator.New(t.TempDir(), fakeHandler{}, "postgres", "pc_db", time.Minute)
	if err != nil {
		t.Fatalf("orchestrator.New: %v", err)
	}
	return o
}

func TestCreateTag_TagsAnOlderVersionByName(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	first, err := o.RunBackup(ctx, orchestrator.BackupRequest{Name: "b1", Kind: models.RequestFull, EnableVersion: true, Branch: "main"})
	if err != nil {
		t.Fatalf("first RunBackup: %v", err)
	}
	if _, err := o.RunBackup(ctx, orchestrator.BackupRequest{Name: "b2", Kind: models.RequestFull, EnableVersion: true, Branch: "main"}); err != nil {
		t.Fatalf("second RunBackup: %v", err)
	}

	// first.Version is no longer the newest version on the branch; --create-tag
	// must still be able to reach it by name instead of only ever tagging head.
	if err := createTag(o, first.Version, "release-candidate", ""); err != nil {
		t.Fatalf("createTag: %v", err)
	}

	tags := o.Ledger.ListTags()
	versions, ok := tags["release-candidate"]
	if !ok || len(versions) != 1 || versions[0] != first.Version {
		t.Fatalf("expected release-candidate to tag %s, got %+v", first.Version, tags)
	}
}

func TestCreateTag_UnknownVersionIsError(t *testing.T) {
	o := newTestOrchestrator(t)
	if err := createTag(o, "v9.9.9", "bogus", ""); err == nil {
		t.Fatal("expected an error for an unknown version")
	}
}

func TestRunCleanupVersions_UsesOperatorSuppliedKeepCount(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		name := "b" + string(rune('a'+i))
		if _, err := o.RunBackup(ctx, orchestrator.BackupRequest{Name: name, Kind: models.RequestFull, EnableVersion: true, Branch: "main"}); err != nil {
			t.Fatalf("RunBackup %s: %v", name, err)
		}
	}

	f := &flagSet{cleanupVersions: 2, cleanupDryRun: true}
	if err := runCleanupVersions(o, f); err != nil {
		t.Fatalf("runCleanupVersions: %v", err)
	}

	f.cleanupVersions = 1
	if err := runCleanupVersions(o, f); err != nil {
		t.Fatalf("runCleanupVersions: %v", err)
	}
}
