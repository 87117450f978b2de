package orchestrator

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/aegis-vault/pgvault/internal/execrunner"
	"github.com/aegis-vault/pgvault/internal/target"
	"github.com/aegis-vault/pgvault/pkg/models"
)

type fakeHandler struct {
	id          target.Id
	status      target.Status
	discoverErr error
	dumpBody    string
	execErr     error
}

func (h *fakeHandler) Discover(ctx context.Context) (target.Id, error) {
	return h.id, h.discoverErr
}

func (h *fakeHandler) Status(ctx context.Context, id target.Id) (target.Status, error) {
	if h.status == "" {
		return target.Running, nil
	}
	return h.status, nil
}

func (h *fakeHandler) Exec(ctx context.Context, id target.Id, argv []string, opts target.ExecOptions) (int, error) {
	if h.execErr != nil {
		return 0, h.execErr
	}
	if opts.Stdout != nil {
		body := h.dumpBody
		if body == "" {
			body = "-- PostgreSQL database dump\nCREATE TABLE t();\n"
		}
		io.WriteString(opts.Stdout, body)
	}
	return 0, nil
}

func (h *fakeHandler) Identity(id target.Id) string { return "fake/target" }

func newTestOrchestrator(t *testing.T, h *fakeHandler) *Orchestrator {
	t.Helper()
	o, err := New(t.TempDir(), h, "postgres", "pc_db", time.Minute)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func TestRunBackup_FirstBackupIsFullAndPersistsState(t *testing.T) {
	h := &fakeHandler{}
	o := newTestOrchestrator(t, h)

	outcome, err := o.RunBackup(context.Background(), BackupRequest{
		Name:       "b1",
		Kind:       models.RequestAuto,
		PGPassword: "secret",
	})
	if err != nil {
		t.Fatalf("RunBackup: %v", err)
	}
	if outcome.Kind != models.KindFull {
		t.Fatalf("expected first backup to be full, got %s", outcome.Kind)
	}

	infos, err := o.Store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(infos) != 1 || infos[0].Name != "b1" {
		t.Fatalf("expected one stored artifact named b1, got %+v", infos)
	}
}

func TestRunBackup_TargetNotFoundMapsToCode(t *testing.T) {
	h := &fakeHandler{discoverErr: target.ErrTargetNotFound}
	o := newTestOrchestrator(t, h)

	_, err := o.RunBackup(context.Background(), BackupRequest{Name: "b1", Kind: models.RequestAuto})
	orchErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if orchErr.Code() != CodeTargetUnavailable {
		t.Fatalf("expected CodeTargetUnavailable, got %v", orchErr.Code())
	}
}

func TestRunBackup_InvalidDumpContentFailsValidation(t *testing.T) {
	h := &fakeHandler{dumpBody: "not a dump at all"}
	o := newTestOrchestrator(t, h)

	_, err := o.RunBackup(context.Background(), BackupRequest{Name: "b1", Kind: models.RequestAuto})
	orchErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if orchErr.Code() != CodeValidation {
		t.Fatalf("expected CodeValidation, got %v", orchErr.Code())
	}

	infos, listErr := o.Store.List()
	if listErr != nil {
		t.Fatalf("List: %v", listErr)
	}
	if len(infos) != 0 {
		t.Fatalf("expected the partial payload to be cleaned up, found %+v", infos)
	}
}

func TestRunBackup_DumpTimeoutMapsToTimeoutCode(t *testing.T) {
	h := &fakeHandler{execErr: fmt.Errorf("execrunner: docker exec pg_dump: %w", execrunner.ErrTimeout)}
	o := newTestOrchestrator(t, h)

	_, err := o.RunBackup(context.Background(), BackupRequest{Name: "b1", Kind: models.RequestAuto})
	orchErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if orchErr.Code() != CodeTimeout {
		t.Fatalf("expected CodeTimeout, got %v", orchErr.Code())
	}
}

func TestRunRestore_TimeoutMapsToTimeoutCode(t *testing.T) {
	h := &fakeHandler{}
	o := newTestOrchestrator(t, h)

	if _, err := o.RunBackup(context.Background(), BackupRequest{Name: "b1", Kind: models.RequestFull}); err != nil {
		t.Fatalf("RunBackup: %v", err)
	}

	h.execErr = fmt.Errorf("execrunner: kubectl exec psql: %w", execrunner.ErrTimeout)
	_, err := o.RunRestore(context.Background(), "b1", time.Minute, "secret", true)
	orchErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if orchErr.Code() != CodeTimeout {
		t.Fatalf("expected CodeTimeout, got %v", orchErr.Code())
	}
}

func TestRunBackup_SecondAutoBackupIsIncremental(t *testing.T) {
	h := &fakeHandler{}
	o := newTestOrchestrator(t, h)
	ctx := context.Background()

	if _, err := o.RunBackup(ctx, BackupRequest{Name: "b1", Kind: models.RequestAuto}); err != nil {
		t.Fatalf("first RunBackup: %v", err)
	}
	outcome, err := o.RunBackup(ctx, BackupRequest{Name: "b2", Kind: models.RequestAuto})
	if err != nil {
		t.Fatalf("second RunBackup: %v", err)
	}
	if outcome.Kind != models.KindIncremental {
		t.Fatalf("expected second auto backup to be incremental, got %s", outcome.Kind)
	}
}

func TestRunBackup_WithVersioningStampsSidecar(t *testing.T) {
	h := &fakeHandler{}
	o := newTestOrchestrator(t, h)

	outcome, err := o.RunBackup(context.Background(), BackupRequest{
		Name:          "b1",
		Kind:          models.RequestFull,
		EnableVersion: true,
		Branch:        "main",
	})
	if err != nil {
		t.Fatalf("RunBackup: %v", err)
	}
	if outcome.Version == "" {
		t.Fatal("expected a version string to be assigned")
	}

	sidecar, err := o.Store.ReadSidecar("b1")
	if err != nil || sidecar == nil {
		t.Fatalf("ReadSidecar: %v, %+v", err, sidecar)
	}
	if sidecar.Version != outcome.Version || sidecar.Branch != "main" {
		t.Fatalf("sidecar not stamped with version info: %+v", sidecar)
	}
}

func TestRunRestore_ExplicitNameSucceeds(t *testing.T) {
	h := &fakeHandler{}
	o := newTestOrchestrator(t, h)

	if _, err := o.RunBackup(context.Background(), BackupRequest{Name: "b1", Kind: models.RequestFull}); err != nil {
		t.Fatalf("RunBackup: %v", err)
	}

	outcome, err := o.RunRestore(context.Background(), "b1", time.Minute, "secret", true)
	if err != nil {
		t.Fatalf("RunRestore: %v", err)
	}
	if !outcome.VerifyOK {
		t.Fatalf("expected verify to succeed: %+v", outcome)
	}
}

func TestRunRetention_DryRunReportsWithoutDeleting(t *testing.T) {
	h := &fakeHandler{}
	o := newTestOrchestrator(t, h)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		name := "b" + string(rune('a'+i))
		if _, err := o.RunBackup(ctx, BackupRequest{Name: name, Kind: models.RequestFull}); err != nil {
			t.Fatalf("RunBackup %s: %v", name, err)
		}
	}

	limits := models.RetentionLimits{Daily: 2, Weekly: 2, Monthly: 2, Full: 2}
	decisions, err := o.RunRetention(limits, true)
	if err != nil {
		t.Fatalf("RunRetention: %v", err)
	}

	infosBefore, _ := o.Store.List()
	anyDrop := false
	for _, d := range decisions {
		if !d.Keep {
			anyDrop = true
		}
	}
	if !anyDrop {
		t.Fatal("expected retention to mark at least one artifact for pruning")
	}
	if len(infosBefore) != 10 {
		t.Fatalf("dry run must not delete anything, got %d artifacts", len(infosBefore))
	}
}

func TestRunRollback_TakesSafetyBackupThenRestores(t *testing.T) {
	h := &fakeHandler{}
	o := newTestOrchestrator(t, h)
	ctx := context.Background()

	outcome, err := o.RunBackup(ctx, BackupRequest{
		Name:          "release-1",
		Kind:          models.RequestFull,
		EnableVersion: true,
		Branch:        "main",
	})
	if err != nil {
		t.Fatalf("RunBackup: %v", err)
	}

	entry, err := o.RunRollback(ctx, outcome.Version)
	if err != nil {
		t.Fatalf("RunRollback: %v", err)
	}
	if entry.TargetVersion != outcome.Version {
		t.Fatalf("unexpected rollback entry: %+v", entry)
	}

	infos, err := o.Store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	foundSafety := false
	for _, info := range infos {
		if info.Name == entry.SafetyBackupName {
			foundSafety = true
		}
	}
	if !foundSafety {
		t.Fatalf("expected a safety backup named %q to exist, got %+v", entry.SafetyBackupName, infos)
	}
}
