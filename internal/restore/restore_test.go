package restore

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/aegis-vault/pgvault/internal/store"
	"github.com/aegis-vault/pgvault/internal/target"
	"github.com/aegis-vault/pgvault/pkg/models"
)

type fakeHandler struct {
	execCalls  int
	lastArgv   []string
	failExec   bool
	failVerify bool
}

func (h *fakeHandler) Discover(ctx context.Context) (target.Id, error) { return target.Id{}, nil }

func (h *fakeHandler) Status(ctx context.Context, id target.Id) (target.Status, error) {
	return target.Running, nil
}

func (h *fakeHandler) Exec(ctx context.Context, id target.Id, argv []string, opts target.ExecOptions) (int, error) {
	h.execCalls++
	h.lastArgv = argv
	// second Exec call in Execute() is always the verify probe
	if h.execCalls == 1 && h.failExec {
		return 1, assertErr("exec failed")
	}
	if h.execCalls == 2 && h.failVerify {
		return 1, nil
	}
	return 0, nil
}

func (h *fakeHandler) Identity(id target.Id) string { return "fake" }

type assertErr string

func (e assertErr) Error() string { return string(e) }

func newTestPipeline(t *testing.T) (*Pipeline, *store.Store, *fakeHandler) {
	t.Helper()
	s, err := store.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	h := &fakeHandler{}
	p := New(s, h, "postgres", "pc_db")
	return p, s, h
}

func seedArtifact(t *testing.T, s *store.Store, name string, createdAt time.Time) {
	t.Helper()
	if err := os.WriteFile(s.PayloadPath(name), []byte("-- PostgreSQL database dump\nCREATE TABLE t();\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteSidecar(name, models.Sidecar{Name: name, Kind: models.KindFull, CreatedAt: createdAt, SourceTarget: "container/pg-dev"}); err != nil {
		t.Fatal(err)
	}
}

func TestResolveExplicit_RejectsInvalidArtifact(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	_, err := p.ResolveExplicit("missing")
	if err == nil {
		t.Fatal("expected error for missing artifact")
	}
}

func TestResolveExplicit_Succeeds(t *testing.T) {
	p, s, _ := newTestPipeline(t)
	seedArtifact(t, s, "b1", time.Now())

	summary, err := p.ResolveExplicit("b1")
	if err != nil {
		t.Fatalf("ResolveExplicit: %v", err)
	}
	if summary.Name != "b1" || summary.Kind != models.KindFull {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestResolveInteractive_CancelOnZero(t *testing.T) {
	p, s, _ := newTestPipeline(t)
	seedArtifact(t, s, "b1", time.Now())
	p.PromptIn = strings.NewReader("0\n")
	p.PromptOut = &bytes.Buffer{}

	_, err := p.ResolveInteractive(context.Background())
	if err != ErrCancelled {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}

func TestResolveInteractive_SelectsByNumber(t *testing.T) {
	p, s, _ := newTestPipeline(t)
	seedArtifact(t, s, "older", time.Now().Add(-time.Hour))
	seedArtifact(t, s, "newer", time.Now())
	p.PromptIn = strings.NewReader("2\n")
	p.PromptOut = &bytes.Buffer{}

	summary, err := p.ResolveInteractive(context.Background())
	if err != nil {
		t.Fatalf("ResolveInteractive: %v", err)
	}
	// newest-first listing: 1) newer 2) older
	if summary.Name != "older" {
		t.Fatalf("expected selection 2 to be 'older', got %q", summary.Name)
	}
}

func TestConfirm_DeniedOnNonAffirmative(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	p.PromptIn = strings.NewReader("n\n")
	p.PromptOut = &bytes.Buffer{}

	err := p.Confirm(Summary{Name: "b1"}, false)
	if err != ErrConfirmationDenied {
		t.Fatalf("expected ErrConfirmationDenied, got %v", err)
	}
}

func TestConfirm_AcceptsYes(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	p.PromptIn = strings.NewReader("yes\n")
	p.PromptOut = &bytes.Buffer{}

	if err := p.Confirm(Summary{Name: "b1"}, false); err != nil {
		t.Fatalf("expected confirmation to succeed: %v", err)
	}
}

func TestConfirm_AssumeYesSkipsPrompt(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	p.PromptOut = &bytes.Buffer{}

	if err := p.Confirm(Summary{Name: "b1"}, true); err != nil {
		t.Fatalf("expected assumeYes to bypass prompt: %v", err)
	}
}

func TestExecute_ReportsVerifyFailureWithoutError(t *testing.T) {
	p, s, h := newTestPipeline(t)
	seedArtifact(t, s, "b1", time.Now())
	h.failVerify = true

	outcome, err := p.Execute(context.Background(), target.Id{ContainerName: "pg-dev"}, "b1", time.Minute, "secret")
	if err != nil {
		t.Fatalf("unexpected top-level error: %v", err)
	}
	if outcome.VerifyOK {
		t.Fatal("expected verify to be reported as failed")
	}
	if outcome.VerifyError == nil {
		t.Fatal("expected a verify error to be attached")
	}
}

func TestExecute_Succeeds(t *testing.T) {
	p, s, _ := newTestPipeline(t)
	seedArtifact(t, s, "b1", time.Now())

	outcome, err := p.Execute(context.Background(), target.Id{ContainerName: "pg-dev"}, "b1", time.Minute, "secret")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !outcome.VerifyOK {
		t.Fatalf("expected verify to succeed: %+v", outcome)
	}
}
