package target

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/aegis-vault/pgvault/internal/execrunner"
)

func TestClusterHandler_Identity(t *testing.T) {
	h := NewClusterHandler(execrunner.New(), "kubectl", "default", "app=postgres", "", "")

	withContainer := Id{PodName: "pg-0", Namespace: "default", ContainerInCluster: "postgres"}
	if got := h.Identity(withContainer); got != "cluster/default/pg-0/postgres" {
		t.Fatalf("unexpected identity: %s", got)
	}

	noContainer := Id{PodName: "pg-0", Namespace: "default"}
	if got := h.Identity(noContainer); got != "cluster/default/pg-0" {
		t.Fatalf("unexpected identity: %s", got)
	}
}

func TestClusterHandler_DiscoverForcedPodNotFound(t *testing.T) {
	// "false" stands in for a kubectl binary that always fails, simulating
	// a forced pod name that kubectl can't find.
	h := NewClusterHandler(execrunner.New(), "false", "default", "app=postgres", "pg-missing", "")

	_, err := h.Discover(context.Background())
	if err == nil {
		t.Fatal("expected an error for a forced pod that cannot be inspected")
	}
}

func TestClusterHandler_StatusUnreachableClient(t *testing.T) {
	h := NewClusterHandler(execrunner.New(), "false", "default", "app=postgres", "", "")

	status, err := h.statusByName(context.Background(), "pg-0")
	if err == nil {
		t.Fatal("expected an error when the cluster client fails")
	}
	if status != NotFound {
		t.Fatalf("expected NotFound status alongside the error, got %s", status)
	}
}

func TestClusterHandler_ExecBuildsStdinFlags(t *testing.T) {
	// "echo" stands in for kubectl: we only check that Exec succeeds and
	// streams output, proving argument assembly didn't break the call.
	h := NewClusterHandler(execrunner.New(), "echo", "default", "app=postgres", "", "")
	id := Id{PodName: "pg-0", Namespace: "default", ContainerInCluster: "postgres"}

	var out strings.Builder
	code, err := h.Exec(context.Background(), id, []string{"psql", "-c", "select 1"}, ExecOptions{
		Stdin:   strings.NewReader(""),
		Stdout:  &out,
		Timeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if !strings.Contains(out.String(), "--stdin") {
		t.Fatalf("expected --stdin flag in echoed args, got %q", out.String())
	}
}
