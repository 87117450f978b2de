// Package target implements the target-handler abstraction (C3): a
// uniform operations interface over two very different process-invocation
// backends (container engine vs. cluster orchestrator), including
// discovery of the running PostgreSQL instance.
package target

import (
	"context"
	"errors"
	"io"
	"strconv"
	"time"
)

// Id identifies a discovered target. Its shape differs between backends
// (a container name vs. a pod+namespace+container triple) but callers
// only ever pass it back opaquely.
type Id struct {
	// Container backend
	ContainerName string

	// Cluster backend
	PodName            string
	Namespace          string
	ContainerInCluster string
}

// Status is the result of a cheap liveness probe.
type Status string

const (
	Running    Status = "running"
	NotRunning Status = "not_running"
	NotFound   Status = "not_found"
)

// Sentinel errors making up the failure taxonomy of spec.md §4.3. Handlers
// never retry; retries are a policy decision left to callers.
var (
	ErrTargetNotFound   = errors.New("target: not found")
	ErrTargetNotRunning = errors.New("target: not running")
)

// ExecNonZeroError captures a non-zero exit from a command run inside the
// target, with stderr attached for diagnostics.
type ExecNonZeroError struct {
	ExitCode int
	Stderr   string
}

func (e *ExecNonZeroError) Error() string {
	return "target: exec exited " + strconv.Itoa(e.ExitCode) + ": " + e.Stderr
}

// ExecOptions configures one in-target command execution.
type ExecOptions struct {
	Stdin   io.Reader
	Stdout  io.Writer
	Timeout time.Duration
	// Env is passed into the target process (e.g. PGPASSWORD). Handlers
	// never log this map; see internal/execrunner for masking at the
	// process-runner layer.
	Env map[string]string
}

// Handler abstracts one backend: discovery, liveness, exec, and a stable
// human-readable identity for sidecars.
type Handler interface {
	// Discover locates a candidate running target.
	Discover(ctx context.Context) (Id, error)

	// Status performs a cheap liveness probe against id.
	Status(ctx context.Context, id Id) (Status, error)

	// Exec runs argv inside the target, streaming stdin/stdout through
	// the host-side pipe, and returns the child's exit code.
	Exec(ctx context.Context, id Id, argv []string, opts ExecOptions) (int, error)

	// Identity returns a stable human-readable identifier recorded in
	// sidecars (e.g. "container/<name>", or "cluster/<namespace>/<pod>").
	Identity(id Id) string
}
