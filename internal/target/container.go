package target

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aegis-vault/pgvault/internal/execrunner"
)

// ContainerHandler implements Handler over a local container engine
// client (docker-compatible CLI), invoked as a subprocess — never via a
// client library — so the same execrunner.Runner handles both backends.
type ContainerHandler struct {
	runner     *execrunner.Runner
	bin        string // container engine client binary, e.g. "docker"
	forcedName string // explicit --container override, if any
}

// NewContainerHandler creates a ContainerHandler. forcedName, when
// non-empty, pins Discover to that container instead of searching.
func NewContainerHandler(runner *execrunner.Runner, bin, forcedName string) *ContainerHandler {
	return &ContainerHandler{runner: runner, bin: bin, forcedName: forcedName}
}

type containerPsEntry struct {
	Names string `json:"Names"`
	Image string `json:"Image"`
	State string `json:"State"`
}

// Discover returns the forced container name if configured, else the
// first running container whose image name contains "postgres"
// (spec.md §4.3).
func (h *ContainerHandler) Discover(ctx context.Context) (Id, error) {
	if h.forcedName != "" {
		status, err := h.statusByName(ctx, h.forcedName)
		if err != nil {
			return Id{}, err
		}
		if status == NotFound {
			return Id{}, fmt.Errorf("%w: container %q", ErrTargetNotFound, h.forcedName)
		}
		return Id{ContainerName: h.forcedName}, nil
	}

	entries, err := h.listContainers(ctx)
	if err != nil {
		return Id{}, err
	}

	for _, e := range entries {
		if strings.Contains(strings.ToLower(e.Image), "postgres") && e.State == "running" {
			return Id{ContainerName: e.Names}, nil
		}
	}

	return Id{}, fmt.Errorf("%w: no running postgres container found", ErrTargetNotFound)
}

func (h *ContainerHandler) listContainers(ctx context.Context) ([]containerPsEntry, error) {
	result, err := h.runner.Run(ctx, execrunner.Spec{
		Name:    h.bin,
		Args:    []string{"ps", "--format", "{{json .}}"},
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("target: container ps: %w", err)
	}

	var entries []containerPsEntry
	for _, line := range strings.Split(strings.TrimSpace(string(result.Stdout)), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var e containerPsEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Status performs a cheap liveness probe via "docker inspect".
func (h *ContainerHandler) Status(ctx context.Context, id Id) (Status, error) {
	return h.statusByName(ctx, id.ContainerName)
}

func (h *ContainerHandler) statusByName(ctx context.Context, name string) (Status, error) {
	result, err := h.runner.Run(ctx, execrunner.Spec{
		Name:    h.bin,
		Args:    []string{"inspect", "--format", "{{.State.Running}}", name},
		Timeout: 2 * time.Second,
	})
	if err != nil {
		if strings.Contains(string(result.Stderr), "No such") || strings.Contains(err.Error(), "No such") {
			return NotFound, nil
		}
		return NotFound, fmt.Errorf("target: container inspect: %w", err)
	}
	if strings.TrimSpace(string(result.Stdout)) == "true" {
		return Running, nil
	}
	return NotRunning, nil
}

// Exec runs argv inside the named container, via "docker exec",
// streaming stdin/stdout through the host-side pipe. "--interactive" is
// passed whenever stdin is supplied, per spec.md §4.3.
func (h *ContainerHandler) Exec(ctx context.Context, id Id, argv []string, opts ExecOptions) (int, error) {
	args := []string{"exec"}
	if opts.Stdin != nil {
		args = append(args, "--interactive")
	}
	for k, v := range opts.Env {
		args = append(args, "--env", fmt.Sprintf("%s=%s", k, v))
	}
	args = append(args, id.ContainerName)
	args = append(args, argv...)

	result, err := h.runner.Run(ctx, execrunner.Spec{
		Name:    h.bin,
		Args:    args,
		Stdin:   opts.Stdin,
		Stdout:  opts.Stdout,
		Timeout: opts.Timeout,
	})
	if err != nil {
		if result.ExitCode != 0 {
			return result.ExitCode, &ExecNonZeroError{ExitCode: result.ExitCode, Stderr: string(result.Stderr)}
		}
		return result.ExitCode, err
	}
	return result.ExitCode, nil
}

// Identity returns the container name as the stable sidecar identifier.
func (h *ContainerHandler) Identity(id Id) string {
	return "container/" + id.ContainerName
}
