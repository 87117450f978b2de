package target

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aegis-vault/pgvault/internal/execrunner"
)

// ClusterHandler implements Handler over a cluster orchestrator client
// (kubectl-compatible CLI), invoked as a subprocess. Discovery picks the
// first ready pod matching a label selector in a namespace, unless a pod
// name is forced explicitly (spec.md §4.3).
type ClusterHandler struct {
	runner        *execrunner.Runner
	bin           string // cluster client binary, e.g. "kubectl"
	namespace     string
	labelSelector string
	forcedPod     string // explicit --pod override, if any
	container     string // explicit --k8s-container override, if any
}

func NewClusterHandler(runner *execrunner.Runner, bin, namespace, labelSelector, forcedPod, container string) *ClusterHandler {
	return &ClusterHandler{
		runner:        runner,
		bin:           bin,
		namespace:     namespace,
		labelSelector: labelSelector,
		forcedPod:     forcedPod,
		container:     container,
	}
}

type podListResponse struct {
	Items []podItem `json:"items"`
}

type podItem struct {
	Metadata struct {
		Name string `json:"name"`
	} `json:"metadata"`
	Spec struct {
		Containers []struct {
			Name string `json:"name"`
		} `json:"containers"`
	} `json:"spec"`
	Status struct {
		Phase             string `json:"phase"`
		ContainerStatuses []struct {
			Ready bool `json:"ready"`
		} `json:"containerStatuses"`
	} `json:"status"`
}

// Discover returns the forced pod, when configured, else the first ready
// pod matching the label selector in the namespace.
func (h *ClusterHandler) Discover(ctx context.Context) (Id, error) {
	if h.forcedPod != "" {
		status, err := h.statusByName(ctx, h.forcedPod)
		if err != nil {
			return Id{}, err
		}
		if status == NotFound {
			return Id{}, fmt.Errorf("%w: pod %q in namespace %q", ErrTargetNotFound, h.forcedPod, h.namespace)
		}
		return h.idFor(h.forcedPod, nil), nil
	}

	pods, err := h.listPods(ctx)
	if err != nil {
		return Id{}, err
	}

	for _, p := range pods.Items {
		if p.Status.Phase != "Running" || !allReady(p.Status.ContainerStatuses) {
			continue
		}
		return h.idFor(p.Metadata.Name, p.Spec.Containers), nil
	}

	return Id{}, fmt.Errorf("%w: no ready pod matching selector %q in namespace %q", ErrTargetNotFound, h.labelSelector, h.namespace)
}

func allReady(statuses []struct {
	Ready bool `json:"ready"`
}) bool {
	if len(statuses) == 0 {
		return false
	}
	for _, s := range statuses {
		if !s.Ready {
			return false
		}
	}
	return true
}

// idFor resolves the in-pod container name: the explicit override, else
// the first container in the pod spec, per spec.md §4.3.
func (h *ClusterHandler) idFor(podName string, containers []struct {
	Name string `json:"name"`
}) Id {
	container := h.container
	if container == "" && len(containers) > 0 {
		container = containers[0].Name
	}
	return Id{PodName: podName, Namespace: h.namespace, ContainerInCluster: container}
}

func (h *ClusterHandler) listPods(ctx context.Context) (podListResponse, error) {
	result, err := h.runner.Run(ctx, execrunner.Spec{
		Name: h.bin,
		Args: []string{
			"get", "pods",
			"--namespace", h.namespace,
			"--selector", h.labelSelector,
			"--output", "json",
		},
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return podListResponse{}, fmt.Errorf("target: kubectl get pods: %w", err)
	}

	var resp podListResponse
	if err := json.Unmarshal(result.Stdout, &resp); err != nil {
		return podListResponse{}, fmt.Errorf("target: parsing pod list: %w", err)
	}
	return resp, nil
}

// Status performs a cheap liveness probe via "kubectl get pod".
func (h *ClusterHandler) Status(ctx context.Context, id Id) (Status, error) {
	return h.statusByName(ctx, id.PodName)
}

func (h *ClusterHandler) statusByName(ctx context.Context, podName string) (Status, error) {
	result, err := h.runner.Run(ctx, execrunner.Spec{
		Name: h.bin,
		Args: []string{
			"get", "pod", podName,
			"--namespace", h.namespace,
			"--output", "jsonpath={.status.phase}",
		},
		Timeout: 2 * time.Second,
	})
	if err != nil {
		if strings.Contains(string(result.Stderr), "NotFound") || strings.Contains(err.Error(), "NotFound") {
			return NotFound, nil
		}
		return NotFound, fmt.Errorf("target: kubectl get pod: %w", err)
	}
	if strings.TrimSpace(string(result.Stdout)) == "Running" {
		return Running, nil
	}
	return NotRunning, nil
}

// Exec runs argv inside id's pod/container via "kubectl exec", passing
// "--stdin" and "--tty=false" whenever stdin is supplied, per spec.md §4.3.
// Cluster clients have no per-invocation --env flag, so environment
// variables are instead prefixed onto the command via the "env" program
// inside the pod (no shell is involved) — a divergence from the container backend that is
// encapsulated entirely inside this handler (spec.md §9).
func (h *ClusterHandler) Exec(ctx context.Context, id Id, argv []string, opts ExecOptions) (int, error) {
	args := []string{"exec"}
	if opts.Stdin != nil {
		args = append(args, "--stdin", "--tty=false")
	}
	args = append(args, id.PodName, "--namespace", h.namespace)
	if id.ContainerInCluster != "" {
		args = append(args, "--container", id.ContainerInCluster)
	}
	args = append(args, "--")

	command := argv
	if len(opts.Env) > 0 {
		envPrefix := []string{"env"}
		for k, v := range opts.Env {
			envPrefix = append(envPrefix, fmt.Sprintf("%s=%s", k, v))
		}
		command = append(envPrefix, argv...)
	}
	args = append(args, command...)

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

// Identity returns "cluster/<namespace>/<pod>/<container>" (or
// "cluster/<namespace>/<pod>" when no container is set) as the stable
// sidecar identifier.
func (h *ClusterHandler) Identity(id Id) string {
	if id.ContainerInCluster != "" {
		return fmt.Sprintf("cluster/%s/%s/%s", id.Namespace, id.PodName, id.ContainerInCluster)
	}
	return fmt.Sprintf("cluster/%s/%s", id.Namespace, id.PodName)
}
