// Package docker provides the worker's read-mostly view of the containers
// it has started, used by the control plane's lifecycle reconciliation
// loop (C10) to detect containers the worker believes are running versus
// what the control plane's TaskRuntimeInstance registry expects.
//
// The Docker socket is mounted read-only-by-convention in the worker
// container — ListByLabel never mutates state, and ForceStop is the one
// exception, used only to reconcile a run the control plane has already
// declared Faulted or Cancelled.
//
// If Docker is not available on the host (socket missing or daemon not
// running), all methods return ErrDockerUnavailable so callers can skip
// reconciliation gracefully instead of failing the whole health check.
package docker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/containerd/errdefs"
	containertypes "github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
)

// ErrDockerUnavailable is returned when the Docker daemon cannot be
// reached. Callers should treat this as a non-fatal condition — container
// reconciliation is best-effort.
var ErrDockerUnavailable = errors.New("docker: daemon unavailable")

// LabelRunID is the label the worker attaches to every container it
// starts for a run, keying container->run correlation for reconciliation.
const LabelRunID = "orchestrator.run-id"

// ContainerInfo holds the metadata of a run container relevant to
// reconciliation.
type ContainerInfo struct {
	ContainerId string
	RunId       string
	State       string // docker's reported state: "running", "exited", ...
}

// Client wraps the Docker SDK client and provides container discovery and
// forced-stop methods.
type Client struct {
	docker *dockerclient.Client
}

// NewClient creates a Client connected to the socket at socketPath. Use
// the empty string to fall back to the Docker SDK default (DOCKER_HOST
// env var, or /var/run/docker.sock on Linux/macOS).
//
// Returns ErrDockerUnavailable if the socket does not exist or the daemon
// is not responding.
func NewClient(socketPath string) (*Client, error) {
	opts := []dockerclient.Opt{
		dockerclient.WithAPIVersionNegotiation(),
	}
	if socketPath != "" {
		opts = append(opts, dockerclient.WithHost("unix://"+socketPath))
	}

	dc, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDockerUnavailable, err)
	}
	return &Client{docker: dc}, nil
}

// Ping checks that the Docker daemon is reachable. Call this at startup
// to detect early whether Docker-backed run sandboxes are available.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.docker.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %s", ErrDockerUnavailable, err)
	}
	return nil
}

// ListByLabel returns every container carrying the orchestrator.run-id
// label, for the control plane's reconciliation loop to diff against its
// TaskRuntimeInstance registry.
func (c *Client) ListByLabel(ctx context.Context) ([]ContainerInfo, error) {
	opts := containertypes.ListOptions{All: true}
	opts.Filters.Add("label", LabelRunID)

	containers, err := c.docker.ContainerList(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDockerUnavailable, err)
	}

	out := make([]ContainerInfo, 0, len(containers))
	for _, ctr := range containers {
		out = append(out, ContainerInfo{
			ContainerId: ctr.ID,
			RunId:       ctr.Labels[LabelRunID],
			State:       ctr.State,
		})
	}
	return out, nil
}

// ForceStop stops and removes a container by ID within timeout,
// classifying errdefs.ErrNotFound as a (non-fatal) success — the
// reconciliation target is "container not running", and a container that
// is already gone satisfies that.
func (c *Client) ForceStop(ctx context.Context, containerID string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	if err := c.docker.ContainerStop(ctx, containerID, containertypes.StopOptions{Timeout: &seconds}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("%w: stop %s: %s", ErrDockerUnavailable, containerID, err)
	}
	if err := c.docker.ContainerRemove(ctx, containerID, containertypes.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("%w: remove %s: %s", ErrDockerUnavailable, containerID, err)
	}
	return nil
}

// Close releases the underlying Docker client resources.
func (c *Client) Close() error {
	return c.docker.Close()
}
