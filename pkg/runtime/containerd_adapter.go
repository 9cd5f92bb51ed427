package runtime

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/cuemby/orbital/pkg/types"
)

const (
	// containerdNamespace isolates orbital's containers from anything else
	// talking to the same containerd socket.
	containerdNamespace = "orbital"

	defaultContainerdSocket = "/run/containerd/containerd.sock"

	stopGraceTimeout = 10 * time.Second
)

// ContainerdAdapter implements Adapter against a containerd daemon via its
// Go client library, rather than shelling out to a CLI.
type ContainerdAdapter struct {
	client *containerd.Client
	cache  *ListingCache
	logDir string
}

const defaultContainerdLogDir = "/var/log/orbital/containerd"

// NewContainerdAdapter connects to the containerd socket at socketPath
// (defaulting to the standard location) and returns an adapter. Task output
// is mirrored to logDir (one file per instance id) so StreamLogs has
// something to tail; logDir defaults to defaultContainerdLogDir.
func NewContainerdAdapter(socketPath string, maxAge time.Duration) (*ContainerdAdapter, error) {
	if socketPath == "" {
		socketPath = defaultContainerdSocket
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}
	a := &ContainerdAdapter{client: client, logDir: defaultContainerdLogDir}
	a.cache = NewListingCache(maxAge, a.listStatesUncached)
	return a, nil
}

// SetLogDir overrides the directory task output is mirrored to, mainly for
// tests.
func (a *ContainerdAdapter) SetLogDir(dir string) { a.logDir = dir }

func (a *ContainerdAdapter) logPath(instanceID string) string {
	return filepath.Join(a.logDir, instanceID+".log")
}

func (a *ContainerdAdapter) Cache() *ListingCache { return a.cache }

// Close releases the underlying containerd client connection.
func (a *ContainerdAdapter) Close() error {
	return a.client.Close()
}

func (a *ContainerdAdapter) ns(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, containerdNamespace)
}

// Create pulls the workload's image, builds the OCI spec from its mounts,
// and creates and starts a task in one call (the containerd adapter has no
// separate start step distinct from task creation).
func (a *ContainerdAdapter) Create(ctx context.Context, name types.WorkloadInstanceName, spec types.WorkloadSpec, controlInterfacePath string) (string, error) {
	ctx = a.ns(ctx)
	id := name.String()

	image, err := a.client.Pull(ctx, spec.RuntimeConfig, containerd.WithPullUnpack)
	if err != nil {
		return "", fmt.Errorf("failed to pull image %s: %w", spec.RuntimeConfig, err)
	}

	var mounts []specs.Mount
	for _, m := range spec.Mounts {
		opts := []string{"bind"}
		if m.ReadOnly {
			opts = []string{"ro", "bind"}
		}
		mounts = append(mounts, specs.Mount{Source: m.Source, Destination: m.Target, Type: "bind", Options: opts})
	}
	if controlInterfacePath != "" {
		mounts = append(mounts, specs.Mount{
			Source:      controlInterfacePath,
			Destination: controlInterfaceMountDest,
			Type:        "bind",
			Options:     []string{"bind"},
		})
	}

	opts := []oci.SpecOpts{oci.WithImageConfig(image)}
	if len(mounts) > 0 {
		opts = append(opts, oci.WithMounts(mounts))
	}

	container, err := a.client.NewContainer(
		ctx,
		id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(map[string]string{
			"name":  name.WorkloadName,
			"agent": name.AgentName,
		}),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	if err := os.MkdirAll(a.logDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create log dir: %w", err)
	}
	task, err := container.NewTask(ctx, cio.LogFile(a.logPath(id)))
	if err != nil {
		return "", fmt.Errorf("failed to create task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		return "", fmt.Errorf("failed to start task: %w", err)
	}

	a.cache.Reset()
	return container.ID(), nil
}

// Start is a no-op: Create already creates and starts the task.
func (a *ContainerdAdapter) Start(ctx context.Context, instanceID string) error {
	return nil
}

// Delete stops (SIGTERM, then SIGKILL on timeout) and removes a container
// and its snapshot. A missing container is treated as success.
func (a *ContainerdAdapter) Delete(ctx context.Context, instanceID string) error {
	ctx = a.ns(ctx)

	container, err := a.client.LoadContainer(ctx, instanceID)
	if err != nil {
		return nil // no such container: already gone
	}

	if task, err := container.Task(ctx, nil); err == nil {
		stopCtx, cancel := context.WithTimeout(ctx, stopGraceTimeout)
		if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
			cancel()
			return fmt.Errorf("failed to signal task: %w", err)
		}
		statusC, err := task.Wait(stopCtx)
		if err != nil {
			cancel()
			return fmt.Errorf("failed to wait for task: %w", err)
		}
		select {
		case <-statusC:
		case <-stopCtx.Done():
			if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
				cancel()
				return fmt.Errorf("failed to force-kill task: %w", err)
			}
			<-statusC
		}
		cancel()
		if _, err := task.Delete(ctx); err != nil {
			return fmt.Errorf("failed to delete task: %w", err)
		}
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("failed to delete container: %w", err)
	}
	a.cache.Reset()
	return nil
}

func (a *ContainerdAdapter) ListStates(ctx context.Context) (map[string]types.ExecutionState, error) {
	return a.cache.Get(ctx)
}

func (a *ContainerdAdapter) listStatesUncached(ctx context.Context) (map[string]types.ExecutionState, error) {
	ctx = a.ns(ctx)
	containers, err := a.client.Containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	states := make(map[string]types.ExecutionState, len(containers))
	for _, c := range containers {
		states[c.ID()] = a.taskState(ctx, c)
	}
	return states, nil
}

func (a *ContainerdAdapter) taskState(ctx context.Context, c containerd.Container) types.ExecutionState {
	task, err := c.Task(ctx, nil)
	if err != nil {
		return types.ExecutionState{Kind: types.ExecutionStarting, Info: "no task"}
	}
	status, err := task.Status(ctx)
	if err != nil {
		return types.ExecutionState{Kind: types.ExecutionUnknown, Info: err.Error()}
	}
	switch status.Status {
	case containerd.Running:
		return types.ExecutionState{Kind: types.ExecutionRunning}
	case containerd.Stopped:
		if status.ExitStatus == 0 {
			return types.ExecutionState{Kind: types.ExecutionSucceeded}
		}
		return types.ExecutionState{Kind: types.ExecutionFailed, Info: fmt.Sprintf("Exit code: '%d'", status.ExitStatus)}
	case containerd.Paused:
		return types.ExecutionState{Kind: types.ExecutionUnknown, Info: "paused"}
	default:
		return types.ExecutionState{Kind: types.ExecutionUnknown, Info: string(status.Status)}
	}
}

func (a *ContainerdAdapter) ListByLabel(ctx context.Context, key, value string) ([]string, error) {
	ctx = a.ns(ctx)
	containers, err := a.client.Containers(ctx, fmt.Sprintf("labels.%q==%q", key, value))
	if err != nil {
		return nil, fmt.Errorf("failed to list containers by label: %w", err)
	}
	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID())
	}
	return ids, nil
}

func (a *ContainerdAdapter) ListNamesByLabel(ctx context.Context, key, value string) ([]string, error) {
	ctx = a.ns(ctx)
	containers, err := a.client.Containers(ctx, fmt.Sprintf("labels.%q==%q", key, value))
	if err != nil {
		return nil, fmt.Errorf("failed to list containers by label: %w", err)
	}
	var names []string
	for _, c := range containers {
		labels, err := c.Labels(ctx)
		if err != nil {
			continue
		}
		if name, ok := labels["name"]; ok {
			names = append(names, name)
		}
	}
	return names, nil
}

// StoreSidecar and ReadSidecar are unsupported on the containerd adapter:
// containerd's label API is queryable directly on containers, so there is
// no "kube-manifest style" metadata gap to bridge (spec §4.7 applies only to
// the CLI adapter's composite-object runtimes).
func (a *ContainerdAdapter) StoreSidecar(ctx context.Context, name string, data []byte) error {
	return fmt.Errorf("sidecar storage not supported by the containerd adapter")
}

func (a *ContainerdAdapter) ReadSidecar(ctx context.Context, name string) ([]byte, error) {
	return nil, fmt.Errorf("sidecar storage not supported by the containerd adapter")
}

// StreamLogs tails the mirrored task-output file for instanceID, sending each
// line to lines. With follow set it keeps polling for new lines until ctx is
// canceled; otherwise it sends what's already on disk and returns.
func (a *ContainerdAdapter) StreamLogs(ctx context.Context, instanceID string, follow bool, lines chan<- string) error {
	f, err := os.Open(a.logPath(instanceID))
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		select {
		case lines <- scanner.Text():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if !follow {
		return nil
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for scanner.Scan() {
				select {
				case lines <- scanner.Text():
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}
