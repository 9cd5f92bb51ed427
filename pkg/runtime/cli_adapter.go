package runtime

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/cuemby/orbital/pkg/config"
	"github.com/cuemby/orbital/pkg/log"
	"github.com/cuemby/orbital/pkg/types"
)

const controlInterfaceMountDest = "/run/orbital/control_interface"

// cliContainerInfo mirrors the subset of `ps --format=json` fields the CLI
// adapter needs from podman/nerdctl.
type cliContainerInfo struct {
	Id       string            `json:"Id"`
	State    string            `json:"State"`
	ExitCode int               `json:"ExitCode"`
	Labels   map[string]string `json:"Labels"`
}

// cliVolumeInfo mirrors `volume inspect --format=json` output.
type cliVolumeInfo struct {
	Labels map[string]string `json:"Labels"`
}

// CLIAdapter drives a container CLI (podman or nerdctl) as a subprocess,
// per the bit-exact argv table in spec §6.
type CLIAdapter struct {
	binary string // "podman" or "nerdctl"
	cache  *ListingCache

	// exec runs the command and returns stdout, or an error carrying
	// stderr's text. Defaults to execCommand; tests substitute a fake to
	// avoid depending on a real podman/nerdctl binary being installed.
	exec func(ctx context.Context, binary string, stdin []byte, args []string) (string, error)
}

// NewCLIAdapter returns an adapter that shells out to binary (podman or
// nerdctl); maxAge configures the shared listing cache.
func NewCLIAdapter(binary string, maxAge time.Duration) *CLIAdapter {
	a := &CLIAdapter{binary: binary, exec: execCommand}
	a.cache = NewListingCache(maxAge, a.listStatesUncached)
	return a
}

func (a *CLIAdapter) Cache() *ListingCache { return a.cache }

func (a *CLIAdapter) run(ctx context.Context, stdin []byte, args ...string) (string, error) {
	log.WithComponent("runtime").Debug().Str("binary", a.binary).Str("args", strings.Join(args, " ")).Msg("running runtime CLI command")
	return a.exec(ctx, a.binary, stdin, args)
}

// execCommand is the production exec.CommandContext-backed implementation.
func execCommand(ctx context.Context, binary string, stdin []byte, args []string) (string, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		arg0 := ""
		if len(args) > 0 {
			arg0 = args[0]
		}
		return "", fmt.Errorf("%s %s: %s", binary, arg0, msg)
	}
	return stdout.String(), nil
}

// Create implements Adapter.
func (a *CLIAdapter) Create(ctx context.Context, name types.WorkloadInstanceName, spec types.WorkloadSpec, controlInterfacePath string) (string, error) {
	args := []string{"run", "--detach", "--name", name.String()}

	for _, m := range spec.Mounts {
		ro := ""
		if m.ReadOnly {
			ro = ",readonly=true"
		}
		args = append(args, fmt.Sprintf("--mount=type=bind,source=%s,destination=%s%s", m.Source, m.Target, ro))
	}
	if controlInterfacePath != "" {
		args = append(args, fmt.Sprintf("--mount=type=bind,source=%s,destination=%s", controlInterfacePath, controlInterfaceMountDest))
	}

	args = append(args, fmt.Sprintf("--label=name=%s", name.WorkloadName), fmt.Sprintf("--label=agent=%s", name.AgentName))
	args = append(args, spec.RuntimeConfig)

	out, err := a.run(ctx, nil, args...)
	if err != nil {
		return "", err
	}
	a.cache.Reset()
	return strings.TrimSpace(out), nil
}

// Start is a no-op: run --detach already starts the container.
func (a *CLIAdapter) Start(ctx context.Context, instanceID string) error {
	return nil
}

// Delete implements Adapter, treating a not-found error as success.
func (a *CLIAdapter) Delete(ctx context.Context, instanceID string) error {
	if _, err := a.run(ctx, nil, "stop", instanceID); err != nil && !isNoSuchContainer(err.Error()) {
		return err
	}
	if _, err := a.run(ctx, nil, "rm", instanceID); err != nil && !isNoSuchContainer(err.Error()) {
		return err
	}
	a.cache.Reset()
	return nil
}

// ListStates implements Adapter via the shared listing cache.
func (a *CLIAdapter) ListStates(ctx context.Context) (map[string]types.ExecutionState, error) {
	return a.cache.Get(ctx)
}

func (a *CLIAdapter) listStatesUncached(ctx context.Context) (map[string]types.ExecutionState, error) {
	out, err := a.run(ctx, nil, "ps", "--all", "--format=json")
	if err != nil {
		return nil, err
	}
	infos, err := parseContainerInfos(out)
	if err != nil {
		return nil, err
	}
	states := make(map[string]types.ExecutionState, len(infos))
	for _, info := range infos {
		states[info.Id] = MapContainerState(info.State, info.ExitCode)
	}
	return states, nil
}

func (a *CLIAdapter) ListByLabel(ctx context.Context, key, value string) ([]string, error) {
	out, err := a.run(ctx, nil, "ps", "--all", "--filter", fmt.Sprintf("label=%s=%s", key, value), "--format=json")
	if err != nil {
		return nil, err
	}
	infos, err := parseContainerInfos(out)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(infos))
	for _, info := range infos {
		ids = append(ids, info.Id)
	}
	return ids, nil
}

func (a *CLIAdapter) ListNamesByLabel(ctx context.Context, key, value string) ([]string, error) {
	out, err := a.run(ctx, nil, "ps", "--all", "--filter", fmt.Sprintf("label=%s=%s", key, value), "--format=json")
	if err != nil {
		return nil, err
	}
	infos, err := parseContainerInfos(out)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, info := range infos {
		if name, ok := info.Labels["name"]; ok {
			names = append(names, name)
		}
	}
	return names, nil
}

// StoreSidecar persists data as a base64-no-pad label on an otherwise empty
// volume (spec §4.7). Any existing volume of the same name is removed first.
func (a *CLIAdapter) StoreSidecar(ctx context.Context, name string, data []byte) error {
	_, _ = a.run(ctx, nil, "volume", "rm", name)
	label := "--label=data=" + base64.RawStdEncoding.EncodeToString(data)
	_, err := a.run(ctx, nil, "volume", "create", label, name)
	return err
}

func (a *CLIAdapter) ReadSidecar(ctx context.Context, name string) ([]byte, error) {
	out, err := a.run(ctx, nil, "volume", "inspect", name)
	if err != nil {
		return nil, err
	}
	var volumes []cliVolumeInfo
	if err := json.Unmarshal([]byte(out), &volumes); err != nil {
		return nil, fmt.Errorf("could not decode volume inspect output: %w", err)
	}
	if len(volumes) == 0 {
		return nil, fmt.Errorf("no volume returned for %s", name)
	}
	data, ok := volumes[0].Labels["data"]
	if !ok {
		return nil, fmt.Errorf("volume %s has no data label", name)
	}
	decoded, err := base64.RawStdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("could not base64-decode volume data label: %w", err)
	}
	return decoded, nil
}

// ListSidecarVolumes enumerates volumes whose name matches the regex filter,
// used to recover instances on agent restart (spec §4.7).
func (a *CLIAdapter) ListSidecarVolumes(ctx context.Context, nameFilter string) ([]string, error) {
	out, err := a.run(ctx, nil, "volume", "ls", "--filter", "name="+nameFilter, "--format={{.Name}}")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

func parseContainerInfos(jsonOutput string) ([]cliContainerInfo, error) {
	var infos []cliContainerInfo
	if err := json.Unmarshal([]byte(jsonOutput), &infos); err != nil {
		return nil, fmt.Errorf("could not parse runtime CLI output: %w", err)
	}
	return infos, nil
}

// RuntimeKindFromConfig returns "nerdctl" when cfg.RuntimeKind is "nerdctl"
// and "podman" for any other value. cmd/orbital-agent does not call it: it
// takes the CLI binary from cfg.RuntimeSocket.
func RuntimeKindFromConfig(cfg *config.AgentConfig) string {
	if cfg.RuntimeKind == "nerdctl" {
		return "nerdctl"
	}
	return "podman"
}
