package runtime

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/cuemby/orbital/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExec records invoked argv and returns scripted responses keyed by the
// first argument (the subcommand), matching how the adapter dispatches.
type fakeExec struct {
	calls     [][]string
	responses map[string]func(args []string) (string, error)
}

func newFakeExec() *fakeExec {
	return &fakeExec{responses: map[string]func(args []string) (string, error){}}
}

func (f *fakeExec) on(subcommand string, fn func(args []string) (string, error)) {
	f.responses[subcommand] = fn
}

func (f *fakeExec) run(ctx context.Context, binary string, stdin []byte, args []string) (string, error) {
	f.calls = append(f.calls, args)
	if len(args) == 0 {
		return "", fmt.Errorf("no subcommand")
	}
	if fn, ok := f.responses[args[0]]; ok {
		return fn(args)
	}
	return "", fmt.Errorf("unexpected subcommand %q", args[0])
}

func newAdapterWithFake(fake *fakeExec) *CLIAdapter {
	a := NewCLIAdapter("podman", time.Second)
	a.exec = fake.run
	return a
}

func TestCLIAdapterDeleteIsIdempotentOnMissingContainer(t *testing.T) {
	fake := newFakeExec()
	fake.on("stop", func(args []string) (string, error) {
		return "", fmt.Errorf("Error: no such container %s", args[len(args)-1])
	})
	fake.on("rm", func(args []string) (string, error) {
		return "", fmt.Errorf("Error: no such container %s", args[len(args)-1])
	})
	a := newAdapterWithFake(fake)

	err := a.Delete(context.Background(), "gone")
	assert.NoError(t, err)
}

func TestCLIAdapterDeletePropagatesRealErrors(t *testing.T) {
	fake := newFakeExec()
	fake.on("stop", func(args []string) (string, error) {
		return "", fmt.Errorf("permission denied")
	})
	a := newAdapterWithFake(fake)

	err := a.Delete(context.Background(), "c1")
	assert.Error(t, err)
}

func TestCLIAdapterCreateBuildsExpectedArgv(t *testing.T) {
	fake := newFakeExec()
	fake.on("run", func(args []string) (string, error) {
		return "instance-id\n", nil
	})
	a := newAdapterWithFake(fake)

	name := types.WorkloadInstanceName{WorkloadName: "nginx", ContentHash: "abcd1234", AgentName: "agent_A"}
	spec := types.WorkloadSpec{
		Name:          "nginx",
		Agent:         "agent_A",
		RuntimeConfig: "nginx:latest",
		Mounts:        []types.VolumeMount{{Source: "/host/data", Target: "/data", ReadOnly: true}},
	}

	id, err := a.Create(context.Background(), name, spec, "/run/orbital/ctl/nginx")
	require.NoError(t, err)
	assert.Equal(t, "instance-id", id)

	require.Len(t, fake.calls, 1)
	args := fake.calls[0]
	assert.Equal(t, "run", args[0])
	assert.Contains(t, args, "--detach")
	assert.Contains(t, args, "nginx.abcd1234.agent_A")
	assert.Contains(t, args, "--mount=type=bind,source=/host/data,destination=/data,readonly=true")
	assert.Contains(t, args, "--mount=type=bind,source=/run/orbital/ctl/nginx,destination=/run/orbital/control_interface")
	assert.Contains(t, args, "--label=name=nginx")
	assert.Contains(t, args, "--label=agent=agent_A")
	assert.Equal(t, "nginx:latest", args[len(args)-1])
}

func TestCLIAdapterListStatesMapsPsOutput(t *testing.T) {
	fake := newFakeExec()
	fake.on("ps", func(args []string) (string, error) {
		return `[{"Id":"c1","State":"running","ExitCode":0,"Labels":{}},` +
			`{"Id":"c2","State":"exited","ExitCode":1,"Labels":{}}]`, nil
	})
	a := newAdapterWithFake(fake)

	states, err := a.ListStates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionRunning, states["c1"].Kind)
	assert.Equal(t, types.ExecutionFailed, states["c2"].Kind)
}

func TestCLIAdapterSidecarRoundTrip(t *testing.T) {
	fake := newFakeExec()
	var stored string
	fake.on("volume", func(args []string) (string, error) {
		switch args[1] {
		case "rm":
			return "", fmt.Errorf("no such volume")
		case "create":
			for _, a := range args {
				if len(a) > len("--label=data=") && a[:len("--label=data=")] == "--label=data=" {
					stored = a[len("--label=data="):]
				}
			}
			return "", nil
		case "inspect":
			return fmt.Sprintf(`[{"Labels":{"data":"%s"}}]`, stored), nil
		}
		return "", fmt.Errorf("unexpected volume subcommand")
	})
	a := newAdapterWithFake(fake)

	require.NoError(t, a.StoreSidecar(context.Background(), "nginx.abcd.agent_A.config", []byte("opaque-config")))

	got, err := a.ReadSidecar(context.Background(), "nginx.abcd.agent_A.config")
	require.NoError(t, err)
	assert.Equal(t, "opaque-config", string(got))
}

func TestMapContainerStateTable(t *testing.T) {
	cases := []struct {
		status   string
		exitCode int
		want     types.ExecutionStateKind
	}{
		{"created", 0, types.ExecutionStarting},
		{"restarting", 0, types.ExecutionStarting},
		{"running", 0, types.ExecutionRunning},
		{"exited", 0, types.ExecutionSucceeded},
		{"exited", 1, types.ExecutionFailed},
		{"dead", 1, types.ExecutionFailed},
		{"removing", 0, types.ExecutionStopping},
		{"paused", 0, types.ExecutionUnknown},
		{"something-else", 0, types.ExecutionUnknown},
	}
	for _, c := range cases {
		got := MapContainerState(c.status, c.exitCode)
		assert.Equal(t, c.want, got.Kind, "status=%s exitCode=%d", c.status, c.exitCode)
	}
}
