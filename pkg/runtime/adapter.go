// Package runtime defines the contract a concrete container runtime must
// satisfy to back a workload control loop, the shared listing-cache that
// contract requires, and two concrete implementations: a CLI-driven adapter
// for podman/nerdctl and a containerd client-library adapter.
package runtime

import (
	"context"
	"strconv"
	"strings"

	"github.com/cuemby/orbital/pkg/types"
)

// Adapter is the polymorphic contract a runtime connector implements. All
// methods are safe for concurrent use; ListStates is additionally
// rate-limited by a shared ListingCache so concurrent callers never trigger
// more than one external call per cache window.
type Adapter interface {
	// Create starts a new workload instance and returns its runtime id.
	// controlInterfacePath is empty when the workload has no control
	// interface access configured.
	Create(ctx context.Context, name types.WorkloadInstanceName, spec types.WorkloadSpec, controlInterfacePath string) (string, error)

	// Start is a no-op for adapters whose Create already starts the
	// instance; CLI adapters fold start into run --detach.
	Start(ctx context.Context, instanceID string) error

	// Delete stops and removes an instance. A "no such container" error is
	// swallowed by the adapter and reported as success (delete idempotence).
	Delete(ctx context.Context, instanceID string) error

	// ListStates returns the current ExecutionState of every instance known
	// to the runtime, keyed by instance id. Callers should prefer the
	// adapter's ListingCache over calling this directly.
	ListStates(ctx context.Context) (map[string]types.ExecutionState, error)

	// ListByLabel returns the runtime ids of instances carrying the given label.
	ListByLabel(ctx context.Context, key, value string) ([]string, error)

	// ListNamesByLabel returns the value of the "name" label on instances
	// carrying the given label, for reusable-workload discovery.
	ListNamesByLabel(ctx context.Context, key, value string) ([]string, error)

	// StoreSidecar durably associates data with a workload instance outside
	// the runtime's own metadata model, for runtimes that lack one (§4.7).
	StoreSidecar(ctx context.Context, name string, data []byte) error

	// ReadSidecar retrieves data previously stored with StoreSidecar.
	ReadSidecar(ctx context.Context, name string) ([]byte, error)
}

// Cache returns the adapter's shared ListingCache, so AgentCore and the
// state-checker can share one rate-limited view of the runtime.
type CachedAdapter interface {
	Adapter
	Cache() *ListingCache
}

// MapContainerState translates a runtime-reported status string and exit
// code into an ExecutionState, per the state mapping table shared by every
// container-based adapter.
func MapContainerState(status string, exitCode int) types.ExecutionState {
	switch status {
	case "created", "restarting":
		return types.ExecutionState{Kind: types.ExecutionStarting, Info: status}
	case "running":
		return types.ExecutionState{Kind: types.ExecutionRunning}
	case "exited", "dead":
		if exitCode == 0 && status == "exited" {
			return types.ExecutionState{Kind: types.ExecutionSucceeded}
		}
		return types.ExecutionState{Kind: types.ExecutionFailed, Info: "Exit code: '" + strconv.Itoa(exitCode) + "'"}
	case "removing":
		return types.ExecutionState{Kind: types.ExecutionStopping, Info: status}
	default:
		return types.ExecutionState{Kind: types.ExecutionUnknown, Info: status}
	}
}

// isNoSuchContainer reports whether err's message looks like the runtime
// telling us the instance is already gone, which the adapter treats as
// successful deletion (spec §4.1 delete idempotence).
func isNoSuchContainer(msg string) bool {
	lower := strings.ToLower(msg)
	for _, needle := range []string{"no such container", "no container with", "does not exist", "no such object"} {
		if strings.Contains(lower, needle) {
			return true
		}
	}
	return false
}
