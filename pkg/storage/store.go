// Package storage persists the server's authoritative state: the desired
// workload specs, the rendered-workload cache the diff engine compares
// against, the delete-dependency graph, and the last-known workload-state
// snapshot. It has no notion of consensus or replication — the spec's
// non-goals explicitly exclude HA/replication of the server (§1), so a single
// embedded database is the whole story.
package storage

import "github.com/cuemby/orbital/pkg/types"

// Store is the persistence interface pkg/server depends on, so tests can
// substitute an in-memory fake without touching bbolt.
type Store interface {
	// SaveDesiredState persists the full desired-state map and configs in one
	// transaction (spec §4.5 step 7: commit is atomic).
	SaveDesiredState(desired map[string]types.WorkloadSpec, configs map[string]string) error
	LoadDesiredState() (map[string]types.WorkloadSpec, map[string]string, error)

	SaveRendered(rendered map[string]types.WorkloadSpec) error
	LoadRendered() (map[string]types.WorkloadSpec, error)

	SaveDeleteGraph(graph map[string][]types.ReverseDependency) error
	LoadDeleteGraph() (map[string][]types.ReverseDependency, error)

	SaveWorkloadStates(states map[string]types.ExecutionState) error
	LoadWorkloadStates() (map[string]types.ExecutionState, error)

	SaveAgents(agents map[string]types.AgentAttributes) error
	LoadAgents() (map[string]types.AgentAttributes, error)

	Close() error
}

// ReverseDependency is an alias for types.ReverseDependency, kept so existing
// call sites that name storage.ReverseDependency continue to resolve to the
// single shared definition.
type ReverseDependency = types.ReverseDependency
