// Package statedb implements the logical map of observed workload execution
// states keyed by (agent, workload, id), shared by the server (the
// authoritative view across all agents) and each agent (its local view of
// every agent's reported states).
package statedb

import (
	"strings"
	"sync"

	"github.com/cuemby/orbital/pkg/types"
)

// Key identifies one entry: the agent that reported it, the workload name,
// and the runtime instance id.
type Key struct {
	Agent    string
	Workload string
	ID       string
}

// entryKey renders a Key to the string used as the map key internally; the
// WorkloadInstanceName's own String() form already embeds workload/hash/agent,
// so entries are addressed by that plus the runtime instance id to
// disambiguate Resume from a fresh Create of the same spec version.
func entryKey(instance string, id string) string {
	return instance + "\x00" + id
}

// DB is the state store. All methods are safe for concurrent use.
type DB struct {
	mu      sync.Mutex
	entries map[string]entry
}

type entry struct {
	key   Key
	state types.ExecutionState
}

// New returns an empty DB.
func New() *DB {
	return &DB{entries: map[string]entry{}}
}

// StateReport is one (instance, id, state) observation.
type StateReport struct {
	Instance types.WorkloadInstanceName
	ID       string
	State    types.ExecutionState
}

// ProcessNewStates upserts a batch of reports and returns only the ones that
// actually changed the stored state, for fan-out (spec §4.6).
func (db *DB) ProcessNewStates(reports []StateReport) []StateReport {
	db.mu.Lock()
	defer db.mu.Unlock()

	var changed []StateReport
	for _, r := range reports {
		k := entryKey(r.Instance.String(), r.ID)
		existing, ok := db.entries[k]
		if ok && existing.state == r.State {
			continue
		}
		db.entries[k] = entry{
			key:   Key{Agent: r.Instance.AgentName, Workload: r.Instance.WorkloadName, ID: r.ID},
			state: r.State,
		}
		changed = append(changed, r)
	}
	return changed
}

// GetAll returns a full snapshot, keyed by WorkloadInstanceName.String() and
// aggregating the per-container states reported under one instance (spec
// §3) down to a single ExecutionState each.
func (db *DB) GetAll() map[string]types.ExecutionState {
	db.mu.Lock()
	defer db.mu.Unlock()

	byInstance := map[string][]types.ExecutionState{}
	for k, e := range db.entries {
		instanceStr := strings.TrimSuffix(k, "\x00"+e.key.ID)
		byInstance[instanceStr] = append(byInstance[instanceStr], e.state)
	}
	out := make(map[string]types.ExecutionState, len(byInstance))
	for instance, states := range byInstance {
		out[instance] = types.AggregateExecutionStates(states)
	}
	return out
}

// GetForAgent projects the states reported by one agent.
func (db *DB) GetForAgent(agent string) []StateReport {
	db.mu.Lock()
	defer db.mu.Unlock()

	var out []StateReport
	for k, e := range db.entries {
		if e.key.Agent == agent {
			out = append(out, reportFromEntry(k, e))
		}
	}
	return out
}

// GetExcludingAgent projects every state not reported by agent, used when
// fanning a state update out to every other connected agent.
func (db *DB) GetExcludingAgent(agent string) []StateReport {
	db.mu.Lock()
	defer db.mu.Unlock()

	var out []StateReport
	for k, e := range db.entries {
		if e.key.Agent != agent {
			out = append(out, reportFromEntry(k, e))
		}
	}
	return out
}

func reportFromEntry(key string, e entry) StateReport {
	id := e.key.ID
	instanceStr := strings.TrimSuffix(key, "\x00"+id)
	return StateReport{
		Instance: instanceNameFromString(instanceStr, e.key.Agent),
		ID:       id,
		State:    e.state,
	}
}

// instanceNameFromString reconstructs a WorkloadInstanceName from its
// "<workload>.<hash>.<agent>" string form.
func instanceNameFromString(s, agent string) types.WorkloadInstanceName {
	return InstanceNameFromString(s, agent)
}

// InstanceNameFromString parses the "<workload>.<hash>.<agent>" string form
// produced by WorkloadInstanceName.String(). Callers that don't already know
// the agent (e.g. restoring a persisted snapshot) can pass "" and rely on the
// parsed AgentName instead.
func InstanceNameFromString(s, fallbackAgent string) types.WorkloadInstanceName {
	parts := strings.SplitN(s, ".", 3)
	if len(parts) != 3 {
		return types.WorkloadInstanceName{AgentName: fallbackAgent}
	}
	return types.WorkloadInstanceName{WorkloadName: parts[0], ContentHash: parts[1], AgentName: parts[2]}
}

// MarkAgentLost sets every entry belonging to agent to Lost and returns the
// changed set, called when an agent disconnects (spec §4.5 AgentGone).
func (db *DB) MarkAgentLost(agent string) []StateReport {
	db.mu.Lock()
	defer db.mu.Unlock()

	var changed []StateReport
	for k, e := range db.entries {
		if e.key.Agent != agent || e.state.Kind == types.ExecutionLost {
			continue
		}
		e.state = types.ExecutionState{Kind: types.ExecutionLost}
		db.entries[k] = e
		changed = append(changed, reportFromEntry(k, e))
	}
	return changed
}

// CleanupOnStateCommit drops entries whose workload name is no longer a key
// of currentRendered, keeping the DB bounded as workloads are removed (spec
// §4.6). It compares workload names only: entries of an older instance (a
// different content hash or agent) of a workload that is still rendered are
// kept.
func (db *DB) CleanupOnStateCommit(currentRendered map[string]types.WorkloadSpec) {
	db.mu.Lock()
	defer db.mu.Unlock()

	for k, e := range db.entries {
		if _, ok := currentRendered[e.key.Workload]; !ok {
			delete(db.entries, k)
		}
	}
}
