package storage

import "github.com/cuemby/orbital/pkg/types"

// MemStore is an in-memory Store used by tests that don't want a bbolt file
// on disk. It implements the same atomic-map-swap semantics as BoltStore.
type MemStore struct {
	desired  map[string]types.WorkloadSpec
	configs  map[string]string
	rendered map[string]types.WorkloadSpec
	graph    map[string][]ReverseDependency
	states   map[string]types.ExecutionState
	agents   map[string]types.AgentAttributes
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		desired:  map[string]types.WorkloadSpec{},
		configs:  map[string]string{},
		rendered: map[string]types.WorkloadSpec{},
		graph:    map[string][]ReverseDependency{},
		states:   map[string]types.ExecutionState{},
		agents:   map[string]types.AgentAttributes{},
	}
}

func (m *MemStore) SaveDesiredState(desired map[string]types.WorkloadSpec, configs map[string]string) error {
	m.desired = desired
	m.configs = configs
	return nil
}

func (m *MemStore) LoadDesiredState() (map[string]types.WorkloadSpec, map[string]string, error) {
	return m.desired, m.configs, nil
}

func (m *MemStore) SaveRendered(rendered map[string]types.WorkloadSpec) error {
	m.rendered = rendered
	return nil
}

func (m *MemStore) LoadRendered() (map[string]types.WorkloadSpec, error) {
	return m.rendered, nil
}

func (m *MemStore) SaveDeleteGraph(graph map[string][]ReverseDependency) error {
	m.graph = graph
	return nil
}

func (m *MemStore) LoadDeleteGraph() (map[string][]ReverseDependency, error) {
	return m.graph, nil
}

func (m *MemStore) SaveWorkloadStates(states map[string]types.ExecutionState) error {
	m.states = states
	return nil
}

func (m *MemStore) LoadWorkloadStates() (map[string]types.ExecutionState, error) {
	return m.states, nil
}

func (m *MemStore) SaveAgents(agents map[string]types.AgentAttributes) error {
	m.agents = agents
	return nil
}

func (m *MemStore) LoadAgents() (map[string]types.AgentAttributes, error) {
	return m.agents, nil
}

func (m *MemStore) Close() error { return nil }
