package storage

import (
	"testing"

	"github.com/cuemby/orbital/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBoltStoreDesiredStateRoundTrip(t *testing.T) {
	s := newTestStore(t)

	desired := map[string]types.WorkloadSpec{
		"nginx": {Name: "nginx", Agent: "agent_A", RuntimeTag: "podman"},
	}
	configs := map[string]string{"region": "eu-west"}

	require.NoError(t, s.SaveDesiredState(desired, configs))

	gotDesired, gotConfigs, err := s.LoadDesiredState()
	require.NoError(t, err)
	assert.Equal(t, desired, gotDesired)
	assert.Equal(t, configs, gotConfigs)
}

func TestBoltStoreLoadDesiredStateEmptyBeforeSave(t *testing.T) {
	s := newTestStore(t)

	desired, configs, err := s.LoadDesiredState()
	require.NoError(t, err)
	assert.Empty(t, desired)
	assert.Empty(t, configs)
}

func TestBoltStoreRenderedRoundTrip(t *testing.T) {
	s := newTestStore(t)

	rendered := map[string]types.WorkloadSpec{
		"nginx.abcd1234.agent_A": {Name: "nginx", Agent: "agent_A"},
	}
	require.NoError(t, s.SaveRendered(rendered))

	got, err := s.LoadRendered()
	require.NoError(t, err)
	assert.Equal(t, rendered, got)
}

func TestBoltStoreDeleteGraphRoundTrip(t *testing.T) {
	s := newTestStore(t)

	graph := map[string][]ReverseDependency{
		"db": {{Name: "web", Condition: types.DeleteConditionSucceeded}},
	}
	require.NoError(t, s.SaveDeleteGraph(graph))

	got, err := s.LoadDeleteGraph()
	require.NoError(t, err)
	assert.Equal(t, graph, got)
}

func TestBoltStoreWorkloadStatesRoundTrip(t *testing.T) {
	s := newTestStore(t)

	states := map[string]types.ExecutionState{
		"nginx.abcd1234.agent_A": {Kind: types.ExecutionRunning},
	}
	require.NoError(t, s.SaveWorkloadStates(states))

	got, err := s.LoadWorkloadStates()
	require.NoError(t, err)
	assert.Equal(t, states, got)
}

func TestBoltStoreAgentsRoundTrip(t *testing.T) {
	s := newTestStore(t)

	agents := map[string]types.AgentAttributes{
		"agent_A": {CPUCores: 4, MemoryBytes: 8 << 30},
	}
	require.NoError(t, s.SaveAgents(agents))

	got, err := s.LoadAgents()
	require.NoError(t, err)
	assert.Equal(t, agents, got)
}

func TestBoltStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s1, err := NewBoltStore(dir)
	require.NoError(t, err)
	require.NoError(t, s1.SaveDesiredState(
		map[string]types.WorkloadSpec{"nginx": {Name: "nginx"}},
		map[string]string{},
	))
	require.NoError(t, s1.Close())

	s2, err := NewBoltStore(dir)
	require.NoError(t, err)
	defer s2.Close()

	desired, _, err := s2.LoadDesiredState()
	require.NoError(t, err)
	assert.Contains(t, desired, "nginx")
}
