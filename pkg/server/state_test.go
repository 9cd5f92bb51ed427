package server

import (
	"sync"
	"testing"

	"github.com/cuemby/orbital/pkg/statedb"
	"github.com/cuemby/orbital/pkg/storage"
	"github.com/cuemby/orbital/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNotifier struct {
	mu               sync.Mutex
	serverHellos     map[string][]types.WorkloadSpec
	updateWorkloads  []updateWorkloadCall
	updateStateCalls []updateStateCall
}

type updateWorkloadCall struct {
	agent   string
	added   []types.WorkloadSpec
	deleted []types.DeletedWorkload
}

type updateStateCall struct {
	agent  string
	states []statedb.StateReport
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{serverHellos: map[string][]types.WorkloadSpec{}}
}

func (f *fakeNotifier) SendServerHello(agent string, added []types.WorkloadSpec) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.serverHellos[agent] = added
}

func (f *fakeNotifier) SendUpdateWorkload(agent string, added []types.WorkloadSpec, deleted []types.DeletedWorkload) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateWorkloads = append(f.updateWorkloads, updateWorkloadCall{agent, added, deleted})
}

func (f *fakeNotifier) SendUpdateWorkloadState(agent string, states []statedb.StateReport) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateStateCalls = append(f.updateStateCalls, updateStateCall{agent, states})
}

func (f *fakeNotifier) countUpdateWorkload() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updateWorkloads)
}

func newTestServerState(t *testing.T) (*ServerState, *fakeNotifier) {
	t.Helper()
	notifier := newFakeNotifier()
	s, err := New(storage.NewMemStore(), notifier)
	require.NoError(t, err)
	return s, notifier
}

func TestUpdateStateFullReplacementUnderEmptyMask(t *testing.T) {
	s, notifier := newTestServerState(t)
	s.AgentHello("agent_A", types.AgentAttributes{})

	err := s.UpdateState(UpdateRequest{
		DesiredState: map[string]types.WorkloadSpec{
			"nginx": {Name: "nginx", Agent: "agent_A", RuntimeTag: "podman"},
		},
	})
	require.NoError(t, err)

	full := s.GetCompleteState(nil)
	assert.Contains(t, full.DesiredState, "nginx")
	assert.Equal(t, "v1", full.APIVersion)
	require.Equal(t, 1, notifier.countUpdateWorkload())
	assert.Equal(t, "agent_A", notifier.updateWorkloads[0].agent)
	assert.Len(t, notifier.updateWorkloads[0].added, 1)
}

func TestUpdateStateNoFanOutWhenRenderedUnchanged(t *testing.T) {
	s, notifier := newTestServerState(t)
	s.AgentHello("agent_A", types.AgentAttributes{})

	spec := map[string]types.WorkloadSpec{
		"nginx": {Name: "nginx", Agent: "agent_A", RuntimeTag: "podman"},
	}
	require.NoError(t, s.UpdateState(UpdateRequest{DesiredState: spec}))
	require.Equal(t, 1, notifier.countUpdateWorkload())

	// Re-submitting byte-for-byte identical content must not re-trigger a
	// fan-out: the diff engine compares rendered content, not submission count.
	require.NoError(t, s.UpdateState(UpdateRequest{DesiredState: spec}))
	assert.Equal(t, 1, notifier.countUpdateWorkload())
}

func TestUpdateStateRejectsDependencyCycle(t *testing.T) {
	s, _ := newTestServerState(t)

	err := s.UpdateState(UpdateRequest{
		DesiredState: map[string]types.WorkloadSpec{
			"a": {Name: "a", Agent: "agent_A", RuntimeTag: "podman", Dependencies: map[string]types.AddCondition{"b": types.AddConditionRunning}},
			"b": {Name: "b", Agent: "agent_A", RuntimeTag: "podman", Dependencies: map[string]types.AddCondition{"a": types.AddConditionRunning}},
		},
	})

	require.Error(t, err)
	var uerr *UpdateError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, CycleInDependencies, uerr.Kind)

	// Rejected update must not have modified state.
	full := s.GetCompleteState(nil)
	assert.Empty(t, full.DesiredState)
}

func TestUpdateStateRejectsMissingConfigReference(t *testing.T) {
	s, _ := newTestServerState(t)

	err := s.UpdateState(UpdateRequest{
		DesiredState: map[string]types.WorkloadSpec{
			"nginx": {Name: "nginx", Agent: "agent_A", RuntimeTag: "podman", RuntimeConfig: "{{missing}}"},
		},
	})

	require.Error(t, err)
	var uerr *UpdateError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, ResultInvalid, uerr.Kind)
}

func TestGetCompleteStateIncludesAPIVersionWhenMaskTargetsDesiredState(t *testing.T) {
	s, _ := newTestServerState(t)
	require.NoError(t, s.UpdateState(UpdateRequest{
		DesiredState: map[string]types.WorkloadSpec{
			"nginx": {Name: "nginx", Agent: "agent_A", RuntimeTag: "podman"},
		},
	}))

	out := s.GetCompleteState([]string{"desiredState.nginx"})
	assert.NotEmpty(t, out.APIVersion)
	assert.Contains(t, out.DesiredState, "nginx")
}

func TestAgentHelloDeliversAssignedWorkloadsAndGoneMarksLost(t *testing.T) {
	s, notifier := newTestServerState(t)
	require.NoError(t, s.UpdateState(UpdateRequest{
		DesiredState: map[string]types.WorkloadSpec{
			"nginx": {Name: "nginx", Agent: "agent_A", RuntimeTag: "podman"},
		},
	}))

	s.AgentHello("agent_A", types.AgentAttributes{CPUCores: 4})
	assert.Len(t, notifier.serverHellos["agent_A"], 1)

	s.ReceiveWorkloadState("agent_A", []statedb.StateReport{
		{Instance: types.WorkloadInstanceName{WorkloadName: "nginx", ContentHash: "h", AgentName: "agent_A"}, ID: "c1", State: types.ExecutionState{Kind: types.ExecutionRunning}},
	})

	s.AgentGone("agent_A")

	full := s.GetCompleteState(nil)
	instance := types.WorkloadInstanceName{WorkloadName: "nginx", ContentHash: "h", AgentName: "agent_A"}.String()
	assert.Equal(t, types.ExecutionLost, full.WorkloadStates[instance].Kind)
	assert.NotContains(t, full.Agents, "agent_A")
}

func TestDiffRenderedDistinguishesAddedChangedAndDeleted(t *testing.T) {
	old := map[string]types.WorkloadSpec{
		"a": {Name: "a", RuntimeTag: "v1"},
		"b": {Name: "b", RuntimeTag: "v1"},
	}
	new := map[string]types.WorkloadSpec{
		"a": {Name: "a", RuntimeTag: "v2"}, // changed
		"c": {Name: "c", RuntimeTag: "v1"}, // added
	}

	added, deleted := diffRendered(old, new)
	assert.Contains(t, added, "a")
	assert.Contains(t, added, "c")
	assert.NotContains(t, added, "b")
	assert.True(t, deleted["a"])
	assert.True(t, deleted["b"])
	assert.False(t, deleted["c"])
}
