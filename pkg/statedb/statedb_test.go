package statedb

import (
	"testing"

	"github.com/cuemby/orbital/pkg/types"
	"github.com/stretchr/testify/assert"
)

func instName(workload, hash, agent string) types.WorkloadInstanceName {
	return types.WorkloadInstanceName{WorkloadName: workload, ContentHash: hash, AgentName: agent}
}

func TestProcessNewStatesReturnsOnlyChanges(t *testing.T) {
	db := New()

	changed := db.ProcessNewStates([]StateReport{
		{Instance: instName("nginx", "h1", "agent_A"), ID: "c1", State: types.ExecutionState{Kind: types.ExecutionRunning}},
	})
	assert.Len(t, changed, 1)

	// Same state reported again: no change.
	changed = db.ProcessNewStates([]StateReport{
		{Instance: instName("nginx", "h1", "agent_A"), ID: "c1", State: types.ExecutionState{Kind: types.ExecutionRunning}},
	})
	assert.Empty(t, changed)

	// Different state: one change.
	changed = db.ProcessNewStates([]StateReport{
		{Instance: instName("nginx", "h1", "agent_A"), ID: "c1", State: types.ExecutionState{Kind: types.ExecutionSucceeded}},
	})
	assert.Len(t, changed, 1)
}

func TestMarkAgentLostSetsAllInstancesForAgent(t *testing.T) {
	db := New()
	db.ProcessNewStates([]StateReport{
		{Instance: instName("nginx", "h1", "agent_A"), ID: "c1", State: types.ExecutionState{Kind: types.ExecutionRunning}},
		{Instance: instName("redis", "h2", "agent_A"), ID: "c2", State: types.ExecutionState{Kind: types.ExecutionRunning}},
		{Instance: instName("db", "h3", "agent_B"), ID: "c3", State: types.ExecutionState{Kind: types.ExecutionRunning}},
	})

	changed := db.MarkAgentLost("agent_A")
	assert.Len(t, changed, 2)

	all := db.GetAll()
	assert.Equal(t, types.ExecutionLost, all[instName("nginx", "h1", "agent_A").String()].Kind)
	assert.Equal(t, types.ExecutionLost, all[instName("redis", "h2", "agent_A").String()].Kind)
	assert.Equal(t, types.ExecutionRunning, all[instName("db", "h3", "agent_B").String()].Kind)
}

func TestMarkAgentLostIsIdempotent(t *testing.T) {
	db := New()
	db.ProcessNewStates([]StateReport{
		{Instance: instName("nginx", "h1", "agent_A"), ID: "c1", State: types.ExecutionState{Kind: types.ExecutionRunning}},
	})
	db.MarkAgentLost("agent_A")
	changed := db.MarkAgentLost("agent_A")
	assert.Empty(t, changed)
}

func TestGetForAgentAndExcludingAgent(t *testing.T) {
	db := New()
	db.ProcessNewStates([]StateReport{
		{Instance: instName("nginx", "h1", "agent_A"), ID: "c1", State: types.ExecutionState{Kind: types.ExecutionRunning}},
		{Instance: instName("redis", "h2", "agent_B"), ID: "c2", State: types.ExecutionState{Kind: types.ExecutionRunning}},
	})

	forA := db.GetForAgent("agent_A")
	assert.Len(t, forA, 1)
	assert.Equal(t, "nginx", forA[0].Instance.WorkloadName)

	excludingA := db.GetExcludingAgent("agent_A")
	assert.Len(t, excludingA, 1)
	assert.Equal(t, "redis", excludingA[0].Instance.WorkloadName)
}

func TestCleanupOnStateCommitDropsStaleEntries(t *testing.T) {
	db := New()
	db.ProcessNewStates([]StateReport{
		{Instance: instName("nginx", "h1", "agent_A"), ID: "c1", State: types.ExecutionState{Kind: types.ExecutionRunning}},
		{Instance: instName("redis", "h2", "agent_A"), ID: "c2", State: types.ExecutionState{Kind: types.ExecutionRunning}},
	})

	db.CleanupOnStateCommit(map[string]types.WorkloadSpec{
		"nginx": {Name: "nginx"},
	})

	all := db.GetAll()
	assert.Contains(t, all, instName("nginx", "h1", "agent_A").String())
	assert.NotContains(t, all, instName("redis", "h2", "agent_A").String())
}

func TestAggregateExecutionStatesMultiContainer(t *testing.T) {
	db := New()
	db.ProcessNewStates([]StateReport{
		{Instance: instName("app", "h1", "agent_A"), ID: "c1", State: types.ExecutionState{Kind: types.ExecutionRunning}},
		{Instance: instName("app", "h1", "agent_A"), ID: "c2", State: types.ExecutionState{Kind: types.ExecutionFailed}},
	})

	all := db.GetAll()
	assert.Equal(t, types.ExecutionFailed, all[instName("app", "h1", "agent_A").String()].Kind)
}
