package scheduler

import (
	"sync"
	"testing"

	"github.com/cuemby/orbital/pkg/statedb"
	"github.com/cuemby/orbital/pkg/types"
	"github.com/cuemby/orbital/pkg/workload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dispatchRecorder struct {
	mu    sync.Mutex
	calls []struct {
		name string
		cmd  workload.Command
	}
}

func (d *dispatchRecorder) record(name string, cmd workload.Command) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, struct {
		name string
		cmd  workload.Command
	}{name, cmd})
}

func (d *dispatchRecorder) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func (d *dispatchRecorder) last() (string, workload.Command) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.calls[len(d.calls)-1]
	return c.name, c.cmd
}

type reportRecorder struct {
	mu     sync.Mutex
	states map[string][]types.ExecutionState
}

func newReportRecorder() *reportRecorder {
	return &reportRecorder{states: map[string][]types.ExecutionState{}}
}

func (r *reportRecorder) record(name string, state types.ExecutionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[name] = append(r.states[name], state)
}

func (r *reportRecorder) countFor(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states[name])
}

func specMap(specs ...types.WorkloadSpec) SpecSource {
	m := map[string]types.WorkloadSpec{}
	for _, s := range specs {
		m[s.Name] = s
	}
	return func() map[string]types.WorkloadSpec { return m }
}

func TestSchedulerDispatchesUnconditionalCreateImmediately(t *testing.T) {
	db := statedb.New()
	disp := &dispatchRecorder{}
	rep := newReportRecorder()
	s := New(db, specMap(), disp.record, rep.record)

	s.Submit(Operation{Kind: OpCreate, Name: "nginx", New: &types.WorkloadSpec{Name: "nginx"}})

	require.Equal(t, 1, disp.len())
	name, cmd := disp.last()
	assert.Equal(t, "nginx", name)
	assert.IsType(t, workload.Create{}, cmd)
}

func TestSchedulerHoldsCreateUntilDependencyRunning(t *testing.T) {
	db := statedb.New()
	disp := &dispatchRecorder{}
	rep := newReportRecorder()
	s := New(db, specMap(), disp.record, rep.record)

	spec := types.WorkloadSpec{
		Name:         "app",
		Dependencies: map[string]types.AddCondition{"db": types.AddConditionRunning},
	}
	s.Submit(Operation{Kind: OpCreate, Name: "app", New: &spec})

	assert.Equal(t, 0, disp.len())
	assert.Equal(t, 1, rep.countFor("app"))
	assert.Contains(t, s.Pending(), "app")

	// Re-scanning without the dependency resolved must not re-emit WaitingToStart.
	s.Rescan()
	assert.Equal(t, 1, rep.countFor("app"))
	assert.Equal(t, 0, disp.len())

	db.ProcessNewStates([]statedb.StateReport{
		{Instance: types.WorkloadInstanceName{WorkloadName: "db", ContentHash: "h", AgentName: "agent_A"}, ID: "c1", State: types.ExecutionState{Kind: types.ExecutionRunning}},
	})
	s.Rescan()

	require.Equal(t, 1, disp.len())
	name, cmd := disp.last()
	assert.Equal(t, "app", name)
	assert.IsType(t, workload.Create{}, cmd)
	assert.NotContains(t, s.Pending(), "app")
}

func TestSchedulerHoldsDeleteUntilDependentStopped(t *testing.T) {
	db := statedb.New()
	disp := &dispatchRecorder{}
	rep := newReportRecorder()

	dependent := types.WorkloadSpec{
		Name:         "app",
		Dependencies: map[string]types.AddCondition{"db": types.AddConditionRunning},
	}
	s := New(db, specMap(dependent), disp.record, rep.record)

	db.ProcessNewStates([]statedb.StateReport{
		{Instance: types.WorkloadInstanceName{WorkloadName: "app", ContentHash: "h", AgentName: "agent_A"}, ID: "c1", State: types.ExecutionState{Kind: types.ExecutionRunning}},
	})

	s.Submit(Operation{Kind: OpDelete, Name: "db", Old: &types.WorkloadSpec{Name: "db"}})

	assert.Equal(t, 0, disp.len())
	assert.Equal(t, 1, rep.countFor("db"))

	db.ProcessNewStates([]statedb.StateReport{
		{Instance: types.WorkloadInstanceName{WorkloadName: "app", ContentHash: "h", AgentName: "agent_A"}, ID: "c1", State: types.ExecutionState{Kind: types.ExecutionRemoved}},
	})
	s.Rescan()

	require.Equal(t, 1, disp.len())
	name, cmd := disp.last()
	assert.Equal(t, "db", name)
	assert.IsType(t, workload.Delete{}, cmd)
}

func TestSchedulerUpdateBothFulfilledDispatchesUpdateDirectly(t *testing.T) {
	db := statedb.New()
	disp := &dispatchRecorder{}
	rep := newReportRecorder()
	s := New(db, specMap(), disp.record, rep.record)

	newSpec := types.WorkloadSpec{Name: "nginx", RuntimeTag: "v2"}
	s.Submit(Operation{Kind: OpUpdate, Name: "nginx", New: &newSpec, Old: &types.WorkloadSpec{Name: "nginx", RuntimeTag: "v1"}})

	require.Equal(t, 1, disp.len())
	name, cmd := disp.last()
	assert.Equal(t, "nginx", name)
	assert.IsType(t, workload.Update{}, cmd)
}

func TestSchedulerUpdateWithUnfulfilledCreateDeletesOldThenQueuesCreate(t *testing.T) {
	db := statedb.New()
	disp := &dispatchRecorder{}
	rep := newReportRecorder()
	s := New(db, specMap(), disp.record, rep.record)

	newSpec := types.WorkloadSpec{
		Name:         "app",
		Dependencies: map[string]types.AddCondition{"db": types.AddConditionRunning},
	}
	s.Submit(Operation{Kind: OpUpdate, Name: "app", New: &newSpec, Old: &types.WorkloadSpec{Name: "app"}})

	// Delete was unconditionally fulfilled (no dependents), so UpdateDeleteOnly
	// fires immediately and the create half waits.
	require.Equal(t, 1, disp.len())
	name, cmd := disp.last()
	assert.Equal(t, "app", name)
	assert.IsType(t, workload.UpdateDeleteOnly{}, cmd)
	assert.Equal(t, 1, rep.countFor("app"))
	assert.Contains(t, s.Pending(), "app")

	db.ProcessNewStates([]statedb.StateReport{
		{Instance: types.WorkloadInstanceName{WorkloadName: "db", ContentHash: "h", AgentName: "agent_A"}, ID: "c1", State: types.ExecutionState{Kind: types.ExecutionRunning}},
	})
	s.Rescan()

	require.Equal(t, 2, disp.len())
	name, cmd = disp.last()
	assert.Equal(t, "app", name)
	assert.IsType(t, workload.Create{}, cmd)
	assert.NotContains(t, s.Pending(), "app")
}

func TestSchedulerAtMostOnePendingEntryPerWorkloadName(t *testing.T) {
	db := statedb.New()
	disp := &dispatchRecorder{}
	rep := newReportRecorder()
	s := New(db, specMap(), disp.record, rep.record)

	spec1 := types.WorkloadSpec{Name: "app", Dependencies: map[string]types.AddCondition{"db": types.AddConditionRunning}}
	spec2 := types.WorkloadSpec{Name: "app", RuntimeTag: "v2", Dependencies: map[string]types.AddCondition{"db": types.AddConditionRunning}}

	s.Submit(Operation{Kind: OpCreate, Name: "app", New: &spec1})
	s.Submit(Operation{Kind: OpCreate, Name: "app", New: &spec2})

	assert.Len(t, s.Pending(), 1)
}
