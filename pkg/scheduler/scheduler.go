// Package scheduler implements the agent-side dependency scheduler: it holds
// back a Create/Update/Delete operation until the workloads it depends on
// (or depend on it) have reached the required execution state, and releases
// it onto the control-loop dispatcher once they have (spec §4.3).
//
// Placement decisions - which agent a workload runs on - are made by the
// server's diff engine, not here; this scheduler only gates *when* an
// operation already assigned to this agent is allowed to proceed.
package scheduler

import (
	"sync"
	"time"

	"github.com/cuemby/orbital/pkg/log"
	"github.com/cuemby/orbital/pkg/metrics"
	"github.com/cuemby/orbital/pkg/statedb"
	"github.com/cuemby/orbital/pkg/types"
	"github.com/cuemby/orbital/pkg/workload"
	"github.com/rs/zerolog"
)

// OperationKind discriminates the operations a Scheduler accepts.
type OperationKind int

const (
	OpCreate OperationKind = iota
	OpDelete
	OpUpdate
)

// Operation is one workload operation submitted to the scheduler. New and Old
// are populated according to Kind: Create uses New, Delete uses Old, Update
// uses both. ReverseDeps carries the server-computed reverse-dependency edges
// for a Delete/Update's Old workload (spec §4.5 step 6) - the server attaches
// these because a dependent may live on a different agent than the one being
// asked to delete the workload it depends on, so the scheduler cannot always
// discover them by scanning its own agent's specs alone.
type Operation struct {
	Kind        OperationKind
	Name        string
	New         *types.WorkloadSpec
	Old         *types.WorkloadSpec
	ReverseDeps []types.ReverseDependency
}

// Dispatch delivers a released operation to the named workload's control
// loop as the command it resolves to.
type Dispatch func(workloadName string, cmd workload.Command)

// Report is called to emit a WaitingToStart/WaitingToStop observation.
type Report func(workloadName string, state types.ExecutionState)

// SpecSource returns every workload spec currently assigned to this agent,
// keyed by workload name, so the scheduler can find who (if anyone) depends
// on a given workload without maintaining its own copy of the desired state.
type SpecSource func() map[string]types.WorkloadSpec

// Scheduler is the UPDATE_AT_MOST_ONCE dependency scheduler described in spec
// §4.3: at most one PendingEntry exists per workload name, and every
// unresolved entry is re-evaluated whenever the state db changes.
type Scheduler struct {
	mu             sync.Mutex
	logger         zerolog.Logger
	pending        map[string]types.PendingEntry
	waitingEmitted map[string]bool

	db      *statedb.DB
	specs   SpecSource
	dispatch Dispatch
	report  Report

	stopCh chan struct{}
}

// New builds a Scheduler. db is the agent's local view of execution states,
// specs returns the full set of specs currently assigned to this agent (used
// to find reverse dependencies), dispatch releases a fulfilled operation to
// its control loop, and report emits Waiting* states for still-pending ones.
func New(db *statedb.DB, specs SpecSource, dispatch Dispatch, report Report) *Scheduler {
	return &Scheduler{
		logger:         log.WithComponent("scheduler"),
		pending:        map[string]types.PendingEntry{},
		waitingEmitted: map[string]bool{},
		db:             db,
		specs:          specs,
		dispatch:       dispatch,
		report:         report,
		stopCh:         make(chan struct{}),
	}
}

// Submit enqueues a freshly received operation, dispatching it immediately if
// its dependencies are already fulfilled. It is the entry point for
// newly-received workload operations (spec: "agent-handles-new-workload-operations").
func (s *Scheduler) Submit(op Operation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitLocked(op, true)
}

// Rescan re-evaluates every pending entry against the current state db and
// releases the ones that have become fulfilled, without re-emitting Waiting
// states for entries that remain pending. Call this after every state-db
// change (spec: "agent-keeps-workloads-with-unfulfilled-workload-dependencies-in-queue").
func (s *Scheduler) Rescan() {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconciliationDuration)
	metrics.ReconciliationCyclesTotal.Inc()

	s.mu.Lock()
	defer s.mu.Unlock()

	drained := s.pending
	s.pending = map[string]types.PendingEntry{}

	for name, entry := range drained {
		switch entry.Kind {
		case types.PendingCreate:
			s.submitLocked(Operation{Kind: OpCreate, Name: name, New: entry.New}, false)
		case types.PendingDelete:
			s.submitLocked(Operation{Kind: OpDelete, Name: name, Old: entry.Deleted, ReverseDeps: entry.ReverseDeps}, false)
		case types.PendingUpdateCreate:
			// UpdateDeleteOnly already ran when this entry was queued; only the
			// create side is still pending (the scheduler never re-enqueues a
			// bare UpdateDeleteOnly - that half only ever runs once, up front).
			if s.createFulfilled(*entry.New) {
				delete(s.waitingEmitted, name)
				s.dispatch(name, workload.Create{Spec: *entry.New})
			} else {
				s.pending[name] = entry
			}
		case types.PendingUpdateDelete:
			s.submitLocked(Operation{Kind: OpUpdate, Name: name, New: entry.New, Old: entry.Deleted, ReverseDeps: entry.ReverseDeps}, false)
		}
	}

	metrics.SchedulerQueueDepth.Set(float64(len(s.pending)))
}

// submitLocked is the common path for both fresh submissions and re-queued
// pending entries. allowEmit suppresses Waiting-state reporting on re-queue:
// those states are only observed once, at the moment an operation first
// becomes pending.
func (s *Scheduler) submitLocked(op Operation, allowEmit bool) {
	switch op.Kind {
	case OpCreate:
		if s.createFulfilled(*op.New) {
			delete(s.waitingEmitted, op.Name)
			s.dispatch(op.Name, workload.Create{Spec: *op.New})
			return
		}
		s.pending[op.Name] = types.PendingEntry{Kind: types.PendingCreate, New: op.New}
		s.emitWaiting(op.Name, allowEmit, types.ExecutionWaitingToStart)

	case OpDelete:
		if s.deleteFulfilled(op.Name, op.ReverseDeps) {
			delete(s.waitingEmitted, op.Name)
			s.dispatch(op.Name, workload.Delete{})
			return
		}
		s.pending[op.Name] = types.PendingEntry{Kind: types.PendingDelete, Deleted: op.Old, ReverseDeps: op.ReverseDeps}
		s.emitWaiting(op.Name, allowEmit, types.ExecutionWaitingToStop)

	case OpUpdate:
		createOK := s.createFulfilled(*op.New)
		deleteOK := s.deleteFulfilled(op.Name, op.ReverseDeps)

		switch {
		case createOK && deleteOK:
			delete(s.waitingEmitted, op.Name)
			s.dispatch(op.Name, workload.Update{New: *op.New})

		case deleteOK:
			// Delete side can proceed now; create must still wait. Since the
			// update strategy is at-most-once, the old instance is torn down
			// immediately and the new one is queued as a pending create.
			s.dispatch(op.Name, workload.UpdateDeleteOnly{})
			s.pending[op.Name] = types.PendingEntry{Kind: types.PendingUpdateCreate, New: op.New, Deleted: op.Old, ReverseDeps: op.ReverseDeps}
			s.emitWaiting(op.Name, allowEmit, types.ExecutionWaitingToStart)

		default:
			s.pending[op.Name] = types.PendingEntry{Kind: types.PendingUpdateDelete, New: op.New, Deleted: op.Old, ReverseDeps: op.ReverseDeps}
			s.emitWaiting(op.Name, allowEmit, types.ExecutionWaitingToStop)
		}
	}

	metrics.SchedulerQueueDepth.Set(float64(len(s.pending)))
}

func (s *Scheduler) emitWaiting(name string, allowEmit bool, kind types.ExecutionStateKind) {
	if !allowEmit || s.waitingEmitted[name] {
		return
	}
	s.waitingEmitted[name] = true
	s.report(name, types.ExecutionState{Kind: kind})
}

// statesByWorkload collapses the db's per-instance snapshot (keyed by
// WorkloadInstanceName.String()) to one aggregated state per workload name,
// the key dependencies are declared under.
func (s *Scheduler) statesByWorkload() map[string]types.ExecutionState {
	grouped := map[string][]types.ExecutionState{}
	for instance, state := range s.db.GetAll() {
		name := statedb.InstanceNameFromString(instance, "").WorkloadName
		grouped[name] = append(grouped[name], state)
	}
	out := make(map[string]types.ExecutionState, len(grouped))
	for name, states := range grouped {
		out[name] = types.AggregateExecutionStates(states)
	}
	return out
}

// createFulfilled reports whether every workload spec.Dependencies names is
// currently in the add-condition's required state.
func (s *Scheduler) createFulfilled(spec types.WorkloadSpec) bool {
	if len(spec.Dependencies) == 0 {
		return true
	}
	states := s.statesByWorkload()
	for depName, cond := range spec.Dependencies {
		state, ok := states[depName]
		if !ok || !state.SatisfiesAdd(cond) {
			return false
		}
	}
	return true
}

// deleteFulfilled reports whether every workload that depends on name has
// reached the delete condition it holds over name. reverseDeps, when
// non-empty, is the server-computed edge set attached to the operation (spec
// §4.5 step 6) and takes precedence since it can name dependents on other
// agents this scheduler never sees specs for; otherwise the edges are
// derived by scanning this agent's own assigned specs, which only catches
// same-agent dependency chains.
func (s *Scheduler) deleteFulfilled(name string, reverseDeps []types.ReverseDependency) bool {
	if len(reverseDeps) > 0 {
		return s.deleteFulfilledEdgesVisiting(reverseDeps, map[string]bool{})
	}
	return s.deleteFulfilledLocalVisiting(name, map[string]bool{})
}

func (s *Scheduler) deleteFulfilledEdgesVisiting(edges []types.ReverseDependency, visiting map[string]bool) bool {
	states := s.statesByWorkload()
	for _, edge := range edges {
		if visiting[edge.Name] {
			return false
		}
		state, hasState := states[edge.Name]
		if hasState && state.SatisfiesDelete(edge.Condition) {
			continue
		}
		entry, pending := s.pending[edge.Name]
		if pending && (entry.Kind == types.PendingDelete || entry.Kind == types.PendingUpdateDelete) {
			visiting[edge.Name] = true
			if s.deleteFulfilledEdgesVisiting(entry.ReverseDeps, visiting) {
				continue
			}
		}
		return false
	}
	return true
}

func (s *Scheduler) deleteFulfilledLocalVisiting(name string, visiting map[string]bool) bool {
	if visiting[name] {
		return false // dependency cycle; never reached past server-side validation, but never loop forever
	}
	visiting[name] = true

	states := s.statesByWorkload()
	for depName, depSpec := range s.specs() {
		cond, ok := depSpec.Dependencies[name]
		if !ok {
			continue
		}
		wantCond := types.DeriveDeleteCondition(cond)

		state, hasState := states[depName]
		if hasState && state.SatisfiesDelete(wantCond) {
			continue
		}
		if entry, pending := s.pending[depName]; pending &&
			(entry.Kind == types.PendingDelete || entry.Kind == types.PendingUpdateDelete) &&
			s.deleteFulfilledLocalVisiting(depName, visiting) {
			continue
		}
		return false
	}
	return true
}

// Run periodically rescans the pending queue as a safety net against missed
// notifications, in addition to the caller-driven Rescan on every state
// update. Callers that already rescan synchronously on every state change can
// skip this and just call Rescan directly.
func (s *Scheduler) Run(interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Rescan()
		case <-s.stopCh:
			return
		}
	}
}

// Stop terminates Run's periodic loop.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

// Pending reports the workload names currently parked awaiting a dependency,
// for diagnostics and tests.
func (s *Scheduler) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.pending))
	for name := range s.pending {
		names = append(names, name)
	}
	return names
}
