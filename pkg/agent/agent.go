// Package agent implements AgentCore (spec §4.4): the per-node process that
// owns one WorkloadControlLoop per assigned workload, a dependency
// scheduler, its local view of the WorkloadStateDB, and a runtime adapter.
// It turns server messages (UpdateWorkload/UpdateWorkloadState) into
// scheduler operations and forwards resulting workload-state observations
// back upward.
package agent

import (
	"context"
	goruntime "runtime"
	"sync"
	"time"

	"github.com/cuemby/orbital/pkg/config"
	"github.com/cuemby/orbital/pkg/log"
	"github.com/cuemby/orbital/pkg/runtime"
	"github.com/cuemby/orbital/pkg/scheduler"
	"github.com/cuemby/orbital/pkg/statedb"
	"github.com/cuemby/orbital/pkg/types"
	"github.com/cuemby/orbital/pkg/workload"
)

// ServerNotifier delivers outbound messages up to the server this agent is
// connected to. A concrete transport (pkg/dispatcher) implements this; Core
// never has to know how bytes reach the wire.
type ServerNotifier interface {
	SendWorkloadState(reports []statedb.StateReport)
	SendAgentLoadStatus(status types.AgentLoadStatus)
}

// Core is the agent-side counterpart to pkg/server.ServerState.
type Core struct {
	mu sync.Mutex

	name     string
	adapter  runtime.Adapter
	policy   config.Policy
	notifier ServerNotifier
	sampler  LoadSampler

	db        *statedb.DB
	scheduler *scheduler.Scheduler

	loops     map[string]*workload.ControlLoop
	cancels   map[string]context.CancelFunc
	instances map[string]types.WorkloadInstanceName
	specs     map[string]types.WorkloadSpec

	stopHeartbeat chan struct{}
}

// New builds an agent Core. name is this agent's name, adapter the runtime
// backing every control loop, policy the restart/retry/cache constants, and
// notifier the outbound channel to the server.
func New(name string, adapter runtime.Adapter, policy config.Policy, notifier ServerNotifier) *Core {
	c := &Core{
		name:      name,
		adapter:   adapter,
		policy:    policy,
		notifier:  notifier,
		sampler:   DefaultLoadSampler{},
		db:        statedb.New(),
		loops:     map[string]*workload.ControlLoop{},
		cancels:   map[string]context.CancelFunc{},
		instances: map[string]types.WorkloadInstanceName{},
		specs:     map[string]types.WorkloadSpec{},
	}
	c.scheduler = scheduler.New(c.db, c.specSnapshot, c.dispatch, c.reportWaiting)
	return c
}

// SetLoadSampler overrides the default /proc-backed load sampler, mainly for
// tests.
func (c *Core) SetLoadSampler(s LoadSampler) { c.sampler = s }

// Attributes reports this agent's static attributes, sent with AgentHello.
func (c *Core) Attributes(labels map[string]string) types.AgentAttributes {
	return types.AgentAttributes{
		CPUCores:    goruntime.NumCPU(),
		MemoryBytes: c.sampler.Sample().FreeMemoryBytes,
		Labels:      labels,
	}
}

// HandleServerHello processes the initial added-workload set the server
// sends on connect: it discovers and adopts already-running instances via
// the runtime's label query before falling back to a fresh Create, then
// deletes whatever is left over under this agent's label that no current
// spec claims (spec §4.4 connect sequence).
func (c *Core) HandleServerHello(added []types.WorkloadSpec) {
	ctx := context.Background()
	claimed := map[string]bool{}

	for _, spec := range added {
		c.recordSpec(spec.Name, spec)

		ids, err := c.adapter.ListByLabel(ctx, "name", spec.Name)
		if err != nil {
			log.WithAgentName(c.name).Warn().Err(err).Str("workload", spec.Name).
				Msg("reusable-instance discovery failed, creating fresh")
			c.createOrSubmit(spec)
			continue
		}
		if len(ids) == 0 {
			c.createOrSubmit(spec)
			continue
		}

		claimed[ids[0]] = true
		loop := c.ensureLoop(spec)
		loop.Send(workload.Resume{Spec: spec, InstanceID: ids[0]})
	}

	c.deleteStaleInstances(ctx, claimed)
}

func (c *Core) deleteStaleInstances(ctx context.Context, claimed map[string]bool) {
	ids, err := c.adapter.ListByLabel(ctx, "agent", c.name)
	if err != nil {
		log.WithAgentName(c.name).Warn().Err(err).Msg("stale-instance listing failed")
		return
	}
	for _, id := range ids {
		if claimed[id] {
			continue
		}
		if err := c.adapter.Delete(ctx, id); err != nil {
			log.WithAgentName(c.name).Warn().Err(err).Str("instance", id).Msg("failed to delete stale instance")
		}
	}
}

func (c *Core) createOrSubmit(spec types.WorkloadSpec) {
	c.ensureLoop(spec)
	c.scheduler.Submit(scheduler.Operation{Kind: scheduler.OpCreate, Name: spec.Name, New: &spec})
}

// UpdateWorkload applies one server diff: added is the full set of new or
// changed specs assigned to this agent, deleted the removed-or-changed-away
// names with their reverse-dependency edges. A name present in both is a
// change: the old instance is deleted and the new one created by a single
// Update operation (spec §4.5 step 4's convention).
func (c *Core) UpdateWorkload(added []types.WorkloadSpec, deleted []types.DeletedWorkload) {
	addedByName := make(map[string]types.WorkloadSpec, len(added))
	for _, s := range added {
		addedByName[s.Name] = s
	}
	deletedByName := make(map[string]types.DeletedWorkload, len(deleted))
	for _, d := range deleted {
		deletedByName[d.Name] = d
	}

	for name, spec := range addedByName {
		spec := spec
		c.recordSpec(name, spec)
		c.ensureLoop(spec)

		if del, changed := deletedByName[name]; changed {
			c.scheduler.Submit(scheduler.Operation{Kind: scheduler.OpUpdate, Name: name, New: &spec, ReverseDeps: del.ReverseDeps})
			continue
		}
		c.scheduler.Submit(scheduler.Operation{Kind: scheduler.OpCreate, Name: name, New: &spec})
	}

	for name, del := range deletedByName {
		if _, changed := addedByName[name]; changed {
			continue // handled above as an update
		}
		c.scheduler.Submit(scheduler.Operation{Kind: scheduler.OpDelete, Name: name, ReverseDeps: del.ReverseDeps})
		c.forgetSpec(name)
	}
}

// HandleUpdateWorkloadState merges states reported by the server for other
// agents' workloads into this agent's local view and re-evaluates the
// scheduler, since a dependency hosted elsewhere may have just unblocked a
// pending operation here.
func (c *Core) HandleUpdateWorkloadState(reports []statedb.StateReport) {
	c.db.ProcessNewStates(reports)
	c.scheduler.Rescan()
}

// ensureLoop returns the control loop for spec.Name, creating and starting
// one if this is the first operation ever seen for that name.
func (c *Core) ensureLoop(spec types.WorkloadSpec) *workload.ControlLoop {
	c.mu.Lock()
	defer c.mu.Unlock()

	if loop, ok := c.loops[spec.Name]; ok {
		return loop
	}

	instance := types.WorkloadInstanceName{WorkloadName: spec.Name, ContentHash: spec.Hash(), AgentName: c.name}
	ctx, cancel := context.WithCancel(context.Background())
	loop := workload.New(instance, c.adapter, c.policy, "", c.reportFromLoop(spec.Name, instance))

	c.loops[spec.Name] = loop
	c.cancels[spec.Name] = cancel
	c.instances[spec.Name] = instance
	go loop.Run(ctx)
	return loop
}

// dispatch is the scheduler.Dispatch callback: it forwards cmd to name's
// control loop, dropping it with a warning if no loop is known (should not
// happen, since every operation passes through ensureLoop or UpdateWorkload's
// deletion path first).
func (c *Core) dispatch(name string, cmd workload.Command) {
	c.mu.Lock()
	loop, ok := c.loops[name]
	c.mu.Unlock()
	if !ok {
		log.WithWorkloadName(name).Warn().Msg("dispatch to unknown control loop, dropping command")
		return
	}
	loop.Send(cmd)
}

// reportWaiting is the scheduler.Report callback: a still-pending operation
// surfaces as a WaitingToStart/WaitingToStop state with no instance id yet.
// The scheduler calls it while holding its own lock, so it records and
// forwards the state without triggering a Rescan.
func (c *Core) reportWaiting(name string, state types.ExecutionState) {
	instance := c.instanceFor(name)
	changed := c.db.ProcessNewStates([]statedb.StateReport{{Instance: instance, ID: "", State: state}})
	if len(changed) > 0 {
		c.notifier.SendWorkloadState(changed)
	}
}

func (c *Core) instanceFor(name string) types.WorkloadInstanceName {
	c.mu.Lock()
	defer c.mu.Unlock()
	if inst, ok := c.instances[name]; ok {
		return inst
	}
	return types.WorkloadInstanceName{WorkloadName: name, AgentName: c.name}
}

// reportFromLoop builds the StateReporter a control loop calls on every
// observed state change, including the terminal Removed state, at which
// point the loop and its bookkeeping are torn down.
func (c *Core) reportFromLoop(name string, instance types.WorkloadInstanceName) workload.StateReporter {
	return func(instanceID string, state types.ExecutionState) {
		c.applyAndForward([]statedb.StateReport{{Instance: instance, ID: instanceID, State: state}})

		if state.Kind == types.ExecutionRemoved {
			c.mu.Lock()
			delete(c.loops, name)
			if cancel, ok := c.cancels[name]; ok {
				cancel()
				delete(c.cancels, name)
			}
			delete(c.instances, name)
			c.mu.Unlock()
		}
	}
}

func (c *Core) applyAndForward(reports []statedb.StateReport) {
	changed := c.db.ProcessNewStates(reports)
	if len(changed) > 0 {
		c.notifier.SendWorkloadState(changed)
	}
	c.scheduler.Rescan()
}

func (c *Core) recordSpec(name string, spec types.WorkloadSpec) {
	c.mu.Lock()
	c.specs[name] = spec
	c.mu.Unlock()
}

func (c *Core) forgetSpec(name string) {
	c.mu.Lock()
	delete(c.specs, name)
	c.mu.Unlock()
}

func (c *Core) specSnapshot() map[string]types.WorkloadSpec {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]types.WorkloadSpec, len(c.specs))
	for k, v := range c.specs {
		out[k] = v
	}
	return out
}

// RunHeartbeat samples this agent's load every interval and forwards it to
// the server, matching the teacher's sendHeartbeat cadence. It blocks until
// StopHeartbeat is called or ctx is canceled.
func (c *Core) RunHeartbeat(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	c.mu.Lock()
	c.stopHeartbeat = make(chan struct{})
	stop := c.stopHeartbeat
	c.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			c.notifier.SendAgentLoadStatus(c.sampler.Sample())
		}
	}
}

// StopHeartbeat terminates a running RunHeartbeat loop.
func (c *Core) StopHeartbeat() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopHeartbeat != nil {
		close(c.stopHeartbeat)
		c.stopHeartbeat = nil
	}
}
