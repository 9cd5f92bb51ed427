// Package workload implements the per-instance WorkloadControlLoop: the
// finite state machine that turns Create/Update/Delete/Restart/Resume
// commands into calls against a runtime.Adapter and reports the resulting
// execution states.
package workload

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/orbital/pkg/config"
	"github.com/cuemby/orbital/pkg/log"
	"github.com/cuemby/orbital/pkg/metrics"
	"github.com/cuemby/orbital/pkg/runtime"
	"github.com/cuemby/orbital/pkg/types"
)

// Command is one message accepted by a ControlLoop's command channel.
type Command interface{ isCommand() }

// Create starts a brand-new instance from spec.
type Create struct{ Spec types.WorkloadSpec }

// Update replaces the current instance (if any) with one built from New.
type Update struct{ New types.WorkloadSpec }

// Delete stops and removes the current instance, then terminates the loop.
type Delete struct{}

// UpdateDeleteOnly tears down the current instance without terminating the
// loop, used by the dependency scheduler to run the delete half of an
// UPDATE_AT_MOST_ONCE update ahead of the eventual Create of the new spec
// (spec §4.3).
type UpdateDeleteOnly struct{}

// Restart is the loop's own internal self-send after a failed Create.
type Restart struct{ Spec types.WorkloadSpec }

// Resume adopts an already-running instance discovered during reusable
// workload recovery, instead of creating a new one.
type Resume struct {
	Spec       types.WorkloadSpec
	InstanceID string
}

func (Create) isCommand()           {}
func (Update) isCommand()           {}
func (Delete) isCommand()           {}
func (UpdateDeleteOnly) isCommand() {}
func (Restart) isCommand()          {}
func (Resume) isCommand()           {}

// StateReporter is called whenever the loop observes a new execution state
// for its instance, including the terminal Removed state on Delete.
type StateReporter func(instanceID string, state types.ExecutionState)

// ControlLoop is one instance of the workload FSM described in spec §4.2.
// A ControlLoop processes its command channel strictly in order (MPSC) and
// must be driven by exactly one goroutine calling Run.
type ControlLoop struct {
	name                 types.WorkloadInstanceName
	adapter              runtime.Adapter
	policy               config.Policy
	controlInterfacePath string
	report               StateReporter
	commands             chan Command

	instanceID         string
	hasInstance        bool
	instanceMu         sync.RWMutex // guards instanceID/hasInstance against the external InstanceID() reader only
	restartPolicySet   bool
	restartEnabled     bool
	restartMaxAttempts int
	restartCounter     int
	checkerCancel      context.CancelFunc
}

// setInstance updates the instance id/presence pair under instanceMu so
// InstanceID() (called from other goroutines) never observes a torn value.
func (l *ControlLoop) setInstance(id string, has bool) {
	l.instanceMu.Lock()
	l.instanceID = id
	l.hasInstance = has
	l.instanceMu.Unlock()
}

// New builds a ControlLoop for instance name, ready to Run.
func New(name types.WorkloadInstanceName, adapter runtime.Adapter, policy config.Policy, controlInterfacePath string, report StateReporter) *ControlLoop {
	return &ControlLoop{
		name:                 name,
		adapter:              adapter,
		policy:               policy,
		controlInterfacePath: controlInterfacePath,
		report:               report,
		commands:             make(chan Command, 16),
	}
}

// applyRestartPolicy derives restartEnabled/restartMaxAttempts from rp the
// first time the loop handles a Create or Resume for spec; a RestartNever
// workload (scenario 1) never restarts at all, and a per-workload
// RestartPolicy.MaxAttempts overrides the process-wide policy.MaxRestarts
// bound when set.
func (l *ControlLoop) applyRestartPolicy(rp types.RestartPolicy) {
	if l.restartPolicySet {
		return
	}
	l.restartPolicySet = true

	switch rp.Condition {
	case types.RestartNever:
		l.restartEnabled = false
	default:
		// OnFailure, Always, and an unset condition all retry; Always/OnFailure
		// are indistinguishable here because the loop only ever restarts after
		// a failed Create (there is no "exited successfully" restart case).
		l.restartEnabled = true
	}

	l.restartMaxAttempts = l.policy.MaxRestarts
	if rp.MaxAttempts > 0 {
		l.restartMaxAttempts = rp.MaxAttempts
	}
}

// Send enqueues a command. It blocks if the channel is full, applying
// natural backpressure rather than dropping commands.
func (l *ControlLoop) Send(cmd Command) {
	l.commands <- cmd
}

// InstanceID returns the runtime id of the currently-running instance, or ""
// if none exists yet. Safe to call from outside the loop's own goroutine:
// it reads under instanceMu, which Run's handlers hold (via setInstance)
// whenever they change the instance.
func (l *ControlLoop) InstanceID() string {
	l.instanceMu.RLock()
	defer l.instanceMu.RUnlock()
	if !l.hasInstance {
		return ""
	}
	return l.instanceID
}

// Run processes commands until a successful Delete terminates the loop or
// ctx is canceled.
func (l *ControlLoop) Run(ctx context.Context) {
	defer l.stopStateChecker()

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-l.commands:
			if l.handle(ctx, cmd) {
				return
			}
		}
	}
}

// handle processes one command and reports whether the loop should terminate.
func (l *ControlLoop) handle(ctx context.Context, cmd Command) bool {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ControlLoopLatency)

	switch c := cmd.(type) {
	case Create:
		l.handleCreate(ctx, c.Spec)
	case Restart:
		if l.restartEnabled {
			l.handleCreate(ctx, c.Spec)
		}
	case Update:
		l.handleUpdate(ctx, c.New)
	case UpdateDeleteOnly:
		l.handleUpdateDeleteOnly(ctx)
	case Delete:
		return l.handleDelete(ctx)
	case Resume:
		l.handleResume(ctx, c.Spec, c.InstanceID)
	}
	return false
}

func (l *ControlLoop) handleCreate(ctx context.Context, spec types.WorkloadSpec) {
	l.applyRestartPolicy(spec.RestartPolicy)
	l.restartCounter++ // counts every attempt, including this one, per spec's restart_counter narrative

	id, err := l.adapter.Create(ctx, l.name, spec, l.controlInterfacePath)
	if err != nil {
		log.WithWorkloadName(l.name.WorkloadName).Warn().Err(err).Msg("workload create failed")

		retriesUsed := l.restartCounter - 1
		if !l.restartEnabled || retriesUsed >= l.restartMaxAttempts {
			l.restartEnabled = false
			l.report(l.instanceID, types.ExecutionState{Kind: types.ExecutionFailed, Info: err.Error()})
			return
		}
		metrics.RestartsTotal.WithLabelValues(l.name.WorkloadName).Inc()
		l.scheduleRestart(spec)
		return
	}

	l.setInstance(id, true)
	l.report(id, types.ExecutionState{Kind: types.ExecutionStarting})
	l.startStateChecker(ctx)
}

// scheduleRestart self-sends a Restart command after RetryWait, without
// blocking the control loop's own goroutine.
func (l *ControlLoop) scheduleRestart(spec types.WorkloadSpec) {
	go func() {
		time.Sleep(l.policy.RetryWait)
		l.Send(Restart{Spec: spec})
	}()
}

func (l *ControlLoop) handleUpdate(ctx context.Context, newSpec types.WorkloadSpec) {
	l.restartEnabled = false

	if l.hasInstance {
		if err := l.adapter.Delete(ctx, l.instanceID); err != nil {
			log.WithWorkloadName(l.name.WorkloadName).Warn().Err(err).Msg("update: delete of old instance failed, retaining id")
			return // keep id, remain; caller (scheduler/client) retries via resend
		}
		l.stopStateChecker()
		l.setInstance("", false)
	}

	id, err := l.adapter.Create(ctx, l.name, newSpec, l.controlInterfacePath)
	if err != nil {
		log.WithWorkloadName(l.name.WorkloadName).Warn().Err(err).Msg("update: create of new instance failed")
		return // remain without id; subsequent commands may recover
	}
	l.setInstance(id, true)
	l.report(id, types.ExecutionState{Kind: types.ExecutionStarting})
	l.startStateChecker(ctx)
}

// handleUpdateDeleteOnly tears down the current instance but, unlike
// handleDelete, does not terminate the loop or report Removed: the scheduler
// will follow up with a Create of the new spec once its dependencies clear.
func (l *ControlLoop) handleUpdateDeleteOnly(ctx context.Context) {
	l.restartEnabled = false
	if !l.hasInstance {
		return
	}
	if err := l.adapter.Delete(ctx, l.instanceID); err != nil {
		log.WithWorkloadName(l.name.WorkloadName).Warn().Err(err).Msg("update-delete-only failed, retaining id for retry")
		return
	}
	l.stopStateChecker()
	l.setInstance("", false)
}

func (l *ControlLoop) handleDelete(ctx context.Context) bool {
	l.restartEnabled = false

	if l.hasInstance {
		if err := l.adapter.Delete(ctx, l.instanceID); err != nil {
			log.WithWorkloadName(l.name.WorkloadName).Warn().Err(err).Msg("delete failed, retaining id for retry")
			return false // keep id, remain; Delete is always retriable
		}
		l.stopStateChecker()
	}
	l.report(l.instanceID, types.ExecutionState{Kind: types.ExecutionRemoved})
	return true
}

func (l *ControlLoop) handleResume(ctx context.Context, spec types.WorkloadSpec, instanceID string) {
	l.applyRestartPolicy(spec.RestartPolicy)
	l.setInstance(instanceID, true)
	l.startStateChecker(ctx)
}

// startStateChecker begins polling the adapter's listing cache for this
// instance's state, reporting each observed change.
func (l *ControlLoop) startStateChecker(ctx context.Context) {
	l.stopStateChecker()
	checkerCtx, cancel := context.WithCancel(ctx)
	l.checkerCancel = cancel

	interval := l.policy.ListingMaxAge
	if interval <= 0 {
		interval = time.Second
	}

	go func(instanceID string) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-checkerCtx.Done():
				return
			case <-ticker.C:
				states, err := l.adapter.ListStates(checkerCtx)
				if err != nil {
					continue
				}
				if state, ok := states[instanceID]; ok {
					l.report(instanceID, state)
				}
			}
		}
	}(l.instanceID)
}

func (l *ControlLoop) stopStateChecker() {
	if l.checkerCancel != nil {
		l.checkerCancel()
		l.checkerCancel = nil
	}
}
