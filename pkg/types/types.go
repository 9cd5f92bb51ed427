// Package types defines the data model shared by the server, the agent, and the
// runtime adaptation layer: workload specifications, execution states, the
// desired-state container, and the handful of value types the scheduler and
// control loop pass between each other.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

// RestartCondition controls when a WorkloadControlLoop restarts a failed workload.
type RestartCondition string

const (
	RestartNever     RestartCondition = "never"
	RestartOnFailure RestartCondition = "on-failure"
	RestartAlways    RestartCondition = "always"
)

// AddCondition names the execution state a dependency must reach before a
// workload that depends on it is eligible for creation.
type AddCondition string

const (
	AddConditionRunning   AddCondition = "ADD_COND_RUNNING"
	AddConditionSucceeded AddCondition = "ADD_COND_SUCCEEDED"
)

// DeleteCondition names the execution state a dependent workload must reach
// before a workload it depends on may be deleted.
type DeleteCondition string

const (
	DeleteConditionSucceeded            DeleteCondition = "DEL_COND_SUCCEEDED"
	DeleteConditionNotPendingNorRunning DeleteCondition = "DEL_COND_NOT_PENDING_NOR_RUNNING"
)

// RestartPolicy bounds how a WorkloadControlLoop recovers from transient
// runtime-adapter failures.
type RestartPolicy struct {
	Condition   RestartCondition
	MaxAttempts int
	Delay       time.Duration
}

// VolumeMount describes a host/volume bind mount passed to the runtime adapter.
type VolumeMount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ControlInterfaceAccess names one allowed operation on the workload's control
// interface. The core does not interpret these beyond passing them through to
// the runtime adapter's mount setup; the consumer on the other end of the
// control-interface socket is out of scope (spec §1).
type ControlInterfaceAccess struct {
	Operation string
	Allow     bool
}

// WorkloadSpec is the immutable description submitted by a client. Two spec
// versions of the same workload name produce two different WorkloadInstanceNames.
type WorkloadSpec struct {
	Name          string
	Agent         string
	RuntimeTag    string
	RuntimeConfig string // opaque, runtime-specific configuration blob
	Dependencies  map[string]AddCondition
	RestartPolicy RestartPolicy
	Labels        map[string]string
	Tags          map[string]string
	Mounts        []VolumeMount
	ControlAccess []ControlInterfaceAccess
}

// Hash returns a content hash of the fields that make two spec versions of the
// same workload name distinct instances. It deliberately excludes nothing:
// any field change must produce a new WorkloadInstanceName so the agent never
// conflates an old and a new runtime instance.
func (s WorkloadSpec) Hash() string {
	// Canonicalize maps/slices before hashing so equal specs with different
	// marshal ordering still hash identically.
	type canonical struct {
		Name          string
		Agent         string
		RuntimeTag    string
		RuntimeConfig string
		Dependencies  []string
		RestartPolicy RestartPolicy
		Labels        []string
		Tags          []string
		Mounts        []VolumeMount
		ControlAccess []ControlInterfaceAccess
	}
	c := canonical{
		Name:          s.Name,
		Agent:         s.Agent,
		RuntimeTag:    s.RuntimeTag,
		RuntimeConfig: s.RuntimeConfig,
		RestartPolicy: s.RestartPolicy,
		Mounts:        s.Mounts,
		ControlAccess: s.ControlAccess,
	}
	for k, v := range s.Dependencies {
		c.Dependencies = append(c.Dependencies, k+"="+string(v))
	}
	sort.Strings(c.Dependencies)
	for k, v := range s.Labels {
		c.Labels = append(c.Labels, k+"="+v)
	}
	sort.Strings(c.Labels)
	for k, v := range s.Tags {
		c.Tags = append(c.Tags, k+"="+v)
	}
	sort.Strings(c.Tags)

	data, _ := json.Marshal(c)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}

// WorkloadInstanceName identifies one spec version of a workload on one agent.
// It is the identity used for state reporting and runtime correlation.
type WorkloadInstanceName struct {
	WorkloadName string
	AgentName    string
	ContentHash  string
}

// String renders the instance name in the "<workload>.<hash>.<agent>" form used
// by the runtime adapter for container/volume naming.
func (n WorkloadInstanceName) String() string {
	return n.WorkloadName + "." + n.ContentHash + "." + n.AgentName
}

// ExecutionStateKind is the discriminant of ExecutionState.
type ExecutionStateKind int

const (
	ExecutionFailed ExecutionStateKind = iota
	ExecutionStarting
	ExecutionUnknown
	ExecutionRunning
	ExecutionStopping
	ExecutionSucceeded
	ExecutionWaitingToStart
	ExecutionWaitingToStop
	ExecutionLost
	ExecutionRemoved
)

// aggregateOrder defines the ordering used when reducing a multi-container
// workload's per-container states to a single aggregate (spec §3): the
// aggregate is the minimum under this order.
var aggregateOrder = map[ExecutionStateKind]int{
	ExecutionFailed:         0,
	ExecutionStarting:       1,
	ExecutionUnknown:        2,
	ExecutionRunning:        3,
	ExecutionStopping:       4,
	ExecutionSucceeded:      5,
	ExecutionLost:           6,
	ExecutionWaitingToStart: 6,
	ExecutionWaitingToStop:  6,
	ExecutionRemoved:        6,
}

// ExecutionState is the observable lifecycle value of a workload instance.
// Starting, Failed, Stopping, and Unknown carry a free-form info string (e.g.
// the runtime's raw status string or "Exit code: '1'").
type ExecutionState struct {
	Kind ExecutionStateKind
	Info string
}

func (s ExecutionState) String() string {
	switch s.Kind {
	case ExecutionFailed:
		return "Failed(" + s.Info + ")"
	case ExecutionStarting:
		return "Starting(" + s.Info + ")"
	case ExecutionUnknown:
		return "Unknown(" + s.Info + ")"
	case ExecutionStopping:
		return "Stopping(" + s.Info + ")"
	case ExecutionRunning:
		return "Running"
	case ExecutionSucceeded:
		return "Succeeded"
	case ExecutionWaitingToStart:
		return "WaitingToStart"
	case ExecutionWaitingToStop:
		return "WaitingToStop"
	case ExecutionLost:
		return "Lost"
	case ExecutionRemoved:
		return "Removed"
	default:
		return "Unknown()"
	}
}

// IsTerminal reports whether the state satisfies a delete-condition wait: the
// workload has stopped running one way or another.
func (s ExecutionState) IsTerminal() bool {
	switch s.Kind {
	case ExecutionSucceeded, ExecutionFailed, ExecutionRemoved, ExecutionLost:
		return true
	default:
		return false
	}
}

// SatisfiesAdd reports whether this state satisfies the given add-condition.
func (s ExecutionState) SatisfiesAdd(cond AddCondition) bool {
	switch cond {
	case AddConditionRunning:
		return s.Kind == ExecutionRunning
	case AddConditionSucceeded:
		return s.Kind == ExecutionSucceeded
	default:
		return false
	}
}

// SatisfiesDelete reports whether this state satisfies the given
// delete-condition held by a reverse dependency.
func (s ExecutionState) SatisfiesDelete(cond DeleteCondition) bool {
	switch cond {
	case DeleteConditionSucceeded:
		return s.Kind == ExecutionSucceeded
	case DeleteConditionNotPendingNorRunning:
		return s.Kind != ExecutionStarting && s.Kind != ExecutionRunning && s.Kind != ExecutionWaitingToStart
	default:
		return false
	}
}

// DeriveDeleteCondition returns the delete condition a dependent workload
// holds over the workload it depends on, given the add condition it declared
// (spec §3): a dependent waiting for its dependency to be Running must not
// itself still be pending or running before that dependency can be deleted;
// one waiting for Succeeded must itself have reached Succeeded.
func DeriveDeleteCondition(add AddCondition) DeleteCondition {
	switch add {
	case AddConditionSucceeded:
		return DeleteConditionSucceeded
	default:
		return DeleteConditionNotPendingNorRunning
	}
}

// AggregateExecutionStates reduces a set of per-container states for one
// workload instance to a single aggregate using the minimum under
// aggregateOrder, per spec §3.
func AggregateExecutionStates(states []ExecutionState) ExecutionState {
	if len(states) == 0 {
		return ExecutionState{Kind: ExecutionUnknown, Info: "no containers"}
	}
	min := states[0]
	for _, s := range states[1:] {
		if aggregateOrder[s.Kind] < aggregateOrder[min.Kind] {
			min = s
		}
	}
	return min
}

// AgentAttributes describes a connected agent (reported on AgentHello).
type AgentAttributes struct {
	CPUCores    int
	MemoryBytes int64
	Labels      map[string]string
}

// AgentLoadStatus is the periodic heartbeat an agent sends alongside its
// workload-state reports (spec §6).
type AgentLoadStatus struct {
	CPUPercent      float64
	FreeMemoryBytes int64
}

// CompleteState is the authoritative server-side view: desired state plus the
// most recently observed execution states and connected-agent attributes.
type CompleteState struct {
	APIVersion     string                     `json:"apiVersion"`
	DesiredState   map[string]WorkloadSpec    `json:"desiredState"`   // workload name -> spec
	Configs        map[string]string          `json:"configs"`        // name -> opaque config value, referenced by templated specs
	WorkloadStates map[string]ExecutionState  `json:"workloadStates"` // WorkloadInstanceName.String() -> state
	Agents         map[string]AgentAttributes `json:"agents"`
}

// NewCompleteState returns an empty, well-formed CompleteState.
func NewCompleteState() CompleteState {
	return CompleteState{
		APIVersion:     "v1",
		DesiredState:   map[string]WorkloadSpec{},
		Configs:        map[string]string{},
		WorkloadStates: map[string]ExecutionState{},
		Agents:         map[string]AgentAttributes{},
	}
}

// ReverseDependency is one edge in the delete graph: the named workload holds
// a dependency on the workload being deleted, gated by Condition (spec §3,
// §4.5 step 6). The server computes and attaches these to an outgoing
// DeletedWorkload since a dependent may live on a different agent than the
// one asked to delete the workload it depends on.
type ReverseDependency struct {
	Name      string
	Condition DeleteCondition
}

// DeletedWorkload is the server→agent wire representation of a workload
// removed from desired state, carrying the reverse-dependency edges the
// agent's scheduler needs to gate the delete (spec §4.5 step 6).
type DeletedWorkload struct {
	Name        string
	ReverseDeps []ReverseDependency
}

// PendingEntryKind discriminates the scheduler's queued operations.
type PendingEntryKind int

const (
	PendingCreate PendingEntryKind = iota
	PendingDelete
	PendingUpdateCreate
	PendingUpdateDelete
)

// PendingEntry is a scheduler-queued operation awaiting its dependency
// condition. At most one entry exists per workload name at any time.
type PendingEntry struct {
	Kind        PendingEntryKind
	New         *WorkloadSpec // set for Create, UpdateCreate, UpdateDelete
	Deleted     *WorkloadSpec // set for Delete, UpdateCreate, UpdateDelete
	ReverseDeps []ReverseDependency
}
