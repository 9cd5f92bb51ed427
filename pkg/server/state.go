// Package server implements ServerState, the authoritative CompleteState and
// dependency DeleteGraph described in spec §4.5: applying client updates
// through the mask/render/validate/diff/cycle-check/commit pipeline,
// projecting GetCompleteState under a field mask, fanning workload-state
// changes out to connected agents, and the agent connect/disconnect
// lifecycle.
package server

import (
	"encoding/json"
	"sync"

	"github.com/cuemby/orbital/pkg/log"
	"github.com/cuemby/orbital/pkg/statedb"
	"github.com/cuemby/orbital/pkg/storage"
	"github.com/cuemby/orbital/pkg/types"
)

// AgentNotifier delivers outbound messages to a connected agent. pkg/server
// depends only on this interface; a concrete transport (pkg/dispatcher) is
// wired in by the process that constructs a ServerState, so this package
// never has to know how bytes reach the wire.
type AgentNotifier interface {
	SendServerHello(agent string, added []types.WorkloadSpec)
	SendUpdateWorkload(agent string, added []types.WorkloadSpec, deleted []types.DeletedWorkload)
	SendUpdateWorkloadState(agent string, states []statedb.StateReport)
}

// writableState is the client-mutable subset of CompleteState: the part a
// field-masked update actually targets. Agents/WorkloadStates are
// server-observed, not client-writable.
type writableState struct {
	APIVersion   string                      `json:"apiVersion"`
	DesiredState map[string]types.WorkloadSpec `json:"desiredState"`
	Configs      map[string]string           `json:"configs"`
}

// UpdateRequest is a client's UpdateStateRequest: a partial state plus the
// dotted-path update mask that scopes which parts of it apply.
type UpdateRequest struct {
	APIVersion   string
	DesiredState map[string]types.WorkloadSpec
	Configs      map[string]string
	Mask         []string
}

// ServerState is the single authoritative in-process view; all methods are
// safe for concurrent use.
type ServerState struct {
	mu       sync.Mutex
	store    storage.Store
	notifier AgentNotifier

	desired     map[string]types.WorkloadSpec
	configs     map[string]string
	rendered    map[string]types.WorkloadSpec
	deleteGraph map[string][]types.ReverseDependency
	agents      map[string]types.AgentAttributes
	states      *statedb.DB
}

// New builds a ServerState, loading any previously persisted state from
// store.
func New(store storage.Store, notifier AgentNotifier) (*ServerState, error) {
	desired, configs, err := store.LoadDesiredState()
	if err != nil {
		return nil, err
	}
	rendered, err := store.LoadRendered()
	if err != nil {
		return nil, err
	}
	graph, err := store.LoadDeleteGraph()
	if err != nil {
		return nil, err
	}
	agents, err := store.LoadAgents()
	if err != nil {
		return nil, err
	}
	savedStates, err := store.LoadWorkloadStates()
	if err != nil {
		return nil, err
	}

	db := statedb.New()
	var reports []statedb.StateReport
	for instanceStr, state := range savedStates {
		reports = append(reports, statedb.StateReport{
			Instance: statedb.InstanceNameFromString(instanceStr, ""),
			ID:       instanceStr,
			State:    state,
		})
	}
	db.ProcessNewStates(reports)

	return &ServerState{
		store:       store,
		notifier:    notifier,
		desired:     desired,
		configs:     configs,
		rendered:    rendered,
		deleteGraph: graph,
		agents:      agents,
		states:      db,
	}, nil
}

// AgentForWorkload returns the agent a rendered workload is currently
// assigned to, for routing a client's LogsRequest to the right connection.
func (s *ServerState) AgentForWorkload(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	spec, ok := s.rendered[name]
	if !ok {
		return "", false
	}
	return spec.Agent, true
}

// GetCompleteState projects the current CompleteState through mask (spec
// §4.5 get_complete_state).
func (s *ServerState) GetCompleteState(mask []string) types.CompleteState {
	s.mu.Lock()
	defer s.mu.Unlock()

	full := types.CompleteState{
		APIVersion:     "v1",
		DesiredState:   s.desired,
		Configs:        s.configs,
		WorkloadStates: s.states.GetAll(),
		Agents:         s.agents,
	}

	effectiveMask := mask
	if len(mask) > 0 && hasPrefixPath(mask, "desiredState") && !hasPrefixPath(mask, "apiVersion") {
		effectiveMask = append(append([]string{}, mask...), "apiVersion")
	}

	tree, err := toTree(full)
	if err != nil {
		return full // well-formed in-memory value; tree conversion cannot fail in practice
	}
	projected := ProjectMask(tree, effectiveMask)

	var out types.CompleteState
	if err := fromTree(projected, &out); err != nil {
		return full
	}
	return out
}

// UpdateState runs the full update algorithm (spec §4.5 steps 1-7). On
// success server state has been committed and every connected agent with
// added, changed or deleted workloads has been sent an UpdateWorkload; on
// error server state is unchanged.
func (s *ServerState) UpdateState(req UpdateRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Step 1: mask-apply.
	current := writableState{APIVersion: "v1", DesiredState: s.desired, Configs: s.configs}
	patch := writableState{APIVersion: req.APIVersion, DesiredState: req.DesiredState, Configs: req.Configs}

	currentTree, err := toTree(current)
	if err != nil {
		return invalidErr(err)
	}
	patchTree, err := toTree(patch)
	if err != nil {
		return invalidErr(err)
	}
	mergedTree := ApplyMask(currentTree, patchTree, req.Mask)

	var merged writableState
	if err := fromTree(mergedTree, &merged); err != nil {
		return invalidErr(err)
	}
	if merged.DesiredState == nil {
		merged.DesiredState = map[string]types.WorkloadSpec{}
	}
	if merged.Configs == nil {
		merged.Configs = map[string]string{}
	}

	// Step 2: render.
	rendered, err := renderWorkloads(merged.DesiredState, merged.Configs)
	if err != nil {
		return invalidErr(err)
	}

	// Step 3: validate.
	for name, w := range rendered {
		if err := validateWorkload(name, w); err != nil {
			return invalidErr(err)
		}
	}

	// Step 4: diff.
	addedOrChanged, deletedOrChanged := diffRendered(s.rendered, rendered)

	// Step 5: cycle check, scoped to added/changed workloads and whatever
	// they reach.
	if name, found := detectCycle(rendered, addedOrChanged); found {
		return cycleErr(name)
	}

	// Step 6: delete graph.
	newGraph := buildDeleteGraph(rendered)
	deletedWorkloads := make(map[string]types.DeletedWorkload, len(deletedOrChanged))
	for name := range deletedOrChanged {
		deletedWorkloads[name] = types.DeletedWorkload{Name: name, ReverseDeps: s.deleteGraph[name]}
	}

	// Determine which agent each deleted-or-changed workload used to run on,
	// from the prior rendered set (the new set no longer has it when it's a
	// pure delete).
	agentOfDeleted := func(name string) string {
		if old, ok := s.rendered[name]; ok {
			return old.Agent
		}
		return ""
	}

	// Step 7: commit + fan out.
	if err := s.store.SaveDesiredState(merged.DesiredState, merged.Configs); err != nil {
		return invalidErr(err)
	}
	if err := s.store.SaveRendered(rendered); err != nil {
		return invalidErr(err)
	}
	if err := s.store.SaveDeleteGraph(newGraph); err != nil {
		return invalidErr(err)
	}

	s.desired = merged.DesiredState
	s.configs = merged.Configs
	s.rendered = rendered
	s.deleteGraph = newGraph
	s.states.CleanupOnStateCommit(rendered)

	perAgentAdded := map[string][]types.WorkloadSpec{}
	for _, spec := range addedOrChanged {
		perAgentAdded[spec.Agent] = append(perAgentAdded[spec.Agent], spec)
	}
	perAgentDeleted := map[string][]types.DeletedWorkload{}
	for name := range deletedOrChanged {
		agent := agentOfDeleted(name)
		if agent == "" {
			continue // never assigned to an agent; nothing to notify
		}
		perAgentDeleted[agent] = append(perAgentDeleted[agent], deletedWorkloads[name])
	}

	agentNames := map[string]bool{}
	for a := range perAgentAdded {
		agentNames[a] = true
	}
	for a := range perAgentDeleted {
		agentNames[a] = true
	}
	for agent := range agentNames {
		if _, connected := s.agents[agent]; !connected {
			continue
		}
		s.notifier.SendUpdateWorkload(agent, perAgentAdded[agent], perAgentDeleted[agent])
	}

	return nil
}

// AgentHello records a newly connected agent's attributes, sends it the
// currently-rendered workloads assigned to it as a ServerHello (spec §4.5
// agent lifecycle), and, when other agents have reported states, sends those
// as an initial UpdateWorkloadState.
func (s *ServerState) AgentHello(name string, attrs types.AgentAttributes) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.agents[name] = attrs
	_ = s.store.SaveAgents(s.agents)

	var added []types.WorkloadSpec
	for _, w := range s.rendered {
		if w.Agent == name {
			added = append(added, w)
		}
	}

	s.notifier.SendServerHello(name, added)
	if others := s.states.GetExcludingAgent(name); len(others) > 0 {
		s.notifier.SendUpdateWorkloadState(name, others)
	}
}

// AgentGone marks every workload assigned to name as Lost, broadcasts the
// change to remaining agents, and forgets the agent (spec §4.5 agent
// lifecycle).
func (s *ServerState) AgentGone(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := s.states.MarkAgentLost(name)
	delete(s.agents, name)
	_ = s.store.SaveAgents(s.agents)

	log.WithAgentName(name).Info().Msg("agent disconnected, marking its workloads lost")
	s.broadcastStateChangesLocked(name, changed)
}

// ReceiveWorkloadState applies a batch of states reported by agent and fans
// the changes out to every other connected agent (spec §4.5 workload-state
// fan-out).
func (s *ServerState) ReceiveWorkloadState(agent string, reports []statedb.StateReport) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := s.states.ProcessNewStates(reports)
	if len(changed) == 0 {
		return
	}
	_ = s.store.SaveWorkloadStates(s.states.GetAll())
	s.broadcastStateChangesLocked(agent, changed)
}

// broadcastStateChangesLocked sends changed to every connected agent other
// than exclude, each agent receiving only the subset it did not already
// know (its own states are excluded too).
func (s *ServerState) broadcastStateChangesLocked(exclude string, changed []statedb.StateReport) {
	for agent := range s.agents {
		if agent == exclude {
			continue
		}
		var forAgent []statedb.StateReport
		for _, c := range changed {
			if c.Instance.AgentName != agent {
				forAgent = append(forAgent, c)
			}
		}
		if len(forAgent) > 0 {
			s.notifier.SendUpdateWorkloadState(agent, forAgent)
		}
	}
}

func toTree(v interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var tree map[string]interface{}
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}

func fromTree(tree map[string]interface{}, out interface{}) error {
	data, err := json.Marshal(tree)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
