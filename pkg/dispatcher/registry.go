package dispatcher

import (
	"sync"

	"github.com/cuemby/orbital/pkg/log"
	"github.com/cuemby/orbital/pkg/statedb"
	"github.com/cuemby/orbital/pkg/types"
)

// AgentConnection is the transport-agnostic handle pkg/dispatcher/wire
// registers for each connected agent: one outbound queue the routing layer
// pushes onto, drained by that agent's own send goroutine.
type AgentConnection struct {
	Name string
	Out  chan Request
}

// AgentRegistry tracks connected agents and implements server.AgentNotifier
// by queueing one Request per outbound message onto the named agent's
// channel, matching the teacher's one-send-goroutine-per-connection model
// (pkg/worker's single persistent stream, generalized to N agents).
type AgentRegistry struct {
	mu    sync.RWMutex
	conns map[string]*AgentConnection
}

// NewAgentRegistry returns an empty registry.
func NewAgentRegistry() *AgentRegistry {
	return &AgentRegistry{conns: map[string]*AgentConnection{}}
}

// Register adds or replaces the connection for name, returning its outbound
// channel. Buffered so a slow/blocked send goroutine doesn't stall the
// server's own control goroutine on a fan-out call.
func (r *AgentRegistry) Register(name string) *AgentConnection {
	conn := &AgentConnection{Name: name, Out: make(chan Request, 64)}
	r.mu.Lock()
	r.conns[name] = conn
	r.mu.Unlock()
	return conn
}

// Unregister drops name's connection and closes its outbound channel.
func (r *AgentRegistry) Unregister(name string) {
	r.mu.Lock()
	conn, ok := r.conns[name]
	delete(r.conns, name)
	r.mu.Unlock()
	if ok {
		close(conn.Out)
	}
}

func (r *AgentRegistry) send(name string, content Content) {
	r.mu.RLock()
	conn, ok := r.conns[name]
	r.mu.RUnlock()
	if !ok {
		log.WithAgentName(name).Debug().Msg("dropping message: agent not connected")
		return
	}
	select {
	case conn.Out <- Request{Content: content}:
	default:
		log.WithAgentName(name).Warn().Msg("agent outbound queue full, dropping message")
	}
}

// SendServerHello implements server.AgentNotifier.
func (r *AgentRegistry) SendServerHello(agent string, added []types.WorkloadSpec) {
	r.send(agent, Content{ServerHello: &ServerHello{Added: added}})
}

// SendUpdateWorkload implements server.AgentNotifier.
func (r *AgentRegistry) SendUpdateWorkload(agent string, added []types.WorkloadSpec, deleted []types.DeletedWorkload) {
	r.send(agent, Content{UpdateWorkload: &UpdateWorkload{Added: added, Deleted: deleted}})
}

// SendUpdateWorkloadState implements server.AgentNotifier.
func (r *AgentRegistry) SendUpdateWorkloadState(agent string, states []statedb.StateReport) {
	r.send(agent, Content{UpdateWorkloadState: &UpdateWorkloadState{States: states}})
}

// SendLogsRequest forwards a client's logs request to the agent hosting the
// workload.
func (r *AgentRegistry) SendLogsRequest(agent, requestID, workloadName string, follow bool) {
	r.send(agent, Content{LogsRequest: &LogsRequest{RequestID: requestID, WorkloadName: workloadName, Follow: follow}})
}

// SendLogsCancelRequest forwards a client's stream cancellation to the agent.
func (r *AgentRegistry) SendLogsCancelRequest(agent, requestID string) {
	r.send(agent, Content{LogsCancelRequest: &LogsCancelRequest{RequestID: requestID}})
}

// AgentServerSender is the agent-side counterpart: one outbound queue to the
// single server this agent is connected to. It implements agent.ServerNotifier.
type AgentServerSender struct {
	Out chan Request
}

// NewAgentServerSender returns a sender with a buffered outbound queue.
func NewAgentServerSender() *AgentServerSender {
	return &AgentServerSender{Out: make(chan Request, 64)}
}

// SendWorkloadState implements agent.ServerNotifier.
func (s *AgentServerSender) SendWorkloadState(reports []statedb.StateReport) {
	select {
	case s.Out <- Request{Content: Content{UpdateWorkloadState: &UpdateWorkloadState{States: reports}}}:
	default:
		log.Logger.Warn().Msg("server outbound queue full, dropping state report")
	}
}

// SendAgentLoadStatus implements agent.ServerNotifier.
func (s *AgentServerSender) SendAgentLoadStatus(status types.AgentLoadStatus) {
	select {
	case s.Out <- Request{Content: Content{AgentLoadStatus: &AgentLoadStatus{Status: status}}}:
	default:
		log.Logger.Warn().Msg("server outbound queue full, dropping load status")
	}
}

// SendLogsLine forwards one streamed log line up to the server, which
// routes it to whichever client holds RequestID.
func (s *AgentServerSender) SendLogsLine(requestID, line string) {
	select {
	case s.Out <- Request{Content: Content{LogsLine: &LogsLine{RequestID: requestID, Line: line}}}:
	default:
		log.Logger.Warn().Msg("server outbound queue full, dropping log line")
	}
}
