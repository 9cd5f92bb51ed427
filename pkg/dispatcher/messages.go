// Package dispatcher defines the message sets exchanged between a server,
// its connected agents, and clients (spec §6), and the routing glue that
// turns pkg/server's and pkg/agent's outbound interfaces into sends over a
// per-agent connection. The concrete wire transport lives in
// pkg/dispatcher/wire; this package only knows Go struct types and channels.
package dispatcher

import (
	"strings"

	"github.com/cuemby/orbital/pkg/server"
	"github.com/cuemby/orbital/pkg/statedb"
	"github.com/cuemby/orbital/pkg/types"
)

// ServerHello is the first message a server sends a newly connected agent:
// every workload spec currently assigned to it.
type ServerHello struct {
	Added []types.WorkloadSpec
}

// UpdateWorkload carries a desired-state diff scoped to one agent.
type UpdateWorkload struct {
	Added   []types.WorkloadSpec
	Deleted []types.DeletedWorkload
}

// UpdateWorkloadState carries execution-state observations in either
// direction: server→agent for cross-agent dependency visibility, and
// agent→server for the agent's own reports.
type UpdateWorkloadState struct {
	States []statedb.StateReport
}

// AgentHello is an agent's connect announcement.
type AgentHello struct {
	AgentName string
	Token     string
	Attrs     types.AgentAttributes
}

// AgentGone signals the transport observed a connected agent disappear;
// it is a local transport event, never itself sent over the wire.
type AgentGone struct {
	AgentName string
}

// AgentLoadStatus is the periodic load heartbeat an agent sends (spec §6,
// elaborated in SPEC_FULL §9).
type AgentLoadStatus struct {
	AgentName string
	Status    types.AgentLoadStatus
}

// LogsRequest asks the owning agent to start streaming a workload's output.
type LogsRequest struct {
	RequestID    string
	WorkloadName string
	Follow       bool
}

// LogsCancelRequest asks the owning agent to stop a previously started
// stream.
type LogsCancelRequest struct {
	RequestID string
}

// LogsLine is one line of streamed output, keyed by the RequestID that
// started the stream.
type LogsLine struct {
	RequestID string
	Line      string
}

// GetCompleteStateRequest is a client's read of the server's CompleteState,
// optionally scoped by a field mask.
type GetCompleteStateRequest struct {
	RequestID string
	Mask      []string
}

// UpdateStateRequest is a client's UpdateStateRequest: a partial state plus
// the dotted-path update mask that scopes which parts of it apply.
type UpdateStateRequest struct {
	RequestID    string
	APIVersion   string
	DesiredState map[string]types.WorkloadSpec
	Configs      map[string]string
	Mask         []string
}

// Response is the server's reply to a client's UpdateStateRequest or
// GetCompleteStateRequest.
type Response struct {
	RequestID string
	State     *types.CompleteState
	Err       *ResponseError
}

// ResponseError mirrors server.UpdateError's taxonomy across the wire,
// since the concrete *server.UpdateError type isn't itself serializable by
// the JSON codec's exported-field-only contract (its Err field is an
// interface).
type ResponseError struct {
	Kind    server.UpdateErrorKind
	Name    string
	Message string
}

// Content is the sum type carried by Request: exactly one field is set.
// Using a struct of pointers rather than an interface keeps every message
// representable by the JSON codec in pkg/dispatcher/wire without a custom
// MarshalJSON.
type Content struct {
	ServerHello         *ServerHello
	UpdateWorkload      *UpdateWorkload
	UpdateWorkloadState *UpdateWorkloadState
	AgentHello          *AgentHello
	AgentLoadStatus     *AgentLoadStatus
	LogsRequest         *LogsRequest
	LogsCancelRequest   *LogsCancelRequest
	LogsLine            *LogsLine
	GetCompleteState    *GetCompleteStateRequest
	UpdateState         *UpdateStateRequest
	Response            *Response
}

// Request is one envelope on the bidirectional stream.
type Request struct {
	Content Content
}

const clientIDSeparator = "/"

// PrefixRequestID namespaces a client-local request id with clientID so the
// server can route a Response back to the right client connection even
// though every client shares the same server-side request-id space.
func PrefixRequestID(clientID, requestID string) string {
	return clientID + clientIDSeparator + requestID
}

// SplitRequestID reverses PrefixRequestID, returning ok=false if id carries
// no recognizable client prefix.
func SplitRequestID(id string) (clientID, requestID string, ok bool) {
	i := strings.Index(id, clientIDSeparator)
	if i < 0 {
		return "", "", false
	}
	return id[:i], id[i+1:], true
}
