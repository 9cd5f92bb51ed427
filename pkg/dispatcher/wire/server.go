package wire

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/cuemby/orbital/pkg/dispatcher"
	"github.com/cuemby/orbital/pkg/log"
	"github.com/cuemby/orbital/pkg/security"
	"github.com/cuemby/orbital/pkg/server"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// Server is the gRPC front door for one orbital-server process: it accepts
// agent connections on the bidirectional Channel RPC and client requests on
// the unary Execute RPC, translating both into calls against
// *server.ServerState.
type Server struct {
	state    *server.ServerState
	registry *dispatcher.AgentRegistry
	tokens   *security.TokenGate
	logLines *dispatcher.LogLineRouter

	mu    sync.Mutex
	loads map[string]float64
	grpc  *grpc.Server
}

// NewServer builds a Server fronting state, gating agent connects against
// tokens.
func NewServer(state *server.ServerState, registry *dispatcher.AgentRegistry, tokens *security.TokenGate) *Server {
	return &Server{state: state, registry: registry, tokens: tokens, loads: map[string]float64{}, logLines: dispatcher.NewLogLineRouter()}
}

// Listen starts serving gRPC on addr with mTLS, blocking until the server
// stops or an error occurs. cert is this server's own identity; clientCAs,
// when non-nil, supplies the ClientCAs pool. Connecting peers are asked for
// a client certificate (tls.RequestClientCert), which is not verified.
func (s *Server) Listen(addr string, cert tls.Certificate, clientCAs *tls.Config) error {
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequestClientCert,
		MinVersion:   tls.VersionTLS13,
	}
	if clientCAs != nil {
		tlsConfig.ClientCAs = clientCAs.ClientCAs
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	creds := credentials.NewTLS(tlsConfig)
	s.grpc = grpc.NewServer(grpc.Creds(creds))
	RegisterOrbitalServer(s.grpc, s)

	log.Logger.Info().Str("addr", addr).Msg("orbital server listening")
	return s.grpc.Serve(lis)
}

// Stop gracefully drains and stops the gRPC server.
func (s *Server) Stop() {
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
}

// Execute answers one client request: exactly one of GetCompleteState or
// UpdateState must be set on in.Content.
func (s *Server) Execute(ctx context.Context, in *dispatcher.Request) (*dispatcher.Request, error) {
	switch {
	case in.Content.GetCompleteState != nil:
		req := in.Content.GetCompleteState
		complete := s.state.GetCompleteState(req.Mask)
		return &dispatcher.Request{Content: dispatcher.Content{Response: &dispatcher.Response{
			RequestID: req.RequestID,
			State:     &complete,
		}}}, nil

	case in.Content.UpdateState != nil:
		req := in.Content.UpdateState
		err := s.state.UpdateState(server.UpdateRequest{
			APIVersion:   req.APIVersion,
			DesiredState: req.DesiredState,
			Configs:      req.Configs,
			Mask:         req.Mask,
		})
		resp := &dispatcher.Response{RequestID: req.RequestID}
		if err != nil {
			resp.Err = toResponseError(err)
		}
		return &dispatcher.Request{Content: dispatcher.Content{Response: resp}}, nil

	default:
		return nil, errors.New("empty Execute request")
	}
}

func toResponseError(err error) *dispatcher.ResponseError {
	var uerr *server.UpdateError
	if errors.As(err, &uerr) {
		return &dispatcher.ResponseError{Kind: uerr.Kind, Name: uerr.Name, Message: uerr.Error()}
	}
	return &dispatcher.ResponseError{Kind: server.ResultInvalid, Message: err.Error()}
}

// Channel is the long-lived per-agent stream: the first message must be an
// AgentHello carrying a valid join token, after which the server registers
// the connection, replays assigned workloads, and pumps outbound messages
// until the agent disconnects.
func (s *Server) Channel(stream OrbitalChannelServer) error {
	first, err := stream.Recv()
	if err != nil {
		return err
	}
	hello := first.Content.AgentHello
	if hello == nil {
		return errors.New("first channel message must be AgentHello")
	}
	if err := s.tokens.Validate(hello.Token); err != nil {
		return err
	}

	conn := s.registry.Register(hello.AgentName)
	defer s.registry.Unregister(hello.AgentName)
	defer s.state.AgentGone(hello.AgentName)

	s.state.AgentHello(hello.AgentName, hello.Attrs)

	sendErrs := make(chan error, 1)
	go func() {
		for req := range conn.Out {
			if err := stream.Send(&req); err != nil {
				sendErrs <- err
				return
			}
		}
	}()

	for {
		req, err := stream.Recv()
		if err != nil {
			return err
		}
		s.handleAgentMessage(hello.AgentName, req)

		select {
		case err := <-sendErrs:
			return err
		default:
		}
	}
}

// Logs streams one workload's output to a client: in must carry a
// LogsRequest naming the workload. The request is forwarded to the agent
// currently hosting that workload, and every LogsLine it reports back is
// relayed to stream until the client cancels or the agent's stream closes.
func (s *Server) Logs(in *dispatcher.Request, stream OrbitalLogsServer) error {
	req := in.Content.LogsRequest
	if req == nil {
		return errors.New("Logs request must carry a LogsRequest")
	}

	agentName, ok := s.state.AgentForWorkload(req.WorkloadName)
	if !ok {
		return fmt.Errorf("workload %q is not currently assigned to any agent", req.WorkloadName)
	}

	s.registry.SendLogsRequest(agentName, req.RequestID, req.WorkloadName, req.Follow)
	lines := s.logLines.Open(req.RequestID)
	defer func() {
		s.logLines.Close(req.RequestID)
		s.registry.SendLogsCancelRequest(agentName, req.RequestID)
	}()

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := stream.Send(&dispatcher.Request{Content: dispatcher.Content{LogsLine: &line}}); err != nil {
				return err
			}
		}
	}
}

func (s *Server) handleAgentMessage(agentName string, req *dispatcher.Request) {
	switch {
	case req.Content.UpdateWorkloadState != nil:
		s.state.ReceiveWorkloadState(agentName, req.Content.UpdateWorkloadState.States)

	case req.Content.AgentLoadStatus != nil:
		s.mu.Lock()
		s.loads[agentName] = req.Content.AgentLoadStatus.Status.CPUPercent
		s.mu.Unlock()

	case req.Content.LogsLine != nil:
		s.logLines.Route(*req.Content.LogsLine)

	default:
		log.WithAgentName(agentName).Warn().Msg("unexpected message on agent channel, ignoring")
	}
}
