package wire

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"

	"github.com/cuemby/orbital/pkg/agent"
	"github.com/cuemby/orbital/pkg/dispatcher"
	"github.com/cuemby/orbital/pkg/log"
	"github.com/cuemby/orbital/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// AgentClient is one agent process's connection to its server: it pumps
// core's outbound messages onto the Channel stream and dispatches inbound
// ones back into core, mirroring pkg/worker's single persistent-connection
// loop generalized to the richer message set.
type AgentClient struct {
	core   *agent.Core
	sender *dispatcher.AgentServerSender
	token  string
	attrs  func() types.AgentAttributes

	logMu   sync.Mutex
	logCancels map[string]func()
}

// NewAgentClient builds a client wrapping core. attrs is called once, right
// before sending AgentHello.
func NewAgentClient(core *agent.Core, sender *dispatcher.AgentServerSender, token string, attrs func() types.AgentAttributes) *AgentClient {
	return &AgentClient{core: core, sender: sender, token: token, attrs: attrs, logCancels: map[string]func(){}}
}

// Dial opens an mTLS connection to addr.
func Dial(addr string, cert tls.Certificate, rootCAs *tls.Config) (*grpc.ClientConn, error) {
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}
	if rootCAs != nil {
		tlsConfig.RootCAs = rootCAs.RootCAs
	}
	creds := credentials.NewTLS(tlsConfig)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("failed to dial server: %w", err)
	}
	return conn, nil
}

// Run opens the Channel stream, sends AgentHello, and blocks pumping
// messages in both directions until ctx is canceled or the stream errors.
func (a *AgentClient) Run(ctx context.Context, agentName string, conn grpc.ClientConnInterface) error {
	client := NewOrbitalClient(conn)
	stream, err := client.Channel(ctx)
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}

	hello := &dispatcher.Request{Content: dispatcher.Content{AgentHello: &dispatcher.AgentHello{
		AgentName: agentName,
		Token:     a.token,
		Attrs:     a.attrs(),
	}}}
	if err := stream.Send(hello); err != nil {
		return fmt.Errorf("failed to send agent hello: %w", err)
	}

	recvErrs := make(chan error, 1)
	go func() {
		for {
			req, err := stream.Recv()
			if err != nil {
				recvErrs <- err
				return
			}
			a.handleServerMessage(req)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-recvErrs:
			return err
		case out := <-a.sender.Out:
			if err := stream.Send(&out); err != nil {
				return err
			}
		}
	}
}

func (a *AgentClient) handleServerMessage(req *dispatcher.Request) {
	switch {
	case req.Content.ServerHello != nil:
		a.core.HandleServerHello(req.Content.ServerHello.Added)

	case req.Content.UpdateWorkload != nil:
		a.core.UpdateWorkload(req.Content.UpdateWorkload.Added, req.Content.UpdateWorkload.Deleted)

	case req.Content.UpdateWorkloadState != nil:
		a.core.HandleUpdateWorkloadState(req.Content.UpdateWorkloadState.States)

	case req.Content.LogsRequest != nil:
		a.startLogStream(req.Content.LogsRequest)

	case req.Content.LogsCancelRequest != nil:
		a.cancelLogStream(req.Content.LogsCancelRequest.RequestID)

	default:
		log.Logger.Warn().Msg("unexpected message on server channel, ignoring")
	}
}

func (a *AgentClient) startLogStream(req *dispatcher.LogsRequest) {
	lines := make(chan string, 32)
	cancel, err := a.core.StreamLogs(req.WorkloadName, req.Follow, lines)
	if err != nil {
		log.WithWorkloadName(req.WorkloadName).Warn().Err(err).Msg("logs request failed")
		return
	}

	a.logMu.Lock()
	a.logCancels[req.RequestID] = cancel
	a.logMu.Unlock()

	go func() {
		defer func() {
			a.logMu.Lock()
			delete(a.logCancels, req.RequestID)
			a.logMu.Unlock()
		}()
		for line := range lines {
			a.sender.SendLogsLine(req.RequestID, line)
		}
	}()
}

func (a *AgentClient) cancelLogStream(requestID string) {
	a.logMu.Lock()
	cancel, ok := a.logCancels[requestID]
	a.logMu.Unlock()
	if ok {
		cancel()
	}
}
