package wire

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/orbital/pkg/dispatcher"
	"github.com/cuemby/orbital/pkg/types"
	"google.golang.org/grpc"
)

// ClientAPI is the thin request/response wrapper cmd/orbitalctl drives: one
// Execute call per GetCompleteState/UpdateState invocation, request ids
// prefixed with clientID so a shared server-side request space never
// collides across concurrently-connected CLI invocations.
type ClientAPI struct {
	client   OrbitalClient
	clientID string
	nextID   int
}

// NewClientAPI wraps conn for clientID, a caller-chosen identifier (e.g. a
// random UUID minted once per CLI invocation).
func NewClientAPI(conn grpc.ClientConnInterface, clientID string) *ClientAPI {
	return &ClientAPI{client: NewOrbitalClient(conn), clientID: clientID}
}

func (c *ClientAPI) newRequestID() string {
	c.nextID++
	return dispatcher.PrefixRequestID(c.clientID, fmt.Sprintf("%d", c.nextID))
}

// GetCompleteState fetches the server's state, scoped by mask (nil for the
// full tree).
func (c *ClientAPI) GetCompleteState(ctx context.Context, mask []string) (*types.CompleteState, error) {
	req := &dispatcher.Request{Content: dispatcher.Content{GetCompleteState: &dispatcher.GetCompleteStateRequest{
		RequestID: c.newRequestID(),
		Mask:      mask,
	}}}
	resp, err := c.client.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	return unwrapResponse(resp)
}

// UpdateState applies a masked partial state update.
func (c *ClientAPI) UpdateState(ctx context.Context, apiVersion string, desired map[string]types.WorkloadSpec, configs map[string]string, mask []string) error {
	req := &dispatcher.Request{Content: dispatcher.Content{UpdateState: &dispatcher.UpdateStateRequest{
		RequestID:    c.newRequestID(),
		APIVersion:   apiVersion,
		DesiredState: desired,
		Configs:      configs,
		Mask:         mask,
	}}}
	resp, err := c.client.Execute(ctx, req)
	if err != nil {
		return err
	}
	_, err = unwrapResponse(resp)
	return err
}

// Logs opens a streaming log subscription for workloadName, returning a
// channel of lines and a cancel function.
func (c *ClientAPI) Logs(ctx context.Context, workloadName string, follow bool) (<-chan string, func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	stream, err := c.client.Logs(ctx, &dispatcher.Request{Content: dispatcher.Content{LogsRequest: &dispatcher.LogsRequest{
		RequestID:    c.newRequestID(),
		WorkloadName: workloadName,
		Follow:       follow,
	}}})
	if err != nil {
		cancel()
		return nil, nil, err
	}

	lines := make(chan string, 32)
	go func() {
		defer close(lines)
		for {
			req, err := stream.Recv()
			if err != nil {
				return
			}
			if req.Content.LogsLine != nil {
				select {
				case lines <- req.Content.LogsLine.Line:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return lines, cancel, nil
}

func unwrapResponse(req *dispatcher.Request) (*types.CompleteState, error) {
	resp := req.Content.Response
	if resp == nil {
		return nil, errors.New("server returned no response content")
	}
	if resp.Err != nil {
		return nil, fmt.Errorf("%s", resp.Err.Message)
	}
	return resp.State, nil
}
