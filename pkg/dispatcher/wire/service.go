package wire

import (
	"context"

	"github.com/cuemby/orbital/pkg/dispatcher"
	"google.golang.org/grpc"
)

const (
	serviceName       = "orbital.Orbital"
	executeMethod     = "/orbital.Orbital/Execute"
	channelStreamName = "Channel"
	logsStreamName    = "Logs"
)

// OrbitalServer is implemented by the process accepting connections: Execute
// answers one client GetCompleteState/UpdateState request, Channel is the
// long-lived bidirectional stream an agent opens on connect, and Logs
// streams one workload's output back to a client that sent a LogsRequest.
type OrbitalServer interface {
	Execute(context.Context, *dispatcher.Request) (*dispatcher.Request, error)
	Channel(OrbitalChannelServer) error
	Logs(*dispatcher.Request, OrbitalLogsServer) error
}

// OrbitalLogsServer is the server-side handle onto one client's log stream.
type OrbitalLogsServer interface {
	Send(*dispatcher.Request) error
	grpc.ServerStream
}

type orbitalLogsServer struct{ grpc.ServerStream }

func (x *orbitalLogsServer) Send(m *dispatcher.Request) error { return x.ServerStream.SendMsg(m) }

// OrbitalChannelServer is the server-side handle onto one agent's stream.
type OrbitalChannelServer interface {
	Send(*dispatcher.Request) error
	Recv() (*dispatcher.Request, error)
	grpc.ServerStream
}

type orbitalChannelServer struct{ grpc.ServerStream }

func (x *orbitalChannelServer) Send(m *dispatcher.Request) error { return x.ServerStream.SendMsg(m) }

func (x *orbitalChannelServer) Recv() (*dispatcher.Request, error) {
	m := new(dispatcher.Request)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func executeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(dispatcher.Request)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(OrbitalServer).Execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: executeMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(OrbitalServer).Execute(ctx, req.(*dispatcher.Request))
	}
	return interceptor(ctx, in, info, handler)
}

func channelHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(OrbitalServer).Channel(&orbitalChannelServer{stream})
}

func logsHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(dispatcher.Request)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(OrbitalServer).Logs(in, &orbitalLogsServer{stream})
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*OrbitalServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Execute", Handler: executeHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: channelStreamName, Handler: channelHandler, ServerStreams: true, ClientStreams: true},
		{StreamName: logsStreamName, Handler: logsHandler, ServerStreams: true, ClientStreams: false},
	},
	Metadata: "orbital.proto",
}

// RegisterOrbitalServer registers srv's RPC methods on s.
func RegisterOrbitalServer(s grpc.ServiceRegistrar, srv OrbitalServer) {
	s.RegisterService(&serviceDesc, srv)
}

// OrbitalClient is the client stub opposite OrbitalServer.
type OrbitalClient interface {
	Execute(ctx context.Context, in *dispatcher.Request, opts ...grpc.CallOption) (*dispatcher.Request, error)
	Channel(ctx context.Context, opts ...grpc.CallOption) (OrbitalChannelClient, error)
	Logs(ctx context.Context, in *dispatcher.Request, opts ...grpc.CallOption) (OrbitalLogsClient, error)
}

// OrbitalLogsClient is the client-side handle onto a log stream.
type OrbitalLogsClient interface {
	Recv() (*dispatcher.Request, error)
	grpc.ClientStream
}

type orbitalLogsClient struct{ grpc.ClientStream }

func (x *orbitalLogsClient) Recv() (*dispatcher.Request, error) {
	m := new(dispatcher.Request)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// OrbitalChannelClient is the client-side handle onto the bidirectional
// stream; one agent process holds exactly one.
type OrbitalChannelClient interface {
	Send(*dispatcher.Request) error
	Recv() (*dispatcher.Request, error)
	grpc.ClientStream
}

type orbitalClient struct{ cc grpc.ClientConnInterface }

// NewOrbitalClient wraps an established *grpc.ClientConn.
func NewOrbitalClient(cc grpc.ClientConnInterface) OrbitalClient { return &orbitalClient{cc} }

func (c *orbitalClient) Execute(ctx context.Context, in *dispatcher.Request, opts ...grpc.CallOption) (*dispatcher.Request, error) {
	out := new(dispatcher.Request)
	opts = append(opts, grpc.CallContentSubtype(codecName))
	if err := c.cc.Invoke(ctx, executeMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *orbitalClient) Channel(ctx context.Context, opts ...grpc.CallOption) (OrbitalChannelClient, error) {
	opts = append(opts, grpc.CallContentSubtype(codecName))
	stream, err := c.cc.NewStream(ctx, &serviceDesc.Streams[0], "/orbital.Orbital/Channel", opts...)
	if err != nil {
		return nil, err
	}
	return &orbitalChannelClient{stream}, nil
}

func (c *orbitalClient) Logs(ctx context.Context, in *dispatcher.Request, opts ...grpc.CallOption) (OrbitalLogsClient, error) {
	opts = append(opts, grpc.CallContentSubtype(codecName))
	stream, err := c.cc.NewStream(ctx, &serviceDesc.Streams[1], "/orbital.Orbital/Logs", opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &orbitalLogsClient{stream}, nil
}

type orbitalChannelClient struct{ grpc.ClientStream }

func (x *orbitalChannelClient) Send(m *dispatcher.Request) error { return x.ClientStream.SendMsg(m) }

func (x *orbitalChannelClient) Recv() (*dispatcher.Request, error) {
	m := new(dispatcher.Request)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
