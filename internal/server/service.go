package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "triage.tool_runner.v1.ToolRunnerService"

const (
	listToolsMethod    = "/" + ServiceName + "/ListTools"
	executeBatchMethod = "/" + ServiceName + "/ExecuteBatch"
)

// ToolRunnerServiceServer is the server API for the ToolRunnerService.
// Messages are google.protobuf.Struct documents.
type ToolRunnerServiceServer interface {
	ListTools(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ExecuteBatch(*structpb.Struct, ToolRunnerService_ExecuteBatchServer) error
}

// ToolRunnerService_ExecuteBatchServer is the server side of the
// ExecuteBatch stream.
type ToolRunnerService_ExecuteBatchServer interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type executeBatchServer struct {
	grpc.ServerStream
}

func (x *executeBatchServer) Send(m *structpb.Struct) error {
	return x.ServerStream.SendMsg(m)
}

// RegisterToolRunnerServiceServer registers srv on s.
func RegisterToolRunnerServiceServer(s grpc.ServiceRegistrar, srv ToolRunnerServiceServer) {
	s.RegisterService(&ToolRunnerService_ServiceDesc, srv)
}

func _ToolRunnerService_ListTools_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ToolRunnerServiceServer).ListTools(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: listToolsMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ToolRunnerServiceServer).ListTools(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func _ToolRunnerService_ExecuteBatch_Handler(srv interface{}, stream grpc.ServerStream) error {
	m := new(structpb.Struct)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(ToolRunnerServiceServer).ExecuteBatch(m, &executeBatchServer{stream})
}

// ToolRunnerService_ServiceDesc is the grpc.ServiceDesc for the ToolRunnerService.
var ToolRunnerService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ToolRunnerServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "ListTools",
			Handler:    _ToolRunnerService_ListTools_Handler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "ExecuteBatch",
			Handler:       _ToolRunnerService_ExecuteBatch_Handler,
			ServerStreams: true,
		},
	},
	Metadata: "tool_runner/v1/tool_runner.proto",
}

// ToolRunnerServiceClient is the client API for the ToolRunnerService.
type ToolRunnerServiceClient interface {
	ListTools(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	ExecuteBatch(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (ToolRunnerService_ExecuteBatchClient, error)
}

// ToolRunnerService_ExecuteBatchClient is the client side of the
// ExecuteBatch stream.
type ToolRunnerService_ExecuteBatchClient interface {
	Recv() (*structpb.Struct, error)
	grpc.ClientStream
}

type toolRunnerServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewToolRunnerServiceClient creates a client over cc.
func NewToolRunnerServiceClient(cc grpc.ClientConnInterface) ToolRunnerServiceClient {
	return &toolRunnerServiceClient{cc}
}

func (c *toolRunnerServiceClient) ListTools(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, listToolsMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *toolRunnerServiceClient) ExecuteBatch(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (ToolRunnerService_ExecuteBatchClient, error) {
	stream, err := c.cc.NewStream(ctx, &ToolRunnerService_ServiceDesc.Streams[0], executeBatchMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &executeBatchClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

type executeBatchClient struct {
	grpc.ClientStream
}

func (x *executeBatchClient) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
