package rpcapi

import (
	"context"

	"google.golang.org/grpc"
)

const serviceName = "mvirt.NodeSync"

// NodeSyncServer is implemented by the API to serve node agents.
type NodeSyncServer interface {
	Register(context.Context, *RegisterRequest) (*RegisterResponse, error)
	Sync(NodeSync_SyncServer) error
}

// NodeSync_SyncServer is the server side of the bidirectional Sync stream.
type NodeSync_SyncServer interface {
	Send(*SyncFromAPI) error
	Recv() (*SyncFromNode, error)
	grpc.ServerStream
}

type nodeSyncSyncServer struct {
	grpc.ServerStream
}

func (x *nodeSyncSyncServer) Send(m *SyncFromAPI) error { return x.ServerStream.SendMsg(m) }

func (x *nodeSyncSyncServer) Recv() (*SyncFromNode, error) {
	m := new(SyncFromNode)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func registerHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RegisterRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeSyncServer).Register(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Register"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(NodeSyncServer).Register(ctx, req.(*RegisterRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func syncHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(NodeSyncServer).Sync(&nodeSyncSyncServer{stream})
}

// NodeSync_ServiceDesc is the hand-written equivalent of what
// protoc-gen-go-grpc would generate from a .proto service definition.
var NodeSync_ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*NodeSyncServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Register", Handler: registerHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Sync", Handler: syncHandler, ServerStreams: true, ClientStreams: true},
	},
	Metadata: "rpcapi/nodesync",
}

// RegisterNodeSyncServer registers srv on s.
func RegisterNodeSyncServer(s grpc.ServiceRegistrar, srv NodeSyncServer) {
	s.RegisterService(&NodeSync_ServiceDesc, srv)
}
