package rpcapi

import (
	"context"

	"google.golang.org/grpc"
)

// NodeSyncClient is the client side of the NodeSync service.
type NodeSyncClient interface {
	Register(ctx context.Context, in *RegisterRequest, opts ...grpc.CallOption) (*RegisterResponse, error)
	Sync(ctx context.Context, opts ...grpc.CallOption) (NodeSync_SyncClient, error)
}

type nodeSyncClient struct {
	cc grpc.ClientConnInterface
}

// NewNodeSyncClient wraps cc. Every call is forced onto the "json"
// codec so both ends agree on wire format without protobuf reflection.
func NewNodeSyncClient(cc grpc.ClientConnInterface) NodeSyncClient {
	return &nodeSyncClient{cc: cc}
}

func (c *nodeSyncClient) Register(ctx context.Context, in *RegisterRequest, opts ...grpc.CallOption) (*RegisterResponse, error) {
	out := new(RegisterResponse)
	opts = append(opts, grpc.CallContentSubtype(codecName))
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Register", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *nodeSyncClient) Sync(ctx context.Context, opts ...grpc.CallOption) (NodeSync_SyncClient, error) {
	opts = append(opts, grpc.CallContentSubtype(codecName))
	stream, err := c.cc.NewStream(ctx, &NodeSync_ServiceDesc.Streams[0], "/"+serviceName+"/Sync", opts...)
	if err != nil {
		return nil, err
	}
	return &nodeSyncSyncClient{stream}, nil
}

// NodeSync_SyncClient is the client side of the bidirectional Sync stream.
type NodeSync_SyncClient interface {
	Send(*SyncFromNode) error
	Recv() (*SyncFromAPI, error)
	grpc.ClientStream
}

type nodeSyncSyncClient struct {
	grpc.ClientStream
}

func (x *nodeSyncSyncClient) Send(m *SyncFromNode) error { return x.ClientStream.SendMsg(m) }

func (x *nodeSyncSyncClient) Recv() (*SyncFromAPI, error) {
	m := new(SyncFromAPI)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
