// Package rpcapi is the wire protocol between an API manager and a
// node agent: a unary Register call plus a bidirectional Sync stream
// that carries manifests one way and heartbeats/status the other.
//
// Code generation from .proto files is out of scope, so the messages
// below are plain Go structs marshaled with the "json" gRPC codec
// registered in codec.go, and the service description that protoc-gen-go-grpc
// would normally emit is hand-written in service.go. The transport is
// still real gRPC: HTTP/2 framing, flow control, and deadlines all
// come from google.golang.org/grpc, only the payload encoding differs
// from protobuf wire format.
package rpcapi

import "github.com/cuemby/warren/pkg/types"

// RegisterRequest is sent once by a node agent on startup.
type RegisterRequest struct {
	Name      string
	Address   string
	Resources *types.NodeResources
	Labels    map[string]string
}

// RegisterResponse carries the node's assigned ID and the manifest
// revision current at registration time.
type RegisterResponse struct {
	NodeID   string
	Revision uint64
}

// Heartbeat reports a node's current capacity without a full status
// report; sent on a fixed interval independent of reconcile passes.
type Heartbeat struct {
	Resources *types.NodeResources
}

// SyncFromNode is one frame sent node -> API on the Sync stream.
// NodeID identifies the sender on every frame, since the stream
// carries no other session context; exactly one of Heartbeat or
// Status is set.
type SyncFromNode struct {
	NodeID    string
	Heartbeat *Heartbeat
	Status    *types.NodeStatusReport
}

// SyncFromAPI is one frame sent API -> node on the Sync stream.
// Exactly one of the fields is set.
type SyncFromAPI struct {
	Manifest *types.NodeManifest
}
