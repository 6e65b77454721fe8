package api

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/cuemby/warren/pkg/apierr"
	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/pkg/manager"
	"github.com/cuemby/warren/pkg/rpcapi"
	"github.com/cuemby/warren/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
)

// statusInterval is how often a node without anything new to report
// still sends a Status frame, so a missed manifest push is noticed
// well inside the node's own heartbeat-timeout window.
const statusInterval = 5 * time.Second

// Server implements rpcapi.NodeSyncServer over the API's Manager. It
// carries no authentication of its own (§1 excludes a built-in
// auth/mTLS layer); deployments that need transport security are
// expected to terminate it in front of this listener.
type Server struct {
	manager *manager.Manager
	grpc    *grpc.Server
	logger  zerolog.Logger
}

// NewServer creates a new API server.
func NewServer(mgr *manager.Manager) *Server {
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(apierr.UnaryServerInterceptor()))
	s := &Server{
		manager: mgr,
		grpc:    grpcServer,
		logger:  log.WithComponent("api"),
	}
	rpcapi.RegisterNodeSyncServer(grpcServer, s)
	return s
}

// Start starts the gRPC server; blocks until Stop is called or the
// listener fails.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.logger.Info().Str("addr", addr).Msg("grpc api listening")
	return s.grpc.Serve(lis)
}

// Stop gracefully stops the gRPC server.
func (s *Server) Stop() {
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
}

// Register handles a node agent's startup registration.
func (s *Server) Register(ctx context.Context, req *rpcapi.RegisterRequest) (*rpcapi.RegisterResponse, error) {
	node, rev, err := s.manager.RegisterNode(ctx, req.Name, req.Address, req.Resources, req.Labels)
	if err != nil {
		return nil, err
	}
	return &rpcapi.RegisterResponse{NodeID: node.ID, Revision: rev}, nil
}

// Sync runs for the lifetime of one node agent connection: it streams
// manifests to the node whenever the desired state it cares about
// changes, while consuming heartbeats and status reports from the
// node on the same stream.
func (s *Server) Sync(stream rpcapi.NodeSync_SyncServer) error {
	first, err := stream.Recv()
	if err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	nodeID := first.NodeID
	if nodeID == "" {
		return apierr.InvalidArgumentf("first sync frame must set node_id")
	}
	if _, err := s.manager.GetNode(nodeID); err != nil {
		return err
	}

	logger := s.logger.With().Str("node_id", nodeID).Logger()
	logger.Info().Msg("node sync session started")

	sendCh := make(chan struct{}, 1)
	sub := s.manager.EventBroker().Subscribe()
	defer s.manager.EventBroker().Unsubscribe(sub)

	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			select {
			case <-sub:
				select {
				case sendCh <- struct{}{}:
				default:
				}
			case <-done:
				return
			}
		}
	}()

	sendErrCh := make(chan error, 1)
	go func() {
		sendErrCh <- s.sendLoop(stream, nodeID, sendCh)
	}()

	if err := s.handleFrame(nodeID, first); err != nil {
		logger.Warn().Err(err).Msg("failed to handle initial sync frame")
	}

	for {
		frame, err := stream.Recv()
		if err != nil {
			if err == io.EOF {
				break
			}
			logger.Info().Err(err).Msg("node sync session ended")
			break
		}
		if err := s.handleFrame(nodeID, frame); err != nil {
			logger.Warn().Err(err).Msg("failed to handle sync frame")
		}
	}

	if err := s.manager.DeregisterNode(stream.Context(), nodeID); err != nil {
		logger.Warn().Err(err).Msg("failed to deregister node after sync session ended")
	}
	return <-sendErrCh
}

func (s *Server) handleFrame(nodeID string, frame *rpcapi.SyncFromNode) error {
	switch {
	case frame.Heartbeat != nil:
		return s.manager.UpdateNodeStatus(context.Background(), nodeID, frame.Heartbeat.Resources)
	case frame.Status != nil:
		return s.applyStatusReport(nodeID, frame.Status)
	}
	return nil
}

// applyStatusReport folds a node's per-kind reconcile results back
// into the desired-state store, surfacing failures on the owning
// entities (§4.1, §7).
func (s *Server) applyStatusReport(nodeID string, report *types.NodeStatusReport) error {
	for _, rs := range report.VMs {
		vm, err := s.manager.GetVM(rs.ID)
		if err != nil {
			continue
		}
		switch rs.Status {
		case string(types.VMRuntimeStatusRunning):
			vm.Status = types.VMStatusRunning
		case string(types.VMRuntimeStatusStopped):
			vm.Status = types.VMStatusStopped
		case string(types.VMRuntimeStatusFailed):
			vm.Status = types.VMStatusFailed
			vm.FailureReason = rs.Error
		default:
			continue
		}
		if err := s.manager.UpdateVM(context.Background(), vm); err != nil {
			return err
		}
	}
	for _, rs := range report.NICs {
		nic, err := s.manager.GetNIC(rs.ID)
		if err != nil {
			continue
		}
		switch rs.Status {
		case string(types.NICStatusActive):
			nic.State = types.NICStateActive
		case string(types.NICStatusError):
			nic.State = types.NICStateError
			nic.Error = rs.Error
		default:
			continue
		}
		if err := s.manager.UpdateNIC(context.Background(), nic); err != nil {
			return err
		}
	}
	return nil
}

// sendLoop pushes a fresh manifest whenever sendCh fires or
// statusInterval elapses, whichever comes first.
func (s *Server) sendLoop(stream rpcapi.NodeSync_SyncServer, nodeID string, sendCh <-chan struct{}) error {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	var lastRevision uint64
	push := func() error {
		manifest, err := s.manager.ComputeManifest(nodeID)
		if err != nil {
			return err
		}
		if manifest.Revision == lastRevision {
			return nil
		}
		lastRevision = manifest.Revision
		return stream.Send(&rpcapi.SyncFromAPI{Manifest: manifest})
	}

	if err := push(); err != nil {
		return err
	}

	for {
		select {
		case <-sendCh:
			if err := push(); err != nil {
				return err
			}
		case <-ticker.C:
			if err := push(); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return stream.Context().Err()
		}
	}
}
