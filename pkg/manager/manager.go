// Package manager implements the API's desired-state store: a
// Raft-replicated cluster of Manager processes fronting a BoltDB-backed
// Store, the scheduler, the manifest compiler, and the event bus.
package manager

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/warren/pkg/apierr"
	"github.com/cuemby/warren/pkg/events"
	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/pkg/storage"
	"github.com/cuemby/warren/pkg/types"
	"github.com/google/uuid"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"
)

// heartbeatTimeoutMultiple is the number of missed heartbeat
// intervals after which the API considers a node Offline (§4.2).
const heartbeatTimeoutMultiple = 3

// Manager owns the Raft-replicated desired-state store for one API
// process: the FSM, the underlying BoltDB store, and the cluster
// event bus that the rpcapi server fans out to connected node agents.
type Manager struct {
	nodeID   string
	bindAddr string
	dataDir  string

	heartbeatInterval time.Duration

	raft *raft.Raft
	fsm  *FSM
	store storage.Store

	eventBroker *events.Broker

	logger zerolog.Logger
}

// Config holds configuration for creating a Manager.
type Config struct {
	NodeID            string
	BindAddr          string
	DataDir           string
	HeartbeatInterval time.Duration
}

// NewManager creates a new Manager instance.
func NewManager(cfg *Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, apierr.Wrap(apierr.Internal, err, "create data directory")
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	fsm := NewFSM(store)
	eventBroker := events.NewBroker()
	eventBroker.Start()

	interval := cfg.HeartbeatInterval
	if interval == 0 {
		interval = 5 * time.Second
	}

	return &Manager{
		nodeID:            cfg.NodeID,
		bindAddr:          cfg.BindAddr,
		dataDir:           cfg.DataDir,
		heartbeatInterval: interval,
		fsm:               fsm,
		store:             store,
		eventBroker:       eventBroker,
		logger:            log.WithComponent("manager"),
	}, nil
}

func (m *Manager) raftConfig() *raft.Config {
	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(m.nodeID)

	// Tuned for LAN deployments rather than Raft's WAN-conservative
	// defaults: target sub-10s failover.
	cfg.HeartbeatTimeout = 500 * time.Millisecond
	cfg.ElectionTimeout = 500 * time.Millisecond
	cfg.CommitTimeout = 50 * time.Millisecond
	cfg.LeaderLeaseTimeout = 250 * time.Millisecond
	return cfg
}

func (m *Manager) newRaft(cfg *raft.Config) (*raft.Raft, *raft.TCPTransport, error) {
	addr, err := net.ResolveTCPAddr("tcp", m.bindAddr)
	if err != nil {
		return nil, nil, apierr.Wrap(apierr.InvalidArgument, err, "resolve bind address")
	}

	transport, err := raft.NewTCPTransport(m.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, nil, apierr.Wrap(apierr.Internal, err, "create raft transport")
	}

	snapshotStore, err := raft.NewFileSnapshotStore(m.dataDir, 2, os.Stderr)
	if err != nil {
		return nil, nil, apierr.Wrap(apierr.Internal, err, "create snapshot store")
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-log.db"))
	if err != nil {
		return nil, nil, apierr.Wrap(apierr.Internal, err, "create raft log store")
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-stable.db"))
	if err != nil {
		return nil, nil, apierr.Wrap(apierr.Internal, err, "create raft stable store")
	}

	r, err := raft.NewRaft(cfg, m.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, nil, apierr.Wrap(apierr.Internal, err, "create raft instance")
	}

	return r, transport, nil
}

// Bootstrap initializes a brand-new single-node Raft cluster.
func (m *Manager) Bootstrap() error {
	cfg := m.raftConfig()
	r, transport, err := m.newRaft(cfg)
	if err != nil {
		return err
	}
	m.raft = r

	future := r.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{{ID: cfg.LocalID, Address: transport.LocalAddr()}},
	})
	if err := future.Error(); err != nil {
		return apierr.Wrap(apierr.Internal, err, "bootstrap raft cluster")
	}

	m.logger.Info().Str("node_id", m.nodeID).Msg("bootstrapped cluster")
	return nil
}

// Join starts Raft for this node without bootstrapping; the caller is
// expected to have already been added as a voter by the leader (see
// AddVoter), typically via an out-of-band JoinCluster RPC exposed on
// the API server.
func (m *Manager) Join() error {
	cfg := m.raftConfig()
	r, _, err := m.newRaft(cfg)
	if err != nil {
		return err
	}
	m.raft = r
	m.logger.Info().Str("node_id", m.nodeID).Msg("joined cluster")
	return nil
}

// AddVoter adds a new manager to the Raft configuration. Leader-only.
func (m *Manager) AddVoter(nodeID, address string) error {
	if !m.IsLeader() {
		return apierr.FailedPreconditionf("not the leader, current leader: %s", m.LeaderAddr())
	}
	future := m.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return apierr.Wrap(apierr.Internal, err, "add raft voter")
	}
	return nil
}

func (m *Manager) IsLeader() bool { return m.raft != nil && m.raft.State() == raft.Leader }

func (m *Manager) LeaderAddr() string {
	if m.raft == nil {
		return ""
	}
	addr, _ := m.raft.LeaderWithID()
	return string(addr)
}

func (m *Manager) NodeID() string { return m.nodeID }

// RaftStats exposes the underlying raft.Raft's stats map (last_log_index,
// applied_index, etc.) for metrics collection.
func (m *Manager) RaftStats() map[string]string {
	if m.raft == nil {
		return nil
	}
	return m.raft.Stats()
}

// CurrentRevision returns the store's monotonic revision counter.
func (m *Manager) CurrentRevision() (uint64, error) { return m.store.CurrentRevision() }

// Apply marshals cmd and replicates it through Raft, returning
// whatever error the FSM reported (if any).
func (m *Manager) Apply(op string, data any) error {
	if !m.IsLeader() {
		return apierr.FailedPreconditionf("not the leader, current leader: %s", m.LeaderAddr())
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return apierr.Wrap(apierr.Internal, err, "marshal command payload")
	}
	cmd := Command{Op: op, Data: payload}
	raw, err := json.Marshal(cmd)
	if err != nil {
		return apierr.Wrap(apierr.Internal, err, "marshal command")
	}

	future := m.raft.Apply(raw, 5*time.Second)
	if err := future.Error(); err != nil {
		return apierr.Wrap(apierr.Unavailable, err, "raft apply")
	}
	if resp := future.Response(); resp != nil {
		if respErr, ok := resp.(error); ok {
			return respErr
		}
	}
	return nil
}

func (m *Manager) PublishEvent(ev *events.Event) { m.eventBroker.Publish(ev) }

func (m *Manager) EventBroker() *events.Broker { return m.eventBroker }

func (m *Manager) Store() storage.Store { return m.store }

// Shutdown stops Raft, the event broker, and the underlying store.
func (m *Manager) Shutdown() error {
	m.eventBroker.Stop()
	if m.raft != nil {
		if err := m.raft.Shutdown().Error(); err != nil {
			m.logger.Warn().Err(err).Msg("raft shutdown reported an error")
		}
	}
	return m.store.Close()
}

// --- Node lifecycle (§4.1) -------------------------------------------------

func (m *Manager) GetNode(id string) (*types.Node, error) { return m.store.GetNode(id) }
func (m *Manager) ListNodes() ([]*types.Node, error)       { return m.store.ListNodes() }

// RegisterNode creates or returns an existing node row keyed by name.
// Fails with Conflict if a different address already binds to the
// name while that node is still Online.
func (m *Manager) RegisterNode(ctx context.Context, name, address string, resources *types.NodeResources, labels map[string]string) (*types.Node, uint64, error) {
	existing, err := m.store.GetNodeByName(name)
	if err == nil {
		if existing.Address != address && existing.Status == types.NodeStatusOnline {
			return nil, 0, apierr.Conflictf("node %q already registered from a different address", name)
		}
		existing.Address = address
		existing.Resources = resources
		existing.Labels = labels
		existing.Status = types.NodeStatusOnline
		existing.LastHeartbeat = time.Now()
		if err := m.Apply(opUpdateNode, existing); err != nil {
			return nil, 0, err
		}
		rev, _ := m.store.CurrentRevision()
		return existing, rev, nil
	}

	node := &types.Node{
		ID:            uuid.NewString(),
		Name:          name,
		Address:       address,
		Labels:        labels,
		Resources:     resources,
		Status:        types.NodeStatusOnline,
		LastHeartbeat: time.Now(),
		CreatedAt:     time.Now(),
	}
	if err := m.Apply(opCreateNode, node); err != nil {
		return nil, 0, err
	}
	m.PublishEvent(&events.Event{Type: events.EventNodeRegistered, Message: node.ID})
	rev, _ := m.store.CurrentRevision()
	return node, rev, nil
}

// UpdateNodeStatus refreshes last_heartbeat and capacity for a node.
func (m *Manager) UpdateNodeStatus(ctx context.Context, nodeID string, resources *types.NodeResources) error {
	node, err := m.store.GetNode(nodeID)
	if err != nil {
		return err
	}
	node.Resources = resources
	node.LastHeartbeat = time.Now()
	node.Status = types.NodeStatusOnline
	return m.Apply(opUpdateNode, node)
}

// DeregisterNode marks a node Offline, releases its scheduled VMs for
// re-scheduling, and lets the manifest compiler drop the node's NICs
// on the next manifest for any surviving node.
func (m *Manager) DeregisterNode(ctx context.Context, nodeID string) error {
	node, err := m.store.GetNode(nodeID)
	if err != nil {
		return err
	}
	node.Status = types.NodeStatusOffline
	if err := m.Apply(opUpdateNode, node); err != nil {
		return err
	}

	vms, err := m.store.ListVMsByNode(nodeID)
	if err != nil {
		return err
	}
	for _, vm := range vms {
		vm.NodeID = ""
		vm.Status = types.VMStatusPending
		if err := m.Apply(opUpdateVM, vm); err != nil {
			m.logger.Error().Err(err).Str("vm_id", vm.ID).Msg("failed to release vm for rescheduling")
		}
	}
	m.PublishEvent(&events.Event{Type: events.EventNodeOffline, Message: nodeID})
	return nil
}

// ReapDeadNodes marks nodes Offline whose last heartbeat is older
// than heartbeatTimeoutMultiple * heartbeat_interval. Intended to be
// called periodically by the leader.
func (m *Manager) ReapDeadNodes(ctx context.Context) {
	if !m.IsLeader() {
		return
	}
	nodes, err := m.store.ListNodes()
	if err != nil {
		return
	}
	deadline := time.Duration(heartbeatTimeoutMultiple) * m.heartbeatInterval
	now := time.Now()
	for _, n := range nodes {
		if n.Status == types.NodeStatusOffline {
			continue
		}
		if now.Sub(n.LastHeartbeat) > deadline {
			m.logger.Warn().Str("node_id", n.ID).Dur("since_heartbeat", now.Sub(n.LastHeartbeat)).Msg("node missed heartbeats, marking offline")
			if err := m.DeregisterNode(ctx, n.ID); err != nil {
				m.logger.Error().Err(err).Str("node_id", n.ID).Msg("failed to deregister dead node")
			}
		}
	}
}

