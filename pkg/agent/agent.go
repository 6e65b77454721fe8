// Package agent is the node-side half of the API <-> agent session
// protocol: it registers with the API, opens the bidirectional Sync
// stream, and on every inbound manifest runs the fixed seven-kind
// reconcile pass before reporting status back.
package agent

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"

	"github.com/cuemby/warren/pkg/reconcile"
	"github.com/cuemby/warren/pkg/rpcapi"
	"github.com/cuemby/warren/pkg/types"
)

// Config is everything the agent needs to register and reconcile.
type Config struct {
	NodeName          string
	Address           string
	Labels            map[string]string
	HeartbeatInterval time.Duration
}

// NodeAgent drives one node's Sync session and reconcile loop.
type NodeAgent struct {
	cfg    Config
	client rpcapi.NodeSyncClient
	nodeID string

	reconcilers map[string]reconcile.Reconciler // keyed by kind
	known       map[string]map[string]bool      // kind -> known ids

	resources func() *types.NodeResources

	outbox chan *rpcapi.SyncFromNode
}

// Reconcilers bundles the seven per-kind implementations the agent
// drives in fixed order.
type Reconcilers struct {
	Network       reconcile.Reconciler
	SecurityGroup reconcile.Reconciler
	Template      reconcile.Reconciler
	Volume        reconcile.Reconciler
	NIC           reconcile.Reconciler
	VM            reconcile.Reconciler
	Route         reconcile.Reconciler
}

const (
	kindNetwork       = "network"
	kindSecurityGroup = "security_group"
	kindTemplate      = "template"
	kindVolume        = "volume"
	kindNIC           = "nic"
	kindVM            = "vm"
	kindRoute         = "route"
)

var orderedKinds = []string{kindNetwork, kindSecurityGroup, kindTemplate, kindVolume, kindNIC, kindVM, kindRoute}

func NewNodeAgent(cfg Config, client rpcapi.NodeSyncClient, r Reconcilers, resources func() *types.NodeResources) *NodeAgent {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	a := &NodeAgent{
		cfg:    cfg,
		client: client,
		reconcilers: map[string]reconcile.Reconciler{
			kindNetwork: r.Network, kindSecurityGroup: r.SecurityGroup, kindTemplate: r.Template,
			kindVolume: r.Volume, kindNIC: r.NIC, kindVM: r.VM, kindRoute: r.Route,
		},
		known:     map[string]map[string]bool{},
		resources: resources,
		outbox:    make(chan *rpcapi.SyncFromNode, 64),
	}
	for _, k := range orderedKinds {
		a.known[k] = map[string]bool{}
	}
	return a
}

// Run registers the node, opens the Sync stream, and blocks until ctx
// is cancelled or the stream ends, reconnecting with backoff in
// between. Mirrors agent.rs's run(): init-from-reality happens once,
// up front, before the first connect.
func (a *NodeAgent) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.runOnce(ctx); err != nil {
			log.Warn().Err(err).Dur("backoff", backoff).Msg("agent: session ended, reconnecting")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			if backoff < a.cfg.HeartbeatInterval {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
	}
}

func (a *NodeAgent) runOnce(ctx context.Context) error {
	regResp, err := a.client.Register(ctx, &rpcapi.RegisterRequest{
		Name: a.cfg.NodeName, Address: a.cfg.Address, Resources: a.resources(), Labels: a.cfg.Labels,
	})
	if err != nil {
		return err
	}
	a.nodeID = regResp.NodeID
	log.Info().Str("node_id", a.nodeID).Uint64("revision", regResp.Revision).Msg("agent: registered")

	stream, err := a.client.Sync(ctx, grpc.WaitForReady(true))
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(2)
	go a.sendLoop(stream, stop, &wg)
	go a.heartbeatLoop(stop, &wg)

	var recvErr error
	for {
		msg, err := stream.Recv()
		if err != nil {
			recvErr = err
			break
		}
		if msg.Manifest != nil {
			report := a.applyManifest(ctx, msg.Manifest)
			if !report.Empty() {
				a.enqueue(&rpcapi.SyncFromNode{NodeID: a.nodeID, Status: report})
			}
		}
	}

	close(stop)
	wg.Wait()
	return recvErr
}

func (a *NodeAgent) enqueue(msg *rpcapi.SyncFromNode) {
	select {
	case a.outbox <- msg:
	default:
		log.Warn().Msg("agent: outbox full, dropping frame")
	}
}

// sendLoop owns every outbound frame so a slow manifest-apply pass on
// the receive side never blocks heartbeats.
func (a *NodeAgent) sendLoop(stream rpcapi.NodeSync_SyncClient, stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-stop:
			return
		case msg := <-a.outbox:
			if err := stream.Send(msg); err != nil {
				log.Warn().Err(err).Msg("agent: send failed")
				return
			}
		}
	}
}

func (a *NodeAgent) heartbeatLoop(stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			a.enqueue(&rpcapi.SyncFromNode{NodeID: a.nodeID, Heartbeat: &rpcapi.Heartbeat{Resources: a.resources()}})
		}
	}
}
