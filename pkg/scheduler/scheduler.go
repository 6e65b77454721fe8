package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/warren/pkg/apierr"
	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/pkg/manager"
	"github.com/cuemby/warren/pkg/types"
	"github.com/rs/zerolog"
)

// Scheduler assigns pending VMs to nodes with enough free capacity.
type Scheduler struct {
	manager *manager.Manager
	logger  zerolog.Logger
	mu      sync.Mutex
	stopCh  chan struct{}
}

func NewScheduler(mgr *manager.Manager) *Scheduler {
	return &Scheduler{
		manager: mgr,
		logger:  log.WithComponent("scheduler"),
		stopCh:  make(chan struct{}),
	}
}

func (s *Scheduler) Start() { go s.run() }

func (s *Scheduler) Stop() { close(s.stopCh) }

func (s *Scheduler) run() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.schedule(context.Background()); err != nil {
				s.logger.Error().Err(err).Msg("scheduling cycle failed")
			}
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) schedule(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.manager.IsLeader() {
		return nil
	}

	vms, err := s.manager.ListVMs()
	if err != nil {
		return err
	}

	nodes, err := s.manager.ListNodes()
	if err != nil {
		return err
	}
	ready := filterSchedulableNodes(nodes)
	if len(ready) == 0 {
		return nil
	}

	for _, vm := range vms {
		if vm.Status != types.VMStatusPending {
			continue
		}
		node, err := s.selectNode(vm, ready, vms)
		if err != nil {
			s.logger.Warn().Err(err).Str("vm_id", vm.ID).Msg("no feasible node for vm")
			continue
		}
		if err := s.manager.ScheduleVM(ctx, vm.ID, node.ID); err != nil {
			s.logger.Error().Err(err).Str("vm_id", vm.ID).Str("node_id", node.ID).Msg("failed to schedule vm")
			continue
		}
		s.logger.Info().Str("vm_id", vm.ID).Str("node_id", node.ID).Msg("scheduled vm")
	}
	return nil
}

// selectNode picks a feasible node for vm. Volume affinity wins over
// spread: if the VM's volume already lives on a node, that node is
// the only candidate.
func (s *Scheduler) selectNode(vm *types.VM, nodes []*types.Node, allVMs []*types.VM) (*types.Node, error) {
	if vm.VolumeID != "" {
		if vol, err := s.manager.GetVolume(vm.VolumeID); err == nil && vol.NodeID != "" {
			for _, n := range nodes {
				if n.ID == vol.NodeID {
					if !fits(n, vm) {
						return nil, apierr.FailedPreconditionf("volume-affine node %s lacks capacity for vm %s", n.ID, vm.ID)
					}
					return n, nil
				}
			}
			return nil, apierr.FailedPreconditionf("volume %s requires node %s which is not schedulable", vol.ID, vol.NodeID)
		}
	}

	vmCounts := make(map[string]int)
	for _, v := range allVMs {
		if v.NodeID != "" && v.Status != types.VMStatusFailed {
			vmCounts[v.NodeID]++
		}
	}

	var candidates []*types.Node
	for _, n := range nodes {
		if fits(n, vm) {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		return nil, apierr.FailedPreconditionf("no node has capacity for vm %s", vm.ID)
	}

	sort.Slice(candidates, func(i, j int) bool {
		ci, cj := vmCounts[candidates[i].ID], vmCounts[candidates[j].ID]
		if ci != cj {
			return ci < cj
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0], nil
}

func fits(n *types.Node, vm *types.VM) bool {
	if n.Resources == nil {
		return false
	}
	return n.Resources.AvailableCPUCores >= vm.CPUCores &&
		n.Resources.AvailableMemoryMB >= vm.MemoryMB
}

func filterSchedulableNodes(nodes []*types.Node) []*types.Node {
	var ready []*types.Node
	for _, n := range nodes {
		if n.Status == types.NodeStatusOnline {
			ready = append(ready, n)
		}
	}
	return ready
}
