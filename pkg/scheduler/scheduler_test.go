package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/warren/pkg/manager"
	"github.com/cuemby/warren/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Note: these tests drive a real Raft/BoltDB manager and have the same
// checkptr caveats as pkg/manager's own integration tests under -race
// with Go 1.25+'s boltdb dependency; skip them in short mode.

func newLeaderManager(t *testing.T) *manager.Manager {
	t.Helper()
	mgr, err := manager.NewManager(&manager.Config{
		NodeID:   "test-manager",
		BindAddr: "127.0.0.1:0",
		DataDir:  t.TempDir(),
	})
	require.NoError(t, err)
	require.NoError(t, mgr.Bootstrap())

	for i := 0; i < 50; i++ {
		if mgr.IsLeader() {
			return mgr
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("manager failed to become leader")
	return nil
}

func TestScheduleSpreadsVMsAcrossNodes(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	mgr := newLeaderManager(t)
	defer func() { _ = mgr.Shutdown() }()
	ctx := context.Background()

	for _, id := range []string{"node-1", "node-2"} {
		_, _, err := mgr.RegisterNode(ctx, id, "10.0.0.1:7946", &types.NodeResources{
			CPUCores: 4, MemoryMB: 8192, AvailableCPUCores: 4, AvailableMemoryMB: 8192,
		}, nil)
		require.NoError(t, err)
	}

	var vmIDs []string
	for i := 0; i < 2; i++ {
		vm, err := mgr.CreateVM(ctx, &types.VM{Name: "vm", CPUCores: 1, MemoryMB: 512})
		require.NoError(t, err)
		vmIDs = append(vmIDs, vm.ID)
	}

	s := NewScheduler(mgr)
	require.NoError(t, s.schedule(ctx))

	nodeCounts := make(map[string]int)
	for _, id := range vmIDs {
		vm, err := mgr.GetVM(id)
		require.NoError(t, err)
		assert.Equal(t, types.VMStatusScheduled, vm.Status)
		nodeCounts[vm.NodeID]++
	}
	assert.Len(t, nodeCounts, 2, "vms should spread across both nodes")
}

func TestScheduleSkipsWhenNoCapacity(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	mgr := newLeaderManager(t)
	defer func() { _ = mgr.Shutdown() }()
	ctx := context.Background()

	_, _, err := mgr.RegisterNode(ctx, "node-1", "10.0.0.1:7946", &types.NodeResources{
		CPUCores: 1, MemoryMB: 512, AvailableCPUCores: 1, AvailableMemoryMB: 512,
	}, nil)
	require.NoError(t, err)

	vm, err := mgr.CreateVM(ctx, &types.VM{Name: "too-big", CPUCores: 8, MemoryMB: 16384})
	require.NoError(t, err)

	s := NewScheduler(mgr)
	require.NoError(t, s.schedule(ctx))

	got, err := mgr.GetVM(vm.ID)
	require.NoError(t, err)
	assert.Equal(t, types.VMStatusPending, got.Status, "vm without a feasible node stays pending")
}

func TestScheduleRespectsVolumeAffinity(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	mgr := newLeaderManager(t)
	defer func() { _ = mgr.Shutdown() }()
	ctx := context.Background()

	for _, id := range []string{"node-1", "node-2"} {
		_, _, err := mgr.RegisterNode(ctx, id, "10.0.0.1:7946", &types.NodeResources{
			CPUCores: 4, MemoryMB: 8192, AvailableCPUCores: 4, AvailableMemoryMB: 8192,
		}, nil)
		require.NoError(t, err)
	}

	vol, err := mgr.CreateVolume(ctx, &types.Volume{Name: "pinned", SizeBytes: 1 << 30, NodeID: "node-2"})
	require.NoError(t, err)

	vm, err := mgr.CreateVM(ctx, &types.VM{Name: "pinned-vm", CPUCores: 1, MemoryMB: 512, VolumeID: vol.ID})
	require.NoError(t, err)

	s := NewScheduler(mgr)
	require.NoError(t, s.schedule(ctx))

	got, err := mgr.GetVM(vm.ID)
	require.NoError(t, err)
	assert.Equal(t, "node-2", got.NodeID)
}
