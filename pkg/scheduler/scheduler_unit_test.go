package scheduler

import (
	"testing"

	"github.com/cuemby/warren/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestFilterSchedulableNodes(t *testing.T) {
	tests := []struct {
		name     string
		nodes    []*types.Node
		expected int
	}{
		{
			name: "all online",
			nodes: []*types.Node{
				{ID: "node-1", Status: types.NodeStatusOnline},
				{ID: "node-2", Status: types.NodeStatusOnline},
			},
			expected: 2,
		},
		{
			name: "mixed online and offline",
			nodes: []*types.Node{
				{ID: "node-1", Status: types.NodeStatusOnline},
				{ID: "node-2", Status: types.NodeStatusOffline},
				{ID: "node-3", Status: types.NodeStatusDraining},
			},
			expected: 1,
		},
		{
			name:     "empty",
			nodes:    []*types.Node{},
			expected: 0,
		},
		{
			name:     "nil",
			nodes:    nil,
			expected: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := filterSchedulableNodes(tt.nodes)
			assert.Len(t, result, tt.expected)
			for _, n := range result {
				assert.Equal(t, types.NodeStatusOnline, n.Status)
			}
		})
	}
}

func TestFits(t *testing.T) {
	vm := &types.VM{CPUCores: 2, MemoryMB: 2048}

	assert.True(t, fits(&types.Node{Resources: &types.NodeResources{
		AvailableCPUCores: 4, AvailableMemoryMB: 4096,
	}}, vm))

	assert.False(t, fits(&types.Node{Resources: &types.NodeResources{
		AvailableCPUCores: 1, AvailableMemoryMB: 4096,
	}}, vm))

	assert.False(t, fits(&types.Node{Resources: &types.NodeResources{
		AvailableCPUCores: 4, AvailableMemoryMB: 1024,
	}}, vm))

	assert.False(t, fits(&types.Node{Resources: nil}, vm))
}

func TestSelectNodeSpreadsAcrossLeastLoaded(t *testing.T) {
	s := &Scheduler{}
	vm := &types.VM{ID: "vm-3", CPUCores: 1, MemoryMB: 512}

	nodes := []*types.Node{
		{ID: "node-a", Resources: &types.NodeResources{AvailableCPUCores: 8, AvailableMemoryMB: 8192}},
		{ID: "node-b", Resources: &types.NodeResources{AvailableCPUCores: 8, AvailableMemoryMB: 8192}},
	}
	existing := []*types.VM{
		{ID: "vm-1", NodeID: "node-a", Status: types.VMStatusRunning},
		{ID: "vm-2", NodeID: "node-a", Status: types.VMStatusRunning},
	}

	selected, err := s.selectNode(vm, nodes, existing)
	assert.NoError(t, err)
	assert.Equal(t, "node-b", selected.ID)
}

func TestSelectNodeNoFeasibleNode(t *testing.T) {
	s := &Scheduler{}
	vm := &types.VM{ID: "vm-1", CPUCores: 16, MemoryMB: 65536}
	nodes := []*types.Node{
		{ID: "node-a", Resources: &types.NodeResources{AvailableCPUCores: 4, AvailableMemoryMB: 4096}},
	}

	_, err := s.selectNode(vm, nodes, nil)
	assert.Error(t, err)
}
