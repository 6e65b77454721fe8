// Package storage defines the API's desired-state store: the
// relational (BoltDB-backed) home for every cluster-level entity, the
// monotonic revision counter, and the event bus.
package storage

import (
	"github.com/cuemby/warren/pkg/types"
)

// Store is the interface the Raft FSM applies committed commands
// against. It is implemented by BoltStore.
type Store interface {
	// Nodes
	CreateNode(node *types.Node) error
	GetNode(id string) (*types.Node, error)
	GetNodeByName(name string) (*types.Node, error)
	ListNodes() ([]*types.Node, error)
	UpdateNode(node *types.Node) error
	DeleteNode(id string) error

	// Networks
	CreateNetwork(network *types.Network) error
	GetNetwork(id string) (*types.Network, error)
	GetNetworkByName(name string) (*types.Network, error)
	ListNetworks() ([]*types.Network, error)
	UpdateNetwork(network *types.Network) error
	DeleteNetwork(id string) error

	// NICs
	CreateNIC(nic *types.NIC) error
	GetNIC(id string) (*types.NIC, error)
	ListNICs() ([]*types.NIC, error)
	ListNICsByNetwork(networkID string) ([]*types.NIC, error)
	ListNICsByNode(nodeID string) ([]*types.NIC, error)
	UpdateNIC(nic *types.NIC) error
	DeleteNIC(id string) error

	// Volumes
	CreateVolume(volume *types.Volume) error
	GetVolume(id string) (*types.Volume, error)
	GetVolumeByName(name string) (*types.Volume, error)
	ListVolumes() ([]*types.Volume, error)
	ListVolumesByOriginTemplate(templateID string) ([]*types.Volume, error)
	UpdateVolume(volume *types.Volume) error
	DeleteVolume(id string) error

	// Templates
	CreateTemplate(tmpl *types.Template) error
	GetTemplate(id string) (*types.Template, error)
	ListTemplates() ([]*types.Template, error)
	UpdateTemplate(tmpl *types.Template) error
	DeleteTemplate(id string) error

	// Snapshots
	CreateSnapshot(snap *types.Snapshot) error
	GetSnapshot(id string) (*types.Snapshot, error)
	ListSnapshotsByVolume(volumeID string) ([]*types.Snapshot, error)
	DeleteSnapshot(id string) error

	// VMs
	CreateVM(vm *types.VM) error
	GetVM(id string) (*types.VM, error)
	ListVMs() ([]*types.VM, error)
	ListVMsByNode(nodeID string) ([]*types.VM, error)
	UpdateVM(vm *types.VM) error
	DeleteVM(id string) error

	// SecurityGroups
	CreateSecurityGroup(sg *types.SecurityGroup) error
	GetSecurityGroup(id string) (*types.SecurityGroup, error)
	ListSecurityGroups() ([]*types.SecurityGroup, error)
	UpdateSecurityGroup(sg *types.SecurityGroup) error
	DeleteSecurityGroup(id string) error

	// Routes
	CreateRoute(route *types.Route) error
	GetRoute(id string) (*types.Route, error)
	ListRoutes() ([]*types.Route, error)
	DeleteRoute(id string) error

	// Revision counter, persisted so it survives API restart (Open
	// Question 1, resolved in DESIGN.md).
	NextRevision() (uint64, error)
	CurrentRevision() (uint64, error)

	// Events
	AppendEvent(ev *types.Event) error
	ListEvents(limit int) ([]*types.Event, error)

	Close() error
}
