package manager

import (
	"context"

	"github.com/cuemby/warren/pkg/apierr"
	"github.com/cuemby/warren/pkg/events"
	"github.com/cuemby/warren/pkg/types"
	"github.com/google/uuid"
)

// --- Networks ---------------------------------------------------------

func (m *Manager) CreateNetwork(ctx context.Context, n *types.Network) (*types.Network, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if err := m.Apply(opCreateNetwork, n); err != nil {
		return nil, err
	}
	m.PublishEvent(&events.Event{Type: events.EventNetworkCreated, Message: n.ID})
	return n, nil
}

func (m *Manager) GetNetwork(id string) (*types.Network, error) { return m.store.GetNetwork(id) }
func (m *Manager) ListNetworks() ([]*types.Network, error)       { return m.store.ListNetworks() }

func (m *Manager) UpdateNetwork(ctx context.Context, n *types.Network) error {
	if err := m.Apply(opUpdateNetwork, n); err != nil {
		return err
	}
	m.PublishEvent(&events.Event{Type: events.EventNetworkUpdated, Message: n.ID})
	return nil
}

func (m *Manager) DeleteNetwork(ctx context.Context, id string) error {
	nics, err := m.store.ListNICsByNetwork(id)
	if err != nil {
		return err
	}
	if len(nics) > 0 {
		return apierr.FailedPreconditionf("network %s still has %d attached nic(s)", id, len(nics))
	}
	if err := m.Apply(opDeleteNetwork, id); err != nil {
		return err
	}
	m.PublishEvent(&events.Event{Type: events.EventNetworkDeleted, Message: id})
	return nil
}

// --- NICs ---------------------------------------------------------------

func (m *Manager) CreateNIC(ctx context.Context, n *types.NIC) (*types.NIC, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if _, err := m.store.GetNetwork(n.NetworkID); err != nil {
		return nil, err
	}
	n.State = types.NICStateCreated
	if err := m.Apply(opCreateNIC, n); err != nil {
		return nil, err
	}
	m.PublishEvent(&events.Event{Type: events.EventNICCreated, Message: n.ID})
	return n, nil
}

func (m *Manager) GetNIC(id string) (*types.NIC, error) { return m.store.GetNIC(id) }
func (m *Manager) ListNICs() ([]*types.NIC, error)      { return m.store.ListNICs() }

func (m *Manager) UpdateNIC(ctx context.Context, n *types.NIC) error {
	if err := m.Apply(opUpdateNIC, n); err != nil {
		return err
	}
	m.PublishEvent(&events.Event{Type: events.EventNICUpdated, Message: n.ID})
	return nil
}

func (m *Manager) DeleteNIC(ctx context.Context, id string) error {
	if err := m.Apply(opDeleteNIC, id); err != nil {
		return err
	}
	m.PublishEvent(&events.Event{Type: events.EventNICDeleted, Message: id})
	return nil
}

// --- Volumes --------------------------------------------------------------

func (m *Manager) CreateVolume(ctx context.Context, v *types.Volume) (*types.Volume, error) {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if err := m.Apply(opCreateVolume, v); err != nil {
		return nil, err
	}
	m.PublishEvent(&events.Event{Type: events.EventVolumeCreated, Message: v.ID})
	return v, nil
}

func (m *Manager) GetVolume(id string) (*types.Volume, error) { return m.store.GetVolume(id) }
func (m *Manager) ListVolumes() ([]*types.Volume, error)       { return m.store.ListVolumes() }

func (m *Manager) UpdateVolume(ctx context.Context, v *types.Volume) error {
	return m.Apply(opUpdateVolume, v)
}

func (m *Manager) DeleteVolume(ctx context.Context, id string) error {
	vol, err := m.store.GetVolume(id)
	if err != nil {
		return err
	}
	vms, err := m.store.ListVMs()
	if err != nil {
		return err
	}
	for _, vm := range vms {
		if vm.VolumeID == vol.ID {
			return apierr.FailedPreconditionf("volume %s is attached to vm %s", id, vm.ID)
		}
	}
	if err := m.Apply(opDeleteVolume, id); err != nil {
		return err
	}
	m.PublishEvent(&events.Event{Type: events.EventVolumeDeleted, Message: id})
	return nil
}

// --- Templates --------------------------------------------------------------

func (m *Manager) CreateTemplate(ctx context.Context, t *types.Template) (*types.Template, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if err := m.Apply(opCreateTemplate, t); err != nil {
		return nil, err
	}
	m.PublishEvent(&events.Event{Type: events.EventTemplateCreated, Message: t.ID})
	return t, nil
}

func (m *Manager) GetTemplate(id string) (*types.Template, error) { return m.store.GetTemplate(id) }
func (m *Manager) ListTemplates() ([]*types.Template, error)      { return m.store.ListTemplates() }

func (m *Manager) DeleteTemplate(ctx context.Context, id string) error {
	vols, err := m.store.ListVolumesByOriginTemplate(id)
	if err != nil {
		return err
	}
	if len(vols) > 0 {
		return apierr.FailedPreconditionf("template %s still has %d derived volume(s)", id, len(vols))
	}
	if err := m.Apply(opDeleteTemplate, id); err != nil {
		return err
	}
	m.PublishEvent(&events.Event{Type: events.EventTemplateDeleted, Message: id})
	return nil
}

// --- Snapshots --------------------------------------------------------------

func (m *Manager) CreateSnapshot(ctx context.Context, s *types.Snapshot) (*types.Snapshot, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if err := m.Apply(opCreateSnapshot, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (m *Manager) ListSnapshotsByVolume(volumeID string) ([]*types.Snapshot, error) {
	return m.store.ListSnapshotsByVolume(volumeID)
}

func (m *Manager) DeleteSnapshot(ctx context.Context, id string) error {
	return m.Apply(opDeleteSnapshot, id)
}

// --- VMs --------------------------------------------------------------------

// CreateVM persists a VM in Pending status. Placement onto a node is
// the scheduler's job (§4.1), driven off the VMCreated event.
func (m *Manager) CreateVM(ctx context.Context, vm *types.VM) (*types.VM, error) {
	if vm.ID == "" {
		vm.ID = uuid.NewString()
	}
	vm.Status = types.VMStatusPending
	vm.DesiredState = types.VMDesiredRunning
	if err := m.Apply(opCreateVM, vm); err != nil {
		return nil, err
	}
	m.PublishEvent(&events.Event{Type: events.EventVMCreated, Message: vm.ID})
	return vm, nil
}

func (m *Manager) GetVM(id string) (*types.VM, error) { return m.store.GetVM(id) }
func (m *Manager) ListVMs() ([]*types.VM, error)      { return m.store.ListVMs() }

// ScheduleVM assigns a VM to a node; called by the scheduler once it
// has picked a placement.
func (m *Manager) ScheduleVM(ctx context.Context, vmID, nodeID string) error {
	vm, err := m.store.GetVM(vmID)
	if err != nil {
		return err
	}
	vm.NodeID = nodeID
	vm.Status = types.VMStatusScheduled
	if err := m.Apply(opUpdateVM, vm); err != nil {
		return err
	}
	m.PublishEvent(&events.Event{Type: events.EventVMScheduled, Message: vmID})
	return nil
}

func (m *Manager) UpdateVM(ctx context.Context, vm *types.VM) error {
	if err := m.Apply(opUpdateVM, vm); err != nil {
		return err
	}
	m.PublishEvent(&events.Event{Type: events.EventVMUpdated, Message: vm.ID})
	return nil
}

// StopVM sets the desired state to Stopped without removing the VM.
func (m *Manager) StopVM(ctx context.Context, id string) error {
	vm, err := m.store.GetVM(id)
	if err != nil {
		return err
	}
	vm.DesiredState = types.VMDesiredStopped
	return m.UpdateVM(ctx, vm)
}

// StartVM sets the desired state back to Running.
func (m *Manager) StartVM(ctx context.Context, id string) error {
	vm, err := m.store.GetVM(id)
	if err != nil {
		return err
	}
	vm.DesiredState = types.VMDesiredRunning
	return m.UpdateVM(ctx, vm)
}

func (m *Manager) DeleteVM(ctx context.Context, id string) error {
	if err := m.Apply(opDeleteVM, id); err != nil {
		return err
	}
	m.PublishEvent(&events.Event{Type: events.EventVMDeleted, Message: id})
	return nil
}

// --- SecurityGroups -----------------------------------------------------

func (m *Manager) CreateSecurityGroup(ctx context.Context, sg *types.SecurityGroup) (*types.SecurityGroup, error) {
	if sg.ID == "" {
		sg.ID = uuid.NewString()
	}
	if err := m.Apply(opCreateSecurityGroup, sg); err != nil {
		return nil, err
	}
	m.PublishEvent(&events.Event{Type: events.EventSecurityGroupCreated, Message: sg.ID})
	return sg, nil
}

func (m *Manager) GetSecurityGroup(id string) (*types.SecurityGroup, error) {
	return m.store.GetSecurityGroup(id)
}
func (m *Manager) ListSecurityGroups() ([]*types.SecurityGroup, error) {
	return m.store.ListSecurityGroups()
}

func (m *Manager) UpdateSecurityGroup(ctx context.Context, sg *types.SecurityGroup) error {
	return m.Apply(opUpdateSecurityGroup, sg)
}

func (m *Manager) DeleteSecurityGroup(ctx context.Context, id string) error {
	nics, err := m.store.ListNICs()
	if err != nil {
		return err
	}
	for _, n := range nics {
		if n.SecurityGroupID == id {
			return apierr.FailedPreconditionf("security group %s still attached to nic %s", id, n.ID)
		}
	}
	if err := m.Apply(opDeleteSecurityGroup, id); err != nil {
		return err
	}
	m.PublishEvent(&events.Event{Type: events.EventSecurityGroupDeleted, Message: id})
	return nil
}

// --- Routes ---------------------------------------------------------------

func (m *Manager) CreateRoute(ctx context.Context, r *types.Route) (*types.Route, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if err := m.Apply(opCreateRoute, r); err != nil {
		return nil, err
	}
	m.PublishEvent(&events.Event{Type: events.EventRouteCreated, Message: r.ID})
	return r, nil
}

func (m *Manager) GetRoute(id string) (*types.Route, error) { return m.store.GetRoute(id) }
func (m *Manager) ListRoutes() ([]*types.Route, error)       { return m.store.ListRoutes() }

func (m *Manager) DeleteRoute(ctx context.Context, id string) error {
	if err := m.Apply(opDeleteRoute, id); err != nil {
		return err
	}
	m.PublishEvent(&events.Event{Type: events.EventRouteDeleted, Message: id})
	return nil
}
