package manager

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/cuemby/warren/pkg/storage"
	"github.com/cuemby/warren/pkg/types"
	"github.com/hashicorp/raft"
)

// FSM implements the Raft finite state machine that applies committed
// desired-state mutations to the local store.
type FSM struct {
	mu    sync.RWMutex
	store storage.Store
}

// NewFSM creates a new FSM instance.
func NewFSM(store storage.Store) *FSM {
	return &FSM{store: store}
}

// Command is one state-change operation in the Raft log.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const (
	opCreateNode = "create_node"
	opUpdateNode = "update_node"
	opDeleteNode = "delete_node"

	opCreateNetwork = "create_network"
	opUpdateNetwork = "update_network"
	opDeleteNetwork = "delete_network"

	opCreateNIC = "create_nic"
	opUpdateNIC = "update_nic"
	opDeleteNIC = "delete_nic"

	opCreateVolume = "create_volume"
	opUpdateVolume = "update_volume"
	opDeleteVolume = "delete_volume"

	opCreateTemplate = "create_template"
	opUpdateTemplate = "update_template"
	opDeleteTemplate = "delete_template"

	opCreateSnapshot = "create_snapshot"
	opDeleteSnapshot = "delete_snapshot"

	opCreateVM = "create_vm"
	opUpdateVM = "update_vm"
	opDeleteVM = "delete_vm"

	opCreateSecurityGroup = "create_security_group"
	opUpdateSecurityGroup = "update_security_group"
	opDeleteSecurityGroup = "delete_security_group"

	opCreateRoute = "create_route"
	opDeleteRoute = "delete_route"
)

// Apply applies one committed Raft log entry.
func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case opCreateNode:
		var v types.Node
		if err := json.Unmarshal(cmd.Data, &v); err != nil {
			return err
		}
		return f.store.CreateNode(&v)
	case opUpdateNode:
		var v types.Node
		if err := json.Unmarshal(cmd.Data, &v); err != nil {
			return err
		}
		return f.store.UpdateNode(&v)
	case opDeleteNode:
		return f.applyDelete(cmd.Data, f.store.DeleteNode)

	case opCreateNetwork:
		var v types.Network
		if err := json.Unmarshal(cmd.Data, &v); err != nil {
			return err
		}
		return f.bumpRevision(f.store.CreateNetwork(&v))
	case opUpdateNetwork:
		var v types.Network
		if err := json.Unmarshal(cmd.Data, &v); err != nil {
			return err
		}
		return f.bumpRevision(f.store.UpdateNetwork(&v))
	case opDeleteNetwork:
		return f.bumpRevision(f.applyDeleteErr(cmd.Data, f.store.DeleteNetwork))

	case opCreateNIC:
		var v types.NIC
		if err := json.Unmarshal(cmd.Data, &v); err != nil {
			return err
		}
		return f.bumpRevision(f.store.CreateNIC(&v))
	case opUpdateNIC:
		var v types.NIC
		if err := json.Unmarshal(cmd.Data, &v); err != nil {
			return err
		}
		return f.bumpRevision(f.store.UpdateNIC(&v))
	case opDeleteNIC:
		return f.bumpRevision(f.applyDeleteErr(cmd.Data, f.store.DeleteNIC))

	case opCreateVolume:
		var v types.Volume
		if err := json.Unmarshal(cmd.Data, &v); err != nil {
			return err
		}
		return f.bumpRevision(f.store.CreateVolume(&v))
	case opUpdateVolume:
		var v types.Volume
		if err := json.Unmarshal(cmd.Data, &v); err != nil {
			return err
		}
		return f.bumpRevision(f.store.UpdateVolume(&v))
	case opDeleteVolume:
		return f.bumpRevision(f.applyDeleteErr(cmd.Data, f.store.DeleteVolume))

	case opCreateTemplate:
		var v types.Template
		if err := json.Unmarshal(cmd.Data, &v); err != nil {
			return err
		}
		return f.bumpRevision(f.store.CreateTemplate(&v))
	case opUpdateTemplate:
		var v types.Template
		if err := json.Unmarshal(cmd.Data, &v); err != nil {
			return err
		}
		return f.bumpRevision(f.store.UpdateTemplate(&v))
	case opDeleteTemplate:
		return f.bumpRevision(f.applyDeleteErr(cmd.Data, f.store.DeleteTemplate))

	case opCreateSnapshot:
		var v types.Snapshot
		if err := json.Unmarshal(cmd.Data, &v); err != nil {
			return err
		}
		return f.store.CreateSnapshot(&v)
	case opDeleteSnapshot:
		return f.applyDelete(cmd.Data, f.store.DeleteSnapshot)

	case opCreateVM:
		var v types.VM
		if err := json.Unmarshal(cmd.Data, &v); err != nil {
			return err
		}
		return f.bumpRevision(f.store.CreateVM(&v))
	case opUpdateVM:
		var v types.VM
		if err := json.Unmarshal(cmd.Data, &v); err != nil {
			return err
		}
		return f.bumpRevision(f.store.UpdateVM(&v))
	case opDeleteVM:
		return f.bumpRevision(f.applyDeleteErr(cmd.Data, f.store.DeleteVM))

	case opCreateSecurityGroup:
		var v types.SecurityGroup
		if err := json.Unmarshal(cmd.Data, &v); err != nil {
			return err
		}
		return f.bumpRevision(f.store.CreateSecurityGroup(&v))
	case opUpdateSecurityGroup:
		var v types.SecurityGroup
		if err := json.Unmarshal(cmd.Data, &v); err != nil {
			return err
		}
		return f.bumpRevision(f.store.UpdateSecurityGroup(&v))
	case opDeleteSecurityGroup:
		return f.bumpRevision(f.applyDeleteErr(cmd.Data, f.store.DeleteSecurityGroup))

	case opCreateRoute:
		var v types.Route
		if err := json.Unmarshal(cmd.Data, &v); err != nil {
			return err
		}
		return f.bumpRevision(f.store.CreateRoute(&v))
	case opDeleteRoute:
		return f.bumpRevision(f.applyDeleteErr(cmd.Data, f.store.DeleteRoute))

	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// bumpRevision increments the manifest revision counter after a
// successful mutation of a manifest-visible entity kind. The counter
// is advanced as part of the same deterministic FSM transition so
// every replica agrees on the revision each entry produced.
func (f *FSM) bumpRevision(err error) error {
	if err != nil {
		return err
	}
	_, err = f.store.NextRevision()
	return err
}

func (f *FSM) applyDeleteErr(data json.RawMessage, fn func(string) error) error {
	var id string
	if err := json.Unmarshal(data, &id); err != nil {
		return err
	}
	return fn(id)
}

func (f *FSM) applyDelete(data json.RawMessage, fn func(string) error) interface{} {
	var id string
	if err := json.Unmarshal(data, &id); err != nil {
		return err
	}
	return fn(id)
}

// Snapshot builds a point-in-time snapshot of the whole store.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	nodes, err := f.store.ListNodes()
	if err != nil {
		return nil, err
	}
	networks, err := f.store.ListNetworks()
	if err != nil {
		return nil, err
	}
	nics, err := f.store.ListNICs()
	if err != nil {
		return nil, err
	}
	volumes, err := f.store.ListVolumes()
	if err != nil {
		return nil, err
	}
	templates, err := f.store.ListTemplates()
	if err != nil {
		return nil, err
	}
	vms, err := f.store.ListVMs()
	if err != nil {
		return nil, err
	}
	sgs, err := f.store.ListSecurityGroups()
	if err != nil {
		return nil, err
	}
	routes, err := f.store.ListRoutes()
	if err != nil {
		return nil, err
	}

	return &FSMSnapshot{
		Nodes: nodes, Networks: networks, NICs: nics, Volumes: volumes,
		Templates: templates, VMs: vms, SecurityGroups: sgs, Routes: routes,
	}, nil
}

// Restore replaces the store's contents with a decoded snapshot.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap FSMSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, n := range snap.Nodes {
		if err := f.store.CreateNode(n); err != nil {
			return err
		}
	}
	for _, n := range snap.Networks {
		if err := f.store.CreateNetwork(n); err != nil {
			return err
		}
	}
	for _, n := range snap.NICs {
		if err := f.store.CreateNIC(n); err != nil {
			return err
		}
	}
	for _, v := range snap.Volumes {
		if err := f.store.CreateVolume(v); err != nil {
			return err
		}
	}
	for _, t := range snap.Templates {
		if err := f.store.CreateTemplate(t); err != nil {
			return err
		}
	}
	for _, vm := range snap.VMs {
		if err := f.store.CreateVM(vm); err != nil {
			return err
		}
	}
	for _, sg := range snap.SecurityGroups {
		if err := f.store.CreateSecurityGroup(sg); err != nil {
			return err
		}
	}
	for _, r := range snap.Routes {
		if err := f.store.CreateRoute(r); err != nil {
			return err
		}
	}
	return nil
}

// FSMSnapshot is the JSON-encoded point-in-time state persisted by Raft.
type FSMSnapshot struct {
	Nodes          []*types.Node
	Networks       []*types.Network
	NICs           []*types.NIC
	Volumes        []*types.Volume
	Templates      []*types.Template
	VMs            []*types.VM
	SecurityGroups []*types.SecurityGroup
	Routes         []*types.Route
}

func (s *FSMSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *FSMSnapshot) Release() {}
