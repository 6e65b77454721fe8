package storage

import (
	"encoding/binary"
	"encoding/json"
	"path/filepath"

	"github.com/cuemby/warren/pkg/apierr"
	"github.com/cuemby/warren/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketNodes          = []byte("nodes")
	bucketNetworks       = []byte("networks")
	bucketNICs           = []byte("nics")
	bucketVolumes        = []byte("volumes")
	bucketTemplates      = []byte("templates")
	bucketSnapshots      = []byte("snapshots")
	bucketVMs            = []byte("vms")
	bucketSecurityGroups = []byte("security_groups")
	bucketRoutes         = []byte("routes")
	bucketMeta           = []byte("meta")
	bucketEvents         = []byte("events")

	metaKeyRevision = []byte("revision")
)

// BoltStore implements Store on top of a single bbolt file, one
// bucket per entity kind, mirroring the teacher's bucket-per-type
// layout.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) the API's desired-state
// database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "mvirt-api.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, apierr.Wrap(apierr.Unavailable, err, "open api store")
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketNodes, bucketNetworks, bucketNICs, bucketVolumes,
			bucketTemplates, bucketSnapshots, bucketVMs,
			bucketSecurityGroups, bucketRoutes, bucketMeta, bucketEvents,
		}
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, apierr.Wrap(apierr.Internal, err, "create buckets")
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func putJSON(tx *bolt.Tx, bucket []byte, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return apierr.Wrap(apierr.Internal, err, "marshal entity")
	}
	return tx.Bucket(bucket).Put([]byte(id), data)
}

func getJSON(tx *bolt.Tx, bucket []byte, id string, v any, kind string) error {
	data := tx.Bucket(bucket).Get([]byte(id))
	if data == nil {
		return apierr.NotFoundf("%s %q not found", kind, id)
	}
	return json.Unmarshal(data, v)
}

// Node operations

func (s *BoltStore) CreateNode(n *types.Node) error {
	return s.db.Update(func(tx *bolt.Tx) error { return putJSON(tx, bucketNodes, n.ID, n) })
}

func (s *BoltStore) GetNode(id string) (*types.Node, error) {
	var n types.Node
	err := s.db.View(func(tx *bolt.Tx) error { return getJSON(tx, bucketNodes, id, &n, "node") })
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *BoltStore) GetNodeByName(name string) (*types.Node, error) {
	nodes, err := s.ListNodes()
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		if n.Name == name {
			return n, nil
		}
	}
	return nil, apierr.NotFoundf("node %q not found", name)
}

func (s *BoltStore) ListNodes() ([]*types.Node, error) {
	var nodes []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			var n types.Node
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			nodes = append(nodes, &n)
			return nil
		})
	})
	return nodes, err
}

func (s *BoltStore) UpdateNode(n *types.Node) error { return s.CreateNode(n) }

func (s *BoltStore) DeleteNode(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error { return tx.Bucket(bucketNodes).Delete([]byte(id)) })
}

// Network operations

func (s *BoltStore) CreateNetwork(n *types.Network) error {
	return s.db.Update(func(tx *bolt.Tx) error { return putJSON(tx, bucketNetworks, n.ID, n) })
}

func (s *BoltStore) GetNetwork(id string) (*types.Network, error) {
	var n types.Network
	err := s.db.View(func(tx *bolt.Tx) error { return getJSON(tx, bucketNetworks, id, &n, "network") })
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *BoltStore) GetNetworkByName(name string) (*types.Network, error) {
	nets, err := s.ListNetworks()
	if err != nil {
		return nil, err
	}
	for _, n := range nets {
		if n.Name == name {
			return n, nil
		}
	}
	return nil, apierr.NotFoundf("network %q not found", name)
}

func (s *BoltStore) ListNetworks() ([]*types.Network, error) {
	var nets []*types.Network
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNetworks).ForEach(func(k, v []byte) error {
			var n types.Network
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			nets = append(nets, &n)
			return nil
		})
	})
	return nets, err
}

func (s *BoltStore) UpdateNetwork(n *types.Network) error { return s.CreateNetwork(n) }

func (s *BoltStore) DeleteNetwork(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error { return tx.Bucket(bucketNetworks).Delete([]byte(id)) })
}

// NIC operations

func (s *BoltStore) CreateNIC(n *types.NIC) error {
	return s.db.Update(func(tx *bolt.Tx) error { return putJSON(tx, bucketNICs, n.ID, n) })
}

func (s *BoltStore) GetNIC(id string) (*types.NIC, error) {
	var n types.NIC
	err := s.db.View(func(tx *bolt.Tx) error { return getJSON(tx, bucketNICs, id, &n, "nic") })
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *BoltStore) ListNICs() ([]*types.NIC, error) {
	var nics []*types.NIC
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNICs).ForEach(func(k, v []byte) error {
			var n types.NIC
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			nics = append(nics, &n)
			return nil
		})
	})
	return nics, err
}

func (s *BoltStore) ListNICsByNetwork(networkID string) ([]*types.NIC, error) {
	all, err := s.ListNICs()
	if err != nil {
		return nil, err
	}
	var out []*types.NIC
	for _, n := range all {
		if n.NetworkID == networkID {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s *BoltStore) ListNICsByNode(nodeID string) ([]*types.NIC, error) {
	all, err := s.ListNICs()
	if err != nil {
		return nil, err
	}
	var out []*types.NIC
	for _, n := range all {
		if n.NodeID == nodeID {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s *BoltStore) UpdateNIC(n *types.NIC) error { return s.CreateNIC(n) }

func (s *BoltStore) DeleteNIC(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error { return tx.Bucket(bucketNICs).Delete([]byte(id)) })
}

// Volume operations

func (s *BoltStore) CreateVolume(v *types.Volume) error {
	return s.db.Update(func(tx *bolt.Tx) error { return putJSON(tx, bucketVolumes, v.ID, v) })
}

func (s *BoltStore) GetVolume(id string) (*types.Volume, error) {
	var v types.Volume
	err := s.db.View(func(tx *bolt.Tx) error { return getJSON(tx, bucketVolumes, id, &v, "volume") })
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *BoltStore) GetVolumeByName(name string) (*types.Volume, error) {
	vols, err := s.ListVolumes()
	if err != nil {
		return nil, err
	}
	for _, v := range vols {
		if v.Name == name {
			return v, nil
		}
	}
	return nil, apierr.NotFoundf("volume %q not found", name)
}

func (s *BoltStore) ListVolumes() ([]*types.Volume, error) {
	var vols []*types.Volume
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVolumes).ForEach(func(k, v []byte) error {
			var vol types.Volume
			if err := json.Unmarshal(v, &vol); err != nil {
				return err
			}
			vols = append(vols, &vol)
			return nil
		})
	})
	return vols, err
}

func (s *BoltStore) ListVolumesByOriginTemplate(templateID string) ([]*types.Volume, error) {
	all, err := s.ListVolumes()
	if err != nil {
		return nil, err
	}
	var out []*types.Volume
	for _, v := range all {
		if v.OriginTemplateID == templateID {
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *BoltStore) UpdateVolume(v *types.Volume) error { return s.CreateVolume(v) }

func (s *BoltStore) DeleteVolume(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error { return tx.Bucket(bucketVolumes).Delete([]byte(id)) })
}

// Template operations

func (s *BoltStore) CreateTemplate(t *types.Template) error {
	return s.db.Update(func(tx *bolt.Tx) error { return putJSON(tx, bucketTemplates, t.ID, t) })
}

func (s *BoltStore) GetTemplate(id string) (*types.Template, error) {
	var t types.Template
	err := s.db.View(func(tx *bolt.Tx) error { return getJSON(tx, bucketTemplates, id, &t, "template") })
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *BoltStore) ListTemplates() ([]*types.Template, error) {
	var tmpls []*types.Template
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTemplates).ForEach(func(k, v []byte) error {
			var t types.Template
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			tmpls = append(tmpls, &t)
			return nil
		})
	})
	return tmpls, err
}

func (s *BoltStore) UpdateTemplate(t *types.Template) error { return s.CreateTemplate(t) }

func (s *BoltStore) DeleteTemplate(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error { return tx.Bucket(bucketTemplates).Delete([]byte(id)) })
}

// Snapshot operations

func (s *BoltStore) CreateSnapshot(sn *types.Snapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error { return putJSON(tx, bucketSnapshots, sn.ID, sn) })
}

func (s *BoltStore) GetSnapshot(id string) (*types.Snapshot, error) {
	var sn types.Snapshot
	err := s.db.View(func(tx *bolt.Tx) error { return getJSON(tx, bucketSnapshots, id, &sn, "snapshot") })
	if err != nil {
		return nil, err
	}
	return &sn, nil
}

func (s *BoltStore) ListSnapshotsByVolume(volumeID string) ([]*types.Snapshot, error) {
	var out []*types.Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).ForEach(func(k, v []byte) error {
			var sn types.Snapshot
			if err := json.Unmarshal(v, &sn); err != nil {
				return err
			}
			if sn.VolumeID == volumeID {
				out = append(out, &sn)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) DeleteSnapshot(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error { return tx.Bucket(bucketSnapshots).Delete([]byte(id)) })
}

// VM operations

func (s *BoltStore) CreateVM(vm *types.VM) error {
	return s.db.Update(func(tx *bolt.Tx) error { return putJSON(tx, bucketVMs, vm.ID, vm) })
}

func (s *BoltStore) GetVM(id string) (*types.VM, error) {
	var vm types.VM
	err := s.db.View(func(tx *bolt.Tx) error { return getJSON(tx, bucketVMs, id, &vm, "vm") })
	if err != nil {
		return nil, err
	}
	return &vm, nil
}

func (s *BoltStore) ListVMs() ([]*types.VM, error) {
	var vms []*types.VM
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVMs).ForEach(func(k, v []byte) error {
			var vm types.VM
			if err := json.Unmarshal(v, &vm); err != nil {
				return err
			}
			vms = append(vms, &vm)
			return nil
		})
	})
	return vms, err
}

func (s *BoltStore) ListVMsByNode(nodeID string) ([]*types.VM, error) {
	all, err := s.ListVMs()
	if err != nil {
		return nil, err
	}
	var out []*types.VM
	for _, vm := range all {
		if vm.NodeID == nodeID {
			out = append(out, vm)
		}
	}
	return out, nil
}

func (s *BoltStore) UpdateVM(vm *types.VM) error { return s.CreateVM(vm) }

func (s *BoltStore) DeleteVM(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error { return tx.Bucket(bucketVMs).Delete([]byte(id)) })
}

// SecurityGroup operations

func (s *BoltStore) CreateSecurityGroup(sg *types.SecurityGroup) error {
	return s.db.Update(func(tx *bolt.Tx) error { return putJSON(tx, bucketSecurityGroups, sg.ID, sg) })
}

func (s *BoltStore) GetSecurityGroup(id string) (*types.SecurityGroup, error) {
	var sg types.SecurityGroup
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketSecurityGroups, id, &sg, "security_group")
	})
	if err != nil {
		return nil, err
	}
	return &sg, nil
}

func (s *BoltStore) ListSecurityGroups() ([]*types.SecurityGroup, error) {
	var sgs []*types.SecurityGroup
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSecurityGroups).ForEach(func(k, v []byte) error {
			var sg types.SecurityGroup
			if err := json.Unmarshal(v, &sg); err != nil {
				return err
			}
			sgs = append(sgs, &sg)
			return nil
		})
	})
	return sgs, err
}

func (s *BoltStore) UpdateSecurityGroup(sg *types.SecurityGroup) error { return s.CreateSecurityGroup(sg) }

func (s *BoltStore) DeleteSecurityGroup(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error { return tx.Bucket(bucketSecurityGroups).Delete([]byte(id)) })
}

// Route operations

func (s *BoltStore) CreateRoute(r *types.Route) error {
	return s.db.Update(func(tx *bolt.Tx) error { return putJSON(tx, bucketRoutes, r.ID, r) })
}

func (s *BoltStore) GetRoute(id string) (*types.Route, error) {
	var r types.Route
	err := s.db.View(func(tx *bolt.Tx) error { return getJSON(tx, bucketRoutes, id, &r, "route") })
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *BoltStore) ListRoutes() ([]*types.Route, error) {
	var routes []*types.Route
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRoutes).ForEach(func(k, v []byte) error {
			var r types.Route
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			routes = append(routes, &r)
			return nil
		})
	})
	return routes, err
}

func (s *BoltStore) DeleteRoute(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error { return tx.Bucket(bucketRoutes).Delete([]byte(id)) })
}

// Revision counter. Persisted in bucketMeta so it survives API
// restart, resolving Open Question 1: a purely in-memory counter
// would regress to zero and collide with revisions the agent already
// observed from a previous API lifetime.

func (s *BoltStore) NextRevision() (uint64, error) {
	var rev uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		cur := b.Get(metaKeyRevision)
		if cur != nil {
			rev = binary.BigEndian.Uint64(cur)
		}
		rev++
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, rev)
		return b.Put(metaKeyRevision, buf)
	})
	return rev, err
}

func (s *BoltStore) CurrentRevision() (uint64, error) {
	var rev uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket(bucketMeta).Get(metaKeyRevision)
		if cur != nil {
			rev = binary.BigEndian.Uint64(cur)
		}
		return nil
	})
	return rev, err
}

// Events

func (s *BoltStore) AppendEvent(ev *types.Event) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		seq, _ := b.NextSequence()
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return b.Put(key, data)
	})
}

func (s *BoltStore) ListEvents(limit int) ([]*types.Event, error) {
	var events []*types.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		n := 0
		for k, v := c.Last(); k != nil && (limit <= 0 || n < limit); k, v = c.Prev() {
			var ev types.Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			events = append(events, &ev)
			n++
		}
		return nil
	})
	return events, err
}
