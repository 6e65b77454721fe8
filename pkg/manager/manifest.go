package manager

import (
	"github.com/cuemby/warren/pkg/apierr"
	"github.com/cuemby/warren/pkg/types"
)

// ComputeManifest assembles the full desired-state snapshot for one
// node: every VM scheduled there, the NICs/volumes/templates/security
// groups those VMs transitively need, plus the cluster-wide route
// table. Manifests are always complete snapshots so a reconnecting
// agent can converge from nothing (§4.1).
func (m *Manager) ComputeManifest(nodeID string) (*types.NodeManifest, error) {
	rev, err := m.store.CurrentRevision()
	if err != nil {
		return nil, err
	}

	if _, err := m.store.GetNode(nodeID); err != nil {
		return nil, apierr.Wrap(apierr.NotFound, err, "node %s", nodeID)
	}

	vms, err := m.store.ListVMsByNode(nodeID)
	if err != nil {
		return nil, err
	}

	nics, err := m.store.ListNICsByNode(nodeID)
	if err != nil {
		return nil, err
	}

	volumeIDs := make(map[string]bool)
	for _, vm := range vms {
		if vm.VolumeID != "" {
			volumeIDs[vm.VolumeID] = true
		}
	}
	allVolumes, err := m.store.ListVolumes()
	if err != nil {
		return nil, err
	}
	for _, v := range allVolumes {
		if v.NodeID == nodeID {
			volumeIDs[v.ID] = true
		}
	}
	var volumes []*types.Volume
	for _, v := range allVolumes {
		if volumeIDs[v.ID] {
			volumes = append(volumes, v)
		}
	}

	templateIDs := make(map[string]bool)
	for _, v := range volumes {
		if v.OriginTemplateID != "" {
			templateIDs[v.OriginTemplateID] = true
		}
	}
	allTemplates, err := m.store.ListTemplates()
	if err != nil {
		return nil, err
	}
	var templates []*types.Template
	for _, t := range allTemplates {
		if templateIDs[t.ID] {
			templates = append(templates, t)
		}
	}

	networkIDs := make(map[string]bool)
	for _, n := range nics {
		networkIDs[n.NetworkID] = true
	}
	allNetworks, err := m.store.ListNetworks()
	if err != nil {
		return nil, err
	}
	var networks []*types.Network
	for _, n := range allNetworks {
		if networkIDs[n.ID] {
			networks = append(networks, n)
		}
	}

	sgIDs := make(map[string]bool)
	for _, n := range nics {
		if n.SecurityGroupID != "" {
			sgIDs[n.SecurityGroupID] = true
		}
	}
	allSGs, err := m.store.ListSecurityGroups()
	if err != nil {
		return nil, err
	}
	var sgs []*types.SecurityGroup
	for _, sg := range allSGs {
		if sgIDs[sg.ID] {
			sgs = append(sgs, sg)
		}
	}

	routes, err := m.store.ListRoutes()
	if err != nil {
		return nil, err
	}

	return &types.NodeManifest{
		Revision:       rev,
		VMs:            vms,
		NICs:           nics,
		Networks:       networks,
		Volumes:        volumes,
		Templates:      templates,
		SecurityGroups: sgs,
		Routes:         routes,
	}, nil
}
