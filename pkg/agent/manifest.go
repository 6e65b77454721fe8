package agent

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/cuemby/warren/pkg/reconcile"
	"github.com/cuemby/warren/pkg/types"
)

// applyManifest is the fixed-order reconcile pass from
// original_source/mvirt-node/src/agent.rs's apply_manifest: each kind
// computes its desired id set, reconciles every spec in the manifest,
// prunes known ids that dropped out, then becomes the new known set.
func (a *NodeAgent) applyManifest(ctx context.Context, m *types.NodeManifest) *types.NodeStatusReport {
	report := &types.NodeStatusReport{}

	// 1. Networks — no status reported.
	a.reconcileKind(ctx, kindNetwork, idsAndSpecsNetworks(m.Networks), nil)

	// 2. Security groups.
	a.reconcileKind(ctx, kindSecurityGroup, idsAndSpecsSecurityGroups(m.SecurityGroups), &report.SecurityGroups)

	// 3. Templates.
	a.reconcileKind(ctx, kindTemplate, idsAndSpecsTemplates(m.Templates), &report.Templates)

	// 4. Volumes.
	a.reconcileKind(ctx, kindVolume, idsAndSpecsVolumes(m.Volumes), &report.Volumes)

	// 5. NICs.
	a.reconcileKind(ctx, kindNIC, idsAndSpecsNICs(m.NICs), &report.NICs)

	// 6. VMs.
	a.reconcileKind(ctx, kindVM, idsAndSpecsVMs(m.VMs), &report.VMs)

	// 7. Routes.
	a.reconcileKind(ctx, kindRoute, idsAndSpecsRoutes(m.Routes), &report.Routes)

	return report
}

// reconcileKind runs one kind's reconcile-then-prune step and appends
// per-resource status, unless out is nil (Networks report nothing).
func (a *NodeAgent) reconcileKind(ctx context.Context, kind string, specs map[string]any, out *[]types.ResourceStatus) {
	r, ok := a.reconcilers[kind]
	if !ok {
		return
	}
	desired := make(map[string]bool, len(specs))
	for id, spec := range specs {
		desired[id] = true
		status, err := r.Reconcile(ctx, id, spec)
		if err != nil {
			log.Warn().Err(err).Str("kind", kind).Str("id", id).Msg("agent: reconcile failed")
		}
		if out != nil {
			*out = append(*out, types.ResourceStatus{ID: id, Status: status.State, Error: status.Error})
		}
	}

	for id := range a.known[kind] {
		if desired[id] {
			continue
		}
		if err := r.Finalize(ctx, id); err != nil {
			log.Warn().Err(err).Str("kind", kind).Str("id", id).Msg("agent: finalize failed")
			desired[id] = true // keep retrying next pass instead of losing track of it
		}
	}
	a.known[kind] = desired
}

func idsAndSpecsNetworks(items []*types.Network) map[string]any {
	m := make(map[string]any, len(items))
	for _, n := range items {
		m[n.ID] = n
	}
	return m
}

func idsAndSpecsSecurityGroups(items []*types.SecurityGroup) map[string]any {
	m := make(map[string]any, len(items))
	for _, sg := range items {
		m[sg.ID] = sg
	}
	return m
}

func idsAndSpecsTemplates(items []*types.Template) map[string]any {
	m := make(map[string]any, len(items))
	for _, t := range items {
		m[t.ID] = reconcileTemplateSpec(t)
	}
	return m
}

// reconcileTemplateSpec widens a Template into reconcile.TemplateSpec;
// the import source URI travels in the manifest's Template.BaseZvolPath
// field until it has a real base zvol, matching how the API's
// manifest compiler encodes "not yet imported" today.
func reconcileTemplateSpec(t *types.Template) any {
	return struct {
		types.Template
		SourceURI string
	}{Template: *t, SourceURI: t.BaseZvolPath}
}

func idsAndSpecsVolumes(items []*types.Volume) map[string]any {
	m := make(map[string]any, len(items))
	for _, v := range items {
		m[v.ID] = v
	}
	return m
}

func idsAndSpecsNICs(items []*types.NIC) map[string]any {
	m := make(map[string]any, len(items))
	for _, n := range items {
		m[n.ID] = n
	}
	return m
}

func idsAndSpecsVMs(items []*types.VM) map[string]any {
	m := make(map[string]any, len(items))
	for _, v := range items {
		m[v.ID] = v
	}
	return m
}

func idsAndSpecsRoutes(items []*types.Route) map[string]any {
	m := make(map[string]any, len(items))
	for _, r := range items {
		m[r.ID] = r
	}
	return m
}
