// Package reconcile implements the seven per-kind reconcilers the
// node agent drives once per inbound manifest, in the fixed order
// Networks, SecurityGroups, Templates, Volumes, NICs, VMs, Routes.
// Each kind's Reconciler bridges the generic Reconcile/Finalize
// contract to the concrete subsystem that owns the resource:
// pkg/storageengine for Templates/Volumes, pkg/netctl for
// Networks/NICs/Routes, pkg/hypervisor for VMs, and an in-memory set
// for SecurityGroups (referenced by NICs, enforced by the reactor's
// future filter stage, not persisted on its own).
package reconcile

import "context"

// Status is one resource's post-reconcile state, aggregated per-kind
// into the Status message the agent sends back after a pass.
type Status struct {
	State string
	Error string
}

// Reconciler is the shared per-kind contract: reconcile must succeed
// if the resource already matches spec, converge it otherwise, and
// never perform destructive work that was not requested. finalize
// must succeed if the resource is already absent.
type Reconciler interface {
	Reconcile(ctx context.Context, id string, spec any) (Status, error)
	Finalize(ctx context.Context, id string) error
}
