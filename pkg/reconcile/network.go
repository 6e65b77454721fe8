package reconcile

import (
	"context"

	"github.com/cuemby/warren/pkg/apierr"
	"github.com/cuemby/warren/pkg/netctl"
	"github.com/cuemby/warren/pkg/types"
)

// NetworkReconciler idempotently registers a network with the local
// network control service. Networks report no per-node status: the
// agent omits them from the aggregated Status message entirely.
type NetworkReconciler struct {
	NetCtl *netctl.Service
}

func (r *NetworkReconciler) Reconcile(_ context.Context, id string, spec any) (Status, error) {
	n, err := decodeSpec[types.Network](spec)
	if err != nil {
		return Status{}, apierr.Wrap(apierr.InvalidArgument, err, "decode network %s", id)
	}
	if err := r.NetCtl.RegisterNetwork(&n); err != nil {
		return Status{}, err
	}
	return Status{}, nil
}

func (r *NetworkReconciler) Finalize(_ context.Context, id string) error {
	return r.NetCtl.DeregisterNetwork(id)
}
