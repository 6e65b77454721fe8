package reconcile

import (
	"context"

	"github.com/cuemby/warren/pkg/apierr"
	"github.com/cuemby/warren/pkg/dataplane"
	"github.com/cuemby/warren/pkg/netctl"
	"github.com/cuemby/warren/pkg/types"
)

// NICReconciler attaches a NIC's reactor inbox into the network
// control service's registry, reporting Created/Active/Error. The
// reactor and TAP device themselves are created by the VM reconciler
// once the owning VM is actually launched; a NIC with no VM yet
// attached still reports Created so the agent's status reflects
// "registered, not yet wired to a device".
type NICReconciler struct {
	NetCtl *netctl.Service
	// Inboxes is populated by the VM reconciler once a NIC's reactor
	// exists; nil until then.
	Inboxes map[string]chan dataplane.PacketMsg
}

func (r *NICReconciler) Reconcile(_ context.Context, id string, spec any) (Status, error) {
	n, err := decodeSpec[types.NIC](spec)
	if err != nil {
		return Status{State: "Error", Error: err.Error()}, apierr.Wrap(apierr.InvalidArgument, err, "decode nic %s", id)
	}

	inbox, wired := r.Inboxes[id]
	if !wired {
		return Status{State: "Created"}, nil
	}
	if err := r.NetCtl.AttachNIC(&n, inbox); err != nil {
		return Status{State: "Error", Error: err.Error()}, err
	}
	return Status{State: "Active"}, nil
}

func (r *NICReconciler) Finalize(_ context.Context, id string) error {
	delete(r.Inboxes, id)
	return r.NetCtl.DetachNIC(id)
}
