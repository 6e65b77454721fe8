package reconcile

import (
	"context"
	"sync"

	"github.com/cuemby/warren/pkg/apierr"
	"github.com/cuemby/warren/pkg/types"
)

// SecurityGroupReconciler keeps an in-memory copy of each group's
// rule set for the NIC reconciler to look up when it wires a NIC's
// filter; security groups have no subprocess or on-disk state of
// their own, so reconcile/finalize never touch anything but this map.
type SecurityGroupReconciler struct {
	mu     sync.Mutex
	groups map[string]*types.SecurityGroup
}

func NewSecurityGroupReconciler() *SecurityGroupReconciler {
	return &SecurityGroupReconciler{groups: map[string]*types.SecurityGroup{}}
}

func (r *SecurityGroupReconciler) Reconcile(_ context.Context, id string, spec any) (Status, error) {
	sg, err := decodeSpec[types.SecurityGroup](spec)
	if err != nil {
		return Status{State: "error", Error: err.Error()}, apierr.Wrap(apierr.InvalidArgument, err, "decode security group %s", id)
	}
	r.mu.Lock()
	r.groups[id] = &sg
	r.mu.Unlock()
	return Status{State: "active"}, nil
}

func (r *SecurityGroupReconciler) Finalize(_ context.Context, id string) error {
	r.mu.Lock()
	delete(r.groups, id)
	r.mu.Unlock()
	return nil
}

func (r *SecurityGroupReconciler) Get(id string) (*types.SecurityGroup, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sg, ok := r.groups[id]
	return sg, ok
}
