package reconcile

import (
	"context"
	"sync"

	"github.com/cuemby/warren/pkg/apierr"
	"github.com/cuemby/warren/pkg/netctl"
	"github.com/cuemby/warren/pkg/types"
)

// RouteReconciler pushes a static route into the owning network's LPM
// table, reporting Installed/Error.
type RouteReconciler struct {
	NetCtl *netctl.Service

	mu     sync.Mutex
	routes map[string]types.Route
}

func NewRouteReconciler(netCtl *netctl.Service) *RouteReconciler {
	return &RouteReconciler{NetCtl: netCtl, routes: map[string]types.Route{}}
}

func (r *RouteReconciler) Reconcile(_ context.Context, id string, spec any) (Status, error) {
	route, err := decodeSpec[types.Route](spec)
	if err != nil {
		return Status{State: "Error", Error: err.Error()}, apierr.Wrap(apierr.InvalidArgument, err, "decode route %s", id)
	}
	if err := r.NetCtl.AddRoute(&route); err != nil {
		return Status{State: "Error", Error: err.Error()}, err
	}
	r.mu.Lock()
	r.routes[id] = route
	r.mu.Unlock()
	return Status{State: "Installed"}, nil
}

func (r *RouteReconciler) Finalize(_ context.Context, id string) error {
	r.mu.Lock()
	route, ok := r.routes[id]
	delete(r.routes, id)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return r.NetCtl.RemoveRoute(&route)
}
