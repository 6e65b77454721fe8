package reconcile

import (
	"context"

	"github.com/cuemby/warren/pkg/apierr"
	"github.com/cuemby/warren/pkg/storageengine"
	"github.com/cuemby/warren/pkg/types"
)

// VolumeReconciler clones a volume from its origin template if one is
// named and the zvol doesn't exist yet, or creates an empty zvol
// otherwise, reporting Creating/Ready/Failed.
type VolumeReconciler struct {
	Store *storageengine.Store
	ZFS   *storageengine.ZFSManager
}

func (r *VolumeReconciler) Reconcile(ctx context.Context, id string, spec any) (Status, error) {
	v, err := decodeSpec[types.Volume](spec)
	if err != nil {
		return Status{State: "Failed", Error: err.Error()}, apierr.Wrap(apierr.InvalidArgument, err, "decode volume %s", id)
	}

	if _, err := r.ZFS.GetVolume(ctx, id); err == nil {
		if err := r.Store.PutVolume(&v); err != nil {
			return Status{State: "Failed", Error: err.Error()}, err
		}
		return Status{State: "Ready"}, nil
	} else if apierr.KindOf(err) != apierr.NotFound {
		return Status{State: "Failed", Error: err.Error()}, err
	}

	if v.OriginTemplateID != "" {
		if _, err := r.ZFS.CloneToVolume(ctx, v.OriginTemplateID, id); err != nil {
			return Status{State: "Failed", Error: err.Error()}, err
		}
	} else {
		if _, err := r.ZFS.CreateVolume(ctx, id, uint64(v.SizeBytes), 0); err != nil {
			return Status{State: "Failed", Error: err.Error()}, err
		}
	}
	if err := r.Store.PutVolume(&v); err != nil {
		return Status{State: "Failed", Error: err.Error()}, err
	}
	return Status{State: "Creating"}, nil
}

func (r *VolumeReconciler) Finalize(ctx context.Context, id string) error {
	if err := r.ZFS.DeleteVolumeRecursive(ctx, id); err != nil && apierr.KindOf(err) != apierr.NotFound {
		return err
	}
	if err := r.Store.DeleteVolume(id); err != nil && apierr.KindOf(err) != apierr.NotFound {
		return err
	}
	return nil
}
