package reconcile

import (
	"context"

	"github.com/cuemby/warren/pkg/apierr"
	"github.com/cuemby/warren/pkg/storageengine"
	"github.com/cuemby/warren/pkg/types"
)

// TemplateSpec is what a manifest carries for a template: the entity
// itself plus the import source the agent must (re)start if no base
// zvol exists yet.
type TemplateSpec struct {
	types.Template
	SourceURI string
}

// TemplateReconciler drives an import to completion and reports its
// progress, converging to the Pending/Downloading/Converting/Writing/
// Ready/Failed states the manifest protocol names.
type TemplateReconciler struct {
	Store    *storageengine.Store
	ZFS      *storageengine.ZFSManager
	Importer *storageengine.ImportManager
}

func (r *TemplateReconciler) Reconcile(ctx context.Context, id string, spec any) (Status, error) {
	ts, err := decodeSpec[TemplateSpec](spec)
	if err != nil {
		return Status{State: "Failed", Error: err.Error()}, apierr.Wrap(apierr.InvalidArgument, err, "decode template %s", id)
	}

	if _, err := r.ZFS.GetVolume(ctx, id); err == nil {
		if err := r.Store.PutTemplate(&ts.Template); err != nil {
			return Status{State: "Failed", Error: err.Error()}, err
		}
		return Status{State: "Ready"}, nil
	}

	jobs, err := r.Store.ListImportJobs()
	if err != nil {
		return Status{State: "Failed", Error: err.Error()}, err
	}
	for _, j := range jobs {
		if j.TemplateID != id {
			continue
		}
		return Status{State: importStateToStatus(j.State), Error: j.Error}, nil
	}

	if ts.SourceURI == "" {
		return Status{State: "Pending"}, nil
	}
	if _, err := r.Importer.StartImport(id, ts.SourceURI, ts.Template.SizeBytes); err != nil {
		return Status{State: "Failed", Error: err.Error()}, err
	}
	return Status{State: "Downloading"}, nil
}

func importStateToStatus(s types.ImportJobState) string {
	switch s {
	case types.ImportJobPending:
		return "Pending"
	case types.ImportJobDownloading:
		return "Downloading"
	case types.ImportJobConverting:
		return "Converting"
	case types.ImportJobWriting:
		return "Writing"
	case types.ImportJobCompleted:
		return "Ready"
	case types.ImportJobFailed:
		return "Failed"
	default:
		return "Pending"
	}
}

// Finalize deletes the template's base zvol iff no volume is still
// cloned from it (GC rule from the storage engine section); otherwise
// it reports success without deleting, matching the idempotence
// contract's "no destructive work that was not requested".
func (r *TemplateReconciler) Finalize(ctx context.Context, id string) error {
	t, err := r.Store.GetTemplate(id)
	if err != nil {
		if apierr.KindOf(err) == apierr.NotFound {
			return nil
		}
		return err
	}
	if refs := r.Store.VolumesByTemplate(id); len(refs) > 0 {
		return apierr.FailedPreconditionf("template %s still has %d clones", id, len(refs))
	}
	if err := r.ZFS.DeleteBaseZvol(ctx, id); err != nil && apierr.KindOf(err) != apierr.NotFound {
		return err
	}
	return r.Store.DeleteTemplate(t.ID)
}
