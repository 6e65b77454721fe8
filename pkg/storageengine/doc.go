/*
Package storageengine is the node-local counterpart of pkg/storage: it
owns the ZFS zvol lifecycle for VM volumes and template base images,
a bbolt-backed record of volumes/templates/snapshots/import jobs, and
the cancellable background pipeline that imports raw/qcow2 images
from local files or HTTP(S) URLs into new zvols.

zfs.go shells out to the zfs/zpool CLIs directly (os/exec), the same
subprocess idiom the rest of this codebase uses for external tools.
qemu.go wraps qemu-img via github.com/digitalocean/go-qemu/qemu-img
for qcow2 inspection/conversion. store.go indexes volumes by origin
template with github.com/google/btree so template GC can answer
"is anything still cloned from this template" without a bucket scan.
import.go runs each import job in its own goroutine, coordinating
cancellation with a context.CancelFunc per job.
*/
package storageengine
