package storageengine

import (
	"context"

	qemuimg "github.com/digitalocean/go-qemu/qemu-img"

	"github.com/cuemby/warren/pkg/apierr"
)

// qcow2Info returns the qcow2 virtual size (bytes) a converted raw
// zvol must be created at, via `qemu-img info`. go-qemu's qemu-img
// package wraps the same qemu-img binary the reference implementation
// shells out to directly; this module uses the library wrapper
// instead of hand-parsing `qemu-img info --output=json`.
func qcow2Info(ctx context.Context, path string) (uint64, error) {
	img := qemuimg.NewImage(path, qemuimg.ImgFormatQCOW2, "")
	info, err := img.Info(ctx)
	if err != nil {
		return 0, apierr.Wrap(apierr.Internal, err, "qemu-img info %s", path)
	}
	return info.VirtualSize, nil
}

// convertQcow2ToRaw streams a qcow2 image directly into a zvol device
// using `qemu-img convert -f qcow2 -O raw`, matching the reference
// implementation's conversion step exactly.
func convertQcow2ToRaw(ctx context.Context, sourcePath, devicePath string) error {
	img := qemuimg.NewImage(sourcePath, qemuimg.ImgFormatQCOW2, devicePath)
	if err := img.Convert(ctx, qemuimg.ImgFormatRaw, qemuimg.NoOptions); err != nil {
		return apierr.Wrap(apierr.Internal, err, "qemu-img convert %s -> %s", sourcePath, devicePath)
	}
	return nil
}
