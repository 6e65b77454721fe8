package hypervisor

import (
	"fmt"
	"os"

	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/disk"
	"github.com/diskfs/go-diskfs/filesystem"
	"github.com/diskfs/go-diskfs/filesystem/iso9660"

	"github.com/cuemby/warren/pkg/apierr"
)

// BuildSeedISO writes an ISO9660 (Joliet + Rock Ridge) cidata volume
// at isoPath containing user-data, meta-data, and network-config, the
// three files cloud-init's NoCloud datasource looks for.
func BuildSeedISO(isoPath, vmID, vmName, userData string) error {
	// size is generous; go-diskfs truncates free space on Finalize for
	// most backends but we still need an upper bound up front.
	d, err := diskfs.Create(isoPath, 32*1024*1024, diskfs.Raw, diskfs.SectorSizeDefault)
	if err != nil {
		return apierr.Wrap(apierr.Internal, err, "create seed iso %s", isoPath)
	}

	fs, err := d.CreateFilesystem(disk.FilesystemSpec{
		Partition:   0,
		FSType:      filesystem.TypeISO9660,
		VolumeLabel: "cidata",
	})
	if err != nil {
		return apierr.Wrap(apierr.Internal, err, "create cidata filesystem")
	}

	files := map[string]string{
		"user-data":       userData,
		"meta-data":       fmt.Sprintf("instance-id: %s\nlocal-hostname: %s\n", vmID, vmName),
		"network-config":  networkConfigV2,
	}
	for name, content := range files {
		if err := writeISOFile(fs, name, content); err != nil {
			return err
		}
	}

	iso, ok := fs.(*iso9660.FileSystem)
	if !ok {
		return apierr.Internalf("unexpected filesystem type for %s", isoPath)
	}
	if err := iso.Finalize(iso9660.FinalizeOptions{RockRidge: true, VolumeIdentifier: "cidata"}); err != nil {
		return apierr.Wrap(apierr.Internal, err, "finalize seed iso %s", isoPath)
	}
	return nil
}

func writeISOFile(fs filesystem.FileSystem, name, content string) error {
	f, err := fs.OpenFile(name, os.O_CREATE|os.O_RDWR)
	if err != nil {
		return apierr.Wrap(apierr.Internal, err, "create %s in seed iso", name)
	}
	defer f.Close()
	if _, err := f.Write([]byte(content)); err != nil {
		return apierr.Wrap(apierr.Internal, err, "write %s in seed iso", name)
	}
	return nil
}

// networkConfigV2 gives every NIC DHCPv4+DHCPv6, matching the
// responders this node's own dataplane answers with.
const networkConfigV2 = `version: 2
ethernets:
  all-eth:
    match:
      name: "en*"
    dhcp4: true
    dhcp6: true
`
