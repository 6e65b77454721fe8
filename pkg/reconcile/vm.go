package reconcile

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cuemby/warren/pkg/apierr"
	"github.com/cuemby/warren/pkg/dataplane"
	"github.com/cuemby/warren/pkg/hypervisor"
	"github.com/cuemby/warren/pkg/netctl"
	"github.com/cuemby/warren/pkg/storageengine"
	"github.com/cuemby/warren/pkg/types"
)

// VMReconciler launches or stops a VM's hypervisor-monitor subprocess
// and, on first launch, stands up its NIC's reactor and TAP backend.
// Reports Pending/Starting/Running/Stopping/Stopped/Failed.
type VMReconciler struct {
	Store      *storageengine.Store
	ZFS        *storageengine.ZFSManager
	Monitor    *hypervisor.Monitor
	NetCtl     *netctl.Service
	NICInboxes  map[string]chan dataplane.PacketMsg
	NICByID     map[string]*types.NIC
	NetworkByID map[string]*types.Network
	KernelPath string
	RunDir     string
	SeedDir    string
	StopTimeout time.Duration
}

func (r *VMReconciler) Reconcile(ctx context.Context, id string, spec any) (Status, error) {
	vm, err := decodeSpec[types.VM](spec)
	if err != nil {
		return Status{State: "Failed", Error: err.Error()}, apierr.Wrap(apierr.InvalidArgument, err, "decode vm %s", id)
	}

	if vm.DesiredState == types.VMDesiredStopped {
		if r.Monitor.IsRunning(id) {
			timeout := r.StopTimeout
			if timeout == 0 {
				timeout = 10 * time.Second
			}
			if err := r.Monitor.Stop(ctx, id, timeout); err != nil {
				return Status{State: "Failed", Error: err.Error()}, err
			}
		}
		return Status{State: "Stopped"}, nil
	}

	if r.Monitor.IsRunning(id) {
		return Status{State: "Running"}, nil
	}

	nic, ok := r.NICByID[vm.NICID]
	if !ok {
		return Status{State: "Pending", Error: "nic not yet reconciled"}, nil
	}
	tapName, err := r.ensureNICReactor(vm.NICID, nic)
	if err != nil {
		return Status{State: "Failed", Error: err.Error()}, err
	}

	vol, err := r.ZFS.GetVolume(ctx, vm.VolumeID)
	if err != nil {
		return Status{State: "Failed", Error: err.Error()}, err
	}

	spec2 := hypervisor.LaunchSpec{
		VM:         &vm,
		KernelPath: r.KernelPath,
		Disks:      []hypervisor.DiskSpec{{Path: vol.DevicePath}},
		Nets:       []hypervisor.NetSpec{{TapName: tapName, MAC: nic.MAC}},
	}
	if vm.UserData != "" {
		isoPath := filepath.Join(r.SeedDir, vm.ID+"-seed.iso")
		if err := hypervisor.BuildSeedISO(isoPath, vm.ID, vm.Name, vm.UserData); err != nil {
			return Status{State: "Failed", Error: err.Error()}, err
		}
		spec2.SeedISO = isoPath
	}

	if err := r.Monitor.Start(ctx, spec2); err != nil {
		return Status{State: "Failed", Error: err.Error()}, err
	}
	return Status{State: "Starting"}, nil
}

// ensureNICReactor creates and registers the per-vNIC reactor the
// first time a VM whose NIC has no backend yet is launched.
func (r *VMReconciler) ensureNICReactor(nicID string, nic *types.NIC) (string, error) {
	if _, ok := r.NICInboxes[nicID]; ok {
		return tapNameFor(nicID), nil
	}

	tapName := tapNameFor(nicID)
	backend, err := dataplane.OpenTAP(tapName)
	if err != nil {
		return "", apierr.Wrap(apierr.Internal, err, "open tap for nic %s", nicID)
	}

	nicCfg, err := dataplane.NewNicConfig(nic)
	if err != nil {
		return "", err
	}
	dispatcher, err := r.NetCtl.Dispatcher(nic.NetworkID)
	if err != nil {
		return "", err
	}
	network, ok := r.NetworkByID[nic.NetworkID]
	if !ok {
		return "", apierr.FailedPreconditionf("nic %s: network %s not yet reconciled", nicID, nic.NetworkID)
	}
	netCfg, err := dataplane.NewNetworkConfig(network)
	if err != nil {
		return "", err
	}

	reactor := dataplane.NewReactor(nicID, nic.NetworkID, backend, func(frame []byte) {
		dispatcher.HandleRXPacket(nicID, frame, nicCfg, netCfg)
	})
	go reactor.Run()

	r.NICInboxes[nicID] = reactor.Inbox
	log.Info().Str("nic_id", nicID).Str("tap", tapName).Msg("reconcile: vNIC reactor started")
	return tapName, nil
}

func tapNameFor(nicID string) string {
	n := nicID
	if len(n) > 8 {
		n = n[:8]
	}
	return fmt.Sprintf("mvirt-%s", n)
}

func (r *VMReconciler) Finalize(ctx context.Context, id string) error {
	if r.Monitor.IsRunning(id) {
		return r.Monitor.Stop(ctx, id, 10*time.Second)
	}
	return nil
}
