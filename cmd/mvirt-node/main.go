// Command mvirt-node runs the node agent: it registers with the API,
// opens the NodeSync stream, and reconciles whatever manifest arrives
// against this node's ZFS pool, network control service, and
// cloud-hypervisor subprocesses.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/cuemby/warren/pkg/agent"
	"github.com/cuemby/warren/pkg/dataplane"
	"github.com/cuemby/warren/pkg/hypervisor"
	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/pkg/netctl"
	"github.com/cuemby/warren/pkg/reconcile"
	"github.com/cuemby/warren/pkg/rpcapi"
	"github.com/cuemby/warren/pkg/storageengine"
	"github.com/cuemby/warren/pkg/types"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "mvirt-node",
	Short:   "mvirt-node runs one node's storage engine, network control service, and VM agent",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("mvirt-node version %s\nCommit: %s\n", Version, Commit))
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)
	rootCmd.AddCommand(startCmd)

	startCmd.Flags().String("node-name", "", "Name reported to the API (defaults to hostname)")
	startCmd.Flags().String("api-addr", "127.0.0.1:7373", "mvirt-api NodeSync address")
	startCmd.Flags().String("advertise-addr", "", "Address other nodes use to reach this one")
	startCmd.Flags().String("data-dir", "/var/lib/mvirt-node", "Data directory for the storage engine DB")
	startCmd.Flags().String("zfs-pool", "mvirt", "ZFS pool name this node manages")
	startCmd.Flags().String("kernel-path", "/var/lib/mvirt-node/vmlinux", "Kernel/bootloader image passed to cloud-hypervisor")
	startCmd.Flags().String("run-dir", "/run/mvirt-node", "Directory for per-VM API/serial sockets")
	startCmd.Flags().Duration("heartbeat-interval", 10*time.Second, "Heartbeat interval")
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the node agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeName, _ := cmd.Flags().GetString("node-name")
		apiAddr, _ := cmd.Flags().GetString("api-addr")
		advertiseAddr, _ := cmd.Flags().GetString("advertise-addr")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		zfsPool, _ := cmd.Flags().GetString("zfs-pool")
		kernelPath, _ := cmd.Flags().GetString("kernel-path")
		runDir, _ := cmd.Flags().GetString("run-dir")
		heartbeat, _ := cmd.Flags().GetDuration("heartbeat-interval")
		if nodeName == "" {
			nodeName, _ = os.Hostname()
		}

		if err := os.MkdirAll(runDir, 0755); err != nil {
			return fmt.Errorf("create run dir: %w", err)
		}
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}

		store, err := storageengine.NewStore(dataDir)
		if err != nil {
			return fmt.Errorf("open storage engine: %w", err)
		}
		defer store.Close()

		zfs := storageengine.NewZFSManager(zfsPool)
		importer := storageengine.NewImportManager(fmt.Sprintf("/%s", zfsPool), store, zfs)
		netctlSvc := netctl.NewService()
		monitor := hypervisor.NewMonitor("cloud-hypervisor", runDir)

		sgReconciler := reconcile.NewSecurityGroupReconciler()
		nicInboxes := map[string]chan dataplane.PacketMsg{}
		nicByID := map[string]*types.NIC{}
		networkByID := map[string]*types.Network{}
		nicReconciler := &reconcile.NICReconciler{NetCtl: netctlSvc, Inboxes: nicInboxes}
		vmReconciler := &reconcile.VMReconciler{
			Store: store, ZFS: zfs, Monitor: monitor, NetCtl: netctlSvc,
			NICInboxes: nicInboxes, NICByID: nicByID, NetworkByID: networkByID,
			KernelPath: kernelPath, RunDir: runDir, SeedDir: dataDir,
		}

		reconcilers := agent.Reconcilers{
			Network:       &reconcile.NetworkReconciler{NetCtl: netctlSvc},
			SecurityGroup: sgReconciler,
			Template:      &reconcile.TemplateReconciler{Store: store, ZFS: zfs, Importer: importer},
			Volume:        &reconcile.VolumeReconciler{Store: store, ZFS: zfs},
			NIC:           nicReconciler,
			VM:            vmReconciler,
			Route:         reconcile.NewRouteReconciler(netctlSvc),
		}

		conn, err := grpc.NewClient(apiAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return fmt.Errorf("dial %s: %w", apiAddr, err)
		}
		defer conn.Close()
		client := rpcapi.NewNodeSyncClient(conn)

		a := agent.NewNodeAgent(agent.Config{
			NodeName: nodeName, Address: advertiseAddr, HeartbeatInterval: heartbeat,
		}, client, reconcilers, localResources)

		vols, _ := store.ListVolumes()
		volIDs := make([]string, 0, len(vols))
		for _, v := range vols {
			volIDs = append(volIDs, v.ID)
		}
		tpls, _ := store.ListTemplates()
		tplIDs := make([]string, 0, len(tpls))
		for _, t := range tpls {
			tplIDs = append(tplIDs, t.ID)
		}
		a.InitFromReality(agent.RealityListers{
			Volume:   func() []string { return volIDs },
			Template: func() []string { return tplIDs },
		})

		ctx, cancel := context.WithCancel(context.Background())
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigCh
			fmt.Println("\nShutting down...")
			cancel()
		}()

		fmt.Printf("✓ Node agent connecting to %s as %q\n", apiAddr, nodeName)
		if err := a.Run(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("agent: %w", err)
		}
		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

func localResources() *types.NodeResources {
	return &types.NodeResources{
		CPUCores:           runtime.NumCPU(),
		AvailableCPUCores:  runtime.NumCPU(),
		MemoryMB:           0,
		AvailableMemoryMB:  0,
		StorageGB:          0,
		AvailableStorageGB: 0,
	}
}
