// Command mvirt-api runs the desired-state API: the raft-replicated
// manager, the VM scheduler, the NodeSync gRPC server, and the
// metrics/health HTTP endpoint.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/warren/pkg/api"
	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/pkg/manager"
	"github.com/cuemby/warren/pkg/metrics"
	"github.com/cuemby/warren/pkg/scheduler"
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
	Use:     "mvirt-api",
	Short:   "mvirt-api runs the micro-virtualization control plane's desired-state store",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("mvirt-api version %s\nCommit: %s\n", Version, Commit))
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)
	rootCmd.AddCommand(startCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetString("node-id")
		bindAddr, _ := cmd.Flags().GetString("bind-addr")
		apiAddr, _ := cmd.Flags().GetString("api-addr")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		mgr, err := manager.NewManager(&manager.Config{NodeID: nodeID, BindAddr: bindAddr, DataDir: dataDir})
		if err != nil {
			return fmt.Errorf("create manager: %w", err)
		}
		if err := mgr.Bootstrap(); err != nil {
			return fmt.Errorf("bootstrap cluster: %w", err)
		}
		fmt.Println("✓ Cluster store bootstrapped")

		sched := scheduler.NewScheduler(mgr)
		sched.Start()
		fmt.Println("✓ Scheduler started")

		collector := metrics.NewCollector(mgr)
		collector.Start()
		metrics.RegisterComponent("raft", true, "bootstrapped")
		metrics.RegisterComponent("api", false, "initializing")

		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			mux.Handle("/health", metrics.HealthHandler())
			mux.Handle("/ready", metrics.ReadyHandler())
			mux.Handle("/live", metrics.LivenessHandler())
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				fmt.Fprintf(os.Stderr, "metrics server error: %v\n", err)
			}
		}()
		fmt.Printf("✓ Metrics endpoint: http://%s/metrics\n", metricsAddr)

		apiServer := api.NewServer(mgr)
		errCh := make(chan error, 1)
		go func() {
			if err := apiServer.Start(apiAddr); err != nil {
				errCh <- fmt.Errorf("API server error: %w", err)
			}
		}()
		metrics.RegisterComponent("api", true, "ready")
		fmt.Printf("✓ NodeSync gRPC listening on %s\n", apiAddr)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
		case err := <-errCh:
			fmt.Fprintf(os.Stderr, "\n%v\n", err)
		}

		sched.Stop()
		collector.Stop()
		apiServer.Stop()
		if err := mgr.Shutdown(); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

func init() {
	startCmd.Flags().String("node-id", "mvirt-api-1", "This node's raft id")
	startCmd.Flags().String("bind-addr", "127.0.0.1:7946", "Raft bind address")
	startCmd.Flags().String("api-addr", "0.0.0.0:7373", "NodeSync gRPC listen address")
	startCmd.Flags().String("data-dir", "/var/lib/mvirt-api", "Data directory")
	startCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Metrics/health HTTP listen address")
}
