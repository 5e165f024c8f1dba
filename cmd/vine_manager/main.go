package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/vinequeue/manager/pkg/log"
	"github.com/vinequeue/manager/pkg/manager"
	"github.com/vinequeue/manager/pkg/metrics"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "vine_manager",
	Short:   "vine_manager - distributed master-worker task-execution manager",
	Long:    `vine_manager accepts a stream of tasks, dispatches them to a dynamic pool of remote workers, and returns completed results.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"vine_manager version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(startCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the manager's accept loop and main scheduling loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		bindAddr, _ := cmd.Flags().GetString("bind-addr")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		project, _ := cmd.Flags().GetString("project")
		owner, _ := cmd.Flags().GetString("owner")
		priority, _ := cmd.Flags().GetFloat64("priority")
		catalogHosts, _ := cmd.Flags().GetStringSlice("catalog")
		factories, _ := cmd.Flags().GetStringSlice("factory")
		tuneProfile, _ := cmd.Flags().GetString("tune-profile")
		sharedSecret, _ := cmd.Flags().GetString("shared-secret")
		statusAddr, _ := cmd.Flags().GetString("status-addr")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		capacityFloor, _ := cmd.Flags().GetFloat64("default-capacity-tasks")

		cfg := manager.Config{
			BindAddr:             bindAddr,
			DataDir:              dataDir,
			Project:              project,
			Owner:                owner,
			Priority:             priority,
			CatalogHosts:         catalogHosts,
			Factories:            factories,
			TuneProfilePath:      tuneProfile,
			SharedSecret:         sharedSecret,
			DefaultCapacityTasks: capacityFloor,
		}
		cfg.ApplyEnv()

		mgr, err := manager.NewManager(cfg)
		if err != nil {
			return fmt.Errorf("create manager: %w", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := mgr.Start(ctx); err != nil {
			return fmt.Errorf("start manager: %w", err)
		}
		fmt.Printf("vine_manager listening on %s\n", mgr.BoundAddr())

		collector := metrics.NewCollector(mgr)
		collector.Start()
		defer collector.Stop()

		errCh := make(chan error, 1)
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/", mgr.StatusHandler())
			mux.Handle("/metrics", promhttp.Handler())
			mux.HandleFunc("/health", metrics.HealthHandler())
			mux.HandleFunc("/ready", metrics.ReadyHandler())
			mux.HandleFunc("/live", metrics.LivenessHandler())
			if err := http.ListenAndServe(statusAddr, mux); err != nil {
				errCh <- fmt.Errorf("status server: %w", err)
			}
		}()
		fmt.Printf("status surface on http://%s/ (queue_status, task_status, worker_status, resources_status, wable_status, events, health, ready, live)\n", statusAddr)
		if metricsAddr != "" && metricsAddr != statusAddr {
			go func() {
				if err := http.ListenAndServe(metricsAddr, promhttp.Handler()); err != nil {
					errCh <- fmt.Errorf("metrics server: %w", err)
				}
			}()
			fmt.Printf("prometheus metrics on http://%s/metrics\n", metricsAddr)
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("\nshutting down...")
		case err := <-errCh:
			fmt.Fprintf(os.Stderr, "\nerror: %v\n", err)
		}

		if err := mgr.Shutdown(); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		fmt.Println("shutdown complete")
		return nil
	},
}

func init() {
	startCmd.Flags().String("bind-addr", "0.0.0.0:9123", "Address for the worker-facing TCP listener")
	startCmd.Flags().String("data-dir", "./vine-manager-data", "Directory for durable state (bolt snapshot, transaction log, performance log)")
	startCmd.Flags().String("project", "", "Project name advertised to the catalog; empty disables catalog push")
	startCmd.Flags().String("owner", "", "Owner string advertised to the catalog")
	startCmd.Flags().Float64("priority", 0, "Scheduling priority advertised to the catalog")
	startCmd.Flags().StringSlice("catalog", nil, "Catalog host:port pairs to push status to and pull factory directives from")
	startCmd.Flags().StringSlice("factory", nil, "Factory names whose worker counts are capped by catalog directives")
	startCmd.Flags().Float64("default-capacity-tasks", 0, "Capacity estimate reported before any task has completed; zero keeps the built-in default")
	startCmd.Flags().String("tune-profile", "", "Path to a YAML file of tune(name, value) overrides")
	startCmd.Flags().String("shared-secret", "", "Optional shared secret required of connecting workers")
	startCmd.Flags().String("status-addr", "127.0.0.1:9124", "Address for the HTTP status surface")
	startCmd.Flags().String("metrics-addr", "", "Separate address for the /metrics endpoint; defaults to status-addr")

	startCmd.PreRun = func(cmd *cobra.Command, args []string) {
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		if metricsAddr == "" {
			statusAddr, _ := cmd.Flags().GetString("status-addr")
			cmd.Flags().Set("metrics-addr", statusAddr)
		}
	}
}
