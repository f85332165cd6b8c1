package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/octolab/octolab/pkg/api"
	"github.com/octolab/octolab/pkg/config"
	"github.com/octolab/octolab/pkg/events"
	"github.com/octolab/octolab/pkg/evidence"
	"github.com/octolab/octolab/pkg/health"
	"github.com/octolab/octolab/pkg/log"
	"github.com/octolab/octolab/pkg/manager"
	"github.com/octolab/octolab/pkg/metrics"
	"github.com/octolab/octolab/pkg/network"
	"github.com/octolab/octolab/pkg/notify"
	"github.com/octolab/octolab/pkg/reconciler"
	"github.com/octolab/octolab/pkg/runtime"
	"github.com/octolab/octolab/pkg/security"
	"github.com/octolab/octolab/pkg/storage"
	"github.com/octolab/octolab/pkg/types"
	"github.com/octolab/octolab/pkg/volume"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the lab lifecycle server",
	Long: `Run the lifecycle core: the internal HTTP API plus the background
loops (provision pool, teardown worker, health observer, metrics
collector, webhook notifier).

Configuration comes from OCTOLAB_* environment variables; a .env file
in the working directory is honored. The configured runtime must pass
its doctor preflight or startup fails.`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

	fmt.Printf("Starting OctoLab %s\n", Version)
	fmt.Printf("  Runtime: %s\n", cfg.RuntimeKind())
	fmt.Printf("  Data Directory: %s\n", cfg.DataDir)
	fmt.Printf("  State Root: %s\n", cfg.StateRoot)
	fmt.Printf("  API Address: %s\n", cfg.APIAddr)
	fmt.Println()

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	layout, err := volume.NewLayout(cfg.StateRoot)
	if err != nil {
		return fmt.Errorf("failed to prepare state root: %w", err)
	}

	runner := runtime.NewRunner()
	doctor := runtime.NewDoctor(cfg, runner)

	// Every backend is registered so teardown can always reach the
	// runtime a lab was created on; only the configured one must pass
	// preflight.
	backends := map[types.RuntimeKind]runtime.LabRuntime{
		types.RuntimeNoop:    runtime.NewNoopBackend(),
		types.RuntimeMicroVM: runtime.NewFirecrackerBackend(cfg, layout, network.NewNATPublisher()),
	}
	var engine evidence.VolumeEngine
	compose, err := runtime.NewComposeBackend(cfg, layout, runner)
	if err != nil {
		if cfg.RuntimeKind() == types.RuntimeCompose {
			return fmt.Errorf("failed to create compose backend: %w", err)
		}
		log.Logger.Warn().Err(err).Msg("compose backend unavailable")
	} else {
		backends[types.RuntimeCompose] = compose
		engine = compose.Engine()
	}

	selector, err := runtime.NewSelector(cmd.Context(), cfg, doctor, backends)
	if err != nil {
		return fmt.Errorf("runtime preflight failed: %w", err)
	}
	fmt.Printf("✓ Runtime preflight passed (%s)\n", selector.Current())

	secrets, err := security.NewSecretsManagerFromPassword(cfg.CredentialsPassphrase())
	if err != nil {
		return fmt.Errorf("failed to initialize secrets: %w", err)
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	allocator := network.NewAllocator(cfg, store)
	finalizer := evidence.NewFinalizer(cfg, store, selector, broker)
	prober := health.NewProber(health.ProberConfig{
		Interval: cfg.ReadinessInterval,
		Paths:    cfg.ReadinessPaths,
	})

	mgr := manager.NewManager(cfg, manager.Deps{
		Store:     store,
		Selector:  selector,
		Allocator: allocator,
		Secrets:   secrets,
		Finalizer: finalizer,
		Prober:    prober,
		Broker:    broker,
	})
	mgr.Start()
	fmt.Println("✓ Lifecycle manager started")

	ingestor := evidence.NewIngestor(cfg, store)
	ingestor.Start()

	workerDeps := reconciler.WorkerDeps{
		Store:     store,
		Backends:  selector,
		Allocator: allocator,
		Finalizer: finalizer,
		Desktop:   reconciler.NewDeprovisioner(cfg),
		Broker:    broker,
	}

	var worker *reconciler.Worker
	if cfg.TeardownWorkerEnabled {
		worker = reconciler.NewWorker(cfg, workerDeps)
		worker.Start()
		fmt.Println("✓ Teardown worker started")
	}

	var observer *reconciler.Observer
	if cfg.HealthObserverEnabled {
		observer = reconciler.NewObserver(cfg, store, prober, broker)
		observer.Start()
		fmt.Println("✓ Health observer started")
	}

	collector := metrics.NewCollector(store)
	collector.Start()

	notifier := notify.NewNotifier(cfg, broker)
	notifier.Start()
	if notifier.Enabled() {
		fmt.Println("✓ Webhook notifier started")
	}

	srv := api.NewServer(cfg, api.Deps{
		Manager:   mgr,
		Ingestor:  ingestor,
		Selector:  selector,
		Doctor:    doctor,
		Retention: evidence.NewRetention(store, selector, broker),
		GC:        evidence.NewGC(cfg, store, layout, finalizer, engine, broker),
		Watchdog:  reconciler.NewWatchdog(cfg, workerDeps),
		Store:     store,
		Broker:    broker,
		Version:   Version,
	})
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}
	fmt.Printf("✓ API listening on %s\n", srv.Addr())

	fmt.Println()
	fmt.Println("Server is running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	fmt.Println("\nShutting down...")

	// Intake stops first, then the loops drain, then the notifier gets
	// the tail of the event stream before the deferred broker stop.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.TeardownTimeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "API shutdown: %v\n", err)
	}

	mgr.Stop()
	if worker != nil {
		worker.Stop()
	}
	if observer != nil {
		observer.Stop()
	}
	collector.Stop()
	ingestor.Stop()
	notifier.Stop()

	fmt.Println("✓ Shutdown complete")
	return nil
}
