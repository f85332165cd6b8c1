// Package framework boots the complete lab lifecycle stack inside the
// test process: a throwaway bolt store, the noop runtime, the manager,
// the teardown worker, and the internal API on a loopback listener.
// Tests drive it through pkg/client the same way the CLI does.
package framework

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/octolab/octolab/pkg/api"
	"github.com/octolab/octolab/pkg/client"
	"github.com/octolab/octolab/pkg/config"
	"github.com/octolab/octolab/pkg/events"
	"github.com/octolab/octolab/pkg/evidence"
	"github.com/octolab/octolab/pkg/health"
	"github.com/octolab/octolab/pkg/log"
	"github.com/octolab/octolab/pkg/manager"
	"github.com/octolab/octolab/pkg/network"
	"github.com/octolab/octolab/pkg/reconciler"
	"github.com/octolab/octolab/pkg/runtime"
	"github.com/octolab/octolab/pkg/security"
	"github.com/octolab/octolab/pkg/storage"
	"github.com/octolab/octolab/pkg/types"
	"github.com/octolab/octolab/pkg/volume"
)

// InternalToken authenticates harness clients against the test server.
const InternalToken = "integration-test-token"

// Harness is one running stack. Everything is live for the duration of
// the test; t.Cleanup tears it down in reverse start order.
type Harness struct {
	Cfg     *config.Config
	Store   storage.Store
	Backend *runtime.NoopBackend
	Broker  *events.Broker
	Manager *manager.Manager
	Client  *client.Client

	workerDeps reconciler.WorkerDeps
	srv        *api.Server
}

// TestConfig returns the configuration the harness boots with. Ports
// are rows in the store, not listeners, so the narrow range collides
// with nothing on the host.
func TestConfig(t *testing.T) *config.Config {
	return &config.Config{
		Runtime:       "noop",
		DataDir:       t.TempDir(),
		StateRoot:     t.TempDir(),
		BindHost:      "127.0.0.1",
		APIAddr:       "127.0.0.1:0",
		InternalToken: InternalToken,

		PortMin: 30000,
		PortMax: 30009,

		StartupTimeout:  5 * time.Second,
		TeardownTimeout: 5 * time.Second,
		LabTTL:          90 * time.Minute,

		TeardownWorkerEnabled:     true,
		TeardownWorkerInterval:    50 * time.Millisecond,
		TeardownWorkerBatchSize:   5,
		TeardownWorkerStartupTick: true,

		ProvisionMaxParallel: 4,

		// The noop backend serves no TCP; gating would park every lab
		// in PROVISIONING until the readiness timeout expired.
		ReadinessGating:   false,
		ReadinessPaths:    []string{"/vnc.html", "/"},
		ReadinessTimeout:  time.Second,
		ReadinessInterval: 20 * time.Millisecond,

		EvidenceRetention:       24 * time.Hour,
		EvidenceRetentionFailed: 6 * time.Hour,
		RetentionDays:           7,

		RateLimitPerLabPerMinute: 120,
		DedupTTL:                 5 * time.Minute,

		VNCAuthMode: "password",

		WatchdogOlderThan: 30 * time.Minute,

		LogLevel: "error",
		LogJSON:  true,
	}
}

// Start boots the stack and returns a harness bound to it. Options
// mutate the configuration before anything starts.
func Start(t *testing.T, opts ...func(*config.Config)) *Harness {
	t.Helper()

	cfg := TestConfig(t)
	for _, opt := range opts {
		opt(cfg)
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

	store, err := storage.NewBoltStore(cfg.DataDir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	backend := runtime.NewNoopBackend()
	doctor := runtime.NewDoctor(cfg, runtime.NewRunner())
	selector, err := runtime.NewSelector(context.Background(), cfg, doctor,
		map[types.RuntimeKind]runtime.LabRuntime{types.RuntimeNoop: backend})
	require.NoError(t, err)

	secrets, err := security.NewSecretsManagerFromPassword(cfg.CredentialsPassphrase())
	require.NoError(t, err)

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	layout, err := volume.NewLayout(cfg.StateRoot)
	require.NoError(t, err)

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
	t.Cleanup(mgr.Stop)

	ingestor := evidence.NewIngestor(cfg, store)
	ingestor.Start()
	t.Cleanup(ingestor.Stop)

	workerDeps := reconciler.WorkerDeps{
		Store:     store,
		Backends:  selector,
		Allocator: allocator,
		Finalizer: finalizer,
		Broker:    broker,
	}
	if cfg.TeardownWorkerEnabled {
		worker := reconciler.NewWorker(cfg, workerDeps)
		worker.Start()
		t.Cleanup(worker.Stop)
	}

	srv := api.NewServer(cfg, api.Deps{
		Manager:   mgr,
		Ingestor:  ingestor,
		Selector:  selector,
		Doctor:    doctor,
		Retention: evidence.NewRetention(store, selector, broker),
		GC:        evidence.NewGC(cfg, store, layout, finalizer, nil, broker),
		Watchdog:  reconciler.NewWatchdog(cfg, workerDeps),
		Store:     store,
		Broker:    broker,
		Version:   "test",
	})
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})

	return &Harness{
		Cfg:        cfg,
		Store:      store,
		Backend:    backend,
		Broker:     broker,
		Manager:    mgr,
		Client:     client.New("http://"+srv.Addr(), cfg.InternalToken),
		workerDeps: workerDeps,
		srv:        srv,
	}
}

// SeedRecipe stores a compose recipe labs can be created from.
func (h *Harness) SeedRecipe(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, h.Store.PutRecipe(&types.Recipe{
		ID:          id,
		Name:        "Linux desktop",
		ComposeSpec: "services:\n  desktop:\n    image: octolab/desktop:1\n",
	}))
}

// NewWorker builds an extra teardown worker on the harness store. Each
// worker carries its own claim identity, so tests can race replicas
// against the built-in one.
func (h *Harness) NewWorker() *reconciler.Worker {
	return reconciler.NewWorker(h.Cfg, h.workerDeps)
}

// CreateReadyLab creates a lab through the API and waits until it is
// READY.
func (h *Harness) CreateReadyLab(t *testing.T, owner, recipeID string) *client.Lab {
	t.Helper()
	lab, err := h.Client.CreateLab(context.Background(), owner, recipeID, "integration test")
	require.NoError(t, err)
	return h.WaitForLabStatus(t, owner, lab.ID, types.LabStatusReady)
}

// WaitForLabStatus polls the API until the lab reports want.
func (h *Harness) WaitForLabStatus(t *testing.T, owner, labID string, want types.LabStatus) *client.Lab {
	t.Helper()
	return h.waitForLab(t, owner, labID, DefaultWaiter(), func(lab *client.Lab) bool {
		return lab.Status == want
	}, fmt.Sprintf("lab %s to reach %s", labID, want))
}

// WaitForLabStatusWithin is WaitForLabStatus with a caller-chosen
// deadline, for asserting that a transition happens fast.
func (h *Harness) WaitForLabStatusWithin(t *testing.T, owner, labID string, want types.LabStatus, within time.Duration) *client.Lab {
	t.Helper()
	return h.waitForLab(t, owner, labID, NewWaiter(within, 10*time.Millisecond), func(lab *client.Lab) bool {
		return lab.Status == want
	}, fmt.Sprintf("lab %s to reach %s within %v", labID, want, within))
}

// WaitForLabSettled polls until the lab reports the terminal status
// with its evidence finalized and its port released. The terminal
// transition lands before evidence and port settle, so status alone is
// not enough for assertions about the final row.
func (h *Harness) WaitForLabSettled(t *testing.T, owner, labID string, want types.LabStatus) *client.Lab {
	t.Helper()
	return h.waitForLab(t, owner, labID, DefaultWaiter(), func(lab *client.Lab) bool {
		return lab.Status == want && lab.Evidence.FinalizedAt != nil && lab.Port == 0
	}, fmt.Sprintf("lab %s to settle in %s", labID, want))
}

func (h *Harness) waitForLab(t *testing.T, owner, labID string, waiter *Waiter, cond func(*client.Lab) bool, desc string) *client.Lab {
	t.Helper()
	var last *client.Lab
	err := waiter.WaitFor(context.Background(), func() bool {
		lab, err := h.Client.GetLab(context.Background(), owner, labID)
		if err != nil {
			return false
		}
		last = lab
		return cond(lab)
	}, desc)
	if err != nil {
		if last != nil {
			t.Fatalf("%v (last status %s, failure_reason %q)", err, last.Status, last.FailureReason)
		}
		t.Fatalf("%v (lab never observed)", err)
	}
	return last
}
