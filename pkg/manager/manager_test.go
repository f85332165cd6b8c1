package manager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/octolab/octolab/pkg/config"
	"github.com/octolab/octolab/pkg/events"
	"github.com/octolab/octolab/pkg/evidence"
	"github.com/octolab/octolab/pkg/health"
	"github.com/octolab/octolab/pkg/network"
	"github.com/octolab/octolab/pkg/runtime"
	"github.com/octolab/octolab/pkg/security"
	"github.com/octolab/octolab/pkg/storage"
	"github.com/octolab/octolab/pkg/types"
)

func testConfig() *config.Config {
	return &config.Config{
		Runtime:                 "noop",
		BindHost:                "127.0.0.1",
		PortMin:                 20000,
		PortMax:                 20009,
		StartupTimeout:          5 * time.Second,
		TeardownTimeout:         5 * time.Second,
		LabTTL:                  90 * time.Minute,
		ProvisionMaxParallel:    2,
		EvidenceRetention:       24 * time.Hour,
		EvidenceRetentionFailed: 6 * time.Hour,
		VNCAuthMode:             "password",
	}
}

type managerFixture struct {
	cfg     *config.Config
	store   storage.Store
	backend *runtime.NoopBackend
	secrets *security.SecretsManager
	broker  *events.Broker
	mgr     *Manager
}

func newManagerFixture(t *testing.T, opts ...func(*config.Config)) *managerFixture {
	t.Helper()

	cfg := testConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	backend := runtime.NewNoopBackend()
	doctor := runtime.NewDoctor(cfg, runtime.NewRunner())
	selector, err := runtime.NewSelector(context.Background(), cfg, doctor,
		map[types.RuntimeKind]runtime.LabRuntime{types.RuntimeNoop: backend})
	require.NoError(t, err)

	secrets, err := security.NewSecretsManagerFromPassword("unit-test-passphrase")
	require.NoError(t, err)

	broker := events.NewBroker()
	finalizer := evidence.NewFinalizer(cfg, store, selector, broker)

	mgr := NewManager(cfg, Deps{
		Store:     store,
		Selector:  selector,
		Allocator: network.NewAllocator(cfg, store),
		Secrets:   secrets,
		Finalizer: finalizer,
		Prober:    health.NewProber(health.ProberConfig{}),
		Broker:    broker,
	})
	return &managerFixture{
		cfg:     cfg,
		store:   store,
		backend: backend,
		secrets: secrets,
		broker:  broker,
		mgr:     mgr,
	}
}

// start runs the admission loop and guarantees an orderly Stop.
func (f *managerFixture) start(t *testing.T) {
	t.Helper()
	f.mgr.Start()
	t.Cleanup(f.mgr.Stop)
}

func (f *managerFixture) seedRecipe(t *testing.T) {
	t.Helper()
	require.NoError(t, f.store.PutRecipe(&types.Recipe{
		ID:          "recipe-1",
		Name:        "Linux desktop",
		ComposeSpec: "services:\n  desktop:\n    image: octolab/desktop:1\n",
	}))
}

func (f *managerFixture) createLab(t *testing.T) *types.Lab {
	t.Helper()
	lab, err := f.mgr.CreateLab(context.Background(), "owner-1", "recipe-1", "practice")
	require.NoError(t, err)
	return lab
}

func TestCreateLab(t *testing.T) {
	f := newManagerFixture(t)
	f.seedRecipe(t)

	lab, err := f.mgr.CreateLab(context.Background(), "owner-1", "recipe-1", "sql injection practice")
	require.NoError(t, err)

	assert.Equal(t, types.LabStatusRequested, lab.Status)
	assert.Equal(t, "owner-1", lab.OwnerID)
	assert.Equal(t, "recipe-1", lab.RecipeID)
	assert.Equal(t, "sql injection practice", lab.Intent)
	assert.Equal(t, types.RuntimeNoop, lab.Runtime)
	assert.Equal(t, types.EvidencePending, lab.Evidence.State)
	assert.WithinDuration(t, time.Now().Add(f.cfg.LabTTL), lab.ExpiresAt, 5*time.Second)

	// The row is persisted, not just returned.
	stored, err := f.store.GetLab(lab.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LabStatusRequested, stored.Status)
}

func TestCreateLab_RequiresOwnerAndRecipe(t *testing.T) {
	f := newManagerFixture(t)

	_, err := f.mgr.CreateLab(context.Background(), "", "recipe-1", "")
	assert.ErrorIs(t, err, ErrOwnerRequired)

	_, err = f.mgr.CreateLab(context.Background(), "owner-1", "", "")
	assert.ErrorIs(t, err, ErrRecipeRequired)
}

func TestCreateLab_SealsCredentials(t *testing.T) {
	f := newManagerFixture(t)
	f.seedRecipe(t)
	lab := f.createLab(t)

	// Only ciphertext lands on the row.
	assert.NotEmpty(t, lab.VNCPasswordEnc)
	assert.NotEmpty(t, lab.LabTokenEnc)

	creds, err := openCredentials(f.secrets, lab)
	require.NoError(t, err)
	assert.Len(t, creds.vncPassword, 16)
	assert.Len(t, creds.labToken, 64)
	assert.NotContains(t, string(lab.VNCPasswordEnc), creds.vncPassword)
}

func TestCreateLab_VNCAuthModeNone(t *testing.T) {
	f := newManagerFixture(t, func(cfg *config.Config) { cfg.VNCAuthMode = "none" })
	f.seedRecipe(t)
	lab := f.createLab(t)

	assert.Empty(t, lab.VNCPasswordEnc)
	assert.NotEmpty(t, lab.LabTokenEnc, "the evidence agent token is issued regardless of VNC auth")

	creds, err := openCredentials(f.secrets, lab)
	require.NoError(t, err)
	assert.Empty(t, creds.vncPassword)
}

func TestGetLab_OwnerScoped(t *testing.T) {
	f := newManagerFixture(t)
	f.seedRecipe(t)
	lab := f.createLab(t)

	got, err := f.mgr.GetLab(context.Background(), lab.ID, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, lab.ID, got.ID)

	// A foreign owner sees the same error as a missing lab.
	_, err = f.mgr.GetLab(context.Background(), lab.ID, "owner-2")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = f.mgr.GetLab(context.Background(), "not-a-lab-id", "owner-1")
	assert.Error(t, err)
}

func TestListLabs_NewestFirst(t *testing.T) {
	f := newManagerFixture(t)
	f.seedRecipe(t)

	for i := 0; i < 3; i++ {
		f.createLab(t)
	}
	_, err := f.mgr.CreateLab(context.Background(), "owner-2", "recipe-1", "")
	require.NoError(t, err)

	labs, err := f.mgr.ListLabs(context.Background(), "owner-1")
	require.NoError(t, err)
	require.Len(t, labs, 3)
	for i := 1; i < len(labs); i++ {
		assert.False(t, labs[i-1].CreatedAt.Before(labs[i].CreatedAt), "labs must be ordered newest first")
	}
}

func TestStopLab(t *testing.T) {
	f := newManagerFixture(t)
	f.seedRecipe(t)
	lab := f.createLab(t)

	// REQUESTED labs can be stopped before admission ever sees them.
	stopped, err := f.mgr.StopLab(context.Background(), lab.ID, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, types.LabStatusEnding, stopped.Status)

	// Stopping again is an idempotent no-op.
	again, err := f.mgr.StopLab(context.Background(), lab.ID, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, types.LabStatusEnding, again.Status)
}

func TestStopLab_OwnerScoped(t *testing.T) {
	f := newManagerFixture(t)
	f.seedRecipe(t)
	lab := f.createLab(t)

	_, err := f.mgr.StopLab(context.Background(), lab.ID, "owner-2")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	got, err := f.store.GetLab(lab.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LabStatusRequested, got.Status, "a foreign stop must not touch the lab")
}

func TestStopLab_TerminalConflict(t *testing.T) {
	f := newManagerFixture(t)
	f.seedRecipe(t)
	lab := f.createLab(t)

	_, err := f.store.TransitionLab(lab.ID,
		[]types.LabStatus{types.LabStatusRequested}, types.LabStatusFailed, nil)
	require.NoError(t, err)

	_, err = f.mgr.StopLab(context.Background(), lab.ID, "owner-1")
	assert.ErrorIs(t, err, storage.ErrLabTerminal)
}

func TestProvisionLab(t *testing.T) {
	f := newManagerFixture(t)
	f.seedRecipe(t)
	lab := f.createLab(t)

	require.NoError(t, f.mgr.ProvisionLab(context.Background(), lab.ID))

	got, err := f.store.GetLab(lab.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LabStatusReady, got.Status)
	assert.GreaterOrEqual(t, got.Port, f.cfg.PortMin)
	assert.LessOrEqual(t, got.Port, f.cfg.PortMax)
	assert.Contains(t, got.ConnectionURL, "/vnc.html")
	assert.Contains(t, got.ConnectionURL, "127.0.0.1")
	assert.True(t, got.FinishedAt.IsZero())
	assert.Equal(t, 1, f.backend.LabCount())

	bindings, err := f.store.PortBindings()
	require.NoError(t, err)
	assert.Equal(t, lab.ID, bindings[got.Port])
}

func TestProvisionLab_OnlyClaimsRequested(t *testing.T) {
	f := newManagerFixture(t)
	f.seedRecipe(t)
	lab := f.createLab(t)

	require.NoError(t, f.mgr.ProvisionLab(context.Background(), lab.ID))

	// A second provisioning attempt loses the admission claim.
	err := f.mgr.ProvisionLab(context.Background(), lab.ID)
	assert.ErrorIs(t, err, storage.ErrStatusConflict)
}

func TestProvisionLab_MissingRecipe(t *testing.T) {
	f := newManagerFixture(t)
	// No recipe seeded on purpose.
	lab, err := f.mgr.CreateLab(context.Background(), "owner-1", "ghost-recipe", "")
	require.NoError(t, err)

	err = f.mgr.ProvisionLab(context.Background(), lab.ID)
	require.Error(t, err)

	got, err := f.store.GetLab(lab.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LabStatusFailed, got.Status)
	assert.Equal(t, ReasonRecipeMissing, got.FailureReason)
	assert.False(t, got.FinishedAt.IsZero())

	// Fast fail: no port was bound and nothing was launched.
	bindings, err := f.store.PortBindings()
	require.NoError(t, err)
	assert.Empty(t, bindings)
	assert.Equal(t, 0, f.backend.LabCount())

	// Failed labs still get an honest evidence verdict.
	assert.Equal(t, types.EvidenceUnavailable, got.Evidence.State)
	assert.False(t, got.Evidence.FinalizedAt.IsZero())
	assert.WithinDuration(t,
		got.Evidence.FinalizedAt.Add(f.cfg.EvidenceRetentionFailed),
		got.Evidence.ExpiresAt, 5*time.Second)
}

func TestProvisionLab_PortPoolExhausted(t *testing.T) {
	f := newManagerFixture(t, func(cfg *config.Config) {
		cfg.PortMin = 20000
		cfg.PortMax = 20000
	})
	f.seedRecipe(t)

	first := f.createLab(t)
	require.NoError(t, f.mgr.ProvisionLab(context.Background(), first.ID))

	second := f.createLab(t)
	err := f.mgr.ProvisionLab(context.Background(), second.ID)
	require.Error(t, err)

	got, err := f.store.GetLab(second.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LabStatusFailed, got.Status)
	assert.Equal(t, ReasonPortPoolExhausted, got.FailureReason)

	// The winner keeps its port; the loser consumed nothing.
	bindings, err := f.store.PortBindings()
	require.NoError(t, err)
	require.Len(t, bindings, 1)
	assert.Equal(t, first.ID, bindings[20000])
}

func TestProvisionLab_CreateFailureRollsBack(t *testing.T) {
	f := newManagerFixture(t)
	f.seedRecipe(t)
	f.backend.FailCreate = errors.New("image pull failed")
	lab := f.createLab(t)

	err := f.mgr.ProvisionLab(context.Background(), lab.ID)
	require.Error(t, err)

	got, err := f.store.GetLab(lab.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LabStatusFailed, got.Status)
	assert.Equal(t, ReasonCreateFailed, got.FailureReason)
	assert.Equal(t, types.EvidenceUnavailable, got.Evidence.State)

	// Rollback released the port.
	bindings, err := f.store.PortBindings()
	require.NoError(t, err)
	assert.Empty(t, bindings)
	assert.Equal(t, 0, f.backend.LabCount())
}

func TestProvisionLab_StoppedMidProvision(t *testing.T) {
	f := newManagerFixture(t)
	f.seedRecipe(t)
	lab := f.createLab(t)

	claimed, err := f.mgr.admit(lab.ID)
	require.NoError(t, err)

	// The owner stops the lab while the pipeline is in flight.
	_, err = f.store.TransitionLab(lab.ID,
		[]types.LabStatus{types.LabStatusProvisioning}, types.LabStatusEnding, nil)
	require.NoError(t, err)

	// The pipeline loses the READY write and must not fight the stop.
	require.NoError(t, f.mgr.runPipeline(context.Background(), claimed))

	got, err := f.store.GetLab(lab.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LabStatusEnding, got.Status)

	// Created resources and the port stay put for the teardown worker.
	assert.Equal(t, 1, f.backend.LabCount())
	bindings, err := f.store.PortBindings()
	require.NoError(t, err)
	assert.Len(t, bindings, 1)
}

func TestAdmissionLoop_ProvisionsCreatedLabs(t *testing.T) {
	f := newManagerFixture(t)
	f.seedRecipe(t)
	f.start(t)

	lab := f.createLab(t)

	require.Eventually(t, func() bool {
		got, err := f.store.GetLab(lab.ID)
		return err == nil && got.Status == types.LabStatusReady
	}, 5*time.Second, 20*time.Millisecond, "admission loop must pick up the new lab")
}

func TestAdmissionLoop_PicksUpInheritedRows(t *testing.T) {
	f := newManagerFixture(t)
	f.seedRecipe(t)

	// A REQUESTED row from a previous process: created before this
	// manager ever started, so no nudge is seen for it.
	lab := f.createLab(t)
	f.start(t)

	require.Eventually(t, func() bool {
		got, err := f.store.GetLab(lab.ID)
		return err == nil && got.Status == types.LabStatusReady
	}, 5*time.Second, 20*time.Millisecond, "the ticker must admit rows created before Start")
}

func TestAdmissionLoop_DrainsQueueWithOneSlot(t *testing.T) {
	f := newManagerFixture(t, func(cfg *config.Config) { cfg.ProvisionMaxParallel = 1 })
	f.seedRecipe(t)
	f.backend.CreateDelay = 30 * time.Millisecond
	f.start(t)

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, f.createLab(t).ID)
	}

	require.Eventually(t, func() bool {
		for _, id := range ids {
			got, err := f.store.GetLab(id)
			if err != nil || got.Status != types.LabStatusReady {
				return false
			}
		}
		return true
	}, 10*time.Second, 20*time.Millisecond, "a single slot must still drain the whole queue")
}

func TestAdmissionLoop_SkipsStoppedRequests(t *testing.T) {
	f := newManagerFixture(t)
	f.seedRecipe(t)

	lab := f.createLab(t)
	_, err := f.mgr.StopLab(context.Background(), lab.ID, "owner-1")
	require.NoError(t, err)

	f.start(t)

	// The lab was stopped before admission; it must stay ENDING rather
	// than being dragged back into provisioning.
	time.Sleep(50 * time.Millisecond)
	got, err := f.store.GetLab(lab.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LabStatusEnding, got.Status)
}

func waitForEvent(t *testing.T, sub events.Subscriber, want events.EventType, labID string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub:
			if ev.Type == want && ev.LabID == labID {
				return
			}
		case <-deadline:
			t.Fatalf("event %s for lab %s never arrived", want, labID)
		}
	}
}

func TestManagerPublishesLifecycleEvents(t *testing.T) {
	f := newManagerFixture(t)
	f.seedRecipe(t)
	f.broker.Start()
	t.Cleanup(f.broker.Stop)
	sub := f.broker.Subscribe()

	lab := f.createLab(t)
	require.NoError(t, f.mgr.ProvisionLab(context.Background(), lab.ID))

	// Events arrive in publish order for a single lab.
	waitForEvent(t, sub, events.EventLabCreated, lab.ID)
	waitForEvent(t, sub, events.EventLabProvisioning, lab.ID)
	waitForEvent(t, sub, events.EventLabReady, lab.ID)
}
