package evidence

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	volumetypes "github.com/docker/docker/api/types/volume"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/octolab/octolab/pkg/config"
	"github.com/octolab/octolab/pkg/runtime"
	"github.com/octolab/octolab/pkg/storage"
	"github.com/octolab/octolab/pkg/types"
	"github.com/octolab/octolab/pkg/volume"
)

// fakeVolumeEngine answers volume listings from a fixed set and records
// removals.
type fakeVolumeEngine struct {
	volumes []*volumetypes.Volume
	removed []string
}

func (f *fakeVolumeEngine) VolumeList(ctx context.Context, _ volumetypes.ListOptions) (volumetypes.ListResponse, error) {
	return volumetypes.ListResponse{Volumes: f.volumes}, nil
}

func (f *fakeVolumeEngine) VolumeRemove(ctx context.Context, volumeID string, force bool) error {
	f.removed = append(f.removed, volumeID)
	return nil
}

func (f *fakeVolumeEngine) add(names ...string) {
	for _, name := range names {
		f.volumes = append(f.volumes, &volumetypes.Volume{Name: name})
	}
}

type gcFixture struct {
	cfg     *config.Config
	store   storage.Store
	backend *runtime.NoopBackend
	layout  *volume.Layout
	engine  *fakeVolumeEngine
	gc      *GC
}

func newGCFixture(t *testing.T, opts ...func(*config.Config)) *gcFixture {
	t.Helper()

	cfg := &config.Config{
		StartupTimeout:          time.Minute,
		RetentionDays:           7,
		EvidenceRetention:       24 * time.Hour,
		EvidenceRetentionFailed: 6 * time.Hour,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	store := newEvidenceStore(t)
	backend := runtime.NewNoopBackend()
	layout, err := volume.NewLayout(t.TempDir())
	require.NoError(t, err)

	fin := NewFinalizer(cfg, store, mapResolver{types.RuntimeNoop: backend}, nil)
	engine := &fakeVolumeEngine{}
	return &gcFixture{
		cfg:     cfg,
		store:   store,
		backend: backend,
		layout:  layout,
		engine:  engine,
		gc:      NewGC(cfg, store, layout, fin, engine, nil),
	}
}

// expireLab pushes the lab's TTL into the past.
func expireLab(t *testing.T, store storage.Store, lab *types.Lab) {
	t.Helper()
	_, err := store.TransitionLab(lab.ID,
		[]types.LabStatus{lab.Status}, lab.Status,
		func(l *types.Lab) error {
			l.ExpiresAt = time.Now().UTC().Add(-time.Minute)
			return nil
		})
	require.NoError(t, err)
}

func TestGC_ExpiredLabsMoveToEnding(t *testing.T) {
	f := newGCFixture(t)

	expired := seedLab(t, f.store, types.LabStatusReady)
	expireLab(t, f.store, expired)
	alive := seedLab(t, f.store, types.LabStatusReady)

	report, err := f.gc.Run(context.Background(), GCOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{expired.ID}, report.ExpiredLabs)
	assert.Zero(t, report.Errors)

	got, err := f.store.GetLab(expired.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LabStatusEnding, got.Status)

	untouched, err := f.store.GetLab(alive.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LabStatusReady, untouched.Status)
}

func TestGC_ExpiredDegradedLabsToo(t *testing.T) {
	f := newGCFixture(t)

	degraded := seedLab(t, f.store, types.LabStatusDegraded)
	expireLab(t, f.store, degraded)

	_, err := f.gc.Run(context.Background(), GCOptions{})
	require.NoError(t, err)

	got, err := f.store.GetLab(degraded.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LabStatusEnding, got.Status)
}

func TestGC_DryRunReportsWithoutActing(t *testing.T) {
	f := newGCFixture(t)

	expired := seedLab(t, f.store, types.LabStatusReady)
	expireLab(t, f.store, expired)

	report, err := f.gc.Run(context.Background(), GCOptions{DryRun: true})
	require.NoError(t, err)

	assert.True(t, report.DryRun)
	assert.Equal(t, []string{expired.ID}, report.ExpiredLabs)

	got, err := f.store.GetLab(expired.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LabStatusReady, got.Status)
}

func TestGC_StaleProvisioningRowsFail(t *testing.T) {
	f := newGCFixture(t, func(cfg *config.Config) {
		cfg.StartupTimeout = 10 * time.Millisecond
	})

	stale := seedLab(t, f.store, types.LabStatusProvisioning)
	require.NoError(t, f.store.BindPort(30100, stale.ID))

	// Twice the startup timeout passes with no row movement.
	time.Sleep(50 * time.Millisecond)

	report, err := f.gc.Run(context.Background(), GCOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{stale.ID}, report.StaleLabs)

	got, err := f.store.GetLab(stale.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LabStatusFailed, got.Status)
	assert.Equal(t, "stale_provisioning", got.FailureReason)
	assert.False(t, got.FinishedAt.IsZero())

	// The port came back to the pool and evidence got its honest verdict.
	bindings, err := f.store.PortBindings()
	require.NoError(t, err)
	assert.Empty(t, bindings)
	assert.Equal(t, types.EvidenceUnavailable, got.Evidence.State)
	assert.False(t, got.Evidence.FinalizedAt.IsZero())
}

func TestGC_FreshProvisioningRowsAreLeftAlone(t *testing.T) {
	f := newGCFixture(t)

	fresh := seedLab(t, f.store, types.LabStatusRequested)

	report, err := f.gc.Run(context.Background(), GCOptions{})
	require.NoError(t, err)
	assert.Empty(t, report.StaleLabs)

	got, err := f.store.GetLab(fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LabStatusRequested, got.Status)
}

func TestGC_VolumeSweep(t *testing.T) {
	f := newGCFixture(t)

	live := seedLab(t, f.store, types.LabStatusReady)
	finished := seedLab(t, f.store, types.LabStatusEnding)
	_, err := f.store.TransitionLab(finished.ID,
		[]types.LabStatus{types.LabStatusEnding}, types.LabStatusFinished, nil)
	require.NoError(t, err)

	orphanID := uuid.New().String()
	f.engine.add(
		"octolab_"+orphanID+"_desktop_data",      // no lab row: remove
		"octolab_"+live.ID+"_desktop_data",       // lab still running: keep
		"octolab_"+finished.ID+"_desktop_data",   // terminal, scratch data: remove
		"octolab_"+finished.ID+"_evidence_logs",  // terminal, unpurged evidence: keep
		"octolab_"+finished.ID+"_lab_pcap",       // terminal, unpurged evidence: keep
		"unrelated_app_data",                     // not ours: never touch
	)

	report, err := f.gc.Run(context.Background(), GCOptions{IncludeVolumes: true})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{
		"octolab_" + orphanID + "_desktop_data",
		"octolab_" + finished.ID + "_desktop_data",
	}, report.OrphanVolumes)
	assert.ElementsMatch(t, report.OrphanVolumes, f.engine.removed)
}

func TestGC_VolumeSweepReclaimsPurgedEvidence(t *testing.T) {
	f := newGCFixture(t)

	lab := seedLab(t, f.store, types.LabStatusEnding)
	_, err := f.store.TransitionLab(lab.ID,
		[]types.LabStatus{types.LabStatusEnding}, types.LabStatusFinished, nil)
	require.NoError(t, err)
	_, err = f.store.UpdateLabEvidence(lab.ID, func(ev *types.Evidence) error {
		ev.State = types.EvidenceUnavailable
		ev.PurgedAt = time.Now().UTC()
		return nil
	})
	require.NoError(t, err)

	name := "octolab_" + lab.ID + "_evidence_logs"
	f.engine.add(name)

	report, err := f.gc.Run(context.Background(), GCOptions{IncludeVolumes: true})
	require.NoError(t, err)
	assert.Equal(t, []string{name}, report.OrphanVolumes)
	assert.Equal(t, []string{name}, f.engine.removed)
}

func TestGC_VolumeSweepSkippedWithoutEngine(t *testing.T) {
	f := newGCFixture(t)
	f.gc = NewGC(f.cfg, f.store, f.layout, nil, nil, nil)

	report, err := f.gc.Run(context.Background(), GCOptions{IncludeVolumes: true})
	require.NoError(t, err)
	assert.Empty(t, report.OrphanVolumes)
}

func TestGC_PrunesOldBundles(t *testing.T) {
	f := newGCFixture(t)

	bundles := f.layout.BundlesDir()
	require.NoError(t, os.MkdirAll(bundles, 0o755))

	old := filepath.Join(bundles, "lab-old.tar.gz")
	require.NoError(t, os.WriteFile(old, []byte("bundle"), 0o600))
	ancient := time.Now().Add(-10 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(old, ancient, ancient))

	fresh := filepath.Join(bundles, "lab-fresh.tar.gz")
	require.NoError(t, os.WriteFile(fresh, []byte("bundle"), 0o600))

	report, err := f.gc.Run(context.Background(), GCOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"lab-old.tar.gz"}, report.PrunedBundles)

	_, err = os.Stat(old)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	assert.NoError(t, err)
}
