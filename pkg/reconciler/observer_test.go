package reconciler

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/octolab/octolab/pkg/config"
	"github.com/octolab/octolab/pkg/events"
	"github.com/octolab/octolab/pkg/health"
	"github.com/octolab/octolab/pkg/storage"
	"github.com/octolab/octolab/pkg/types"
)

type observerFixture struct {
	cfg      *config.Config
	store    storage.Store
	broker   *events.Broker
	observer *Observer
}

func newObserverFixture(t *testing.T, opts ...func(*config.Config)) *observerFixture {
	t.Helper()

	cfg := reconcilerConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	prober := health.NewProber(health.ProberConfig{
		Interval:       20 * time.Millisecond,
		ConnectTimeout: 500 * time.Millisecond,
		RequestTimeout: time.Second,
		Paths:          []string{"/"},
	})
	return &observerFixture{
		cfg:      cfg,
		store:    store,
		broker:   broker,
		observer: NewObserver(cfg, store, prober, broker),
	}
}

// seedRunningLab walks a lab to READY (optionally on to DEGRADED) with
// the given published port.
func seedRunningLab(t *testing.T, store storage.Store, status types.LabStatus, port int) *types.Lab {
	t.Helper()

	lab := seedProvisioningLab(t, store, port)
	_, err := store.TransitionLab(lab.ID,
		[]types.LabStatus{types.LabStatusProvisioning},
		types.LabStatusReady, nil)
	require.NoError(t, err)
	if status == types.LabStatusDegraded {
		_, err = store.TransitionLab(lab.ID,
			[]types.LabStatus{types.LabStatusReady},
			types.LabStatusDegraded, nil)
		require.NoError(t, err)
	}

	out, err := store.GetLab(lab.ID)
	require.NoError(t, err)
	return out
}

func seedProvisioningLab(t *testing.T, store storage.Store, port int) *types.Lab {
	t.Helper()

	now := time.Now().UTC()
	lab := &types.Lab{
		ID:        uuid.New().String(),
		OwnerID:   "owner-1",
		RecipeID:  "recipe-1",
		Status:    types.LabStatusRequested,
		Runtime:   types.RuntimeNoop,
		Evidence:  types.Evidence{State: types.EvidencePending},
		CreatedAt: now,
		ExpiresAt: now.Add(90 * time.Minute),
	}
	require.NoError(t, store.CreateLab(lab))
	_, err := store.TransitionLab(lab.ID,
		[]types.LabStatus{types.LabStatusRequested},
		types.LabStatusProvisioning,
		func(l *types.Lab) error {
			l.Port = port
			return nil
		})
	require.NoError(t, err)
	return lab
}

// deadPort returns a port nothing listens on.
func deadPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

// labServer runs a local endpoint standing in for a lab's desktop. The
// fail flag flips it between answering 200 and 503.
func labServer(t *testing.T) (port int, fail *atomic.Bool) {
	t.Helper()
	fail = &atomic.Bool{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	_, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err = strconv.Atoi(portStr)
	require.NoError(t, err)
	return port, fail
}

func TestObserverDegradesAfterConsecutiveFailures(t *testing.T) {
	fx := newObserverFixture(t) // failure threshold 2
	sub := fx.broker.Subscribe()
	defer fx.broker.Unsubscribe(sub)

	lab := seedRunningLab(t, fx.store, types.LabStatusReady, deadPort(t))

	fx.observer.sweep(context.Background())
	got, err := fx.store.GetLab(lab.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LabStatusReady, got.Status, "one miss must not degrade")

	fx.observer.sweep(context.Background())
	got, err = fx.store.GetLab(lab.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LabStatusDegraded, got.Status)

	waitForEvent(t, sub, events.EventLabDegraded, lab.ID)
}

func TestObserverRestoresRecoveredLab(t *testing.T) {
	fx := newObserverFixture(t)
	sub := fx.broker.Subscribe()
	defer fx.broker.Unsubscribe(sub)

	port, _ := labServer(t)
	lab := seedRunningLab(t, fx.store, types.LabStatusDegraded, port)

	fx.observer.sweep(context.Background())

	got, err := fx.store.GetLab(lab.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LabStatusReady, got.Status)
	waitForEvent(t, sub, events.EventLabRecovered, lab.ID)
}

func TestObserverSuccessResetsFailureCount(t *testing.T) {
	fx := newObserverFixture(t)
	port, fail := labServer(t)
	lab := seedRunningLab(t, fx.store, types.LabStatusReady, port)

	fail.Store(true)
	fx.observer.sweep(context.Background())
	assert.Equal(t, 1, fx.observer.failures[lab.ID])

	fail.Store(false)
	fx.observer.sweep(context.Background())
	assert.Equal(t, 0, fx.observer.failures[lab.ID])

	// The counter starts over: a single new miss stays READY.
	fail.Store(true)
	fx.observer.sweep(context.Background())
	got, err := fx.store.GetLab(lab.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LabStatusReady, got.Status)
}

func TestObserverSkipsLabsWithoutPorts(t *testing.T) {
	fx := newObserverFixture(t)
	lab := seedRunningLab(t, fx.store, types.LabStatusReady, 0)

	fx.observer.sweep(context.Background())

	got, err := fx.store.GetLab(lab.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LabStatusReady, got.Status)
	assert.Empty(t, fx.observer.failures)
}

func TestObserverForgetsLabsThatLeft(t *testing.T) {
	fx := newObserverFixture(t)
	lab := seedRunningLab(t, fx.store, types.LabStatusReady, deadPort(t))

	fx.observer.sweep(context.Background())
	require.Equal(t, 1, fx.observer.failures[lab.ID])

	_, err := fx.store.TransitionLab(lab.ID,
		[]types.LabStatus{types.LabStatusReady},
		types.LabStatusEnding, nil)
	require.NoError(t, err)

	fx.observer.sweep(context.Background())
	assert.NotContains(t, fx.observer.failures, lab.ID)
}

func TestObserverStartStop(t *testing.T) {
	fx := newObserverFixture(t)
	fx.observer.Start()
	fx.observer.Stop()
	fx.observer.Stop()
}
