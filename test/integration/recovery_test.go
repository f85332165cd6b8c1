package integration

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/octolab/octolab/pkg/client"
	"github.com/octolab/octolab/pkg/config"
	"github.com/octolab/octolab/pkg/events"
	"github.com/octolab/octolab/pkg/reconciler"
	"github.com/octolab/octolab/pkg/types"
	"github.com/octolab/octolab/test/framework"
)

// Two worker replicas race over the same backlog; claims guarantee each
// lab is torn down exactly once.
func TestTeardownWorkerReplicasSplitTheBacklog(t *testing.T) {
	h := framework.Start(t, func(cfg *config.Config) {
		cfg.TeardownWorkerInterval = 25 * time.Millisecond
	})
	h.SeedRecipe(t, "apache-v1")
	ctx := context.Background()
	owner := "recovery@example.com"

	sub := h.Broker.Subscribe()
	defer h.Broker.Unsubscribe(sub)

	labs := make([]*client.Lab, 0, 5)
	for i := 0; i < 5; i++ {
		labs = append(labs, h.CreateReadyLab(t, owner, "apache-v1"))
	}

	extra := h.NewWorker()
	extra.Start()
	defer extra.Stop()

	for _, lab := range labs {
		_, err := h.Client.StopLab(ctx, owner, lab.ID)
		require.NoError(t, err)
	}
	for _, lab := range labs {
		h.WaitForLabStatus(t, owner, lab.ID, types.LabStatusFinished)
	}

	// No lab is left in ENDING once the backlog drains.
	ending, err := h.Store.ListLabsByStatus(types.LabStatusEnding)
	require.NoError(t, err)
	assert.Empty(t, ending)
	assert.Equal(t, 0, h.Backend.LabCount())

	// Exactly one finished event per lab: the claim kept the replicas
	// from tearing the same lab down twice.
	finished := make(map[string]int)
	deadline := time.After(2 * time.Second)
	for len(finished) < 5 {
		select {
		case ev := <-sub:
			if ev.Type == events.EventLabFinished {
				finished[ev.LabID]++
			}
		case <-deadline:
			t.Fatalf("saw finished events for %d of 5 labs", len(finished))
		}
	}
	for _, lab := range labs {
		assert.Equal(t, 1, finished[lab.ID], "lab %s finished more than once", lab.ID)
	}
}

// A worker that dies holding a claim must not strand the lab: the claim
// expires and a live worker picks the row up.
func TestExpiredClaimIsRecovered(t *testing.T) {
	h := framework.Start(t, func(cfg *config.Config) {
		cfg.TeardownWorkerEnabled = false
		cfg.TeardownWorkerInterval = 25 * time.Millisecond
	})
	h.SeedRecipe(t, "apache-v1")
	ctx := context.Background()
	owner := "recovery@example.com"

	lab := h.CreateReadyLab(t, owner, "apache-v1")
	_, err := h.Client.StopLab(ctx, owner, lab.ID)
	require.NoError(t, err)

	// Plant the claim of a worker that will never come back.
	_, err = h.Store.ClaimLab(lab.ID, "crashed-worker", 500*time.Millisecond, types.LabStatusEnding)
	require.NoError(t, err)

	worker := h.NewWorker()
	worker.Start()
	defer worker.Stop()

	// While the claim is live the worker must leave the lab alone.
	time.Sleep(50 * time.Millisecond)
	held, err := h.Client.GetLab(ctx, owner, lab.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LabStatusEnding, held.Status)

	// After expiry the worker claims it and finishes the teardown.
	finished := h.WaitForLabSettled(t, owner, lab.ID, types.LabStatusFinished)
	require.NotNil(t, finished.FinishedAt)
}

func TestWatchdogForcesStuckEndingLabs(t *testing.T) {
	h := framework.Start(t, func(cfg *config.Config) {
		cfg.TeardownWorkerEnabled = false
		cfg.WatchdogOlderThan = time.Millisecond
	})
	h.SeedRecipe(t, "apache-v1")
	ctx := context.Background()
	owner := "ops@example.com"

	first := h.CreateReadyLab(t, owner, "apache-v1")
	second := h.CreateReadyLab(t, owner, "apache-v1")
	h.Backend.SetArtifacts(first.ID, 1, 1)

	for _, lab := range []*client.Lab{first, second} {
		_, err := h.Client.StopLab(ctx, owner, lab.ID)
		require.NoError(t, err)
	}
	// With no worker running both labs sit in ENDING past the threshold.
	time.Sleep(20 * time.Millisecond)

	dry, err := h.Client.RunWatchdog(ctx, client.WatchdogRequest{DryRun: true})
	require.NoError(t, err)
	require.Len(t, dry.Entries, 2)
	for _, entry := range dry.Entries {
		assert.Equal(t, "would_force", entry.Outcome)
	}
	still, err := h.Client.GetLab(ctx, owner, first.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LabStatusEnding, still.Status)

	report, err := h.Client.RunWatchdog(ctx, client.WatchdogRequest{Action: reconciler.WatchdogActionForce})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Forced)
	assert.Zero(t, report.Errors)

	finished := h.WaitForLabSettled(t, owner, first.ID, types.LabStatusFinished)
	assert.Equal(t, types.EvidenceReady, finished.Evidence.State)
	h.WaitForLabSettled(t, owner, second.ID, types.LabStatusFinished)
	assert.Equal(t, 0, h.Backend.LabCount())
}

// The fail action settles the row without touching the runtime, for
// hosts where destroy attempts would make things worse.
func TestWatchdogFailActionLeavesRuntimeUntouched(t *testing.T) {
	h := framework.Start(t, func(cfg *config.Config) {
		cfg.TeardownWorkerEnabled = false
	})
	h.SeedRecipe(t, "apache-v1")
	ctx := context.Background()
	owner := "ops@example.com"

	lab := h.CreateReadyLab(t, owner, "apache-v1")
	_, err := h.Client.StopLab(ctx, owner, lab.ID)
	require.NoError(t, err)

	report, err := h.Client.RunWatchdog(ctx, client.WatchdogRequest{
		LabID:  lab.ID,
		Action: reconciler.WatchdogActionFail,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Entries, 1)
	assert.Equal(t, "failed", report.Entries[0].Outcome)

	failed := h.WaitForLabSettled(t, owner, lab.ID, types.LabStatusFailed)
	assert.Equal(t, reconciler.ReasonWatchdogFail, failed.FailureReason)
	require.NotNil(t, failed.FinishedAt)

	// The lab's containers were deliberately abandoned.
	assert.Equal(t, 1, h.Backend.LabCount())
}

func TestWatchdogRejectsLabNotInEnding(t *testing.T) {
	h := framework.Start(t)
	h.SeedRecipe(t, "apache-v1")
	ctx := context.Background()

	lab := h.CreateReadyLab(t, "ops@example.com", "apache-v1")

	_, err := h.Client.RunWatchdog(ctx, client.WatchdogRequest{LabID: lab.ID})
	apiErr := requireAPIError(t, err)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
}
