package integration

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/octolab/octolab/pkg/config"
	"github.com/octolab/octolab/pkg/evidence"
	"github.com/octolab/octolab/pkg/manager"
	"github.com/octolab/octolab/pkg/types"
	"github.com/octolab/octolab/test/framework"
)

func TestPortPoolExhaustionFailsLab(t *testing.T) {
	h := framework.Start(t, func(cfg *config.Config) {
		cfg.PortMin = 30000
		cfg.PortMax = 30001
	})
	h.SeedRecipe(t, "apache-v1")
	ctx := context.Background()
	owner := "capacity@example.com"

	first := h.CreateReadyLab(t, owner, "apache-v1")
	second := h.CreateReadyLab(t, owner, "apache-v1")
	assert.ElementsMatch(t, []int{30000, 30001}, []int{first.Port, second.Port})

	// The pool is drained; the third lab is admitted but provisioning
	// must fail it without touching the runtime.
	third, err := h.Client.CreateLab(ctx, owner, "apache-v1", "")
	require.NoError(t, err)

	failed := h.WaitForLabSettled(t, owner, third.ID, types.LabStatusFailed)
	assert.Equal(t, manager.ReasonPortPoolExhausted, failed.FailureReason)
	assert.Zero(t, failed.Port)
	require.NotNil(t, failed.FinishedAt)
	assert.Equal(t, 2, h.Backend.LabCount())

	// Freeing one port makes the pool usable again.
	_, err = h.Client.StopLab(ctx, owner, first.ID)
	require.NoError(t, err)
	h.WaitForLabSettled(t, owner, first.ID, types.LabStatusFinished)

	fourth := h.CreateReadyLab(t, owner, "apache-v1")
	assert.Equal(t, first.Port, fourth.Port)
}

func TestIngestDeduplicatesReplays(t *testing.T) {
	h := framework.Start(t)
	h.SeedRecipe(t, "apache-v1")
	ctx := context.Background()
	owner := "sensor@example.com"

	lab := h.CreateReadyLab(t, owner, "apache-v1")

	stamp := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	batch := []evidence.IngestEvent{
		{Type: "terminal", Timestamp: stamp, SessionID: "s1", Message: "whoami"},
		{Type: "terminal", Timestamp: stamp.Add(time.Second), SessionID: "s1", Message: "id"},
		{Type: "network", Timestamp: stamp.Add(2 * time.Second), Container: "desktop", Message: "pcap rotated"},
	}

	res, err := h.Client.IngestEvents(ctx, lab.ID, batch)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Accepted)
	assert.Zero(t, res.Duplicates)

	// A sensor retry replays the identical batch.
	replay, err := h.Client.IngestEvents(ctx, lab.ID, batch)
	require.NoError(t, err)
	assert.Zero(t, replay.Accepted)
	assert.Equal(t, 3, replay.Duplicates)

	// Events without a type never reach the store.
	res, err = h.Client.IngestEvents(ctx, lab.ID, []evidence.IngestEvent{{Type: "   "}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rejected)
	assert.Zero(t, res.Accepted)

	// Batches for unknown labs are refused outright.
	_, err = h.Client.IngestEvents(ctx, uuid.NewString(), batch)
	apiErr := requireAPIError(t, err)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestIngestRateLimitsNoisyLab(t *testing.T) {
	h := framework.Start(t, func(cfg *config.Config) {
		cfg.RateLimitPerLabPerMinute = 5
	})
	h.SeedRecipe(t, "apache-v1")
	ctx := context.Background()
	owner := "sensor@example.com"

	noisy := h.CreateReadyLab(t, owner, "apache-v1")
	quiet := h.CreateReadyLab(t, owner, "apache-v1")

	stamp := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	batch := make([]evidence.IngestEvent, 0, 8)
	for i := 0; i < 8; i++ {
		batch = append(batch, evidence.IngestEvent{
			Type:      "terminal",
			Timestamp: stamp.Add(time.Duration(i) * time.Second),
			SessionID: "s1",
			Message:   "command",
		})
	}

	res, err := h.Client.IngestEvents(ctx, noisy.ID, batch)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Accepted)
	assert.Equal(t, 3, res.RateLimited)

	// The window stays exhausted for the rest of the minute.
	more, err := h.Client.IngestEvents(ctx, noisy.ID, []evidence.IngestEvent{
		{Type: "terminal", Timestamp: stamp.Add(time.Minute), SessionID: "s2", Message: "ls"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, more.RateLimited)

	// The cap is per lab, not global.
	other, err := h.Client.IngestEvents(ctx, quiet.ID, []evidence.IngestEvent{
		{Type: "terminal", Timestamp: stamp, SessionID: "s1", Message: "uname -a"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, other.Accepted)
}
