package network

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/octolab/octolab/pkg/config"
	"github.com/octolab/octolab/pkg/storage"
	"github.com/octolab/octolab/pkg/types"
)

func newAllocatorFixture(t *testing.T, min, max int) (*Allocator, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{PortMin: min, PortMax: max}
	return NewAllocator(cfg, store), store
}

func seedLab(t *testing.T, store storage.Store) *types.Lab {
	t.Helper()
	now := time.Now().UTC()
	lab := &types.Lab{
		ID:        uuid.New().String(),
		OwnerID:   "owner-1",
		RecipeID:  "recipe-1",
		Status:    types.LabStatusProvisioning,
		Runtime:   types.RuntimeNoop,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(90 * time.Minute),
		Evidence:  types.Evidence{State: types.EvidencePending},
	}
	require.NoError(t, store.CreateLab(lab))
	return lab
}

func TestAllocateAssignsInRange(t *testing.T) {
	alloc, store := newAllocatorFixture(t, 10000, 10009)
	lab := seedLab(t, store)

	port, err := alloc.Allocate(context.Background(), lab.ID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, port, 10000)
	assert.LessOrEqual(t, port, 10009)

	// The binding and the lab row carry the same port.
	stored, err := store.GetLab(lab.ID)
	require.NoError(t, err)
	assert.Equal(t, port, stored.Port)

	bindings, err := store.PortBindings()
	require.NoError(t, err)
	assert.Equal(t, lab.ID, bindings[port])
}

func TestAllocateIsIdempotentPerLab(t *testing.T) {
	alloc, store := newAllocatorFixture(t, 10000, 10009)
	lab := seedLab(t, store)

	first, err := alloc.Allocate(context.Background(), lab.ID)
	require.NoError(t, err)

	second, err := alloc.Allocate(context.Background(), lab.ID)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	bindings, err := store.PortBindings()
	require.NoError(t, err)
	assert.Len(t, bindings, 1)
}

func TestAllocateUniqueAcrossLabs(t *testing.T) {
	alloc, store := newAllocatorFixture(t, 10000, 10004)

	seen := make(map[int]bool)
	for i := 0; i < 5; i++ {
		lab := seedLab(t, store)
		port, err := alloc.Allocate(context.Background(), lab.ID)
		require.NoError(t, err)
		assert.False(t, seen[port], "port %d assigned twice", port)
		seen[port] = true
	}
}

func TestAllocateExhaustion(t *testing.T) {
	alloc, store := newAllocatorFixture(t, 10000, 10001)

	for i := 0; i < 2; i++ {
		lab := seedLab(t, store)
		_, err := alloc.Allocate(context.Background(), lab.ID)
		require.NoError(t, err)
	}

	lab := seedLab(t, store)
	_, err := alloc.Allocate(context.Background(), lab.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPortExhausted))
	assert.Contains(t, err.Error(), "[10000-10001]")
}

func TestAllocateUnknownLab(t *testing.T) {
	alloc, _ := newAllocatorFixture(t, 10000, 10009)

	_, err := alloc.Allocate(context.Background(), uuid.New().String())
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestAllocateWrapsAroundFromRandomStart(t *testing.T) {
	alloc, store := newAllocatorFixture(t, 10000, 10002)
	alloc.randIntN = func(n int) int { return n - 1 } // start at the top

	lab := seedLab(t, store)
	port, err := alloc.Allocate(context.Background(), lab.ID)
	require.NoError(t, err)
	assert.Equal(t, 10002, port)

	// Next allocation wraps to the bottom of the range.
	lab2 := seedLab(t, store)
	port2, err := alloc.Allocate(context.Background(), lab2.ID)
	require.NoError(t, err)
	assert.Equal(t, 10000, port2)
}

func TestReleaseIsIdempotent(t *testing.T) {
	alloc, store := newAllocatorFixture(t, 10000, 10009)
	lab := seedLab(t, store)

	port, err := alloc.Allocate(context.Background(), lab.ID)
	require.NoError(t, err)

	require.NoError(t, alloc.Release(context.Background(), lab.ID))
	require.NoError(t, alloc.Release(context.Background(), lab.ID))

	bindings, err := store.PortBindings()
	require.NoError(t, err)
	assert.NotContains(t, bindings, port)

	// Released port is assignable again.
	lab2 := seedLab(t, store)
	_, err = alloc.Allocate(context.Background(), lab2.ID)
	require.NoError(t, err)
}

func TestReleaseAfterRowDeleted(t *testing.T) {
	alloc, store := newAllocatorFixture(t, 10000, 10009)
	lab := seedLab(t, store)

	_, err := alloc.Allocate(context.Background(), lab.ID)
	require.NoError(t, err)

	require.NoError(t, store.DeleteLab(lab.ID))
	assert.NoError(t, alloc.Release(context.Background(), lab.ID))

	bindings, err := store.PortBindings()
	require.NoError(t, err)
	assert.Empty(t, bindings)
}

func TestAllocateCancelledContext(t *testing.T) {
	alloc, store := newAllocatorFixture(t, 10000, 10009)
	lab := seedLab(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := alloc.Allocate(ctx, lab.ID)
	assert.True(t, errors.Is(err, context.Canceled))
}
