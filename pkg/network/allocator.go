package network

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/rs/zerolog"

	"github.com/octolab/octolab/pkg/config"
	"github.com/octolab/octolab/pkg/log"
	"github.com/octolab/octolab/pkg/metrics"
	"github.com/octolab/octolab/pkg/storage"
)

// ErrPortExhausted means every port in the configured range is bound to
// a lab. The API maps this to the pool-exhausted conflict kind.
var ErrPortExhausted = errors.New("no free port in range")

// Allocator hands out host ports for labs. Uniqueness lives in the
// store's ports bucket (port -> lab id, written in one transaction with
// the lab row), never in memory, so a restart cannot double-assign.
type Allocator struct {
	store  storage.Store
	min    int
	max    int
	logger zerolog.Logger

	// randIntN is swapped in tests for deterministic scan starts.
	randIntN func(n int) int
}

// NewAllocator creates an allocator over the configured port range.
func NewAllocator(cfg *config.Config, store storage.Store) *Allocator {
	return &Allocator{
		store:    store,
		min:      cfg.PortMin,
		max:      cfg.PortMax,
		logger:   log.WithComponent("portalloc"),
		randIntN: rand.IntN,
	}
}

// Allocate binds a free port to the lab and returns it. A lab that
// already holds a port gets the same port back, so retried provisions
// never leak a second binding. The scan starts at a random offset and
// wraps once over the whole range; a fully bound range returns
// ErrPortExhausted.
func (a *Allocator) Allocate(ctx context.Context, labID string) (int, error) {
	lab, err := a.store.GetLab(labID)
	if err != nil {
		return 0, fmt.Errorf("allocate port: %w", err)
	}
	if lab.Port != 0 {
		return lab.Port, nil
	}

	size := a.max - a.min + 1
	start := a.randIntN(size)

	for i := 0; i < size; i++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		port := a.min + (start+i)%size

		err := a.store.BindPort(port, labID)
		switch {
		case err == nil:
			a.logger.Debug().Str("lab_id", labID).Int("port", port).Msg("port bound")
			return port, nil
		case errors.Is(err, storage.ErrPortTaken):
			continue
		default:
			return 0, fmt.Errorf("allocate port: %w", err)
		}
	}

	metrics.PortExhaustions.Inc()
	a.logger.Warn().Str("lab_id", labID).
		Int("port_min", a.min).Int("port_max", a.max).
		Msg("port range exhausted")
	return 0, fmt.Errorf("%w [%d-%d]", ErrPortExhausted, a.min, a.max)
}

// Release drops the lab's port binding. Safe to call repeatedly and for
// labs whose row is already deleted; teardown calls it with nothing but
// the lab id.
func (a *Allocator) Release(ctx context.Context, labID string) error {
	released, err := a.store.ReleasePort(labID)
	if err != nil {
		return fmt.Errorf("release port: %w", err)
	}
	if released {
		a.logger.Debug().Str("lab_id", labID).Msg("port released")
	}
	return nil
}
