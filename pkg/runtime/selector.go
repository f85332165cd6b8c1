package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/octolab/octolab/pkg/config"
	"github.com/octolab/octolab/pkg/log"
	"github.com/octolab/octolab/pkg/metrics"
	"github.com/octolab/octolab/pkg/types"
)

// Selector owns the choice of backend for new labs. It is fail-closed:
// the configured backend must pass its doctor preflight at startup or
// the process refuses to boot, and an admin override only lands if the
// target backend passes the same preflight. There is no automatic
// fallback between backends, ever.
//
// The selection only applies to new labs. Teardown always uses the
// runtime stamped on the lab row at creation, via Backend.
type Selector struct {
	doctor   *Doctor
	backends map[types.RuntimeKind]LabRuntime
	logger   zerolog.Logger

	mu         sync.RWMutex
	configured types.RuntimeKind
	current    types.RuntimeKind
}

// NewSelector parses the configured runtime kind, verifies a backend is
// registered for it, and runs the doctor preflight. Any failure is a
// startup error; the caller must not continue with a different backend.
func NewSelector(ctx context.Context, cfg *config.Config, doctor *Doctor, backends map[types.RuntimeKind]LabRuntime) (*Selector, error) {
	kind, err := ParseKind(cfg.Runtime)
	if err != nil {
		return nil, err
	}
	if _, ok := backends[kind]; !ok {
		return nil, fmt.Errorf("%w: no backend registered for %q", ErrUnknownRuntime, kind)
	}
	if err := doctor.AssertReady(ctx, kind); err != nil {
		return nil, fmt.Errorf("startup preflight: %w", err)
	}

	s := &Selector{
		doctor:     doctor,
		backends:   backends,
		logger:     log.WithComponent("selector"),
		configured: kind,
		current:    kind,
	}
	s.logger.Info().Str("runtime", string(kind)).Msg("runtime backend selected")
	return s, nil
}

// Current returns the kind serving new labs right now.
func (s *Selector) Current() types.RuntimeKind {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Overridden reports whether an admin override is in effect. Overrides
// are in-memory only; a restart reverts to the configured kind.
func (s *Selector) Overridden() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current != s.configured
}

// ForLab returns the backend for a new lab. MicroVM creations re-run
// the doctor preflight each time, because the things it probes (KVM
// access, image files, state root) can degrade while the service runs.
// Compose relies on the startup check plus the engine's own errors.
func (s *Selector) ForLab(ctx context.Context) (LabRuntime, error) {
	kind := s.Current()
	if kind == types.RuntimeMicroVM {
		if err := s.doctor.AssertReady(ctx, kind); err != nil {
			return nil, err
		}
	}
	return s.backends[kind], nil
}

// Backend returns the backend for a specific kind, with no doctor
// gating. Teardown must reach the backend a lab was created on even
// when that backend would no longer pass preflight.
func (s *Selector) Backend(kind types.RuntimeKind) (LabRuntime, error) {
	backend, ok := s.backends[kind]
	if !ok {
		return nil, fmt.Errorf("%w: no backend registered for %q", ErrUnknownRuntime, kind)
	}
	return backend, nil
}

// Override switches the backend for new labs. The target must parse
// and have a registered backend. Switching to microvm re-runs the
// doctor preflight because that backend has device prerequisites that
// can be absent; compose and noop overrides are always permitted. The
// switch is logged with the acting operator and does not survive a
// restart.
func (s *Selector) Override(ctx context.Context, raw, actor string) error {
	kind, err := ParseKind(raw)
	if err != nil {
		return err
	}
	if _, ok := s.backends[kind]; !ok {
		return fmt.Errorf("%w: no backend registered for %q", ErrUnknownRuntime, kind)
	}
	if kind == types.RuntimeMicroVM {
		if err := s.doctor.AssertReady(ctx, kind); err != nil {
			return fmt.Errorf("override preflight: %w", err)
		}
	}

	s.mu.Lock()
	prev := s.current
	s.current = kind
	s.mu.Unlock()

	if prev != kind {
		metrics.RuntimeOverridesTotal.Inc()
	}
	s.logger.Warn().
		Str("actor", actor).
		Str("from", string(prev)).
		Str("to", string(kind)).
		Msg("runtime override applied")
	return nil
}
