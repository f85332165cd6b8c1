package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/octolab/octolab/pkg/events"
	"github.com/octolab/octolab/pkg/metrics"
	"github.com/octolab/octolab/pkg/network"
	"github.com/octolab/octolab/pkg/runtime"
	"github.com/octolab/octolab/pkg/security"
	"github.com/octolab/octolab/pkg/storage"
	"github.com/octolab/octolab/pkg/types"
)

// diagnosticsTimeout bounds the failure-context capture during rollback.
const diagnosticsTimeout = 30 * time.Second

// Failure reasons stored on the lab row. Stable strings: the requesting
// service branches on them.
const (
	ReasonRecipeMissing        = "recipe_missing"
	ReasonPortPoolExhausted    = "port_pool_exhausted"
	ReasonNetworkPoolExhausted = "network_pool_exhausted"
	ReasonHostPortInUse        = "host_port_in_use"
	ReasonStartupTimeout       = "startup_timeout"
	ReasonReadinessTimeout     = "readiness_timeout"
	ReasonCreateFailed         = "create_failed"
	ReasonRuntimeUnavailable   = "runtime_unavailable"
	ReasonCredentials          = "credentials_unsealable"
	ReasonStoreError           = "store_error"
)

// runPipeline drives one PROVISIONING lab to READY or rolls it back to
// FAILED. Step order matters:
//
//  1. recipe lookup, so a bad recipe fails before any resource is taken;
//  2. port allocation;
//  3. backend create;
//  4. readiness probe (when gating is on);
//  5. the READY transition with the connection URL.
//
// On failure the rollback runs before FAILED is written, so nobody ever
// observes a FAILED lab with live backend resources.
func (m *Manager) runPipeline(ctx context.Context, lab *types.Lab) error {
	start := time.Now()
	logger := m.logger.With().Str("lab_id", lab.ID).Str("runtime", string(lab.Runtime)).Logger()
	defer func() {
		metrics.ProvisionDuration.WithLabelValues(string(lab.Runtime)).Observe(time.Since(start).Seconds())
	}()

	recipe, err := m.store.GetRecipe(lab.RecipeID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Fail fast: no port bound, no subprocess launched.
			m.failProvision(ctx, lab, nil, ReasonRecipeMissing, err, false)
			return fmt.Errorf("recipe %s: %w", lab.RecipeID, err)
		}
		m.failProvision(ctx, lab, nil, ReasonStoreError, err, false)
		return err
	}

	port, err := m.allocator.Allocate(ctx, lab.ID)
	if err != nil {
		reason := ReasonStoreError
		if errors.Is(err, network.ErrPortExhausted) {
			reason = ReasonPortPoolExhausted
		}
		m.failProvision(ctx, lab, nil, reason, err, false)
		return err
	}
	lab.Port = port

	backend, err := m.selector.Backend(lab.Runtime)
	if err != nil {
		m.failProvision(ctx, lab, nil, ReasonRuntimeUnavailable, err, false)
		return err
	}

	creds, err := openCredentials(m.secrets, lab)
	if err != nil {
		m.failProvision(ctx, lab, nil, ReasonCredentials, err, false)
		return err
	}

	env := runtime.LaunchEnv{
		LabID:       lab.ID,
		LabSlug:     security.ShortLabID(lab.ID),
		HostPort:    port,
		BindHost:    m.cfg.BindHost,
		VNCPassword: creds.vncPassword,
		VNCAuthMode: m.cfg.VNCAuthMode,
		LabToken:    creds.labToken,
	}
	if lab.Runtime == types.RuntimeCompose {
		env.ProjectName = runtime.ProjectName(lab.ID)
	}

	if err := backend.CreateLab(ctx, lab, recipe, env); err != nil {
		m.failProvision(ctx, lab, backend, createFailureReason(ctx, err), err, true)
		return err
	}

	if m.cfg.ReadinessGating {
		probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ReadinessTimeout)
		err := m.prober.WaitReady(probeCtx, m.cfg.BindHost, port)
		cancel()
		if err != nil {
			m.failProvision(ctx, lab, backend, ReasonReadinessTimeout, err, true)
			return err
		}
	}

	url := fmt.Sprintf("http://%s:%d/vnc.html", m.cfg.BindHost, port)
	ready, err := m.store.TransitionLab(lab.ID,
		[]types.LabStatus{types.LabStatusProvisioning},
		types.LabStatusReady,
		func(l *types.Lab) error {
			l.ConnectionURL = url
			return nil
		})
	if err != nil {
		if errors.Is(err, storage.ErrStatusConflict) || errors.Is(err, storage.ErrLabTerminal) {
			// Stopped mid-provision. The row is ENDING or terminal now;
			// teardown belongs to whoever moved it. The resources we just
			// created are found and destroyed by that path.
			logger.Warn().Msg("lab left provisioning before ready")
			metrics.ProvisionsTotal.WithLabelValues(string(lab.Runtime), "aborted").Inc()
			return nil
		}
		m.failProvision(ctx, lab, backend, ReasonStoreError, err, true)
		return err
	}

	metrics.ProvisionsTotal.WithLabelValues(string(lab.Runtime), "ready").Inc()
	logger.Info().
		Int("port", ready.Port).
		Dur("duration", time.Since(start)).
		Msg("lab ready")
	m.broker.Publish(events.NewLabEvent(events.EventLabReady, lab.ID, "lab ready").
		WithMeta("port", fmt.Sprintf("%d", ready.Port)))
	return nil
}

// failProvision rolls a lab back and marks it FAILED. Every step is
// best-effort with its own fresh deadline; the provisioning context may
// already be dead, and rollback must still complete.
func (m *Manager) failProvision(ctx context.Context, lab *types.Lab, backend runtime.LabRuntime, reason string, cause error, rollback bool) {
	logger := m.logger.With().Str("lab_id", lab.ID).Str("runtime", string(lab.Runtime)).Logger()
	logger.Error().Err(cause).Str("reason", reason).Msg("provisioning failed")

	// Capture diagnostics before rollback destroys the scene.
	if backend != nil {
		if diagnoser, ok := backend.(runtime.Diagnoser); ok {
			diagCtx, cancel := context.WithTimeout(context.Background(), diagnosticsTimeout)
			diag := diagnoser.Diagnostics(diagCtx, lab)
			cancel()
			if len(diag) > 0 {
				if err := m.store.UpdateLabMeta(lab.ID, diag); err != nil {
					logger.Warn().Err(err).Msg("failed to store diagnostics")
				}
			}
		}
	}

	if rollback && backend != nil {
		rbCtx, cancel := context.WithTimeout(context.Background(), m.cfg.TeardownTimeout)
		if result, err := backend.DestroyLab(rbCtx, lab); err != nil {
			logger.Error().Err(err).Msg("rollback destroy failed")
		} else if !result.Clean() {
			logger.Warn().
				Int("containers_remaining", result.ContainersRemaining).
				Int("networks_remaining", result.NetworksRemaining).
				Msg("rollback left resources behind")
		}
		cancel()
	}

	if err := m.allocator.Release(context.Background(), lab.ID); err != nil {
		logger.Warn().Err(err).Msg("failed to release port during rollback")
	}

	failed, err := m.store.TransitionLab(lab.ID,
		[]types.LabStatus{types.LabStatusRequested, types.LabStatusProvisioning},
		types.LabStatusFailed,
		func(l *types.Lab) error {
			l.FailureReason = reason
			return nil
		})
	if err != nil {
		if errors.Is(err, storage.ErrStatusConflict) || errors.Is(err, storage.ErrLabTerminal) {
			logger.Warn().Msg("lab changed status during rollback, leaving it to its new owner")
		} else {
			logger.Error().Err(err).Msg("failed to mark lab failed")
		}
		return
	}

	finCtx, cancel := context.WithTimeout(context.Background(), diagnosticsTimeout)
	if _, err := m.finalizer.Finalize(finCtx, failed, types.LabStatusFailed); err != nil {
		logger.Warn().Err(err).Msg("failed to finalize evidence for failed lab")
	}
	cancel()

	metrics.ProvisionsTotal.WithLabelValues(string(lab.Runtime), "failed").Inc()
	m.broker.Publish(events.NewLabEvent(events.EventLabFailed, lab.ID, "provisioning failed").
		WithMeta("reason", reason))
}

// createFailureReason classifies a backend create error into a stable
// failure reason.
func createFailureReason(ctx context.Context, err error) string {
	switch {
	case errors.Is(err, runtime.ErrNetworkPoolExhausted):
		return ReasonNetworkPoolExhausted
	case errors.Is(err, runtime.ErrPortInUse):
		return ReasonHostPortInUse
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return ReasonStartupTimeout
	default:
		return ReasonCreateFailed
	}
}
