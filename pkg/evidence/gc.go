package evidence

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/docker/docker/api/types/filters"
	volumetypes "github.com/docker/docker/api/types/volume"
	"github.com/rs/zerolog"

	"github.com/octolab/octolab/pkg/config"
	"github.com/octolab/octolab/pkg/events"
	"github.com/octolab/octolab/pkg/log"
	"github.com/octolab/octolab/pkg/metrics"
	"github.com/octolab/octolab/pkg/storage"
	"github.com/octolab/octolab/pkg/types"
	"github.com/octolab/octolab/pkg/volume"
)

// labVolumePattern matches exactly the volumes this system creates:
// project prefix plus a suffix. The sweep never touches anything else.
var labVolumePattern = regexp.MustCompile(`^octolab_([0-9a-f-]{36})_(.+)$`)

// staleFactor times the startup timeout is how long a REQUESTED or
// PROVISIONING row may sit untouched before it is presumed orphaned by a
// crashed provisioner.
const staleFactor = 2

// VolumeEngine is the slice of the engine API the orphan volume sweep
// needs. Satisfied by the docker SDK client; nil disables the sweep.
type VolumeEngine interface {
	VolumeList(ctx context.Context, options volumetypes.ListOptions) (volumetypes.ListResponse, error)
	VolumeRemove(ctx context.Context, volumeID string, force bool) error
}

// GCOptions control a garbage collection run.
type GCOptions struct {
	// DryRun reports what would happen without acting.
	DryRun bool

	// IncludeVolumes enables the engine volume sweep. Requires an engine
	// client; ignored when the collector has none.
	IncludeVolumes bool
}

// GCReport summarizes one garbage collection run.
type GCReport struct {
	DryRun        bool     `json:"dry_run"`
	ExpiredLabs   []string `json:"expired_labs"`
	StaleLabs     []string `json:"stale_labs"`
	OrphanVolumes []string `json:"orphan_volumes"`
	PrunedBundles []string `json:"pruned_bundles"`
	Errors        int      `json:"errors"`
}

// GC sweeps the leftovers the happy path does not clean up:
//
//   - running labs whose TTL passed, pushed into ENDING for the worker;
//   - REQUESTED/PROVISIONING rows orphaned by a crashed provisioner,
//     failed honestly with their port released;
//   - engine volumes whose lab is gone or done, minus evidence volumes
//     still inside their retention window;
//   - exported bundles older than the retention window.
type GC struct {
	cfg       *config.Config
	store     storage.Store
	layout    *volume.Layout
	finalizer *Finalizer
	engine    VolumeEngine
	broker    *events.Broker
	logger    zerolog.Logger
}

// NewGC creates a garbage collector. engine and broker may be nil; a nil
// engine disables the volume sweep.
func NewGC(cfg *config.Config, store storage.Store, layout *volume.Layout, finalizer *Finalizer, engine VolumeEngine, broker *events.Broker) *GC {
	return &GC{
		cfg:       cfg,
		store:     store,
		layout:    layout,
		finalizer: finalizer,
		engine:    engine,
		broker:    broker,
		logger:    log.WithComponent("gc"),
	}
}

// Run executes the sweeps in order. Context cancellation between items
// stops the run early with a partial report; nothing is left half done,
// because every item is a single store or engine call.
func (g *GC) Run(ctx context.Context, opts GCOptions) (*GCReport, error) {
	report := &GCReport{DryRun: opts.DryRun}

	if err := g.sweepExpired(ctx, opts, report); err != nil {
		return report, err
	}
	if err := g.sweepStale(ctx, opts, report); err != nil {
		return report, err
	}
	if opts.IncludeVolumes && g.engine != nil {
		if err := g.sweepVolumes(ctx, opts, report); err != nil {
			return report, err
		}
	}
	if err := g.pruneBundles(opts, report); err != nil {
		return report, err
	}

	g.logger.Info().
		Bool("dry_run", opts.DryRun).
		Int("expired", len(report.ExpiredLabs)).
		Int("stale", len(report.StaleLabs)).
		Int("orphan_volumes", len(report.OrphanVolumes)).
		Int("pruned_bundles", len(report.PrunedBundles)).
		Int("errors", report.Errors).
		Msg("gc run complete")
	return report, nil
}

// sweepExpired moves running labs past their TTL into ENDING. The
// teardown worker does the actual destruction.
func (g *GC) sweepExpired(ctx context.Context, opts GCOptions, report *GCReport) error {
	labs, err := g.store.ListLabsByStatus(types.LabStatusReady, types.LabStatusDegraded)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, lab := range labs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lab.ExpiresAt.IsZero() || now.Before(lab.ExpiresAt) {
			continue
		}

		report.ExpiredLabs = append(report.ExpiredLabs, lab.ID)
		if opts.DryRun {
			continue
		}

		_, err := g.store.TransitionLab(lab.ID,
			[]types.LabStatus{types.LabStatusReady, types.LabStatusDegraded},
			types.LabStatusEnding, nil)
		if err != nil {
			if errors.Is(err, storage.ErrStatusConflict) || errors.Is(err, storage.ErrLabTerminal) {
				// Lost the race to a stop or another sweep; that is fine.
				continue
			}
			report.Errors++
			g.logger.Error().Err(err).Str("lab_id", lab.ID).Msg("failed to expire lab")
			continue
		}

		metrics.GCActionsTotal.WithLabelValues("expired_lab").Inc()
		g.logger.Info().Str("lab_id", lab.ID).Time("expired_at", lab.ExpiresAt).Msg("lab ttl expired")
		g.publish(events.NewLabEvent(events.EventLabExpired, lab.ID, "lab ttl expired"))
	}
	return nil
}

// sweepStale fails REQUESTED and PROVISIONING rows that have not moved
// for twice the startup timeout. A live provisioner always either
// finishes or rolls back within one timeout; twice that means the
// process died with the row open.
func (g *GC) sweepStale(ctx context.Context, opts GCOptions, report *GCReport) error {
	labs, err := g.store.ListLabsByStatus(types.LabStatusRequested, types.LabStatusProvisioning)
	if err != nil {
		return err
	}

	cutoff := time.Now().UTC().Add(-staleFactor * g.cfg.StartupTimeout)
	for _, lab := range labs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lab.UpdatedAt.After(cutoff) {
			continue
		}

		report.StaleLabs = append(report.StaleLabs, lab.ID)
		if opts.DryRun {
			continue
		}

		failed, err := g.store.TransitionLab(lab.ID,
			[]types.LabStatus{types.LabStatusRequested, types.LabStatusProvisioning},
			types.LabStatusFailed,
			func(l *types.Lab) error {
				l.FailureReason = "stale_provisioning"
				return nil
			})
		if err != nil {
			if errors.Is(err, storage.ErrStatusConflict) || errors.Is(err, storage.ErrLabTerminal) {
				continue
			}
			report.Errors++
			g.logger.Error().Err(err).Str("lab_id", lab.ID).Msg("failed to fail stale lab")
			continue
		}

		if _, err := g.store.ReleasePort(lab.ID); err != nil {
			report.Errors++
			g.logger.Error().Err(err).Str("lab_id", lab.ID).Msg("failed to release stale lab port")
		}
		if g.finalizer != nil {
			if _, err := g.finalizer.Finalize(ctx, failed, types.LabStatusFailed); err != nil {
				report.Errors++
				g.logger.Error().Err(err).Str("lab_id", lab.ID).Msg("failed to finalize stale lab evidence")
			}
		}

		metrics.GCActionsTotal.WithLabelValues("stale_provisioning").Inc()
		g.logger.Warn().
			Str("lab_id", lab.ID).
			Time("last_update", lab.UpdatedAt).
			Msg("stale provisioning row failed")
		g.publish(events.NewLabEvent(events.EventLabFailed, lab.ID, "stale provisioning row failed").
			WithMeta("reason", "stale_provisioning"))
	}
	return nil
}

// sweepVolumes removes engine volumes whose lab is absent or terminal.
// Evidence volumes of terminal labs are retention's property until the
// purge stamp lands; everything else with our prefix and no living lab
// is fair game.
func (g *GC) sweepVolumes(ctx context.Context, opts GCOptions, report *GCReport) error {
	resp, err := g.engine.VolumeList(ctx, volumetypes.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", "octolab_")),
	})
	if err != nil {
		report.Errors++
		g.logger.Error().Err(err).Msg("volume sweep list failed")
		return nil
	}

	for _, vol := range resp.Volumes {
		if err := ctx.Err(); err != nil {
			return err
		}

		match := labVolumePattern.FindStringSubmatch(vol.Name)
		if match == nil {
			continue
		}
		labID, suffix := match[1], match[2]

		lab, err := g.store.GetLab(labID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			// Orphan: no row at all. Remove regardless of class.
		case err != nil:
			report.Errors++
			continue
		case !lab.Status.Terminal():
			continue
		case isEvidenceVolume(suffix) && lab.Evidence.PurgedAt.IsZero():
			// Still inside the retention window.
			continue
		}

		report.OrphanVolumes = append(report.OrphanVolumes, vol.Name)
		if opts.DryRun {
			continue
		}

		if err := g.engine.VolumeRemove(ctx, vol.Name, true); err != nil {
			report.Errors++
			g.logger.Error().Err(err).Str("volume", vol.Name).Msg("failed to remove orphan volume")
			continue
		}
		metrics.GCActionsTotal.WithLabelValues("orphan_volume").Inc()
		g.logger.Info().Str("volume", vol.Name).Msg("orphan volume removed")
	}
	return nil
}

// pruneBundles removes exported evidence bundles older than the
// retention window.
func (g *GC) pruneBundles(opts GCOptions, report *GCReport) error {
	cutoff := time.Now().UTC().Add(-time.Duration(g.cfg.RetentionDays) * 24 * time.Hour)
	pruned, err := g.layout.PruneBundles(cutoff, opts.DryRun)
	if err != nil {
		report.Errors++
		g.logger.Error().Err(err).Msg("bundle prune failed")
		return nil
	}

	report.PrunedBundles = pruned
	if !opts.DryRun {
		for range pruned {
			metrics.GCActionsTotal.WithLabelValues("pruned_bundle").Inc()
		}
	}
	return nil
}

func (g *GC) publish(event *events.Event) {
	if g.broker != nil {
		g.broker.Publish(event)
	}
}

// isEvidenceVolume reports whether a project volume suffix belongs to
// the evidence classes the finalizer counts.
func isEvidenceVolume(suffix string) bool {
	return strings.HasPrefix(suffix, "evidence_") || suffix == "lab_pcap"
}
