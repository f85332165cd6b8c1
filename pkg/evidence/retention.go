package evidence

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/octolab/octolab/pkg/events"
	"github.com/octolab/octolab/pkg/log"
	"github.com/octolab/octolab/pkg/metrics"
	"github.com/octolab/octolab/pkg/runtime"
	"github.com/octolab/octolab/pkg/security"
	"github.com/octolab/octolab/pkg/storage"
	"github.com/octolab/octolab/pkg/types"
)

// RetentionOptions control a retention run.
type RetentionOptions struct {
	// OlderThan replaces each lab's own expiry stamp with a blanket
	// finalized-before cutoff. Zero means honor per-lab expires_at.
	OlderThan time.Duration

	// Execute performs the purge. The default is a dry run that only
	// reports candidates.
	Execute bool

	// Limit caps how many labs one run touches. Zero means no cap.
	Limit int
}

// PurgeCandidate is one lab eligible for evidence purge, described with
// redacted fields safe for operator output.
type PurgeCandidate struct {
	LabID       string              `json:"lab_id"`
	Owner       string              `json:"owner"`
	Status      types.LabStatus     `json:"status"`
	State       types.EvidenceState `json:"evidence_state"`
	FinalizedAt time.Time           `json:"finalized_at"`
	ExpiresAt   time.Time           `json:"expires_at"`
}

// RetentionReport summarizes a retention run.
type RetentionReport struct {
	DryRun     bool             `json:"dry_run"`
	Candidates []PurgeCandidate `json:"candidates"`
	Purged     int              `json:"purged"`
	Removed    int              `json:"artifacts_removed"`
	Errors     int              `json:"errors"`
}

// Retention purges evidence artifacts whose window has passed. Purging
// deletes the artifacts through the lab's own backend, then marks the
// evidence UNAVAILABLE with a purge stamp. The lab row itself stays; the
// record that a lab ran is not evidence.
type Retention struct {
	store    storage.Store
	backends BackendResolver
	broker   *events.Broker
	logger   zerolog.Logger
}

// NewRetention creates a retention runner. The broker may be nil in CLI
// paths without an event bus.
func NewRetention(store storage.Store, backends BackendResolver, broker *events.Broker) *Retention {
	return &Retention{
		store:    store,
		backends: backends,
		broker:   broker,
		logger:   log.WithComponent("retention"),
	}
}

// Run selects eligible labs and, when Execute is set, purges them. A lab
// whose purge fails keeps its purge eligibility; the run reports the
// error count and moves on.
func (r *Retention) Run(ctx context.Context, opts RetentionOptions) (*RetentionReport, error) {
	labs, err := r.store.ListLabsByStatus(types.LabStatusFinished, types.LabStatusFailed)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	report := &RetentionReport{DryRun: !opts.Execute}
	var selected []*types.Lab

	for _, lab := range labs {
		if !eligibleForPurge(lab, now, opts.OlderThan) {
			continue
		}
		selected = append(selected, lab)
		report.Candidates = append(report.Candidates, PurgeCandidate{
			LabID:       lab.ID,
			Owner:       security.RedactOwner(lab.OwnerID),
			Status:      lab.Status,
			State:       lab.Evidence.State,
			FinalizedAt: lab.Evidence.FinalizedAt,
			ExpiresAt:   lab.Evidence.ExpiresAt,
		})
		if opts.Limit > 0 && len(selected) >= opts.Limit {
			break
		}
	}

	if !opts.Execute {
		r.logger.Info().Int("candidates", len(selected)).Msg("retention dry run")
		return report, nil
	}

	for _, lab := range selected {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		removed, err := r.purgeLab(ctx, lab)
		if err != nil {
			report.Errors++
			r.logger.Error().Err(err).Str("lab_id", lab.ID).Msg("evidence purge failed")
			continue
		}
		report.Purged++
		report.Removed += removed
	}

	r.logger.Info().
		Int("candidates", len(selected)).
		Int("purged", report.Purged).
		Int("errors", report.Errors).
		Msg("retention run complete")
	return report, nil
}

func (r *Retention) purgeLab(ctx context.Context, lab *types.Lab) (int, error) {
	backend, err := r.backends.Backend(lab.Runtime)
	if err != nil {
		return 0, err
	}
	purger, ok := backend.(runtime.ArtifactPurger)
	if !ok {
		return 0, runtime.ErrUnknownRuntime
	}

	removed, err := purger.PurgeArtifacts(ctx, lab)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	if _, err := r.store.UpdateLabEvidence(lab.ID, func(ev *types.Evidence) error {
		ev.State = types.EvidenceUnavailable
		ev.PurgedAt = now
		return nil
	}); err != nil {
		return removed, err
	}

	metrics.EvidencePurgesTotal.Inc()
	r.logger.Info().Str("lab_id", lab.ID).Int("removed", removed).Msg("evidence purged")
	if r.broker != nil {
		r.broker.Publish(events.NewLabEvent(events.EventEvidencePurged, lab.ID, "evidence purged").
			WithMeta("artifacts_removed", strconv.Itoa(removed)))
	}
	return removed, nil
}

// eligibleForPurge applies the purge window to one lab. Labs that were
// never finalized have no honest decision to expire; they are skipped
// until finalization happens.
func eligibleForPurge(lab *types.Lab, now time.Time, olderThan time.Duration) bool {
	ev := lab.Evidence
	if !ev.PurgedAt.IsZero() {
		return false
	}
	if ev.FinalizedAt.IsZero() {
		return false
	}
	if olderThan > 0 {
		return ev.FinalizedAt.Before(now.Add(-olderThan))
	}
	return !ev.ExpiresAt.IsZero() && ev.ExpiresAt.Before(now)
}
