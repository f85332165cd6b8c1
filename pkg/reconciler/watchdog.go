package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/octolab/octolab/pkg/config"
	"github.com/octolab/octolab/pkg/events"
	"github.com/octolab/octolab/pkg/evidence"
	"github.com/octolab/octolab/pkg/log"
	"github.com/octolab/octolab/pkg/metrics"
	"github.com/octolab/octolab/pkg/network"
	"github.com/octolab/octolab/pkg/security"
	"github.com/octolab/octolab/pkg/storage"
	"github.com/octolab/octolab/pkg/types"
)

// Watchdog actions.
const (
	WatchdogActionForce = "force"
	WatchdogActionFail  = "fail"
)

// defaultWatchdogMaxLabs caps one run when the caller gives no bound.
const defaultWatchdogMaxLabs = 10

// ErrUnknownAction marks an action string that is neither force nor
// fail. The API and CLI map it to an invalid-input response.
var ErrUnknownAction = errors.New("unknown watchdog action")

// Watchdog unsticks labs parked in ENDING longer than a threshold,
// usually because a worker crashed mid-teardown or a backend hangs on
// every destroy. It claims rows through the same registry as the
// teardown worker, so running it against a live worker is safe: labs a
// worker is actively destroying are skipped, not stolen.
type Watchdog struct {
	cfg       *config.Config
	store     storage.Store
	backends  BackendResolver
	allocator *network.Allocator
	finalizer *evidence.Finalizer
	desktop   Deprovisioner
	broker    *events.Broker
	logger    zerolog.Logger
	id        string
}

// WatchdogOptions select which stuck labs to act on and how. LabID
// targets one specific lab and overrides the age filter.
type WatchdogOptions struct {
	LabID     string
	OlderThan time.Duration // zero means the configured default
	MaxLabs   int
	DryRun    bool
	Action    string // force | fail, force when empty
}

// WatchdogEntry is one lab the watchdog inspected. Owner is redacted:
// reports travel to operator terminals and logs.
type WatchdogEntry struct {
	LabID   string            `json:"lab_id"`
	Owner   string            `json:"owner"`
	Runtime types.RuntimeKind `json:"runtime"`
	Age     time.Duration     `json:"age"`
	Outcome string            `json:"outcome"` // would_force, would_fail, forced, failed, skipped, error
	Error   string            `json:"error,omitempty"`
}

// WatchdogReport summarizes one run.
type WatchdogReport struct {
	Action  string          `json:"action"`
	DryRun  bool            `json:"dry_run"`
	Entries []WatchdogEntry `json:"entries"`
	Forced  int             `json:"forced"`
	Failed  int             `json:"failed"`
	Skipped int             `json:"skipped"`
	Errors  int             `json:"errors"`
}

// NewWatchdog creates a watchdog sharing the worker's collaborators.
func NewWatchdog(cfg *config.Config, deps WorkerDeps) *Watchdog {
	desktop := deps.Desktop
	if desktop == nil {
		desktop = noopDeprovisioner{}
	}
	return &Watchdog{
		cfg:       cfg,
		store:     deps.Store,
		backends:  deps.Backends,
		allocator: deps.Allocator,
		finalizer: deps.Finalizer,
		desktop:   desktop,
		broker:    deps.Broker,
		logger:    log.WithComponent("watchdog"),
		id:        "watchdog-" + claimOwnerID(),
	}
}

// Run inspects stuck ENDING labs and applies the requested action. The
// report lists everything inspected; per-lab problems become entries
// with Outcome "error", and the returned error covers setup problems
// only.
func (d *Watchdog) Run(ctx context.Context, opts WatchdogOptions) (*WatchdogReport, error) {
	switch opts.Action {
	case "":
		opts.Action = WatchdogActionForce
	case WatchdogActionForce, WatchdogActionFail:
	default:
		return nil, fmt.Errorf("%w %q (force, fail)", ErrUnknownAction, opts.Action)
	}
	if opts.OlderThan <= 0 {
		opts.OlderThan = d.cfg.WatchdogOlderThan
	}
	if opts.MaxLabs <= 0 {
		opts.MaxLabs = defaultWatchdogMaxLabs
	}

	candidates, err := d.candidates(opts)
	if err != nil {
		return nil, err
	}

	report := &WatchdogReport{Action: opts.Action, DryRun: opts.DryRun}
	now := time.Now().UTC()
	for _, lab := range candidates {
		if ctx.Err() != nil {
			break
		}

		entry := WatchdogEntry{
			LabID:   lab.ID,
			Owner:   security.RedactOwner(lab.OwnerID),
			Runtime: lab.Runtime,
			Age:     now.Sub(lab.UpdatedAt),
		}

		if opts.DryRun {
			entry.Outcome = "would_" + opts.Action
			report.Entries = append(report.Entries, entry)
			continue
		}

		var outcome string
		switch opts.Action {
		case WatchdogActionForce:
			outcome, err = d.force(ctx, lab)
		case WatchdogActionFail:
			outcome, err = d.drain(ctx, lab)
		}
		if err != nil {
			entry.Outcome = "error"
			entry.Error = err.Error()
			report.Errors++
		} else {
			entry.Outcome = outcome
			switch outcome {
			case "forced":
				report.Forced++
			case "failed":
				report.Failed++
			case "skipped":
				report.Skipped++
			}
		}
		report.Entries = append(report.Entries, entry)
	}
	return report, nil
}

// candidates returns the ENDING labs the run should look at, oldest
// first, capped at MaxLabs.
func (d *Watchdog) candidates(opts WatchdogOptions) ([]*types.Lab, error) {
	if opts.LabID != "" {
		labID, err := security.ValidateLabID(opts.LabID)
		if err != nil {
			return nil, err
		}
		lab, err := d.store.GetLab(labID)
		if err != nil {
			return nil, err
		}
		if lab.Status != types.LabStatusEnding {
			return nil, fmt.Errorf("%w: lab %s is %s, the watchdog only handles ending labs", storage.ErrStatusConflict, labID, lab.Status)
		}
		return []*types.Lab{lab}, nil
	}

	labs, err := d.store.ListLabsByStatus(types.LabStatusEnding)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().UTC().Add(-opts.OlderThan)
	var stuck []*types.Lab
	for _, lab := range labs {
		if lab.UpdatedAt.After(cutoff) {
			continue
		}
		stuck = append(stuck, lab)
	}
	sort.Slice(stuck, func(i, j int) bool {
		return stuck[i].UpdatedAt.Before(stuck[j].UpdatedAt)
	})
	if len(stuck) > opts.MaxLabs {
		stuck = stuck[:opts.MaxLabs]
	}
	return stuck, nil
}

// force attempts a real teardown and settles the row on the observed
// result: FINISHED when the backend verified everything gone, FAILED
// otherwise. Either way the lab leaves ENDING.
func (d *Watchdog) force(ctx context.Context, lab *types.Lab) (string, error) {
	logger := d.logger.With().Str("lab_id", lab.ID).Str("runtime", string(lab.Runtime)).Logger()

	release, skipped, err := d.claim(lab, logger)
	if err != nil || skipped {
		return "skipped", err
	}
	defer release()

	guacCtx, cancel := context.WithTimeout(ctx, deprovisionTimeout)
	if err := d.desktop.Deprovision(guacCtx, lab); err != nil {
		logger.Warn().Err(err).Msg("remote desktop deprovision failed")
	}
	cancel()

	gone := false
	var destroyMeta map[string]string
	backend, err := d.backends.Backend(lab.Runtime)
	if err != nil {
		destroyMeta = map[string]string{"teardown_error": "unknown runtime backend"}
	} else {
		destroyCtx, cancel := context.WithTimeout(ctx, d.cfg.TeardownTimeout)
		result, derr := backend.DestroyLab(destroyCtx, lab)
		cancel()
		switch {
		case derr != nil:
			destroyMeta = map[string]string{
				"teardown_error": security.Sanitize(derr.Error(), 512),
			}
		case !result.Success:
			destroyMeta = map[string]string{
				"teardown_containers_remaining": strconv.Itoa(result.ContainersRemaining),
				"teardown_networks_remaining":   strconv.Itoa(result.NetworksRemaining),
			}
		default:
			gone = true
		}
	}

	if gone {
		finished, err := d.store.TransitionLab(lab.ID,
			[]types.LabStatus{types.LabStatusEnding},
			types.LabStatusFinished,
			func(l *types.Lab) error {
				mergeMeta(l, map[string]string{"watchdog": WatchdogActionForce})
				return nil
			})
		if err != nil {
			return "", err
		}
		settleTerminal(d.finalizer, d.allocator, finished, types.LabStatusFinished, logger)
		metrics.WatchdogActionsTotal.WithLabelValues(WatchdogActionForce).Inc()
		logger.Info().Msg("watchdog forced lab to finished")
		d.publish(events.NewLabEvent(events.EventWatchdogForced, lab.ID, "watchdog forced teardown"))
		return "forced", nil
	}

	meta := map[string]string{"watchdog": WatchdogActionForce}
	for k, v := range destroyMeta {
		meta[k] = v
	}
	failed, err := d.store.TransitionLab(lab.ID,
		[]types.LabStatus{types.LabStatusEnding},
		types.LabStatusFailed,
		func(l *types.Lab) error {
			l.FailureReason = ReasonTeardownFailed
			mergeMeta(l, meta)
			return nil
		})
	if err != nil {
		return "", err
	}
	settleTerminal(d.finalizer, d.allocator, failed, types.LabStatusFailed, logger)
	metrics.WatchdogActionsTotal.WithLabelValues(WatchdogActionForce).Inc()
	logger.Warn().Msg("watchdog force could not verify teardown, lab failed")
	d.publish(events.NewLabEvent(events.EventWatchdogForced, lab.ID, "watchdog force left lab failed").
		WithMeta("reason", ReasonTeardownFailed))
	return "failed", nil
}

// drain marks a lab FAILED without touching the runtime. Emergency
// path: the host may be in a state where destroy attempts make things
// worse. Leftover resources become the volume sweep's problem.
func (d *Watchdog) drain(ctx context.Context, lab *types.Lab) (string, error) {
	logger := d.logger.With().Str("lab_id", lab.ID).Str("runtime", string(lab.Runtime)).Logger()

	release, skipped, err := d.claim(lab, logger)
	if err != nil || skipped {
		return "skipped", err
	}
	defer release()

	failed, err := d.store.TransitionLab(lab.ID,
		[]types.LabStatus{types.LabStatusEnding},
		types.LabStatusFailed,
		func(l *types.Lab) error {
			l.FailureReason = ReasonWatchdogFail
			mergeMeta(l, map[string]string{"watchdog": WatchdogActionFail})
			return nil
		})
	if err != nil {
		return "", err
	}
	settleTerminal(d.finalizer, d.allocator, failed, types.LabStatusFailed, logger)
	metrics.WatchdogActionsTotal.WithLabelValues(WatchdogActionFail).Inc()
	logger.Warn().Msg("watchdog drained lab without teardown")
	d.publish(events.NewLabEvent(events.EventWatchdogFailed, lab.ID, "watchdog drained lab").
		WithMeta("reason", ReasonWatchdogFail))
	return "failed", nil
}

// claim takes the teardown claim for one lab. A row held by a live
// worker is skipped, never stolen.
func (d *Watchdog) claim(lab *types.Lab, logger zerolog.Logger) (release func(), skipped bool, err error) {
	_, err = d.store.ClaimLab(lab.ID, d.id, d.cfg.TeardownTimeout+claimGrace, types.LabStatusEnding)
	if err != nil {
		if errors.Is(err, storage.ErrClaimHeld) || errors.Is(err, storage.ErrStatusConflict) {
			logger.Debug().Err(err).Msg("lab busy elsewhere, skipping")
			return nil, true, nil
		}
		return nil, false, err
	}
	return func() {
		if err := d.store.ReleaseClaim(lab.ID, d.id); err != nil {
			logger.Warn().Err(err).Msg("failed to release watchdog claim")
		}
	}, false, nil
}

func (d *Watchdog) publish(event *events.Event) {
	if d.broker != nil {
		d.broker.Publish(event)
	}
}
