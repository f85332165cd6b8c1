package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/octolab/octolab/pkg/config"
	"github.com/octolab/octolab/pkg/log"
	"github.com/octolab/octolab/pkg/metrics"
	"github.com/octolab/octolab/pkg/security"
	"github.com/octolab/octolab/pkg/storage"
	"github.com/octolab/octolab/pkg/types"
)

// maxEventMessageBytes caps a stored event message. Sensors forward raw
// terminal output; one runaway command must not bloat the database.
const maxEventMessageBytes = 4096

// IngestEvent is one sensor record in an ingest batch, as it arrives on
// the wire.
type IngestEvent struct {
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Container string            `json:"container,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Message   string            `json:"message,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
}

// IngestResult reports what happened to each event in a batch.
type IngestResult struct {
	Accepted    int `json:"accepted"`
	Duplicates  int `json:"duplicates"`
	RateLimited int `json:"rate_limited"`
	Rejected    int `json:"rejected"`
}

// Ingestor accepts evidence events from lab sensors. Two defenses sit in
// front of the store:
//
//   - a per-lab fixed-window rate cap, so one noisy lab cannot starve
//     the database or the other labs;
//   - a TTL-capped dedup cache keyed by the SHA-256 of the canonical
//     event fields, so sensor retries and replays store nothing twice.
//
// The store enforces hash uniqueness as well, which makes replays of
// events older than the cache TTL a quiet no-op rather than a duplicate
// row.
type Ingestor struct {
	store    storage.Store
	limit    int
	dedupTTL time.Duration
	logger   zerolog.Logger

	// now is swapped in tests to step through rate windows.
	now func() time.Time

	mu      sync.Mutex
	windows map[string]*rateWindow
	seen    map[string]time.Time // event hash -> cache expiry

	stopCh   chan struct{}
	stopOnce sync.Once
}

type rateWindow struct {
	start time.Time
	count int
}

// NewIngestor creates an ingestor with the configured rate cap and
// dedup TTL.
func NewIngestor(cfg *config.Config, store storage.Store) *Ingestor {
	return &Ingestor{
		store:    store,
		limit:    cfg.RateLimitPerLabPerMinute,
		dedupTTL: cfg.DedupTTL,
		logger:   log.WithComponent("ingest"),
		now:      time.Now,
		windows:  make(map[string]*rateWindow),
		seen:     make(map[string]time.Time),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the periodic cache sweep.
func (i *Ingestor) Start() {
	go i.run()
}

// Stop halts the cache sweep. In-flight Ingest calls are unaffected.
func (i *Ingestor) Stop() {
	i.stopOnce.Do(func() {
		close(i.stopCh)
	})
}

// Ingest processes one batch of events for a lab. The lab must exist;
// its lifecycle status does not matter, since events keep arriving
// through teardown. Orphan batches for unknown labs fail with the
// store's not-found error.
func (i *Ingestor) Ingest(ctx context.Context, labID string, batch []IngestEvent) (*IngestResult, error) {
	normalized, err := security.ValidateLabID(labID)
	if err != nil {
		return nil, err
	}
	labID = normalized
	if _, err := i.store.GetLab(labID); err != nil {
		return nil, fmt.Errorf("ingest for lab %s: %w", labID, err)
	}

	result := &IngestResult{}
	now := i.now().UTC()
	var keep []*types.EvidenceEvent

	i.mu.Lock()
	for _, ev := range batch {
		if strings.TrimSpace(ev.Type) == "" {
			result.Rejected++
			continue
		}
		if !i.allowLocked(labID, now) {
			result.RateLimited++
			continue
		}

		hash := eventHash(labID, ev)
		if expiry, ok := i.seen[hash]; ok && now.Before(expiry) {
			result.Duplicates++
			continue
		}
		i.seen[hash] = now.Add(i.dedupTTL)

		occurred := ev.Timestamp.UTC()
		if occurred.IsZero() {
			occurred = now
		}
		keep = append(keep, &types.EvidenceEvent{
			Hash:       hash,
			LabID:      labID,
			Type:       ev.Type,
			Container:  ev.Container,
			SessionID:  ev.SessionID,
			Message:    security.Truncate(ev.Message, maxEventMessageBytes),
			Data:       ev.Data,
			OccurredAt: occurred,
			ReceivedAt: now,
		})
	}
	i.mu.Unlock()

	if len(keep) > 0 {
		stored, err := i.store.PutEvidenceEvents(keep)
		if err != nil {
			return nil, fmt.Errorf("store evidence events: %w", err)
		}
		result.Accepted = stored
		// Hashes the cache forgot but the store remembers count as
		// duplicates, same as a cache hit.
		result.Duplicates += len(keep) - stored
	}

	observeIngest(result)

	if result.RateLimited > 0 {
		i.logger.Warn().
			Str("lab_id", labID).
			Int("rate_limited", result.RateLimited).
			Int("limit_per_minute", i.limit).
			Msg("evidence events rate limited")
	}
	return result, nil
}

// allowLocked consumes one slot of the lab's current rate window. The
// caller holds i.mu.
func (i *Ingestor) allowLocked(labID string, now time.Time) bool {
	w, ok := i.windows[labID]
	if !ok || now.Sub(w.start) >= time.Minute {
		w = &rateWindow{start: now}
		i.windows[labID] = w
	}
	if w.count >= i.limit {
		return false
	}
	w.count++
	return true
}

func (i *Ingestor) run() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			i.sweep(i.now().UTC())
		case <-i.stopCh:
			return
		}
	}
}

// sweep evicts expired dedup entries and idle rate windows.
func (i *Ingestor) sweep(now time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()

	for hash, expiry := range i.seen {
		if !now.Before(expiry) {
			delete(i.seen, hash)
		}
	}
	for labID, w := range i.windows {
		if now.Sub(w.start) >= 2*time.Minute {
			delete(i.windows, labID)
		}
	}
}

// eventHash computes the canonical dedup key for an event. The key
// fields are the ones a sensor retry reproduces byte for byte; the free
// data map is deliberately excluded.
func eventHash(labID string, ev IngestEvent) string {
	h := sha256.New()
	for _, field := range []string{
		labID,
		ev.Type,
		ev.Timestamp.UTC().Format(time.RFC3339Nano),
		ev.Container,
		ev.SessionID,
		ev.Message,
	} {
		io.WriteString(h, field)
		io.WriteString(h, "\x00")
	}
	return hex.EncodeToString(h.Sum(nil))
}

func observeIngest(result *IngestResult) {
	if result.Accepted > 0 {
		metrics.EvidenceEventsTotal.WithLabelValues("accepted").Add(float64(result.Accepted))
	}
	if result.Duplicates > 0 {
		metrics.EvidenceEventsTotal.WithLabelValues("duplicate").Add(float64(result.Duplicates))
	}
	if result.RateLimited > 0 {
		metrics.EvidenceEventsTotal.WithLabelValues("rate_limited").Add(float64(result.RateLimited))
	}
	if result.Rejected > 0 {
		metrics.EvidenceEventsTotal.WithLabelValues("rejected").Add(float64(result.Rejected))
	}
}
