package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/octolab/octolab/pkg/config"
	"github.com/octolab/octolab/pkg/events"
	"github.com/octolab/octolab/pkg/log"
	"github.com/octolab/octolab/pkg/security"
)

const (
	// postTimeout bounds a single webhook delivery. A chat service that
	// takes longer than this to answer is treated as down.
	postTimeout = 5 * time.Second

	// maxLineLength caps the rendered message so a pathological event
	// cannot dump a wall of text into a channel.
	maxLineLength = 480
)

// DefaultAlertTypes are the events operators get pinged for. Routine
// transitions (created, provisioning, ready, finished) stay out of
// chat; anything that needs a human shows up.
var DefaultAlertTypes = []events.EventType{
	events.EventLabFailed,
	events.EventLabDegraded,
	events.EventLabRecovered,
	events.EventLabExpired,
	events.EventWatchdogForced,
	events.EventWatchdogFailed,
}

// Sink is one webhook destination with its payload dialect.
type Sink struct {
	Name string
	URL  string

	payload func(line string) any
}

// SlackSink posts plain-text messages to a Slack incoming webhook.
func SlackSink(url string) Sink {
	return Sink{
		Name: "slack",
		URL:  url,
		payload: func(line string) any {
			return map[string]string{"text": line}
		},
	}
}

// DiscordSink posts plain-text messages to a Discord webhook.
func DiscordSink(url string) Sink {
	return Sink{
		Name: "discord",
		URL:  url,
		payload: func(line string) any {
			return map[string]string{"content": line}
		},
	}
}

// Notifier forwards alert-worthy lifecycle events to chat webhooks. It
// runs as a broker subscriber on its own goroutine, so a slow or dead
// chat service never slows the lifecycle down: the broker drops events
// for a subscriber whose buffer is full, and the notifier drops
// deliveries that fail rather than retrying.
//
// Events arrive already redacted (the publishing side owns that), so
// the notifier only renders and ships them.
type Notifier struct {
	sinks  []Sink
	types  map[events.EventType]bool
	broker *events.Broker
	client *http.Client
	logger zerolog.Logger

	sub      events.Subscriber
	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
}

// NewNotifier builds a notifier for the webhook URLs present in the
// config. With no URLs configured the notifier is inert; callers can
// check Enabled before wiring it in.
func NewNotifier(cfg *config.Config, broker *events.Broker) *Notifier {
	var sinks []Sink
	if cfg.SlackWebhookURL != "" {
		sinks = append(sinks, SlackSink(cfg.SlackWebhookURL))
	}
	if cfg.DiscordWebhookURL != "" {
		sinks = append(sinks, DiscordSink(cfg.DiscordWebhookURL))
	}

	typeSet := make(map[events.EventType]bool, len(DefaultAlertTypes))
	for _, t := range DefaultAlertTypes {
		typeSet[t] = true
	}

	return &Notifier{
		sinks:  sinks,
		types:  typeSet,
		broker: broker,
		client: &http.Client{Timeout: postTimeout},
		logger: log.WithComponent("notify"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Enabled reports whether any webhook sink is configured.
func (n *Notifier) Enabled() bool {
	return len(n.sinks) > 0
}

// Start subscribes to the broker and begins forwarding events. It is a
// no-op when no sinks are configured.
func (n *Notifier) Start() {
	if !n.Enabled() {
		close(n.doneCh)
		return
	}

	n.sub = n.broker.Subscribe()
	go n.run()

	names := make([]string, 0, len(n.sinks))
	for _, s := range n.sinks {
		names = append(names, s.Name)
	}
	n.logger.Info().Strs("sinks", names).Msg("Notifier started")
}

// Stop unsubscribes and waits for in-flight deliveries to finish.
func (n *Notifier) Stop() {
	n.stopOnce.Do(func() {
		if n.sub != nil {
			n.broker.Unsubscribe(n.sub)
		}
		close(n.stopCh)
	})
	<-n.doneCh
}

func (n *Notifier) run() {
	defer close(n.doneCh)

	for {
		select {
		case <-n.stopCh:
			return
		case ev, ok := <-n.sub:
			if !ok {
				return
			}
			if ev == nil || !n.types[ev.Type] {
				continue
			}
			n.dispatch(ev)
		}
	}
}

func (n *Notifier) dispatch(ev *events.Event) {
	line := eventLine(ev)
	for _, sink := range n.sinks {
		if err := n.post(sink, line); err != nil {
			n.logger.Warn().
				Err(err).
				Str("sink", sink.Name).
				Str("event", string(ev.Type)).
				Msg("Webhook delivery failed")
		}
	}
}

func (n *Notifier) post(sink Sink, line string) error {
	body, err := json.Marshal(sink.payload(line))
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), postTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sink.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// eventLine renders one event as a single chat line. Metadata keys are
// sorted so the output is stable.
func eventLine(ev *events.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", ev.Type)
	if ev.LabID != "" {
		fmt.Fprintf(&b, " lab %s", security.ShortLabID(ev.LabID))
	}
	if ev.Message != "" {
		fmt.Fprintf(&b, ": %s", ev.Message)
	}

	if len(ev.Metadata) > 0 {
		keys := make([]string, 0, len(ev.Metadata))
		for k := range ev.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+"="+ev.Metadata[k])
		}
		fmt.Fprintf(&b, " (%s)", strings.Join(parts, " "))
	}

	return security.Truncate(b.String(), maxLineLength)
}
