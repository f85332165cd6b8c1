/*
Package notify forwards alert-worthy lab lifecycle events to chat
webhooks (Slack, Discord).

The notifier is a broker subscriber: it receives the same event stream
as every other observer, filters it down to the events a human should
see, renders each as a single plain-text line, and posts it to every
configured webhook. It exists so operators hear about failed teardowns
and degraded labs without tailing logs.

# Architecture

	┌──────────────────── NOTIFIER ──────────────────────────┐
	│                                                          │
	│   events.Broker ──► subscriber channel (buffer 50)       │
	│                          │                               │
	│                          ▼                               │
	│                 ┌─────────────────┐                      │
	│                 │  filter + render │  DefaultAlertTypes  │
	│                 └────────┬────────┘                      │
	│                          │ one line per event            │
	│              ┌───────────┴───────────┐                   │
	│              ▼                       ▼                   │
	│        ┌──────────┐           ┌───────────┐              │
	│        │  Slack   │           │  Discord  │              │
	│        │ {"text"} │           │{"content"}│              │
	│        └──────────┘           └───────────┘              │
	└──────────────────────────────────────────────────────────┘

# Delivery Semantics

Chat is best-effort telemetry, never part of the lifecycle:

  - The notifier runs on its own goroutine. Lifecycle code publishes to
    the broker and moves on; a dead Slack endpoint cannot slow a
    teardown down.
  - Deliveries that fail (timeout, non-2xx) are logged and dropped.
    There are no retries; the store holds the durable record.
  - Each POST is bounded by a 5 second timeout.

Routine transitions (created, provisioning, ready, finished) are
filtered out so channels carry signal, not churn. The alert set covers
lab.failed, lab.degraded, lab.recovered, lab.expired, watchdog.forced
and watchdog.failed.

# Redaction

Events are redacted at the publishing side before they reach the
broker. The notifier additionally shortens lab IDs to their 12-char
tag and truncates long messages, so a webhook URL pasted into the
wrong channel leaks nothing an operator could not already see.

# Usage

	notifier := notify.NewNotifier(cfg, broker)
	if notifier.Enabled() {
		notifier.Start()
		defer notifier.Stop()
	}

Webhook URLs come from OCTOLAB_SLACK_WEBHOOK_URL and
OCTOLAB_DISCORD_WEBHOOK_URL; with neither set the notifier is inert.
*/
package notify
