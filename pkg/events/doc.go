/*
Package events provides an in-memory event broker for OctoLab's pub/sub
messaging.

The events package implements a lightweight event bus for broadcasting lab
lifecycle events to interested subscribers. It supports asynchronous event
delivery with per-subscriber buffers, enabling loose coupling between the
lifecycle core and its observers (webhook notifier, audit logging, tests).

# Architecture

	┌──────────────────── EVENT BROKER ───────────────────────┐
	│                                                           │
	│  ┌────────────────────────────────────────────┐          │
	│  │              Event Broker                   │          │
	│  │  - In-memory message bus                    │          │
	│  │  - All events broadcast to all subscribers  │          │
	│  │  - Non-blocking publish                     │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                     │
	│       ┌─────────────┼─────────────┐                      │
	│       ▼             ▼             ▼                      │
	│  ┌─────────┐  ┌──────────┐  ┌──────────┐                │
	│  │ notify  │  │ metrics  │  │  tests   │                │
	│  │ webhook │  │ counters │  │ waiters  │                │
	│  └─────────┘  └──────────┘  └──────────┘                │
	└───────────────────────────────────────────────────────────┘

# Delivery Semantics

Publish is fire-and-forget. The broker buffers up to 100 events and each
subscriber channel buffers 50; when either buffer is full the event is
dropped rather than blocking a provisioning or teardown path. Components
that need durable records write to the store; the broker is strictly a
notification fan-out.

# Event Types

Lifecycle:  lab.created, lab.provisioning, lab.ready, lab.degraded,
lab.recovered, lab.ending, lab.finished, lab.failed, lab.expired.

Evidence:   evidence.finalized, evidence.purged.

Operations: runtime.override, watchdog.forced, watchdog.failed.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	broker.Publish(events.NewLabEvent(events.EventLabReady, labID, "lab ready").
		WithMeta("runtime", "compose"))

	ev := <-sub

# Security

Event messages and metadata are emitted to sinks outside the process
(webhooks). Producers must redact before publishing; the broker performs
no scrubbing of its own.
*/
package events
