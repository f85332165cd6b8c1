package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventLabCreated        EventType = "lab.created"
	EventLabProvisioning   EventType = "lab.provisioning"
	EventLabReady          EventType = "lab.ready"
	EventLabDegraded       EventType = "lab.degraded"
	EventLabRecovered      EventType = "lab.recovered"
	EventLabEnding         EventType = "lab.ending"
	EventLabFinished       EventType = "lab.finished"
	EventLabFailed         EventType = "lab.failed"
	EventLabExpired        EventType = "lab.expired"
	EventEvidenceFinalized EventType = "evidence.finalized"
	EventEvidencePurged    EventType = "evidence.purged"
	EventRuntimeOverride   EventType = "runtime.override"
	EventWatchdogForced    EventType = "watchdog.forced"
	EventWatchdogFailed    EventType = "watchdog.failed"
)

// Event represents a lifecycle event. Metadata values must already be
// redacted; subscribers include sinks (webhooks, logs) that leave the
// process.
type Event struct {
	ID        string
	Type      EventType
	LabID     string
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// NewLabEvent builds an event for a lab with a fresh ID.
func NewLabEvent(eventType EventType, labID, message string) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		LabID:     labID,
		Timestamp: time.Now().UTC(),
		Message:   message,
	}
}

// WithMeta attaches a metadata entry and returns the event for chaining.
func (e *Event) WithMeta(key, value string) *Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish publishes an event to all subscribers. Publishing never blocks
// lifecycle code: when the broker buffer is full the event is dropped.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	default:
		// Buffer full; lifecycle progress matters more than telemetry.
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
