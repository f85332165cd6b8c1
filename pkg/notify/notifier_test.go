package notify

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/octolab/octolab/pkg/config"
	"github.com/octolab/octolab/pkg/events"
	"github.com/octolab/octolab/pkg/security"
)

// capturingSink is a fake chat webhook that records every body it
// receives and answers with a fixed status.
type capturingSink struct {
	srv    *httptest.Server
	bodies chan []byte
}

func newCapturingSink(t *testing.T, status int) *capturingSink {
	t.Helper()

	s := &capturingSink{bodies: make(chan []byte, 16)}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		select {
		case s.bodies <- body:
		default:
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *capturingSink) waitBody(t *testing.T) map[string]string {
	t.Helper()

	select {
	case b := <-s.bodies:
		var m map[string]string
		require.NoError(t, json.Unmarshal(b, &m))
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for webhook delivery")
		return nil
	}
}

func newNotifyFixture(t *testing.T, cfg *config.Config) (*events.Broker, *Notifier) {
	t.Helper()

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	notifier := NewNotifier(cfg, broker)
	notifier.Start()
	t.Cleanup(notifier.Stop)

	return broker, notifier
}

func TestNotifierForwardsAlertsToAllSinks(t *testing.T) {
	slack := newCapturingSink(t, http.StatusOK)
	discord := newCapturingSink(t, http.StatusNoContent)

	broker, _ := newNotifyFixture(t, &config.Config{
		SlackWebhookURL:   slack.srv.URL,
		DiscordWebhookURL: discord.srv.URL,
	})

	labID := uuid.New().String()
	broker.Publish(events.NewLabEvent(events.EventLabFailed, labID, "teardown left debris").
		WithMeta("reason", "teardown_failed"))

	slackBody := slack.waitBody(t)
	require.Contains(t, slackBody, "text")
	assert.Contains(t, slackBody["text"], "[lab.failed]")
	assert.Contains(t, slackBody["text"], security.ShortLabID(labID))
	assert.Contains(t, slackBody["text"], "teardown left debris")
	assert.Contains(t, slackBody["text"], "reason=teardown_failed")
	assert.NotContains(t, slackBody["text"], labID, "chat lines carry the short id only")

	discordBody := discord.waitBody(t)
	require.Contains(t, discordBody, "content")
	assert.Equal(t, slackBody["text"], discordBody["content"])
}

func TestNotifierSkipsRoutineEvents(t *testing.T) {
	slack := newCapturingSink(t, http.StatusOK)

	broker, _ := newNotifyFixture(t, &config.Config{SlackWebhookURL: slack.srv.URL})

	// The failed event doubles as a barrier: once it arrives, the
	// earlier routine events must already have been filtered out.
	broker.Publish(events.NewLabEvent(events.EventLabCreated, uuid.New().String(), "lab accepted"))
	broker.Publish(events.NewLabEvent(events.EventLabReady, uuid.New().String(), "lab ready"))
	broker.Publish(events.NewLabEvent(events.EventLabFailed, uuid.New().String(), "boom"))

	body := slack.waitBody(t)
	assert.Contains(t, body["text"], "[lab.failed]")

	select {
	case extra := <-slack.bodies:
		t.Fatalf("routine event leaked to chat: %s", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNotifierSurvivesSinkErrors(t *testing.T) {
	slack := newCapturingSink(t, http.StatusInternalServerError)

	broker, _ := newNotifyFixture(t, &config.Config{SlackWebhookURL: slack.srv.URL})

	broker.Publish(events.NewLabEvent(events.EventLabFailed, uuid.New().String(), "first"))
	broker.Publish(events.NewLabEvent(events.EventWatchdogForced, uuid.New().String(), "second"))

	first := slack.waitBody(t)
	second := slack.waitBody(t)
	assert.Contains(t, first["text"], "first")
	assert.Contains(t, second["text"], "second", "a failing sink must not stop later deliveries")
}

func TestNotifierDisabledWithoutURLs(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	notifier := NewNotifier(&config.Config{}, broker)
	assert.False(t, notifier.Enabled())

	notifier.Start()
	assert.Equal(t, 0, broker.SubscriberCount())

	done := make(chan struct{})
	go func() {
		notifier.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop hung on a disabled notifier")
	}
}

func TestNotifierStopIsIdempotent(t *testing.T) {
	slack := newCapturingSink(t, http.StatusOK)

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	notifier := NewNotifier(&config.Config{SlackWebhookURL: slack.srv.URL}, broker)
	notifier.Start()

	notifier.Stop()
	notifier.Stop()
	assert.Equal(t, 0, broker.SubscriberCount())
}

func TestEventLine(t *testing.T) {
	labID := uuid.New().String()

	ev := events.NewLabEvent(events.EventLabDegraded, labID, "lab stopped answering").
		WithMeta("port", "21003").
		WithMeta("cause", "connection refused")
	line := eventLine(ev)
	assert.Equal(t, "[lab.degraded] lab "+security.ShortLabID(labID)+
		": lab stopped answering (cause=connection refused port=21003)", line)

	bare := eventLine(&events.Event{Type: events.EventRuntimeOverride, Message: "runtime pinned to noop"})
	assert.Equal(t, "[runtime.override]: runtime pinned to noop", bare)

	long := events.NewLabEvent(events.EventLabFailed, labID, strings.Repeat("x", 2*maxLineLength))
	longLine := eventLine(long)
	assert.Contains(t, longLine, "(truncated)")
	assert.Less(t, len(longLine), maxLineLength+32)
}
