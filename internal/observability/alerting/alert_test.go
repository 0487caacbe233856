package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	xerrors "VeriSwarm/internal/errors"
)

type stubNotifier struct {
	channel Channel
	err     error
	events  []Event
}

func (s *stubNotifier) Channel() Channel { return s.channel }

func (s *stubNotifier) Notify(_ context.Context, event Event) error {
	s.events = append(s.events, event)
	return s.err
}

func sampleEvent() Event {
	return Event{
		Code:       "TASK_PLANNING_FAILED",
		Message:    "inference network unreachable",
		Severity:   xerrors.SeverityWarning,
		TaskID:     "wf-1",
		Attempts:   3,
		MaxRetries: 3,
		Metadata:   map[string]string{"stage": "failed_planning"},
		OccurredAt: time.Unix(1700000000, 0).UTC(),
	}
}

func TestFanoutDispatchesToEveryChannel(t *testing.T) {
	first := &stubNotifier{channel: ChannelLog}
	failing := &stubNotifier{channel: ChannelWebhook, err: errors.New("boom")}
	dispatcher := NewFanout(first, nil, failing)

	if got := dispatcher.Channels(); len(got) != 2 || got[0] != ChannelLog || got[1] != ChannelWebhook {
		t.Fatalf("unexpected channels: %v", got)
	}
	err := dispatcher.Notify(context.Background(), sampleEvent())
	if err == nil || !strings.Contains(err.Error(), "channel webhook") {
		t.Fatalf("expected joined webhook error, got %v", err)
	}
	if len(first.events) != 1 || len(failing.events) != 1 {
		t.Fatalf("every notifier should see the event: %d %d", len(first.events), len(failing.events))
	}

	var nilDispatcher *FanoutDispatcher
	if err := nilDispatcher.Notify(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("nil dispatcher should be a no-op, got %v", err)
	}
}

func TestWebhookNotifierPostsEvent(t *testing.T) {
	var payload webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected request %s %s", r.Method, r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	notifier := &WebhookNotifier{URL: srv.URL}
	if err := notifier.Notify(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if payload.Event.TaskID != "wf-1" || !strings.Contains(payload.Text, "TASK_PLANNING_FAILED") {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestWebhookNotifierRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := (&WebhookNotifier{URL: srv.URL}).Notify(context.Background(), sampleEvent())
	if !xerrors.HasCode(err, xerrors.CodeNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
	if err := (&WebhookNotifier{}).Notify(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("unconfigured webhook should be skipped, got %v", err)
	}
}

func TestLogNotifierNeverFails(t *testing.T) {
	if err := (LogNotifier{}).Notify(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("log notifier: %v", err)
	}
}
