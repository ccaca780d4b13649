package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	xerrors "X402-Agent/internal/errors"
)

type recordingNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (r *recordingNotifier) Channel() Channel { return r.channel }

func (r *recordingNotifier) Notify(_ context.Context, e Event) error {
	r.events = append(r.events, e)
	return r.err
}

func TestFanoutDeliversToEveryChannel(t *testing.T) {
	a := &recordingNotifier{channel: "a"}
	b := &recordingNotifier{channel: "b", err: errors.New("down")}
	d := NewFanout(a, b, nil)

	err := d.Notify(context.Background(), Event{Code: "X"})
	if err == nil || !strings.Contains(err.Error(), "channel b") {
		t.Fatalf("expected joined error from channel b, got %v", err)
	}
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Fatal("every notifier should be called")
	}
}

func TestEventFromErrorCarriesPaymentMetadata(t *testing.T) {
	err := xerrors.New("SETTLEMENT_TIMEOUT_TEST", "paid request timed out",
		xerrors.WithMetadata("amount", "0.01"),
		xerrors.WithMetadata("network", "base"),
		xerrors.WithSeverity(xerrors.SeverityCritical))
	event := EventFromError(err, "conv-1", "qr_generator")
	if event.Amount != "0.01" || event.Network != "base" || event.Severity != xerrors.SeverityCritical {
		t.Fatalf("unexpected event %+v", event)
	}
	if event.ConversationID != "conv-1" || event.EndpointID != "qr_generator" {
		t.Fatalf("unexpected ids %+v", event)
	}
}

func TestLogNotifierWritesAuditLine(t *testing.T) {
	var buf bytes.Buffer
	n := &LogNotifier{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}
	if err := n.Notify(context.Background(), Event{Code: "SETTLEMENT_UNKNOWN", TxHash: "0xabc"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if !strings.Contains(buf.String(), `"msg":"payment_alert"`) || !strings.Contains(buf.String(), "0xabc") {
		t.Fatalf("unexpected log output %s", buf.String())
	}
}

func TestWebhookNotifier(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL, Client: srv.Client()}
	err := n.Notify(context.Background(), Event{
		Code:       "SETTLEMENT_TIMEOUT",
		Severity:   xerrors.SeverityCritical,
		Message:    "paid request timed out",
		EndpointID: "gif_search",
		Amount:     "0.02",
		Network:    "base",
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	text, _ := got["text"].(string)
	if !strings.Contains(text, "SETTLEMENT_TIMEOUT") || !strings.Contains(text, "0.02 on base") {
		t.Fatalf("unexpected webhook text %q", text)
	}

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()
	n = &WebhookNotifier{URL: failing.URL, Client: failing.Client()}
	if err := n.Notify(context.Background(), Event{Code: "X"}); err == nil {
		t.Fatal("expected error on 500")
	}

	if err := (&WebhookNotifier{}).Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("unconfigured webhook should be skipped: %v", err)
	}
}
