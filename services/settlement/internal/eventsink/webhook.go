package eventsink

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"splitpay/pkg/split"
	"splitpay/pkg/webhooks"
)

// Webhook delivers session events to a subscriber endpoint, signed with
// the shared secret. Delivery is best-effort: failures are logged and
// dropped, never retried and never surfaced to the operation that caused
// the event.
type Webhook struct {
	URL    string
	Secret string
	HTTP   *http.Client
	Log    *slog.Logger
}

func NewWebhook(url, secret string, log *slog.Logger) *Webhook {
	return &Webhook{
		URL:    strings.TrimSpace(url),
		Secret: secret,
		HTTP:   &http.Client{Timeout: 5 * time.Second},
		Log:    log,
	}
}

func (s *Webhook) Emit(event split.Event) {
	if s.URL == "" {
		return
	}
	eventID := "evt_" + uuid.NewString()
	rawBody, err := json.Marshal(event)
	if err != nil {
		s.Log.Error("webhook encode failed", "event_id", eventID, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(rawBody))
	if err != nil {
		s.Log.Error("webhook request build failed", "event_id", eventID, "err", err)
		return
	}
	req.Header.Set("content-type", "application/json")
	if err := webhooks.Apply(req, rawBody, s.Secret, eventID, string(event.Type)); err != nil {
		s.Log.Error("webhook sign failed", "event_id", eventID, "err", err)
		return
	}

	resp, err := s.HTTP.Do(req)
	if err != nil {
		s.Log.Warn("webhook delivery failed", "event_id", eventID, "event_type", event.Type, "err", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		s.Log.Warn("webhook rejected", "event_id", eventID, "event_type", event.Type, "status", resp.StatusCode)
	}
}

// Fanout forwards each event to every sink in order.
type Fanout []split.EventEmitter

func (f Fanout) Emit(event split.Event) {
	for _, sink := range f {
		sink.Emit(event)
	}
}
