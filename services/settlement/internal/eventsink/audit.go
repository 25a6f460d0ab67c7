package eventsink

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"splitpay/pkg/split"
)

// AuditWriter is the slice of the persistence layer the recorder needs.
type AuditWriter interface {
	AddEvent(ctx context.Context, eventID string, ev split.Event) error
}

// Recorder appends every session event to the audit table. Like webhook
// delivery this is best-effort: the in-memory transition already
// happened and is not rolled back over an audit write failure.
type Recorder struct {
	Store AuditWriter
	Log   *slog.Logger
}

func NewRecorder(store AuditWriter, log *slog.Logger) *Recorder {
	return &Recorder{Store: store, Log: log}
}

func (r *Recorder) Emit(ev split.Event) {
	eventID := "evt_" + uuid.NewString()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := r.Store.AddEvent(ctx, eventID, ev); err != nil {
		r.Log.Warn("audit event write failed", "event_id", eventID, "event_type", ev.Type, "session_id", ev.SessionID, "err", err)
	}
}
