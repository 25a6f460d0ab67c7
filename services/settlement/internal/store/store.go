package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"splitpay/pkg/split"
)

type Store struct{ DB *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

// EnsureSchema creates the tables if they do not exist yet. Run once at
// boot; safe to rerun.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, `
CREATE TABLE IF NOT EXISTS bill_sessions(
  session_id   text PRIMARY KEY,
  creator_id   text NOT NULL,
  state        text NOT NULL,
  total_amount bigint NOT NULL DEFAULT 0,
  expires_at   timestamptz,
  snapshot     jsonb NOT NULL,
  created_at   timestamptz NOT NULL DEFAULT now(),
  updated_at   timestamptz NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS session_events(
  seq         bigserial PRIMARY KEY,
  event_id    text NOT NULL UNIQUE,
  session_id  text NOT NULL,
  event_type  text NOT NULL,
  identity    text,
  amount      bigint NOT NULL DEFAULT 0,
  occurred_at timestamptz NOT NULL,
  payload     jsonb NOT NULL
);
CREATE INDEX IF NOT EXISTS session_events_session_idx ON session_events(session_id, seq);
CREATE TABLE IF NOT EXISTS idempotency_records(
  session_id      text NOT NULL,
  actor_id        text NOT NULL,
  idempotency_key text NOT NULL,
  endpoint        text NOT NULL,
  response_status int NOT NULL,
  response_body   jsonb NOT NULL,
  created_at      timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (session_id, actor_id, idempotency_key, endpoint)
);
`)
	return err
}

// SaveSession upserts the full session snapshot. The roster travels as a
// jsonb document next to the indexed columns so rehydration is a single
// row read.
func (s *Store) SaveSession(ctx context.Context, v split.View) error {
	snapshot, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
INSERT INTO bill_sessions(session_id,creator_id,state,total_amount,expires_at,snapshot)
VALUES($1,$2,$3,$4,$5,$6::jsonb)
ON CONFLICT (session_id) DO UPDATE SET
  state=EXCLUDED.state,
  total_amount=EXCLUDED.total_amount,
  expires_at=EXCLUDED.expires_at,
  snapshot=EXCLUDED.snapshot,
  updated_at=now()
`, v.SessionID, v.CreatorID, string(v.State), v.TotalAmount, nullableTime(v.ExpiresAt), string(snapshot))
	return err
}

// LoadActiveSessions returns the snapshots of every non-terminal session,
// used at boot to rehydrate the in-memory registry. Terminal sessions stay
// in the table for reads but are not reloaded.
func (s *Store) LoadActiveSessions(ctx context.Context) ([]split.View, error) {
	rows, err := s.DB.Query(ctx, `
SELECT snapshot FROM bill_sessions
WHERE state IN ('DRAFT','AWAITING_APPROVAL','AWAITING_PAYMENT')
ORDER BY created_at ASC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []split.View
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var v split.View
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) AddEvent(ctx context.Context, eventID string, ev split.Event) error {
	payload, _ := json.Marshal(ev)
	_, err := s.DB.Exec(ctx, `
INSERT INTO session_events(event_id,session_id,event_type,identity,amount,occurred_at,payload)
VALUES($1,$2,$3,$4,$5,$6,$7::jsonb)
`, eventID, ev.SessionID, string(ev.Type), nullable(ev.Identity), ev.Amount, ev.OccurredAt, string(payload))
	return err
}

func (s *Store) ListEvents(ctx context.Context, sessionID string) ([]map[string]any, error) {
	// Events from one operation share a timestamp; the insertion sequence
	// keeps e.g. PARTICIPANT_APPROVED ahead of the QUORUM_REACHED it caused.
	rows, err := s.DB.Query(ctx, `
SELECT event_id,event_type,identity,amount,occurred_at
FROM session_events
WHERE session_id=$1
ORDER BY seq ASC
`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []map[string]any
	for rows.Next() {
		var id, typ string
		var identity *string
		var amount int64
		var at time.Time
		if err := rows.Scan(&id, &typ, &identity, &amount, &at); err != nil {
			return nil, err
		}
		out = append(out, map[string]any{
			"event_id": id, "event_type": typ, "identity": identity,
			"amount": amount, "occurred_at": at.Format(time.RFC3339),
		})
	}
	return out, rows.Err()
}

type IdempotencyRecord struct {
	SessionID      string
	ActorID        string
	IdempotencyKey string
	Endpoint       string
	ResponseStatus int
	ResponseBody   []byte
}

func (s *Store) GetIdempotencyRecord(ctx context.Context, sessionID, actorID, key, endpoint string) (*IdempotencyRecord, error) {
	var rec IdempotencyRecord
	err := s.DB.QueryRow(ctx, `
SELECT session_id,actor_id,idempotency_key,endpoint,response_status,response_body
FROM idempotency_records
WHERE session_id=$1 AND actor_id=$2 AND idempotency_key=$3 AND endpoint=$4
`, sessionID, actorID, key, endpoint).Scan(&rec.SessionID, &rec.ActorID, &rec.IdempotencyKey, &rec.Endpoint, &rec.ResponseStatus, &rec.ResponseBody)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (s *Store) SaveIdempotencyRecord(ctx context.Context, rec IdempotencyRecord) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO idempotency_records(session_id,actor_id,idempotency_key,endpoint,response_status,response_body)
VALUES($1,$2,$3,$4,$5,$6::jsonb)
ON CONFLICT (session_id,actor_id,idempotency_key,endpoint) DO NOTHING
`, rec.SessionID, rec.ActorID, rec.IdempotencyKey, rec.Endpoint, rec.ResponseStatus, string(rec.ResponseBody))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
