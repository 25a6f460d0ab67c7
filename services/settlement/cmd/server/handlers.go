package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"splitpay/pkg/httpx"
	"splitpay/pkg/split"
	"splitpay/services/settlement/internal/store"
)

// persistence is the slice of the store the handlers use. It is an
// interface so the router can run without a database in tests and in
// ephemeral deployments; the in-memory registry stays authoritative
// either way.
type persistence interface {
	SaveSession(ctx context.Context, v split.View) error
	ListEvents(ctx context.Context, sessionID string) ([]map[string]any, error)
	GetIdempotencyRecord(ctx context.Context, sessionID, actorID, key, endpoint string) (*store.IdempotencyRecord, error)
	SaveIdempotencyRecord(ctx context.Context, rec store.IdempotencyRecord) error
}

type server struct {
	reg           *split.Registry
	st            persistence
	log           *slog.Logger
	apiToken      string
	createLimiter *fixedWindowLimiter
}

func (s *server) routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	r.Route("/split/v1/sessions", func(api chi.Router) {
		api.Post("/", func(w http.ResponseWriter, r *http.Request) {
			if !s.requireAPIToken(w, r) {
				return
			}
			if !s.enforceCreateLimit(w, r) {
				return
			}
			var req struct {
				SessionID          string `json:"session_id"`
				CreatorID          string `json:"creator_id"`
				Description        string `json:"description"`
				RequiredSignatures int    `json:"required_signatures"`
				ExpiresAt          string `json:"expires_at"`
				Participants       []struct {
					Identity    string `json:"identity"`
					DisplayName string `json:"display_name"`
					OwedAmount  int64  `json:"owed_amount"`
				} `json:"participants"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			creatorID := strings.TrimSpace(req.CreatorID)
			if creatorID == "" {
				httpx.WriteError(w, 400, "BAD_REQUEST", "creator_id is required", nil)
				return
			}
			sessionID := strings.TrimSpace(req.SessionID)
			if sessionID == "" {
				sessionID = "ses_" + uuid.NewString()
			}
			var expiresAt time.Time
			if raw := strings.TrimSpace(req.ExpiresAt); raw != "" {
				t, err := time.Parse(time.RFC3339, raw)
				if err != nil {
					httpx.WriteError(w, 400, "BAD_REQUEST", "expires_at must be RFC 3339", nil)
					return
				}
				expiresAt = t.UTC()
			}

			participants := make([]split.Participant, 0, len(req.Participants))
			for _, p := range req.Participants {
				participants = append(participants, split.Participant{
					Identity:    strings.TrimSpace(p.Identity),
					DisplayName: strings.TrimSpace(p.DisplayName),
					OwedAmount:  p.OwedAmount,
				})
			}

			s.idempotent(r, w, sessionID, creatorID, "POST /split/v1/sessions", func() (int, map[string]any, []string, error) {
				v, err := s.reg.Create(split.CreateInput{
					SessionID:          sessionID,
					CreatorID:          creatorID,
					Description:        strings.TrimSpace(req.Description),
					RequiredSignatures: req.RequiredSignatures,
					ExpiresAt:          expiresAt,
					Participants:       participants,
				})
				if err != nil {
					return 0, nil, nil, err
				}
				s.persist(r, v)
				return 201, map[string]any{"session": v}, nil, nil
			})
		})

		api.Get("/{session_id}", func(w http.ResponseWriter, r *http.Request) {
			v, err := s.reg.GetView(chi.URLParam(r, "session_id"))
			if err != nil {
				s.writeSplitError(w, err)
				return
			}
			s.persist(r, v)
			httpx.WriteResult(w, 200, map[string]any{"session": v})
		})

		api.Post("/{session_id}/participants", func(w http.ResponseWriter, r *http.Request) {
			if !s.requireAPIToken(w, r) {
				return
			}
			sessionID := chi.URLParam(r, "session_id")
			var req struct {
				ActorID     string `json:"actor_id"`
				Identity    string `json:"identity"`
				DisplayName string `json:"display_name"`
				OwedAmount  int64  `json:"owed_amount"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			if strings.TrimSpace(req.Identity) == "" {
				httpx.WriteError(w, 400, "BAD_REQUEST", "identity is required", nil)
				return
			}
			v, err := s.reg.AddParticipant(sessionID, strings.TrimSpace(req.ActorID), strings.TrimSpace(req.Identity), strings.TrimSpace(req.DisplayName), req.OwedAmount)
			if err != nil {
				s.writeSplitError(w, err)
				return
			}
			s.persist(r, v)
			httpx.WriteResult(w, 200, map[string]any{"session": v})
		})

		api.Delete("/{session_id}/participants/{identity}", func(w http.ResponseWriter, r *http.Request) {
			if !s.requireAPIToken(w, r) {
				return
			}
			actorID := strings.TrimSpace(r.Header.Get("X-Actor-Id"))
			v, err := s.reg.RemoveParticipant(chi.URLParam(r, "session_id"), actorID, chi.URLParam(r, "identity"))
			if err != nil {
				s.writeSplitError(w, err)
				return
			}
			s.persist(r, v)
			httpx.WriteResult(w, 200, map[string]any{"session": v})
		})

		api.Post("/{session_id}/confirm", func(w http.ResponseWriter, r *http.Request) {
			if !s.requireAPIToken(w, r) {
				return
			}
			var req struct {
				ActorID string `json:"actor_id"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			v, err := s.reg.Confirm(chi.URLParam(r, "session_id"), strings.TrimSpace(req.ActorID))
			if err != nil {
				s.writeSplitError(w, err)
				return
			}
			s.persist(r, v)
			httpx.WriteResult(w, 200, map[string]any{"session": v})
		})

		api.Post("/{session_id}/cancel", func(w http.ResponseWriter, r *http.Request) {
			if !s.requireAPIToken(w, r) {
				return
			}
			var req struct {
				ActorID string `json:"actor_id"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			v, err := s.reg.Cancel(chi.URLParam(r, "session_id"), strings.TrimSpace(req.ActorID))
			if err != nil {
				s.writeSplitError(w, err)
				return
			}
			s.persist(r, v)
			httpx.WriteResult(w, 200, map[string]any{"session": v})
		})

		api.Post("/{session_id}/approvals", func(w http.ResponseWriter, r *http.Request) {
			if !s.requireAPIToken(w, r) {
				return
			}
			var req struct {
				Identity string `json:"identity"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			if strings.TrimSpace(req.Identity) == "" {
				httpx.WriteError(w, 400, "BAD_REQUEST", "identity is required", nil)
				return
			}
			v, err := s.reg.RecordApproval(chi.URLParam(r, "session_id"), strings.TrimSpace(req.Identity))
			if err != nil {
				s.writeSplitError(w, err)
				return
			}
			s.persist(r, v)
			httpx.WriteResult(w, 200, map[string]any{"session": v})
		})

		api.Post("/{session_id}/payments", func(w http.ResponseWriter, r *http.Request) {
			if !s.requireAPIToken(w, r) {
				return
			}
			sessionID := chi.URLParam(r, "session_id")
			var req struct {
				Identity string `json:"identity"`
				Amount   int64  `json:"amount"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			identity := strings.TrimSpace(req.Identity)
			if identity == "" {
				httpx.WriteError(w, 400, "BAD_REQUEST", "identity is required", nil)
				return
			}
			s.idempotent(r, w, sessionID, identity, "POST /split/v1/sessions/{session_id}/payments", func() (int, map[string]any, []string, error) {
				v, overpaid, err := s.reg.RecordPayment(r.Context(), sessionID, identity, req.Amount)
				if err != nil {
					return 0, nil, nil, err
				}
				s.persist(r, v)
				var warnings []string
				if overpaid {
					warnings = append(warnings, "OVERPAID_PARTICIPANT")
				}
				return 200, map[string]any{"session": v}, warnings, nil
			})
		})

		api.Get("/{session_id}/events", func(w http.ResponseWriter, r *http.Request) {
			sessionID := chi.URLParam(r, "session_id")
			if _, err := s.reg.GetView(sessionID); err != nil {
				s.writeSplitError(w, err)
				return
			}
			events := []map[string]any{}
			if s.st != nil {
				list, err := s.st.ListEvents(r.Context(), sessionID)
				if err != nil {
					httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
					return
				}
				if list != nil {
					events = list
				}
			}
			httpx.WriteResult(w, 200, map[string]any{"events": events})
		})
	})

	return r
}

// persist mirrors the in-memory snapshot to the store. The registry is
// authoritative; a snapshot write failure is logged and served from
// memory until the next successful write.
func (s *server) persist(r *http.Request, v split.View) {
	if s.st == nil {
		return
	}
	if err := s.st.SaveSession(r.Context(), v); err != nil {
		s.log.Warn("session snapshot write failed", "session_id", v.SessionID, "state", v.State, "err", err)
	}
}

// idempotent replays a stored response when the request carries a known
// Idempotency-Key, otherwise runs the mutation and records its response.
// WriteResult fills the body's request_id and warnings before the body is
// recorded, so a replay reproduces the original envelope exactly.
func (s *server) idempotent(r *http.Request, w http.ResponseWriter, sessionID, actorID, endpoint string, run func() (int, map[string]any, []string, error)) {
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key != "" && s.st != nil {
		rec, err := s.st.GetIdempotencyRecord(r.Context(), sessionID, actorID, key, endpoint)
		if err != nil {
			httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
			return
		}
		if rec != nil {
			w.Header().Set("content-type", "application/json")
			w.WriteHeader(rec.ResponseStatus)
			_, _ = w.Write(rec.ResponseBody)
			return
		}
	}

	status, body, warnings, err := run()
	if err != nil {
		s.writeSplitError(w, err)
		return
	}
	httpx.WriteResult(w, status, body, warnings...)

	if key != "" && s.st != nil {
		buf := bytes.Buffer{}
		_ = json.NewEncoder(&buf).Encode(body)
		_ = s.st.SaveIdempotencyRecord(r.Context(), store.IdempotencyRecord{
			SessionID:      sessionID,
			ActorID:        actorID,
			IdempotencyKey: key,
			Endpoint:       endpoint,
			ResponseStatus: status,
			ResponseBody:   bytes.TrimSpace(buf.Bytes()),
		})
	}
}

func (s *server) requireAPIToken(w http.ResponseWriter, r *http.Request) bool {
	if s.apiToken == "" {
		return true
	}
	tok, ok := parseBearer(r.Header.Get("Authorization"))
	if !ok || tok != s.apiToken {
		httpx.WriteError(w, 401, "UNAUTHORIZED", "api bearer token required", nil)
		return false
	}
	return true
}

func parseBearer(authorization string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(strings.TrimSpace(authorization), prefix) {
		return "", false
	}
	tok := strings.TrimSpace(strings.TrimPrefix(authorization, prefix))
	if tok == "" {
		return "", false
	}
	return tok, true
}

func (s *server) enforceCreateLimit(w http.ResponseWriter, r *http.Request) bool {
	if s.createLimiter == nil {
		return true
	}
	if s.createLimiter.allow("create:"+clientIPFromRequest(r), time.Now().UTC()) {
		return true
	}
	httpx.WriteError(w, 429, "RATE_LIMITED", "rate limit exceeded", nil)
	return false
}

func (s *server) writeSplitError(w http.ResponseWriter, err error) {
	code := split.CodeOf(err)
	httpx.WriteError(w, statusForCode(code), string(code), err.Error(), nil)
}

func statusForCode(code split.Code) int {
	switch code {
	case split.CodeInvalidAmount, split.CodeInvalidSignatureThreshold,
		split.CodeInsufficientParticipants, split.CodeCapacityExceeded:
		return 400
	case split.CodeNotCreator:
		return 403
	case split.CodeNotFound, split.CodeNotAParticipant:
		return 404
	case split.CodeWrongState, split.CodeAlreadyConfirmed, split.CodeAlreadyApproved,
		split.CodeSessionLocked, split.CodeDuplicateParticipant, split.CodeDuplicateSessionID:
		return 409
	case split.CodeSessionExpired:
		return 410
	case split.CodeTransferFailed:
		return 502
	default:
		return 500
	}
}
