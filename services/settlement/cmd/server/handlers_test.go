package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"splitpay/pkg/split"
	"splitpay/services/settlement/internal/store"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type memStore struct {
	mu       sync.Mutex
	sessions map[string]split.View
	idem     map[string]store.IdempotencyRecord
}

func newMemStore() *memStore {
	return &memStore{
		sessions: map[string]split.View{},
		idem:     map[string]store.IdempotencyRecord{},
	}
}

func (m *memStore) SaveSession(_ context.Context, v split.View) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[v.SessionID] = v
	return nil
}

func (m *memStore) ListEvents(context.Context, string) ([]map[string]any, error) {
	return nil, nil
}

func idemKey(sessionID, actorID, key, endpoint string) string {
	return sessionID + "|" + actorID + "|" + key + "|" + endpoint
}

func (m *memStore) GetIdempotencyRecord(_ context.Context, sessionID, actorID, key, endpoint string) (*store.IdempotencyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.idem[idemKey(sessionID, actorID, key, endpoint)]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *memStore) SaveIdempotencyRecord(_ context.Context, rec store.IdempotencyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := idemKey(rec.SessionID, rec.ActorID, rec.IdempotencyKey, rec.Endpoint)
	if _, ok := m.idem[k]; !ok {
		m.idem[k] = rec
	}
	return nil
}

type stubLedger struct {
	mu        sync.Mutex
	err       error
	transfers int
}

func (l *stubLedger) Transfer(context.Context, string, string, int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.transfers++
	return nil
}

type testServer struct {
	srv     *server
	handler http.Handler
	now     *time.Time
	ledger  *stubLedger
}

func newTestServer(t *testing.T, configure func(s *server)) *testServer {
	t.Helper()
	now := testEpoch
	ledger := &stubLedger{}
	reg := split.NewRegistry(split.Options{
		Ledger: ledger,
		Clock:  func() time.Time { return now },
	})
	s := &server{
		reg: reg,
		log: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if configure != nil {
		configure(s)
	}
	return &testServer{srv: s, handler: s.routes(), now: &now, ledger: ledger}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "203.0.113.10:12345"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func decodeSession(t *testing.T, w *httptest.ResponseRecorder) split.View {
	t.Helper()
	var body struct {
		Session split.View `json:"session"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v (%s)", err, w.Body.String())
	}
	return body.Session
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error response: %v (%s)", err, w.Body.String())
	}
	return body.Error.Code
}

func (ts *testServer) createConfirmed(t *testing.T) string {
	t.Helper()
	w := ts.do(t, "POST", "/split/v1/sessions", map[string]any{
		"session_id":          "ses_http",
		"creator_id":          "merchant",
		"description":         "dinner",
		"required_signatures": 2,
		"participants": []map[string]any{
			{"identity": "alice", "owed_amount": 40},
			{"identity": "bob", "owed_amount": 60},
		},
	}, nil)
	if w.Code != 201 {
		t.Fatalf("create: status %d body %s", w.Code, w.Body.String())
	}
	w = ts.do(t, "POST", "/split/v1/sessions/ses_http/confirm", map[string]any{"actor_id": "merchant"}, nil)
	if w.Code != 200 {
		t.Fatalf("confirm: status %d body %s", w.Code, w.Body.String())
	}
	return "ses_http"
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t, nil)
	id := ts.createConfirmed(t)

	for _, identity := range []string{"alice", "bob"} {
		w := ts.do(t, "POST", "/split/v1/sessions/"+id+"/approvals", map[string]any{"identity": identity}, nil)
		if w.Code != 200 {
			t.Fatalf("approval %s: status %d body %s", identity, w.Code, w.Body.String())
		}
	}
	w := ts.do(t, "GET", "/split/v1/sessions/"+id, nil, nil)
	if v := decodeSession(t, w); v.State != split.StateAwaitingPayment || v.ApprovalsCount != 2 {
		t.Fatalf("unexpected view after quorum: %+v", v)
	}

	w = ts.do(t, "POST", "/split/v1/sessions/"+id+"/payments", map[string]any{"identity": "alice", "amount": 100}, nil)
	if w.Code != 200 {
		t.Fatalf("payment: status %d body %s", w.Code, w.Body.String())
	}
	var payResp struct {
		Session  split.View `json:"session"`
		Warnings []string   `json:"warnings"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &payResp); err != nil {
		t.Fatalf("decode payment response: %v", err)
	}
	if payResp.Session.State != split.StateSettled || payResp.Session.AggregatePaid != 100 {
		t.Fatalf("unexpected session after payment: %+v", payResp.Session)
	}
	if len(payResp.Warnings) != 1 || payResp.Warnings[0] != "OVERPAID_PARTICIPANT" {
		t.Fatalf("expected overpayment warning, got %v", payResp.Warnings)
	}
	if ts.ledger.transfers != 1 {
		t.Fatalf("expected one ledger transfer, got %d", ts.ledger.transfers)
	}
}

func TestCreateWithBadParticipantLeavesNothingBehind(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, "POST", "/split/v1/sessions", map[string]any{
		"session_id":          "ses_partial",
		"creator_id":          "merchant",
		"required_signatures": 1,
		"participants": []map[string]any{
			{"identity": "alice", "owed_amount": 10},
			{"identity": "bob", "owed_amount": 0},
		},
	}, nil)
	if w.Code != 400 || errorCode(t, w) != "INVALID_AMOUNT" {
		t.Fatalf("create with bad participant: status %d code %s", w.Code, errorCode(t, w))
	}

	// The rejected create registered nothing.
	w = ts.do(t, "GET", "/split/v1/sessions/ses_partial", nil, nil)
	if w.Code != 404 {
		t.Fatalf("expected 404 after rejected create, got %d body %s", w.Code, w.Body.String())
	}

	// A corrected retry of the same id succeeds.
	w = ts.do(t, "POST", "/split/v1/sessions", map[string]any{
		"session_id":          "ses_partial",
		"creator_id":          "merchant",
		"required_signatures": 1,
		"participants": []map[string]any{
			{"identity": "alice", "owed_amount": 10},
			{"identity": "bob", "owed_amount": 20},
		},
	}, nil)
	if w.Code != 201 {
		t.Fatalf("corrected retry: status %d body %s", w.Code, w.Body.String())
	}
	if v := decodeSession(t, w); len(v.Participants) != 2 {
		t.Fatalf("unexpected roster after retry: %+v", v.Participants)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	ts := newTestServer(t, nil)
	id := ts.createConfirmed(t)

	w := ts.do(t, "GET", "/split/v1/sessions/ses_missing", nil, nil)
	if w.Code != 404 || errorCode(t, w) != "NOT_FOUND" {
		t.Fatalf("missing session: status %d code %s", w.Code, errorCode(t, w))
	}

	w = ts.do(t, "POST", "/split/v1/sessions/"+id+"/payments", map[string]any{"identity": "alice", "amount": 10}, nil)
	if w.Code != 409 || errorCode(t, w) != "WRONG_STATE" {
		t.Fatalf("payment before quorum: status %d code %s", w.Code, errorCode(t, w))
	}

	w = ts.do(t, "POST", "/split/v1/sessions/"+id+"/approvals", map[string]any{"identity": "alice"}, nil)
	if w.Code != 200 {
		t.Fatalf("first approval: status %d", w.Code)
	}
	w = ts.do(t, "POST", "/split/v1/sessions/"+id+"/approvals", map[string]any{"identity": "alice"}, nil)
	if w.Code != 409 || errorCode(t, w) != "ALREADY_APPROVED" {
		t.Fatalf("duplicate approval: status %d code %s", w.Code, errorCode(t, w))
	}
	w = ts.do(t, "POST", "/split/v1/sessions/"+id+"/approvals", map[string]any{"identity": "mallory"}, nil)
	if w.Code != 404 || errorCode(t, w) != "NOT_A_PARTICIPANT" {
		t.Fatalf("stranger approval: status %d code %s", w.Code, errorCode(t, w))
	}

	w = ts.do(t, "POST", "/split/v1/sessions/"+id+"/cancel", map[string]any{"actor_id": "alice"}, nil)
	if w.Code != 403 || errorCode(t, w) != "NOT_CREATOR" {
		t.Fatalf("non-creator cancel: status %d code %s", w.Code, errorCode(t, w))
	}
}

func TestExpiredSessionMapping(t *testing.T) {
	ts := newTestServer(t, nil)
	w := ts.do(t, "POST", "/split/v1/sessions", map[string]any{
		"session_id":          "ses_exp",
		"creator_id":          "merchant",
		"required_signatures": 1,
		"expires_at":          testEpoch.Add(time.Hour).Format(time.RFC3339),
		"participants": []map[string]any{
			{"identity": "alice", "owed_amount": 10},
			{"identity": "bob", "owed_amount": 10},
		},
	}, nil)
	if w.Code != 201 {
		t.Fatalf("create: status %d body %s", w.Code, w.Body.String())
	}

	*ts.now = testEpoch.Add(2 * time.Hour)

	w = ts.do(t, "POST", "/split/v1/sessions/ses_exp/confirm", map[string]any{"actor_id": "merchant"}, nil)
	if w.Code != 410 || errorCode(t, w) != "SESSION_EXPIRED" {
		t.Fatalf("confirm after expiry: status %d code %s", w.Code, errorCode(t, w))
	}

	// Reads still work and surface the terminal state.
	w = ts.do(t, "GET", "/split/v1/sessions/ses_exp", nil, nil)
	if w.Code != 200 {
		t.Fatalf("get after expiry: status %d", w.Code)
	}
	if v := decodeSession(t, w); v.State != split.StateExpired {
		t.Fatalf("expected EXPIRED view, got %s", v.State)
	}
}

func TestTransferFailureMapsTo502(t *testing.T) {
	ts := newTestServer(t, nil)
	id := ts.createConfirmed(t)
	for _, identity := range []string{"alice", "bob"} {
		if w := ts.do(t, "POST", "/split/v1/sessions/"+id+"/approvals", map[string]any{"identity": identity}, nil); w.Code != 200 {
			t.Fatalf("approval: status %d", w.Code)
		}
	}

	ts.ledger.err = errors.New("ledger unavailable")
	w := ts.do(t, "POST", "/split/v1/sessions/"+id+"/payments", map[string]any{"identity": "alice", "amount": 40}, nil)
	if w.Code != 502 || errorCode(t, w) != "TRANSFER_FAILED" {
		t.Fatalf("failed transfer: status %d code %s", w.Code, errorCode(t, w))
	}

	w = ts.do(t, "GET", "/split/v1/sessions/"+id, nil, nil)
	if v := decodeSession(t, w); v.State != split.StateAwaitingPayment || v.AggregatePaid != 0 {
		t.Fatalf("session mutated by failed transfer: %+v", v)
	}
}

func TestCreateRequiresBearerToken(t *testing.T) {
	ts := newTestServer(t, func(s *server) { s.apiToken = "secret" })

	body := map[string]any{"creator_id": "merchant", "required_signatures": 1}
	w := ts.do(t, "POST", "/split/v1/sessions", body, nil)
	if w.Code != 401 {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}
	w = ts.do(t, "POST", "/split/v1/sessions", body, map[string]string{"Authorization": "Bearer secret"})
	if w.Code != 201 {
		t.Fatalf("expected 201 with token, got %d body %s", w.Code, w.Body.String())
	}
}

func TestCreateRateLimited(t *testing.T) {
	ts := newTestServer(t, func(s *server) { s.createLimiter = newFixedWindowLimiter(1, time.Minute) })

	body := map[string]any{"creator_id": "merchant", "required_signatures": 1}
	if w := ts.do(t, "POST", "/split/v1/sessions", body, nil); w.Code != 201 {
		t.Fatalf("first create: status %d", w.Code)
	}
	w := ts.do(t, "POST", "/split/v1/sessions", body, nil)
	if w.Code != 429 || errorCode(t, w) != "RATE_LIMITED" {
		t.Fatalf("second create: status %d code %s", w.Code, errorCode(t, w))
	}
}

func TestIdempotentCreateReplays(t *testing.T) {
	mem := newMemStore()
	ts := newTestServer(t, func(s *server) { s.st = mem })

	body := map[string]any{
		"session_id":          "ses_idem",
		"creator_id":          "merchant",
		"required_signatures": 1,
	}
	headers := map[string]string{"Idempotency-Key": "key-1"}
	first := ts.do(t, "POST", "/split/v1/sessions", body, headers)
	if first.Code != 201 {
		t.Fatalf("first create: status %d body %s", first.Code, first.Body.String())
	}
	// Without the key this would be a DUPLICATE_SESSION_ID conflict.
	second := ts.do(t, "POST", "/split/v1/sessions", body, headers)
	if second.Code != 201 {
		t.Fatalf("replayed create: status %d body %s", second.Code, second.Body.String())
	}
	if string(bytes.TrimSpace(first.Body.Bytes())) != string(bytes.TrimSpace(second.Body.Bytes())) {
		t.Fatalf("replay body differs:\n%s\n%s", first.Body.String(), second.Body.String())
	}

	conflict := ts.do(t, "POST", "/split/v1/sessions", body, map[string]string{"Idempotency-Key": "key-2"})
	if conflict.Code != 409 || errorCode(t, conflict) != "DUPLICATE_SESSION_ID" {
		t.Fatalf("fresh key reuse: status %d code %s", conflict.Code, errorCode(t, conflict))
	}
}

func TestSnapshotPersistedOnMutation(t *testing.T) {
	mem := newMemStore()
	ts := newTestServer(t, func(s *server) { s.st = mem })
	id := ts.createConfirmed(t)

	mem.mu.Lock()
	v, ok := mem.sessions[id]
	mem.mu.Unlock()
	if !ok {
		t.Fatal("snapshot not written")
	}
	if v.State != split.StateAwaitingApproval || v.TotalAmount != 100 {
		t.Fatalf("unexpected persisted snapshot: %+v", v)
	}
}

func TestEventsEndpointWithoutStore(t *testing.T) {
	ts := newTestServer(t, nil)
	id := ts.createConfirmed(t)

	w := ts.do(t, "GET", "/split/v1/sessions/"+id+"/events", nil, nil)
	if w.Code != 200 {
		t.Fatalf("events: status %d", w.Code)
	}
	var body struct {
		Events []map[string]any `json:"events"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Events == nil || len(body.Events) != 0 {
		t.Fatalf("expected empty events list, got %v", body.Events)
	}
}

func TestFixedWindowLimiter(t *testing.T) {
	l := newFixedWindowLimiter(2, time.Minute)
	if !l.allow("k", testEpoch) || !l.allow("k", testEpoch) {
		t.Fatal("requests within the limit must pass")
	}
	if l.allow("k", testEpoch.Add(30*time.Second)) {
		t.Fatal("request over the limit passed")
	}
	if !l.allow("other", testEpoch) {
		t.Fatal("keys must be counted independently")
	}
	if !l.allow("k", testEpoch.Add(time.Minute)) {
		t.Fatal("window should reset after it elapses")
	}
}

func TestParseBearer(t *testing.T) {
	tok, ok := parseBearer("Bearer abc123")
	if !ok || tok != "abc123" {
		t.Fatalf("expected parsed bearer token, got ok=%v token=%q", ok, tok)
	}
	if _, ok = parseBearer("abc123"); ok {
		t.Fatal("expected parse failure without Bearer prefix")
	}
}

func TestClientIPFromRequest(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "203.0.113.10:12345"
	if got := clientIPFromRequest(req); got != "203.0.113.10" {
		t.Fatalf("unexpected ip: %s", got)
	}
	req.Header.Set("X-Forwarded-For", "198.51.100.5, 198.51.100.8")
	if got := clientIPFromRequest(req); got != "198.51.100.5" {
		t.Fatalf("unexpected xff ip: %s", got)
	}
}
