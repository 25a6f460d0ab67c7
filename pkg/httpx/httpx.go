package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
)

func NewRequestID() string { return "req_" + uuid.NewString() }

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ReadJSON decodes a request body strictly: unknown fields are rejected so
// client typos surface as 400s instead of silently dropped options.
func ReadJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	return nil
}

func WriteError(w http.ResponseWriter, status int, code, message string, details any) {
	resp := map[string]any{
		"request_id": NewRequestID(),
		"error": map[string]any{
			"code": code, "message": message, "details": details,
		},
	}
	WriteJSON(w, status, resp)
}

// WriteResult wraps a successful payload in the standard envelope, with
// optional warnings (e.g. an overpayment flag) that are advisory, never
// failures.
func WriteResult(w http.ResponseWriter, status int, body map[string]any, warnings ...string) {
	if body == nil {
		body = map[string]any{}
	}
	body["request_id"] = NewRequestID()
	if len(warnings) > 0 {
		body["warnings"] = warnings
	}
	WriteJSON(w, status, body)
}
