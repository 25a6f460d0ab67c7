package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
)

const (
	SignatureHeader = "X-Signature"
	EventIDHeader   = "X-Event-Id"
	EventTypeHeader = "X-Event-Type"
	Scheme          = "generic-hmac-sha256/v1"
)

// Sign computes the hex HMAC-SHA256 of the raw body under the shared
// secret. The same function serves both sides: senders set the headers,
// receivers recompute and compare.
func Sign(rawBody []byte, secret string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", fmt.Errorf("webhook secret is empty")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(rawBody)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Apply signs the body and sets the delivery headers on an outbound
// request.
func Apply(req *http.Request, rawBody []byte, secret, eventID, eventType string) error {
	sig, err := Sign(rawBody, secret)
	if err != nil {
		return err
	}
	req.Header.Set(SignatureHeader, sig)
	req.Header.Set(EventIDHeader, eventID)
	req.Header.Set(EventTypeHeader, eventType)
	return nil
}

// Verify checks an inbound delivery against the shared secret. A missing
// or undecodable signature is simply invalid, not an error; an empty
// secret is a configuration error.
func Verify(headers http.Header, rawBody []byte, secret string) (bool, error) {
	expected, err := Sign(rawBody, secret)
	if err != nil {
		return false, err
	}
	provided, err := hex.DecodeString(strings.TrimSpace(headers.Get(SignatureHeader)))
	if err != nil || len(provided) == 0 {
		return false, nil
	}
	want, _ := hex.DecodeString(expected)
	return hmac.Equal(want, provided), nil
}
