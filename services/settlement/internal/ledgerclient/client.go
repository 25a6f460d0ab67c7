package ledgerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Client is the typed boundary to the external ledger platform. It only
// knows how to move value between two accounts; identity generation, key
// management, and consensus live entirely on the other side. No retries
// here: retry policy belongs to the caller.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

type transferAck struct {
	TransferID string `json:"transfer_id"`
	Status     string `json:"status"`
}

// Transfer moves amount (minor units) from one ledger account to another
// and returns the ledger's transfer id. Any non-2xx response is a
// failure; the caller treats it as atomic with its own state update.
func (c *Client) Transfer(ctx context.Context, from, to string, amount int64) (string, error) {
	reqBody, _ := json.Marshal(map[string]any{
		"from_account": from,
		"to_account":   to,
		"amount":       amount,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/transfers", bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("content-type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("ledger returned %d", resp.StatusCode)
	}
	var ack transferAck
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return "", fmt.Errorf("decode transfer ack: %w", err)
	}
	if ack.Status != "" && !strings.EqualFold(ack.Status, "COMPLETED") {
		return ack.TransferID, fmt.Errorf("ledger transfer %s status %s", ack.TransferID, ack.Status)
	}
	return ack.TransferID, nil
}
