package syncq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Ack is the server's answer to a submission. AlreadySynced means another
// device (or an earlier drain) got there first; the server id it echoes is
// the authoritative one either way.
type Ack struct {
	ServerID      string
	AlreadySynced bool
}

// Client is the reconciliation server boundary. Submissions are idempotent
// upserts keyed on (entityType, localID).
type Client interface {
	Submit(ctx context.Context, entityType, localID string, payload []byte) (Ack, error)
}

// HTTPClient submits entities to the reconciliation server's sync
// endpoints.
type HTTPClient struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{BaseURL: baseURL, Client: &http.Client{Timeout: 10 * time.Second}}
}

type submitRequest struct {
	LocalID string          `json:"local_id"`
	Payload json.RawMessage `json:"payload"`
}

type submitResponse struct {
	ServerID      string `json:"server_id"`
	AlreadySynced bool   `json:"already_synced"`
}

func (c *HTTPClient) Submit(ctx context.Context, entityType, localID string, payload []byte) (Ack, error) {
	var path string
	switch entityType {
	case "ghost_ride":
		path = "/api/v1/sync/ghost-rides"
	case "ghost_message":
		path = "/api/v1/sync/ghost-messages"
	default:
		return Ack{}, fmt.Errorf("syncq: unknown entity type %q", entityType)
	}

	body, err := json.Marshal(submitRequest{LocalID: localID, Payload: payload})
	if err != nil {
		return Ack{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return Ack{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Client.Do(req)
	if err != nil {
		return Ack{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Ack{}, fmt.Errorf("syncq: server returned %d", resp.StatusCode)
	}
	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Ack{}, err
	}
	return Ack{ServerID: out.ServerID, AlreadySynced: out.AlreadySynced}, nil
}
