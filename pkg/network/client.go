package network

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	healthPath    = "/api/health"
	sendEventPath = "/api/send_event"
	maxErrorBody  = 4 << 10
)

// Client talks to the HTTP API of the local network server that the tunnel exposes
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for baseURL (e.g., "http://127.0.0.1:8700")
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Health is the local network health report
type Health struct {
	Status  string                 `json:"status"`
	Network string                 `json:"network_id,omitempty"`
	Details map[string]interface{} `json:"-"`
}

// Event is one event posted to the network
type Event struct {
	EventID     string      `json:"event_id"`
	EventName   string      `json:"event_name"`
	Source      string      `json:"source_id"`
	Destination string      `json:"destination_id,omitempty"`
	Payload     interface{} `json:"payload,omitempty"`
	Timestamp   int64       `json:"timestamp"`
}

// EventResponse is the reply to SendEvent
type EventResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// GetNetworkHealth fetches the health report of the local network
func (c *Client) GetNetworkHealth(ctx context.Context) (Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthPath, nil)
	if err != nil {
		return Health{}, fmt.Errorf("failed to create health request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	var raw map[string]interface{}
	if err := c.do(req, &raw); err != nil {
		return Health{}, fmt.Errorf("network health: %w", err)
	}

	h := Health{Details: raw}
	if s, ok := raw["status"].(string); ok {
		h.Status = s
	}
	if s, ok := raw["network_id"].(string); ok {
		h.Network = s
	}
	return h, nil
}

// SendEvent posts an event to the local network. A reply with success=false is returned
// together with an error carrying its message.
func (c *Client) SendEvent(ctx context.Context, name, source, destination string, payload interface{}) (EventResponse, error) {
	ev := Event{
		EventID:     uuid.NewString(),
		EventName:   name,
		Source:      source,
		Destination: destination,
		Payload:     payload,
		Timestamp:   time.Now().Unix(),
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return EventResponse{}, fmt.Errorf("failed to marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+sendEventPath, bytes.NewReader(body))
	if err != nil {
		return EventResponse{}, fmt.Errorf("failed to create event request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out EventResponse
	if err := c.do(req, &out); err != nil {
		return EventResponse{}, fmt.Errorf("send event %s: %w", name, err)
	}
	if !out.Success {
		msg := out.Message
		if msg == "" {
			msg = "rejected"
		}
		return out, fmt.Errorf("send event %s: %s", name, msg)
	}
	return out, nil
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
