package network

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetNetworkHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/health", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"healthy","network_id":"net-1","agents":3}`))
	}))
	defer srv.Close()

	h, err := NewClient(srv.URL+"/", time.Second).GetNetworkHealth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "net-1", h.Network)
	assert.Equal(t, float64(3), h.Details["agents"])
}

func TestGetNetworkHealth_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "starting", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second).GetNetworkHealth(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "starting")
}

func TestSendEvent(t *testing.T) {
	received := make(chan Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/send_event", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var ev Event
		_ = json.NewDecoder(r.Body).Decode(&ev)
		received <- ev
		_, _ = w.Write([]byte(`{"success":true,"message":"queued","data":{"id":1}}`))
	}))
	defer srv.Close()

	resp, err := NewClient(srv.URL, time.Second).SendEvent(context.Background(),
		"system.relay.status", "relay-tunnel", "", map[string]string{"status": "connected"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "queued", resp.Message)
	assert.JSONEq(t, `{"id":1}`, string(resp.Data))

	ev := <-received
	assert.Equal(t, "system.relay.status", ev.EventName)
	assert.Equal(t, "relay-tunnel", ev.Source)
	assert.NotEmpty(t, ev.EventID)
	assert.NotZero(t, ev.Timestamp)
	assert.Equal(t, map[string]interface{}{"status": "connected"}, ev.Payload)
}

func TestSendEvent_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"message":"unknown event"}`))
	}))
	defer srv.Close()

	resp, err := NewClient(srv.URL, time.Second).SendEvent(context.Background(), "x", "y", "", nil)
	require.Error(t, err)
	assert.False(t, resp.Success)
	assert.Contains(t, err.Error(), "unknown event")
}

func TestSendEvent_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, time.Second).SendEvent(context.Background(), "x", "y", "", nil)
	assert.Error(t, err)
}
