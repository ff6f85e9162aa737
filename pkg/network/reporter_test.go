package network

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ops-relay/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusReporter_PostsInOrder(t *testing.T) {
	events := make(chan Event, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev Event
		_ = json.NewDecoder(r.Body).Decode(&ev)
		events <- ev
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	r := NewStatusReporter(NewClient(srv.URL, time.Second), "relay-tunnel", "net-1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	r.Handle(types.StatusConnecting, "")
	r.Handle(types.StatusError, "relay unreachable")

	for _, want := range []struct {
		status types.Status
		err    string
	}{{types.StatusConnecting, ""}, {types.StatusError, "relay unreachable"}} {
		select {
		case ev := <-events:
			assert.Equal(t, StatusEventName, ev.EventName)
			payload, ok := ev.Payload.(map[string]interface{})
			require.True(t, ok)
			assert.Equal(t, string(want.status), payload["status"])
			assert.Equal(t, "net-1", payload["network_id"])
			if want.err != "" {
				assert.Equal(t, want.err, payload["error"])
			}
		case <-time.After(3 * time.Second):
			t.Fatal("event not posted")
		}
	}
}

func TestStatusReporter_HandleNeverBlocks(t *testing.T) {
	r := NewStatusReporter(NewClient("http://127.0.0.1:1", time.Second), "relay-tunnel", "net-1")
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			r.Handle(types.StatusConnecting, "")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Handle blocked without a running reporter")
	}
}
