package network

import (
	"context"
	"time"

	"github.com/ops-relay/pkg/logging"
	"github.com/ops-relay/pkg/types"
)

// StatusEventName is the event posted for every tunnel status change
const StatusEventName = "system.relay.status"

type statusUpdate struct {
	Status    types.Status `json:"status"`
	Error     string       `json:"error,omitempty"`
	NetworkID string       `json:"network_id"`
	At        time.Time    `json:"at"`
}

// StatusReporter posts tunnel status changes to the local network as events.
// Handle is meant to be a status subscriber: it never blocks, and updates that do not fit
// in the queue are dropped.
type StatusReporter struct {
	client    *Client
	source    string
	networkID string
	updates   chan statusUpdate
}

func NewStatusReporter(client *Client, source, networkID string) *StatusReporter {
	return &StatusReporter{
		client:    client,
		source:    source,
		networkID: networkID,
		updates:   make(chan statusUpdate, 32),
	}
}

// Handle queues one status change
func (r *StatusReporter) Handle(status types.Status, errMsg string) {
	u := statusUpdate{Status: status, Error: errMsg, NetworkID: r.networkID, At: time.Now()}
	select {
	case r.updates <- u:
	default:
		logging.Logf("[events] queue full, dropping status %s", status)
	}
}

// Run posts queued updates until ctx is done
func (r *StatusReporter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-r.updates:
			sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if _, err := r.client.SendEvent(sendCtx, StatusEventName, r.source, "", u); err != nil {
				logging.Debugf("[events] status %s not delivered: %v", u.Status, err)
			}
			cancel()
		}
	}
}
