package client

import (
	"sync"
	"time"

	"github.com/ops-relay/pkg/logging"
	"github.com/ops-relay/pkg/protocol"
	"github.com/ops-relay/pkg/transport"
)

// heartbeat sends keep-alive frames on one socket until stopped or the socket closes
type heartbeat struct {
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func startHeartbeat(sock *transport.Socket, interval time.Duration, onSent func()) *heartbeat {
	hb := &heartbeat{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go hb.run(sock, interval, onSent)
	return hb
}

func (h *heartbeat) run(sock *transport.Socket, interval time.Duration, onSent func()) {
	defer close(h.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-sock.Done():
			return
		case <-ticker.C:
			// stop wins over a tick that became ready at the same time
			select {
			case <-h.stop:
				return
			default:
			}
			if err := sock.Send(protocol.NewHeartbeat()); err != nil {
				logging.Logf("[heartbeat] send failed, stopping: %v", err)
				return
			}
			if onSent != nil {
				onSent()
			}
		}
	}
}

// Stop ends the loop; safe to call more than once
func (h *heartbeat) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}
