package client

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// linkState is the reconnection state of a Client
type linkState int

const (
	stateIdle linkState = iota
	stateConnecting
	stateConnected
	stateReconnecting
	stateFailed
)

func (s linkState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateConnecting:
		return "connecting"
	case stateConnected:
		return "connected"
	case stateReconnecting:
		return "reconnecting"
	case stateFailed:
		return "failed"
	}
	return "unknown"
}

// transitions lists the states reachable from each state. Idle is reachable from every
// state through Disconnect; Connecting from Connecting/Connected means a newer Connect
// superseded the current socket.
var transitions = map[linkState][]linkState{
	stateIdle:         {stateConnecting},
	stateConnecting:   {stateConnecting, stateConnected, stateReconnecting, stateFailed, stateIdle},
	stateConnected:    {stateConnecting, stateReconnecting, stateFailed, stateIdle},
	stateReconnecting: {stateConnecting, stateIdle},
	stateFailed:       {stateConnecting, stateIdle},
}

func canTransition(from, to linkState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// linearBackOff waits base * attempt before each attempt
type linearBackOff struct {
	base    time.Duration
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return b.base * time.Duration(b.attempt)
}

func (b *linearBackOff) Reset() {
	b.attempt = 0
}

// reconnectPolicy counts consecutive unintentional closes and hands out the delay before
// the next attempt, until the attempt count exceeds max.
// Not safe for concurrent use; the Client guards it with its mutex.
type reconnectPolicy struct {
	linear   *linearBackOff
	bo       backoff.BackOff
	attempts int
}

func newReconnectPolicy(base time.Duration, max int) *reconnectPolicy {
	if max < 0 {
		max = 0
	}
	linear := &linearBackOff{base: base}
	return &reconnectPolicy{
		linear: linear,
		bo:     backoff.WithMaxRetries(linear, uint64(max)),
	}
}

// next records one more attempt. ok is false once the attempt count exceeds the maximum.
func (p *reconnectPolicy) next() (delay time.Duration, attempt int, ok bool) {
	p.attempts++
	d := p.bo.NextBackOff()
	if d == backoff.Stop {
		return 0, p.attempts, false
	}
	return d, p.attempts, true
}

func (p *reconnectPolicy) reset() {
	p.attempts = 0
	p.bo.Reset()
}
