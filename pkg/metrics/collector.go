package metrics

import (
	"os"
	"sync"

	"github.com/ops-relay/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
)

var allStatuses = []types.Status{
	types.StatusConnecting,
	types.StatusConnected,
	types.StatusDisconnected,
	types.StatusError,
}

// Collector Prometheus metrics collector for the relay tunnel
type Collector struct {
	GetConnection func() types.RelayConnection
	GetAttempts   func() int

	// Info metric (always 1)
	tunnelInfo *prometheus.Desc

	// Connection state
	tunnelUp          *prometheus.Desc
	tunnelStatus      *prometheus.Desc
	reconnectAttempts *prometheus.Desc

	// Protocol counters
	registrationsTotal    *prometheus.Desc
	registrationErrors    *prometheus.Desc
	heartbeatsTotal       *prometheus.Desc
	heartbeatAcksTotal    *prometheus.Desc
	malformedFramesTotal  *prometheus.Desc
	reconnectsTotal       *prometheus.Desc
	droppedResponsesTotal *prometheus.Desc

	// Metrics counters (protected by mutex)
	metricsLock       sync.RWMutex
	registrations     float64
	registrationFails float64
	heartbeats        float64
	heartbeatAcks     float64
	malformedFrames   map[string]float64 // reason -> count
	reconnects        float64
	droppedResponses  float64
}

// NewCollector creates a new metrics collector
func NewCollector(getConnection func() types.RelayConnection, getAttempts func() int) *Collector {
	return &Collector{
		GetConnection: getConnection,
		GetAttempts:   getAttempts,
		tunnelInfo: prometheus.NewDesc(
			"relay_tunnel_info",
			"Relay tunnel process info metric (always 1)",
			[]string{"network", "relay", "node", "pod"},
			nil,
		),
		tunnelUp: prometheus.NewDesc(
			"relay_tunnel_up",
			"Tunnel registration status (1=connected, 0=otherwise)",
			[]string{"network", "node", "pod"},
			nil,
		),
		tunnelStatus: prometheus.NewDesc(
			"relay_tunnel_status",
			"Current tunnel status (1 for the active status, 0 for the others)",
			[]string{"network", "status", "node", "pod"},
			nil,
		),
		reconnectAttempts: prometheus.NewDesc(
			"relay_tunnel_reconnect_attempts",
			"Consecutive reconnect attempts since the last successful registration",
			[]string{"network", "node", "pod"},
			nil,
		),
		registrationsTotal: prometheus.NewDesc(
			"relay_tunnel_registrations_total",
			"Total registered replies received from the relay",
			[]string{"network", "node", "pod"},
			nil,
		),
		registrationErrors: prometheus.NewDesc(
			"relay_tunnel_registration_errors_total",
			"Total registrations rejected by the relay or timed out",
			[]string{"network", "node", "pod"},
			nil,
		),
		heartbeatsTotal: prometheus.NewDesc(
			"relay_tunnel_heartbeats_total",
			"Total heartbeat frames sent",
			[]string{"network", "node", "pod"},
			nil,
		),
		heartbeatAcksTotal: prometheus.NewDesc(
			"relay_tunnel_heartbeat_acks_total",
			"Total heartbeat_ack frames received",
			[]string{"network", "node", "pod"},
			nil,
		),
		malformedFramesTotal: prometheus.NewDesc(
			"relay_tunnel_malformed_frames_total",
			"Total frames ignored because they could not be decoded (by reason)",
			[]string{"network", "reason", "node", "pod"},
			nil,
		),
		reconnectsTotal: prometheus.NewDesc(
			"relay_tunnel_reconnects_total",
			"Total reconnect attempts scheduled after unintentional closes",
			[]string{"network", "node", "pod"},
			nil,
		),
		droppedResponsesTotal: prometheus.NewDesc(
			"relay_tunnel_dropped_responses_total",
			"Total forwarded responses dropped because the socket was gone",
			[]string{"network", "node", "pod"},
			nil,
		),
		malformedFrames: make(map[string]float64),
	}
}

// RecordRegistration records a registered reply
func (c *Collector) RecordRegistration() {
	if c == nil {
		return
	}
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.registrations++
}

// RecordRegistrationError records a rejected or timed out registration
func (c *Collector) RecordRegistrationError() {
	if c == nil {
		return
	}
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.registrationFails++
}

func (c *Collector) RecordHeartbeat() {
	if c == nil {
		return
	}
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.heartbeats++
}

func (c *Collector) RecordHeartbeatAck() {
	if c == nil {
		return
	}
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.heartbeatAcks++
}

// RecordMalformedFrame records an ignored frame; reason should be low cardinality
func (c *Collector) RecordMalformedFrame(reason string) {
	if c == nil {
		return
	}
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.malformedFrames[reason]++
}

func (c *Collector) RecordReconnect() {
	if c == nil {
		return
	}
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.reconnects++
}

func (c *Collector) RecordDroppedResponse() {
	if c == nil {
		return
	}
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.droppedResponses++
}

// Describe implements prometheus.Collector interface
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.tunnelInfo
	ch <- c.tunnelUp
	ch <- c.tunnelStatus
	ch <- c.reconnectAttempts
	ch <- c.registrationsTotal
	ch <- c.registrationErrors
	ch <- c.heartbeatsTotal
	ch <- c.heartbeatAcksTotal
	ch <- c.malformedFramesTotal
	ch <- c.reconnectsTotal
	ch <- c.droppedResponsesTotal
}

// Collect implements prometheus.Collector interface
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	nodeName, podName := NodeName(), PodName()

	var conn types.RelayConnection
	if c.GetConnection != nil {
		conn = c.GetConnection()
	}
	network := conn.NetworkID
	if network == "" {
		network = "unknown"
	}

	ch <- prometheus.MustNewConstMetric(
		c.tunnelInfo,
		prometheus.GaugeValue,
		1,
		network, conn.RelayBaseURL, nodeName, podName,
	)

	up := 0.0
	if conn.Status == types.StatusConnected {
		up = 1.0
	}
	ch <- prometheus.MustNewConstMetric(c.tunnelUp, prometheus.GaugeValue, up, network, nodeName, podName)

	for _, s := range allStatuses {
		v := 0.0
		if conn.Status == s {
			v = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.tunnelStatus, prometheus.GaugeValue, v, network, string(s), nodeName, podName)
	}

	attempts := 0
	if c.GetAttempts != nil {
		attempts = c.GetAttempts()
	}
	ch <- prometheus.MustNewConstMetric(c.reconnectAttempts, prometheus.GaugeValue, float64(attempts), network, nodeName, podName)

	// Collect metrics from counters
	c.metricsLock.RLock()
	defer c.metricsLock.RUnlock()

	ch <- prometheus.MustNewConstMetric(c.registrationsTotal, prometheus.CounterValue, c.registrations, network, nodeName, podName)
	ch <- prometheus.MustNewConstMetric(c.registrationErrors, prometheus.CounterValue, c.registrationFails, network, nodeName, podName)
	ch <- prometheus.MustNewConstMetric(c.heartbeatsTotal, prometheus.CounterValue, c.heartbeats, network, nodeName, podName)
	ch <- prometheus.MustNewConstMetric(c.heartbeatAcksTotal, prometheus.CounterValue, c.heartbeatAcks, network, nodeName, podName)
	for reason, value := range c.malformedFrames {
		ch <- prometheus.MustNewConstMetric(c.malformedFramesTotal, prometheus.CounterValue, value, network, reason, nodeName, podName)
	}
	ch <- prometheus.MustNewConstMetric(c.reconnectsTotal, prometheus.CounterValue, c.reconnects, network, nodeName, podName)
	ch <- prometheus.MustNewConstMetric(c.droppedResponsesTotal, prometheus.CounterValue, c.droppedResponses, network, nodeName, podName)
}

// NodeName returns the node label, from NODE_NAME
func NodeName() string {
	if v := os.Getenv("NODE_NAME"); v != "" {
		return v
	}
	return "unknown"
}

// PodName returns the pod label, from POD_NAME or HOSTNAME
func PodName() string {
	if v := os.Getenv("POD_NAME"); v != "" {
		return v
	}
	if v := os.Getenv("HOSTNAME"); v != "" {
		return v
	}
	return "unknown"
}
