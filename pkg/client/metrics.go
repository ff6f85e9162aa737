package client

import (
	"net/http"
	"strings"
	"sync"

	"github.com/ops-relay/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// forwardMetrics exports per-method forwarding metrics.
// Tunnel state metrics live in pkg/metrics.
type forwardMetrics struct {
	forwardsTotal       *prometheus.Desc
	forwardsFailedTotal *prometheus.Desc
	activeForwards      *prometheus.Desc

	// state
	mu           sync.RWMutex
	forwards     map[string]float64            // method -> count
	forwardsFail map[string]map[string]float64 // method -> reason -> count
	active       map[string]float64            // method -> gauge
}

var (
	forwardMetricsOnce sync.Once
	clientMetrics      *forwardMetrics
)

// NewMetricsCollector returns a singleton prometheus.Collector for forwarded request metrics.
func NewMetricsCollector() prometheus.Collector {
	forwardMetricsOnce.Do(func() {
		clientMetrics = &forwardMetrics{
			forwardsTotal: prometheus.NewDesc(
				"relay_tunnel_forwards_total",
				"Total number of forwarded requests replayed against the local server (by method)",
				[]string{"method", "node", "pod"},
				nil,
			),
			forwardsFailedTotal: prometheus.NewDesc(
				"relay_tunnel_forwards_failed_total",
				"Total number of forwarded requests answered with a synthetic error (by method and reason)",
				[]string{"method", "reason", "node", "pod"},
				nil,
			),
			activeForwards: prometheus.NewDesc(
				"relay_tunnel_forwards_active",
				"Current number of in-flight forwarded requests (by method)",
				[]string{"method", "node", "pod"},
				nil,
			),
			forwards:     make(map[string]float64),
			forwardsFail: make(map[string]map[string]float64),
			active:       make(map[string]float64),
		}
	})
	return clientMetrics
}

func (m *forwardMetrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.forwardsTotal
	ch <- m.forwardsFailedTotal
	ch <- m.activeForwards
}

func (m *forwardMetrics) Collect(ch chan<- prometheus.Metric) {
	node, pod := metrics.NodeName(), metrics.PodName()

	m.mu.RLock()
	defer m.mu.RUnlock()

	for method, v := range m.forwards {
		ch <- prometheus.MustNewConstMetric(m.forwardsTotal, prometheus.CounterValue, v, method, node, pod)
	}
	for method, byReason := range m.forwardsFail {
		for reason, v := range byReason {
			ch <- prometheus.MustNewConstMetric(m.forwardsFailedTotal, prometheus.CounterValue, v, method, reason, node, pod)
		}
	}
	for method, v := range m.active {
		ch <- prometheus.MustNewConstMetric(m.activeForwards, prometheus.GaugeValue, v, method, node, pod)
	}
}

// otherMethod labels any method outside the standard set, keeping label cardinality bounded
const otherMethod = "OTHER"

var standardMethods = map[string]struct{}{
	http.MethodGet:     {},
	http.MethodHead:    {},
	http.MethodPost:    {},
	http.MethodPut:     {},
	http.MethodPatch:   {},
	http.MethodDelete:  {},
	http.MethodConnect: {},
	http.MethodOptions: {},
	http.MethodTrace:   {},
}

func methodLabel(method string) string {
	method = strings.ToUpper(strings.TrimSpace(method))
	if _, ok := standardMethods[method]; ok {
		return method
	}
	return otherMethod
}

// forwardStats returns the process-wide forward metrics, creating them on first use
func forwardStats() *forwardMetrics {
	return NewMetricsCollector().(*forwardMetrics)
}

func recordForwardStart(method string) {
	m := forwardStats()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[method]++
}

func recordForwardSuccess(method string) {
	m := forwardStats()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forwards[method]++
	if m.active[method] > 0 {
		m.active[method]--
	}
}

func recordForwardFail(method, reason string) {
	m := forwardStats()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forwards[method]++
	if _, ok := m.forwardsFail[method]; !ok {
		m.forwardsFail[method] = make(map[string]float64)
	}
	m.forwardsFail[method][reason]++
	if m.active[method] > 0 {
		m.active[method]--
	}
}
