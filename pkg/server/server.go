package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ops-relay/pkg/logging"
	"github.com/ops-relay/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusServer exposes metrics, liveness and the tunnel state over HTTP
type StatusServer struct {
	registry   *prometheus.Registry
	connection func() types.RelayConnection
}

// NewStatusServer creates a status server. connection returns the current tunnel state;
// collectors are registered on a private registry.
func NewStatusServer(connection func() types.RelayConnection, collectors ...prometheus.Collector) *StatusServer {
	registry := prometheus.NewRegistry()
	for _, c := range collectors {
		registry.MustRegister(c)
	}
	return &StatusServer{registry: registry, connection: connection}
}

// Handler returns the HTTP routes, with metrics under metricsPath
func (s *StatusServer) Handler(metricsPath string) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(metricsPath, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if s.connection().Status != types.StatusConnected {
			http.Error(w, "tunnel not connected", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.connection())
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`<html>
<head><title>Relay Tunnel Exporter</title></head>
<body>
<h1>Relay Tunnel Exporter</h1>
<p><a href="` + metricsPath + `">Metrics</a></p>
<p><a href="/status">Status</a></p>
</body>
</html>`))
	})
	return mux
}

// StartMetricsServer serves Handler on metricsAddr until ctx is done
func (s *StatusServer) StartMetricsServer(ctx context.Context, metricsAddr, metricsPath string) error {
	srv := &http.Server{
		Addr:              metricsAddr,
		Handler:           s.Handler(metricsPath),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logging.Logf("[listen] metrics addr=%s path=%s health=/healthz status=/status", metricsAddr, metricsPath)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
