// Package metrics exposes Prometheus metrics for the honeypot.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amv42/honeysh/internal/event"
)

var (
	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "honeysh_events_total",
			Help: "Total number of emitted events by event id",
		},
		[]string{"eventid"},
	)

	loginAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "honeysh_login_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"result"},
	)

	artifactsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "honeysh_artifacts_total",
			Help: "Total number of captured artifacts by kind",
		},
		[]string{"kind"},
	)

	artifactBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "honeysh_artifact_bytes_total",
			Help: "Total bytes of captured artifacts",
		},
	)

	sessionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "honeysh_session_duration_seconds",
			Help:    "Connection duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 3600},
		},
	)

	connectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "honeysh_connections_active",
			Help: "Number of open attacker connections",
		},
	)

	serversActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "honeysh_servers_active",
			Help: "Number of live per-identity fake hosts",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetServersActive records the number of live fake hosts.
func SetServersActive(n int) {
	serversActive.Set(float64(n))
}

// Sink turns honeypot events into metric updates.
type Sink struct{}

func (Sink) Emit(e event.Event) {
	eventsTotal.WithLabelValues(e.Type.String()).Inc()

	switch e.Type {
	case event.SessionConnect:
		connectionsActive.Inc()
	case event.SessionClosed:
		connectionsActive.Dec()
		if d, ok := e.Fields["duration"].(float64); ok {
			sessionDuration.Observe(d)
		}
	case event.LoginSuccess:
		loginAttemptsTotal.WithLabelValues("success").Inc()
	case event.LoginFailed:
		loginAttemptsTotal.WithLabelValues("failed").Inc()
	case event.FileDownload, event.FileUpload, event.LogClosed:
		artifactsTotal.WithLabelValues(e.Type.String()).Inc()
		if n, ok := e.Fields["size"].(int64); ok {
			artifactBytes.Add(float64(n))
		}
	}
}

// Serve runs the metrics endpoint on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
