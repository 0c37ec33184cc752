// Package metrics exposes the pipeline's Prometheus counters/gauges,
// grounded on the teacher's own promauto-based package-level vars
// (go/network/metrics.go, go/bindings/metrics.go).
package metrics

import (
	"context"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

var (
	// FetchRowsTotal counts staging rows inserted per resource.
	FetchRowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ehr_fhir_sync_fetch_rows_total",
		Help: "counter of rows staged by the Fetcher, by resource",
	}, []string{"resource"})

	// FetchErrorsTotal counts fetch cycle failures per resource.
	FetchErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ehr_fhir_sync_fetch_errors_total",
		Help: "counter of Fetcher failures, by resource",
	}, []string{"resource"})

	// QueueDepth reports the current unprocessed fhir_queue row count, by
	// resource type.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ehr_fhir_sync_queue_depth",
		Help: "gauge of unprocessed fhir_queue rows, by resource type",
	}, []string{"resource_type"})

	// PublishAttemptsTotal counts every Publisher send attempt (including
	// retries), by resource type and outcome (success/invalid/retryable).
	PublishAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ehr_fhir_sync_publish_attempts_total",
		Help: "counter of Publisher send attempts, by resource type and outcome",
	}, []string{"resource_type", "outcome"})

	// PublishFailuresTotal counts Publisher rows left unprocessed after a
	// cycle (invalid-and-retained, or retryable-exhausted).
	PublishFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ehr_fhir_sync_publish_failures_total",
		Help: "counter of queue rows left unprocessed after a publish attempt, by resource type",
	}, []string{"resource_type"})
)

// Server exposes the registered metrics on /metrics.
type Server struct {
	http *http.Server
	log  *log.Entry
}

// NewServer builds a metrics Server bound to addr (not yet listening).
func NewServer(addr string, logger *log.Entry) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{
		http: &http.Server{Addr: addr, Handler: mux},
		log:  logger,
	}
}

// Run listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", s.http.Addr).Info("metrics server listening")
		errCh <- s.http.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		return s.http.Shutdown(context.Background())
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
