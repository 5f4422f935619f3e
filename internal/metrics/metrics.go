// Package metrics exposes Prometheus counters for the interception
// pipeline. All observation methods are nil-receiver safe so components
// can run without a metrics registry wired in.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline's Prometheus collectors.
type Metrics struct {
	eventsTotal      *prometheus.CounterVec
	commandsTotal    *prometheus.CounterVec
	resolutionsTotal *prometheus.CounterVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		eventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lockc_events_total",
				Help: "Intercepted execution events by verdict",
			},
			[]string{"verdict"},
		),
		commandsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lockc_commands_total",
				Help: "Map-state commands served by the executor",
			},
			[]string{"op", "outcome"},
		),
		resolutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lockc_policy_resolutions_total",
				Help: "Policy resolutions by source and resulting level",
			},
			[]string{"source", "level"},
		),
	}
}

// EventAnswered records one permission event and its verdict.
func (m *Metrics) EventAnswered(allowed bool) {
	if m == nil {
		return
	}
	verdict := "allow"
	if !allowed {
		verdict = "deny"
	}
	m.eventsTotal.WithLabelValues(verdict).Inc()
}

// CommandServed records one executor command and its outcome.
func (m *Metrics) CommandServed(op string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.commandsTotal.WithLabelValues(op, outcome).Inc()
}

// PolicyResolved records one policy resolution.
func (m *Metrics) PolicyResolved(source, level string) {
	if m == nil {
		return
	}
	m.resolutionsTotal.WithLabelValues(source, level).Inc()
}

// Serve exposes the registry on addr under /metrics until ctx is
// cancelled.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
