// Package metrics is the counter sink consumed across the write path,
// exposed as a Prometheus exposition endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sink holds the service counters. Construct one per process; each Sink owns
// its registry so tests can build isolated instances.
type Sink struct {
	registry *prometheus.Registry

	Requests            prometheus.Counter
	Errors              prometheus.Counter
	Conflicts           prometheus.Counter
	IdempotentHits      prometheus.Counter
	RateLimitRejections prometheus.Counter
	ShedRequests        prometheus.Counter
	FSRetries           prometheus.Counter
	BreakerOpenings     prometheus.Counter
}

// New constructs a Sink with all counters registered.
func New() *Sink {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "inventory",
			Name:      name,
			Help:      help,
		})
		reg.MustRegister(c)
		return c
	}

	return &Sink{
		registry:            reg,
		Requests:            counter("requests_total", "Requests received."),
		Errors:              counter("errors_total", "Requests that resulted in an error response."),
		Conflicts:           counter("conflicts_total", "Version or idempotency conflicts."),
		IdempotentHits:      counter("idempotent_hits_total", "Commands short-circuited by the idempotency cache."),
		RateLimitRejections: counter("rate_limit_rejections_total", "Requests rejected by the rate limiter."),
		ShedRequests:        counter("shed_requests_total", "Requests rejected by the load shedder."),
		FSRetries:           counter("fs_retries_total", "Retried filesystem operations."),
		BreakerOpenings:     counter("breaker_openings_total", "Circuit breaker open transitions."),
	}
}

// Handler serves the Prometheus exposition format for this Sink's registry.
func (s *Sink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
