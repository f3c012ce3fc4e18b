// -----------------------------------------------------------------------
// Metrics - Prometheus collectors for pollers, jobs and health
// -----------------------------------------------------------------------

package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ternarybob/permitwatch/internal/models"
)

const namespace = "permitwatch"

var healthStatuses = []models.HealthStatus{
	models.HealthHealthy,
	models.HealthDegraded,
	models.HealthDown,
	models.HealthUnknown,
}

// Service owns a private Prometheus registry. It satisfies the metrics
// recorder interfaces of the job and health monitors.
type Service struct {
	registry *prometheus.Registry

	ticks        *prometheus.CounterVec
	tickErrors   *prometheus.CounterVec
	tickSkips    *prometheus.CounterVec
	tickDuration *prometheus.HistogramVec
	inFlight     *prometheus.GaugeVec
	jobsFinished *prometheus.CounterVec
	healthStatus *prometheus.GaugeVec
	healthChecks prometheus.Counter
}

// NewService creates and registers every collector
func NewService() *Service {
	s := &Service{
		registry: prometheus.NewRegistry(),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "ticks_total",
			Help:      "Poll ticks executed, by scheduler kind.",
		}, []string{"kind"}),
		tickErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "tick_errors_total",
			Help:      "Poll ticks that returned an error, by scheduler kind.",
		}, []string{"kind"}),
		tickSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "ticks_skipped_total",
			Help:      "Poll cycles skipped, by scheduler kind and reason.",
		}, []string{"kind", "reason"}),
		tickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "tick_duration_seconds",
			Help:      "Duration of poll fetches.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"kind"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "ticks_in_flight",
			Help:      "Poll fetches currently in flight.",
		}, []string{"kind"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "finished_total",
			Help:      "Monitored jobs that reached a terminal state, by status.",
		}, []string{"status"}),
		healthStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "status",
			Help:      "1 for the most recently observed backend health status, 0 otherwise.",
		}, []string{"status"}),
		healthChecks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "checks_total",
			Help:      "Health snapshots applied, including failure-mapped ones.",
		}),
	}

	s.registry.MustRegister(
		s.ticks,
		s.tickErrors,
		s.tickSkips,
		s.tickDuration,
		s.inFlight,
		s.jobsFinished,
		s.healthStatus,
		s.healthChecks,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, status := range healthStatuses {
		s.healthStatus.WithLabelValues(string(status)).Set(0)
	}
	return s
}

// Registry exposes the underlying registry, mainly for tests
func (s *Service) Registry() *prometheus.Registry {
	return s.registry
}

// Handler serves the registry in the Prometheus exposition format
func (s *Service) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// TickStarted implements poller.Recorder
func (s *Service) TickStarted(name string) {
	s.inFlight.WithLabelValues(kindOf(name)).Inc()
}

// TickFinished implements poller.Recorder
func (s *Service) TickFinished(name string, elapsed time.Duration, err error) {
	kind := kindOf(name)
	s.inFlight.WithLabelValues(kind).Dec()
	s.ticks.WithLabelValues(kind).Inc()
	s.tickDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
	if err != nil {
		s.tickErrors.WithLabelValues(kind).Inc()
	}
}

// TickSkipped implements poller.Recorder
func (s *Service) TickSkipped(name string, reason string) {
	s.tickSkips.WithLabelValues(kindOf(name), reason).Inc()
}

// JobFinished counts a job reaching a terminal state
func (s *Service) JobFinished(status models.JobStatus) {
	s.jobsFinished.WithLabelValues(string(status)).Inc()
}

// HealthObserved sets the health gauge to the given status
func (s *Service) HealthObserved(status models.HealthStatus) {
	s.healthChecks.Inc()
	for _, candidate := range healthStatuses {
		value := 0.0
		if candidate == status {
			value = 1
		}
		s.healthStatus.WithLabelValues(string(candidate)).Set(value)
	}
}

// kindOf collapses per-job scheduler names ("job:<id>") into one label value
// so label cardinality stays bounded
func kindOf(name string) string {
	kind, _, _ := strings.Cut(name, ":")
	return kind
}
