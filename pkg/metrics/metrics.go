package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ekaya-inc/occi-engine/pkg/apperrors"
)

// Metrics holds the registry's Prometheus collectors.
// All methods are safe to call on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	RegistryOperations *prometheus.CounterVec
	Classifications    *prometheus.CounterVec
	Entities           *prometheus.GaugeVec
	SnapshotDuration   *prometheus.HistogramVec
}

// New creates the collectors and registers them, with Go runtime and
// process collectors, on a dedicated registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		RegistryOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "occi",
				Subsystem: "registry",
				Name:      "operations_total",
				Help:      "Registry operations by operation and outcome code",
			},
			[]string{"operation", "outcome"},
		),

		Classifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "occi",
				Subsystem: "classifier",
				Name:      "requests_total",
				Help:      "Classified requests by intent",
			},
			[]string{"intent"},
		),

		Entities: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "occi",
				Subsystem: "registry",
				Name:      "entities",
				Help:      "Live entities per owner",
			},
			[]string{"owner"},
		),

		SnapshotDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "occi",
				Subsystem: "snapshot",
				Name:      "duration_seconds",
				Help:      "Time spent saving or loading tenant snapshots",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}

	m.registry.MustRegister(
		m.RegistryOperations,
		m.Classifications,
		m.Entities,
		m.SnapshotDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the Prometheus registry for exposition.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveOperation counts one registry operation; the outcome label is the
// error code, or "ok".
func (m *Metrics) ObserveOperation(operation string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = apperrors.Code(err)
	}
	m.RegistryOperations.WithLabelValues(operation, outcome).Inc()
}

// ObserveClassification counts one classified request.
func (m *Metrics) ObserveClassification(intent string) {
	if m == nil {
		return
	}
	m.Classifications.WithLabelValues(intent).Inc()
}

// SetEntities records the entity count of an owner.
func (m *Metrics) SetEntities(owner string, n int) {
	if m == nil {
		return
	}
	m.Entities.WithLabelValues(owner).Set(float64(n))
}

// DeleteOwner drops the per-owner series.
func (m *Metrics) DeleteOwner(owner string) {
	if m == nil {
		return
	}
	m.Entities.DeleteLabelValues(owner)
}

// ObserveSnapshot records the duration of a save or load.
func (m *Metrics) ObserveSnapshot(operation string, started time.Time) {
	if m == nil {
		return
	}
	m.SnapshotDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}
