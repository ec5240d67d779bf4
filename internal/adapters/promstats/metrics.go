package promstats

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/atvirokodosprendimai/revaudit/internal/core/domain"
	"github.com/atvirokodosprendimai/revaudit/internal/core/ports"
	"github.com/atvirokodosprendimai/revaudit/internal/core/usecase"
)

const namespace = "revaudit"

// Metrics records engine observations as Prometheus counters.
type Metrics struct {
	allocated prometheus.Counter
	abandoned prometheus.Counter
	rows      *prometheus.CounterVec
	cache     *prometheus.CounterVec
}

// New registers the engine counters with reg. A nil reg uses the default
// registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		allocated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "revisions_allocated_total",
			Help:      "Number of revision numbers allocated.",
		}),
		abandoned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "revisions_abandoned_total",
			Help:      "Number of allocated revisions whose transaction rolled back.",
		}),
		rows: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_rows_written_total",
			Help:      "Number of audit rows written, by entity and revision type.",
		}, []string{"entity", "type"}),
		cache: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reader_cache_lookups_total",
			Help:      "Snapshot cache lookups of reader sessions, by result.",
		}, []string{"result"}),
	}
}

var _ ports.Metrics = (*Metrics)(nil)

func (m *Metrics) RevisionAllocated() {
	m.allocated.Inc()
}

func (m *Metrics) RevisionAbandoned() {
	m.abandoned.Inc()
}

func (m *Metrics) RowWritten(entity domain.EntityName, t domain.RevisionType) {
	m.rows.WithLabelValues(string(entity), t.String()).Inc()
}

func (m *Metrics) CacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cache.WithLabelValues(result).Inc()
}

// RegisterDispatcher exposes the outbox dispatcher totals.
func RegisterDispatcher(reg prometheus.Registerer, d *usecase.OutboxDispatcher) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	for name, read := range map[string]func(usecase.OutboxDispatcherMetrics) int64{
		"success": func(m usecase.OutboxDispatcherMetrics) int64 { return m.DispatchSuccessTotal },
		"failure": func(m usecase.OutboxDispatcherMetrics) int64 { return m.DispatchFailureTotal },
		"dead":    func(m usecase.OutboxDispatcherMetrics) int64 { return m.DispatchDeadTotal },
	} {
		factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "outbox_dispatch_total",
			Help:        "Outbox dispatch attempts, by outcome.",
			ConstLabels: prometheus.Labels{"outcome": name},
		}, func() float64 { return float64(read(d.Metrics())) })
	}
}
