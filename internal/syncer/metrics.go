package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/KossiPascal/health-map-project/internal/replicate"
)

const (
	namespace = "healthmap"
	subsystem = "sync"
)

// Replication directions and cycle results used as label values.
const (
	directionPush = "push"
	directionPull = "pull"

	resultOK     = "ok"
	resultBenign = "benign"
	resultDenied = "denied"
	resultError  = "error"
)

// Metrics are the coordinator's Prometheus series. A nil *Metrics records
// nothing.
type Metrics struct {
	status            *prometheus.GaugeVec
	docsWritten       *prometheus.CounterVec
	docsRead          *prometheus.CounterVec
	cycles            *prometheus.CounterVec
	conflictsResolved prometheus.Counter
	tombstonesPurged  prometheus.Counter
}

// NewMetrics registers the coordinator series with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		status: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "status",
				Help:      "Current sync status (1 for the current state, 0 otherwise)",
			},
			[]string{"status"},
		),
		docsWritten: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "docs_written_total",
				Help:      "Total number of documents written by replication",
			},
			[]string{"direction"},
		),
		docsRead: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "docs_read_total",
				Help:      "Total number of change entries read by replication",
			},
			[]string{"direction"},
		),
		cycles: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "cycles_total",
				Help:      "Total number of sync cycles by result",
			},
			[]string{"result"},
		),
		conflictsResolved: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "conflicts_resolved_total",
				Help:      "Total number of documents whose conflicts were resolved",
			},
		),
		tombstonesPurged: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "tombstones_purged_total",
				Help:      "Total number of converged tombstones purged locally",
			},
		),
	}
}

func (m *Metrics) setStatus(s Status) {
	if m == nil {
		return
	}

	for _, st := range AllStatuses {
		v := 0.0
		if st == s {
			v = 1
		}

		m.status.WithLabelValues(string(st)).Set(v)
	}
}

func (m *Metrics) observeRound(push, pull replicate.Result) {
	if m == nil {
		return
	}

	m.docsWritten.WithLabelValues(directionPush).Add(float64(push.DocsWritten))
	m.docsWritten.WithLabelValues(directionPull).Add(float64(pull.DocsWritten))
	m.docsRead.WithLabelValues(directionPush).Add(float64(push.DocsRead))
	m.docsRead.WithLabelValues(directionPull).Add(float64(pull.DocsRead))
}

func (m *Metrics) cycle(result string) {
	if m == nil {
		return
	}

	m.cycles.WithLabelValues(result).Inc()
}

func (m *Metrics) resolved(n int) {
	if m == nil || n == 0 {
		return
	}

	m.conflictsResolved.Add(float64(n))
}

func (m *Metrics) purged(n int) {
	if m == nil || n == 0 {
		return
	}

	m.tombstonesPurged.Add(float64(n))
}
