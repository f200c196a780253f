package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors exported by the topology daemon. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Events          *prometheus.CounterVec
	DispatchSeconds prometheus.Histogram
	Version         prometheus.Gauge
	JournalErrors   prometheus.Counter
	IngestRecords   *prometheus.CounterVec
	Replayed        prometheus.Counter
}

func New() *Metrics {
	return &Metrics{
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "topology_events_total",
			Help: "Topology events dispatched, by kind and outcome",
		}, []string{"kind", "outcome"}),
		DispatchSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "topology_dispatch_seconds",
			Help:    "Time spent applying one event under the consistency guard",
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 14),
		}),
		Version: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "topology_version",
			Help: "Number of events applied to the topology",
		}),
		JournalErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "topology_journal_errors_total",
			Help: "Journal appends that failed after the event was applied",
		}),
		IngestRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "topology_ingest_records_total",
			Help: "Records received per ingest adapter",
		}, []string{"source"}),
		Replayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "topology_replayed_events_total",
			Help: "Journal entries re-applied during replay",
		}),
	}
}

// Register registers every collector on reg (or the default registerer if
// nil). Collectors that are already registered are adopted.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	var err error
	if m.Events, err = register(reg, m.Events); err != nil {
		return err
	}
	if m.DispatchSeconds, err = register(reg, m.DispatchSeconds); err != nil {
		return err
	}
	if m.Version, err = register(reg, m.Version); err != nil {
		return err
	}
	if m.JournalErrors, err = register(reg, m.JournalErrors); err != nil {
		return err
	}
	if m.IngestRecords, err = register(reg, m.IngestRecords); err != nil {
		return err
	}
	if m.Replayed, err = register(reg, m.Replayed); err != nil {
		return err
	}
	return nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *Metrics) ObserveDispatch(kind, outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(kind, outcome).Inc()
	m.DispatchSeconds.Observe(time.Since(started).Seconds())
}

func (m *Metrics) SetVersion(v uint64) {
	if m == nil {
		return
	}
	m.Version.Set(float64(v))
}

func (m *Metrics) JournalFailed() {
	if m == nil {
		return
	}
	m.JournalErrors.Inc()
}

func (m *Metrics) IngestRecord(source string) {
	if m == nil {
		return
	}
	m.IngestRecords.WithLabelValues(source).Inc()
}

func (m *Metrics) ReplayedEntry() {
	if m == nil {
		return
	}
	m.Replayed.Inc()
}
