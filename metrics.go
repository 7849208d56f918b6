package ktable

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the Prometheus collectors of an app. A nil *Metrics records
// nothing.
type Metrics struct {
	consumed        *prometheus.CounterVec
	produced        *prometheus.CounterVec
	transactions    *prometheus.CounterVec
	replayed        *prometheus.CounterVec
	recoveries      prometheus.Counter
	recoveryPending prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer, namespace string) (*Metrics, error) {
	m := &Metrics{
		consumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_consumed_total",
			Help:      "Messages consumed for processing.",
		}, []string{"topic"}),
		produced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_produced_total",
			Help:      "Messages produced within transactions.",
		}, []string{"topic"}),
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Ended transactions by result.",
		}, []string{"result"}),
		replayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "changelog_replayed_total",
			Help:      "Changelog records replayed into table partitions.",
		}, []string{"partition"}),
		recoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recoveries_total",
			Help:      "Table recoveries started.",
		}),
		recoveryPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_pending_partitions",
			Help:      "Table partitions waiting for changelog replay.",
		}),
	}
	for _, c := range []prometheus.Collector{m.consumed, m.produced, m.transactions, m.replayed, m.recoveries, m.recoveryPending} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) incConsumed(topic string) {
	if m == nil {
		return
	}
	m.consumed.WithLabelValues(topic).Inc()
}

func (m *Metrics) incProduced(topic string) {
	if m == nil {
		return
	}
	m.produced.WithLabelValues(topic).Inc()
}

func (m *Metrics) incTransaction(result string) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(result).Inc()
}

func (m *Metrics) incReplayed(partition int32) {
	if m == nil {
		return
	}
	m.replayed.WithLabelValues(strconv.Itoa(int(partition))).Inc()
}

func (m *Metrics) incRecoveries() {
	if m == nil {
		return
	}
	m.recoveries.Inc()
}

func (m *Metrics) setRecoveryPending(n int) {
	if m == nil {
		return
	}
	m.recoveryPending.Set(float64(n))
}
