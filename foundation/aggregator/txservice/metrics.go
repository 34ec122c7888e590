package txservice

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the prometheus collectors for the service.
type metrics struct {
	readyTxs          prometheus.Gauge
	futureTxs         prometheus.Gauge
	batches           prometheus.Counter
	batchTxs          prometheus.Counter
	admissionFailures *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := metrics{
		readyTxs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aggregator",
			Name:      "ready_txs",
			Help:      "number of transactions in the ready table",
		}),
		futureTxs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aggregator",
			Name:      "future_txs",
			Help:      "number of transactions in the future table",
		}),
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aggregator",
			Name:      "batches_total",
			Help:      "total number of batches submitted to the wallet service",
		}),
		batchTxs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aggregator",
			Name:      "batch_txs_total",
			Help:      "total number of transactions submitted in batches",
		}),
		admissionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aggregator",
			Name:      "admission_failures_total",
			Help:      "total number of refused transactions by failure type",
		}, []string{"type"}),
	}

	if err := register(reg, "ready gauge", &m.readyTxs); err != nil {
		return nil, err
	}
	if err := register(reg, "future gauge", &m.futureTxs); err != nil {
		return nil, err
	}
	if err := register(reg, "batches counter", &m.batches); err != nil {
		return nil, err
	}
	if err := register(reg, "batch txs counter", &m.batchTxs); err != nil {
		return nil, err
	}
	if err := register(reg, "admission failures counter", &m.admissionFailures); err != nil {
		return nil, err
	}

	return &m, nil
}

// register adds the collector to the registry. When an identical collector
// is already registered, the existing one takes its place.
func register[T prometheus.Collector](reg prometheus.Registerer, name string, c *T) error {
	err := reg.Register(*c)
	if err == nil {
		return nil
	}

	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(T); ok {
			*c = existing
			return nil
		}
	}

	return fmt.Errorf("cannot register %s: %w", name, err)
}

func (m *metrics) setCounts(ready, future int) {
	m.readyTxs.Set(float64(ready))
	m.futureTxs.Set(float64(future))
}
