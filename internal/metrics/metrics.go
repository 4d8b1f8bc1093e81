// Package metrics exposes the engine's Prometheus collectors, served at
// /metrics in the Prometheus text exposition format.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ticksProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_ticks_processed_total",
			Help: "Ticks accepted into evaluation",
		},
	)

	ticksDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_ticks_dropped_total",
			Help: "Ticks dropped before evaluation",
		},
		[]string{"reason"}, // nan | non_positive | out_of_order | queue_full
	)

	ordersSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_orders_submitted_total",
			Help: "Orders transmitted to the broker",
		},
		[]string{"kind"},
	)

	fills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_fills_total",
			Help: "Broker-confirmed fills applied",
		},
		[]string{"kind"},
	)

	rejects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_broker_rejects_total",
			Help: "Broker rejections applied",
		},
	)

	ocaCancels = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_oca_cancels_total",
			Help: "Sibling orders cancelled by OCA",
		},
	)

	persistenceFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_persistence_failures_total",
			Help: "Durable writes that failed and halted a trade",
		},
	)

	activeTrades = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_active_trades",
			Help: "Trades currently in tick dispatch",
		},
	)
)

func init() {
	prometheus.MustRegister(ticksProcessed, ticksDropped, ordersSubmitted, fills,
		rejects, ocaCancels, persistenceFailures, activeTrades)
}

func IncTickProcessed()            { ticksProcessed.Inc() }
func IncTickDropped(reason string) { ticksDropped.WithLabelValues(reason).Inc() }
func IncOrderSubmitted(kind string) {
	ordersSubmitted.WithLabelValues(kind).Inc()
}
func IncFill(kind string)        { fills.WithLabelValues(kind).Inc() }
func IncReject()                 { rejects.Inc() }
func IncOCACancel()              { ocaCancels.Inc() }
func IncPersistenceFailure()     { persistenceFailures.Inc() }
func SetActiveTrades(n int)      { activeTrades.Set(float64(n)) }
