// Package metrics exposes the arbiter and monitor state as Prometheus
// metrics. A nil *Metrics discards everything.
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sweeney/power-arbiter/internal/monitor"
	"github.com/sweeney/power-arbiter/internal/power"
	"github.com/sweeney/power-arbiter/internal/sensor"
	"github.com/sweeney/power-arbiter/internal/throttle"
)

const namespace = "power_arbiter"

// Metrics owns its registry so tests and multiple instances do not collide.
type Metrics struct {
	reg *prometheus.Registry

	budget     prometheus.Gauge
	sample     prometheus.Gauge
	avg        prometheus.Gauge
	max        prometheus.Gauge
	headroom   prometheus.Gauge
	ticks      prometheus.Counter
	tickErrors *prometheus.CounterVec

	throttle     *prometheus.GaugeVec
	transitions  *prometheus.CounterVec
	actuatorFail *prometheus.CounterVec

	activePort     prometheus.Gauge
	supplier       *prometheus.GaugeVec
	portRequests   *prometheus.CounterVec
	adapterPresent prometheus.Gauge
	systemState    prometheus.Gauge
}

// New creates and registers every metric. bits lists the throttles of the
// board so their gauges read 0 before the first transition.
func New(bits []throttle.Bit) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		budget: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "budget_milliwatts",
			Help: "Input power limit of the active charge port.",
		}),
		sample: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "power_milliwatts",
			Help: "Last main supply power reading.",
		}),
		avg: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "power_avg_milliwatts",
			Help: "Average of the sample window.",
		}),
		max: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "power_max_milliwatts",
			Help: "Maximum of the sample window.",
		}),
		headroom: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "rail_headroom_milliwatts",
			Help: "Shared rail capacity left after throttling.",
		}),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "monitor_ticks_total",
			Help: "Monitor control loop passes.",
		}),
		tickErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "monitor_errors_total",
			Help: "Monitor passes that could not read their inputs.",
		}, []string{"kind"}),
		throttle: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "throttle_active",
			Help: "1 while the throttle is asserted.",
		}, []string{"bit"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "throttle_transitions_total",
			Help: "Throttle assert and release transitions.",
		}, []string{"bit"}),
		actuatorFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "throttle_actuation_failures_total",
			Help: "Failed throttle writes.",
		}, []string{"bit"}),
		activePort: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_port",
			Help: "Port allowed to sink, -1 for none.",
		}),
		supplier: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "charge_supplier",
			Help: "1 for the supplier of the active input.",
		}, []string{"supplier"}),
		portRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "port_requests_total",
			Help: "Charge port requests by outcome.",
		}, []string{"result"}),
		adapterPresent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "adapter_present",
			Help: "Debounced adapter presence, -1 while unknown.",
		}),
		systemState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "system_state",
			Help: "Host power state: 0 off, 1 suspended, 2 running.",
		}),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.budget, m.sample, m.avg, m.max, m.headroom, m.ticks, m.tickErrors,
		m.throttle, m.transitions, m.actuatorFail,
		m.activePort, m.supplier, m.portRequests, m.adapterPresent, m.systemState,
	)

	for _, b := range bits {
		m.throttle.WithLabelValues(b.String()).Set(0)
	}
	for _, s := range power.Suppliers {
		m.supplier.WithLabelValues(s.String()).Set(0)
	}
	m.activePort.Set(float64(power.PortNone))
	m.adapterPresent.Set(-1)
	return m
}

// Registry returns the registry holding every metric.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Observe records one monitor pass.
func (m *Metrics) Observe(r monitor.Report) {
	if m == nil {
		return
	}
	m.ticks.Inc()
	m.systemState.Set(float64(r.System))
	m.budget.Set(float64(r.BudgetMilliW))
	m.headroom.Set(float64(r.HeadroomMilliW))
	if !r.Sample.At.IsZero() {
		m.sample.Set(float64(r.Sample.MilliW))
		m.avg.Set(float64(r.AvgMilliW))
		m.max.Set(float64(r.MaxMilliW))
	}
	if r.Err != nil {
		m.tickErrors.WithLabelValues(errorKind(r.Err)).Inc()
	}
	for _, b := range r.Changed.Bits() {
		v := 0.0
		if r.Throttle.Has(b) {
			v = 1
		}
		m.throttle.WithLabelValues(b.String()).Set(v)
		m.transitions.WithLabelValues(b.String()).Inc()
	}
	for _, b := range r.Failed.Bits() {
		m.actuatorFail.WithLabelValues(b.String()).Inc()
	}
}

// SetActivePort records an arbiter decision.
func (m *Metrics) SetActivePort(p power.Port) {
	if m == nil {
		return
	}
	m.activePort.Set(float64(p))
}

// SetSupplier marks s as the active supplier.
func (m *Metrics) SetSupplier(s power.Supplier) {
	if m == nil {
		return
	}
	for _, each := range power.Suppliers {
		v := 0.0
		if each == s {
			v = 1
		}
		m.supplier.WithLabelValues(each.String()).Set(v)
	}
}

// PortRequest counts a RequestPort outcome; err nil means accepted.
func (m *Metrics) PortRequest(err error) {
	if m == nil {
		return
	}
	result := "accepted"
	if err != nil {
		result = "refused"
	}
	m.portRequests.WithLabelValues(result).Inc()
}

// SetAdapterPresent records the debounced adapter state.
func (m *Metrics) SetAdapterPresent(present, known bool) {
	if m == nil {
		return
	}
	switch {
	case !known:
		m.adapterPresent.Set(-1)
	case present:
		m.adapterPresent.Set(1)
	default:
		m.adapterPresent.Set(0)
	}
}

// SetSystemState records the host power state.
func (m *Metrics) SetSystemState(s power.SystemState) {
	if m == nil {
		return
	}
	m.systemState.Set(float64(s))
}

func errorKind(err error) string {
	if errors.Is(err, sensor.ErrRead) {
		return "sensor"
	}
	return "budget"
}
