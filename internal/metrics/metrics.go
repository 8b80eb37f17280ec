package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Operations        *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	Attempts          *prometheus.CounterVec
	ProxyRotations    prometheus.Counter
	CaptchaSolves     *prometheus.CounterVec
	Exclusions        *prometheus.CounterVec
	FarmAccounts      *prometheus.GaugeVec
}

// New creates the metrics and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Operations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nodefarm_operations_total",
			Help: "Completed operations by kind and status",
		}, []string{"kind", "success"}),
		OperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nodefarm_operation_duration_seconds",
			Help:    "Wall-clock time of one operation run",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"kind"}),
		Attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nodefarm_attempts_total",
			Help: "Operation attempts started",
		}, []string{"kind"}),
		ProxyRotations: factory.NewCounter(prometheus.CounterOpts{
			Name: "nodefarm_proxy_rotations_total",
			Help: "Proxies released and replaced after a failure",
		}),
		CaptchaSolves: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nodefarm_captcha_solves_total",
			Help: "Captcha solve attempts by provider, kind and result",
		}, []string{"provider", "kind", "solved"}),
		Exclusions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nodefarm_exclusions_total",
			Help: "Accounts excluded from further scheduling",
		}, []string{"reason"}),
		FarmAccounts: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nodefarm_farm_accounts",
			Help: "Accounts per state in the last farm pass",
		}, []string{"state"}),
	}
}

// Handler serves the metrics gathered by g
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveOperation(kind string, success bool, took time.Duration) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(kind, strconv.FormatBool(success)).Inc()
	m.OperationDuration.WithLabelValues(kind).Observe(took.Seconds())
}

func (m *Metrics) Attempt(kind string) {
	if m == nil {
		return
	}
	m.Attempts.WithLabelValues(kind).Inc()
}

func (m *Metrics) ProxyRotated() {
	if m == nil {
		return
	}
	m.ProxyRotations.Inc()
}

func (m *Metrics) CaptchaSolved(provider, kind string, solved bool) {
	if m == nil {
		return
	}
	m.CaptchaSolves.WithLabelValues(provider, kind, strconv.FormatBool(solved)).Inc()
}

func (m *Metrics) Excluded(reason string) {
	if m == nil {
		return
	}
	m.Exclusions.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetFarmAccounts(ready, asleep, unlogged int) {
	if m == nil {
		return
	}
	m.FarmAccounts.WithLabelValues("ready").Set(float64(ready))
	m.FarmAccounts.WithLabelValues("asleep").Set(float64(asleep))
	m.FarmAccounts.WithLabelValues("unlogged").Set(float64(unlogged))
}
