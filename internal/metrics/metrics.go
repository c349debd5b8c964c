// metrics — счётчики прокси и координатора обновления токена.
// Методы безопасны для nil-получателя: метрики можно не подключать.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "console"

// Исходы обновления токена.
const (
	RefreshSuccess = "success"
	RefreshFailure = "failure"
	RefreshReused  = "reused"
)

type Metrics struct {
	proxyRequests   *prometheus.CounterVec
	upstreamLatency *prometheus.HistogramVec
	refreshes       *prometheus.CounterVec
}

// New регистрирует коллекторы в reg (nil -> без регистрации).
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		proxyRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Forwarded proxy requests by method and relayed status code.",
		}, []string{"method", "code"}),
		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "upstream_duration_seconds",
			Help:      "Latency of the upstream round trip made by the proxy.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "refresh_total",
			Help:      "Token refresh flights by outcome.",
		}, []string{"outcome"}),
	}

	if reg != nil {
		reg.MustRegister(m.proxyRequests, m.upstreamLatency, m.refreshes)
	}

	return m
}

func (m *Metrics) ObserveProxy(method string, code int) {
	if m == nil {
		return
	}
	m.proxyRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
}

func (m *Metrics) ObserveUpstream(method string, d time.Duration) {
	if m == nil {
		return
	}
	m.upstreamLatency.WithLabelValues(method).Observe(d.Seconds())
}

func (m *Metrics) ObserveRefresh(outcome string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(outcome).Inc()
}
