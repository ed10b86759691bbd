package bridge

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 记录关联桥的在途调用与结果。
type Metrics struct {
	pending   prometheus.Gauge
	outcomes  *prometheus.CounterVec
	discarded *prometheus.CounterVec
	latency   *prometheus.HistogramVec
}

// NewMetrics 注册桥接指标，reg 为空时使用默认注册器。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		pending: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "signbridge",
			Subsystem: "bridge",
			Name:      "pending_calls",
			Help:      "Calls waiting for a matching result",
		})),
		outcomes: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "signbridge",
			Subsystem: "bridge",
			Name:      "calls_total",
			Help:      "Settled calls by operation and outcome",
		}, []string{"op", "outcome"})),
		discarded: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "signbridge",
			Subsystem: "bridge",
			Name:      "discarded_messages_total",
			Help:      "Inbound messages dropped without a matching call",
		}, []string{"reason"})),
		latency: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "signbridge",
			Subsystem: "bridge",
			Name:      "call_duration_seconds",
			Help:      "Time from request send to result",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"op"})),
	}
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}
