package worker

import (
	"errors"

	"github.com/aegis-sign/signbridge/internal/protocol"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 统计 worker 分发的操作。
type Metrics struct {
	dispatched *prometheus.CounterVec
}

// NewMetrics 注册 worker 指标，reg 为空时使用默认注册器。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	dispatched := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signbridge",
		Subsystem: "worker",
		Name:      "dispatched_total",
		Help:      "Requests handled by the worker by operation and outcome",
	}, []string{"op", "outcome"})
	if err := reg.Register(dispatched); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			panic(err)
		}
		dispatched = are.ExistingCollector.(*prometheus.CounterVec)
	}
	return &Metrics{dispatched: dispatched}
}

func (m *Metrics) observe(op protocol.Operation, outcome string) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(string(op), outcome).Inc()
}
