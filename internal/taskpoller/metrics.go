package taskpoller

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 统计轮询次数与结果。
type Metrics struct {
	attempts prometheus.Counter
	outcomes *prometheus.CounterVec
}

// NewMetrics 注册轮询指标，reg 为空时使用默认注册器。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "signbridge",
			Subsystem: "taskpoller",
			Name:      "attempts_total",
			Help:      "Task status fetches",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "signbridge",
			Subsystem: "taskpoller",
			Name:      "outcomes_total",
			Help:      "Finished polls by outcome",
		}, []string{"outcome"}),
	}
	if err := reg.Register(m.attempts); err != nil {
		m.attempts = existing(err).(prometheus.Counter)
	}
	if err := reg.Register(m.outcomes); err != nil {
		m.outcomes = existing(err).(*prometheus.CounterVec)
	}
	return m
}

func existing(err error) prometheus.Collector {
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		return are.ExistingCollector
	}
	panic(err)
}

func (m *Metrics) observe(outcome string) {
	m.outcomes.WithLabelValues(outcome).Inc()
}
