package transport

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 暴露链路拨号与帧计数。
type Metrics struct {
	dialAttempts *prometheus.CounterVec
	frames       *prometheus.CounterVec
}

// NewMetrics 在注册器中注册链路指标，reg 为空时使用默认注册器。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		dialAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "signbridge",
			Subsystem: "link",
			Name:      "dial_attempts_total",
			Help:      "Worker link dial attempts by result",
		}, []string{"result"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "signbridge",
			Subsystem: "link",
			Name:      "frames_total",
			Help:      "Envelopes moved over the worker link",
		}, []string{"direction"}),
	}
	m.dialAttempts = registerCounterVec(reg, m.dialAttempts)
	m.frames = registerCounterVec(reg, m.frames)
	return m
}

// registerCounterVec 注册计数器，重复注册时复用已存在的实例。
func registerCounterVec(reg prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) incDial(result string) {
	if m == nil {
		return
	}
	m.dialAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) incFrame(direction string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(direction).Inc()
}
