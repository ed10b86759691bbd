// Package worker 运行在隔离执行环境内，把通道请求分发给签名库。
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aegis-sign/signbridge/internal/native"
	"github.com/aegis-sign/signbridge/internal/protocol"
	"github.com/aegis-sign/signbridge/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
)

// Worker 串行处理请求：签名库不可重入，同一时刻只执行一个调用。
type Worker struct {
	lib     native.Library
	logger  *slog.Logger
	metrics *Metrics
}

// Option 自定义 Worker。
type Option func(*options)

type options struct {
	logger *slog.Logger
	reg    prometheus.Registerer
}

// WithLogger 注入 slog Logger。
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegisterer 指定 Prometheus 注册器。
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.reg = reg }
}

// New 创建 Worker。
func New(lib native.Library, opts ...Option) *Worker {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return &Worker{lib: lib, logger: o.logger, metrics: NewMetrics(o.reg)}
}

// Serve 先发送初始化消息，然后循环处理请求直到通道关闭或 ctx 结束。
func (w *Worker) Serve(ctx context.Context, ch transport.Channel) error {
	if err := ch.Send(ctx, protocol.NewReady(SupportedOperations())); err != nil {
		return fmt.Errorf("announce ready: %w", err)
	}
	for {
		req, err := ch.Recv(ctx)
		if errors.Is(err, protocol.ErrMalformed) {
			w.logger.Warn("worker dropped undecodable frame", "err", err)
			continue
		}
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if err := req.Validate(); err != nil || req.Kind != protocol.KindRequest {
			w.logger.Warn("worker dropped message", "kind", req.Kind, "err", err)
			continue
		}
		reply := w.handle(req)
		if err := ch.Send(ctx, reply); err != nil {
			return fmt.Errorf("send result for %s: %w", req.CorrelationID, err)
		}
	}
}

func (w *Worker) handle(req *protocol.Envelope) *protocol.Envelope {
	h, ok := dispatchTable[req.Operation]
	if !ok {
		w.metrics.observe(req.Operation, "unsupported")
		return protocol.NewRejected(req.CorrelationID, &protocol.WireError{
			Kind:    protocol.ErrorKindTransport,
			Message: fmt.Sprintf("unsupported operation %q", req.Operation),
		})
	}
	value, err := w.invoke(h, req)
	if err != nil {
		w.metrics.observe(req.Operation, "rejected")
		return protocol.NewRejected(req.CorrelationID, toWireError(err))
	}
	reply, err := protocol.NewResolved(req.CorrelationID, value)
	if err != nil {
		w.metrics.observe(req.Operation, "rejected")
		return protocol.NewRejected(req.CorrelationID, &protocol.WireError{
			Kind:    protocol.ErrorKindTransport,
			Message: "encode result: " + err.Error(),
		})
	}
	w.metrics.observe(req.Operation, "resolved")
	return reply
}

func (w *Worker) invoke(h handler, req *protocol.Envelope) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("native call panicked", "op", req.Operation, "correlation_id", req.CorrelationID, "panic", r)
			err = fmt.Errorf("native call panicked: %v", r)
		}
	}()
	return h(w.lib, req)
}

func toWireError(err error) *protocol.WireError {
	if nerr, ok := native.AsError(err); ok {
		return &protocol.WireError{Kind: protocol.ErrorKindNative, Code: nerr.Code, Message: nerr.Message}
	}
	return &protocol.WireError{Kind: protocol.ErrorKindTransport, Message: err.Error()}
}
