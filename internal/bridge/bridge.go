// Package bridge 在单条双向通道上复用多个请求/响应调用。
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/aegis-sign/signbridge/internal/protocol"
	"github.com/aegis-sign/signbridge/internal/transport"
	"github.com/aegis-sign/signbridge/pkg/apierrors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"
)

const maxIDAttempts = 8

// Option 自定义 Bridge。
type Option func(*Bridge)

// WithLogger 注入 slog Logger。
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithRegisterer 指定 Prometheus 注册器。
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(b *Bridge) { b.reg = reg }
}

// WithIDGenerator 替换关联 ID 生成器。
func WithIDGenerator(gen func() string) Option {
	return func(b *Bridge) {
		if gen != nil {
			b.newID = gen
		}
	}
}

// WithMaxInFlight 限制同时在途的调用数，0 表示不限制。
func WithMaxInFlight(n int64) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.sem = semaphore.NewWeighted(n)
		}
	}
}

// WithClock 替换请求时间戳来源。
func WithClock(now func() time.Time) Option {
	return func(b *Bridge) {
		if now != nil {
			b.now = now
		}
	}
}

type outcome struct {
	payload protocol.Payload
	err     error
}

type pendingCall struct {
	op      protocol.Operation
	started time.Time
	result  chan outcome
}

// Bridge 把通道上的一次性回调转换为可等待的调用。
type Bridge struct {
	ch      transport.Channel
	logger  *slog.Logger
	reg     prometheus.Registerer
	metrics *Metrics
	newID   func() string
	now     func() time.Time
	sem     *semaphore.Weighted

	mu       sync.Mutex
	pending  map[string]*pendingCall
	closeErr error

	ready     chan struct{}
	readyOnce sync.Once
	supported map[protocol.Operation]struct{}
	opsList   []protocol.Operation

	cancel context.CancelFunc
	done   chan struct{}
}

// New 创建 Bridge 并开始读取通道。
func New(ch transport.Channel, opts ...Option) *Bridge {
	b := &Bridge{
		ch:      ch,
		logger:  slog.Default(),
		newID:   uuid.NewString,
		now:     time.Now,
		pending: make(map[string]*pendingCall),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.metrics = NewMetrics(b.reg)
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	go b.readLoop(ctx)
	return b
}

// Ready 等待远端发送初始化消息。通道在此之前关闭时返回 TransportError。
func (b *Bridge) Ready(ctx context.Context) error {
	select {
	case <-b.ready:
		return nil
	default:
	}
	select {
	case <-b.ready:
		return nil
	case <-b.done:
		select {
		case <-b.ready:
			return nil
		default:
		}
		return b.closedError()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Supported 返回远端声明支持的操作，就绪前为空。
func (b *Bridge) Supported() []protocol.Operation {
	select {
	case <-b.ready:
		return append([]protocol.Operation(nil), b.opsList...)
	default:
		return nil
	}
}

// Pending 返回在途调用数。
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Done 在读循环退出后关闭。
func (b *Bridge) Done() <-chan struct{} { return b.done }

// Call 发送请求并等待匹配的结果。
func (b *Bridge) Call(ctx context.Context, op protocol.Operation, args ...any) (protocol.Payload, error) {
	if !op.Known() {
		return nil, apierrors.Newf(apierrors.CodeTransport, "unsupported operation %q", op)
	}
	if err := b.Ready(ctx); err != nil {
		return nil, err
	}
	if _, ok := b.supported[op]; !ok {
		return nil, apierrors.Newf(apierrors.CodeTransport, "operation %s not supported by remote", op)
	}
	if b.sem != nil {
		if err := b.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer b.sem.Release(1)
	}

	id, pc, err := b.register(op)
	if err != nil {
		return nil, err
	}
	req, err := protocol.NewRequest(id, op, pc.started, args...)
	if err != nil {
		b.unregister(id)
		return nil, apierrors.New(apierrors.CodeInvalidArgument, err.Error())
	}
	if err := b.ch.Send(ctx, req); err != nil {
		b.unregister(id)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		b.logger.Warn("bridge send failed", "op", op, "correlation_id", id, "err", err)
		return nil, apierrors.Newf(apierrors.CodeTransport, "send %s", op).WithCause(err)
	}

	select {
	case res := <-pc.result:
		return res.payload, res.err
	case <-ctx.Done():
		if b.unregister(id) {
			b.metrics.outcomes.WithLabelValues(string(op), "cancelled").Inc()
			return nil, ctx.Err()
		}
		// 结果已被读循环取走。
		res := <-pc.result
		return res.payload, res.err
	}
}

func (b *Bridge) register(op protocol.Operation) (string, *pendingCall, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closeErr != nil {
		return "", nil, b.closeErr
	}
	for i := 0; i < maxIDAttempts; i++ {
		id := b.newID()
		if id == "" {
			continue
		}
		if _, taken := b.pending[id]; taken {
			continue
		}
		pc := &pendingCall{op: op, started: b.now(), result: make(chan outcome, 1)}
		b.pending[id] = pc
		b.metrics.pending.Set(float64(len(b.pending)))
		return id, pc, nil
	}
	return "", nil, apierrors.New(apierrors.CodeTransport, "could not allocate correlation id")
}

// unregister 移除在途条目，返回是否由本次调用移除。
func (b *Bridge) unregister(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pending[id]; !ok {
		return false
	}
	delete(b.pending, id)
	b.metrics.pending.Set(float64(len(b.pending)))
	return true
}

// take 原子地取出在途条目，保证每个关联 ID 只结算一次。
func (b *Bridge) take(id string) (*pendingCall, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pc, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
		b.metrics.pending.Set(float64(len(b.pending)))
	}
	return pc, ok
}

func (b *Bridge) readLoop(ctx context.Context) {
	defer close(b.done)
	for {
		env, err := b.ch.Recv(ctx)
		if errors.Is(err, protocol.ErrMalformed) {
			b.discard("malformed", nil, err)
			continue
		}
		if err != nil {
			b.fail(err)
			return
		}
		if err := env.Validate(); err != nil {
			b.discard("malformed", env, err)
			continue
		}
		switch env.Kind {
		case protocol.KindReady:
			b.markReady(env.Supported)
		case protocol.KindResult:
			b.settle(env)
		default:
			b.discard("unexpected", env, nil)
		}
	}
}

func (b *Bridge) markReady(ops []protocol.Operation) {
	first := false
	b.readyOnce.Do(func() {
		first = true
		supported := make(map[protocol.Operation]struct{}, len(ops))
		list := make([]protocol.Operation, 0, len(ops))
		for _, op := range ops {
			if !op.Known() {
				continue
			}
			if _, dup := supported[op]; dup {
				continue
			}
			supported[op] = struct{}{}
			list = append(list, op)
		}
		b.supported = supported
		b.opsList = list
		close(b.ready)
		b.logger.Info("bridge ready", "ops", len(list))
	})
	if !first {
		b.discard("duplicate_ready", nil, nil)
	}
}

func (b *Bridge) settle(env *protocol.Envelope) {
	pc, ok := b.take(env.CorrelationID)
	if !ok {
		b.discard("stale", env, nil)
		return
	}
	res := outcome{}
	label := "resolved"
	if env.Outcome == protocol.OutcomeResolved {
		res.payload = protocol.Payload(env.Payload)
	} else {
		label = "rejected"
		res.err = wireToError(env.Error)
	}
	b.metrics.outcomes.WithLabelValues(string(pc.op), label).Inc()
	b.metrics.latency.WithLabelValues(string(pc.op)).Observe(time.Since(pc.started).Seconds())
	pc.result <- res
}

func (b *Bridge) discard(reason string, env *protocol.Envelope, err error) {
	b.metrics.discarded.WithLabelValues(reason).Inc()
	attrs := []any{"reason", reason}
	if env != nil {
		attrs = append(attrs, "kind", env.Kind, "correlation_id", env.CorrelationID)
	}
	if err != nil {
		attrs = append(attrs, "err", err)
	}
	b.logger.Debug("bridge discarded message", attrs...)
}

// fail 在通道失效时以 TransportError 结束所有在途调用。
func (b *Bridge) fail(cause error) {
	b.mu.Lock()
	if b.closeErr == nil {
		b.closeErr = apierrors.New(apierrors.CodeTransport, "bridge channel closed").WithCause(cause)
	}
	closeErr := b.closeErr
	pending := b.pending
	b.pending = make(map[string]*pendingCall)
	b.metrics.pending.Set(0)
	b.mu.Unlock()

	if len(pending) > 0 || !errors.Is(cause, transport.ErrClosed) {
		b.logger.Warn("bridge channel failed", "pending", len(pending), "err", cause)
	}
	for _, pc := range pending {
		b.metrics.outcomes.WithLabelValues(string(pc.op), "transport_error").Inc()
		pc.result <- outcome{err: closeErr}
	}
}

func (b *Bridge) closedError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closeErr != nil {
		return b.closeErr
	}
	return apierrors.New(apierrors.CodeTransport, "bridge channel closed")
}

// Close 关闭通道并等待读循环退出，在途调用以 TransportError 结束。
func (b *Bridge) Close() error {
	b.cancel()
	err := b.ch.Close()
	<-b.done
	return err
}

func wireToError(w *protocol.WireError) error {
	if w == nil {
		return apierrors.New(apierrors.CodeTransport, "rejected without error detail")
	}
	if w.Kind == protocol.ErrorKindNative {
		return apierrors.NewNative(w.Code, w.Message)
	}
	return apierrors.New(apierrors.CodeTransport, w.Message)
}
