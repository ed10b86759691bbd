package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/aegis-sign/signbridge/internal/protocol"
	"github.com/aegis-sign/signbridge/pkg/apierrors"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
)

const (
	linkServiceName = "signbridge.v1.WorkerLink"
	linkMethod      = "/" + linkServiceName + "/Channel"
)

// rawFrame 是未解码的帧。入站帧先按原始字节接收，再由 protocol.DecodeFrame 解码，
// 单帧解码失败不会终止 gRPC 流。
type rawFrame struct{ data []byte }

// cborCodec 让 gRPC 直接传输 protocol.Envelope。
type cborCodec struct{}

func (cborCodec) Marshal(v any) ([]byte, error) {
	if f, ok := v.(*rawFrame); ok {
		return f.data, nil
	}
	return protocol.Marshal(v)
}

func (cborCodec) Unmarshal(data []byte, v any) error {
	if f, ok := v.(*rawFrame); ok {
		f.data = append(f.data[:0], data...)
		return nil
	}
	return protocol.Unmarshal(data, v)
}

func (cborCodec) Name() string { return "cbor" }

// ServeFunc 在单条链路上运行 worker 主循环。
type ServeFunc func(ctx context.Context, ch Channel) error

// LinkHandler 是链路服务端实现需要满足的接口。
type LinkHandler interface {
	ServeChannel(ctx context.Context, ch Channel) error
}

var linkServiceDesc = grpc.ServiceDesc{
	ServiceName: linkServiceName,
	HandlerType: (*LinkHandler)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Channel",
		Handler:       channelHandler,
		ServerStreams: true,
		ClientStreams: true,
	}},
	Metadata: "signbridge/v1/link",
}

func channelHandler(srv any, stream grpc.ServerStream) error {
	ch := &streamChannel{stream: stream}
	err := srv.(LinkHandler).ServeChannel(stream.Context(), ch)
	if err == nil || errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	if apiErr, ok := apierrors.FromError(err); ok {
		return status.Error(apierrors.GRPCStatus(apiErr.Code), apiErr.Error())
	}
	return err
}

type serveFuncHandler struct{ fn ServeFunc }

func (h serveFuncHandler) ServeChannel(ctx context.Context, ch Channel) error { return h.fn(ctx, ch) }

// streamChannel 把 gRPC 双向流适配为 Channel。
type streamChannel struct {
	stream  grpc.Stream
	sendMu  sync.Mutex
	metrics *Metrics
	onClose func() error
	once    sync.Once
}

func (s *streamChannel) Send(ctx context.Context, env *protocol.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := s.stream.SendMsg(env); err != nil {
		if errors.Is(err, io.EOF) {
			return ErrClosed
		}
		return err
	}
	s.metrics.incFrame("out")
	return nil
}

func (s *streamChannel) Recv(ctx context.Context) (*protocol.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var frame rawFrame
	if err := s.stream.RecvMsg(&frame); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrClosed
		}
		return nil, err
	}
	s.metrics.incFrame("in")
	return protocol.DecodeFrame(frame.data)
}

func (s *streamChannel) Close() error {
	var err error
	s.once.Do(func() {
		if s.onClose != nil {
			err = s.onClose()
		}
	})
	return err
}

// Server 在 unix/vsock/tcp 监听器上提供 worker 链路和健康检查。
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	logger *slog.Logger
}

// ServerOption 自定义链路服务端。
type ServerOption func(*serverOptions)

type serverOptions struct {
	logger  *slog.Logger
	cfg     Config
	grpcOpt []grpc.ServerOption
}

// WithServerLogger 注入 slog Logger。
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(o *serverOptions) { o.logger = l }
}

// WithServerConfig 指定保活参数。
func WithServerConfig(cfg Config) ServerOption {
	return func(o *serverOptions) { o.cfg = cfg }
}

// NewServer 构造链路服务端，每条入站流调用一次 serve。
func NewServer(serve ServeFunc, opts ...ServerOption) *Server {
	o := serverOptions{logger: slog.Default(), cfg: DefaultConfig()}
	for _, opt := range opts {
		opt(&o)
	}
	minTime := o.cfg.KeepaliveTime / 2
	if minTime <= 0 {
		minTime = 5 * time.Second
	}
	grpcOpts := append([]grpc.ServerOption{
		grpc.ForceServerCodec(cborCodec{}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: minTime, PermitWithoutStream: true}),
	}, o.grpcOpt...)
	srv := grpc.NewServer(grpcOpts...)
	srv.RegisterService(&linkServiceDesc, serveFuncHandler{fn: serve})
	hs := health.NewServer()
	hs.SetServingStatus(linkServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	return &Server{grpc: srv, health: hs, logger: o.logger}
}

// Serve 阻塞处理链路连接。
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("worker link listening", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}

// GracefulStop 标记不可用并等待在途流结束。
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

// Stop 立即关闭所有链路。
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.Stop()
}

// ContextDialer 允许替换底层连接建立方式（测试中使用 bufconn）。
type ContextDialer func(ctx context.Context, endpoint string) (net.Conn, error)

// LinkOption 自定义客户端链路。
type LinkOption func(*linkOptions)

type linkOptions struct {
	dialer  ContextDialer
	logger  *slog.Logger
	metrics *Metrics
}

// WithContextDialer 自定义拨号器。
func WithContextDialer(d ContextDialer) LinkOption {
	return func(o *linkOptions) { o.dialer = d }
}

// WithLogger 注入 slog Logger。
func WithLogger(l *slog.Logger) LinkOption {
	return func(o *linkOptions) { o.logger = l }
}

// WithRegisterer 指定 Prometheus 注册器。
func WithRegisterer(reg prometheus.Registerer) LinkOption {
	return func(o *linkOptions) { o.metrics = NewMetrics(reg) }
}

// Link 是主进程到 worker 的单条链路，实现 Channel。
type Link struct {
	*streamChannel
	conn   *grpc.ClientConn
	cancel context.CancelFunc
	health healthpb.HealthClient
	cfg    Config
}

// Dial 建立链路并打开双向流。
func Dial(ctx context.Context, endpoint string, cfg Config, opts ...LinkOption) (*Link, error) {
	o := applyLinkOptions(opts)
	return dialOnce(ctx, endpoint, cfg, o)
}

// DialWithRetry 按退避策略重试拨号，最多 cfg.MaxDialAttempts 次。
func DialWithRetry(ctx context.Context, endpoint string, cfg Config, opts ...LinkOption) (*Link, error) {
	o := applyLinkOptions(opts)
	attempts := cfg.MaxDialAttempts
	if attempts <= 0 {
		attempts = 1
	}
	policy := newRedialPolicy(cfg.Backoff)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		link, err := dialOnce(ctx, endpoint, cfg, o)
		if err == nil {
			return link, nil
		}
		lastErr = err
		o.logger.Warn("worker link dial failed", "endpoint", endpoint, "attempt", attempt, "err", err)
		if attempt == attempts {
			break
		}
		if err := policy.sleep(ctx, attempt); err != nil {
			return nil, err
		}
	}
	return nil, apierrors.Newf(apierrors.CodeTransport, "dial worker %s", endpoint).WithCause(lastErr)
}

func applyLinkOptions(opts []LinkOption) linkOptions {
	o := linkOptions{dialer: dialEndpoint, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func dialOnce(ctx context.Context, endpoint string, cfg Config, o linkOptions) (*Link, error) {
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	dialCtx, cancelDial := context.WithTimeout(ctx, timeout)
	defer cancelDial()
	params := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: true,
	}
	dialer := o.dialer
	// passthrough 避免 gRPC 内置 unix 解析器改写地址，拨号器始终拿到原始 endpoint。
	conn, err := grpc.DialContext(dialCtx, "passthrough:///"+endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithAuthority("localhost"),
		grpc.WithKeepaliveParams(params),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return dialer(ctx, endpoint)
		}),
		grpc.WithBlock(),
	)
	if err != nil {
		o.metrics.incDial("error")
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	streamCtx, cancel := context.WithCancel(context.Background())
	stream, err := conn.NewStream(streamCtx, &linkServiceDesc.Streams[0], linkMethod, grpc.ForceCodec(cborCodec{}))
	if err != nil {
		cancel()
		_ = conn.Close()
		o.metrics.incDial("error")
		return nil, fmt.Errorf("open link stream: %w", err)
	}
	o.metrics.incDial("ok")
	link := &Link{
		conn:   conn,
		cancel: cancel,
		health: healthpb.NewHealthClient(conn),
		cfg:    cfg,
	}
	link.streamChannel = &streamChannel{stream: stream, metrics: o.metrics, onClose: link.shutdown}
	return link, nil
}

func (l *Link) shutdown() error {
	if cs, ok := l.stream.(grpc.ClientStream); ok {
		_ = cs.CloseSend()
	}
	l.cancel()
	return l.conn.Close()
}

// CheckHealth 调用 worker 的 gRPC 健康检查。
func (l *Link) CheckHealth(ctx context.Context) error {
	timeout := l.cfg.HealthCheckTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	service := l.cfg.ServiceName
	if service == "" {
		service = linkServiceName
	}
	resp, err := l.health.Check(probeCtx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return apierrors.New(apierrors.CodeTransport, "worker health check failed").WithCause(err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return apierrors.Newf(apierrors.CodeTransport, "worker not serving: %s", resp.GetStatus())
	}
	return nil
}
