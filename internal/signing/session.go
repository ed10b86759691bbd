package signing

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/aegis-sign/signbridge/pkg/apierrors"
	"golang.org/x/sync/singleflight"
)

// State 是会话初始化生命周期。
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SessionConfig 是一次初始化序列所需的参数。
type SessionConfig struct {
	Settings          SettingsOptions
	CAListSource      string
	TrustAnchorSource string
	HTTPClient        *http.Client
	// RetryAfter 是初始化进行中时返回给调用方的重试提示。
	RetryAfter time.Duration
}

// SessionOption 自定义 Session。
type SessionOption func(*Session)

// WithSessionLogger 注入 slog Logger。
func WithSessionLogger(l *slog.Logger) SessionOption {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// Session 持有签名库及其初始化状态，由组合根创建并显式传递。
// 每个会话只执行一次初始化序列，失败后保持 failed。
type Session struct {
	lib    Library
	cfg    SessionConfig
	logger *slog.Logger
	group  singleflight.Group

	mu    sync.Mutex
	state State
	err   error
}

// NewSession 创建未初始化的会话。
func NewSession(lib Library, cfg SessionConfig, opts ...SessionOption) *Session {
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = time.Second
	}
	s := &Session{lib: lib, cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Library 返回底层能力接口。
func (s *Session) Library() Library { return s.lib }

// State 返回当前状态。
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Check 不阻塞地报告会话是否可用：初始化中返回 NOT_READY，失败返回初始化错误。
func (s *Session) Check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateReady:
		return nil
	case StateFailed:
		return s.err
	default:
		return apierrors.New(apierrors.CodeNotReady, "signing session is "+s.state.String()).WithRetryAfter(s.cfg.RetryAfter)
	}
}

// Acquire 供单次操作使用：初始化进行中时立即返回带 Retry-After 的 NOT_READY，
// 其余状态与 Ensure 相同，未初始化时由本次调用触发初始化。
func (s *Session) Acquire(ctx context.Context) error {
	if s.State() == StateInitializing {
		if err := s.Check(); err != nil {
			return err
		}
	}
	return s.Ensure(ctx)
}

// Ensure 触发或等待初始化。并发调用共享同一次初始化；ctx 只影响等待，不中断初始化本身。
func (s *Session) Ensure(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateReady:
		s.mu.Unlock()
		return nil
	case StateFailed:
		err := s.err
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	initCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan("init", func() (any, error) {
		return nil, s.initialize(initCtx)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) initialize(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateReady:
		s.mu.Unlock()
		return nil
	case StateFailed:
		err := s.err
		s.mu.Unlock()
		return err
	}
	s.state = StateInitializing
	s.mu.Unlock()

	start := time.Now()
	err := s.runInitSequence(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.state = StateFailed
		s.err = err
		s.logger.Error("signing session initialization failed", "err", err)
		return err
	}
	s.state = StateReady
	s.logger.Info("signing session ready", "elapsed", time.Since(start))
	return nil
}

// runInitSequence：Initialize → (需要时) SetSettings → 加载并保存信任锚。
func (s *Session) runInitSequence(ctx context.Context) error {
	if err := s.lib.Initialize(ctx); err != nil {
		return err
	}
	need, err := s.lib.DoesNeedSetSettings(ctx)
	if err != nil {
		return err
	}
	if need {
		var cas []CAEntry
		if s.cfg.CAListSource != "" {
			data, err := LoadDocument(ctx, s.cfg.HTTPClient, s.cfg.CAListSource)
			if err != nil {
				return apierrors.New(apierrors.CodeInvalidArgument, "load CA list").WithCause(err)
			}
			if cas, err = ParseCAList(data); err != nil {
				return apierrors.New(apierrors.CodeInvalidArgument, "load CA list").WithCause(err)
			}
		}
		if err := s.lib.SetSettings(ctx, BuildSettings(s.cfg.Settings, cas)); err != nil {
			return err
		}
		s.logger.Debug("signing library settings applied", "cas", len(cas))
	}
	if s.cfg.TrustAnchorSource == "" {
		return apierrors.New(apierrors.CodeInvalidArgument, "trust anchor source is not configured")
	}
	bundle, err := LoadDocument(ctx, s.cfg.HTTPClient, s.cfg.TrustAnchorSource)
	if err != nil {
		return apierrors.New(apierrors.CodeInvalidArgument, "load trust anchors").WithCause(err)
	}
	return s.lib.SaveCertificates(ctx, bundle)
}
