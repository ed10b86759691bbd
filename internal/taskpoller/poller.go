// Package taskpoller 把后端“先提交、后查询”的异步任务转换为单个可等待结果。
package taskpoller

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/aegis-sign/signbridge/pkg/apierrors"
	"github.com/prometheus/client_golang/prometheus"
)

// Status 是后端任务状态。
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
)

const (
	DefaultMaxAttempts = 20
	DefaultInterval    = 2 * time.Second
)

// Task 是一次状态查询的结果。
type Task struct {
	ID     string
	Status Status
	Result json.RawMessage
}

// Fetcher 查询任务当前状态。
type Fetcher interface {
	FetchTask(ctx context.Context, taskID string) (Task, error)
}

// FetcherFunc 把函数适配为 Fetcher。
type FetcherFunc func(ctx context.Context, taskID string) (Task, error)

func (f FetcherFunc) FetchTask(ctx context.Context, taskID string) (Task, error) {
	return f(ctx, taskID)
}

// Sleeper 等待 d 或 ctx 结束。
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Config 控制轮询次数与间隔。间隔固定，无退避。
type Config struct {
	MaxAttempts int
	Interval    time.Duration
}

// DefaultConfig 返回 20 次、每次间隔 2 秒。
func DefaultConfig() Config {
	return Config{MaxAttempts: DefaultMaxAttempts, Interval: DefaultInterval}
}

// Option 自定义 Poller。
type Option func(*Poller)

// WithSleeper 替换等待函数。
func WithSleeper(s Sleeper) Option {
	return func(p *Poller) {
		if s != nil {
			p.sleep = s
		}
	}
}

// WithLogger 注入 slog Logger。
func WithLogger(l *slog.Logger) Option {
	return func(p *Poller) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithRegisterer 指定 Prometheus 注册器。
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(p *Poller) { p.reg = reg }
}

// Poller 以有界循环等待任务结果。
type Poller struct {
	fetcher Fetcher
	cfg     Config
	sleep   Sleeper
	logger  *slog.Logger
	reg     prometheus.Registerer
	metrics *Metrics
}

// New 创建 Poller。
func New(fetcher Fetcher, cfg Config, opts ...Option) *Poller {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Interval < 0 {
		cfg.Interval = 0
	}
	p := &Poller{fetcher: fetcher, cfg: cfg, sleep: sleepContext, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	p.metrics = NewMetrics(p.reg)
	return p
}

// Config 返回当前配置。
func (p *Poller) Config() Config { return p.cfg }

// AwaitResult 使用默认的次数与间隔等待任务结果。
func (p *Poller) AwaitResult(ctx context.Context, taskID string) (json.RawMessage, error) {
	return p.AwaitResultWith(ctx, taskID, p.cfg.MaxAttempts, p.cfg.Interval)
}

// AwaitResultWith 每次尝试查询一次状态：SUCCESS 立即返回结果；PENDING 在未达上限时
// 等待 interval 后重试；达到 maxAttempts 仍为 PENDING 返回 MAX_RETRIES_EXCEEDED；
// 其他状态立即返回 JOB_FAILED。
func (p *Poller) AwaitResultWith(ctx context.Context, taskID string, maxAttempts int, interval time.Duration) (json.RawMessage, error) {
	if taskID == "" {
		return nil, apierrors.New(apierrors.CodeInvalidArgument, "task id is required")
	}
	if maxAttempts <= 0 {
		return nil, apierrors.Newf(apierrors.CodeInvalidArgument, "maxAttempts must be positive, got %d", maxAttempts)
	}
	for attempt := 1; ; attempt++ {
		p.metrics.attempts.Inc()
		task, err := p.fetcher.FetchTask(ctx, taskID)
		if err != nil {
			p.metrics.observe("fetch_error")
			return nil, err
		}
		switch task.Status {
		case StatusSuccess:
			p.metrics.observe("success")
			p.logger.Debug("task finished", "task_id", taskID, "attempts", attempt)
			return task.Result, nil
		case StatusPending:
			if attempt >= maxAttempts {
				p.metrics.observe("max_retries")
				p.logger.Warn("task still pending after max attempts", "task_id", taskID, "attempts", attempt)
				return nil, apierrors.Newf(apierrors.CodeMaxRetriesExceeded, "task %s still pending after %d attempts", taskID, attempt)
			}
			if err := p.sleep(ctx, interval); err != nil {
				p.metrics.observe("cancelled")
				return nil, err
			}
		default:
			p.metrics.observe("job_error")
			return nil, apierrors.Newf(apierrors.CodeJobFailed, "task %s finished with status %q", taskID, task.Status)
		}
	}
}
