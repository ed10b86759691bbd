package transport

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// maxRedialShift 限制等待时长翻倍的次数。
const maxRedialShift = 16

// redialPolicy 给出 worker 链路第 n 次拨号失败后的等待时长。
// 等待从 Initial 起按失败次数翻倍，封顶 Max，Jitter>0 时在 ±Jitter 比例内浮动。
type redialPolicy struct {
	cfg    BackoffConfig
	jitter func() float64
}

func newRedialPolicy(cfg BackoffConfig) redialPolicy {
	src := rand.New(rand.NewSource(time.Now().UnixNano()))
	var mu sync.Mutex
	return redialPolicy{cfg: cfg, jitter: func() float64 {
		mu.Lock()
		defer mu.Unlock()
		return src.Float64()
	}}
}

// wait 返回第 failures 次失败后的等待时长，结果落在 [Initial, Max]。
func (p redialPolicy) wait(failures int) time.Duration {
	shift := min(max(failures-1, 0), maxRedialShift)
	d := p.cfg.Initial << shift
	if d <= 0 || d > p.cfg.Max {
		d = p.cfg.Max
	}
	if p.cfg.Jitter > 0 && p.jitter != nil {
		d = time.Duration(float64(d) * (1 - p.cfg.Jitter + 2*p.cfg.Jitter*p.jitter()))
	}
	return min(max(d, p.cfg.Initial), p.cfg.Max)
}

// sleep 等待第 failures 次失败对应的时长，ctx 结束时提前返回其错误。
func (p redialPolicy) sleep(ctx context.Context, failures int) error {
	timer := time.NewTimer(p.wait(failures))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
