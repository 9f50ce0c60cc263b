package backend

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/carwash-kiosk/internal/payerr"
)

// RetryPolicy 指数退避：base * multiplier^n，封顶 MaxDelay，最多重试 MaxRetries 次。
// 4xx（429 除外）立即放弃；5xx、429 与网络错误重试。
type RetryPolicy struct {
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
	MaxRetries int
	// Sleep 可替换的等待函数，测试中注入以避免真实等待
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy 1s 起步，翻倍，封顶 10s，重试 3 次
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:  time.Second,
		Multiplier: 2,
		MaxDelay:   10 * time.Second,
		MaxRetries: 3,
	}
}

// Delay 第 attempt 次重试前的等待时间（attempt 从 0 开始）
func (p RetryPolicy) Delay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}
	d := time.Duration(float64(p.BaseDelay) * math.Pow(mult, float64(attempt)))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Do 按策略执行 fn，返回最后一次错误
func (p RetryPolicy) Do(ctx context.Context, logger *zap.Logger, op string, fn func(ctx context.Context) error) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !payerr.Retryable(err) {
			logger.Warn("backend call failed, not retryable",
				zap.String("op", op),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			return err
		}
		if attempt >= p.MaxRetries {
			logger.Error("backend call failed, retries exhausted",
				zap.String("op", op),
				zap.Int("attempts", attempt+1),
				zap.Error(err))
			return err
		}
		delay := p.Delay(attempt)
		logger.Warn("backend call failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err))
		if serr := sleep(ctx, delay); serr != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
