package inference

import (
	"context"
	"math/rand"
	"time"

	xerrors "VeriSwarm/internal/errors"
	"VeriSwarm/pkg/logger"
)

// RetryPolicy 控制网络错误的重试节奏。
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 200 * time.Millisecond
	}
	if p.MaxDelay <= 0 || p.MaxDelay < p.BaseDelay {
		p.MaxDelay = 5 * time.Second
	}
	return p
}

// Backoff 返回第 attempt 次失败后的等待时间（指数退避加抖动）。
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt && delay < p.MaxDelay; i++ {
		delay *= 2
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
	delay = delay/2 + jitter
	if delay <= 0 {
		delay = p.BaseDelay
	}
	return delay
}

type retryingClient struct {
	next   Client
	policy RetryPolicy
	sleep  func(ctx context.Context, d time.Duration) error
}

// WithRetry 包装客户端，对 NetworkError 按策略重试；协议错误与其他错误直接返回。
func WithRetry(client Client, policy RetryPolicy) Client {
	policy = policy.normalized()
	if policy.MaxAttempts <= 1 {
		return client
	}
	return &retryingClient{next: client, policy: policy, sleep: sleepContext}
}

func (c *retryingClient) Infer(ctx context.Context, prompt string, opts Options) (*Response, error) {
	var lastErr error
	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		resp, err := c.next.Infer(ctx, prompt, opts)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !xerrors.HasCode(err, xerrors.CodeNetwork) || attempt == c.policy.MaxAttempts {
			return nil, err
		}
		delay := c.policy.Backoff(attempt)
		logger.Named("inference").Warn("推理请求失败，准备重试",
			"attempt", attempt,
			"max_attempts", c.policy.MaxAttempts,
			"delay", delay.String(),
			"error", err,
		)
		if serr := c.sleep(ctx, delay); serr != nil {
			return nil, NetworkError(serr, "retry aborted")
		}
	}
	return nil, lastErr
}

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
