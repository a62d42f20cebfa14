// Package transport 远程调用的重试执行器
// 对单次HTTP调用进行有界重试，区分可重试错误、致命错误与重试耗尽
package transport

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-resty/resty/v2"
	"github.com/weiwangfds/attachsync/internal/logger"
)

// Operation 执行一次远程HTTP调用
type Operation func(ctx context.Context) (*resty.Response, error)

// Config 重试配置
type Config struct {
	MaxRetries int           `mapstructure:"max_retries"` // 最大重试次数，总尝试次数为 MaxRetries+1
	BaseDelay  time.Duration `mapstructure:"base_delay"`  // 初始退避时间
	MaxDelay   time.Duration `mapstructure:"max_delay"`   // 单次退避上限
	Jitter     bool          `mapstructure:"jitter"`      // 是否添加随机抖动
}

// DefaultConfig 默认重试配置
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   10 * time.Second,
	}
}

// Option 执行器选项
type Option func(*Executor)

// WithBackoffObserver 每次退避前回调，attempt 为刚失败的尝试序号(从1开始)
func WithBackoffObserver(fn func(attempt int, delay time.Duration, err error)) Option {
	return func(e *Executor) {
		e.onBackoff = fn
	}
}

// Executor 有界重试执行器
type Executor struct {
	cfg       Config
	onBackoff func(attempt int, delay time.Duration, err error)
}

// NewExecutor 创建重试执行器
// 参数:
//   - cfg: 重试配置，非法值回退为默认值
//   - opts: 可选项
//
// 返回值:
//   - *Executor: 执行器实例
func NewExecutor(cfg Config, opts ...Option) *Executor {
	def := DefaultConfig()
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	e := &Executor{cfg: cfg}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// MaxAttempts 总尝试次数
func (e *Executor) MaxAttempts() int {
	return e.cfg.MaxRetries + 1
}

// Do 执行远程调用
// 返回值中的错误为以下三类之一:
//   - *RemoteError 等致命错误: 未重试或重试中途出现致命错误
//   - *ExhaustedError: 可重试错误用尽全部尝试
//   - context 错误: 调用方取消
func (e *Executor) Do(ctx context.Context, op Operation) (*resty.Response, error) {
	var (
		resp     *resty.Response
		attempts int
		lastErr  error
	)

	err := retry.Do(
		func() error {
			attempts++
			r, err := op(ctx)
			if err == nil {
				err = checkResponse(r)
			}
			if err != nil {
				lastErr = err
				return err
			}
			resp = r
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(e.MaxAttempts())),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return ctx.Err() == nil && IsRetryable(err)
		}),
		retry.DelayType(e.delay),
	)
	if err == nil {
		return resp, nil
	}

	if ctx.Err() != nil {
		if lastErr != nil {
			return nil, errors.Join(ctx.Err(), lastErr)
		}
		return nil, ctx.Err()
	}
	if lastErr != nil && IsRetryable(lastErr) && attempts >= e.MaxAttempts() {
		return nil, &ExhaustedError{Attempts: attempts, Last: lastErr}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, err
}

// Backoff 第 n 次重试(从0开始)前的等待时间: base × 2^n，封顶 MaxDelay
// 抖动不超过当前值的一半，保证序列单调不减
func (e *Executor) Backoff(n uint) time.Duration {
	d := e.cfg.MaxDelay
	if n < 32 {
		if shifted := e.cfg.BaseDelay << n; shifted > 0 && shifted < e.cfg.MaxDelay {
			d = shifted
		}
	}
	if e.cfg.Jitter && d < e.cfg.MaxDelay {
		d += time.Duration(rand.Int63n(int64(d)/2 + 1))
	}
	if d > e.cfg.MaxDelay {
		d = e.cfg.MaxDelay
	}
	return d
}

func (e *Executor) delay(n uint, err error, _ *retry.Config) time.Duration {
	d := e.Backoff(n)
	logger.Warnf("[远程] 第%d次请求失败，%v 后重试: %v", n+1, d, err)
	if e.onBackoff != nil {
		e.onBackoff(int(n)+1, d, err)
	}
	return d
}

// checkResponse 将非2xx响应转换为 RemoteError
func checkResponse(resp *resty.Response) error {
	if resp == nil || resp.StatusCode() < 400 {
		return nil
	}

	remoteErr := &RemoteError{StatusCode: resp.StatusCode()}
	if req := resp.Request; req != nil {
		remoteErr.Method = req.Method
		remoteErr.URL = req.URL
	}

	if raw := resp.RawBody(); raw != nil && len(resp.Body()) == 0 {
		// 未解析的响应体由这里负责关闭
		body, _ := io.ReadAll(io.LimitReader(raw, 4096))
		_ = raw.Close()
		remoteErr.Body = string(body)
	} else {
		remoteErr.Body = resp.String()
	}
	return remoteErr
}
