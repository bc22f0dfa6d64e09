package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Strategy 重试间隔策略
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"       // 固定间隔
	StrategyLinear      Strategy = "linear"      // 线性递增
	StrategyExponential Strategy = "exponential" // 指数退避
)

// Config 重试配置
// 只用于基础设施操作 (数据库连接、队列连接、消息发布);
// 扫描任务本身从不自动重试
type Config struct {
	MaxAttempts     int           // 最大尝试次数
	InitialInterval time.Duration // 初始间隔
	MaxInterval     time.Duration // 间隔上限
	Strategy        Strategy      // 间隔策略
	Timeout         time.Duration // 全部尝试的总超时
	Logger          *logrus.Logger
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:     3,
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Strategy:        StrategyExponential,
		Timeout:         5 * time.Minute,
		Logger:          logrus.New(),
	}
}

// RetryableError 由错误自身声明是否值得重试
type RetryableError interface {
	error
	IsRetryable() bool
}

type taggedError struct {
	error
	retryable bool
}

func (e *taggedError) IsRetryable() bool {
	return e.retryable
}

// NewRetryableError 标记错误为可重试
func NewRetryableError(err error) error {
	return &taggedError{error: err, retryable: true}
}

// NewNonRetryableError 标记错误为不可重试
func NewNonRetryableError(err error) error {
	return &taggedError{error: err, retryable: false}
}

// IsRetryable 判断错误是否可重试
// 错误链上带RetryableError声明时以声明为准;
// 上下文取消与超时不重试, 其余默认重试
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var tagged RetryableError
	if errors.As(err, &tagged) {
		return tagged.IsRetryable()
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// Func 可重试的函数类型
type Func func(ctx context.Context) error

// Do 执行fn并按配置重试
// 终止条件: 成功、耗尽次数、遇到不可重试错误、上下文结束
func Do(ctx context.Context, config *Config, fn Func) error {
	if config == nil {
		config = DefaultConfig()
	}

	if config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.Timeout)
		defer cancel()
	}

	var lastErr error

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return fmt.Errorf("retry canceled: %w", ctx.Err())
		}

		start := time.Now()
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				config.Logger.WithFields(logrus.Fields{
					"attempt":  attempt,
					"duration": time.Since(start),
				}).Info("Operation recovered after retry")
			}
			return nil
		}
		lastErr = err

		config.Logger.WithFields(logrus.Fields{
			"attempt":  attempt,
			"max":      config.MaxAttempts,
			"duration": time.Since(start),
			"error":    err.Error(),
		}).Warn("Operation failed")

		if !IsRetryable(err) {
			return fmt.Errorf("non-retryable error: %w", err)
		}
		if attempt == config.MaxAttempts {
			break
		}

		wait := calculateNextInterval(config.Strategy, config.InitialInterval, config.MaxInterval, attempt)
		config.Logger.WithFields(logrus.Fields{
			"next_attempt": attempt + 1,
			"wait":         wait,
		}).Info("Waiting before retry")

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry canceled during wait: %w", ctx.Err())
		case <-time.After(wait):
		}
	}

	return fmt.Errorf("max attempts (%d) reached: %w", config.MaxAttempts, lastErr)
}

// calculateNextInterval 计算第attempt次失败后的等待间隔 (attempt从1起)
func calculateNextInterval(strategy Strategy, initial, max time.Duration, attempt int) time.Duration {
	var next time.Duration
	switch strategy {
	case StrategyLinear:
		next = initial * time.Duration(attempt)
	case StrategyExponential:
		next = initial * time.Duration(1<<(attempt-1))
	default: // StrategyFixed 与未知策略都用初始间隔
		next = initial
	}

	if next > max {
		next = max
	}
	return next
}

// DoWithResult 带返回值的Do
func DoWithResult[T any](ctx context.Context, config *Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := Do(ctx, config, func(ctx context.Context) error {
		res, err := fn(ctx)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	return result, err
}
