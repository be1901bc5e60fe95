// Package backoff оборачивает cenkalti/backoff: экспоненциальные повторы
// с метриками, логами и таймаутом на попытку.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/YaganovValera/dune-sync/pkg/logger"
)

var (
	serviceLabel = "unknown"
	registerOnce sync.Once

	retriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dune_sync", Subsystem: "backoff", Name: "retries_total",
		Help: "Retry attempts after a failed call",
	}, []string{"service"})
	outcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dune_sync", Subsystem: "backoff", Name: "outcomes_total",
		Help: "Finished Execute calls by outcome: ok, permanent, exhausted, canceled",
	}, []string{"service", "outcome"})
	retryDelay = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dune_sync", Subsystem: "backoff", Name: "retry_delay_seconds",
		Help:    "Delay before each retry",
		Buckets: prometheus.DefBuckets,
	}, []string{"service"})
)

// SetServiceLabel задаёт значение метки service; вызывается один раз при старте.
func SetServiceLabel(name string) {
	if name != "" {
		serviceLabel = name
	}
}

// RegisterMetrics регистрирует коллекторы пакета (повторный вызов игнорируется).
func RegisterMetrics(r prometheus.Registerer) {
	registerOnce.Do(func() {
		if r == nil {
			r = prometheus.DefaultRegisterer
		}
		for _, c := range []prometheus.Collector{retriesTotal, outcomesTotal, retryDelay} {
			_ = r.Register(c)
		}
	})
}

// Config — параметры экспоненциального back-off. Нулевые поля заменяются
// значениями по умолчанию.
type Config struct {
	InitialInterval     time.Duration `mapstructure:"initial_interval"`
	RandomizationFactor float64       `mapstructure:"randomization_factor"` // 0…1
	Multiplier          float64       `mapstructure:"multiplier"`
	MaxInterval         time.Duration `mapstructure:"max_interval"`
	// 0 → без ограничения по времени
	MaxElapsedTime time.Duration `mapstructure:"max_elapsed_time"`
	// число повторов после первой попытки; 0 → без ограничения
	MaxRetries        uint64        `mapstructure:"max_retries"`
	PerAttemptTimeout time.Duration `mapstructure:"per_attempt_timeout"`
}

func (c Config) withDefaults() Config {
	if c.InitialInterval <= 0 {
		c.InitialInterval = time.Second
	}
	if c.RandomizationFactor <= 0 {
		c.RandomizationFactor = 0.5
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 30 * time.Second
	}
	return c
}

func (c Config) validate() error {
	if c.RandomizationFactor > 1 {
		return fmt.Errorf("randomization_factor must be within [0,1], got %v", c.RandomizationFactor)
	}
	if c.Multiplier < 1 {
		return fmt.Errorf("multiplier must be >= 1, got %v", c.Multiplier)
	}
	return nil
}

func (c Config) strategy(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.InitialInterval
	exp.RandomizationFactor = c.RandomizationFactor
	exp.Multiplier = c.Multiplier
	exp.MaxInterval = c.MaxInterval
	exp.MaxElapsedTime = c.MaxElapsedTime

	var b backoff.BackOff = exp
	if c.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, c.MaxRetries)
	}
	return backoff.WithContext(b, ctx)
}

// RetryableFunc — единица работы, которую можно повторить.
type RetryableFunc func(ctx context.Context) error

// ErrMaxRetries возвращается, когда все повторы исчерпаны.
type ErrMaxRetries struct {
	Err      error // последняя ошибка fn
	Attempts int
}

func (e *ErrMaxRetries) Error() string {
	return fmt.Sprintf("backoff: gave up after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ErrMaxRetries) Unwrap() error { return e.Err }

// Permanent помечает ошибку как неповторяемую: Execute вернёт её сразу.
func Permanent(err error) error { return backoff.Permanent(err) }

// Execute вызывает fn, пока та не вернёт nil, постоянную ошибку, пока не
// закончатся повторы или не отменится ctx. При отмене возвращается ошибка,
// для которой errors.Is(err, ctx.Err()) истинно.
func Execute(ctx context.Context, cfg Config, log *logger.Logger, fn RetryableFunc) error {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("backoff: invalid config: %w", err)
	}

	var (
		attempts int
		lastErr  error
	)
	attempt := func() error {
		attempts++
		actx, cancel := ctx, context.CancelFunc(func() {})
		if cfg.PerAttemptTimeout > 0 {
			actx, cancel = context.WithTimeout(ctx, cfg.PerAttemptTimeout)
		}
		defer cancel()
		lastErr = fn(actx)
		return lastErr
	}
	notify := func(err error, delay time.Duration) {
		retriesTotal.WithLabelValues(serviceLabel).Inc()
		retryDelay.WithLabelValues(serviceLabel).Observe(delay.Seconds())
		log.Warn("retrying after error",
			zap.Int("attempt", attempts),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}

	err := backoff.RetryNotify(attempt, cfg.strategy(ctx), notify)
	switch {
	case err == nil:
		outcomesTotal.WithLabelValues(serviceLabel, "ok").Inc()
		return nil
	case isPermanent(lastErr):
		outcomesTotal.WithLabelValues(serviceLabel, "permanent").Inc()
		log.Debug("not retrying permanent error", zap.Int("attempts", attempts), zap.Error(err))
		return err
	case ctx.Err() != nil:
		outcomesTotal.WithLabelValues(serviceLabel, "canceled").Inc()
		if lastErr != nil && !errors.Is(lastErr, ctx.Err()) {
			return fmt.Errorf("backoff: %w (last error: %v)", ctx.Err(), lastErr)
		}
		return fmt.Errorf("backoff: %w", ctx.Err())
	default:
		outcomesTotal.WithLabelValues(serviceLabel, "exhausted").Inc()
		log.Error("retries exhausted", zap.Int("attempts", attempts), zap.Error(err))
		return &ErrMaxRetries{Err: err, Attempts: attempts}
	}
}

func isPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}
