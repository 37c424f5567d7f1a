// Package retry wraps one outbound call with bounded retries.
//
// Transient and unhinted rate-limit failures are retried on an exponential
// schedule (cenkalti/backoff with jitter disabled). A rate-limit failure that
// carries a server hint waits exactly that long and does not count as a
// failed attempt. Every other kind is returned immediately.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/pario-ai/genrelay/pkg/generr"
	"github.com/pario-ai/genrelay/pkg/models"
)

// Config controls the retry schedule.
type Config struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	MaxHintDelay   time.Duration `yaml:"max_hint_delay"`
	MaxHintRetries int           `yaml:"max_hint_retries"`
}

// DefaultConfig returns three attempts at 1s, 2s spacing.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		MaxHintDelay:   time.Minute,
		MaxHintRetries: 5,
	}
}

// Call performs a single attempt. attempt starts at 1.
type Call func(ctx context.Context, attempt int) (models.Result, error)

// Acquirer admits one outbound call.
type Acquirer interface {
	Acquire(ctx context.Context) error
}

// Attempt describes a failed attempt that is about to be retried.
type Attempt struct {
	Number int
	Err    error
	Delay  time.Duration
	Hinted bool
}

// Executor is safe for concurrent use.
type Executor struct {
	cfg     Config
	limiter Acquirer
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error
	onRetry func(Attempt)
}

// Option configures an Executor.
type Option func(*Executor)

// WithLimiter gates every attempt on l.
func WithLimiter(l Acquirer) Option {
	return func(e *Executor) { e.limiter = l }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithSleep replaces the delay function, mainly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = fn }
}

// OnRetry registers a hook invoked before each retry delay.
func OnRetry(fn func(Attempt)) Option {
	return func(e *Executor) { e.onRetry = fn }
}

// New creates an Executor. Zero config fields take their defaults.
func New(cfg Config, opts ...Option) *Executor {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.MaxHintDelay <= 0 {
		cfg.MaxHintDelay = def.MaxHintDelay
	}
	if cfg.MaxHintRetries < 0 {
		cfg.MaxHintRetries = 0
	}
	e := &Executor{
		cfg:    cfg,
		logger: zap.NewNop(),
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs call until it succeeds, fails terminally, or the attempt
// budget is spent. Each attempt first passes the limiter.
func (e *Executor) Execute(ctx context.Context, call Call) (models.Result, error) {
	return e.run(ctx, call, false)
}

// ExecuteAdmitted is Execute for a caller that already holds admission for
// the first attempt.
func (e *Executor) ExecuteAdmitted(ctx context.Context, call Call) (models.Result, error) {
	return e.run(ctx, call, true)
}

func (e *Executor) run(ctx context.Context, call Call, admitted bool) (models.Result, error) {
	sched := e.schedule()
	failures, hints := 0, 0

	for attempt := 1; ; attempt++ {
		if !admitted || attempt > 1 {
			if e.limiter != nil {
				if err := e.limiter.Acquire(ctx); err != nil {
					return models.Result{}, generr.Normalize(err)
				}
			}
		}
		if err := ctx.Err(); err != nil {
			return models.Result{}, generr.Cancel(err)
		}

		res, err := call(ctx, attempt)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return models.Result{}, generr.Cancel(ctx.Err())
		}
		err = generr.Normalize(err)
		kind := generr.KindOf(err)
		if !kind.Retryable() {
			return models.Result{}, err
		}

		var delay time.Duration
		hinted := false
		if hint := retryAfter(err); kind == generr.RateLimited && hint > 0 &&
			hint <= e.cfg.MaxHintDelay && hints < e.cfg.MaxHintRetries {
			delay, hinted = hint, true
			hints++
		} else {
			failures++
			if failures >= e.cfg.MaxAttempts {
				e.logger.Debug("retry: attempts exhausted",
					zap.Int("attempts", attempt), zap.Stringer("kind", kind), zap.Error(err))
				return models.Result{}, exhausted(err, failures)
			}
			delay = sched.NextBackOff()
		}

		if e.onRetry != nil {
			e.onRetry(Attempt{Number: attempt, Err: err, Delay: delay, Hinted: hinted})
		}
		e.logger.Debug("retry: backing off",
			zap.Int("attempt", attempt), zap.Duration("delay", delay),
			zap.Bool("hinted", hinted), zap.Error(err))
		if err := e.sleep(ctx, delay); err != nil {
			return models.Result{}, generr.Normalize(err)
		}
	}
}

func (e *Executor) schedule() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.BaseDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = e.cfg.MaxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func retryAfter(err error) time.Duration {
	var e *generr.Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// exhausted summarizes the last failure under its own kind.
func exhausted(last error, attempts int) error {
	var e *generr.Error
	if !errors.As(last, &e) {
		return last
	}
	return &generr.Error{
		Kind:    e.Kind,
		Message: fmt.Sprintf("gave up after %d attempts", attempts),
		Err:     e,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return generr.Cancel(ctx.Err())
	}
}
