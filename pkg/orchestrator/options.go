package orchestrator

import (
	"time"

	"go.uber.org/zap"

	"github.com/pario-ai/genrelay/pkg/batch"
	"github.com/pario-ai/genrelay/pkg/cache"
	"github.com/pario-ai/genrelay/pkg/connectivity"
	"github.com/pario-ai/genrelay/pkg/metrics"
	"github.com/pario-ai/genrelay/pkg/offline"
	"github.com/pario-ai/genrelay/pkg/ratelimit"
	"github.com/pario-ai/genrelay/pkg/retry"
)

// Config tunes the pipeline stages the orchestrator builds itself.
type Config struct {
	RateLimit ratelimit.Config
	Retry     retry.Config
	Batch     batch.Config
	// BaseTimeout bounds one outbound attempt on a fast or unknown link.
	BaseTimeout time.Duration
	// MaxTimeoutMultiplier caps how far slow links stretch BaseTimeout.
	MaxTimeoutMultiplier float64
	// DrainInterval is how often queued work is checked for replay while
	// online. Zero disables the periodic check.
	DrainInterval time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithCache enables response caching.
func WithCache(c *cache.Cache) Option {
	return func(o *Orchestrator) { o.cache = c }
}

// WithOfflineQueue replaces the default in-memory offline queue.
func WithOfflineQueue(q *offline.Queue) Option {
	return func(o *Orchestrator) { o.queue = q }
}

// WithConnectivity sets the reachability source. Without one the service is
// assumed reachable.
func WithConnectivity(s connectivity.Source) Option {
	return func(o *Orchestrator) { o.conn = s }
}

// WithBudget checks every request against a token budget before it is sent.
func WithBudget(b BudgetChecker) Option {
	return func(o *Orchestrator) { o.budget = b }
}

// WithModelResolver sets how requested models are resolved for budget
// checks. By default the generator is used when it implements ModelResolver.
func WithModelResolver(r ModelResolver) Option {
	return func(o *Orchestrator) { o.resolver = r }
}

// WithMetrics shares a metrics recorder, e.g. one registered with Prometheus.
func WithMetrics(m *metrics.Recorder) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithRetryOptions passes extra options to the retry executor.
func WithRetryOptions(opts ...retry.Option) Option {
	return func(o *Orchestrator) { o.retryOpts = append(o.retryOpts, opts...) }
}
