// Package orchestrator is the single entry point for text generation. It
// answers each request from the response cache when it can, collapses
// concurrent identical requests into one call, and otherwise sends the
// request through the batch collector, rate limiter and retry executor, or
// parks it in the offline queue while the service is unreachable.
package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pario-ai/genrelay/pkg/batch"
	"github.com/pario-ai/genrelay/pkg/cache"
	"github.com/pario-ai/genrelay/pkg/connectivity"
	"github.com/pario-ai/genrelay/pkg/future"
	"github.com/pario-ai/genrelay/pkg/generr"
	"github.com/pario-ai/genrelay/pkg/inflight"
	"github.com/pario-ai/genrelay/pkg/keys"
	"github.com/pario-ai/genrelay/pkg/metrics"
	"github.com/pario-ai/genrelay/pkg/models"
	"github.com/pario-ai/genrelay/pkg/offline"
	"github.com/pario-ai/genrelay/pkg/provider"
	"github.com/pario-ai/genrelay/pkg/ratelimit"
	"github.com/pario-ai/genrelay/pkg/retry"
)

// Options modify a single Generate call.
type Options struct {
	// BypassCache skips the cache lookup. The fresh result is still cached
	// and concurrent identical requests are still shared.
	BypassCache bool
}

// BudgetChecker rejects requests for a model whose token budget is spent.
type BudgetChecker interface {
	Check(ctx context.Context, model string) error
}

// ModelResolver maps a requested model, which may be empty or an alias, to
// the model the first upstream attempt will use.
type ModelResolver interface {
	ResolveModel(requested string) (string, error)
}

// Orchestrator is safe for concurrent use. Create one per process.
type Orchestrator struct {
	cfg       Config
	gen       provider.Generator
	logger    *zap.Logger
	cache     *cache.Cache
	queue     *offline.Queue
	conn      connectivity.Source
	budget    BudgetChecker
	resolver  ModelResolver
	metrics   *metrics.Recorder
	retryOpts []retry.Option

	registry *inflight.Registry
	limiter  *ratelimit.Limiter
	retry    *retry.Executor
	batch    *batch.Collector

	unsubscribe func()
	draining    sync.Mutex
	stop        chan struct{}
	wg          sync.WaitGroup

	mu       sync.Mutex
	shutdown bool
}

// New wires the pipeline around gen.
func New(gen provider.Generator, cfg Config, opts ...Option) *Orchestrator {
	if cfg.BaseTimeout <= 0 {
		cfg.BaseTimeout = 30 * time.Second
	}
	if cfg.MaxTimeoutMultiplier < 1 {
		cfg.MaxTimeoutMultiplier = 3
	}
	o := &Orchestrator{
		cfg:      cfg,
		gen:      gen,
		logger:   zap.NewNop(),
		registry: inflight.New(),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = metrics.New()
	}
	if o.resolver == nil {
		if r, ok := gen.(ModelResolver); ok {
			o.resolver = r
		}
	}
	if o.queue == nil {
		o.queue = offline.New(offline.Config{}, offline.WithLogger(o.logger))
	}
	if o.conn == nil {
		o.conn = connectivity.NewMonitor(true, connectivity.Unknown)
	}

	o.limiter = ratelimit.New(cfg.RateLimit)
	retryOpts := append([]retry.Option{
		retry.WithLimiter(o.limiter),
		retry.WithLogger(o.logger),
		retry.OnRetry(func(retry.Attempt) { o.metrics.Retry() }),
	}, o.retryOpts...)
	o.retry = retry.New(cfg.Retry, retryOpts...)
	o.batch = batch.New(cfg.Batch,
		batch.WithLogger(o.logger),
		batch.WithAdmission(o.limiter.Acquire),
		batch.OnRelease(func(r batch.Release) {
			if r.Size > 1 {
				o.metrics.Batched(int64(r.Size))
			}
		}),
	)

	o.unsubscribe = o.conn.Subscribe(func(s connectivity.Status) {
		if s.Online {
			o.logger.Info("orchestrator: connectivity restored", zap.Stringer("quality", s.Quality))
			go o.drain()
		}
	})
	if cfg.DrainInterval > 0 {
		o.wg.Add(1)
		go o.drainLoop()
	}
	return o
}

// Generate returns generated text for p. Errors are always *generr.Error.
func (o *Orchestrator) Generate(ctx context.Context, p models.Params, opts Options) (models.Result, error) {
	if o.isShutdown() {
		return models.Result{}, generr.New(generr.Cancelled, "orchestrator is shut down")
	}
	o.metrics.Request()
	if err := ctx.Err(); err != nil {
		return models.Result{}, generr.Cancel(err)
	}
	if strings.TrimSpace(p.Subject) == "" {
		o.metrics.Failure()
		return models.Result{}, generr.New(generr.InvalidRequest, "subject is required")
	}
	p = keys.Normalize(p)
	if p.RequestID == "" {
		p.RequestID = uuid.NewString()
	}
	if p.SubmittedAt.IsZero() {
		p.SubmittedAt = time.Now().UTC()
	}
	key := keys.Compute(p)
	log := o.logger.With(zap.String("key", key.Short()), zap.String("request_id", p.RequestID))

	if o.cache != nil && !opts.BypassCache {
		if res, ok := o.cache.Get(key); ok {
			o.metrics.CacheHit()
			log.Debug("orchestrator: cache hit")
			res.Cached = true
			return res, nil
		}
	}

	h := o.registry.AttachOrCreate(ctx, key, func(callCtx context.Context) *future.Future {
		return o.start(callCtx, key, p)
	})
	if h.Shared() {
		o.metrics.Deduped()
		log.Debug("orchestrator: joined in-flight request")
	}

	res, err := h.Wait(ctx)
	if err != nil {
		o.metrics.Failure()
		log.Debug("orchestrator: request failed", zap.Error(err))
		return models.Result{}, generr.Normalize(err)
	}
	return res, nil
}

// start begins the work for a new key. The returned future resolves only
// after a successful result has been cached, so a caller arriving after
// settlement finds it there.
func (o *Orchestrator) start(ctx context.Context, key keys.Key, p models.Params) *future.Future {
	var inner *future.Future
	if o.conn.Status().Online {
		inner = o.submit(ctx, key, p)
	} else {
		o.metrics.OfflineQueued()
		inner = o.queue.Enqueue(ctx, key, p)
		o.logger.Info("orchestrator: offline, request queued",
			zap.String("key", key.Short()), zap.Int("queued", o.queue.Len()))
		// Connectivity may have returned between the check and the enqueue.
		if o.conn.Status().Online {
			go o.drain()
		}
	}

	out := future.New()
	go func() {
		<-inner.Done()
		res, err := inner.Result()
		if err == nil && o.cache != nil {
			if perr := o.cache.Put(key, res); perr != nil {
				o.logger.Debug("orchestrator: result not cached", zap.String("key", key.Short()), zap.Error(perr))
			}
		}
		out.Resolve(res, err)
	}()
	return out
}

// submit hands one request to the batch collector.
func (o *Orchestrator) submit(ctx context.Context, key keys.Key, p models.Params) *future.Future {
	return o.batch.Submit(ctx, func(ctx context.Context) (models.Result, error) {
		return o.execute(ctx, key, p)
	})
}

// execute runs one request through the retry executor. The batch collector
// has already taken the first rate-limiter admission.
func (o *Orchestrator) execute(ctx context.Context, key keys.Key, p models.Params) (models.Result, error) {
	model := o.resolveModel(p.Model)
	if o.budget != nil {
		if err := o.budget.Check(ctx, model); err != nil {
			return models.Result{}, generr.Normalize(err)
		}
	}
	return o.retry.ExecuteAdmitted(ctx, func(ctx context.Context, attempt int) (models.Result, error) {
		timeout := o.timeout()
		actx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		start := time.Now()
		res, err := o.gen.Generate(actx, p)
		outcome := "ok"
		if err != nil {
			outcome = generr.KindOf(err).String()
		}
		o.metrics.APICall(model, outcome, time.Since(start))
		o.logger.Debug("orchestrator: upstream attempt",
			zap.String("key", key.Short()), zap.String("batch_id", batch.ID(ctx)), zap.Int("attempt", attempt),
			zap.Duration("timeout", timeout), zap.String("outcome", outcome))
		return res, err
	})
}

// resolveModel returns the model the upstream call will use. Unresolvable
// names are returned as given; the generator reports them.
func (o *Orchestrator) resolveModel(requested string) string {
	if o.resolver == nil {
		return requested
	}
	model, err := o.resolver.ResolveModel(requested)
	if err != nil {
		return requested
	}
	return model
}

// timeout scales the base attempt timeout by link quality.
func (o *Orchestrator) timeout() time.Duration {
	m := 1.0
	switch o.conn.Status().Quality {
	case connectivity.Medium:
		m = 1.5
	case connectivity.Slow:
		m = 3
	}
	if m > o.cfg.MaxTimeoutMultiplier {
		m = o.cfg.MaxTimeoutMultiplier
	}
	return time.Duration(float64(o.cfg.BaseTimeout) * m)
}

// drain replays the offline queue through the batch collector.
func (o *Orchestrator) drain() {
	if o.isShutdown() || !o.conn.Status().Online {
		return
	}
	o.draining.Lock()
	defer o.draining.Unlock()
	o.queue.Drain(func(ctx context.Context, req offline.Request) *future.Future {
		return o.submit(ctx, req.Key, req.Params)
	})
}

func (o *Orchestrator) drainLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.DrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stop:
			return
		case <-ticker.C:
			if o.queue.Len() > 0 {
				o.drain()
			}
		}
	}
}

// Restore replays requests persisted by an earlier process in the
// background so their results land in the cache. A request interrupted by
// Shutdown stays persisted for the next Restore. It returns how many were
// scheduled.
func (o *Orchestrator) Restore(ctx context.Context) (int, error) {
	reqs, err := o.queue.Restore(ctx)
	if err != nil {
		return 0, err
	}
	for _, req := range reqs {
		key, p := req.Key, req.Params
		o.metrics.Request()
		h := o.registry.AttachOrCreate(context.Background(), key, func(callCtx context.Context) *future.Future {
			return o.start(callCtx, key, p)
		})
		go func() {
			_, err := h.Wait(context.Background())
			o.queue.Release(req, err)
		}()
	}
	if len(reqs) > 0 {
		o.logger.Info("orchestrator: restored queued requests", zap.Int("count", len(reqs)))
	}
	return len(reqs), nil
}

// Metrics returns a snapshot of the counters.
func (o *Orchestrator) Metrics() models.MetricsSnapshot {
	return o.metrics.Snapshot()
}

// Recorder returns the metrics recorder for export.
func (o *Orchestrator) Recorder() *metrics.Recorder { return o.metrics }

// Cache returns the response cache, nil when caching is disabled.
func (o *Orchestrator) Cache() *cache.Cache { return o.cache }

// QueueLen returns the number of requests waiting for connectivity.
func (o *Orchestrator) QueueLen() int { return o.queue.Len() }

// InFlight returns the number of distinct requests being serviced.
func (o *Orchestrator) InFlight() int { return o.registry.Len() }

// RateLimit reports the rate limiter state.
func (o *Orchestrator) RateLimit() ratelimit.Usage { return o.limiter.Usage() }

func (o *Orchestrator) isShutdown() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.shutdown
}

// Shutdown stops accepting work, rejects queued and batched requests with
// Cancelled, and waits for in-progress calls until ctx ends.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.shutdown {
		o.mu.Unlock()
		return nil
	}
	o.shutdown = true
	o.mu.Unlock()

	o.unsubscribe()
	close(o.stop)
	o.wg.Wait()

	o.queue.Close()
	err := o.batch.Close(ctx)
	if o.cache != nil {
		o.cache.Close()
	}
	o.logger.Info("orchestrator: shut down", zap.Error(err))
	return err
}
