// Package batch groups requests that arrive close together and releases them
// to the outbound pipeline as one batch.
//
// A batch opens with the first submission into an empty collector and closes
// when its window elapses or it reaches MaxSize. Batches are dispatched by a
// single goroutine in the order they closed; within a batch, items pass the
// admission hook in collection order and then run concurrently, bounded by
// MaxConcurrent. Each item is still an individual call.
package batch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pario-ai/genrelay/pkg/future"
	"github.com/pario-ai/genrelay/pkg/generr"
	"github.com/pario-ai/genrelay/pkg/models"
)

// Config sizes the collector.
type Config struct {
	Window        time.Duration `yaml:"window"`
	MaxSize       int           `yaml:"max_size"`
	MaxConcurrent int           `yaml:"max_concurrent"`
}

// Task is the work for one item.
type Task func(ctx context.Context) (models.Result, error)

type state int

const (
	statePending state = iota // collecting or waiting for dispatch
	stateRunning
	stateCancelled
)

type item struct {
	ctx   context.Context
	task  Task
	fut   *future.Future
	state state
	stop  func() bool
}

// Collector is safe for concurrent use.
type Collector struct {
	cfg       Config
	logger    *zap.Logger
	admit     func(ctx context.Context) error
	onRelease func(Release)

	mu      sync.Mutex
	pending []*item
	ready   [][]*item
	timer   *time.Timer
	gen     uint64
	closed  bool

	wake    chan struct{}
	stopCtx context.Context
	stopFn  context.CancelFunc
	done    chan struct{}
	group   errgroup.Group
}

// Option configures a Collector.
type Option func(*Collector)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Collector) { c.logger = l }
}

// WithAdmission installs a hook each item passes, in collection order, before
// its task starts. An error from the hook resolves the item with that error.
func WithAdmission(fn func(ctx context.Context) error) Option {
	return func(c *Collector) { c.admit = fn }
}

// Release describes one released batch.
type Release struct {
	ID   string
	Size int
}

type batchIDKey struct{}

// ID returns the id of the batch a task was released in, or "".
func ID(ctx context.Context) string {
	id, _ := ctx.Value(batchIDKey{}).(string)
	return id
}

// OnRelease is called for every released batch.
func OnRelease(fn func(Release)) Option {
	return func(c *Collector) { c.onRelease = fn }
}

// New creates a Collector and starts its dispatcher.
func New(cfg Config, opts ...Option) *Collector {
	if cfg.Window <= 0 {
		cfg.Window = 200 * time.Millisecond
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 10
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	stopCtx, stopFn := context.WithCancel(context.Background())
	c := &Collector{
		cfg:     cfg,
		logger:  zap.NewNop(),
		wake:    make(chan struct{}, 1),
		stopCtx: stopCtx,
		stopFn:  stopFn,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.group.SetLimit(cfg.MaxConcurrent)
	go c.dispatch()
	return c
}

// Submit adds task to the open batch. The returned future resolves with the
// task's outcome, or Cancelled if ctx ends before the task starts.
func (c *Collector) Submit(ctx context.Context, task Task) *future.Future {
	if err := ctx.Err(); err != nil {
		return future.Failed(generr.Cancel(err))
	}
	it := &item{ctx: ctx, task: task, fut: future.New()}
	it.stop = context.AfterFunc(ctx, func() { c.cancel(it) })

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		it.stop()
		return future.Failed(errClosed())
	}
	c.pending = append(c.pending, it)
	if len(c.pending) == 1 {
		gen := c.gen
		c.timer = time.AfterFunc(c.cfg.Window, func() { c.expire(gen) })
	}
	if len(c.pending) >= c.cfg.MaxSize {
		c.releaseLocked()
	}
	c.mu.Unlock()
	return it.fut
}

// Pending returns the number of items collected but not yet started.
func (c *Collector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.pending)
	for _, b := range c.ready {
		n += len(b)
	}
	return n
}

func (c *Collector) expire(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen == gen && len(c.pending) > 0 && !c.closed {
		c.releaseLocked()
	}
}

// releaseLocked closes the open batch. Caller holds mu.
func (c *Collector) releaseLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.gen++
	c.ready = append(c.ready, c.pending)
	c.pending = nil
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// cancel resolves it as Cancelled if it has not started yet.
func (c *Collector) cancel(it *item) {
	c.mu.Lock()
	if it.state != statePending {
		c.mu.Unlock()
		return
	}
	it.state = stateCancelled
	for i, p := range c.pending {
		if p == it {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			break
		}
	}
	if len(c.pending) == 0 && c.timer != nil {
		c.timer.Stop()
		c.timer = nil
		c.gen++
	}
	c.mu.Unlock()
	it.fut.Resolve(models.Result{}, generr.Cancel(it.ctx.Err()))
}

func (c *Collector) dispatch() {
	defer close(c.done)
	for {
		select {
		case <-c.stopCtx.Done():
			return
		case <-c.wake:
		}
		for {
			c.mu.Lock()
			if len(c.ready) == 0 {
				c.mu.Unlock()
				break
			}
			b := c.ready[0]
			c.ready = c.ready[1:]
			c.mu.Unlock()
			c.run(b)
		}
	}
}

func (c *Collector) run(b []*item) {
	rel := Release{ID: uuid.NewString(), Size: len(b)}
	if c.onRelease != nil {
		c.onRelease(rel)
	}
	c.logger.Debug("batch: released", zap.String("batch_id", rel.ID), zap.Int("size", rel.Size))

	for _, it := range b {
		if !c.start(it) {
			continue
		}
		if c.admit != nil {
			if err := c.admitItem(it); err != nil {
				it.fut.Resolve(models.Result{}, err)
				continue
			}
		}
		it := it
		c.group.Go(func() error {
			res, err := it.task(context.WithValue(it.ctx, batchIDKey{}, rel.ID))
			it.fut.Resolve(res, generr.Normalize(err))
			return nil
		})
	}
}

// start claims it for execution. It reports false if it was cancelled or the
// collector closed underneath it.
func (c *Collector) start(it *item) bool {
	c.mu.Lock()
	if it.state != statePending {
		c.mu.Unlock()
		return false
	}
	if c.closed {
		it.state = stateCancelled
		c.mu.Unlock()
		it.stop()
		it.fut.Resolve(models.Result{}, errClosed())
		return false
	}
	it.state = stateRunning
	c.mu.Unlock()
	it.stop()
	return true
}

func errClosed() error {
	return generr.New(generr.Cancelled, "batch collector closed")
}

// admitItem runs the admission hook, abandoning it if the item's context or
// the collector ends.
func (c *Collector) admitItem(it *item) error {
	ctx, cancel := context.WithCancel(it.ctx)
	defer cancel()
	stop := context.AfterFunc(c.stopCtx, cancel)
	defer stop()
	if err := c.admit(ctx); err != nil {
		if c.stopCtx.Err() != nil && it.ctx.Err() == nil {
			return errClosed()
		}
		return generr.Normalize(err)
	}
	return nil
}

// Close rejects every item that has not started with Cancelled, stops the
// dispatcher and waits for running tasks until ctx ends.
func (c *Collector) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	var rejected []*item
	for _, b := range append([][]*item{c.pending}, c.ready...) {
		for _, it := range b {
			if it.state == statePending {
				it.state = stateCancelled
				rejected = append(rejected, it)
			}
		}
	}
	c.pending, c.ready = nil, nil
	c.mu.Unlock()

	for _, it := range rejected {
		it.stop()
		it.fut.Resolve(models.Result{}, errClosed())
	}

	c.stopFn()
	waited := make(chan struct{})
	go func() {
		<-c.done
		_ = c.group.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
