// Package offline holds requests made while the generation service is
// unreachable and replays them, oldest first, once it is reachable again.
package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pario-ai/genrelay/pkg/future"
	"github.com/pario-ai/genrelay/pkg/generr"
	"github.com/pario-ai/genrelay/pkg/keys"
	"github.com/pario-ai/genrelay/pkg/models"
	"github.com/pario-ai/genrelay/pkg/store"
)

// PersistPrefix namespaces persisted queue entries inside a shared store.
const PersistPrefix = "offline:"

// Config bounds the queue.
type Config struct {
	MaxSize       int           `yaml:"max_size"`
	MaxAge        time.Duration `yaml:"max_age"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Request is one queued call.
type Request struct {
	Key        keys.Key      `json:"key"`
	Params     models.Params `json:"params"`
	EnqueuedAt time.Time     `json:"enqueued_at"`

	// persistID is set on requests returned by Restore.
	persistID string
}

// SubmitFunc hands a replayed request to the live pipeline. It must not block
// on the outcome.
type SubmitFunc func(ctx context.Context, req Request) *future.Future

type entry struct {
	req       Request
	ctx       context.Context
	fut       *future.Future
	persistID string
	stop      func() bool
}

// Queue is a bounded FIFO. It is safe for concurrent use.
type Queue struct {
	cfg    Config
	now    func() time.Time
	logger *zap.Logger
	store  store.Store

	mu      sync.Mutex
	entries []*entry
	closed  bool

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithStore persists queued requests so they survive a restart.
func WithStore(s store.Store) Option {
	return func(q *Queue) { q.store = s }
}

// New creates a Queue and starts the sweep goroutine when configured.
func New(cfg Config, opts ...Option) *Queue {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 100
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 24 * time.Hour
	}
	q := &Queue{
		cfg:    cfg,
		now:    time.Now,
		logger: zap.NewNop(),
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	if cfg.SweepInterval > 0 {
		q.wg.Add(1)
		go q.sweepLoop()
	}
	return q
}

// Enqueue appends a request. A full queue rejects it with CapacityExceeded;
// queued requests keep their place. If ctx ends while queued the entry is
// removed and resolved Cancelled.
func (q *Queue) Enqueue(ctx context.Context, key keys.Key, params models.Params) *future.Future {
	if err := ctx.Err(); err != nil {
		return future.Failed(generr.Cancel(err))
	}
	e := &entry{
		req: Request{Key: key, Params: params, EnqueuedAt: q.now()},
		ctx: ctx,
		fut: future.New(),
	}
	e.persistID = fmt.Sprintf("%020d-%s", e.req.EnqueuedAt.UnixNano(), uuid.NewString())
	e.stop = context.AfterFunc(ctx, func() { q.cancel(e) })
	q.persist(e)

	q.mu.Lock()
	var rejected error
	switch {
	case q.closed:
		rejected = generr.New(generr.Cancelled, "offline queue closed")
	case len(q.entries) >= q.cfg.MaxSize:
		rejected = generr.New(generr.CapacityExceeded, "offline queue is full (%d requests)", q.cfg.MaxSize)
	default:
		q.entries = append(q.entries, e)
	}
	q.mu.Unlock()
	if rejected != nil {
		e.stop()
		q.forget(e)
		return future.Failed(rejected)
	}

	if ctx.Err() != nil {
		q.cancel(e)
	}
	q.logger.Debug("offline: queued", zap.String("key", key.Short()))
	return e.fut
}

func (q *Queue) cancel(e *entry) {
	if q.take(e) {
		q.forget(e)
		e.fut.Resolve(models.Result{}, generr.Cancel(e.ctx.Err()))
	}
}

// take removes e if it is still queued.
func (q *Queue) take(e *entry) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, cur := range q.entries {
		if cur == e {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of queued requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Sweep resolves every entry older than MaxAge with Expired and returns how
// many were removed.
func (q *Queue) Sweep() int {
	expired := q.split(q.now())
	for _, e := range expired {
		q.expire(e)
	}
	return len(expired)
}

// Drain empties the queue in arrival order. Stale entries are expired, the
// rest are handed to submit and their callers follow the new futures. A
// persisted copy is deleted once the replay settles, unless it was cancelled
// by shutdown while its caller was still waiting.
func (q *Queue) Drain(submit SubmitFunc) (replayed, expired int) {
	now := q.now()
	q.mu.Lock()
	all := q.entries
	q.entries = nil
	q.mu.Unlock()

	for _, e := range all {
		e.stop()
		if now.Sub(e.req.EnqueuedAt) >= q.cfg.MaxAge {
			q.forget(e)
			e.fut.Resolve(models.Result{}, expiredErr(e))
			expired++
			continue
		}
		sub := submit(e.ctx, e.req)
		future.Forward(sub, e.fut)
		if q.store != nil {
			go func() {
				<-sub.Done()
				_, err := sub.Result()
				if e.ctx.Err() != nil || !interrupted(err) {
					q.forget(e)
				}
			}()
		}
		replayed++
	}
	if replayed+expired > 0 {
		q.logger.Info("offline: drained queue", zap.Int("replayed", replayed), zap.Int("expired", expired))
	}
	return replayed, expired
}

// Restore returns requests persisted by an earlier process, oldest first.
// Expired and unreadable entries are deleted. The rest stay persisted until
// the caller reports their outcome with Release.
func (q *Queue) Restore(ctx context.Context) ([]Request, error) {
	if q.store == nil {
		return nil, nil
	}
	raw, err := q.store.Scan(ctx, PersistPrefix)
	if err != nil {
		return nil, fmt.Errorf("scan offline queue: %w", err)
	}
	ids := make([]string, 0, len(raw))
	for id := range raw {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	now := q.now()
	var out []Request
	for _, id := range ids {
		var req Request
		if err := json.Unmarshal(raw[id], &req); err != nil {
			q.logger.Debug("offline: skip unreadable entry", zap.String("id", id), zap.Error(err))
			q.delete(ctx, id)
			continue
		}
		if now.Sub(req.EnqueuedAt) >= q.cfg.MaxAge {
			q.delete(ctx, id)
			continue
		}
		req.persistID = strings.TrimPrefix(id, PersistPrefix)
		out = append(out, req)
	}
	return out, nil
}

// Release settles a request returned by Restore. Its persisted copy is
// deleted unless err shows the replay was interrupted by shutdown.
func (q *Queue) Release(req Request, err error) {
	if q.store == nil || req.persistID == "" || interrupted(err) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	q.delete(ctx, PersistPrefix+req.persistID)
}

// interrupted reports whether a replay ended without a final outcome.
func interrupted(err error) bool {
	return generr.KindOf(err) == generr.Cancelled
}

// Close stops the sweeper and rejects queued requests with Cancelled.
// Persisted copies are kept for Restore.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.stopCh) })
	q.wg.Wait()

	q.mu.Lock()
	q.closed = true
	all := q.entries
	q.entries = nil
	q.mu.Unlock()
	for _, e := range all {
		e.stop()
		e.fut.Resolve(models.Result{}, generr.New(generr.Cancelled, "offline queue closed"))
	}
}

func (q *Queue) split(now time.Time) []*entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var expired []*entry
	kept := q.entries[:0]
	for _, e := range q.entries {
		if now.Sub(e.req.EnqueuedAt) >= q.cfg.MaxAge {
			expired = append(expired, e)
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(q.entries); i++ {
		q.entries[i] = nil
	}
	q.entries = kept
	return expired
}

func (q *Queue) expire(e *entry) {
	e.stop()
	q.forget(e)
	e.fut.Resolve(models.Result{}, expiredErr(e))
}

func expiredErr(e *entry) error {
	return generr.New(generr.Expired, "request expired while offline (queued %s)", e.req.EnqueuedAt.Format(time.RFC3339))
}

func (q *Queue) persist(e *entry) {
	if q.store == nil {
		return
	}
	data, err := json.Marshal(e.req)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.store.Put(ctx, PersistPrefix+e.persistID, data, q.cfg.MaxAge); err != nil {
		q.logger.Warn("offline: persist entry", zap.String("key", e.req.Key.Short()), zap.Error(err))
	}
}

func (q *Queue) forget(e *entry) {
	if q.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	q.delete(ctx, PersistPrefix+e.persistID)
}

func (q *Queue) delete(ctx context.Context, id string) {
	if err := q.store.Delete(ctx, id); err != nil {
		q.logger.Warn("offline: delete entry", zap.String("id", id), zap.Error(err))
	}
}

func (q *Queue) sweepLoop() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			if n := q.Sweep(); n > 0 {
				q.logger.Info("offline: expired queued requests", zap.Int("count", n))
			}
		}
	}
}
