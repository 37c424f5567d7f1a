// Package inflight collapses concurrent identical requests into one
// underlying call.
package inflight

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pario-ai/genrelay/pkg/future"
	"github.com/pario-ai/genrelay/pkg/generr"
	"github.com/pario-ai/genrelay/pkg/keys"
	"github.com/pario-ai/genrelay/pkg/models"
)

// StartFunc begins the work for a key and returns its pending result. ctx is
// scoped to the call: it is cancelled once every waiter has gone away.
type StartFunc func(ctx context.Context) *future.Future

type call struct {
	key         keys.Key
	fut         *future.Future
	firstSeenAt time.Time
	waiters     int
	cancel      context.CancelFunc
}

// Registry tracks pending calls. At most one call exists per key.
type Registry struct {
	mu    sync.Mutex
	calls map[keys.Key]*call

	deduped atomic.Int64
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{calls: make(map[keys.Key]*call)}
}

// Handle is one waiter's view of a pending call.
type Handle struct {
	r      *Registry
	c      *call
	shared bool
	once   sync.Once
}

// AttachOrCreate joins the pending call for key, or starts one with start.
// Values carried by ctx are visible to start; its cancellation is not, so a
// single caller giving up does not abort work others share.
func (r *Registry) AttachOrCreate(ctx context.Context, key keys.Key, start StartFunc) *Handle {
	r.mu.Lock()
	if c, ok := r.calls[key]; ok {
		c.waiters++
		r.mu.Unlock()
		r.deduped.Add(1)
		return &Handle{r: r, c: c, shared: true}
	}

	callCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &call{
		key:         key,
		fut:         future.New(),
		firstSeenAt: time.Now(),
		waiters:     1,
		cancel:      cancel,
	}
	r.calls[key] = c
	r.mu.Unlock()

	// start runs outside the lock; attachers in the meantime wait on c.fut.
	inner := start(callCtx)
	go func() {
		<-inner.Done()
		res, err := inner.Result()
		r.settle(c)
		c.fut.Resolve(res, err)
		cancel()
	}()
	return &Handle{r: r, c: c}
}

// settle removes c if it is still the registered call for its key.
func (r *Registry) settle(c *call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.calls[c.key]; ok && cur == c {
		delete(r.calls, c.key)
	}
}

// Shared reports whether this handle attached to an existing call.
func (h *Handle) Shared() bool { return h.shared }

// Wait returns the call's outcome. If ctx ends first the waiter leaves with a
// Cancelled error; when it was the last waiter the call is cancelled too.
func (h *Handle) Wait(ctx context.Context) (models.Result, error) {
	select {
	case <-h.c.fut.Done():
		h.once.Do(func() {})
		return h.c.fut.Result()
	case <-ctx.Done():
		h.leave()
		return models.Result{}, generr.Cancel(ctx.Err())
	}
}

func (h *Handle) leave() {
	h.once.Do(func() {
		r, c := h.r, h.c
		r.mu.Lock()
		c.waiters--
		abandoned := c.waiters == 0
		if abandoned {
			if cur, ok := r.calls[c.key]; ok && cur == c {
				delete(r.calls, c.key)
			}
		}
		r.mu.Unlock()
		if abandoned {
			c.cancel()
		}
	})
}

// Len returns the number of calls in flight.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// Waiters returns the number of callers waiting on key, 0 if none.
func (r *Registry) Waiters(key keys.Key) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.calls[key]; ok {
		return c.waiters
	}
	return 0
}

// Deduped returns how many callers attached to an existing call.
func (r *Registry) Deduped() int64 { return r.deduped.Load() }
