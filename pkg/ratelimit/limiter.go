// Package ratelimit paces outbound calls to the generation service.
//
// Two constraints are enforced together:
//   - a minimum spacing between consecutive admissions (golang.org/x/time/rate
//     with a burst of one)
//   - a ceiling on admissions within a rolling window
//
// Waiting callers are admitted strictly in arrival order.
package ratelimit

import (
	"container/list"
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pario-ai/genrelay/pkg/generr"
)

// Config sets the limits. Zero values disable the corresponding constraint.
type Config struct {
	MinInterval  time.Duration `yaml:"min_interval"`
	MaxPerWindow int           `yaml:"max_per_window"`
	Window       time.Duration `yaml:"window"`
}

// Usage reports the limiter state.
type Usage struct {
	InWindow int `json:"in_window"`
	Limit    int `json:"limit"`
	Waiting  int `json:"waiting"`
}

// Limiter is safe for concurrent use.
type Limiter struct {
	cfg     Config
	spacing *rate.Limiter

	mu      sync.Mutex
	busy    bool
	waiters *list.List // of chan struct{}
	stamps  []time.Time
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}
	return &Limiter{
		cfg:     cfg,
		spacing: rate.NewLimiter(limit, 1),
		waiters: list.New(),
	}
}

// Acquire blocks until the caller may issue one outbound call. It returns a
// Cancelled error if ctx ends first.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return generr.Cancel(err)
	}
	if err := l.enter(ctx); err != nil {
		return err
	}
	defer l.leave()

	if err := l.waitWindow(ctx); err != nil {
		return err
	}
	if err := l.spacing.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return generr.Cancel(ctx.Err())
		}
		return generr.Wrap(generr.Internal, err, "rate limiter")
	}

	if l.windowed() {
		l.mu.Lock()
		l.stamps = append(l.stamps, time.Now())
		l.mu.Unlock()
	}
	return nil
}

// enter takes the admission turn, queueing behind earlier callers.
func (l *Limiter) enter(ctx context.Context) error {
	l.mu.Lock()
	if !l.busy && l.waiters.Len() == 0 {
		l.busy = true
		l.mu.Unlock()
		return nil
	}
	turn := make(chan struct{})
	elem := l.waiters.PushBack(turn)
	l.mu.Unlock()

	select {
	case <-turn:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		select {
		case <-turn:
			// Handed the turn while giving up; pass it on.
			l.mu.Unlock()
			l.leave()
		default:
			l.waiters.Remove(elem)
			l.mu.Unlock()
		}
		return generr.Cancel(ctx.Err())
	}
}

// leave hands the turn to the next waiter, if any.
func (l *Limiter) leave() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if front := l.waiters.Front(); front != nil {
		l.waiters.Remove(front)
		close(front.Value.(chan struct{}))
		return
	}
	l.busy = false
}

// waitWindow sleeps until the rolling window has room. Only the turn holder
// calls it, so stamps cannot grow underneath it.
func (l *Limiter) waitWindow(ctx context.Context) error {
	if !l.windowed() {
		return nil
	}
	for {
		l.mu.Lock()
		now := time.Now()
		l.prune(now)
		var wait time.Duration
		if len(l.stamps) >= l.cfg.MaxPerWindow {
			wait = l.stamps[0].Add(l.cfg.Window).Sub(now)
		}
		l.mu.Unlock()

		if wait <= 0 {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return generr.Cancel(ctx.Err())
		}
	}
}

func (l *Limiter) windowed() bool {
	return l.cfg.MaxPerWindow > 0 && l.cfg.Window > 0
}

// prune drops stamps older than the window. Caller holds mu.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.cfg.Window)
	i := 0
	for i < len(l.stamps) && !l.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[i:]...)
	}
}

// Usage returns a snapshot of the window and queue.
func (l *Limiter) Usage() Usage {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.windowed() {
		l.prune(time.Now())
	}
	waiting := l.waiters.Len()
	if l.busy {
		waiting++
	}
	return Usage{InWindow: len(l.stamps), Limit: l.cfg.MaxPerWindow, Waiting: waiting}
}
