// Package future provides the single-assignment result handle shared by the
// batching, queueing and deduplication stages.
package future

import (
	"context"
	"sync"

	"github.com/pario-ai/genrelay/pkg/generr"
	"github.com/pario-ai/genrelay/pkg/models"
)

// Future is resolved exactly once; later resolutions are ignored.
type Future struct {
	once   sync.Once
	done   chan struct{}
	result models.Result
	err    error
}

// New returns an unresolved Future.
func New() *Future {
	return &Future{done: make(chan struct{})}
}

// Failed returns a Future already resolved with err.
func Failed(err error) *Future {
	f := New()
	f.Resolve(models.Result{}, err)
	return f
}

// Resolve settles the future. It reports whether this call won.
func (f *Future) Resolve(res models.Result, err error) bool {
	won := false
	f.once.Do(func() {
		f.result, f.err = res, err
		close(f.done)
		won = true
	})
	return won
}

// Done is closed once the future is resolved.
func (f *Future) Done() <-chan struct{} { return f.done }

// Result returns the outcome. It must only be called after Done is closed.
func (f *Future) Result() (models.Result, error) {
	return f.result, f.err
}

// Wait blocks until the future resolves or ctx ends. Abandoning the wait does
// not affect the underlying work.
func (f *Future) Wait(ctx context.Context) (models.Result, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return models.Result{}, generr.Cancel(ctx.Err())
	}
}

// Forward resolves dst with src's outcome once src settles.
func Forward(src, dst *Future) {
	go func() {
		<-src.Done()
		dst.Resolve(src.Result())
	}()
}
