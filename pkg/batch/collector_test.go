package batch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/pario-ai/genrelay/pkg/future"
	"github.com/pario-ai/genrelay/pkg/generr"
	"github.com/pario-ai/genrelay/pkg/models"
)

func echo(text string, calls *atomic.Int32) Task {
	return func(ctx context.Context) (models.Result, error) {
		calls.Add(1)
		return models.Result{Text: text}, nil
	}
}

func closeCollector(t *testing.T, c *Collector) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Close(ctx))
}

func TestWindowGroupsSubmissions(t *testing.T) {
	var sizes []int
	var mu sync.Mutex
	c := New(Config{Window: 50 * time.Millisecond, MaxSize: 10},
		OnRelease(func(r Release) { mu.Lock(); sizes = append(sizes, r.Size); mu.Unlock() }))
	defer closeCollector(t, c)

	var calls atomic.Int32
	f1 := c.Submit(context.Background(), echo("a", &calls))
	f2 := c.Submit(context.Background(), echo("b", &calls))
	f3 := c.Submit(context.Background(), echo("c", &calls))

	for _, f := range []struct {
		want string
		fut  interface {
			Wait(context.Context) (models.Result, error)
		}
	}{{"a", f1}, {"b", f2}, {"c", f3}} {
		res, err := f.fut.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, f.want, res.Text)
	}
	assert.Equal(t, int32(3), calls.Load())
	mu.Lock()
	assert.Equal(t, []int{3}, sizes)
	mu.Unlock()
}

func TestTasksSeeTheirBatchID(t *testing.T) {
	var mu sync.Mutex
	var releases []Release
	c := New(Config{Window: 20 * time.Millisecond, MaxSize: 2},
		OnRelease(func(r Release) { mu.Lock(); releases = append(releases, r); mu.Unlock() }))
	defer closeCollector(t, c)

	task := func(ctx context.Context) (models.Result, error) {
		return models.Result{Text: ID(ctx)}, nil
	}
	var ids []string
	for _, f := range []*future.Future{
		c.Submit(context.Background(), task),
		c.Submit(context.Background(), task),
		c.Submit(context.Background(), task),
	} {
		res, err := f.Wait(context.Background())
		require.NoError(t, err)
		ids = append(ids, res.Text)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, releases, 2)
	assert.NotEmpty(t, releases[0].ID)
	assert.NotEqual(t, releases[0].ID, releases[1].ID)
	assert.Equal(t, []string{releases[0].ID, releases[0].ID, releases[1].ID}, ids)
	assert.Empty(t, ID(context.Background()))
}

func TestWindowDelaysRelease(t *testing.T) {
	c := New(Config{Window: 60 * time.Millisecond})
	defer closeCollector(t, c)

	var calls atomic.Int32
	start := time.Now()
	_, err := c.Submit(context.Background(), echo("x", &calls)).Wait(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 55*time.Millisecond)
}

func TestMaxSizeReleasesEarly(t *testing.T) {
	c := New(Config{Window: time.Hour, MaxSize: 2})
	defer closeCollector(t, c)

	var calls atomic.Int32
	f1 := c.Submit(context.Background(), echo("a", &calls))
	f2 := c.Submit(context.Background(), echo("b", &calls))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := f1.Wait(ctx)
	require.NoError(t, err)
	_, err = f2.Wait(ctx)
	require.NoError(t, err)
}

type seqKey struct{}

func TestAdmissionInCollectionOrder(t *testing.T) {
	var mu sync.Mutex
	var admitted []int
	c := New(Config{Window: 20 * time.Millisecond, MaxSize: 10, MaxConcurrent: 5},
		WithAdmission(func(ctx context.Context) error {
			mu.Lock()
			admitted = append(admitted, ctx.Value(seqKey{}).(int))
			mu.Unlock()
			return nil
		}))
	defer closeCollector(t, c)

	var calls atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		ctx := context.WithValue(context.Background(), seqKey{}, i)
		fut := c.Submit(ctx, echo("x", &calls))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := fut.Wait(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, admitted)
	assert.Equal(t, int32(5), calls.Load())
}

func TestCancelBeforeFlushNeverRuns(t *testing.T) {
	c := New(Config{Window: 80 * time.Millisecond})
	defer closeCollector(t, c)

	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	cancelled := c.Submit(ctx, echo("never", &calls))
	kept := c.Submit(context.Background(), echo("kept", &calls))

	cancel()
	_, err := cancelled.Wait(context.Background())
	assert.ErrorIs(t, err, generr.ErrCancelled)

	res, err := kept.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "kept", res.Text)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCancelOnlyItemStopsTimer(t *testing.T) {
	var released atomic.Int32
	c := New(Config{Window: 30 * time.Millisecond}, OnRelease(func(Release) { released.Add(1) }))
	defer closeCollector(t, c)

	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	fut := c.Submit(ctx, echo("x", &calls))
	cancel()
	_, err := fut.Wait(context.Background())
	assert.ErrorIs(t, err, generr.ErrCancelled)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(0), released.Load())
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, 0, c.Pending())
}

func TestAdmissionErrorResolvesItem(t *testing.T) {
	boom := generr.New(generr.RateLimited, "no room")
	c := New(Config{Window: 10 * time.Millisecond},
		WithAdmission(func(ctx context.Context) error { return boom }))
	defer closeCollector(t, c)

	var calls atomic.Int32
	_, err := c.Submit(context.Background(), echo("x", &calls)).Wait(context.Background())
	assert.ErrorIs(t, err, generr.ErrRateLimited)
	assert.Equal(t, int32(0), calls.Load())
}

func TestConcurrencyBounded(t *testing.T) {
	c := New(Config{Window: 10 * time.Millisecond, MaxSize: 10, MaxConcurrent: 2})
	defer closeCollector(t, c)

	var running, peak atomic.Int32
	task := func(ctx context.Context) (models.Result, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return models.Result{}, nil
	}

	var futs []interface {
		Wait(context.Context) (models.Result, error)
	}
	for i := 0; i < 6; i++ {
		futs = append(futs, c.Submit(context.Background(), task))
	}
	for _, f := range futs {
		_, err := f.Wait(context.Background())
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestCloseRejectsPendingAndWaitsForRunning(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	c := New(Config{Window: 10 * time.Millisecond, MaxSize: 1})

	release := make(chan struct{})
	var finished atomic.Bool
	running := c.Submit(context.Background(), func(ctx context.Context) (models.Result, error) {
		<-release
		finished.Store(true)
		return models.Result{Text: "done"}, nil
	})
	// Give the dispatcher time to start the first item.
	time.Sleep(20 * time.Millisecond)

	c2 := New(Config{Window: time.Hour})
	var calls atomic.Int32
	queued := c2.Submit(context.Background(), echo("x", &calls))
	closeCollector(t, c2)
	_, err := queued.Wait(context.Background())
	assert.ErrorIs(t, err, generr.ErrCancelled)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	closeCollector(t, c)
	assert.True(t, finished.Load())
	res, err := running.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "done", res.Text)

	_, err = c.Submit(context.Background(), echo("late", &calls)).Wait(context.Background())
	assert.ErrorIs(t, err, generr.ErrCancelled)
	assert.Equal(t, int32(0), calls.Load())
}
