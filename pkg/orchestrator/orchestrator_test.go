package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/pario-ai/genrelay/pkg/batch"
	"github.com/pario-ai/genrelay/pkg/budget"
	"github.com/pario-ai/genrelay/pkg/cache"
	"github.com/pario-ai/genrelay/pkg/connectivity"
	"github.com/pario-ai/genrelay/pkg/generr"
	"github.com/pario-ai/genrelay/pkg/models"
	"github.com/pario-ai/genrelay/pkg/offline"
	"github.com/pario-ai/genrelay/pkg/retry"
	"github.com/pario-ai/genrelay/pkg/store/sqlite"
	"github.com/pario-ai/genrelay/pkg/tracker"
)

// fakeGen answers every call with a text derived from the subject. Set
// before to block or fail individual attempts.
type fakeGen struct {
	calls  atomic.Int32
	mu     sync.Mutex
	order  []string
	before func(ctx context.Context, n int32, p models.Params) error
}

func (g *fakeGen) Generate(ctx context.Context, p models.Params) (models.Result, error) {
	n := g.calls.Add(1)
	g.mu.Lock()
	g.order = append(g.order, p.Subject)
	g.mu.Unlock()
	if g.before != nil {
		if err := g.before(ctx, n, p); err != nil {
			return models.Result{}, err
		}
	}
	return models.Result{
		Text:  fmt.Sprintf("post about %s (%s)", p.Subject, p.Style),
		Model: "fake",
		Usage: models.Usage{TotalTokens: 10},
	}, nil
}

func (g *fakeGen) subjects() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.order...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func testConfig() Config {
	return Config{
		Retry:       retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond},
		Batch:       batch.Config{Window: 5 * time.Millisecond, MaxSize: 10, MaxConcurrent: 4},
		BaseTimeout: time.Second,
	}
}

func newTest(t *testing.T, gen *fakeGen, cfg Config, opts ...Option) *Orchestrator {
	t.Helper()
	o := New(gen, cfg, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	return o
}

func params(subject string) models.Params {
	return models.Params{Subject: subject, Style: "confrontational"}
}

func TestConcurrentIdenticalCallsShareOneRequest(t *testing.T) {
	release := make(chan struct{})
	gen := &fakeGen{before: func(ctx context.Context, _ int32, _ models.Params) error {
		<-release
		return nil
	}}
	o := newTest(t, gen, testConfig())

	const n = 20
	results := make([]models.Result, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// RequestID differs per caller and must not split the key.
			p := params("AI")
			p.RequestID = fmt.Sprintf("req-%d", i)
			results[i], errs[i] = o.Generate(context.Background(), p, Options{})
		}(i)
	}
	require.Eventually(t, func() bool { return o.Metrics().DedupedRequests == n-1 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), gen.calls.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].Text, results[i].Text)
	}
	assert.Equal(t, 0, o.InFlight())
}

func TestCacheHitThenTTLExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}
	c := cache.New(cache.Config{TTL: time.Minute, MaxEntries: 10}, cache.WithClock(clock.Now))
	gen := &fakeGen{}
	o := newTest(t, gen, testConfig(), WithCache(c))
	ctx := context.Background()

	first, err := o.Generate(ctx, params("AI"), Options{})
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := o.Generate(ctx, params("AI"), Options{})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Text, second.Text)
	assert.Equal(t, int32(1), gen.calls.Load())

	clock.Advance(time.Minute)
	_, err = o.Generate(ctx, params("AI"), Options{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), gen.calls.Load())

	m := o.Metrics()
	assert.Equal(t, int64(3), m.TotalRequests)
	assert.Equal(t, int64(1), m.CacheHits)
}

func TestBypassCacheStillStoresResult(t *testing.T) {
	c := cache.New(cache.Config{TTL: time.Hour, MaxEntries: 10})
	gen := &fakeGen{}
	o := newTest(t, gen, testConfig(), WithCache(c))
	ctx := context.Background()

	_, err := o.Generate(ctx, params("AI"), Options{})
	require.NoError(t, err)
	_, err = o.Generate(ctx, params("AI"), Options{BypassCache: true})
	require.NoError(t, err)
	assert.Equal(t, int32(2), gen.calls.Load())

	res, err := o.Generate(ctx, params("AI"), Options{})
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.Equal(t, int32(2), gen.calls.Load())
}

func TestFailureIsNotCached(t *testing.T) {
	c := cache.New(cache.Config{TTL: time.Hour, MaxEntries: 10})
	gen := &fakeGen{before: func(_ context.Context, n int32, _ models.Params) error {
		if n == 1 {
			return &generr.Error{Kind: generr.InvalidRequest, Status: 400}
		}
		return nil
	}}
	o := newTest(t, gen, testConfig(), WithCache(c))

	_, err := o.Generate(context.Background(), params("AI"), Options{})
	assert.ErrorIs(t, err, generr.ErrInvalidRequest)

	res, err := o.Generate(context.Background(), params("AI"), Options{})
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, int32(2), gen.calls.Load())
}

func TestTransientRetriedWithBackoff(t *testing.T) {
	var delays []time.Duration
	var mu sync.Mutex
	gen := &fakeGen{before: func(_ context.Context, n int32, _ models.Params) error {
		if n < 3 {
			return &generr.Error{Kind: generr.Transient, Status: 503}
		}
		return nil
	}}
	cfg := testConfig()
	cfg.Retry.BaseDelay = time.Second
	o := newTest(t, gen, cfg, WithRetryOptions(retry.WithSleep(func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return nil
	})))

	res, err := o.Generate(context.Background(), params("AI"), Options{})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Text)
	assert.Equal(t, int32(3), gen.calls.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays)

	m := o.Metrics()
	assert.Equal(t, int64(2), m.Retries)
	assert.Equal(t, int64(3), m.APICalls)
}

func TestAuthenticationFailsFast(t *testing.T) {
	gen := &fakeGen{before: func(context.Context, int32, models.Params) error {
		return &generr.Error{Kind: generr.Authentication, Status: 401}
	}}
	o := newTest(t, gen, testConfig())

	_, err := o.Generate(context.Background(), params("AI"), Options{})
	assert.ErrorIs(t, err, generr.ErrAuthentication)
	assert.Equal(t, "Authentication failed: check your credentials.", generr.UserMessage(err))
	assert.Equal(t, int32(1), gen.calls.Load())
	assert.Equal(t, int64(1), o.Metrics().Failures)
}

func TestRawErrorsAreNormalized(t *testing.T) {
	gen := &fakeGen{before: func(context.Context, int32, models.Params) error {
		return fmt.Errorf("something odd")
	}}
	o := newTest(t, gen, testConfig())

	_, err := o.Generate(context.Background(), params("AI"), Options{})
	var ge *generr.Error
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, generr.Internal, ge.Kind)
}

func TestOfflineReplayInArrivalOrder(t *testing.T) {
	mon := connectivity.NewMonitor(false, connectivity.Unknown)
	gen := &fakeGen{}
	cfg := testConfig()
	cfg.Batch.MaxConcurrent = 1
	o := newTest(t, gen, cfg, WithConnectivity(mon))

	subjects := []string{"R1", "R2", "R3"}
	results := make([]models.Result, len(subjects))
	var wg sync.WaitGroup
	for i, s := range subjects {
		wg.Add(1)
		go func(i int, s string) {
			defer wg.Done()
			var err error
			results[i], err = o.Generate(context.Background(), params(s), Options{})
			assert.NoError(t, err)
		}(i, s)
		require.Eventually(t, func() bool { return o.QueueLen() == i+1 }, time.Second, time.Millisecond)
	}
	assert.Equal(t, int32(0), gen.calls.Load())
	assert.Equal(t, int64(3), o.Metrics().OfflineQueued)

	mon.SetOnline(true)
	wg.Wait()

	assert.Equal(t, subjects, gen.subjects())
	for i, s := range subjects {
		assert.Contains(t, results[i].Text, s)
	}
	assert.Equal(t, 0, o.QueueLen())
}

func TestOfflineExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}
	q := offline.New(offline.Config{MaxSize: 10, MaxAge: time.Minute}, offline.WithClock(clock.Now))
	mon := connectivity.NewMonitor(false, connectivity.Unknown)
	gen := &fakeGen{}
	o := newTest(t, gen, testConfig(), WithConnectivity(mon), WithOfflineQueue(q))

	errCh := make(chan error, 1)
	go func() {
		_, err := o.Generate(context.Background(), params("stale"), Options{})
		errCh <- err
	}()
	require.Eventually(t, func() bool { return o.QueueLen() == 1 }, time.Second, time.Millisecond)

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, q.Sweep())

	err := <-errCh
	assert.ErrorIs(t, err, generr.ErrExpired)

	mon.SetOnline(true)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), gen.calls.Load(), "expired request must never be sent")
}

func TestOfflineQueueFullRejects(t *testing.T) {
	q := offline.New(offline.Config{MaxSize: 1, MaxAge: time.Hour})
	mon := connectivity.NewMonitor(false, connectivity.Unknown)
	o := newTest(t, &fakeGen{}, testConfig(), WithConnectivity(mon), WithOfflineQueue(q))

	go func() { _, _ = o.Generate(context.Background(), params("first"), Options{}) }()
	require.Eventually(t, func() bool { return o.QueueLen() == 1 }, time.Second, time.Millisecond)

	_, err := o.Generate(context.Background(), params("second"), Options{})
	assert.ErrorIs(t, err, generr.ErrCapacityExceeded)
}

func TestCancelDuringBatchingNeverReachesNetwork(t *testing.T) {
	gen := &fakeGen{}
	cfg := testConfig()
	cfg.Batch.Window = 200 * time.Millisecond
	o := newTest(t, gen, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := o.Generate(ctx, params("AI"), Options{})
	assert.ErrorIs(t, err, generr.ErrCancelled)

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, int32(0), gen.calls.Load())
}

func TestCancelWhileOfflineQueued(t *testing.T) {
	mon := connectivity.NewMonitor(false, connectivity.Unknown)
	gen := &fakeGen{}
	o := newTest(t, gen, testConfig(), WithConnectivity(mon))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := o.Generate(ctx, params("AI"), Options{})
		errCh <- err
	}()
	require.Eventually(t, func() bool { return o.QueueLen() == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errCh, generr.ErrCancelled)
	require.Eventually(t, func() bool { return o.QueueLen() == 0 }, time.Second, time.Millisecond)

	mon.SetOnline(true)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), gen.calls.Load())
}

func TestDedupedCallerCancelLeavesSharedCall(t *testing.T) {
	release := make(chan struct{})
	gen := &fakeGen{before: func(ctx context.Context, _ int32, _ models.Params) error {
		<-release
		return nil
	}}
	o := newTest(t, gen, testConfig())

	ownerDone := make(chan error, 1)
	go func() {
		_, err := o.Generate(context.Background(), params("AI"), Options{})
		ownerDone <- err
	}()
	require.Eventually(t, func() bool { return o.InFlight() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	followerDone := make(chan error, 1)
	go func() {
		_, err := o.Generate(ctx, params("AI"), Options{})
		followerDone <- err
	}()
	require.Eventually(t, func() bool { return o.Metrics().DedupedRequests == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-followerDone, generr.ErrCancelled)

	close(release)
	assert.NoError(t, <-ownerDone)
	assert.Equal(t, int32(1), gen.calls.Load())
}

func TestLastCallerCancelAbortsNetworkCall(t *testing.T) {
	aborted := make(chan struct{})
	gen := &fakeGen{before: func(ctx context.Context, _ int32, _ models.Params) error {
		<-ctx.Done()
		close(aborted)
		return ctx.Err()
	}}
	o := newTest(t, gen, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		assert.Eventually(t, func() bool { return gen.calls.Load() == 1 }, time.Second, time.Millisecond)
		cancel()
	}()
	_, err := o.Generate(ctx, params("AI"), Options{})
	assert.ErrorIs(t, err, generr.ErrCancelled)

	select {
	case <-aborted:
	case <-time.After(time.Second):
		t.Fatal("network call was not aborted")
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), gen.calls.Load(), "cancelled call must not be retried")
}

func TestEndToEndOfflineDedup(t *testing.T) {
	mon := connectivity.NewMonitor(false, connectivity.Unknown)
	gen := &fakeGen{}
	o := newTest(t, gen, testConfig(), WithConnectivity(mon))

	p := models.Params{Subject: "AI", Style: "confrontational"}
	var wg sync.WaitGroup
	results := make([]models.Result, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			results[i], err = o.Generate(context.Background(), p, Options{})
			assert.NoError(t, err)
		}(i)
	}
	require.Eventually(t, func() bool {
		return o.QueueLen() == 1 && o.Metrics().DedupedRequests == 1
	}, time.Second, time.Millisecond)

	mon.SetOnline(true)
	wg.Wait()

	assert.Equal(t, int32(1), gen.calls.Load())
	assert.Equal(t, results[0].Text, results[1].Text)
	assert.Equal(t, "post about AI (confrontational)", results[0].Text)
}

func TestPeriodicDrainPicksUpStragglers(t *testing.T) {
	q := offline.New(offline.Config{MaxSize: 10, MaxAge: time.Hour})
	gen := &fakeGen{}
	cfg := testConfig()
	cfg.DrainInterval = 10 * time.Millisecond
	newTest(t, gen, cfg, WithOfflineQueue(q))

	// Queued directly while the orchestrator believes it is online.
	fut := q.Enqueue(context.Background(), "k", params("straggler"))
	res, err := fut.Wait(context.Background())
	require.NoError(t, err)
	assert.Contains(t, res.Text, "straggler")
}

func TestBatchedMetric(t *testing.T) {
	gen := &fakeGen{}
	cfg := testConfig()
	cfg.Batch.Window = 30 * time.Millisecond
	o := newTest(t, gen, cfg)

	var wg sync.WaitGroup
	for _, s := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(s string) {
			defer wg.Done()
			_, err := o.Generate(context.Background(), params(s), Options{})
			assert.NoError(t, err)
		}(s)
	}
	wg.Wait()
	assert.Equal(t, int64(3), o.Metrics().BatchedRequests)

	_, err := o.Generate(context.Background(), params("alone"), Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), o.Metrics().BatchedRequests, "single-item batches are not counted")
}

func TestEfficiencyRatios(t *testing.T) {
	c := cache.New(cache.Config{TTL: time.Hour, MaxEntries: 10})
	gen := &fakeGen{}
	o := newTest(t, gen, testConfig(), WithCache(c))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := o.Generate(ctx, params("AI"), Options{})
		require.NoError(t, err)
	}
	m := o.Metrics()
	assert.Equal(t, int64(4), m.TotalRequests)
	assert.Equal(t, int64(3), m.CacheHits)
	assert.Equal(t, int64(1), m.APICalls)
	assert.InDelta(t, 0.75, m.CacheHitRatio, 1e-9)
	assert.InDelta(t, 0.75, m.Efficiency, 1e-9)
}

type budgetFunc func(ctx context.Context, model string) error

func (f budgetFunc) Check(ctx context.Context, model string) error { return f(ctx, model) }

func TestBudgetExhaustedBeforeNetwork(t *testing.T) {
	gen := &fakeGen{}
	o := newTest(t, gen, testConfig(), WithBudget(budgetFunc(func(context.Context, string) error {
		return generr.New(generr.QuotaExhausted, "daily budget spent")
	})))

	_, err := o.Generate(context.Background(), params("AI"), Options{})
	assert.ErrorIs(t, err, generr.ErrQuotaExhausted)
	assert.Equal(t, int32(0), gen.calls.Load())
}

type resolverFunc func(requested string) (string, error)

func (f resolverFunc) ResolveModel(requested string) (string, error) { return f(requested) }

func TestBudgetAppliesToResolvedModel(t *testing.T) {
	tr, err := tracker.New(filepath.Join(t.TempDir(), "usage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	require.NoError(t, tr.Record(context.Background(), models.UsageRecord{
		RequestKey: "k", Model: "gpt-4o-mini", Outcome: "ok",
		TotalTokens: 5000, CreatedAt: time.Now().UTC(),
	}))
	enforcer := budget.New([]models.BudgetPolicy{
		{Model: "gpt-4o-mini", MaxTokens: 1000, Period: models.BudgetDaily},
	}, tr)
	resolver := resolverFunc(func(requested string) (string, error) {
		switch requested {
		case "", "social":
			return "gpt-4o-mini", nil
		}
		return requested, nil
	})

	gen := &fakeGen{}
	o := newTest(t, gen, testConfig(), WithBudget(enforcer), WithModelResolver(resolver))

	for _, model := range []string{"", "social", "GPT-4o-mini"} {
		p := params("AI " + model)
		p.Model = model
		_, err := o.Generate(context.Background(), p, Options{})
		assert.ErrorIs(t, err, generr.ErrQuotaExhausted, "model %q", model)
	}
	assert.Equal(t, int32(0), gen.calls.Load())

	p := params("AI")
	p.Model = "gpt-4o"
	_, err = o.Generate(context.Background(), p, Options{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), gen.calls.Load())
}

func TestCaseDistinctRequestsAreNotShared(t *testing.T) {
	var mu sync.Mutex
	var seen []models.Params
	gen := &fakeGen{before: func(_ context.Context, _ int32, p models.Params) error {
		mu.Lock()
		seen = append(seen, p)
		mu.Unlock()
		return nil
	}}
	o := newTest(t, gen, testConfig(), WithCache(cache.New(cache.Config{TTL: time.Hour})))

	a := models.Params{Subject: " AI ", Style: "witty", Options: map[string]string{"temperature": "0.9"}}
	b := models.Params{Subject: "AI", Style: "WITTY", Options: map[string]string{"Temperature": "0.9"}}

	var wg sync.WaitGroup
	for _, p := range []models.Params{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.Generate(context.Background(), p, Options{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(2), gen.calls.Load())

	_, err := o.Generate(context.Background(), a, Options{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), gen.calls.Load(), "trimmed repeat is a cache hit")

	mu.Lock()
	defer mu.Unlock()
	for _, p := range seen {
		assert.Equal(t, "AI", p.Subject, "generator sees normalized params")
	}
}

func TestRestoreSurvivesShutdownDuringBatching(t *testing.T) {
	st, err := sqlite.New(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	persisted := func() int64 {
		n, _ := st.Count(context.Background(), offline.PersistPrefix)
		return n
	}

	// An offline request left behind by an earlier run.
	earlier := offline.New(offline.Config{MaxSize: 10, MaxAge: time.Hour}, offline.WithStore(st))
	earlier.Enqueue(context.Background(), "k-ai", params("AI"))
	earlier.Close()
	require.Equal(t, int64(1), persisted())

	cfg := testConfig()
	cfg.Batch.Window = time.Hour
	gen := &fakeGen{}
	o := New(gen, cfg, WithOfflineQueue(offline.New(offline.Config{MaxSize: 10, MaxAge: time.Hour}, offline.WithStore(st))))
	n, err := o.Restore(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NoError(t, o.Shutdown(context.Background()))

	assert.Equal(t, int32(0), gen.calls.Load())
	assert.Never(t, func() bool { return persisted() == 0 }, 50*time.Millisecond, 5*time.Millisecond,
		"interrupted replay must stay persisted")

	gen2 := &fakeGen{}
	o2 := newTest(t, gen2, testConfig(), WithOfflineQueue(offline.New(offline.Config{MaxSize: 10, MaxAge: time.Hour}, offline.WithStore(st))))
	n, err = o2.Restore(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Eventually(t, func() bool { return persisted() == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"AI"}, gen2.subjects())
}

func TestInvalidParams(t *testing.T) {
	gen := &fakeGen{}
	o := newTest(t, gen, testConfig())

	_, err := o.Generate(context.Background(), models.Params{Subject: "   "}, Options{})
	assert.ErrorIs(t, err, generr.ErrInvalidRequest)
	assert.Equal(t, int32(0), gen.calls.Load())
}

func TestAdaptiveTimeout(t *testing.T) {
	tests := []struct {
		quality connectivity.Quality
		max     float64
		want    time.Duration
	}{
		{connectivity.Fast, 3, 10 * time.Second},
		{connectivity.Unknown, 3, 10 * time.Second},
		{connectivity.Medium, 3, 15 * time.Second},
		{connectivity.Slow, 3, 30 * time.Second},
		{connectivity.Slow, 2, 20 * time.Second},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/max%.0f", tt.quality, tt.max), func(t *testing.T) {
			cfg := testConfig()
			cfg.BaseTimeout = 10 * time.Second
			cfg.MaxTimeoutMultiplier = tt.max
			o := newTest(t, &fakeGen{}, cfg, WithConnectivity(connectivity.NewMonitor(true, tt.quality)))
			assert.Equal(t, tt.want, o.timeout())
		})
	}
}

func TestAttemptCarriesAdaptiveDeadline(t *testing.T) {
	var remaining time.Duration
	gen := &fakeGen{before: func(ctx context.Context, _ int32, _ models.Params) error {
		if dl, ok := ctx.Deadline(); ok {
			remaining = time.Until(dl)
		}
		return nil
	}}
	cfg := testConfig()
	cfg.BaseTimeout = time.Second
	o := newTest(t, gen, cfg, WithConnectivity(connectivity.NewMonitor(true, connectivity.Slow)))

	_, err := o.Generate(context.Background(), params("AI"), Options{})
	require.NoError(t, err)
	assert.Greater(t, remaining, 2*time.Second)
	assert.LessOrEqual(t, remaining, 3*time.Second)
}

func TestShutdown(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	mon := connectivity.NewMonitor(false, connectivity.Unknown)
	c := cache.New(cache.Config{TTL: time.Hour, MaxEntries: 10, SweepInterval: 10 * time.Millisecond})
	o := New(&fakeGen{}, Config{DrainInterval: 10 * time.Millisecond}, WithConnectivity(mon), WithCache(c))

	errCh := make(chan error, 1)
	go func() {
		_, err := o.Generate(context.Background(), params("queued"), Options{})
		errCh <- err
	}()
	require.Eventually(t, func() bool { return o.QueueLen() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, o.Shutdown(ctx))
	require.NoError(t, o.Shutdown(ctx))

	assert.ErrorIs(t, <-errCh, generr.ErrCancelled)

	_, err := o.Generate(context.Background(), params("late"), Options{})
	assert.ErrorIs(t, err, generr.ErrCancelled)
}
