package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brojonat/givewatch/service/matcher"
	"github.com/brojonat/givewatch/service/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunner_TryRun(t *testing.T) {
	t.Run("stamps id and duration", func(t *testing.T) {
		r := NewRunner(map[string]PassFunc{
			matcher.PassDraftMatch: func(context.Context) (*matcher.PassSummary, error) {
				return &matcher.PassSummary{Matches: 3}, nil
			},
		}, nil, testLogger())

		summary, err := r.TryRun(context.Background(), matcher.PassDraftMatch)
		require.NoError(t, err)
		assert.Equal(t, matcher.PassDraftMatch, summary.Pass)
		assert.NotEmpty(t, summary.ID)
		assert.Equal(t, int64(3), summary.Matches)
		assert.False(t, r.Busy(matcher.PassDraftMatch))
	})

	t.Run("unknown pass", func(t *testing.T) {
		r := NewRunner(map[string]PassFunc{}, nil, testLogger())
		_, err := r.TryRun(context.Background(), "nope")
		assert.ErrorIs(t, err, ErrUnknownPass)
	})

	t.Run("error clears busy flag", func(t *testing.T) {
		boom := errors.New("boom")
		r := NewRunner(map[string]PassFunc{
			matcher.PassDraftExpiry: func(context.Context) (*matcher.PassSummary, error) { return nil, boom },
		}, nil, testLogger())

		_, err := r.TryRun(context.Background(), matcher.PassDraftExpiry)
		assert.ErrorIs(t, err, boom)
		assert.False(t, r.Busy(matcher.PassDraftExpiry))
	})
}

func TestRunner_OverlappingRunSkipped(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(registry)

	started := make(chan struct{})
	release := make(chan struct{})
	var runs atomic.Int32
	r := NewRunner(map[string]PassFunc{
		matcher.PassDraftMatch: func(context.Context) (*matcher.PassSummary, error) {
			runs.Add(1)
			close(started)
			<-release
			return nil, nil
		},
		matcher.PassStreamMatch: func(context.Context) (*matcher.PassSummary, error) {
			return &matcher.PassSummary{}, nil
		},
	}, m, testLogger())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := r.TryRun(context.Background(), matcher.PassDraftMatch)
		assert.NoError(t, err)
	}()
	<-started
	assert.True(t, r.Busy(matcher.PassDraftMatch))

	_, err := r.TryRun(context.Background(), matcher.PassDraftMatch)
	assert.ErrorIs(t, err, ErrPassInProgress)

	// other kinds are independent
	_, err = r.TryRun(context.Background(), matcher.PassStreamMatch)
	assert.NoError(t, err)

	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), runs.Load())

	count, err := testutil.GatherAndCount(registry, "givewatch_passes_skipped_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRunner_Kinds(t *testing.T) {
	noop := func(context.Context) (*matcher.PassSummary, error) { return nil, nil }
	r := NewRunner(map[string]PassFunc{"b": noop, "a": noop}, nil, testLogger())
	assert.Equal(t, []string{"a", "b"}, r.Kinds())
	assert.False(t, r.Busy("missing"))
}

func TestBoundedPool(t *testing.T) {
	pool := NewBoundedPool(2)
	var active, peak, done atomic.Int32
	tasks := make([]func(context.Context), 8)
	for i := range tasks {
		tasks[i] = func(context.Context) {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			active.Add(-1)
			done.Add(1)
		}
	}
	pool.Run(context.Background(), tasks)
	assert.Equal(t, int32(8), done.Load())
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestBoundedPool_LimitIsSharedAcrossRuns(t *testing.T) {
	pool := NewBoundedPool(2)
	assert.Equal(t, 2, pool.Size())

	var active, peak atomic.Int32
	task := func(context.Context) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
	}

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pool.Run(context.Background(), []func(context.Context){task, task, task, task})
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestBoundedPool_CancelWhileWaitingForSlot(t *testing.T) {
	pool := NewBoundedPool(1)
	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Int32
	pool.Run(ctx, []func(context.Context){
		func(context.Context) { ran.Add(1); cancel() },
		func(context.Context) { ran.Add(1) },
	})
	assert.Equal(t, int32(1), ran.Load())
}

func TestBoundedPool_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var ran atomic.Int32
	NewBoundedPool(0).Run(ctx, []func(context.Context){
		func(context.Context) { ran.Add(1) },
	})
	assert.Equal(t, int32(0), ran.Load())
}

func TestRunner_Start(t *testing.T) {
	release := make(chan struct{})
	done := make(chan struct{})
	r := NewRunner(map[string]PassFunc{
		matcher.PassDonationVerify: func(ctx context.Context) (*matcher.PassSummary, error) {
			defer close(done)
			<-release
			// the request context is gone by now
			return &matcher.PassSummary{Matches: 1}, ctx.Err()
		},
	}, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	id, err := r.Start(ctx, matcher.PassDonationVerify)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	cancel()

	_, err = r.Start(context.Background(), matcher.PassDonationVerify)
	assert.ErrorIs(t, err, ErrPassInProgress)

	close(release)
	<-done
	assert.Eventually(t, func() bool { return !r.Busy(matcher.PassDonationVerify) }, time.Second, 5*time.Millisecond)

	_, err = r.Start(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownPass)
}
