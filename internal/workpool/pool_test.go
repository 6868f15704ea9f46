package workpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewDefaultsSize(t *testing.T) {
	t.Parallel()

	require.Equal(t, DefaultSize, New(0).Size())
	require.Equal(t, 5, New(5).Size())
}

func TestDoReturnsResult(t *testing.T) {
	t.Parallel()

	p := New(1)
	got, err := Do(context.Background(), p, context.Background(), func(context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", got)

	_, err = Do(context.Background(), p, context.Background(), func(context.Context) (int, error) {
		return 0, errors.New("boom")
	})
	require.EqualError(t, err, "boom")
}

func TestDoBoundsConcurrency(t *testing.T) {
	t.Parallel()

	p := New(2)
	var active, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = Do(context.Background(), p, context.Background(), func(context.Context) (struct{}, error) {
				n := atomic.AddInt32(&active, 1)
				for {
					cur := atomic.LoadInt32(&peak)
					if n <= cur || atomic.CompareAndSwapInt32(&peak, cur, n) {
						break
					}
				}
				time.Sleep(15 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return struct{}{}, nil
			})
		}()
	}
	wg.Wait()
	require.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	require.GreaterOrEqual(t, atomic.LoadInt32(&peak), int32(1))
}

func TestDoGivesUpWaitingWhenContextEnds(t *testing.T) {
	t.Parallel()

	p := New(1)
	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = Do(context.Background(), p, context.Background(), func(context.Context) (struct{}, error) {
			close(started)
			<-release
			return struct{}{}, nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	called := false
	_, err := Do(ctx, p, context.Background(), func(context.Context) (struct{}, error) {
		called = true
		return struct{}{}, nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, called)
	close(release)
}

func TestDoRunsDispatchedJobToCompletion(t *testing.T) {
	t.Parallel()

	p := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	var jobErr error
	got, err := Do(ctx, p, context.Background(), func(jobCtx context.Context) (int, error) {
		cancel()
		time.Sleep(5 * time.Millisecond)
		jobErr = jobCtx.Err()
		return 42, nil
	})
	require.NoError(t, err)
	require.NoError(t, jobErr)
	require.Equal(t, 42, got)
}

func TestCloseRejectsNewJobsAndWaitDrains(t *testing.T) {
	t.Parallel()

	p := New(2)
	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = Do(context.Background(), p, context.Background(), func(context.Context) (struct{}, error) {
			close(started)
			<-release
			return struct{}{}, nil
		})
	}()
	<-started

	p.Close()
	p.Close()
	_, err := Do(context.Background(), p, context.Background(), func(context.Context) (struct{}, error) {
		return struct{}{}, nil
	})
	require.ErrorIs(t, err, ErrClosed)

	short, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.Error(t, p.Wait(short))

	close(release)
	require.NoError(t, p.Wait(context.Background()))
}

func TestDoRecoversPanicAndReleasesWorker(t *testing.T) {
	t.Parallel()

	p := New(1)
	_, err := Do(context.Background(), p, context.Background(), func(context.Context) (int, error) {
		panic("engine blew up")
	})
	var perr *PanicError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, "engine blew up", perr.Value)
	require.EqualError(t, err, "worker panic: engine blew up")

	got, err := Do(context.Background(), p, context.Background(), func(context.Context) (int, error) {
		return 7, nil
	})
	require.NoError(t, err)
	require.Equal(t, 7, got)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Wait(ctx))
}
