// Package workpool bounds how many blocking jobs run at once.
package workpool

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/semaphore"
)

const DefaultSize = 2

var ErrClosed = errors.New("worker pool closed")

// PanicError reports a job that panicked. The worker is released and the
// process keeps running.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("worker panic: %v", e.Value)
}

type Pool struct {
	size int64
	sem  *semaphore.Weighted
	quit chan struct{}
}

func New(size int) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	return &Pool{
		size: int64(size),
		sem:  semaphore.NewWeighted(int64(size)),
		quit: make(chan struct{}),
	}
}

func (p *Pool) Size() int {
	return int(p.size)
}

// Do waits for a free worker and runs fn on it. ctx only bounds the wait:
// once fn starts it receives jobCtx and runs to completion, and Do returns
// its result even if ctx is cancelled meanwhile. A panic in fn comes back
// as a *PanicError.
func Do[T any](ctx context.Context, p *Pool, jobCtx context.Context, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	select {
	case <-p.quit:
		return zero, ErrClosed
	default:
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return zero, fmt.Errorf("wait for worker: %w", err)
	}

	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer p.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &PanicError{Value: r}}
			}
		}()
		v, err := fn(jobCtx)
		done <- outcome{value: v, err: err}
	}()

	out := <-done
	return out.value, out.err
}

// Close rejects new jobs. Jobs already running finish normally.
func (p *Pool) Close() {
	select {
	case <-p.quit:
	default:
		close(p.quit)
	}
}

// Wait blocks until every running job has released its worker, or ctx ends.
func (p *Pool) Wait(ctx context.Context) error {
	if err := p.sem.Acquire(ctx, p.size); err != nil {
		return err
	}
	p.sem.Release(p.size)
	return nil
}
