// Package build implements the build engine: a dependency-ordered step
// graph executed with bounded parallelism, and the three terminal modes
// (push to a registry, export to a tar file, load into a local daemon).
package build

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultConcurrency caps parallel steps when the plan does not say
// otherwise.
const DefaultConcurrency = 4

// Executor schedules steps. A step becomes runnable when every declared
// dependency has completed; runnable steps execute on up to `concurrency`
// workers. The first failing step cancels the build and is reported as the
// cause by Wait.
type Executor struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
}

// NewExecutor derives an executor from ctx with the given concurrency
// limit.
func NewExecutor(ctx context.Context, concurrency int) *Executor {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	ctx, cancel := context.WithCancelCause(ctx)
	return &Executor{
		ctx:    ctx,
		cancel: cancel,
		sem:    semaphore.NewWeighted(int64(concurrency)),
	}
}

// Waiter is the dependency edge between steps: it resolves when the
// upstream step has finished, successfully or not.
type Waiter interface {
	wait(ctx context.Context) error
}

// Promise is the typed future a step produces.
type Promise[T any] struct {
	name  string
	done  chan struct{}
	value T
	err   error
}

func (p *Promise[T]) wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// Get returns the step's value. It blocks until the step completes, which
// for a downstream step body is never: the scheduler only starts a step
// after its declared dependencies resolved.
func (p *Promise[T]) Get(ctx context.Context) (T, error) {
	if err := p.wait(ctx); err != nil {
		var zero T
		return zero, err
	}
	return p.value, p.err
}

// Completed returns an already-resolved promise, for injecting known
// values into the graph.
func Completed[T any](value T) *Promise[T] {
	done := make(chan struct{})
	close(done)
	return &Promise[T]{done: done, value: value}
}

// Step schedules fn to run once all deps have completed. A failed
// dependency fails the step without running fn and propagates the
// dependency's error as the cause.
func Step[T any](e *Executor, name string, deps []Waiter, fn func(ctx context.Context) (T, error)) *Promise[T] {
	p := &Promise[T]{name: name, done: make(chan struct{})}
	e.wg.Add(1)

	go func() {
		defer e.wg.Done()
		defer close(p.done)

		for _, dep := range deps {
			if err := dep.wait(e.ctx); err != nil {
				p.err = err
				return
			}
		}

		// The worker slot is taken only after dependencies resolve, so
		// blocked steps never starve runnable ones.
		if err := e.sem.Acquire(e.ctx, 1); err != nil {
			p.err = context.Cause(e.ctx)
			return
		}
		defer e.sem.Release(1)

		value, err := fn(e.ctx)
		if err != nil {
			p.err = fmt.Errorf("step %s: %w", name, err)
			e.cancel(p.err)
			return
		}
		p.value = value
	}()

	return p
}

// Join resolves once every child promise produced by the planning step
// has resolved, collecting their values in order. Unlike Step it occupies
// no worker slot while waiting, so dynamically planned sub-steps (layer
// pushes fanned out after the base manifest arrives) cannot deadlock the
// pool.
func Join[T any](e *Executor, name string, planned *Promise[[]*Promise[T]]) *Promise[[]T] {
	p := &Promise[[]T]{name: name, done: make(chan struct{})}
	e.wg.Add(1)

	go func() {
		defer e.wg.Done()
		defer close(p.done)

		children, err := planned.Get(e.ctx)
		if err != nil {
			p.err = err
			return
		}
		values := make([]T, 0, len(children))
		for _, child := range children {
			value, err := child.Get(e.ctx)
			if err != nil {
				p.err = err
				return
			}
			values = append(values, value)
		}
		p.value = values
	}()

	return p
}

// Wait blocks until every scheduled step has finished and returns the
// first causal failure: a failed step's error, or the cancellation cause
// when the build context was cancelled externally.
func (e *Executor) Wait() error {
	e.wg.Wait()
	err := context.Cause(e.ctx)
	e.cancel(nil)
	return err
}
