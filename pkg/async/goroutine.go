package async

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"
)

// SafeGo executes a function in a goroutine with context cancellation,
// panic recovery, timeout enforcement, and error logging.
//
// Use this instead of bare `go func()` to prevent goroutine leaks and
// crashes:
//
//	SafeGo(ctx, 30*time.Second, "cache invalidation", func(ctx context.Context) error {
//	    return cache.Invalidate(ctx, communityID)
//	})
func SafeGo(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				log.Printf("[SafeGo] PANIC in %s: %v\nStack trace:\n%s",
					taskName, r, string(debug.Stack()))
			}
		}()

		if err := fn(ctx); err != nil {
			// Log and move on; the caller already committed.
			log.Printf("[SafeGo] Error in %s: %v", taskName, err)
		}
	}()
}

// SafeGoNoError is like SafeGo but for functions that don't return errors.
func SafeGoNoError(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context)) {
	SafeGo(parentCtx, timeout, taskName, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// WorkerPool manages a pool of workers that process tasks from a channel,
// with graceful shutdown and error collection.
type WorkerPool struct {
	workers      int
	taskName     string
	timeout      time.Duration
	workCh       chan func(context.Context) error
	doneCh       chan struct{}
	errCh        chan error
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
}

// NewWorkerPool creates a new worker pool with the given concurrency.
func NewWorkerPool(ctx context.Context, workers int, taskName string, timeout time.Duration) *WorkerPool {
	ctx, cancel := context.WithCancel(ctx)

	pool := &WorkerPool{
		workers:  workers,
		taskName: taskName,
		timeout:  timeout,
		workCh:   make(chan func(context.Context) error, workers*2),
		doneCh:   make(chan struct{}),
		errCh:    make(chan error, workers*10),
		ctx:      ctx,
		cancel:   cancel,
	}

	go func() {
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				pool.worker(id)
			}(i)
		}
		wg.Wait()
		close(pool.doneCh)
	}()

	return pool
}

// Submit adds a task to the worker pool. Returns an error if the pool is
// shut down.
func (p *WorkerPool) Submit(fn func(context.Context) error) error {
	select {
	case <-p.doneCh:
		return fmt.Errorf("worker pool shut down")
	default:
	}

	// Shutdown may close workCh between the check above and the send below.
	defer func() {
		_ = recover()
	}()

	select {
	case p.workCh <- fn:
		return nil
	case <-p.doneCh:
		return fmt.Errorf("worker pool shut down")
	}
}

// Shutdown gracefully shuts down the worker pool, waiting up to timeout for
// workers to finish current tasks.
func (p *WorkerPool) Shutdown(timeout time.Duration) error {
	var shutdownErr error

	p.shutdownOnce.Do(func() {
		func() {
			defer func() {
				_ = recover() // channel may already be closed by Batch
			}()
			close(p.workCh)
		}()

		select {
		case <-p.doneCh:
			p.cancel()
		case <-time.After(timeout):
			p.cancel()
			shutdownErr = fmt.Errorf("worker pool shutdown timed out after %v", timeout)
		}
	})

	return shutdownErr
}

// Errors returns a channel that receives worker errors. Non-blocking, use
// select to check for errors.
func (p *WorkerPool) Errors() <-chan error {
	return p.errCh
}

func (p *WorkerPool) worker(id int) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[WorkerPool] PANIC in worker %d (%s): %v\nStack trace:\n%s",
				id, p.taskName, r, string(debug.Stack()))
		}
	}()

	for {
		select {
		case <-p.ctx.Done():
			return

		case fn, ok := <-p.workCh:
			if !ok {
				return
			}

			ctx, cancel := context.WithTimeout(p.ctx, p.timeout)

			func() {
				defer cancel()
				defer func() {
					if r := recover(); r != nil {
						err := fmt.Errorf("panic: %v", r)
						select {
						case p.errCh <- err:
						default:
							log.Printf("[WorkerPool] Error channel full, dropping error: %v", err)
						}
					}
				}()

				if err := fn(ctx); err != nil {
					select {
					case p.errCh <- err:
					default:
						log.Printf("[WorkerPool] Error channel full, dropping error: %v", err)
					}
				}
			}()
		}
	}
}

// Batch processes a slice of items concurrently using a worker pool and
// returns all errors encountered.
func Batch[T any](ctx context.Context, items []T, workers int, taskName string, timeout time.Duration,
	fn func(context.Context, T) error) []error {

	pool := NewWorkerPool(ctx, workers, taskName, timeout)
	defer pool.Shutdown(5 * time.Second)

	for _, item := range items {
		item := item
		if err := pool.Submit(func(ctx context.Context) error {
			return fn(ctx, item)
		}); err != nil {
			return []error{err}
		}
	}

	// Close the work channel so workers drain all remaining tasks.
	close(pool.workCh)
	<-pool.doneCh

	pool.cancel()

	var errs []error
	for {
		select {
		case err := <-pool.errCh:
			errs = append(errs, err)
		default:
			return errs
		}
	}
}
