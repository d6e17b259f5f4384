package dispatch

import (
	"context"
	"errors"
	"log"
	"sync"
)

// Handler executes a single request and returns the raw UDF output.
type Handler func(ctx context.Context, req Request) (string, error)

// PoolExecutor runs batches on a bounded goroutine pool. It backs tests and
// local deployments; production deployments submit to the sandboxed dispatch
// sidecar instead.
type PoolExecutor struct {
	handler   Handler
	semaphore chan struct{}
}

// NewPoolExecutor creates an executor running handler with at most maxWorkers
// concurrent executions.
func NewPoolExecutor(maxWorkers int, handler Handler) (*PoolExecutor, error) {
	if maxWorkers <= 0 {
		return nil, errors.New("pool executor requires at least one worker")
	}
	if handler == nil {
		return nil, errors.New("pool executor requires a handler")
	}
	return &PoolExecutor{
		handler:   handler,
		semaphore: make(chan struct{}, maxWorkers),
	}, nil
}

// BatchExecute schedules the batch and invokes onDone exactly once with one
// result per request in submission order. Cancelling ctx marks unfinished
// items with ErrCancelled; onDone still runs so callers can release state.
func (p *PoolExecutor) BatchExecute(ctx context.Context, requests []Request, onDone DoneCallback) error {
	if onDone == nil {
		return errors.New("batch requires a completion callback")
	}
	if len(requests) == 0 {
		return errors.New("batch contains no requests")
	}

	results := make([]Result, len(requests))
	var wg sync.WaitGroup

	for i := range requests {
		wg.Add(1)
		go func(idx int, req Request) {
			defer wg.Done()

			// Acquire a worker slot, honoring cancellation while queued.
			select {
			case p.semaphore <- struct{}{}:
				defer func() { <-p.semaphore }()
			case <-ctx.Done():
				results[idx] = Result{ID: req.ID, Err: ErrCancelled}
				return
			}

			if ctx.Err() != nil {
				results[idx] = Result{ID: req.ID, Err: ErrCancelled}
				return
			}

			payload, err := p.handler(ctx, req)
			if err != nil {
				if ctx.Err() != nil {
					err = ErrCancelled
				}
				log.Printf("INFO: Execution failed for %s (%s): %v", req.ID, req.Handler, err)
				results[idx] = Result{ID: req.ID, Err: err}
				return
			}
			results[idx] = Result{ID: req.ID, Payload: payload}
		}(i, requests[i])
	}

	go func() {
		wg.Wait()
		onDone(results)
	}()

	return nil
}
