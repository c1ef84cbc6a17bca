package blocksync

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/semaphore"
)

// future is the pending result of a submitted task.
type future struct {
	task   DownloadTask
	done   chan struct{}
	result DownloadResult
}

// wait blocks until the result is ready or ctx is done.
func (f *future) wait(ctx context.Context) (DownloadResult, error) {
	select {
	case <-f.done:
		return f.result, nil
	case <-ctx.Done():
		return DownloadResult{}, ctx.Err()
	}
}

// executor runs download tasks with at most size in flight.
type executor struct {
	sem    *semaphore.Weighted
	worker *Worker
	wg     sync.WaitGroup
}

func newExecutor(size int, worker *Worker) *executor {
	return &executor{
		sem:    semaphore.NewWeighted(int64(size)),
		worker: worker,
	}
}

// submit schedules task and returns its future. A task whose slot cannot be
// acquired before ctx ends completes with the context error and gives its
// peer back untouched. A panicking download fails the task and charges the
// peer.
func (e *executor) submit(ctx context.Context, task DownloadTask) *future {
	f := &future{task: task, done: make(chan struct{})}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(f.done)
		defer func() {
			if r := recover(); r != nil {
				e.worker.logger.Error("download panicked",
					"task", task.String(), "err", r, "stack", string(debug.Stack()))
				e.worker.selector.Return(task.Node, false, 0)
				f.result = DownloadResult{Task: task, Node: task.Node, Err: fmt.Errorf("%w: %v", errDownloadPanic, r)}
			}
		}()

		if err := e.sem.Acquire(ctx, 1); err != nil {
			e.worker.selector.Offer(task.Node)
			f.result = DownloadResult{Task: task, Node: task.Node, Err: err}
			return
		}
		defer e.sem.Release(1)

		f.result = e.worker.Download(ctx, task)
	}()
	return f
}

// wait blocks until every submitted task has finished.
func (e *executor) wait() {
	e.wg.Wait()
}
