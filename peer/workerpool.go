package peer

import (
	"context"
	"sync"
)

// Job is one unit of work for the WorkerPool.
type Job interface {
	Execute(ctx context.Context) error
}

// Result pairs a job with the error it returned.
type Result struct {
	Job Job
	Err error
}

// WorkerPool runs submitted jobs on a fixed number of goroutines.
type WorkerPool struct {
	workers int
	jobs    chan Job
	results chan Result
	done    chan struct{}
	ctx     context.Context

	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewWorkerPool(ctx context.Context, workers int) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	return &WorkerPool{
		workers: workers,
		jobs:    make(chan Job),
		results: make(chan Result, workers),
		done:    make(chan struct{}),
		ctx:     ctx,
	}
}

func (wp *WorkerPool) Start() {
	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
	go func() {
		wp.wg.Wait()
		close(wp.results)
		close(wp.done)
	}()
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	for job := range wp.jobs {
		err := wp.ctx.Err()
		if err == nil {
			err = job.Execute(wp.ctx)
		}
		wp.results <- Result{Job: job, Err: err}
	}
}

// Submit blocks until a worker takes the job. It must not be called after Stop.
func (wp *WorkerPool) Submit(job Job) {
	wp.jobs <- job
}

// Results delivers one Result per submitted job and is closed once every
// worker has exited.
func (wp *WorkerPool) Results() <-chan Result {
	return wp.results
}

// Stop tells workers no more jobs are coming.
func (wp *WorkerPool) Stop() {
	wp.stopOnce.Do(func() { close(wp.jobs) })
}

// Done is closed after all workers have exited.
func (wp *WorkerPool) Done() <-chan struct{} {
	return wp.done
}
