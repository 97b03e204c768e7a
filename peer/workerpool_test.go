package peer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
)

type funcJob func(ctx context.Context) error

func (f funcJob) Execute(ctx context.Context) error { return f(ctx) }

func TestWorkerPool_RunsEveryJob(t *testing.T) {
	defer leaktest.Check(t)()

	pool := NewWorkerPool(context.Background(), 3)
	pool.Start()

	var ran int32
	go func() {
		defer pool.Stop()
		for i := 0; i < 20; i++ {
			i := i
			pool.Submit(funcJob(func(context.Context) error {
				atomic.AddInt32(&ran, 1)
				if i%5 == 0 {
					return errors.New("boom")
				}
				return nil
			}))
		}
	}()

	var results, failures int
	for r := range pool.Results() {
		results++
		if r.Err != nil {
			failures++
		}
	}
	<-pool.Done()

	assert.Equal(t, 20, results)
	assert.Equal(t, 4, failures)
	assert.EqualValues(t, 20, atomic.LoadInt32(&ran))
}

func TestWorkerPool_CancelledContextSkipsJobs(t *testing.T) {
	defer leaktest.Check(t)()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pool := NewWorkerPool(ctx, 0)
	pool.Start()

	var ran int32
	go func() {
		defer pool.Stop()
		for i := 0; i < 3; i++ {
			pool.Submit(funcJob(func(context.Context) error {
				atomic.AddInt32(&ran, 1)
				return nil
			}))
		}
	}()

	for r := range pool.Results() {
		assert.ErrorIs(t, r.Err, context.Canceled)
	}
	assert.Zero(t, atomic.LoadInt32(&ran))
}
