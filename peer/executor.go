package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tarun-kavipurapu/chunk-fabric/pkg/logger"
	"tarun-kavipurapu/chunk-fabric/pkg/protocol"
	"tarun-kavipurapu/chunk-fabric/pkg/retry"
	"tarun-kavipurapu/chunk-fabric/pkg/storage"
	"tarun-kavipurapu/chunk-fabric/pkg/transport"
)

var (
	ErrChunkNotFound = errors.New("chunk not found")
	ErrInvalidTask   = errors.New("invalid replicate task")
)

// completionReporter tells the tracker a destination now holds a chunk.
type completionReporter interface {
	ReplicateDone(ctx context.Context, req protocol.ReplicateDoneRequest) error
}

// reportPolicy retries the replicate_done call a few times. If it is still
// lost the tracker simply re-issues the copy on a later tick.
var reportPolicy = retry.Policy{
	MaxAttempts:    3,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
	Multiplier:     2,
}

type taskKey struct {
	hash string
	dst  string
}

// Executor runs replicate tasks for which this peer is the source.
type Executor struct {
	selfID    string
	store     *storage.Store
	sender    transport.ChunkSender
	directory *Directory
	reporter  completionReporter
	timeout   time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	running map[taskKey]string
	wg      sync.WaitGroup
}

func NewExecutor(selfID string, store *storage.Store, sender transport.ChunkSender, directory *Directory, reporter completionReporter, timeout time.Duration) *Executor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		selfID:    selfID,
		store:     store,
		sender:    sender,
		directory: directory,
		reporter:  reporter,
		timeout:   timeout,
		ctx:       ctx,
		cancel:    cancel,
		running:   make(map[taskKey]string),
	}
}

func validateTask(task protocol.ReplicateTask) error {
	switch {
	case !storage.ValidHash(task.ChunkHash):
		return fmt.Errorf("%w: bad chunk_hash %q", ErrInvalidTask, task.ChunkHash)
	case task.DstPeer == "":
		return fmt.Errorf("%w: dst_peer is required", ErrInvalidTask)
	case task.FileName == "":
		return fmt.Errorf("%w: file_name is required", ErrInvalidTask)
	}
	return nil
}

// Accept checks the task and starts the transfer in the background. It
// returns ErrChunkNotFound when this peer does not hold the chunk. A task
// identical to one already running is accepted without starting another
// transfer.
func (e *Executor) Accept(task protocol.ReplicateTask) error {
	if err := validateTask(task); err != nil {
		return err
	}
	if task.DstPeer == e.selfID {
		return fmt.Errorf("%w: destination is the source", ErrInvalidTask)
	}
	if !e.store.Has(task.ChunkHash) {
		return ErrChunkNotFound
	}

	key := taskKey{hash: task.ChunkHash, dst: task.DstPeer}
	e.mu.Lock()
	if running, ok := e.running[key]; ok {
		e.mu.Unlock()
		logger.Sugar.Infof("[Executor] duplicate task ignored: task=%s running=%s chunk=%s dst=%s",
			task.TaskID, running, shortHash(task.ChunkHash), task.DstPeer)
		return nil
	}
	if e.ctx.Err() != nil {
		e.mu.Unlock()
		return e.ctx.Err()
	}
	e.running[key] = task.TaskID
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.running, key)
			e.mu.Unlock()
		}()

		if err := e.Execute(e.ctx, task); err != nil {
			logger.Sugar.Warnf("[Executor] replicate failed: task=%s file=%s chunk=%s dst=%s err=%v",
				task.TaskID, task.FileName, shortHash(task.ChunkHash), task.DstPeer, err)
		}
	}()
	return nil
}

// Execute pushes the chunk to the destination and reports the new holder.
// On a failed transfer nothing is reported.
func (e *Executor) Execute(ctx context.Context, task protocol.ReplicateTask) error {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	dst, err := e.directory.Resolve(ctx, task.DstPeer)
	if err != nil {
		return fmt.Errorf("resolve destination: %w", err)
	}

	started := time.Now()
	if err := e.sender.PutChunk(ctx, dst.DataAddr(), task.ChunkHash); err != nil {
		return fmt.Errorf("put to %s (%s): %w", task.DstPeer, dst.DataAddr(), err)
	}
	logger.Sugar.Infof("[Executor] chunk replicated: task=%s file=%s chunk=%s dst=%s addr=%s took=%s",
		task.TaskID, task.FileName, shortHash(task.ChunkHash), task.DstPeer, dst.DataAddr(), time.Since(started).Round(time.Millisecond))

	done := protocol.ReplicateDoneRequest{
		Filename:  task.FileName,
		ChunkHash: task.ChunkHash,
		PeerID:    task.DstPeer,
	}
	err = reportPolicy.Do(ctx, func(ctx context.Context) error {
		return e.reporter.ReplicateDone(ctx, done)
	}, func(attempt int, err error, wait time.Duration) {
		logger.Sugar.Warnf("[Executor] replicate_done attempt %d failed, retrying in %s: %v", attempt, wait, err)
	})
	if err != nil {
		return fmt.Errorf("report replicate_done: %w", err)
	}
	return nil
}

// Running returns the number of transfers in progress.
func (e *Executor) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

// Stop cancels running transfers and waits for them to return.
func (e *Executor) Stop() {
	e.mu.Lock()
	e.cancel()
	e.mu.Unlock()
	e.wg.Wait()
}

func shortHash(hash string) string {
	if len(hash) <= 8 {
		return hash
	}
	return hash[:8]
}
