package downloader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ResultFunc receives the exactly-once terminal result of a task
type ResultFunc func(result *DownloadResult)

// WorkerPool executes download tasks under bounded concurrency: a fixed
// number of workers pull eligible tasks from the queue, acquire a
// rate-limited session for the task's source, delegate the transfer to
// the source's provider and resolve every failure into either a retry or
// a terminal result. Nothing escapes a worker as an unhandled fault.
type WorkerPool struct {
	queue    *DownloadQueue
	sessions *SessionManager
	tracker  *ProgressTracker
	policy   *RetryPolicy
	registry ProviderRegistry
	onResult ResultFunc
	logger   *zap.Logger
	workers  int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu guards active: the cancel handle for every task whose attempt
	// or backoff wait is in flight
	mu     sync.Mutex
	active map[uuid.UUID]*attemptHandle
}

// attemptHandle identifies one attempt's cancellation scope so a stale
// attempt never unregisters its successor
type attemptHandle struct {
	cancel context.CancelFunc
}

// NewWorkerPool creates a pool of the given size. Start must be called
// before tasks are executed.
func NewWorkerPool(
	workers int,
	queue *DownloadQueue,
	sessions *SessionManager,
	tracker *ProgressTracker,
	policy *RetryPolicy,
	registry ProviderRegistry,
	onResult ResultFunc,
	logger *zap.Logger,
) *WorkerPool {
	return &WorkerPool{
		queue:    queue,
		sessions: sessions,
		tracker:  tracker,
		policy:   policy,
		registry: registry,
		onResult: onResult,
		logger:   logger.Named("pool"),
		workers:  workers,
		active:   make(map[uuid.UUID]*attemptHandle),
	}
}

// Start launches the worker goroutines
func (p *WorkerPool) Start() {
	p.ctx, p.cancel = context.WithCancel(context.Background())
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started", zap.Int("workers", p.workers))
}

// Stop cancels all in-flight work and waits for the workers to exit
func (p *WorkerPool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

// worker is one execution slot: it repeatedly dequeues the next eligible
// task, waiting event-driven when none is eligible
func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	for {
		task := p.queue.Dequeue()
		if task == nil {
			select {
			case <-p.ctx.Done():
				return
			case <-p.queue.Signal():
				continue
			}
		}

		// More tasks may be eligible; chain the wakeup so a coalesced
		// signal never leaves a free worker asleep
		p.queue.Notify()

		p.runTask(task)

		select {
		case <-p.ctx.Done():
			return
		default:
		}
	}
}

// CancelTask cancels a task wherever it currently is: pending tasks (and
// their transitive dependents) resolve to Cancelled immediately, running
// attempts and backoff waits are signalled and finalized by their owner.
// Cancelling a task already in a terminal state is a no-op.
func (p *WorkerPool) CancelTask(taskID uuid.UUID) {
	cancelled, _ := p.queue.Cancel(taskID)
	for _, task := range cancelled {
		p.emitCancelled(task)
	}

	// Abort any in-flight attempt or backoff wait promptly
	p.mu.Lock()
	handle, ok := p.active[taskID]
	p.mu.Unlock()
	if ok {
		handle.cancel()
	}
}

// runTask executes exactly one attempt of a dispatched task. Retries
// re-enter through the queue after the policy-computed delay.
func (p *WorkerPool) runTask(task *DownloadTask) {
	// Register the cancel handle before the Running transition so a
	// concurrent cancel either wins the state change or finds the
	// handle; it can never miss both.
	taskCtx, cancelAttempt := context.WithCancel(p.ctx)
	handle := &attemptHandle{cancel: cancelAttempt}
	p.register(task.TaskID, handle)

	if !p.queue.MarkRunning(task.TaskID) {
		// Cancelled between dispatch and execution; the cancel path
		// already finalized the task
		p.unregister(task.TaskID, handle)
		cancelAttempt()
		return
	}

	if task.StartedAt.IsZero() {
		task.StartedAt = time.Now()
	}
	task.AttemptCount++

	logger := p.logger.With(
		zap.String("task_id", task.TaskID.String()),
		zap.String("source", task.Source),
		zap.Int("attempt", task.AttemptCount))
	logger.Debug("attempt started")

	p.tracker.StartAttempt(task.TaskID, task.AttemptCount)

	bytes, err := p.executeAttempt(taskCtx, task)
	if err == nil {
		p.unregister(task.TaskID, handle)
		cancelAttempt()
		logger.Info("download completed", zap.Int64("bytes", bytes))
		p.finalize(task, StateCompleted, bytes, nil)
		return
	}

	derr := Classify(err)
	if taskCtx.Err() != nil && derr.Type != ErrorCancelled {
		derr = NewDownloadErrorWithCause(ErrorCancelled, "download cancelled", err)
	}

	if derr.Type == ErrorCancelled {
		p.unregister(task.TaskID, handle)
		cancelAttempt()
		logger.Info("download cancelled")
		p.finalize(task, StateCancelled, bytes, derr)
		return
	}

	decision := p.policy.Decide(derr, task.AttemptCount)
	if !decision.Retry {
		p.unregister(task.TaskID, handle)
		cancelAttempt()

		finalErr := derr
		if derr.Type.Retryable() && task.AttemptCount >= p.policy.MaxAttempts() {
			finalErr = NewDownloadErrorWithCause(ErrorRetryExhausted,
				fmt.Sprintf("download failed after %d attempts", task.AttemptCount), derr)
		}
		logger.Warn("download failed terminally", zap.String("error", finalErr.Error()))
		p.finalize(task, StateFailedTerminal, bytes, finalErr)
		return
	}

	logger.Warn("attempt failed, retrying",
		zap.String("error", derr.Error()),
		zap.Duration("delay", decision.Delay))

	p.queue.Resolve(task.TaskID, StateFailedRetrying)
	p.tracker.SetState(task.TaskID, StateFailedRetrying)

	// The backoff wait runs off-worker so the slot is free for other
	// tasks; the wait itself stays cancellable through the registered
	// cancel function.
	p.wg.Add(1)
	go p.waitAndRequeue(taskCtx, handle, task, decision.Delay)
}

// executeAttempt performs session acquisition and the provider transfer
// for one attempt, converting worker panics into classified errors so an
// internal fault never drops the slot.
func (p *WorkerPool) executeAttempt(ctx context.Context, task *DownloadTask) (bytes int64, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker panic recovered",
				zap.String("task_id", task.TaskID.String()),
				zap.Any("panic", r))
			err = NewDownloadError(ErrorUnknown, fmt.Sprintf("internal fault: %v", r))
		}
	}()

	provider, ok := p.registry.Lookup(task.Source)
	if !ok {
		return 0, NewDownloadError(ErrorValidation, fmt.Sprintf("no provider registered for source %q", task.Source))
	}

	handle, err := p.sessions.Acquire(ctx, task.Source)
	if err != nil {
		return 0, err
	}
	defer handle.Release()

	sink := ProgressSink(func(bytesDownloaded, totalBytes int64) {
		p.tracker.Update(task.TaskID, bytesDownloaded, totalBytes)
	})

	return provider.Fetch(ctx, FetchRequest{
		Task:     task,
		Client:   handle.Client(),
		Progress: sink,
	})
}

// waitAndRequeue sleeps out the retry backoff and re-admits the task.
// A cancellation during the window aborts the retry and finalizes the
// task instead.
func (p *WorkerPool) waitAndRequeue(ctx context.Context, handle *attemptHandle, task *DownloadTask, delay time.Duration) {
	defer p.wg.Done()

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		p.unregister(task.TaskID, handle)
		handle.cancel()
		p.queue.Requeue(task)
	case <-ctx.Done():
		p.unregister(task.TaskID, handle)
		handle.cancel()
		p.finalize(task, StateCancelled, 0,
			NewDownloadError(ErrorCancelled, "cancelled during retry backoff"))
	}
}

// finalize resolves a task to a terminal state, emits its exactly-once
// result, and cancels any dependents orphaned by a failure. A task some
// other path already resolved is left alone.
func (p *WorkerPool) finalize(task *DownloadTask, state TaskState, bytes int64, derr *DownloadError) {
	orphans, ok := p.queue.Resolve(task.TaskID, state)
	if !ok {
		return
	}
	p.tracker.SetState(task.TaskID, state)

	var elapsed time.Duration
	if !task.StartedAt.IsZero() {
		elapsed = time.Since(task.StartedAt)
	}

	p.onResult(&DownloadResult{
		TaskID:       task.TaskID,
		ContentID:    task.ContentID,
		Source:       task.Source,
		Success:      state == StateCompleted,
		FilePath:     task.FilePath,
		BytesWritten: bytes,
		Elapsed:      elapsed,
		Error:        derr,
		AttemptCount: task.AttemptCount,
	})

	for _, orphan := range orphans {
		p.emitCancelled(orphan)
	}
}

// emitCancelled produces the terminal result for a task cancelled before
// any worker owned it
func (p *WorkerPool) emitCancelled(task *DownloadTask) {
	p.tracker.SetState(task.TaskID, StateCancelled)
	p.onResult(&DownloadResult{
		TaskID:       task.TaskID,
		ContentID:    task.ContentID,
		Source:       task.Source,
		Success:      false,
		FilePath:     task.FilePath,
		Error:        NewDownloadError(ErrorCancelled, "task cancelled"),
		AttemptCount: task.AttemptCount,
	})
}

func (p *WorkerPool) register(taskID uuid.UUID, handle *attemptHandle) {
	p.mu.Lock()
	p.active[taskID] = handle
	p.mu.Unlock()
}

// unregister removes the task's cancel handle, but only if it still maps
// to this attempt; a later attempt may have registered its own
func (p *WorkerPool) unregister(taskID uuid.UUID, handle *attemptHandle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if current, ok := p.active[taskID]; ok && current == handle {
		delete(p.active, taskID)
	}
}
