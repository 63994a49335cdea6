package downloader

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ripstream-core/config"
)

// ShutdownMode controls what happens to in-flight work on Shutdown
type ShutdownMode int

const (
	// ShutdownDrain stops accepting new tasks and waits for every
	// submitted task to reach a terminal state
	ShutdownDrain ShutdownMode = iota

	// ShutdownAbort cancels all pending and in-flight tasks before
	// stopping
	ShutdownAbort
)

// Manager is the caller-facing API of the download engine. Callers submit
// tasks, await their exactly-once results, cancel, and subscribe to
// progress; they never touch networking details.
type Manager struct {
	cfg      *config.Config
	logger   *zap.Logger
	queue    *DownloadQueue
	sessions *SessionManager
	tracker  *ProgressTracker
	pool     *WorkerPool

	mu              sync.Mutex
	awaiting        map[uuid.UUID]chan struct{}
	results         map[uuid.UUID]*DownloadResult
	resultObservers map[int]ResultFunc
	nextObserverID  int
	closed          bool

	taskWG sync.WaitGroup
}

// NewManager wires the queue, session manager, progress tracker, retry
// policy and worker pool from one validated configuration. Configuration
// errors fail fast here, before anything starts.
func NewManager(cfg *config.Config, registry ProviderRegistry, logger *zap.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	m := &Manager{
		cfg:             cfg,
		logger:          logger.Named("manager"),
		queue:           NewDownloadQueue(cfg.QueueCapacity, logger),
		sessions:        NewSessionManager(cfg, logger),
		tracker:         NewProgressTracker(logger),
		awaiting:        make(map[uuid.UUID]chan struct{}),
		results:         make(map[uuid.UUID]*DownloadResult),
		resultObservers: make(map[int]ResultFunc),
	}

	m.pool = NewWorkerPool(
		cfg.MaxConcurrentDownloads,
		m.queue,
		m.sessions,
		m.tracker,
		NewRetryPolicy(cfg.Retry),
		registry,
		m.deliver,
		logger,
	)

	return m, nil
}

// Start launches the worker pool
func (m *Manager) Start() {
	m.pool.Start()
}

// Submit admits a task and returns its ID. Capacity and duplicate
// violations are rejected synchronously; they never enter the retry loop.
func (m *Manager) Submit(task *DownloadTask) (uuid.UUID, error) {
	if task == nil {
		return uuid.Nil, NewDownloadError(ErrorValidation, "task must not be nil")
	}
	if task.Source == "" {
		return uuid.Nil, NewDownloadError(ErrorValidation, "task source must not be empty")
	}
	if task.FilePath == "" {
		return uuid.Nil, NewDownloadError(ErrorValidation, "task file path must not be empty")
	}
	if task.TaskID == uuid.Nil {
		task.TaskID = uuid.New()
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return uuid.Nil, NewDownloadError(ErrorSourceUnavailable, "manager has been shut down")
	}
	m.awaiting[task.TaskID] = make(chan struct{})
	m.mu.Unlock()

	if err := m.queue.Enqueue(task); err != nil {
		m.mu.Lock()
		delete(m.awaiting, task.TaskID)
		m.mu.Unlock()
		return uuid.Nil, err
	}

	m.taskWG.Add(1)
	m.logger.Info("task submitted",
		zap.String("task_id", task.TaskID.String()),
		zap.String("source", task.Source),
		zap.String("content_id", task.ContentID))
	return task.TaskID, nil
}

// AwaitResult blocks until the task's terminal result is available or the
// context is cancelled. Every submitted task produces exactly one result.
func (m *Manager) AwaitResult(ctx context.Context, taskID uuid.UUID) (*DownloadResult, error) {
	m.mu.Lock()
	if result, ok := m.results[taskID]; ok {
		m.mu.Unlock()
		return result, nil
	}
	done, ok := m.awaiting[taskID]
	m.mu.Unlock()

	if !ok {
		return nil, NewDownloadError(ErrorValidation, fmt.Sprintf("unknown task %s", taskID))
	}

	select {
	case <-done:
		m.mu.Lock()
		result := m.results[taskID]
		m.mu.Unlock()
		return result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel cancels a task wherever it currently is. Cancelling a task that
// already reached a terminal state is a no-op, not an error.
func (m *Manager) Cancel(taskID uuid.UUID) {
	m.pool.CancelTask(taskID)
}

// SubscribeProgress registers a progress observer and returns an ID for
// UnsubscribeProgress
func (m *Manager) SubscribeProgress(observer ProgressObserver) int {
	return m.tracker.Register(observer)
}

// UnsubscribeProgress removes a progress observer
func (m *Manager) UnsubscribeProgress(id int) {
	m.tracker.Unregister(id)
}

// SubscribeResults registers an observer called once per terminal result,
// after awaiters are woken. Returns an ID for UnsubscribeResults.
func (m *Manager) SubscribeResults(observer ResultFunc) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextObserverID++
	m.resultObservers[m.nextObserverID] = observer
	return m.nextObserverID
}

// UnsubscribeResults removes a result observer
func (m *Manager) UnsubscribeResults(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.resultObservers, id)
}

// Progress returns the latest snapshot for a task
func (m *Manager) Progress(taskID uuid.UUID) (DownloadProgress, bool) {
	return m.tracker.Get(taskID)
}

// Stats returns a snapshot of queue occupancy
func (m *Manager) Stats() QueueStats {
	return m.queue.Stats()
}

// Shutdown stops accepting new tasks, then either drains or aborts
// in-flight work per mode, and finally releases all session resources.
// The context bounds how long the drain may take.
func (m *Manager) Shutdown(ctx context.Context, mode ShutdownMode) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.logger.Info("shutting down", zap.Bool("abort", mode == ShutdownAbort))

	if mode == ShutdownAbort {
		for _, taskID := range m.queue.NonTerminalIDs() {
			m.pool.CancelTask(taskID)
		}
	}

	drained := make(chan struct{})
	go func() {
		m.taskWG.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		m.pool.Stop()
		m.sessions.Shutdown()
		return fmt.Errorf("shutdown interrupted: %w", ctx.Err())
	}

	m.pool.Stop()
	m.sessions.Shutdown()
	m.logger.Info("shutdown complete")
	return nil
}

// deliver records the exactly-once result for a task and wakes awaiters.
// Duplicate deliveries from racing finalization paths are dropped.
func (m *Manager) deliver(result *DownloadResult) {
	m.mu.Lock()
	if _, dup := m.results[result.TaskID]; dup {
		m.mu.Unlock()
		return
	}
	m.results[result.TaskID] = result
	done, ok := m.awaiting[result.TaskID]
	if ok {
		close(done)
	}
	observers := make([]ResultFunc, 0, len(m.resultObservers))
	for _, observer := range m.resultObservers {
		observers = append(observers, observer)
	}
	m.mu.Unlock()

	if ok {
		m.taskWG.Done()
	}

	for _, observer := range observers {
		m.safeNotifyResult(observer, result)
	}
}

// safeNotifyResult isolates a result observer's failure from the
// finalization path
func (m *Manager) safeNotifyResult(observer ResultFunc, result *DownloadResult) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("result observer panicked",
				zap.String("task_id", result.TaskID.String()),
				zap.Any("panic", r))
		}
	}()
	observer(result)
}
