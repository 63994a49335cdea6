package downloader

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// QueueStats is a point-in-time snapshot of queue occupancy
type QueueStats struct {
	Total       int     `json:"total"`
	Pending     int     `json:"pending"`
	Dispatched  int     `json:"dispatched"`
	Running     int     `json:"running"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	Cancelled   int     `json:"cancelled"`
	Capacity    int     `json:"capacity"`
	Utilization float64 `json:"utilization"`
}

// DownloadQueue manages admission, ordering and dependency gating of
// download tasks. The internal task table is the only shared mutable
// state; every transition is applied atomically under one lock so no
// caller observes a half-applied transition.
type DownloadQueue struct {
	capacity int
	logger   *zap.Logger

	mu      sync.Mutex
	tasks   map[uuid.UUID]*DownloadTask
	boosted map[uuid.UUID]bool

	// signal wakes one waiting worker when a task may have become
	// eligible; capacity 1 so notifications coalesce
	signal chan struct{}
}

// NewDownloadQueue creates an empty queue with the given capacity
func NewDownloadQueue(capacity int, logger *zap.Logger) *DownloadQueue {
	return &DownloadQueue{
		capacity: capacity,
		logger:   logger.Named("queue"),
		tasks:    make(map[uuid.UUID]*DownloadTask),
		boosted:  make(map[uuid.UUID]bool),
		signal:   make(chan struct{}, 1),
	}
}

// Enqueue admits a task in Pending state. Fails with capacity_exceeded
// when the queue is at its configured maximum size and duplicate_task for
// an already known task ID.
func (q *DownloadQueue) Enqueue(task *DownloadTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) >= q.capacity {
		return NewDownloadError(ErrorCapacityExceeded, fmt.Sprintf("queue is full (max %d tasks)", q.capacity))
	}

	if _, exists := q.tasks[task.TaskID]; exists {
		return NewDownloadError(ErrorDuplicateTask, fmt.Sprintf("task %s already exists", task.TaskID))
	}

	task.State = StatePending
	q.tasks[task.TaskID] = task
	q.logger.Debug("task enqueued",
		zap.String("task_id", task.TaskID.String()),
		zap.String("source", task.Source),
		zap.Int("priority", task.Priority))

	q.notifyLocked()
	return nil
}

// Dequeue returns the highest-priority Pending task whose dependencies
// have all completed, breaking ties by earliest creation time, and marks
// it Dispatched atomically with removal from the pending set. Returns nil
// when no task is eligible; callers wait on Signal rather than spinning.
func (q *DownloadQueue) Dequeue() *DownloadTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	var best *DownloadTask
	for _, task := range q.tasks {
		if task.State != StatePending || !q.dependenciesMetLocked(task) {
			continue
		}
		if best == nil || q.beats(task, best) {
			best = task
		}
	}

	if best == nil {
		return nil
	}

	best.State = StateDispatched
	return best
}

// beats reports whether a should be dequeued before b
func (q *DownloadQueue) beats(a, b *DownloadTask) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// dependenciesMetLocked reports whether every dependency has reached
// terminal success. Unknown dependency IDs keep the task ineligible.
func (q *DownloadQueue) dependenciesMetLocked(task *DownloadTask) bool {
	for _, depID := range task.DependsOn {
		dep, ok := q.tasks[depID]
		if !ok || dep.State != StateCompleted {
			return false
		}
	}
	return true
}

// Requeue re-admits a task whose failed attempt is eligible for retry,
// preserving its attempt count. A task that has already been retried once
// receives a one-band priority boost so later attempts do not starve
// behind newly enqueued work indefinitely.
func (q *DownloadQueue) Requeue(task *DownloadTask) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.tasks[task.TaskID]; !ok || existing != task {
		// Task left the table (cancelled during backoff); nothing to re-admit
		return
	}

	if task.State.Terminal() {
		return
	}

	if task.AttemptCount >= 2 && !q.boosted[task.TaskID] {
		task.Priority++
		q.boosted[task.TaskID] = true
	}

	task.State = StatePending
	q.logger.Debug("task requeued",
		zap.String("task_id", task.TaskID.String()),
		zap.Int("attempt_count", task.AttemptCount))

	q.notifyLocked()
}

// MarkRunning transitions a Dispatched task to Running. The calling
// worker now holds exclusive mutation rights for attempt bookkeeping.
func (q *DownloadQueue) MarkRunning(taskID uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[taskID]
	if !ok || task.State != StateDispatched {
		return false
	}
	task.State = StateRunning
	return true
}

// Resolve records a terminal attempt outcome for a task. For Completed
// tasks, dependents may have become eligible and waiting workers are
// woken. For FailedTerminal and Cancelled, every task depending on this
// one, transitively, is cancelled and returned so the caller can finalize
// them.
//
// Returns ok=false without transitioning when the task is unknown or
// already terminal, so concurrent cancel paths settle on exactly one
// terminal transition.
func (q *DownloadQueue) Resolve(taskID uuid.UUID, state TaskState) (orphaned []*DownloadTask, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, found := q.tasks[taskID]
	if !found || task.State.Terminal() {
		return nil, false
	}
	task.State = state

	switch state {
	case StateCompleted:
		// Dependents may now be eligible
		q.notifyLocked()
	case StateFailedTerminal, StateCancelled:
		orphaned = q.cancelDependentsLocked(taskID)
	case StateFailedRetrying:
		// Attempt-terminal only; the worker schedules the requeue
	}

	return orphaned, true
}

// Cancel marks a Pending or Dispatched task Cancelled, together with all
// tasks that depend on it transitively. Returns the tasks this call
// cancelled (the target first when it was cancellable here) and whether
// the target is currently Running and must be aborted by its worker.
//
// Cancelling a task already in a terminal state is a no-op, not an error.
func (q *DownloadQueue) Cancel(taskID uuid.UUID) (cancelled []*DownloadTask, running bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[taskID]
	if !ok || task.State.Terminal() {
		return nil, false
	}

	if task.State == StateRunning {
		// The owning worker aborts the attempt and finalizes the result;
		// dependents are swept when the worker resolves the task.
		return nil, true
	}

	// Pending, Dispatched and FailedRetrying (waiting out a backoff) are
	// all cancellable here. The backoff timer, if any, is additionally
	// signalled by the caller so the wait ends promptly.

	task.State = StateCancelled
	cancelled = append(cancelled, task)
	cancelled = append(cancelled, q.cancelDependentsLocked(taskID)...)
	return cancelled, false
}

// cancelDependentsLocked cancels every non-terminal task that depends on
// root, transitively, so orphaned dependents never execute
func (q *DownloadQueue) cancelDependentsLocked(root uuid.UUID) []*DownloadTask {
	var cancelled []*DownloadTask
	frontier := []uuid.UUID{root}

	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]

		for _, task := range q.tasks {
			if task.State.Terminal() || task.State == StateRunning {
				continue
			}
			if !dependsOn(task, current) {
				continue
			}
			task.State = StateCancelled
			cancelled = append(cancelled, task)
			frontier = append(frontier, task.TaskID)
		}
	}

	if len(cancelled) > 0 {
		q.logger.Debug("cancelled orphaned dependents",
			zap.String("root", root.String()),
			zap.Int("count", len(cancelled)))
	}
	return cancelled
}

func dependsOn(task *DownloadTask, depID uuid.UUID) bool {
	for _, id := range task.DependsOn {
		if id == depID {
			return true
		}
	}
	return false
}

// Get returns the task for an ID, if known
func (q *DownloadQueue) Get(taskID uuid.UUID) (*DownloadTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[taskID]
	return task, ok
}

// Remove drops a task from the table once it has left the pipeline
// permanently
func (q *DownloadQueue) Remove(taskID uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.tasks, taskID)
	delete(q.boosted, taskID)
}

// NonTerminalIDs returns the IDs of every task that has not reached a
// terminal state. The snapshot is taken under the queue lock so callers
// never read task state concurrently with worker transitions.
func (q *DownloadQueue) NonTerminalIDs() []uuid.UUID {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(q.tasks))
	for id, task := range q.tasks {
		if !task.State.Terminal() {
			ids = append(ids, id)
		}
	}
	return ids
}

// IsEmpty reports whether the queue holds no tasks
func (q *DownloadQueue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks) == 0
}

// Size returns the number of tasks currently in the table
func (q *DownloadQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Stats returns a snapshot of queue occupancy by state
func (q *DownloadQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := QueueStats{Total: len(q.tasks), Capacity: q.capacity}
	for _, task := range q.tasks {
		switch task.State {
		case StatePending, StateFailedRetrying:
			stats.Pending++
		case StateDispatched:
			stats.Dispatched++
		case StateRunning:
			stats.Running++
		case StateCompleted:
			stats.Completed++
		case StateFailedTerminal:
			stats.Failed++
		case StateCancelled:
			stats.Cancelled++
		}
	}
	if q.capacity > 0 {
		stats.Utilization = float64(stats.Total) / float64(q.capacity) * 100
	}
	return stats
}

// Signal returns the channel workers wait on for new eligibility.
// Notifications coalesce; a woken worker re-checks Dequeue.
func (q *DownloadQueue) Signal() <-chan struct{} {
	return q.signal
}

// Notify wakes a waiting worker. Exposed for callers that change
// eligibility outside the queue's own methods.
func (q *DownloadQueue) Notify() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.notifyLocked()
}

func (q *DownloadQueue) notifyLocked() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
