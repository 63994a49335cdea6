package downloader

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// UnknownTotal is the sentinel for transfers whose total size is not known
const UnknownTotal int64 = -1

// speedAlpha is the exponential moving average weight for speed smoothing,
// favoring recent samples
const speedAlpha = 0.3

// DownloadProgress is a per-task live snapshot of an active attempt
type DownloadProgress struct {
	TaskID          uuid.UUID     `json:"task_id"`
	State           TaskState     `json:"state"`
	BytesDownloaded int64         `json:"bytes_downloaded"`
	TotalBytes      int64         `json:"total_bytes"` // UnknownTotal when not known
	Speed           float64       `json:"speed"`       // smoothed bytes/sec
	ETA             time.Duration `json:"eta"`         // zero when unknown
	Elapsed         time.Duration `json:"elapsed"`     // cumulative across attempts
	Attempt         int           `json:"attempt"`
}

// Percentage returns the completion percentage, or -1 when the total is unknown
func (p DownloadProgress) Percentage() float64 {
	if p.TotalBytes <= 0 {
		return -1
	}
	pct := float64(p.BytesDownloaded) / float64(p.TotalBytes) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// FormattedSpeed returns a human readable speed string
func (p DownloadProgress) FormattedSpeed() string {
	return fmt.Sprintf("%s/s", formatBytes(int64(p.Speed)))
}

// FormattedSize returns a human readable "downloaded / total" string
func (p DownloadProgress) FormattedSize() string {
	if p.TotalBytes <= 0 {
		return fmt.Sprintf("%s / Unknown", formatBytes(p.BytesDownloaded))
	}
	return fmt.Sprintf("%s / %s", formatBytes(p.BytesDownloaded), formatBytes(p.TotalBytes))
}

// FormattedETA returns a human readable ETA string
func (p DownloadProgress) FormattedETA() string {
	if p.ETA <= 0 {
		return "Unknown"
	}
	eta := int(p.ETA.Seconds())
	if eta < 60 {
		return fmt.Sprintf("%ds", eta)
	}
	if eta < 3600 {
		return fmt.Sprintf("%dm %ds", eta/60, eta%60)
	}
	return fmt.Sprintf("%dh %dm", eta/3600, (eta%3600)/60)
}

func formatBytes(count int64) string {
	switch {
	case count < 1024:
		return fmt.Sprintf("%d B", count)
	case count < 1024*1024:
		return fmt.Sprintf("%.1f KB", float64(count)/1024)
	case count < 1024*1024*1024:
		return fmt.Sprintf("%.1f MB", float64(count)/(1024*1024))
	default:
		return fmt.Sprintf("%.1f GB", float64(count)/(1024*1024*1024))
	}
}

// ProgressObserver receives progress snapshots. Observers are pure
// side-effecting sinks; no return value is consulted.
type ProgressObserver interface {
	OnProgress(progress DownloadProgress)
}

// ProgressObserverFunc adapts a function to the ProgressObserver interface
type ProgressObserverFunc func(progress DownloadProgress)

// OnProgress implements ProgressObserver
func (f ProgressObserverFunc) OnProgress(progress DownloadProgress) {
	f(progress)
}

// taskProgress is the tracker's internal mutable state for one task
type taskProgress struct {
	snapshot     DownloadProgress
	attemptStart time.Time
	priorElapsed time.Duration // elapsed accumulated over finished attempts
	lastUpdate   time.Time
}

// ProgressTracker aggregates per-task progress and fans updates out to
// registered observers. A slow or failing observer never stalls the
// transfer path or affects other observers.
type ProgressTracker struct {
	logger *zap.Logger
	clock  func() time.Time

	mu        sync.RWMutex
	tasks     map[uuid.UUID]*taskProgress
	observers map[int]ProgressObserver
	nextID    int
}

// NewProgressTracker creates an empty tracker
func NewProgressTracker(logger *zap.Logger) *ProgressTracker {
	return &ProgressTracker{
		logger:    logger.Named("progress"),
		clock:     time.Now,
		tasks:     make(map[uuid.UUID]*taskProgress),
		observers: make(map[int]ProgressObserver),
	}
}

// Register adds an observer and returns a registration ID for Unregister.
// Safe to call while notifications are in flight.
func (pt *ProgressTracker) Register(observer ProgressObserver) int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.nextID++
	pt.observers[pt.nextID] = observer
	return pt.nextID
}

// Unregister removes a previously registered observer. Unknown IDs are
// a no-op.
func (pt *ProgressTracker) Unregister(id int) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	delete(pt.observers, id)
}

// StartAttempt begins tracking a new attempt for a task. Byte counters
// reset; elapsed time carries over from earlier attempts so ETA smoothing
// stays continuous across retries.
func (pt *ProgressTracker) StartAttempt(taskID uuid.UUID, attempt int) {
	now := pt.clock()

	pt.mu.Lock()
	tp, ok := pt.tasks[taskID]
	if !ok {
		tp = &taskProgress{}
		pt.tasks[taskID] = tp
	} else {
		tp.priorElapsed += now.Sub(tp.attemptStart)
	}
	tp.attemptStart = now
	tp.lastUpdate = now
	tp.snapshot = DownloadProgress{
		TaskID:     taskID,
		State:      StateRunning,
		TotalBytes: UnknownTotal,
		Elapsed:    tp.priorElapsed,
		Attempt:    attempt,
	}
	snapshot := tp.snapshot
	pt.mu.Unlock()

	pt.notify(snapshot)
}

// Update records a new byte count for the task's active attempt and
// recomputes smoothed speed and ETA. Notifies observers synchronously.
func (pt *ProgressTracker) Update(taskID uuid.UUID, bytesDownloaded, totalBytes int64) {
	now := pt.clock()

	pt.mu.Lock()
	tp, ok := pt.tasks[taskID]
	if !ok {
		pt.mu.Unlock()
		return
	}

	delta := now.Sub(tp.lastUpdate).Seconds()
	if delta > 0 {
		sample := float64(bytesDownloaded-tp.snapshot.BytesDownloaded) / delta
		if sample >= 0 {
			if tp.snapshot.Speed == 0 {
				tp.snapshot.Speed = sample
			} else {
				tp.snapshot.Speed = speedAlpha*sample + (1-speedAlpha)*tp.snapshot.Speed
			}
		}
		tp.lastUpdate = now
	}

	tp.snapshot.BytesDownloaded = bytesDownloaded
	tp.snapshot.TotalBytes = totalBytes
	tp.snapshot.Elapsed = tp.priorElapsed + now.Sub(tp.attemptStart)

	if totalBytes > 0 && tp.snapshot.Speed > 0 {
		remaining := float64(totalBytes - bytesDownloaded)
		tp.snapshot.ETA = time.Duration(remaining / tp.snapshot.Speed * float64(time.Second))
	} else {
		tp.snapshot.ETA = 0
	}

	snapshot := tp.snapshot
	pt.mu.Unlock()

	pt.notify(snapshot)
}

// SetState records a lifecycle transition for the task and notifies
// observers. Terminal states keep their final byte counts.
func (pt *ProgressTracker) SetState(taskID uuid.UUID, state TaskState) {
	pt.mu.Lock()
	tp, ok := pt.tasks[taskID]
	if !ok {
		tp = &taskProgress{attemptStart: pt.clock(), lastUpdate: pt.clock()}
		tp.snapshot = DownloadProgress{TaskID: taskID, TotalBytes: UnknownTotal}
		pt.tasks[taskID] = tp
	}
	tp.snapshot.State = state
	snapshot := tp.snapshot
	pt.mu.Unlock()

	pt.notify(snapshot)
}

// Get returns the latest snapshot for a task
func (pt *ProgressTracker) Get(taskID uuid.UUID) (DownloadProgress, bool) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	tp, ok := pt.tasks[taskID]
	if !ok {
		return DownloadProgress{}, false
	}
	return tp.snapshot, true
}

// Remove drops progress state for a task that left the pipeline
func (pt *ProgressTracker) Remove(taskID uuid.UUID) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	delete(pt.tasks, taskID)
}

// notify delivers the snapshot to every registered observer, isolating
// each observer's failure so one bad callback cannot abort the transfer
// or starve the others.
func (pt *ProgressTracker) notify(snapshot DownloadProgress) {
	pt.mu.RLock()
	observers := make([]ProgressObserver, 0, len(pt.observers))
	for _, observer := range pt.observers {
		observers = append(observers, observer)
	}
	pt.mu.RUnlock()

	for _, observer := range observers {
		pt.safeNotify(observer, snapshot)
	}
}

func (pt *ProgressTracker) safeNotify(observer ProgressObserver, snapshot DownloadProgress) {
	defer func() {
		if r := recover(); r != nil {
			pt.logger.Warn("progress observer panicked",
				zap.String("task_id", snapshot.TaskID.String()),
				zap.Any("panic", r))
		}
	}()
	observer.OnProgress(snapshot)
}
