package downloader

import (
	"time"

	"github.com/google/uuid"
)

// TaskState represents the lifecycle state of a download task
type TaskState int

const (
	StatePending TaskState = iota
	StateDispatched
	StateRunning
	StateCompleted
	StateFailedRetrying
	StateFailedTerminal
	StateCancelled
)

// String returns the string representation of the task state
func (s TaskState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateDispatched:
		return "dispatched"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailedRetrying:
		return "failed_retrying"
	case StateFailedTerminal:
		return "failed_terminal"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can occur for the task
// as a whole. FailedRetrying is terminal for the attempt only.
func (s TaskState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailedTerminal, StateCancelled:
		return true
	default:
		return false
	}
}

// ContentType tags what kind of content a task downloads
type ContentType string

const (
	ContentTrack    ContentType = "track"
	ContentAlbum    ContentType = "album"
	ContentPlaylist ContentType = "playlist"
	ContentArtwork  ContentType = "artwork"
)

// DownloadTask represents one unit of work moving bytes from a described
// source to a destination path.
//
// The queue owns the task until it is dispatched to a worker; the worker
// then holds exclusive mutation rights for attempt bookkeeping until the
// task either finishes or is handed back through Requeue.
type DownloadTask struct {
	TaskID      uuid.UUID   `json:"task_id"`
	ContentID   string      `json:"content_id"`
	ContentType ContentType `json:"content_type"`
	Source      string      `json:"source"`
	URL         string      `json:"url"`
	FilePath    string      `json:"file_path"`

	// Priority orders dequeue; higher runs first
	Priority int `json:"priority"`

	// DependsOn lists task IDs that must reach Completed before this
	// task becomes eligible
	DependsOn []uuid.UUID `json:"depends_on"`

	CreatedAt    time.Time `json:"created_at"`
	StartedAt    time.Time `json:"started_at,omitempty"` // first Running transition
	AttemptCount int       `json:"attempt_count"`
	State        TaskState `json:"state"`
}

// NewDownloadTask creates a task in Pending state with a fresh ID
func NewDownloadTask(contentID string, contentType ContentType, source, url, filePath string) *DownloadTask {
	return &DownloadTask{
		TaskID:      uuid.New(),
		ContentID:   contentID,
		ContentType: contentType,
		Source:      source,
		URL:         url,
		FilePath:    filePath,
		CreatedAt:   time.Now(),
		State:       StatePending,
	}
}

// DownloadResult is the immutable record produced exactly once per task's
// terminal transition. Never mutated after construction.
type DownloadResult struct {
	TaskID       uuid.UUID      `json:"task_id"`
	ContentID    string         `json:"content_id"`
	Source       string         `json:"source"`
	Success      bool           `json:"success"`
	FilePath     string         `json:"file_path"`
	BytesWritten int64          `json:"bytes_written"`
	Elapsed      time.Duration  `json:"elapsed"`
	Error        *DownloadError `json:"error,omitempty"`
	AttemptCount int            `json:"attempt_count"`
}
