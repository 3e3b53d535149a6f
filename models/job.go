package models

import (
	"fmt"
	"time"
)

// JobStatus represents the current state of a download job or chapter
type JobStatus string

const (
	StatusPending    JobStatus = "PENDING"
	StatusInProgress JobStatus = "IN_PROGRESS"
	StatusPaused     JobStatus = "PAUSED"
	StatusCompleted  JobStatus = "COMPLETED"
	StatusError      JobStatus = "ERROR"
)

var jobStatuses = []JobStatus{StatusPending, StatusInProgress, StatusPaused, StatusCompleted, StatusError}

// ParseJobStatus converts a stored or user supplied value into a JobStatus
func ParseJobStatus(s string) (JobStatus, error) {
	for _, st := range jobStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

func (s JobStatus) String() string {
	return string(s)
}

// IsActive reports whether the job may still be picked up by a worker
func (s JobStatus) IsActive() bool {
	return s == StatusPending || s == StatusInProgress
}

// IsTerminal reports whether the job has reached COMPLETED or ERROR.
// ERROR still admits an explicit retry.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

// CanTransition reports whether the job state machine allows moving from s to next.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusInProgress || next == StatusPaused || next == StatusError
	case StatusInProgress:
		return next == StatusCompleted || next == StatusPaused || next == StatusError
	case StatusPaused:
		return next == StatusInProgress
	case StatusError:
		return next == StatusPending
	}
	return false
}

// QueueStatus is the dispatch state of a queue entry. COMPLETED only means
// the dispatcher relinquished the entry, not that the job succeeded.
type QueueStatus string

const (
	QueuePending    QueueStatus = "PENDING"
	QueueProcessing QueueStatus = "PROCESSING"
	QueueCompleted  QueueStatus = "COMPLETED"
)

// ParseQueueStatus converts a stored value into a QueueStatus
func ParseQueueStatus(s string) (QueueStatus, error) {
	switch QueueStatus(s) {
	case QueuePending, QueueProcessing, QueueCompleted:
		return QueueStatus(s), nil
	}
	return "", fmt.Errorf("unknown queue status %q", s)
}

// DownloadJob tracks one download request for a single series
type DownloadJob struct {
	ID             string          `json:"id"`
	SeriesID       int64           `json:"series_id"`
	Status         JobStatus       `json:"status"`
	CurrentChapter int             `json:"current_chapter"`
	TotalChapters  int             `json:"total_chapters"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	Request        DownloadRequest `json:"request"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// ChapterRecord is the checkpoint of a single chapter of a job
type ChapterRecord struct {
	JobID            string    `json:"job_id"`
	ChapterNumber    int       `json:"chapter_number"`
	Status           JobStatus `json:"status"`
	DownloadedImages int       `json:"downloaded_images"`
	TotalImages      int       `json:"total_images"`
	SourcePath       string    `json:"source_path,omitempty"`
	// ChapterImage is the thumbnail location, empty when it could not be stored
	ChapterImage     string    `json:"chapter_image,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Validate checks the image accounting invariants of the record
func (c ChapterRecord) Validate() error {
	if c.DownloadedImages < 0 || c.TotalImages < 0 {
		return fmt.Errorf("chapter %d: negative image counts", c.ChapterNumber)
	}
	if c.DownloadedImages > c.TotalImages {
		return fmt.Errorf("chapter %d: downloaded images %d exceed total %d", c.ChapterNumber, c.DownloadedImages, c.TotalImages)
	}
	complete := c.TotalImages > 0 && c.DownloadedImages == c.TotalImages
	if c.Status == StatusCompleted && !complete {
		return fmt.Errorf("chapter %d: marked completed with %d/%d images", c.ChapterNumber, c.DownloadedImages, c.TotalImages)
	}
	return nil
}

// IsComplete reports whether every image of the chapter has been stored
func (c ChapterRecord) IsComplete() bool {
	return c.Status == StatusCompleted
}

// QueueEntry is the dispatchable unit wrapping a job's payload
type QueueEntry struct {
	ID        string          `json:"id"`
	Payload   DownloadRequest `json:"payload"`
	Status    QueueStatus     `json:"status"`
	ClaimedBy string          `json:"claimed_by,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Notification is an outbox record queued when a job fails
type Notification struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"job_id"`
	Recipient string    `json:"recipient"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// NotificationQueued is the initial state of an outbox record
const NotificationQueued = "QUEUED"
