// Package store persists download jobs, chapter checkpoints and the work queue.
package store

import (
	"context"
	"errors"

	"github.com/AsianManiac/webtoon-scraper/models"
)

var (
	// ErrNotFound is returned when a job, chapter or queue entry does not exist
	ErrNotFound = errors.New("not found")
	// ErrAlreadyClaimed is returned when a queue entry is no longer PENDING at claim time
	ErrAlreadyClaimed = errors.New("queue entry already claimed")
	// ErrStatusConflict is returned when a conditional status update finds an unexpected status
	ErrStatusConflict = errors.New("status conflict")
)

// Store is the durable state of the download engine. Every method is atomic
// with respect to the fields it touches. Implementations wrap failures other
// than the sentinel errors above in *models.PersistenceError.
type Store interface {
	CreateJob(ctx context.Context, job *models.DownloadJob, entry *models.QueueEntry) error
	GetJob(ctx context.Context, jobID string) (*models.DownloadJob, error)
	ListJobs(ctx context.Context, statuses ...models.JobStatus) ([]*models.DownloadJob, error)
	FindJobsBySeries(ctx context.Context, seriesID int64, statuses ...models.JobStatus) ([]*models.DownloadJob, error)
	// UpdateJobStatus sets the status (and error message) of a job. When from
	// is non-empty the update only applies if the current status is one of
	// them, otherwise ErrStatusConflict is returned.
	UpdateJobStatus(ctx context.Context, jobID string, to models.JobStatus, message string, from ...models.JobStatus) error
	// SetJobProgress records the chapter being worked on. totalChapters never decreases.
	SetJobProgress(ctx context.Context, jobID string, currentChapter, totalChapters int) error

	UpsertChapter(ctx context.Context, rec *models.ChapterRecord) error
	GetChapter(ctx context.Context, jobID string, chapterNumber int) (*models.ChapterRecord, error)
	ListChapters(ctx context.Context, jobID string) ([]*models.ChapterRecord, error)

	// EnqueueEntry creates the entry or resets it to PENDING. An entry that is
	// PROCESSING is left alone and false is returned.
	EnqueueEntry(ctx context.Context, entry *models.QueueEntry) (bool, error)
	GetQueueEntry(ctx context.Context, entryID string) (*models.QueueEntry, error)
	ListPendingQueueEntries(ctx context.Context, limit int) ([]*models.QueueEntry, error)
	ClaimQueueEntry(ctx context.Context, entryID, workerID string) error
	CompleteQueueEntry(ctx context.Context, entryID string) error
	// CancelQueueEntry relinquishes a PENDING entry without processing it.
	CancelQueueEntry(ctx context.Context, entryID string) error
	// RecoverStaleEntries returns PROCESSING entries claimed by workers whose
	// id starts with claimedByPrefix to PENDING. An empty prefix matches all.
	RecoverStaleEntries(ctx context.Context, claimedByPrefix string) (int, error)

	QueueNotification(ctx context.Context, n *models.Notification) error

	Close() error
}

func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyClaimed) || errors.Is(err, ErrStatusConflict) {
		return err
	}
	return &models.PersistenceError{Op: op, Err: err}
}

func containsStatus(list []models.JobStatus, s models.JobStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
