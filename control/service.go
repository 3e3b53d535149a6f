// Package control accepts download submissions and applies start, pause,
// resume and retry commands to existing jobs.
package control

import (
	"context"
	"errors"
	"fmt"

	"github.com/AsianManiac/webtoon-scraper/models"
	"github.com/AsianManiac/webtoon-scraper/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrInvalidRequest wraps submission validation failures
var ErrInvalidRequest = errors.New("invalid download request")

type Publisher interface {
	Publish(event models.ProgressEvent)
}

type SubmitResult string

const (
	ResultCreated  SubmitResult = "created"
	ResultExisting SubmitResult = "existing"
	ResultSkipped  SubmitResult = "skipped"
)

// Submission reports what happened to one series of a download request
type Submission struct {
	SeriesID int64            `json:"seriesId"`
	JobID    string           `json:"downloadId"`
	Status   models.JobStatus `json:"status"`
	Result   SubmitResult     `json:"result"`
}

type Service struct {
	store  store.Store
	events Publisher
	newID  func() string
	log    zerolog.Logger
}

func NewService(st store.Store, events Publisher, log zerolog.Logger) *Service {
	return &Service{
		store:  st,
		events: events,
		newID:  uuid.NewString,
		log:    log,
	}
}

// Submit creates one job per series of the request. Series that already have
// an active job return it, series already downloaded are skipped unless the
// latest chapter is requested.
func (s *Service) Submit(ctx context.Context, req models.DownloadRequest) ([]Submission, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	ids := req.SeriesIDs
	if len(ids) == 0 {
		ids = []int64{req.SeriesID}
	}

	seen := make(map[int64]bool, len(ids))
	var out []Submission
	for _, seriesID := range ids {
		if seen[seriesID] {
			continue
		}
		seen[seriesID] = true

		sub, err := s.submitSeries(ctx, req, seriesID)
		if err != nil {
			return out, err
		}
		out = append(out, sub)
	}
	return out, nil
}

func (s *Service) submitSeries(ctx context.Context, req models.DownloadRequest, seriesID int64) (Submission, error) {
	existing, err := s.store.FindJobsBySeries(ctx, seriesID)
	if err != nil {
		return Submission{}, err
	}
	if !req.DownloadLatestChapter {
		for _, job := range existing {
			if job.Status == models.StatusCompleted {
				s.log.Info().Int64("series_id", seriesID).Str("job_id", job.ID).Msg("Series already downloaded, skipping")
				return Submission{SeriesID: seriesID, JobID: job.ID, Status: job.Status, Result: ResultSkipped}, nil
			}
		}
	}
	for _, job := range existing {
		if job.Status.IsActive() || job.Status == models.StatusPaused {
			return Submission{SeriesID: seriesID, JobID: job.ID, Status: job.Status, Result: ResultExisting}, nil
		}
	}

	scoped := req.ForSeries(seriesID)
	job := &models.DownloadJob{
		ID:       s.newID(),
		SeriesID: seriesID,
		Status:   models.StatusPending,
		Request:  scoped,
	}
	entry := &models.QueueEntry{ID: job.ID, Payload: scoped, Status: models.QueuePending}
	if err := s.store.CreateJob(ctx, job, entry); err != nil {
		return Submission{}, err
	}

	s.log.Info().Int64("series_id", seriesID).Str("job_id", job.ID).Msg("Download queued")
	s.events.Publish(models.ProgressEvent{JobID: job.ID, SeriesID: seriesID, Status: models.StatusPending, Message: "Download queued"})
	return Submission{SeriesID: seriesID, JobID: job.ID, Status: job.Status, Result: ResultCreated}, nil
}

func (s *Service) load(ctx context.Context, action, jobID string) (*models.DownloadJob, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &models.ControlError{JobID: jobID, Action: action, Reason: "download not found", Err: err}
	}
	return job, err
}

func rejected(job *models.DownloadJob, action, reason string) error {
	return &models.ControlError{JobID: job.ID, Action: action, Status: job.Status, Reason: reason}
}

// ensureQueued puts the job's entry back on the queue unless a worker holds it
func (s *Service) ensureQueued(ctx context.Context, job *models.DownloadJob) error {
	pending, err := s.store.EnqueueEntry(ctx, &models.QueueEntry{ID: job.ID, Payload: job.Request})
	if err != nil {
		return err
	}
	if pending {
		s.log.Debug().Str("job_id", job.ID).Msg("Ensured job is queued")
		return nil
	}
	entry, err := s.store.GetQueueEntry(ctx, job.ID)
	if err != nil {
		return err
	}
	// a running worker re-enqueues a resumed job when it winds down; an entry
	// orphaned by a crash is recovered when the dispatcher restarts
	s.log.Warn().Str("job_id", job.ID).Str("claimed_by", entry.ClaimedBy).Time("claimed_at", entry.UpdatedAt).Msg("Job is held by a worker, not queued again")
	return nil
}

func (s *Service) publish(job *models.DownloadJob, status models.JobStatus, message string) {
	s.events.Publish(models.ProgressEvent{JobID: job.ID, SeriesID: job.SeriesID, Status: status, Message: message})
}

// Start queues a pending job. A paused job is resumed.
func (s *Service) Start(ctx context.Context, jobID string) (*models.DownloadJob, error) {
	job, err := s.load(ctx, "start", jobID)
	if err != nil {
		return nil, err
	}
	switch job.Status {
	case models.StatusPending, models.StatusInProgress:
		if err := s.ensureQueued(ctx, job); err != nil {
			return nil, err
		}
		return job, nil
	case models.StatusPaused:
		return s.Resume(ctx, jobID)
	}
	return nil, rejected(job, "start", "download already finished")
}

// Pause stops the job at its next chapter boundary. Pausing a paused job is a no-op.
func (s *Service) Pause(ctx context.Context, jobID string) (*models.DownloadJob, error) {
	job, err := s.load(ctx, "pause", jobID)
	if err != nil {
		return nil, err
	}
	switch job.Status {
	case models.StatusPaused:
		return job, nil
	case models.StatusPending, models.StatusInProgress:
	default:
		return nil, rejected(job, "pause", "download already finished")
	}

	err = s.store.UpdateJobStatus(ctx, jobID, models.StatusPaused, "", models.StatusPending, models.StatusInProgress)
	if errors.Is(err, store.ErrStatusConflict) {
		// lost a race with the pipeline or another command
		return s.Pause(ctx, jobID)
	}
	if err != nil {
		return nil, err
	}
	if err := s.store.CancelQueueEntry(ctx, jobID); err != nil {
		return nil, err
	}
	job.Status = models.StatusPaused

	s.log.Info().Str("job_id", jobID).Msg("Download paused")
	s.publish(job, models.StatusPaused, "Download paused")
	return job, nil
}

// Resume continues a paused job. For a job that is still pending or in
// progress it makes sure the job is queued, which re-attempts chapters left
// incomplete by an earlier run.
func (s *Service) Resume(ctx context.Context, jobID string) (*models.DownloadJob, error) {
	job, err := s.load(ctx, "resume", jobID)
	if err != nil {
		return nil, err
	}
	switch job.Status {
	case models.StatusPending, models.StatusInProgress:
		if err := s.ensureQueued(ctx, job); err != nil {
			return nil, err
		}
		return job, nil
	case models.StatusPaused:
	default:
		return nil, rejected(job, "resume", "download already finished")
	}

	err = s.store.UpdateJobStatus(ctx, jobID, models.StatusInProgress, "", models.StatusPaused)
	if errors.Is(err, store.ErrStatusConflict) {
		return s.Resume(ctx, jobID)
	}
	if err != nil {
		return nil, err
	}
	job.Status = models.StatusInProgress
	if err := s.ensureQueued(ctx, job); err != nil {
		return nil, err
	}

	s.log.Info().Str("job_id", jobID).Msg("Download resumed")
	s.publish(job, models.StatusInProgress, "Download resumed")
	return job, nil
}

// Retry requeues a failed job. Completed chapters are not downloaded again.
func (s *Service) Retry(ctx context.Context, jobID string) (*models.DownloadJob, error) {
	job, err := s.load(ctx, "retry", jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.StatusError {
		return nil, rejected(job, "retry", "only failed downloads can be retried")
	}

	err = s.store.UpdateJobStatus(ctx, jobID, models.StatusPending, "", models.StatusError)
	if errors.Is(err, store.ErrStatusConflict) {
		return s.Retry(ctx, jobID)
	}
	if err != nil {
		return nil, err
	}
	job.Status = models.StatusPending
	job.ErrorMessage = ""
	if err := s.ensureQueued(ctx, job); err != nil {
		return nil, err
	}

	s.log.Info().Str("job_id", jobID).Msg("Download retried")
	s.publish(job, models.StatusPending, "Download retried")
	return job, nil
}

// Apply dispatches a command by name
func (s *Service) Apply(ctx context.Context, action, jobID string) (*models.DownloadJob, error) {
	switch action {
	case "start":
		return s.Start(ctx, jobID)
	case "pause":
		return s.Pause(ctx, jobID)
	case "resume":
		return s.Resume(ctx, jobID)
	case "retry":
		return s.Retry(ctx, jobID)
	}
	return nil, &models.ControlError{JobID: jobID, Action: action, Reason: "unknown action"}
}

func (s *Service) Job(ctx context.Context, jobID string) (*models.DownloadJob, error) {
	return s.store.GetJob(ctx, jobID)
}

func (s *Service) Jobs(ctx context.Context, statuses ...models.JobStatus) ([]*models.DownloadJob, error) {
	return s.store.ListJobs(ctx, statuses...)
}

func (s *Service) Chapters(ctx context.Context, jobID string) ([]*models.ChapterRecord, error) {
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return s.store.ListChapters(ctx, jobID)
}
