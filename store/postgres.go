package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/AsianManiac/webtoon-scraper/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

//go:embed schema.sql
var schemaSQL string

const jobColumns = `job_id, series_id, status, current_chapter, total_chapters, error_message, request, created_at, updated_at`

const entryColumns = `entry_id, payload, status, claimed_by, created_at, updated_at`

const chapterColumns = `job_id, chapter_number, status, downloaded_images, total_images, source_path, chapter_image, updated_at`

// PostgresStore persists state in PostgreSQL. Status changes are expressed as
// conditional UPDATEs so concurrent workers and API handlers never lose writes.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// NewPostgresStore connects to the database and verifies the connection
func NewPostgresStore(ctx context.Context, dbURL string, log zerolog.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to reach database: %w", err)
	}
	return &PostgresStore{pool: pool, log: log}, nil
}

// Migrate creates the tables used by the store if they do not exist
func (p *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return persistErr("migrate", err)
		}
	}
	p.log.Info().Msg("Database schema is up to date")
	return nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

func (p *PostgresStore) CreateJob(ctx context.Context, job *models.DownloadJob, entry *models.QueueEntry) error {
	request, err := json.Marshal(job.Request)
	if err != nil {
		return persistErr("create job", fmt.Errorf("failed to marshal request: %w", err))
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return persistErr("create job", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO download_jobs (job_id, series_id, status, current_chapter, total_chapters, request)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		job.ID, job.SeriesID, string(job.Status), job.CurrentChapter, job.TotalChapters, request,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return persistErr("create job", err)
	}

	if entry != nil {
		payload, err := json.Marshal(entry.Payload)
		if err != nil {
			return persistErr("create job", fmt.Errorf("failed to marshal payload: %w", err))
		}
		err = tx.QueryRow(ctx, `
			INSERT INTO queue_entries (entry_id, payload, status)
			VALUES ($1, $2, $3)
			RETURNING created_at, updated_at`,
			entry.ID, payload, string(entry.Status),
		).Scan(&entry.CreatedAt, &entry.UpdatedAt)
		if err != nil {
			return persistErr("create job", err)
		}
	}

	return persistErr("create job", tx.Commit(ctx))
}

func (p *PostgresStore) GetJob(ctx context.Context, jobID string) (*models.DownloadJob, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM download_jobs WHERE job_id = $1`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, persistErr("get job", err)
	}
	return job, nil
}

func (p *PostgresStore) ListJobs(ctx context.Context, statuses ...models.JobStatus) ([]*models.DownloadJob, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM download_jobs
		WHERE ($1::text[] IS NULL OR status = ANY($1::text[]))
		ORDER BY created_at, job_id`, statusArg(statuses))
	if err != nil {
		return nil, persistErr("list jobs", err)
	}
	return collectJobs(rows)
}

func (p *PostgresStore) FindJobsBySeries(ctx context.Context, seriesID int64, statuses ...models.JobStatus) ([]*models.DownloadJob, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM download_jobs
		WHERE series_id = $1 AND ($2::text[] IS NULL OR status = ANY($2::text[]))
		ORDER BY created_at, job_id`, seriesID, statusArg(statuses))
	if err != nil {
		return nil, persistErr("find jobs by series", err)
	}
	return collectJobs(rows)
}

func (p *PostgresStore) UpdateJobStatus(ctx context.Context, jobID string, to models.JobStatus, message string, from ...models.JobStatus) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE download_jobs SET status = $2, error_message = $3, updated_at = now()
		WHERE job_id = $1 AND ($4::text[] IS NULL OR status = ANY($4::text[]))`,
		jobID, string(to), message, statusArg(from))
	if err != nil {
		return persistErr("update job status", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	job, err := p.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	return fmt.Errorf("job %s is %s: %w", jobID, job.Status, ErrStatusConflict)
}

func (p *PostgresStore) SetJobProgress(ctx context.Context, jobID string, currentChapter, totalChapters int) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE download_jobs
		SET current_chapter = CASE WHEN $2 > 0 THEN $2 ELSE current_chapter END,
		    total_chapters = GREATEST(total_chapters, $3),
		    updated_at = now()
		WHERE job_id = $1`, jobID, currentChapter, totalChapters)
	if err != nil {
		return persistErr("set job progress", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	return nil
}

func (p *PostgresStore) UpsertChapter(ctx context.Context, rec *models.ChapterRecord) error {
	if err := rec.Validate(); err != nil {
		return persistErr("upsert chapter", err)
	}
	err := p.pool.QueryRow(ctx, `
		INSERT INTO downloaded_chapters (job_id, chapter_number, status, downloaded_images, total_images, source_path, chapter_image)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (job_id, chapter_number) DO UPDATE SET
			status = EXCLUDED.status,
			downloaded_images = EXCLUDED.downloaded_images,
			total_images = EXCLUDED.total_images,
			source_path = EXCLUDED.source_path,
			chapter_image = EXCLUDED.chapter_image,
			updated_at = now()
		RETURNING updated_at`,
		rec.JobID, rec.ChapterNumber, string(rec.Status), rec.DownloadedImages, rec.TotalImages, rec.SourcePath, rec.ChapterImage,
	).Scan(&rec.UpdatedAt)
	return persistErr("upsert chapter", err)
}

func (p *PostgresStore) GetChapter(ctx context.Context, jobID string, chapterNumber int) (*models.ChapterRecord, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+chapterColumns+` FROM downloaded_chapters WHERE job_id = $1 AND chapter_number = $2`, jobID, chapterNumber)
	rec, err := scanChapter(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("chapter %d of job %s: %w", chapterNumber, jobID, ErrNotFound)
	}
	if err != nil {
		return nil, persistErr("get chapter", err)
	}
	return rec, nil
}

func (p *PostgresStore) ListChapters(ctx context.Context, jobID string) ([]*models.ChapterRecord, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+chapterColumns+` FROM downloaded_chapters WHERE job_id = $1 ORDER BY chapter_number`, jobID)
	if err != nil {
		return nil, persistErr("list chapters", err)
	}
	defer rows.Close()

	var recs []*models.ChapterRecord
	for rows.Next() {
		rec, err := scanChapter(rows)
		if err != nil {
			return nil, persistErr("list chapters", err)
		}
		recs = append(recs, rec)
	}
	return recs, persistErr("list chapters", rows.Err())
}

func (p *PostgresStore) EnqueueEntry(ctx context.Context, entry *models.QueueEntry) (bool, error) {
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return false, persistErr("enqueue entry", fmt.Errorf("failed to marshal payload: %w", err))
	}
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO queue_entries (entry_id, payload, status)
		VALUES ($1, $2, 'PENDING')
		ON CONFLICT (entry_id) DO UPDATE SET
			status = 'PENDING', payload = EXCLUDED.payload, claimed_by = '', updated_at = now()
		WHERE queue_entries.status = 'COMPLETED'`, entry.ID, payload)
	if err != nil {
		return false, persistErr("enqueue entry", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	current, err := p.GetQueueEntry(ctx, entry.ID)
	if err != nil {
		return false, err
	}
	return current.Status == models.QueuePending, nil
}

func (p *PostgresStore) GetQueueEntry(ctx context.Context, entryID string) (*models.QueueEntry, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM queue_entries WHERE entry_id = $1`, entryID)
	entry, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("queue entry %s: %w", entryID, ErrNotFound)
	}
	if err != nil {
		return nil, persistErr("get queue entry", err)
	}
	return entry, nil
}

func (p *PostgresStore) ListPendingQueueEntries(ctx context.Context, limit int) ([]*models.QueueEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `
		SELECT `+entryColumns+` FROM queue_entries
		WHERE status = 'PENDING'
		ORDER BY updated_at, entry_id
		LIMIT $1`, limit)
	if err != nil {
		return nil, persistErr("list pending entries", err)
	}
	defer rows.Close()

	var entries []*models.QueueEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, persistErr("list pending entries", err)
		}
		entries = append(entries, entry)
	}
	return entries, persistErr("list pending entries", rows.Err())
}

func (p *PostgresStore) ClaimQueueEntry(ctx context.Context, entryID, workerID string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE queue_entries SET status = 'PROCESSING', claimed_by = $2, updated_at = now()
		WHERE entry_id = $1 AND status = 'PENDING'`, entryID, workerID)
	if err != nil {
		return persistErr("claim queue entry", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := p.GetQueueEntry(ctx, entryID); err != nil {
		return err
	}
	return fmt.Errorf("queue entry %s: %w", entryID, ErrAlreadyClaimed)
}

func (p *PostgresStore) CompleteQueueEntry(ctx context.Context, entryID string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE queue_entries SET status = 'COMPLETED', updated_at = now()
		WHERE entry_id = $1 AND status = 'PROCESSING'`, entryID)
	if err != nil {
		return persistErr("complete queue entry", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	entry, err := p.GetQueueEntry(ctx, entryID)
	if err != nil {
		return err
	}
	return fmt.Errorf("queue entry %s is %s: %w", entryID, entry.Status, ErrStatusConflict)
}

func (p *PostgresStore) CancelQueueEntry(ctx context.Context, entryID string) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE queue_entries SET status = 'COMPLETED', updated_at = now()
		WHERE entry_id = $1 AND status = 'PENDING'`, entryID)
	return persistErr("cancel queue entry", err)
}

func (p *PostgresStore) RecoverStaleEntries(ctx context.Context, claimedByPrefix string) (int, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE queue_entries SET status = 'PENDING', claimed_by = '', updated_at = now()
		WHERE status = 'PROCESSING' AND starts_with(claimed_by, $1)`, claimedByPrefix)
	if err != nil {
		return 0, persistErr("recover stale entries", err)
	}
	return int(tag.RowsAffected()), nil
}

func (p *PostgresStore) QueueNotification(ctx context.Context, n *models.Notification) error {
	if n.Status == "" {
		n.Status = models.NotificationQueued
	}
	err := p.pool.QueryRow(ctx, `
		INSERT INTO notifications (job_id, recipient, subject, body, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		n.JobID, n.Recipient, n.Subject, n.Body, n.Status,
	).Scan(&n.ID, &n.CreatedAt)
	return persistErr("queue notification", err)
}

func statusArg(statuses []models.JobStatus) []string {
	if len(statuses) == 0 {
		return nil
	}
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func scanJob(row pgx.Row) (*models.DownloadJob, error) {
	var (
		job     models.DownloadJob
		status  string
		request []byte
	)
	err := row.Scan(&job.ID, &job.SeriesID, &status, &job.CurrentChapter, &job.TotalChapters,
		&job.ErrorMessage, &request, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if job.Status, err = models.ParseJobStatus(status); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(request, &job.Request); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request of job %s: %w", job.ID, err)
	}
	return &job, nil
}

func collectJobs(rows pgx.Rows) ([]*models.DownloadJob, error) {
	defer rows.Close()

	var jobs []*models.DownloadJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, persistErr("scan job", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, persistErr("scan job", rows.Err())
}

func scanChapter(row pgx.Row) (*models.ChapterRecord, error) {
	var (
		rec    models.ChapterRecord
		status string
	)
	err := row.Scan(&rec.JobID, &rec.ChapterNumber, &status, &rec.DownloadedImages, &rec.TotalImages, &rec.SourcePath, &rec.ChapterImage, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if rec.Status, err = models.ParseJobStatus(status); err != nil {
		return nil, err
	}
	return &rec, nil
}

func scanEntry(row pgx.Row) (*models.QueueEntry, error) {
	var (
		entry   models.QueueEntry
		status  string
		payload []byte
	)
	err := row.Scan(&entry.ID, &payload, &status, &entry.ClaimedBy, &entry.CreatedAt, &entry.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if entry.Status, err = models.ParseQueueStatus(status); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &entry.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload of entry %s: %w", entry.ID, err)
	}
	return &entry, nil
}
