package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AsianManiac/webtoon-scraper/models"
	"github.com/rs/zerolog"
)

const snapshotFile = "state.json"

type chapterKey struct {
	jobID  string
	number int
}

// MemoryStore keeps all state in maps guarded by a single lock. When a data
// directory is configured every mutation is snapshotted to disk so the queue
// survives a restart.
type MemoryStore struct {
	mu            sync.RWMutex
	jobs          map[string]*models.DownloadJob
	chapters      map[chapterKey]*models.ChapterRecord
	entries       map[string]*models.QueueEntry
	notifications []*models.Notification
	dataDir       string
	now           func() time.Time
	log           zerolog.Logger
}

type snapshot struct {
	Jobs          []*models.DownloadJob   `json:"jobs"`
	Chapters      []*models.ChapterRecord `json:"chapters"`
	Entries       []*models.QueueEntry    `json:"entries"`
	Notifications []*models.Notification  `json:"notifications"`
}

// NewMemoryStore creates an empty store. dataDir may be empty to disable snapshots.
func NewMemoryStore(dataDir string, log zerolog.Logger) (*MemoryStore, error) {
	if dataDir != "" {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	return &MemoryStore{
		jobs:     make(map[string]*models.DownloadJob),
		chapters: make(map[chapterKey]*models.ChapterRecord),
		entries:  make(map[string]*models.QueueEntry),
		dataDir:  dataDir,
		now:      time.Now,
		log:      log,
	}, nil
}

// Load restores the last snapshot. Entries left PROCESSING by a crashed
// process are handed back to the queue.
func (m *MemoryStore) Load() error {
	if m.dataDir == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(m.dataDir, snapshotFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("unmarshalling snapshot: %w", err)
	}

	for _, job := range snap.Jobs {
		m.jobs[job.ID] = job
	}
	for _, rec := range snap.Chapters {
		m.chapters[chapterKey{rec.JobID, rec.ChapterNumber}] = rec
	}
	recovered := 0
	for _, entry := range snap.Entries {
		if entry.Status == models.QueueProcessing {
			entry.Status = models.QueuePending
			entry.ClaimedBy = ""
			recovered++
		}
		m.entries[entry.ID] = entry
	}
	m.notifications = snap.Notifications

	m.log.Info().Int("jobs", len(m.jobs)).Int("entries", len(m.entries)).Int("recovered", recovered).Msg("Loaded store snapshot")
	return nil
}

// persist saves the full state to disk. Callers hold the write lock.
func (m *MemoryStore) persist() error {
	if m.dataDir == "" {
		return nil
	}
	snap := snapshot{
		Jobs:          make([]*models.DownloadJob, 0, len(m.jobs)),
		Chapters:      make([]*models.ChapterRecord, 0, len(m.chapters)),
		Entries:       make([]*models.QueueEntry, 0, len(m.entries)),
		Notifications: m.notifications,
	}
	for _, job := range m.jobs {
		snap.Jobs = append(snap.Jobs, job)
	}
	for _, rec := range m.chapters {
		snap.Chapters = append(snap.Chapters, rec)
	}
	for _, entry := range m.entries {
		snap.Entries = append(snap.Entries, entry)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling snapshot: %w", err)
	}
	tmp := filepath.Join(m.dataDir, snapshotFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing snapshot temp file: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(m.dataDir, snapshotFile)); err != nil {
		return fmt.Errorf("persisting snapshot: %w", err)
	}
	return nil
}

// save persists the state and undoes the in-memory change when the snapshot
// cannot be written. Callers hold the write lock.
func (m *MemoryStore) save(op string, undo func()) error {
	if err := m.persist(); err != nil {
		undo()
		return persistErr(op, err)
	}
	return nil
}

func (m *MemoryStore) CreateJob(ctx context.Context, job *models.DownloadJob, entry *models.QueueEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[job.ID]; exists {
		return persistErr("create job", fmt.Errorf("job %s already exists", job.ID))
	}
	now := m.now()
	j := *job
	j.CreatedAt, j.UpdatedAt = now, now
	m.jobs[j.ID] = &j

	var e models.QueueEntry
	if entry != nil {
		e = *entry
		e.CreatedAt, e.UpdatedAt = now, now
		m.entries[e.ID] = &e
	}
	err := m.save("create job", func() {
		delete(m.jobs, j.ID)
		if entry != nil {
			delete(m.entries, e.ID)
		}
	})
	if err != nil {
		return err
	}
	*job = j
	if entry != nil {
		*entry = e
	}
	return nil
}

func (m *MemoryStore) GetJob(ctx context.Context, jobID string) (*models.DownloadJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, exists := m.jobs[jobID]
	if !exists {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	j := *job
	return &j, nil
}

func (m *MemoryStore) ListJobs(ctx context.Context, statuses ...models.JobStatus) ([]*models.DownloadJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs := make([]*models.DownloadJob, 0, len(m.jobs))
	for _, job := range m.jobs {
		if len(statuses) > 0 && !containsStatus(statuses, job.Status) {
			continue
		}
		j := *job
		jobs = append(jobs, &j)
	}
	sortJobs(jobs)
	return jobs, nil
}

func (m *MemoryStore) FindJobsBySeries(ctx context.Context, seriesID int64, statuses ...models.JobStatus) ([]*models.DownloadJob, error) {
	jobs, err := m.ListJobs(ctx, statuses...)
	if err != nil {
		return nil, err
	}
	out := jobs[:0]
	for _, job := range jobs {
		if job.SeriesID == seriesID {
			out = append(out, job)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpdateJobStatus(ctx context.Context, jobID string, to models.JobStatus, message string, from ...models.JobStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, exists := m.jobs[jobID]
	if !exists {
		return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if len(from) > 0 && !containsStatus(from, job.Status) {
		return fmt.Errorf("job %s is %s: %w", jobID, job.Status, ErrStatusConflict)
	}
	prev := *job
	job.Status = to
	job.ErrorMessage = message
	job.UpdatedAt = m.now()
	return m.save("update job status", func() { *job = prev })
}

func (m *MemoryStore) SetJobProgress(ctx context.Context, jobID string, currentChapter, totalChapters int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, exists := m.jobs[jobID]
	if !exists {
		return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	prev := *job
	if currentChapter > 0 {
		job.CurrentChapter = currentChapter
	}
	if totalChapters > job.TotalChapters {
		job.TotalChapters = totalChapters
	}
	job.UpdatedAt = m.now()
	return m.save("set job progress", func() { *job = prev })
}

func (m *MemoryStore) UpsertChapter(ctx context.Context, rec *models.ChapterRecord) error {
	if err := rec.Validate(); err != nil {
		return persistErr("upsert chapter", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[rec.JobID]; !exists {
		return fmt.Errorf("job %s: %w", rec.JobID, ErrNotFound)
	}
	key := chapterKey{rec.JobID, rec.ChapterNumber}
	prev, existed := m.chapters[key]
	r := *rec
	r.UpdatedAt = m.now()
	m.chapters[key] = &r
	return m.save("upsert chapter", func() {
		if existed {
			m.chapters[key] = prev
		} else {
			delete(m.chapters, key)
		}
	})
}

func (m *MemoryStore) GetChapter(ctx context.Context, jobID string, chapterNumber int) (*models.ChapterRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, exists := m.chapters[chapterKey{jobID, chapterNumber}]
	if !exists {
		return nil, fmt.Errorf("chapter %d of job %s: %w", chapterNumber, jobID, ErrNotFound)
	}
	r := *rec
	return &r, nil
}

func (m *MemoryStore) ListChapters(ctx context.Context, jobID string) ([]*models.ChapterRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var recs []*models.ChapterRecord
	for key, rec := range m.chapters {
		if key.jobID != jobID {
			continue
		}
		r := *rec
		recs = append(recs, &r)
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].ChapterNumber < recs[j].ChapterNumber
	})
	return recs, nil
}

func (m *MemoryStore) EnqueueEntry(ctx context.Context, entry *models.QueueEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	existing, exists := m.entries[entry.ID]
	var undo func()
	switch {
	case !exists:
		e := *entry
		e.Status = models.QueuePending
		e.ClaimedBy = ""
		e.CreatedAt, e.UpdatedAt = now, now
		m.entries[e.ID] = &e
		undo = func() { delete(m.entries, e.ID) }
	case existing.Status == models.QueueProcessing:
		return false, nil
	case existing.Status == models.QueuePending:
		return true, nil
	default:
		prev := *existing
		existing.Status = models.QueuePending
		existing.Payload = entry.Payload
		existing.ClaimedBy = ""
		existing.UpdatedAt = now
		undo = func() { *existing = prev }
	}
	if err := m.save("enqueue entry", undo); err != nil {
		return false, err
	}
	return true, nil
}

func (m *MemoryStore) GetQueueEntry(ctx context.Context, entryID string) (*models.QueueEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, exists := m.entries[entryID]
	if !exists {
		return nil, fmt.Errorf("queue entry %s: %w", entryID, ErrNotFound)
	}
	e := *entry
	return &e, nil
}

func (m *MemoryStore) ListPendingQueueEntries(ctx context.Context, limit int) ([]*models.QueueEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var pending []*models.QueueEntry
	for _, entry := range m.entries {
		if entry.Status != models.QueuePending {
			continue
		}
		e := *entry
		pending = append(pending, &e)
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].UpdatedAt.Equal(pending[j].UpdatedAt) {
			return pending[i].ID < pending[j].ID
		}
		return pending[i].UpdatedAt.Before(pending[j].UpdatedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (m *MemoryStore) ClaimQueueEntry(ctx context.Context, entryID, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.entries[entryID]
	if !exists {
		return fmt.Errorf("queue entry %s: %w", entryID, ErrNotFound)
	}
	if entry.Status != models.QueuePending {
		return fmt.Errorf("queue entry %s is %s: %w", entryID, entry.Status, ErrAlreadyClaimed)
	}
	prev := *entry
	entry.Status = models.QueueProcessing
	entry.ClaimedBy = workerID
	entry.UpdatedAt = m.now()
	return m.save("claim queue entry", func() { *entry = prev })
}

func (m *MemoryStore) CompleteQueueEntry(ctx context.Context, entryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.entries[entryID]
	if !exists {
		return fmt.Errorf("queue entry %s: %w", entryID, ErrNotFound)
	}
	if entry.Status != models.QueueProcessing {
		return fmt.Errorf("queue entry %s is %s: %w", entryID, entry.Status, ErrStatusConflict)
	}
	prev := *entry
	entry.Status = models.QueueCompleted
	entry.UpdatedAt = m.now()
	return m.save("complete queue entry", func() { *entry = prev })
}

func (m *MemoryStore) CancelQueueEntry(ctx context.Context, entryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.entries[entryID]
	if !exists || entry.Status != models.QueuePending {
		return nil
	}
	prev := *entry
	entry.Status = models.QueueCompleted
	entry.UpdatedAt = m.now()
	return m.save("cancel queue entry", func() { *entry = prev })
}

func (m *MemoryStore) RecoverStaleEntries(ctx context.Context, claimedByPrefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := make(map[string]models.QueueEntry)
	now := m.now()
	for id, entry := range m.entries {
		if entry.Status != models.QueueProcessing || !strings.HasPrefix(entry.ClaimedBy, claimedByPrefix) {
			continue
		}
		prev[id] = *entry
		entry.Status = models.QueuePending
		entry.ClaimedBy = ""
		entry.UpdatedAt = now
	}
	if len(prev) == 0 {
		return 0, nil
	}
	err := m.save("recover stale entries", func() {
		for id, e := range prev {
			*m.entries[id] = e
		}
	})
	if err != nil {
		return 0, err
	}
	return len(prev), nil
}

func (m *MemoryStore) QueueNotification(ctx context.Context, n *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := *n
	rec.ID = int64(len(m.notifications) + 1)
	if rec.Status == "" {
		rec.Status = models.NotificationQueued
	}
	rec.CreatedAt = m.now()
	count := len(m.notifications)
	m.notifications = append(m.notifications, &rec)
	if err := m.save("queue notification", func() { m.notifications = m.notifications[:count] }); err != nil {
		return err
	}
	*n = rec
	return nil
}

// Notifications returns a copy of the outbox
func (m *MemoryStore) Notifications() []*models.Notification {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.Notification, 0, len(m.notifications))
	for _, n := range m.notifications {
		c := *n
		out = append(out, &c)
	}
	return out
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.persist()
}

func sortJobs(jobs []*models.DownloadJob) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
}
