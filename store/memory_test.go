package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/AsianManiac/webtoon-scraper/models"
	"github.com/rs/zerolog"
)

func newJob(id string, seriesID int64) (*models.DownloadJob, *models.QueueEntry) {
	req := models.DownloadRequest{SeriesIDs: []int64{seriesID}, SeriesID: seriesID, ImagesFormat: models.FormatJPG}
	job := &models.DownloadJob{ID: id, SeriesID: seriesID, Status: models.StatusPending, Request: req}
	entry := &models.QueueEntry{ID: id, Payload: req, Status: models.QueuePending}
	return job, entry
}

func newTestStore(t *testing.T, dir string) *MemoryStore {
	t.Helper()
	s, err := NewMemoryStore(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewMemoryStore failed: %v", err)
	}
	return s
}

func TestClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "")
	job, entry := newJob("job-1", 42)
	if err := s.CreateJob(ctx, job, entry); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	const workers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.ClaimQueueEntry(ctx, "job-1", "worker")
			switch {
			case err == nil:
				mu.Lock()
				winners++
				mu.Unlock()
			case !errors.Is(err, ErrAlreadyClaimed):
				t.Errorf("unexpected claim error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("expected exactly one successful claim, got %d", winners)
	}
	if err := s.ClaimQueueEntry(ctx, "missing", "worker"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown entry, got %v", err)
	}
}

func TestUpdateJobStatusConditional(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "")
	job, entry := newJob("job-1", 1)
	if err := s.CreateJob(ctx, job, entry); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	tests := []struct {
		name    string
		to      models.JobStatus
		from    []models.JobStatus
		wantErr error
		want    models.JobStatus
	}{
		{"pending to in progress", models.StatusInProgress, []models.JobStatus{models.StatusPending}, nil, models.StatusInProgress},
		{"stale precondition", models.StatusCompleted, []models.JobStatus{models.StatusPending}, ErrStatusConflict, models.StatusInProgress},
		{"pause", models.StatusPaused, []models.JobStatus{models.StatusPending, models.StatusInProgress}, nil, models.StatusPaused},
		{"unconditional", models.StatusError, nil, nil, models.StatusError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.UpdateJobStatus(ctx, "job-1", tt.to, "", tt.from...)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("UpdateJobStatus() error = %v, want %v", err, tt.wantErr)
			}
			got, err := s.GetJob(ctx, "job-1")
			if err != nil {
				t.Fatalf("GetJob failed: %v", err)
			}
			if got.Status != tt.want {
				t.Errorf("status = %s, want %s", got.Status, tt.want)
			}
		})
	}
}

func TestTotalChaptersNeverDecreases(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "")
	job, entry := newJob("job-1", 1)
	s.CreateJob(ctx, job, entry)

	s.SetJobProgress(ctx, "job-1", 3, 10)
	s.SetJobProgress(ctx, "job-1", 4, 7)

	got, _ := s.GetJob(ctx, "job-1")
	if got.TotalChapters != 10 {
		t.Errorf("TotalChapters = %d, want 10", got.TotalChapters)
	}
	if got.CurrentChapter != 4 {
		t.Errorf("CurrentChapter = %d, want 4", got.CurrentChapter)
	}
}

func TestUpsertChapterRejectsInvalidRecords(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "")
	job, entry := newJob("job-1", 1)
	s.CreateJob(ctx, job, entry)

	tests := []struct {
		name    string
		rec     models.ChapterRecord
		wantErr bool
	}{
		{"in progress", models.ChapterRecord{JobID: "job-1", ChapterNumber: 1, Status: models.StatusInProgress, DownloadedImages: 2, TotalImages: 5}, false},
		{"completed", models.ChapterRecord{JobID: "job-1", ChapterNumber: 1, Status: models.StatusCompleted, DownloadedImages: 5, TotalImages: 5}, false},
		{"overflow", models.ChapterRecord{JobID: "job-1", ChapterNumber: 2, Status: models.StatusInProgress, DownloadedImages: 6, TotalImages: 5}, true},
		{"completed short", models.ChapterRecord{JobID: "job-1", ChapterNumber: 3, Status: models.StatusCompleted, DownloadedImages: 4, TotalImages: 5}, true},
		{"completed empty", models.ChapterRecord{JobID: "job-1", ChapterNumber: 4, Status: models.StatusCompleted}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := tt.rec
			err := s.UpsertChapter(ctx, &rec)
			if (err != nil) != tt.wantErr {
				t.Fatalf("UpsertChapter() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				var perr *models.PersistenceError
				if !errors.As(err, &perr) {
					t.Errorf("expected PersistenceError, got %T", err)
				}
			}
		})
	}

	recs, err := s.ListChapters(ctx, "job-1")
	if err != nil {
		t.Fatalf("ListChapters failed: %v", err)
	}
	if len(recs) != 1 || !recs[0].IsComplete() {
		t.Errorf("expected a single completed chapter, got %+v", recs)
	}
}

func TestEnqueueEntryLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "")
	job, entry := newJob("job-1", 1)
	s.CreateJob(ctx, job, entry)

	if ok, err := s.EnqueueEntry(ctx, entry); err != nil || !ok {
		t.Fatalf("EnqueueEntry on pending entry = %v, %v", ok, err)
	}
	if err := s.ClaimQueueEntry(ctx, "job-1", "w1"); err != nil {
		t.Fatalf("ClaimQueueEntry failed: %v", err)
	}
	if ok, err := s.EnqueueEntry(ctx, entry); err != nil || ok {
		t.Fatalf("EnqueueEntry on processing entry = %v, %v", ok, err)
	}
	if err := s.CompleteQueueEntry(ctx, "job-1"); err != nil {
		t.Fatalf("CompleteQueueEntry failed: %v", err)
	}
	if err := s.CompleteQueueEntry(ctx, "job-1"); !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("second CompleteQueueEntry error = %v", err)
	}
	if ok, err := s.EnqueueEntry(ctx, entry); err != nil || !ok {
		t.Fatalf("EnqueueEntry on completed entry = %v, %v", ok, err)
	}

	pending, _ := s.ListPendingQueueEntries(ctx, 10)
	if len(pending) != 1 || pending[0].ClaimedBy != "" {
		t.Fatalf("expected one unclaimed pending entry, got %+v", pending)
	}

	if err := s.CancelQueueEntry(ctx, "job-1"); err != nil {
		t.Fatalf("CancelQueueEntry failed: %v", err)
	}
	pending, _ = s.ListPendingQueueEntries(ctx, 10)
	if len(pending) != 0 {
		t.Errorf("expected no pending entries after cancel, got %d", len(pending))
	}
}

func TestListPendingOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "")
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	for _, id := range []string{"c", "a", "b"} {
		job, entry := newJob(id, 1)
		if err := s.CreateJob(ctx, job, entry); err != nil {
			t.Fatalf("CreateJob failed: %v", err)
		}
	}

	pending, err := s.ListPendingQueueEntries(ctx, 2)
	if err != nil {
		t.Fatalf("ListPendingQueueEntries failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(pending))
	}
	if pending[0].ID != "c" || pending[1].ID != "a" {
		t.Errorf("entries out of order: got %s, %s", pending[0].ID, pending[1].ID)
	}
}

func TestSnapshotReloadRecoversProcessingEntries(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s := newTestStore(t, dir)
	job, entry := newJob("job-1", 7)
	s.CreateJob(ctx, job, entry)
	s.UpsertChapter(ctx, &models.ChapterRecord{JobID: "job-1", ChapterNumber: 1, Status: models.StatusCompleted, DownloadedImages: 3, TotalImages: 3})
	if err := s.ClaimQueueEntry(ctx, "job-1", "w1"); err != nil {
		t.Fatalf("ClaimQueueEntry failed: %v", err)
	}
	s.QueueNotification(ctx, &models.Notification{JobID: "job-1", Recipient: "admin@example.com", Subject: "failed"})

	reloaded := newTestStore(t, dir)
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	got, err := reloaded.GetQueueEntry(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetQueueEntry failed: %v", err)
	}
	if got.Status != models.QueuePending || got.ClaimedBy != "" {
		t.Errorf("expected recovered pending entry, got %s claimed by %q", got.Status, got.ClaimedBy)
	}
	rec, err := reloaded.GetChapter(ctx, "job-1", 1)
	if err != nil || !rec.IsComplete() {
		t.Errorf("expected completed chapter after reload, got %+v, %v", rec, err)
	}
	if n := reloaded.Notifications(); len(n) != 1 {
		t.Errorf("expected 1 notification after reload, got %d", len(n))
	}
}

func TestFindJobsBySeries(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "")
	for i, series := range []int64{1, 2, 1} {
		job, entry := newJob(string(rune('a'+i)), series)
		s.CreateJob(ctx, job, entry)
	}
	s.UpdateJobStatus(ctx, "a", models.StatusCompleted, "")

	all, _ := s.FindJobsBySeries(ctx, 1)
	if len(all) != 2 {
		t.Errorf("expected 2 jobs for series 1, got %d", len(all))
	}
	active, _ := s.FindJobsBySeries(ctx, 1, models.StatusPending, models.StatusInProgress)
	if len(active) != 1 || active[0].ID != "c" {
		t.Errorf("expected only job c to be active, got %+v", active)
	}
	if _, err := s.GetJob(ctx, "zzz"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRecoverStaleEntries(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "")
	for _, id := range []string{"a", "b", "c"} {
		job, entry := newJob(id, 1)
		s.CreateJob(ctx, job, entry)
	}
	s.ClaimQueueEntry(ctx, "a", "node1-1")
	s.ClaimQueueEntry(ctx, "b", "node2-1")

	n, err := s.RecoverStaleEntries(ctx, "node1-")
	if err != nil || n != 1 {
		t.Fatalf("RecoverStaleEntries() = %d, %v", n, err)
	}
	a, _ := s.GetQueueEntry(ctx, "a")
	if a.Status != models.QueuePending || a.ClaimedBy != "" {
		t.Errorf("entry a = %+v", a)
	}
	if b, _ := s.GetQueueEntry(ctx, "b"); b.Status != models.QueueProcessing {
		t.Errorf("entry of another node was recovered: %+v", b)
	}

	// the recovered entry can be claimed and re-enqueued again
	if err := s.ClaimQueueEntry(ctx, "a", "node1-2"); err != nil {
		t.Errorf("ClaimQueueEntry after recovery failed: %v", err)
	}
	if n, _ := s.RecoverStaleEntries(ctx, ""); n != 2 {
		t.Errorf("empty prefix recovered %d entries, want 2", n)
	}
}

func TestFailedSnapshotLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "data")
	s := newTestStore(t, dir)
	job, entry := newJob("job-1", 1)
	if err := s.CreateJob(ctx, job, entry); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("RemoveAll failed: %v", err)
	}

	var perr *models.PersistenceError
	if err := s.UpdateJobStatus(ctx, "job-1", models.StatusPaused, ""); !errors.As(err, &perr) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
	if got, _ := s.GetJob(ctx, "job-1"); got.Status != models.StatusPending {
		t.Errorf("status changed to %s despite failed write", got.Status)
	}

	if err := s.ClaimQueueEntry(ctx, "job-1", "w1"); !errors.As(err, &perr) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
	if e, _ := s.GetQueueEntry(ctx, "job-1"); e.Status != models.QueuePending || e.ClaimedBy != "" {
		t.Errorf("entry changed despite failed write: %+v", e)
	}

	rec := &models.ChapterRecord{JobID: "job-1", ChapterNumber: 1, Status: models.StatusInProgress, TotalImages: 3}
	if err := s.UpsertChapter(ctx, rec); !errors.As(err, &perr) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
	if _, err := s.GetChapter(ctx, "job-1", 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("chapter stored despite failed write: %v", err)
	}

	job2, entry2 := newJob("job-2", 2)
	if err := s.CreateJob(ctx, job2, entry2); !errors.As(err, &perr) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
	if _, err := s.GetJob(ctx, "job-2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("job created despite failed write: %v", err)
	}
	if err := s.QueueNotification(ctx, &models.Notification{JobID: "job-1"}); !errors.As(err, &perr) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
	if n := s.Notifications(); len(n) != 0 {
		t.Errorf("notification kept despite failed write: %+v", n)
	}
}
