// Package pipeline downloads the chapters of a single job, checkpointing
// every stored page so an interrupted job resumes where it stopped.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/AsianManiac/webtoon-scraper/extractor"
	"github.com/AsianManiac/webtoon-scraper/imagesink"
	"github.com/AsianManiac/webtoon-scraper/models"
	"github.com/AsianManiac/webtoon-scraper/notify"
	"github.com/AsianManiac/webtoon-scraper/store"
	"github.com/rs/zerolog"
)

// Outcome is how a single run of a job ended
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	// OutcomePaused means the run stopped at a chapter boundary because the job was paused
	OutcomePaused
	// OutcomeIncomplete means some pages failed; the job stays IN_PROGRESS
	OutcomeIncomplete
	OutcomeFailed
	// OutcomeSkipped means the job was not runnable
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomePaused:
		return "paused"
	case OutcomeIncomplete:
		return "incomplete"
	case OutcomeFailed:
		return "failed"
	case OutcomeSkipped:
		return "skipped"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Publisher receives progress events
type Publisher interface {
	Publish(event models.ProgressEvent)
}

type Options struct {
	MaxRetries    int
	RetryCooldown time.Duration
	RetryExponent float64
	ImageTimeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxRetries < 1 {
		o.MaxRetries = 3
	}
	if o.RetryExponent <= 0 {
		o.RetryExponent = 2
	}
	if o.ImageTimeout <= 0 {
		o.ImageTimeout = 30 * time.Second
	}
	return o
}

type Pipeline struct {
	store     store.Store
	extractor extractor.Extractor
	sink      imagesink.Sink
	events    Publisher
	notifier  notify.Notifier
	opts      Options
	log       zerolog.Logger
}

func New(st store.Store, ex extractor.Extractor, sink imagesink.Sink, events Publisher, notifier notify.Notifier, opts Options, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		store:     st,
		extractor: ex,
		sink:      sink,
		events:    events,
		notifier:  notifier,
		opts:      opts.withDefaults(),
		log:       log,
	}
}

// run carries the state of one execution of a job
type run struct {
	job    *models.DownloadJob
	req    models.DownloadRequest
	series *extractor.Series
	log    zerolog.Logger
}

func (r *run) event(chapter, downloaded, total int, status models.JobStatus, message string) models.ProgressEvent {
	e := models.ProgressEvent{
		JobID:            r.job.ID,
		SeriesID:         r.job.SeriesID,
		ChapterNumber:    chapter,
		DownloadedImages: downloaded,
		TotalImages:      total,
		Status:           status,
		Message:          message,
	}
	if r.series != nil {
		e.SeriesTitle = r.series.Title
	}
	return e
}

// Run executes the job behind a claimed queue entry
func (p *Pipeline) Run(ctx context.Context, entry *models.QueueEntry) (Outcome, error) {
	job, err := p.store.GetJob(ctx, entry.ID)
	if errors.Is(err, store.ErrNotFound) {
		p.log.Warn().Str("entry_id", entry.ID).Msg("Queue entry has no job")
		return OutcomeSkipped, nil
	}
	if err != nil {
		return OutcomeFailed, err
	}

	r := &run{
		job: job,
		req: job.Request,
		log: p.log.With().Str("job_id", job.ID).Int64("series_id", job.SeriesID).Logger(),
	}
	if r.req.SeriesID == 0 {
		r.req = entry.Payload
	}

	if !job.Status.IsActive() {
		r.log.Info().Str("status", job.Status.String()).Msg("Job is not runnable, skipping")
		return OutcomeSkipped, nil
	}
	err = p.store.UpdateJobStatus(ctx, job.ID, models.StatusInProgress, "", models.StatusPending, models.StatusInProgress)
	if errors.Is(err, store.ErrStatusConflict) {
		r.log.Info().Msg("Job changed state before start, skipping")
		return OutcomeSkipped, nil
	}
	if err != nil {
		return p.fail(ctx, r, err)
	}
	job.Status = models.StatusInProgress
	p.events.Publish(r.event(0, 0, 0, models.StatusInProgress, "Download started"))

	series, err := p.extractor.Series(ctx, job.SeriesID)
	if err != nil {
		return p.fail(ctx, r, err)
	}
	r.series = series

	chapters, err := p.FetchChapterList(ctx, series, r.req.FirstChapter(), r.req.EndChapter, r.req.DownloadLatestChapter)
	if err != nil {
		return p.fail(ctx, r, err)
	}
	if err := p.store.SetJobProgress(ctx, job.ID, 0, len(chapters)); err != nil {
		return p.fail(ctx, r, err)
	}

	resumeAt, err := p.ResolveResumePoint(ctx, job.ID, r.req)
	if err != nil {
		return p.fail(ctx, r, err)
	}
	r.log.Info().Str("title", series.Title).Int("chapters", len(chapters)).Int("resume_at", resumeAt).Msg("Starting download")

	for _, ch := range chapters {
		if ch.Number < resumeAt {
			continue
		}

		current, err := p.store.GetJob(ctx, job.ID)
		if err != nil {
			return p.fail(ctx, r, err)
		}
		if current.Status != models.StatusInProgress {
			r.log.Info().Int("chapter", ch.Number).Str("status", current.Status.String()).Msg("Stopping at chapter boundary")
			return OutcomePaused, nil
		}

		rec, err := p.store.GetChapter(ctx, job.ID, ch.Number)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return p.fail(ctx, r, err)
		}
		if rec != nil && rec.IsComplete() {
			continue
		}

		if err := p.downloadChapter(ctx, r, ch); err != nil {
			return p.fail(ctx, r, err)
		}
	}

	return p.finish(ctx, r, chapters)
}

func (p *Pipeline) downloadChapter(ctx context.Context, r *run, ch extractor.Chapter) error {
	log := r.log.With().Int("chapter", ch.Number).Logger()

	if err := p.store.SetJobProgress(ctx, r.job.ID, ch.Number, 0); err != nil {
		return err
	}
	urls, err := p.extractor.ImageURLs(ctx, r.series, ch)
	if err != nil {
		return err
	}
	if len(urls) == 0 {
		return &models.ExtractionError{SeriesID: r.job.SeriesID, Chapter: ch.Number, Op: "image urls", Err: errors.New("no images found")}
	}

	dir := imagesink.ChapterDir(r.series.Title, ch.Number, r.req.SeparateChapters)
	rec := &models.ChapterRecord{
		JobID:         r.job.ID,
		ChapterNumber: ch.Number,
		Status:        models.StatusInProgress,
		TotalImages:   len(urls),
		SourcePath:    p.sink.Location(dir),
	}
	if err := p.store.UpsertChapter(ctx, rec); err != nil {
		return err
	}
	p.events.Publish(r.event(ch.Number, 0, rec.TotalImages, models.StatusInProgress, ""))

	for i, url := range urls {
		if err := ctx.Err(); err != nil {
			return err
		}
		page := imagesink.Page{
			SeriesTitle:      r.series.Title,
			Chapter:          ch.Number,
			Number:           i + 1,
			Format:           r.req.ImagesFormat,
			SeparateChapters: r.req.SeparateChapters,
		}
		raw, err := p.storePage(ctx, page, url)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn().Err(err).Int("page", page.Number).Msg("Skipping image")
			continue
		}

		if i == coverPage(len(urls)) {
			rec.ChapterImage = p.storeCover(ctx, r, ch, raw)
		}
		rec.DownloadedImages++
		if rec.DownloadedImages == rec.TotalImages {
			rec.Status = models.StatusCompleted
		}
		if err := p.store.UpsertChapter(ctx, rec); err != nil {
			return err
		}
		p.events.Publish(r.event(ch.Number, rec.DownloadedImages, rec.TotalImages, rec.Status, ""))
	}

	if rec.IsComplete() {
		log.Info().Int("images", rec.TotalImages).Msg("Chapter downloaded")
	} else {
		log.Warn().Int("downloaded", rec.DownloadedImages).Int("images", rec.TotalImages).Msg("Chapter incomplete")
	}
	return nil
}

// coverPage is the index of the page used as chapter thumbnail
func coverPage(pages int) int {
	if pages > 2 {
		return 2
	}
	return 0
}

// storeCover saves a page as the chapter thumbnail and returns its location.
// Failures are logged and leave the chapter without a thumbnail.
func (p *Pipeline) storeCover(ctx context.Context, r *run, ch extractor.Chapter, raw []byte) string {
	key := imagesink.CoverKey(r.series.Title, ch.Number, r.req.SeparateChapters)
	data, err := imagesink.Encode(raw, models.FormatJPG)
	if err == nil {
		err = p.sink.Put(ctx, key, data, imagesink.ContentType(models.FormatJPG))
	}
	if err != nil {
		r.log.Warn().Err(err).Int("chapter", ch.Number).Msg("Failed to store chapter thumbnail")
		return ""
	}
	return p.sink.Location(key)
}

// storePage fetches one image with retries, writes it to the sink and returns
// the fetched bytes. Every failure is reported as an ImageFetchError.
func (p *Pipeline) storePage(ctx context.Context, page imagesink.Page, url string) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	for tries := 0; tries < p.opts.MaxRetries; tries++ {
		if tries > 0 {
			p.waitForRetry(ctx, tries-1)
		}
		data, err = p.fetchImage(ctx, url)
		if err == nil {
			err = imagesink.Save(ctx, p.sink, page, data)
		}
		if err == nil || ctx.Err() != nil {
			break
		}
	}
	if err != nil {
		return nil, &models.ImageFetchError{Chapter: page.Chapter, Page: page.Number, URL: url, Err: err}
	}
	return data, nil
}

func (p *Pipeline) fetchImage(ctx context.Context, url string) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.opts.ImageTimeout)
	defer cancel()
	return p.extractor.FetchImage(callCtx, url)
}

func (p *Pipeline) waitForRetry(ctx context.Context, tries int) {
	cooldown := float64(p.opts.RetryCooldown) * math.Pow(p.opts.RetryExponent, float64(tries))
	select {
	case <-ctx.Done():
	case <-time.After(time.Duration(cooldown)):
	}
}

func (p *Pipeline) finish(ctx context.Context, r *run, chapters []extractor.Chapter) (Outcome, error) {
	recs, err := p.store.ListChapters(ctx, r.job.ID)
	if err != nil {
		return p.fail(ctx, r, err)
	}
	completed := make(map[int]bool, len(recs))
	for _, rec := range recs {
		completed[rec.ChapterNumber] = rec.IsComplete()
	}
	missing := 0
	for _, ch := range chapters {
		if !completed[ch.Number] {
			missing++
		}
	}

	if missing > 0 {
		current, err := p.store.GetJob(ctx, r.job.ID)
		if err != nil {
			return p.fail(ctx, r, err)
		}
		if current.Status != models.StatusInProgress {
			r.log.Info().Int("missing", missing).Str("status", current.Status.String()).Msg("Job paused with incomplete chapters")
			return OutcomePaused, nil
		}
		msg := fmt.Sprintf("%d of %d chapters incomplete, resume to retry", missing, len(chapters))
		r.log.Warn().Int("missing", missing).Msg("Download incomplete")
		p.events.Publish(r.event(0, 0, 0, models.StatusInProgress, msg))
		return OutcomeIncomplete, nil
	}

	err = p.store.UpdateJobStatus(ctx, r.job.ID, models.StatusCompleted, "", models.StatusInProgress)
	if errors.Is(err, store.ErrStatusConflict) {
		r.log.Info().Msg("Job paused before completion")
		return OutcomePaused, nil
	}
	if err != nil {
		return p.fail(ctx, r, err)
	}
	r.log.Info().Int("chapters", len(chapters)).Msg("Download completed")
	p.events.Publish(r.event(0, 0, 0, models.StatusCompleted, "Download completed"))
	return OutcomeCompleted, nil
}

// fail moves the job to ERROR and notifies. A cancelled context leaves the
// job untouched so it runs again after restart.
func (p *Pipeline) fail(ctx context.Context, r *run, cause error) (Outcome, error) {
	if ctx.Err() != nil {
		r.log.Warn().Err(cause).Msg("Run interrupted")
		return OutcomeIncomplete, ctx.Err()
	}

	msg := fmt.Sprintf("Error downloading series: %v", cause)
	err := p.store.UpdateJobStatus(ctx, r.job.ID, models.StatusError, msg, models.StatusPending, models.StatusInProgress)
	if errors.Is(err, store.ErrStatusConflict) {
		// paused while the chapter was running; the chapter is retried on resume
		return p.yield(ctx, r, cause)
	}
	r.log.Error().Err(cause).Msg("Download failed")
	if err != nil {
		r.log.Error().Err(err).Msg("Failed to record job error")
	}
	p.events.Publish(r.event(0, 0, 0, models.StatusError, msg))
	if err := p.notifier.JobFailed(ctx, r.job, cause); err != nil {
		r.log.Error().Err(err).Msg("Failed to notify about job error")
	}
	return OutcomeFailed, cause
}

// yield reports the status another actor moved the job to instead of ERROR
func (p *Pipeline) yield(ctx context.Context, r *run, cause error) (Outcome, error) {
	current, err := p.store.GetJob(ctx, r.job.ID)
	if err != nil {
		r.log.Error().Err(err).Msg("Failed to reload job after status conflict")
		return OutcomeFailed, cause
	}
	r.log.Warn().Err(cause).Str("status", current.Status.String()).Msg("Job changed state during failed run, not marking it failed")
	if current.Status != models.StatusPaused {
		return OutcomeSkipped, nil
	}
	p.events.Publish(r.event(0, 0, 0, models.StatusPaused, "Download paused"))
	return OutcomePaused, nil
}
