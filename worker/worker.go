package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AsianManiac/webtoon-scraper/models"
	"github.com/AsianManiac/webtoon-scraper/pipeline"
	"github.com/AsianManiac/webtoon-scraper/store"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// bookkeepingTimeout bounds queue updates made after the run context is gone
const bookkeepingTimeout = 10 * time.Second

const completeAttempts = 3

// Runner executes the job behind a claimed queue entry
type Runner interface {
	Run(ctx context.Context, entry *models.QueueEntry) (pipeline.Outcome, error)
}

type Options struct {
	Workers      int
	PollInterval time.Duration
	BatchSize    int
	WorkerPrefix string
}

// Dispatcher runs a fixed number of workers that poll the queue, claim an
// entry and hand it to the runner.
type Dispatcher struct {
	store  store.Store
	runner Runner
	opts   Options
	log    zerolog.Logger
}

func NewDispatcher(st store.Store, runner Runner, opts Options, log zerolog.Logger) *Dispatcher {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 10
	}
	if opts.WorkerPrefix == "" {
		opts.WorkerPrefix = "worker"
	}
	return &Dispatcher{store: st, runner: runner, opts: opts, log: log}
}

// Run blocks until ctx is cancelled. Entries left PROCESSING by an earlier
// process with the same worker prefix are queued again first.
func (d *Dispatcher) Run(ctx context.Context) error {
	recovered, err := d.store.RecoverStaleEntries(ctx, d.opts.WorkerPrefix+"-")
	if err != nil {
		return fmt.Errorf("failed to recover stale queue entries: %w", err)
	}
	if recovered > 0 {
		d.log.Warn().Int("entries", recovered).Msg("Recovered entries left in progress by a previous run")
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := range d.opts.Workers {
		workerID := fmt.Sprintf("%s-%d", d.opts.WorkerPrefix, i+1)
		g.Go(func() error {
			d.loop(ctx, workerID)
			return nil
		})
	}
	d.log.Info().Int("workers", d.opts.Workers).Dur("poll_interval", d.opts.PollInterval).Msg("Dispatcher started")
	return g.Wait()
}

func (d *Dispatcher) loop(ctx context.Context, workerID string) {
	log := d.log.With().Str("worker", workerID).Logger()
	log.Info().Msg("Worker starting")
	for {
		processed, err := d.Poll(ctx, workerID)
		if ctx.Err() != nil {
			log.Info().Msg("Worker stopping")
			return
		}
		if err != nil {
			log.Error().Err(err).Msg("Queue poll failed")
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			log.Info().Msg("Worker stopping")
			return
		case <-time.After(d.opts.PollInterval):
		}
	}
}

// Poll claims and processes at most one pending entry. It reports whether an
// entry was processed.
func (d *Dispatcher) Poll(ctx context.Context, workerID string) (bool, error) {
	entries, err := d.store.ListPendingQueueEntries(ctx, d.opts.BatchSize)
	if err != nil {
		return false, err
	}
	for _, entry := range entries {
		err := d.store.ClaimQueueEntry(ctx, entry.ID, workerID)
		if errors.Is(err, store.ErrAlreadyClaimed) || errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return false, err
		}
		d.process(ctx, workerID, entry)
		return true, nil
	}
	return false, nil
}

func (d *Dispatcher) process(ctx context.Context, workerID string, entry *models.QueueEntry) {
	log := d.log.With().Str("worker", workerID).Str("entry_id", entry.ID).Logger()
	log.Info().Msg("Processing entry")

	outcome, err := d.runSafely(ctx, entry)
	if err != nil {
		log.Error().Err(err).Str("outcome", outcome.String()).Msg("Run finished with error")
	} else {
		log.Info().Str("outcome", outcome.String()).Msg("Run finished")
	}

	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()

	if err := d.completeEntry(bctx, entry.ID); err != nil {
		log.Error().Err(err).Msg("Failed to complete queue entry, it stays claimed until the next start")
		return
	}

	requeue := false
	switch {
	case ctx.Err() != nil:
		requeue = true
	case outcome == pipeline.OutcomePaused:
		// resumed while the run was winding down
		job, err := d.store.GetJob(bctx, entry.ID)
		if err != nil {
			log.Error().Err(err).Msg("Failed to reload paused job")
			return
		}
		requeue = job.Status == models.StatusInProgress
	}
	if !requeue {
		return
	}
	if _, err := d.store.EnqueueEntry(bctx, entry); err != nil {
		log.Error().Err(err).Msg("Failed to re-enqueue entry")
		return
	}
	log.Info().Msg("Entry re-enqueued")
}

func (d *Dispatcher) completeEntry(ctx context.Context, entryID string) error {
	var err error
	for tries := range completeAttempts {
		if tries > 0 {
			select {
			case <-ctx.Done():
				return err
			case <-time.After(time.Duration(tries) * 500 * time.Millisecond):
			}
		}
		err = d.store.CompleteQueueEntry(ctx, entryID)
		if err == nil || errors.Is(err, store.ErrStatusConflict) || errors.Is(err, store.ErrNotFound) {
			return err
		}
	}
	return err
}

func (d *Dispatcher) runSafely(ctx context.Context, entry *models.QueueEntry) (outcome pipeline.Outcome, err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		outcome = pipeline.OutcomeFailed
		err = fmt.Errorf("panic while running job %s: %v", entry.ID, r)
		msg := fmt.Sprintf("Internal error: %v", r)
		if uerr := d.store.UpdateJobStatus(context.WithoutCancel(ctx), entry.ID, models.StatusError, msg, models.StatusPending, models.StatusInProgress); uerr != nil {
			d.log.Error().Err(uerr).Str("job_id", entry.ID).Msg("Failed to record panic on job")
		}
	}()
	return d.runner.Run(ctx, entry)
}
