// Package notify reports failed download jobs.
package notify

import (
	"context"
	"fmt"

	"github.com/AsianManiac/webtoon-scraper/models"
	"github.com/rs/zerolog"
)

type Notifier interface {
	JobFailed(ctx context.Context, job *models.DownloadJob, cause error) error
}

// Outbox is the part of the store the outbox notifier writes to
type Outbox interface {
	QueueNotification(ctx context.Context, n *models.Notification) error
}

// LogNotifier only logs the failure
type LogNotifier struct {
	log zerolog.Logger
}

func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) JobFailed(ctx context.Context, job *models.DownloadJob, cause error) error {
	n.log.Error().Err(cause).Str("job_id", job.ID).Int64("series_id", job.SeriesID).Msg("Download failed")
	return nil
}

// OutboxNotifier queues an e-mail record for the administrator. Delivery is
// handled outside this service.
type OutboxNotifier struct {
	outbox    Outbox
	recipient string
	log       zerolog.Logger
}

func NewOutboxNotifier(outbox Outbox, recipient string, log zerolog.Logger) *OutboxNotifier {
	return &OutboxNotifier{outbox: outbox, recipient: recipient, log: log}
}

func (n *OutboxNotifier) JobFailed(ctx context.Context, job *models.DownloadJob, cause error) error {
	rec := &models.Notification{
		JobID:     job.ID,
		Recipient: n.recipient,
		Subject:   "Download Error",
		Body:      fmt.Sprintf("An error occurred while downloading webtoon with ID %d (job %s). Error: %v", job.SeriesID, job.ID, cause),
		Status:    models.NotificationQueued,
	}
	if err := n.outbox.QueueNotification(ctx, rec); err != nil {
		return fmt.Errorf("failed to queue failure notification: %w", err)
	}
	n.log.Info().Str("job_id", job.ID).Int64("notification", rec.ID).Msg("Queued failure notification")
	return nil
}
