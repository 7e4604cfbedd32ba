package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/txrelay/internal/tasks"
	"github.com/vultisig/txrelay/internal/types"
)

// Notifier is told about every status change after it is stored.
type Notifier interface {
	Notify(ctx context.Context, tx types.Transaction)
}

type StatusPublisher interface {
	PublishStatus(ctx context.Context, event types.StatusEvent) error
}

type StatusSubscriber interface {
	SubscribeStatus(ctx context.Context, queueID uuid.UUID) (<-chan types.StatusEvent, func() error, error)
}

// TaskEnqueuer is the part of *asynq.Client the services use.
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// StatusNotifier publishes status events and schedules webhooks for terminal statuses.
// Delivery is best effort: failures are logged, never returned.
type StatusNotifier struct {
	publisher StatusPublisher
	queue     TaskEnqueuer
	webhooks  []string
	logger    *logrus.Entry
}

func NewStatusNotifier(publisher StatusPublisher, queue TaskEnqueuer, webhooks []string, logger *logrus.Logger) *StatusNotifier {
	return &StatusNotifier{
		publisher: publisher,
		queue:     queue,
		webhooks:  webhooks,
		logger:    logger.WithField("service", "notifier"),
	}
}

func (n *StatusNotifier) Notify(ctx context.Context, tx types.Transaction) {
	logger := n.logger.WithFields(logrus.Fields{
		"queue_id": tx.QueueID,
		"status":   tx.Status,
	})
	if n.publisher != nil {
		event := types.StatusEvent{
			QueueID:         tx.QueueID,
			Status:          tx.Status,
			TransactionHash: tx.TransactionHash,
			ErrorMessage:    tx.ErrorMessage,
			At:              time.Now().UTC(),
		}
		if err := n.publisher.PublishStatus(ctx, event); err != nil {
			logger.WithError(err).Warn("Fail to publish status event")
		}
	}
	if n.queue == nil || !tx.Status.IsTerminal() {
		return
	}
	for _, url := range n.webhooks {
		task, err := tasks.NewWebhook(url, tx)
		if err != nil {
			logger.WithError(err).Error("Fail to build webhook task")
			continue
		}
		_, err = n.queue.EnqueueContext(ctx, task,
			asynq.MaxRetry(5),
			asynq.Timeout(time.Minute),
			asynq.Retention(time.Hour),
			asynq.Queue(tasks.WEBHOOK_QUEUE_NAME),
		)
		if err != nil {
			logger.WithError(err).WithField("url", url).Error("Fail to enqueue webhook")
		}
	}
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, types.Transaction) {}

// notifyStored re-reads queueID and notifies about its stored state.
func notifyStored(ctx context.Context, getter interface {
	GetTransaction(ctx context.Context, queueID uuid.UUID) (*types.Transaction, error)
}, notifier Notifier, queueID uuid.UUID) {
	tx, err := getter.GetTransaction(ctx, queueID)
	if err != nil {
		logrus.WithError(err).WithField("queue_id", queueID).Warn("Fail to load transaction for notification")
		return
	}
	notifier.Notify(ctx, *tx)
}
