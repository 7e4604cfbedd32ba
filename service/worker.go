package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/txrelay/contexthelper"
	"github.com/vultisig/txrelay/internal/tasks"
	"github.com/vultisig/txrelay/internal/types"
)

type CycleRunner interface {
	RunCycle(ctx context.Context) (int, error)
}

type NonceResyncer interface {
	ResyncAll(ctx context.Context) error
}

type WebhookSender interface {
	Send(ctx context.Context, url string, tx types.Transaction) error
}

// WorkerService adapts the relay loops to asynq task handlers.
type WorkerService struct {
	dispatcher CycleRunner
	reconciler CycleRunner
	recovery   CycleRunner
	nonces     NonceResyncer
	webhooks   WebhookSender
	metrics    metrics
	logger     *logrus.Entry
}

func NewWorker(dispatcher, reconciler, recovery CycleRunner, nonces NonceResyncer, webhooks WebhookSender, sdClient statsd.ClientInterface, logger *logrus.Logger) *WorkerService {
	entry := logger.WithField("service", "worker")
	return &WorkerService{
		dispatcher: dispatcher,
		reconciler: reconciler,
		recovery:   recovery,
		nonces:     nonces,
		webhooks:   webhooks,
		metrics:    newMetrics(sdClient, entry),
		logger:     entry,
	}
}

// Register binds every handler on mux.
func (s *WorkerService) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(tasks.TypeDispatch, s.HandleDispatch)
	mux.HandleFunc(tasks.TypeReconcile, s.HandleReconcile)
	mux.HandleFunc(tasks.TypeRecover, s.HandleRecover)
	mux.HandleFunc(tasks.TypeNonceResync, s.HandleNonceResync)
	mux.HandleFunc(tasks.TypeWebhook, s.HandleWebhook)
}

func (s *WorkerService) runCycle(ctx context.Context, name string, runner CycleRunner) error {
	if err := contexthelper.CheckCancellation(ctx); err != nil {
		return err
	}
	defer s.metrics.measureTime("worker."+name+".latency", time.Now(), nil)
	n, err := runner.RunCycle(ctx)
	if err != nil {
		s.metrics.incCounter("worker."+name+".error", nil)
		s.logger.WithError(err).WithField("cycle", name).Error("Cycle failed")
		return fmt.Errorf("%s cycle failed: %w", name, err)
	}
	if n > 0 {
		s.logger.WithFields(logrus.Fields{
			"cycle": name,
			"count": n,
		}).Debug("Cycle done")
	}
	return nil
}

func (s *WorkerService) HandleDispatch(ctx context.Context, _ *asynq.Task) error {
	return s.runCycle(ctx, "dispatch", s.dispatcher)
}

func (s *WorkerService) HandleReconcile(ctx context.Context, _ *asynq.Task) error {
	return s.runCycle(ctx, "reconcile", s.reconciler)
}

func (s *WorkerService) HandleRecover(ctx context.Context, _ *asynq.Task) error {
	return s.runCycle(ctx, "recover", s.recovery)
}

func (s *WorkerService) HandleNonceResync(ctx context.Context, _ *asynq.Task) error {
	if err := contexthelper.CheckCancellation(ctx); err != nil {
		return err
	}
	defer s.metrics.measureTime("worker.nonce_resync.latency", time.Now(), nil)
	if err := s.nonces.ResyncAll(ctx); err != nil {
		s.metrics.incCounter("worker.nonce_resync.error", nil)
		s.logger.WithError(err).Error("Nonce resync failed")
		return fmt.Errorf("nonce resync failed: %w", err)
	}
	return nil
}

func (s *WorkerService) HandleWebhook(ctx context.Context, t *asynq.Task) error {
	if err := contexthelper.CheckCancellation(ctx); err != nil {
		return err
	}
	var p tasks.WebhookPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		s.logger.Errorf("json.Unmarshal failed: %v", err)
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	if p.URL == "" {
		return fmt.Errorf("webhook without url: %w", asynq.SkipRetry)
	}
	s.metrics.incCounter("worker.webhook", []string{"status:" + string(p.Transaction.Status)})
	if err := s.webhooks.Send(ctx, p.URL, p.Transaction); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"queue_id": p.Transaction.QueueID,
			"url":      p.URL,
		}).Error("Webhook delivery failed")
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	return nil
}
