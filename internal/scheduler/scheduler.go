// Package scheduler drives the relay's background loops by enqueuing one asynq task
// per cycle. Uniqueness on the task keeps replicas from running the same cycle twice.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/txrelay/config"
	"github.com/vultisig/txrelay/internal/tasks"
)

type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Loop is one periodic background task.
type Loop struct {
	TaskType string
	Interval time.Duration
}

// LoopsFromConfig lists the relay loops with their configured intervals.
func LoopsFromConfig(cfg config.WorkerConfig) []Loop {
	return []Loop{
		{TaskType: tasks.TypeDispatch, Interval: cfg.DispatchInterval},
		{TaskType: tasks.TypeReconcile, Interval: cfg.ReconcileInterval},
		{TaskType: tasks.TypeRecover, Interval: cfg.RecoveryInterval},
		{TaskType: tasks.TypeNonceResync, Interval: cfg.NonceResyncInterval},
	}
}

type SchedulerService struct {
	client Enqueuer
	loops  []Loop
	logger *logrus.Entry
	done   chan struct{}
	wg     sync.WaitGroup
}

func NewSchedulerService(client Enqueuer, loops []Loop, logger *logrus.Logger) *SchedulerService {
	return &SchedulerService{
		client: client,
		loops:  loops,
		logger: logger.WithField("service", "scheduler"),
		done:   make(chan struct{}),
	}
}

func (s *SchedulerService) Start() {
	for _, loop := range s.loops {
		if loop.Interval <= 0 {
			s.logger.WithField("task", loop.TaskType).Warn("Loop disabled, no interval")
			continue
		}
		s.wg.Add(1)
		go s.run(loop)
	}
}

// Stop ends every loop and waits for them to return.
func (s *SchedulerService) Stop() {
	close(s.done)
	s.wg.Wait()
}

func (s *SchedulerService) run(loop Loop) {
	defer s.wg.Done()
	ticker := time.NewTicker(loop.Interval)
	defer ticker.Stop()

	logger := s.logger.WithFields(logrus.Fields{
		"task":     loop.TaskType,
		"interval": loop.Interval,
	})
	logger.Info("Scheduler loop started")
	for {
		select {
		case <-ticker.C:
			if err := s.enqueue(loop); err != nil {
				logger.WithError(err).Error("Failed to enqueue cycle")
			}
		case <-s.done:
			logger.Info("Scheduler loop stopped")
			return
		}
	}
}

func (s *SchedulerService) enqueue(loop Loop) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.client.EnqueueContext(ctx, tasks.NewCycleTask(loop.TaskType),
		asynq.MaxRetry(0),
		asynq.Unique(loop.Interval),
		asynq.Timeout(loop.Interval+time.Minute),
		asynq.Queue(tasks.QUEUE_NAME),
	)
	if errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	return err
}
