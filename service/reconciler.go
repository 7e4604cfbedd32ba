package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/vultisig/txrelay/internal/types"
	"github.com/vultisig/txrelay/storage"
)

type ReconcilerConfig struct {
	BatchSize        int
	Concurrency      int
	StuckAfterChecks int
}

// Reconciler polls receipts of submitted transactions and records their outcome.
type Reconciler struct {
	cfg      ReconcilerConfig
	store    storage.TransactionStore
	chains   ChainClients
	notifier Notifier
	metrics  metrics
	logger   *logrus.Entry
	now      func() time.Time
}

func NewReconciler(cfg ReconcilerConfig, store storage.TransactionStore, chains ChainClients, notifier Notifier, sdClient statsd.ClientInterface, logger *logrus.Logger) *Reconciler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	entry := logger.WithField("service", "reconciler")
	return &Reconciler{
		cfg:      cfg,
		store:    store,
		chains:   chains,
		notifier: notifier,
		metrics:  newMetrics(sdClient, entry),
		logger:   entry,
		now:      time.Now,
	}
}

// RunCycle checks one batch of submitted transactions.
func (r *Reconciler) RunCycle(ctx context.Context) (int, error) {
	defer r.metrics.measureTime("reconciler.cycle.latency", time.Now(), nil)
	submitted, err := r.store.GetSubmittedTransactions(ctx, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("fail to get submitted transactions: %w", err)
	}
	if len(submitted) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for _, tx := range submitted {
		tx := tx
		g.Go(func() error {
			r.check(gctx, tx)
			return nil
		})
	}
	_ = g.Wait()
	return len(submitted), nil
}

func (r *Reconciler) check(ctx context.Context, tx types.Transaction) {
	logger := r.logger.WithFields(logrus.Fields{
		"queue_id": tx.QueueID,
		"chain_id": tx.ChainID,
	})
	client, err := r.chains.Client(tx.ChainID)
	if err != nil {
		logger.WithError(err).Error("No client for transaction chain")
		return
	}
	receipt, err := findReceipt(ctx, client, broadcastHashes(tx))
	if err != nil {
		logger.WithError(err).Warn("Fail to check receipt")
		return
	}

	if receipt == nil {
		checks, err := r.store.IncrementReceiptChecks(ctx, tx.QueueID)
		if err != nil {
			if !errors.Is(err, types.ErrInvalidState) {
				logger.WithError(err).Error("Fail to count receipt check")
			}
			return
		}
		if r.cfg.StuckAfterChecks > 0 && checks >= r.cfg.StuckAfterChecks {
			logger.WithField("receipt_checks", checks).Warn("Transaction looks stuck, consider a retry with higher fees")
			r.metrics.incCounter("reconciler.stuck", []string{chainTag(tx.ChainID)})
		}
		return
	}

	status, err := recordReceipt(ctx, r.store, tx, receipt, r.now().UTC())
	if err != nil {
		if errors.Is(err, types.ErrInvalidState) {
			// cancelled or retried concurrently; the next cycle sees the new row
			logger.WithError(err).Debug("Transaction changed while reconciling")
			return
		}
		logger.WithError(err).Error("Fail to record receipt")
		return
	}
	logger.WithFields(logrus.Fields{
		"hash":   receipt.TxHash.Hex(),
		"status": status,
	}).Info("Transaction reconciled")
	r.metrics.incCounter("reconciler.transaction", []string{chainTag(tx.ChainID), "outcome:" + string(status)})
	notifyStored(ctx, r.store, r.notifier, tx.QueueID)
}
