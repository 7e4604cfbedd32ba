package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/txrelay/internal/chain"
	"github.com/vultisig/txrelay/internal/types"
	"github.com/vultisig/txrelay/storage"
)

type RecoveryConfig struct {
	BatchSize        int
	ProcessedTimeout time.Duration
}

// Recovery finds transactions left in processed by a crashed or stalled dispatcher.
// Unsigned rows go back to the queue keeping their nonce; signed rows are broadcast
// again from the stored payload.
type Recovery struct {
	cfg      RecoveryConfig
	store    storage.TransactionStore
	chains   ChainClients
	signers  SignerSource
	nonces   NonceAllocator
	notifier Notifier
	metrics  metrics
	logger   *logrus.Entry
	now      func() time.Time
}

func NewRecovery(cfg RecoveryConfig, store storage.TransactionStore, chains ChainClients, signers SignerSource, nonces NonceAllocator, notifier Notifier, sdClient statsd.ClientInterface, logger *logrus.Logger) *Recovery {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.ProcessedTimeout <= 0 {
		cfg.ProcessedTimeout = 5 * time.Minute
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	entry := logger.WithField("service", "recovery")
	return &Recovery{
		cfg:      cfg,
		store:    store,
		chains:   chains,
		signers:  signers,
		nonces:   nonces,
		notifier: notifier,
		metrics:  newMetrics(sdClient, entry),
		logger:   entry,
		now:      time.Now,
	}
}

func (r *Recovery) RunCycle(ctx context.Context) (int, error) {
	stale, err := r.store.GetStaleProcessedTransactions(ctx, r.now().Add(-r.cfg.ProcessedTimeout), r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("fail to get stale transactions: %w", err)
	}
	for _, tx := range stale {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		r.recover(ctx, tx)
	}
	return len(stale), nil
}

func (r *Recovery) recover(ctx context.Context, tx types.Transaction) {
	logger := r.logger.WithFields(logrus.Fields{
		"queue_id": tx.QueueID,
		"chain_id": tx.ChainID,
	})
	if tx.SignedRaw == nil {
		if err := r.store.ReleaseTransaction(ctx, tx.Claim(), false); err != nil {
			if !errors.Is(err, types.ErrInvalidState) {
				logger.WithError(err).Error("Fail to requeue stale transaction")
			}
			return
		}
		logger.Warn("Stale transaction requeued")
		r.metrics.incCounter("recovery.requeued", []string{chainTag(tx.ChainID)})
		return
	}

	client, err := r.chains.Client(tx.ChainID)
	if err != nil {
		logger.WithError(err).Error("No client for transaction chain")
		return
	}
	signed, err := decodeSignedRaw(*tx.SignedRaw)
	if err != nil {
		r.fail(ctx, logger, tx, err.Error())
		return
	}
	err = broadcast(ctx, client, signed)
	switch {
	case err == nil, chain.IsNonceTooLow(err):
		// nonce too low: this payload or a replacement already landed; receipts decide
		if err := r.store.MarkSubmitted(ctx, tx.Claim(), r.now().UTC()); err != nil {
			if !errors.Is(err, types.ErrInvalidState) {
				logger.WithError(err).Error("Fail to mark recovered transaction submitted")
			}
			return
		}
		logger.WithField("hash", signed.Hash().Hex()).Info("Stale transaction rebroadcast")
		r.metrics.incCounter("recovery.rebroadcast", []string{chainTag(tx.ChainID)})
		notifyStored(ctx, r.store, r.notifier, tx.QueueID)
	case chain.IsRejected(err):
		if !r.fail(ctx, logger, tx, fmt.Sprintf("%v: %v", types.ErrBroadcastFailed, err)) || tx.Nonce == nil {
			return
		}
		if s, serr := r.signers.ForWallet(ctx, tx.FromAddress); serr == nil {
			if _, rerr := r.nonces.Release(ctx, s.Sender().Hex(), tx.ChainID, *tx.Nonce); rerr != nil {
				logger.WithError(rerr).Error("Fail to release nonce")
			}
		}
	default:
		logger.WithError(err).Warn("Rebroadcast failed, will try again")
	}
}

// fail errors the stale row unless its claim moved on. It reports whether it did.
func (r *Recovery) fail(ctx context.Context, logger *logrus.Entry, tx types.Transaction, message string) bool {
	if err := r.store.FailClaim(ctx, tx.Claim(), message); err != nil {
		logger.WithError(err).Error("Fail to mark stale transaction errored")
		return false
	}
	logger.WithField("error", message).Error("Stale transaction errored")
	notifyStored(ctx, r.store, r.notifier, tx.QueueID)
	return true
}
