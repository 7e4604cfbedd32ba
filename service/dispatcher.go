package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/vultisig/txrelay/internal/chain"
	"github.com/vultisig/txrelay/internal/signer"
	"github.com/vultisig/txrelay/internal/types"
	"github.com/vultisig/txrelay/storage"
)

type ChainClients interface {
	Client(chainID int64) (chain.Client, error)
}

type SignerSource interface {
	ForWallet(ctx context.Context, address string) (signer.Signer, error)
}

type NonceAllocator interface {
	Allocate(ctx context.Context, claim types.Claim, account string, chainID int64) (uint64, error)
	Release(ctx context.Context, account string, chainID int64, nonce uint64) (bool, error)
}

type DispatcherConfig struct {
	BatchSize             int
	Concurrency           int
	GasLimitBufferPercent int64
}

// Dispatcher moves queued transactions to the chain: claim, simulate, allocate a
// nonce, sign, record, broadcast.
type Dispatcher struct {
	cfg      DispatcherConfig
	store    storage.TransactionStore
	nonces   NonceAllocator
	signers  SignerSource
	chains   ChainClients
	notifier Notifier
	metrics  metrics
	logger   *logrus.Entry
	now      func() time.Time
}

func NewDispatcher(cfg DispatcherConfig, store storage.TransactionStore, nonces NonceAllocator, signers SignerSource, chains ChainClients, notifier Notifier, sdClient statsd.ClientInterface, logger *logrus.Logger) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	entry := logger.WithField("service", "dispatcher")
	return &Dispatcher{
		cfg:      cfg,
		store:    store,
		nonces:   nonces,
		signers:  signers,
		chains:   chains,
		notifier: notifier,
		metrics:  newMetrics(sdClient, entry),
		logger:   entry,
		now:      time.Now,
	}
}

// RunCycle claims one batch and processes it with bounded parallelism.
// Rows sharing a nonce account run one after another in claim order, so nonces
// follow queue order; different accounts run in parallel.
// Per-transaction failures are recorded on the transaction, not returned.
func (d *Dispatcher) RunCycle(ctx context.Context) (int, error) {
	defer d.metrics.measureTime("dispatcher.cycle.latency", time.Now(), nil)
	claimed, err := d.store.ClaimQueuedTransactions(ctx, d.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("fail to claim transactions: %w", err)
	}
	if len(claimed) == 0 {
		return 0, nil
	}
	d.logger.WithField("count", len(claimed)).Info("Claimed transactions")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)
	for _, l := range d.lanes(ctx, claimed) {
		l := l
		g.Go(func() error {
			d.runLane(gctx, l)
			return nil
		})
	}
	_ = g.Wait()
	return len(claimed), nil
}

// lane is the claimed rows of one nonce account on one chain, in claim order.
// err is set when the wallet's signer could not be resolved.
type lane struct {
	signer signer.Signer
	err    error
	txs    []types.Transaction
}

// lanes groups claimed rows by signing account and chain, keeping claim order.
func (d *Dispatcher) lanes(ctx context.Context, claimed []types.Transaction) []*lane {
	type resolved struct {
		signer signer.Signer
		err    error
	}
	signers := make(map[string]resolved)
	byKey := make(map[string]*lane)
	var out []*lane
	for _, tx := range claimed {
		wallet := types.NormalizeAddress(tx.FromAddress)
		r, ok := signers[wallet]
		if !ok {
			r.signer, r.err = d.signers.ForWallet(ctx, tx.FromAddress)
			signers[wallet] = r
		}
		account := "wallet:" + wallet
		if r.err == nil {
			account = r.signer.Sender().Hex()
		}
		key := fmt.Sprintf("%s/%d", account, tx.ChainID)
		l, ok := byKey[key]
		if !ok {
			l = &lane{signer: r.signer, err: r.err}
			byKey[key] = l
			out = append(out, l)
		}
		l.txs = append(l.txs, tx)
	}
	return out
}

// runLane dispatches the rows of l in order. Once a row goes back to the queue the
// rows behind it follow, so none of them takes a nonce ahead of it.
func (d *Dispatcher) runLane(ctx context.Context, l *lane) {
	for i, tx := range l.txs {
		if d.process(ctx, tx, l) != outcomeRequeued {
			continue
		}
		for _, rest := range l.txs[i+1:] {
			logger := d.logger.WithFields(logrus.Fields{
				"queue_id": rest.QueueID,
				"chain_id": rest.ChainID,
				"behind":   tx.QueueID,
			})
			outcome := d.requeue(ctx, logger, rest)
			d.metrics.incCounter("dispatcher.transaction", []string{chainTag(rest.ChainID), "outcome:" + outcome})
		}
		return
	}
}

// outcome of one dispatch attempt, used for metrics
const (
	outcomeSubmitted = "submitted"
	outcomeErrored   = "errored"
	outcomeRequeued  = "requeued"
	outcomePending   = "pending"
)

func (d *Dispatcher) process(ctx context.Context, tx types.Transaction, l *lane) string {
	start := time.Now()
	outcome := d.dispatch(ctx, tx, l.signer, l.err)
	tags := []string{chainTag(tx.ChainID), "outcome:" + outcome}
	d.metrics.incCounter("dispatcher.transaction", tags)
	d.metrics.measureTime("dispatcher.transaction.latency", start, tags)
	return outcome
}

// dispatch takes one claimed row to the chain with the signer resolved for its
// wallet, or signerErr when that failed.
func (d *Dispatcher) dispatch(ctx context.Context, tx types.Transaction, s signer.Signer, signerErr error) string {
	logger := d.logger.WithFields(logrus.Fields{
		"queue_id": tx.QueueID,
		"chain_id": tx.ChainID,
		"wallet":   tx.FromAddress,
	})

	if signerErr != nil {
		if !isPermanent(signerErr) {
			logger.WithError(signerErr).Warn("Signer not available, requeueing")
			return d.requeue(ctx, logger, tx)
		}
		return d.fail(ctx, logger, tx, "", nil, fmt.Sprintf("signer: %v", signerErr))
	}
	account := s.Sender().Hex()
	// a nonce kept from an earlier attempt goes back when the row fails before signing
	failCarried := func(message string) string {
		return d.fail(ctx, logger, tx, account, tx.Nonce, message)
	}

	client, err := d.chains.Client(tx.ChainID)
	if err != nil {
		return failCarried(err.Error())
	}

	value, err := parseWei("value", tx.Value)
	if err != nil {
		return failCarried(err.Error())
	}
	data, err := callData(tx)
	if err != nil {
		return failCarried(err.Error())
	}
	msg := callMsg(s.Address(), tx, value, data)

	if err := client.Simulate(ctx, msg); err != nil {
		if revert := chain.AsRevert(err); revert != nil {
			return failCarried(fmt.Sprintf("%v: %v", types.ErrSimulationFailed, revert))
		}
		logger.WithError(err).Warn("Simulation unavailable, requeueing")
		return d.requeue(ctx, logger, tx)
	}

	var gasLimit uint64
	if tx.GasLimit != nil {
		gasLimit = *tx.GasLimit
	} else {
		estimate, err := client.EstimateGas(ctx, msg)
		if err != nil {
			if revert := chain.AsRevert(err); revert != nil {
				return failCarried(fmt.Sprintf("%v: %v", types.ErrSimulationFailed, revert))
			}
			logger.WithError(err).Warn("Gas estimation unavailable, requeueing")
			return d.requeue(ctx, logger, tx)
		}
		gasLimit = estimate * uint64(100+d.cfg.GasLimitBufferPercent) / 100
	}

	fees, err := resolveFees(ctx, client, tx)
	if err != nil {
		if errors.Is(err, types.ErrValidation) {
			return failCarried(err.Error())
		}
		logger.WithError(err).Warn("Fee data unavailable, requeueing")
		return d.requeue(ctx, logger, tx)
	}

	var nonce uint64
	if tx.Nonce != nil {
		nonce = *tx.Nonce
	} else {
		nonce, err = d.nonces.Allocate(ctx, tx.Claim(), account, tx.ChainID)
		if err != nil {
			if errors.Is(err, types.ErrInvalidState) {
				logger.WithError(err).Warn("Claim lost while allocating, dropping it")
				return outcomePending
			}
			logger.WithError(err).Warn("Nonce allocation failed, requeueing")
			return d.requeue(ctx, logger, tx)
		}
	}
	logger = logger.WithField("nonce", nonce)

	unsigned := newEthTx(tx.ChainID, tx.TxType, nonce, toAddress(tx), value, gasLimit, data, fees)
	wrapped, err := s.Wrap(unsigned)
	if err != nil {
		return d.fail(ctx, logger, tx, account, &nonce, fmt.Sprintf("signer: %v", err))
	}
	signed, err := s.SignTx(ctx, wrapped, big.NewInt(tx.ChainID))
	if err != nil {
		if errors.Is(err, types.ErrSignerUnavailable) {
			// the row keeps its nonce and signs with it next time
			logger.WithError(err).Warn("Signing failed, requeueing")
			return d.requeue(ctx, logger, tx)
		}
		return d.fail(ctx, logger, tx, account, &nonce, fmt.Sprintf("signer: %v", err))
	}

	payload, err := signedPayload(signed, fees, tx.TxType)
	if err != nil {
		return d.fail(ctx, logger, tx, account, &nonce, err.Error())
	}
	if err := d.store.RecordSignedTransaction(ctx, tx.Claim(), payload); err != nil {
		if errors.Is(err, types.ErrInvalidState) {
			// requeued by recovery and claimed again; the row keeps the nonce
			logger.WithError(err).Warn("Claim lost before recording, dropping it")
			return outcomePending
		}
		logger.WithError(err).Error("Fail to record signed transaction, requeueing")
		return d.requeue(ctx, logger, tx)
	}
	logger = logger.WithField("hash", payload.Hash)

	if err := broadcast(ctx, client, signed); err != nil {
		if !chain.IsRejected(err) {
			// the node may have it; the watchdog rebroadcasts the stored payload
			logger.WithError(err).Warn("Broadcast outcome unknown, leaving for recovery")
			return outcomePending
		}
		d.metrics.incCounter("dispatcher.broadcast.error", []string{chainTag(tx.ChainID)})
		return d.fail(ctx, logger, tx, account, &nonce, fmt.Sprintf("%v: %v", types.ErrBroadcastFailed, err))
	}

	if err := d.store.MarkSubmitted(ctx, tx.Claim(), d.now().UTC()); err != nil {
		logger.WithError(err).Error("Fail to mark transaction submitted")
		return outcomePending
	}
	logger.Info("Transaction submitted")
	notifyStored(ctx, d.store, d.notifier, tx.QueueID)
	return outcomeSubmitted
}

// isPermanent reports whether retrying err later cannot help.
func isPermanent(err error) bool {
	return errors.Is(err, types.ErrValidation) || errors.Is(err, types.ErrDecryption)
}

// fail marks the claimed row errored, then hands nonce back to account when set.
// A claim lost to recovery changes nothing, not even the nonce.
func (d *Dispatcher) fail(ctx context.Context, logger *logrus.Entry, tx types.Transaction, account string, nonce *uint64, message string) string {
	logger.WithField("error", message).Error("Transaction errored")
	if err := d.store.FailClaim(ctx, tx.Claim(), message); err != nil {
		logger.WithError(err).Error("Fail to mark transaction errored")
		return outcomePending
	}
	if nonce != nil {
		d.releaseNonce(ctx, logger, account, tx.ChainID, *nonce)
	}
	notifyStored(ctx, d.store, d.notifier, tx.QueueID)
	return outcomeErrored
}

// requeue returns the claim. A nonce the row holds stays with it.
func (d *Dispatcher) requeue(ctx context.Context, logger *logrus.Entry, tx types.Transaction) string {
	if err := d.store.ReleaseTransaction(ctx, tx.Claim(), false); err != nil {
		logger.WithError(err).Error("Fail to release transaction")
		return outcomePending
	}
	return outcomeRequeued
}

func (d *Dispatcher) releaseNonce(ctx context.Context, logger *logrus.Entry, account string, chainID int64, nonce uint64) {
	if _, err := d.nonces.Release(ctx, account, chainID, nonce); err != nil {
		logger.WithError(err).Error("Fail to release nonce")
	}
}
