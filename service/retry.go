package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/txrelay/contexthelper"
	"github.com/vultisig/txrelay/internal/chain"
	"github.com/vultisig/txrelay/internal/nonce"
	"github.com/vultisig/txrelay/internal/signer"
	"github.com/vultisig/txrelay/internal/types"
	"github.com/vultisig/txrelay/storage"
)

type RetryConfig struct {
	MaxRetries             int
	ReplacementBumpPercent int64
	CancelReceiptChecks    int
	CancelCheckInterval    time.Duration
}

// RetryRequest asks to rebroadcast a transaction with higher fees, in wei.
type RetryRequest struct {
	QueueID              uuid.UUID `json:"queue_id" validate:"required"`
	MaxFeePerGas         string    `json:"max_fee_per_gas" validate:"required,numeric"`
	MaxPriorityFeePerGas string    `json:"max_priority_fee_per_gas" validate:"required,numeric"`
}

// RetryService replaces transactions already handed to the chain: fee bumps and cancellations.
type RetryService struct {
	cfg      RetryConfig
	store    storage.TransactionStore
	wallets  signer.WalletSource
	nonces   NonceAllocator
	signers  SignerSource
	chains   ChainClients
	notifier Notifier
	metrics  metrics
	logger   *logrus.Entry
	now      func() time.Time
}

func NewRetryService(cfg RetryConfig, store storage.TransactionStore, wallets signer.WalletSource, nonces NonceAllocator, signers SignerSource, chains ChainClients, notifier Notifier, sdClient statsd.ClientInterface, logger *logrus.Logger) *RetryService {
	if cfg.ReplacementBumpPercent <= 0 {
		cfg.ReplacementBumpPercent = 10
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	entry := logger.WithField("service", "retry")
	return &RetryService{
		cfg:      cfg,
		store:    store,
		wallets:  wallets,
		nonces:   nonces,
		signers:  signers,
		chains:   chains,
		notifier: notifier,
		metrics:  newMetrics(sdClient, entry),
		logger:   entry,
		now:      time.Now,
	}
}

// Retry raises the fees of a transaction. A submitted transaction is replaced on chain
// at the same nonce; a processed one that is not signed yet picks the fees up when
// the dispatcher signs it.
func (s *RetryService) Retry(ctx context.Context, req RetryRequest) (*types.Transaction, error) {
	maxFee, err := parseWei("max_fee_per_gas", req.MaxFeePerGas)
	if err != nil {
		return nil, err
	}
	maxPriority, err := parseWei("max_priority_fee_per_gas", req.MaxPriorityFeePerGas)
	if err != nil {
		return nil, err
	}
	if maxPriority.Cmp(maxFee) > 0 {
		return nil, fmt.Errorf("%w: max_priority_fee_per_gas exceeds max_fee_per_gas", types.ErrValidation)
	}

	tx, err := s.store.GetTransaction(ctx, req.QueueID)
	if err != nil {
		return nil, err
	}
	logger := s.logger.WithFields(logrus.Fields{
		"queue_id": tx.QueueID,
		"chain_id": tx.ChainID,
		"status":   tx.Status,
	})
	if tx.Status != types.StatusSubmitted && tx.Status != types.StatusProcessed {
		return nil, types.InvalidStateError("retry", tx.Status)
	}
	if s.cfg.MaxRetries > 0 && tx.RetryCount >= s.cfg.MaxRetries {
		return nil, fmt.Errorf("%w: retry limit of %d reached", types.ErrInvalidState, s.cfg.MaxRetries)
	}
	if err := checkFeeIncrease(*tx, maxFee, maxPriority); err != nil {
		return nil, err
	}

	if tx.Status == types.StatusProcessed {
		if tx.SignedRaw != nil {
			return nil, fmt.Errorf("%w: transaction is being broadcast", types.ErrInvalidState)
		}
		if err := s.store.RecordRetryFees(ctx, tx.QueueID, maxFee.String(), maxPriority.String()); err != nil {
			return nil, err
		}
		logger.Info("Retry fees recorded for pending dispatch")
		s.metrics.incCounter("retry.transaction", []string{chainTag(tx.ChainID), "outcome:recorded"})
		return s.store.GetTransaction(ctx, tx.QueueID)
	}

	client, err := s.chains.Client(tx.ChainID)
	if err != nil {
		return nil, err
	}
	replacement, payload, err := s.replace(ctx, *tx, maxFee, maxPriority)
	if err != nil {
		return nil, err
	}
	// recorded first so the hash is tracked even if the broadcast outcome is unknown
	if err := s.store.RecordRetry(ctx, tx.QueueID, payload); err != nil {
		return nil, err
	}
	logger = logger.WithField("hash", payload.Hash)
	if err := broadcast(ctx, client, replacement); err != nil {
		logger.WithError(err).Error("Fail to broadcast replacement")
		if chain.IsRejected(err) {
			// refused by the node, so it can never be mined
			if uerr := s.store.UndoRetry(ctx, *tx, payload.Hash); uerr != nil {
				logger.WithError(uerr).Error("Fail to undo rejected replacement")
			}
		}
		s.metrics.incCounter("retry.transaction", []string{chainTag(tx.ChainID), "outcome:errored"})
		return nil, fmt.Errorf("%w: %v", types.ErrBroadcastFailed, err)
	}
	logger.Info("Replacement transaction broadcast")
	s.metrics.incCounter("retry.transaction", []string{chainTag(tx.ChainID), "outcome:submitted"})
	notifyStored(ctx, s.store, s.notifier, tx.QueueID)
	return s.store.GetTransaction(ctx, tx.QueueID)
}

// checkFeeIncrease requires the new fees to beat what the transaction pays now.
func checkFeeIncrease(tx types.Transaction, maxFee, maxPriority *big.Int) error {
	current, err := storedFees(tx)
	if err != nil {
		return err
	}
	currentMax := current.maxFee
	if tx.TxType == types.TxTypeLegacy {
		currentMax = current.gasPrice
	}
	if currentMax != nil && maxFee.Cmp(currentMax) <= 0 {
		return fmt.Errorf("%w: max_fee_per_gas must exceed the current %s", types.ErrValidation, currentMax)
	}
	if tx.TxType != types.TxTypeLegacy && current.maxPriority != nil && maxPriority.Cmp(current.maxPriority) < 0 {
		return fmt.Errorf("%w: max_priority_fee_per_gas must not be lower than the current %s", types.ErrValidation, current.maxPriority)
	}
	return nil
}

// replace signs the stored transaction again with new fees at the same nonce.
func (s *RetryService) replace(ctx context.Context, tx types.Transaction, maxFee, maxPriority *big.Int) (*ethtypes.Transaction, types.SignedTransaction, error) {
	if tx.SignedRaw == nil {
		return nil, types.SignedTransaction{}, fmt.Errorf("%w: no signed payload to replace", types.ErrInvalidState)
	}
	original, err := decodeSignedRaw(*tx.SignedRaw)
	if err != nil {
		return nil, types.SignedTransaction{}, err
	}
	txSigner, err := s.signers.ForWallet(ctx, tx.FromAddress)
	if err != nil {
		return nil, types.SignedTransaction{}, err
	}
	fees := feeParams{gasPrice: maxFee, maxFee: maxFee, maxPriority: maxPriority}
	unsigned := newEthTx(tx.ChainID, tx.TxType, original.Nonce(), original.To(), original.Value(), original.Gas(), original.Data(), fees)
	signed, err := txSigner.SignTx(ctx, unsigned, big.NewInt(tx.ChainID))
	if err != nil {
		return nil, types.SignedTransaction{}, err
	}
	payload, err := signedPayload(signed, fees, tx.TxType)
	if err != nil {
		return nil, types.SignedTransaction{}, err
	}
	if tx.TxType == types.TxTypeLegacy {
		payload.MaxFeePerGas = weiString(maxFee)
	}
	return signed, payload, nil
}

// Cancel stops a transaction. A queued one is cancelled in place; a submitted one is
// replaced by a zero value self transfer at the same nonce.
func (s *RetryService) Cancel(ctx context.Context, queueID uuid.UUID) (*types.Transaction, error) {
	tx, err := s.store.GetTransaction(ctx, queueID)
	if err != nil {
		return nil, err
	}
	switch tx.Status {
	case types.StatusQueued:
		return s.cancelQueued(ctx, *tx)
	case types.StatusSubmitted:
		return s.cancelSubmitted(ctx, *tx)
	default:
		return nil, types.InvalidStateError("cancel", tx.Status)
	}
}

func (s *RetryService) cancelQueued(ctx context.Context, tx types.Transaction) (*types.Transaction, error) {
	logger := s.logger.WithField("queue_id", tx.QueueID)
	if err := s.store.CancelQueuedTransaction(ctx, tx.QueueID, s.now().UTC()); err != nil {
		return nil, err
	}
	if tx.Nonce != nil {
		// a nonce kept from an interrupted dispatch goes back if nothing followed it
		details, err := s.wallets.GetWalletDetails(ctx, tx.FromAddress)
		if err != nil {
			logger.WithError(err).Error("Fail to load wallet to release nonce")
		} else if _, err := s.nonces.Release(ctx, nonce.NonceAccount(*details), tx.ChainID, *tx.Nonce); err != nil {
			logger.WithError(err).Error("Fail to release nonce")
		}
	}
	logger.Info("Queued transaction cancelled")
	s.metrics.incCounter("cancel.transaction", []string{chainTag(tx.ChainID), "outcome:queued"})
	notifyStored(ctx, s.store, s.notifier, tx.QueueID)
	return s.store.GetTransaction(ctx, tx.QueueID)
}

func (s *RetryService) cancelSubmitted(ctx context.Context, tx types.Transaction) (*types.Transaction, error) {
	logger := s.logger.WithFields(logrus.Fields{
		"queue_id": tx.QueueID,
		"chain_id": tx.ChainID,
	})
	client, err := s.chains.Client(tx.ChainID)
	if err != nil {
		return nil, err
	}
	if mined, err := s.checkMined(ctx, client, tx); mined || err != nil {
		return nil, err
	}
	if tx.SignedRaw == nil {
		return nil, fmt.Errorf("%w: no signed payload to cancel", types.ErrInvalidState)
	}
	original, err := decodeSignedRaw(*tx.SignedRaw)
	if err != nil {
		return nil, err
	}
	txSigner, err := s.signers.ForWallet(ctx, tx.FromAddress)
	if err != nil {
		return nil, err
	}
	fees, err := s.cancelFees(ctx, client, original)
	if err != nil {
		return nil, err
	}
	to := txSigner.Sender()
	unsigned := newEthTx(tx.ChainID, tx.TxType, original.Nonce(), &to, big.NewInt(0), selfTransferGas, nil, fees)
	cancelTx, err := txSigner.SignTx(ctx, unsigned, big.NewInt(tx.ChainID))
	if err != nil {
		return nil, err
	}
	cancelHash := cancelTx.Hash()
	logger = logger.WithFields(logrus.Fields{
		"nonce":       original.Nonce(),
		"cancel_hash": cancelHash.Hex(),
	})
	if err := broadcast(ctx, client, cancelTx); err != nil {
		logger.WithError(err).Error("Fail to broadcast cancellation")
		return nil, fmt.Errorf("%w: %v", types.ErrBroadcastFailed, err)
	}
	logger.Info("Cancellation broadcast")

	for i := 0; i < s.cfg.CancelReceiptChecks; i++ {
		if err := contexthelper.Sleep(ctx, s.cfg.CancelCheckInterval); err != nil {
			return nil, err
		}
		mined, err := s.checkMined(ctx, client, tx)
		if mined {
			return nil, err
		}
		if err != nil {
			logger.WithError(err).Warn("Fail to check original receipt")
			continue
		}
		receipt, err := client.TransactionReceipt(ctx, cancelHash)
		if err != nil {
			logger.WithError(err).Warn("Fail to check cancellation receipt")
			continue
		}
		if receipt != nil {
			break
		}
	}

	if err := s.store.MarkCancelled(ctx, tx.QueueID, cancelHash.Hex(), s.now().UTC()); err != nil {
		if errors.Is(err, types.ErrInvalidState) {
			if current, gerr := s.store.GetTransaction(ctx, tx.QueueID); gerr == nil && current.Status == types.StatusMined {
				return nil, fmt.Errorf("%w: %s", types.ErrAlreadyMined, tx.QueueID)
			}
		}
		return nil, err
	}
	logger.Info("Submitted transaction cancelled")
	s.metrics.incCounter("cancel.transaction", []string{chainTag(tx.ChainID), "outcome:submitted"})
	notifyStored(ctx, s.store, s.notifier, tx.QueueID)
	return s.store.GetTransaction(ctx, tx.QueueID)
}

// checkMined records a receipt of any broadcast hash and reports ErrAlreadyMined.
func (s *RetryService) checkMined(ctx context.Context, client chain.Client, tx types.Transaction) (bool, error) {
	receipt, err := findReceipt(ctx, client, broadcastHashes(tx))
	if err != nil {
		return false, err
	}
	if receipt == nil {
		return false, nil
	}
	if _, err := recordReceipt(ctx, s.store, tx, receipt, s.now().UTC()); err != nil && !errors.Is(err, types.ErrInvalidState) {
		return true, err
	}
	notifyStored(ctx, s.store, s.notifier, tx.QueueID)
	return true, fmt.Errorf("%w: %s", types.ErrAlreadyMined, receipt.TxHash.Hex())
}

// cancelFees outbids both the original transaction and the current market.
func (s *RetryService) cancelFees(ctx context.Context, client chain.Client, original *ethtypes.Transaction) (feeParams, error) {
	current, err := client.FeeData(ctx)
	if err != nil {
		return feeParams{}, fmt.Errorf("fail to get fee data: %w", err)
	}
	bump := s.cfg.ReplacementBumpPercent
	fees := feeParams{
		gasPrice:    maxBig(bumpFee(original.GasPrice(), bump), current.GasPrice),
		maxFee:      maxBig(bumpFee(original.GasFeeCap(), bump), current.MaxFeePerGas),
		maxPriority: maxBig(bumpFee(original.GasTipCap(), bump), current.MaxPriorityFeePerGas),
	}
	if fees.maxPriority.Cmp(fees.maxFee) > 0 {
		fees.maxFee = fees.maxPriority
	}
	return fees, nil
}
