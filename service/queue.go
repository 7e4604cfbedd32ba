package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/txrelay/internal/tasks"
	"github.com/vultisig/txrelay/internal/types"
	"github.com/vultisig/txrelay/internal/validation"
	"github.com/vultisig/txrelay/storage"
)

const (
	defaultPageLimit = 100
	maxPageLimit     = 1000
)

// WalletEnsurer checks a wallet is registered and ready to relay on a chain.
type WalletEnsurer interface {
	EnsureWallet(ctx context.Context, address string, chainID int64) (*types.WalletDetails, error)
}

// ChainCatalog knows which chains are served and their default envelope.
type ChainCatalog interface {
	DefaultTxType(chainID int64) types.TxType
}

type chainChecker interface {
	ChainCatalog
	ChainClients
}

type QueueService struct {
	store         storage.TransactionStore
	wallets       WalletEnsurer
	chains        chainChecker
	waker         TaskEnqueuer
	notifier      Notifier
	subscriber    StatusSubscriber
	defaultWallet string
	logger        *logrus.Entry
	now           func() time.Time
}

type QueueOption func(*QueueService)

// WithWaker makes Enqueue schedule an immediate dispatch cycle.
func WithWaker(waker TaskEnqueuer) QueueOption {
	return func(s *QueueService) { s.waker = waker }
}

func WithNotifier(notifier Notifier) QueueOption {
	return func(s *QueueService) { s.notifier = notifier }
}

// WithSubscriber enables WaitForStatus push notifications; without it WaitForStatus polls.
func WithSubscriber(subscriber StatusSubscriber) QueueOption {
	return func(s *QueueService) { s.subscriber = subscriber }
}

func WithDefaultWallet(address string) QueueOption {
	return func(s *QueueService) { s.defaultWallet = address }
}

func NewQueueService(store storage.TransactionStore, wallets WalletEnsurer, chains chainChecker, logger *logrus.Logger, opts ...QueueOption) *QueueService {
	s := &QueueService{
		store:    store,
		wallets:  wallets,
		chains:   chains,
		notifier: nopNotifier{},
		logger:   logger.WithField("service", "queue"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue validates req and stores it as a queued transaction. Simulation is left to
// the dispatch worker so enqueue stays synchronous and fast.
func (s *QueueService) Enqueue(ctx context.Context, req types.EnqueueRequest) (uuid.UUID, error) {
	tx, err := s.buildTransaction(ctx, req)
	if err != nil {
		return uuid.Nil, err
	}

	stored, created, err := s.store.InsertTransaction(ctx, *tx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("fail to queue transaction: %w", err)
	}
	logger := s.logger.WithFields(logrus.Fields{
		"queue_id": stored.QueueID,
		"chain_id": stored.ChainID,
		"wallet":   stored.FromAddress,
	})
	if !created {
		logger.Info("Idempotent enqueue, returning existing transaction")
		return stored.QueueID, nil
	}
	logger.Info("Transaction queued")
	s.notifier.Notify(ctx, *stored)
	s.wake(ctx)
	return stored.QueueID, nil
}

func (s *QueueService) wake(ctx context.Context) {
	if s.waker == nil {
		return
	}
	_, err := s.waker.EnqueueContext(ctx, tasks.NewCycleTask(tasks.TypeDispatch),
		asynq.MaxRetry(0),
		asynq.Unique(time.Second),
		asynq.Queue(tasks.QUEUE_NAME),
	)
	if err != nil && !errors.Is(err, asynq.ErrDuplicateTask) {
		s.logger.WithError(err).Warn("Fail to wake dispatcher")
	}
}

func validationError(err error) error {
	return fmt.Errorf("%w: %v", types.ErrValidation, err)
}

func (s *QueueService) buildTransaction(ctx context.Context, req types.EnqueueRequest) (*types.Transaction, error) {
	if err := validation.Validate.Struct(req); err != nil {
		return nil, validationError(err)
	}
	if _, err := s.chains.Client(req.ChainID); err != nil {
		return nil, err
	}

	from := req.FromAddress
	if from == "" {
		from = s.defaultWallet
	}
	if from == "" {
		return nil, validationError(errors.New("from_address is required"))
	}

	data := req.Data
	if data == "" {
		data = "0x"
	}
	value := req.Value
	if value == "" {
		value = "0"
	}
	if _, err := parseWei("value", value); err != nil {
		return nil, err
	}
	if req.ToAddress == "" && data == "0x" {
		return nil, validationError(errors.New("a deployment needs bytecode in data"))
	}

	txType := req.TxType
	if txType == "" {
		txType = s.chains.DefaultTxType(req.ChainID)
	}
	if err := checkRequestFees(txType, req); err != nil {
		return nil, err
	}

	details, err := s.wallets.EnsureWallet(ctx, from, req.ChainID)
	if err != nil {
		return nil, err
	}
	if details.Type == types.WalletTypeSmartAccount && req.ToAddress == "" {
		return nil, validationError(errors.New("smart accounts cannot deploy contracts"))
	}

	now := s.now().UTC()
	return &types.Transaction{
		QueueID:              uuid.New(),
		ChainID:              req.ChainID,
		FromAddress:          types.NormalizeAddress(from),
		ToAddress:            types.NormalizeAddress(req.ToAddress),
		Data:                 strings.ToLower(data),
		Value:                value,
		Extension:            req.Extension,
		FunctionName:         req.FunctionName,
		FunctionArgs:         req.FunctionArgs,
		IdempotencyKey:       req.IdempotencyKey,
		TxType:               txType,
		GasLimit:             req.GasLimit,
		GasPrice:             req.GasPrice,
		MaxFeePerGas:         req.MaxFeePerGas,
		MaxPriorityFeePerGas: req.MaxPriorityFeePerGas,
		Status:               types.StatusQueued,
		QueuedAt:             now,
		UpdatedAt:            now,
		DeployedContractType: req.DeployedContractType,
	}, nil
}

func checkRequestFees(txType types.TxType, req types.EnqueueRequest) error {
	if txType == types.TxTypeLegacy {
		if req.MaxFeePerGas != nil || req.MaxPriorityFeePerGas != nil {
			return validationError(errors.New("legacy transactions take gas_price only"))
		}
		_, err := parseOptionalWei("gas_price", req.GasPrice)
		return err
	}
	if req.GasPrice != nil {
		return validationError(errors.New("eip1559 transactions take max_fee_per_gas and max_priority_fee_per_gas"))
	}
	maxFee, err := parseOptionalWei("max_fee_per_gas", req.MaxFeePerGas)
	if err != nil {
		return err
	}
	maxPriority, err := parseOptionalWei("max_priority_fee_per_gas", req.MaxPriorityFeePerGas)
	if err != nil {
		return err
	}
	if maxFee != nil && maxPriority != nil && maxPriority.Cmp(maxFee) > 0 {
		return validationError(errors.New("max_priority_fee_per_gas exceeds max_fee_per_gas"))
	}
	return nil
}

// GetStatus returns the stored transaction. It never changes state.
func (s *QueueService) GetStatus(ctx context.Context, queueID uuid.UUID) (*types.Transaction, error) {
	return s.store.GetTransaction(ctx, queueID)
}

func (s *QueueService) ListTransactions(ctx context.Context, filter types.TransactionFilter) ([]types.Transaction, int64, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.Limit < 1 {
		filter.Limit = defaultPageLimit
	}
	if filter.Limit > maxPageLimit {
		return nil, 0, validationError(fmt.Errorf("limit must not exceed %d", maxPageLimit))
	}
	if filter.Status != nil && !filter.Status.IsValid() {
		return nil, 0, validationError(fmt.Errorf("unknown status %q", *filter.Status))
	}
	switch filter.Sort {
	case "":
		filter.Sort = types.SortDesc
	case types.SortAsc, types.SortDesc:
	default:
		return nil, 0, validationError(fmt.Errorf("unknown sort order %q", filter.Sort))
	}
	return s.store.ListTransactions(ctx, filter)
}

const waitPollInterval = 2 * time.Second

// WaitForStatus blocks until queueID reaches a terminal status or ctx is done,
// returning the last stored state either way.
func (s *QueueService) WaitForStatus(ctx context.Context, queueID uuid.UUID) (*types.Transaction, error) {
	var events <-chan types.StatusEvent
	if s.subscriber != nil {
		ch, closeSub, err := s.subscriber.SubscribeStatus(ctx, queueID)
		if err != nil {
			s.logger.WithError(err).Warn("Fail to subscribe, falling back to polling")
		} else {
			defer func() { _ = closeSub() }()
			events = ch
		}
	}

	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()
	for {
		tx, err := s.store.GetTransaction(ctx, queueID)
		if err != nil {
			return nil, err
		}
		if tx.Status.IsTerminal() {
			return tx, nil
		}
		select {
		case <-ctx.Done():
			return tx, ctx.Err()
		case _, ok := <-events:
			if !ok {
				events = nil
			}
		case <-ticker.C:
		}
	}
}
