// Package memory is an in-process DatabaseStorage used by tests and local runs.
// It keeps the row-lock semantics of the postgres backend: claims are exclusive and
// nonce allocation is serialised per wallet and chain.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vultisig/txrelay/internal/types"
	"github.com/vultisig/txrelay/storage"
)

type walletKey struct {
	address string
	chainID int64
}

type Backend struct {
	mu            sync.Mutex
	transactions  map[uuid.UUID]*types.Transaction
	idempotency   map[string]uuid.UUID
	walletDetails map[string]*types.WalletDetails
	walletNonces  map[walletKey]*types.WalletNonceRecord
	walletLocks   map[walletKey]*sync.Mutex
	now           func() time.Time
}

var _ storage.DatabaseStorage = &Backend{}

func New() *Backend {
	return &Backend{
		transactions:  make(map[uuid.UUID]*types.Transaction),
		idempotency:   make(map[string]uuid.UUID),
		walletDetails: make(map[string]*types.WalletDetails),
		walletNonces:  make(map[walletKey]*types.WalletNonceRecord),
		walletLocks:   make(map[walletKey]*sync.Mutex),
		now:           time.Now,
	}
}

// WithClock overrides the time source for updated_at and processed_at.
func (b *Backend) WithClock(now func() time.Time) *Backend {
	b.now = now
	return b
}

func (b *Backend) Close() error {
	return nil
}

func copyTransaction(tx *types.Transaction) types.Transaction {
	out := *tx
	out.TransactionHashes = append([]string(nil), tx.TransactionHashes...)
	return out
}

func strPtr(s string) *string {
	return &s
}

func (b *Backend) InsertTransaction(_ context.Context, tx types.Transaction) (*types.Transaction, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if tx.IdempotencyKey != nil {
		if id, ok := b.idempotency[*tx.IdempotencyKey]; ok {
			existing := copyTransaction(b.transactions[id])
			return &existing, false, nil
		}
	}
	if _, ok := b.transactions[tx.QueueID]; ok {
		return nil, false, fmt.Errorf("failed to insert transaction: duplicate queue id %s", tx.QueueID)
	}
	stored := tx
	stored.Status = types.StatusQueued
	stored.UpdatedAt = tx.QueuedAt
	stored.TransactionHashes = []string{}
	b.transactions[tx.QueueID] = &stored
	if tx.IdempotencyKey != nil {
		b.idempotency[*tx.IdempotencyKey] = tx.QueueID
	}
	out := copyTransaction(&stored)
	return &out, true, nil
}

func (b *Backend) GetTransaction(_ context.Context, queueID uuid.UUID) (*types.Transaction, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tx, ok := b.transactions[queueID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrNotFound, queueID)
	}
	out := copyTransaction(tx)
	return &out, nil
}

// sorted returns matching rows ordered by less, oldest first.
func (b *Backend) sorted(match func(*types.Transaction) bool, less func(a, b *types.Transaction) bool) []*types.Transaction {
	var rows []*types.Transaction
	for _, tx := range b.transactions {
		if match(tx) {
			rows = append(rows, tx)
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if less(rows[i], rows[j]) {
			return true
		}
		if less(rows[j], rows[i]) {
			return false
		}
		return rows[i].QueueID.String() < rows[j].QueueID.String()
	})
	return rows
}

func byQueuedAt(a, b *types.Transaction) bool {
	return a.QueuedAt.Before(b.QueuedAt)
}

func (b *Backend) ListTransactions(_ context.Context, filter types.TransactionFilter) ([]types.Transaction, int64, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.Limit < 1 {
		filter.Limit = 100
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	rows := b.sorted(func(tx *types.Transaction) bool {
		return filter.Status == nil || tx.Status == *filter.Status
	}, byQueuedAt)
	if filter.Sort == types.SortDesc {
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
	}
	total := int64(len(rows))
	start := (filter.Page - 1) * filter.Limit
	if start > len(rows) {
		start = len(rows)
	}
	end := start + filter.Limit
	if end > len(rows) {
		end = len(rows)
	}
	out := make([]types.Transaction, 0, end-start)
	for _, tx := range rows[start:end] {
		out = append(out, copyTransaction(tx))
	}
	return out, total, nil
}

func (b *Backend) ClaimQueuedTransactions(_ context.Context, limit int) ([]types.Transaction, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rows := b.sorted(func(tx *types.Transaction) bool {
		return tx.Status == types.StatusQueued
	}, byQueuedAt)
	if len(rows) > limit {
		rows = rows[:limit]
	}
	now := b.now()
	claimID := uuid.New()
	out := make([]types.Transaction, 0, len(rows))
	for _, tx := range rows {
		tx.Status = types.StatusProcessed
		tx.ClaimID = &claimID
		tx.ProcessedAt = &now
		tx.UpdatedAt = now
		out = append(out, copyTransaction(tx))
	}
	return out, nil
}

// transition applies update when tx is in one of from and check passes.
func (b *Backend) transition(queueID uuid.UUID, action string, from []types.TransactionStatus, check func(*types.Transaction) bool, update func(*types.Transaction)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	tx, ok := b.transactions[queueID]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrNotFound, queueID)
	}
	allowed := false
	for _, s := range from {
		if tx.Status == s {
			allowed = true
			break
		}
	}
	if !allowed || (check != nil && !check(tx)) {
		return types.InvalidStateError(action, tx.Status)
	}
	update(tx)
	tx.UpdatedAt = b.now()
	return nil
}

// claimTransition is transition restricted to the processed row held by claim.
func (b *Backend) claimTransition(claim types.Claim, action string, check func(*types.Transaction) bool, update func(*types.Transaction)) error {
	return b.transition(claim.QueueID, action, []types.TransactionStatus{types.StatusProcessed},
		func(tx *types.Transaction) bool {
			return holds(tx, claim) && (check == nil || check(tx))
		}, update)
}

func holds(tx *types.Transaction, claim types.Claim) bool {
	return tx.ClaimID != nil && *tx.ClaimID == claim.ClaimID
}

func (b *Backend) ReleaseTransaction(_ context.Context, claim types.Claim, clearNonce bool) error {
	return b.claimTransition(claim, "release",
		func(tx *types.Transaction) bool { return tx.SignedRaw == nil },
		func(tx *types.Transaction) {
			tx.Status = types.StatusQueued
			tx.ClaimID = nil
			tx.ProcessedAt = nil
			if clearNonce {
				tx.Nonce = nil
			}
		})
}

func (b *Backend) RecordSignedTransaction(_ context.Context, claim types.Claim, signed types.SignedTransaction) error {
	return b.claimTransition(claim, "sign",
		func(tx *types.Transaction) bool { return tx.Nonce != nil && tx.SignedRaw == nil },
		func(tx *types.Transaction) {
			gasLimit := signed.GasLimit
			tx.TransactionHash = strPtr(signed.Hash)
			tx.TransactionHashes = append(tx.TransactionHashes, signed.Hash)
			tx.SignedRaw = strPtr(signed.Raw)
			tx.GasLimit = &gasLimit
			tx.GasPrice = signed.GasPrice
			tx.MaxFeePerGas = signed.MaxFeePerGas
			tx.MaxPriorityFeePerGas = signed.MaxPriorityFeePerGas
		})
}

func (b *Backend) MarkSubmitted(_ context.Context, claim types.Claim, sentAt time.Time) error {
	return b.claimTransition(claim, "submit",
		func(tx *types.Transaction) bool { return tx.SignedRaw != nil },
		func(tx *types.Transaction) {
			tx.Status = types.StatusSubmitted
			tx.ClaimID = nil
			tx.SentAt = &sentAt
		})
}

func (b *Backend) FailClaim(_ context.Context, claim types.Claim, message string) error {
	return b.claimTransition(claim, "fail", nil, func(tx *types.Transaction) {
		tx.Status = types.StatusErrored
		tx.ClaimID = nil
		tx.ErrorMessage = strPtr(errorMessage(message))
	})
}

func (b *Backend) MarkReverted(_ context.Context, queueID uuid.UUID, receipt types.ReceiptInfo, message string) error {
	return b.transition(queueID, "fail", []types.TransactionStatus{types.StatusSubmitted}, nil, func(tx *types.Transaction) {
		blockNumber, gasUsed, minedAt := receipt.BlockNumber, receipt.GasUsed, receipt.MinedAt
		tx.Status = types.StatusErrored
		tx.ErrorMessage = strPtr(errorMessage(message))
		tx.TransactionHash = strPtr(receipt.TransactionHash)
		tx.BlockNumber = &blockNumber
		tx.EffectiveGasPrice = strPtr(receipt.EffectiveGasPrice)
		tx.GasUsed = &gasUsed
		tx.MinedAt = &minedAt
	})
}

func errorMessage(message string) string {
	if strings.TrimSpace(message) == "" {
		return "unknown error"
	}
	return message
}

func (b *Backend) GetStaleProcessedTransactions(_ context.Context, olderThan time.Time, limit int) ([]types.Transaction, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rows := b.sorted(func(tx *types.Transaction) bool {
		return tx.Status == types.StatusProcessed && tx.ProcessedAt != nil && tx.ProcessedAt.Before(olderThan)
	}, func(a, b *types.Transaction) bool {
		return a.ProcessedAt.Before(*b.ProcessedAt)
	})
	if len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]types.Transaction, 0, len(rows))
	for _, tx := range rows {
		out = append(out, copyTransaction(tx))
	}
	return out, nil
}

func (b *Backend) GetSubmittedTransactions(_ context.Context, limit int) ([]types.Transaction, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rows := b.sorted(func(tx *types.Transaction) bool {
		return tx.Status == types.StatusSubmitted
	}, func(a, b *types.Transaction) bool {
		return a.SentAt.Before(*b.SentAt)
	})
	if len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]types.Transaction, 0, len(rows))
	for _, tx := range rows {
		out = append(out, copyTransaction(tx))
	}
	return out, nil
}

func (b *Backend) MarkMined(_ context.Context, queueID uuid.UUID, receipt types.ReceiptInfo) error {
	return b.transition(queueID, "mine", []types.TransactionStatus{types.StatusSubmitted}, nil, func(tx *types.Transaction) {
		block := receipt.BlockNumber
		gasUsed := receipt.GasUsed
		minedAt := receipt.MinedAt
		tx.Status = types.StatusMined
		tx.TransactionHash = strPtr(receipt.TransactionHash)
		tx.BlockNumber = &block
		tx.EffectiveGasPrice = strPtr(receipt.EffectiveGasPrice)
		tx.GasUsed = &gasUsed
		if receipt.ContractAddress != nil {
			tx.DeployedContractAddress = strPtr(*receipt.ContractAddress)
		}
		tx.MinedAt = &minedAt
	})
}

func (b *Backend) IncrementReceiptChecks(_ context.Context, queueID uuid.UUID) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tx, ok := b.transactions[queueID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", types.ErrNotFound, queueID)
	}
	if tx.Status != types.StatusSubmitted {
		return 0, types.InvalidStateError("check receipt of", tx.Status)
	}
	tx.ReceiptChecks++
	return tx.ReceiptChecks, nil
}

func (b *Backend) CancelQueuedTransaction(_ context.Context, queueID uuid.UUID, at time.Time) error {
	return b.transition(queueID, "cancel", []types.TransactionStatus{types.StatusQueued}, nil, func(tx *types.Transaction) {
		tx.Status = types.StatusCancelled
		tx.CancelledAt = &at
	})
}

func (b *Backend) MarkCancelled(_ context.Context, queueID uuid.UUID, cancelHash string, at time.Time) error {
	return b.transition(queueID, "cancel", []types.TransactionStatus{types.StatusSubmitted}, nil, func(tx *types.Transaction) {
		tx.Status = types.StatusCancelled
		tx.CancelTransactionHash = strPtr(cancelHash)
		tx.CancelledAt = &at
	})
}

func (b *Backend) RecordRetry(_ context.Context, queueID uuid.UUID, signed types.SignedTransaction) error {
	return b.transition(queueID, "retry", []types.TransactionStatus{types.StatusSubmitted}, nil, func(tx *types.Transaction) {
		tx.TransactionHash = strPtr(signed.Hash)
		tx.TransactionHashes = append(tx.TransactionHashes, signed.Hash)
		tx.SignedRaw = strPtr(signed.Raw)
		if signed.GasPrice != nil {
			tx.GasPrice = signed.GasPrice
		}
		tx.RetryMaxFeePerGas = signed.MaxFeePerGas
		tx.RetryMaxPriorityFeePerGas = signed.MaxPriorityFeePerGas
		tx.RetryCount++
		tx.ReceiptChecks = 0
	})
}

func (b *Backend) UndoRetry(_ context.Context, previous types.Transaction, hash string) error {
	return b.transition(previous.QueueID, "undo retry of", []types.TransactionStatus{types.StatusSubmitted},
		func(tx *types.Transaction) bool { return tx.TransactionHash != nil && *tx.TransactionHash == hash },
		func(tx *types.Transaction) {
			hashes := tx.TransactionHashes[:0]
			for _, h := range tx.TransactionHashes {
				if h != hash {
					hashes = append(hashes, h)
				}
			}
			tx.TransactionHashes = hashes
			tx.TransactionHash = previous.TransactionHash
			tx.SignedRaw = previous.SignedRaw
			tx.GasPrice = previous.GasPrice
			tx.RetryMaxFeePerGas = previous.RetryMaxFeePerGas
			tx.RetryMaxPriorityFeePerGas = previous.RetryMaxPriorityFeePerGas
			tx.RetryCount = previous.RetryCount
			tx.ReceiptChecks = previous.ReceiptChecks
		})
}

func (b *Backend) RecordRetryFees(_ context.Context, queueID uuid.UUID, maxFeePerGas, maxPriorityFeePerGas string) error {
	return b.transition(queueID, "retry", []types.TransactionStatus{types.StatusProcessed},
		func(tx *types.Transaction) bool { return tx.SignedRaw == nil },
		func(tx *types.Transaction) {
			tx.RetryMaxFeePerGas = strPtr(maxFeePerGas)
			tx.RetryMaxPriorityFeePerGas = strPtr(maxPriorityFeePerGas)
			tx.RetryCount++
		})
}
