package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/vultisig/txrelay/internal/types"
)

// NextNonceFunc picks the nonce to hand out given the locked wallet record.
type NextNonceFunc func(rec types.WalletNonceRecord) (uint64, error)

// TransactionStore persists relay transactions. Every state-changing method is a
// conditional update on the expected status; a mismatch changes nothing and returns
// types.ErrInvalidState (or false where a bool is returned).
type TransactionStore interface {
	// InsertTransaction stores a queued row. When tx carries an idempotency key that
	// is already used, the existing row is returned with created=false.
	InsertTransaction(ctx context.Context, tx types.Transaction) (*types.Transaction, bool, error)
	GetTransaction(ctx context.Context, queueID uuid.UUID) (*types.Transaction, error)
	ListTransactions(ctx context.Context, filter types.TransactionFilter) ([]types.Transaction, int64, error)

	// ClaimQueuedTransactions moves up to limit of the oldest queued rows to processed,
	// skipping rows locked by a concurrent claimer. Each call stamps its rows with a new ClaimID.
	ClaimQueuedTransactions(ctx context.Context, limit int) ([]types.Transaction, error)

	// The claim-scoped methods below only touch a processed row still held by claim.
	// Once a row was requeued and claimed again they return types.ErrInvalidState.

	// ReleaseTransaction puts a processed row without a signed payload back to queued.
	ReleaseTransaction(ctx context.Context, claim types.Claim, clearNonce bool) error
	// RecordSignedTransaction stores the first signed payload of a processed row.
	RecordSignedTransaction(ctx context.Context, claim types.Claim, signed types.SignedTransaction) error
	MarkSubmitted(ctx context.Context, claim types.Claim, sentAt time.Time) error
	// FailClaim moves a processed row to errored.
	FailClaim(ctx context.Context, claim types.Claim, message string) error

	// MarkReverted moves a submitted row to errored, keeping what the receipt says
	// about where and at what cost it was mined.
	MarkReverted(ctx context.Context, queueID uuid.UUID, receipt types.ReceiptInfo, message string) error
	GetStaleProcessedTransactions(ctx context.Context, olderThan time.Time, limit int) ([]types.Transaction, error)

	GetSubmittedTransactions(ctx context.Context, limit int) ([]types.Transaction, error)
	MarkMined(ctx context.Context, queueID uuid.UUID, receipt types.ReceiptInfo) error
	IncrementReceiptChecks(ctx context.Context, queueID uuid.UUID) (int, error)

	CancelQueuedTransaction(ctx context.Context, queueID uuid.UUID, at time.Time) error
	MarkCancelled(ctx context.Context, queueID uuid.UUID, cancelHash string, at time.Time) error
	// RecordRetry stores a replacement broadcast at the same nonce of a submitted row.
	RecordRetry(ctx context.Context, queueID uuid.UUID, signed types.SignedTransaction) error
	// UndoRetry takes back the replacement hash recorded by RecordRetry, restoring
	// the retry fields of previous, while hash is still the row's current one.
	UndoRetry(ctx context.Context, previous types.Transaction, hash string) error
	// RecordRetryFees stores bumped fees on a processed row that has not been signed yet.
	RecordRetryFees(ctx context.Context, queueID uuid.UUID, maxFeePerGas, maxPriorityFeePerGas string) error
}

// WalletStore persists wallet backend configuration and per-chain nonce records.
type WalletStore interface {
	CreateWalletDetails(ctx context.Context, details types.WalletDetails) error
	GetWalletDetails(ctx context.Context, address string) (*types.WalletDetails, error)
	ListWalletDetails(ctx context.Context) ([]types.WalletDetails, error)

	// EnsureWalletNonce creates rec if absent and returns the stored record.
	EnsureWalletNonce(ctx context.Context, rec types.WalletNonceRecord) (*types.WalletNonceRecord, error)
	GetWalletNonce(ctx context.Context, wallet string, chainID int64) (*types.WalletNonceRecord, error)
	ListWalletNonces(ctx context.Context) ([]types.WalletNonceRecord, error)
	// AllocateNonce locks the wallet record, stores the nonce chosen by next as
	// last used and assigns it to the processed row held by claim, atomically.
	AllocateNonce(ctx context.Context, claim types.Claim, wallet string, chainID int64, next NextNonceFunc) (uint64, error)
	// ReleaseNonce gives nonce back only if it is the last one handed out.
	ReleaseNonce(ctx context.Context, wallet string, chainID int64, nonce uint64) (bool, error)
	// SyncWalletNonce stores the chain's pending count, raising last used to at least
	// blockchainNonce-1 and never lowering it.
	SyncWalletNonce(ctx context.Context, wallet string, chainID int64, blockchainNonce uint64) (*types.WalletNonceRecord, error)
}

type DatabaseStorage interface {
	TransactionStore
	WalletStore
	Close() error
}
