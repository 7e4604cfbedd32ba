// Package storagetest holds the behaviour every storage.DatabaseStorage backend must share.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vultisig/txrelay/internal/types"
	"github.com/vultisig/txrelay/storage"
)

const (
	TestWallet  = "0x00000000000000000000000000000000000000ab"
	TestChainID = int64(80001)
)

// NewTransaction returns a queued transfer from TestWallet.
func NewTransaction(queuedAt time.Time) types.Transaction {
	return types.Transaction{
		QueueID:     uuid.New(),
		ChainID:     TestChainID,
		FromAddress: TestWallet,
		ToAddress:   "0x00000000000000000000000000000000000000cd",
		Data:        "0x",
		Value:       "1000",
		TxType:      types.TxTypeEIP1559,
		Status:      types.StatusQueued,
		QueuedAt:    queuedAt.UTC().Truncate(time.Millisecond),
	}
}

func strPtr(s string) *string {
	return &s
}

// Run executes the shared contract against stores produced by newStore.
// newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) storage.DatabaseStorage) {
	testCases := []struct {
		name string
		fn   func(t *testing.T, s storage.DatabaseStorage)
	}{
		{name: "insert and idempotency", fn: testInsert},
		{name: "list", fn: testList},
		{name: "claim is exclusive", fn: testClaimExclusive},
		{name: "lifecycle", fn: testLifecycle},
		{name: "illegal transitions", fn: testIllegalTransitions},
		{name: "release", fn: testRelease},
		{name: "stale claim", fn: testStaleClaim},
		{name: "reverted", fn: testReverted},
		{name: "retry", fn: testRetry},
		{name: "nonce records", fn: testNonceRecords},
		{name: "wallet details", fn: testWalletDetails},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t))
		})
	}
}

func ensureWallet(t *testing.T, s storage.DatabaseStorage, blockchainNonce int64) {
	t.Helper()
	_, err := s.EnsureWalletNonce(context.Background(), types.WalletNonceRecord{
		WalletAddress:   TestWallet,
		ChainID:         TestChainID,
		BlockchainNonce: blockchainNonce,
		WalletType:      types.WalletTypeLocal,
	})
	require.NoError(t, err)
}

func nextNonce(rec types.WalletNonceRecord) (uint64, error) {
	next := rec.LastUsedNonce + 1
	if rec.BlockchainNonce > next {
		next = rec.BlockchainNonce
	}
	return uint64(next), nil
}

func testInsert(t *testing.T, s storage.DatabaseStorage) {
	ctx := context.Background()
	tx := NewTransaction(time.Now())
	tx.IdempotencyKey = strPtr("order-1")

	created, isNew, err := s.InsertTransaction(ctx, tx)
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, types.StatusQueued, created.Status)
	assert.Equal(t, "1000", created.Value)

	again := NewTransaction(time.Now())
	again.IdempotencyKey = strPtr("order-1")
	existing, isNew, err := s.InsertTransaction(ctx, again)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, tx.QueueID, existing.QueueID)

	got, err := s.GetTransaction(ctx, tx.QueueID)
	require.NoError(t, err)
	assert.Equal(t, tx.QueueID, got.QueueID)
	assert.Nil(t, got.Nonce)

	_, err = s.GetTransaction(ctx, uuid.New())
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func testList(t *testing.T, s storage.DatabaseStorage) {
	ctx := context.Background()
	base := time.Now()
	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		tx := NewTransaction(base.Add(time.Duration(i) * time.Second))
		_, _, err := s.InsertTransaction(ctx, tx)
		require.NoError(t, err)
		ids = append(ids, tx.QueueID)
	}
	require.NoError(t, s.CancelQueuedTransaction(ctx, ids[0], time.Now()))

	page, total, err := s.ListTransactions(ctx, types.TransactionFilter{Page: 1, Limit: 2, Sort: types.SortAsc})
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	require.Len(t, page, 2)
	assert.Equal(t, ids[0], page[0].QueueID)
	assert.Equal(t, ids[1], page[1].QueueID)

	page, _, err = s.ListTransactions(ctx, types.TransactionFilter{Page: 1, Limit: 2, Sort: types.SortDesc})
	require.NoError(t, err)
	assert.Equal(t, ids[4], page[0].QueueID)

	queued := types.StatusQueued
	page, total, err = s.ListTransactions(ctx, types.TransactionFilter{Page: 2, Limit: 3, Status: &queued, Sort: types.SortAsc})
	require.NoError(t, err)
	assert.Equal(t, int64(4), total)
	require.Len(t, page, 1)
	assert.Equal(t, ids[4], page[0].QueueID)
}

func testClaimExclusive(t *testing.T, s storage.DatabaseStorage) {
	ctx := context.Background()
	base := time.Now()
	const rows = 30
	for i := 0; i < rows; i++ {
		_, _, err := s.InsertTransaction(ctx, NewTransaction(base.Add(time.Duration(i)*time.Millisecond*10)))
		require.NoError(t, err)
	}

	var (
		mu      sync.Mutex
		claimed = make(map[uuid.UUID]int)
		wg      sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				batch, err := s.ClaimQueuedTransactions(ctx, 4)
				if err != nil || len(batch) == 0 {
					return
				}
				mu.Lock()
				for i, tx := range batch {
					claimed[tx.QueueID]++
					if i > 0 {
						assert.False(t, tx.QueuedAt.Before(batch[i-1].QueuedAt))
					}
					assert.Equal(t, types.StatusProcessed, tx.Status)
					assert.NotNil(t, tx.ProcessedAt)
					assert.NotNil(t, tx.ClaimID)
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, rows)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "claimed %s more than once", id)
	}
}

func testLifecycle(t *testing.T, s storage.DatabaseStorage) {
	ctx := context.Background()
	ensureWallet(t, s, 5)
	tx := NewTransaction(time.Now())
	_, _, err := s.InsertTransaction(ctx, tx)
	require.NoError(t, err)

	claimed, err := s.ClaimQueuedTransactions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	claim := claimed[0].Claim()

	nonce, err := s.AllocateNonce(ctx, claim, TestWallet, TestChainID, nextNonce)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), nonce)

	_, err = s.AllocateNonce(ctx, claim, TestWallet, TestChainID, nextNonce)
	assert.ErrorIs(t, err, types.ErrInvalidState)

	signed := types.SignedTransaction{
		Hash:                 "0xaaa",
		Raw:                  "0x02f8",
		GasLimit:             21000,
		MaxFeePerGas:         strPtr("100"),
		MaxPriorityFeePerGas: strPtr("2"),
	}
	require.NoError(t, s.RecordSignedTransaction(ctx, claim, signed))
	assert.ErrorIs(t, s.RecordSignedTransaction(ctx, claim, signed), types.ErrInvalidState, "signed payload is written once")
	require.NoError(t, s.MarkSubmitted(ctx, claim, time.Now()))

	submitted, err := s.GetSubmittedTransactions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, submitted, 1)
	assert.Equal(t, []string{"0xaaa"}, submitted[0].TransactionHashes)
	require.NotNil(t, submitted[0].Nonce)
	assert.Equal(t, uint64(5), *submitted[0].Nonce)

	checks, err := s.IncrementReceiptChecks(ctx, tx.QueueID)
	require.NoError(t, err)
	assert.Equal(t, 1, checks)

	require.NoError(t, s.MarkMined(ctx, tx.QueueID, types.ReceiptInfo{
		TransactionHash:   "0xaaa",
		BlockNumber:       1000,
		EffectiveGasPrice: "90",
		GasUsed:           21000,
		MinedAt:           time.Now(),
	}))

	mined, err := s.GetTransaction(ctx, tx.QueueID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusMined, mined.Status)
	require.NotNil(t, mined.BlockNumber)
	assert.Equal(t, uint64(1000), *mined.BlockNumber)
	assert.Equal(t, "90", *mined.EffectiveGasPrice)
	assert.Equal(t, "100", *mined.MaxFeePerGas)

	rec, err := s.GetWalletNonce(ctx, TestWallet, TestChainID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), rec.LastUsedNonce)
}

func testIllegalTransitions(t *testing.T, s storage.DatabaseStorage) {
	ctx := context.Background()
	tx := NewTransaction(time.Now())
	_, _, err := s.InsertTransaction(ctx, tx)
	require.NoError(t, err)

	testCases := []struct {
		name string
		fn   func() error
	}{
		{name: "submit queued", fn: func() error { return s.MarkSubmitted(ctx, tx.Claim(), time.Now()) }},
		{name: "mine queued", fn: func() error {
			return s.MarkMined(ctx, tx.QueueID, types.ReceiptInfo{TransactionHash: "0x1", EffectiveGasPrice: "1", MinedAt: time.Now()})
		}},
		{name: "cancel submitted-only on queued", fn: func() error { return s.MarkCancelled(ctx, tx.QueueID, "0x2", time.Now()) }},
		{name: "retry queued", fn: func() error { return s.RecordRetry(ctx, tx.QueueID, types.SignedTransaction{Hash: "0x3", Raw: "0x"}) }},
		{name: "release queued", fn: func() error { return s.ReleaseTransaction(ctx, tx.Claim(), true) }},
		{name: "fail queued", fn: func() error { return s.FailClaim(ctx, tx.Claim(), "boom") }},
		{name: "revert queued", fn: func() error {
			return s.MarkReverted(ctx, tx.QueueID, types.ReceiptInfo{TransactionHash: "0x4", EffectiveGasPrice: "1", MinedAt: time.Now()}, "reverted")
		}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, tc.fn(), types.ErrInvalidState)
			got, err := s.GetTransaction(ctx, tx.QueueID)
			require.NoError(t, err)
			assert.Equal(t, types.StatusQueued, got.Status)
		})
	}

	require.NoError(t, s.CancelQueuedTransaction(ctx, tx.QueueID, time.Now()))
	assert.ErrorIs(t, s.CancelQueuedTransaction(ctx, tx.QueueID, time.Now()), types.ErrInvalidState)
	assert.ErrorIs(t, s.FailClaim(ctx, tx.Claim(), "boom"), types.ErrInvalidState)

	claimed, err := s.ClaimQueuedTransactions(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	got, err := s.GetTransaction(ctx, tx.QueueID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, got.Status)
	assert.NotNil(t, got.CancelledAt)
}

func testRelease(t *testing.T, s storage.DatabaseStorage) {
	ctx := context.Background()
	ensureWallet(t, s, 0)
	tx := NewTransaction(time.Now())
	_, _, err := s.InsertTransaction(ctx, tx)
	require.NoError(t, err)

	claimed, err := s.ClaimQueuedTransactions(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	nonce, err := s.AllocateNonce(ctx, claimed[0].Claim(), TestWallet, TestChainID, nextNonce)
	require.NoError(t, err)

	require.NoError(t, s.ReleaseTransaction(ctx, claimed[0].Claim(), false))
	got, err := s.GetTransaction(ctx, tx.QueueID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusQueued, got.Status)
	assert.Nil(t, got.ProcessedAt)
	assert.Nil(t, got.ClaimID)
	require.NotNil(t, got.Nonce)
	assert.Equal(t, nonce, *got.Nonce)

	claimed, err = s.ClaimQueuedTransactions(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	released, err := s.ReleaseNonce(ctx, TestWallet, TestChainID, nonce)
	require.NoError(t, err)
	assert.True(t, released)
	require.NoError(t, s.ReleaseTransaction(ctx, claimed[0].Claim(), true))
	got, err = s.GetTransaction(ctx, tx.QueueID)
	require.NoError(t, err)
	assert.Nil(t, got.Nonce)

	stale, err := s.GetStaleProcessedTransactions(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, stale)
	_, err = s.ClaimQueuedTransactions(ctx, 1)
	require.NoError(t, err)
	stale, err = s.GetStaleProcessedTransactions(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	staleClaim := stale[0].Claim()
	stale, err = s.GetStaleProcessedTransactions(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, stale)

	require.NoError(t, s.FailClaim(ctx, staleClaim, ""))
	got, err = s.GetTransaction(ctx, tx.QueueID)
	require.NoError(t, err)
	require.NotNil(t, got.ErrorMessage)
	assert.NotEmpty(t, *got.ErrorMessage)
}

// testStaleClaim requeues a claimed row behind its first claimer's back, as the
// processed-timeout recovery does, and checks the first claimer can no longer write.
func testStaleClaim(t *testing.T, s storage.DatabaseStorage) {
	ctx := context.Background()
	ensureWallet(t, s, 0)
	tx := NewTransaction(time.Now())
	_, _, err := s.InsertTransaction(ctx, tx)
	require.NoError(t, err)

	claimed, err := s.ClaimQueuedTransactions(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	first := claimed[0].Claim()
	require.NoError(t, s.ReleaseTransaction(ctx, first, false))

	claimed, err = s.ClaimQueuedTransactions(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	second := claimed[0].Claim()
	require.NotEqual(t, first.ClaimID, second.ClaimID)

	signed := types.SignedTransaction{Hash: "0xb1", Raw: "0xraw", GasLimit: 21000, GasPrice: strPtr("5")}
	_, err = s.AllocateNonce(ctx, first, TestWallet, TestChainID, nextNonce)
	assert.ErrorIs(t, err, types.ErrInvalidState)
	nonce, err := s.AllocateNonce(ctx, second, TestWallet, TestChainID, nextNonce)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), nonce)

	testCases := []struct {
		name string
		fn   func() error
	}{
		{name: "sign", fn: func() error { return s.RecordSignedTransaction(ctx, first, signed) }},
		{name: "release", fn: func() error { return s.ReleaseTransaction(ctx, first, true) }},
		{name: "fail", fn: func() error { return s.FailClaim(ctx, first, "late failure") }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, tc.fn(), types.ErrInvalidState)
			got, err := s.GetTransaction(ctx, tx.QueueID)
			require.NoError(t, err)
			assert.Equal(t, types.StatusProcessed, got.Status)
			assert.Nil(t, got.SignedRaw)
			require.NotNil(t, got.Nonce)
		})
	}

	require.NoError(t, s.RecordSignedTransaction(ctx, second, signed))
	assert.ErrorIs(t, s.MarkSubmitted(ctx, first, time.Now()), types.ErrInvalidState)
	require.NoError(t, s.MarkSubmitted(ctx, second, time.Now()))

	got, err := s.GetTransaction(ctx, tx.QueueID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSubmitted, got.Status)
	assert.Equal(t, []string{"0xb1"}, got.TransactionHashes)
	assert.Nil(t, got.ErrorMessage)
}

func testReverted(t *testing.T, s storage.DatabaseStorage) {
	ctx := context.Background()
	ensureWallet(t, s, 0)
	tx := NewTransaction(time.Now())
	_, _, err := s.InsertTransaction(ctx, tx)
	require.NoError(t, err)
	claimed, err := s.ClaimQueuedTransactions(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	claim := claimed[0].Claim()
	_, err = s.AllocateNonce(ctx, claim, TestWallet, TestChainID, nextNonce)
	require.NoError(t, err)
	require.NoError(t, s.RecordSignedTransaction(ctx, claim, types.SignedTransaction{
		Hash: "0xc1", Raw: "0xraw", GasLimit: 50000, GasPrice: strPtr("7"),
	}))
	require.NoError(t, s.MarkSubmitted(ctx, claim, time.Now()))

	minedAt := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.MarkReverted(ctx, tx.QueueID, types.ReceiptInfo{
		TransactionHash:   "0xc1",
		BlockNumber:       777,
		EffectiveGasPrice: "6",
		GasUsed:           43000,
		MinedAt:           minedAt,
	}, "transaction reverted on-chain"))

	got, err := s.GetTransaction(ctx, tx.QueueID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusErrored, got.Status)
	assert.Equal(t, "transaction reverted on-chain", *got.ErrorMessage)
	require.NotNil(t, got.BlockNumber)
	assert.Equal(t, uint64(777), *got.BlockNumber)
	require.NotNil(t, got.GasUsed)
	assert.Equal(t, uint64(43000), *got.GasUsed)
	require.NotNil(t, got.EffectiveGasPrice)
	assert.Equal(t, "6", *got.EffectiveGasPrice)
	require.NotNil(t, got.MinedAt)
	assert.True(t, minedAt.Equal(*got.MinedAt))

	assert.ErrorIs(t, s.MarkReverted(ctx, tx.QueueID, types.ReceiptInfo{TransactionHash: "0xc1", EffectiveGasPrice: "6"}, "again"), types.ErrInvalidState)
}

func testRetry(t *testing.T, s storage.DatabaseStorage) {
	ctx := context.Background()
	ensureWallet(t, s, 0)
	first := NewTransaction(time.Now())
	second := NewTransaction(time.Now().Add(time.Second))
	for _, tx := range []types.Transaction{first, second} {
		_, _, err := s.InsertTransaction(ctx, tx)
		require.NoError(t, err)
	}
	claimed, err := s.ClaimQueuedTransactions(ctx, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	firstClaim := claimed[0].Claim()
	require.Equal(t, first.QueueID, firstClaim.QueueID)

	require.NoError(t, s.RecordRetryFees(ctx, second.QueueID, "300", "30"))
	got, err := s.GetTransaction(ctx, second.QueueID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "300", *got.RetryMaxFeePerGas)
	assert.Equal(t, types.StatusProcessed, got.Status)

	_, err = s.AllocateNonce(ctx, firstClaim, TestWallet, TestChainID, nextNonce)
	require.NoError(t, err)
	require.NoError(t, s.RecordSignedTransaction(ctx, firstClaim, types.SignedTransaction{
		Hash: "0x01", Raw: "0xraw1", GasLimit: 21000, MaxFeePerGas: strPtr("100"), MaxPriorityFeePerGas: strPtr("10"),
	}))
	assert.ErrorIs(t, s.RecordRetryFees(ctx, first.QueueID, "200", "50"), types.ErrInvalidState)
	require.NoError(t, s.MarkSubmitted(ctx, firstClaim, time.Now()))
	_, err = s.IncrementReceiptChecks(ctx, first.QueueID)
	require.NoError(t, err)

	require.NoError(t, s.RecordRetry(ctx, first.QueueID, types.SignedTransaction{
		Hash: "0x02", Raw: "0xraw2", GasLimit: 21000, MaxFeePerGas: strPtr("200"), MaxPriorityFeePerGas: strPtr("50"),
	}))
	got, err = s.GetTransaction(ctx, first.QueueID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSubmitted, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, 0, got.ReceiptChecks)
	assert.Equal(t, "200", *got.RetryMaxFeePerGas)
	assert.Equal(t, "50", *got.RetryMaxPriorityFeePerGas)
	assert.Equal(t, "100", *got.MaxFeePerGas)
	assert.Equal(t, []string{"0x01", "0x02"}, got.TransactionHashes)
	assert.Equal(t, "0x02", *got.TransactionHash)
	assert.Equal(t, "0xraw2", *got.SignedRaw)

	previous := *got
	require.NoError(t, s.RecordRetry(ctx, first.QueueID, types.SignedTransaction{
		Hash: "0x04", Raw: "0xraw4", GasLimit: 21000, MaxFeePerGas: strPtr("400"), MaxPriorityFeePerGas: strPtr("60"),
	}))
	assert.ErrorIs(t, s.UndoRetry(ctx, previous, "0x02"), types.ErrInvalidState, "only the current hash can be taken back")
	require.NoError(t, s.UndoRetry(ctx, previous, "0x04"))
	got, err = s.GetTransaction(ctx, first.QueueID)
	require.NoError(t, err)
	assert.Equal(t, []string{"0x01", "0x02"}, got.TransactionHashes)
	assert.Equal(t, "0x02", *got.TransactionHash)
	assert.Equal(t, "0xraw2", *got.SignedRaw)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "200", *got.RetryMaxFeePerGas)

	require.NoError(t, s.MarkCancelled(ctx, first.QueueID, "0x03", time.Now()))
	got, err = s.GetTransaction(ctx, first.QueueID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, got.Status)
	assert.Equal(t, "0x03", *got.CancelTransactionHash)
}

func testNonceRecords(t *testing.T, s storage.DatabaseStorage) {
	ctx := context.Background()
	_, err := s.GetWalletNonce(ctx, TestWallet, TestChainID)
	assert.ErrorIs(t, err, types.ErrNotFound)

	ensureWallet(t, s, 5)
	rec, err := s.EnsureWalletNonce(ctx, types.WalletNonceRecord{
		WalletAddress: TestWallet, ChainID: TestChainID, BlockchainNonce: 99, WalletType: types.WalletTypeLocal,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), rec.BlockchainNonce)
	assert.Equal(t, int64(4), rec.LastUsedNonce)

	txs := make([]types.Transaction, 3)
	for i := range txs {
		txs[i] = NewTransaction(time.Now().Add(time.Duration(i) * time.Second))
		_, _, err := s.InsertTransaction(ctx, txs[i])
		require.NoError(t, err)
	}
	claimed, err := s.ClaimQueuedTransactions(ctx, 3)
	require.NoError(t, err)
	require.Len(t, claimed, len(txs))
	for i, tx := range claimed {
		nonce, err := s.AllocateNonce(ctx, tx.Claim(), TestWallet, TestChainID, nextNonce)
		require.NoError(t, err)
		assert.Equal(t, uint64(5+i), nonce)
	}

	released, err := s.ReleaseNonce(ctx, TestWallet, TestChainID, 6)
	require.NoError(t, err)
	assert.False(t, released, "only the tip can be released")
	released, err = s.ReleaseNonce(ctx, TestWallet, TestChainID, 7)
	require.NoError(t, err)
	assert.True(t, released)

	rec, err = s.SyncWalletNonce(ctx, TestWallet, TestChainID, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(10), rec.BlockchainNonce)
	assert.Equal(t, int64(9), rec.LastUsedNonce)

	rec, err = s.SyncWalletNonce(ctx, TestWallet, TestChainID, 8)
	require.NoError(t, err)
	assert.Equal(t, int64(9), rec.LastUsedNonce, "sync never lowers last used")

	released, err = s.ReleaseNonce(ctx, TestWallet, TestChainID, 9)
	require.NoError(t, err)
	assert.True(t, released)
	rec, err = s.GetWalletNonce(ctx, TestWallet, TestChainID)
	require.NoError(t, err)
	assert.Equal(t, int64(8), rec.LastUsedNonce)

	_, err = s.AllocateNonce(ctx, types.Claim{QueueID: uuid.New(), ClaimID: uuid.New()}, "0x0000000000000000000000000000000000000001", TestChainID, nextNonce)
	assert.ErrorIs(t, err, types.ErrNotFound)

	failing := func(types.WalletNonceRecord) (uint64, error) { return 0, fmt.Errorf("chain down") }
	extra := NewTransaction(time.Now().Add(time.Minute))
	_, _, err = s.InsertTransaction(ctx, extra)
	require.NoError(t, err)
	claimed, err = s.ClaimQueuedTransactions(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	_, err = s.AllocateNonce(ctx, claimed[0].Claim(), TestWallet, TestChainID, failing)
	assert.Error(t, err)
	rec, err = s.GetWalletNonce(ctx, TestWallet, TestChainID)
	require.NoError(t, err)
	assert.Equal(t, int64(8), rec.LastUsedNonce)

	records, err := s.ListWalletNonces(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func testWalletDetails(t *testing.T, s storage.DatabaseStorage) {
	ctx := context.Background()
	_, err := s.GetWalletDetails(ctx, TestWallet)
	assert.ErrorIs(t, err, types.ErrWalletNotFound)
	assert.ErrorIs(t, err, types.ErrValidation)

	key := "encrypted"
	owner := types.WalletDetails{
		Address:      "0x00000000000000000000000000000000000000AB",
		Type:         types.WalletTypeLocal,
		Label:        "hot",
		EncryptedKey: &key,
		CreatedAt:    time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, s.CreateWalletDetails(ctx, owner))
	assert.ErrorIs(t, s.CreateWalletDetails(ctx, owner), types.ErrValidation)

	account := types.WalletDetails{
		Address:      "0x00000000000000000000000000000000000000ef",
		Type:         types.WalletTypeSmartAccount,
		OwnerAddress: strPtr(TestWallet),
		CreatedAt:    owner.CreatedAt.Add(time.Second),
	}
	require.NoError(t, s.CreateWalletDetails(ctx, account))

	got, err := s.GetWalletDetails(ctx, "0x00000000000000000000000000000000000000Ab")
	require.NoError(t, err)
	assert.Equal(t, TestWallet, got.Address)
	assert.Equal(t, "encrypted", *got.EncryptedKey)

	all, err := s.ListWalletDetails(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, types.WalletTypeSmartAccount, all[1].Type)
	assert.Equal(t, TestWallet, *all[1].OwnerAddress)
}
