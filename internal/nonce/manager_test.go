package nonce

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vultisig/txrelay/internal/chain"
	"github.com/vultisig/txrelay/internal/chain/chaintest"
	"github.com/vultisig/txrelay/internal/types"
	"github.com/vultisig/txrelay/storage/memory"
)

const (
	testChainID = int64(80001)
	ownerEOA    = "0x00000000000000000000000000000000000000ab"
	smartWallet = "0x00000000000000000000000000000000000000ef"
)

func setup(t *testing.T, pending uint64) (*memory.Backend, *chaintest.FakeClient, *Manager) {
	t.Helper()
	store := memory.New()
	key := "encrypted"
	require.NoError(t, store.CreateWalletDetails(context.Background(), types.WalletDetails{
		Address:      ownerEOA,
		Type:         types.WalletTypeLocal,
		EncryptedKey: &key,
		CreatedAt:    time.Now(),
	}))
	client := chaintest.NewFakeClient(testChainID)
	client.SetPendingNonce(common.HexToAddress(ownerEOA), pending)
	registry := chain.NewRegistry()
	registry.Register(client, types.TxTypeEIP1559)
	return store, client, NewManager(store, registry, logrus.New())
}

func claimed(t *testing.T, store *memory.Backend, n int) []types.Claim {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		tx := types.Transaction{
			QueueID:     uuid.New(),
			ChainID:     testChainID,
			FromAddress: ownerEOA,
			Value:       "0",
			QueuedAt:    time.Now().Add(time.Duration(i) * time.Millisecond),
		}
		_, _, err := store.InsertTransaction(ctx, tx)
		require.NoError(t, err)
	}
	txs, err := store.ClaimQueuedTransactions(ctx, n)
	require.NoError(t, err)
	require.Len(t, txs, n)
	claims := make([]types.Claim, 0, n)
	for _, tx := range txs {
		claims = append(claims, tx.Claim())
	}
	return claims
}

func TestNextNonce(t *testing.T) {
	testCases := []struct {
		name       string
		lastUsed   int64
		blockchain int64
		expected   uint64
	}{
		{name: "fresh wallet", lastUsed: -1, blockchain: 0, expected: 0},
		{name: "continues after last used", lastUsed: 4, blockchain: 3, expected: 5},
		{name: "chain moved ahead", lastUsed: 4, blockchain: 9, expected: 9},
		{name: "equal", lastUsed: 4, blockchain: 5, expected: 5},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NextNonce(types.WalletNonceRecord{LastUsedNonce: tc.lastUsed, BlockchainNonce: tc.blockchain})
			require.NoError(t, err)
			assert.Equal(t, tc.expected, got)
		})
	}

	_, err := NextNonce(types.WalletNonceRecord{LastUsedNonce: -5, BlockchainNonce: -3})
	assert.Error(t, err)
}

func TestAllocateCreatesRecordLazily(t *testing.T) {
	store, _, m := setup(t, 5)
	ids := claimed(t, store, 2)
	ctx := context.Background()

	n, err := m.Allocate(ctx, ids[0], ownerEOA, testChainID)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), n)
	n, err = m.Allocate(ctx, ids[1], ownerEOA, testChainID)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), n)

	rec, err := store.GetWalletNonce(ctx, ownerEOA, testChainID)
	require.NoError(t, err)
	assert.Equal(t, int64(6), rec.LastUsedNonce)
	assert.Equal(t, types.WalletTypeLocal, rec.WalletType)
}

func TestAllocateUnknownWallet(t *testing.T) {
	store, _, m := setup(t, 0)
	ids := claimed(t, store, 1)
	_, err := m.Allocate(context.Background(), ids[0], "0x0000000000000000000000000000000000000001", testChainID)
	assert.ErrorIs(t, err, types.ErrWalletNotFound)
}

func TestAllocateConcurrentIsGapFree(t *testing.T) {
	store, _, m := setup(t, 10)
	const n = 50
	ids := claimed(t, store, n)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		nonces = make(map[uint64]int)
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id types.Claim) {
			defer wg.Done()
			got, err := m.Allocate(context.Background(), id, ownerEOA, testChainID)
			assert.NoError(t, err)
			mu.Lock()
			nonces[got]++
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	require.Len(t, nonces, n)
	for i := uint64(10); i < 10+n; i++ {
		assert.Equal(t, 1, nonces[i], "nonce %d", i)
	}
}

func TestReleaseOnlyTip(t *testing.T) {
	store, _, m := setup(t, 0)
	ids := claimed(t, store, 3)
	ctx := context.Background()
	for _, id := range ids {
		_, err := m.Allocate(ctx, id, ownerEOA, testChainID)
		require.NoError(t, err)
	}

	released, err := m.Release(ctx, ownerEOA, testChainID, 1)
	require.NoError(t, err)
	assert.False(t, released)

	released, err = m.Release(ctx, ownerEOA, testChainID, 2)
	require.NoError(t, err)
	assert.True(t, released)

	more := claimed(t, store, 1)
	n, err := m.Allocate(ctx, more[0], ownerEOA, testChainID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)
}

func TestResync(t *testing.T) {
	store, client, m := setup(t, 3)
	ctx := context.Background()
	registry := NewWalletRegistry(store, m)
	_, err := registry.EnsureWallet(ctx, ownerEOA, testChainID)
	require.NoError(t, err)

	client.SetPendingNonce(common.HexToAddress(ownerEOA), 8)
	rec, err := m.Resync(ctx, ownerEOA, testChainID)
	require.NoError(t, err)
	assert.Equal(t, int64(8), rec.BlockchainNonce)
	assert.Equal(t, int64(7), rec.LastUsedNonce)

	client.SetPendingNonce(common.HexToAddress(ownerEOA), 6)
	require.NoError(t, m.ResyncAll(ctx))
	rec, err = store.GetWalletNonce(ctx, ownerEOA, testChainID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), rec.LastUsedNonce)

	client.PendingErr = errors.New("rpc down")
	assert.Error(t, m.ResyncAll(ctx))
}

func TestEnsureWallet(t *testing.T) {
	store, client, m := setup(t, 4)
	ctx := context.Background()
	owner := ownerEOA
	require.NoError(t, store.CreateWalletDetails(ctx, types.WalletDetails{
		Address:      smartWallet,
		Type:         types.WalletTypeSmartAccount,
		OwnerAddress: &owner,
		CreatedAt:    time.Now(),
	}))
	registry := NewWalletRegistry(store, m)

	details, err := registry.EnsureWallet(ctx, smartWallet, testChainID)
	require.NoError(t, err)
	assert.Equal(t, types.WalletTypeSmartAccount, details.Type)
	assert.Equal(t, ownerEOA, NonceAccount(*details))

	rec, err := store.GetWalletNonce(ctx, ownerEOA, testChainID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.LastUsedNonce)
	_, err = store.GetWalletNonce(ctx, smartWallet, testChainID)
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = registry.EnsureWallet(ctx, "0x0000000000000000000000000000000000000002", testChainID)
	assert.ErrorIs(t, err, types.ErrWalletNotFound)
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = registry.EnsureWallet(ctx, ownerEOA, 1)
	assert.ErrorIs(t, err, types.ErrValidation)

	client.PendingErr = errors.New("rpc down")
	_, err = registry.EnsureWallet(ctx, ownerEOA, testChainID)
	assert.NoError(t, err, "existing records need no chain call")
}
