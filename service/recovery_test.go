package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vultisig/txrelay/internal/chain/chaintest"
	"github.com/vultisig/txrelay/internal/types"
)

func (h *harness) recovery() *Recovery {
	r := NewRecovery(RecoveryConfig{BatchSize: 10, ProcessedTimeout: time.Minute},
		h.store, h.chains, h.signers, h.nonces, h.notifier, &statsd.NoOpClient{}, h.logger)
	r.now = func() time.Time { return time.Now().Add(time.Hour) }
	return r
}

func TestRecoveryRequeuesUnclaimedWork(t *testing.T) {
	h := newHarness(t, 4)
	ctx := context.Background()
	id := h.enqueue(t, types.EnqueueRequest{})
	claimed, err := h.store.ClaimQueuedTransactions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	allocated, err := h.nonces.Allocate(ctx, claimed[0].Claim(), h.wallet.Hex(), testChainID)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), allocated)

	n, err := h.recovery().RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	tx := h.get(t, id)
	assert.Equal(t, types.StatusQueued, tx.Status)
	require.NotNil(t, tx.Nonce)
	assert.Equal(t, uint64(4), *tx.Nonce)

	// the next dispatch signs at the nonce the row kept
	_, err = h.dispatcher(10).RunCycle(ctx)
	require.NoError(t, err)
	tx = h.get(t, id)
	assert.Equal(t, types.StatusSubmitted, tx.Status)
	assert.Equal(t, uint64(4), *tx.Nonce)
	assert.Equal(t, int64(4), h.lastUsedNonce(t))
}

func TestRecoveryRebroadcastsSignedPayload(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	h.client.SendFn = func(*ethtypes.Transaction) error { return errors.New("i/o timeout") }
	id := h.enqueue(t, types.EnqueueRequest{})
	_, err := h.dispatcher(10).RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, types.StatusProcessed, h.get(t, id).Status)

	h.client.SendFn = nil
	_, err = h.recovery().RunCycle(ctx)
	require.NoError(t, err)

	tx := h.get(t, id)
	assert.Equal(t, types.StatusSubmitted, tx.Status)
	sent := h.client.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, *tx.TransactionHash, sent[0].Hash().Hex())
}

func TestRecoveryRejectedPayloadErrors(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	h.client.SendFn = func(*ethtypes.Transaction) error { return errors.New("i/o timeout") }
	id := h.enqueue(t, types.EnqueueRequest{})
	_, err := h.dispatcher(10).RunCycle(ctx)
	require.NoError(t, err)

	h.client.SendFn = func(*ethtypes.Transaction) error { return chaintest.Reject("intrinsic gas too low") }
	_, err = h.recovery().RunCycle(ctx)
	require.NoError(t, err)

	tx := h.get(t, id)
	assert.Equal(t, types.StatusErrored, tx.Status)
	assert.Contains(t, *tx.ErrorMessage, "intrinsic gas too low")
	assert.Equal(t, int64(-1), h.lastUsedNonce(t))
}

func TestRecoveryIgnoresFreshClaims(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	id := h.enqueue(t, types.EnqueueRequest{})
	_, err := h.store.ClaimQueuedTransactions(ctx, 10)
	require.NoError(t, err)

	r := h.recovery()
	r.now = time.Now
	n, err := r.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, types.StatusProcessed, h.get(t, id).Status)
}
