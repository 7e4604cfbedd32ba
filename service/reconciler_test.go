package service

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vultisig/txrelay/internal/types"
)

func TestReconcileOutcomes(t *testing.T) {
	testCases := []struct {
		name      string
		mine      bool
		status    uint64
		want      types.TransactionStatus
		wantError string
	}{
		{name: "mined", mine: true, status: ethtypes.ReceiptStatusSuccessful, want: types.StatusMined},
		{name: "reverted", mine: true, status: ethtypes.ReceiptStatusFailed, want: types.StatusErrored, wantError: "transaction reverted on-chain"},
		{name: "pending", want: types.StatusSubmitted},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, 0)
			tx := h.dispatchOne(t)
			if tc.mine {
				h.client.Mine(common.HexToHash(*tx.TransactionHash), 42, tc.status)
			}
			_, err := h.reconciler(0).RunCycle(context.Background())
			require.NoError(t, err)

			got := h.get(t, tx.QueueID)
			assert.Equal(t, tc.want, got.Status)
			if tc.wantError != "" {
				require.NotNil(t, got.ErrorMessage)
				assert.Equal(t, tc.wantError, *got.ErrorMessage)
			}
			if !tc.mine {
				assert.Equal(t, 1, got.ReceiptChecks)
				assert.Nil(t, got.BlockNumber)
				return
			}
			require.NotNil(t, got.BlockNumber)
			assert.Equal(t, uint64(42), *got.BlockNumber)
			require.NotNil(t, got.GasUsed)
			assert.Equal(t, uint64(21000), *got.GasUsed)
			require.NotNil(t, got.EffectiveGasPrice)
			assert.Equal(t, "90", *got.EffectiveGasPrice)
			assert.NotNil(t, got.MinedAt)
			assert.Equal(t, *tx.TransactionHash, *got.TransactionHash)
		})
	}
}

func TestReconcileKeepsStuckTransactionSubmitted(t *testing.T) {
	h := newHarness(t, 0)
	tx := h.dispatchOne(t)
	r := h.reconciler(2)
	for i := 0; i < 3; i++ {
		_, err := r.RunCycle(context.Background())
		require.NoError(t, err)
	}
	got := h.get(t, tx.QueueID)
	assert.Equal(t, types.StatusSubmitted, got.Status)
	assert.Equal(t, 3, got.ReceiptChecks)
}

func TestReconcileFindsReplacedHash(t *testing.T) {
	h := newHarness(t, 0)
	tx := h.dispatchOne(t)
	_, err := h.retryService(RetryConfig{MaxRetries: 3}).Retry(context.Background(), RetryRequest{
		QueueID:              tx.QueueID,
		MaxFeePerGas:         "200",
		MaxPriorityFeePerGas: "50",
	})
	require.NoError(t, err)

	// the original payload is the one that made it into a block
	h.client.Mine(common.HexToHash(*tx.TransactionHash), 77, ethtypes.ReceiptStatusSuccessful)
	_, err = h.reconciler(0).RunCycle(context.Background())
	require.NoError(t, err)

	got := h.get(t, tx.QueueID)
	assert.Equal(t, types.StatusMined, got.Status)
	assert.Equal(t, *tx.TransactionHash, *got.TransactionHash)
	assert.Len(t, got.TransactionHashes, 2)
}

func TestReconcileRecordsDeployedContract(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	contractType := "erc20"
	id, err := h.queue.Enqueue(ctx, types.EnqueueRequest{
		ChainID:              testChainID,
		FromAddress:          h.wallet.Hex(),
		Data:                 "0x6080604052",
		DeployedContractType: &contractType,
	})
	require.NoError(t, err)
	_, err = h.dispatcher(10).RunCycle(ctx)
	require.NoError(t, err)

	sent := h.client.Sent()
	require.Len(t, sent, 1)
	assert.Nil(t, sent[0].To())
	receipt := h.client.Mine(sent[0].Hash(), 9, ethtypes.ReceiptStatusSuccessful)
	receipt.ContractAddress = common.HexToAddress("0x00000000000000000000000000000000000000d1")

	_, err = h.reconciler(0).RunCycle(ctx)
	require.NoError(t, err)
	got := h.get(t, id)
	assert.Equal(t, types.StatusMined, got.Status)
	require.NotNil(t, got.DeployedContractAddress)
	assert.Equal(t, receipt.ContractAddress.Hex(), *got.DeployedContractAddress)
	assert.Equal(t, "erc20", *got.DeployedContractType)
}
