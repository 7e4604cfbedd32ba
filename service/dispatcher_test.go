package service

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vultisig/txrelay/internal/chain"
	"github.com/vultisig/txrelay/internal/chain/chaintest"
	"github.com/vultisig/txrelay/internal/signer"
	"github.com/vultisig/txrelay/internal/types"
)

func TestDispatchHappyPath(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()
	id := h.enqueue(t, types.EnqueueRequest{Value: "1000", Data: "0xa9059cbb"})
	assert.Equal(t, int64(4), h.lastUsedNonce(t))

	n, err := h.dispatcher(10).RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	tx := h.get(t, id)
	assert.Equal(t, types.StatusSubmitted, tx.Status)
	require.NotNil(t, tx.Nonce)
	assert.Equal(t, uint64(5), *tx.Nonce)
	require.NotNil(t, tx.TransactionHash)
	assert.Equal(t, []string{*tx.TransactionHash}, tx.TransactionHashes)
	assert.NotNil(t, tx.SentAt)
	assert.Equal(t, int64(5), h.lastUsedNonce(t))

	sent := h.client.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, uint64(5), sent[0].Nonce())
	assert.Equal(t, *tx.TransactionHash, sent[0].Hash().Hex())
	assert.Equal(t, uint64(25200), sent[0].Gas())
	assert.Equal(t, int64(100), sent[0].GasFeeCap().Int64())
	assert.Equal(t, int64(2), sent[0].GasTipCap().Int64())
	from, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(sent[0].ChainId()), sent[0])
	require.NoError(t, err)
	assert.Equal(t, h.wallet, from)

	h.client.Mine(sent[0].Hash(), 1000, ethtypes.ReceiptStatusSuccessful)
	n, err = h.reconciler(0).RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	tx = h.get(t, id)
	assert.Equal(t, types.StatusMined, tx.Status)
	require.NotNil(t, tx.BlockNumber)
	assert.Equal(t, uint64(1000), *tx.BlockNumber)
	assert.Equal(t, "90", *tx.EffectiveGasPrice)
	assert.Equal(t, uint64(21000), *tx.GasUsed)
	assert.NotNil(t, tx.MinedAt)
	assert.Equal(t, []types.TransactionStatus{types.StatusQueued, types.StatusSubmitted, types.StatusMined}, h.notifier.statuses(id))
}

func TestDispatchSimulationFailure(t *testing.T) {
	h := newHarness(t, 3)
	h.client.SimulateFn = func(ethereum.CallMsg) error {
		return &chain.RevertError{Reason: "ERC20: transfer amount exceeds balance"}
	}
	id := h.enqueue(t, types.EnqueueRequest{Data: "0xa9059cbb"})

	_, err := h.dispatcher(10).RunCycle(context.Background())
	require.NoError(t, err)

	tx := h.get(t, id)
	assert.Equal(t, types.StatusErrored, tx.Status)
	assert.Nil(t, tx.Nonce)
	require.NotNil(t, tx.ErrorMessage)
	assert.Contains(t, *tx.ErrorMessage, "simulation failed")
	assert.Contains(t, *tx.ErrorMessage, "transfer amount exceeds balance")
	assert.Empty(t, h.client.Sent())
	assert.Equal(t, int64(2), h.lastUsedNonce(t))
}

func TestDispatchTransientSimulationErrorRequeues(t *testing.T) {
	h := newHarness(t, 0)
	h.client.SimulateFn = func(ethereum.CallMsg) error {
		return errors.New("dial tcp: connection refused")
	}
	id := h.enqueue(t, types.EnqueueRequest{})

	_, err := h.dispatcher(10).RunCycle(context.Background())
	require.NoError(t, err)

	tx := h.get(t, id)
	assert.Equal(t, types.StatusQueued, tx.Status)
	assert.Nil(t, tx.Nonce)
	assert.Nil(t, tx.ProcessedAt)
	assert.Empty(t, h.client.Sent())
}

func TestDispatchBroadcastRejectedReleasesNonce(t *testing.T) {
	h := newHarness(t, 7)
	ctx := context.Background()
	h.client.SendFn = func(*ethtypes.Transaction) error {
		return chaintest.Reject("insufficient funds for gas * price + value")
	}
	first := h.enqueue(t, types.EnqueueRequest{})
	_, err := h.dispatcher(10).RunCycle(ctx)
	require.NoError(t, err)

	tx := h.get(t, first)
	assert.Equal(t, types.StatusErrored, tx.Status)
	require.NotNil(t, tx.ErrorMessage)
	assert.Contains(t, *tx.ErrorMessage, "broadcast failed")
	assert.Equal(t, int64(6), h.lastUsedNonce(t))

	h.client.SendFn = nil
	second := h.enqueue(t, types.EnqueueRequest{})
	_, err = h.dispatcher(10).RunCycle(ctx)
	require.NoError(t, err)
	tx = h.get(t, second)
	assert.Equal(t, types.StatusSubmitted, tx.Status)
	assert.Equal(t, uint64(7), *tx.Nonce)
}

func TestDispatchUnknownBroadcastOutcomeStaysProcessed(t *testing.T) {
	h := newHarness(t, 0)
	h.client.SendFn = func(*ethtypes.Transaction) error {
		return errors.New("i/o timeout")
	}
	id := h.enqueue(t, types.EnqueueRequest{})
	_, err := h.dispatcher(10).RunCycle(context.Background())
	require.NoError(t, err)

	tx := h.get(t, id)
	assert.Equal(t, types.StatusProcessed, tx.Status)
	assert.NotNil(t, tx.SignedRaw)
	assert.NotNil(t, tx.TransactionHash)
	assert.Equal(t, int64(0), h.lastUsedNonce(t))
}

func TestDispatchAlreadyKnownIsSuccess(t *testing.T) {
	h := newHarness(t, 0)
	h.client.SendFn = func(*ethtypes.Transaction) error {
		return chaintest.Reject("already known")
	}
	id := h.enqueue(t, types.EnqueueRequest{})
	_, err := h.dispatcher(10).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.StatusSubmitted, h.get(t, id).Status)
}

func TestDispatchUsesRequestFeesAndGasLimit(t *testing.T) {
	h := newHarness(t, 0)
	gasLimit := uint64(90000)
	maxFee, priority := "500", "40"
	id := h.enqueue(t, types.EnqueueRequest{
		GasLimit:             &gasLimit,
		MaxFeePerGas:         &maxFee,
		MaxPriorityFeePerGas: &priority,
	})
	_, err := h.dispatcher(10).RunCycle(context.Background())
	require.NoError(t, err)

	sent := h.client.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, gasLimit, sent[0].Gas())
	assert.Equal(t, int64(500), sent[0].GasFeeCap().Int64())
	assert.Equal(t, int64(40), sent[0].GasTipCap().Int64())
	tx := h.get(t, id)
	assert.Equal(t, "500", *tx.MaxFeePerGas)
	assert.Equal(t, gasLimit, *tx.GasLimit)
}

func TestDispatchLegacyTransaction(t *testing.T) {
	h := newHarness(t, 0)
	id := h.enqueue(t, types.EnqueueRequest{TxType: types.TxTypeLegacy})
	_, err := h.dispatcher(10).RunCycle(context.Background())
	require.NoError(t, err)

	sent := h.client.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, uint8(ethtypes.LegacyTxType), sent[0].Type())
	assert.Equal(t, int64(20), sent[0].GasPrice().Int64())
	assert.Equal(t, "20", *h.get(t, id).GasPrice)
}

type unavailableSigners struct{}

func (unavailableSigners) ForWallet(context.Context, string) (signer.Signer, error) {
	return nil, types.ErrSignerUnavailable
}

func TestDispatchSignerUnavailableRequeues(t *testing.T) {
	h := newHarness(t, 0)
	id := h.enqueue(t, types.EnqueueRequest{})
	d := h.dispatcher(10)
	d.signers = unavailableSigners{}

	_, err := d.RunCycle(context.Background())
	require.NoError(t, err)
	tx := h.get(t, id)
	assert.Equal(t, types.StatusQueued, tx.Status)
	assert.Nil(t, tx.Nonce)
}

func TestDispatchDecryptionFailureErrors(t *testing.T) {
	h := newHarness(t, 0)
	id := h.enqueue(t, types.EnqueueRequest{})
	d := h.dispatcher(10)
	d.signers = signer.NewFactory(signer.FactoryConfig{Passphrase: "wrong"}, h.store, h.logger)

	_, err := d.RunCycle(context.Background())
	require.NoError(t, err)
	tx := h.get(t, id)
	assert.Equal(t, types.StatusErrored, tx.Status)
	assert.Contains(t, *tx.ErrorMessage, "decryption")
}

func TestConcurrentDispatchersAssignGapFreeNonces(t *testing.T) {
	const (
		base        = 10
		rows        = 50
		dispatchers = 4
	)
	h := newHarness(t, base)
	ids := make(map[string]bool, rows)
	for i := 0; i < rows; i++ {
		ids[h.enqueue(t, types.EnqueueRequest{}).String()] = true
	}

	var wg sync.WaitGroup
	for i := 0; i < dispatchers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := h.dispatcher(5)
			for {
				n, err := d.RunCycle(context.Background())
				if err != nil || n == 0 {
					return
				}
			}
		}()
	}
	wg.Wait()

	all, total, err := h.store.ListTransactions(context.Background(), types.TransactionFilter{Limit: 1000})
	require.NoError(t, err)
	require.Equal(t, int64(rows), total)
	var nonces []int
	for _, tx := range all {
		require.True(t, ids[tx.QueueID.String()])
		require.Equal(t, types.StatusSubmitted, tx.Status)
		require.NotNil(t, tx.Nonce)
		nonces = append(nonces, int(*tx.Nonce))
	}
	sort.Ints(nonces)
	for i, n := range nonces {
		assert.Equal(t, base+i, n)
	}
	assert.Equal(t, int64(base+rows-1), h.lastUsedNonce(t))
	assert.Len(t, h.client.Sent(), rows)
}

func TestDispatchNoncesFollowQueueOrder(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()
	// the older row is slower to simulate than the one behind it
	h.client.SimulateFn = func(msg ethereum.CallMsg) error {
		if msg.Value != nil && msg.Value.Cmp(big.NewInt(1)) == 0 {
			time.Sleep(200 * time.Millisecond)
		}
		return nil
	}
	first := h.enqueue(t, types.EnqueueRequest{Value: "1"})
	second := h.enqueue(t, types.EnqueueRequest{Value: "2"})
	third := h.enqueue(t, types.EnqueueRequest{Value: "3"})

	n, err := h.dispatcher(10).RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	var prev *types.Transaction
	for i, id := range []uuid.UUID{first, second, third} {
		tx := h.get(t, id)
		require.Equal(t, types.StatusSubmitted, tx.Status)
		require.NotNil(t, tx.Nonce)
		assert.Equal(t, uint64(5+i), *tx.Nonce)
		if prev != nil {
			assert.False(t, tx.QueuedAt.Before(prev.QueuedAt))
		}
		prev = tx
	}
	sent := h.client.Sent()
	require.Len(t, sent, 3)
	for _, tx := range sent {
		assert.Equal(t, tx.Value().Uint64()+4, tx.Nonce(), "value %s", tx.Value())
	}
}

func TestDispatchRequeuedRowHoldsBackLaterRows(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()
	h.client.SimulateFn = func(msg ethereum.CallMsg) error {
		if msg.Value != nil && msg.Value.Cmp(big.NewInt(1)) == 0 {
			return errors.New("dial tcp: connection refused")
		}
		return nil
	}
	first := h.enqueue(t, types.EnqueueRequest{Value: "1"})
	second := h.enqueue(t, types.EnqueueRequest{Value: "2"})

	_, err := h.dispatcher(10).RunCycle(ctx)
	require.NoError(t, err)
	for _, id := range []uuid.UUID{first, second} {
		tx := h.get(t, id)
		assert.Equal(t, types.StatusQueued, tx.Status)
		assert.Nil(t, tx.Nonce)
	}
	assert.Empty(t, h.client.Sent())
	assert.Equal(t, int64(4), h.lastUsedNonce(t))

	h.client.SimulateFn = nil
	_, err = h.dispatcher(10).RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), *h.get(t, first).Nonce)
	assert.Equal(t, uint64(6), *h.get(t, second).Nonce)
}

// gatedSigners holds the first signature until release is closed.
type gatedSigners struct {
	SignerSource
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedSigners(source SignerSource) *gatedSigners {
	return &gatedSigners{SignerSource: source, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedSigners) ForWallet(ctx context.Context, address string) (signer.Signer, error) {
	s, err := g.SignerSource.ForWallet(ctx, address)
	if err != nil {
		return nil, err
	}
	return gatedSigner{Signer: s, gate: g}, nil
}

type gatedSigner struct {
	signer.Signer
	gate *gatedSigners
}

func (s gatedSigner) SignTx(ctx context.Context, tx *ethtypes.Transaction, chainID *big.Int) (*ethtypes.Transaction, error) {
	s.gate.once.Do(func() {
		close(s.gate.entered)
		<-s.gate.release
	})
	return s.Signer.SignTx(ctx, tx, chainID)
}

func TestDispatchAfterLosingClaimWritesNothing(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	id := h.enqueue(t, types.EnqueueRequest{})

	gate := newGatedSigners(h.signers)
	slow := h.dispatcher(10)
	slow.signers = gate
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := slow.RunCycle(ctx)
		assert.NoError(t, err)
	}()
	<-gate.entered

	// recovery takes the row back while the first claimer is stuck signing,
	// then another worker claims it
	n, err := h.recovery().RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	reclaimed, err := h.store.ClaimQueuedTransactions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)

	close(gate.release)
	<-done

	tx := h.get(t, id)
	assert.Equal(t, types.StatusProcessed, tx.Status)
	assert.Nil(t, tx.SignedRaw)
	assert.Nil(t, tx.ErrorMessage)
	assert.Empty(t, tx.TransactionHashes)
	require.NotNil(t, tx.ClaimID)
	assert.Equal(t, *reclaimed[0].ClaimID, *tx.ClaimID)
	require.NotNil(t, tx.Nonce)
	assert.Equal(t, uint64(0), *tx.Nonce)
	assert.Empty(t, h.client.Sent())

	// the current claimer goes on at the nonce the row kept
	require.NoError(t, h.store.ReleaseTransaction(ctx, reclaimed[0].Claim(), false))
	_, err = h.dispatcher(10).RunCycle(ctx)
	require.NoError(t, err)
	tx = h.get(t, id)
	assert.Equal(t, types.StatusSubmitted, tx.Status)
	assert.Equal(t, uint64(0), *tx.Nonce)
	assert.Len(t, h.client.Sent(), 1)
	assert.Equal(t, int64(0), h.lastUsedNonce(t))
}
