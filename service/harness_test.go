package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vultisig/txrelay/internal/chain"
	"github.com/vultisig/txrelay/internal/chain/chaintest"
	"github.com/vultisig/txrelay/internal/nonce"
	"github.com/vultisig/txrelay/internal/signer"
	"github.com/vultisig/txrelay/internal/types"
	"github.com/vultisig/txrelay/storage/memory"
)

const (
	testChainID    = int64(80001)
	testPassphrase = "relay-test-passphrase"
	testRecipient  = "0x00000000000000000000000000000000000000c0"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []types.Transaction
}

func (n *recordingNotifier) Notify(_ context.Context, tx types.Transaction) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, tx)
}

func (n *recordingNotifier) statuses(queueID uuid.UUID) []types.TransactionStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []types.TransactionStatus
	for _, tx := range n.events {
		if tx.QueueID == queueID {
			out = append(out, tx.Status)
		}
	}
	return out
}

type harness struct {
	store    *memory.Backend
	client   *chaintest.FakeClient
	chains   *chain.Registry
	nonces   *nonce.Manager
	signers  *signer.Factory
	notifier *recordingNotifier
	queue    *QueueService
	wallet   common.Address
	logger   *logrus.Logger
}

// newHarness registers one local wallet whose pending nonce on the test chain is pending.
func newHarness(t *testing.T, pending uint64) *harness {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	encrypted, err := signer.EncryptPrivateKey(key, testPassphrase)
	require.NoError(t, err)
	wallet := crypto.PubkeyToAddress(key.PublicKey)

	store := memory.New()
	require.NoError(t, store.CreateWalletDetails(context.Background(), types.WalletDetails{
		Address:      wallet.Hex(),
		Type:         types.WalletTypeLocal,
		Label:        "relayer",
		EncryptedKey: &encrypted,
		CreatedAt:    time.Now(),
	}))

	client := chaintest.NewFakeClient(testChainID)
	client.SetPendingNonce(wallet, pending)
	chains := chain.NewRegistry()
	chains.Register(client, types.TxTypeEIP1559)

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	nonces := nonce.NewManager(store, chains, logger)
	notifier := &recordingNotifier{}

	return &harness{
		store:    store,
		client:   client,
		chains:   chains,
		nonces:   nonces,
		signers:  signer.NewFactory(signer.FactoryConfig{Passphrase: testPassphrase}, store, logger),
		notifier: notifier,
		queue:    NewQueueService(store, nonce.NewWalletRegistry(store, nonces), chains, logger, WithNotifier(notifier)),
		wallet:   wallet,
		logger:   logger,
	}
}

func (h *harness) dispatcher(batchSize int) *Dispatcher {
	return NewDispatcher(DispatcherConfig{
		BatchSize:             batchSize,
		Concurrency:           4,
		GasLimitBufferPercent: 20,
	}, h.store, h.nonces, h.signers, h.chains, h.notifier, &statsd.NoOpClient{}, h.logger)
}

func (h *harness) reconciler(stuckAfter int) *Reconciler {
	return NewReconciler(ReconcilerConfig{
		BatchSize:        100,
		Concurrency:      4,
		StuckAfterChecks: stuckAfter,
	}, h.store, h.chains, h.notifier, &statsd.NoOpClient{}, h.logger)
}

func (h *harness) retryService(cfg RetryConfig) *RetryService {
	return NewRetryService(cfg, h.store, h.store, h.nonces, h.signers, h.chains, h.notifier, &statsd.NoOpClient{}, h.logger)
}

func (h *harness) enqueue(t *testing.T, req types.EnqueueRequest) uuid.UUID {
	t.Helper()
	if req.ChainID == 0 {
		req.ChainID = testChainID
	}
	if req.FromAddress == "" {
		req.FromAddress = h.wallet.Hex()
	}
	if req.ToAddress == "" {
		req.ToAddress = testRecipient
	}
	id, err := h.queue.Enqueue(context.Background(), req)
	require.NoError(t, err)
	return id
}

func (h *harness) get(t *testing.T, queueID uuid.UUID) *types.Transaction {
	t.Helper()
	tx, err := h.store.GetTransaction(context.Background(), queueID)
	require.NoError(t, err)
	return tx
}

// dispatchOne enqueues a plain transfer and dispatches it to submitted.
func (h *harness) dispatchOne(t *testing.T) *types.Transaction {
	t.Helper()
	id := h.enqueue(t, types.EnqueueRequest{Value: "1000"})
	n, err := h.dispatcher(10).RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	tx := h.get(t, id)
	require.Equal(t, types.StatusSubmitted, tx.Status)
	return tx
}

func (h *harness) lastUsedNonce(t *testing.T) int64 {
	t.Helper()
	rec, err := h.store.GetWalletNonce(context.Background(), h.wallet.Hex(), testChainID)
	require.NoError(t, err)
	return rec.LastUsedNonce
}
