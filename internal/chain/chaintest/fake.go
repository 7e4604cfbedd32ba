// Package chaintest provides an in-memory chain.Client for tests.
package chaintest

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/vultisig/txrelay/internal/chain"
)

type FakeClient struct {
	mu sync.Mutex

	chainID  int64
	pending  map[common.Address]uint64
	receipts map[common.Hash]*types.Receipt
	sent     []*types.Transaction
	fees     chain.FeeData

	// SimulateFn, SendFn and ReceiptFn override the default behaviour when set.
	SimulateFn  func(msg ethereum.CallMsg) error
	SendFn      func(tx *types.Transaction) error
	ReceiptFn   func(hash common.Hash) (*types.Receipt, error)
	PendingErr  error
	GasEstimate uint64
}

var _ chain.Client = &FakeClient{}

func NewFakeClient(chainID int64) *FakeClient {
	return &FakeClient{
		chainID:  chainID,
		pending:  make(map[common.Address]uint64),
		receipts: make(map[common.Hash]*types.Receipt),
		fees: chain.FeeData{
			GasPrice:             big.NewInt(20),
			MaxFeePerGas:         big.NewInt(100),
			MaxPriorityFeePerGas: big.NewInt(2),
		},
		GasEstimate: 21000,
	}
}

func (f *FakeClient) ChainID() int64 {
	return f.chainID
}

func (f *FakeClient) SetPendingNonce(account common.Address, nonce uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[account] = nonce
}

func (f *FakeClient) SetFees(fees chain.FeeData) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fees = fees
}

// Mine stores a receipt for hash.
func (f *FakeClient) Mine(hash common.Hash, block uint64, status uint64) *types.Receipt {
	f.mu.Lock()
	defer f.mu.Unlock()
	receipt := &types.Receipt{
		Status:            status,
		TxHash:            hash,
		BlockNumber:       new(big.Int).SetUint64(block),
		GasUsed:           21000,
		EffectiveGasPrice: big.NewInt(90),
	}
	f.receipts[hash] = receipt
	return receipt
}

// Sent returns every transaction accepted by SendTransaction, in order.
func (f *FakeClient) Sent() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Transaction(nil), f.sent...)
}

func (f *FakeClient) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PendingErr != nil {
		return 0, f.PendingErr
	}
	return f.pending[account], nil
}

func (f *FakeClient) Simulate(_ context.Context, msg ethereum.CallMsg) error {
	if f.SimulateFn != nil {
		return f.SimulateFn(msg)
	}
	return nil
}

func (f *FakeClient) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	if f.SimulateFn != nil {
		if err := f.SimulateFn(msg); err != nil {
			return 0, err
		}
	}
	return f.GasEstimate, nil
}

func (f *FakeClient) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if f.SendFn != nil {
		if err := f.SendFn(tx); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}

func (f *FakeClient) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	if f.ReceiptFn != nil {
		return f.ReceiptFn(hash)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.receipts[hash], nil
}

func (f *FakeClient) FeeData(_ context.Context) (*chain.FeeData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fees := f.fees
	return &fees, nil
}

// RejectError is a JSON-RPC error as a node returns it.
type RejectError struct {
	Code    int
	Message string
}

func (e *RejectError) Error() string {
	return e.Message
}

func (e *RejectError) ErrorCode() int {
	return e.Code
}

func Reject(message string) error {
	return &RejectError{Code: -32000, Message: message}
}
