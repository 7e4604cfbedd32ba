package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"
)

// Client is the chain capability the relay core consumes.
type Client interface {
	ChainID() int64
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	// Simulate executes msg against pending state. A revert is returned as *RevertError.
	Simulate(ctx context.Context, msg ethereum.CallMsg) error
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	// TransactionReceipt returns nil, nil when the chain has no receipt for hash yet.
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	FeeData(ctx context.Context) (*FeeData, error)
}

// FeeData holds current fee suggestions in wei.
type FeeData struct {
	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// RevertError is a deterministic execution failure predicted by simulation.
type RevertError struct {
	Reason string
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return "execution reverted"
	}
	return "execution reverted: " + e.Reason
}

type rpcDataError interface {
	Error() string
	ErrorData() interface{}
}

type EthClient struct {
	chainID int64
	client  *ethclient.Client
	limiter *rate.Limiter
}

// Dial connects to an EVM JSON-RPC endpoint. A non-positive rps disables rate limiting.
func Dial(ctx context.Context, chainID int64, url string, rps float64, burst int) (*EthClient, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("fail to dial rpc for chain %d: %w", chainID, err)
	}
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst <= 0 {
		burst = 1
	}
	return &EthClient{
		chainID: chainID,
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
	}, nil
}

func (c *EthClient) Close() {
	c.client.Close()
}

func (c *EthClient) ChainID() int64 {
	return c.chainID
}

func (c *EthClient) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	return nil
}

func (c *EthClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	return c.client.PendingNonceAt(ctx, account)
}

func (c *EthClient) Simulate(ctx context.Context, msg ethereum.CallMsg) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	_, err := c.client.PendingCallContract(ctx, msg)
	if err == nil {
		return nil
	}
	if revert := AsRevert(err); revert != nil {
		return revert
	}
	return err
}

func (c *EthClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	gas, err := c.client.EstimateGas(ctx, msg)
	if err != nil {
		if revert := AsRevert(err); revert != nil {
			return 0, revert
		}
		return 0, err
	}
	return gas, nil
}

func (c *EthClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	return c.client.SendTransaction(ctx, tx)
}

func (c *EthClient) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	receipt, err := c.client.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

func (c *EthClient) FeeData(ctx context.Context) (*FeeData, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("fail to suggest gas price: %w", err)
	}
	head, err := c.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("fail to get latest header: %w", err)
	}
	fees := &FeeData{GasPrice: gasPrice}
	if head.BaseFee == nil {
		return fees, nil
	}
	tip, err := c.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("fail to suggest gas tip cap: %w", err)
	}
	fees.MaxPriorityFeePerGas = tip
	fees.MaxFeePerGas = MaxFeeFromBase(head.BaseFee, tip)
	return fees, nil
}

// MaxFeeFromBase leaves room for the base fee to double before the transaction is priced out.
func MaxFeeFromBase(baseFee, tip *big.Int) *big.Int {
	maxFee := new(big.Int).Mul(baseFee, big.NewInt(2))
	return maxFee.Add(maxFee, tip)
}

// AsRevert extracts a revert from an RPC error, or returns nil when err is not a revert.
func AsRevert(err error) *RevertError {
	var revert *RevertError
	if errors.As(err, &revert) {
		return revert
	}
	var dataErr rpcDataError
	if errors.As(err, &dataErr) {
		if reason, ok := decodeRevertData(dataErr.ErrorData()); ok {
			return &RevertError{Reason: reason}
		}
	}
	msg := err.Error()
	if strings.Contains(msg, "execution reverted") {
		reason := strings.TrimSpace(strings.TrimPrefix(msg[strings.Index(msg, "execution reverted"):], "execution reverted"))
		return &RevertError{Reason: strings.TrimPrefix(reason, ": ")}
	}
	return nil
}

func decodeRevertData(data interface{}) (string, bool) {
	hexData, ok := data.(string)
	if !ok {
		return "", false
	}
	raw, err := hexutil.Decode(hexData)
	if err != nil {
		return "", false
	}
	reason, err := abi.UnpackRevert(raw)
	if err != nil {
		return hexData, true
	}
	return reason, true
}

// IsRejected reports whether err is the node refusing a request, as opposed to a
// transport failure where the request may or may not have arrived.
func IsRejected(err error) bool {
	var rpcErr rpc.Error
	return errors.As(err, &rpcErr)
}

// IsAlreadyKnown reports whether the node already holds the broadcast transaction.
func IsAlreadyKnown(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

// IsNonceTooLow reports whether the node rejected a transaction because its nonce was used.
func IsNonceTooLow(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "nonce too low")
}
