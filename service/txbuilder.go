package service

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/vultisig/txrelay/internal/chain"
	"github.com/vultisig/txrelay/internal/types"
)

// selfTransferGas is the intrinsic gas of a plain value transfer.
const selfTransferGas = 21_000

// parseWei parses a non-negative integer wei amount.
func parseWei(field, value string) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not a number", types.ErrValidation, field)
	}
	if d.IsNegative() || !d.Equal(d.Truncate(0)) {
		return nil, fmt.Errorf("%w: %s must be a non-negative integer amount of wei", types.ErrValidation, field)
	}
	return d.BigInt(), nil
}

func parseOptionalWei(field string, value *string) (*big.Int, error) {
	if value == nil || *value == "" {
		return nil, nil
	}
	return parseWei(field, *value)
}

func weiString(v *big.Int) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}

// bumpFee raises v by percent, rounding up, and by at least one wei.
func bumpFee(v *big.Int, percent int64) *big.Int {
	bumped := new(big.Int).Mul(v, big.NewInt(100+percent))
	bumped.Add(bumped, big.NewInt(99))
	bumped.Div(bumped, big.NewInt(100))
	if bumped.Cmp(v) <= 0 {
		bumped = new(big.Int).Add(v, big.NewInt(1))
	}
	return bumped
}

func maxBig(a, b *big.Int) *big.Int {
	if a == nil {
		return b
	}
	if b == nil || a.Cmp(b) >= 0 {
		return a
	}
	return b
}

type feeParams struct {
	gasPrice    *big.Int
	maxFee      *big.Int
	maxPriority *big.Int
}

// storedFees returns the fees a row asks for: retry fees first, then request fees.
func storedFees(tx types.Transaction) (feeParams, error) {
	var (
		fees feeParams
		err  error
	)
	if fees.gasPrice, err = parseOptionalWei("gas_price", tx.GasPrice); err != nil {
		return fees, err
	}
	if fees.maxFee, err = parseOptionalWei("max_fee_per_gas", tx.MaxFeePerGas); err != nil {
		return fees, err
	}
	if fees.maxPriority, err = parseOptionalWei("max_priority_fee_per_gas", tx.MaxPriorityFeePerGas); err != nil {
		return fees, err
	}
	retryFee, err := parseOptionalWei("retry_max_fee_per_gas", tx.RetryMaxFeePerGas)
	if err != nil {
		return fees, err
	}
	retryPriority, err := parseOptionalWei("retry_max_priority_fee_per_gas", tx.RetryMaxPriorityFeePerGas)
	if err != nil {
		return fees, err
	}
	if retryFee != nil {
		fees.maxFee = retryFee
		if tx.TxType == types.TxTypeLegacy {
			fees.gasPrice = retryFee
		}
	}
	if retryPriority != nil {
		fees.maxPriority = retryPriority
	}
	return fees, nil
}

// resolveFees completes stored fees with the chain's current suggestion.
func resolveFees(ctx context.Context, client chain.Client, tx types.Transaction) (feeParams, error) {
	fees, err := storedFees(tx)
	if err != nil {
		return fees, err
	}
	complete := fees.gasPrice != nil
	if tx.TxType != types.TxTypeLegacy {
		complete = fees.maxFee != nil && fees.maxPriority != nil
	}
	if complete {
		return fees, nil
	}

	data, err := client.FeeData(ctx)
	if err != nil {
		return fees, fmt.Errorf("fail to get fee data: %w", err)
	}
	if tx.TxType == types.TxTypeLegacy {
		fees.gasPrice = data.GasPrice
		return fees, nil
	}
	if data.MaxFeePerGas == nil || data.MaxPriorityFeePerGas == nil {
		return fees, fmt.Errorf("%w: chain %d does not support eip1559 fees", types.ErrValidation, tx.ChainID)
	}
	if fees.maxPriority == nil {
		fees.maxPriority = data.MaxPriorityFeePerGas
	}
	if fees.maxFee == nil {
		fees.maxFee = maxBig(data.MaxFeePerGas, fees.maxPriority)
	}
	return fees, nil
}

func toAddress(tx types.Transaction) *common.Address {
	if tx.IsDeploy() {
		return nil
	}
	to := common.HexToAddress(tx.ToAddress)
	return &to
}

func callData(tx types.Transaction) ([]byte, error) {
	if tx.Data == "" || tx.Data == "0x" {
		return nil, nil
	}
	data, err := hexutil.Decode(tx.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: data is not hex: %v", types.ErrValidation, err)
	}
	return data, nil
}

// callMsg is the call as the relay wallet itself makes it, used for simulation and estimation.
func callMsg(from common.Address, tx types.Transaction, value *big.Int, data []byte) ethereum.CallMsg {
	return ethereum.CallMsg{
		From:  from,
		To:    toAddress(tx),
		Value: value,
		Data:  data,
	}
}

func newEthTx(chainID int64, txType types.TxType, nonce uint64, to *common.Address, value *big.Int, gas uint64, data []byte, fees feeParams) *ethtypes.Transaction {
	if txType == types.TxTypeLegacy {
		return ethtypes.NewTx(&ethtypes.LegacyTx{
			Nonce:    nonce,
			GasPrice: fees.gasPrice,
			Gas:      gas,
			To:       to,
			Value:    value,
			Data:     data,
		})
	}
	return ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   big.NewInt(chainID),
		Nonce:     nonce,
		GasTipCap: fees.maxPriority,
		GasFeeCap: fees.maxFee,
		Gas:       gas,
		To:        to,
		Value:     value,
		Data:      data,
	})
}

// signedPayload is what gets stored before a signed transaction is broadcast.
func signedPayload(signed *ethtypes.Transaction, fees feeParams, txType types.TxType) (types.SignedTransaction, error) {
	raw, err := signed.MarshalBinary()
	if err != nil {
		return types.SignedTransaction{}, fmt.Errorf("fail to encode signed transaction: %w", err)
	}
	out := types.SignedTransaction{
		Hash:     signed.Hash().Hex(),
		Raw:      hexutil.Encode(raw),
		GasLimit: signed.Gas(),
	}
	if txType == types.TxTypeLegacy {
		out.GasPrice = weiString(fees.gasPrice)
	} else {
		out.MaxFeePerGas = weiString(fees.maxFee)
		out.MaxPriorityFeePerGas = weiString(fees.maxPriority)
	}
	return out, nil
}

func decodeSignedRaw(raw string) (*ethtypes.Transaction, error) {
	data, err := hexutil.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("fail to decode signed payload: %w", err)
	}
	var tx ethtypes.Transaction
	if err := tx.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("fail to decode signed payload: %w", err)
	}
	return &tx, nil
}

// broadcast sends tx, treating a node that already holds it as success.
func broadcast(ctx context.Context, client chain.Client, tx *ethtypes.Transaction) error {
	err := client.SendTransaction(ctx, tx)
	if err == nil || chain.IsAlreadyKnown(err) {
		return nil
	}
	return err
}
