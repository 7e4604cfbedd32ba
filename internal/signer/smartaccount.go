package signer

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	rtypes "github.com/vultisig/txrelay/internal/types"
)

const accountABI = `[{"inputs":[{"internalType":"address","name":"dest","type":"address"},{"internalType":"uint256","name":"value","type":"uint256"},{"internalType":"bytes","name":"func","type":"bytes"}],"name":"execute","outputs":[],"stateMutability":"nonpayable","type":"function"}]`

// SmartAccountGasOverhead covers the account's execute() dispatch on top of the inner call.
const SmartAccountGasOverhead = 60_000

var parsedAccountABI = mustParseABI(accountABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

// SmartAccountSigner relays calls through a contract account whose owner EOA signs.
type SmartAccountSigner struct {
	owner   Signer
	account common.Address
}

var _ Signer = &SmartAccountSigner{}

func NewSmartAccountSigner(account common.Address, owner Signer) *SmartAccountSigner {
	return &SmartAccountSigner{
		owner:   owner,
		account: account,
	}
}

func (s *SmartAccountSigner) Address() common.Address {
	return s.account
}

func (s *SmartAccountSigner) Sender() common.Address {
	return s.owner.Sender()
}

// Wrap re-targets a call from the account as owner -> account.execute(to, value, data).
func (s *SmartAccountSigner) Wrap(tx *types.Transaction) (*types.Transaction, error) {
	if tx.To() == nil {
		return nil, fmt.Errorf("%w: smart accounts cannot deploy contracts", rtypes.ErrValidation)
	}
	data, err := parsedAccountABI.Pack("execute", *tx.To(), tx.Value(), tx.Data())
	if err != nil {
		return nil, fmt.Errorf("fail to pack execute call: %w", err)
	}
	gas := tx.Gas() + SmartAccountGasOverhead
	to := s.account
	switch tx.Type() {
	case types.LegacyTxType:
		return types.NewTx(&types.LegacyTx{
			Nonce:    tx.Nonce(),
			GasPrice: tx.GasPrice(),
			Gas:      gas,
			To:       &to,
			Value:    big.NewInt(0),
			Data:     data,
		}), nil
	default:
		return types.NewTx(&types.DynamicFeeTx{
			ChainID:   tx.ChainId(),
			Nonce:     tx.Nonce(),
			GasTipCap: tx.GasTipCap(),
			GasFeeCap: tx.GasFeeCap(),
			Gas:       gas,
			To:        &to,
			Value:     big.NewInt(0),
			Data:      data,
		}), nil
	}
}

func (s *SmartAccountSigner) SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return s.owner.SignTx(ctx, tx, chainID)
}
