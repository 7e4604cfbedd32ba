package signer

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	txcommon "github.com/vultisig/txrelay/common"
	rtypes "github.com/vultisig/txrelay/internal/types"
)

type LocalSigner struct {
	passthrough
	key     *ecdsa.PrivateKey
	address common.Address
}

var _ Signer = &LocalSigner{}

// NewLocalSigner decrypts an encrypted hex private key with passphrase.
func NewLocalSigner(encryptedKey, passphrase string) (*LocalSigner, error) {
	hexKey, err := txcommon.Decrypt(passphrase, encryptedKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", rtypes.ErrDecryption, err)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid private key: %v", rtypes.ErrDecryption, err)
	}
	return &LocalSigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// EncryptPrivateKey produces the at-rest form NewLocalSigner accepts.
func EncryptPrivateKey(key *ecdsa.PrivateKey, passphrase string) (string, error) {
	return txcommon.Encrypt(passphrase, common.Bytes2Hex(crypto.FromECDSA(key)))
}

func (s *LocalSigner) Address() common.Address {
	return s.address
}

func (s *LocalSigner) Sender() common.Address {
	return s.address
}

func (s *LocalSigner) SignTx(_ context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}
