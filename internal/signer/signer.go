// Package signer builds per-wallet transaction signers for every supported key backend.
package signer

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Signer signs transactions for one relay wallet.
type Signer interface {
	// Address is the wallet transactions are relayed from.
	Address() common.Address
	// Sender is the account that signs and whose nonce orders the transactions.
	// It differs from Address only for smart accounts.
	Sender() common.Address
	// Wrap turns a call from Address into the transaction Sender has to sign.
	Wrap(tx *types.Transaction) (*types.Transaction, error)
	// SignTx signs tx as Sender.
	SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// passthrough implements Wrap for externally owned accounts.
type passthrough struct{}

func (passthrough) Wrap(tx *types.Transaction) (*types.Transaction, error) {
	return tx, nil
}

// digestSigner produces a 65 byte [R || S || V] signature over a transaction hash.
type digestSigner interface {
	signDigest(ctx context.Context, digest []byte) ([]byte, error)
}

func signWithDigest(ctx context.Context, d digestSigner, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	txSigner := types.LatestSignerForChainID(chainID)
	sig, err := d.signDigest(ctx, txSigner.Hash(tx).Bytes())
	if err != nil {
		return nil, err
	}
	return tx.WithSignature(txSigner, sig)
}
