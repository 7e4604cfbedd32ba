package nonce

import (
	"context"

	"github.com/vultisig/txrelay/internal/types"
	"github.com/vultisig/txrelay/storage"
)

// WalletRegistry answers whether a wallet can relay on a chain. It depends only on
// the wallet store, never on the transaction store.
type WalletRegistry struct {
	wallets storage.WalletStore
	nonces  *Manager
}

func NewWalletRegistry(wallets storage.WalletStore, nonces *Manager) *WalletRegistry {
	return &WalletRegistry{
		wallets: wallets,
		nonces:  nonces,
	}
}

// NonceAccount is the account whose nonce orders transactions from details.
func NonceAccount(details types.WalletDetails) string {
	if details.Type == types.WalletTypeSmartAccount && details.OwnerAddress != nil {
		return types.NormalizeAddress(*details.OwnerAddress)
	}
	return types.NormalizeAddress(details.Address)
}

// EnsureWallet fails with types.ErrWalletNotFound for unregistered wallets and
// lazily creates the nonce record of the wallet's signing account on chainID.
func (r *WalletRegistry) EnsureWallet(ctx context.Context, address string, chainID int64) (*types.WalletDetails, error) {
	details, err := r.wallets.GetWalletDetails(ctx, address)
	if err != nil {
		return nil, err
	}
	if _, err := r.nonces.ensureRecord(ctx, NonceAccount(*details), chainID); err != nil {
		return nil, err
	}
	return details, nil
}
