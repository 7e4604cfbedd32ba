package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/vultisig/txrelay/internal/types"
	"github.com/vultisig/txrelay/storage"
)

func (b *Backend) CreateWalletDetails(_ context.Context, details types.WalletDetails) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	address := types.NormalizeAddress(details.Address)
	if _, ok := b.walletDetails[address]; ok {
		return fmt.Errorf("%w: wallet %s already registered", types.ErrValidation, details.Address)
	}
	if details.OwnerAddress != nil {
		owner := types.NormalizeAddress(*details.OwnerAddress)
		if _, ok := b.walletDetails[owner]; !ok {
			return fmt.Errorf("%w: owner %s", types.ErrWalletNotFound, owner)
		}
		details.OwnerAddress = &owner
	}
	details.Address = address
	b.walletDetails[address] = &details
	return nil
}

func (b *Backend) GetWalletDetails(_ context.Context, address string) (*types.WalletDetails, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	details, ok := b.walletDetails[types.NormalizeAddress(address)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrWalletNotFound, address)
	}
	out := *details
	return &out, nil
}

func (b *Backend) ListWalletDetails(_ context.Context) ([]types.WalletDetails, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.WalletDetails, 0, len(b.walletDetails))
	for _, details := range b.walletDetails {
		out = append(out, *details)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (b *Backend) EnsureWalletNonce(_ context.Context, rec types.WalletNonceRecord) (*types.WalletNonceRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := walletKey{address: types.NormalizeAddress(rec.WalletAddress), chainID: rec.ChainID}
	if existing, ok := b.walletNonces[key]; ok {
		out := *existing
		return &out, nil
	}
	stored := rec
	stored.WalletAddress = key.address
	stored.LastUsedNonce = rec.BlockchainNonce - 1
	stored.LastSyncedAt = b.now()
	b.walletNonces[key] = &stored
	b.walletLocks[key] = &sync.Mutex{}
	out := stored
	return &out, nil
}

func (b *Backend) GetWalletNonce(_ context.Context, wallet string, chainID int64) (*types.WalletNonceRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.walletNonces[walletKey{address: types.NormalizeAddress(wallet), chainID: chainID}]
	if !ok {
		return nil, fmt.Errorf("%w: no nonce record for %s on chain %d", types.ErrNotFound, wallet, chainID)
	}
	out := *rec
	return &out, nil
}

func (b *Backend) ListWalletNonces(_ context.Context) ([]types.WalletNonceRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.WalletNonceRecord, 0, len(b.walletNonces))
	for _, rec := range b.walletNonces {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].WalletAddress != out[j].WalletAddress {
			return out[i].WalletAddress < out[j].WalletAddress
		}
		return out[i].ChainID < out[j].ChainID
	})
	return out, nil
}

// SetWalletNonce overwrites a nonce record, creating it when absent.
func (b *Backend) SetWalletNonce(rec types.WalletNonceRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := walletKey{address: types.NormalizeAddress(rec.WalletAddress), chainID: rec.ChainID}
	rec.WalletAddress = key.address
	b.walletNonces[key] = &rec
	if _, ok := b.walletLocks[key]; !ok {
		b.walletLocks[key] = &sync.Mutex{}
	}
}

func (b *Backend) AllocateNonce(_ context.Context, claim types.Claim, wallet string, chainID int64, next storage.NextNonceFunc) (uint64, error) {
	key := walletKey{address: types.NormalizeAddress(wallet), chainID: chainID}

	b.mu.Lock()
	lock, ok := b.walletLocks[key]
	b.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: no nonce record for %s on chain %d", types.ErrNotFound, wallet, chainID)
	}

	// held for the whole read-compute-write, like SELECT ... FOR UPDATE
	lock.Lock()
	defer lock.Unlock()

	b.mu.Lock()
	rec := *b.walletNonces[key]
	b.mu.Unlock()

	nonce, err := next(rec)
	if err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	tx, ok := b.transactions[claim.QueueID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", types.ErrNotFound, claim.QueueID)
	}
	if tx.Status != types.StatusProcessed || !holds(tx, claim) || tx.Nonce != nil {
		return 0, types.InvalidStateError("assign a nonce to", tx.Status)
	}
	b.walletNonces[key].LastUsedNonce = int64(nonce)
	tx.Nonce = &nonce
	tx.UpdatedAt = b.now()
	return nonce, nil
}

func (b *Backend) ReleaseNonce(_ context.Context, wallet string, chainID int64, nonce uint64) (bool, error) {
	key := walletKey{address: types.NormalizeAddress(wallet), chainID: chainID}
	b.mu.Lock()
	lock, ok := b.walletLocks[key]
	b.mu.Unlock()
	if !ok {
		return false, nil
	}
	lock.Lock()
	defer lock.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	rec := b.walletNonces[key]
	if rec.LastUsedNonce != int64(nonce) || rec.LastUsedNonce < rec.BlockchainNonce {
		return false, nil
	}
	rec.LastUsedNonce--
	return true, nil
}

func (b *Backend) SyncWalletNonce(_ context.Context, wallet string, chainID int64, blockchainNonce uint64) (*types.WalletNonceRecord, error) {
	key := walletKey{address: types.NormalizeAddress(wallet), chainID: chainID}
	b.mu.Lock()
	lock, ok := b.walletLocks[key]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no nonce record for %s on chain %d", types.ErrNotFound, wallet, chainID)
	}
	lock.Lock()
	defer lock.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	rec := b.walletNonces[key]
	rec.BlockchainNonce = int64(blockchainNonce)
	if rec.LastUsedNonce < rec.BlockchainNonce-1 {
		rec.LastUsedNonce = rec.BlockchainNonce - 1
	}
	rec.LastSyncedAt = b.now()
	out := *rec
	return &out, nil
}
