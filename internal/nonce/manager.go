// Package nonce hands out gap-free per-account nonces on top of the wallet store's row lock.
package nonce

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/txrelay/internal/chain"
	"github.com/vultisig/txrelay/internal/types"
	"github.com/vultisig/txrelay/storage"
)

// ChainClients resolves the chain client of a chain id.
type ChainClients interface {
	Client(chainID int64) (chain.Client, error)
}

type Manager struct {
	store  storage.WalletStore
	chains ChainClients
	logger *logrus.Entry
}

func NewManager(store storage.WalletStore, chains ChainClients, logger *logrus.Logger) *Manager {
	return &Manager{
		store:  store,
		chains: chains,
		logger: logger.WithField("service", "nonce-manager"),
	}
}

// NextNonce is the nonce following rec: one past the last handed out, but never
// below what the chain already counts as pending.
func NextNonce(rec types.WalletNonceRecord) (uint64, error) {
	next := rec.LastUsedNonce + 1
	if rec.BlockchainNonce > next {
		next = rec.BlockchainNonce
	}
	if next < 0 {
		return 0, fmt.Errorf("invalid nonce record for %s on chain %d", rec.WalletAddress, rec.ChainID)
	}
	return uint64(next), nil
}

// Allocate assigns the next nonce of account on chainID to the processed row held by claim.
// Allocations for the same account are serialised by the store; other accounts run in parallel.
func (m *Manager) Allocate(ctx context.Context, claim types.Claim, account string, chainID int64) (uint64, error) {
	if _, err := m.ensureRecord(ctx, account, chainID); err != nil {
		return 0, err
	}
	nonce, err := m.store.AllocateNonce(ctx, claim, account, chainID, NextNonce)
	if err != nil {
		return 0, fmt.Errorf("fail to allocate nonce: %w", err)
	}
	m.logger.WithFields(logrus.Fields{
		"queue_id": claim.QueueID,
		"wallet":   account,
		"chain_id": chainID,
		"nonce":    nonce,
	}).Debug("Nonce allocated")
	return nonce, nil
}

// Release hands nonce back when it is still the last one allocated, so a transaction
// that never left the process does not open a gap. It reports whether it did.
func (m *Manager) Release(ctx context.Context, account string, chainID int64, nonce uint64) (bool, error) {
	released, err := m.store.ReleaseNonce(ctx, account, chainID, nonce)
	if err != nil {
		return false, err
	}
	m.logger.WithFields(logrus.Fields{
		"wallet":   account,
		"chain_id": chainID,
		"nonce":    nonce,
		"released": released,
	}).Info("Nonce release")
	return released, nil
}

// Resync stores the chain's pending count for account. The last used nonce only moves up.
func (m *Manager) Resync(ctx context.Context, account string, chainID int64) (*types.WalletNonceRecord, error) {
	pending, err := m.pendingNonce(ctx, account, chainID)
	if err != nil {
		return nil, err
	}
	rec, err := m.store.SyncWalletNonce(ctx, account, chainID, pending)
	if err != nil {
		return nil, fmt.Errorf("fail to sync nonce: %w", err)
	}
	return rec, nil
}

// ResyncAll resyncs every known nonce record and joins the failures.
func (m *Manager) ResyncAll(ctx context.Context) error {
	records, err := m.store.ListWalletNonces(ctx)
	if err != nil {
		return fmt.Errorf("fail to list nonce records: %w", err)
	}
	var errs []error
	for _, rec := range records {
		if _, err := m.Resync(ctx, rec.WalletAddress, rec.ChainID); err != nil {
			m.logger.WithError(err).WithFields(logrus.Fields{
				"wallet":   rec.WalletAddress,
				"chain_id": rec.ChainID,
			}).Error("Nonce resync failed")
			errs = append(errs, err)
		}
	}
	m.logger.WithField("records", len(records)).Info("Nonce resync finished")
	return errors.Join(errs...)
}

func (m *Manager) pendingNonce(ctx context.Context, account string, chainID int64) (uint64, error) {
	client, err := m.chains.Client(chainID)
	if err != nil {
		return 0, err
	}
	pending, err := client.PendingNonceAt(ctx, common.HexToAddress(account))
	if err != nil {
		return 0, fmt.Errorf("fail to get pending nonce of %s on chain %d: %w", account, chainID, err)
	}
	return pending, nil
}

// ensureRecord returns the nonce record of account, creating it from the chain's
// pending count on first use. account must be a registered wallet.
func (m *Manager) ensureRecord(ctx context.Context, account string, chainID int64) (*types.WalletNonceRecord, error) {
	rec, err := m.store.GetWalletNonce(ctx, account, chainID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}

	details, err := m.store.GetWalletDetails(ctx, account)
	if err != nil {
		return nil, err
	}
	pending, err := m.pendingNonce(ctx, account, chainID)
	if err != nil {
		return nil, err
	}
	return m.store.EnsureWalletNonce(ctx, types.WalletNonceRecord{
		WalletAddress:      types.NormalizeAddress(account),
		ChainID:            chainID,
		BlockchainNonce:    int64(pending),
		LastUsedNonce:      int64(pending) - 1,
		WalletType:         details.Type,
		AWSKMSKeyID:        details.AWSKMSKeyID,
		GCPKMSResourcePath: details.GCPKMSResourcePath,
	})
}
