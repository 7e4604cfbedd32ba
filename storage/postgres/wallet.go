package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/txrelay/internal/types"
	"github.com/vultisig/txrelay/storage"
)

const (
	WALLET_DETAILS_TABLE = "wallet_details"
	WALLETS_TABLE        = "wallets"
)

const walletDetailsColumns = `address, type, label, encrypted_key, aws_kms_key_id, aws_kms_region,
	gcp_kms_resource_path, owner_address, created_at`

const walletNonceColumns = `wallet_address, chain_id, blockchain_nonce, last_used_nonce, last_synced_at,
	wallet_type, aws_kms_key_id, gcp_kms_resource_path`

func scanWalletDetails(row pgx.Row) (types.WalletDetails, error) {
	var w types.WalletDetails
	err := row.Scan(
		&w.Address,
		&w.Type,
		&w.Label,
		&w.EncryptedKey,
		&w.AWSKMSKeyID,
		&w.AWSKMSRegion,
		&w.GCPKMSResourcePath,
		&w.OwnerAddress,
		&w.CreatedAt,
	)
	return w, err
}

func scanWalletNonce(row pgx.Row) (types.WalletNonceRecord, error) {
	var w types.WalletNonceRecord
	err := row.Scan(
		&w.WalletAddress,
		&w.ChainID,
		&w.BlockchainNonce,
		&w.LastUsedNonce,
		&w.LastSyncedAt,
		&w.WalletType,
		&w.AWSKMSKeyID,
		&w.GCPKMSResourcePath,
	)
	return w, err
}

func (p *PostgresBackend) CreateWalletDetails(ctx context.Context, details types.WalletDetails) error {
	if p.pool == nil {
		return fmt.Errorf("database pool is nil")
	}
	query := fmt.Sprintf(`INSERT INTO %s (
		address, type, label, encrypted_key, aws_kms_key_id, aws_kms_region,
		gcp_kms_resource_path, owner_address, created_at
	) VALUES (
		@Address, @Type, @Label, @EncryptedKey, @AWSKMSKeyID, @AWSKMSRegion,
		@GCPKMSResourcePath, @OwnerAddress, @CreatedAt
	)`, WALLET_DETAILS_TABLE)
	args := pgx.NamedArgs{
		"Address":            types.NormalizeAddress(details.Address),
		"Type":               string(details.Type),
		"Label":              details.Label,
		"EncryptedKey":       details.EncryptedKey,
		"AWSKMSKeyID":        details.AWSKMSKeyID,
		"AWSKMSRegion":       details.AWSKMSRegion,
		"GCPKMSResourcePath": details.GCPKMSResourcePath,
		"OwnerAddress":       normalizeOptional(details.OwnerAddress),
		"CreatedAt":          details.CreatedAt,
	}
	if _, err := p.pool.Exec(ctx, query, args); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: wallet %s already registered", types.ErrValidation, details.Address)
		}
		return fmt.Errorf("failed to create wallet details: %w", err)
	}
	return nil
}

func normalizeOptional(address *string) *string {
	if address == nil {
		return nil
	}
	normalized := types.NormalizeAddress(*address)
	return &normalized
}

func (p *PostgresBackend) GetWalletDetails(ctx context.Context, address string) (*types.WalletDetails, error) {
	if p.pool == nil {
		return nil, fmt.Errorf("database pool is nil")
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE address = $1`, walletDetailsColumns, WALLET_DETAILS_TABLE)
	w, err := scanWalletDetails(p.pool.QueryRow(ctx, query, types.NormalizeAddress(address)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", types.ErrWalletNotFound, address)
		}
		return nil, err
	}
	return &w, nil
}

func (p *PostgresBackend) ListWalletDetails(ctx context.Context) ([]types.WalletDetails, error) {
	if p.pool == nil {
		return nil, fmt.Errorf("database pool is nil")
	}
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY created_at`, walletDetailsColumns, WALLET_DETAILS_TABLE)
	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.WalletDetails, error) {
		return scanWalletDetails(row)
	})
}

func (p *PostgresBackend) EnsureWalletNonce(ctx context.Context, rec types.WalletNonceRecord) (*types.WalletNonceRecord, error) {
	if p.pool == nil {
		return nil, fmt.Errorf("database pool is nil")
	}
	query := fmt.Sprintf(`INSERT INTO %s (
		wallet_address, chain_id, blockchain_nonce, last_used_nonce, last_synced_at,
		wallet_type, aws_kms_key_id, gcp_kms_resource_path
	) VALUES (
		@WalletAddress, @ChainID, @BlockchainNonce, @BlockchainNonce - 1, NOW(),
		@WalletType, @AWSKMSKeyID, @GCPKMSResourcePath
	)
	ON CONFLICT (wallet_address, chain_id) DO NOTHING`, WALLETS_TABLE)
	args := pgx.NamedArgs{
		"WalletAddress":      types.NormalizeAddress(rec.WalletAddress),
		"ChainID":            rec.ChainID,
		"BlockchainNonce":    rec.BlockchainNonce,
		"WalletType":         string(rec.WalletType),
		"AWSKMSKeyID":        rec.AWSKMSKeyID,
		"GCPKMSResourcePath": rec.GCPKMSResourcePath,
	}
	tag, err := p.pool.Exec(ctx, query, args)
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet nonce record: %w", err)
	}
	if tag.RowsAffected() > 0 {
		logrus.WithFields(logrus.Fields{
			"wallet":   rec.WalletAddress,
			"chain_id": rec.ChainID,
			"nonce":    rec.BlockchainNonce,
		}).Info("Wallet nonce record created")
	}
	return p.GetWalletNonce(ctx, rec.WalletAddress, rec.ChainID)
}

func (p *PostgresBackend) GetWalletNonce(ctx context.Context, wallet string, chainID int64) (*types.WalletNonceRecord, error) {
	if p.pool == nil {
		return nil, fmt.Errorf("database pool is nil")
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE wallet_address = $1 AND chain_id = $2`, walletNonceColumns, WALLETS_TABLE)
	rec, err := scanWalletNonce(p.pool.QueryRow(ctx, query, types.NormalizeAddress(wallet), chainID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: no nonce record for %s on chain %d", types.ErrNotFound, wallet, chainID)
		}
		return nil, err
	}
	return &rec, nil
}

func (p *PostgresBackend) ListWalletNonces(ctx context.Context) ([]types.WalletNonceRecord, error) {
	if p.pool == nil {
		return nil, fmt.Errorf("database pool is nil")
	}
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY wallet_address, chain_id`, walletNonceColumns, WALLETS_TABLE)
	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.WalletNonceRecord, error) {
		return scanWalletNonce(row)
	})
}

func (p *PostgresBackend) AllocateNonce(ctx context.Context, claim types.Claim, wallet string, chainID int64, next storage.NextNonceFunc) (uint64, error) {
	if p.pool == nil {
		return 0, fmt.Errorf("database pool is nil")
	}
	wallet = types.NormalizeAddress(wallet)

	dbTx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin db transaction: %w", err)
	}
	defer dbTx.Rollback(ctx)

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE wallet_address = $1 AND chain_id = $2 FOR UPDATE`, walletNonceColumns, WALLETS_TABLE)
	rec, err := scanWalletNonce(dbTx.QueryRow(ctx, query, wallet, chainID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%w: no nonce record for %s on chain %d", types.ErrNotFound, wallet, chainID)
		}
		return 0, fmt.Errorf("failed to lock wallet nonce record: %w", err)
	}

	nonce, err := next(rec)
	if err != nil {
		return 0, err
	}

	if _, err := dbTx.Exec(ctx, fmt.Sprintf(`UPDATE %s SET last_used_nonce = $3
		WHERE wallet_address = $1 AND chain_id = $2`, WALLETS_TABLE), wallet, chainID, nonce); err != nil {
		return 0, fmt.Errorf("failed to update last used nonce: %w", err)
	}

	tag, err := dbTx.Exec(ctx, fmt.Sprintf(`UPDATE %s SET nonce = $3, updated_at = NOW()
		WHERE queue_id = $1 AND status = 'processed' AND claim_id = $2 AND nonce IS NULL`, TRANSACTIONS_TABLE),
		claim.QueueID, claim.ClaimID, nonce)
	if err != nil {
		return 0, fmt.Errorf("failed to assign nonce: %w", err)
	}
	if tag.RowsAffected() == 0 {
		current, err := p.GetTransaction(ctx, claim.QueueID)
		if err != nil {
			return 0, err
		}
		return 0, types.InvalidStateError("assign a nonce to", current.Status)
	}

	if err := dbTx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit db transaction: %w", err)
	}
	return nonce, nil
}

func (p *PostgresBackend) ReleaseNonce(ctx context.Context, wallet string, chainID int64, nonce uint64) (bool, error) {
	if p.pool == nil {
		return false, fmt.Errorf("database pool is nil")
	}
	query := fmt.Sprintf(`UPDATE %s SET last_used_nonce = last_used_nonce - 1
	WHERE wallet_address = $1 AND chain_id = $2 AND last_used_nonce = $3 AND last_used_nonce >= blockchain_nonce`, WALLETS_TABLE)
	tag, err := p.pool.Exec(ctx, query, types.NormalizeAddress(wallet), chainID, int64(nonce))
	if err != nil {
		return false, fmt.Errorf("failed to release nonce: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *PostgresBackend) SyncWalletNonce(ctx context.Context, wallet string, chainID int64, blockchainNonce uint64) (*types.WalletNonceRecord, error) {
	if p.pool == nil {
		return nil, fmt.Errorf("database pool is nil")
	}
	query := fmt.Sprintf(`UPDATE %s
	SET blockchain_nonce = $3,
		last_used_nonce = GREATEST(last_used_nonce, $3 - 1),
		last_synced_at = NOW()
	WHERE wallet_address = $1 AND chain_id = $2
	RETURNING %s`, WALLETS_TABLE, walletNonceColumns)
	rec, err := scanWalletNonce(p.pool.QueryRow(ctx, query, types.NormalizeAddress(wallet), chainID, int64(blockchainNonce)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: no nonce record for %s on chain %d", types.ErrNotFound, wallet, chainID)
		}
		return nil, err
	}
	return &rec, nil
}
