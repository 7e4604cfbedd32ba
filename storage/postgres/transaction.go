package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vultisig/txrelay/internal/types"
)

const TRANSACTIONS_TABLE = "transactions"

// Amount columns are NUMERIC and travel as decimal text.
const transactionColumns = `queue_id, chain_id, from_address, to_address, data, value::text,
	extension, function_name, function_args, idempotency_key,
	tx_type, gas_limit, gas_price::text, max_fee_per_gas::text, max_priority_fee_per_gas::text,
	retry_max_fee_per_gas::text, retry_max_priority_fee_per_gas::text,
	nonce, status, claim_id, queued_at, processed_at, sent_at, mined_at, cancelled_at, updated_at,
	transaction_hash, transaction_hashes, signed_raw, cancel_transaction_hash,
	block_number, effective_gas_price::text, gas_used, retry_count, receipt_checks, error_message,
	deployed_contract_address, deployed_contract_type`

func scanTransaction(row pgx.Row) (types.Transaction, error) {
	var tx types.Transaction
	err := row.Scan(
		&tx.QueueID,
		&tx.ChainID,
		&tx.FromAddress,
		&tx.ToAddress,
		&tx.Data,
		&tx.Value,
		&tx.Extension,
		&tx.FunctionName,
		&tx.FunctionArgs,
		&tx.IdempotencyKey,
		&tx.TxType,
		&tx.GasLimit,
		&tx.GasPrice,
		&tx.MaxFeePerGas,
		&tx.MaxPriorityFeePerGas,
		&tx.RetryMaxFeePerGas,
		&tx.RetryMaxPriorityFeePerGas,
		&tx.Nonce,
		&tx.Status,
		&tx.ClaimID,
		&tx.QueuedAt,
		&tx.ProcessedAt,
		&tx.SentAt,
		&tx.MinedAt,
		&tx.CancelledAt,
		&tx.UpdatedAt,
		&tx.TransactionHash,
		&tx.TransactionHashes,
		&tx.SignedRaw,
		&tx.CancelTransactionHash,
		&tx.BlockNumber,
		&tx.EffectiveGasPrice,
		&tx.GasUsed,
		&tx.RetryCount,
		&tx.ReceiptChecks,
		&tx.ErrorMessage,
		&tx.DeployedContractAddress,
		&tx.DeployedContractType,
	)
	return tx, err
}

func collectTransactions(rows pgx.Rows) ([]types.Transaction, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Transaction, error) {
		return scanTransaction(row)
	})
}

func (p *PostgresBackend) InsertTransaction(ctx context.Context, tx types.Transaction) (*types.Transaction, bool, error) {
	if p.pool == nil {
		return nil, false, fmt.Errorf("database pool is nil")
	}
	query := fmt.Sprintf(`INSERT INTO %s (
		queue_id, chain_id, from_address, to_address, data, value,
		extension, function_name, function_args, idempotency_key,
		tx_type, gas_limit, gas_price, max_fee_per_gas, max_priority_fee_per_gas,
		status, queued_at, updated_at, deployed_contract_type
	) VALUES (
		@QueueID, @ChainID, @FromAddress, @ToAddress, @Data, @Value::text::numeric,
		@Extension, @FunctionName, @FunctionArgs, @IdempotencyKey,
		@TxType, @GasLimit, @GasPrice::text::numeric, @MaxFeePerGas::text::numeric, @MaxPriorityFeePerGas::text::numeric,
		'queued', @QueuedAt, @QueuedAt, @DeployedContractType
	)
	ON CONFLICT (idempotency_key) DO NOTHING
	RETURNING %s`, TRANSACTIONS_TABLE, transactionColumns)
	args := pgx.NamedArgs{
		"QueueID":              tx.QueueID,
		"ChainID":              tx.ChainID,
		"FromAddress":          tx.FromAddress,
		"ToAddress":            tx.ToAddress,
		"Data":                 tx.Data,
		"Value":                tx.Value,
		"Extension":            tx.Extension,
		"FunctionName":         tx.FunctionName,
		"FunctionArgs":         tx.FunctionArgs,
		"IdempotencyKey":       tx.IdempotencyKey,
		"TxType":               string(tx.TxType),
		"GasLimit":             tx.GasLimit,
		"GasPrice":             tx.GasPrice,
		"MaxFeePerGas":         tx.MaxFeePerGas,
		"MaxPriorityFeePerGas": tx.MaxPriorityFeePerGas,
		"QueuedAt":             tx.QueuedAt,
		"DeployedContractType": tx.DeployedContractType,
	}

	created, err := scanTransaction(p.pool.QueryRow(ctx, query, args))
	if err == nil {
		return &created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) || tx.IdempotencyKey == nil {
		return nil, false, fmt.Errorf("failed to insert transaction: %w", err)
	}

	existing, err := scanTransaction(p.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE idempotency_key = $1`, transactionColumns, TRANSACTIONS_TABLE),
		*tx.IdempotencyKey))
	if err != nil {
		return nil, false, fmt.Errorf("failed to get transaction by idempotency key: %w", err)
	}
	return &existing, false, nil
}

func (p *PostgresBackend) GetTransaction(ctx context.Context, queueID uuid.UUID) (*types.Transaction, error) {
	if p.pool == nil {
		return nil, fmt.Errorf("database pool is nil")
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE queue_id = $1`, transactionColumns, TRANSACTIONS_TABLE)
	tx, err := scanTransaction(p.pool.QueryRow(ctx, query, queueID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", types.ErrNotFound, queueID)
		}
		return nil, err
	}
	return &tx, nil
}

func (p *PostgresBackend) ListTransactions(ctx context.Context, filter types.TransactionFilter) ([]types.Transaction, int64, error) {
	if p.pool == nil {
		return nil, 0, fmt.Errorf("database pool is nil")
	}
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.Limit < 1 {
		filter.Limit = 100
	}
	where := ""
	args := pgx.NamedArgs{
		"Limit":  filter.Limit,
		"Offset": (filter.Page - 1) * filter.Limit,
	}
	if filter.Status != nil {
		where = "WHERE status = @Status"
		args["Status"] = string(*filter.Status)
	}
	order := "ASC"
	if filter.Sort == types.SortDesc {
		order = "DESC"
	}

	var total int64
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM %s %s`, TRANSACTIONS_TABLE, where)
	if err := p.pool.QueryRow(ctx, countQuery, args).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count transactions: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM %s %s ORDER BY queued_at %s, queue_id LIMIT @Limit OFFSET @Offset`,
		transactionColumns, TRANSACTIONS_TABLE, where, order)
	rows, err := p.pool.Query(ctx, query, args)
	if err != nil {
		return nil, 0, err
	}
	txs, err := collectTransactions(rows)
	if err != nil {
		return nil, 0, err
	}
	return txs, total, nil
}

func (p *PostgresBackend) ClaimQueuedTransactions(ctx context.Context, limit int) ([]types.Transaction, error) {
	if p.pool == nil {
		return nil, fmt.Errorf("database pool is nil")
	}
	query := fmt.Sprintf(`UPDATE %[1]s
	SET status = 'processed', claim_id = $2, processed_at = NOW(), updated_at = NOW()
	WHERE queue_id IN (
		SELECT queue_id FROM %[1]s
		WHERE status = 'queued'
		ORDER BY queued_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	)
	RETURNING %[2]s`, TRANSACTIONS_TABLE, transactionColumns)
	rows, err := p.pool.Query(ctx, query, limit, uuid.New())
	if err != nil {
		return nil, fmt.Errorf("failed to claim transactions: %w", err)
	}
	txs, err := collectTransactions(rows)
	if err != nil {
		return nil, err
	}
	sortByQueuedAt(txs)
	return txs, nil
}

// UPDATE ... RETURNING does not keep the sub-select order.
func sortByQueuedAt(txs []types.Transaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		return txs[i].QueuedAt.Before(txs[j].QueuedAt)
	})
}

// execTransition runs a conditional update and explains a miss.
func (p *PostgresBackend) execTransition(ctx context.Context, action string, queueID uuid.UUID, query string, args pgx.NamedArgs) error {
	if p.pool == nil {
		return fmt.Errorf("database pool is nil")
	}
	args["QueueID"] = queueID
	tag, err := p.pool.Exec(ctx, query, args)
	if err != nil {
		return fmt.Errorf("failed to %s transaction: %w", action, err)
	}
	return p.checkTransition(ctx, action, queueID, tag)
}

func (p *PostgresBackend) checkTransition(ctx context.Context, action string, queueID uuid.UUID, tag pgconn.CommandTag) error {
	if tag.RowsAffected() > 0 {
		return nil
	}
	current, err := p.GetTransaction(ctx, queueID)
	if err != nil {
		return err
	}
	return types.InvalidStateError(action, current.Status)
}

// execClaimTransition is execTransition restricted to the processed row held by claim.
func (p *PostgresBackend) execClaimTransition(ctx context.Context, action string, claim types.Claim, query string, args pgx.NamedArgs) error {
	args["ClaimID"] = claim.ClaimID
	return p.execTransition(ctx, action, claim.QueueID, query, args)
}

func (p *PostgresBackend) ReleaseTransaction(ctx context.Context, claim types.Claim, clearNonce bool) error {
	nonce := "nonce"
	if clearNonce {
		nonce = "NULL"
	}
	query := fmt.Sprintf(`UPDATE %s
	SET status = 'queued', claim_id = NULL, processed_at = NULL, nonce = %s, updated_at = NOW()
	WHERE queue_id = @QueueID AND status = 'processed' AND claim_id = @ClaimID
		AND signed_raw IS NULL`, TRANSACTIONS_TABLE, nonce)
	return p.execClaimTransition(ctx, "release", claim, query, pgx.NamedArgs{})
}

func (p *PostgresBackend) RecordSignedTransaction(ctx context.Context, claim types.Claim, signed types.SignedTransaction) error {
	query := fmt.Sprintf(`UPDATE %s
	SET transaction_hash = @Hash,
		transaction_hashes = array_append(transaction_hashes, @Hash::text),
		signed_raw = @Raw,
		gas_limit = @GasLimit,
		gas_price = @GasPrice::text::numeric,
		max_fee_per_gas = @MaxFeePerGas::text::numeric,
		max_priority_fee_per_gas = @MaxPriorityFeePerGas::text::numeric,
		updated_at = NOW()
	WHERE queue_id = @QueueID AND status = 'processed' AND claim_id = @ClaimID
		AND nonce IS NOT NULL AND signed_raw IS NULL`, TRANSACTIONS_TABLE)
	return p.execClaimTransition(ctx, "sign", claim, query, pgx.NamedArgs{
		"Hash":                 signed.Hash,
		"Raw":                  signed.Raw,
		"GasLimit":             signed.GasLimit,
		"GasPrice":             signed.GasPrice,
		"MaxFeePerGas":         signed.MaxFeePerGas,
		"MaxPriorityFeePerGas": signed.MaxPriorityFeePerGas,
	})
}

func (p *PostgresBackend) MarkSubmitted(ctx context.Context, claim types.Claim, sentAt time.Time) error {
	query := fmt.Sprintf(`UPDATE %s
	SET status = 'submitted', claim_id = NULL, sent_at = @SentAt, updated_at = NOW()
	WHERE queue_id = @QueueID AND status = 'processed' AND claim_id = @ClaimID
		AND signed_raw IS NOT NULL`, TRANSACTIONS_TABLE)
	return p.execClaimTransition(ctx, "submit", claim, query, pgx.NamedArgs{"SentAt": sentAt})
}

func (p *PostgresBackend) FailClaim(ctx context.Context, claim types.Claim, message string) error {
	query := fmt.Sprintf(`UPDATE %s
	SET status = 'errored', claim_id = NULL, error_message = @Message, updated_at = NOW()
	WHERE queue_id = @QueueID AND status = 'processed' AND claim_id = @ClaimID`, TRANSACTIONS_TABLE)
	return p.execClaimTransition(ctx, "fail", claim, query, pgx.NamedArgs{"Message": errorMessage(message)})
}

func (p *PostgresBackend) MarkReverted(ctx context.Context, queueID uuid.UUID, receipt types.ReceiptInfo, message string) error {
	query := fmt.Sprintf(`UPDATE %s
	SET status = 'errored',
		error_message = @Message,
		transaction_hash = @Hash,
		block_number = @BlockNumber,
		effective_gas_price = @EffectiveGasPrice::text::numeric,
		gas_used = @GasUsed,
		mined_at = @MinedAt,
		updated_at = NOW()
	WHERE queue_id = @QueueID AND status = 'submitted'`, TRANSACTIONS_TABLE)
	return p.execTransition(ctx, "fail", queueID, query, pgx.NamedArgs{
		"Message":           errorMessage(message),
		"Hash":              receipt.TransactionHash,
		"BlockNumber":       receipt.BlockNumber,
		"EffectiveGasPrice": receipt.EffectiveGasPrice,
		"GasUsed":           receipt.GasUsed,
		"MinedAt":           receipt.MinedAt,
	})
}

func errorMessage(message string) string {
	if strings.TrimSpace(message) == "" {
		return "unknown error"
	}
	return message
}

func (p *PostgresBackend) GetStaleProcessedTransactions(ctx context.Context, olderThan time.Time, limit int) ([]types.Transaction, error) {
	if p.pool == nil {
		return nil, fmt.Errorf("database pool is nil")
	}
	query := fmt.Sprintf(`SELECT %s FROM %s
	WHERE status = 'processed' AND processed_at < $1
	ORDER BY processed_at
	LIMIT $2`, transactionColumns, TRANSACTIONS_TABLE)
	rows, err := p.pool.Query(ctx, query, olderThan, limit)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

func (p *PostgresBackend) GetSubmittedTransactions(ctx context.Context, limit int) ([]types.Transaction, error) {
	if p.pool == nil {
		return nil, fmt.Errorf("database pool is nil")
	}
	query := fmt.Sprintf(`SELECT %s FROM %s
	WHERE status = 'submitted'
	ORDER BY sent_at
	LIMIT $1`, transactionColumns, TRANSACTIONS_TABLE)
	rows, err := p.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

func (p *PostgresBackend) MarkMined(ctx context.Context, queueID uuid.UUID, receipt types.ReceiptInfo) error {
	query := fmt.Sprintf(`UPDATE %s
	SET status = 'mined',
		transaction_hash = @Hash,
		block_number = @BlockNumber,
		effective_gas_price = @EffectiveGasPrice::text::numeric,
		gas_used = @GasUsed,
		deployed_contract_address = COALESCE(@ContractAddress, deployed_contract_address),
		mined_at = @MinedAt,
		updated_at = NOW()
	WHERE queue_id = @QueueID AND status = 'submitted'`, TRANSACTIONS_TABLE)
	return p.execTransition(ctx, "mine", queueID, query, pgx.NamedArgs{
		"Hash":              receipt.TransactionHash,
		"BlockNumber":       receipt.BlockNumber,
		"EffectiveGasPrice": receipt.EffectiveGasPrice,
		"GasUsed":           receipt.GasUsed,
		"ContractAddress":   receipt.ContractAddress,
		"MinedAt":           receipt.MinedAt,
	})
}

func (p *PostgresBackend) IncrementReceiptChecks(ctx context.Context, queueID uuid.UUID) (int, error) {
	if p.pool == nil {
		return 0, fmt.Errorf("database pool is nil")
	}
	query := fmt.Sprintf(`UPDATE %s
	SET receipt_checks = receipt_checks + 1
	WHERE queue_id = $1 AND status = 'submitted'
	RETURNING receipt_checks`, TRANSACTIONS_TABLE)
	var checks int
	if err := p.pool.QueryRow(ctx, query, queueID).Scan(&checks); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			current, err := p.GetTransaction(ctx, queueID)
			if err != nil {
				return 0, err
			}
			return 0, types.InvalidStateError("check receipt of", current.Status)
		}
		return 0, err
	}
	return checks, nil
}

func (p *PostgresBackend) CancelQueuedTransaction(ctx context.Context, queueID uuid.UUID, at time.Time) error {
	query := fmt.Sprintf(`UPDATE %s
	SET status = 'cancelled', cancelled_at = @At, updated_at = NOW()
	WHERE queue_id = @QueueID AND status = 'queued'`, TRANSACTIONS_TABLE)
	return p.execTransition(ctx, "cancel", queueID, query, pgx.NamedArgs{"At": at})
}

func (p *PostgresBackend) MarkCancelled(ctx context.Context, queueID uuid.UUID, cancelHash string, at time.Time) error {
	query := fmt.Sprintf(`UPDATE %s
	SET status = 'cancelled', cancel_transaction_hash = @CancelHash, cancelled_at = @At, updated_at = NOW()
	WHERE queue_id = @QueueID AND status = 'submitted'`, TRANSACTIONS_TABLE)
	return p.execTransition(ctx, "cancel", queueID, query, pgx.NamedArgs{
		"CancelHash": cancelHash,
		"At":         at,
	})
}

func (p *PostgresBackend) RecordRetry(ctx context.Context, queueID uuid.UUID, signed types.SignedTransaction) error {
	query := fmt.Sprintf(`UPDATE %s
	SET transaction_hash = @Hash,
		transaction_hashes = array_append(transaction_hashes, @Hash::text),
		signed_raw = @Raw,
		gas_price = COALESCE(@GasPrice::text::numeric, gas_price),
		retry_max_fee_per_gas = @MaxFeePerGas::text::numeric,
		retry_max_priority_fee_per_gas = @MaxPriorityFeePerGas::text::numeric,
		retry_count = retry_count + 1,
		receipt_checks = 0,
		updated_at = NOW()
	WHERE queue_id = @QueueID AND status = 'submitted'`, TRANSACTIONS_TABLE)
	return p.execTransition(ctx, "retry", queueID, query, pgx.NamedArgs{
		"Hash":                 signed.Hash,
		"Raw":                  signed.Raw,
		"GasPrice":             signed.GasPrice,
		"MaxFeePerGas":         signed.MaxFeePerGas,
		"MaxPriorityFeePerGas": signed.MaxPriorityFeePerGas,
	})
}

func (p *PostgresBackend) UndoRetry(ctx context.Context, previous types.Transaction, hash string) error {
	query := fmt.Sprintf(`UPDATE %s
	SET transaction_hash = @PreviousHash,
		transaction_hashes = array_remove(transaction_hashes, @Hash::text),
		signed_raw = @SignedRaw,
		gas_price = @GasPrice::text::numeric,
		retry_max_fee_per_gas = @MaxFeePerGas::text::numeric,
		retry_max_priority_fee_per_gas = @MaxPriorityFeePerGas::text::numeric,
		retry_count = @RetryCount,
		receipt_checks = @ReceiptChecks,
		updated_at = NOW()
	WHERE queue_id = @QueueID AND status = 'submitted' AND transaction_hash = @Hash`, TRANSACTIONS_TABLE)
	return p.execTransition(ctx, "undo retry of", previous.QueueID, query, pgx.NamedArgs{
		"Hash":                 hash,
		"PreviousHash":         previous.TransactionHash,
		"SignedRaw":            previous.SignedRaw,
		"GasPrice":             previous.GasPrice,
		"MaxFeePerGas":         previous.RetryMaxFeePerGas,
		"MaxPriorityFeePerGas": previous.RetryMaxPriorityFeePerGas,
		"RetryCount":           previous.RetryCount,
		"ReceiptChecks":        previous.ReceiptChecks,
	})
}

func (p *PostgresBackend) RecordRetryFees(ctx context.Context, queueID uuid.UUID, maxFeePerGas, maxPriorityFeePerGas string) error {
	query := fmt.Sprintf(`UPDATE %s
	SET retry_max_fee_per_gas = @MaxFeePerGas::text::numeric,
		retry_max_priority_fee_per_gas = @MaxPriorityFeePerGas::text::numeric,
		retry_count = retry_count + 1,
		updated_at = NOW()
	WHERE queue_id = @QueueID AND status = 'processed' AND signed_raw IS NULL`, TRANSACTIONS_TABLE)
	return p.execTransition(ctx, "retry", queueID, query, pgx.NamedArgs{
		"MaxFeePerGas":         maxFeePerGas,
		"MaxPriorityFeePerGas": maxPriorityFeePerGas,
	})
}
