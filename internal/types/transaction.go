package types

import (
	"time"

	"github.com/google/uuid"
)

type TransactionStatus string

const (
	StatusQueued    TransactionStatus = "queued"
	StatusProcessed TransactionStatus = "processed"
	StatusSubmitted TransactionStatus = "submitted"
	StatusMined     TransactionStatus = "mined"
	StatusErrored   TransactionStatus = "errored"
	StatusCancelled TransactionStatus = "cancelled"
)

// IsTerminal reports whether no further transition can leave the status.
func (s TransactionStatus) IsTerminal() bool {
	switch s {
	case StatusMined, StatusErrored, StatusCancelled:
		return true
	}
	return false
}

func (s TransactionStatus) IsValid() bool {
	switch s {
	case StatusQueued, StatusProcessed, StatusSubmitted, StatusMined, StatusErrored, StatusCancelled:
		return true
	}
	return false
}

type TxType string

const (
	TxTypeLegacy  TxType = "legacy"
	TxTypeEIP1559 TxType = "eip1559"
)

// Transaction is one relay request and its lifecycle record.
// Wei amounts are decimal strings; nil pointers mean "not set yet".
type Transaction struct {
	QueueID     uuid.UUID `json:"queue_id"`
	ChainID     int64     `json:"chain_id"`
	FromAddress string    `json:"from_address"`
	ToAddress   string    `json:"to_address"`
	Data        string    `json:"data"`
	Value       string    `json:"value"`

	Extension      string  `json:"extension"`
	FunctionName   *string `json:"function_name,omitempty"`
	FunctionArgs   *string `json:"function_args,omitempty"`
	IdempotencyKey *string `json:"idempotency_key,omitempty"`

	TxType                    TxType  `json:"tx_type"`
	GasLimit                  *uint64 `json:"gas_limit,omitempty"`
	GasPrice                  *string `json:"gas_price,omitempty"`
	MaxFeePerGas              *string `json:"max_fee_per_gas,omitempty"`
	MaxPriorityFeePerGas      *string `json:"max_priority_fee_per_gas,omitempty"`
	RetryMaxFeePerGas         *string `json:"retry_max_fee_per_gas,omitempty"`
	RetryMaxPriorityFeePerGas *string `json:"retry_max_priority_fee_per_gas,omitempty"`

	Nonce   *uint64           `json:"nonce,omitempty"`
	Status  TransactionStatus `json:"status"`
	ClaimID *uuid.UUID        `json:"-"`

	QueuedAt    time.Time  `json:"queued_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	MinedAt     *time.Time `json:"mined_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`

	TransactionHash       *string  `json:"transaction_hash,omitempty"`
	TransactionHashes     []string `json:"transaction_hashes,omitempty"`
	SignedRaw             *string  `json:"-"`
	CancelTransactionHash *string  `json:"cancel_transaction_hash,omitempty"`

	BlockNumber             *uint64 `json:"block_number,omitempty"`
	EffectiveGasPrice       *string `json:"effective_gas_price,omitempty"`
	GasUsed                 *uint64 `json:"gas_used,omitempty"`
	RetryCount              int     `json:"retry_count"`
	ReceiptChecks           int     `json:"receipt_checks"`
	ErrorMessage            *string `json:"error_message,omitempty"`
	DeployedContractAddress *string `json:"deployed_contract_address,omitempty"`
	DeployedContractType    *string `json:"deployed_contract_type,omitempty"`
}

// Claim returns the ownership token of the current processing attempt.
// It is the zero Claim unless the row is processed.
func (t *Transaction) Claim() Claim {
	c := Claim{QueueID: t.QueueID}
	if t.ClaimID != nil {
		c.ClaimID = *t.ClaimID
	}
	return c
}

// Claim identifies one processing attempt of a row. A row requeued and claimed
// again gets a new ClaimID, so writes from the earlier attempt no longer match.
type Claim struct {
	QueueID uuid.UUID
	ClaimID uuid.UUID
}

// IsDeploy reports whether the transaction creates a contract.
func (t *Transaction) IsDeploy() bool {
	return t.ToAddress == ""
}

// EnqueueRequest is what an inbound caller hands to the queue.
// Data must already be ABI encoded.
type EnqueueRequest struct {
	ChainID        int64   `json:"chain_id" validate:"required,gt=0"`
	FromAddress    string  `json:"from_address" validate:"omitempty,eth_addr"`
	ToAddress      string  `json:"to_address" validate:"omitempty,eth_addr"`
	Data           string  `json:"data" validate:"omitempty,hexdata"`
	Value          string  `json:"value" validate:"omitempty,numeric"`
	Extension      string  `json:"extension" validate:"max=64"`
	FunctionName   *string `json:"function_name,omitempty"`
	FunctionArgs   *string `json:"function_args,omitempty"`
	IdempotencyKey *string `json:"idempotency_key,omitempty" validate:"omitempty,max=200"`

	TxType               TxType  `json:"tx_type,omitempty" validate:"omitempty,oneof=legacy eip1559"`
	GasLimit             *uint64 `json:"gas_limit,omitempty"`
	GasPrice             *string `json:"gas_price,omitempty" validate:"omitempty,numeric"`
	MaxFeePerGas         *string `json:"max_fee_per_gas,omitempty" validate:"omitempty,numeric"`
	MaxPriorityFeePerGas *string `json:"max_priority_fee_per_gas,omitempty" validate:"omitempty,numeric"`

	DeployedContractType *string `json:"deployed_contract_type,omitempty"`
}

type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// TransactionFilter selects a page of transactions ordered by queued_at.
type TransactionFilter struct {
	Page   int
	Limit  int
	Status *TransactionStatus
	Sort   SortOrder
}

// ReceiptInfo is what the reconciler records when a transaction is mined.
type ReceiptInfo struct {
	TransactionHash   string
	BlockNumber       uint64
	EffectiveGasPrice string
	GasUsed           uint64
	ContractAddress   *string
	MinedAt           time.Time
}

// SignedTransaction is a signed payload ready to broadcast at the row's nonce.
type SignedTransaction struct {
	Hash                 string
	Raw                  string
	GasLimit             uint64
	GasPrice             *string
	MaxFeePerGas         *string
	MaxPriorityFeePerGas *string
}

// StatusEvent is published after every status change.
type StatusEvent struct {
	QueueID         uuid.UUID         `json:"queue_id"`
	Status          TransactionStatus `json:"status"`
	TransactionHash *string           `json:"transaction_hash,omitempty"`
	ErrorMessage    *string           `json:"error_message,omitempty"`
	At              time.Time         `json:"at"`
}
