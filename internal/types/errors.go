package types

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("validation error")
	ErrSimulationFailed  = errors.New("simulation failed")
	ErrSignerUnavailable = errors.New("signer unavailable")
	ErrBroadcastFailed   = errors.New("broadcast failed")
	ErrNotFound          = errors.New("transaction not found")
	ErrInvalidState      = errors.New("invalid state")
	ErrAlreadyMined      = errors.New("transaction already mined")
	ErrDecryption        = errors.New("decryption failed")
	ErrWalletNotFound    = fmt.Errorf("%w: wallet not found", ErrValidation)
)

const (
	CodeValidation        = "VALIDATION_ERROR"
	CodeSimulationFailed  = "SIMULATION_FAILED"
	CodeSignerUnavailable = "SIGNER_UNAVAILABLE"
	CodeBroadcastFailed   = "BROADCAST_FAILED"
	CodeNotFound          = "NOT_FOUND"
	CodeInvalidState      = "INVALID_STATE"
	CodeAlreadyMined      = "ALREADY_MINED"
	CodeDecryption        = "DECRYPTION_ERROR"
	CodeUnknown           = "UNKNOWN_ERROR"
)

type TransactionError struct {
	Code    string
	Message string
	Err     error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *TransactionError) Unwrap() error {
	return e.Err
}

// NewTransactionError classifies err into the relay error taxonomy.
func NewTransactionError(err error) *TransactionError {
	var txErr *TransactionError
	if errors.As(err, &txErr) {
		return txErr
	}
	return &TransactionError{Code: ErrorCode(err), Message: err.Error(), Err: err}
}

// ErrorCode returns the taxonomy code of err.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrSimulationFailed):
		return CodeSimulationFailed
	case errors.Is(err, ErrSignerUnavailable):
		return CodeSignerUnavailable
	case errors.Is(err, ErrBroadcastFailed):
		return CodeBroadcastFailed
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrAlreadyMined):
		return CodeAlreadyMined
	case errors.Is(err, ErrInvalidState):
		return CodeInvalidState
	case errors.Is(err, ErrDecryption):
		return CodeDecryption
	default:
		return CodeUnknown
	}
}

// InvalidStateError reports an illegal transition from status.
func InvalidStateError(action string, status TransactionStatus) error {
	return fmt.Errorf("%w: cannot %s a %s transaction", ErrInvalidState, action, status)
}
