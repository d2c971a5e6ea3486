package domain

import "errors"

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("status conflict")
	// ErrImmutable rejects any write against a DONE job. FAILED jobs stay
	// mutable because operators resume them.
	ErrImmutable = errors.New("job is finished and immutable")
)

// Error codes recorded on failed jobs and surfaced by status polling.
const (
	ErrCodeValidation    = "ValidationError"
	ErrCodeFatalProvider = "FatalProviderError"
	ErrCodeStorage       = "StorageError"
	ErrCodeOperator      = "OperatorFailed"
)
