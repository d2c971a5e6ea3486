package pipeline

import (
	"errors"
	"fmt"

	"photopipe/internal/domain"
	"photopipe/internal/providers"
)

// storageError marks an object-store failure. Storage failures retry like any
// transient error but record a distinct code if they outlast the budget.
type storageError struct {
	err error
}

func (e *storageError) Error() string { return "storage: " + e.err.Error() }
func (e *storageError) Unwrap() error { return e.err }

func wrapStorage(err error) error {
	return &storageError{err: err}
}

func isStorage(err error) bool {
	var serr *storageError
	return errors.As(err, &serr)
}

// fatalError marks a pipeline-level failure that must never be retried, such
// as an undecodable vendor result.
type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

func fatalf(format string, args ...any) error {
	return &fatalError{err: fmt.Errorf(format, args...)}
}

func isRetryable(err error) bool {
	var ferr *fatalError
	if errors.As(err, &ferr) {
		return false
	}
	return providers.IsTransient(err)
}

// errorCode picks the recorded failure taxonomy entry. Anything that reaches
// a FAILED transition is terminal, so the provider-side code collapses to
// fatal; storage failures keep their own code for operator triage.
func errorCode(err error) string {
	if isStorage(err) {
		return domain.ErrCodeStorage
	}
	return domain.ErrCodeFatalProvider
}
