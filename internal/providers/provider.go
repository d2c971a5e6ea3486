package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind identifies what an external operation does.
type Kind string

const (
	KindSegment    Kind = "segment"
	KindBackground Kind = "generate-background"
	KindComposite  Kind = "composite"
)

// Input is the normalized payload handed to any operation. SourceURL inputs
// are downloaded fully by Submit before anything is sent to the vendor so
// the pipeline never depends on a second party's URL lifetime.
type Input struct {
	SourceURL string
	Image     []byte
	RefImage  []byte
	Prompt    string
	Theme     string
	Variants  int
}

// Handle references one outstanding vendor task. It lives only for the
// duration of a stage and is never persisted; a restart re-dispatches the
// owning job from its pre-stage status.
type Handle struct {
	TaskID      string
	Kind        Kind
	SubmittedAt time.Time
}

// State is the vendor-reported task state.
type State string

const (
	StatePending State = "PENDING"
	StateDone    State = "DONE"
	StateFailed  State = "FAILED"
)

// PollResult is one non-blocking status check. On DONE the vendor returns
// either short-lived result URLs or inline bytes; URLs must be fetched
// immediately and never stored.
type PollResult struct {
	State      State
	ResultURLs []string
	Inline     [][]byte
	Reason     string
}

// Operation is the uniform contract over heterogeneous external AI calls.
type Operation interface {
	Submit(ctx context.Context, in Input) (Handle, error)
	Poll(ctx context.Context, h Handle) (PollResult, error)
	// Fetch downloads one vendor result URL with whatever auth the vendor
	// requires. Await calls it the moment a poll reports DONE.
	Fetch(ctx context.Context, resultURL string) ([]byte, error)
}

// Class partitions provider failures into retryable and terminal.
type Class int

const (
	ClassTransient Class = iota
	ClassFatal
)

// Error is a classified provider failure.
type Error struct {
	Class  Class
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Reason
	if e.Err != nil {
		if msg != "" {
			msg += ": "
		}
		msg += e.Err.Error()
	}
	return fmt.Sprintf("provider %s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Transientf builds a retryable provider error.
func Transientf(kind Kind, format string, args ...any) error {
	return &Error{Class: ClassTransient, Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Fatalf builds a terminal provider error.
func Fatalf(kind Kind, format string, args ...any) error {
	return &Error{Class: ClassFatal, Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// WrapTransient wraps err as retryable.
func WrapTransient(kind Kind, reason string, err error) error {
	return &Error{Class: ClassTransient, Kind: kind, Reason: reason, Err: err}
}

// WrapFatal wraps err as terminal.
func WrapFatal(kind Kind, reason string, err error) error {
	return &Error{Class: ClassFatal, Kind: kind, Reason: reason, Err: err}
}

// IsTransient reports whether err should be retried. Unclassified errors
// (network failures, timeouts) default to transient; only an explicit fatal
// classification stops the retry path.
func IsTransient(err error) bool {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Class == ClassTransient
	}
	return true
}

// ClassifyStatus maps an HTTP response status to a failure class: 5xx and
// 429 are transient, any other 4xx is a vendor rejection.
func ClassifyStatus(status int) Class {
	if status >= http.StatusInternalServerError || status == http.StatusTooManyRequests {
		return ClassTransient
	}
	return ClassFatal
}

// StatusError builds a classified error from an HTTP status and body excerpt.
func StatusError(kind Kind, status int, body string) error {
	return &Error{
		Class:  ClassifyStatus(status),
		Kind:   kind,
		Reason: fmt.Sprintf("status %d: %s", status, body),
	}
}
