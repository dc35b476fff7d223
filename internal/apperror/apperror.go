// Package apperror defines the error taxonomy shared by the local store, the
// remote store clients and the sync engine.
package apperror

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrValidation   = errors.New("validation error")
	ErrNotFound     = errors.New("not found")
	ErrDuplicateKey = errors.New("duplicate key")
	ErrRemoteWrite  = errors.New("remote write failed")
	ErrRemoteRead   = errors.New("remote read failed")
	ErrSync         = errors.New("sync failed")
)

// Error carries the kind sentinel plus optional context and cause.
type Error struct {
	Kind     error  // one of the Err* sentinels
	Op       string // operation or sync step
	Resource string
	ID       string
	Field    string
	Message  string
	Err      error // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.Error()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func NotFound(resource, id string) *Error {
	return &Error{
		Kind:     ErrNotFound,
		Resource: resource,
		ID:       id,
		Message:  fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

func Validation(field, message string) *Error {
	return &Error{
		Kind:    ErrValidation,
		Field:   field,
		Message: message,
	}
}

func Duplicate(resource, id string) *Error {
	return &Error{
		Kind:     ErrDuplicateKey,
		Resource: resource,
		ID:       id,
		Message:  fmt.Sprintf("%s already exists with id %s", resource, id),
	}
}

func RemoteWrite(op string, err error) *Error {
	return &Error{Kind: ErrRemoteWrite, Op: op, Err: err}
}

func RemoteRead(op string, err error) *Error {
	return &Error{Kind: ErrRemoteRead, Op: op, Err: err}
}

// Sync wraps a failure of one sync step.
func Sync(step string, err error) *Error {
	return &Error{Kind: ErrSync, Op: step, Err: err}
}

// Step returns the sync step err failed in, or "" when err is not a
// SyncError.
func Step(err error) string {
	var e *Error
	for err != nil {
		if !errors.As(err, &e) {
			return ""
		}
		if e.Kind == ErrSync {
			return e.Op
		}
		err = e.Err
	}
	return ""
}

// IsRetryable reports whether re-invoking the failed operation may succeed.
// Remote failures and timeouts are; cancellation is not.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRemoteWrite) ||
		errors.Is(err, ErrRemoteRead) ||
		errors.Is(err, context.DeadlineExceeded)
}
