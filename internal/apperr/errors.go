// Package apperr defines the error taxonomy of the upload service.
//
// Every failure that crosses a package boundary is an *Error carrying a Code.
// Codes are strings so they serialize naturally into JSON responses and logs.
package apperr

import (
	"errors"
	"fmt"
)

// Code identifies a class of failure.
type Code string

const (
	// CodeInvalidRequest means missing or malformed input. Not retryable without a client fix.
	CodeInvalidRequest Code = "INVALID_REQUEST"

	// CodeUnknownChunk means the chunk address does not match a ledger row.
	// The client must re-initiate before retrying.
	CodeUnknownChunk Code = "UNKNOWN_CHUNK"

	// CodeNotFound means the upload does not exist.
	CodeNotFound Code = "NOT_FOUND"

	// CodeDiskWriteFailed means the chunk bytes could not be written. The chunk stays PENDING.
	CodeDiskWriteFailed Code = "DISK_WRITE_FAILED"

	// CodeLedgerUpdateFailed means the chunk status could not be committed. The chunk stays PENDING.
	CodeLedgerUpdateFailed Code = "LEDGER_UPDATE_FAILED"

	// CodeFinalizeFailed means hashing, verification or the completion write failed.
	// The upload stays UPLOADING.
	CodeFinalizeFailed Code = "FINALIZE_FAILED"

	// CodeInternal is anything else.
	CodeInternal Code = "INTERNAL"
)

// Error is a coded error with an optional cause.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether repeating the same call can succeed.
func (e *Error) Retryable() bool {
	switch e.Code {
	case CodeDiskWriteFailed, CodeLedgerUpdateFailed, CodeFinalizeFailed, CodeInternal:
		return true
	}
	return false
}

// Transient reports whether the error belongs to the TransientIO class.
func (e *Error) Transient() bool {
	return e.Code == CodeDiskWriteFailed || e.Code == CodeLedgerUpdateFailed
}

// New creates an error without a cause.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// Newf creates an error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to cause. A nil cause yields nil.
func Wrap(code Code, msg string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Code: code, Msg: msg, Err: cause}
}

// CodeOf extracts the code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

// IsRetryable reports whether err is worth retrying. Uncoded errors are.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return err != nil
}
