package pipeline

import (
	"errors"
	"fmt"
)

// Kind classifies pipeline failures so callers can map them onto transport
// semantics without string matching.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindForbidden        Kind = "forbidden"
	KindNotFound         Kind = "not_found"
	KindInvalidState     Kind = "invalid_state"
	KindTranscodeFailure Kind = "transcode_failure"
	KindStorageFailure   Kind = "storage_failure"
)

// Error is the failure type returned by every pipeline operation. Timeout is
// only meaningful for transcode failures and reports that the encode deadline
// was breached rather than the process exiting on its own.
type Error struct {
	Kind    Kind
	Message string
	Err     error
	Timeout bool
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Message != "" {
			return fmt.Sprintf("%s: %v", e.Message, e.Err)
		}
		return e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func forbiddenf(format string, args ...any) *Error {
	return &Error{Kind: KindForbidden, Message: fmt.Sprintf(format, args...)}
}

func notFoundf(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func invalidStatef(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidState, Message: fmt.Sprintf(format, args...)}
}

func storageFailure(message string, err error) *Error {
	return &Error{Kind: KindStorageFailure, Message: message, Err: err}
}

// KindOf extracts the pipeline failure kind from err. Errors produced outside
// the pipeline report KindStorageFailure, matching how the operations wrap
// infrastructure faults.
func KindOf(err error) Kind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return KindStorageFailure
}

// IsTimeout reports whether err is a transcode failure caused by the encode
// deadline.
func IsTimeout(err error) bool {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind == KindTranscodeFailure && perr.Timeout
	}
	return false
}
