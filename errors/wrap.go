package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap wraps an error with additional context while preserving the error chain.
// If err is nil, Wrap returns nil.
// If err is already an *Error, its code and category are kept.
// Otherwise a context error maps to TIMEOUT/CANCELED and anything else to INTERNAL.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var coded *Error
	if errors.As(err, &coded) {
		wrapped := &Error{
			code:      coded.code,
			category:  coded.category,
			message:   message,
			cause:     err,
			metadata:  coded.Metadata(),
			retryable: coded.retryable,
			timestamp: coded.timestamp,
			taskID:    coded.taskID,
			workerID:  coded.workerID,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(ErrCodeTimeout, message, append(opts, WithCause(err))...)
	}
	if errors.Is(err, context.Canceled) {
		return New(ErrCodeCanceled, message, append(opts, WithCause(err))...)
	}

	return New(ErrCodeInternal, message, append(opts, WithCause(err))...)
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...interface{}) *Error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// As extracts an *Error from an error chain.
// Returns nil if none is found.
func As(err error) *Error {
	var coded *Error
	if errors.As(err, &coded) {
		return coded
	}
	return nil
}

// Is checks if any error in the chain has the given error code.
func Is(err error, code ErrorCode) bool {
	if coded := As(err); coded != nil {
		return coded.code == code
	}
	return false
}

// IsCategory checks if any error in the chain has the given category.
func IsCategory(err error, category ErrorCategory) bool {
	if coded := As(err); coded != nil {
		return coded.category == category
	}
	return false
}

// IsRetryable checks if the error is retryable.
// Errors that are not *Error (store and transport faults) report false:
// retry policy for those belongs to the caller.
func IsRetryable(err error) bool {
	if coded := As(err); coded != nil {
		return coded.Retryable()
	}
	return false
}

// IsPermanent checks if the error is permanent.
func IsPermanent(err error) bool {
	return IsCategory(err, CategoryPermanent)
}

// IsContention checks if the error is a lost race.
func IsContention(err error) bool {
	return IsCategory(err, CategoryContention)
}

// IsConsistency checks if the error is a mid-operation consistency failure.
func IsConsistency(err error) bool {
	return IsCategory(err, CategoryConsistency)
}

// Code extracts the error code from an error, if available.
// Returns empty string if err carries no *Error.
func Code(err error) ErrorCode {
	if coded := As(err); coded != nil {
		return coded.code
	}
	return ""
}

// RecoverPanic converts a recovered panic value into an Error.
func RecoverPanic(recovered interface{}) *Error {
	if recovered == nil {
		return nil
	}
	var message string
	switch v := recovered.(type) {
	case error:
		message = v.Error()
	case string:
		message = v
	default:
		message = fmt.Sprintf("%v", v)
	}
	return New(ErrCodePanic, message, WithMetadata("panic_value", fmt.Sprintf("%T", recovered)))
}
