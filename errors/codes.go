package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

// Error categories define how errors should be handled.
const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help
	// without changing the input.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryContention indicates another client won a race for the same
	// resource. Retrying the same operation on the same task is pointless.
	CategoryContention ErrorCategory = "contention"

	// CategoryConsistency indicates shared state changed between the reads
	// and writes of a multi-step operation. Re-fetch and retry.
	CategoryConsistency ErrorCategory = "consistency"

	// CategoryInternal indicates unexpected errors, bugs, or system failures.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryTransient, CategoryConsistency:
		return true
	default:
		return false
	}
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

// Error codes for task queue failures.
const (
	// Transient errors
	ErrCodeTimeout     ErrorCode = "TIMEOUT"     // Operation timed out
	ErrCodeUnavailable ErrorCode = "UNAVAILABLE" // Store temporarily unavailable

	// Permanent errors
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"     // Record or queue entry does not exist
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT" // Malformed task or argument
	ErrCodeCanceled     ErrorCode = "CANCELED"      // Operation was canceled
	ErrCodeTaskFailed   ErrorCode = "TASK_FAILED"   // Task ended in the error status

	// Contention errors
	ErrCodeAlreadyClaimed ErrorCode = "ALREADY_CLAIMED" // Another worker holds the task

	// Consistency errors
	ErrCodeNoData ErrorCode = "NO_DATA" // Record vanished mid-operation

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL" // Unexpected internal error
	ErrCodePanic    ErrorCode = "PANIC"    // Recovered from panic
)

// String returns the string representation of the code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeUnavailable:
		return CategoryTransient
	case ErrCodeNotFound, ErrCodeInvalidInput, ErrCodeCanceled, ErrCodeTaskFailed:
		return CategoryPermanent
	case ErrCodeAlreadyClaimed:
		return CategoryContention
	case ErrCodeNoData:
		return CategoryConsistency
	default:
		return CategoryInternal
	}
}

// DefaultRetryable returns whether errors with this code are retryable by default.
func (c ErrorCode) DefaultRetryable() bool {
	return c.DefaultCategory().IsRetryable()
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeTimeout:        "operation timed out",
	ErrCodeUnavailable:    "store temporarily unavailable",
	ErrCodeNotFound:       "not found",
	ErrCodeInvalidInput:   "invalid input provided",
	ErrCodeCanceled:       "operation canceled",
	ErrCodeTaskFailed:     "task execution failed",
	ErrCodeAlreadyClaimed: "already claimed",
	ErrCodeNoData:         "no data found",
	ErrCodeInternal:       "internal error",
	ErrCodePanic:          "recovered from panic",
}

// Description returns a human-readable description of the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
