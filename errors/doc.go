// Package errors provides the coded error taxonomy used by the task queue.
//
// Every error carries a code and a category. Categories tell a caller what
// to do next:
//
//   - Transient: the store or network hiccuped; retry may succeed
//   - Permanent: the input is wrong (bad status, unsigned task, missing key)
//   - Contention: another worker won a claim; pick a different task
//   - Consistency: the record changed underneath the operation; re-fetch and retry
//   - Internal: a bug or a recovered panic
//
// # Usage
//
//	err := errors.New(errors.ErrCodeAlreadyClaimed, "already claimed",
//	    errors.WithTaskID(key))
//
//	if errors.IsContention(err) {
//	    // try the next task
//	}
//
// Errors produced by the underlying store are never converted; they reach the
// caller as the store returned them.
package errors
