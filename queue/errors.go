package queue

import (
	"errors"

	qerrors "github.com/vinayprograms/taskqueue/errors"
)

// TaskError is a coded error that carries the task snapshot it was raised
// for.
type TaskError struct {
	Err  *qerrors.Error
	Task *Task
}

// Error implements the error interface.
func (e *TaskError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the coded error.
func (e *TaskError) Unwrap() error {
	return e.Err
}

// Code returns the error code.
func (e *TaskError) Code() qerrors.ErrorCode {
	return e.Err.Code()
}

// newTaskError builds a TaskError from a coded error and a snapshot.
func newTaskError(err *qerrors.Error, t *Task) *TaskError {
	var snapshot *Task
	if t != nil {
		snapshot = t.Clone()
	}
	return &TaskError{Err: err, Task: snapshot}
}

func invalid(t *Task, msg string) *TaskError {
	opts := []qerrors.Option{}
	if t != nil && t.Key != "" {
		opts = append(opts, qerrors.WithTaskID(t.Key))
	}
	return newTaskError(qerrors.New(qerrors.ErrCodeInvalidInput, msg, opts...), t)
}

// SnapshotOf returns the task carried by err, if any.
func SnapshotOf(err error) *Task {
	var te *TaskError
	if errors.As(err, &te) {
		return te.Task
	}
	return nil
}

// IsAlreadyClaimed reports whether err is a lost claim race.
func IsAlreadyClaimed(err error) bool {
	return qerrors.Is(err, qerrors.ErrCodeAlreadyClaimed)
}

// IsNoData reports whether a task vanished mid-operation.
func IsNoData(err error) bool {
	return qerrors.Is(err, qerrors.ErrCodeNoData)
}

// IsInvalid reports whether err is a validation failure.
func IsInvalid(err error) bool {
	return qerrors.Is(err, qerrors.ErrCodeInvalidInput)
}

// IsQueueEmpty reports whether Next found no task.
func IsQueueEmpty(err error) bool {
	return qerrors.Is(err, qerrors.ErrCodeNotFound)
}

// IsTaskFailed reports whether AwaitTerminal observed the error status.
func IsTaskFailed(err error) bool {
	return qerrors.Is(err, qerrors.ErrCodeTaskFailed)
}
