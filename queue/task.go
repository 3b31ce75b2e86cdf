package queue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	qerrors "github.com/vinayprograms/taskqueue/errors"
	"github.com/vinayprograms/taskqueue/store"
)

// Status is the lifecycle state of a task.
type Status string

const (
	// StatusAvailable indicates the task is waiting to be claimed.
	StatusAvailable Status = "available"

	// StatusActive indicates a worker has claimed the task.
	StatusActive Status = "active"

	// StatusComplete indicates the task finished successfully.
	StatusComplete Status = "complete"

	// StatusError indicates the task finished with a failure.
	StatusError Status = "error"
)

// Statuses lists every legal status.
var Statuses = []Status{StatusAvailable, StatusActive, StatusComplete, StatusError}

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// Valid reports whether s is one of the four legal statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusAvailable, StatusActive, StatusComplete, StatusError:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for complete and error. Terminal tasks still
// accept a requeue.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusError
}

// ParseStatus converts a string to a Status.
func ParseStatus(s string) (Status, error) {
	status := Status(s)
	if !status.Valid() {
		return "", qerrors.Newf(qerrors.ErrCodeInvalidInput, "invalid status %q", s)
	}
	return status, nil
}

// HistoryEntry is one annotation in a task's history.
type HistoryEntry struct {
	// Timestamp is store-assigned milliseconds since the epoch.
	Timestamp int64 `json:"timestamp"`

	// Message is the human readable annotation.
	Message string `json:"message"`
}

// Task is the master record of a unit of work. Field names are the store
// schema shared with every other client.
type Task struct {
	// Key is assigned by the store at publish time and never changes.
	Key string `json:"key,omitempty"`

	// Status is the current lifecycle state.
	Status Status `json:"status"`

	// Signed is the identity of the task's author. Cleared on requeue.
	Signed string `json:"signed,omitempty"`

	// WorkerID is the current claimant. Set only while active.
	WorkerID string `json:"workerID,omitempty"`

	// Store-assigned milliseconds since the epoch; zero when unset.
	TimeAdded   int64 `json:"timeAdded,omitempty"`
	TimeStarted int64 `json:"timeStarted,omitempty"`
	TimeEnded   int64 `json:"timeEnded,omitempty"`

	// Result is the opaque outcome attached on completion.
	Result json.RawMessage `json:"result,omitempty"`

	// Value is the application payload.
	Value json.RawMessage `json:"value,omitempty"`

	// History is append-only.
	History []HistoryEntry `json:"history,omitempty"`
}

// Clone creates a deep copy of the task.
func (t *Task) Clone() *Task {
	clone := *t
	if t.Result != nil {
		clone.Result = bytes.Clone(t.Result)
	}
	if t.Value != nil {
		clone.Value = bytes.Clone(t.Value)
	}
	if t.History != nil {
		clone.History = make([]HistoryEntry, len(t.History))
		copy(clone.History, t.History)
	}
	return &clone
}

// DecodeResult unmarshals the task's result into v.
func (t *Task) DecodeResult(v any) error {
	if len(t.Result) == 0 {
		return qerrors.New(qerrors.ErrCodeNotFound, "task has no result", qerrors.WithTaskID(t.Key))
	}
	return json.Unmarshal(t.Result, v)
}

// DecodeValue unmarshals the task's payload into v.
func (t *Task) DecodeValue(v any) error {
	if len(t.Value) == 0 {
		return qerrors.New(qerrors.ErrCodeNotFound, "task has no value", qerrors.WithTaskID(t.Key))
	}
	return json.Unmarshal(t.Value, v)
}

// ValidateNew checks a task presented for publishing. An empty status
// defaults to available at publish time.
func ValidateNew(t *Task) error {
	if t == nil {
		return invalid(nil, "missing task")
	}
	if t.Key != "" {
		return invalid(t, "new task already has a key")
	}
	if t.Signed == "" {
		return invalid(t, "task is not signed")
	}
	if t.Status != "" && !t.Status.Valid() {
		return invalid(t, fmt.Sprintf("invalid status %q", t.Status))
	}
	return nil
}

// ValidateExisting checks a task presented for a transition, claim or
// removal.
func ValidateExisting(t *Task) error {
	if t == nil {
		return invalid(nil, "missing task")
	}
	if t.Key == "" {
		return invalid(t, "task has no key")
	}
	if !validKey(t.Key) {
		return invalid(t, fmt.Sprintf("invalid key %q", t.Key))
	}
	if !t.Status.Valid() {
		return invalid(t, fmt.Sprintf("invalid status %q", t.Status))
	}
	return nil
}

// validKey reports whether key can name a single path segment.
func validKey(key string) bool {
	return key != "" && !strings.Contains(key, "/") && store.ValidatePath(key) == nil
}

// decodeTask converts a store value into a Task. The key is taken from the
// record's path, not from its contents.
func decodeTask(key string, v any) (*Task, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, qerrors.Wrap(err, "encoding task record")
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, qerrors.New(qerrors.ErrCodeInternal, "malformed task record",
			qerrors.WithTaskID(key), qerrors.WithCause(err))
	}
	t.Key = key
	return &t, nil
}

// record returns the store representation of a new task.
func (t *Task) record() (map[string]any, error) {
	rec := map[string]any{
		"key":    t.Key,
		"status": string(t.Status),
		"signed": t.Signed,
	}
	if t.WorkerID != "" {
		rec["workerID"] = t.WorkerID
	}
	if len(t.Value) > 0 {
		var v any
		if err := json.Unmarshal(t.Value, &v); err != nil {
			return nil, invalid(t, "value is not valid JSON")
		}
		rec["value"] = v
	}
	if len(t.Result) > 0 {
		var v any
		if err := json.Unmarshal(t.Result, &v); err != nil {
			return nil, invalid(t, "result is not valid JSON")
		}
		rec["result"] = v
	}
	if len(t.History) > 0 {
		rec["history"] = t.History
	}
	return rec, nil
}
