package store

import (
	"context"
	"errors"
	"strings"
)

// Common errors.
var (
	ErrNotFound         = errors.New("path not found")
	ErrClosed           = errors.New("store closed")
	ErrInvalidPath      = errors.New("invalid path")
	ErrInvalidValue     = errors.New("invalid value")
	ErrNotLeaf          = errors.New("conditional update requires a leaf path")
	ErrTooManyConflicts = errors.New("conditional update: too many conflicting writers")
)

// EventKind distinguishes full-value snapshots from child-added notifications.
type EventKind int

const (
	// EventValue carries the complete value at the subscribed path.
	EventValue EventKind = iota
	// EventChildAdded carries one newly observed child of the subscribed path.
	EventChildAdded
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventValue:
		return "value"
	case EventChildAdded:
		return "child_added"
	default:
		return "unknown"
	}
}

// Event is a change notification delivered by a Subscription.
type Event struct {
	// Kind is the type of event.
	Kind EventKind

	// Path is the subscribed path.
	Path string

	// Key is the child name for EventChildAdded; empty for EventValue.
	Key string

	// Value is the value at Path (EventValue) or at Path/Key
	// (EventChildAdded). Nil when absent.
	Value any
}

// Exists reports whether the event carries a value.
func (e Event) Exists() bool {
	return e.Value != nil
}

// NumChildren returns the number of children in a value snapshot.
func (e Event) NumChildren() int {
	switch v := e.Value.(type) {
	case map[string]any:
		return len(v)
	case []any:
		return len(v)
	default:
		return 0
	}
}

// Subscription is a cancellable stream of change events.
type Subscription interface {
	// Events returns the channel of events. It is closed after Unsubscribe,
	// when the store closes, or after the first event of a Once subscription.
	Events() <-chan Event

	// Unsubscribe stops delivery and releases resources.
	Unsubscribe() error
}

// SubscribeOptions configures a value subscription.
type SubscribeOptions struct {
	// Once delivers only the current value, then closes the subscription.
	Once bool
}

// UpdateFunc computes the next value of a conditional update from the
// current one. Returning commit=false aborts without writing. A nil next
// value deletes the path. The function may run more than once when other
// writers race on the same path.
type UpdateFunc func(current any) (next any, commit bool)

// ConditionalResult is the outcome of a conditional update.
type ConditionalResult struct {
	// Committed is true when the update was written.
	Committed bool

	// Value is the value at the path after the operation: the written
	// value on commit, the observed value on abort.
	Value any
}

// Child is one entry of an ordered query.
type Child struct {
	Key   string
	Value any
}

// Store is a hierarchical, realtime key-value tree shared by many clients.
//
// Paths are slash separated ("queue/tasks/abc"). Values are JSON shaped:
// map[string]any, []any, string, float64, bool. Writing nil deletes.
// Only ConditionalUpdate is atomic; there are no multi-path transactions.
type Store interface {
	// GenerateKey returns a globally unique, time-ordered child name for parent.
	GenerateKey(parent string) (string, error)

	// Read returns the value at path.
	// Returns ErrNotFound if nothing is stored there.
	Read(ctx context.Context, path string) (any, error)

	// Write replaces the value at path. A nil value deletes it.
	Write(ctx context.Context, path string, value any) error

	// Merge replaces each named child of path. Nil children are deleted.
	Merge(ctx context.Context, path string, fields map[string]any) error

	// ConditionalUpdate atomically compares-and-sets a single leaf path.
	ConditionalUpdate(ctx context.Context, path string, fn UpdateFunc) (ConditionalResult, error)

	// SubscribeValue delivers the value at path now and after every change.
	SubscribeValue(path string, opts SubscribeOptions) (Subscription, error)

	// SubscribeChildAdded delivers one event per existing child (in key
	// order) and then one per child that appears later.
	SubscribeChildAdded(path string) (Subscription, error)

	// QueryOrdered returns children of path ordered by key.
	// A limit of 0 returns all children.
	QueryOrdered(ctx context.Context, path string, limit int) ([]Child, error)

	// Close shuts down the store and ends all subscriptions.
	Close() error
}

// ServerTimestamp returns the sentinel a store replaces with its own clock
// (milliseconds since the epoch) at write time.
func ServerTimestamp() map[string]any {
	return map[string]any{".sv": "timestamp"}
}

// IsServerTimestamp reports whether v is the server timestamp sentinel.
func IsServerTimestamp(v any) bool {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 {
		return false
	}
	s, ok := m[".sv"].(string)
	return ok && s == "timestamp"
}

// Join builds a path from segments.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// Split returns the segments of a path.
func Split(path string) []string {
	return strings.Split(path, "/")
}

// ValidatePath checks that a path can be stored by every backend.
// Segments must be non-empty and must not contain '.', '*', '>' or whitespace.
func ValidatePath(path string) error {
	if path == "" || len(path) > 1024 {
		return ErrInvalidPath
	}
	for _, seg := range Split(path) {
		if seg == "" {
			return ErrInvalidPath
		}
		if strings.ContainsAny(seg, ".*> \t\r\n") {
			return ErrInvalidPath
		}
	}
	return nil
}
