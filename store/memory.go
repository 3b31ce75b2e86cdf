package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements Store as an in-process tree.
// Useful for testing and single-process scenarios.
type MemoryStore struct {
	mu     sync.Mutex
	root   any
	subs   map[*subscription]*memoryWatch
	clock  func() time.Time
	closed atomic.Bool
}

// memoryWatch is the state kept for one subscription.
type memoryWatch struct {
	path  string
	segs  []string
	kind  EventKind
	last  any             // last delivered value (value subscriptions)
	known map[string]bool // children already announced (child-added)
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock sets the clock used to resolve server timestamps.
func WithClock(clock func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.clock = clock
	}
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		subs:  make(map[*subscription]*memoryWatch),
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GenerateKey returns a UUIDv7, which sorts in creation order.
func (s *MemoryStore) GenerateKey(parent string) (string, error) {
	if err := ValidatePath(parent); err != nil {
		return "", err
	}
	if s.closed.Load() {
		return "", ErrClosed
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Read returns a copy of the value at path.
func (s *MemoryStore) Read(ctx context.Context, path string) (any, error) {
	if err := s.check(ctx, path); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	v := getAt(s.root, Split(path))
	if v == nil {
		return nil, ErrNotFound
	}
	return cloneValue(v), nil
}

// Write replaces the value at path.
func (s *MemoryStore) Write(ctx context.Context, path string, value any) error {
	if err := s.check(ctx, path); err != nil {
		return err
	}
	v, err := Normalize(value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.root = setAt(s.root, Split(path), s.resolve(v))
	s.notifyLocked()
	return nil
}

// Merge replaces each named child of path in a single step.
func (s *MemoryStore) Merge(ctx context.Context, path string, fields map[string]any) error {
	if err := s.check(ctx, path); err != nil {
		return err
	}
	normalized := make(map[string]any, len(fields))
	for k, value := range fields {
		if err := validateSegment(k); err != nil {
			return err
		}
		v, err := Normalize(value)
		if err != nil {
			return err
		}
		normalized[k] = v
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	base := Split(path)
	for k, v := range normalized {
		s.root = setAt(s.root, append(append([]string{}, base...), k), s.resolve(v))
	}
	s.notifyLocked()
	return nil
}

// ConditionalUpdate runs fn under the store lock, so concurrent updates to
// the same path serialize.
func (s *MemoryStore) ConditionalUpdate(ctx context.Context, path string, fn UpdateFunc) (ConditionalResult, error) {
	if err := s.check(ctx, path); err != nil {
		return ConditionalResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	segs := Split(path)
	current := cloneValue(getAt(s.root, segs))
	next, commit := fn(current)
	if !commit {
		return ConditionalResult{Committed: false, Value: current}, nil
	}

	v, err := Normalize(next)
	if err != nil {
		return ConditionalResult{}, err
	}
	v = s.resolve(v)
	s.root = setAt(s.root, segs, v)
	s.notifyLocked()
	return ConditionalResult{Committed: true, Value: cloneValue(v)}, nil
}

// QueryOrdered returns children of path ordered by key.
func (s *MemoryStore) QueryOrdered(ctx context.Context, path string, limit int) ([]Child, error) {
	if err := s.check(ctx, path); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	node := getAt(s.root, Split(path))
	keys := childKeys(node)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	children := make([]Child, 0, len(keys))
	for _, k := range keys {
		children = append(children, Child{Key: k, Value: cloneValue(getAt(node, []string{k}))})
	}
	return children, nil
}

// SubscribeValue delivers the value at path now and after every change.
func (s *MemoryStore) SubscribeValue(path string, opts SubscribeOptions) (Subscription, error) {
	if err := s.check(context.Background(), path); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	w := &memoryWatch{path: path, segs: Split(path), kind: EventValue}
	sub := s.addLocked(w, opts.Once)

	w.last = cloneValue(getAt(s.root, w.segs))
	sub.push(Event{Kind: EventValue, Path: path, Value: cloneValue(w.last)})
	return sub, nil
}

// SubscribeChildAdded announces existing children in key order, then new ones.
func (s *MemoryStore) SubscribeChildAdded(path string) (Subscription, error) {
	if err := s.check(context.Background(), path); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	w := &memoryWatch{path: path, segs: Split(path), kind: EventChildAdded, known: make(map[string]bool)}
	sub := s.addLocked(w, false)
	s.announceChildrenLocked(sub, w)
	return sub, nil
}

// Close shuts down the store and ends all subscriptions.
func (s *MemoryStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.mu.Lock()
	subs := make([]*subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.root = nil
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	return nil
}

func (s *MemoryStore) check(ctx context.Context, path string) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	return ctx.Err()
}

// resolve replaces server timestamp sentinels with the store clock.
func (s *MemoryStore) resolve(v any) any {
	return resolveTimestamps(v, float64(s.clock().UnixMilli()))
}

func (s *MemoryStore) addLocked(w *memoryWatch, once bool) *subscription {
	var sub *subscription
	sub = newSubscription(once, func() {
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
	})
	s.subs[sub] = w
	return sub
}

// notifyLocked pushes events to every subscription whose view changed.
// Must be called with lock held.
func (s *MemoryStore) notifyLocked() {
	for sub, w := range s.subs {
		if sub.isClosed() {
			continue
		}
		switch w.kind {
		case EventValue:
			current := getAt(s.root, w.segs)
			if equalValues(current, w.last) {
				continue
			}
			w.last = cloneValue(current)
			sub.push(Event{Kind: EventValue, Path: w.path, Value: cloneValue(current)})
		case EventChildAdded:
			s.announceChildrenLocked(sub, w)
		}
	}
}

// announceChildrenLocked pushes child-added events for children not yet
// announced and forgets children that disappeared, so a re-added child is
// announced again.
func (s *MemoryStore) announceChildrenLocked(sub *subscription, w *memoryWatch) {
	node := getAt(s.root, w.segs)
	present := make(map[string]bool)
	for _, k := range childKeys(node) {
		present[k] = true
		if w.known[k] {
			continue
		}
		w.known[k] = true
		sub.push(Event{
			Kind:  EventChildAdded,
			Path:  w.path,
			Key:   k,
			Value: cloneValue(getAt(node, []string{k})),
		})
	}
	for k := range w.known {
		if !present[k] {
			delete(w.known, k)
		}
	}
}
