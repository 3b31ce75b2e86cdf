package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vinayprograms/taskqueue/logging"
	"github.com/vinayprograms/taskqueue/store"
)

// t0 is the starting time of every test clock.
var t0 = time.UnixMilli(1_700_000_000_000)

// testClock is a manually advanced clock shared by the store and the
// coordinator.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: t0}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// countingStore counts mutating store calls.
type countingStore struct {
	store.Store
	writes       atomic.Int32
	merges       atomic.Int32
	conditionals atomic.Int32
}

func (s *countingStore) Write(ctx context.Context, path string, value any) error {
	s.writes.Add(1)
	return s.Store.Write(ctx, path, value)
}

func (s *countingStore) Merge(ctx context.Context, path string, fields map[string]any) error {
	s.merges.Add(1)
	return s.Store.Merge(ctx, path, fields)
}

func (s *countingStore) ConditionalUpdate(ctx context.Context, path string, fn store.UpdateFunc) (store.ConditionalResult, error) {
	s.conditionals.Add(1)
	return s.Store.ConditionalUpdate(ctx, path, fn)
}

func (s *countingStore) mutations() int32 {
	return s.writes.Load() + s.merges.Load() + s.conditionals.Load()
}

// testEnv bundles a coordinator with its store and clock.
type testEnv struct {
	c     *Coordinator
	store *countingStore
	clock *testClock
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()

	clock := newTestClock()
	mem := store.NewMemoryStore(store.WithClock(clock.Now))
	cs := &countingStore{Store: mem}

	cfg := DefaultConfig()
	cfg.Clock = clock.Now
	cfg.Logger = logging.Nop()
	for _, m := range mutate {
		m(&cfg)
	}

	c, err := New(cs, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { mem.Close() })

	return &testEnv{c: c, store: cs, clock: clock}
}

// publish publishes a signed task or fails the test.
func (e *testEnv) publish(t *testing.T, signed string) *Task {
	t.Helper()
	task, err := e.c.Publish(context.Background(), &Task{Signed: signed, Value: []byte(`{"n":1}`)})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	return task
}

// members returns the keys in a status index.
func (e *testEnv) members(t *testing.T, status Status) []string {
	t.Helper()
	keys, err := e.c.Index().Members(context.Background(), status, 0)
	if err != nil {
		t.Fatalf("Members failed: %v", err)
	}
	return keys
}

// assertIndexedOnlyIn checks that key is in exactly one status index.
func (e *testEnv) assertIndexedOnlyIn(t *testing.T, key string, want Status) {
	t.Helper()
	for _, status := range Statuses {
		found := false
		for _, k := range e.members(t, status) {
			if k == key {
				found = true
			}
		}
		if found != (status == want) {
			t.Errorf("index %s contains %s = %v, want %v", status, key, found, status == want)
		}
	}
}

func ms(t time.Time) int64 {
	return t.UnixMilli()
}
