package store

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fixedClock returns a clock that can be advanced by tests.
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// nextEvent waits for one event or fails the test.
func nextEvent(t *testing.T, sub Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

// expectNoEvent fails if an event arrives within a short window.
func expectNoEvent(t *testing.T, sub Subscription) {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if ok {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

// ============================================================================
// LEVEL 1: Unit Tests - Read/Write/Merge, timestamps, keys
// ============================================================================

func TestMemoryStore_Read_NotFound(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	_, err := s.Read(context.Background(), "queue/tasks/none")
	if err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_WriteRead(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	if err := s.Write(ctx, "queue/tasks/k1", map[string]any{"status": "available", "signed": "alice"}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	v, err := s.Read(ctx, "queue/tasks/k1")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	m := v.(map[string]any)
	if m["status"] != "available" || m["signed"] != "alice" {
		t.Errorf("unexpected record: %v", m)
	}

	status, err := s.Read(ctx, "queue/tasks/k1/status")
	if err != nil || status != "available" {
		t.Errorf("leaf read = %v, %v", status, err)
	}

	// Returned values are copies.
	m["status"] = "mutated"
	again, _ := s.Read(ctx, "queue/tasks/k1/status")
	if again != "available" {
		t.Error("Read must not expose store state")
	}
}

func TestMemoryStore_WriteNilDeletesAndPrunes(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	s.Write(ctx, "queue/available/k1", true)
	if err := s.Write(ctx, "queue/available/k1", nil); err != nil {
		t.Fatalf("Write nil failed: %v", err)
	}
	if _, err := s.Read(ctx, "queue"); err != ErrNotFound {
		t.Errorf("expected empty parents pruned, got %v", err)
	}
}

func TestMemoryStore_Merge(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	s.Write(ctx, "queue/tasks/k1", map[string]any{
		"status":   "active",
		"workerID": "bob",
		"value":    map[string]any{"a": float64(1), "b": float64(2)},
	})

	err := s.Merge(ctx, "queue/tasks/k1", map[string]any{
		"status":   "available",
		"workerID": nil,
		"value":    map[string]any{"a": float64(9)},
	})
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}

	v, _ := s.Read(ctx, "queue/tasks/k1")
	m := v.(map[string]any)
	if m["status"] != "available" {
		t.Errorf("status = %v", m["status"])
	}
	if _, ok := m["workerID"]; ok {
		t.Error("nil field should be deleted")
	}
	value := m["value"].(map[string]any)
	if len(value) != 1 || value["a"] != float64(9) {
		t.Errorf("merge replaces whole children, got %v", value)
	}
}

func TestMemoryStore_ServerTimestamp(t *testing.T) {
	clock := &fixedClock{now: time.UnixMilli(1_700_000_000_000)}
	s := NewMemoryStore(WithClock(clock.Now))
	defer s.Close()
	ctx := context.Background()

	s.Write(ctx, "queue/tasks/k1", map[string]any{"timeAdded": ServerTimestamp()})
	clock.Advance(time.Second)
	s.Merge(ctx, "queue/tasks/k1", map[string]any{"timeStarted": ServerTimestamp()})

	v, _ := s.Read(ctx, "queue/tasks/k1")
	m := v.(map[string]any)
	if m["timeAdded"] != float64(1_700_000_000_000) {
		t.Errorf("timeAdded = %v", m["timeAdded"])
	}
	if m["timeStarted"] != float64(1_700_000_001_000) {
		t.Errorf("timeStarted = %v", m["timeStarted"])
	}
}

func TestMemoryStore_GenerateKeyOrdered(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	keys := make([]string, 100)
	seen := make(map[string]bool)
	for i := range keys {
		k, err := s.GenerateKey("queue/tasks")
		if err != nil {
			t.Fatalf("GenerateKey failed: %v", err)
		}
		if seen[k] {
			t.Fatalf("duplicate key %s", k)
		}
		seen[k] = true
		keys[i] = k
	}
	if !sort.StringsAreSorted(keys) {
		t.Error("keys should sort in creation order")
	}
	if err := ValidatePath("queue/tasks/" + keys[0]); err != nil {
		t.Errorf("generated key is not a valid segment: %v", err)
	}
}

func TestMemoryStore_InvalidPath(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	if _, err := s.Read(context.Background(), "a..b"); err != ErrInvalidPath {
		t.Errorf("expected ErrInvalidPath, got %v", err)
	}
	if err := s.Merge(context.Background(), "a", map[string]any{"x.y": 1}); err != ErrInvalidPath {
		t.Errorf("expected ErrInvalidPath for bad field, got %v", err)
	}
}

func TestMemoryStore_Closed(t *testing.T) {
	s := NewMemoryStore()
	s.Close()
	ctx := context.Background()

	if _, err := s.Read(ctx, "a"); err != ErrClosed {
		t.Errorf("Read: expected ErrClosed, got %v", err)
	}
	if err := s.Write(ctx, "a", 1); err != ErrClosed {
		t.Errorf("Write: expected ErrClosed, got %v", err)
	}
	if _, err := s.SubscribeValue("a", SubscribeOptions{}); err != ErrClosed {
		t.Errorf("SubscribeValue: expected ErrClosed, got %v", err)
	}
	if _, err := s.GenerateKey("a"); err != ErrClosed {
		t.Errorf("GenerateKey: expected ErrClosed, got %v", err)
	}
	// Double close is safe.
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Write(ctx, "a", 1); err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

// ============================================================================
// LEVEL 2: Conditional update and ordered queries
// ============================================================================

func TestMemoryStore_ConditionalUpdate(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	claim := func(worker string) UpdateFunc {
		return func(cur any) (any, bool) {
			if cur != nil {
				return nil, false
			}
			return worker, true
		}
	}

	res, err := s.ConditionalUpdate(ctx, "queue/tasks/k1/workerID", claim("alice"))
	if err != nil {
		t.Fatalf("ConditionalUpdate failed: %v", err)
	}
	if !res.Committed || res.Value != "alice" {
		t.Errorf("first claim: %+v", res)
	}

	res, err = s.ConditionalUpdate(ctx, "queue/tasks/k1/workerID", claim("bob"))
	if err != nil {
		t.Fatalf("ConditionalUpdate failed: %v", err)
	}
	if res.Committed || res.Value != "alice" {
		t.Errorf("second claim should abort with current value: %+v", res)
	}
}

func TestMemoryStore_ConditionalUpdate_Concurrent(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.ConditionalUpdate(ctx, "lock/owner", func(cur any) (any, bool) {
				if cur != nil {
					return nil, false
				}
				return float64(i), true
			})
			if err == nil && res.Committed {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("expected exactly one winner, got %d", wins.Load())
	}
}

func TestMemoryStore_QueryOrdered(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	for _, k := range []string{"c", "a", "b"} {
		s.Write(ctx, "queue/available/"+k, true)
	}

	all, err := s.QueryOrdered(ctx, "queue/available", 0)
	if err != nil {
		t.Fatalf("QueryOrdered failed: %v", err)
	}
	if len(all) != 3 || all[0].Key != "a" || all[1].Key != "b" || all[2].Key != "c" {
		t.Errorf("unexpected order: %+v", all)
	}

	first, _ := s.QueryOrdered(ctx, "queue/available", 1)
	if len(first) != 1 || first[0].Key != "a" || first[0].Value != true {
		t.Errorf("limit 1: %+v", first)
	}

	none, err := s.QueryOrdered(ctx, "queue/active", 0)
	if err != nil || len(none) != 0 {
		t.Errorf("empty query: %v, %v", none, err)
	}
}

// ============================================================================
// LEVEL 3: Subscriptions
// ============================================================================

func TestMemoryStore_SubscribeValue(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	sub, err := s.SubscribeValue("queue/available", SubscribeOptions{})
	if err != nil {
		t.Fatalf("SubscribeValue failed: %v", err)
	}
	defer sub.Unsubscribe()

	ev := nextEvent(t, sub)
	if ev.Exists() {
		t.Errorf("initial snapshot should be empty, got %v", ev.Value)
	}

	s.Write(ctx, "queue/available/k1", true)
	ev = nextEvent(t, sub)
	if ev.NumChildren() != 1 {
		t.Errorf("expected 1 child, got %d", ev.NumChildren())
	}

	// Unrelated writes do not notify.
	s.Write(ctx, "queue/active/k2", true)
	expectNoEvent(t, sub)

	s.Write(ctx, "queue/available/k1", nil)
	ev = nextEvent(t, sub)
	if ev.NumChildren() != 0 {
		t.Errorf("expected 0 children, got %d", ev.NumChildren())
	}
}

func TestMemoryStore_SubscribeValue_Once(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	s.Write(context.Background(), "queue/tasks/k1/status", "active")

	sub, err := s.SubscribeValue("queue/tasks/k1", SubscribeOptions{Once: true})
	if err != nil {
		t.Fatalf("SubscribeValue failed: %v", err)
	}

	ev := nextEvent(t, sub)
	if ev.Value.(map[string]any)["status"] != "active" {
		t.Errorf("unexpected value %v", ev.Value)
	}

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Error("once subscription delivered a second event")
		}
	case <-time.After(2 * time.Second):
		t.Error("once subscription did not close")
	}
}

func TestMemoryStore_SubscribeChildAdded(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	s.Write(ctx, "queue/available/b", true)
	s.Write(ctx, "queue/available/a", true)

	sub, err := s.SubscribeChildAdded("queue/available")
	if err != nil {
		t.Fatalf("SubscribeChildAdded failed: %v", err)
	}
	defer sub.Unsubscribe()

	if ev := nextEvent(t, sub); ev.Key != "a" || ev.Kind != EventChildAdded {
		t.Errorf("first existing child = %+v", ev)
	}
	if ev := nextEvent(t, sub); ev.Key != "b" {
		t.Errorf("second existing child = %+v", ev)
	}

	s.Write(ctx, "queue/available/c", true)
	if ev := nextEvent(t, sub); ev.Key != "c" || ev.Value != true {
		t.Errorf("new child = %+v", ev)
	}

	// Removal is silent, re-adding announces again.
	s.Write(ctx, "queue/available/a", nil)
	expectNoEvent(t, sub)
	s.Write(ctx, "queue/available/a", true)
	if ev := nextEvent(t, sub); ev.Key != "a" {
		t.Errorf("re-added child = %+v", ev)
	}
}

func TestMemoryStore_SlowReaderLosesNothing(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	sub, _ := s.SubscribeChildAdded("queue/available")
	defer sub.Unsubscribe()

	const n = 200
	for i := 0; i < n; i++ {
		k, _ := s.GenerateKey("queue/available")
		s.Write(ctx, "queue/available/"+k, true)
	}

	for i := 0; i < n; i++ {
		nextEvent(t, sub)
	}
}

func TestMemoryStore_CloseEndsSubscriptions(t *testing.T) {
	s := NewMemoryStore()

	sub, _ := s.SubscribeValue("a", SubscribeOptions{})
	nextEvent(t, sub)
	s.Close()

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Error("subscription not closed by store Close")
	}
}

func TestMemoryStore_UnsubscribeIdempotent(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	sub, _ := s.SubscribeChildAdded("a")
	if err := sub.Unsubscribe(); err != nil {
		t.Errorf("Unsubscribe: %v", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Errorf("second Unsubscribe: %v", err)
	}
}
