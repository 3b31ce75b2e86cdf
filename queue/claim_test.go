package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	qerrors "github.com/vinayprograms/taskqueue/errors"
	"github.com/vinayprograms/taskqueue/store"
)

// ============================================================================
// LEVEL 1: Single claimant
// ============================================================================

func TestClaimGrantsOwnership(t *testing.T) {
	env := newTestEnv(t)

	task := env.publish(t, "alice")
	claimed, err := env.c.Claim(context.Background(), task, "bob")
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if claimed.Status != StatusActive || claimed.WorkerID != "bob" {
		t.Errorf("unexpected task: %+v", claimed)
	}
	if claimed.TimeStarted != ms(t0) {
		t.Errorf("timeStarted = %d", claimed.TimeStarted)
	}
	env.assertIndexedOnlyIn(t, task.Key, StatusActive)
}

func TestClaimRequiresWorker(t *testing.T) {
	env := newTestEnv(t)

	task := env.publish(t, "alice")
	if _, err := env.c.Claim(context.Background(), task, ""); !IsInvalid(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestEndToEndLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a := env.publish(t, "alice")

	claimed, err := env.c.Claim(ctx, a, "bob")
	if err != nil {
		t.Fatalf("claim by bob failed: %v", err)
	}
	if claimed.Status != StatusActive || claimed.WorkerID != "bob" || claimed.TimeStarted == 0 {
		t.Fatalf("unexpected claimed task: %+v", claimed)
	}
	if got := env.members(t, StatusActive); len(got) != 1 || got[0] != a.Key {
		t.Errorf("active index = %v", got)
	}
	if got := env.members(t, StatusAvailable); len(got) != 0 {
		t.Errorf("available index = %v", got)
	}

	_, err = env.c.Claim(ctx, a, "carol")
	if !IsAlreadyClaimed(err) {
		t.Fatalf("claim by carol: expected ALREADY_CLAIMED, got %v", err)
	}
	if !qerrors.IsContention(err) {
		t.Error("lost claim should be a contention error")
	}
	coded := qerrors.As(err)
	if coded.WorkerID() != "carol" || coded.Metadata()["claimed_by"] != "bob" {
		t.Errorf("worker = %q, claimed_by = %q", coded.WorkerID(), coded.Metadata()["claimed_by"])
	}

	done, err := env.c.Complete(ctx, claimed, map[string]any{"x": 1})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	var result struct{ X int }
	if err := done.DecodeResult(&result); err != nil || result.X != 1 {
		t.Errorf("result = %+v, %v", result, err)
	}
	if done.TimeEnded == 0 || done.TimeStarted > done.TimeEnded {
		t.Errorf("timeStarted = %d, timeEnded = %d", done.TimeStarted, done.TimeEnded)
	}
	if done.WorkerID != "bob" || done.Signed != "alice" {
		t.Errorf("unexpected task: %+v", done)
	}
	env.assertIndexedOnlyIn(t, a.Key, StatusComplete)
}

// ============================================================================
// LEVEL 2: Contention
// ============================================================================

func TestConcurrentClaimsOneWinner(t *testing.T) {
	env := newTestEnv(t)

	task := env.publish(t, "alice")

	const workers = 16
	var (
		wg     sync.WaitGroup
		wins   atomic.Int32
		losses atomic.Int32
		winner atomic.Value
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			got, err := env.c.Claim(context.Background(), task, id)
			switch {
			case err == nil:
				wins.Add(1)
				winner.Store(got.WorkerID)
			case IsAlreadyClaimed(err):
				losses.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(fmt.Sprintf("worker-%d", i))
	}
	wg.Wait()

	if wins.Load() != 1 || losses.Load() != workers-1 {
		t.Fatalf("wins = %d, losses = %d", wins.Load(), losses.Load())
	}

	stored, err := env.c.Get(context.Background(), task.Key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.WorkerID != winner.Load().(string) {
		t.Errorf("stored workerID %q, winner %q", stored.WorkerID, winner.Load())
	}
}

func TestClaimAlreadyActiveSnapshot(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	task := env.publish(t, "alice")
	active, err := env.c.Transition(ctx, task, StatusActive, TransitionRequest{})
	if err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	claimed, err := env.c.Claim(ctx, active, "bob")
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if claimed.WorkerID != "bob" {
		t.Errorf("workerID = %q, want bob", claimed.WorkerID)
	}
}

// ============================================================================
// LEVEL 3: Vanished records
// ============================================================================

func TestClaimOnDeletedRecordLeavesNoStub(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	task := env.publish(t, "alice")
	if err := env.c.Clear(ctx, task); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	_, err := env.c.Claim(ctx, task, "bob")
	if !IsNoData(err) {
		t.Fatalf("expected NO_DATA, got %v", err)
	}
	if _, err := env.store.Read(ctx, env.c.taskPath(task.Key)); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("claim left data behind: %v", err)
	}
	env.assertIndexedOnlyIn(t, task.Key, "")
}
