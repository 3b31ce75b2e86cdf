package queue

import (
	"context"
	"testing"
	"time"

	"github.com/vinayprograms/taskqueue/store"
)

// claimAt publishes and claims a task with the clock at started.
func claimAt(t *testing.T, env *testEnv, started time.Time) *Task {
	t.Helper()
	env.clock.Set(started)
	task := env.publish(t, "alice")
	claimed, err := env.c.Claim(context.Background(), task, "bob")
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	return claimed
}

// ============================================================================
// LEVEL 1: ReclaimStale
// ============================================================================

func TestReclaimStaleBoundary(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	d := 4 * time.Minute

	task := claimAt(t, env, t0)

	for _, elapsed := range []time.Duration{d - time.Millisecond, d} {
		env.clock.Set(t0.Add(elapsed))
		report, err := env.c.ReclaimStale(ctx, d)
		if err != nil {
			t.Fatalf("ReclaimStale failed: %v", err)
		}
		if report.Fixed != 0 || report.Scanned != 1 {
			t.Errorf("after %v: report = %+v", elapsed, report)
		}
		env.assertIndexedOnlyIn(t, task.Key, StatusActive)
	}

	env.clock.Set(t0.Add(d + time.Millisecond))
	report, err := env.c.ReclaimStale(ctx, d)
	if err != nil {
		t.Fatalf("ReclaimStale failed: %v", err)
	}
	if report.Fixed != 1 || report.Failed() != 0 {
		t.Errorf("report = %+v", report)
	}
	if report.Scan != ScanReclaimStale {
		t.Errorf("scan = %s", report.Scan)
	}

	got, err := env.c.Get(ctx, task.Key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusAvailable || got.WorkerID != "" || got.Signed != "" {
		t.Errorf("not requeued: %+v", got)
	}
	if got.TimeAdded != ms(t0.Add(d+time.Millisecond)) {
		t.Errorf("timeAdded = %d", got.TimeAdded)
	}
	env.assertIndexedOnlyIn(t, task.Key, StatusAvailable)
}

func TestReclaimStaleDefaultExpiration(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.StaleAfter = time.Second })

	claimAt(t, env, t0)
	env.clock.Set(t0.Add(2 * time.Second))

	report, err := env.c.ReclaimStale(context.Background(), 0)
	if err != nil {
		t.Fatalf("ReclaimStale failed: %v", err)
	}
	if report.Fixed != 1 {
		t.Errorf("report = %+v", report)
	}
}

func TestReclaimStaleSkipsMissingTimeStarted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// An active record written by another client without timeStarted.
	key := "manual"
	if err := env.store.Write(ctx, env.c.taskPath(key), map[string]any{
		"status": "active",
		"signed": "alice",
	}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := env.c.Index().Add(ctx, StatusActive, key); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	env.clock.Set(t0.Add(time.Hour))
	report, err := env.c.ReclaimStale(ctx, time.Minute)
	if err != nil {
		t.Fatalf("ReclaimStale failed: %v", err)
	}
	if report.Scanned != 1 || report.Fixed != 0 || report.Failed() != 0 {
		t.Errorf("report = %+v", report)
	}
	env.assertIndexedOnlyIn(t, key, StatusActive)
}

func TestReclaimStaleRecordsGhostAndContinues(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.c.Index().Add(ctx, StatusActive, "ghost"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	task := claimAt(t, env, t0)

	env.clock.Set(t0.Add(time.Hour))
	report, err := env.c.ReclaimStale(ctx, time.Minute)
	if err != nil {
		t.Fatalf("ReclaimStale failed: %v", err)
	}
	if report.Scanned != 2 || report.Fixed != 1 || report.Failed() != 1 {
		t.Fatalf("report = %+v", report)
	}
	if f := report.Failures[0]; f.Key != "ghost" || !IsNoData(f.Err) {
		t.Errorf("failure = %+v", f)
	}
	env.assertIndexedOnlyIn(t, task.Key, StatusAvailable)
}

func TestReclaimStaleCanceled(t *testing.T) {
	env := newTestEnv(t)
	claimAt(t, env, t0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := env.c.ReclaimStale(ctx, time.Minute); err == nil {
		t.Error("expected error on canceled context")
	}
}

// ============================================================================
// LEVEL 2: RepairOrphans
// ============================================================================

// orphan publishes a task and writes a stray workerID onto it.
func orphan(t *testing.T, env *testEnv) *Task {
	t.Helper()
	task := env.publish(t, "alice")
	path := store.Join(env.c.taskPath(task.Key), "workerID")
	if err := env.store.Write(context.Background(), path, "bob"); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	return task
}

func TestRepairOrphansClearsOnlyWorkerID(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	task := orphan(t, env)
	env.publish(t, "alice")

	report, err := env.c.RepairOrphans(ctx, 0)
	if err != nil {
		t.Fatalf("RepairOrphans failed: %v", err)
	}
	if report.Scanned != 2 || report.Fixed != 1 {
		t.Errorf("report = %+v", report)
	}

	got, err := env.c.Get(ctx, task.Key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.WorkerID != "" {
		t.Errorf("workerID = %q", got.WorkerID)
	}
	if got.Status != StatusAvailable || got.Signed != "alice" || got.TimeAdded != task.TimeAdded || len(got.Value) == 0 {
		t.Errorf("other fields changed: %+v", got)
	}

	// A repaired task can be claimed.
	if _, err := env.c.Claim(ctx, got, "carol"); err != nil {
		t.Errorf("claim after repair failed: %v", err)
	}
}

func TestRepairOrphansBoundedPrefix(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		orphan(t, env)
	}

	report, err := env.c.RepairOrphans(ctx, 2)
	if err != nil {
		t.Fatalf("RepairOrphans failed: %v", err)
	}
	if report.Scanned != 2 || report.Fixed != 2 {
		t.Errorf("first pass: %+v", report)
	}

	report, err = env.c.RepairOrphans(ctx, 3)
	if err != nil {
		t.Fatalf("RepairOrphans failed: %v", err)
	}
	if report.Fixed != 1 {
		t.Errorf("second pass: %+v", report)
	}
}
