package queue

import (
	"context"
	"testing"
	"time"
)

func TestSweeperRunOnce(t *testing.T) {
	env := newTestEnv(t)

	claimAt(t, env, t0)
	orphan(t, env)
	env.clock.Set(t0.Add(time.Hour))

	s := env.c.NewSweeper(SweeperConfig{StaleAfter: time.Minute})
	stale, orphans, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if stale.Fixed != 1 {
		t.Errorf("stale = %+v", stale)
	}
	// The requeued task has no workerID; only the orphan needs repair.
	if orphans.Fixed != 1 || orphans.Scanned != 2 {
		t.Errorf("orphans = %+v", orphans)
	}
}

func TestSweeperStartStop(t *testing.T) {
	env := newTestEnv(t)

	task := claimAt(t, env, t0)
	env.clock.Set(t0.Add(time.Hour))

	s := env.c.NewSweeper(SweeperConfig{Interval: 10 * time.Millisecond, StaleAfter: time.Minute})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := s.Start(context.Background()); err != ErrSweeperRunning {
		t.Errorf("second Start = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := env.c.Get(context.Background(), task.Key)
		if err == nil && got.Status == StatusAvailable {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("sweeper did not requeue the stale task")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := s.Stop(); err != ErrSweeperNotRunning {
		t.Errorf("second Stop = %v", err)
	}
}

func TestSweeperStopsWithContext(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	s := env.c.NewSweeper(DefaultSweeperConfig())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after context cancel")
	}
}
