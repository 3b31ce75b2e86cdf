package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/taskqueue/logging"
)

// Sweeper errors.
var (
	ErrSweeperRunning    = errors.New("sweeper already started")
	ErrSweeperNotRunning = errors.New("sweeper not started")
)

// SweeperConfig configures a Sweeper.
type SweeperConfig struct {
	// Interval between sweeps.
	// Default: 1 minute
	Interval time.Duration

	// StaleAfter is passed to ReclaimStale.
	// Default: the coordinator's StaleAfter
	StaleAfter time.Duration

	// RepairLimit is passed to RepairOrphans.
	// Default: the coordinator's RepairLimit
	RepairLimit int
}

// DefaultSweeperConfig returns configuration with sensible defaults.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval: time.Minute,
	}
}

// Sweeper runs ReclaimStale and RepairOrphans on a ticker.
type Sweeper struct {
	c   *Coordinator
	cfg SweeperConfig
	log *logging.Logger

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSweeper creates a sweeper for the coordinator. It does nothing until
// Start is called.
func (c *Coordinator) NewSweeper(cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweeperConfig().Interval
	}
	return &Sweeper{
		c:   c,
		cfg: cfg,
		log: c.cfg.Logger.WithComponent("sweeper"),
	}
}

// Start sweeps once immediately, then every Interval until Stop or ctx
// ends.
func (s *Sweeper) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return ErrSweeperRunning
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.run(ctx)
	return nil
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.doneCh)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	s.RunOnce(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce runs both scans once. The orphan repair runs even when the stale
// reclaim fails; the first error is returned.
func (s *Sweeper) RunOnce(ctx context.Context) (stale, orphans SweepReport, err error) {
	stale, staleErr := s.c.ReclaimStale(ctx, s.cfg.StaleAfter)
	if staleErr != nil && ctx.Err() == nil {
		s.log.Error("sweep_failed", map[string]interface{}{
			"scan":  ScanReclaimStale,
			"error": staleErr.Error(),
		})
	}

	orphans, orphanErr := s.c.RepairOrphans(ctx, s.cfg.RepairLimit)
	if orphanErr != nil && ctx.Err() == nil {
		s.log.Error("sweep_failed", map[string]interface{}{
			"scan":  ScanRepairOrphans,
			"error": orphanErr.Error(),
		})
	}

	if staleErr != nil {
		return stale, orphans, staleErr
	}
	return stale, orphans, orphanErr
}

// Stop ends the sweep loop and waits for an in-flight sweep to return.
func (s *Sweeper) Stop() error {
	if !s.running.Swap(false) {
		return ErrSweeperNotRunning
	}
	close(s.stopCh)
	<-s.doneCh
	return nil
}
