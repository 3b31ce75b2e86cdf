package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/taskqueue/queue"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Requeue stale active tasks and repair orphaned claims",
	Long: `Run the recovery scans. Active tasks started longer than stale_after ago
are requeued, and available tasks that still carry a workerID have it
cleared.

Without --once the scans repeat every --interval until interrupted.`,
	Args: cobra.NoArgs,
	RunE: runSweep,
}

var waitIdleCmd = &cobra.Command{
	Use:   "wait-idle",
	Short: "Block until the queue has stayed empty for a settle window",
	Args:  cobra.NoArgs,
	RunE:  runWaitIdle,
}

var (
	sweepInterval time.Duration
	sweepOnce     bool

	idleMin         time.Duration
	idleWatchActive bool
)

func init() {
	sweepCmd.Flags().DurationVar(&sweepInterval, "interval", 0, "time between sweeps (default from config)")
	sweepCmd.Flags().BoolVar(&sweepOnce, "once", false, "run the scans once and exit")

	waitIdleCmd.Flags().DurationVar(&idleMin, "min-idle", 0, "settle window (default from config)")
	waitIdleCmd.Flags().BoolVar(&idleWatchActive, "watch-active", false, "also require the active index to be empty")

	rootCmd.AddCommand(sweepCmd, waitIdleCmd)
}

func printReport(w io.Writer, r queue.SweepReport) {
	fmt.Fprintf(w, "%s: scanned=%d fixed=%d failed=%d (%s)\n",
		r.Scan, r.Scanned, r.Fixed, r.Failed(), r.Duration.Round(time.Millisecond))
	for _, f := range r.Failures {
		fmt.Fprintf(w, "  %s: %v\n", f.Key, f.Err)
	}
}

func runSweep(cmd *cobra.Command, args []string) error {
	c, closeFn, err := openCoordinator()
	if err != nil {
		return err
	}
	defer closeFn()

	sc := cfg.SweeperConfig()
	if sweepInterval > 0 {
		sc.Interval = sweepInterval
	}
	sweeper := c.NewSweeper(sc)

	if sweepOnce {
		stale, orphans, err := sweeper.RunOnce(cmd.Context())
		printReport(cmd.OutOrStdout(), stale)
		printReport(cmd.OutOrStdout(), orphans)
		return err
	}

	if err := sweeper.Start(cmd.Context()); err != nil {
		return err
	}
	<-cmd.Context().Done()
	return sweeper.Stop()
}

func runWaitIdle(cmd *cobra.Command, args []string) error {
	c, closeFn, err := openCoordinator()
	if err != nil {
		return err
	}
	defer closeFn()

	idle := make(chan struct{})
	var once sync.Once
	m, err := c.MonitorForIdle(func() {
		once.Do(func() { close(idle) })
	}, idleMin, idleWatchActive)
	if err != nil {
		return err
	}
	defer m.Stop()

	select {
	case <-idle:
		fmt.Fprintln(cmd.OutOrStdout(), "Queue is idle")
		return nil
	case <-cmd.Context().Done():
		return cmd.Context().Err()
	}
}
