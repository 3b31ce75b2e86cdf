package queue

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/trace"

	qerrors "github.com/vinayprograms/taskqueue/errors"
	"github.com/vinayprograms/taskqueue/store"
	"github.com/vinayprograms/taskqueue/telemetry"
)

// Scan names used in reports and logs.
const (
	ScanReclaimStale  = "reclaim_stale"
	ScanRepairOrphans = "repair_orphans"
)

// SweepFailure records one task a recovery scan could not fix.
type SweepFailure struct {
	Key string
	Err error
}

// SweepReport summarises one recovery scan.
type SweepReport struct {
	// Scan is ScanReclaimStale or ScanRepairOrphans.
	Scan string

	// Scanned is the number of index members inspected.
	Scanned int

	// Fixed is the number of tasks requeued or repaired.
	Fixed int

	// Failures lists per-task errors. They never abort the scan.
	Failures []SweepFailure

	// Duration is the wall time of the scan.
	Duration time.Duration
}

// Failed returns the number of tasks that could not be fixed.
func (r SweepReport) Failed() int {
	return len(r.Failures)
}

func (r *SweepReport) fail(key string, err error) {
	r.Failures = append(r.Failures, SweepFailure{Key: key, Err: err})
}

// ReclaimStale requeues every active task whose timeStarted is more than
// expiration ago. A non-positive expiration uses Config.StaleAfter.
// Tasks without timeStarted are skipped.
//
// Per-task failures are recorded in the report and logged; only failing
// to list the active index, or ctx ending, returns an error. Running it
// while an earlier requeue is in flight at worst requeues a task twice.
func (c *Coordinator) ReclaimStale(ctx context.Context, expiration time.Duration) (SweepReport, error) {
	if expiration <= 0 {
		expiration = c.cfg.StaleAfter
	}

	ctx, span := c.tracer.StartQueueSpan(ctx, ScanReclaimStale, "")
	report, err := c.sweep(ctx, ScanReclaimStale, StatusActive, 0, func(t *Task) (bool, error) {
		if t.TimeStarted == 0 {
			return false, nil
		}
		started := time.UnixMilli(t.TimeStarted)
		if c.now().Sub(started) <= expiration {
			return false, nil
		}
		_, err := c.Requeue(ctx, t)
		return err == nil, err
	})
	c.endSweepSpan(span, report, err)
	return report, err
}

// RepairOrphans clears workerID on available tasks that still carry one,
// the leftover of a claim whose follow-up transition failed. Nothing else
// on the record is touched.
//
// Only the first limit members of the available index are inspected
// (non-positive uses Config.RepairLimit), so a large backlog is repaired
// over repeated calls rather than in one pass.
func (c *Coordinator) RepairOrphans(ctx context.Context, limit int) (SweepReport, error) {
	if limit <= 0 {
		limit = c.cfg.RepairLimit
	}

	ctx, span := c.tracer.StartQueueSpan(ctx, ScanRepairOrphans, "")
	report, err := c.sweep(ctx, ScanRepairOrphans, StatusAvailable, limit, func(t *Task) (bool, error) {
		if t.WorkerID == "" {
			return false, nil
		}
		err := c.store.Write(ctx, store.Join(c.taskPath(t.Key), "workerID"), nil)
		return err == nil, err
	})
	c.endSweepSpan(span, report, err)
	return report, err
}

// sweep loads each member of status and applies fix to it.
func (c *Coordinator) sweep(ctx context.Context, scan string, status Status, limit int, fix func(*Task) (bool, error)) (SweepReport, error) {
	start := time.Now()
	report := SweepReport{Scan: scan}

	keys, err := c.index.Members(ctx, status, limit)
	if err != nil {
		return report, err
	}

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			report.Duration = time.Since(start)
			return report, err
		}
		report.Scanned++

		t, err := c.load(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			err = qerrors.NoData(key, qerrors.WithMetadata("index", string(status)))
		}
		if err != nil {
			report.fail(key, err)
			c.log.SweepItemFailed(scan, key, err)
			continue
		}

		fixed, err := fix(t)
		if err != nil {
			report.fail(key, err)
			c.log.SweepItemFailed(scan, key, err)
			continue
		}
		if fixed {
			report.Fixed++
		}
	}

	report.Duration = time.Since(start)
	c.log.SweepComplete(scan, report.Scanned, report.Fixed, report.Failed(), report.Duration)
	return report, nil
}

func (c *Coordinator) endSweepSpan(span trace.Span, report SweepReport, err error) {
	c.tracer.EndQueueSpan(span, telemetry.QueueSpanOptions{
		Scanned: report.Scanned,
		Fixed:   report.Fixed,
		Failed:  report.Failed(),
	}, err)
}
