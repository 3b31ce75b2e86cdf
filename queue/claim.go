package queue

import (
	"context"
	"fmt"

	qerrors "github.com/vinayprograms/taskqueue/errors"
	"github.com/vinayprograms/taskqueue/store"
	"github.com/vinayprograms/taskqueue/telemetry"
)

// Claim gives task to workerID if nobody holds it.
//
// Ownership is decided by one atomic conditional update on the task's
// workerID field: it commits only when the field is empty. A lost race
// returns an ALREADY_CLAIMED error (see IsAlreadyClaimed); it is a normal
// outcome, not a fault.
//
// After winning, the task is transitioned to active. If that follow-up
// fails the worker still owns the task but the available index is stale;
// the error is returned so the caller knows, and RepairOrphans heals the
// index view later.
func (c *Coordinator) Claim(ctx context.Context, task *Task, workerID string) (*Task, error) {
	if err := ValidateExisting(task); err != nil {
		return nil, err
	}
	if workerID == "" {
		return nil, invalid(task, "worker ID required")
	}

	ctx, span := c.tracer.StartQueueSpan(ctx, "claim", task.Key)
	claimed, err := c.claim(ctx, task, workerID)
	c.tracer.EndQueueSpan(span, telemetry.QueueSpanOptions{
		From:     string(task.Status),
		To:       string(StatusActive),
		WorkerID: workerID,
	}, err)
	return claimed, err
}

func (c *Coordinator) claim(ctx context.Context, task *Task, workerID string) (*Task, error) {
	path := store.Join(c.taskPath(task.Key), "workerID")

	res, err := c.store.ConditionalUpdate(ctx, path, func(current any) (any, bool) {
		if current != nil {
			return nil, false
		}
		return workerID, true
	})
	if err != nil {
		return nil, err
	}

	if !res.Committed {
		c.log.ClaimContended(task.Key, workerID)
		return nil, newTaskError(qerrors.AlreadyClaimed(task.Key,
			qerrors.WithWorkerID(workerID),
			qerrors.WithMetadata("claimed_by", fmt.Sprint(res.Value)),
		), task)
	}

	// Re-send workerID so a RepairOrphans pass that ran between the claim
	// and the transition cannot leave the task active without an owner.
	updated, err := c.Transition(ctx, task, StatusActive, TransitionRequest{WorkerID: workerID})
	if err != nil {
		c.log.ClaimStranded(task.Key, workerID, err)
		if IsNoData(err) {
			// The record was removed; drop the lone workerID the claim wrote.
			if cerr := c.store.Write(ctx, path, nil); cerr != nil {
				c.log.Warn("claim_cleanup_failed", map[string]interface{}{
					"key":   task.Key,
					"error": cerr.Error(),
				})
			}
		}
		return nil, err
	}

	if task.Status == StatusActive {
		// Transition was a no-op; reflect the ownership just granted.
		updated.WorkerID = workerID
	}
	c.log.ClaimGranted(task.Key, workerID)
	return updated, nil
}
