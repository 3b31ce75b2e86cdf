package queue

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"

	qerrors "github.com/vinayprograms/taskqueue/errors"
	"github.com/vinayprograms/taskqueue/store"
	"github.com/vinayprograms/taskqueue/telemetry"
)

// TransitionRequest holds the optional effects of a transition.
type TransitionRequest struct {
	// WorkerID sets the claimant. Ignored on requeue.
	WorkerID string

	// Message appends a history entry.
	Message string

	// Result sets the opaque result. Ignored on requeue.
	Result any

	// Requeue forces the task back to available and clears workerID,
	// result and signed, whatever the current status.
	Requeue bool
}

func taskKeyAttr(key string) attribute.KeyValue {
	return attribute.String("queue.task.key", key)
}

// Transition moves task to status to and returns the updated record.
//
// When to equals the task's status and this is not a requeue, nothing is
// written and a copy of task is returned.
//
// Otherwise the transition runs as separate store operations:
//
//  1. read the master record (NO_DATA error if it is gone)
//  2. remove the old status index entry
//  3. merge the changed fields into the master record
//  4. re-read the master record
//  5. add the new status index entry
//
// A failure between steps leaves the indices stale until a recovery sweep
// repairs them. Store errors are returned unmodified and never retried.
func (c *Coordinator) Transition(ctx context.Context, task *Task, to Status, req TransitionRequest) (*Task, error) {
	if err := ValidateExisting(task); err != nil {
		return nil, err
	}
	if req.Requeue {
		to = StatusAvailable
	}
	if !to.Valid() {
		return nil, invalid(task, "invalid status "+string(to))
	}
	if to == task.Status && !req.Requeue {
		return task.Clone(), nil
	}

	ctx, span := c.tracer.StartQueueSpan(ctx, "transition", task.Key)
	updated, err := c.transition(ctx, task, to, req)
	c.tracer.EndQueueSpan(span, telemetry.QueueSpanOptions{
		From:     string(task.Status),
		To:       string(to),
		WorkerID: req.WorkerID,
		Requeue:  req.Requeue,
		Message:  req.Message,
	}, err)
	return updated, err
}

func (c *Coordinator) transition(ctx context.Context, task *Task, to Status, req TransitionRequest) (*Task, error) {
	current, err := c.load(ctx, task.Key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newTaskError(qerrors.NoData(task.Key), task)
	}
	if err != nil {
		return nil, err
	}
	if !current.Status.Valid() {
		// Only stray fields remain, e.g. a claim that landed after removal.
		return nil, newTaskError(qerrors.NoData(task.Key), task)
	}

	fields, err := c.transitionFields(current, task.Status, to, req)
	if err != nil {
		return nil, newTaskError(qerrors.InvalidInput(err.Error(), qerrors.WithTaskID(task.Key)), task)
	}

	// The snapshot may be stale; clear both what the caller saw and what
	// the store holds.
	old := []Status{current.Status}
	if task.Status != current.Status {
		old = append(old, task.Status)
	}
	for _, status := range old {
		if err := c.index.Remove(ctx, status, task.Key); err != nil {
			return nil, err
		}
	}

	if err := c.store.Merge(ctx, c.taskPath(task.Key), fields); err != nil {
		return nil, err
	}

	updated, err := c.load(ctx, task.Key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newTaskError(qerrors.NoData(task.Key), task)
	}
	if err != nil {
		return nil, err
	}

	if err := c.index.Add(ctx, to, task.Key); err != nil {
		return nil, err
	}

	c.log.TaskTransition(task.Key, string(task.Status), string(to), req.Requeue)
	return updated, nil
}

// transitionFields returns only the fields the transition changes, so a
// concurrent claim's workerID is never overwritten by a stale snapshot.
func (c *Coordinator) transitionFields(current *Task, from, to Status, req TransitionRequest) (map[string]any, error) {
	token := c.cfg.TimestampToken
	fields := map[string]any{"status": string(to)}

	switch to {
	case StatusActive:
		fields["timeStarted"] = token
	case StatusComplete, StatusError:
		fields["timeEnded"] = token
	case StatusAvailable:
		if req.Requeue || from == StatusError || from == StatusActive {
			fields["timeAdded"] = token
		}
	}

	if req.Requeue {
		fields["workerID"] = nil
		fields["result"] = nil
		fields["signed"] = nil
	} else {
		if req.WorkerID != "" {
			fields["workerID"] = req.WorkerID
		}
		if req.Result != nil {
			result, err := store.Normalize(req.Result)
			if err != nil {
				return nil, err
			}
			fields["result"] = result
		}
	}

	if req.Message != "" {
		history := make([]any, 0, len(current.History)+1)
		for _, h := range current.History {
			history = append(history, map[string]any{"timestamp": h.Timestamp, "message": h.Message})
		}
		history = append(history, map[string]any{"timestamp": token, "message": req.Message})
		fields["history"] = history
	}

	return fields, nil
}

// Complete moves task to complete with result.
func (c *Coordinator) Complete(ctx context.Context, task *Task, result any) (*Task, error) {
	return c.Transition(ctx, task, StatusComplete, TransitionRequest{Result: result})
}

// Fail moves task to error and records message in its history.
func (c *Coordinator) Fail(ctx context.Context, task *Task, message string) (*Task, error) {
	return c.Transition(ctx, task, StatusError, TransitionRequest{Message: message})
}

// Requeue forces task back to available, clearing ownership and result.
func (c *Coordinator) Requeue(ctx context.Context, task *Task) (*Task, error) {
	return c.Transition(ctx, task, StatusAvailable, TransitionRequest{Requeue: true})
}
