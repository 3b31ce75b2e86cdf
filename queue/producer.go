package queue

import (
	"context"
	"errors"

	qerrors "github.com/vinayprograms/taskqueue/errors"
	"github.com/vinayprograms/taskqueue/store"
	"github.com/vinayprograms/taskqueue/telemetry"
)

// Publish stores a new task and makes it visible in its status index
// (available unless the task says otherwise). The store assigns the key
// and timeAdded. Returns the stored record.
func (c *Coordinator) Publish(ctx context.Context, task *Task) (*Task, error) {
	if err := ValidateNew(task); err != nil {
		return nil, err
	}

	ctx, span := c.tracer.StartQueueSpan(ctx, "publish", "")
	t, err := c.publish(ctx, task)
	opts := telemetry.QueueSpanOptions{To: string(task.Status)}
	if t != nil {
		span.SetAttributes(taskKeyAttr(t.Key))
		opts.To = string(t.Status)
	}
	c.tracer.EndQueueSpan(span, opts, err)
	return t, err
}

func (c *Coordinator) publish(ctx context.Context, task *Task) (*Task, error) {
	t := task.Clone()
	if t.Status == "" {
		t.Status = StatusAvailable
	}

	key, err := c.store.GenerateKey(store.Join(c.cfg.Root, "tasks"))
	if err != nil {
		return nil, err
	}
	t.Key = key

	rec, err := t.record()
	if err != nil {
		return nil, err
	}
	rec["timeAdded"] = c.cfg.TimestampToken

	if err := c.store.Write(ctx, c.taskPath(key), rec); err != nil {
		return nil, err
	}
	if err := c.index.Add(ctx, t.Status, key); err != nil {
		return nil, err
	}
	c.log.TaskPublished(key, t.Signed)

	stored, err := c.load(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		// Removed by another client before we could read it back.
		return nil, newTaskError(qerrors.NoData(key), t)
	}
	return stored, err
}

// Clear removes a task: index entries first, then the master record, so no
// index ever points at a missing record.
func (c *Coordinator) Clear(ctx context.Context, task *Task) error {
	if err := ValidateExisting(task); err != nil {
		return err
	}

	statuses := []Status{task.Status}
	current, err := c.load(ctx, task.Key)
	switch {
	case err == nil:
		if current.Status.Valid() && current.Status != task.Status {
			statuses = append(statuses, current.Status)
		}
	case errors.Is(err, store.ErrNotFound):
	default:
		return err
	}

	for _, status := range statuses {
		if err := c.index.Remove(ctx, status, task.Key); err != nil {
			return err
		}
	}
	if err := c.store.Write(ctx, c.taskPath(task.Key), nil); err != nil {
		return err
	}
	c.log.TaskCleared(task.Key, string(task.Status))
	return nil
}

// Get returns the master record of key.
func (c *Coordinator) Get(ctx context.Context, key string) (*Task, error) {
	if !validKey(key) {
		return nil, qerrors.InvalidInput("invalid task key", qerrors.WithTaskID(key))
	}
	t, err := c.load(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, qerrors.NotFound("task not found", qerrors.WithTaskID(key))
	}
	return t, err
}

// Next returns the earliest task in the status index.
// Returns a NOT_FOUND error when the index is empty.
func (c *Coordinator) Next(ctx context.Context, status Status) (*Task, error) {
	if !status.Valid() {
		return nil, invalid(nil, "invalid status "+string(status))
	}
	key, ok, err := c.index.QueryOne(ctx, status)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, qerrors.NotFound("queue empty", qerrors.WithMetadata("status", string(status)))
	}
	return c.Get(ctx, key)
}
