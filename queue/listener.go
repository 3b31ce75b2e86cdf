package queue

import (
	"context"

	qerrors "github.com/vinayprograms/taskqueue/errors"
	"github.com/vinayprograms/taskqueue/store"
)

// AwaitTerminal blocks until task reaches complete or error.
//
// On complete it returns the record. On error it returns the record
// together with a TASK_FAILED error carrying the last history message. It
// returns NOT_FOUND if the record is removed while waiting, and ctx.Err()
// if ctx ends first.
func (c *Coordinator) AwaitTerminal(ctx context.Context, task *Task) (*Task, error) {
	if err := ValidateExisting(task); err != nil {
		return nil, err
	}

	sub, err := c.store.SubscribeValue(c.taskPath(task.Key), store.SubscribeOptions{})
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				return nil, store.ErrClosed
			}
			if !ev.Exists() {
				return nil, qerrors.NotFound("task removed while waiting", qerrors.WithTaskID(task.Key))
			}
			t, err := decodeTask(task.Key, ev.Value)
			if err != nil {
				return nil, err
			}
			switch t.Status {
			case StatusComplete:
				return t, nil
			case StatusError:
				reason := ""
				if n := len(t.History); n > 0 {
					reason = t.History[n-1].Message
				}
				return t, newTaskError(qerrors.TaskFailed(t.Key, reason), t)
			}
		}
	}
}
