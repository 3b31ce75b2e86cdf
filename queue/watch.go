package queue

import (
	"context"
	"errors"
	"sync"

	qerrors "github.com/vinayprograms/taskqueue/errors"
	"github.com/vinayprograms/taskqueue/logging"
	"github.com/vinayprograms/taskqueue/store"
)

// Watcher follows a status index and hands each arriving task to a
// handler. Stop it when done.
type Watcher struct {
	sub        store.Subscription
	cancel     context.CancelFunc
	dispatcher *Dispatcher // serial watchers only
	log        *logging.Logger

	handlers sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
}

// WatchQueue calls handler for every task in the status index, first for
// the existing members and then for each arrival. Each task's master record
// is loaded before the call; tasks removed in the meantime are skipped.
// Handlers run concurrently, one goroutine per arrival.
func (c *Coordinator) WatchQueue(ctx context.Context, status Status, handler Handler) (*Watcher, error) {
	return c.watch(ctx, status, handler, nil)
}

// WatchQueueSerial is WatchQueue with handlers run one at a time through a
// Dispatcher in the configured DispatchOrder. A handler's failure is logged
// and does not stop the watcher.
func (c *Coordinator) WatchQueueSerial(ctx context.Context, status Status, handler Handler) (*Watcher, error) {
	return c.watch(ctx, status, handler, c.NewDispatcher())
}

func (c *Coordinator) watch(ctx context.Context, status Status, handler Handler, d *Dispatcher) (*Watcher, error) {
	if !status.Valid() {
		return nil, invalid(nil, "invalid status "+string(status))
	}
	if handler == nil {
		return nil, invalid(nil, "handler required")
	}

	sub, err := c.index.OnAdded(status)
	if err != nil {
		if d != nil {
			d.Close()
		}
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		sub:        sub,
		cancel:     cancel,
		dispatcher: d,
		log:        c.cfg.Logger.WithComponent("watch"),
		done:       make(chan struct{}),
	}

	go w.run(ctx, c, handler)

	// Stop on context end as well as on Stop.
	go func() {
		select {
		case <-ctx.Done():
			w.sub.Unsubscribe()
		case <-w.done:
		}
	}()

	return w, nil
}

func (w *Watcher) run(ctx context.Context, c *Coordinator, handler Handler) {
	defer close(w.done)

	for ev := range w.sub.Events() {
		t, err := c.load(ctx, ev.Key)
		if errors.Is(err, store.ErrNotFound) {
			w.log.Debug("task_vanished", map[string]interface{}{"key": ev.Key})
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Error("task_load_failed", map[string]interface{}{
				"key":   ev.Key,
				"error": err.Error(),
			})
			continue
		}

		if w.dispatcher != nil {
			if err := w.dispatcher.Enqueue(handler, t); err != nil {
				return
			}
			continue
		}

		w.handlers.Add(1)
		go func(t *Task) {
			defer w.handlers.Done()
			defer func() {
				if r := recover(); r != nil {
					w.log.DispatchFailed(t.Key, qerrors.RecoverPanic(r))
				}
			}()
			if err := handler(ctx, t); err != nil {
				w.log.DispatchFailed(t.Key, err)
			}
		}(t)
	}
}

// Pending returns the number of tasks waiting in a serial watcher's
// buffer. Always zero for concurrent watchers.
func (w *Watcher) Pending() int {
	if w.dispatcher == nil {
		return 0
	}
	return w.dispatcher.Len()
}

// Stop ends the subscription, cancels handler contexts and waits for
// running handlers to return.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		w.sub.Unsubscribe()
		w.cancel()
		<-w.done
		w.handlers.Wait()
		if w.dispatcher != nil {
			w.dispatcher.Close()
		}
	})
}
