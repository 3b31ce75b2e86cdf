package queue

import (
	"context"
	"errors"
	"runtime"
	"sync"

	qerrors "github.com/vinayprograms/taskqueue/errors"
	"github.com/vinayprograms/taskqueue/logging"
)

// ErrDispatcherClosed is returned by Enqueue after Close.
var ErrDispatcherClosed = errors.New("dispatcher closed")

// Handler processes one task delivered by a watcher or dispatcher.
type Handler func(ctx context.Context, t *Task) error

type dispatchEntry struct {
	handler Handler
	task    *Task
}

// Dispatcher runs handlers one at a time on a single goroutine. Arrivals
// are buffered without bound. A handler's error or panic is logged and
// swallowed so one bad task cannot stall the rest.
type Dispatcher struct {
	order DispatchOrder
	log   *logging.Logger

	mu      sync.Mutex
	pending []dispatchEntry
	closed  bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	doneCh chan struct{}
}

// NewDispatcher creates a dispatcher draining in the coordinator's
// configured order.
func (c *Coordinator) NewDispatcher() *Dispatcher {
	return NewDispatcher(c.cfg.DispatchOrder, c.cfg.Logger)
}

// NewDispatcher creates and starts a dispatcher. A nil logger discards
// output.
func NewDispatcher(order DispatchOrder, log *logging.Logger) *Dispatcher {
	if order == "" {
		order = DispatchFIFO
	}
	if log == nil {
		log = logging.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		order:  order,
		log:    log.WithComponent("dispatch"),
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		doneCh: make(chan struct{}),
	}
	go d.run()
	return d
}

// Enqueue buffers handler for task. It never blocks on the handler.
func (d *Dispatcher) Enqueue(handler Handler, task *Task) error {
	if handler == nil {
		return invalid(task, "handler required")
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	d.pending = append(d.pending, dispatchEntry{handler: handler, task: task})
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return nil
}

// Len returns the number of buffered entries not yet started.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// next removes the entry to run, honouring the drain order.
func (d *Dispatcher) next() (dispatchEntry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := len(d.pending)
	if n == 0 {
		return dispatchEntry{}, false
	}

	var e dispatchEntry
	if d.order == DispatchLIFO {
		e = d.pending[n-1]
		d.pending[n-1] = dispatchEntry{}
		d.pending = d.pending[:n-1]
	} else {
		e = d.pending[0]
		d.pending[0] = dispatchEntry{}
		d.pending = d.pending[1:]
	}
	return e, true
}

func (d *Dispatcher) run() {
	defer close(d.doneCh)

	for {
		e, ok := d.next()
		if !ok {
			select {
			case <-d.wake:
				continue
			case <-d.ctx.Done():
				return
			}
		}
		if d.ctx.Err() != nil {
			return
		}

		d.execute(e)

		// Let other goroutines in between entries.
		runtime.Gosched()
	}
}

// execute runs one entry, containing its failure.
func (d *Dispatcher) execute(e dispatchEntry) {
	key := ""
	if e.task != nil {
		key = e.task.Key
	}

	defer func() {
		if r := recover(); r != nil {
			d.log.DispatchFailed(key, qerrors.RecoverPanic(r))
		}
	}()

	if err := e.handler(d.ctx, e.task); err != nil {
		d.log.DispatchFailed(key, err)
	}
}

// Close stops the dispatcher after the running handler returns. Entries
// that have not started are discarded. The handler's context is cancelled.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	dropped := len(d.pending)
	d.pending = nil
	d.mu.Unlock()

	d.cancel()
	<-d.doneCh

	if dropped > 0 {
		d.log.Warn("dispatch_dropped", map[string]interface{}{"pending": dropped})
	}
}
