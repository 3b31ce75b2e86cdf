package store

import (
	"sync"
	"sync/atomic"
)

// subscription delivers events through an unbounded buffer so that a slow
// reader never causes notifications to be dropped. One goroutine per
// subscription moves events from the buffer to the channel.
type subscription struct {
	ch     chan Event
	once   bool
	cancel func()

	mu      sync.Mutex
	pending []Event
	sealed  bool // no further pushes accepted

	wake   chan struct{}
	done   chan struct{}
	closed atomic.Bool
}

func newSubscription(once bool, cancel func()) *subscription {
	s := &subscription{
		ch:     make(chan Event),
		once:   once,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// push queues an event for delivery. Once subscriptions accept one event.
func (s *subscription) push(ev Event) {
	s.mu.Lock()
	if s.sealed {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, ev)
	if s.once {
		s.sealed = true
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// run drains pending events into the channel.
func (s *subscription) run() {
	defer close(s.ch)
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			finished := s.once && s.sealed
			s.mu.Unlock()
			if finished {
				s.Unsubscribe()
				return
			}
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		ev := s.pending[0]
		s.pending[0] = Event{}
		s.pending = s.pending[1:]
		s.mu.Unlock()

		select {
		case s.ch <- ev:
		case <-s.done:
			return
		}
	}
}

// Events returns the event channel.
func (s *subscription) Events() <-chan Event {
	return s.ch
}

// Unsubscribe stops delivery. Safe to call more than once.
func (s *subscription) Unsubscribe() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	s.sealed = true
	s.pending = nil
	s.mu.Unlock()
	close(s.done)
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

// isClosed reports whether the subscription has ended.
func (s *subscription) isClosed() bool {
	return s.closed.Load()
}
