package queue

import (
	"sync"
	"time"

	"github.com/vinayprograms/taskqueue/logging"
	"github.com/vinayprograms/taskqueue/store"
)

// IdleMonitor calls back once the watched indices have stayed empty for a
// settle window. See Coordinator.MonitorForIdle.
type IdleMonitor struct {
	minIdle  time.Duration
	callback func()
	log      *logging.Logger

	mu      sync.Mutex
	counts  map[Status]int
	timer   *time.Timer
	gen     uint64 // bumped on every change; a timer only fires for its own generation
	stopped bool

	subs []store.Subscription
	done chan struct{}
}

// MonitorForIdle watches the available index, and the active index when
// watchActive is set. Every change cancels the pending timer; when the
// watched indices are all empty a new timer is armed for minIdleTime
// (non-positive uses Config.IdleTime). callback runs once when a timer
// elapses with no change in between. Any later change starts the cycle
// again, so callback fires once per settle window, not continuously while
// idle.
//
// callback runs on its own goroutine.
func (c *Coordinator) MonitorForIdle(callback func(), minIdleTime time.Duration, watchActive bool) (*IdleMonitor, error) {
	if callback == nil {
		return nil, invalid(nil, "idle callback required")
	}
	if minIdleTime <= 0 {
		minIdleTime = c.cfg.IdleTime
	}

	m := &IdleMonitor{
		minIdle:  minIdleTime,
		callback: callback,
		log:      c.cfg.Logger.WithComponent("idle"),
		counts:   make(map[Status]int),
		done:     make(chan struct{}),
	}

	watched := []Status{StatusAvailable}
	if watchActive {
		watched = append(watched, StatusActive)
	}

	for _, status := range watched {
		// Not empty until the first snapshot says so.
		m.counts[status] = -1
	}

	var wg sync.WaitGroup
	for _, status := range watched {
		sub, err := c.index.Watch(status)
		if err != nil {
			for _, s := range m.subs {
				s.Unsubscribe()
			}
			return nil, err
		}
		m.subs = append(m.subs, sub)

		wg.Add(1)
		go func(status Status, sub store.Subscription) {
			defer wg.Done()
			for ev := range sub.Events() {
				m.observe(status, ev.NumChildren())
			}
		}(status, sub)
	}

	go func() {
		wg.Wait()
		close(m.done)
	}()

	return m, nil
}

// observe handles one snapshot of a watched index.
func (m *IdleMonitor) observe(status Status, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return
	}

	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.counts[status] = count

	for _, n := range m.counts {
		if n != 0 {
			return
		}
	}

	gen := m.gen
	m.timer = time.AfterFunc(m.minIdle, func() {
		m.fire(gen)
	})
}

// fire runs the callback if no change arrived since the timer was armed.
func (m *IdleMonitor) fire(gen uint64) {
	m.mu.Lock()
	if m.stopped || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.mu.Unlock()

	m.log.IdleDetected(m.minIdle)
	m.callback()
}

// Stop cancels the subscriptions and any pending timer. A callback that
// is already running is not interrupted.
func (m *IdleMonitor) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()

	for _, sub := range m.subs {
		sub.Unsubscribe()
	}
	<-m.done
}
