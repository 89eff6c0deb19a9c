package livecoll

import "sync"

// Feed delivers events to a Handler on a dedicated goroutine, in push order,
// without ever blocking the producer. Stores use one Feed per subscription so
// that a slow consumer cannot stall writes or other subscribers.
type Feed struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	fn     Handler
	busy   bool
	closed bool
}

// NewFeed starts the delivery goroutine for fn.
func NewFeed(fn Handler) *Feed {
	f := &Feed{fn: fn}
	f.cond = sync.NewCond(&f.mu)
	go f.run()
	return f
}

// Push queues ev. It returns false once the feed is closed.
func (f *Feed) Push(ev Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.queue = append(f.queue, ev)
	f.cond.Broadcast()
	return true
}

// Close drops queued events and stops the goroutine after the in-flight
// handler call, if any, returns.
func (f *Feed) Close() {
	f.mu.Lock()
	f.closed = true
	f.queue = nil
	f.cond.Broadcast()
	f.mu.Unlock()
}

// Wait blocks until every queued event has been handled or the feed closes.
func (f *Feed) Wait() {
	f.mu.Lock()
	for (len(f.queue) > 0 || f.busy) && !f.closed {
		f.cond.Wait()
	}
	f.mu.Unlock()
}

func (f *Feed) run() {
	for {
		f.mu.Lock()
		for len(f.queue) == 0 && !f.closed {
			f.cond.Wait()
		}
		if f.closed {
			f.mu.Unlock()
			return
		}
		ev := f.queue[0]
		f.queue[0] = Event{}
		f.queue = f.queue[1:]
		f.busy = true
		f.mu.Unlock()

		f.fn(ev)

		f.mu.Lock()
		f.busy = false
		f.cond.Broadcast()
		f.mu.Unlock()
	}
}
