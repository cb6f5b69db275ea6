package sdk

import (
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/bhandras/huddle/pkg/logger"
)

// dispatcher runs queued funcs one at a time on a single goroutine.
//
// Listener callbacks originate on HTTP, coordinator and Socket.IO goroutines;
// funnelling them through one queue keeps their order and means a listener
// never runs concurrently with itself.
type dispatcher struct {
	mu     sync.Mutex
	q      chan func()
	closed bool
	done   chan struct{}
}

func newDispatcher(queueSize int) *dispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	d := &dispatcher{
		q:    make(chan func(), queueSize),
		done: make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) run() {
	defer close(d.done)
	for fn := range d.q {
		d.safely(fn)
	}
}

func (d *dispatcher) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logPanic("listener", r)
		}
	}()
	fn()
}

// do enqueues fn. It is dropped after close.
func (d *dispatcher) do(fn func()) error {
	if d == nil {
		return fmt.Errorf("dispatcher not initialized")
	}
	if fn == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("dispatcher closed")
	}
	d.q <- fn
	return nil
}

// wait blocks until every func queued before it has run.
func (d *dispatcher) wait() {
	done := make(chan struct{})
	if err := d.do(func() { close(done) }); err != nil {
		return
	}
	<-done
}

// close drains the queue and stops the goroutine.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.q)
	d.mu.Unlock()
	<-d.done
}

func logPanic(context string, value any) {
	logger.Errorf("GO PANIC: %s: %v\n%s", context, value, debug.Stack())
}
