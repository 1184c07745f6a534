// Package eventloop runs callbacks one at a time on a single goroutine.
//
// Every session state transition, timer expiry and inbound datagram of the
// TFTP server is dispatched through one Loop, so handlers never run
// concurrently with each other and need no locking of their own.
package eventloop

import (
	"context"
	"sync"
	"time"

	"github.com/eapache/queue"
)

type Task func()

type Loop struct {
	mu      sync.Mutex
	pending *queue.Queue
	wake    chan struct{}

	running  bool
	stopped  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	doneOnce sync.Once
}

func New() *Loop {
	return &Loop{
		pending: queue.New(),
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Post enqueues fn to run after everything already queued. It reports false
// once the loop has been stopped.
func (l *Loop) Post(fn func()) bool {
	if fn == nil {
		return false
	}
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.pending.Add(Task(fn))
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Call runs fn on the loop and waits for it to return. It must not be used
// from inside a task, which would deadlock.
func (l *Loop) Call(fn func()) bool {
	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		fn()
	}) {
		return false
	}
	select {
	case <-done:
		return true
	case <-l.doneCh:
		// Run may have exited with our task still queued.
		select {
		case <-done:
			return true
		default:
			return false
		}
	}
}

// AfterFunc posts fn to the loop once d has elapsed. The returned cancel func
// guarantees fn will not run if it is called from a loop task before fn has
// started.
func (l *Loop) AfterFunc(d time.Duration, fn func()) (cancel func()) {
	var (
		mu        sync.Mutex
		cancelled bool
	)
	t := time.AfterFunc(d, func() {
		l.Post(func() {
			mu.Lock()
			c := cancelled
			mu.Unlock()
			if !c {
				fn()
			}
		})
	})
	return func() {
		mu.Lock()
		cancelled = true
		mu.Unlock()
		t.Stop()
	}
}

// Run dispatches tasks until ctx is done or Stop is called. Tasks still queued
// when the loop stops are dropped.
func (l *Loop) Run(ctx context.Context) {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	stopped := l.stopped
	l.mu.Unlock()
	defer l.doneOnce.Do(func() { close(l.doneCh) })
	defer l.markStopped()
	if stopped {
		return
	}

	for {
		for {
			task, ok := l.next()
			if !ok {
				break
			}
			task()
			select {
			case <-l.stopCh:
				return
			default:
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-l.wake:
		}
	}
}

func (l *Loop) next() (Task, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending.Length() == 0 {
		return nil, false
	}
	return l.pending.Remove().(Task), true
}

func (l *Loop) markStopped() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = true
	for l.pending.Length() > 0 {
		l.pending.Remove()
	}
}

// Pending reports how many tasks are queued but not yet started.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending.Length()
}

// Stop ends Run and waits for it to return. It must not be called from a
// task.
func (l *Loop) Stop() {
	l.mu.Lock()
	first := !l.stopped
	l.stopped = true
	running := l.running
	l.mu.Unlock()

	if first {
		close(l.stopCh)
	}
	if running {
		<-l.doneCh
	}
}

// Done is closed when Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.doneCh
}
