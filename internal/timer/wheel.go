// Package timer implements an absolute-deadline timer wheel: timers are
// identified by 64-bit handles, may be one-shot or repeating, and fire
// in deadline order off a single dispatcher goroutine, matching the
// single cooperative scheduler the rest of the node assumes (spec.md
// §5: "any operation that cannot complete synchronously ... is
// expressed as a state transition plus a later event").
package timer

import (
	"container/heap"
	"sync"
	"time"

	log "github.com/ithildind/ithildind/pkg/minilog"
)

// Handle identifies a scheduled timer. Handles are never reused within
// a process lifetime.
type Handle uint64

// Func is invoked when a timer fires. It runs on the wheel's single
// dispatcher goroutine, so it must not block; long work should be
// handed off (e.g. to the event loop's own queue).
type Func func(Handle)

type entry struct {
	handle   Handle
	deadline time.Time
	period   time.Duration // 0 for one-shot
	fn       Func
	index    int // heap index, maintained by container/heap
}

type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x interface{}) { e := x.(*entry); e.index = len(*h); *h = append(*h, e) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Wheel is a timer wheel. The zero value is not usable; call New.
type Wheel struct {
	mu      sync.Mutex
	heap    entryHeap
	byID    map[Handle]*entry
	next    Handle
	wake    chan struct{}
	stop    chan struct{}
	stopped bool
}

// New creates and starts a Wheel. Call Stop to release its dispatcher
// goroutine.
func New() *Wheel {
	w := &Wheel{
		byID: make(map[Handle]*entry),
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
	go w.run()
	return w
}

// After schedules fn to run once, d from now, and returns its handle.
func (w *Wheel) After(d time.Duration, fn Func) Handle {
	return w.schedule(time.Now().Add(d), 0, fn)
}

// Every schedules fn to run repeatedly every d, starting d from now,
// until Cancel is called. Used for per-class ping scheduling and ACL
// timer-backed expiry (spec.md §4.1, §4.2).
func (w *Wheel) Every(d time.Duration, fn Func) Handle {
	return w.schedule(time.Now().Add(d), d, fn)
}

// At schedules fn to run once at the given absolute deadline.
func (w *Wheel) At(deadline time.Time, fn Func) Handle {
	return w.schedule(deadline, 0, fn)
}

func (w *Wheel) schedule(deadline time.Time, period time.Duration, fn Func) Handle {
	w.mu.Lock()
	w.next++
	h := w.next
	e := &entry{handle: h, deadline: deadline, period: period, fn: fn}
	w.byID[h] = e
	heap.Push(&w.heap, e)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return h
}

// Cancel removes a pending timer. It is a no-op if the handle is
// unknown or has already fired (one-shot).
func (w *Wheel) Cancel(h Handle) {
	w.mu.Lock()
	defer w.mu.Unlock()

	e, ok := w.byID[h]
	if !ok {
		return
	}
	delete(w.byID, h)
	heap.Remove(&w.heap, e.index)
}

// Reschedule moves an existing timer's deadline forward, used by the
// throttle engine to extend a ban's timer to a new stage length
// without destroying and recreating the ACL entry (spec.md §4.3).
func (w *Wheel) Reschedule(h Handle, deadline time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	e, ok := w.byID[h]
	if !ok {
		return
	}
	e.deadline = deadline
	heap.Fix(&w.heap, e.index)

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Stop halts the dispatcher goroutine. Pending timers never fire.
func (w *Wheel) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()
	close(w.stop)
}

func (w *Wheel) run() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		w.mu.Lock()
		var wait time.Duration = time.Hour
		if len(w.heap) > 0 {
			wait = time.Until(w.heap[0].deadline)
		}
		w.mu.Unlock()

		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)

		select {
		case <-w.stop:
			return
		case <-w.wake:
			continue
		case <-timer.C:
			w.fireDue()
		}
	}
}

func (w *Wheel) fireDue() {
	now := time.Now()
	for {
		w.mu.Lock()
		if len(w.heap) == 0 || w.heap[0].deadline.After(now) {
			w.mu.Unlock()
			return
		}
		e := heap.Pop(&w.heap).(*entry)
		delete(w.byID, e.handle)

		if e.period > 0 {
			e.deadline = e.deadline.Add(e.period)
			w.byID[e.handle] = e
			heap.Push(&w.heap, e)
		}
		w.mu.Unlock()

		if log.WillLog(log.DEBUG) {
			log.Debug("timer: firing handle %d", e.handle)
		}
		e.fn(e.handle)
	}
}
