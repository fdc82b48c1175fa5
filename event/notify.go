package event

import (
	"sync/atomic"
	"time"
)

// Notify wakes the loop from another goroutine. Signals are coalesced: any
// number of Signal calls before the callback runs produce one callback.
type Notify struct {
	loop    *Loop
	fn      func()
	pending atomic.Bool
}

func NewNotify(loop *Loop, fn func()) *Notify {
	return &Notify{loop: loop, fn: fn}
}

func (n *Notify) Signal() {
	if n.pending.CompareAndSwap(false, true) {
		n.loop.Post(n.run)
	}
}

func (n *Notify) run() {
	n.pending.Store(false)
	n.fn()
}

// Timer fires its callback on the loop. Cancel is loop-only.
type Timer struct {
	timer     *time.Timer
	fn        func()
	cancelled bool
}

func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{fn: fn}
	t.timer = time.AfterFunc(d, func() { l.Post(t.fire) })
	return t
}

func (t *Timer) fire() {
	if t.cancelled {
		return
	}
	t.cancelled = true
	t.fn()
}

func (t *Timer) Cancel() {
	t.cancelled = true
	t.timer.Stop()
}
