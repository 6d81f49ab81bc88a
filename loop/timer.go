// File: loop/timer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package loop

import "time"

// Timer is a one-shot timer whose callback runs on the loop goroutine.
// Reset and Stop must be called from the loop goroutine.
type Timer struct {
	l      *Loop
	fn     func()
	t      *time.Timer
	seq    uint64
	active bool
}

// AfterFunc arms a timer that runs fn on the loop after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	tm := &Timer{l: l, fn: fn}
	tm.Reset(d)
	return tm
}

// Reset re-arms the timer. An expiry already in flight for the previous
// arming is discarded.
func (t *Timer) Reset(d time.Duration) {
	t.seq++
	seq := t.seq
	t.active = true
	if t.t != nil {
		t.t.Stop()
	}
	t.t = time.AfterFunc(d, func() {
		t.l.Defer(func() {
			if t.seq != seq || !t.active {
				return
			}
			t.active = false
			t.fn()
		})
	})
}

// Stop disarms the timer. It reports whether the timer was armed.
func (t *Timer) Stop() bool {
	was := t.active
	t.seq++
	t.active = false
	if t.t != nil {
		t.t.Stop()
	}
	return was
}

// Active reports whether the timer is armed.
func (t *Timer) Active() bool { return t.active }
