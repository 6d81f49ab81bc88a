// File: loop/loop.go
// Package loop implements the single-goroutine cooperative event loop that
// owns every App, TopicTree and connection state machine bound to it.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Foreign goroutines (socket readers, writers, timers, admin endpoints) never
// touch loop-owned state directly. They post closures with Defer and the loop
// runs them in FIFO order. Each iteration runs the pre handlers, a batch of
// deferred callbacks, then the post handlers.

package loop

import (
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
)

const defaultBatchSize = 256

// Option configures a Loop.
type Option func(*Loop)

// WithBatchSize caps the deferred callbacks run per iteration.
func WithBatchSize(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.batchSize = n
		}
	}
}

type hook struct {
	key any
	fn  func(*Loop)
}

// Loop is a cooperative event loop. The zero value is not usable; call New.
type Loop struct {
	mu      sync.Mutex
	pending *queue.Queue // func()
	wake    chan struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	running  atomic.Bool

	refs      atomic.Int64
	iteration atomic.Uint64
	batchSize int
	cpu       int

	// Loop-goroutine only.
	pre    []hook
	post   []hook
	values map[any]any
	batch  []func()
}

// New creates a loop. It does nothing until Run is called.
func New(opts ...Option) *Loop {
	l := &Loop{
		pending:   queue.New(),
		wake:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
		batchSize: defaultBatchSize,
		cpu:       -1,
		values:    make(map[any]any),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Defer schedules fn on the loop goroutine. Safe from any goroutine.
func (l *Loop) Defer(fn func()) {
	l.mu.Lock()
	l.pending.Add(fn)
	l.mu.Unlock()
	l.signal()
}

// Sync runs fn on the loop and waits for it. It reports false when the loop
// stopped before fn ran. Calling Sync from the loop goroutine deadlocks.
func (l *Loop) Sync(fn func()) bool {
	ran := make(chan struct{})
	l.Defer(func() {
		fn()
		close(ran)
	})
	select {
	case <-ran:
		return true
	case <-l.done:
		select {
		case <-ran:
			return true
		default:
			return false
		}
	}
}

// Pending returns the number of queued deferred callbacks.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending.Length()
}

// Ref registers a keep-alive handle. Run does not return on its own while
// refs are held.
func (l *Loop) Ref() { l.refs.Add(1) }

// Unref releases a handle taken with Ref.
func (l *Loop) Unref() {
	if l.refs.Add(-1) <= 0 {
		l.signal()
	}
}

// Refs returns the number of live keep-alive handles.
func (l *Loop) Refs() int64 { return l.refs.Load() }

// Iteration returns how many iterations the loop has completed.
func (l *Loop) Iteration() uint64 { return l.iteration.Load() }

// AddPreHandler runs fn at the start of every iteration. Re-adding a key
// replaces its handler in place. Loop goroutine only, or before Run.
func (l *Loop) AddPreHandler(key any, fn func(*Loop)) { l.pre = setHook(l.pre, key, fn) }

// AddPostHandler runs fn at the end of every iteration.
func (l *Loop) AddPostHandler(key any, fn func(*Loop)) { l.post = setHook(l.post, key, fn) }

// RemovePreHandler drops the pre handler registered under key.
func (l *Loop) RemovePreHandler(key any) { l.pre = dropHook(l.pre, key) }

// RemovePostHandler drops the post handler registered under key.
func (l *Loop) RemovePostHandler(key any) { l.post = dropHook(l.post, key) }

// Value returns the loop-scoped value for key, creating it with create on
// first use. Loop goroutine only.
func (l *Loop) Value(key any, create func() any) any {
	if v, ok := l.values[key]; ok {
		return v
	}
	if create == nil {
		return nil
	}
	v := create()
	l.values[key] = v
	return v
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Running reports whether Run is executing.
func (l *Loop) Running() bool { return l.running.Load() }

// Run executes the loop on the calling goroutine until Stop is called or no
// refs and no deferred work remain. A second concurrent Run returns at once.
func (l *Loop) Run() {
	if !l.running.CompareAndSwap(false, true) {
		return
	}
	defer l.pinThread()()
	defer func() {
		l.running.Store(false)
		close(l.done)
	}()

	for {
		select {
		case <-l.stopCh:
			return
		default:
		}
		if l.refs.Load() <= 0 && l.Pending() == 0 {
			return
		}

		select {
		case <-l.stopCh:
			return
		case <-l.wake:
		}

		for more := true; more; {
			l.runHooks(l.pre)
			more = l.processBatch()
			l.runHooks(l.post)
			l.iteration.Add(1)
			select {
			case <-l.stopCh:
				return
			default:
			}
		}
	}
}

// Stop makes Run return after the current iteration. Queued callbacks that
// have not run are discarded. Safe from any goroutine.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// processBatch runs up to batchSize callbacks and reports whether more are
// waiting.
func (l *Loop) processBatch() bool {
	l.mu.Lock()
	n := l.pending.Length()
	if n > l.batchSize {
		n = l.batchSize
	}
	for i := 0; i < n; i++ {
		l.batch = append(l.batch, l.pending.Remove().(func()))
	}
	more := l.pending.Length() > 0
	l.mu.Unlock()

	for i, fn := range l.batch {
		l.batch[i] = nil
		fn()
	}
	l.batch = l.batch[:0]
	return more
}

func (l *Loop) runHooks(hooks []hook) {
	// Handlers may add or remove hooks; iterate a snapshot.
	for _, h := range append([]hook(nil), hooks...) {
		h.fn(l)
	}
}

func setHook(hooks []hook, key any, fn func(*Loop)) []hook {
	for i := range hooks {
		if hooks[i].key == key {
			hooks[i].fn = fn
			return hooks
		}
	}
	return append(hooks, hook{key: key, fn: fn})
}

func dropHook(hooks []hook, key any) []hook {
	for i := range hooks {
		if hooks[i].key == key {
			return append(hooks[:i], hooks[i+1:]...)
		}
	}
	return hooks
}
